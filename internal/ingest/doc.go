// Package ingest polls the external recording source and admits new work.
//
// The gate enforces a minimum inter-request interval, backs off on rate
// limits, and rejects duplicates using the fail-closed fingerprint policy
// before inserting pending recordings. Insertion is idempotent, so partial
// pages are never rolled back.
package ingest
