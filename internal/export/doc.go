// Package export delivers fully-enriched recordings to the downstream
// retrieval corpus exactly once, tracked through the export_records ledger.
package export
