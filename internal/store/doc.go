// Package store persists recordings and their derived records in SQLite and
// is the only shared mutable resource in the system.
//
// It owns the recording lifecycle (states, claims, leases), the per-stage
// result rows, the export records whose unique index provides the
// delivery-exactly-once guarantee, and the append-only deletion audit. Every
// mutation of a recording's state or claim is a single conditional UPDATE, so
// any number of worker processes can coordinate through the database without
// a lock service; losers of a race observe RowsAffected == 0 and move on.
//
// Treat this package as the single source of truth for lifecycle semantics;
// when you add states or stage columns, update schema.sql and bump
// schemaVersion.
package store
