// Package logging assembles structured slog loggers and attribute helpers used
// across callpipe components.
//
// It owns the console/JSON handlers, centralizes level and output plumbing,
// and exposes shared field names so stage code tags log lines with recording
// IDs, stages, and claim owners consistently. A no-op logger is provided for
// tests and wiring code that cannot fail.
//
// Prefer these constructors over hand-rolled slog setup so every component
// emits data with the same shape.
package logging
