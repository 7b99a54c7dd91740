// Package workflow wires the pipeline subsystems into background loops for
// the daemon and into one-shot batch passes for the CLI: source polling,
// claim workers, stale-claim reaping, export scans, and disposal sweeps.
package workflow
