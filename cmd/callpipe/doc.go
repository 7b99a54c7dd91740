// Package main hosts the callpipe CLI entrypoint and command graph.
//
// The Cobra-based command tree covers one-shot batch runs, the long-running
// daemon, queue status reporting, dead-letter requeueing, and configuration
// scaffolding. It centralizes configuration resolution, store access, and
// structured logging setup so subcommands can focus on user experience
// instead of wiring.
//
// Keep this package lean: add new functionality by extending the internal
// packages first, then surface it through dedicated commands or flags here.
package main
