// Package disposal securely deletes staged source media once a recording has
// been exported, leaving an append-only audit trail of every attempt.
package disposal
