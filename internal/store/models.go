package store

import (
	"strings"
	"time"
)

// State represents the coarse lifecycle of a recording.
type State string

const (
	StatePending        State = "pending"
	StateClaimed        State = "claimed"
	StateFetching       State = "fetching"
	StateFetched        State = "fetched"
	StateTranscribing   State = "transcribing"
	StateTranscribed    State = "transcribed"
	StateAnalyzing      State = "analyzing"
	StateReadyForExport State = "ready_for_export"
	StateExported       State = "exported"
	StateFailed         State = "failed"
	StateDisposed       State = "disposed"
)

var allStates = []State{
	StatePending,
	StateClaimed,
	StateFetching,
	StateFetched,
	StateTranscribing,
	StateTranscribed,
	StateAnalyzing,
	StateReadyForExport,
	StateExported,
	StateFailed,
	StateDisposed,
}

// stateRank fixes the total order states advance through. StateFailed sits
// outside the order: it is reachable from any non-terminal state and left
// only by reclaim or manual requeue.
var stateRank = map[State]int{
	StatePending:        0,
	StateClaimed:        1,
	StateFetching:       2,
	StateFetched:        3,
	StateTranscribing:   4,
	StateTranscribed:    5,
	StateAnalyzing:      6,
	StateReadyForExport: 7,
	StateExported:       8,
	StateDisposed:       9,
}

var stateSet = func() map[State]struct{} {
	set := make(map[State]struct{}, len(allStates))
	for _, state := range allStates {
		set[state] = struct{}{}
	}
	return set
}()

// AllStates returns the ordered list of known states.
func AllStates() []State {
	cp := make([]State, len(allStates))
	copy(cp, allStates)
	return cp
}

// ParseState converts a string into a known State.
func ParseState(value string) (State, bool) {
	normalized := State(strings.ToLower(strings.TrimSpace(value)))
	if normalized == "" {
		return "", false
	}
	_, ok := stateSet[normalized]
	return normalized, ok
}

// Rank returns the position of a state in the forward order, or -1 for
// StateFailed and unknown states.
func (s State) Rank() int {
	rank, ok := stateRank[s]
	if !ok {
		return -1
	}
	return rank
}

// IsTerminal reports whether no further pipeline work applies.
func (s State) IsTerminal() bool {
	return s == StateDisposed
}

func statesBelow(target State) []State {
	limit, ok := stateRank[target]
	if !ok {
		return nil
	}
	below := make([]State, 0, limit)
	for _, state := range allStates {
		if rank, ok := stateRank[state]; ok && rank < limit {
			below = append(below, state)
		}
	}
	return below
}

// Recording is one call recording persisted in SQLite.
type Recording struct {
	ID              int64
	SourceID        string
	SourceURL       string
	WeakFingerprint string
	ContentHash     string
	StartTime       time.Time
	Duration        time.Duration
	ByteSize        int64
	MediaPath       string
	State           State
	ClaimOwner      string
	ClaimExpiresAt  *time.Time
	RetryCount      int
	LastError       string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ClaimExpired reports whether the recording holds a lease that has lapsed.
func (r *Recording) ClaimExpired(now time.Time) bool {
	return r.ClaimOwner != "" && r.ClaimExpiresAt != nil && r.ClaimExpiresAt.Before(now)
}

// StageStatus tracks one stage attempt lifecycle.
type StageStatus string

const (
	StagePending  StageStatus = "pending"
	StageRunning  StageStatus = "running"
	StageComplete StageStatus = "complete"
	StageFailed   StageStatus = "failed"
)

// StageResult is one row per (recording, stage).
type StageResult struct {
	RecordingID int64
	StageName   string
	Status      StageStatus
	Attempt     int
	OutputRef   string
	Error       string
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// ExportStatus tracks downstream delivery lifecycle.
type ExportStatus string

const (
	ExportPending  ExportStatus = "pending"
	ExportExported ExportStatus = "exported"
	ExportFailed   ExportStatus = "failed"
	ExportSkipped  ExportStatus = "skipped"
)

// ExportRecord is one row per recording once delivery is attempted. The
// unique index on recording_id is the delivery-exactly-once mechanism.
type ExportRecord struct {
	RecordingID    int64
	Status         ExportStatus
	BatchID        string
	RetryCount     int
	DestinationRef string
	LastError      string
	ExportedAt     *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// DeletionAuditEntry records one source-media deletion attempt. Append-only.
type DeletionAuditEntry struct {
	ID          int64
	RecordingID int64
	ContentHash string
	ByteSize    int64
	Method      string
	Verified    bool
	Detail      string
	CreatedAt   time.Time
}

// StateCounts aggregates recordings per lifecycle state.
type StateCounts map[State]int

// Total sums every state bucket.
func (c StateCounts) Total() int {
	total := 0
	for _, count := range c {
		total += count
	}
	return total
}
