package testsupport

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"callpipe/internal/config"
	"callpipe/internal/fingerprint"
	"callpipe/internal/store"
)

var metadataSeq atomic.Int64

// MustOpenStore opens a store.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *store.Store {
	t.Helper()

	st, err := store.Open(cfg)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() {
		st.Close()
	})
	return st
}

// NewRecording inserts a pending recording for tests. The suffix keeps source
// identities unique within a test.
func NewRecording(t testing.TB, st *store.Store, suffix string) *store.Recording {
	t.Helper()

	rec, err := st.InsertRecording(context.Background(), Metadata(suffix))
	if err != nil {
		t.Fatalf("store.InsertRecording: %v", err)
	}
	return rec
}

// Metadata builds a distinct identity tuple for the given suffix. Start times
// are spaced an hour apart so time-window duplicate checks never collide.
func Metadata(suffix string) fingerprint.Metadata {
	seq := metadataSeq.Add(1)
	return fingerprint.Metadata{
		SourceID:  "rec-" + suffix,
		SourceURL: fmt.Sprintf("https://calls.example.com/%s.wav", suffix),
		StartTime: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC).Add(time.Duration(seq) * time.Hour),
		Duration:  90 * time.Second,
	}
}
