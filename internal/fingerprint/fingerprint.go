// Package fingerprint computes stable identities for call recordings.
//
// A weak fingerprint is derived from source metadata before any bytes are
// downloaded; a strong fingerprint is the SHA-256 digest of the media itself.
// Both are pure functions so duplicate checks stay side-effect free.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"
)

// Metadata is the identity tuple available before a recording's bytes exist.
type Metadata struct {
	SourceID  string
	SourceURL string
	StartTime time.Time
	Duration  time.Duration
}

// Weak returns a deterministic fingerprint over the metadata tuple. Start
// times are truncated to the second so sub-second jitter from the source API
// does not change the identity.
func Weak(meta Metadata) string {
	canonical := fmt.Sprintf("%s|%s|%d|%d",
		strings.TrimSpace(meta.SourceID),
		strings.TrimSpace(meta.SourceURL),
		meta.StartTime.UTC().Truncate(time.Second).Unix(),
		int64(meta.Duration.Round(time.Second).Seconds()),
	)
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

// Strong returns the SHA-256 content hash of the recording bytes.
func Strong(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// StrongFromReader hashes streamed media without buffering it in memory.
func StrongFromReader(r io.Reader) (string, int64, error) {
	hasher := sha256.New()
	n, err := io.Copy(hasher, r)
	if err != nil {
		return "", 0, fmt.Errorf("hash media: %w", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), n, nil
}

// WithinTolerance reports whether two start-time/duration tuples fall inside
// the duplicate-detection window.
func WithinTolerance(a, b Metadata, tolerance time.Duration) bool {
	if tolerance < 0 {
		tolerance = 0
	}
	startDelta := a.StartTime.Sub(b.StartTime)
	if startDelta < 0 {
		startDelta = -startDelta
	}
	durDelta := a.Duration - b.Duration
	if durDelta < 0 {
		durDelta = -durDelta
	}
	return startDelta <= tolerance && durDelta <= tolerance
}
