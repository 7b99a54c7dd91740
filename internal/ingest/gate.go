package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"callpipe/internal/fingerprint"
	"callpipe/internal/logging"
	"callpipe/internal/services"
	"callpipe/internal/store"
)

// Source lists new artifacts from the external recording system.
type Source interface {
	ListNewArtifacts(ctx context.Context, since time.Time) ([]fingerprint.Metadata, error)
}

// Gate polls the source at a bounded rate and inserts non-duplicate
// recordings as pending. It never mutates existing rows, so a partially
// inserted page is safe to re-poll.
type Gate struct {
	store     *store.Store
	source    Source
	logger    *slog.Logger
	limiter   *RateLimiter
	tolerance time.Duration
	retry     services.RetryPolicy
}

// PollResult summarizes one ingestion pass.
type PollResult struct {
	Listed   int
	Inserted int
	Skipped  int
}

// New constructs an ingestion gate.
func New(st *store.Store, source Source, logger *slog.Logger, minInterval, tolerance time.Duration) *Gate {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Gate{
		store:     st,
		source:    source,
		logger:    logger,
		limiter:   NewRateLimiter(minInterval),
		tolerance: tolerance,
		retry:     services.DefaultRetryPolicy(),
	}
}

// Poll fetches one page of candidates and inserts the non-duplicates. Rate
// limit responses from the source back off exponentially before resuming;
// a poll that errors entirely is simply retried on the next invocation.
func (g *Gate) Poll(ctx context.Context, since time.Time) (PollResult, error) {
	var result PollResult

	if err := g.limiter.Wait(ctx); err != nil {
		return result, err
	}

	var candidates []fingerprint.Metadata
	err := services.Retry(ctx, g.retry, func() error {
		var listErr error
		candidates, listErr = g.source.ListNewArtifacts(ctx, since)
		if listErr != nil && !errors.Is(listErr, services.ErrRateLimited) && !errors.Is(listErr, services.ErrTransient) {
			// Only rate-limit and transient list failures retry.
			return services.Wrap(services.ErrValidation, "ingest", "list", "unretryable source failure", listErr)
		}
		return listErr
	})
	if err != nil {
		return result, fmt.Errorf("list new artifacts: %w", err)
	}
	result.Listed = len(candidates)

	for _, meta := range candidates {
		dup, reason, err := g.isDuplicate(ctx, meta)
		if err != nil {
			return result, err
		}
		if dup {
			result.Skipped++
			g.logger.Debug("duplicate artifact skipped",
				logging.String("source_id", meta.SourceID),
				logging.String("reason", reason),
			)
			continue
		}

		if _, err := g.store.InsertRecording(ctx, meta); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				// Another ingester won the insert race; same outcome.
				result.Skipped++
				continue
			}
			return result, fmt.Errorf("insert artifact %s: %w", meta.SourceID, err)
		}
		result.Inserted++
		g.logger.Info("artifact ingested",
			logging.String("source_id", meta.SourceID),
			logging.Time("start_time", meta.StartTime),
			logging.Duration("duration", meta.Duration),
		)
	}

	return result, nil
}

// isDuplicate applies the fail-closed policy: any single matching signal
// against a non-failed recording marks the candidate as a duplicate. The
// content-hash signal is checked later by the fetch stage, once bytes exist.
func (g *Gate) isDuplicate(ctx context.Context, meta fingerprint.Metadata) (bool, string, error) {
	if existing, err := g.store.FindBySourceID(ctx, meta.SourceID); err != nil {
		return false, "", err
	} else if existing != nil {
		return true, "source_id", nil
	}

	if existing, err := g.store.FindBySourceURL(ctx, meta.SourceURL); err != nil {
		return false, "", err
	} else if existing != nil {
		return true, "source_url", nil
	}

	if existing, err := g.store.FindByTimeWindow(ctx, meta.StartTime, meta.Duration, g.tolerance); err != nil {
		return false, "", err
	} else if existing != nil {
		return true, "time_window", nil
	}

	return false, "", nil
}

// RateLimiter enforces a minimum interval between external requests.
type RateLimiter struct {
	mu       sync.Mutex
	interval time.Duration
	last     time.Time
}

// NewRateLimiter builds a limiter with the given minimum interval.
func NewRateLimiter(interval time.Duration) *RateLimiter {
	if interval < 0 {
		interval = 0
	}
	return &RateLimiter{interval: interval}
}

// Wait blocks until the next request is allowed or the context ends.
func (l *RateLimiter) Wait(ctx context.Context) error {
	l.mu.Lock()
	now := time.Now()
	var sleep time.Duration
	if !l.last.IsZero() {
		if elapsed := now.Sub(l.last); elapsed < l.interval {
			sleep = l.interval - elapsed
		}
	}
	l.last = now.Add(sleep)
	l.mu.Unlock()

	if sleep <= 0 {
		return nil
	}
	select {
	case <-time.After(sleep):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
