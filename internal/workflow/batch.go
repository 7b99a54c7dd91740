package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"callpipe/internal/disposal"
	"callpipe/internal/export"
	"callpipe/internal/ingest"
	"callpipe/internal/logging"
	"callpipe/internal/pipeline"
	"callpipe/internal/store"
)

// BatchOptions controls a one-shot pipeline pass.
type BatchOptions struct {
	// Limit caps how many recordings the workers process; zero means no cap.
	Limit int
	// Since bounds the source listing window; zero falls back to 24h ago.
	Since time.Time
	// SkipIngest processes only what is already queued.
	SkipIngest bool
	// DryRun reports what would happen without touching the source, the
	// collaborators, or any row. It implies SkipIngest.
	DryRun bool
	// ForceReexport clears failed and skipped export records first.
	ForceReexport bool
}

// BatchResult summarizes a one-shot pass.
type BatchResult struct {
	Ingest    ingest.PollResult
	Processed int64
	Failed    int64
	Export    export.ScanResult
	Disposal  disposal.SweepResult
}

// RunBatch executes one full pipeline pass: ingest poll, stage processing
// across the configured workers, an export scan, and a disposal sweep.
func (m *Manager) RunBatch(ctx context.Context, opts BatchOptions) (BatchResult, error) {
	var result BatchResult

	if opts.DryRun {
		return result, m.fillDryRun(ctx, &result)
	}

	if !opts.SkipIngest {
		since := opts.Since
		if since.IsZero() {
			since = m.sinceCursor()
		}
		ingested, err := m.gate.Poll(ctx, since)
		if err != nil {
			return result, fmt.Errorf("ingest poll: %w", err)
		}
		result.Ingest = ingested
	}

	if opts.ForceReexport {
		reset, err := m.store.ResetTerminalExports(ctx)
		if err != nil {
			return result, fmt.Errorf("reset exports: %w", err)
		}
		if reset > 0 {
			m.logger.Info("reset terminal export records", "count", reset)
		}
	}

	if err := m.processBatch(ctx, opts.Limit, &result); err != nil {
		return result, err
	}

	scan, err := m.tracker.Scan(ctx)
	if err != nil {
		return result, fmt.Errorf("export scan: %w", err)
	}
	result.Export = scan

	sweep, err := m.disposer.Sweep(ctx)
	if err != nil {
		return result, fmt.Errorf("disposal sweep: %w", err)
	}
	result.Disposal = sweep

	return result, nil
}

// processBatch drains the claimable pool with the configured worker count
// until it is empty or the limit is reached. Stage failures are tallied, not
// fatal: the batch keeps draining and the recording keeps its failure state.
func (m *Manager) processBatch(ctx context.Context, limit int, result *BatchResult) error {
	var budget atomic.Int64
	if limit > 0 {
		budget.Store(int64(limit))
	} else {
		budget.Store(int64(^uint64(0) >> 2))
	}

	group, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < m.workers; i++ {
		owner := fmt.Sprintf("%s-batch%d", m.ownerPrefix, i)
		group.Go(func() error {
			logger := m.logger.With(logging.FieldComponent, "worker", logging.FieldOwner, owner)
			runner := pipeline.NewRunner(m.store, m.pipeline, logger, owner, m.lease, m.cfg.Pipeline.MaxClaimRetries)
			for {
				if budget.Add(-1) < 0 {
					return nil
				}
				claimed, err := m.store.ClaimNext(groupCtx, owner, m.lease, m.cfg.Pipeline.MaxClaimRetries, 1)
				if err != nil {
					return err
				}
				if len(claimed) == 0 {
					return nil
				}
				if err := runner.Process(groupCtx, claimed[0]); err != nil {
					if errors.Is(err, context.Canceled) {
						return err
					}
					result.incrementFailed()
					continue
				}
				result.incrementProcessed()
			}
		})
	}
	return group.Wait()
}

func (r *BatchResult) incrementProcessed() {
	atomic.AddInt64(&r.Processed, 1)
}

func (r *BatchResult) incrementFailed() {
	atomic.AddInt64(&r.Failed, 1)
}

// fillDryRun reports the work a real pass would pick up.
func (m *Manager) fillDryRun(ctx context.Context, result *BatchResult) error {
	counts, err := m.store.Stats(ctx)
	if err != nil {
		return err
	}
	result.Processed = int64(counts[store.StatePending])
	candidates, err := m.store.ExportCandidates(ctx, m.pipeline.StageNames(), m.cfg.Export.MaxRetries, m.cfg.Export.BatchSize)
	if err != nil {
		return err
	}
	result.Export.Candidates = len(candidates)
	result.Disposal.Candidates = counts[store.StateExported]
	return nil
}
