package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"callpipe/internal/logging"
	"callpipe/internal/services"
	"callpipe/internal/store"
)

// Runner drives a claimed recording through every eligible stage under a
// single claim, extending the lease between stages.
type Runner struct {
	store         *store.Store
	pipeline      *Pipeline
	logger        *slog.Logger
	owner         string
	lease         time.Duration
	maxClaimRetry int
}

// NewRunner builds a runner bound to a claim owner identity.
func NewRunner(st *store.Store, pipe *Pipeline, logger *slog.Logger, owner string, lease time.Duration, maxClaimRetries int) *Runner {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Runner{
		store:         st,
		pipeline:      pipe,
		logger:        logger,
		owner:         owner,
		lease:         lease,
		maxClaimRetry: maxClaimRetries,
	}
}

// Process runs eligible stages for one claimed recording until none remain,
// then promotes it to ready_for_export if every declared stage is complete.
// The claim is released on every return path; a failed stage leaves the
// recording in the failed state with its attempt counters updated.
func (r *Runner) Process(ctx context.Context, rec *store.Recording) error {
	logger := r.logger.With(logging.FieldRecordingID, rec.ID)

	for {
		if err := ctx.Err(); err != nil {
			return r.abandon(ctx, rec.ID, logger, err)
		}

		eligible, err := r.pipeline.Eligible(ctx, r.store, rec.ID)
		if err != nil {
			return r.abandon(ctx, rec.ID, logger, err)
		}
		if len(eligible) == 0 {
			break
		}

		progressed := false
		for _, stage := range eligible {
			ran, err := r.runStage(ctx, rec.ID, stage, logger)
			if err != nil {
				r.failRecording(ctx, rec.ID, stage.Name, err, logger)
				return err
			}
			if ran {
				progressed = true
			}
			if err := r.store.ExtendLease(ctx, rec.ID, r.owner, r.lease); err != nil {
				logger.Warn("lease extension failed, abandoning claim", logging.Error(err))
				return err
			}
		}
		if !progressed {
			// Every eligible stage turned out to be already complete;
			// re-evaluating would loop forever.
			break
		}
	}

	done, err := r.pipeline.Complete(ctx, r.store, rec.ID)
	if err != nil {
		return r.abandon(ctx, rec.ID, logger, err)
	}
	if done {
		if _, err := r.store.AdvanceStateTo(ctx, rec.ID, store.StateReadyForExport); err != nil {
			return r.abandon(ctx, rec.ID, logger, err)
		}
		logger.Info("recording ready for export")
		return r.store.Release(ctx, rec.ID, r.owner)
	}

	// Incomplete with nothing eligible: a stage whose attempt budget is
	// spent can never run again, so the recording must dead-letter here
	// rather than sit claimed with no owner.
	stageName, spent, err := r.pipeline.Exhausted(ctx, r.store, rec.ID)
	if err != nil {
		return r.abandon(ctx, rec.ID, logger, err)
	}
	if spent {
		cause := services.Wrap(services.ErrValidation, stageName, "run",
			"attempt budget exhausted", nil)
		r.failRecording(ctx, rec.ID, stageName, cause, logger)
		return cause
	}

	return r.store.Release(ctx, rec.ID, r.owner)
}

// runStage executes one stage. The returned bool reports whether the handler
// actually ran; it is false when a complete result already existed.
func (r *Runner) runStage(ctx context.Context, recordingID int64, stage Stage, logger *slog.Logger) (bool, error) {
	logger = logger.With(logging.FieldStage, stage.Name)

	began, result, err := r.store.BeginStage(ctx, recordingID, stage.Name)
	if err != nil {
		return false, err
	}
	if !began {
		logger.Debug("stage already complete, skipping", "output_ref", result.OutputRef)
		return false, nil
	}
	if result.Attempt > stage.MaxAttempts {
		return false, services.Wrap(services.ErrValidation, stage.Name, "run",
			fmt.Sprintf("attempt budget exhausted after %d tries", result.Attempt-1), nil)
	}

	rec, err := r.store.GetRecording(ctx, recordingID)
	if err != nil {
		return false, err
	}
	// Only root stages may run before the media bytes are hashed.
	if len(stage.DependsOn) > 0 && rec.ContentHash == "" {
		return false, services.Wrap(services.ErrValidation, stage.Name, "run",
			"content hash missing for a dependent stage", nil)
	}

	if _, err := r.store.AdvanceStateTo(ctx, recordingID, stage.ProcessingState); err != nil {
		return false, err
	}

	upstream, err := r.upstreamOutputs(ctx, recordingID, stage)
	if err != nil {
		return false, err
	}

	logger.Info("stage starting", "attempt", result.Attempt)
	started := time.Now()
	outputRef, runErr := stage.Handler.Run(ctx, rec, upstream)
	if runErr != nil {
		if failErr := r.store.FailStage(ctx, recordingID, stage.Name, runErr.Error()); failErr != nil {
			logger.Error("recording stage failure failed", logging.Error(failErr))
		}
		return false, runErr
	}

	if err := r.store.CompleteStage(ctx, recordingID, stage.Name, outputRef); err != nil {
		return false, err
	}
	if _, err := r.store.AdvanceStateTo(ctx, recordingID, stage.DoneState); err != nil {
		return false, err
	}
	logger.Info("stage complete", "duration", time.Since(started).Round(time.Millisecond), "output_ref", outputRef)
	return true, nil
}

func (r *Runner) upstreamOutputs(ctx context.Context, recordingID int64, stage Stage) (map[string]string, error) {
	upstream := make(map[string]string, len(stage.DependsOn))
	if len(stage.DependsOn) == 0 {
		return upstream, nil
	}
	results, err := r.store.StageResults(ctx, recordingID)
	if err != nil {
		return nil, err
	}
	for _, dep := range stage.DependsOn {
		result, ok := results[dep]
		if !ok || result.Status != store.StageComplete {
			return nil, services.Wrap(services.ErrValidation, stage.Name, "run",
				fmt.Sprintf("prerequisite %q not complete", dep), nil)
		}
		upstream[dep] = result.OutputRef
	}
	return upstream, nil
}

// failRecording records a stage failure on the coarse recording row. A
// permanent classification burns the whole retry budget so the recording
// lands in the dead-letter set instead of being re-claimed.
func (r *Runner) failRecording(ctx context.Context, recordingID int64, stageName string, cause error, logger *slog.Logger) {
	permanent := services.IsPermanent(cause)
	if err := r.store.MarkFailed(ctx, recordingID, r.owner, cause.Error(), permanent, r.maxClaimRetry); err != nil {
		logger.Error("marking recording failed failed", logging.Error(err))
		return
	}
	logger.Warn("recording failed",
		logging.FieldStage, stageName,
		"permanent", permanent,
		logging.Error(cause))
}

// abandon releases the claim without touching state and returns the cause.
func (r *Runner) abandon(ctx context.Context, recordingID int64, logger *slog.Logger, cause error) error {
	if err := r.store.Release(context.WithoutCancel(ctx), recordingID, r.owner); err != nil {
		logger.Warn("claim release failed", logging.Error(err))
	}
	return cause
}
