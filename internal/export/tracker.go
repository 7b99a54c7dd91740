package export

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"

	"callpipe/internal/logging"
	"callpipe/internal/services"
	"callpipe/internal/services/analysis"
	"callpipe/internal/services/retrieval"
	"callpipe/internal/store"
)

// Deliverer hands one enriched document to the downstream corpus.
type Deliverer interface {
	Deliver(ctx context.Context, doc retrieval.Document) (string, error)
}

// Tracker scans for fully-enriched recordings and delivers each exactly once.
// The export_records table is the dedup ledger: acquiring the per-recording
// row wins the right to deliver, so concurrent scanners never double-send.
type Tracker struct {
	store      *store.Store
	deliverer  Deliverer
	logger     *slog.Logger
	stageNames []string
	maxRetries int
	batchSize  int
}

// NewTracker builds an export tracker over the declared stage set.
func NewTracker(st *store.Store, deliverer Deliverer, logger *slog.Logger, stageNames []string, maxRetries, batchSize int) *Tracker {
	if logger == nil {
		logger = logging.NewNop()
	}
	if batchSize <= 0 {
		batchSize = 50
	}
	return &Tracker{
		store:      st,
		deliverer:  deliverer,
		logger:     logger,
		stageNames: stageNames,
		maxRetries: maxRetries,
		batchSize:  batchSize,
	}
}

// ScanResult summarizes one export sweep.
type ScanResult struct {
	BatchID    string
	Candidates int
	Exported   int
	Failed     int
	Skipped    int
}

// Scan finds export candidates and delivers them under a fresh batch id.
// A recording whose export record is already held or terminal is skipped;
// delivery failures consume export retry budget.
func (t *Tracker) Scan(ctx context.Context) (ScanResult, error) {
	result := ScanResult{BatchID: uuid.NewString()}

	candidates, err := t.store.ExportCandidates(ctx, t.stageNames, t.maxRetries, t.batchSize)
	if err != nil {
		return result, fmt.Errorf("export scan: %w", err)
	}
	result.Candidates = len(candidates)

	for _, rec := range candidates {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		acquired, err := t.store.AcquireExport(ctx, rec.ID, result.BatchID, t.maxRetries)
		if err != nil {
			return result, fmt.Errorf("acquire export for recording %d: %w", rec.ID, err)
		}
		if !acquired {
			result.Skipped++
			continue
		}
		if err := t.deliverOne(ctx, rec, result.BatchID); err != nil {
			result.Failed++
			t.logger.Warn("export delivery failed",
				logging.FieldRecordingID, rec.ID, logging.Error(err))
			continue
		}
		result.Exported++
	}

	if result.Exported > 0 || result.Failed > 0 {
		t.logger.Info("export scan finished",
			"batch_id", result.BatchID,
			"candidates", result.Candidates,
			"exported", result.Exported,
			"failed", result.Failed,
			"skipped", result.Skipped)
	}
	return result, nil
}

func (t *Tracker) deliverOne(ctx context.Context, rec *store.Recording, batchID string) error {
	doc, err := t.buildDocument(ctx, rec, batchID)
	if err != nil {
		if failErr := t.store.MarkExportFailed(ctx, rec.ID, err.Error(), t.maxRetries); failErr != nil {
			t.logger.Error("recording export failure failed",
				logging.FieldRecordingID, rec.ID, logging.Error(failErr))
		}
		return err
	}

	ref, err := t.deliverer.Deliver(ctx, doc)
	if err != nil {
		if failErr := t.store.MarkExportFailed(ctx, rec.ID, err.Error(), t.maxRetries); failErr != nil {
			t.logger.Error("recording export failure failed",
				logging.FieldRecordingID, rec.ID, logging.Error(failErr))
		}
		return err
	}

	finalized, err := t.store.MarkExported(ctx, rec.ID, ref)
	if err != nil {
		return err
	}
	if !finalized {
		// Another scanner finalized it first; delivery was an idempotent upsert.
		return nil
	}
	if _, err := t.store.AdvanceStateTo(ctx, rec.ID, store.StateExported); err != nil {
		return err
	}
	t.logger.Info("recording exported",
		logging.FieldRecordingID, rec.ID, "destination_ref", ref)
	return nil
}

// buildDocument assembles the delivery payload from staged artifacts. Missing
// or unreadable artifacts are validation failures: retrying will not conjure
// the file back.
func (t *Tracker) buildDocument(ctx context.Context, rec *store.Recording, batchID string) (retrieval.Document, error) {
	var empty retrieval.Document

	results, err := t.store.StageResults(ctx, rec.ID)
	if err != nil {
		return empty, fmt.Errorf("stage results: %w", err)
	}

	transcript, err := readStageArtifact(results, "transcribe")
	if err != nil {
		return empty, err
	}
	summary, err := readStageArtifact(results, "summarize")
	if err != nil {
		return empty, err
	}
	sentimentRaw, err := readStageArtifact(results, "sentiment")
	if err != nil {
		return empty, err
	}
	var verdict analysis.Sentiment
	if err := json.Unmarshal([]byte(sentimentRaw), &verdict); err != nil {
		return empty, services.Wrap(services.ErrValidation, "export", "assemble", "decode sentiment artifact", err)
	}
	embeddingRaw, err := readStageArtifact(results, "embed")
	if err != nil {
		return empty, err
	}
	var embedding []float64
	if err := json.Unmarshal([]byte(embeddingRaw), &embedding); err != nil {
		return empty, services.Wrap(services.ErrValidation, "export", "assemble", "decode embedding artifact", err)
	}

	return retrieval.Document{
		DocumentID: rec.SourceID,
		BatchID:    batchID,
		Transcript: transcript,
		Summary:    summary,
		Sentiment:  verdict.Label,
		Embedding:  embedding,
		Metadata: map[string]string{
			"source_url":       rec.SourceURL,
			"started_at":       rec.StartTime.UTC().Format(time.RFC3339),
			"duration_seconds": strconv.FormatInt(int64(rec.Duration.Seconds()), 10),
			"content_hash":     rec.ContentHash,
			"sentiment_score":  strconv.FormatFloat(verdict.Score, 'f', -1, 64),
		},
	}, nil
}

func readStageArtifact(results map[string]*store.StageResult, stageName string) (string, error) {
	result, ok := results[stageName]
	if !ok || result.Status != store.StageComplete {
		return "", services.Wrap(services.ErrValidation, "export", "assemble",
			fmt.Sprintf("stage %s not complete", stageName), nil)
	}
	content, err := os.ReadFile(result.OutputRef)
	if err != nil {
		return "", services.Wrap(services.ErrValidation, "export", "assemble",
			fmt.Sprintf("read %s artifact", stageName), err)
	}
	return string(content), nil
}
