package export

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"callpipe/internal/config"
	"callpipe/internal/logging"
	"callpipe/internal/services"
	"callpipe/internal/services/retrieval"
	"callpipe/internal/store"
	"callpipe/internal/testsupport"
)

var stageNames = []string{"fetch", "transcribe", "summarize", "sentiment", "embed"}

type fakeDeliverer struct {
	delivered []retrieval.Document
	failures  int
	calls     int
}

func (d *fakeDeliverer) Deliver(_ context.Context, doc retrieval.Document) (string, error) {
	d.calls++
	if d.calls <= d.failures {
		return "", services.Wrap(services.ErrTransient, "export", "deliver", "corpus unavailable", nil)
	}
	d.delivered = append(d.delivered, doc)
	return "calls/" + doc.DocumentID, nil
}

// enrichRecording stands up a recording with every stage complete and its
// artifacts staged on disk.
func enrichRecording(t *testing.T, cfg *config.Config, st *store.Store, suffix string) *store.Recording {
	t.Helper()
	ctx := context.Background()

	rec := testsupport.NewRecording(t, st, suffix)
	dir := filepath.Join(cfg.Paths.StagingDir, "rec-"+suffix)
	if err := writeFile(dir, "media.wav", "audio-"+suffix); err != nil {
		t.Fatalf("stage media: %v", err)
	}

	artifacts := map[string]string{
		"fetch":      filepath.Join(dir, "media.wav"),
		"transcribe": filepath.Join(dir, "transcript.txt"),
		"summarize":  filepath.Join(dir, "summary.txt"),
		"sentiment":  filepath.Join(dir, "sentiment.json"),
		"embed":      filepath.Join(dir, "embedding.json"),
	}
	contents := map[string]string{
		"transcript.txt": "full transcript " + suffix,
		"summary.txt":    "summary " + suffix,
		"sentiment.json": `{"label":"positive","score":0.7}`,
		"embedding.json": `[0.25,0.5]`,
	}
	for name, content := range contents {
		if err := writeFile(dir, name, content); err != nil {
			t.Fatalf("stage artifact %s: %v", name, err)
		}
	}

	if err := st.SetMediaInfo(ctx, rec.ID, "hash-"+suffix, 1024, artifacts["fetch"]); err != nil {
		t.Fatalf("SetMediaInfo: %v", err)
	}
	for _, stage := range stageNames {
		if _, _, err := st.BeginStage(ctx, rec.ID, stage); err != nil {
			t.Fatalf("BeginStage %s: %v", stage, err)
		}
		if err := st.CompleteStage(ctx, rec.ID, stage, artifacts[stage]); err != nil {
			t.Fatalf("CompleteStage %s: %v", stage, err)
		}
	}
	if _, err := st.AdvanceStateTo(ctx, rec.ID, store.StateReadyForExport); err != nil {
		t.Fatalf("AdvanceStateTo: %v", err)
	}
	return rec
}

func TestScanExportsOnce(t *testing.T) {
	ctx := context.Background()
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	rec := enrichRecording(t, cfg, st, "once")

	deliverer := &fakeDeliverer{}
	tracker := NewTracker(st, deliverer, logging.NewNop(), stageNames, 2, 10)

	result, err := tracker.Scan(ctx)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if result.Exported != 1 || result.Failed != 0 {
		t.Fatalf("result = %+v", result)
	}
	if len(deliverer.delivered) != 1 {
		t.Fatalf("delivered %d documents", len(deliverer.delivered))
	}
	doc := deliverer.delivered[0]
	if doc.DocumentID != rec.SourceID || doc.Summary != "summary once" || doc.Sentiment != "positive" {
		t.Fatalf("document = %+v", doc)
	}
	if len(doc.Embedding) != 2 || doc.Embedding[1] != 0.5 {
		t.Fatalf("embedding = %v", doc.Embedding)
	}
	if doc.Metadata["content_hash"] != "hash-once" {
		t.Fatalf("metadata = %v", doc.Metadata)
	}

	got, err := st.GetRecording(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetRecording: %v", err)
	}
	if got.State != store.StateExported {
		t.Fatalf("state = %s, want %s", got.State, store.StateExported)
	}
	record, err := st.GetExport(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetExport: %v", err)
	}
	if record.Status != store.ExportExported || record.DestinationRef != "calls/"+rec.SourceID {
		t.Fatalf("export record = %+v", record)
	}

	// A rescan sees no candidates and delivers nothing.
	result, err = tracker.Scan(ctx)
	if err != nil {
		t.Fatalf("rescan: %v", err)
	}
	if result.Candidates != 0 || len(deliverer.delivered) != 1 {
		t.Fatalf("rescan result = %+v, delivered = %d", result, len(deliverer.delivered))
	}
}

func TestScanRetriesFailedDeliveryWithinBudget(t *testing.T) {
	ctx := context.Background()
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	rec := enrichRecording(t, cfg, st, "retry")

	deliverer := &fakeDeliverer{failures: 2}
	tracker := NewTracker(st, deliverer, logging.NewNop(), stageNames, 2, 10)

	for i := 0; i < 2; i++ {
		result, err := tracker.Scan(ctx)
		if err != nil {
			t.Fatalf("Scan %d: %v", i, err)
		}
		if result.Failed != 1 {
			t.Fatalf("scan %d result = %+v, want one failure", i, result)
		}
	}

	result, err := tracker.Scan(ctx)
	if err != nil {
		t.Fatalf("final Scan: %v", err)
	}
	if result.Exported != 1 {
		t.Fatalf("final result = %+v, want exported", result)
	}
	record, err := st.GetExport(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetExport: %v", err)
	}
	if record.Status != store.ExportExported {
		t.Fatalf("status = %s", record.Status)
	}
}

func TestScanSkipsAfterBudgetThenManualReset(t *testing.T) {
	ctx := context.Background()
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	rec := enrichRecording(t, cfg, st, "skip")

	deliverer := &fakeDeliverer{failures: 10}
	tracker := NewTracker(st, deliverer, logging.NewNop(), stageNames, 1, 10)

	// Budget of 1 allows the initial attempt plus one retry before skipping.
	for i := 0; i < 2; i++ {
		if _, err := tracker.Scan(ctx); err != nil {
			t.Fatalf("Scan %d: %v", i, err)
		}
	}
	record, err := st.GetExport(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetExport: %v", err)
	}
	if record.Status != store.ExportSkipped {
		t.Fatalf("status = %s, want skipped", record.Status)
	}

	result, err := tracker.Scan(ctx)
	if err != nil {
		t.Fatalf("post-skip Scan: %v", err)
	}
	if result.Candidates != 0 {
		t.Fatalf("skipped recording still a candidate: %+v", result)
	}

	// Operator reset puts it back in scope; the deliverer now succeeds.
	if _, err := st.ResetTerminalExports(ctx); err != nil {
		t.Fatalf("ResetTerminalExports: %v", err)
	}
	deliverer.failures = 0
	result, err = tracker.Scan(ctx)
	if err != nil {
		t.Fatalf("post-reset Scan: %v", err)
	}
	if result.Exported != 1 {
		t.Fatalf("post-reset result = %+v", result)
	}
}

func TestScanFailsAssemblyWhenArtifactMissing(t *testing.T) {
	ctx := context.Background()
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	rec := enrichRecording(t, cfg, st, "missing")

	// Point the transcript result at a path that no longer exists.
	if err := removeFile(cfg.Paths.StagingDir, "rec-missing", "transcript.txt"); err != nil {
		t.Fatalf("remove artifact: %v", err)
	}

	tracker := NewTracker(st, &fakeDeliverer{}, logging.NewNop(), stageNames, 2, 10)
	result, err := tracker.Scan(ctx)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if result.Failed != 1 {
		t.Fatalf("result = %+v, want one failure", result)
	}
	record, err := st.GetExport(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetExport: %v", err)
	}
	if record.Status != store.ExportFailed || record.RetryCount != 1 {
		t.Fatalf("export record = %+v", record)
	}
}

func writeFile(dir, name, content string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644)
}

func removeFile(parts ...string) error {
	return os.Remove(filepath.Join(parts...))
}
