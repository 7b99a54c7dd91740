package stages

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"callpipe/internal/logging"
	"callpipe/internal/pipeline"
	"callpipe/internal/services"
	"callpipe/internal/services/analysis"
	"callpipe/internal/store"
	"callpipe/internal/testsupport"
)

func fastRetry() services.RetryPolicy {
	return services.RetryPolicy{
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		MaxElapsedTime:  100 * time.Millisecond,
	}
}

type fakeDownloader struct {
	payload  []byte
	failures int
	calls    int
}

func (d *fakeDownloader) Download(_ context.Context, _ string, w io.Writer) (int64, error) {
	d.calls++
	if d.calls <= d.failures {
		return 0, services.Wrap(services.ErrTransient, "fetch", "download", "connection reset", nil)
	}
	n, err := w.Write(d.payload)
	return int64(n), err
}

type fakeTranscriber struct {
	transcript string
	err        error
}

func (f *fakeTranscriber) Transcribe(context.Context, string) (string, error) {
	return f.transcript, f.err
}

type fakeAnalyzer struct {
	summary   string
	sentiment analysis.Sentiment
	vector    []float64
	embedded  []string
}

func (f *fakeAnalyzer) Summarize(_ context.Context, transcript string) (string, error) {
	if strings.TrimSpace(transcript) == "" {
		return "", services.Wrap(services.ErrValidation, "summarize", "complete", "empty transcript", nil)
	}
	return f.summary, nil
}

func (f *fakeAnalyzer) AssessSentiment(context.Context, string) (analysis.Sentiment, error) {
	return f.sentiment, nil
}

func (f *fakeAnalyzer) Embed(_ context.Context, text string) ([]float64, error) {
	f.embedded = append(f.embedded, text)
	return f.vector, nil
}

func TestFetchStagesMediaAndRecordsHash(t *testing.T) {
	ctx := context.Background()
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	rec := testsupport.NewRecording(t, st, "fetch")

	downloader := &fakeDownloader{payload: []byte("call audio bytes"), failures: 2}
	handler := Fetch(st, downloader, cfg.Paths.StagingDir, fastRetry())

	ref, err := handler.Run(ctx, rec, nil)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if downloader.calls != 3 {
		t.Fatalf("download calls = %d, want 3 (two transient failures)", downloader.calls)
	}

	content, err := os.ReadFile(ref)
	if err != nil {
		t.Fatalf("read staged media: %v", err)
	}
	if string(content) != "call audio bytes" {
		t.Fatalf("staged media = %q", content)
	}

	got, err := st.GetRecording(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetRecording: %v", err)
	}
	if got.ContentHash == "" || got.ByteSize != int64(len(content)) || got.MediaPath != ref {
		t.Fatalf("media info not recorded: %+v", got)
	}
}

func TestFetchDeadLettersContentDuplicates(t *testing.T) {
	ctx := context.Background()
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	first := testsupport.NewRecording(t, st, "dup-a")
	second := testsupport.NewRecording(t, st, "dup-b")

	downloader := &fakeDownloader{payload: []byte("identical audio")}
	handler := Fetch(st, downloader, cfg.Paths.StagingDir, fastRetry())

	if _, err := handler.Run(ctx, first, nil); err != nil {
		t.Fatalf("Fetch first: %v", err)
	}
	_, err := handler.Run(ctx, second, nil)
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("error = %v, want validation class", err)
	}
	if !services.IsPermanent(err) {
		t.Fatal("content duplicate must dead-letter, not retry")
	}

	// The duplicate's staged copy is cleaned up.
	dupMedia := filepath.Join(cfg.Paths.StagingDir, "rec-"+strconv.FormatInt(second.ID, 10), mediaFileName)
	if _, statErr := os.Stat(dupMedia); !errors.Is(statErr, os.ErrNotExist) {
		t.Fatalf("duplicate media still staged at %s", dupMedia)
	}
}

func TestFetchRejectsEmptyMedia(t *testing.T) {
	ctx := context.Background()
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	rec := testsupport.NewRecording(t, st, "empty")

	handler := Fetch(st, &fakeDownloader{payload: nil}, cfg.Paths.StagingDir, fastRetry())
	_, err := handler.Run(ctx, rec, nil)
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("error = %v, want validation class", err)
	}
}

func TestTranscribeStagesTranscript(t *testing.T) {
	ctx := context.Background()
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	rec := testsupport.NewRecording(t, st, "transcribe")

	if _, err := Fetch(st, &fakeDownloader{payload: []byte("audio")}, cfg.Paths.StagingDir, fastRetry()).Run(ctx, rec, nil); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	rec, err := st.GetRecording(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetRecording: %v", err)
	}

	handler := Transcribe(&fakeTranscriber{transcript: "agent: hello"}, cfg.Paths.StagingDir, fastRetry())
	ref, err := handler.Run(ctx, rec, nil)
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	transcript, err := readArtifact(ref)
	if err != nil {
		t.Fatalf("readArtifact: %v", err)
	}
	if transcript != "agent: hello" {
		t.Fatalf("transcript = %q", transcript)
	}
}

func TestAnalysisStages(t *testing.T) {
	ctx := context.Background()
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	rec := testsupport.NewRecording(t, st, "analysis")

	dir, err := artifactDir(cfg.Paths.StagingDir, rec.ID)
	if err != nil {
		t.Fatalf("artifactDir: %v", err)
	}
	transcriptPath := filepath.Join(dir, transcriptFile)
	if err := writeArtifact(transcriptPath, []byte("customer: my bill is wrong")); err != nil {
		t.Fatalf("writeArtifact: %v", err)
	}
	upstream := map[string]string{"transcribe": transcriptPath}

	analyzer := &fakeAnalyzer{
		summary:   "Customer disputed a charge.",
		sentiment: analysis.Sentiment{Label: "negative", Score: -0.6},
		vector:    []float64{0.5, -0.25},
	}

	summaryRef, err := Summarize(analyzer, cfg.Paths.StagingDir, fastRetry()).Run(ctx, rec, upstream)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	summary, _ := readArtifact(summaryRef)
	if summary != "Customer disputed a charge." {
		t.Fatalf("summary = %q", summary)
	}

	sentimentRef, err := Sentiment(analyzer, cfg.Paths.StagingDir, fastRetry()).Run(ctx, rec, upstream)
	if err != nil {
		t.Fatalf("Sentiment: %v", err)
	}
	raw, err := os.ReadFile(sentimentRef)
	if err != nil {
		t.Fatalf("read sentiment: %v", err)
	}
	var verdict analysis.Sentiment
	if err := json.Unmarshal(raw, &verdict); err != nil {
		t.Fatalf("decode sentiment: %v", err)
	}
	if verdict.Label != "negative" || verdict.Score != -0.6 {
		t.Fatalf("verdict = %+v", verdict)
	}

	embedUpstream := map[string]string{"transcribe": transcriptPath, "summarize": summaryRef}
	embedRef, err := Embed(analyzer, cfg.Paths.StagingDir, fastRetry()).Run(ctx, rec, embedUpstream)
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	raw, err = os.ReadFile(embedRef)
	if err != nil {
		t.Fatalf("read embedding: %v", err)
	}
	var vector []float64
	if err := json.Unmarshal(raw, &vector); err != nil {
		t.Fatalf("decode embedding: %v", err)
	}
	if len(vector) != 2 || vector[0] != 0.5 {
		t.Fatalf("vector = %v", vector)
	}
	if len(analyzer.embedded) != 1 || analyzer.embedded[0] != "Customer disputed a charge." {
		t.Fatalf("embedded text = %v, want the summary", analyzer.embedded)
	}
}

func TestBuildGraphRunsEndToEnd(t *testing.T) {
	ctx := context.Background()
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	testsupport.NewRecording(t, st, "e2e")

	pipe, err := Build(cfg, Deps{
		Store:       st,
		Downloader:  &fakeDownloader{payload: []byte("full call audio")},
		Transcriber: &fakeTranscriber{transcript: "a long conversation"},
		Analyzer: &fakeAnalyzer{
			summary:   "Resolved quickly.",
			sentiment: analysis.Sentiment{Label: "positive", Score: 0.9},
			vector:    []float64{1, 2, 3},
		},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	claimed, err := st.ClaimNext(ctx, "worker-1", time.Minute, 3, 1)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("ClaimNext: %v (claimed %d)", err, len(claimed))
	}
	runner := pipeline.NewRunner(st, pipe, logging.NewNop(), "worker-1", time.Minute, 3)
	if err := runner.Process(ctx, claimed[0]); err != nil {
		t.Fatalf("Process: %v", err)
	}

	rec, err := st.GetRecording(ctx, claimed[0].ID)
	if err != nil {
		t.Fatalf("GetRecording: %v", err)
	}
	if rec.State != store.StateReadyForExport {
		t.Fatalf("state = %s, want %s", rec.State, store.StateReadyForExport)
	}
	results, err := st.StageResults(ctx, rec.ID)
	if err != nil {
		t.Fatalf("StageResults: %v", err)
	}
	if len(results) != 5 {
		t.Fatalf("stage results = %d, want 5", len(results))
	}
}
