package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"callpipe/internal/logging"
	"callpipe/internal/services"
	"callpipe/internal/store"
	"callpipe/internal/testsupport"
)

func noopHandler(output string) Handler {
	return HandlerFunc(func(context.Context, *store.Recording, map[string]string) (string, error) {
		return output, nil
	})
}

func failingHandler(err error) Handler {
	return HandlerFunc(func(context.Context, *store.Recording, map[string]string) (string, error) {
		return "", err
	})
}

// testPipeline mirrors the production stage graph with handlers the test
// controls. fetch also stamps the content hash, like the real fetch stage.
func testPipeline(t *testing.T, st *store.Store, overrides map[string]Handler) *Pipeline {
	t.Helper()

	fetch := Handler(HandlerFunc(func(ctx context.Context, rec *store.Recording, _ map[string]string) (string, error) {
		hash := fmt.Sprintf("%064d", rec.ID)
		if err := st.SetMediaInfo(ctx, rec.ID, hash, 2048, "/tmp/media.wav"); err != nil {
			return "", err
		}
		return "/tmp/media.wav", nil
	}))
	transcribe := noopHandler("transcript-ref")
	summarize := noopHandler("summary-ref")
	if h, ok := overrides["fetch"]; ok {
		fetch = h
	}
	if h, ok := overrides["transcribe"]; ok {
		transcribe = h
	}
	if h, ok := overrides["summarize"]; ok {
		summarize = h
	}

	pipe, err := New(
		Stage{Name: "fetch", ProcessingState: store.StateFetching, DoneState: store.StateFetched, MaxAttempts: 3, Handler: fetch},
		Stage{Name: "transcribe", DependsOn: []string{"fetch"}, ProcessingState: store.StateTranscribing, DoneState: store.StateTranscribed, MaxAttempts: 3, Handler: transcribe},
		Stage{Name: "summarize", DependsOn: []string{"transcribe"}, ProcessingState: store.StateAnalyzing, DoneState: store.StateAnalyzing, MaxAttempts: 3, Handler: summarize},
	)
	if err != nil {
		t.Fatalf("pipeline.New: %v", err)
	}
	return pipe
}

func claimOne(t *testing.T, st *store.Store, owner string) *store.Recording {
	t.Helper()

	claimed, err := st.ClaimNext(context.Background(), owner, time.Minute, 3, 1)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("claimed %d recordings, want 1", len(claimed))
	}
	return claimed[0]
}

func TestNewRejectsInvalidGraphs(t *testing.T) {
	handler := noopHandler("x")
	cases := []struct {
		name   string
		stages []Stage
	}{
		{"empty", nil},
		{"duplicate name", []Stage{
			{Name: "fetch", MaxAttempts: 1, Handler: handler},
			{Name: "fetch", MaxAttempts: 1, Handler: handler},
		}},
		{"unknown dependency", []Stage{
			{Name: "transcribe", DependsOn: []string{"fetch"}, MaxAttempts: 1, Handler: handler},
		}},
		{"self dependency", []Stage{
			{Name: "fetch", DependsOn: []string{"fetch"}, MaxAttempts: 1, Handler: handler},
		}},
		{"forward dependency", []Stage{
			{Name: "fetch", DependsOn: []string{"transcribe"}, MaxAttempts: 1, Handler: handler},
			{Name: "transcribe", MaxAttempts: 1, Handler: handler},
		}},
		{"no handler", []Stage{
			{Name: "fetch", MaxAttempts: 1},
		}},
		{"zero attempts", []Stage{
			{Name: "fetch", Handler: handler},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(tc.stages...); err == nil {
				t.Fatalf("New accepted an invalid graph")
			}
		})
	}
}

func TestEligibleRespectsDependencies(t *testing.T) {
	ctx := context.Background()
	st := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	pipe := testPipeline(t, st, nil)
	rec := testsupport.NewRecording(t, st, "eligible")

	eligible, err := pipe.Eligible(ctx, st, rec.ID)
	if err != nil {
		t.Fatalf("Eligible: %v", err)
	}
	if len(eligible) != 1 || eligible[0].Name != "fetch" {
		t.Fatalf("eligible = %v, want only fetch", stageNames(eligible))
	}

	if _, _, err := st.BeginStage(ctx, rec.ID, "fetch"); err != nil {
		t.Fatalf("BeginStage: %v", err)
	}
	if err := st.CompleteStage(ctx, rec.ID, "fetch", "/tmp/media.wav"); err != nil {
		t.Fatalf("CompleteStage: %v", err)
	}

	eligible, err = pipe.Eligible(ctx, st, rec.ID)
	if err != nil {
		t.Fatalf("Eligible: %v", err)
	}
	if len(eligible) != 1 || eligible[0].Name != "transcribe" {
		t.Fatalf("eligible = %v, want only transcribe", stageNames(eligible))
	}
}

func TestEligibleSkipsExhaustedStages(t *testing.T) {
	ctx := context.Background()
	st := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	pipe := testPipeline(t, st, nil)
	rec := testsupport.NewRecording(t, st, "exhausted")

	stage, _ := pipe.Stage("fetch")
	for i := 0; i < stage.MaxAttempts; i++ {
		if _, _, err := st.BeginStage(ctx, rec.ID, "fetch"); err != nil {
			t.Fatalf("BeginStage: %v", err)
		}
		if err := st.FailStage(ctx, rec.ID, "fetch", "download refused"); err != nil {
			t.Fatalf("FailStage: %v", err)
		}
	}

	eligible, err := pipe.Eligible(ctx, st, rec.ID)
	if err != nil {
		t.Fatalf("Eligible: %v", err)
	}
	if len(eligible) != 0 {
		t.Fatalf("eligible = %v, want none after budget exhaustion", stageNames(eligible))
	}
}

func TestRunnerProcessesToReadyForExport(t *testing.T) {
	ctx := context.Background()
	st := testsupport.MustOpenStore(t, testsupport.NewConfig(t))
	pipe := testPipeline(t, st, nil)
	testsupport.NewRecording(t, st, "happy")

	rec := claimOne(t, st, "worker-1")
	runner := NewRunner(st, pipe, logging.NewNop(), "worker-1", time.Minute, 3)
	if err := runner.Process(ctx, rec); err != nil {
		t.Fatalf("Process: %v", err)
	}

	got, err := st.GetRecording(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetRecording: %v", err)
	}
	if got.State != store.StateReadyForExport {
		t.Fatalf("state = %s, want %s", got.State, store.StateReadyForExport)
	}
	if got.ClaimOwner != "" {
		t.Fatalf("claim owner = %q, want released", got.ClaimOwner)
	}
	if got.ContentHash == "" {
		t.Fatal("content hash not recorded by fetch stage")
	}

	results, err := st.StageResults(ctx, rec.ID)
	if err != nil {
		t.Fatalf("StageResults: %v", err)
	}
	for _, name := range pipe.StageNames() {
		result, ok := results[name]
		if !ok || result.Status != store.StageComplete {
			t.Fatalf("stage %s not complete: %+v", name, result)
		}
	}
	if results["transcribe"].OutputRef != "transcript-ref" {
		t.Fatalf("transcribe output = %q", results["transcribe"].OutputRef)
	}
}

func TestRunnerPassesUpstreamOutputs(t *testing.T) {
	ctx := context.Background()
	st := testsupport.MustOpenStore(t, testsupport.NewConfig(t))

	var seen map[string]string
	pipe := testPipeline(t, st, map[string]Handler{
		"summarize": HandlerFunc(func(_ context.Context, _ *store.Recording, upstream map[string]string) (string, error) {
			seen = upstream
			return "summary-ref", nil
		}),
	})
	testsupport.NewRecording(t, st, "upstream")

	rec := claimOne(t, st, "worker-1")
	runner := NewRunner(st, pipe, logging.NewNop(), "worker-1", time.Minute, 3)
	if err := runner.Process(ctx, rec); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if seen["transcribe"] != "transcript-ref" {
		t.Fatalf("upstream = %v, want transcribe output", seen)
	}
}

func TestRunnerTransientFailureKeepsRetryBudget(t *testing.T) {
	ctx := context.Background()
	st := testsupport.MustOpenStore(t, testsupport.NewConfig(t))

	cause := services.Wrap(services.ErrTransient, "transcribe", "submit", "engine timeout", nil)
	pipe := testPipeline(t, st, map[string]Handler{"transcribe": failingHandler(cause)})
	testsupport.NewRecording(t, st, "transient")

	rec := claimOne(t, st, "worker-1")
	runner := NewRunner(st, pipe, logging.NewNop(), "worker-1", time.Minute, 3)
	if err := runner.Process(ctx, rec); !errors.Is(err, services.ErrTransient) {
		t.Fatalf("Process error = %v, want transient cause", err)
	}

	got, err := st.GetRecording(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetRecording: %v", err)
	}
	if got.State != store.StateFailed {
		t.Fatalf("state = %s, want %s", got.State, store.StateFailed)
	}
	if got.RetryCount != 1 {
		t.Fatalf("retry count = %d, want 1", got.RetryCount)
	}
	if got.ClaimOwner != "" {
		t.Fatalf("claim owner = %q, want released", got.ClaimOwner)
	}

	// The fetch result survived, so a second claim only re-runs transcribe.
	fetchResult, err := st.GetStageResult(ctx, rec.ID, "fetch")
	if err != nil {
		t.Fatalf("GetStageResult: %v", err)
	}
	if fetchResult.Status != store.StageComplete {
		t.Fatalf("fetch status = %s after unrelated failure", fetchResult.Status)
	}

	recovered := testPipeline(t, st, nil)
	rec = claimOne(t, st, "worker-2")
	runner = NewRunner(st, recovered, logging.NewNop(), "worker-2", time.Minute, 3)
	if err := runner.Process(ctx, rec); err != nil {
		t.Fatalf("Process after recovery: %v", err)
	}
	got, err = st.GetRecording(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetRecording: %v", err)
	}
	if got.State != store.StateReadyForExport {
		t.Fatalf("state = %s after recovery, want %s", got.State, store.StateReadyForExport)
	}
}

func TestRunnerPermanentFailureDeadLetters(t *testing.T) {
	ctx := context.Background()
	st := testsupport.MustOpenStore(t, testsupport.NewConfig(t))

	cause := services.Wrap(services.ErrValidation, "fetch", "download", "source rejects the artifact id", nil)
	pipe := testPipeline(t, st, map[string]Handler{"fetch": failingHandler(cause)})
	testsupport.NewRecording(t, st, "permanent")

	rec := claimOne(t, st, "worker-1")
	runner := NewRunner(st, pipe, logging.NewNop(), "worker-1", time.Minute, 3)
	if err := runner.Process(ctx, rec); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("Process error = %v, want validation cause", err)
	}

	dead, err := st.DeadLetters(ctx, 3)
	if err != nil {
		t.Fatalf("DeadLetters: %v", err)
	}
	if len(dead) != 1 || dead[0].ID != rec.ID {
		t.Fatalf("dead letters = %d, want the failed recording", len(dead))
	}

	// Dead-lettered recordings are not claimable.
	claimed, err := st.ClaimNext(ctx, "worker-2", time.Minute, 3, 1)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if len(claimed) != 0 {
		t.Fatalf("claimed %d recordings, want none", len(claimed))
	}
}

func TestRunnerDeadLettersWhenStageBudgetSpent(t *testing.T) {
	ctx := context.Background()
	st := testsupport.MustOpenStore(t, testsupport.NewConfig(t))

	cause := services.Wrap(services.ErrTransient, "fetch", "download", "source flapping", nil)
	pipe, err := New(
		Stage{Name: "fetch", ProcessingState: store.StateFetching, DoneState: store.StateFetched, MaxAttempts: 1, Handler: failingHandler(cause)},
	)
	if err != nil {
		t.Fatalf("pipeline.New: %v", err)
	}
	testsupport.NewRecording(t, st, "spent-budget")

	// First claim burns the stage's only attempt transiently; the claim
	// retry budget still has room.
	rec := claimOne(t, st, "worker-1")
	runner := NewRunner(st, pipe, logging.NewNop(), "worker-1", time.Minute, 3)
	if err := runner.Process(ctx, rec); !errors.Is(err, services.ErrTransient) {
		t.Fatalf("Process error = %v, want transient cause", err)
	}

	// The second claim finds nothing eligible and nothing complete. The
	// recording must land in the dead-letter set, not stay claimed.
	rec = claimOne(t, st, "worker-2")
	runner = NewRunner(st, pipe, logging.NewNop(), "worker-2", time.Minute, 3)
	if err := runner.Process(ctx, rec); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("Process error = %v, want exhausted-budget cause", err)
	}

	got, err := st.GetRecording(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetRecording: %v", err)
	}
	if got.State != store.StateFailed {
		t.Fatalf("state = %s, want %s", got.State, store.StateFailed)
	}
	if got.ClaimOwner != "" {
		t.Fatalf("claim owner = %q, want released", got.ClaimOwner)
	}

	dead, err := st.DeadLetters(ctx, 3)
	if err != nil {
		t.Fatalf("DeadLetters: %v", err)
	}
	if len(dead) != 1 || dead[0].ID != rec.ID {
		t.Fatalf("dead letters = %d, want the exhausted recording", len(dead))
	}

	claimed, err := st.ClaimNext(ctx, "worker-3", time.Minute, 3, 1)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if len(claimed) != 0 {
		t.Fatalf("claimed %d recordings, want none", len(claimed))
	}

	// Operator recovery still works from here.
	requeued, err := st.Requeue(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Requeue: %v", err)
	}
	if requeued != 1 {
		t.Fatalf("requeued %d recordings, want 1", requeued)
	}
}

func TestRunnerSkipsCompletedStagesOnReRun(t *testing.T) {
	ctx := context.Background()
	st := testsupport.MustOpenStore(t, testsupport.NewConfig(t))

	var fetchRuns int
	pipe := testPipeline(t, st, nil)
	counting := testPipeline(t, st, map[string]Handler{
		"fetch": HandlerFunc(func(context.Context, *store.Recording, map[string]string) (string, error) {
			fetchRuns++
			return "/tmp/media.wav", nil
		}),
	})
	testsupport.NewRecording(t, st, "rerun")

	rec := claimOne(t, st, "worker-1")
	runner := NewRunner(st, pipe, logging.NewNop(), "worker-1", time.Minute, 3)
	if err := runner.Process(ctx, rec); err != nil {
		t.Fatalf("Process: %v", err)
	}

	// A second pass over the same recording, as after a stale reclaim, must
	// not re-invoke handlers whose results are already complete.
	rec2, err := st.GetRecording(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetRecording: %v", err)
	}
	runner = NewRunner(st, counting, logging.NewNop(), "worker-1", time.Minute, 3)
	if err := runner.Process(ctx, rec2); err != nil {
		t.Fatalf("Process re-run: %v", err)
	}
	if fetchRuns != 0 {
		t.Fatalf("fetch ran %d times on re-run, want 0", fetchRuns)
	}
}

func stageNames(stages []Stage) []string {
	names := make([]string, len(stages))
	for i, s := range stages {
		names[i] = s.Name
	}
	return names
}
