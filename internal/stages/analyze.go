package stages

import (
	"context"
	"encoding/json"
	"path/filepath"

	"callpipe/internal/pipeline"
	"callpipe/internal/services"
	"callpipe/internal/services/analysis"
	"callpipe/internal/store"
)

// Analyzer is the LLM collaborator shared by the analysis stages.
type Analyzer interface {
	Summarize(ctx context.Context, transcript string) (string, error)
	AssessSentiment(ctx context.Context, transcript string) (analysis.Sentiment, error)
	Embed(ctx context.Context, text string) ([]float64, error)
}

// Summarize condenses the transcript into a short prose summary artifact.
func Summarize(analyzer Analyzer, stagingDir string, retry services.RetryPolicy) pipeline.Handler {
	return pipeline.HandlerFunc(func(ctx context.Context, rec *store.Recording, upstream map[string]string) (string, error) {
		transcript, err := readArtifact(upstream["transcribe"])
		if err != nil {
			return "", services.Wrap(services.ErrTransient, "summarize", "stage", "load transcript", err)
		}

		var summary string
		if err := services.Retry(ctx, retry, func() error {
			var err error
			summary, err = analyzer.Summarize(ctx, transcript)
			return err
		}); err != nil {
			return "", err
		}

		dir, err := artifactDir(stagingDir, rec.ID)
		if err != nil {
			return "", services.Wrap(services.ErrTransient, "summarize", "stage", "staging", err)
		}
		path := filepath.Join(dir, summaryFile)
		if err := writeArtifact(path, []byte(summary)); err != nil {
			return "", services.Wrap(services.ErrTransient, "summarize", "stage", "stage summary", err)
		}
		return path, nil
	})
}

// Sentiment scores the customer's disposition and stages it as JSON.
func Sentiment(analyzer Analyzer, stagingDir string, retry services.RetryPolicy) pipeline.Handler {
	return pipeline.HandlerFunc(func(ctx context.Context, rec *store.Recording, upstream map[string]string) (string, error) {
		transcript, err := readArtifact(upstream["transcribe"])
		if err != nil {
			return "", services.Wrap(services.ErrTransient, "sentiment", "stage", "load transcript", err)
		}

		var verdict analysis.Sentiment
		if err := services.Retry(ctx, retry, func() error {
			var err error
			verdict, err = analyzer.AssessSentiment(ctx, transcript)
			return err
		}); err != nil {
			return "", err
		}

		encoded, err := json.Marshal(verdict)
		if err != nil {
			return "", services.Wrap(services.ErrValidation, "sentiment", "stage", "encode verdict", err)
		}
		dir, err := artifactDir(stagingDir, rec.ID)
		if err != nil {
			return "", services.Wrap(services.ErrTransient, "sentiment", "stage", "staging", err)
		}
		path := filepath.Join(dir, sentimentFile)
		if err := writeArtifact(path, encoded); err != nil {
			return "", services.Wrap(services.ErrTransient, "sentiment", "stage", "stage verdict", err)
		}
		return path, nil
	})
}

// Embed vectorizes the summary (falling back on the transcript opening) for
// retrieval indexing.
func Embed(analyzer Analyzer, stagingDir string, retry services.RetryPolicy) pipeline.Handler {
	return pipeline.HandlerFunc(func(ctx context.Context, rec *store.Recording, upstream map[string]string) (string, error) {
		text, err := readArtifact(upstream["summarize"])
		if err != nil {
			return "", services.Wrap(services.ErrTransient, "embed", "stage", "load summary", err)
		}

		var vector []float64
		if err := services.Retry(ctx, retry, func() error {
			var err error
			vector, err = analyzer.Embed(ctx, text)
			return err
		}); err != nil {
			return "", err
		}

		encoded, err := json.Marshal(vector)
		if err != nil {
			return "", services.Wrap(services.ErrValidation, "embed", "stage", "encode vector", err)
		}
		dir, err := artifactDir(stagingDir, rec.ID)
		if err != nil {
			return "", services.Wrap(services.ErrTransient, "embed", "stage", "staging", err)
		}
		path := filepath.Join(dir, embeddingFile)
		if err := writeArtifact(path, encoded); err != nil {
			return "", services.Wrap(services.ErrTransient, "embed", "stage", "stage vector", err)
		}
		return path, nil
	})
}
