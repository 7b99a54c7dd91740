package stages

import (
	"context"
	"path/filepath"

	"callpipe/internal/pipeline"
	"callpipe/internal/services"
	"callpipe/internal/store"
)

// Transcriber turns staged media into transcript text.
type Transcriber interface {
	Transcribe(ctx context.Context, mediaPath string) (string, error)
}

// Transcribe runs the media through the transcription engine and stages the
// transcript text next to the media.
func Transcribe(transcriber Transcriber, stagingDir string, retry services.RetryPolicy) pipeline.Handler {
	return pipeline.HandlerFunc(func(ctx context.Context, rec *store.Recording, _ map[string]string) (string, error) {
		if rec.MediaPath == "" {
			return "", services.Wrap(services.ErrValidation, "transcribe", "stage", "recording has no staged media", nil)
		}
		dir, err := artifactDir(stagingDir, rec.ID)
		if err != nil {
			return "", services.Wrap(services.ErrTransient, "transcribe", "stage", "staging", err)
		}

		var transcript string
		if err := services.Retry(ctx, retry, func() error {
			var err error
			transcript, err = transcriber.Transcribe(ctx, rec.MediaPath)
			return err
		}); err != nil {
			return "", err
		}

		path := filepath.Join(dir, transcriptFile)
		if err := writeArtifact(path, []byte(transcript)); err != nil {
			return "", services.Wrap(services.ErrTransient, "transcribe", "stage", "stage transcript", err)
		}
		return path, nil
	})
}
