package stages

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"callpipe/internal/fingerprint"
	"callpipe/internal/pipeline"
	"callpipe/internal/services"
	"callpipe/internal/store"
)

// MediaDownloader streams recording bytes from the source platform.
type MediaDownloader interface {
	Download(ctx context.Context, mediaURL string, w io.Writer) (int64, error)
}

// Fetch downloads the recording's media into staging, computes the strong
// content fingerprint, and records both on the recording row. A content hash
// already owned by another recording dead-letters this one as a duplicate
// that metadata checks missed.
func Fetch(st *store.Store, downloader MediaDownloader, stagingDir string, retry services.RetryPolicy) pipeline.Handler {
	return pipeline.HandlerFunc(func(ctx context.Context, rec *store.Recording, _ map[string]string) (string, error) {
		dir, err := artifactDir(stagingDir, rec.ID)
		if err != nil {
			return "", services.Wrap(services.ErrTransient, "fetch", "stage", "staging", err)
		}
		mediaPath := filepath.Join(dir, mediaFileName)

		if err := services.Retry(ctx, retry, func() error {
			return downloadTo(ctx, downloader, rec.SourceURL, mediaPath)
		}); err != nil {
			return "", err
		}

		file, err := os.Open(mediaPath)
		if err != nil {
			return "", services.Wrap(services.ErrTransient, "fetch", "hash", "open media", err)
		}
		hash, size, err := fingerprint.StrongFromReader(file)
		file.Close()
		if err != nil {
			return "", services.Wrap(services.ErrTransient, "fetch", "hash", "digest media", err)
		}
		if size == 0 {
			return "", services.Wrap(services.ErrValidation, "fetch", "hash", "source returned an empty recording", nil)
		}

		existing, err := st.FindByContentHash(ctx, hash)
		if err != nil {
			return "", services.Wrap(services.ErrTransient, "fetch", "dedup", "content hash lookup", err)
		}
		if existing != nil && existing.ID != rec.ID {
			os.Remove(mediaPath)
			return "", services.Wrap(services.ErrValidation, "fetch", "dedup",
				fmt.Sprintf("content hash already ingested as recording %d (%s)", existing.ID, existing.SourceID), nil)
		}

		if err := st.SetMediaInfo(ctx, rec.ID, hash, size, mediaPath); err != nil {
			return "", services.Wrap(services.ErrTransient, "fetch", "stage", "record media info", err)
		}
		return mediaPath, nil
	})
}

// downloadTo writes the stream to a temp file first, then renames, so a
// partial download never masquerades as fetched media.
func downloadTo(ctx context.Context, downloader MediaDownloader, mediaURL, dest string) error {
	tmp := dest + ".partial"
	file, err := os.Create(tmp)
	if err != nil {
		return services.Wrap(services.ErrTransient, "fetch", "download", "create staging file", err)
	}
	_, err = downloader.Download(ctx, mediaURL, file)
	closeErr := file.Close()
	if err != nil {
		os.Remove(tmp)
		return err
	}
	if closeErr != nil {
		os.Remove(tmp)
		return services.Wrap(services.ErrTransient, "fetch", "download", "flush staging file", closeErr)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return services.Wrap(services.ErrTransient, "fetch", "download", "finalize staging file", err)
	}
	return nil
}
