package disposal

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"callpipe/internal/config"
	"callpipe/internal/fingerprint"
	"callpipe/internal/logging"
	"callpipe/internal/store"
)

const overwriteChunkSize = 64 * 1024

// Disposer securely removes staged source media for exported recordings and
// writes one audit row per attempt, success or not.
type Disposer struct {
	store  *store.Store
	logger *slog.Logger
	cfg    config.Disposal
}

// New builds a disposer from the disposal configuration section.
func New(st *store.Store, logger *slog.Logger, cfg config.Disposal) *Disposer {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Disposer{store: st, logger: logger, cfg: cfg}
}

// SweepResult summarizes one disposal sweep.
type SweepResult struct {
	Candidates int
	Disposed   int
	Failed     int
}

// Sweep disposes every exported recording's staged media. Disabled disposal
// makes the sweep a no-op so operators can hold media for review.
func (d *Disposer) Sweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult
	if !d.cfg.Enabled {
		return result, nil
	}

	recs, err := d.store.ListByState(ctx, store.StateExported)
	if err != nil {
		return result, fmt.Errorf("disposal sweep: %w", err)
	}
	result.Candidates = len(recs)

	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if err := d.Dispose(ctx, rec); err != nil {
			result.Failed++
			d.logger.Warn("disposal failed",
				logging.FieldRecordingID, rec.ID, logging.Error(err))
			continue
		}
		result.Disposed++
	}
	return result, nil
}

// Dispose removes one recording's staged media, verifies it is gone, appends
// the audit row, and advances the recording to its terminal state. Already
// disposed recordings are a no-op. The audit row is written even when the
// verification fails, so the trail never has gaps.
func (d *Disposer) Dispose(ctx context.Context, rec *store.Recording) error {
	if rec.State == store.StateDisposed {
		return nil
	}
	if rec.State != store.StateExported {
		return fmt.Errorf("recording %d is %s, only exported recordings are disposed", rec.ID, rec.State)
	}

	entry := store.DeletionAuditEntry{
		RecordingID: rec.ID,
		ContentHash: rec.ContentHash,
		Method:      d.cfg.Method,
	}

	deleteErr := d.deleteMedia(rec, &entry)
	verified, verifyErr := verifyGone(rec.MediaPath)
	entry.Verified = verified
	if deleteErr != nil {
		entry.Detail = deleteErr.Error()
	} else if verifyErr != nil {
		entry.Detail = verifyErr.Error()
	}

	if err := d.store.AppendDeletionAudit(ctx, entry); err != nil {
		return fmt.Errorf("append deletion audit: %w", err)
	}
	if deleteErr != nil {
		return deleteErr
	}
	if !verified {
		return fmt.Errorf("media still present after deletion: %s", rec.MediaPath)
	}

	if _, err := d.store.AdvanceStateTo(ctx, rec.ID, store.StateDisposed); err != nil {
		return err
	}
	d.logger.Info("media disposed",
		logging.FieldRecordingID, rec.ID,
		"method", d.cfg.Method,
		"path", rec.MediaPath)
	return nil
}

// deleteMedia removes the media file per the configured method. A file that
// is already absent counts as deleted but is noted in the audit detail, since
// it means something outside the pipeline touched the staging area.
func (d *Disposer) deleteMedia(rec *store.Recording, entry *store.DeletionAuditEntry) error {
	if rec.MediaPath == "" {
		entry.Detail = "no staged media recorded"
		return nil
	}

	info, err := os.Stat(rec.MediaPath)
	if errors.Is(err, fs.ErrNotExist) {
		entry.Detail = "media already absent"
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat media: %w", err)
	}
	entry.ByteSize = info.Size()

	// Confirm the bytes on disk are the bytes we ingested before destroying
	// them; a hash mismatch is recorded but does not block deletion.
	if rec.ContentHash != "" {
		if hash, err := hashFile(rec.MediaPath); err == nil && hash != rec.ContentHash {
			entry.Detail = fmt.Sprintf("content hash drifted before disposal (found %s)", hash)
		}
	}

	if d.cfg.Method == "overwrite" {
		if err := overwriteFile(rec.MediaPath, info.Size(), d.cfg.OverwritePasses); err != nil {
			return fmt.Errorf("overwrite media: %w", err)
		}
	}
	if err := os.Remove(rec.MediaPath); err != nil {
		return fmt.Errorf("remove media: %w", err)
	}
	return nil
}

// overwriteFile writes random bytes over the file contents the given number
// of times, syncing each pass.
func overwriteFile(path string, size int64, passes int) error {
	if passes <= 0 {
		passes = 1
	}
	file, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer file.Close()

	buf := make([]byte, overwriteChunkSize)
	for pass := 0; pass < passes; pass++ {
		if _, err := file.Seek(0, 0); err != nil {
			return err
		}
		remaining := size
		for remaining > 0 {
			chunk := buf
			if remaining < int64(len(buf)) {
				chunk = buf[:remaining]
			}
			if _, err := rand.Read(chunk); err != nil {
				return err
			}
			if _, err := file.Write(chunk); err != nil {
				return err
			}
			remaining -= int64(len(chunk))
		}
		if err := file.Sync(); err != nil {
			return err
		}
	}
	return nil
}

func verifyGone(path string) (bool, error) {
	if path == "" {
		return true, nil
	}
	_, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("verify deletion: %w", err)
	}
	return false, nil
}

func hashFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()
	hash, _, err := fingerprint.StrongFromReader(file)
	return hash, err
}
