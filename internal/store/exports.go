package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ExportCandidates returns recordings whose declared stages are all complete
// and which either lack an export record or hold a failed one with retry
// budget remaining.
func (s *Store) ExportCandidates(ctx context.Context, stageNames []string, maxRetries, limit int) ([]*Recording, error) {
	if len(stageNames) == 0 || limit <= 0 {
		return nil, nil
	}
	placeholders := makePlaceholders(len(stageNames))
	args := make([]any, 0, len(stageNames)+6)
	args = append(args, StageComplete)
	for _, name := range stageNames {
		args = append(args, name)
	}
	args = append(args, len(stageNames), StateFailed, ExportFailed, maxRetries, limit)

	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+qualifiedRecordingColumns+` FROM recordings r
         WHERE (SELECT COUNT(1) FROM stage_results sr
                WHERE sr.recording_id = r.id AND sr.status = ?
                  AND sr.stage_name IN (`+placeholders+`)) = ?
           AND r.state != ?
           AND NOT EXISTS (
               SELECT 1 FROM export_records e
               WHERE e.recording_id = r.id
                 AND NOT (e.status = ? AND e.retry_count <= ?)
           )
         ORDER BY r.created_at, r.id LIMIT ?`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("list export candidates: %w", err)
	}
	defer rows.Close()

	var recs []*Recording
	for rows.Next() {
		rec, err := scanRecording(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// AcquireExport creates or refreshes the pending export record for a
// recording. The unique index on recording_id means that when two scanners
// race, exactly one acquires the row; the loser sees false and moves on.
func (s *Store) AcquireExport(ctx context.Context, recordingID int64, batchID string, maxRetries int) (bool, error) {
	timestamp := timestampNow()
	res, err := s.execWithRetry(
		ctx,
		`INSERT OR IGNORE INTO export_records (recording_id, status, batch_id, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?)`,
		recordingID, ExportPending, nullableString(batchID), timestamp, timestamp,
	)
	if err != nil {
		return false, fmt.Errorf("insert export record: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 1 {
		return true, nil
	}

	// Row exists; only a failed record with budget left may be retaken.
	res, err = s.execWithRetry(
		ctx,
		`UPDATE export_records
         SET status = ?, batch_id = ?, last_error = NULL, updated_at = ?
         WHERE recording_id = ? AND status = ? AND retry_count <= ?`,
		ExportPending, nullableString(batchID), timestampNow(),
		recordingID, ExportFailed, maxRetries,
	)
	if err != nil {
		return false, fmt.Errorf("retake export record: %w", err)
	}
	affected, err = res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected == 1, nil
}

// MarkExported finalizes a pending export record. Terminal: subsequent scans
// treat the recording as delivered.
func (s *Store) MarkExported(ctx context.Context, recordingID int64, destinationRef string) (bool, error) {
	res, err := s.execWithRetry(
		ctx,
		`UPDATE export_records
         SET status = ?, destination_ref = ?, exported_at = ?, updated_at = ?
         WHERE recording_id = ? AND status = ?`,
		ExportExported, nullableString(destinationRef), timestampNow(), timestampNow(),
		recordingID, ExportPending,
	)
	if err != nil {
		return false, fmt.Errorf("mark exported: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected == 1, nil
}

// MarkExportFailed records a delivery failure, moving the record to skipped
// once the retry budget is spent.
func (s *Store) MarkExportFailed(ctx context.Context, recordingID int64, message string, maxRetries int) error {
	if err := s.execWithoutResultRetry(
		ctx,
		`UPDATE export_records
         SET retry_count = retry_count + 1,
             status = CASE WHEN retry_count + 1 > ? THEN ? ELSE ? END,
             last_error = ?, updated_at = ?
         WHERE recording_id = ? AND status = ?`,
		maxRetries, ExportSkipped, ExportFailed,
		nullableString(message), timestampNow(),
		recordingID, ExportPending,
	); err != nil {
		return fmt.Errorf("mark export failed: %w", err)
	}
	return nil
}

// GetExport fetches the export record for a recording, or nil when absent.
func (s *Store) GetExport(ctx context.Context, recordingID int64) (*ExportRecord, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT recording_id, status, batch_id, retry_count, destination_ref, last_error, exported_at, created_at, updated_at
         FROM export_records WHERE recording_id = ?`,
		recordingID,
	)
	record, err := scanExportRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get export record: %w", err)
	}
	return record, nil
}

// ExportCounts aggregates export records per status.
func (s *Store) ExportCounts(ctx context.Context) (map[ExportStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM export_records GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("export counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[ExportStatus]int)
	for rows.Next() {
		var status ExportStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

// ResetTerminalExports clears failed and skipped export records so the next
// scan re-attempts delivery. Exported records are never touched.
func (s *Store) ResetTerminalExports(ctx context.Context) (int64, error) {
	res, err := s.execWithRetry(
		ctx,
		`UPDATE export_records
         SET status = ?, retry_count = 0, last_error = NULL, updated_at = ?
         WHERE status IN (?, ?)`,
		ExportFailed, timestampNow(), ExportFailed, ExportSkipped,
	)
	if err != nil {
		return 0, fmt.Errorf("reset terminal exports: %w", err)
	}
	return res.RowsAffected()
}

const qualifiedRecordingColumns = "r.id, r.source_id, r.source_url, r.weak_fingerprint, r.content_hash, r.start_time, r.duration_seconds, r.byte_size, r.media_path, r.state, r.claim_owner, r.claim_expires_at, r.retry_count, r.last_error, r.created_at, r.updated_at"

func scanExportRecord(scanner interface{ Scan(dest ...any) error }) (*ExportRecord, error) {
	var (
		recordingID int64
		statusStr   string
		batchID     sql.NullString
		retryCount  int
		destination sql.NullString
		lastError   sql.NullString
		exportedRaw sql.NullString
		createdRaw  sql.NullString
		updatedRaw  sql.NullString
	)
	if err := scanner.Scan(
		&recordingID,
		&statusStr,
		&batchID,
		&retryCount,
		&destination,
		&lastError,
		&exportedRaw,
		&createdRaw,
		&updatedRaw,
	); err != nil {
		return nil, err
	}

	record := &ExportRecord{
		RecordingID:    recordingID,
		Status:         ExportStatus(statusStr),
		BatchID:        batchID.String,
		RetryCount:     retryCount,
		DestinationRef: destination.String,
		LastError:      lastError.String,
	}
	if exportedRaw.Valid {
		if exported, err := parseTimeString(exportedRaw.String); err == nil {
			record.ExportedAt = &exported
		}
	}
	if created, err := parseTimeString(createdRaw.String); err == nil {
		record.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw.String); err == nil {
		record.UpdatedAt = updated
	}
	return record, nil
}
