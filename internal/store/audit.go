package store

import (
	"context"
	"database/sql"
	"fmt"
)

// AppendDeletionAudit writes one immutable audit row for a deletion attempt.
// Rows are never updated; failed attempts carry verified=false.
func (s *Store) AppendDeletionAudit(ctx context.Context, entry DeletionAuditEntry) error {
	if entry.RecordingID == 0 {
		return fmt.Errorf("deletion audit requires recording id")
	}
	if entry.Method == "" {
		return fmt.Errorf("deletion audit requires method")
	}
	if err := s.execWithoutResultRetry(
		ctx,
		`INSERT INTO deletion_audit (recording_id, content_hash, byte_size, method, verified, detail, created_at)
         VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.RecordingID,
		nullableString(entry.ContentHash),
		entry.ByteSize,
		entry.Method,
		boolToInt(entry.Verified),
		nullableString(entry.Detail),
		timestampNow(),
	); err != nil {
		return fmt.Errorf("append deletion audit: %w", err)
	}
	return nil
}

// DeletionAuditFor lists audit entries for a recording, oldest first.
func (s *Store) DeletionAuditFor(ctx context.Context, recordingID int64) ([]DeletionAuditEntry, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, recording_id, content_hash, byte_size, method, verified, detail, created_at
         FROM deletion_audit WHERE recording_id = ? ORDER BY id`,
		recordingID,
	)
	if err != nil {
		return nil, fmt.Errorf("list deletion audit: %w", err)
	}
	defer rows.Close()

	var entries []DeletionAuditEntry
	for rows.Next() {
		var (
			entry       DeletionAuditEntry
			contentHash sql.NullString
			detail      sql.NullString
			verified    int
			createdRaw  string
		)
		if err := rows.Scan(
			&entry.ID,
			&entry.RecordingID,
			&contentHash,
			&entry.ByteSize,
			&entry.Method,
			&verified,
			&detail,
			&createdRaw,
		); err != nil {
			return nil, err
		}
		entry.ContentHash = contentHash.String
		entry.Detail = detail.String
		entry.Verified = verified != 0
		if created, err := parseTimeString(createdRaw); err == nil {
			entry.CreatedAt = created
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
