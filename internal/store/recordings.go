package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"callpipe/internal/fingerprint"
)

// ErrDuplicate reports an insert that collided with an existing recording's
// source identity. The unique indexes are the backstop for racing ingesters.
var ErrDuplicate = errors.New("duplicate recording")

const recordingColumns = "id, source_id, source_url, weak_fingerprint, content_hash, start_time, duration_seconds, byte_size, media_path, state, claim_owner, claim_expires_at, retry_count, last_error, created_at, updated_at"

// InsertRecording creates a new pending recording from source metadata.
func (s *Store) InsertRecording(ctx context.Context, meta fingerprint.Metadata) (*Recording, error) {
	if meta.SourceID == "" {
		return nil, errors.New("source id is required")
	}
	if meta.SourceURL == "" {
		return nil, errors.New("source url is required")
	}
	timestamp := timestampNow()

	res, err := s.execWithRetry(
		ctx,
		`INSERT OR IGNORE INTO recordings (
            source_id, source_url, weak_fingerprint, start_time, duration_seconds,
            state, created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		meta.SourceID,
		meta.SourceURL,
		fingerprint.Weak(meta),
		meta.StartTime.UTC().Truncate(time.Second).Format(time.RFC3339),
		int64(meta.Duration.Seconds()),
		StatePending,
		timestamp,
		timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("insert recording: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return nil, fmt.Errorf("%w: source id %s", ErrDuplicate, meta.SourceID)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetRecording(ctx, id)
}

// GetRecording fetches a recording by identifier.
func (s *Store) GetRecording(ctx context.Context, id int64) (*Recording, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordingColumns+` FROM recordings WHERE id = ?`, id)
	rec, err := scanRecording(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get recording: %w", err)
	}
	return rec, nil
}

// FindBySourceID returns the first non-failed recording with this source id.
func (s *Store) FindBySourceID(ctx context.Context, sourceID string) (*Recording, error) {
	return s.findOne(ctx, `source_id = ? AND state != ?`, sourceID, StateFailed)
}

// FindBySourceURL returns the first non-failed recording with this source URL.
func (s *Store) FindBySourceURL(ctx context.Context, sourceURL string) (*Recording, error) {
	return s.findOne(ctx, `source_url = ? AND state != ?`, sourceURL, StateFailed)
}

// FindByContentHash returns the first non-failed recording with this content hash.
func (s *Store) FindByContentHash(ctx context.Context, hash string) (*Recording, error) {
	if hash == "" {
		return nil, nil
	}
	return s.findOne(ctx, `content_hash = ? AND state != ?`, hash, StateFailed)
}

// FindByTimeWindow returns the first non-failed recording whose start time and
// duration both fall within tolerance of the given tuple.
func (s *Store) FindByTimeWindow(ctx context.Context, start time.Time, duration, tolerance time.Duration) (*Recording, error) {
	if tolerance < 0 {
		tolerance = 0
	}
	// Start times are stored at whole-second precision in RFC 3339 UTC, so
	// lexicographic comparison matches chronological order.
	lo := start.Add(-tolerance).UTC().Truncate(time.Second).Format(time.RFC3339)
	hi := start.Add(tolerance).UTC().Truncate(time.Second).Format(time.RFC3339)
	durSecs := int64(duration.Seconds())
	tolSecs := int64(tolerance.Seconds())
	return s.findOne(ctx,
		`start_time >= ? AND start_time <= ? AND duration_seconds BETWEEN ? AND ? AND state != ?`,
		lo, hi, durSecs-tolSecs, durSecs+tolSecs, StateFailed,
	)
}

func (s *Store) findOne(ctx context.Context, where string, args ...any) (*Recording, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+recordingColumns+` FROM recordings WHERE `+where+` ORDER BY id LIMIT 1`,
		args...,
	)
	rec, err := scanRecording(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find recording: %w", err)
	}
	return rec, nil
}

// ListByState returns recordings matching a state set (or all recordings when
// no state is provided), ordered by creation time.
func (s *Store) ListByState(ctx context.Context, states ...State) ([]*Recording, error) {
	baseQuery := `SELECT ` + recordingColumns + ` FROM recordings`
	orderClause := ` ORDER BY created_at, id`

	var (
		rows *sql.Rows
		err  error
	)
	if len(states) == 0 {
		rows, err = s.db.QueryContext(ctx, baseQuery+orderClause)
	} else {
		placeholders, args := statesToArgs(states)
		rows, err = s.db.QueryContext(ctx, baseQuery+` WHERE state IN (`+placeholders+`)`+orderClause, args...)
	}
	if err != nil {
		return nil, fmt.Errorf("list recordings: %w", err)
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

// AdvanceState moves a recording from an expected state to the next one. The
// compare-and-swap fails (returning false) when another process got there
// first.
func (s *Store) AdvanceState(ctx context.Context, id int64, from, to State) (bool, error) {
	if to != StateFailed && from.Rank() >= 0 && to.Rank() >= 0 && to.Rank() <= from.Rank() {
		return false, fmt.Errorf("state %s does not advance %s", to, from)
	}
	res, err := s.execWithRetry(
		ctx,
		`UPDATE recordings SET state = ?, updated_at = ? WHERE id = ? AND state = ?`,
		to, timestampNow(), id, from,
	)
	if err != nil {
		return false, fmt.Errorf("advance state: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected == 1, nil
}

// AdvanceStateTo moves a recording forward to target from any lower-ranked
// state. Used where two subsystems race (export vs disposal): the one that
// would move the state backwards becomes a no-op.
func (s *Store) AdvanceStateTo(ctx context.Context, id int64, target State) (bool, error) {
	below := statesBelow(target)
	if len(below) == 0 {
		return false, fmt.Errorf("state %s has no forward transitions", target)
	}
	placeholders, args := statesToArgs(below)
	queryArgs := append([]any{target, timestampNow(), id}, args...)
	res, err := s.execWithRetry(
		ctx,
		`UPDATE recordings SET state = ?, updated_at = ? WHERE id = ? AND state IN (`+placeholders+`)`,
		queryArgs...,
	)
	if err != nil {
		return false, fmt.Errorf("advance state forward: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected == 1, nil
}

// SetMediaInfo records the downloaded media's strong hash, size, and staging
// location. The hash is required before any stage past fetched may run.
func (s *Store) SetMediaInfo(ctx context.Context, id int64, contentHash string, byteSize int64, mediaPath string) error {
	if contentHash == "" {
		return errors.New("content hash is required")
	}
	if err := s.execWithoutResultRetry(
		ctx,
		`UPDATE recordings SET content_hash = ?, byte_size = ?, media_path = ?, updated_at = ? WHERE id = ?`,
		contentHash, byteSize, nullableString(mediaPath), timestampNow(), id,
	); err != nil {
		return fmt.Errorf("set media info: %w", err)
	}
	return nil
}

func scanRecording(scanner interface{ Scan(dest ...any) error }) (*Recording, error) {
	var (
		id           int64
		sourceID     string
		sourceURL    string
		weakFp       string
		contentHash  sql.NullString
		startRaw     string
		durationSecs int64
		byteSize     sql.NullInt64
		mediaPath    sql.NullString
		stateStr     string
		claimOwner   sql.NullString
		claimExpires sql.NullString
		retryCount   sql.NullInt64
		lastError    sql.NullString
		createdRaw   sql.NullString
		updatedRaw   sql.NullString
	)

	if err := scanner.Scan(
		&id,
		&sourceID,
		&sourceURL,
		&weakFp,
		&contentHash,
		&startRaw,
		&durationSecs,
		&byteSize,
		&mediaPath,
		&stateStr,
		&claimOwner,
		&claimExpires,
		&retryCount,
		&lastError,
		&createdRaw,
		&updatedRaw,
	); err != nil {
		return nil, err
	}

	rec := &Recording{
		ID:              id,
		SourceID:        sourceID,
		SourceURL:       sourceURL,
		WeakFingerprint: weakFp,
		ContentHash:     contentHash.String,
		Duration:        time.Duration(durationSecs) * time.Second,
		ByteSize:        byteSize.Int64,
		MediaPath:       mediaPath.String,
		State:           State(stateStr),
		ClaimOwner:      claimOwner.String,
		RetryCount:      int(retryCount.Int64),
		LastError:       lastError.String,
	}
	if start, err := parseTimeString(startRaw); err == nil {
		rec.StartTime = start
	}
	if claimExpires.Valid {
		if expires, err := parseTimeString(claimExpires.String); err == nil {
			rec.ClaimExpiresAt = &expires
		}
	}
	if created, err := parseTimeString(createdRaw.String); err == nil {
		rec.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw.String); err == nil {
		rec.UpdatedAt = updated
	}
	return rec, nil
}
