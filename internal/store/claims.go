package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ClaimNext atomically claims up to limit recordings for the given owner.
// Candidates are pending recordings, plus failed ones that still have retry
// budget. Each claim is a single conditional UPDATE; when N workers race on
// the same row exactly one sees RowsAffected==1 and the rest move on.
func (s *Store) ClaimNext(ctx context.Context, owner string, lease time.Duration, maxRetries, limit int) ([]*Recording, error) {
	if owner == "" {
		return nil, errors.New("claim owner is required")
	}
	if limit <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id FROM recordings
         WHERE claim_owner IS NULL
           AND (state = ? OR (state = ? AND retry_count <= ?))
         ORDER BY created_at, id LIMIT ?`,
		StatePending, StateFailed, maxRetries, limit*2,
	)
	if err != nil {
		return nil, fmt.Errorf("list claim candidates: %w", err)
	}
	var candidates []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		candidates = append(candidates, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var claimed []*Recording
	for _, id := range candidates {
		if len(claimed) >= limit {
			break
		}
		ok, err := s.tryClaim(ctx, id, owner, lease, maxRetries)
		if err != nil {
			return claimed, err
		}
		if !ok {
			// Lost the race to another worker; next candidate.
			continue
		}
		rec, err := s.GetRecording(ctx, id)
		if err != nil {
			return claimed, err
		}
		if rec != nil {
			claimed = append(claimed, rec)
		}
	}
	return claimed, nil
}

func (s *Store) tryClaim(ctx context.Context, id int64, owner string, lease time.Duration, maxRetries int) (bool, error) {
	expires := time.Now().UTC().Add(lease).Format(time.RFC3339Nano)
	res, err := s.execWithRetry(
		ctx,
		`UPDATE recordings
         SET state = ?, claim_owner = ?, claim_expires_at = ?, updated_at = ?
         WHERE id = ? AND claim_owner IS NULL
           AND (state = ? OR (state = ? AND retry_count <= ?))`,
		StateClaimed, owner, expires, timestampNow(),
		id, StatePending, StateFailed, maxRetries,
	)
	if err != nil {
		return false, fmt.Errorf("claim recording %d: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected == 1, nil
}

// ExtendLease pushes the claim expiry forward for a recording the owner still
// holds. Long-running stages call this between steps so the reaper does not
// reclaim live work.
func (s *Store) ExtendLease(ctx context.Context, id int64, owner string, lease time.Duration) error {
	expires := time.Now().UTC().Add(lease).Format(time.RFC3339Nano)
	res, err := s.execWithRetry(
		ctx,
		`UPDATE recordings SET claim_expires_at = ?, updated_at = ? WHERE id = ? AND claim_owner = ?`,
		expires, timestampNow(), id, owner,
	)
	if err != nil {
		return fmt.Errorf("extend lease: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("lease for recording %d no longer held by %s", id, owner)
	}
	return nil
}

// Release clears the claim without touching state. Called on both success and
// final failure of the owner's current work.
func (s *Store) Release(ctx context.Context, id int64, owner string) error {
	if err := s.execWithoutResultRetry(
		ctx,
		`UPDATE recordings SET claim_owner = NULL, claim_expires_at = NULL, updated_at = ?
         WHERE id = ? AND claim_owner = ?`,
		timestampNow(), id, owner,
	); err != nil {
		return fmt.Errorf("release claim: %w", err)
	}
	return nil
}

// claimableProcessingStates are the states a worker may hold a claim in.
var claimableProcessingStates = []State{
	StateClaimed,
	StateFetching,
	StateFetched,
	StateTranscribing,
	StateTranscribed,
	StateAnalyzing,
}

// ReclaimExpired returns recordings whose claim lease lapsed back to pending.
// Stage completion lives in stage_results, so resetting the coarse state is
// safe: the next claimant recomputes eligibility and skips finished stages.
func (s *Store) ReclaimExpired(ctx context.Context, now time.Time) (int64, error) {
	placeholders, args := statesToArgs(claimableProcessingStates)
	queryArgs := append([]any{StatePending, timestampNow()}, args...)
	queryArgs = append(queryArgs, now.UTC().Format(time.RFC3339Nano))
	res, err := s.execWithRetry(
		ctx,
		`UPDATE recordings
         SET state = ?, claim_owner = NULL, claim_expires_at = NULL, updated_at = ?
         WHERE state IN (`+placeholders+`) AND claim_expires_at IS NOT NULL AND claim_expires_at < ?`,
		queryArgs...,
	)
	if err != nil {
		return 0, fmt.Errorf("reclaim expired claims: %w", err)
	}
	return res.RowsAffected()
}

// MarkFailed records a failure for a claimed recording and releases the
// claim. Transient failures consume one unit of retry budget; permanent ones
// exhaust it so the recording dead-letters immediately.
func (s *Store) MarkFailed(ctx context.Context, id int64, owner, message string, permanent bool, maxRetries int) error {
	var (
		query string
		args  []any
	)
	if permanent {
		query = `UPDATE recordings
            SET state = ?, last_error = ?, retry_count = MAX(retry_count, ?),
                claim_owner = NULL, claim_expires_at = NULL, updated_at = ?
            WHERE id = ? AND claim_owner = ?`
		args = []any{StateFailed, nullableString(message), maxRetries + 1, timestampNow(), id, owner}
	} else {
		query = `UPDATE recordings
            SET state = ?, last_error = ?, retry_count = retry_count + 1,
                claim_owner = NULL, claim_expires_at = NULL, updated_at = ?
            WHERE id = ? AND claim_owner = ?`
		args = []any{StateFailed, nullableString(message), timestampNow(), id, owner}
	}
	res, err := s.execWithRetry(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("recording %d not held by %s", id, owner)
	}
	return nil
}

// Requeue moves failed recordings back to pending with a fresh retry budget.
// With no ids, every dead-lettered recording is requeued.
func (s *Store) Requeue(ctx context.Context, ids ...int64) (int64, error) {
	if len(ids) == 0 {
		res, err := s.execWithRetry(
			ctx,
			`UPDATE recordings
            SET state = ?, retry_count = 0, last_error = NULL,
                claim_owner = NULL, claim_expires_at = NULL, updated_at = ?
            WHERE state = ?`,
			StatePending, timestampNow(), StateFailed,
		)
		if err != nil {
			return 0, fmt.Errorf("requeue failed recordings: %w", err)
		}
		return res.RowsAffected()
	}

	placeholders := makePlaceholders(len(ids))
	args := make([]any, 0, len(ids)+3)
	args = append(args, StatePending, timestampNow(), StateFailed)
	for _, id := range ids {
		args = append(args, id)
	}
	res, err := s.execWithRetry(
		ctx,
		`UPDATE recordings
        SET state = ?, retry_count = 0, last_error = NULL,
            claim_owner = NULL, claim_expires_at = NULL, updated_at = ?
        WHERE state = ? AND id IN (`+placeholders+`)`,
		args...,
	)
	if err != nil {
		return 0, fmt.Errorf("requeue selected recordings: %w", err)
	}
	return res.RowsAffected()
}

// DeadLetters lists failed recordings whose retry budget is spent.
func (s *Store) DeadLetters(ctx context.Context, maxRetries int) ([]*Recording, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+recordingColumns+` FROM recordings
         WHERE state = ? AND retry_count > ? ORDER BY updated_at`,
		StateFailed, maxRetries,
	)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
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
