package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// BeginStage marks a stage attempt as running, creating the StageResult row
// on first contact. Returns false without touching the row when the stage is
// already complete, which makes crashed-worker re-runs a no-op.
func (s *Store) BeginStage(ctx context.Context, recordingID int64, stageName string) (bool, *StageResult, error) {
	if stageName == "" {
		return false, nil, errors.New("stage name is required")
	}

	if err := s.execWithoutResultRetry(
		ctx,
		`INSERT OR IGNORE INTO stage_results (recording_id, stage_name, status, attempt)
         VALUES (?, ?, ?, 0)`,
		recordingID, stageName, StagePending,
	); err != nil {
		return false, nil, fmt.Errorf("ensure stage result: %w", err)
	}

	res, err := s.execWithRetry(
		ctx,
		`UPDATE stage_results
         SET status = ?, attempt = attempt + 1, error = NULL, started_at = ?
         WHERE recording_id = ? AND stage_name = ? AND status != ?`,
		StageRunning, timestampNow(), recordingID, stageName, StageComplete,
	)
	if err != nil {
		return false, nil, fmt.Errorf("begin stage: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, nil, fmt.Errorf("rows affected: %w", err)
	}

	result, err := s.GetStageResult(ctx, recordingID, stageName)
	if err != nil {
		return false, nil, err
	}
	return affected == 1, result, nil
}

// CompleteStage records a successful stage run. A stage that is already
// complete is left untouched so the original output_ref survives re-runs.
func (s *Store) CompleteStage(ctx context.Context, recordingID int64, stageName, outputRef string) error {
	if err := s.execWithoutResultRetry(
		ctx,
		`UPDATE stage_results
         SET status = ?, output_ref = ?, error = NULL, completed_at = ?
         WHERE recording_id = ? AND stage_name = ? AND status != ?`,
		StageComplete, nullableString(outputRef), timestampNow(),
		recordingID, stageName, StageComplete,
	); err != nil {
		return fmt.Errorf("complete stage: %w", err)
	}
	return nil
}

// FailStage records a failed stage attempt with its error.
func (s *Store) FailStage(ctx context.Context, recordingID int64, stageName, message string) error {
	if err := s.execWithoutResultRetry(
		ctx,
		`UPDATE stage_results
         SET status = ?, error = ?
         WHERE recording_id = ? AND stage_name = ? AND status != ?`,
		StageFailed, nullableString(message), recordingID, stageName, StageComplete,
	); err != nil {
		return fmt.Errorf("fail stage: %w", err)
	}
	return nil
}

// GetStageResult fetches one stage's result row, or nil when never attempted.
func (s *Store) GetStageResult(ctx context.Context, recordingID int64, stageName string) (*StageResult, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT recording_id, stage_name, status, attempt, output_ref, error, started_at, completed_at
         FROM stage_results WHERE recording_id = ? AND stage_name = ?`,
		recordingID, stageName,
	)
	result, err := scanStageResult(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get stage result: %w", err)
	}
	return result, nil
}

// StageResults returns every stage row for a recording keyed by stage name.
func (s *Store) StageResults(ctx context.Context, recordingID int64) (map[string]*StageResult, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT recording_id, stage_name, status, attempt, output_ref, error, started_at, completed_at
         FROM stage_results WHERE recording_id = ?`,
		recordingID,
	)
	if err != nil {
		return nil, fmt.Errorf("list stage results: %w", err)
	}
	defer rows.Close()

	results := make(map[string]*StageResult)
	for rows.Next() {
		result, err := scanStageResult(rows)
		if err != nil {
			return nil, err
		}
		results[result.StageName] = result
	}
	return results, rows.Err()
}

// StagesComplete reports whether every named stage has a complete result for
// the recording. Evaluated as a live query so dependency changes are picked
// up without cached state.
func (s *Store) StagesComplete(ctx context.Context, recordingID int64, stageNames ...string) (bool, error) {
	if len(stageNames) == 0 {
		return true, nil
	}
	placeholders := makePlaceholders(len(stageNames))
	args := make([]any, 0, len(stageNames)+2)
	args = append(args, recordingID, StageComplete)
	for _, name := range stageNames {
		args = append(args, name)
	}
	var count int
	row := s.db.QueryRowContext(
		ctx,
		`SELECT COUNT(1) FROM stage_results
         WHERE recording_id = ? AND status = ? AND stage_name IN (`+placeholders+`)`,
		args...,
	)
	if err := row.Scan(&count); err != nil {
		return false, fmt.Errorf("count complete stages: %w", err)
	}
	return count == len(stageNames), nil
}

func scanStageResult(scanner interface{ Scan(dest ...any) error }) (*StageResult, error) {
	var (
		recordingID  int64
		stageName    string
		statusStr    string
		attempt      int
		outputRef    sql.NullString
		errMsg       sql.NullString
		startedRaw   sql.NullString
		completedRaw sql.NullString
	)
	if err := scanner.Scan(
		&recordingID,
		&stageName,
		&statusStr,
		&attempt,
		&outputRef,
		&errMsg,
		&startedRaw,
		&completedRaw,
	); err != nil {
		return nil, err
	}

	result := &StageResult{
		RecordingID: recordingID,
		StageName:   stageName,
		Status:      StageStatus(statusStr),
		Attempt:     attempt,
		OutputRef:   outputRef.String,
		Error:       errMsg.String,
	}
	if startedRaw.Valid {
		if started, err := parseTimeString(startedRaw.String); err == nil {
			result.StartedAt = &started
		}
	}
	if completedRaw.Valid {
		if completed, err := parseTimeString(completedRaw.String); err == nil {
			result.CompletedAt = &completed
		}
	}
	return result, nil
}
