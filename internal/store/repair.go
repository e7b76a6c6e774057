package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// AppendRepairAttempt inserts an append-only repair attempt record. The
// insert is keyed by the idempotency key: a redelivered signal maps to the
// same key and the original row is kept untouched. Returns true when a new
// row was written, false when the key already existed.
func (s *Store) AppendRepairAttempt(ctx context.Context, row RepairAttemptRow) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO repair_attempt
			(id, idempotency_key, run_id, step_id, failure_class, phase, strategy, action, backoff_ms, result, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.ID, row.IdempotencyKey, row.RunID, row.StepID, row.FailureClass,
		row.Phase, row.Strategy, row.Action, row.Backoff.Milliseconds(), row.Result, row.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("append repair attempt: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("append repair attempt rows affected: %w", err)
	}
	return n > 0, nil
}

// GetRepairAttemptByKey looks up a prior decision for an idempotency key.
func (s *Store) GetRepairAttemptByKey(ctx context.Context, key string) (*RepairAttemptRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, idempotency_key, run_id, step_id, failure_class, phase, strategy, action, backoff_ms, result, created_at
		FROM repair_attempt WHERE idempotency_key = ?`, key)
	return scanRepairAttempt(row)
}

// ListRepairAttempts returns the full repair history of a run in order.
func (s *Store) ListRepairAttempts(ctx context.Context, runID string) ([]RepairAttemptRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, idempotency_key, run_id, step_id, failure_class, phase, strategy, action, backoff_ms, result, created_at
		FROM repair_attempt WHERE run_id = ? ORDER BY created_at, id`, runID)
	if err != nil {
		return nil, fmt.Errorf("list repair attempts: %w", err)
	}
	defer rows.Close()

	var out []RepairAttemptRow
	for rows.Next() {
		r, err := scanRepairAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate repair attempts: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRepairAttempt(sc rowScanner) (*RepairAttemptRow, error) {
	var r RepairAttemptRow
	var backoffMS, createdMS int64
	var result sql.NullString
	err := sc.Scan(&r.ID, &r.IdempotencyKey, &r.RunID, &r.StepID, &r.FailureClass,
		&r.Phase, &r.Strategy, &r.Action, &backoffMS, &result, &createdMS)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan repair attempt: %w", err)
	}
	r.Backoff = time.Duration(backoffMS) * time.Millisecond
	r.Result = result.String
	r.CreatedAt = time.UnixMilli(createdMS)
	return &r, nil
}

// AppendPlanDelta records a replan event.
func (s *Store) AppendPlanDelta(ctx context.Context, row PlanDeltaRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO plan_delta (id, run_id, original_plan_id, new_plan_id, diff, triggered_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		row.ID, row.RunID, row.OriginalPlanID, row.NewPlanID, row.Diff, row.TriggeredBy, row.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("append plan delta: %w", err)
	}
	return nil
}

// ListPlanDeltas returns the replan history of a run in order.
func (s *Store) ListPlanDeltas(ctx context.Context, runID string) ([]PlanDeltaRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, original_plan_id, new_plan_id, diff, triggered_by, created_at
		FROM plan_delta WHERE run_id = ? ORDER BY created_at, id`, runID)
	if err != nil {
		return nil, fmt.Errorf("list plan deltas: %w", err)
	}
	defer rows.Close()

	var out []PlanDeltaRow
	for rows.Next() {
		var r PlanDeltaRow
		var createdMS int64
		if err := rows.Scan(&r.ID, &r.RunID, &r.OriginalPlanID, &r.NewPlanID, &r.Diff, &r.TriggeredBy, &createdMS); err != nil {
			return nil, fmt.Errorf("scan plan delta: %w", err)
		}
		r.CreatedAt = time.UnixMilli(createdMS)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate plan deltas: %w", err)
	}
	return out, nil
}
