package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// SaveRun inserts or replaces the run lifecycle record.
func (s *Store) SaveRun(ctx context.Context, row RunRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var completed *int64
	if row.CompletedAt != nil {
		v := row.CompletedAt.UnixMilli()
		completed = &v
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, tenant, status, canary_group, budget_exceeded, budget_dimension, last_detail, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			budget_exceeded = excluded.budget_exceeded,
			budget_dimension = excluded.budget_dimension,
			last_detail = excluded.last_detail,
			completed_at = excluded.completed_at`,
		row.ID, row.Tenant, row.Status, row.CanaryGroup, boolToInt(row.BudgetExceeded),
		row.BudgetDimension, row.LastDetail, row.CreatedAt.UnixMilli(), completed,
	)
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	return nil
}

// GetRun retrieves a run record by id.
func (s *Store) GetRun(ctx context.Context, runID string) (*RunRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant, status, canary_group, budget_exceeded, budget_dimension, last_detail, created_at, completed_at
		FROM runs WHERE id = ?`, runID)

	var r RunRow
	var exceeded int
	var dimension, detail sql.NullString
	var createdMS int64
	var completedMS sql.NullInt64
	if err := row.Scan(&r.ID, &r.Tenant, &r.Status, &r.CanaryGroup, &exceeded, &dimension, &detail, &createdMS, &completedMS); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get run: %w", err)
	}
	r.BudgetExceeded = exceeded != 0
	r.BudgetDimension = dimension.String
	r.LastDetail = detail.String
	r.CreatedAt = time.UnixMilli(createdMS)
	if completedMS.Valid {
		t := time.UnixMilli(completedMS.Int64)
		r.CompletedAt = &t
	}
	return &r, nil
}

// SaveRunBudget writes through the current budget totals for a run.
func (s *Store) SaveRunBudget(ctx context.Context, row RunBudgetRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_budget (run_id, tenant, cost_budget, time_budget_ms, attempt_budget, current_cost, current_time_ms, current_attempts, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			current_cost = excluded.current_cost,
			current_time_ms = excluded.current_time_ms,
			current_attempts = excluded.current_attempts,
			updated_at = excluded.updated_at`,
		row.RunID, row.Tenant, row.CostBudget, row.TimeBudget.Milliseconds(), row.AttemptBudget,
		row.CurrentCost, row.CurrentTime.Milliseconds(), row.CurrentAttempts, row.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save run budget: %w", err)
	}
	return nil
}

// GetRunBudget retrieves the budget record for a run.
func (s *Store) GetRunBudget(ctx context.Context, runID string) (*RunBudgetRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, tenant, cost_budget, time_budget_ms, attempt_budget, current_cost, current_time_ms, current_attempts, updated_at
		FROM run_budget WHERE run_id = ?`, runID)

	var r RunBudgetRow
	var timeBudgetMS, currentTimeMS, updatedMS int64
	if err := row.Scan(&r.RunID, &r.Tenant, &r.CostBudget, &timeBudgetMS, &r.AttemptBudget, &r.CurrentCost, &currentTimeMS, &r.CurrentAttempts, &updatedMS); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get run budget: %w", err)
	}
	r.TimeBudget = time.Duration(timeBudgetMS) * time.Millisecond
	r.CurrentTime = time.Duration(currentTimeMS) * time.Millisecond
	r.UpdatedAt = time.UnixMilli(updatedMS)
	return &r, nil
}

// SaveRetryState writes through the retry bookkeeping for a run.
func (s *Store) SaveRetryState(ctx context.Context, row RetryStateRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	perStep, err := json.Marshal(row.PerStep)
	if err != nil {
		return fmt.Errorf("marshal per-step attempts: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO retry_state (run_id, attempt_counter, total_attempts, per_step, last_backoff_ms, max_total, max_per_step, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			attempt_counter = excluded.attempt_counter,
			total_attempts = excluded.total_attempts,
			per_step = excluded.per_step,
			last_backoff_ms = excluded.last_backoff_ms,
			updated_at = excluded.updated_at`,
		row.RunID, row.AttemptCounter, row.TotalAttempts, string(perStep),
		row.LastBackoff.Milliseconds(), row.MaxTotal, row.MaxPerStep, row.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save retry state: %w", err)
	}
	return nil
}

// GetRetryState retrieves retry bookkeeping for a run.
func (s *Store) GetRetryState(ctx context.Context, runID string) (*RetryStateRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, attempt_counter, total_attempts, per_step, last_backoff_ms, max_total, max_per_step, updated_at
		FROM retry_state WHERE run_id = ?`, runID)

	var r RetryStateRow
	var perStep string
	var backoffMS, updatedMS int64
	if err := row.Scan(&r.RunID, &r.AttemptCounter, &r.TotalAttempts, &perStep, &backoffMS, &r.MaxTotal, &r.MaxPerStep, &updatedMS); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get retry state: %w", err)
	}
	if err := json.Unmarshal([]byte(perStep), &r.PerStep); err != nil {
		return nil, fmt.Errorf("unmarshal per-step attempts: %w", err)
	}
	r.LastBackoff = time.Duration(backoffMS) * time.Millisecond
	r.UpdatedAt = time.UnixMilli(updatedMS)
	return &r, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
