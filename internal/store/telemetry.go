package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SaveCanarySample records a run's group assignment at run start.
func (s *Store) SaveCanarySample(ctx context.Context, row CanarySampleRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO canary_sample (run_id, canary_group, assigned_at)
		VALUES (?, ?, ?)`,
		row.RunID, row.Group, row.AssignedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save canary sample: %w", err)
	}
	return nil
}

// CompleteCanarySample fills in outcome metrics once at run end. The sample
// is immutable thereafter; a second completion is ignored.
func (s *Store) CompleteCanarySample(ctx context.Context, row CanarySampleRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var completed *int64
	if row.CompletedAt != nil {
		v := row.CompletedAt.UnixMilli()
		completed = &v
	}
	var success *int
	if row.Success != nil {
		v := boolToInt(*row.Success)
		success = &v
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE canary_sample
		SET completed_at = ?, success = ?, cost = ?, duration_ms = ?, retries = ?, replans = ?, rollbacks = ?
		WHERE run_id = ? AND completed_at IS NULL`,
		completed, success, row.Cost, row.Duration.Milliseconds(), row.Retries, row.Replans, row.Rollbacks, row.RunID,
	)
	if err != nil {
		return fmt.Errorf("complete canary sample: %w", err)
	}
	return nil
}

// ListCompletedSamples returns completed samples assigned since the window start.
func (s *Store) ListCompletedSamples(ctx context.Context, since time.Time) ([]CanarySampleRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, canary_group, assigned_at, completed_at, success, cost, duration_ms, retries, replans, rollbacks
		FROM canary_sample WHERE completed_at IS NOT NULL AND assigned_at >= ?`, since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("list completed samples: %w", err)
	}
	defer rows.Close()

	var out []CanarySampleRow
	for rows.Next() {
		var r CanarySampleRow
		var assignedMS, durationMS int64
		var completedMS sql.NullInt64
		var success sql.NullInt64
		if err := rows.Scan(&r.RunID, &r.Group, &assignedMS, &completedMS, &success,
			&r.Cost, &durationMS, &r.Retries, &r.Replans, &r.Rollbacks); err != nil {
			return nil, fmt.Errorf("scan canary sample: %w", err)
		}
		r.AssignedAt = time.UnixMilli(assignedMS)
		r.Duration = time.Duration(durationMS) * time.Millisecond
		if completedMS.Valid {
			t := time.UnixMilli(completedMS.Int64)
			r.CompletedAt = &t
		}
		if success.Valid {
			b := success.Int64 != 0
			r.Success = &b
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate canary samples: %w", err)
	}
	return out, nil
}

// SaveChaosEvent records an injected fault.
func (s *Store) SaveChaosEvent(ctx context.Context, row ChaosEventRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chaos_event (id, run_id, step_id, chaos_type, injected_at)
		VALUES (?, ?, ?, ?, ?)`,
		row.ID, row.RunID, row.StepID, row.ChaosType, row.InjectedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save chaos event: %w", err)
	}
	return nil
}

// ResolveChaosEvent closes an event once the affected step reached a
// terminal state.
func (s *Store) ResolveChaosEvent(ctx context.Context, eventID string, resolvedAt time.Time, recovered bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		UPDATE chaos_event SET resolved_at = ?, recovery_successful = ? WHERE id = ? AND resolved_at IS NULL`,
		resolvedAt.UnixMilli(), boolToInt(recovered), eventID,
	)
	if err != nil {
		return fmt.Errorf("resolve chaos event: %w", err)
	}
	return nil
}

// ListChaosEvents returns the chaos history of a run.
func (s *Store) ListChaosEvents(ctx context.Context, runID string) ([]ChaosEventRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, step_id, chaos_type, injected_at, resolved_at, recovery_successful
		FROM chaos_event WHERE run_id = ? ORDER BY injected_at, id`, runID)
	if err != nil {
		return nil, fmt.Errorf("list chaos events: %w", err)
	}
	defer rows.Close()

	var out []ChaosEventRow
	for rows.Next() {
		var r ChaosEventRow
		var injectedMS int64
		var resolvedMS, recovered sql.NullInt64
		if err := rows.Scan(&r.ID, &r.RunID, &r.StepID, &r.ChaosType, &injectedMS, &resolvedMS, &recovered); err != nil {
			return nil, fmt.Errorf("scan chaos event: %w", err)
		}
		r.InjectedAt = time.UnixMilli(injectedMS)
		if resolvedMS.Valid {
			t := time.UnixMilli(resolvedMS.Int64)
			r.ResolvedAt = &t
		}
		if recovered.Valid {
			b := recovered.Int64 != 0
			r.RecoverySuccessful = &b
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chaos events: %w", err)
	}
	return out, nil
}
