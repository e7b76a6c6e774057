package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// CompareAndSwapBreaker writes a breaker row only when the stored version
// still matches expectedVersion (0 inserts a fresh row). Returns false on a
// lost race; the caller re-reads and retries. Lost updates here would let
// retries slip past an open breaker, so plain upserts are not offered.
func (s *Store) CompareAndSwapBreaker(ctx context.Context, row BreakerRow, expectedVersion int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var lastFailure *int64
	if row.LastFailureAt != nil {
		v := row.LastFailureAt.UnixMilli()
		lastFailure = &v
	}

	if expectedVersion == 0 {
		res, err := s.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO circuit_breaker_state
				(tenant, failure_class, state, failure_count, threshold, cooldown_ms, last_failure_at, last_state_change_at, version)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1)`,
			row.Tenant, row.FailureClass, row.State, row.FailureCount, row.Threshold,
			row.Cooldown.Milliseconds(), lastFailure, row.LastStateChangeAt.UnixMilli(),
		)
		if err != nil {
			return false, fmt.Errorf("insert breaker state: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return false, fmt.Errorf("insert breaker state rows affected: %w", err)
		}
		return n > 0, nil
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE circuit_breaker_state
		SET state = ?, failure_count = ?, threshold = ?, cooldown_ms = ?, last_failure_at = ?, last_state_change_at = ?, version = version + 1
		WHERE tenant = ? AND failure_class = ? AND version = ?`,
		row.State, row.FailureCount, row.Threshold, row.Cooldown.Milliseconds(),
		lastFailure, row.LastStateChangeAt.UnixMilli(),
		row.Tenant, row.FailureClass, expectedVersion,
	)
	if err != nil {
		return false, fmt.Errorf("update breaker state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update breaker state rows affected: %w", err)
	}
	return n > 0, nil
}

// GetBreaker retrieves the breaker row for a (tenant, failure class) pair.
func (s *Store) GetBreaker(ctx context.Context, tenant, failureClass string) (*BreakerRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT tenant, failure_class, state, failure_count, threshold, cooldown_ms, last_failure_at, last_state_change_at, version
		FROM circuit_breaker_state WHERE tenant = ? AND failure_class = ?`, tenant, failureClass)

	var r BreakerRow
	var cooldownMS, changedMS int64
	var failureMS sql.NullInt64
	err := row.Scan(&r.Tenant, &r.FailureClass, &r.State, &r.FailureCount, &r.Threshold,
		&cooldownMS, &failureMS, &changedMS, &r.Version)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get breaker state: %w", err)
	}
	r.Cooldown = time.Duration(cooldownMS) * time.Millisecond
	if failureMS.Valid {
		t := time.UnixMilli(failureMS.Int64)
		r.LastFailureAt = &t
	}
	r.LastStateChangeAt = time.UnixMilli(changedMS)
	return &r, nil
}
