package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SaveLease inserts or replaces a lease record.
func (s *Store) SaveLease(ctx context.Context, row LeaseRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO queue_lease (id, worker_id, queue_class, task_id, leased_at, expires_at, status, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			expires_at = excluded.expires_at,
			status = excluded.status,
			version = excluded.version`,
		row.ID, row.WorkerID, row.QueueClass, row.TaskID,
		row.LeasedAt.UnixMilli(), row.ExpiresAt.UnixMilli(), row.Status, row.Version,
	)
	if err != nil {
		return fmt.Errorf("save lease: %w", err)
	}
	return nil
}

// MarkLeaseStatus conditionally rewrites a lease's status using its version
// column; returns false when the version moved underneath the caller.
func (s *Store) MarkLeaseStatus(ctx context.Context, leaseID, status string, expectedVersion int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE queue_lease SET status = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		status, leaseID, expectedVersion,
	)
	if err != nil {
		return false, fmt.Errorf("mark lease status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark lease status rows affected: %w", err)
	}
	return n > 0, nil
}

// ListExpiredLeases returns leases whose expiry has passed but whose stored
// status still says active. Input to the reclaim sweep.
func (s *Store) ListExpiredLeases(ctx context.Context, now time.Time) ([]LeaseRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, worker_id, queue_class, task_id, leased_at, expires_at, status, version
		FROM queue_lease WHERE status = 'active' AND expires_at < ?`, now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("list expired leases: %w", err)
	}
	defer rows.Close()

	var out []LeaseRow
	for rows.Next() {
		r, err := scanLease(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired leases: %w", err)
	}
	return out, nil
}

// GetLease retrieves a lease by id.
func (s *Store) GetLease(ctx context.Context, leaseID string) (*LeaseRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, worker_id, queue_class, task_id, leased_at, expires_at, status, version
		FROM queue_lease WHERE id = ?`, leaseID)
	return scanLease(row)
}

func scanLease(sc rowScanner) (*LeaseRow, error) {
	var r LeaseRow
	var taskID sql.NullString
	var leasedMS, expiresMS int64
	err := sc.Scan(&r.ID, &r.WorkerID, &r.QueueClass, &taskID, &leasedMS, &expiresMS, &r.Status, &r.Version)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan lease: %w", err)
	}
	r.TaskID = taskID.String
	r.LeasedAt = time.UnixMilli(leasedMS)
	r.ExpiresAt = time.UnixMilli(expiresMS)
	return &r, nil
}
