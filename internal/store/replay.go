package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// AppendReplayEntry captures one record of a run's replay stream.
func (s *Store) AppendReplayEntry(ctx context.Context, row ReplayEntryRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO replay_entry (run_id, kind, payload, created_at)
		VALUES (?, ?, ?, ?)`,
		row.RunID, row.Kind, row.Payload, row.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("append replay entry: %w", err)
	}
	return nil
}

// ListReplayEntries returns a run's captured entries in append order.
func (s *Store) ListReplayEntries(ctx context.Context, runID string) ([]ReplayEntryRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, kind, payload, created_at
		FROM replay_entry WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("list replay entries: %w", err)
	}
	defer rows.Close()

	var out []ReplayEntryRow
	for rows.Next() {
		var r ReplayEntryRow
		var createdMS int64
		if err := rows.Scan(&r.ID, &r.RunID, &r.Kind, &r.Payload, &createdMS); err != nil {
			return nil, fmt.Errorf("scan replay entry: %w", err)
		}
		r.CreatedAt = time.UnixMilli(createdMS)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate replay entries: %w", err)
	}
	return out, nil
}

// SaveReplayBundle writes the finalized bundle exactly once. A second save
// for the same run is ignored, keeping the first finalization authoritative.
func (s *Store) SaveReplayBundle(ctx context.Context, runID string, content []byte, finalizedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO replay_bundle (run_id, content, finalized_at)
		VALUES (?, ?, ?)`,
		runID, content, finalizedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save replay bundle: %w", err)
	}
	return nil
}

// GetReplayBundle returns the finalized bundle bytes, or nil when the run
// has not been finalized.
func (s *Store) GetReplayBundle(ctx context.Context, runID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `SELECT content FROM replay_bundle WHERE run_id = ?`, runID)
	var content []byte
	if err := row.Scan(&content); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get replay bundle: %w", err)
	}
	return content, nil
}
