package store

import (
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

// Store persists the orchestrator's logical records in SQLite.
// Use ":memory:" for an in-memory database, or a file path for persistence.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New opens (or creates) the database at dbPath and ensures the schema.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// The sqlite driver is not safe for concurrent writes on multiple conns.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.initialize(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		tenant TEXT NOT NULL,
		status TEXT NOT NULL,
		canary_group TEXT NOT NULL,
		budget_exceeded INTEGER NOT NULL DEFAULT 0,
		budget_dimension TEXT,
		last_detail TEXT,
		created_at INTEGER NOT NULL,
		completed_at INTEGER
	);
	CREATE TABLE IF NOT EXISTS run_budget (
		run_id TEXT PRIMARY KEY,
		tenant TEXT NOT NULL,
		cost_budget REAL NOT NULL,
		time_budget_ms INTEGER NOT NULL,
		attempt_budget INTEGER NOT NULL,
		current_cost REAL NOT NULL,
		current_time_ms INTEGER NOT NULL,
		current_attempts INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS retry_state (
		run_id TEXT PRIMARY KEY,
		attempt_counter INTEGER NOT NULL,
		total_attempts INTEGER NOT NULL,
		per_step TEXT NOT NULL,
		last_backoff_ms INTEGER NOT NULL,
		max_total INTEGER NOT NULL,
		max_per_step INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS circuit_breaker_state (
		tenant TEXT NOT NULL,
		failure_class TEXT NOT NULL,
		state TEXT NOT NULL,
		failure_count INTEGER NOT NULL,
		threshold INTEGER NOT NULL,
		cooldown_ms INTEGER NOT NULL,
		last_failure_at INTEGER,
		last_state_change_at INTEGER NOT NULL,
		version INTEGER NOT NULL,
		PRIMARY KEY (tenant, failure_class)
	);
	CREATE TABLE IF NOT EXISTS repair_attempt (
		id TEXT PRIMARY KEY,
		idempotency_key TEXT NOT NULL UNIQUE,
		run_id TEXT NOT NULL,
		step_id TEXT NOT NULL,
		failure_class TEXT NOT NULL,
		phase TEXT NOT NULL,
		strategy TEXT NOT NULL,
		action TEXT NOT NULL,
		backoff_ms INTEGER NOT NULL DEFAULT 0,
		result TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_repair_attempt_run ON repair_attempt(run_id);
	CREATE TABLE IF NOT EXISTS plan_delta (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		original_plan_id TEXT NOT NULL,
		new_plan_id TEXT NOT NULL,
		diff TEXT NOT NULL,
		triggered_by TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_plan_delta_run ON plan_delta(run_id);
	CREATE TABLE IF NOT EXISTS queue_lease (
		id TEXT PRIMARY KEY,
		worker_id TEXT NOT NULL,
		queue_class TEXT NOT NULL,
		task_id TEXT,
		leased_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		status TEXT NOT NULL,
		version INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_queue_lease_worker ON queue_lease(worker_id);
	CREATE INDEX IF NOT EXISTS idx_queue_lease_expiry ON queue_lease(expires_at);
	CREATE TABLE IF NOT EXISTS canary_sample (
		run_id TEXT PRIMARY KEY,
		canary_group TEXT NOT NULL,
		assigned_at INTEGER NOT NULL,
		completed_at INTEGER,
		success INTEGER,
		cost REAL NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		retries INTEGER NOT NULL DEFAULT 0,
		replans INTEGER NOT NULL DEFAULT 0,
		rollbacks INTEGER NOT NULL DEFAULT 0
	);
	CREATE TABLE IF NOT EXISTS chaos_event (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		step_id TEXT NOT NULL,
		chaos_type TEXT NOT NULL,
		injected_at INTEGER NOT NULL,
		resolved_at INTEGER,
		recovery_successful INTEGER
	);
	CREATE TABLE IF NOT EXISTS replay_entry (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		payload BLOB NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_replay_entry_run ON replay_entry(run_id);
	CREATE TABLE IF NOT EXISTS replay_bundle (
		run_id TEXT PRIMARY KEY,
		content BLOB NOT NULL,
		finalized_at INTEGER NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
