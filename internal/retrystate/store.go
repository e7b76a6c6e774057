// Package retrystate keeps per-run, per-step attempt counters and backoff
// bookkeeping. Ceiling checks here decide whether the escalation engine may
// retry or must climb the ladder.
package retrystate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"git.home.luguber.info/inful/metabuilder/internal/faults"
	"git.home.luguber.info/inful/metabuilder/internal/store"
)

// Ceilings bound retries for one run.
type Ceilings struct {
	MaxPerStepAttempts int
	MaxTotalAttempts   int
}

// Persister is the slice of the store the state store writes through to.
type Persister interface {
	SaveRetryState(ctx context.Context, row store.RetryStateRow) error
}

// StateStore tracks retry state for all live runs. Safe for concurrent use.
type StateStore struct {
	mu      sync.RWMutex
	runs    map[string]*runState
	policy  BackoffPolicy
	persist Persister
	now     func() time.Time
}

type runState struct {
	mu       sync.Mutex
	ceilings Ceilings

	// Raw signal counters: every observed failure signal, unclamped, for
	// audit and idempotency keys. Never reset.
	signals        map[string]int
	attemptCounter int

	// Execution counters: clamped at the ceilings so the stored invariant
	// per_step <= max_per_step holds at every point in the run's history.
	perStep map[string]int
	total   int

	lastBackoff time.Duration
}

// NewStateStore creates a state store. persist may be nil for ephemeral use.
func NewStateStore(policy BackoffPolicy, persist Persister) *StateStore {
	return &StateStore{
		runs:    make(map[string]*runState),
		policy:  policy,
		persist: persist,
		now:     time.Now,
	}
}

// Open registers retry state for a starting run.
func (s *StateStore) Open(ctx context.Context, runID string, ceilings Ceilings) error {
	s.mu.Lock()
	if _, exists := s.runs[runID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("retry state for run %s already open", runID)
	}
	rs := &runState{
		ceilings: ceilings,
		signals:  make(map[string]int),
		perStep:  make(map[string]int),
	}
	s.runs[runID] = rs
	s.mu.Unlock()

	return s.writeThrough(ctx, runID, rs)
}

// NextSignalIndex returns the index the next failure signal for this step
// would carry, without committing it. The escalation engine derives the
// idempotency key from it before deciding whether the signal is new.
func (s *StateStore) NextSignalIndex(runID, stepID string) (int, error) {
	rs, err := s.get(runID)
	if err != nil {
		return 0, err
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.signals[stepID] + 1, nil
}

// CommitSignal records that a new (non-duplicate) failure signal was
// accepted for the step, bumping the raw audit counters.
func (s *StateStore) CommitSignal(ctx context.Context, runID, stepID string) error {
	rs, err := s.get(runID)
	if err != nil {
		return err
	}
	rs.mu.Lock()
	rs.signals[stepID]++
	rs.attemptCounter++
	rs.mu.Unlock()
	return s.writeThrough(ctx, runID, rs)
}

// NextAttempt records one failed execution of the step and decides whether a
// retry is allowed. On Allow it returns the backoff to wait before the
// re-enqueued attempt; on Deny it returns a RetryCeilingError and the caller
// escalates to the next repair phase.
func (s *StateStore) NextAttempt(ctx context.Context, runID, stepID string) (time.Duration, error) {
	rs, err := s.get(runID)
	if err != nil {
		return 0, err
	}

	rs.mu.Lock()
	if rs.perStep[stepID] < rs.ceilings.MaxPerStepAttempts {
		rs.perStep[stepID]++
	}
	if rs.total < rs.ceilings.MaxTotalAttempts {
		rs.total++
	}

	var scope string
	switch {
	case rs.perStep[stepID] >= rs.ceilings.MaxPerStepAttempts:
		scope = "per_step"
	case rs.total >= rs.ceilings.MaxTotalAttempts:
		scope = "total"
	}
	if scope != "" {
		rs.mu.Unlock()
		_ = s.writeThrough(ctx, runID, rs)
		return 0, &faults.RetryCeilingError{RunID: runID, StepID: stepID, Scope: scope}
	}

	backoff := s.policy.Delay(rs.perStep[stepID])
	rs.lastBackoff = backoff
	rs.mu.Unlock()

	if err := s.writeThrough(ctx, runID, rs); err != nil {
		return 0, err
	}
	return backoff, nil
}

// ClearStep resets the step's execution counters after a success. Raw signal
// counters are kept so idempotency keys never repeat within a run.
func (s *StateStore) ClearStep(ctx context.Context, runID, stepID string) error {
	rs, err := s.get(runID)
	if err != nil {
		return err
	}
	rs.mu.Lock()
	delete(rs.perStep, stepID)
	rs.mu.Unlock()
	return s.writeThrough(ctx, runID, rs)
}

// Snapshot returns the persisted view for status reporting.
func (s *StateStore) Snapshot(runID string) (store.RetryStateRow, bool) {
	s.mu.RLock()
	rs, ok := s.runs[runID]
	s.mu.RUnlock()
	if !ok {
		return store.RetryStateRow{}, false
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.rowLocked(runID, s.now()), true
}

// Close drops the in-memory state once the run is terminal; the persisted
// record is retained for audit.
func (s *StateStore) Close(ctx context.Context, runID string) error {
	s.mu.Lock()
	rs, ok := s.runs[runID]
	delete(s.runs, runID)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return s.writeThrough(ctx, runID, rs)
}

func (s *StateStore) get(runID string) (*runState, error) {
	s.mu.RLock()
	rs, ok := s.runs[runID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no retry state open for run %s", runID)
	}
	return rs, nil
}

func (s *StateStore) writeThrough(ctx context.Context, runID string, rs *runState) error {
	if s.persist == nil {
		return nil
	}
	rs.mu.Lock()
	row := rs.rowLocked(runID, s.now())
	rs.mu.Unlock()
	if err := s.persist.SaveRetryState(ctx, row); err != nil {
		return fmt.Errorf("persist retry state: %w", err)
	}
	return nil
}

func (rs *runState) rowLocked(runID string, now time.Time) store.RetryStateRow {
	perStep := make(map[string]int, len(rs.perStep))
	for k, v := range rs.perStep {
		perStep[k] = v
	}
	return store.RetryStateRow{
		RunID:          runID,
		AttemptCounter: rs.attemptCounter,
		TotalAttempts:  rs.total,
		PerStep:        perStep,
		LastBackoff:    rs.lastBackoff,
		MaxTotal:       rs.ceilings.MaxTotalAttempts,
		MaxPerStep:     rs.ceilings.MaxPerStepAttempts,
		UpdatedAt:      now,
	}
}
