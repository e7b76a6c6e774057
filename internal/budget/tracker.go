// Package budget enforces per-run ceilings on cost, wall-clock time, and
// attempt count. Every repair decision is gatekept by a charge here.
package budget

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"git.home.luguber.info/inful/metabuilder/internal/faults"
	"git.home.luguber.info/inful/metabuilder/internal/logfields"
	"git.home.luguber.info/inful/metabuilder/internal/store"
)

// Limits are the immutable ceilings of a run budget.
type Limits struct {
	Cost     float64
	Time     time.Duration
	Attempts int
}

// Delta is one charge against a run budget.
type Delta struct {
	Cost     float64
	Time     time.Duration
	Attempts int
}

// Persister is the slice of the store the tracker writes through to.
type Persister interface {
	SaveRunBudget(ctx context.Context, row store.RunBudgetRow) error
}

// Tracker tracks budgets for all live runs. Safe for concurrent use.
type Tracker struct {
	mu      sync.RWMutex
	runs    map[string]*runBudget
	persist Persister
	now     func() time.Time
}

type runBudget struct {
	mu        sync.Mutex
	tenant    string
	limits    Limits
	cost      float64
	time      time.Duration
	attempts  int
	exhausted faults.BudgetDimension // empty while the budget still admits charges
}

// NewTracker creates a tracker. persist may be nil for ephemeral use (tests).
func NewTracker(persist Persister) *Tracker {
	return &Tracker{
		runs:    make(map[string]*runBudget),
		persist: persist,
		now:     time.Now,
	}
}

// Open registers a budget for a starting run.
func (t *Tracker) Open(ctx context.Context, runID, tenant string, limits Limits) error {
	t.mu.Lock()
	if _, exists := t.runs[runID]; exists {
		t.mu.Unlock()
		return fmt.Errorf("budget for run %s already open", runID)
	}
	rb := &runBudget{tenant: tenant, limits: limits}
	t.runs[runID] = rb
	t.mu.Unlock()

	return t.writeThrough(ctx, runID, rb)
}

// Charge atomically applies a delta against a run's budget. On rejection the
// run's budget is marked exhausted: no further charges are admitted and the
// triggering dimension is reported on every subsequent call.
func (t *Tracker) Charge(ctx context.Context, runID string, delta Delta) error {
	rb, err := t.get(runID)
	if err != nil {
		return err
	}

	rb.mu.Lock()
	if rb.exhausted != "" {
		dim := rb.exhausted
		rb.mu.Unlock()
		return &faults.BudgetExceededError{RunID: runID, Dimension: dim}
	}

	var dim faults.BudgetDimension
	switch {
	case rb.cost+delta.Cost > rb.limits.Cost:
		dim = faults.DimensionCost
	case rb.time+delta.Time > rb.limits.Time:
		dim = faults.DimensionTime
	case rb.attempts+delta.Attempts > rb.limits.Attempts:
		dim = faults.DimensionAttempts
	}
	if dim != "" {
		rb.exhausted = dim
		rb.mu.Unlock()
		slog.Warn("Run budget exhausted",
			logfields.RunID(runID),
			slog.String("dimension", string(dim)))
		_ = t.writeThrough(ctx, runID, rb)
		return &faults.BudgetExceededError{RunID: runID, Dimension: dim}
	}

	rb.cost += delta.Cost
	rb.time += delta.Time
	rb.attempts += delta.Attempts
	rb.mu.Unlock()

	return t.writeThrough(ctx, runID, rb)
}

// Remaining reports the headroom left in each dimension.
func (t *Tracker) Remaining(runID string) (Limits, bool) {
	t.mu.RLock()
	rb, ok := t.runs[runID]
	t.mu.RUnlock()
	if !ok {
		return Limits{}, false
	}

	rb.mu.Lock()
	defer rb.mu.Unlock()
	return Limits{
		Cost:     rb.limits.Cost - rb.cost,
		Time:     rb.limits.Time - rb.time,
		Attempts: rb.limits.Attempts - rb.attempts,
	}, true
}

// Snapshot returns the persisted view of a run budget for status reporting.
func (t *Tracker) Snapshot(runID string) (store.RunBudgetRow, bool) {
	t.mu.RLock()
	rb, ok := t.runs[runID]
	t.mu.RUnlock()
	if !ok {
		return store.RunBudgetRow{}, false
	}
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.rowLocked(runID, t.now()), true
}

// Exhausted reports whether the budget has rejected a charge, and on which
// dimension.
func (t *Tracker) Exhausted(runID string) (faults.BudgetDimension, bool) {
	t.mu.RLock()
	rb, ok := t.runs[runID]
	t.mu.RUnlock()
	if !ok {
		return "", false
	}
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.exhausted, rb.exhausted != ""
}

// Close drops the in-memory budget once the run is terminal. The persisted
// record remains for audit.
func (t *Tracker) Close(ctx context.Context, runID string) error {
	t.mu.Lock()
	rb, ok := t.runs[runID]
	delete(t.runs, runID)
	t.mu.Unlock()
	if !ok {
		return nil
	}
	return t.writeThrough(ctx, runID, rb)
}

func (t *Tracker) get(runID string) (*runBudget, error) {
	t.mu.RLock()
	rb, ok := t.runs[runID]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no budget open for run %s", runID)
	}
	return rb, nil
}

func (t *Tracker) writeThrough(ctx context.Context, runID string, rb *runBudget) error {
	if t.persist == nil {
		return nil
	}
	rb.mu.Lock()
	row := rb.rowLocked(runID, t.now())
	rb.mu.Unlock()
	if err := t.persist.SaveRunBudget(ctx, row); err != nil {
		return fmt.Errorf("persist run budget: %w", err)
	}
	return nil
}

func (rb *runBudget) rowLocked(runID string, now time.Time) store.RunBudgetRow {
	return store.RunBudgetRow{
		RunID:           runID,
		Tenant:          rb.tenant,
		CostBudget:      rb.limits.Cost,
		TimeBudget:      rb.limits.Time,
		AttemptBudget:   rb.limits.Attempts,
		CurrentCost:     rb.cost,
		CurrentTime:     rb.time,
		CurrentAttempts: rb.attempts,
		UpdatedAt:       now,
	}
}
