// Package escalate is the decision core of the auto-fix orchestrator. A
// failure signal comes in; budget, breaker, and retry state are consulted;
// one action comes out: retry, patch, replan, rollback, or abort. The ladder
// only climbs.
package escalate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"git.home.luguber.info/inful/metabuilder/internal/breaker"
	"git.home.luguber.info/inful/metabuilder/internal/budget"
	"git.home.luguber.info/inful/metabuilder/internal/faults"
	"git.home.luguber.info/inful/metabuilder/internal/logfields"
	"git.home.luguber.info/inful/metabuilder/internal/store"
)

// FailureSignal is a report from a step executor that a step did not
// complete successfully. Attempt is the per-step attempt index the executor
// was running; zero lets the engine assume the next unprocessed index.
type FailureSignal struct {
	RunID        string `json:"run_id"`
	StepID       string `json:"step_id"`
	FailureClass string `json:"failure_class"`
	Detail       string `json:"detail"`
	Attempt      int    `json:"attempt,omitempty"`
}

// Decision is the engine's answer to one failure signal.
type Decision struct {
	Action    Action        `json:"action"`
	Phase     Phase         `json:"phase"`
	Strategy  string        `json:"strategy"`
	Backoff   time.Duration `json:"backoff,omitempty"`
	AttemptID string        `json:"attempt_id"`
	Detail    string        `json:"detail,omitempty"`
	Replayed  bool          `json:"replayed,omitempty"`

	// NewPlan is set on replan decisions; Checkpoint on rollback decisions.
	NewPlan    *Plan  `json:"new_plan,omitempty"`
	Checkpoint string `json:"checkpoint,omitempty"`
}

// Limits bound the upper rungs of the ladder per run.
type Limits struct {
	MaxPatchAttempts  int
	MaxReplanAttempts int
}

// DecisionCost is what deciding itself charges against the run budget.
type DecisionCost struct {
	Cost float64
	Time time.Duration
}

// BudgetGate is the tracker surface the engine consumes.
type BudgetGate interface {
	Charge(ctx context.Context, runID string, delta budget.Delta) error
}

// BreakerGate is the registry surface the engine consumes.
type BreakerGate interface {
	AllowAttempt(ctx context.Context, tenant, class string) bool
	RecordOutcome(ctx context.Context, tenant, class string, success bool) breaker.State
}

// RetryGate is the retry state surface the engine consumes.
type RetryGate interface {
	NextSignalIndex(runID, stepID string) (int, error)
	CommitSignal(ctx context.Context, runID, stepID string) error
	NextAttempt(ctx context.Context, runID, stepID string) (time.Duration, error)
	ClearStep(ctx context.Context, runID, stepID string) error
}

// AttemptLog is the append-only audit surface the engine writes.
type AttemptLog interface {
	AppendRepairAttempt(ctx context.Context, row store.RepairAttemptRow) (bool, error)
	GetRepairAttemptByKey(ctx context.Context, key string) (*store.RepairAttemptRow, error)
	AppendPlanDelta(ctx context.Context, row store.PlanDeltaRow) error
}

// CheckpointGate is the rollback surface the engine consumes.
type CheckpointGate interface {
	HasCheckpoint(runID string) bool
	Rollback(runID string) (string, error)
}

// Engine runs the repair escalation ladder. Safe for concurrent use;
// decisions for a single run are strictly serialized by a per-run lock.
type Engine struct {
	mu   sync.RWMutex
	runs map[string]*runLadder

	budget      BudgetGate
	breakers    BreakerGate
	retries     RetryGate
	log         AttemptLog
	checkpoints CheckpointGate
	replanner   Replanner
	strategies  *StrategyRegistry
	limits      Limits
	cost        DecisionCost
	now         func() time.Time
}

type runLadder struct {
	mu          sync.Mutex // serializes decisions for this run
	tenant      string
	plan        Plan
	patchesUsed int
	replansUsed int
	rolledBack  bool
	lastClass   map[string]string // step id -> most recent failure class
}

// NewEngine wires the decision core.
func NewEngine(bt BudgetGate, br BreakerGate, rt RetryGate, log AttemptLog, cp CheckpointGate, rp Replanner, limits Limits, cost DecisionCost) *Engine {
	if rp == nil {
		rp = TailReplanner{}
	}
	return &Engine{
		runs:        make(map[string]*runLadder),
		budget:      bt,
		breakers:    br,
		retries:     rt,
		log:         log,
		checkpoints: cp,
		replanner:   rp,
		strategies:  DefaultStrategies(),
		limits:      limits,
		cost:        cost,
		now:         time.Now,
	}
}

// OpenRun registers a run's plan and tenant with the engine.
func (e *Engine) OpenRun(runID, tenant string, plan Plan) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.runs[runID]; exists {
		return fmt.Errorf("run %s already open in engine", runID)
	}
	e.runs[runID] = &runLadder{
		tenant:    tenant,
		plan:      plan,
		lastClass: make(map[string]string),
	}
	return nil
}

// CloseRun drops per-run ladder state once the run is terminal.
func (e *Engine) CloseRun(runID string) {
	e.mu.Lock()
	delete(e.runs, runID)
	e.mu.Unlock()
}

// Plan returns the run's current plan (post-replan if any).
func (e *Engine) Plan(runID string) (Plan, bool) {
	rl, err := e.ladder(runID)
	if err != nil {
		return Plan{}, false
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.plan, true
}

// Decide consumes one failure signal and walks the ladder. Exactly one
// RepairAttempt row is written per distinct signal; replaying an
// already-recorded signal returns the recorded decision without charging
// the budget again.
func (e *Engine) Decide(ctx context.Context, sig FailureSignal) (Decision, error) {
	rl, err := e.ladder(sig.RunID)
	if err != nil {
		return Decision{}, err
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	next, err := e.retries.NextSignalIndex(sig.RunID, sig.StepID)
	if err != nil {
		return Decision{}, err
	}
	attempt := sig.Attempt
	if attempt <= 0 {
		attempt = next
	}
	key := idempotencyKey(sig.RunID, sig.StepID, attempt)

	if attempt < next {
		// At-least-once delivery: this signal was already decided.
		if prior, err := e.log.GetRepairAttemptByKey(ctx, key); err != nil {
			return Decision{}, err
		} else if prior != nil {
			slog.Debug("Replayed failure signal, returning recorded decision",
				logfields.RunID(sig.RunID),
				logfields.StepID(sig.StepID),
				logfields.Attempt(attempt))
			return decisionFromRow(prior), nil
		}
	}

	if err := e.retries.CommitSignal(ctx, sig.RunID, sig.StepID); err != nil {
		return Decision{}, err
	}
	rl.lastClass[sig.StepID] = sig.FailureClass

	dec, decErr := e.climb(ctx, rl, sig)
	dec.AttemptID = uuid.NewString()

	row := store.RepairAttemptRow{
		ID:             dec.AttemptID,
		IdempotencyKey: key,
		RunID:          sig.RunID,
		StepID:         sig.StepID,
		FailureClass:   sig.FailureClass,
		Phase:          string(dec.Phase),
		Strategy:       dec.Strategy,
		Action:         string(dec.Action),
		Backoff:        dec.Backoff,
		Result:         dec.Detail,
		CreatedAt:      e.now(),
	}
	if _, err := e.log.AppendRepairAttempt(ctx, row); err != nil {
		return Decision{}, fmt.Errorf("record repair attempt: %w", err)
	}

	// The failure itself feeds the breaker, whatever we decided.
	e.breakers.RecordOutcome(ctx, rl.tenant, sig.FailureClass, false)

	slog.Info("Repair decision",
		logfields.RunID(sig.RunID),
		logfields.StepID(sig.StepID),
		logfields.FailureClass(sig.FailureClass),
		logfields.Action(string(dec.Action)),
		logfields.Strategy(dec.Strategy),
		logfields.Attempt(attempt),
		logfields.BackoffMS(float64(dec.Backoff.Milliseconds())))

	return dec, decErr
}

// climb walks the ladder for one accepted signal. It never loops: each rung
// is visited at most once per decision.
func (e *Engine) climb(ctx context.Context, rl *runLadder, sig FailureSignal) (Decision, error) {
	// 1. The decision itself costs budget; an exhausted run aborts here.
	err := e.budget.Charge(ctx, sig.RunID, budget.Delta{
		Cost:     e.cost.Cost,
		Time:     e.cost.Time,
		Attempts: 1,
	})
	if err != nil {
		if faults.IsBudgetExceeded(err) {
			return e.abortDecision(fmt.Sprintf("budget exhausted: %v", err)), err
		}
		return Decision{}, err
	}

	// 2. A suspect failure class skips straight past retry and patch.
	if !e.breakers.AllowAttempt(ctx, rl.tenant, sig.FailureClass) {
		if rl.replansUsed < e.limits.MaxReplanAttempts {
			return e.replanDecision(ctx, rl, sig, "circuit open for failure class")
		}
		return e.abortDecision("circuit open and replan attempts exhausted"), nil
	}

	// 3. Retry while the ceilings admit it.
	backoff, err := e.retries.NextAttempt(ctx, sig.RunID, sig.StepID)
	if err == nil {
		s := e.strategies.ForPhase(PhaseRetry)
		return Decision{
			Action:   ActionRetry,
			Phase:    PhaseRetry,
			Strategy: s.Name,
			Backoff:  backoff,
		}, nil
	}
	if !faults.IsRetryCeiling(err) {
		return Decision{}, err
	}

	// 4. Patch: a targeted fix of just the failing step.
	if rl.patchesUsed < e.limits.MaxPatchAttempts {
		rl.patchesUsed++
		s := e.strategies.ForPhase(PhasePatch)
		return Decision{
			Action:   ActionPatch,
			Phase:    PhasePatch,
			Strategy: s.Name,
			Detail:   "retry ceiling reached, patching failing step",
		}, nil
	}

	// 5. Replan the remaining work.
	if rl.replansUsed < e.limits.MaxReplanAttempts {
		return e.replanDecision(ctx, rl, sig, "patch attempts exhausted")
	}

	// 6. Roll back to the last known-good checkpoint, once.
	if !rl.rolledBack && e.checkpoints != nil && e.checkpoints.HasCheckpoint(sig.RunID) {
		commit, err := e.checkpoints.Rollback(sig.RunID)
		if err != nil {
			slog.Error("Rollback failed",
				logfields.RunID(sig.RunID),
				logfields.Error(err))
			return e.abortDecision(fmt.Sprintf("rollback failed: %v", err)), nil
		}
		rl.rolledBack = true
		s := e.strategies.ForPhase(PhaseRollback)
		return Decision{
			Action:     ActionRollback,
			Phase:      PhaseRollback,
			Strategy:   s.Name,
			Checkpoint: commit,
			Detail:     "restored last known-good checkpoint",
		}, nil
	}

	return e.abortDecision("repair ladder exhausted"), nil
}

func (e *Engine) replanDecision(ctx context.Context, rl *runLadder, sig FailureSignal, reason string) (Decision, error) {
	newPlan, err := e.replanner.Replan(ctx, rl.plan, sig.StepID)
	if err != nil {
		slog.Error("Replan failed",
			logfields.RunID(sig.RunID),
			logfields.Error(err))
		return e.abortDecision(fmt.Sprintf("replan failed: %v", err)), nil
	}

	diff, err := DiffPlans(rl.plan, newPlan)
	if err != nil {
		return Decision{}, err
	}
	delta := store.PlanDeltaRow{
		ID:             uuid.NewString(),
		RunID:          sig.RunID,
		OriginalPlanID: rl.plan.ID,
		NewPlanID:      newPlan.ID,
		Diff:           diff,
		TriggeredBy:    fmt.Sprintf("escalation:%s", sig.FailureClass),
		CreatedAt:      e.now(),
	}
	if err := e.log.AppendPlanDelta(ctx, delta); err != nil {
		return Decision{}, fmt.Errorf("record plan delta: %w", err)
	}

	rl.plan = newPlan
	rl.replansUsed++
	s := e.strategies.ForPhase(PhaseReplan)
	return Decision{
		Action:   ActionReplan,
		Phase:    PhaseReplan,
		Strategy: s.Name,
		Detail:   reason,
		NewPlan:  &newPlan,
	}, nil
}

func (e *Engine) abortDecision(reason string) Decision {
	s := e.strategies.ForPhase(PhaseAbort)
	return Decision{
		Action:   ActionAbort,
		Phase:    PhaseAbort,
		Strategy: s.Name,
		Detail:   reason,
	}
}

// RecordSuccess clears the step's retry counters and credits the breaker for
// the class the step most recently failed with.
func (e *Engine) RecordSuccess(ctx context.Context, runID, stepID string) error {
	rl, err := e.ladder(runID)
	if err != nil {
		return err
	}

	rl.mu.Lock()
	class := rl.lastClass[stepID]
	delete(rl.lastClass, stepID)
	rl.mu.Unlock()

	if err := e.retries.ClearStep(ctx, runID, stepID); err != nil {
		return err
	}
	if class != "" {
		e.breakers.RecordOutcome(ctx, rl.tenant, class, true)
	}
	return nil
}

// Tenant returns the tenant a run belongs to.
func (e *Engine) Tenant(runID string) (string, bool) {
	rl, err := e.ladder(runID)
	if err != nil {
		return "", false
	}
	return rl.tenant, true
}

func (e *Engine) ladder(runID string) (*runLadder, error) {
	e.mu.RLock()
	rl, ok := e.runs[runID]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("run %s not open in engine", runID)
	}
	return rl, nil
}

func idempotencyKey(runID, stepID string, attempt int) string {
	return fmt.Sprintf("%s:%s:%d", runID, stepID, attempt)
}

func decisionFromRow(row *store.RepairAttemptRow) Decision {
	return Decision{
		Action:    Action(row.Action),
		Phase:     Phase(row.Phase),
		Strategy:  row.Strategy,
		Backoff:   row.Backoff,
		AttemptID: row.ID,
		Detail:    row.Result,
		Replayed:  true,
	}
}
