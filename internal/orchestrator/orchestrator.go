// Package orchestrator drives run lifecycles: it opens the per-run state in
// every subsystem, routes failure signals through the escalation engine,
// applies the resulting decisions to the work queue, and tears a run down
// exactly once when it reaches a terminal state.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"git.home.luguber.info/inful/metabuilder/internal/budget"
	"git.home.luguber.info/inful/metabuilder/internal/canary"
	"git.home.luguber.info/inful/metabuilder/internal/chaos"
	"git.home.luguber.info/inful/metabuilder/internal/checkpoint"
	"git.home.luguber.info/inful/metabuilder/internal/config"
	"git.home.luguber.info/inful/metabuilder/internal/escalate"
	"git.home.luguber.info/inful/metabuilder/internal/faults"
	"git.home.luguber.info/inful/metabuilder/internal/lease"
	"git.home.luguber.info/inful/metabuilder/internal/logfields"
	"git.home.luguber.info/inful/metabuilder/internal/replay"
	"git.home.luguber.info/inful/metabuilder/internal/retrystate"
	"git.home.luguber.info/inful/metabuilder/internal/store"
)

// Run lifecycle statuses.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// DefaultQueueClass is used when a run does not name a queue class.
const DefaultQueueClass = "build"

// EventPublisher receives lifecycle and decision events. Nil disables
// publishing; the daemon wires a NATS-backed implementation.
type EventPublisher interface {
	PublishRunEvent(ctx context.Context, event RunEvent) error
}

// RunEvent is one published lifecycle or decision event.
type RunEvent struct {
	Type   string    `json:"type"`
	RunID  string    `json:"run_id"`
	Tenant string    `json:"tenant"`
	StepID string    `json:"step_id,omitempty"`
	Action string    `json:"action,omitempty"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// Event types.
const (
	EventRunStarted   = "run.started"
	EventRunFinished  = "run.finished"
	EventStepSuccess  = "step.succeeded"
	EventRepairAction = "repair.decision"
)

// StartRunRequest describes a new run.
type StartRunRequest struct {
	RunID      string          `json:"run_id,omitempty"`
	Tenant     string          `json:"tenant"`
	QueueClass string          `json:"queue_class,omitempty"`
	Steps      []escalate.Step `json:"steps"`
}

// RunInfo is returned on run creation.
type RunInfo struct {
	RunID       string `json:"run_id"`
	Tenant      string `json:"tenant"`
	CanaryGroup string `json:"canary_group"`
	PlanID      string `json:"plan_id"`
	QueueClass  string `json:"queue_class"`
}

// Orchestrator coordinates all per-run subsystems.
type Orchestrator struct {
	cfg *config.Config

	store       *store.Store
	budgets     *budget.Tracker
	retries     *retrystate.StateStore
	engine      *escalate.Engine
	checkpoints *checkpoint.Manager
	leases      *lease.Manager
	alloc       *canary.Allocator
	samples     *canary.Recorder
	chaos       *chaos.Injector
	replay      *replay.Recorder
	events      EventPublisher
	clock       clockwork.Clock

	mu   sync.Mutex
	runs map[string]*runMeta
}

type runMeta struct {
	tenant     string
	group      string
	queueClass string
	startedAt  time.Time
	cancelled  bool
	completed  map[string]bool
	retries    int
	replans    int
	rollbacks  int
	chaosOpen  map[string]string // step id -> unresolved chaos event id
}

// Deps bundles the orchestrator's collaborators.
type Deps struct {
	Store       *store.Store
	Budgets     *budget.Tracker
	Retries     *retrystate.StateStore
	Engine      *escalate.Engine
	Checkpoints *checkpoint.Manager
	Leases      *lease.Manager
	Allocator   *canary.Allocator
	Samples     *canary.Recorder
	Chaos       *chaos.Injector
	Replay      *replay.Recorder
	Events      EventPublisher
	Clock       clockwork.Clock
}

// New creates an orchestrator.
func New(cfg *config.Config, d Deps) *Orchestrator {
	clock := d.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Orchestrator{
		cfg:         cfg,
		store:       d.Store,
		budgets:     d.Budgets,
		retries:     d.Retries,
		engine:      d.Engine,
		checkpoints: d.Checkpoints,
		leases:      d.Leases,
		alloc:       d.Allocator,
		samples:     d.Samples,
		chaos:       d.Chaos,
		replay:      d.Replay,
		events:      d.Events,
		clock:       clock,
		runs:        make(map[string]*runMeta),
	}
}

// StartRun opens a run in every subsystem and enqueues its first step.
func (o *Orchestrator) StartRun(ctx context.Context, req StartRunRequest) (*RunInfo, error) {
	if len(req.Steps) == 0 {
		return nil, fmt.Errorf("run needs at least one step")
	}
	runID := req.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	queueClass := req.QueueClass
	if queueClass == "" {
		queueClass = DefaultQueueClass
	}
	group := o.alloc.Assign(runID)
	now := o.clock.Now()

	plan := escalate.Plan{
		ID:    uuid.NewString(),
		RunID: runID,
		Steps: req.Steps,
	}

	o.mu.Lock()
	if _, exists := o.runs[runID]; exists {
		o.mu.Unlock()
		return nil, fmt.Errorf("run %s already started", runID)
	}
	o.runs[runID] = &runMeta{
		tenant:     req.Tenant,
		group:      group,
		queueClass: queueClass,
		startedAt:  now,
		completed:  make(map[string]bool),
		chaosOpen:  make(map[string]string),
	}
	o.mu.Unlock()

	limits := budget.Limits{
		Cost:     o.cfg.Budget.Cost,
		Time:     o.cfg.Budget.Time.Std(),
		Attempts: o.cfg.Budget.Attempts,
	}
	if err := o.budgets.Open(ctx, runID, req.Tenant, limits); err != nil {
		return nil, err
	}
	ceilings := retrystate.Ceilings{
		MaxPerStepAttempts: o.cfg.Retry.MaxPerStepAttempts,
		MaxTotalAttempts:   o.cfg.Retry.MaxTotalAttempts,
	}
	if err := o.retries.Open(ctx, runID, ceilings); err != nil {
		return nil, err
	}
	if err := o.engine.OpenRun(runID, req.Tenant, plan); err != nil {
		return nil, err
	}
	if o.checkpoints != nil {
		if err := o.checkpoints.InitRun(runID); err != nil {
			return nil, fmt.Errorf("init run workspace: %w", err)
		}
	}

	if err := o.store.SaveRun(ctx, store.RunRow{
		ID:          runID,
		Tenant:      req.Tenant,
		Status:      StatusRunning,
		CanaryGroup: group,
		CreatedAt:   now,
	}); err != nil {
		return nil, err
	}
	if err := o.samples.RecordAssignment(ctx, runID, group); err != nil {
		return nil, err
	}
	if err := o.replay.Append(ctx, runID, replay.KindRunInput, req); err != nil {
		return nil, err
	}
	if err := o.replay.Append(ctx, runID, replay.KindPlanVersion, plan); err != nil {
		return nil, err
	}

	if err := o.enqueueStep(runID, plan.Steps[0].ID, queueClass, 1, 0); err != nil {
		return nil, err
	}

	o.publish(ctx, RunEvent{
		Type: EventRunStarted, RunID: runID, Tenant: req.Tenant, At: now,
	})
	slog.Info("Run started",
		logfields.RunID(runID),
		logfields.Tenant(req.Tenant),
		logfields.CanaryGroup(group),
		slog.Int("steps", len(plan.Steps)))

	return &RunInfo{
		RunID:       runID,
		Tenant:      req.Tenant,
		CanaryGroup: group,
		PlanID:      plan.ID,
		QueueClass:  queueClass,
	}, nil
}

// ReportFailure routes a failure signal through the escalation engine and
// applies the decision. Safe against redelivery: a replayed signal returns
// the recorded decision and triggers no side effects.
func (o *Orchestrator) ReportFailure(ctx context.Context, sig escalate.FailureSignal) (escalate.Decision, error) {
	rm, err := o.meta(sig.RunID)
	if err != nil {
		return escalate.Decision{}, err
	}
	o.mu.Lock()
	cancelled := rm.cancelled
	queueClass := rm.queueClass
	o.mu.Unlock()
	if cancelled {
		return escalate.Decision{}, fmt.Errorf("run %s is cancelled", sig.RunID)
	}

	if rerr := o.replay.Append(ctx, sig.RunID, replay.KindFailureSignal, sig); rerr != nil {
		return escalate.Decision{}, rerr
	}

	dec, decErr := o.engine.Decide(ctx, sig)
	if decErr != nil && !faults.IsBudgetExceeded(decErr) {
		return escalate.Decision{}, decErr
	}
	if dec.Replayed {
		return dec, nil
	}

	if rerr := o.replay.Append(ctx, sig.RunID, replay.KindDecision, dec); rerr != nil {
		return escalate.Decision{}, rerr
	}

	o.mu.Lock()
	switch dec.Action {
	case escalate.ActionRetry:
		rm.retries++
	case escalate.ActionReplan:
		rm.replans++
	case escalate.ActionRollback:
		rm.rollbacks++
	}
	o.mu.Unlock()

	o.publish(ctx, RunEvent{
		Type:   EventRepairAction,
		RunID:  sig.RunID,
		Tenant: rm.tenant,
		StepID: sig.StepID,
		Action: string(dec.Action),
		Detail: dec.Detail,
		At:     o.clock.Now(),
	})

	switch dec.Action {
	case escalate.ActionRetry:
		err = o.enqueueStep(sig.RunID, sig.StepID, queueClass, sig.Attempt+1, dec.Backoff)
	case escalate.ActionPatch:
		// A patch re-executes the same step immediately with a targeted fix.
		err = o.enqueueStep(sig.RunID, sig.StepID, queueClass, sig.Attempt+1, 0)
	case escalate.ActionReplan:
		if dec.NewPlan != nil {
			if rerr := o.replay.Append(ctx, sig.RunID, replay.KindPlanVersion, dec.NewPlan); rerr != nil {
				return escalate.Decision{}, rerr
			}
			if next, ok := o.nextPendingStep(sig.RunID); ok {
				err = o.enqueueStep(sig.RunID, next, queueClass, 1, 0)
			}
		}
	case escalate.ActionRollback:
		if rerr := o.replay.Append(ctx, sig.RunID, replay.KindCheckpoint, map[string]string{
			"commit": dec.Checkpoint, "step_id": sig.StepID,
		}); rerr != nil {
			return escalate.Decision{}, rerr
		}
		err = o.enqueueStep(sig.RunID, sig.StepID, queueClass, 1, 0)
	case escalate.ActionAbort:
		detail := dec.Detail
		ferr := o.finalize(ctx, sig.RunID, StatusFailed, detail, decErr)
		if ferr != nil {
			return dec, ferr
		}
	}
	if err != nil {
		return escalate.Decision{}, err
	}
	return dec, decErr
}

// ReportSuccess records a step completion, checkpoints the workspace, and
// finishes the run when the plan is exhausted.
func (o *Orchestrator) ReportSuccess(ctx context.Context, runID, stepID string) error {
	rm, err := o.meta(runID)
	if err != nil {
		return err
	}

	if err := o.engine.RecordSuccess(ctx, runID, stepID); err != nil {
		return err
	}
	if o.checkpoints != nil {
		if _, err := o.checkpoints.Save(runID, fmt.Sprintf("step %s complete", stepID)); err != nil {
			slog.Error("Checkpoint save failed",
				logfields.RunID(runID),
				logfields.StepID(stepID),
				logfields.Error(err))
		}
	}
	if err := o.replay.Append(ctx, runID, replay.KindOutcome, map[string]string{
		"step_id": stepID, "result": "success",
	}); err != nil {
		return err
	}
	o.resolveChaos(ctx, rm, stepID, true)

	o.mu.Lock()
	rm.completed[stepID] = true
	queueClass := rm.queueClass
	o.mu.Unlock()

	o.publish(ctx, RunEvent{
		Type: EventStepSuccess, RunID: runID, Tenant: rm.tenant,
		StepID: stepID, At: o.clock.Now(),
	})

	if next, ok := o.nextPendingStep(runID); ok {
		return o.enqueueStep(runID, next, queueClass, 1, 0)
	}
	return o.finalize(ctx, runID, StatusSucceeded, "", nil)
}

// CancelRun terminates a run externally. Leases are released immediately
// rather than waiting for expiry.
func (o *Orchestrator) CancelRun(ctx context.Context, runID string) error {
	rm, err := o.meta(runID)
	if err != nil {
		return err
	}
	o.mu.Lock()
	rm.cancelled = true
	o.mu.Unlock()

	if o.leases != nil {
		released := o.leases.ReleaseRun(ctx, runID)
		slog.Info("Run cancelled, leases released",
			logfields.RunID(runID),
			slog.Int("released", released))
	}
	return o.finalize(ctx, runID, StatusCancelled, "cancelled by operator", nil)
}

// nextPendingStep finds the first plan step that has not completed.
func (o *Orchestrator) nextPendingStep(runID string) (string, bool) {
	plan, ok := o.engine.Plan(runID)
	if !ok {
		return "", false
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	rm, ok := o.runs[runID]
	if !ok {
		return "", false
	}
	for _, s := range plan.Steps {
		if !rm.completed[s.ID] {
			return s.ID, true
		}
	}
	return "", false
}

func (o *Orchestrator) enqueueStep(runID, stepID, queueClass string, attempt int, backoff time.Duration) error {
	if o.leases == nil {
		return nil
	}
	task := lease.Task{
		RunID:      runID,
		StepID:     stepID,
		QueueClass: queueClass,
		Attempt:    attempt,
	}
	if backoff > 0 {
		task.NotBefore = o.clock.Now().Add(backoff)
	}
	return o.leases.Enqueue(task)
}

// finalize moves a run to a terminal state exactly once.
func (o *Orchestrator) finalize(ctx context.Context, runID, status, detail string, cause error) error {
	o.mu.Lock()
	rm, ok := o.runs[runID]
	if !ok {
		o.mu.Unlock()
		return nil // already finalized
	}
	delete(o.runs, runID)
	meta := *rm
	o.mu.Unlock()

	now := o.clock.Now()
	row := store.RunRow{
		ID:          runID,
		Tenant:      meta.tenant,
		Status:      status,
		CanaryGroup: meta.group,
		LastDetail:  detail,
		CreatedAt:   meta.startedAt,
		CompletedAt: &now,
	}
	var budErr *faults.BudgetExceededError
	if cause != nil && errors.As(cause, &budErr) {
		row.BudgetExceeded = true
		row.BudgetDimension = string(budErr.Dimension)
	} else if dim, exhausted := o.budgets.Exhausted(runID); exhausted {
		row.BudgetExceeded = true
		row.BudgetDimension = string(dim)
	}
	if err := o.store.SaveRun(ctx, row); err != nil {
		return err
	}

	var cost float64
	if snap, ok := o.budgets.Snapshot(runID); ok {
		cost = snap.CurrentCost
	}
	outcome := canary.Outcome{
		Success:   status == StatusSucceeded,
		Cost:      cost,
		Duration:  now.Sub(meta.startedAt),
		Retries:   meta.retries,
		Replans:   meta.replans,
		Rollbacks: meta.rollbacks,
	}
	if err := o.samples.RecordOutcome(ctx, runID, outcome); err != nil {
		slog.Error("Canary outcome persistence failed",
			logfields.RunID(runID),
			logfields.Error(err))
	}

	if err := o.replay.Append(ctx, runID, replay.KindOutcome, map[string]any{
		"run_id": runID, "status": status, "detail": detail,
	}); err != nil {
		slog.Error("Replay outcome append failed",
			logfields.RunID(runID),
			logfields.Error(err))
	}
	if _, err := o.replay.Finalize(ctx, runID); err != nil {
		slog.Error("Replay bundle finalize failed",
			logfields.RunID(runID),
			logfields.Error(err))
	}

	for _, eventID := range meta.chaosOpen {
		if err := o.chaosResolve(ctx, eventID, status == StatusSucceeded); err != nil {
			slog.Error("Chaos event resolution failed",
				logfields.RunID(runID),
				logfields.Error(err))
		}
	}

	if err := o.budgets.Close(ctx, runID); err != nil {
		return err
	}
	if err := o.retries.Close(ctx, runID); err != nil {
		return err
	}
	o.engine.CloseRun(runID)
	if o.checkpoints != nil {
		o.checkpoints.Forget(runID)
	}

	o.publish(ctx, RunEvent{
		Type: EventRunFinished, RunID: runID, Tenant: meta.tenant,
		Detail: status, At: now,
	})
	slog.Info("Run finished",
		logfields.RunID(runID),
		logfields.Tenant(meta.tenant),
		slog.String("status", status),
		logfields.DurationMS(float64(now.Sub(meta.startedAt).Milliseconds())))
	return nil
}

func (o *Orchestrator) chaosResolve(ctx context.Context, eventID string, recovered bool) error {
	if o.chaos == nil {
		return nil
	}
	return o.chaos.Resolve(ctx, eventID, recovered)
}

func (o *Orchestrator) resolveChaos(ctx context.Context, rm *runMeta, stepID string, recovered bool) {
	o.mu.Lock()
	eventID, ok := rm.chaosOpen[stepID]
	if ok {
		delete(rm.chaosOpen, stepID)
	}
	o.mu.Unlock()
	if !ok {
		return
	}
	if err := o.chaosResolve(ctx, eventID, recovered); err != nil {
		slog.Error("Chaos event resolution failed", logfields.Error(err))
	}
}

func (o *Orchestrator) meta(runID string) (*runMeta, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	rm, ok := o.runs[runID]
	if !ok {
		return nil, fmt.Errorf("run %s is not active", runID)
	}
	return rm, nil
}

func (o *Orchestrator) publish(ctx context.Context, ev RunEvent) {
	if o.events == nil {
		return
	}
	if err := o.events.PublishRunEvent(ctx, ev); err != nil {
		slog.Error("Event publish failed",
			logfields.RunID(ev.RunID),
			slog.String("event", ev.Type),
			logfields.Error(err))
	}
}
