package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"git.home.luguber.info/inful/metabuilder/internal/breaker"
	"git.home.luguber.info/inful/metabuilder/internal/budget"
	"git.home.luguber.info/inful/metabuilder/internal/canary"
	"git.home.luguber.info/inful/metabuilder/internal/config"
	"git.home.luguber.info/inful/metabuilder/internal/escalate"
	"git.home.luguber.info/inful/metabuilder/internal/faults"
	"git.home.luguber.info/inful/metabuilder/internal/lease"
	"git.home.luguber.info/inful/metabuilder/internal/replay"
	"git.home.luguber.info/inful/metabuilder/internal/retrystate"
	"git.home.luguber.info/inful/metabuilder/internal/store"
)

// memEvents collects published events for assertions.
type memEvents struct {
	mu     sync.Mutex
	events []RunEvent
}

func (m *memEvents) PublishRunEvent(_ context.Context, ev RunEvent) error {
	m.mu.Lock()
	m.events = append(m.events, ev)
	m.mu.Unlock()
	return nil
}

func (m *memEvents) types() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.events))
	for i, ev := range m.events {
		out[i] = ev.Type
	}
	return out
}

type harness struct {
	o      *Orchestrator
	st     *store.Store
	leases *lease.Manager
	clock  *clockwork.FakeClock
	events *memEvents
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	fc := clockwork.NewFakeClock()
	cfg := &config.Config{}
	cfg.Budget.Cost = 100
	cfg.Budget.Time = config.Duration(30 * time.Minute)
	cfg.Budget.Attempts = 20
	cfg.Retry.MaxPerStepAttempts = 3
	cfg.Retry.MaxTotalAttempts = 10
	if mutate != nil {
		mutate(cfg)
	}

	budgets := budget.NewTracker(st)
	policy := retrystate.BackoffPolicy{Mode: config.BackoffFixed, Initial: time.Second, Max: time.Second}
	retries := retrystate.NewStateStore(policy, st)
	breakers := breaker.NewRegistry(breaker.Defaults{Threshold: 100, Cooldown: time.Minute}, st, fc)
	engine := escalate.NewEngine(budgets, breakers, retries, st, nil, nil,
		escalate.Limits{MaxPatchAttempts: 1, MaxReplanAttempts: 1},
		escalate.DecisionCost{Cost: 1, Time: time.Second})
	leases := lease.NewManager(2*time.Minute, st, fc)
	events := &memEvents{}

	o := New(cfg, Deps{
		Store:     st,
		Budgets:   budgets,
		Retries:   retries,
		Engine:    engine,
		Leases:    leases,
		Allocator: canary.NewAllocator(0),
		Samples:   canary.NewRecorder(st, fc),
		Replay:    replay.NewRecorder(st, fc),
		Events:    events,
		Clock:     fc,
	})
	return &harness{o: o, st: st, leases: leases, clock: fc, events: events}
}

func startRun(t *testing.T, h *harness, runID string, steps ...string) *RunInfo {
	t.Helper()
	req := StartRunRequest{RunID: runID, Tenant: "acme"}
	for _, s := range steps {
		req.Steps = append(req.Steps, escalate.Step{ID: s, Name: s})
	}
	info, err := h.o.StartRun(context.Background(), req)
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	return info
}

func claim(t *testing.T, h *harness, workerID string) *WorkAssignment {
	t.Helper()
	wa, err := h.o.ClaimWork(context.Background(), workerID, DefaultQueueClass)
	if err != nil {
		t.Fatalf("claim work: %v", err)
	}
	return wa
}

func TestRunHappyPath(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	startRun(t, h, "r1", "compile", "test")

	wa := claim(t, h, "w1")
	if wa == nil || wa.Task.StepID != "compile" {
		t.Fatalf("expected compile task got %+v", wa)
	}
	if err := h.o.ReleaseLease(ctx, wa.Lease.ID); err != nil {
		t.Fatalf("release lease: %v", err)
	}
	if err := h.o.ReportSuccess(ctx, "r1", "compile"); err != nil {
		t.Fatalf("report success compile: %v", err)
	}

	wa = claim(t, h, "w1")
	if wa == nil || wa.Task.StepID != "test" {
		t.Fatalf("expected test task got %+v", wa)
	}
	if err := h.o.ReleaseLease(ctx, wa.Lease.ID); err != nil {
		t.Fatalf("release lease: %v", err)
	}
	if err := h.o.ReportSuccess(ctx, "r1", "test"); err != nil {
		t.Fatalf("report success test: %v", err)
	}

	run, err := h.st.GetRun(ctx, "r1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != StatusSucceeded {
		t.Fatalf("expected succeeded got %s", run.Status)
	}
	if run.CompletedAt == nil {
		t.Fatalf("completed_at not set")
	}

	bundle, err := h.st.GetReplayBundle(ctx, "r1")
	if err != nil {
		t.Fatalf("get bundle: %v", err)
	}
	if bundle == nil {
		t.Fatalf("replay bundle must exist after finalization")
	}

	samples, err := h.st.ListCompletedSamples(ctx, h.clock.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("list samples: %v", err)
	}
	if len(samples) != 1 || samples[0].Success == nil || !*samples[0].Success {
		t.Fatalf("expected one successful canary sample got %+v", samples)
	}

	types := h.events.types()
	want := []string{EventRunStarted, EventStepSuccess, EventStepSuccess, EventRunFinished}
	if len(types) != len(want) {
		t.Fatalf("expected events %v got %v", want, types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("event %d: expected %s got %s", i, want[i], types[i])
		}
	}

	status, err := h.o.GetRunStatus(ctx, "r1")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if status.Status != StatusSucceeded || status.Budget == nil {
		t.Fatalf("status must fall back to persisted records: %+v", status)
	}
}

func TestRetrySchedulesBackoff(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	startRun(t, h, "r1", "compile")

	wa := claim(t, h, "w1")
	if wa == nil {
		t.Fatalf("expected work")
	}

	dec, err := h.o.ReportFailure(ctx, escalate.FailureSignal{
		RunID: "r1", StepID: "compile", FailureClass: "timeout", Attempt: 1,
	})
	if err != nil {
		t.Fatalf("report failure: %v", err)
	}
	if dec.Action != escalate.ActionRetry {
		t.Fatalf("expected retry got %s", dec.Action)
	}
	if dec.Backoff != time.Second {
		t.Fatalf("expected 1s backoff got %v", dec.Backoff)
	}

	// The retry task is gated by its backoff.
	if wa := claim(t, h, "w2"); wa != nil {
		t.Fatalf("retry must not be claimable before backoff, got %+v", wa)
	}
	h.clock.Advance(time.Second)
	wa = claim(t, h, "w2")
	if wa == nil || wa.Task.StepID != "compile" {
		t.Fatalf("expected compile retry got %+v", wa)
	}
	if wa.Task.Attempt != 2 {
		t.Fatalf("expected attempt 2 got %d", wa.Task.Attempt)
	}
}

func TestRedeliveredFailureIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	startRun(t, h, "r1", "compile")
	claim(t, h, "w1")

	sig := escalate.FailureSignal{RunID: "r1", StepID: "compile", FailureClass: "oom", Attempt: 1}
	first, err := h.o.ReportFailure(ctx, sig)
	if err != nil {
		t.Fatalf("first report: %v", err)
	}
	if first.Replayed {
		t.Fatalf("first decision must not be a replay")
	}
	if depth := h.leases.QueueDepth(DefaultQueueClass); depth != 1 {
		t.Fatalf("expected one retry task queued got %d", depth)
	}

	second, err := h.o.ReportFailure(ctx, sig)
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if !second.Replayed {
		t.Fatalf("redelivered signal must return the recorded decision")
	}
	if second.AttemptID != first.AttemptID {
		t.Fatalf("attempt id changed on redelivery: %s vs %s", first.AttemptID, second.AttemptID)
	}
	// No second task was enqueued.
	if depth := h.leases.QueueDepth(DefaultQueueClass); depth != 1 {
		t.Fatalf("redelivery must not enqueue, depth %d", depth)
	}
}

// With per-step ceiling 3, one patch and one replan and no checkpoints, the
// fifth failure of the same step exhausts the ladder and fails the run.
func TestLadderExhaustionFailsRun(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	startRun(t, h, "r1", "compile")

	wantActions := []escalate.Action{
		escalate.ActionRetry, escalate.ActionRetry,
		escalate.ActionPatch, escalate.ActionReplan, escalate.ActionAbort,
	}
	for i, want := range wantActions {
		dec, err := h.o.ReportFailure(ctx, escalate.FailureSignal{
			RunID: "r1", StepID: "compile", FailureClass: "timeout", Attempt: i + 1,
		})
		if err != nil {
			t.Fatalf("signal %d: %v", i+1, err)
		}
		if dec.Action != want {
			t.Fatalf("signal %d: expected %s got %s", i+1, want, dec.Action)
		}
	}

	run, err := h.st.GetRun(ctx, "r1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != StatusFailed {
		t.Fatalf("expected failed got %s", run.Status)
	}
	// The run is torn down; further signals are rejected.
	if _, err := h.o.ReportFailure(ctx, escalate.FailureSignal{
		RunID: "r1", StepID: "compile", FailureClass: "timeout", Attempt: 6,
	}); err == nil {
		t.Fatalf("expected error for finalized run")
	}

	deltas, err := h.st.ListPlanDeltas(ctx, "r1")
	if err != nil {
		t.Fatalf("list deltas: %v", err)
	}
	if len(deltas) != 1 {
		t.Fatalf("expected one recorded replan got %d", len(deltas))
	}
}

func TestBudgetExhaustionMarksRun(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Budget.Attempts = 2
	})
	ctx := context.Background()
	startRun(t, h, "r1", "compile")

	for i := 1; i <= 2; i++ {
		if _, err := h.o.ReportFailure(ctx, escalate.FailureSignal{
			RunID: "r1", StepID: "compile", FailureClass: "timeout", Attempt: i,
		}); err != nil {
			t.Fatalf("signal %d: %v", i, err)
		}
	}

	dec, err := h.o.ReportFailure(ctx, escalate.FailureSignal{
		RunID: "r1", StepID: "compile", FailureClass: "timeout", Attempt: 3,
	})
	if !faults.IsBudgetExceeded(err) {
		t.Fatalf("expected budget exceeded got %v", err)
	}
	if dec.Action != escalate.ActionAbort {
		t.Fatalf("expected abort got %s", dec.Action)
	}

	run, err := h.st.GetRun(ctx, "r1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != StatusFailed || !run.BudgetExceeded || run.BudgetDimension != "attempts" {
		t.Fatalf("unexpected run row: %+v", run)
	}
}

func TestCancelRunReleasesLeases(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	startRun(t, h, "r1", "compile", "test")

	if wa := claim(t, h, "w1"); wa == nil {
		t.Fatalf("expected work")
	}
	if err := h.o.CancelRun(ctx, "r1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	if h.leases.ActiveLeases() != 0 {
		t.Fatalf("cancel must release active leases")
	}
	run, err := h.st.GetRun(ctx, "r1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != StatusCancelled {
		t.Fatalf("expected cancelled got %s", run.Status)
	}
	if _, err := h.o.ReportFailure(ctx, escalate.FailureSignal{
		RunID: "r1", StepID: "compile", FailureClass: "timeout", Attempt: 1,
	}); err == nil {
		t.Fatalf("cancelled run must reject failure signals")
	}
}

func TestStartRunRejectsDuplicates(t *testing.T) {
	h := newHarness(t, nil)
	startRun(t, h, "r1", "compile")
	if _, err := h.o.StartRun(context.Background(), StartRunRequest{
		RunID: "r1", Tenant: "acme", Steps: []escalate.Step{{ID: "compile"}},
	}); err == nil {
		t.Fatalf("expected duplicate run error")
	}
}

func TestStartRunRequiresSteps(t *testing.T) {
	h := newHarness(t, nil)
	if _, err := h.o.StartRun(context.Background(), StartRunRequest{Tenant: "acme"}); err == nil {
		t.Fatalf("expected error for empty plan")
	}
}
