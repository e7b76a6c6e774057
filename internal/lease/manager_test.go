package lease

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"git.home.luguber.info/inful/metabuilder/internal/faults"
)

func newTestManager(ttl time.Duration) (*Manager, *clockwork.FakeClock) {
	fc := clockwork.NewFakeClock()
	return NewManager(ttl, nil, fc), fc
}

func enqueue(t *testing.T, m *Manager, id, runID, stepID string) {
	t.Helper()
	if err := m.Enqueue(Task{ID: id, RunID: runID, StepID: stepID, QueueClass: "build", Attempt: 1}); err != nil {
		t.Fatalf("enqueue %s: %v", id, err)
	}
}

func TestClaimIsExclusive(t *testing.T) {
	m, _ := newTestManager(2 * time.Minute)
	ctx := context.Background()
	enqueue(t, m, "t1", "r1", "compile")

	l1, task, err := m.Claim(ctx, "w1", "build")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if task == nil || task.ID != "t1" {
		t.Fatalf("expected task t1 got %+v", task)
	}
	if l1.WorkerID != "w1" {
		t.Fatalf("expected lease for w1 got %s", l1.WorkerID)
	}

	// A second claim finds nothing while the lease is live.
	l2, task2, err := m.Claim(ctx, "w2", "build")
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if l2 != nil || task2 != nil {
		t.Fatalf("expected empty claim got lease=%+v task=%+v", l2, task2)
	}
}

// A crashed worker's task becomes claimable as soon as the lease expires,
// before any sweep rewrites the record.
func TestExpiredLeaseIsClaimableLazily(t *testing.T) {
	m, fc := newTestManager(2 * time.Minute)
	ctx := context.Background()
	enqueue(t, m, "t1", "r1", "compile")

	l1, _, err := m.Claim(ctx, "w1", "build")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}

	fc.Advance(3 * time.Minute)

	l2, task, err := m.Claim(ctx, "w2", "build")
	if err != nil {
		t.Fatalf("reclaim-by-claim: %v", err)
	}
	if task == nil || task.ID != "t1" {
		t.Fatalf("expected t1 reassigned got %+v", task)
	}
	if task.Attempt != 2 {
		t.Fatalf("expected attempt bumped on requeue got %d", task.Attempt)
	}
	if l2.ID == l1.ID {
		t.Fatalf("expected a fresh lease id")
	}

	// The original worker resurfacing gets a conflict, not silent success.
	if _, err := m.Renew(ctx, l1.ID); !faults.IsLeaseConflict(err) {
		t.Fatalf("expected lease conflict for superseded lease got %v", err)
	}
}

func TestRenewExtendsUntilExpiry(t *testing.T) {
	m, fc := newTestManager(time.Minute)
	ctx := context.Background()
	enqueue(t, m, "t1", "r1", "compile")

	l, _, err := m.Claim(ctx, "w1", "build")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}

	fc.Advance(40 * time.Second)
	renewed, err := m.Renew(ctx, l.ID)
	if err != nil {
		t.Fatalf("renew: %v", err)
	}
	if !renewed.ExpiresAt.After(l.ExpiresAt) {
		t.Fatalf("renew must extend expiry")
	}

	fc.Advance(2 * time.Minute)
	if _, err := m.Renew(ctx, l.ID); !faults.IsLeaseExpired(err) {
		t.Fatalf("expected lease expired got %v", err)
	}
	// The task went back to its queue.
	if depth := m.QueueDepth("build"); depth != 1 {
		t.Fatalf("expected task requeued got depth %d", depth)
	}
}

func TestReleaseCompletesTask(t *testing.T) {
	m, _ := newTestManager(time.Minute)
	ctx := context.Background()
	enqueue(t, m, "t1", "r1", "compile")

	l, _, err := m.Claim(ctx, "w1", "build")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := m.Release(ctx, l.ID); err != nil {
		t.Fatalf("release: %v", err)
	}

	// Released work never comes back.
	if _, task, _ := m.Claim(ctx, "w2", "build"); task != nil {
		t.Fatalf("completed task must not be reclaimed, got %+v", task)
	}
	if err := m.Release(ctx, l.ID); !faults.IsLeaseConflict(err) {
		t.Fatalf("double release should conflict, got %v", err)
	}
}

func TestReleaseAfterExpiryFails(t *testing.T) {
	m, fc := newTestManager(time.Minute)
	ctx := context.Background()
	enqueue(t, m, "t1", "r1", "compile")

	l, _, err := m.Claim(ctx, "w1", "build")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	fc.Advance(2 * time.Minute)
	if err := m.Release(ctx, l.ID); !faults.IsLeaseExpired(err) {
		t.Fatalf("expected lease expired got %v", err)
	}
}

func TestReclaimExpiredSweep(t *testing.T) {
	m, fc := newTestManager(time.Minute)
	ctx := context.Background()
	enqueue(t, m, "t1", "r1", "compile")
	enqueue(t, m, "t2", "r1", "test")

	if _, _, err := m.Claim(ctx, "w1", "build"); err != nil {
		t.Fatalf("claim 1: %v", err)
	}
	if _, _, err := m.Claim(ctx, "w2", "build"); err != nil {
		t.Fatalf("claim 2: %v", err)
	}
	if n := m.ReclaimExpired(ctx); n != 0 {
		t.Fatalf("nothing should be expired yet, reclaimed %d", n)
	}

	fc.Advance(2 * time.Minute)
	if n := m.ReclaimExpired(ctx); n != 2 {
		t.Fatalf("expected 2 reclaimed got %d", n)
	}
	if depth := m.QueueDepth("build"); depth != 2 {
		t.Fatalf("expected both tasks requeued got %d", depth)
	}
	if m.ActiveLeases() != 0 {
		t.Fatalf("expected no active leases")
	}
}

func TestNotBeforeDelaysClaim(t *testing.T) {
	m, fc := newTestManager(time.Minute)
	ctx := context.Background()

	err := m.Enqueue(Task{
		ID: "t1", RunID: "r1", StepID: "compile", QueueClass: "build",
		NotBefore: fc.Now().Add(30 * time.Second), Attempt: 2,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if _, task, _ := m.Claim(ctx, "w1", "build"); task != nil {
		t.Fatalf("task must not be claimable before its backoff elapses")
	}
	fc.Advance(30 * time.Second)
	if _, task, _ := m.Claim(ctx, "w1", "build"); task == nil {
		t.Fatalf("task should be claimable after backoff")
	}
}

func TestReleaseRunCancelsEverything(t *testing.T) {
	m, _ := newTestManager(time.Minute)
	ctx := context.Background()
	enqueue(t, m, "t1", "r1", "compile")
	enqueue(t, m, "t2", "r1", "test")
	enqueue(t, m, "t3", "r2", "compile")

	if _, _, err := m.Claim(ctx, "w1", "build"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	released := m.ReleaseRun(ctx, "r1")
	if released != 1 {
		t.Fatalf("expected 1 active lease released got %d", released)
	}
	// Only the other run's task remains claimable.
	_, task, err := m.Claim(ctx, "w2", "build")
	if err != nil {
		t.Fatalf("claim after cancel: %v", err)
	}
	if task == nil || task.RunID != "r2" {
		t.Fatalf("expected r2 task got %+v", task)
	}
}
