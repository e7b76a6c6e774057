package breaker

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func newTestRegistry(threshold int, cooldown time.Duration) (*Registry, *clockwork.FakeClock) {
	fc := clockwork.NewFakeClock()
	return NewRegistry(Defaults{Threshold: threshold, Cooldown: cooldown}, nil, fc), fc
}

func TestTripsAtThreshold(t *testing.T) {
	r, _ := newTestRegistry(3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if st := r.RecordOutcome(ctx, "acme", "timeout", false); st != StateClosed {
			t.Fatalf("failure %d: expected closed got %s", i+1, st)
		}
	}
	if st := r.RecordOutcome(ctx, "acme", "timeout", false); st != StateOpen {
		t.Fatalf("expected open at threshold got %s", st)
	}
	if r.AllowAttempt(ctx, "acme", "timeout") {
		t.Fatalf("open breaker must deny attempts")
	}
}

func TestBreakersAreIsolatedByTenantAndClass(t *testing.T) {
	r, _ := newTestRegistry(1, time.Minute)
	ctx := context.Background()

	r.RecordOutcome(ctx, "acme", "timeout", false)
	if r.AllowAttempt(ctx, "acme", "timeout") {
		t.Fatalf("tripped breaker must deny")
	}
	if !r.AllowAttempt(ctx, "acme", "oom") {
		t.Fatalf("other class must stay closed")
	}
	if !r.AllowAttempt(ctx, "globex", "timeout") {
		t.Fatalf("other tenant must stay closed")
	}
}

func TestHalfOpenAdmitsSingleProbe(t *testing.T) {
	r, fc := newTestRegistry(1, time.Minute)
	ctx := context.Background()

	r.RecordOutcome(ctx, "acme", "timeout", false)
	fc.Advance(time.Minute)

	if !r.AllowAttempt(ctx, "acme", "timeout") {
		t.Fatalf("half-open must admit the first probe")
	}
	if r.AllowAttempt(ctx, "acme", "timeout") {
		t.Fatalf("half-open must deny a second concurrent probe")
	}
}

func TestProbeSuccessCloses(t *testing.T) {
	r, fc := newTestRegistry(2, time.Minute)
	ctx := context.Background()

	r.RecordOutcome(ctx, "acme", "timeout", false)
	r.RecordOutcome(ctx, "acme", "timeout", false)
	fc.Advance(time.Minute)

	if !r.AllowAttempt(ctx, "acme", "timeout") {
		t.Fatalf("probe should be admitted")
	}
	if st := r.RecordOutcome(ctx, "acme", "timeout", true); st != StateClosed {
		t.Fatalf("expected closed after probe success got %s", st)
	}

	// Failure count reset on close: one new failure must not re-trip.
	if st := r.RecordOutcome(ctx, "acme", "timeout", false); st != StateClosed {
		t.Fatalf("expected closed after single post-reset failure got %s", st)
	}
}

func TestProbeFailureReopens(t *testing.T) {
	r, fc := newTestRegistry(1, time.Minute)
	ctx := context.Background()

	r.RecordOutcome(ctx, "acme", "timeout", false)
	fc.Advance(time.Minute)
	if !r.AllowAttempt(ctx, "acme", "timeout") {
		t.Fatalf("probe should be admitted")
	}
	if st := r.RecordOutcome(ctx, "acme", "timeout", false); st != StateOpen {
		t.Fatalf("expected reopen after probe failure got %s", st)
	}

	// Cooldown restarts: still open before a full fresh cooldown elapses.
	fc.Advance(30 * time.Second)
	if r.AllowAttempt(ctx, "acme", "timeout") {
		t.Fatalf("expected denial before restarted cooldown elapses")
	}
	fc.Advance(30 * time.Second)
	if !r.AllowAttempt(ctx, "acme", "timeout") {
		t.Fatalf("expected probe admission after restarted cooldown")
	}
}

func TestCurrentReportsCooldownRemaining(t *testing.T) {
	r, fc := newTestRegistry(1, time.Minute)
	ctx := context.Background()

	r.RecordOutcome(ctx, "acme", "timeout", false)
	fc.Advance(15 * time.Second)

	st := r.Current("acme", "timeout")
	if st.State != StateOpen {
		t.Fatalf("expected open got %s", st.State)
	}
	if st.CooldownRemaining != 45*time.Second {
		t.Fatalf("expected 45s remaining got %s", st.CooldownRemaining)
	}
}
