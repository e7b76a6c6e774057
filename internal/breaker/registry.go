// Package breaker isolates systemically-failing failure classes. One breaker
// exists per (tenant, failure class); it converts N concurrent failures into
// one fast-failing decision instead of letting every run burn its retry
// budget in parallel.
package breaker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"git.home.luguber.info/inful/metabuilder/internal/logfields"
	"git.home.luguber.info/inful/metabuilder/internal/store"
)

// State is the health state of one breaker.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Defaults are the tunables applied to newly created breakers.
type Defaults struct {
	Threshold int
	Cooldown  time.Duration
}

// Status is the externally visible view of one breaker.
type Status struct {
	State             State         `json:"state"`
	FailureCount      int           `json:"failure_count"`
	Threshold         int           `json:"threshold"`
	CooldownRemaining time.Duration `json:"cooldown_remaining"`
}

// Persister is the slice of the store the registry writes through to.
type Persister interface {
	CompareAndSwapBreaker(ctx context.Context, row store.BreakerRow, expectedVersion int64) (bool, error)
}

type key struct {
	tenant string
	class  string
}

// Registry holds all breakers. Safe for concurrent use; each breaker's
// transitions are a single read-modify-write under its own lock, backed by a
// versioned compare-and-swap row in the store.
type Registry struct {
	mu       sync.Mutex
	breakers map[key]*breaker
	defaults Defaults
	persist  Persister
	clock    clockwork.Clock
}

type breaker struct {
	mu            sync.Mutex
	tenant        string
	class         string
	state         State
	failureCount  int
	threshold     int
	cooldown      time.Duration
	lastFailureAt *time.Time
	lastChangeAt  time.Time
	probeInFlight bool // single-admission token for half-open
	version       int64
}

// NewRegistry creates a registry. persist may be nil for ephemeral use.
func NewRegistry(defaults Defaults, persist Persister, clock clockwork.Clock) *Registry {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Registry{
		breakers: make(map[key]*breaker),
		defaults: defaults,
		persist:  persist,
		clock:    clock,
	}
}

// SetDefaults updates tunables; existing breakers pick up the new threshold
// and cooldown on their next transition evaluation.
func (r *Registry) SetDefaults(d Defaults) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaults = d
	for _, b := range r.breakers {
		b.mu.Lock()
		b.threshold = d.Threshold
		b.cooldown = d.Cooldown
		b.mu.Unlock()
	}
}

// AllowAttempt reports whether an attempt against this failure class may
// proceed. Open denies; half-open admits exactly one probe at a time.
func (r *Registry) AllowAttempt(ctx context.Context, tenant, class string) bool {
	b := r.lookup(tenant, class)

	b.mu.Lock()
	b.advanceLocked(r.clock.Now())

	var allowed bool
	switch b.state {
	case StateClosed:
		allowed = true
	case StateHalfOpen:
		if !b.probeInFlight {
			b.probeInFlight = true
			allowed = true
		}
	case StateOpen:
		allowed = false
	}
	b.mu.Unlock()

	if !allowed {
		slog.Debug("Breaker denied attempt",
			logfields.Tenant(tenant),
			logfields.FailureClass(class))
	}
	r.writeThrough(ctx, b)
	return allowed
}

// RecordOutcome feeds an attempt outcome into the breaker and returns the
// resulting state.
func (r *Registry) RecordOutcome(ctx context.Context, tenant, class string, success bool) State {
	b := r.lookup(tenant, class)
	now := r.clock.Now()

	b.mu.Lock()
	b.advanceLocked(now)

	prev := b.state
	if success {
		switch b.state {
		case StateHalfOpen:
			// The probe succeeded: the class is healthy again.
			b.toClosedLocked(now)
		case StateClosed:
			// Successes do not decay the count; it resets only on the
			// transition back to closed.
		}
	} else {
		b.failureCount++
		b.lastFailureAt = &now
		switch b.state {
		case StateClosed:
			if b.failureCount >= b.threshold {
				b.toOpenLocked(now)
			}
		case StateHalfOpen:
			// The probe failed: back to open, cooldown restarts.
			b.toOpenLocked(now)
		}
	}
	state := b.state
	b.mu.Unlock()

	if state != prev {
		slog.Info("Breaker state changed",
			logfields.Tenant(tenant),
			logfields.FailureClass(class),
			slog.String("from", string(prev)),
			slog.String("to", string(state)))
	}
	r.writeThrough(ctx, b)
	return state
}

// Current returns the breaker status for operational tooling.
func (r *Registry) Current(tenant, class string) Status {
	b := r.lookup(tenant, class)

	b.mu.Lock()
	defer b.mu.Unlock()
	now := r.clock.Now()
	b.advanceLocked(now)

	var remaining time.Duration
	if b.state == StateOpen {
		remaining = b.cooldown - now.Sub(b.lastChangeAt)
		if remaining < 0 {
			remaining = 0
		}
	}
	return Status{
		State:             b.state,
		FailureCount:      b.failureCount,
		Threshold:         b.threshold,
		CooldownRemaining: remaining,
	}
}

func (r *Registry) lookup(tenant, class string) *breaker {
	k := key{tenant: tenant, class: class}
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[k]
	if !ok {
		b = &breaker{
			tenant:       tenant,
			class:        class,
			state:        StateClosed,
			threshold:    r.defaults.Threshold,
			cooldown:     r.defaults.Cooldown,
			lastChangeAt: r.clock.Now(),
		}
		r.breakers[k] = b
	}
	return b
}

// advanceLocked applies the time-driven open -> half_open transition.
func (b *breaker) advanceLocked(now time.Time) {
	if b.state == StateOpen && now.Sub(b.lastChangeAt) >= b.cooldown {
		b.state = StateHalfOpen
		b.probeInFlight = false
		b.lastChangeAt = now
	}
}

func (b *breaker) toClosedLocked(now time.Time) {
	b.state = StateClosed
	b.failureCount = 0
	b.probeInFlight = false
	b.lastChangeAt = now
}

func (b *breaker) toOpenLocked(now time.Time) {
	b.state = StateOpen
	b.probeInFlight = false
	b.lastChangeAt = now
}

// writeThrough persists the breaker via compare-and-swap, re-reading on a
// lost race. Persistence failures are logged, not surfaced: the in-memory
// breaker stays authoritative for this process.
func (r *Registry) writeThrough(ctx context.Context, b *breaker) {
	if r.persist == nil {
		return
	}

	b.mu.Lock()
	row := store.BreakerRow{
		Tenant:            b.tenant,
		FailureClass:      b.class,
		State:             string(b.state),
		FailureCount:      b.failureCount,
		Threshold:         b.threshold,
		Cooldown:          b.cooldown,
		LastFailureAt:     b.lastFailureAt,
		LastStateChangeAt: b.lastChangeAt,
	}
	expected := b.version
	b.mu.Unlock()

	for attempt := 0; attempt < 3; attempt++ {
		swapped, err := r.persist.CompareAndSwapBreaker(ctx, row, expected)
		if err != nil {
			slog.Error("Breaker persistence failed",
				logfields.Tenant(b.tenant),
				logfields.FailureClass(b.class),
				logfields.Error(err))
			return
		}
		if swapped {
			b.mu.Lock()
			b.version = expected + 1
			b.mu.Unlock()
			return
		}
		expected++
	}
	slog.Warn("Breaker persistence gave up after version conflicts",
		logfields.Tenant(b.tenant),
		logfields.FailureClass(b.class))
}
