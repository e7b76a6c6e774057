// Package chaos injects controlled faults into running steps to exercise
// the repair ladder. Injected failures travel the exact same path as real
// ones; nothing downstream knows a failure was synthetic except the
// chaos_event record correlating it.
package chaos

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"git.home.luguber.info/inful/metabuilder/internal/logfields"
	"git.home.luguber.info/inful/metabuilder/internal/store"
)

// Chaos types the injector can manufacture.
const (
	TypeTimeout        = "timeout"
	TypeTransientError = "transient_error"
	TypePartialWrite   = "partial_write"
)

// failureClassFor maps a chaos type to the failure class the repair engine
// will see.
var failureClassFor = map[string]string{
	TypeTimeout:        "timeout",
	TypeTransientError: "transient",
	TypePartialWrite:   "partial_write",
}

// Injection describes one manufactured fault. The orchestrator feeds its
// failure class into the normal failure-report path.
type Injection struct {
	EventID      string
	ChaosType    string
	FailureClass string
	Detail       string
}

// Injector decides per step whether to manufacture a fault. Disabled by
// default; production configs must opt in explicitly.
type Injector struct {
	mu      sync.Mutex
	enabled bool
	rate    float64
	rng     *rand.Rand
	persist Persister
	clock   clockwork.Clock
}

// Persister is the store slice the injector writes through to.
type Persister interface {
	SaveChaosEvent(ctx context.Context, row store.ChaosEventRow) error
	ResolveChaosEvent(ctx context.Context, eventID string, resolvedAt time.Time, recovered bool) error
}

// NewInjector creates an injector firing on roughly rate of eligible steps
// when enabled. seed fixes the decision sequence for tests; pass 0 for a
// time-based seed.
func NewInjector(enabled bool, rate float64, seed int64, persist Persister, clock clockwork.Clock) *Injector {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if seed == 0 {
		seed = clock.Now().UnixNano()
	}
	if rate < 0 {
		rate = 0
	}
	if rate > 1 {
		rate = 1
	}
	return &Injector{
		enabled: enabled,
		rate:    rate,
		rng:     rand.New(rand.NewSource(seed)),
		persist: persist,
		clock:   clock,
	}
}

// SetEnabled flips the injector at runtime (config hot reload).
func (i *Injector) SetEnabled(enabled bool) {
	i.mu.Lock()
	i.enabled = enabled
	i.mu.Unlock()
}

// Enabled reports the current gate.
func (i *Injector) Enabled() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.enabled
}

// MaybeInject rolls the dice for one step execution. Returns nil when no
// fault is injected.
func (i *Injector) MaybeInject(ctx context.Context, runID, stepID string) (*Injection, error) {
	i.mu.Lock()
	fire := i.enabled && i.rng.Float64() < i.rate
	var chaosType string
	if fire {
		types := []string{TypeTimeout, TypeTransientError, TypePartialWrite}
		chaosType = types[i.rng.Intn(len(types))]
	}
	i.mu.Unlock()

	if !fire {
		return nil, nil
	}
	return i.Inject(ctx, runID, stepID, chaosType)
}

// Inject manufactures a specific fault unconditionally. Used by MaybeInject
// and by the ops endpoint for targeted experiments.
func (i *Injector) Inject(ctx context.Context, runID, stepID, chaosType string) (*Injection, error) {
	class, ok := failureClassFor[chaosType]
	if !ok {
		return nil, fmt.Errorf("unknown chaos type %q", chaosType)
	}

	inj := &Injection{
		EventID:      uuid.NewString(),
		ChaosType:    chaosType,
		FailureClass: class,
		Detail:       fmt.Sprintf("injected %s fault", chaosType),
	}

	if i.persist != nil {
		err := i.persist.SaveChaosEvent(ctx, store.ChaosEventRow{
			ID:         inj.EventID,
			RunID:      runID,
			StepID:     stepID,
			ChaosType:  chaosType,
			InjectedAt: i.clock.Now(),
		})
		if err != nil {
			return nil, fmt.Errorf("record chaos event: %w", err)
		}
	}

	slog.Warn("Chaos fault injected",
		logfields.RunID(runID),
		logfields.StepID(stepID),
		logfields.ChaosType(chaosType))
	return inj, nil
}

// Resolve closes an injected event once the affected step reached a
// terminal state, recording whether the repair ladder recovered it.
func (i *Injector) Resolve(ctx context.Context, eventID string, recovered bool) error {
	if i.persist == nil {
		return nil
	}
	if err := i.persist.ResolveChaosEvent(ctx, eventID, i.clock.Now(), recovered); err != nil {
		return fmt.Errorf("resolve chaos event: %w", err)
	}
	return nil
}
