package escalate

import "fmt"

// Phase is one rung of the repair ladder. The ladder advances one way only;
// termination is structural, not a loop condition.
type Phase string

const (
	PhaseRetry    Phase = "retry"
	PhasePatch    Phase = "patch"
	PhaseReplan   Phase = "replan"
	PhaseRollback Phase = "rollback"
	PhaseAbort    Phase = "abort"
)

// Action is the decision the engine hands back to the caller.
type Action string

const (
	ActionRetry    Action = "retry"
	ActionPatch    Action = "patch"
	ActionReplan   Action = "replan"
	ActionRollback Action = "rollback"
	ActionAbort    Action = "abort"
)

// Strategy names the concrete tactic recorded on a RepairAttempt. The set is
// closed: every strategy is registered by name so the registry stays
// enumerable and each tactic testable in isolation.
type Strategy struct {
	Name  string
	Phase Phase
}

// StrategyRegistry maps each repair phase to its tactic. No reflection, no
// open-ended plugins.
type StrategyRegistry struct {
	byPhase map[Phase]Strategy
}

// DefaultStrategies returns the stock registry.
func DefaultStrategies() *StrategyRegistry {
	r := &StrategyRegistry{byPhase: make(map[Phase]Strategy)}
	for _, s := range []Strategy{
		{Name: "backoff_retry", Phase: PhaseRetry},
		{Name: "step_patch", Phase: PhasePatch},
		{Name: "tail_regenerate", Phase: PhaseReplan},
		{Name: "checkpoint_restore", Phase: PhaseRollback},
		{Name: "terminate_run", Phase: PhaseAbort},
	} {
		r.byPhase[s.Phase] = s
	}
	return r
}

// Register replaces the tactic for a phase. Unknown phases are rejected so
// the set of rungs stays fixed.
func (r *StrategyRegistry) Register(s Strategy) error {
	switch s.Phase {
	case PhaseRetry, PhasePatch, PhaseReplan, PhaseRollback, PhaseAbort:
	default:
		return fmt.Errorf("unknown repair phase %q", s.Phase)
	}
	if s.Name == "" {
		return fmt.Errorf("strategy name is required")
	}
	r.byPhase[s.Phase] = s
	return nil
}

// ForPhase returns the tactic registered for a phase.
func (r *StrategyRegistry) ForPhase(p Phase) Strategy {
	return r.byPhase[p]
}

// All returns every registered strategy, for enumeration in tests and
// diagnostics.
func (r *StrategyRegistry) All() []Strategy {
	out := make([]Strategy, 0, len(r.byPhase))
	for _, p := range []Phase{PhaseRetry, PhasePatch, PhaseReplan, PhaseRollback, PhaseAbort} {
		if s, ok := r.byPhase[p]; ok {
			out = append(out, s)
		}
	}
	return out
}
