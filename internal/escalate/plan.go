package escalate

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Step is one unit of work in a build plan.
type Step struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Plan is the ordered step list the orchestrator drives for a run.
type Plan struct {
	ID    string `json:"id"`
	RunID string `json:"run_id"`
	Steps []Step `json:"steps"`
}

// StepIDs returns the plan's step ids in order.
func (p Plan) StepIDs() []string {
	ids := make([]string, len(p.Steps))
	for i, s := range p.Steps {
		ids[i] = s.ID
	}
	return ids
}

// Replanner regenerates the remaining plan from the current state. The real
// planner lives with the step executors; it is specified here only at its
// interface boundary.
type Replanner interface {
	Replan(ctx context.Context, current Plan, failingStepID string) (Plan, error)
}

// TailReplanner is the built-in fallback: it keeps completed steps and
// reissues the failing step and everything after it under a fresh plan id.
type TailReplanner struct{}

func (TailReplanner) Replan(_ context.Context, current Plan, failingStepID string) (Plan, error) {
	next := Plan{
		ID:    uuid.NewString(),
		RunID: current.RunID,
	}
	reissue := false
	for _, s := range current.Steps {
		if s.ID == failingStepID {
			reissue = true
		}
		if reissue {
			next.Steps = append(next.Steps, Step{
				ID:   fmt.Sprintf("%s.r%s", s.ID, next.ID[:8]),
				Name: s.Name,
			})
		} else {
			next.Steps = append(next.Steps, s)
		}
	}
	if !reissue {
		return Plan{}, fmt.Errorf("failing step %s not found in plan %s", failingStepID, current.ID)
	}
	return next, nil
}

// planDiff is the structured diff stored in a PlanDelta record.
type planDiff struct {
	Removed []string `json:"removed"`
	Added   []string `json:"added"`
	Kept    []string `json:"kept"`
}

// DiffPlans computes a structured JSON diff between two plans by step id.
func DiffPlans(before, after Plan) (string, error) {
	inBefore := make(map[string]bool, len(before.Steps))
	for _, s := range before.Steps {
		inBefore[s.ID] = true
	}
	inAfter := make(map[string]bool, len(after.Steps))
	for _, s := range after.Steps {
		inAfter[s.ID] = true
	}

	var d planDiff
	for _, s := range before.Steps {
		if inAfter[s.ID] {
			d.Kept = append(d.Kept, s.ID)
		} else {
			d.Removed = append(d.Removed, s.ID)
		}
	}
	for _, s := range after.Steps {
		if !inBefore[s.ID] {
			d.Added = append(d.Added, s.ID)
		}
	}

	out, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("marshal plan diff: %w", err)
	}
	return string(out), nil
}
