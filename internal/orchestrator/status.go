package orchestrator

import (
	"context"
	"fmt"
	"time"

	"git.home.luguber.info/inful/metabuilder/internal/store"
)

// RunStatus is the combined view served by the ops API.
type RunStatus struct {
	RunID       string     `json:"run_id"`
	Tenant      string     `json:"tenant"`
	Status      string     `json:"status"`
	CanaryGroup string     `json:"canary_group"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	LastDetail  string     `json:"last_detail,omitempty"`

	Budget *BudgetStatus `json:"budget,omitempty"`
	Retry  *RetryStatus  `json:"retry,omitempty"`

	Attempts []store.RepairAttemptRow `json:"attempts,omitempty"`
}

// BudgetStatus reports consumption against ceilings.
type BudgetStatus struct {
	CostBudget      float64       `json:"cost_budget"`
	CurrentCost     float64       `json:"current_cost"`
	TimeBudget      time.Duration `json:"time_budget"`
	CurrentTime     time.Duration `json:"current_time"`
	AttemptBudget   int           `json:"attempt_budget"`
	CurrentAttempts int           `json:"current_attempts"`
	Exceeded        bool          `json:"exceeded"`
	Dimension       string        `json:"dimension,omitempty"`
}

// RetryStatus reports attempt counters against ceilings.
type RetryStatus struct {
	TotalAttempts int            `json:"total_attempts"`
	MaxTotal      int            `json:"max_total"`
	PerStep       map[string]int `json:"per_step"`
	MaxPerStep    int            `json:"max_per_step"`
	LastBackoff   time.Duration  `json:"last_backoff"`
}

// GetRunStatus assembles the status view for one run. Live runs read the
// in-memory trackers; terminal runs fall back to the persisted records.
func (o *Orchestrator) GetRunStatus(ctx context.Context, runID string) (*RunStatus, error) {
	row, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, fmt.Errorf("run %s not found", runID)
	}

	st := &RunStatus{
		RunID:       row.ID,
		Tenant:      row.Tenant,
		Status:      row.Status,
		CanaryGroup: row.CanaryGroup,
		CreatedAt:   row.CreatedAt,
		CompletedAt: row.CompletedAt,
		LastDetail:  row.LastDetail,
	}

	if snap, ok := o.budgets.Snapshot(runID); ok {
		st.Budget = budgetStatus(snap, row)
	} else if persisted, err := o.store.GetRunBudget(ctx, runID); err != nil {
		return nil, err
	} else if persisted != nil {
		st.Budget = budgetStatus(*persisted, row)
	}

	if snap, ok := o.retries.Snapshot(runID); ok {
		st.Retry = retryStatus(snap)
	} else if persisted, err := o.store.GetRetryState(ctx, runID); err != nil {
		return nil, err
	} else if persisted != nil {
		st.Retry = retryStatus(*persisted)
	}

	attempts, err := o.store.ListRepairAttempts(ctx, runID)
	if err != nil {
		return nil, err
	}
	st.Attempts = attempts

	return st, nil
}

func budgetStatus(row store.RunBudgetRow, run *store.RunRow) *BudgetStatus {
	return &BudgetStatus{
		CostBudget:      row.CostBudget,
		CurrentCost:     row.CurrentCost,
		TimeBudget:      row.TimeBudget,
		CurrentTime:     row.CurrentTime,
		AttemptBudget:   row.AttemptBudget,
		CurrentAttempts: row.CurrentAttempts,
		Exceeded:        run.BudgetExceeded,
		Dimension:       run.BudgetDimension,
	}
}

func retryStatus(row store.RetryStateRow) *RetryStatus {
	return &RetryStatus{
		TotalAttempts: row.TotalAttempts,
		MaxTotal:      row.MaxTotal,
		PerStep:       row.PerStep,
		MaxPerStep:    row.MaxPerStep,
		LastBackoff:   row.LastBackoff,
	}
}
