package store

import "time"

// Row types mirror the logical records of the orchestrator. Components keep
// their own richer in-memory state and write through to these.

// RunRow is the run lifecycle record.
type RunRow struct {
	ID              string
	Tenant          string
	Status          string
	CanaryGroup     string
	BudgetExceeded  bool
	BudgetDimension string
	LastDetail      string
	CreatedAt       time.Time
	CompletedAt     *time.Time
}

// RunBudgetRow mirrors RunBudget: immutable ceilings plus running totals.
type RunBudgetRow struct {
	RunID           string
	Tenant          string
	CostBudget      float64
	TimeBudget      time.Duration
	AttemptBudget   int
	CurrentCost     float64
	CurrentTime     time.Duration
	CurrentAttempts int
	UpdatedAt       time.Time
}

// RetryStateRow mirrors RetryState. PerStep is serialized as JSON.
type RetryStateRow struct {
	RunID          string
	AttemptCounter int
	TotalAttempts  int
	PerStep        map[string]int
	LastBackoff    time.Duration
	MaxTotal       int
	MaxPerStep     int
	UpdatedAt      time.Time
}

// BreakerRow mirrors CircuitBreakerState, one per (tenant, failure class).
// Version supports compare-and-swap updates.
type BreakerRow struct {
	Tenant            string
	FailureClass      string
	State             string
	FailureCount      int
	Threshold         int
	Cooldown          time.Duration
	LastFailureAt     *time.Time
	LastStateChangeAt time.Time
	Version           int64
}

// RepairAttemptRow is append-only; IdempotencyKey dedupes redelivered signals.
type RepairAttemptRow struct {
	ID             string
	IdempotencyKey string
	RunID          string
	StepID         string
	FailureClass   string
	Phase          string
	Strategy       string
	Action         string
	Backoff        time.Duration
	Result         string
	CreatedAt      time.Time
}

// PlanDeltaRow captures a replan event.
type PlanDeltaRow struct {
	ID             string
	RunID          string
	OriginalPlanID string
	NewPlanID      string
	Diff           string
	TriggeredBy    string
	CreatedAt      time.Time
}

// LeaseRow mirrors QueueLease. Status may lag real expiry; ExpiresAt is the
// source of truth everywhere.
type LeaseRow struct {
	ID         string
	WorkerID   string
	QueueClass string
	TaskID     string
	LeasedAt   time.Time
	ExpiresAt  time.Time
	Status     string
	Version    int64
}

// CanarySampleRow mirrors CanarySample; completed once at run end.
type CanarySampleRow struct {
	RunID       string
	Group       string
	AssignedAt  time.Time
	CompletedAt *time.Time
	Success     *bool
	Cost        float64
	Duration    time.Duration
	Retries     int
	Replans     int
	Rollbacks   int
}

// ChaosEventRow mirrors ChaosEvent.
type ChaosEventRow struct {
	ID                 string
	RunID              string
	StepID             string
	ChaosType          string
	InjectedAt         time.Time
	ResolvedAt         *time.Time
	RecoverySuccessful *bool
}

// ReplayEntryRow is one captured record of a run's replay stream.
type ReplayEntryRow struct {
	ID        int64
	RunID     string
	Kind      string
	Payload   []byte
	CreatedAt time.Time
}
