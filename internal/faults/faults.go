package faults

import (
	"errors"
	"fmt"
	"time"
)

// Category represents the broad category of an orchestrator error for
// classification and routing.
type Category string

const (
	CategoryBudget     Category = "budget"
	CategoryBreaker    Category = "breaker"
	CategoryRetry      Category = "retry"
	CategoryLease      Category = "lease"
	CategoryReplay     Category = "replay"
	CategoryStore      Category = "store"
	CategoryConfig     Category = "config"
	CategoryValidation Category = "validation"
	CategoryInternal   Category = "internal"
)

// Severity indicates the impact level of an error.
type Severity string

const (
	SeverityFatal   Severity = "fatal"   // Terminates the run.
	SeverityError   Severity = "error"   // Fails the current operation.
	SeverityWarning Severity = "warning" // Resolved locally, caller continues.
)

// Classified is implemented by all typed orchestrator errors.
type Classified interface {
	error
	Category() Category
	Severity() Severity
}

// BudgetDimension names the ceiling a charge ran into.
type BudgetDimension string

const (
	DimensionCost     BudgetDimension = "cost"
	DimensionTime     BudgetDimension = "time"
	DimensionAttempts BudgetDimension = "attempts"
)

// BudgetExceededError is terminal for the run: a cost, time, or attempt
// ceiling was hit. It is surfaced to the caller and never retried.
type BudgetExceededError struct {
	RunID     string
	Dimension BudgetDimension
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("budget exceeded for run %s: %s ceiling reached", e.RunID, e.Dimension)
}
func (e *BudgetExceededError) Category() Category { return CategoryBudget }
func (e *BudgetExceededError) Severity() Severity { return SeverityFatal }

// CircuitOpenError means the failure class is systemically unhealthy for the
// tenant. It causes escalation past retry; it is not a hard failure.
type CircuitOpenError struct {
	Tenant            string
	FailureClass      string
	CooldownRemaining time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for tenant %s class %s (cooldown %s remaining)",
		e.Tenant, e.FailureClass, e.CooldownRemaining.Round(time.Millisecond))
}
func (e *CircuitOpenError) Category() Category { return CategoryBreaker }
func (e *CircuitOpenError) Severity() Severity { return SeverityWarning }

// RetryCeilingError is step-local: a per-step or total retry ceiling was
// reached. It triggers phase escalation, not a run failure.
type RetryCeilingError struct {
	RunID  string
	StepID string
	Scope  string // "per_step" or "total"
}

func (e *RetryCeilingError) Error() string {
	return fmt.Sprintf("retry ceiling (%s) reached for run %s step %s", e.Scope, e.RunID, e.StepID)
}
func (e *RetryCeilingError) Category() Category { return CategoryRetry }
func (e *RetryCeilingError) Severity() Severity { return SeverityWarning }

// LeaseConflictError means two claims raced; the loser retries its claim.
type LeaseConflictError struct {
	TaskID string
}

func (e *LeaseConflictError) Error() string {
	return fmt.Sprintf("lease conflict: task %s already held by a non-expired lease", e.TaskID)
}
func (e *LeaseConflictError) Category() Category { return CategoryLease }
func (e *LeaseConflictError) Severity() Severity { return SeverityWarning }

// LeaseExpiredError is returned when renewing or releasing a lease whose
// expiry has already passed. Detection triggers reclaim.
type LeaseExpiredError struct {
	LeaseID string
}

func (e *LeaseExpiredError) Error() string {
	return fmt.Sprintf("lease %s has expired", e.LeaseID)
}
func (e *LeaseExpiredError) Category() Category { return CategoryLease }
func (e *LeaseExpiredError) Severity() Severity { return SeverityWarning }

// ReplayFinalizeConflictError signals a duplicate finalize internally; the
// recorder resolves it as an idempotent no-op, callers never see it fail.
type ReplayFinalizeConflictError struct {
	RunID string
}

func (e *ReplayFinalizeConflictError) Error() string {
	return fmt.Sprintf("replay bundle for run %s already finalized", e.RunID)
}
func (e *ReplayFinalizeConflictError) Category() Category { return CategoryReplay }
func (e *ReplayFinalizeConflictError) Severity() Severity { return SeverityWarning }

// Detection helpers for the taxonomy, errors.As-based so wrapped errors work.

func IsBudgetExceeded(err error) bool {
	var be *BudgetExceededError
	return errors.As(err, &be)
}

func IsCircuitOpen(err error) bool {
	var co *CircuitOpenError
	return errors.As(err, &co)
}

func IsRetryCeiling(err error) bool {
	var rc *RetryCeilingError
	return errors.As(err, &rc)
}

func IsLeaseConflict(err error) bool {
	var lc *LeaseConflictError
	return errors.As(err, &lc)
}

func IsLeaseExpired(err error) bool {
	var le *LeaseExpiredError
	return errors.As(err, &le)
}

// GetCategory extracts the category from an error chain, or CategoryInternal.
func GetCategory(err error) Category {
	var c Classified
	if errors.As(err, &c) {
		return c.Category()
	}
	return CategoryInternal
}

// GetSeverity extracts the severity from an error chain, or SeverityError.
func GetSeverity(err error) Severity {
	var c Classified
	if errors.As(err, &c) {
		return c.Severity()
	}
	return SeverityError
}
