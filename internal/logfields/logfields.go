package logfields

import "log/slog"

// Canonical log field name constants to avoid drift across packages.
const (
	KeyRunID        = "run_id"
	KeyStepID       = "step_id"
	KeyTenant       = "tenant"
	KeyFailureClass = "failure_class"
	KeyPhase        = "phase"
	KeyStrategy     = "strategy"
	KeyAction       = "action"
	KeyWorkerID     = "worker_id"
	KeyLeaseID      = "lease_id"
	KeyTaskID       = "task_id"
	KeyQueueClass   = "queue_class"
	KeyAttempt      = "attempt"
	KeyBackoffMS    = "backoff_ms"
	KeyDurationMS   = "duration_ms"
	KeyCanaryGroup  = "canary_group"
	KeyChaosType    = "chaos_type"
	KeyError        = "error"
)

// Simple helpers returning slog.Attr. Keeping each granular means callers can compose.
func RunID(id string) slog.Attr        { return slog.String(KeyRunID, id) }
func StepID(id string) slog.Attr       { return slog.String(KeyStepID, id) }
func Tenant(t string) slog.Attr        { return slog.String(KeyTenant, t) }
func FailureClass(c string) slog.Attr  { return slog.String(KeyFailureClass, c) }
func Phase(p string) slog.Attr         { return slog.String(KeyPhase, p) }
func Strategy(s string) slog.Attr      { return slog.String(KeyStrategy, s) }
func Action(a string) slog.Attr        { return slog.String(KeyAction, a) }
func WorkerID(id string) slog.Attr     { return slog.String(KeyWorkerID, id) }
func LeaseID(id string) slog.Attr      { return slog.String(KeyLeaseID, id) }
func TaskID(id string) slog.Attr       { return slog.String(KeyTaskID, id) }
func QueueClass(c string) slog.Attr    { return slog.String(KeyQueueClass, c) }
func Attempt(n int) slog.Attr          { return slog.Int(KeyAttempt, n) }
func BackoffMS(ms float64) slog.Attr   { return slog.Float64(KeyBackoffMS, ms) }
func DurationMS(ms float64) slog.Attr  { return slog.Float64(KeyDurationMS, ms) }
func CanaryGroup(g string) slog.Attr   { return slog.String(KeyCanaryGroup, g) }
func ChaosType(t string) slog.Attr     { return slog.String(KeyChaosType, t) }
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
