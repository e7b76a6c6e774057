// Package lease hands out pipeline-step work to a pool of workers under
// time-bounded leases. Workers may vanish at any point; there is no
// heartbeat channel. Expiry is lazy: expires_at is the single source of
// truth and a stored status of "active" is never trusted without comparing
// timestamps.
package lease

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"git.home.luguber.info/inful/metabuilder/internal/faults"
	"git.home.luguber.info/inful/metabuilder/internal/logfields"
	"git.home.luguber.info/inful/metabuilder/internal/store"
)

// Task is one unit of queued pipeline work.
type Task struct {
	ID         string    `json:"id"`
	RunID      string    `json:"run_id"`
	StepID     string    `json:"step_id"`
	QueueClass string    `json:"queue_class"`
	NotBefore  time.Time `json:"not_before,omitempty"`
	Attempt    int       `json:"attempt"`
}

// Lease is a worker's exclusive, time-bounded claim on one task.
type Lease struct {
	ID         string    `json:"id"`
	WorkerID   string    `json:"worker_id"`
	QueueClass string    `json:"queue_class"`
	TaskID     string    `json:"task_id"`
	LeasedAt   time.Time `json:"leased_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// LeaseStatus values stored on the record. May lag real expiry.
const (
	StatusActive   = "active"
	StatusExpired  = "expired"
	StatusReleased = "released"
)

type taskStatus string

const (
	taskQueued    taskStatus = "queued"
	taskLeased    taskStatus = "leased"
	taskDone      taskStatus = "done"
	taskCancelled taskStatus = "cancelled"
)

// Persister is the slice of the store the manager writes through to.
type Persister interface {
	SaveLease(ctx context.Context, row store.LeaseRow) error
	MarkLeaseStatus(ctx context.Context, leaseID, status string, expectedVersion int64) (bool, error)
}

// Manager owns the task queues and all leases. Every claim is a single
// atomic operation under the manager lock, so two workers can never hold a
// non-expired lease on the same task.
type Manager struct {
	mu      sync.Mutex
	clock   clockwork.Clock
	ttl     time.Duration
	tasks   map[string]*taskState
	queues  map[string][]string // queue class -> FIFO of task ids
	leases  map[string]*leaseState
	persist Persister
}

type taskState struct {
	task    Task
	status  taskStatus
	leaseID string
}

type leaseState struct {
	lease   Lease
	status  string
	version int64
}

// NewManager creates a lease manager. persist may be nil for ephemeral use.
func NewManager(ttl time.Duration, persist Persister, clock clockwork.Clock) *Manager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Manager{
		clock:   clock,
		ttl:     ttl,
		tasks:   make(map[string]*taskState),
		queues:  make(map[string][]string),
		leases:  make(map[string]*leaseState),
		persist: persist,
	}
}

// Enqueue adds a task to its queue class. NotBefore delays eligibility,
// which is how retry backoff is applied.
func (m *Manager) Enqueue(task Task) error {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.QueueClass == "" {
		return fmt.Errorf("task %s has no queue class", task.ID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.tasks[task.ID]; ok && existing.status != taskDone && existing.status != taskCancelled {
		return fmt.Errorf("task %s is already queued or in flight", task.ID)
	}
	m.tasks[task.ID] = &taskState{task: task, status: taskQueued}
	m.queues[task.QueueClass] = append(m.queues[task.QueueClass], task.ID)

	slog.Debug("Task enqueued",
		logfields.TaskID(task.ID),
		logfields.RunID(task.RunID),
		logfields.QueueClass(task.QueueClass))
	return nil
}

// Claim hands the first eligible task of the queue class to the worker, or
// returns (nil, nil, nil) when none is available. A task whose lease has
// expired is claimable again even before the reclaim sweep has rewritten
// its status.
func (m *Manager) Claim(ctx context.Context, workerID, queueClass string) (*Lease, *Task, error) {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	queue := m.queues[queueClass]
	for _, taskID := range queue {
		ts, ok := m.tasks[taskID]
		if !ok {
			continue
		}
		if ts.task.NotBefore.After(now) {
			continue
		}

		switch ts.status {
		case taskQueued:
			// claimable
		case taskLeased:
			ls := m.leases[ts.leaseID]
			if ls == nil || now.After(ls.lease.ExpiresAt) {
				// Lazy expiry: the stored status lags, the timestamp rules.
				if ls != nil {
					m.expireLocked(ctx, ls)
				}
			} else {
				continue
			}
		default:
			continue
		}

		ls := &leaseState{
			lease: Lease{
				ID:         uuid.NewString(),
				WorkerID:   workerID,
				QueueClass: queueClass,
				TaskID:     taskID,
				LeasedAt:   now,
				ExpiresAt:  now.Add(m.ttl),
			},
			status: StatusActive,
		}
		m.leases[ls.lease.ID] = ls
		ts.status = taskLeased
		ts.leaseID = ls.lease.ID

		m.persistLeaseLocked(ctx, ls)
		lease := ls.lease
		task := ts.task

		slog.Info("Work claimed",
			logfields.WorkerID(workerID),
			logfields.TaskID(taskID),
			logfields.LeaseID(lease.ID),
			logfields.QueueClass(queueClass))
		return &lease, &task, nil
	}

	return nil, nil, nil
}

// Renew extends an active lease. Renewing past expiry fails with
// LeaseExpiredError and the task goes back to its queue.
func (m *Manager) Renew(ctx context.Context, leaseID string) (*Lease, error) {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	ls, ok := m.leases[leaseID]
	if !ok {
		return nil, fmt.Errorf("unknown lease %s", leaseID)
	}
	if ls.status != StatusActive {
		return nil, &faults.LeaseConflictError{TaskID: ls.lease.TaskID}
	}
	if now.After(ls.lease.ExpiresAt) {
		m.expireLocked(ctx, ls)
		return nil, &faults.LeaseExpiredError{LeaseID: leaseID}
	}

	ls.lease.ExpiresAt = now.Add(m.ttl)
	m.persistLeaseLocked(ctx, ls)
	lease := ls.lease
	return &lease, nil
}

// Release completes the work and retires the task. Releasing an expired
// lease reports LeaseExpiredError; the task was (or will be) reclaimed.
func (m *Manager) Release(ctx context.Context, leaseID string) error {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	ls, ok := m.leases[leaseID]
	if !ok {
		return fmt.Errorf("unknown lease %s", leaseID)
	}
	if ls.status != StatusActive {
		return &faults.LeaseConflictError{TaskID: ls.lease.TaskID}
	}
	if now.After(ls.lease.ExpiresAt) {
		m.expireLocked(ctx, ls)
		return &faults.LeaseExpiredError{LeaseID: leaseID}
	}

	ls.status = StatusReleased
	if ts, ok := m.tasks[ls.lease.TaskID]; ok && ts.leaseID == leaseID {
		ts.status = taskDone
	}
	m.persistLeaseLocked(ctx, ls)

	slog.Debug("Lease released",
		logfields.LeaseID(leaseID),
		logfields.TaskID(ls.lease.TaskID))
	return nil
}

// ReleaseRun releases every lease and cancels every task belonging to a
// run. Used on external cancellation, which must not wait for natural
// expiry.
func (m *Manager) ReleaseRun(ctx context.Context, runID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	released := 0
	for _, ts := range m.tasks {
		if ts.task.RunID != runID || ts.status == taskDone || ts.status == taskCancelled {
			continue
		}
		if ts.status == taskLeased {
			if ls, ok := m.leases[ts.leaseID]; ok && ls.status == StatusActive {
				ls.status = StatusReleased
				m.persistLeaseLocked(ctx, ls)
				released++
			}
		}
		ts.status = taskCancelled
	}
	return released
}

// ReclaimExpired rewrites leases whose expiry has passed and requeues their
// tasks. Run periodically; lazy expiry means correctness never depends on
// the sweep, only storage hygiene and requeue latency do.
func (m *Manager) ReclaimExpired(ctx context.Context) int {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	reclaimed := 0
	for _, ls := range m.leases {
		if ls.status == StatusActive && now.After(ls.lease.ExpiresAt) {
			m.expireLocked(ctx, ls)
			reclaimed++
		}
	}
	if reclaimed > 0 {
		slog.Info("Reclaimed expired leases", slog.Int("count", reclaimed))
	}
	return reclaimed
}

// ActiveLeases counts leases that are active and non-expired right now.
func (m *Manager) ActiveLeases() int {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, ls := range m.leases {
		if ls.status == StatusActive && !now.After(ls.lease.ExpiresAt) {
			n++
		}
	}
	return n
}

// QueueDepth reports how many tasks are waiting in a queue class.
func (m *Manager) QueueDepth(queueClass string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, id := range m.queues[queueClass] {
		if ts, ok := m.tasks[id]; ok && ts.status == taskQueued {
			n++
		}
	}
	return n
}

// expireLocked marks the lease expired and requeues its task.
func (m *Manager) expireLocked(ctx context.Context, ls *leaseState) {
	if ls.status != StatusActive {
		return
	}
	ls.status = StatusExpired
	m.persistLeaseLocked(ctx, ls)

	ts, ok := m.tasks[ls.lease.TaskID]
	if !ok || ts.leaseID != ls.lease.ID {
		return
	}
	if ts.status == taskLeased {
		ts.status = taskQueued
		ts.task.Attempt++
		ts.leaseID = ""
		// Requeue at the back; FIFO position is not preserved across a crash.
		m.queues[ts.task.QueueClass] = append(m.queues[ts.task.QueueClass], ts.task.ID)
		slog.Warn("Lease expired, task requeued",
			logfields.LeaseID(ls.lease.ID),
			logfields.TaskID(ts.task.ID),
			logfields.WorkerID(ls.lease.WorkerID))
	}
}

func (m *Manager) persistLeaseLocked(ctx context.Context, ls *leaseState) {
	if m.persist == nil {
		return
	}
	ls.version++
	row := store.LeaseRow{
		ID:         ls.lease.ID,
		WorkerID:   ls.lease.WorkerID,
		QueueClass: ls.lease.QueueClass,
		TaskID:     ls.lease.TaskID,
		LeasedAt:   ls.lease.LeasedAt,
		ExpiresAt:  ls.lease.ExpiresAt,
		Status:     ls.status,
		Version:    ls.version,
	}
	if err := m.persist.SaveLease(ctx, row); err != nil {
		slog.Error("Lease persistence failed",
			logfields.LeaseID(ls.lease.ID),
			logfields.Error(err))
	}
}
