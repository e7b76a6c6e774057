package orchestrator

import (
	"context"
	"log/slog"

	"git.home.luguber.info/inful/metabuilder/internal/chaos"
	"git.home.luguber.info/inful/metabuilder/internal/lease"
	"git.home.luguber.info/inful/metabuilder/internal/logfields"
)

// WorkAssignment is what a claiming worker receives: the task, its lease,
// and an optional injected fault the worker must simulate.
type WorkAssignment struct {
	Lease *lease.Lease     `json:"lease"`
	Task  *lease.Task      `json:"task"`
	Chaos *chaos.Injection `json:"chaos,omitempty"`
}

// ClaimWork hands the next eligible task of a queue class to a worker. The
// chaos injector rolls its dice here, at hand-off, so an injected fault is
// tied to one concrete step execution.
func (o *Orchestrator) ClaimWork(ctx context.Context, workerID, queueClass string) (*WorkAssignment, error) {
	if o.leases == nil {
		return nil, nil
	}
	l, task, err := o.leases.Claim(ctx, workerID, queueClass)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, nil
	}

	wa := &WorkAssignment{Lease: l, Task: task}
	if o.chaos != nil {
		inj, err := o.chaos.MaybeInject(ctx, task.RunID, task.StepID)
		if err != nil {
			slog.Error("Chaos injection failed",
				logfields.RunID(task.RunID),
				logfields.StepID(task.StepID),
				logfields.Error(err))
		} else if inj != nil {
			wa.Chaos = inj
			o.mu.Lock()
			if rm, ok := o.runs[task.RunID]; ok {
				rm.chaosOpen[task.StepID] = inj.EventID
			}
			o.mu.Unlock()
		}
	}
	return wa, nil
}

// RenewLease extends a worker's claim.
func (o *Orchestrator) RenewLease(ctx context.Context, leaseID string) (*lease.Lease, error) {
	return o.leases.Renew(ctx, leaseID)
}

// ReleaseLease completes a claimed task.
func (o *Orchestrator) ReleaseLease(ctx context.Context, leaseID string) error {
	return o.leases.Release(ctx, leaseID)
}
