// Package canary splits runs between the stable repair policy (control) and
// a trial policy (treatment) and compares their outcomes. Assignment is
// deterministic per run id so a crash/restart never flips a run's group.
package canary

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"git.home.luguber.info/inful/metabuilder/internal/logfields"
	"git.home.luguber.info/inful/metabuilder/internal/store"
)

// Group names. Fixed at assignment for the lifetime of a run.
const (
	GroupControl   = "control"
	GroupTreatment = "treatment"
)

// Allocator assigns runs to canary groups by hashing the run id. With a
// split of N, roughly N percent of runs land in treatment.
type Allocator struct {
	mu           sync.RWMutex
	splitPercent int
}

// NewAllocator creates an allocator with the given treatment percentage.
func NewAllocator(splitPercent int) *Allocator {
	return &Allocator{splitPercent: splitPercent}
}

// Assign returns the group for a run. Pure function of run id and split.
func (a *Allocator) Assign(runID string) string {
	a.mu.RLock()
	split := a.splitPercent
	a.mu.RUnlock()

	h := fnv.New32a()
	h.Write([]byte(runID))
	if int(h.Sum32()%100) < split {
		return GroupTreatment
	}
	return GroupControl
}

// SetSplit updates the treatment percentage. Applies to new runs only;
// existing assignments are already pinned.
func (a *Allocator) SetSplit(percent int) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	a.mu.Lock()
	a.splitPercent = percent
	a.mu.Unlock()
}

// Outcome is the per-run result fed to the recorder when a run terminates.
type Outcome struct {
	Success   bool
	Cost      float64
	Duration  time.Duration
	Retries   int
	Replans   int
	Rollbacks int
}

// SamplePersister is the slice of the store the recorder writes to.
type SamplePersister interface {
	SaveCanarySample(ctx context.Context, row store.CanarySampleRow) error
	CompleteCanarySample(ctx context.Context, row store.CanarySampleRow) error
	ListCompletedSamples(ctx context.Context, since time.Time) ([]store.CanarySampleRow, error)
}

// Recorder persists group assignments and completed outcomes.
type Recorder struct {
	persist SamplePersister
	clock   clockwork.Clock
}

// NewRecorder creates a recorder. persist may be nil in ephemeral setups.
func NewRecorder(persist SamplePersister, clock clockwork.Clock) *Recorder {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Recorder{persist: persist, clock: clock}
}

// RecordAssignment stores the run's group at run start.
func (r *Recorder) RecordAssignment(ctx context.Context, runID, group string) error {
	slog.Debug("Canary group assigned",
		logfields.RunID(runID),
		logfields.CanaryGroup(group))
	if r.persist == nil {
		return nil
	}
	return r.persist.SaveCanarySample(ctx, store.CanarySampleRow{
		RunID:      runID,
		Group:      group,
		AssignedAt: r.clock.Now(),
	})
}

// RecordOutcome completes the run's sample. A sample completes at most once;
// later calls for the same run are ignored by the store.
func (r *Recorder) RecordOutcome(ctx context.Context, runID string, out Outcome) error {
	if r.persist == nil {
		return nil
	}
	now := r.clock.Now()
	return r.persist.CompleteCanarySample(ctx, store.CanarySampleRow{
		RunID:       runID,
		CompletedAt: &now,
		Success:     &out.Success,
		Cost:        out.Cost,
		Duration:    out.Duration,
		Retries:     out.Retries,
		Replans:     out.Replans,
		Rollbacks:   out.Rollbacks,
	})
}
