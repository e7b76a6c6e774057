package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"

	"git.home.luguber.info/inful/metabuilder/internal/canary"
	"git.home.luguber.info/inful/metabuilder/internal/lease"
	"git.home.luguber.info/inful/metabuilder/internal/logfields"
)

// Scheduler wraps gocron for the daemon's periodic maintenance jobs.
type Scheduler struct {
	scheduler gocron.Scheduler
}

// NewScheduler creates a new scheduler instance.
func NewScheduler() (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create gocron scheduler: %w", err)
	}
	return &Scheduler{scheduler: s}, nil
}

// ScheduleLeaseReclaim sweeps expired leases back into their queues.
func (s *Scheduler) ScheduleLeaseReclaim(interval time.Duration, leases *lease.Manager) error {
	_, err := s.scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			reclaimed := leases.ReclaimExpired(context.Background())
			if reclaimed > 0 {
				leasesReclaimedTotal.Add(float64(reclaimed))
			}
		}),
		gocron.WithName("lease-reclaim"),
	)
	if err != nil {
		return fmt.Errorf("schedule lease reclaim: %w", err)
	}
	return nil
}

// ScheduleCanaryCompare recomputes the control/treatment comparison.
func (s *Scheduler) ScheduleCanaryCompare(interval time.Duration, cmp *canary.Comparator) error {
	_, err := s.scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			if _, err := cmp.Compare(context.Background()); err != nil {
				slog.Error("Canary comparison failed", logfields.Error(err))
			}
		}),
		gocron.WithName("canary-compare"),
	)
	if err != nil {
		return fmt.Errorf("schedule canary comparison: %w", err)
	}
	return nil
}

// Start begins the scheduler.
func (s *Scheduler) Start(ctx context.Context) {
	slog.Info("Starting scheduler")
	s.scheduler.Start()
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop(ctx context.Context) error {
	slog.Info("Stopping scheduler")
	return s.scheduler.Shutdown()
}
