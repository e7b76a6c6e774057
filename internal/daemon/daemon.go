// Package daemon wires the orchestrator's subsystems into a long-running
// process: SQLite store, escalation engine, lease manager, canary pipeline,
// the ops HTTP server, and the periodic maintenance jobs.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"git.home.luguber.info/inful/metabuilder/internal/breaker"
	"git.home.luguber.info/inful/metabuilder/internal/budget"
	"git.home.luguber.info/inful/metabuilder/internal/canary"
	"git.home.luguber.info/inful/metabuilder/internal/chaos"
	"git.home.luguber.info/inful/metabuilder/internal/checkpoint"
	"git.home.luguber.info/inful/metabuilder/internal/config"
	"git.home.luguber.info/inful/metabuilder/internal/escalate"
	"git.home.luguber.info/inful/metabuilder/internal/events"
	"git.home.luguber.info/inful/metabuilder/internal/lease"
	"git.home.luguber.info/inful/metabuilder/internal/logfields"
	"git.home.luguber.info/inful/metabuilder/internal/orchestrator"
	"git.home.luguber.info/inful/metabuilder/internal/replay"
	"git.home.luguber.info/inful/metabuilder/internal/report"
	"git.home.luguber.info/inful/metabuilder/internal/retrystate"
	"git.home.luguber.info/inful/metabuilder/internal/store"
)

// Daemon is the composed orchestrator process.
type Daemon struct {
	cfg        *config.Config
	configPath string

	store       *store.Store
	budgets     *budget.Tracker
	breakers    *breaker.Registry
	retries     *retrystate.StateStore
	engine      *escalate.Engine
	checkpoints *checkpoint.Manager
	leases      *lease.Manager
	alloc       *canary.Allocator
	samples     *canary.Recorder
	comparator  *canary.Comparator
	chaos       *chaos.Injector
	replay      *replay.Recorder
	orch        *orchestrator.Orchestrator
	reports     *report.Generator
	events      *events.NATSPublisher

	sched   *Scheduler
	httpSrv *opsServer
}

// New builds the daemon from configuration. configPath enables hot reload
// of tunables; pass "" to disable watching.
func New(cfg *config.Config, configPath string) (*Daemon, error) {
	st, err := store.New(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	d := &Daemon{cfg: cfg, configPath: configPath, store: st}

	d.budgets = budget.NewTracker(st)
	d.breakers = breaker.NewRegistry(breaker.Defaults{
		Threshold: cfg.Breaker.Threshold,
		Cooldown:  cfg.Breaker.Cooldown.Std(),
	}, st, nil)

	policy := retrystate.NewBackoffPolicy(cfg.Retry.Backoff)
	d.retries = retrystate.NewStateStore(policy, st)
	d.checkpoints = checkpoint.NewManager(cfg.Checkpoint.WorkspaceRoot)

	d.engine = escalate.NewEngine(
		d.budgets, d.breakers, d.retries, st, d.checkpoints, nil,
		escalate.Limits{
			MaxPatchAttempts:  cfg.Escalation.MaxPatchAttempts,
			MaxReplanAttempts: cfg.Escalation.MaxReplanAttempts,
		},
		escalate.DecisionCost{
			Cost: cfg.Escalation.DecisionCost,
			Time: cfg.Escalation.DecisionTime.Std(),
		},
	)

	d.leases = lease.NewManager(cfg.Lease.TTL.Std(), st, nil)
	d.alloc = canary.NewAllocator(cfg.Canary.SplitPercent)
	d.samples = canary.NewRecorder(st, nil)
	d.comparator = canary.NewComparator(st, cfg.Canary.Window.Std(), cfg.Canary.MinSamples, nil)
	d.chaos = chaos.NewInjector(cfg.Chaos.Enabled, 0.1, 0, st, nil)
	d.replay = replay.NewRecorder(st, nil)
	d.reports = report.NewGenerator(st)

	if cfg.Events.Enabled {
		pub, err := events.NewNATSPublisher(&cfg.Events)
		if err != nil {
			return nil, fmt.Errorf("event publisher: %w", err)
		}
		d.events = pub
	}

	var downstream orchestrator.EventPublisher
	if d.events != nil {
		downstream = d.events
	}
	publisher := newMetricsPublisher(downstream)
	d.orch = orchestrator.New(cfg, orchestrator.Deps{
		Store:       st,
		Budgets:     d.budgets,
		Retries:     d.retries,
		Engine:      d.engine,
		Checkpoints: d.checkpoints,
		Leases:      d.leases,
		Allocator:   d.alloc,
		Samples:     d.samples,
		Chaos:       d.chaos,
		Replay:      d.replay,
		Events:      publisher,
	})

	d.sched, err = NewScheduler()
	if err != nil {
		return nil, err
	}
	d.httpSrv = newOpsServer(cfg, d)

	return d, nil
}

// Run starts the daemon and blocks until the context is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	slog.Info("Starting metabuilder daemon",
		slog.String("addr", d.cfg.Server.Addr),
		slog.String("store", d.cfg.Store.Path))

	if err := d.sched.ScheduleLeaseReclaim(d.cfg.Lease.ReclaimInterval.Std(), d.leases); err != nil {
		return err
	}
	if err := d.sched.ScheduleCanaryCompare(d.cfg.Canary.CompareInterval.Std(), d.comparator); err != nil {
		return err
	}
	d.sched.Start(ctx)

	if err := d.httpSrv.Start(ctx); err != nil {
		return err
	}

	d.startConfigWatcher(ctx)

	<-ctx.Done()
	return d.shutdown()
}

// startConfigWatcher applies hot-reloadable settings: breaker tunables, the
// canary split, and the chaos gate. Structural settings (store path, listen
// address) require a restart.
func (d *Daemon) startConfigWatcher(ctx context.Context) {
	if d.configPath == "" {
		return
	}
	w, err := config.NewWatcher(d.configPath, func(next *config.Config) {
		d.breakers.SetDefaults(breaker.Defaults{
			Threshold: next.Breaker.Threshold,
			Cooldown:  next.Breaker.Cooldown.Std(),
		})
		d.alloc.SetSplit(next.Canary.SplitPercent)
		d.chaos.SetEnabled(next.Chaos.Enabled)
		slog.Info("Configuration reloaded",
			slog.Int("breaker_threshold", next.Breaker.Threshold),
			slog.Int("canary_split", next.Canary.SplitPercent),
			slog.Bool("chaos_enabled", next.Chaos.Enabled))
	})
	if err != nil {
		slog.Warn("Config watcher unavailable", logfields.Error(err))
		return
	}
	if err := w.Start(ctx); err != nil {
		slog.Warn("Config watcher failed to start", logfields.Error(err))
	}
}

func (d *Daemon) shutdown() error {
	slog.Info("Shutting down metabuilder daemon")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := d.sched.Stop(shutdownCtx); err != nil {
		slog.Error("Scheduler shutdown failed", logfields.Error(err))
	}
	if err := d.httpSrv.Stop(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown failed", logfields.Error(err))
	}
	if d.events != nil {
		d.events.Close()
	}
	if err := d.store.Close(); err != nil {
		slog.Error("Store close failed", logfields.Error(err))
	}

	slog.Info("Daemon stopped")
	return nil
}

// Orchestrator exposes the run coordinator for the CLI's in-process commands.
func (d *Daemon) Orchestrator() *orchestrator.Orchestrator { return d.orch }
