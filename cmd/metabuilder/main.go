package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"git.home.luguber.info/inful/metabuilder/internal/config"
	"git.home.luguber.info/inful/metabuilder/internal/daemon"
	"git.home.luguber.info/inful/metabuilder/internal/replay"
	"git.home.luguber.info/inful/metabuilder/internal/report"
	"git.home.luguber.info/inful/metabuilder/internal/store"
)

var CLI struct {
	Config  string `short:"c" help:"Configuration file path" default:"config.yaml"`
	Verbose bool   `short:"v" help:"Enable verbose logging"`

	Serve struct{} `cmd:"" help:"Run the auto-fix orchestrator daemon"`

	Init struct {
		Force bool `help:"Overwrite existing configuration file"`
	} `cmd:"" help:"Write a starter configuration file"`

	Status struct {
		RunID string `arg:"" help:"Run to inspect"`
	} `cmd:"" help:"Show the stored state of a run"`

	Report struct {
		RunID string `arg:"" help:"Run to report on"`
	} `cmd:"" help:"Print the Markdown report of a run"`

	Replay struct {
		RunID string `arg:"" help:"Run whose replay bundle to print"`
	} `cmd:"" help:"Print the finalized replay bundle of a run"`
}

func main() {
	ctx := kong.Parse(&CLI)

	switch ctx.Command() {
	case "serve":
		if err := runServe(); err != nil {
			slog.Error("Daemon failed", "error", err)
			os.Exit(1)
		}
	case "init":
		if err := runInit(CLI.Config, CLI.Init.Force); err != nil {
			slog.Error("Init failed", "error", err)
			os.Exit(1)
		}
	case "status <run-id>":
		if err := runStatus(CLI.Status.RunID); err != nil {
			slog.Error("Status failed", "error", err)
			os.Exit(1)
		}
	case "report <run-id>":
		if err := runReport(CLI.Report.RunID); err != nil {
			slog.Error("Report failed", "error", err)
			os.Exit(1)
		}
	case "replay <run-id>":
		if err := runReplay(CLI.Replay.RunID); err != nil {
			slog.Error("Replay failed", "error", err)
			os.Exit(1)
		}
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(CLI.Config)
	if err != nil {
		return nil, err
	}
	if CLI.Verbose {
		cfg.Logging.Level = "debug"
	}
	config.SetupLogging(cfg.Logging, os.Stderr)
	return cfg, nil
}

func runServe() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	d, err := daemon.New(cfg, CLI.Config)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return d.Run(ctx)
}

const starterConfig = `logging:
  level: info
  format: text

store:
  path: metabuilder.db

server:
  addr: ":8470"

budget:
  cost: 100
  time: 30m
  attempts: 20

retry:
  max_per_step_attempts: 3
  max_total_attempts: 10
  backoff:
    mode: exponential
    initial: 1s
    max: 2m
    jitter: true

breaker:
  threshold: 5
  cooldown: 1m

escalation:
  max_patch_attempts: 1
  max_replan_attempts: 1
  decision_cost: 1
  decision_time: 1s

lease:
  ttl: 2m
  reclaim_interval: 30s

canary:
  split_percent: 10
  min_samples: 20
  window: 24h
  compare_interval: 5m

chaos:
  enabled: false

events:
  enabled: false
  nats_url: nats://localhost:4222

checkpoint:
  workspace_root: ./workspaces
`

func runInit(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("configuration file %s already exists (use --force to overwrite)", path)
	}
	if err := os.WriteFile(path, []byte(starterConfig), 0o644); err != nil {
		return fmt.Errorf("write configuration: %w", err)
	}
	fmt.Printf("Wrote %s\n", path)
	return nil
}

func openStore() (*store.Store, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	st, err := store.New(cfg.Store.Path)
	if err != nil {
		return nil, nil, err
	}
	return st, cfg, nil
}

func runStatus(runID string) error {
	st, _, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := context.Background()
	run, err := st.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run == nil {
		return fmt.Errorf("run %s not found", runID)
	}

	fmt.Printf("Run:          %s\n", run.ID)
	fmt.Printf("Tenant:       %s\n", run.Tenant)
	fmt.Printf("Status:       %s\n", run.Status)
	fmt.Printf("Canary group: %s\n", run.CanaryGroup)
	if run.BudgetExceeded {
		fmt.Printf("Budget:       exceeded (%s)\n", run.BudgetDimension)
	}
	if run.LastDetail != "" {
		fmt.Printf("Detail:       %s\n", run.LastDetail)
	}

	attempts, err := st.ListRepairAttempts(ctx, runID)
	if err != nil {
		return err
	}
	if len(attempts) > 0 {
		fmt.Printf("\nRepair history (%d):\n", len(attempts))
		for _, a := range attempts {
			fmt.Printf("  %s  step=%s class=%s phase=%s action=%s\n",
				a.CreatedAt.Format("15:04:05"), a.StepID, a.FailureClass, a.Phase, a.Action)
		}
	}
	return nil
}

func runReport(runID string) error {
	st, _, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	md, err := report.NewGenerator(st).Markdown(context.Background(), runID)
	if err != nil {
		return err
	}
	fmt.Print(md)
	return nil
}

func runReplay(runID string) error {
	st, _, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	bundle, err := replay.NewRecorder(st, nil).Bundle(context.Background(), runID)
	if err != nil {
		return err
	}
	if bundle == nil {
		return fmt.Errorf("run %s has no finalized replay bundle", runID)
	}
	fmt.Println(string(bundle))
	return nil
}
