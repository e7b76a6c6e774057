package config

import "time"

// applyDefaults fills zero-valued fields with operational defaults so a
// minimal config file is enough to run the daemon.
func applyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = string(LogLevelInfo)
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = string(LogFormatText)
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "metabuilder.db"
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8470"
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = Duration(15 * time.Second)
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = Duration(15 * time.Second)
	}

	if cfg.Budget.Cost <= 0 {
		cfg.Budget.Cost = 100
	}
	if cfg.Budget.Time == 0 {
		cfg.Budget.Time = Duration(30 * time.Minute)
	}
	if cfg.Budget.Attempts <= 0 {
		cfg.Budget.Attempts = 20
	}

	if cfg.Retry.MaxPerStepAttempts <= 0 {
		cfg.Retry.MaxPerStepAttempts = 3
	}
	if cfg.Retry.MaxTotalAttempts <= 0 {
		cfg.Retry.MaxTotalAttempts = 10
	}
	if cfg.Retry.Backoff.Mode == "" {
		cfg.Retry.Backoff.Mode = string(BackoffExponential)
	}
	if cfg.Retry.Backoff.Initial == 0 {
		cfg.Retry.Backoff.Initial = Duration(time.Second)
	}
	if cfg.Retry.Backoff.Max == 0 {
		cfg.Retry.Backoff.Max = Duration(2 * time.Minute)
	}

	if cfg.Breaker.Threshold <= 0 {
		cfg.Breaker.Threshold = 5
	}
	if cfg.Breaker.Cooldown == 0 {
		cfg.Breaker.Cooldown = Duration(time.Minute)
	}

	if cfg.Escalation.MaxPatchAttempts <= 0 {
		cfg.Escalation.MaxPatchAttempts = 1
	}
	if cfg.Escalation.MaxReplanAttempts <= 0 {
		cfg.Escalation.MaxReplanAttempts = 1
	}
	if cfg.Escalation.DecisionTime == 0 {
		cfg.Escalation.DecisionTime = Duration(time.Second)
	}

	if cfg.Lease.TTL == 0 {
		cfg.Lease.TTL = Duration(2 * time.Minute)
	}
	if cfg.Lease.ReclaimInterval == 0 {
		cfg.Lease.ReclaimInterval = Duration(30 * time.Second)
	}

	if cfg.Canary.SplitPercent == 0 {
		cfg.Canary.SplitPercent = 10
	}
	if cfg.Canary.MinSamples <= 0 {
		cfg.Canary.MinSamples = 20
	}
	if cfg.Canary.Window == 0 {
		cfg.Canary.Window = Duration(24 * time.Hour)
	}
	if cfg.Canary.CompareInterval == 0 {
		cfg.Canary.CompareInterval = Duration(5 * time.Minute)
	}

	if cfg.Events.SubjectPrefix == "" {
		cfg.Events.SubjectPrefix = "metabuilder"
	}
	if cfg.Events.Stream == "" {
		cfg.Events.Stream = "METABUILDER"
	}

	if cfg.Checkpoint.WorkspaceRoot == "" {
		cfg.Checkpoint.WorkspaceRoot = "./workspaces"
	}
}
