package config

import (
	"os"
	"strconv"
	"time"
)

// applyEnvOverrides lets deployment environments override selected file
// settings without editing the config. Only operational knobs are exposed;
// tuning values (thresholds, ceilings) stay file-managed so the hot-reload
// watcher remains the single source for them.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("METABUILDER_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("METABUILDER_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("METABUILDER_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("METABUILDER_LISTEN_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("METABUILDER_NATS_URL"); v != "" {
		cfg.Events.NATSURL = v
		cfg.Events.Enabled = true
	}
	if v := os.Getenv("METABUILDER_WORKSPACE_ROOT"); v != "" {
		cfg.Checkpoint.WorkspaceRoot = v
	}
	if v := os.Getenv("METABUILDER_CHAOS_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Chaos.Enabled = b
		}
	}
	if v := os.Getenv("METABUILDER_LEASE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Lease.TTL = Duration(d)
		}
	}
}
