package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the orchestrator configuration.
type Config struct {
	Logging    LoggingConfig    `yaml:"logging"`
	Store      StoreConfig      `yaml:"store"`
	Server     ServerConfig     `yaml:"server"`
	Budget     BudgetConfig     `yaml:"budget"`
	Retry      RetryConfig      `yaml:"retry"`
	Breaker    BreakerConfig    `yaml:"breaker"`
	Escalation EscalationConfig `yaml:"escalation"`
	Lease      LeaseConfig      `yaml:"lease"`
	Canary     CanaryConfig     `yaml:"canary"`
	Chaos      ChaosConfig      `yaml:"chaos"`
	Events     EventsConfig     `yaml:"events"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
}

// LoggingConfig controls slog output.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug|info|warn|error
	Format string `yaml:"format"` // text|json
}

// StoreConfig locates the SQLite database backing all persisted records.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// ServerConfig configures the ops HTTP server.
type ServerConfig struct {
	Addr         string   `yaml:"addr"`
	ReadTimeout  Duration `yaml:"read_timeout"`
	WriteTimeout Duration `yaml:"write_timeout"`
}

// BudgetConfig holds default per-run ceilings, used when a run is started
// without explicit budgets.
type BudgetConfig struct {
	Cost     float64  `yaml:"cost"`
	Time     Duration `yaml:"time"`
	Attempts int      `yaml:"attempts"`
}

// RetryConfig holds retry ceilings and the backoff policy.
type RetryConfig struct {
	MaxPerStepAttempts int           `yaml:"max_per_step_attempts"`
	MaxTotalAttempts   int           `yaml:"max_total_attempts"`
	Backoff            BackoffConfig `yaml:"backoff"`
}

// BackoffConfig configures the delay between retries of a failing step.
type BackoffConfig struct {
	Mode    string   `yaml:"mode"` // fixed|linear|exponential
	Initial Duration `yaml:"initial"`
	Max     Duration `yaml:"max"`
	Jitter  bool     `yaml:"jitter"`
}

// BreakerConfig holds default circuit breaker tunables for new
// (tenant, failure class) pairs.
type BreakerConfig struct {
	Threshold int      `yaml:"threshold"`
	Cooldown  Duration `yaml:"cooldown"`
}

// EscalationConfig bounds the upper rungs of the repair ladder.
type EscalationConfig struct {
	MaxPatchAttempts  int      `yaml:"max_patch_attempts"`
	MaxReplanAttempts int      `yaml:"max_replan_attempts"`
	DecisionCost      float64  `yaml:"decision_cost"`
	DecisionTime      Duration `yaml:"decision_time"`
}

// LeaseConfig configures work leasing and the expiry reclaim sweep.
type LeaseConfig struct {
	TTL             Duration `yaml:"ttl"`
	ReclaimInterval Duration `yaml:"reclaim_interval"`
}

// CanaryConfig configures control/treatment allocation and comparison.
type CanaryConfig struct {
	SplitPercent    int      `yaml:"split_percent"` // share of runs assigned to treatment
	MinSamples      int      `yaml:"min_samples"`
	Window          Duration `yaml:"window"`
	CompareInterval Duration `yaml:"compare_interval"`
}

// ChaosConfig gates fault injection. Disabled by default.
type ChaosConfig struct {
	Enabled bool `yaml:"enabled"`
}

// EventsConfig configures the optional NATS event stream.
type EventsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	NATSURL       string `yaml:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix"`
	Stream        string `yaml:"stream"`
}

// CheckpointConfig locates run workspaces for the rollback phase.
type CheckpointConfig struct {
	WorkspaceRoot string `yaml:"workspace_root"`
}

// Load loads configuration from the specified file, applying .env files,
// environment overrides, and defaults.
func Load(configPath string) (*Config, error) {
	// Load .env if present; existing process env always wins.
	_ = godotenv.Load(".env", ".env.local")

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read configuration file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse configuration: %w", err)
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks invariants that defaults cannot repair.
func (c *Config) Validate() error {
	if c.Canary.SplitPercent < 0 || c.Canary.SplitPercent > 100 {
		return fmt.Errorf("canary.split_percent must be within [0,100], got %d", c.Canary.SplitPercent)
	}
	if c.Retry.Backoff.Initial.Std() > c.Retry.Backoff.Max.Std() {
		return fmt.Errorf("retry.backoff.initial (%s) exceeds retry.backoff.max (%s)",
			c.Retry.Backoff.Initial.Std(), c.Retry.Backoff.Max.Std())
	}
	if c.Events.Enabled && c.Events.NATSURL == "" {
		return fmt.Errorf("events.nats_url is required when events are enabled")
	}
	return nil
}

// Duration wraps time.Duration for YAML round-tripping of "30s"-style values.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) { return time.Duration(d).String(), nil }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}
