package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "logging:\n  level: debug\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("explicit value overwritten: %s", cfg.Logging.Level)
	}
	if cfg.Server.Addr != ":8470" {
		t.Fatalf("expected default addr got %s", cfg.Server.Addr)
	}
	if cfg.Store.Path != "metabuilder.db" {
		t.Fatalf("expected default store path got %s", cfg.Store.Path)
	}
	if cfg.Retry.MaxPerStepAttempts != 3 || cfg.Retry.MaxTotalAttempts != 10 {
		t.Fatalf("unexpected retry defaults: %+v", cfg.Retry)
	}
	if cfg.Retry.Backoff.Mode != string(BackoffExponential) {
		t.Fatalf("expected exponential default got %s", cfg.Retry.Backoff.Mode)
	}
	if cfg.Lease.TTL.Std() != 2*time.Minute {
		t.Fatalf("expected 2m lease ttl got %s", cfg.Lease.TTL)
	}
	if cfg.Canary.SplitPercent != 10 || cfg.Canary.MinSamples != 20 {
		t.Fatalf("unexpected canary defaults: %+v", cfg.Canary)
	}
	if cfg.Chaos.Enabled {
		t.Fatalf("chaos must default to disabled")
	}
}

func TestLoadParsesDurations(t *testing.T) {
	path := writeConfig(t, `
retry:
  max_per_step_attempts: 5
  backoff:
    mode: linear
    initial: 250ms
    max: 10s
    jitter: true
lease:
  ttl: 90s
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Retry.Backoff.Initial.Std() != 250*time.Millisecond {
		t.Fatalf("expected 250ms got %s", cfg.Retry.Backoff.Initial)
	}
	if cfg.Retry.Backoff.Max.Std() != 10*time.Second {
		t.Fatalf("expected 10s got %s", cfg.Retry.Backoff.Max)
	}
	if !cfg.Retry.Backoff.Jitter {
		t.Fatalf("jitter flag lost")
	}
	if cfg.Lease.TTL.Std() != 90*time.Second {
		t.Fatalf("expected 90s ttl got %s", cfg.Lease.TTL)
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := writeConfig(t, "lease:\n  ttl: soon\n")
	if _, err := Load(path); err == nil {
		t.Fatalf("expected parse error for invalid duration")
	}
}

func TestEnvOverrides(t *testing.T) {
	path := writeConfig(t, "server:\n  addr: \":9000\"\n")

	t.Setenv("METABUILDER_LISTEN_ADDR", ":9100")
	t.Setenv("METABUILDER_LOG_LEVEL", "warn")
	t.Setenv("METABUILDER_CHAOS_ENABLED", "true")
	t.Setenv("METABUILDER_LEASE_TTL", "45s")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":9100" {
		t.Fatalf("env must override file, got %s", cfg.Server.Addr)
	}
	if cfg.Logging.Level != "warn" {
		t.Fatalf("expected warn got %s", cfg.Logging.Level)
	}
	if !cfg.Chaos.Enabled {
		t.Fatalf("chaos env override lost")
	}
	if cfg.Lease.TTL.Std() != 45*time.Second {
		t.Fatalf("expected 45s ttl got %s", cfg.Lease.TTL)
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg := &Config{}
		applyDefaults(cfg)
		return cfg
	}

	cfg := base()
	cfg.Canary.SplitPercent = 150
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected split percent error")
	}

	cfg = base()
	cfg.Retry.Backoff.Initial = Duration(time.Minute)
	cfg.Retry.Backoff.Max = Duration(time.Second)
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected backoff ordering error")
	}

	cfg = base()
	cfg.Events.Enabled = true
	cfg.Events.NATSURL = ""
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected missing nats url error")
	}

	if err := base().Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestNormalizeBackoffMode(t *testing.T) {
	cases := []struct {
		in   string
		want BackoffMode
	}{
		{"fixed", BackoffFixed},
		{"LINEAR", BackoffLinear},
		{"  Exponential ", BackoffExponential},
		{"bogus", ""},
		{"", ""},
	}
	for _, c := range cases {
		if got := NormalizeBackoffMode(c.in); got != c.want {
			t.Fatalf("%q: expected %s got %s", c.in, c.want, got)
		}
	}
}
