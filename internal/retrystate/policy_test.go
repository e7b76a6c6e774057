package retrystate

import (
	"testing"
	"time"

	"git.home.luguber.info/inful/metabuilder/internal/config"
)

func TestDelayModes(t *testing.T) {
	fixed := BackoffPolicy{Mode: config.BackoffFixed, Initial: 100 * time.Millisecond, Max: time.Second}
	for i := 1; i <= 4; i++ {
		if d := fixed.Delay(i); d != 100*time.Millisecond {
			t.Fatalf("fixed attempt %d expected 100ms got %v", i, d)
		}
	}

	linear := BackoffPolicy{Mode: config.BackoffLinear, Initial: 100 * time.Millisecond, Max: 250 * time.Millisecond}
	cases := []struct {
		attempt int
		want    time.Duration
	}{{1, 100 * time.Millisecond}, {2, 200 * time.Millisecond}, {3, 250 * time.Millisecond}, {4, 250 * time.Millisecond}}
	for _, c := range cases {
		if got := linear.Delay(c.attempt); got != c.want {
			t.Fatalf("linear attempt %d expected %v got %v", c.attempt, c.want, got)
		}
	}

	exp := BackoffPolicy{Mode: config.BackoffExponential, Initial: 50 * time.Millisecond, Max: 160 * time.Millisecond}
	expCases := []struct {
		attempt int
		want    time.Duration
	}{{1, 50 * time.Millisecond}, {2, 100 * time.Millisecond}, {3, 160 * time.Millisecond}, {4, 160 * time.Millisecond}}
	for _, c := range expCases {
		if got := exp.Delay(c.attempt); got != c.want {
			t.Fatalf("exp attempt %d expected %v got %v", c.attempt, c.want, got)
		}
	}
}

func TestDelayEdgeCases(t *testing.T) {
	p := BackoffPolicy{Mode: config.BackoffExponential, Initial: 10 * time.Millisecond, Max: time.Second}
	if d := p.Delay(0); d != 0 {
		t.Fatalf("attempt 0 expected 0 got %v", d)
	}
	if d := p.Delay(-1); d != 0 {
		t.Fatalf("attempt -1 expected 0 got %v", d)
	}
	// Huge attempt numbers must not overflow; the cap applies.
	if d := p.Delay(500); d != time.Second {
		t.Fatalf("attempt 500 expected cap got %v", d)
	}
}

func TestJitterStaysWithinDelayAndNeverZero(t *testing.T) {
	p := BackoffPolicy{
		Mode:     config.BackoffExponential,
		Initial:  time.Second,
		Max:      time.Minute,
		Jitter:   true,
		jitterFn: func() float64 { return 0.5 },
	}
	if d := p.Delay(2); d != time.Second {
		t.Fatalf("expected half of 2s got %v", d)
	}

	p.jitterFn = func() float64 { return 0 }
	if d := p.Delay(1); d != time.Millisecond {
		t.Fatalf("jitter floor expected 1ms got %v", d)
	}
}

func TestNewBackoffPolicyFromConfig(t *testing.T) {
	p := NewBackoffPolicy(config.BackoffConfig{
		Mode:    "linear",
		Initial: config.Duration(5 * time.Second),
		Max:     config.Duration(2 * time.Second),
	})
	if p.Mode != config.BackoffLinear {
		t.Fatalf("expected linear got %s", p.Mode)
	}
	// initial > max -> clamped
	if p.Initial != 2*time.Second {
		t.Fatalf("expected clamped initial 2s got %v", p.Initial)
	}
}
