package retrystate

import (
	"fmt"
	"math/rand"
	"time"

	"git.home.luguber.info/inful/metabuilder/internal/config"
)

// BackoffPolicy encapsulates backoff settings for step retries.
// It is immutable after construction.
type BackoffPolicy struct {
	Mode    config.BackoffMode
	Initial time.Duration // base delay
	Max     time.Duration // cap for growth
	Jitter  bool          // full jitter applied after growth

	jitterFn func() float64 // overridable for deterministic tests
}

// DefaultBackoffPolicy returns the stock policy (exponential, 1s initial,
// 2m cap, jitter on).
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		Mode:     config.BackoffExponential,
		Initial:  time.Second,
		Max:      2 * time.Minute,
		Jitter:   true,
		jitterFn: rand.Float64,
	}
}

// NewBackoffPolicy builds a policy from config; zero/invalid values fall
// back to defaults.
func NewBackoffPolicy(cfg config.BackoffConfig) BackoffPolicy {
	p := DefaultBackoffPolicy()
	if m := config.NormalizeBackoffMode(cfg.Mode); m != "" {
		p.Mode = m
	}
	if cfg.Initial > 0 {
		p.Initial = cfg.Initial.Std()
	}
	if cfg.Max > 0 {
		p.Max = cfg.Max.Std()
	}
	p.Jitter = cfg.Jitter
	if p.Initial > p.Max {
		p.Initial = p.Max
	}
	return p
}

// Delay returns the backoff delay seeded by the given attempt number
// (1-based: first retry => 1).
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}

	var d time.Duration
	switch p.Mode {
	case config.BackoffFixed:
		d = p.Initial
	case config.BackoffLinear:
		d = time.Duration(attempt) * p.Initial
	default: // exponential
		shift := attempt - 1
		if shift > 30 {
			shift = 30 // avoid overflow; the cap applies anyway
		}
		d = p.Initial * (1 << shift)
	}
	if d > p.Max {
		d = p.Max
	}

	if p.Jitter {
		fn := p.jitterFn
		if fn == nil {
			fn = rand.Float64
		}
		// Full jitter: uniform in (0, d]. Never returns zero so a retry is
		// always scheduled strictly after the decision.
		d = time.Duration(fn() * float64(d))
		if d <= 0 {
			d = time.Millisecond
		}
	}
	return d
}

// Validate ensures invariants; returns error if the policy cannot apply.
func (p BackoffPolicy) Validate() error {
	if p.Initial <= 0 {
		return fmt.Errorf("initial must be >0")
	}
	if p.Max <= 0 {
		return fmt.Errorf("max must be >0")
	}
	return nil
}
