package canary

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
)

// Verdict is the comparator's judgement over a sample window.
type Verdict string

const (
	VerdictTreatmentBetter Verdict = "treatment_better"
	VerdictControlBetter   Verdict = "control_better"
	VerdictInconclusive    Verdict = "inconclusive"
)

// GroupStats aggregates completed samples of one group.
type GroupStats struct {
	Samples     int           `json:"samples"`
	SuccessRate float64       `json:"success_rate"`
	MeanCost    float64       `json:"mean_cost"`
	MeanTime    time.Duration `json:"mean_time"`
	MeanRetries float64       `json:"mean_retries"`
	Replans     int           `json:"replans"`
	Rollbacks   int           `json:"rollbacks"`
}

// Comparison is the full comparator output, served read-only over the ops
// API. Never auto-promotes; a human acts on the verdict.
type Comparison struct {
	Verdict     Verdict    `json:"verdict"`
	Reason      string     `json:"reason"`
	Control     GroupStats `json:"control"`
	Treatment   GroupStats `json:"treatment"`
	WindowStart time.Time  `json:"window_start"`
	ComputedAt  time.Time  `json:"computed_at"`
}

// Comparator computes control-vs-treatment statistics over a rolling window.
type Comparator struct {
	samples    SamplePersister
	window     time.Duration
	minSamples int
	clock      clockwork.Clock
}

// NewComparator creates a comparator over the given window. A verdict other
// than inconclusive requires at least minSamples completed runs per group.
func NewComparator(samples SamplePersister, window time.Duration, minSamples int, clock clockwork.Clock) *Comparator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Comparator{
		samples:    samples,
		window:     window,
		minSamples: minSamples,
		clock:      clock,
	}
}

// successDelta is the minimum success-rate gap treated as a real effect
// rather than noise.
const successDelta = 0.05

// Compare aggregates the window and renders a verdict.
func (c *Comparator) Compare(ctx context.Context) (Comparison, error) {
	now := c.clock.Now()
	since := now.Add(-c.window)

	rows, err := c.samples.ListCompletedSamples(ctx, since)
	if err != nil {
		return Comparison{}, fmt.Errorf("load canary samples: %w", err)
	}

	var control, treatment agg
	for _, row := range rows {
		switch row.Group {
		case GroupControl:
			control.add(row.Success != nil && *row.Success, row.Cost, row.Duration, row.Retries, row.Replans, row.Rollbacks)
		case GroupTreatment:
			treatment.add(row.Success != nil && *row.Success, row.Cost, row.Duration, row.Retries, row.Replans, row.Rollbacks)
		}
	}

	cmp := Comparison{
		Control:     control.stats(),
		Treatment:   treatment.stats(),
		WindowStart: since,
		ComputedAt:  now,
	}

	if control.n < c.minSamples || treatment.n < c.minSamples {
		cmp.Verdict = VerdictInconclusive
		cmp.Reason = fmt.Sprintf("need %d samples per group, have control=%d treatment=%d",
			c.minSamples, control.n, treatment.n)
		return cmp, nil
	}

	diff := cmp.Treatment.SuccessRate - cmp.Control.SuccessRate
	switch {
	case diff >= successDelta:
		cmp.Verdict = VerdictTreatmentBetter
		cmp.Reason = fmt.Sprintf("treatment success rate %.2f vs control %.2f",
			cmp.Treatment.SuccessRate, cmp.Control.SuccessRate)
	case diff <= -successDelta:
		cmp.Verdict = VerdictControlBetter
		cmp.Reason = fmt.Sprintf("control success rate %.2f vs treatment %.2f",
			cmp.Control.SuccessRate, cmp.Treatment.SuccessRate)
	default:
		// Success rates are close; break the tie on mean cost when it is
		// clearly lower on one side.
		switch {
		case cmp.Control.MeanCost > 0 && cmp.Treatment.MeanCost < cmp.Control.MeanCost*0.9:
			cmp.Verdict = VerdictTreatmentBetter
			cmp.Reason = fmt.Sprintf("equal success, treatment mean cost %.2f vs control %.2f",
				cmp.Treatment.MeanCost, cmp.Control.MeanCost)
		case cmp.Treatment.MeanCost > 0 && cmp.Control.MeanCost < cmp.Treatment.MeanCost*0.9:
			cmp.Verdict = VerdictControlBetter
			cmp.Reason = fmt.Sprintf("equal success, control mean cost %.2f vs treatment %.2f",
				cmp.Control.MeanCost, cmp.Treatment.MeanCost)
		default:
			cmp.Verdict = VerdictInconclusive
			cmp.Reason = fmt.Sprintf("success rate difference %.3f below threshold %.2f", diff, successDelta)
		}
	}

	slog.Info("Canary comparison computed",
		slog.String("verdict", string(cmp.Verdict)),
		slog.Int("control_samples", control.n),
		slog.Int("treatment_samples", treatment.n))
	return cmp, nil
}

type agg struct {
	n         int
	successes int
	cost      float64
	dur       time.Duration
	retries   int
	replans   int
	rollbacks int
}

func (a *agg) add(success bool, cost float64, dur time.Duration, retries, replans, rollbacks int) {
	a.n++
	if success {
		a.successes++
	}
	a.cost += cost
	a.dur += dur
	a.retries += retries
	a.replans += replans
	a.rollbacks += rollbacks
}

func (a agg) stats() GroupStats {
	s := GroupStats{
		Samples:   a.n,
		Replans:   a.replans,
		Rollbacks: a.rollbacks,
	}
	if a.n > 0 {
		s.SuccessRate = float64(a.successes) / float64(a.n)
		s.MeanCost = a.cost / float64(a.n)
		s.MeanTime = a.dur / time.Duration(a.n)
		s.MeanRetries = float64(a.retries) / float64(a.n)
	}
	return s
}
