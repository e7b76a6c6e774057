package daemon

import (
	"context"

	"git.home.luguber.info/inful/metabuilder/internal/orchestrator"
)

// metricsPublisher counts lifecycle events into Prometheus and forwards to
// the optional downstream publisher. Every run event flows through here no
// matter which entry point produced it.
type metricsPublisher struct {
	next orchestrator.EventPublisher
}

func newMetricsPublisher(next orchestrator.EventPublisher) *metricsPublisher {
	return &metricsPublisher{next: next}
}

func (p *metricsPublisher) PublishRunEvent(ctx context.Context, event orchestrator.RunEvent) error {
	switch event.Type {
	case orchestrator.EventRunStarted:
		runsStartedTotal.Inc()
	case orchestrator.EventRunFinished:
		runsFinishedTotal.WithLabelValues(event.Detail).Inc()
	case orchestrator.EventRepairAction:
		repairDecisionsTotal.WithLabelValues(event.Action).Inc()
	}
	if p.next == nil {
		return nil
	}
	return p.next.PublishRunEvent(ctx, event)
}
