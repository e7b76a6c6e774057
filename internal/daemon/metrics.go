package daemon

import (
	"net/http"
	"sync"

	prom "github.com/prometheus/client_golang/prometheus"
	promcollect "github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	promRegistry = prom.NewRegistry()

	runsStartedTotal = prom.NewCounter(prom.CounterOpts{
		Namespace: "metabuilder", Name: "runs_started_total",
		Help: "Total runs started",
	})
	runsFinishedTotal = prom.NewCounterVec(prom.CounterOpts{
		Namespace: "metabuilder", Name: "runs_finished_total",
		Help: "Total runs reaching a terminal state",
	}, []string{"status"})
	repairDecisionsTotal = prom.NewCounterVec(prom.CounterOpts{
		Namespace: "metabuilder", Name: "repair_decisions_total",
		Help: "Repair decisions by action",
	}, []string{"action"})
	leasesReclaimedTotal = prom.NewCounter(prom.CounterOpts{
		Namespace: "metabuilder", Name: "leases_reclaimed_total",
		Help: "Expired leases reclaimed by the sweep",
	})
	chaosInjectionsTotal = prom.NewCounter(prom.CounterOpts{
		Namespace: "metabuilder", Name: "chaos_injections_total",
		Help: "Chaos faults injected",
	})
)

var registerMetricsOnce sync.Once

// registerCollectors registers all collectors once; the active-lease gauge
// reads the manager at scrape time.
func registerCollectors(d *Daemon) {
	registerMetricsOnce.Do(func() {
		promRegistry.MustRegister(runsStartedTotal, runsFinishedTotal, repairDecisionsTotal,
			leasesReclaimedTotal, chaosInjectionsTotal)
		promRegistry.MustRegister(prom.NewGaugeFunc(prom.GaugeOpts{
			Namespace: "metabuilder", Name: "leases_active",
			Help: "Leases currently active and unexpired",
		}, func() float64 {
			return float64(d.leases.ActiveLeases())
		}))
		promRegistry.MustRegister(promcollect.NewGoCollector(), promcollect.NewProcessCollector(promcollect.ProcessCollectorOpts{}))
	})
}

func metricsHandler(d *Daemon) http.Handler {
	registerCollectors(d)
	return promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{})
}
