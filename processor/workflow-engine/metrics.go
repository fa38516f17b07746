package workflowengine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	started             prometheus.Counter
	finished            *prometheus.CounterVec
	persistenceFailures prometheus.Counter
	activeRuns          prometheus.Gauge
}

// newMetrics registers the engine collectors on reg. A nil reg yields
// unregistered collectors.
func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		started: f.NewCounter(prometheus.CounterOpts{
			Namespace: "simflow",
			Name:      "workflows_started_total",
			Help:      "Workflows started.",
		}),
		finished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "simflow",
			Name:      "workflows_finished_total",
			Help:      "Workflows that reached a terminal status.",
		}, []string{"status"}),
		persistenceFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: "simflow",
			Name:      "persistence_failures_total",
			Help:      "Run loop iterations aborted by a store failure.",
		}),
		activeRuns: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "simflow",
			Name:      "active_runs",
			Help:      "Run loops currently driving a workflow in this process.",
		}),
	}
}
