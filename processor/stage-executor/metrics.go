package stageexecutor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	executions *prometheus.CounterVec
	duration   *prometheus.HistogramVec
}

// newMetrics registers the executor collectors on reg. A nil reg creates
// unregistered collectors.
func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		executions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "simflow",
			Name:      "stage_executions_total",
			Help:      "Stage agent invocations by stage and outcome.",
		}, []string{"stage", "outcome"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "simflow",
			Name:      "stage_duration_seconds",
			Help:      "Wall time of stage agent invocations.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"stage"}),
	}
}
