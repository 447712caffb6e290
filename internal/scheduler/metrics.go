package scheduler

import (
	"github.com/bissquit/fanfest-signup/internal/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sweepRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "sweeper",
			Name:      "runs_total",
			Help:      "Recovery sweep runs by result",
		},
		[]string{"result"},
	)

	sweepRequeued = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "sweeper",
			Name:      "requeued_total",
			Help:      "Stale pending signups put back on the dispatch queue",
		},
	)
)

func recordSweep(result string, requeued int) {
	sweepRuns.WithLabelValues(result).Inc()
	sweepRequeued.Add(float64(requeued))
}
