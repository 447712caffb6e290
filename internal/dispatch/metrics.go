package dispatch

import (
	"github.com/bissquit/fanfest-signup/internal/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var queueDepth = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: metrics.Namespace,
		Subsystem: "dispatch",
		Name:      "queue_depth",
		Help:      "Number of queued confirmation tasks by state",
	},
	[]string{"state"},
)

// RecordDepth updates queue depth metrics.
func RecordDepth(d Depth) {
	queueDepth.WithLabelValues("ready").Set(float64(d.Ready))
	queueDepth.WithLabelValues("delayed").Set(float64(d.Delayed))
}
