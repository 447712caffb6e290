package admission

import (
	"github.com/bissquit/fanfest-signup/internal/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	decisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "admission",
			Name:      "decisions_total",
			Help:      "Admission decisions by route class and result",
		},
		[]string{"class", "result", "mode"},
	)

	cacheErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "admission",
			Name:      "cache_errors_total",
			Help:      "Admission checks that fell back to the local limiter",
		},
		[]string{"class"},
	)
)

func recordDecision(class Class, allowed, degraded bool) {
	result := "denied"
	if allowed {
		result = "allowed"
	}
	mode := "cache"
	if degraded {
		mode = "fallback"
	}
	decisionsTotal.WithLabelValues(string(class), result, mode).Inc()
}

func recordCacheError(class Class) {
	cacheErrorsTotal.WithLabelValues(string(class)).Inc()
}
