package dedup

import (
	"github.com/bissquit/fanfest-signup/internal/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	tierCache       = "cache"
	tierStore       = "store"
	tierReservation = "reservation"
	tierNone        = "none"
)

var (
	checksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "dedup",
			Name:      "checks_total",
			Help:      "Duplicate checks by the tier that detected a duplicate (none for fresh)",
		},
		[]string{"tier"},
	)

	cacheErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "dedup",
			Name:      "cache_errors_total",
			Help:      "Cache failures tolerated by the duplicate guard",
		},
		[]string{"op"},
	)
)

func recordCheck(tier string) {
	checksTotal.WithLabelValues(tier).Inc()
}

func recordCacheError(op string) {
	cacheErrorsTotal.WithLabelValues(op).Inc()
}
