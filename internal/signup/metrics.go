package signup

import (
	"github.com/bissquit/fanfest-signup/internal/domain"
	"github.com/bissquit/fanfest-signup/internal/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	outcomeCreated     = "created"
	outcomeDuplicate   = "duplicate"
	outcomeInvalid     = "invalid"
	outcomeUnavailable = "unavailable"
)

var (
	submissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "signup",
			Name:      "submissions_total",
			Help:      "Signup submissions by outcome",
		},
		[]string{"outcome"},
	)

	enqueueFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "signup",
			Name:      "enqueue_failures_total",
			Help:      "Committed signups whose confirmation task could not be enqueued",
		},
	)

	signupsStored = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: metrics.Namespace,
			Subsystem: "signup",
			Name:      "stored",
			Help:      "Stored signups: total, today, and per notification status",
		},
		[]string{"scope"},
	)
)

func recordSubmission(outcome string) {
	submissionsTotal.WithLabelValues(outcome).Inc()
}

func recordEnqueueFailure() {
	enqueueFailuresTotal.Inc()
}

// RecordStats updates stored signup gauges.
func RecordStats(s *Stats) {
	signupsStored.WithLabelValues("total").Set(float64(s.Total))
	signupsStored.WithLabelValues("today").Set(float64(s.Today))
	for _, status := range []domain.NotificationStatus{domain.NotificationPending, domain.NotificationSent, domain.NotificationFailed} {
		signupsStored.WithLabelValues("status_" + string(status)).Set(float64(s.ByStatus[status]))
	}
}
