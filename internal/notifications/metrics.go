package notifications

import (
	"time"

	"github.com/bissquit/fanfest-signup/internal/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	notificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "notifications",
			Name:      "sent_total",
			Help:      "Total delivery attempts by channel and outcome",
		},
		[]string{"channel_type", "status"},
	)

	notificationSendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metrics.Namespace,
			Subsystem: "notifications",
			Name:      "send_duration_seconds",
			Help:      "Time to send notification",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"channel_type"},
	)

	tasksSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "notifications",
			Name:      "tasks_skipped_total",
			Help:      "Tasks dropped without a delivery attempt, by reason",
		},
		[]string{"reason"},
	)

	slotRecycles = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "notifications",
			Name:      "slot_recycles_total",
			Help:      "Worker slots restarted after reaching their task limit",
		},
	)
)

func recordNotificationSent(channelType string, outcome Outcome) {
	notificationsSent.WithLabelValues(channelType, string(outcome)).Inc()
}

func recordNotificationDuration(channelType string, duration time.Duration) {
	notificationSendDuration.WithLabelValues(channelType).Observe(duration.Seconds())
}

func recordTaskSkipped(reason string) {
	tasksSkipped.WithLabelValues(reason).Inc()
}

func recordSlotRecycle() {
	slotRecycles.Inc()
}
