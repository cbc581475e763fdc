// Package metrics exposes the substrate's Prometheus instrumentation.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Outbox / relay metrics
	OutboxEnqueued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "eventfold_outbox_enqueued_total",
			Help: "Total number of integration events enqueued to the outbox",
		},
	)

	OutboxDequeued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "eventfold_outbox_dequeued_total",
			Help: "Total number of outbox events claimed by workers",
		},
	)

	OutboxPublished = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "eventfold_outbox_published_total",
			Help: "Total number of outbox events completed as published",
		},
	)

	OutboxFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "eventfold_outbox_failed_total",
			Help: "Total number of outbox publish failures marked for retry",
		},
	)

	RelayPollDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "eventfold_relay_poll_duration_seconds",
			Help:    "Duration of one relay poll round (dequeue, publish, settle)",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Inbox metrics
	InboxReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventfold_inbox_received_total",
			Help: "Total number of inbox receive calls by outcome",
		},
		[]string{"outcome"},
	)

	InboxCompleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "eventfold_inbox_completed_total",
			Help: "Total number of inbox events completed as published",
		},
	)

	InboxFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "eventfold_inbox_failed_total",
			Help: "Total number of inbox handling failures marked for retry",
		},
	)

	// Subscription metrics
	SubscriptionDelivered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventfold_subscription_delivered_total",
			Help: "Total number of envelopes delivered to subscription handlers",
		},
		[]string{"scope"},
	)

	SubscriptionCursor = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "eventfold_subscription_cursor",
			Help: "Last cursor (version or sequence) delivered per subscription scope",
		},
		[]string{"scope"},
	)
)

var registerOnce sync.Once

// Register installs all collectors on the default registry. Calling it
// more than once is a no-op.
func Register() {
	registerOnce.Do(registerAll)
}

func registerAll() {
	prometheus.MustRegister(
		OutboxEnqueued,
		OutboxDequeued,
		OutboxPublished,
		OutboxFailed,
		RelayPollDuration,
		InboxReceived,
		InboxCompleted,
		InboxFailed,
		SubscriptionDelivered,
		SubscriptionCursor,
	)
}

// Handler serves the default registry, mounted by the relay daemon.
func Handler() http.Handler {
	return promhttp.Handler()
}
