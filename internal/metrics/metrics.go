// Package metrics registers the process-wide Prometheus collectors. All
// counters live on the default registry and are exposed at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RecordsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opsrelay_records_ingested_total",
		Help: "Log records accepted by the event sink.",
	}, []string{"level"})

	IngestRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "opsrelay_ingest_rejected_total",
		Help: "Ingest calls rejected by validation.",
	})

	PersistDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "opsrelay_persist_dropped_total",
		Help: "Records dropped from persistence because the write queue was full.",
	})

	PersistErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "opsrelay_persist_errors_total",
		Help: "Failed durable-store writes.",
	})

	SubscriberPushes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "opsrelay_subscriber_pushes_total",
		Help: "Records pushed to live subscribers.",
	})

	SubscribersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "opsrelay_subscribers_active",
		Help: "Currently connected live subscribers.",
	})

	SubscribersDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "opsrelay_subscribers_dropped_total",
		Help: "Subscribers removed after a failed or timed-out push.",
	})

	EscalationsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opsrelay_escalations_created_total",
		Help: "Escalations created by the policy engine.",
	}, []string{"urgency"})

	EscalationsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "opsrelay_escalations_active",
		Help: "Escalations pending resolution.",
	})

	NotificationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opsrelay_notification_failures_total",
		Help: "Notification channel send failures.",
	}, []string{"channel"})
)
