// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ReconcileOutcomes counts processed gateway payloads by channel and outcome.
	ReconcileOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paysync",
		Subsystem: "reconcile",
		Name:      "outcomes_total",
		Help:      "Gateway payloads by delivery channel and outcome.",
	}, []string{"channel", "outcome"})

	// RenewalAttempts counts renewal charges by result.
	RenewalAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paysync",
		Subsystem: "renewal",
		Name:      "attempts_total",
		Help:      "Renewal charge attempts by result.",
	}, []string{"result"})

	// DedupCleanupDeleted counts dedup entries removed by cleanup.
	DedupCleanupDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "paysync",
		Subsystem: "dedup",
		Name:      "cleanup_deleted_total",
		Help:      "Expired dedup entries removed by cleanup.",
	})
)

func ObserveReconcile(channel, outcome string) {
	ReconcileOutcomes.WithLabelValues(channel, outcome).Inc()
}

func ObserveRenewal(result string) {
	RenewalAttempts.WithLabelValues(result).Inc()
}
