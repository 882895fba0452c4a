// Package metrics holds the Prometheus collectors for the relay's message
// path. Collectors are registered on the default registry at init and are
// exposed by the admin server's /metrics route next to the HTTP metrics.
//
// Labels are small closed sets (update kind, completion outcome, delivery
// result) so cardinality stays bounded regardless of user count.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Update kinds.
const (
	KindText     = "text"
	KindCommand  = "command"
	KindCallback = "callback"
	KindAuth     = "auth"
)

// Completion outcomes.
const (
	OutcomeOK        = "ok"
	OutcomeTimeout   = "timeout"
	OutcomeTransient = "transient"
	OutcomeError     = "error"
)

var (
	updates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_updates_total",
			Help: "Inbound updates handled, by kind.",
		},
		[]string{"kind"},
	)

	completions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_completions_total",
			Help: "Completion requests by outcome.",
		},
		[]string{"outcome"},
	)

	completionLat = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relay_completion_duration_seconds",
			Help:    "Time from admission to completion reply, including retries.",
			Buckets: []float64{0.5, 1, 2, 4, 8, 15, 20, 30, 45},
		},
	)

	rateWaits = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relay_ratelimit_wait_seconds",
			Help:    "Time spent waiting for a slot in the completion rate window.",
			Buckets: []float64{0.1, 1, 5, 10, 30, 60},
		},
	)

	persistFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_persist_failures_total",
			Help: "Background transcript saves that failed.",
		},
	)

	deliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_deliveries_total",
			Help: "Outbound replies by result (ok, fallback, failed).",
		},
		[]string{"result"},
	)

	retries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_retries_total",
			Help: "Retried attempts of transient operations.",
		},
	)
)

func init() {
	prometheus.MustRegister(updates, completions, completionLat, rateWaits, persistFailures, deliveries, retries)
}

// ObserveUpdate counts one inbound update of the given kind.
func ObserveUpdate(kind string) { updates.WithLabelValues(kind).Inc() }

// ObserveCompletion records a completion outcome and its latency.
func ObserveCompletion(outcome string, d time.Duration) {
	completions.WithLabelValues(outcome).Inc()
	completionLat.Observe(d.Seconds())
}

// ObserveRateLimitWait records one wait imposed by the rate window.
func ObserveRateLimitWait(d time.Duration) { rateWaits.Observe(d.Seconds()) }

// IncPersistFailure counts a failed background save.
func IncPersistFailure() { persistFailures.Inc() }

// IncRetry counts a retried attempt.
func IncRetry() { retries.Inc() }

// Delivery results.
const (
	DeliveryOK       = "ok"
	DeliveryFallback = "fallback"
	DeliveryFailed   = "failed"
)

// ObserveDelivery counts one outbound reply.
func ObserveDelivery(result string) { deliveries.WithLabelValues(result).Inc() }
