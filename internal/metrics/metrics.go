// Package metrics holds the Prometheus collectors shared by the payment
// flow components. Collectors register on the default registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	FlowsInitiated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "obpayments_flows_initiated_total",
			Help: "Payment initiations, by result.",
		},
		[]string{"result"}, // success, failure
	)

	Callbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "obpayments_callbacks_total",
			Help: "Authorization callbacks processed, by result.",
		},
		[]string{"result"}, // executed, missing_code, unknown_state, failed
	)

	Payments = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "obpayments_payments_total",
			Help: "Domestic payment submissions, by result.",
		},
		[]string{"result"},
	)

	BankRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "obpayments_bank_request_duration_seconds",
			Help:    "Duration of calls to the bank, by endpoint.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	PendingAuthorizations = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "obpayments_pending_authorizations",
			Help: "Correlation entries awaiting an authorization callback.",
		},
	)

	FlowTokens = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "obpayments_flow_tokens",
			Help: "Per-flow access tokens currently retained.",
		},
	)

	EventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "obpayments_events_dropped_total",
			Help: "Flow events dropped because a subscriber buffer was full.",
		},
	)

	Verifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "obpayments_response_verifications_total",
			Help: "Post-execution response signature checks, by result.",
		},
		[]string{"result"}, // verified, unverified, error, dropped
	)
)

// Handler serves the default registry in the exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}
