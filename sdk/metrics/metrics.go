// Package metrics provides Prometheus metrics for the othent sdk.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "othent"

// Metrics groups the sdk collectors. A nil *Metrics records nothing.
type Metrics struct {
	// TokenRequests counts identity token requests by flow and outcome.
	TokenRequests *prometheus.CounterVec
	// KMSRequests counts remote key service calls by operation and outcome.
	KMSRequests *prometheus.CounterVec
	// KMSDuration measures remote key service calls.
	KMSDuration *prometheus.HistogramVec
	// SessionTransitions counts cached identity changes.
	SessionTransitions *prometheus.CounterVec
	// Dispatches counts dispatched transactions by upload type.
	Dispatches *prometheus.CounterVec
}

// New registers the collectors on reg. A nil reg builds unregistered
// collectors.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TokenRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "token_requests_total",
				Help:      "Total number of identity token requests",
			},
			[]string{"flow", "outcome"},
		),
		KMSRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "kms_requests_total",
				Help:      "Total number of remote key service requests",
			},
			[]string{"operation", "outcome"},
		),
		KMSDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "kms_request_duration_seconds",
				Help:      "Duration of remote key service requests in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		SessionTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "session_transitions_total",
				Help:      "Total number of cached identity transitions",
			},
			[]string{"state"},
		),
		Dispatches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatch_total",
				Help:      "Total number of dispatched transactions",
			},
			[]string{"type"},
		),
	}
}

func (m *Metrics) RecordToken(flow, outcome string) {
	if m == nil {
		return
	}
	m.TokenRequests.WithLabelValues(flow, outcome).Inc()
}

func (m *Metrics) RecordKMS(operation, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.KMSRequests.WithLabelValues(operation, outcome).Inc()
	m.KMSDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordSession records a transition to "authenticated" or "anonymous".
func (m *Metrics) RecordSession(state string) {
	if m == nil {
		return
	}
	m.SessionTransitions.WithLabelValues(state).Inc()
}

func (m *Metrics) RecordDispatch(uploadType string) {
	if m == nil {
		return
	}
	m.Dispatches.WithLabelValues(uploadType).Inc()
}
