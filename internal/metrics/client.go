package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// ClientMetrics holds metrics of the routing client facade.
type ClientMetrics struct {
	// CallsTotal counts routed calls by message type and outcome.
	CallsTotal *prometheus.CounterVec

	// CallLatency measures the time a caller waited for its outcome.
	CallLatency *prometheus.HistogramVec

	// Pending tracks calls awaiting a reply.
	Pending prometheus.Gauge
}

// NewClientMetrics creates and registers client metrics with the default registry.
func NewClientMetrics() *ClientMetrics {
	return NewClientMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewClientMetricsWithRegistry creates client metrics registered with a custom registry.
func NewClientMetricsWithRegistry(reg prometheus.Registerer) *ClientMetrics {
	f := factory(reg)
	return &ClientMetrics{
		CallsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "calls_total",
			Help:      "Total number of routed calls, broken down by message type and outcome.",
		}, []string{"message_type", "outcome"}),
		CallLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "call_latency_seconds",
			Help:      "Routed call latency in seconds, broken down by message type.",
			Buckets:   DefaultLatencyBuckets,
		}, []string{"message_type"}),
		Pending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "pending_calls",
			Help:      "Current number of calls awaiting a reply.",
		}),
	}
}

// RecordCall records one finished call.
func (m *ClientMetrics) RecordCall(messageType, outcome string, durationSeconds float64) {
	m.CallsTotal.WithLabelValues(messageType, outcome).Inc()
	m.CallLatency.WithLabelValues(messageType).Observe(durationSeconds)
}
