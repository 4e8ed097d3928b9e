package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// DispatchMetrics holds metrics of a service's dispatcher.
type DispatchMetrics struct {
	// HandledTotal counts handled requests by message type and outcome.
	HandledTotal *prometheus.CounterVec

	// InFlight tracks handlers currently running.
	InFlight prometheus.Gauge

	// HandlerLatency measures handler execution time.
	HandlerLatency *prometheus.HistogramVec

	// PanicsTotal counts handler panics converted into BUG replies.
	PanicsTotal *prometheus.CounterVec
}

// NewDispatchMetrics creates and registers dispatcher metrics with the default registry.
func NewDispatchMetrics() *DispatchMetrics {
	return NewDispatchMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewDispatchMetricsWithRegistry creates dispatcher metrics registered with a custom registry.
func NewDispatchMetricsWithRegistry(reg prometheus.Registerer) *DispatchMetrics {
	f := factory(reg)
	return &DispatchMetrics{
		HandledTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "handled_total",
			Help:      "Total number of dispatched requests, broken down by message type and outcome.",
		}, []string{"message_type", "outcome"}),
		InFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "in_flight",
			Help:      "Current number of running handlers.",
		}),
		HandlerLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "handler_latency_seconds",
			Help:      "Handler execution time in seconds, broken down by message type.",
			Buckets:   DefaultLatencyBuckets,
		}, []string{"message_type"}),
		PanicsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "panics_total",
			Help:      "Total number of recovered handler panics, broken down by message type.",
		}, []string{"message_type"}),
	}
}

// RecordHandled records one handled request.
func (m *DispatchMetrics) RecordHandled(messageType, outcome string, durationSeconds float64) {
	m.HandledTotal.WithLabelValues(messageType, outcome).Inc()
	m.HandlerLatency.WithLabelValues(messageType).Observe(durationSeconds)
}

// RecordPanic counts a recovered handler panic.
func (m *DispatchMetrics) RecordPanic(messageType string) {
	m.PanicsTotal.WithLabelValues(messageType).Inc()
}
