package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// RouterMetrics holds metrics of the routing broker.
type RouterMetrics struct {
	// ActiveConnections tracks connected peers.
	ActiveConnections prometheus.Gauge

	// Registrations tracks live handler connections per service.
	// Labels: service
	Registrations *prometheus.GaugeVec

	// RequestsTotal counts routed requests by terminal outcome.
	// Labels: message_type, outcome
	RequestsTotal *prometheus.CounterVec

	// Pending tracks requests awaiting a reply.
	Pending prometheus.Gauge

	// RouteLatency measures time from acceptance to the terminal outcome.
	// Labels: message_type
	RouteLatency *prometheus.HistogramVec

	// DroppedReplies counts replies that matched no pending request.
	// Labels: reason (unknown, wrong_peer)
	DroppedReplies *prometheus.CounterVec
}

// Drop reasons.
const (
	DropUnknown   = "unknown"
	DropWrongPeer = "wrong_peer"
)

// NewRouterMetrics creates and registers router metrics with the default registry.
func NewRouterMetrics() *RouterMetrics {
	return NewRouterMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewRouterMetricsWithRegistry creates router metrics registered with a custom registry.
// Useful for testing to avoid conflicts with the default registry.
func NewRouterMetricsWithRegistry(reg prometheus.Registerer) *RouterMetrics {
	f := factory(reg)
	return &RouterMetrics{
		ActiveConnections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "active_connections",
			Help:      "Current number of connected peers.",
		}),
		Registrations: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "registrations",
			Help:      "Current number of handler connections, broken down by service.",
		}, []string{"service"}),
		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "requests_total",
			Help:      "Total number of routed requests, broken down by message type and outcome.",
		}, []string{"message_type", "outcome"}),
		Pending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "pending_requests",
			Help:      "Current number of requests awaiting a reply.",
		}),
		RouteLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "route_latency_seconds",
			Help:      "Time from request acceptance to its terminal outcome.",
			Buckets:   DefaultLatencyBuckets,
		}, []string{"message_type"}),
		DroppedReplies: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "dropped_replies_total",
			Help:      "Total number of replies dropped without forwarding, broken down by reason.",
		}, []string{"reason"}),
	}
}

// ConnectionOpened increments the active connections gauge.
func (m *RouterMetrics) ConnectionOpened() {
	m.ActiveConnections.Inc()
}

// ConnectionClosed decrements the active connections gauge.
func (m *RouterMetrics) ConnectionClosed() {
	m.ActiveConnections.Dec()
}

// SetRegistrations records the replica count of a service.
func (m *RouterMetrics) SetRegistrations(service string, n int) {
	m.Registrations.WithLabelValues(service).Set(float64(n))
}

// RecordOutcome records a request's terminal outcome. A request rejected
// before dispatch has a zero duration.
func (m *RouterMetrics) RecordOutcome(messageType, outcome string, durationSeconds float64) {
	m.RequestsTotal.WithLabelValues(messageType, outcome).Inc()
	m.RouteLatency.WithLabelValues(messageType).Observe(durationSeconds)
}

// RecordDropped counts a dropped reply.
func (m *RouterMetrics) RecordDropped(reason string) {
	m.DroppedReplies.WithLabelValues(reason).Inc()
}
