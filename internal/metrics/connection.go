package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// ConnectionMetrics holds metrics of a process's connections to routers.
type ConnectionMetrics struct {
	// SessionsTotal counts established sessions. A value above the number
	// of routers means reconnects happened.
	// Labels: router
	SessionsTotal *prometheus.CounterVec

	// DialFailuresTotal counts failed dial attempts.
	// Labels: router
	DialFailuresTotal *prometheus.CounterVec

	// Ready is 1 while the connection to a router has a live session.
	// Labels: router
	Ready *prometheus.GaugeVec

	// SendQueueFullTotal counts envelopes rejected by a full send queue.
	SendQueueFullTotal prometheus.Counter
}

// NewConnectionMetrics creates and registers connection metrics with the default registry.
func NewConnectionMetrics() *ConnectionMetrics {
	return NewConnectionMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewConnectionMetricsWithRegistry creates connection metrics registered with a custom registry.
func NewConnectionMetricsWithRegistry(reg prometheus.Registerer) *ConnectionMetrics {
	f := factory(reg)
	return &ConnectionMetrics{
		SessionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "conn",
			Name:      "sessions_total",
			Help:      "Total number of established router sessions.",
		}, []string{"router"}),
		DialFailuresTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "conn",
			Name:      "dial_failures_total",
			Help:      "Total number of failed router dial attempts.",
		}, []string{"router"}),
		Ready: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "conn",
			Name:      "ready",
			Help:      "Whether the connection to a router has a live session.",
		}, []string{"router"}),
		SendQueueFullTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "conn",
			Name:      "send_queue_full_total",
			Help:      "Total number of envelopes rejected because the send queue was full.",
		}),
	}
}

// SessionEstablished records a new session to router.
func (m *ConnectionMetrics) SessionEstablished(router string) {
	m.SessionsTotal.WithLabelValues(router).Inc()
	m.Ready.WithLabelValues(router).Set(1)
}

// SessionLost records the end of a session to router.
func (m *ConnectionMetrics) SessionLost(router string) {
	m.Ready.WithLabelValues(router).Set(0)
}

// DialFailed records a failed dial attempt.
func (m *ConnectionMetrics) DialFailed(router string) {
	m.DialFailuresTotal.WithLabelValues(router).Inc()
}
