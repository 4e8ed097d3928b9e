package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetadataMetrics holds metrics related to metadata store operations.
type MetadataMetrics struct {
	// LatencyHistogram tracks store operation latencies.
	// Labels: operation (get, put, put_ephemeral, delete, list, watch), status (success, failure)
	LatencyHistogram *prometheus.HistogramVec

	// RequestsTotal tracks total store operations.
	RequestsTotal *prometheus.CounterVec
}

// Metadata operation label values.
const (
	OpGet          = "get"
	OpPut          = "put"
	OpPutEphemeral = "put_ephemeral"
	OpDelete       = "delete"
	OpList         = "list"
	OpWatch        = "watch"
)

// DefaultMetadataLatencyBuckets are latency buckets for metadata operations,
// which are typically sub-ms to tens of ms.
var DefaultMetadataLatencyBuckets = []float64{
	0.0001, // 0.1ms
	0.0005, // 0.5ms
	0.001,  // 1ms
	0.005,  // 5ms
	0.01,   // 10ms
	0.05,   // 50ms
	0.1,    // 100ms
	0.5,    // 500ms
	1.0,    // 1s
	5.0,    // 5s
}

// NewMetadataMetrics creates and registers metadata metrics with the default registry.
func NewMetadataMetrics() *MetadataMetrics {
	return NewMetadataMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetadataMetricsWithRegistry creates metadata metrics registered with a custom registry.
func NewMetadataMetricsWithRegistry(reg prometheus.Registerer) *MetadataMetrics {
	f := factory(reg)
	return &MetadataMetrics{
		LatencyHistogram: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "metadata",
			Name:      "operation_latency_seconds",
			Help:      "Metadata store operation latency in seconds, broken down by operation type and status.",
			Buckets:   DefaultMetadataLatencyBuckets,
		}, []string{"operation", "status"}),
		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "metadata",
			Name:      "operations_total",
			Help:      "Total number of metadata store operations, broken down by operation type and status.",
		}, []string{"operation", "status"}),
	}
}

// RecordOperation records a store operation latency and increments the request counter.
func (m *MetadataMetrics) RecordOperation(operation string, durationSeconds float64, success bool) {
	s := status(success)
	m.LatencyHistogram.WithLabelValues(operation, s).Observe(durationSeconds)
	m.RequestsTotal.WithLabelValues(operation, s).Inc()
}
