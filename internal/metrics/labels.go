package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "bldr"

// Label values for the status label of metadata operations.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// OutcomeOK is the outcome label of a successful routed request. Failed
// requests carry their error code.
const OutcomeOK = "OK"

// DefaultLatencyBuckets spans a local hop of 100µs up to the 30s router
// request timeout.
var DefaultLatencyBuckets = prometheus.ExponentialBucketsRange(0.0001, 30, 16)

func factory(reg prometheus.Registerer) promauto.Factory {
	return promauto.With(reg)
}

func status(success bool) string {
	if success {
		return StatusSuccess
	}
	return StatusFailure
}
