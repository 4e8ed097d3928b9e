// Package metrics provides Prometheus metrics for observability.
//
// This package exposes metrics for the routing mesh:
//   - Router: active connections, registrations per service, requests by
//     message type and outcome, pending requests, routing latency, dropped
//     replies
//   - Client: calls by message type and outcome, call latency, pending calls
//   - Dispatcher: handled requests by message type and outcome, handlers in
//     flight, handler latency, recovered panics
//   - Connection: reconnects and current session state
//   - Metadata: store operation latency and counts
//
// Outcomes are either OutcomeOK or the error code name carried by the reply
// (TIMEOUT, NO_SHARD, NOT_FOUND, ...).
//
// Metrics are exposed via a dedicated HTTP server on /metrics in Prometheus format.
//
// Usage:
//
//	routerMetrics := metrics.NewRouterMetrics()
//	r := router.New(cfg, store, logger).WithMetrics(routerMetrics)
//
//	metricsServer := metrics.NewServer(":9090")
//	metricsServer.Start()
package metrics
