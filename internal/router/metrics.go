package router

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// backendRequestsTotal and backendCircuitState are the Prometheus
// counterpart to BackendStats/GetStats: the plain-Go struct is for a
// caller that wants a one-shot in-process snapshot, these are for a
// scraper polling /metrics over time. promauto registers both against the
// default registry on package init, which is what internal/httpserver's
// promhttp.Handler() serves — importing this package is enough to make
// them show up, the same way registering a frontend adapter via init()
// makes it available by name without any extra wiring at the call site.
var (
	backendRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "llmbridge_backend_requests_total",
		Help: "Total backend execution attempts, partitioned by backend name and outcome (success/failure).",
	}, []string{"backend", "outcome"})

	backendCircuitState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "llmbridge_backend_circuit_state",
		Help: "Current circuit breaker state per backend: 0=closed, 1=half-open, 2=open.",
	}, []string{"backend"})
)

// circuitStateValue maps a CircuitState onto the gauge value §4.4's
// three-state machine reports externally.
func circuitStateValue(s CircuitState) float64 {
	switch s {
	case CircuitHalfOpen:
		return 1
	case CircuitOpen:
		return 2
	default:
		return 0
	}
}
