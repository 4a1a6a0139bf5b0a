package router

import (
	"context"
	"time"

	"github.com/howard-nolan/llmbridge/internal/capability"
	"github.com/howard-nolan/llmbridge/internal/ir"
)

// FromIR and ToIR exist so Router satisfies backend.Adapter in full, but a
// Router doesn't own a single wire shape — it delegates to whichever
// backend selectBackend would pick for req. Bridge normally calls
// Execute/ExecuteStream directly on a Router and never needs these; they
// exist for callers that want to inspect the wire body a Router would send
// without performing the round trip.
func (r *Router) FromIR(req ir.ChatRequest) ([]byte, []ir.SemanticWarning, error) {
	_, e, err := r.selectBackend(req, SelectOptions{})
	if err != nil {
		return nil, nil, err
	}
	return e.adapter.FromIR(req)
}

func (r *Router) ToIR(raw []byte, original ir.ChatRequest, latencyMs int64) (ir.ChatResponse, error) {
	_, e, err := r.selectBackend(original, SelectOptions{})
	if err != nil {
		return ir.ChatResponse{}, err
	}
	return e.adapter.ToIR(raw, original, latencyMs)
}

// ExecuteStream selects a backend the same way Execute does but does not
// apply the fallback chain: once a streaming response has started
// flowing, switching backends mid-stream isn't meaningful (§4.4 doesn't
// specify stream fallback; only the unary execute path gets retried).
func (r *Router) ExecuteStream(ctx context.Context, req ir.ChatRequest) (<-chan ir.StreamChunk, error) {
	_, e, err := r.selectBackend(req, SelectOptions{})
	if err != nil {
		return nil, err
	}
	chunks, err := e.adapter.ExecuteStream(ctx, req)
	if err != nil {
		e.recordFailure(r.cfg.CircuitBreakerThreshold, r.cfg.CircuitBreakerTimeout)
		return nil, err
	}
	e.recordSuccess(0)
	return chunks, nil
}

// HealthCheck reports true only if every registered backend is healthy.
func (r *Router) HealthCheck(ctx context.Context) bool {
	for _, ok := range r.CheckHealth(ctx) {
		if !ok {
			return false
		}
	}
	return true
}

// EstimateCost delegates to whichever backend selectBackend would pick.
func (r *Router) EstimateCost(req ir.ChatRequest) (float64, bool) {
	_, e, err := r.selectBackend(req, SelectOptions{})
	if err != nil {
		return 0, false
	}
	return e.adapter.EstimateCost(req)
}

// BackendStats is the point-in-time counter snapshot §4.4's getStats
// returns for one backend.
type BackendStats struct {
	Name                string
	TotalRequests       int64
	SuccessCount        int64
	FailureCount        int64
	ConsecutiveFailures int
	LastLatencyMs       int64
	CircuitState        CircuitState
}

// GetStats returns a stats snapshot for every registered backend, in
// registration order.
func (r *Router) GetStats() []BackendStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]BackendStats, 0, len(r.names))
	for _, name := range r.names {
		e := r.entries[name]
		e.mu.Lock()
		out = append(out, BackendStats{
			Name: name, TotalRequests: e.totalRequests, SuccessCount: e.successCount,
			FailureCount: e.failureCount, ConsecutiveFailures: e.consecutiveFailures,
			LastLatencyMs: e.lastLatencyMs, CircuitState: e.state,
		})
		e.mu.Unlock()
	}
	return out
}

// BackendInfo is the static + dynamic description §4.4's getBackendInfo
// returns for one backend.
type BackendInfo struct {
	Name         string
	Capabilities capability.Descriptor
	Stats        BackendStats
}

// GetBackendInfo returns name, capabilities, and stats for one backend.
func (r *Router) GetBackendInfo(name string) (BackendInfo, bool) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return BackendInfo{}, false
	}

	e.mu.Lock()
	stats := BackendStats{
		Name: name, TotalRequests: e.totalRequests, SuccessCount: e.successCount,
		FailureCount: e.failureCount, ConsecutiveFailures: e.consecutiveFailures,
		LastLatencyMs: e.lastLatencyMs, CircuitState: e.state,
	}
	e.mu.Unlock()

	return BackendInfo{Name: name, Capabilities: e.adapter.Capabilities(), Stats: stats}, true
}

// CheckHealth runs HealthCheck concurrently against every registered
// backend and returns a per-name result map.
func (r *Router) CheckHealth(ctx context.Context) map[string]bool {
	r.mu.RLock()
	names := append([]string(nil), r.names...)
	entries := make(map[string]*entry, len(names))
	for _, n := range names {
		entries[n] = r.entries[n]
	}
	r.mu.RUnlock()

	type result struct {
		name string
		ok   bool
	}
	results := make(chan result, len(names))
	for _, name := range names {
		name, e := name, entries[name]
		go func() {
			results <- result{name: name, ok: e.adapter.HealthCheck(ctx)}
		}()
	}

	out := make(map[string]bool, len(names))
	for range names {
		res := <-results
		out[res.name] = res.ok
	}
	return out
}

// OpenCircuitBreaker forces a backend's breaker open for the configured
// timeout, e.g. for an operator-triggered drain.
func (r *Router) OpenCircuitBreaker(name string) error {
	e, err := r.entry(name)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = CircuitOpen
	e.openedAt = time.Now()
	e.openUntil = e.openedAt.Add(r.cfg.CircuitBreakerTimeout)
	backendCircuitState.WithLabelValues(e.name).Set(circuitStateValue(e.state))
	return nil
}

// CloseCircuitBreaker forces a backend's breaker closed and clears its
// failure count.
func (r *Router) CloseCircuitBreaker(name string) error {
	e, err := r.entry(name)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = CircuitClosed
	e.consecutiveFailures = 0
	backendCircuitState.WithLabelValues(e.name).Set(circuitStateValue(e.state))
	return nil
}

// ResetCircuitBreaker zeroes a backend's request, success and failure
// counters without changing its circuit state.
func (r *Router) ResetCircuitBreaker(name string) error {
	e, err := r.entry(name)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.consecutiveFailures = 0
	e.totalRequests = 0
	e.successCount = 0
	e.failureCount = 0
	return nil
}

func (r *Router) entry(name string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, ir.NewError(ir.CategoryNoAvailableBackend, "unknown_backend", "backend "+name+" is not registered").
			WithProvenance(ir.ProvenanceRouter, "router")
	}
	return e, nil
}

// Clone produces a new Router sharing this one's backend map but with its
// own independent config (strategy, fallback chain, thresholds) and its
// own round-robin cursor (§4.4: "clone({config overrides}) producing a new
// router sharing the backend map").
func (r *Router) Clone(overrides Config) *Router {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cfg := r.cfg
	if overrides.Strategy != "" {
		cfg.Strategy = overrides.Strategy
	}
	if overrides.FallbackStrategy != "" {
		cfg.FallbackStrategy = overrides.FallbackStrategy
	}
	if overrides.DefaultBackend != "" {
		cfg.DefaultBackend = overrides.DefaultBackend
	}
	if overrides.FallbackChain != nil {
		cfg.FallbackChain = overrides.FallbackChain
	}
	if overrides.CircuitBreakerThreshold != 0 {
		cfg.CircuitBreakerThreshold = overrides.CircuitBreakerThreshold
	}
	if overrides.CircuitBreakerTimeout != 0 {
		cfg.CircuitBreakerTimeout = overrides.CircuitBreakerTimeout
	}

	clone := &Router{
		cfg:          cfg,
		names:        append([]string(nil), r.names...),
		entries:      r.entries, // shared backend map, per §4.4
		modelMapping: r.modelMapping,
		modelPattern: r.modelPattern,
	}
	return clone
}
