package router

import (
	"context"
	"errors"
	"time"

	"github.com/howard-nolan/llmbridge/internal/ir"
)

// ExecuteOptions extends SelectOptions with the per-call fallback override;
// a zero value uses the Router's configured FallbackStrategy.
type ExecuteOptions struct {
	SelectOptions
	FallbackStrategy FallbackStrategy
}

func (r *Router) fallbackStrategy(opts ExecuteOptions) FallbackStrategy {
	if opts.FallbackStrategy != "" {
		return opts.FallbackStrategy
	}
	if r.cfg.FallbackStrategy != "" {
		return r.cfg.FallbackStrategy
	}
	return FallbackNone
}

// recordSuccess resets consecutiveFailures and, from half-open, closes the
// breaker (§4.4).
func (e *entry) recordSuccess(latencyMs int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.totalRequests++
	e.successCount++
	e.consecutiveFailures = 0
	e.lastLatencyMs = latencyMs
	backendRequestsTotal.WithLabelValues(e.name, "success").Inc()
	if e.state == CircuitHalfOpen {
		e.state = CircuitClosed
		backendCircuitState.WithLabelValues(e.name).Set(circuitStateValue(e.state))
	}
}

// recordFailure increments consecutiveFailures and opens the breaker once
// it reaches threshold (§4.4). A half-open probe that fails reopens
// immediately regardless of threshold, since it already used its one
// chance.
func (e *entry) recordFailure(threshold int, timeout time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.totalRequests++
	e.failureCount++
	e.consecutiveFailures++
	backendRequestsTotal.WithLabelValues(e.name, "failure").Inc()

	if e.state == CircuitHalfOpen || (threshold > 0 && e.consecutiveFailures >= threshold) {
		e.state = CircuitOpen
		e.openedAt = time.Now()
		e.openUntil = e.openedAt.Add(timeout)
		backendCircuitState.WithLabelValues(e.name).Set(circuitStateValue(e.state))
	}
}

// Execute runs selectBackend, invokes the chosen backend, updates stats,
// and — on a retryable failure — applies the fallback strategy (§4.4).
func (r *Router) Execute(ctx context.Context, req ir.ChatRequest) (ir.ChatResponse, error) {
	return r.execute(ctx, req, ExecuteOptions{})
}

// ExecuteWithOptions is Execute plus the routing knobs §4.4 exposes on the
// call itself: a preferred/explicit backend, a model-routing hint, and a
// per-call fallback strategy override.
func (r *Router) ExecuteWithOptions(ctx context.Context, req ir.ChatRequest, opts ExecuteOptions) (ir.ChatResponse, error) {
	return r.execute(ctx, req, opts)
}

func (r *Router) execute(ctx context.Context, req ir.ChatRequest, opts ExecuteOptions) (ir.ChatResponse, error) {
	tried := make(map[string]bool)

	name, e, err := r.selectBackend(req, opts.SelectOptions)
	if err != nil {
		return ir.ChatResponse{}, err
	}

	resp, attemptErr := r.attempt(ctx, name, e, req)
	if attemptErr == nil {
		return resp, nil
	}
	tried[name] = true

	var irErr *ir.Error
	if !errors.As(attemptErr, &irErr) || !irErr.Retryable {
		return ir.ChatResponse{}, attemptErr
	}

	attempts := []ir.BackendAttemptError{{Backend: name, Err: attemptErr}}

	switch r.fallbackStrategy(opts) {
	case FallbackSequential:
		for _, candidate := range r.remainingFallbacks(tried) {
			r.mu.RLock()
			ce, ok := r.entries[candidate]
			r.mu.RUnlock()
			if !ok || !ce.isAvailable(time.Now()) {
				continue
			}
			resp, attemptErr = r.attempt(ctx, candidate, ce, req)
			tried[candidate] = true
			if attemptErr == nil {
				return resp, nil
			}
			attempts = append(attempts, ir.BackendAttemptError{Backend: candidate, Err: attemptErr})
			if !errors.As(attemptErr, &irErr) || !irErr.Retryable {
				break
			}
		}
	case FallbackParallel:
		candidates := r.remainingFallbacks(tried)
		resp, racedErr, racedAttempts := r.raceFallbacks(ctx, candidates, req)
		attempts = append(attempts, racedAttempts...)
		if racedErr == nil {
			return resp, nil
		}
	case FallbackNone:
		// fall through to the aggregate below with just the one attempt
	}

	return ir.ChatResponse{}, &ir.AggregateError{
		Error:    ir.NewError(ir.CategoryNoAvailableBackend, "no_available_backend", "every backend attempt failed").WithProvenance(ir.ProvenanceRouter, "router"),
		Attempts: attempts,
	}
}

// remainingFallbacks returns the configured fallback chain with already
// tried backends removed, preserving order.
func (r *Router) remainingFallbacks(tried map[string]bool) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.cfg.FallbackChain))
	for _, n := range r.cfg.FallbackChain {
		if !tried[n] {
			out = append(out, n)
		}
	}
	return out
}

// raceFallbacks launches every candidate concurrently and returns the
// first success, cancelling the rest (§4.4 "parallel": "race all fallbacks
// concurrently; first success wins and remaining requests are cancelled").
func (r *Router) raceFallbacks(ctx context.Context, candidates []string, req ir.ChatRequest) (ir.ChatResponse, error, []ir.BackendAttemptError) {
	if len(candidates) == 0 {
		return ir.ChatResponse{}, errNoCandidates, nil
	}

	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		backend string
		resp    ir.ChatResponse
		err     error
	}
	results := make(chan result, len(candidates))

	for _, name := range candidates {
		name := name
		r.mu.RLock()
		e, ok := r.entries[name]
		r.mu.RUnlock()
		if !ok {
			continue
		}
		go func() {
			resp, err := r.attempt(raceCtx, name, e, req)
			results <- result{backend: name, resp: resp, err: err}
		}()
	}

	var attempts []ir.BackendAttemptError
	for i := 0; i < len(candidates); i++ {
		res := <-results
		if res.err == nil {
			cancel()
			return res.resp, nil, attempts
		}
		attempts = append(attempts, ir.BackendAttemptError{Backend: res.backend, Err: res.err})
	}
	return ir.ChatResponse{}, errNoCandidates, attempts
}

var errNoCandidates = ir.NewError(ir.CategoryNoAvailableBackend, "no_fallback_candidates", "no fallback backends were available to race")

// attempt runs one backend's Execute and updates its stats/circuit state.
func (r *Router) attempt(ctx context.Context, name string, e *entry, req ir.ChatRequest) (ir.ChatResponse, error) {
	start := time.Now()
	resp, err := e.adapter.Execute(ctx, req)
	latency := time.Since(start).Milliseconds()

	if err != nil {
		e.recordFailure(r.cfg.CircuitBreakerThreshold, r.cfg.CircuitBreakerTimeout)
		return ir.ChatResponse{}, err
	}

	e.recordSuccess(latency)
	resp.Metadata = resp.Metadata.WithProvenance(ir.ProvenanceRouter, name)
	return resp, nil
}
