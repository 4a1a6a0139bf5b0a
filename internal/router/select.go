package router

import (
	"regexp"
	"time"

	"github.com/howard-nolan/llmbridge/internal/ir"
)

// SelectOptions narrows or overrides the configured selection strategy for
// one call to selectBackend/execute.
type SelectOptions struct {
	PreferredBackend string
	RoutingHint      string
}

// isAvailable reports whether e can currently be selected. An "open" entry
// whose timeout has passed moves to "half-open" and is reported available.
// A "half-open" entry is reported available to every caller until an
// attempt's outcome closes or reopens it, so concurrent selections during
// half-open are not limited to a single probe.
func (e *entry) isAvailable(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == CircuitOpen {
		if now.After(e.openUntil) {
			e.state = CircuitHalfOpen
			backendCircuitState.WithLabelValues(e.name).Set(circuitStateValue(e.state))
			return true
		}
		return false
	}
	return true
}

// selectBackend runs the five-step algorithm from §4.4: preferredBackend,
// then explicit routing hint, then model-based mapping/patterns, then
// round-robin, and finally the configured default.
func (r *Router) selectBackend(req ir.ChatRequest, opts SelectOptions) (string, *entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := time.Now()

	if opts.PreferredBackend != "" {
		e, ok := r.entries[opts.PreferredBackend]
		if !ok {
			return "", nil, ir.NewError(ir.CategoryNoAvailableBackend, "unknown_backend",
				"preferred backend "+opts.PreferredBackend+" is not registered").WithProvenance(ir.ProvenanceRouter, "router")
		}
		// isAvailable both answers the question and performs the
		// open->half-open transition once the timeout has elapsed, so
		// GetStats/GetBackendInfo reflect a probe in flight instead of
		// staying stuck on "open" until some other call path happens to
		// touch this entry.
		if !e.isAvailable(now) {
			return "", nil, ir.NewError(ir.CategoryCircuitOpen, "circuit_open",
				"preferred backend "+opts.PreferredBackend+" has an open circuit").WithProvenance(ir.ProvenanceRouter, "router")
		}
		return opts.PreferredBackend, e, nil
	}

	switch r.cfg.Strategy {
	case StrategyExplicit:
		if opts.RoutingHint != "" {
			if e, ok := r.entries[opts.RoutingHint]; ok && e.isAvailable(now) {
				return opts.RoutingHint, e, nil
			}
		}
	case StrategyModelBased:
		model := req.Parameters.Model
		if name, ok := r.modelMapping[model]; ok {
			if e, ok := r.entries[name]; ok && e.isAvailable(now) {
				return name, e, nil
			}
		}
		for _, mp := range r.modelPattern {
			if matchesModel(mp.pattern, model) {
				if e, ok := r.entries[mp.backend]; ok && e.isAvailable(now) {
					return mp.backend, e, nil
				}
			}
		}
	case StrategyRoundRobin:
		if name, e, ok := r.nextRoundRobin(now); ok {
			return name, e, nil
		}
		return "", nil, ir.NewError(ir.CategoryNoAvailableBackend, "no_available_backend",
			"no backend available for round-robin selection").WithProvenance(ir.ProvenanceRouter, "router")
	}

	if r.cfg.DefaultBackend == "" {
		return "", nil, ir.NewError(ir.CategoryNoAvailableBackend, "no_default_backend",
			"no default backend configured").WithProvenance(ir.ProvenanceRouter, "router")
	}
	e, ok := r.entries[r.cfg.DefaultBackend]
	if !ok {
		return "", nil, ir.NewError(ir.CategoryNoAvailableBackend, "no_default_backend",
			"configured default backend is not registered").WithProvenance(ir.ProvenanceRouter, "router")
	}
	if !e.isAvailable(now) {
		return "", nil, ir.NewError(ir.CategoryCircuitOpen, "circuit_open",
			"default backend has an open circuit").WithProvenance(ir.ProvenanceRouter, "router")
	}
	return r.cfg.DefaultBackend, e, nil
}

func matchesModel(re *regexp.Regexp, model string) bool {
	return re.MatchString(model)
}

// nextRoundRobin advances roundRobinIndex modulo len(names), skipping
// unavailable backends for up to one full pass (§4.4).
func (r *Router) nextRoundRobin(now time.Time) (string, *entry, bool) {
	n := len(r.names)
	if n == 0 {
		return "", nil, false
	}
	// roundRobinIndex gets its own mutex since selectBackend only holds
	// r.mu for read (concurrent selections are the common case) but still
	// needs to mutate this one shared counter.
	for i := 0; i < n; i++ {
		r.rrMu.Lock()
		idx := r.roundRobinIndex % n
		r.roundRobinIndex++
		r.rrMu.Unlock()

		name := r.names[idx]
		e := r.entries[name]
		if e != nil && e.isAvailable(now) {
			return name, e, true
		}
	}
	return "", nil, false
}
