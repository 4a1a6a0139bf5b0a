// Package router implements the backend multiplexer §4.4 describes: a
// named registry of backend.Adapter instances, a selection strategy, a
// fallback chain, fan-out dispatch, and a per-backend circuit breaker. A
// Router satisfies backend.Adapter itself, so a Bridge can't tell whether
// it's talking to one concrete backend or a whole registry behind one.
package router

import (
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/howard-nolan/llmbridge/internal/backend"
	"github.com/howard-nolan/llmbridge/internal/capability"
)

// Strategy selects how selectBackend picks among registered backends when
// no preferredBackend option overrides it.
type Strategy string

const (
	StrategyExplicit   Strategy = "explicit"
	StrategyModelBased Strategy = "model-based"
	StrategyRoundRobin Strategy = "round-robin"
	StrategyDefault    Strategy = "default"
)

// FallbackStrategy controls how execute reacts to a retryable failure.
type FallbackStrategy string

const (
	FallbackSequential FallbackStrategy = "sequential"
	FallbackParallel   FallbackStrategy = "parallel"
	FallbackNone       FallbackStrategy = "none"
)

// DispatchMode controls dispatchParallel's fan-out semantics.
type DispatchMode string

const (
	DispatchAll      DispatchMode = "all"
	DispatchRace     DispatchMode = "race"
	DispatchFastestN DispatchMode = "fastest-n"
)

// CircuitState is one backend's circuit-breaker phase.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half-open"
)

// modelPattern pairs a compiled regex with the backend name it routes to,
// preserving registration order for first-match-wins semantics.
type modelPattern struct {
	pattern *regexp.Regexp
	backend string
}

// entry is one backend's registration plus its mutable bookkeeping. The
// mutex-guarded counters stand in for the spec's "atomic counter/flag
// update" model: Go goroutines are truly concurrent (not cooperative), so
// a mutex is the idiomatic way to keep a read-modify-write sequence of
// several related fields consistent.
type entry struct {
	mu sync.Mutex

	// name is the registry key this entry was registered under — kept
	// here too (not just as the r.entries map key) so recordSuccess/
	// recordFailure/isAvailable can label Prometheus series without the
	// caller needing to thread the name through every call.
	name string

	adapter backend.Adapter

	totalRequests       int64
	successCount        int64
	failureCount        int64
	consecutiveFailures int
	lastLatencyMs       int64

	state        CircuitState
	openedAt     time.Time
	openUntil    time.Time
}

// Config is the tunable policy a Router applies: thresholds, timeouts, and
// the default strategy/backend. Zero-value Config is usable but opens no
// circuits and always uses StrategyDefault.
type Config struct {
	Strategy                Strategy
	FallbackStrategy        FallbackStrategy
	DefaultBackend          string
	FallbackChain           []string
	CircuitBreakerThreshold int
	CircuitBreakerTimeout   time.Duration
}

// Router is a named registry of backends behind one selection policy. It
// satisfies backend.Adapter (§4.4: "the Router itself satisfies the
// Backend contract") so a Bridge can hold either a concrete backend or a
// Router interchangeably.
type Router struct {
	mu sync.RWMutex

	cfg Config

	names        []string // insertion order, for round-robin and clone()
	entries      map[string]*entry
	modelMapping map[string]string
	modelPattern []modelPattern

	rrMu            sync.Mutex
	roundRobinIndex int
}

// New builds an empty Router. Register backends with Register before
// routing any traffic.
func New(cfg Config) *Router {
	return &Router{
		cfg:          cfg,
		entries:      make(map[string]*entry),
		modelMapping: make(map[string]string),
	}
}

func (r *Router) Name() string { return "router" }

// Capabilities returns the union-like placeholder descriptor a Router
// reports of itself; callers that need a specific backend's capabilities
// should call GetBackendInfo instead (§4.4, §9: the router doesn't claim
// to speak for every backend behind it with a single descriptor).
func (r *Router) Capabilities() capability.Descriptor {
	return capability.Descriptor{}
}

// Register adds a backend under name. Registering the same name twice
// keeps its registration-order position but replaces the whole entry, so
// its stats and circuit state start over.
func (r *Router) Register(name string, adapter backend.Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[name]; !exists {
		r.names = append(r.names, name)
	}
	r.entries[name] = &entry{name: name, adapter: adapter, state: CircuitClosed}
	backendCircuitState.WithLabelValues(name).Set(circuitStateValue(CircuitClosed))
}

// Unregister removes a backend. Rejects removing the configured default or
// the sole remaining backend (§4.4).
func (r *Router) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[name]; !ok {
		return fmt.Errorf("router: unknown backend %q", name)
	}
	if name == r.cfg.DefaultBackend {
		return fmt.Errorf("router: cannot unregister default backend %q", name)
	}
	if len(r.names) <= 1 {
		return fmt.Errorf("router: cannot unregister the sole backend %q", name)
	}

	delete(r.entries, name)
	for i, n := range r.names {
		if n == name {
			r.names = append(r.names[:i], r.names[i+1:]...)
			break
		}
	}
	return nil
}

// SetModelMapping replaces the exact model -> backend lookup table used by
// StrategyModelBased.
func (r *Router) SetModelMapping(mapping map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modelMapping = mapping
}

// SetModelPatterns replaces the ordered regex -> backend table tried after
// an exact modelMapping miss.
func (r *Router) SetModelPatterns(patterns map[string]string, order []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	compiled := make([]modelPattern, 0, len(order))
	for _, key := range order {
		backendName, ok := patterns[key]
		if !ok {
			return fmt.Errorf("router: pattern order references unknown key %q", key)
		}
		re, err := regexp.Compile(key)
		if err != nil {
			return fmt.Errorf("router: invalid model pattern %q: %w", key, err)
		}
		compiled = append(compiled, modelPattern{pattern: re, backend: backendName})
	}
	r.modelPattern = compiled
	return nil
}

// SetFallbackChain replaces the ordered fallback sequence. Rejects any
// name not currently registered.
func (r *Router) SetFallbackChain(names []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, n := range names {
		if _, ok := r.entries[n]; !ok {
			return fmt.Errorf("router: fallback chain references unknown backend %q", n)
		}
	}
	r.cfg.FallbackChain = names
	return nil
}
