package router

import (
	"context"
	"time"

	"github.com/howard-nolan/llmbridge/internal/ir"
)

// DispatchResult is one backend's outcome from a dispatchParallel fan-out
// (§4.4: "return the full list of {backend, response | error, latencyMs}").
type DispatchResult struct {
	Backend   string
	Response  ir.ChatResponse
	Err       error
	LatencyMs int64
}

// DispatchOptions configures one dispatchParallel call.
type DispatchOptions struct {
	Mode      DispatchMode
	FastestN  int // only consulted when Mode == DispatchFastestN
	Timeout   time.Duration
}

// DispatchParallel fans a request out to backends, a caller-specified
// subset of the registry, per the mode described in §4.4.
func (r *Router) DispatchParallel(ctx context.Context, req ir.ChatRequest, backends []string, opts DispatchOptions) []DispatchResult {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	r.mu.RLock()
	entries := make(map[string]*entry, len(backends))
	for _, name := range backends {
		entries[name] = r.entries[name]
	}
	r.mu.RUnlock()

	fanCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan DispatchResult, len(backends))
	for _, name := range backends {
		name, e := name, entries[name]
		if e == nil {
			results <- DispatchResult{Backend: name, Err: ir.NewError(ir.CategoryNoAvailableBackend, "unknown_backend", "backend "+name+" is not registered")}
			continue
		}
		go func() {
			start := time.Now()
			resp, err := r.attempt(fanCtx, name, e, req)
			results <- DispatchResult{Backend: name, Response: resp, Err: err, LatencyMs: time.Since(start).Milliseconds()}
		}()
	}

	switch opts.Mode {
	case DispatchRace:
		return collectUntil(results, len(backends), 1, cancel)
	case DispatchFastestN:
		n := opts.FastestN
		if n <= 0 {
			n = 1
		}
		return collectUntil(results, len(backends), n, cancel)
	default: // DispatchAll
		out := make([]DispatchResult, 0, len(backends))
		for i := 0; i < len(backends); i++ {
			out = append(out, <-results)
		}
		return out
	}
}

// collectUntil reads from results until wanted successes have landed (or
// every result has been drained), then cancels any still-running siblings
// (§4.4 "race"/"fastest-n": "cancel the rest").
func collectUntil(results <-chan DispatchResult, total, wanted int, cancel context.CancelFunc) []DispatchResult {
	var out []DispatchResult
	successes := 0
	for i := 0; i < total; i++ {
		res := <-results
		out = append(out, res)
		if res.Err == nil {
			successes++
			if successes >= wanted {
				cancel()
				return out
			}
		}
	}
	cancel()
	return out
}
