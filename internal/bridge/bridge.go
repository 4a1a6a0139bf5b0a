// Package bridge composes one frontend adapter, an ordered middleware
// chain, and one backend (a concrete backend.Adapter or an entire
// internal/router.Router, which satisfies the same interface) into the
// single object a caller actually talks to, per §4.3.
package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/howard-nolan/llmbridge/internal/backend"
	"github.com/howard-nolan/llmbridge/internal/frontend"
	"github.com/howard-nolan/llmbridge/internal/ir"
	"github.com/howard-nolan/llmbridge/internal/middleware"
)

// Options carries the per-call knobs §4.3 lists: signal maps onto the ctx
// argument every method already takes, so it isn't repeated here.
type Options struct {
	Timeout time.Duration
	Debug   bool
}

// Bridge is exactly one frontend + one backend + an ordered middleware
// chain. Use is sealed after the first Chat/ChatStream call: a single
// request must see a stable, ordered middleware list (§4.3), and the
// simplest way to guarantee that in a concurrent server is to simply
// refuse further registration once traffic has started flowing.
type Bridge struct {
	mu       sync.Mutex
	frontend frontend.Adapter
	backend  backend.Adapter
	mw       []middleware.Middleware
	sealed   bool
}

// New builds a Bridge over one frontend and one backend (or Router).
func New(fe frontend.Adapter, be backend.Adapter) *Bridge {
	return &Bridge{frontend: fe, backend: be}
}

// Use appends mw to the pipeline. Returns an error once the Bridge has
// sealed (handled its first request), since a later-arriving middleware
// would otherwise be invisible to requests already using the old chain
// while visible to new ones — a silently inconsistent ordering.
func (b *Bridge) Use(mw middleware.Middleware) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sealed {
		return fmt.Errorf("bridge: cannot register middleware %q after the first request", mw.Name())
	}
	b.mw = append(b.mw, mw)
	return nil
}

// seal marks the Bridge sealed (so Use rejects further middleware) and
// returns a *middleware.Chain built from the registered middleware; each
// call builds a new Chain value over the same list.
func (b *Bridge) seal() *middleware.Chain {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sealed = true
	return middleware.New(b.mw...)
}

// Chat runs one request through ToIR -> middleware chain -> backend.Execute
// -> FromIR (§4.3).
func (b *Bridge) Chat(ctx context.Context, raw []byte, opts Options) ([]byte, error) {
	chain := b.seal()

	req, err := b.frontend.ToIR(raw)
	if err != nil {
		return nil, err
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	mwCtx := &middleware.Context{
		Ctx: ctx, Request: req, Phase: middleware.PhaseRequest,
		State: make(map[string]any), Metadata: req.Metadata,
	}

	resp, err := chain.Run(mwCtx, func(c *middleware.Context) (ir.ChatResponse, error) {
		return b.backend.Execute(c.Ctx, c.Request)
	})
	if err != nil {
		return nil, err
	}

	return b.frontend.FromIR(resp)
}

// ChatStream is Chat's streaming equivalent. Most built-in middleware
// (Caching, Retry) have no sensible meaning once bytes are already
// streaming to a caller, so ChatStream calls the backend directly rather
// than running requests through the unary middleware chain — §4.3/§4.6
// are silent on middleware-over-streaming semantics, and a Transform or
// Logging middleware that only needs to see the outgoing request can
// still be driven by calling the Chain itself around just the ToIR step
// if a caller needs that; ChatStream does not do so.
func (b *Bridge) ChatStream(ctx context.Context, raw []byte, opts Options) (<-chan []byte, error) {
	b.seal()

	req, err := b.frontend.ToIR(raw)
	if err != nil {
		return nil, err
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	chunks, err := b.backend.ExecuteStream(ctx, req)
	if err != nil {
		return nil, err
	}
	return b.frontend.FromIRStream(ctx, chunks), nil
}

// HealthCheck reports the backend's health.
func (b *Bridge) HealthCheck(ctx context.Context) bool {
	return b.backend.HealthCheck(ctx)
}

// Frontend and Backend expose the composed adapters for introspection
// (e.g. an httpserver route that reports which provider a Bridge targets).
func (b *Bridge) Frontend() frontend.Adapter { return b.frontend }
func (b *Bridge) Backend() backend.Adapter   { return b.backend }
