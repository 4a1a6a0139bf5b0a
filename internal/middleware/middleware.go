// Package middleware implements the pipeline kernel described in §4.6: an
// ordered chain of request/response interceptors sitting between a Bridge's
// frontend and backend. Think of it as Express middleware, but the "req"
// that flows down the chain is an immutable ir.ChatRequest instead of a
// mutable http.Request — a middleware that wants to change the request
// builds a new IR value and passes that to next(), it never edits one in
// place.
package middleware

import (
	"context"

	"github.com/howard-nolan/llmbridge/internal/ir"
)

// Phase marks where in the pipeline a Context currently sits. Most
// middleware only care about "request" (ingress, before the backend call);
// a few (Logging, Telemetry) also want to observe "response" (egress).
type Phase string

const (
	PhaseRequest  Phase = "request"
	PhaseResponse Phase = "response"
)

// Context is what flows through the chain. It bundles the in-flight
// request with a per-pipeline-run scratch space (State) that one
// middleware can use to pass data to a later middleware. None of the
// built-in middleware in this package reads or writes State.
//
// Ctx carries Go's own cancellation signal; the spec's `signal` field maps
// onto Ctx.Done() the same way every other suspension point in this module
// already uses context.Context for cancellation.
type Context struct {
	Ctx      context.Context
	Request  ir.ChatRequest
	Phase    Phase
	State    map[string]any
	Metadata ir.Metadata
}

// Next is the continuation a middleware calls to proceed down the chain.
// Returning without calling it is a short-circuit: whatever this
// middleware returns becomes the pipeline's result (§4.6).
type Next func(ctx *Context) (ir.ChatResponse, error)

// Middleware is one link in the chain. Handle receives the live Context and
// a next continuation; it may inspect/replace ctx.Request before calling
// next, inspect/replace the response next returns, or skip next entirely.
type Middleware interface {
	Name() string
	Handle(ctx *Context, next Next) (ir.ChatResponse, error)
}

// Chain composes a list of middleware into one Next. Registration order is
// the request-path order; because each middleware wraps the next (calling
// it from inside its own Handle), unwinding happens in reverse order on the
// response path — exactly like Express's `app.use()` stack, or like nesting
// `defer` calls.
type Chain struct {
	mw []Middleware
}

// New builds a Chain. Order matters: mw[0] sees the request first and the
// response last.
func New(mw ...Middleware) *Chain {
	return &Chain{mw: append([]Middleware(nil), mw...)}
}

// Use appends one more middleware, returning a new Chain so callers that
// want Bridge.use()'s "stable list per request" guarantee can snapshot a
// Chain value before it's mutated further.
func (c *Chain) Use(mw Middleware) *Chain {
	return &Chain{mw: append(append([]Middleware(nil), c.mw...), mw)}
}

// Run threads ctx through every middleware in order and finally calls
// terminal, which is normally "invoke the backend/router."
func (c *Chain) Run(ctx *Context, terminal Next) (ir.ChatResponse, error) {
	return c.runFrom(0, ctx, terminal)
}

func (c *Chain) runFrom(i int, ctx *Context, terminal Next) (ir.ChatResponse, error) {
	if i >= len(c.mw) {
		return terminal(ctx)
	}
	mw := c.mw[i]
	return mw.Handle(ctx, func(ctx *Context) (ir.ChatResponse, error) {
		return c.runFrom(i+1, ctx, terminal)
	})
}
