package middleware

import "github.com/howard-nolan/llmbridge/internal/ir"

// Transform applies a pure function to the request before calling next,
// per §4.6: "(ir) -> ir'", never mutated in place. Fn must return a new
// ir.ChatRequest value (it may of course copy-and-modify ctx.Request's
// fields, but must not reach into ctx.Request itself).
type Transform struct {
	Fn func(ir.ChatRequest) ir.ChatRequest
}

func (t *Transform) Name() string { return "transform" }

func (t *Transform) Handle(ctx *Context, next Next) (ir.ChatResponse, error) {
	ctx.Request = t.Fn(ctx.Request)
	return next(ctx)
}
