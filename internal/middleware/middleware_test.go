package middleware_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/howard-nolan/llmbridge/internal/ir"
	"github.com/howard-nolan/llmbridge/internal/middleware"
)

// orderRecorder is a middleware test double that records when it saw the
// request on the way in and the response on the way out, so chain-ordering
// tests can assert both directions without a real backend.
type orderRecorder struct {
	label string
	log   *[]string
}

func (o *orderRecorder) Name() string { return o.label }

func (o *orderRecorder) Handle(ctx *middleware.Context, next middleware.Next) (ir.ChatResponse, error) {
	*o.log = append(*o.log, o.label+":in")
	resp, err := next(ctx)
	*o.log = append(*o.log, o.label+":out")
	return resp, err
}

func TestChain_RunsInRegistrationOrderAndUnwindsInReverse(t *testing.T) {
	var log []string
	chain := middleware.New(
		&orderRecorder{label: "a", log: &log},
		&orderRecorder{label: "b", log: &log},
		&orderRecorder{label: "c", log: &log},
	)

	terminal := func(ctx *middleware.Context) (ir.ChatResponse, error) {
		log = append(log, "terminal")
		return ir.ChatResponse{}, nil
	}

	_, err := chain.Run(&middleware.Context{Ctx: context.Background()}, terminal)
	require.NoError(t, err)

	assert.Equal(t, []string{"a:in", "b:in", "c:in", "terminal", "c:out", "b:out", "a:out"}, log)
}

// shortCircuit never calls next — it returns immediately, per §4.6's
// short-circuit contract.
type shortCircuit struct {
	resp ir.ChatResponse
}

func (s *shortCircuit) Name() string { return "short_circuit" }
func (s *shortCircuit) Handle(ctx *middleware.Context, next middleware.Next) (ir.ChatResponse, error) {
	return s.resp, nil
}

func TestChain_ShortCircuit_NeverReachesTerminalOrLaterMiddleware(t *testing.T) {
	var log []string
	called := false
	chain := middleware.New(
		&orderRecorder{label: "a", log: &log},
		&shortCircuit{resp: ir.ChatResponse{FinishReason: ir.FinishStop}},
		&orderRecorder{label: "b", log: &log},
	)
	terminal := func(ctx *middleware.Context) (ir.ChatResponse, error) {
		called = true
		return ir.ChatResponse{}, nil
	}

	resp, err := chain.Run(&middleware.Context{Ctx: context.Background()}, terminal)
	require.NoError(t, err)
	assert.Equal(t, ir.FinishStop, resp.FinishReason)
	assert.False(t, called, "terminal must not run once a middleware short-circuits")
	assert.Equal(t, []string{"a:in"}, log, "middleware registered after the short-circuit must never see the request")
}

func TestChain_Use_AppendsWithoutMutatingOriginal(t *testing.T) {
	var log []string
	base := middleware.New(&orderRecorder{label: "a", log: &log})
	extended := base.Use(&orderRecorder{label: "b", log: &log})

	terminal := func(ctx *middleware.Context) (ir.ChatResponse, error) { return ir.ChatResponse{}, nil }

	_, err := base.Run(&middleware.Context{Ctx: context.Background()}, terminal)
	require.NoError(t, err)
	assert.Equal(t, []string{"a:in", "a:out"}, log)

	log = nil
	_, err = extended.Run(&middleware.Context{Ctx: context.Background()}, terminal)
	require.NoError(t, err)
	assert.Equal(t, []string{"a:in", "b:in", "b:out", "a:out"}, log)
}
