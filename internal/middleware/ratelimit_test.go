package middleware_test

import (
	"context"
	"testing"

	"golang.org/x/time/rate"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/howard-nolan/llmbridge/internal/ir"
	"github.com/howard-nolan/llmbridge/internal/middleware"
)

func TestRateLimit_ExceedingBurst_ProducesRateLimitError(t *testing.T) {
	rl := &middleware.RateLimit{
		Limit: rate.Limit(0), // no steady-state refill
		Burst: 2,
		KeyGenerator: func(ctx *middleware.Context) string { return "tenant-1" },
	}
	chain := middleware.New(rl)
	terminal := func(ctx *middleware.Context) (ir.ChatResponse, error) { return ir.ChatResponse{}, nil }

	for i := 0; i < 2; i++ {
		_, err := chain.Run(&middleware.Context{Ctx: context.Background()}, terminal)
		require.NoError(t, err)
	}

	_, err := chain.Run(&middleware.Context{Ctx: context.Background()}, terminal)
	require.Error(t, err)
	var irErr *ir.Error
	require.ErrorAs(t, err, &irErr)
	assert.Equal(t, ir.CategoryRateLimit, irErr.Category)
}

func TestRateLimit_DifferentKeys_HaveIndependentBuckets(t *testing.T) {
	var currentKey string
	rl := &middleware.RateLimit{
		Limit: rate.Limit(0), Burst: 1,
		KeyGenerator: func(ctx *middleware.Context) string { return currentKey },
	}
	chain := middleware.New(rl)
	terminal := func(ctx *middleware.Context) (ir.ChatResponse, error) { return ir.ChatResponse{}, nil }

	currentKey = "a"
	_, err := chain.Run(&middleware.Context{Ctx: context.Background()}, terminal)
	require.NoError(t, err)

	currentKey = "b"
	_, err = chain.Run(&middleware.Context{Ctx: context.Background()}, terminal)
	require.NoError(t, err, "a separate key must have its own untouched bucket")
}
