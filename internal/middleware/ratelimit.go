package middleware

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/howard-nolan/llmbridge/internal/ir"
)

// RateLimit is a per-key token bucket, keyed by KeyGenerator(ctx) — e.g. an
// API key or requestor id pulled from ctx.Metadata.Custom. One
// golang.org/x/time/rate.Limiter is lazily created per key and kept for the
// lifetime of the process, the same pattern taipm-go-deep-agent's
// throttling layer uses for its per-tenant limiters.
type RateLimit struct {
	// Limit is the sustained rate; Burst is the bucket size.
	Limit rate.Limit
	Burst int

	KeyGenerator    func(*Context) string
	OnLimitExceeded func(key string) error

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func (rl *RateLimit) Name() string { return "rate_limit" }

func (rl *RateLimit) limiterFor(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rl.limiters == nil {
		rl.limiters = make(map[string]*rate.Limiter)
	}
	l, ok := rl.limiters[key]
	if !ok {
		l = rate.NewLimiter(rl.Limit, rl.Burst)
		rl.limiters[key] = l
	}
	return l
}

func (rl *RateLimit) Handle(ctx *Context, next Next) (ir.ChatResponse, error) {
	key := ""
	if rl.KeyGenerator != nil {
		key = rl.KeyGenerator(ctx)
	}

	if !rl.limiterFor(key).Allow() {
		if rl.OnLimitExceeded != nil {
			return ir.ChatResponse{}, rl.OnLimitExceeded(key)
		}
		return ir.ChatResponse{}, ir.NewError(ir.CategoryRateLimit, "rate_limit_exceeded", "rate limit exceeded for key "+key).
			WithRetryable(true)
	}
	return next(ctx)
}
