package middleware

import (
	"errors"
	"math"
	"time"

	"github.com/howard-nolan/llmbridge/internal/ir"
)

// Retry wraps next() in a bounded retry loop, per §4.6: only errors whose
// Retryable flag is true (and that pass the optional ShouldRetry predicate)
// get another attempt, with exponential backoff honoring a server's
// RetryAfterMs hint when one is present.
type Retry struct {
	MaxAttempts       int
	RetryDelay        time.Duration
	BackoffMultiplier float64
	ShouldRetry       func(*ir.Error) bool

	// Sleep is swappable so tests don't actually wait out the backoff.
	Sleep func(time.Duration)
}

func (r *Retry) Name() string { return "retry" }

func (r *Retry) Handle(ctx *Context, next Next) (ir.ChatResponse, error) {
	sleep := r.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}
	maxAttempts := r.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	multiplier := r.BackoffMultiplier
	if multiplier <= 0 {
		multiplier = 2
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		resp, err := next(ctx)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		var irErr *ir.Error
		if !errors.As(err, &irErr) || !irErr.Retryable {
			return ir.ChatResponse{}, err
		}
		if r.ShouldRetry != nil && !r.ShouldRetry(irErr) {
			return ir.ChatResponse{}, err
		}
		if attempt == maxAttempts-1 {
			break
		}

		delay := time.Duration(float64(r.RetryDelay) * math.Pow(multiplier, float64(attempt)))
		if irErr.RetryAfterMs > 0 {
			delay = time.Duration(irErr.RetryAfterMs) * time.Millisecond
		}
		select {
		case <-ctx.Ctx.Done():
			return ir.ChatResponse{}, ctx.Ctx.Err()
		default:
		}
		sleep(delay)
	}
	return ir.ChatResponse{}, lastErr
}
