package middleware

import (
	"time"

	"github.com/howard-nolan/llmbridge/internal/ir"
)

// Logger is the minimal surface Logging needs. Satisfied by the stdlib
// *log.Logger without any adapter shim (the teacher logs with plain
// log.Printf throughout its handlers) — a caller that wants structured
// output swaps in whatever wraps zap/zerolog behind this one method.
type Logger interface {
	Printf(format string, args ...any)
}

// Logging emits one record at request ingress and one at egress, per §4.6.
// IncludeRequests/IncludeResponses gate whether message content itself is
// logged, since {requestId, frontendAdapter, model, messageCount} alone is
// safe to log unconditionally but full message bodies may carry user PII.
type Logging struct {
	Logger           Logger
	FrontendAdapter  string
	IncludeRequests  bool
	IncludeResponses bool
}

func (l *Logging) Name() string { return "logging" }

func (l *Logging) Handle(ctx *Context, next Next) (ir.ChatResponse, error) {
	start := time.Now()
	if l.IncludeRequests {
		l.Logger.Printf("llmbridge request requestId=%s frontend=%s model=%s messages=%d body=%+v",
			ctx.Metadata.RequestID, l.FrontendAdapter, ctx.Request.Parameters.Model, len(ctx.Request.Messages), ctx.Request)
	} else {
		l.Logger.Printf("llmbridge request requestId=%s frontend=%s model=%s messages=%d",
			ctx.Metadata.RequestID, l.FrontendAdapter, ctx.Request.Parameters.Model, len(ctx.Request.Messages))
	}

	resp, err := next(ctx)

	latencyMs := time.Since(start).Milliseconds()
	if err != nil {
		l.Logger.Printf("llmbridge response requestId=%s error=%v latencyMs=%d", ctx.Metadata.RequestID, err, latencyMs)
		return resp, err
	}

	totalTokens := 0
	if resp.Usage != nil {
		totalTokens = resp.Usage.TotalTokens
	}
	if l.IncludeResponses {
		l.Logger.Printf("llmbridge response requestId=%s finishReason=%s totalTokens=%d latencyMs=%d body=%+v",
			ctx.Metadata.RequestID, resp.FinishReason, totalTokens, latencyMs, resp)
	} else {
		l.Logger.Printf("llmbridge response requestId=%s finishReason=%s totalTokens=%d latencyMs=%d",
			ctx.Metadata.RequestID, resp.FinishReason, totalTokens, latencyMs)
	}
	return resp, nil
}
