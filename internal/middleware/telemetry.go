package middleware

import (
	"math/rand"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/howard-nolan/llmbridge/internal/ir"
)

// Sink receives one telemetry event per request, in addition to the OTel
// span Telemetry also emits — a caller that just wants a callback (e.g. to
// push into an analytics queue) doesn't need to stand up a tracer.
type Sink func(event string, properties map[string]any)

// Telemetry emits an OTel span per request plus invokes Sink, sampling at
// SampleRate in [0, 1] (§4.6). Tracer defaults to the global tracer
// provider's "llmbridge" tracer if unset.
type Telemetry struct {
	Sink       Sink
	SampleRate float64
	Tracer     trace.Tracer

	// Rand is swappable for deterministic sampling in tests.
	Rand func() float64
}

func (t *Telemetry) Name() string { return "telemetry" }

func (t *Telemetry) tracer() trace.Tracer {
	if t.Tracer != nil {
		return t.Tracer
	}
	return otel.Tracer("llmbridge")
}

func (t *Telemetry) sampled() bool {
	if t.SampleRate >= 1 {
		return true
	}
	if t.SampleRate <= 0 {
		return false
	}
	r := t.Rand
	if r == nil {
		r = rand.Float64
	}
	return r() < t.SampleRate
}

func (t *Telemetry) Handle(ctx *Context, next Next) (ir.ChatResponse, error) {
	if !t.sampled() {
		return next(ctx)
	}

	spanCtx, span := t.tracer().Start(ctx.Ctx, "llmbridge.request",
		trace.WithAttributes(
			attribute.String("llmbridge.request_id", ctx.Metadata.RequestID),
			attribute.String("llmbridge.model", ctx.Request.Parameters.Model),
		),
	)
	defer span.End()
	ctx.Ctx = spanCtx

	if t.Sink != nil {
		t.Sink("request.start", map[string]any{"requestId": ctx.Metadata.RequestID, "model": ctx.Request.Parameters.Model})
	}

	resp, err := next(ctx)

	if err != nil {
		span.RecordError(err)
		if t.Sink != nil {
			t.Sink("request.error", map[string]any{"requestId": ctx.Metadata.RequestID, "error": err.Error()})
		}
		return resp, err
	}

	span.SetAttributes(attribute.String("llmbridge.finish_reason", string(resp.FinishReason)))
	if t.Sink != nil {
		props := map[string]any{"requestId": ctx.Metadata.RequestID, "finishReason": string(resp.FinishReason)}
		if resp.Usage != nil {
			props["totalTokens"] = resp.Usage.TotalTokens
		}
		t.Sink("request.end", props)
	}
	return resp, nil
}
