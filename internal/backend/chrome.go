package backend

import (
	"context"
	"errors"

	"github.com/howard-nolan/llmbridge/internal/capability"
	"github.com/howard-nolan/llmbridge/internal/ir"
	"github.com/howard-nolan/llmbridge/internal/streaming"
)

// ChromeSession is the minimal surface this adapter needs from Chrome's
// on-device language model API (window.ai's async iterator, as seen
// through a WASM/JS bridge): Next blocks for the next accumulated-text
// chunk and reports iterator exhaustion via done, mirroring a JS
// `for await (const chunk of session.promptStreaming(...))` loop.
type ChromeSession interface {
	// Next returns the next chunk of text. Chrome's on-device API streams
	// ACCUMULATED text natively (not deltas), so each call returns the
	// full response so far, not just the new fragment.
	Next(ctx context.Context) (accumulated string, done bool, err error)
	Close() error
}

// ChromeSessionFactory starts one on-device session for a single request.
type ChromeSessionFactory func(ctx context.Context, req ir.ChatRequest) (ChromeSession, error)

// ChromeBackend wraps Chrome's built-in on-device model. Unlike every
// other backend, there's no HTTP round trip and no wire JSON: the
// "request" is a prompt string handed to a native iterator, and Execute
// simply drains ExecuteStream since the API has no separate unary call
// (§4.2: "wrap the native iterator, decode each chunk as a text delta, and
// construct a synthetic done at iterator exhaustion").
type ChromeBackend struct {
	name    string
	newSess ChromeSessionFactory
	caps    capability.Descriptor
}

// NewChromeBackend builds a backend around a ChromeSessionFactory. Tests
// and non-browser builds supply a fake factory; a real build would supply
// one backed by a JS/WASM bridge.
func NewChromeBackend(name string, newSess ChromeSessionFactory, caps capability.Descriptor) *ChromeBackend {
	return &ChromeBackend{name: name, newSess: newSess, caps: caps}
}

func (b *ChromeBackend) Name() string                       { return b.name }
func (b *ChromeBackend) Capabilities() capability.Descriptor { return b.caps }

// promptText flattens the conversation into the single prompt string
// Chrome's promptStreaming call expects; there is no wire format to
// serialize to, so FromIR's "body" is just that prompt as raw bytes.
func promptText(req ir.ChatRequest) string {
	var out string
	for _, m := range req.Messages {
		if m.Role == ir.RoleSystem {
			continue
		}
		out += string(m.Role) + ": " + m.Content.Text() + "\n"
	}
	return out
}

func (b *ChromeBackend) FromIR(req ir.ChatRequest) ([]byte, []ir.SemanticWarning, error) {
	return []byte(promptText(req)), nil, nil
}

func (b *ChromeBackend) ToIR(raw []byte, original ir.ChatRequest, latencyMs int64) (ir.ChatResponse, error) {
	meta := original.Metadata.WithProvenance(ir.ProvenanceBackend, b.name)
	meta.Custom["latencyMs"] = latencyMs
	return ir.ChatResponse{
		Message:      ir.Message{Role: ir.RoleAssistant, Content: ir.NewTextContent(string(raw))},
		FinishReason: ir.FinishStop,
		Metadata:     meta,
	}, nil
}

// Execute drains ExecuteStream to the final accumulated text, since
// Chrome's on-device API exposes only a streaming call.
func (b *ChromeBackend) Execute(ctx context.Context, req ir.ChatRequest) (ir.ChatResponse, error) {
	chunks, err := b.ExecuteStream(ctx, req)
	if err != nil {
		return ir.ChatResponse{}, err
	}
	var done ir.StreamChunk
	for c := range chunks {
		if c.Type == ir.ChunkError {
			return ir.ChatResponse{}, ir.NewError(ir.CategoryAdapterConversion, c.ErrorCode, c.ErrorMessage).
				WithProvenance(ir.ProvenanceBackend, b.name)
		}
		if c.Type == ir.ChunkDone {
			done = c
		}
	}
	return ir.ChatResponse{
		Message:      done.Message,
		FinishReason: done.FinishReason,
		Usage:        done.Usage,
		Metadata:     done.Metadata,
	}, nil
}

func (b *ChromeBackend) ExecuteStream(ctx context.Context, req ir.ChatRequest) (<-chan ir.StreamChunk, error) {
	if b.newSess == nil {
		return nil, errors.New("chrome backend: no session factory configured")
	}
	sess, err := b.newSess(ctx, req)
	if err != nil {
		return nil, ir.NewError(ir.CategoryNetwork, "session_start_failed", err.Error()).
			WithCause(err).WithProvenance(ir.ProvenanceBackend, b.name)
	}

	meta := req.Metadata.WithProvenance(ir.ProvenanceBackend, b.name)
	out := make(chan ir.StreamChunk)

	go func() {
		defer close(out)
		defer sess.Close()

		streamMode := req.StreamMode
		if streamMode == "" {
			streamMode = ir.StreamModeDelta
		}
		asm := streaming.NewAssembler(b.name, streaming.EmitMode{Mode: streamMode}, meta)
		if !sendChunk(ctx, out, asm.Start()) {
			return
		}

		var prevAccumulated string
		for {
			accumulated, done, err := sess.Next(ctx)
			if err != nil {
				sendChunk(ctx, out, asm.Error("chrome_session_error", err.Error()))
				return
			}
			if done {
				// Synthetic completion: iterator exhaustion is the only
				// signal Chrome gives us, so there's no finish reason or
				// usage to report beyond "stop".
				sendChunk(ctx, out, asm.Done(ir.FinishStop, nil))
				return
			}
			delta := accumulated
			if len(prevAccumulated) <= len(accumulated) {
				delta = accumulated[len(prevAccumulated):]
			}
			prevAccumulated = accumulated
			if !sendChunk(ctx, out, asm.Text(delta)) {
				return
			}
		}
	}()

	return out, nil
}

func (b *ChromeBackend) HealthCheck(ctx context.Context) bool {
	return b.newSess != nil
}

// EstimateCost is always (0, false): on-device inference has no metered
// provider cost (§4.2, §9).
func (b *ChromeBackend) EstimateCost(req ir.ChatRequest) (float64, bool) {
	return 0, false
}
