// Package frontend translates between one provider's request/response wire
// shape and the core's Intermediate Representation (§4.1). Every concrete
// adapter owns its own pair of provider-shaped Go types and never leaks them
// past its own ToIR/FromIR boundary — a Bridge only ever sees raw JSON bytes
// on one side and ir.ChatRequest/ir.ChatResponse on the other.
package frontend

import (
	"context"

	"github.com/howard-nolan/llmbridge/internal/capability"
	"github.com/howard-nolan/llmbridge/internal/ir"
)

// Adapter is the frontend half of the translation kernel: provider JSON in,
// IR out; IR in, provider JSON out. fromIRStream additionally has to cope
// with chunk-shape conversion (§4.1: "for providers that natively stream
// accumulated text, applies streamMode conversion before shaping").
type Adapter interface {
	// Name is this adapter's identity, stamped into metadata.provenance.frontend.
	Name() string
	// Provider names the wire format this adapter speaks, e.g. "openai",
	// "anthropic", "gemini" — distinct from Name so a caller can register two
	// adapters for the same provider shape under different names.
	Provider() string

	// ToIR decodes a raw provider-shaped request body into the canonical
	// ChatRequest. Fails with ir.CategoryValidation on structurally
	// malformed input (§4.1).
	ToIR(raw []byte) (ir.ChatRequest, error)

	// FromIR encodes a ChatResponse back into this adapter's wire shape.
	// Fails with ir.CategoryAdapterConversion if resp violates a response
	// invariant the adapter can't paper over (e.g. no text and no tool_use).
	FromIR(resp ir.ChatResponse) ([]byte, error)

	// FromIRStream re-shapes a channel of IR chunks into this adapter's
	// native streaming envelope (one raw frame per outbound []byte). The
	// returned channel is closed exactly once the input channel is
	// drained or ctx is done, whichever comes first.
	FromIRStream(ctx context.Context, chunks <-chan ir.StreamChunk) <-chan []byte
}

// registry is the handful of adapters this module ships, keyed by Name, so
// a cmd/llmbridge wiring layer can look one up by the config file's string
// without every call site needing an import cycle back to this package's
// concrete types.
var registry = map[string]func() Adapter{}

// Register adds a constructor to the named-lookup registry. Adapters call
// this from an init() so importing the frontend package (transitively,
// through cmd/llmbridge) is enough to make them available by name.
func Register(name string, ctor func() Adapter) {
	registry[name] = ctor
}

// New looks up a registered adapter constructor by name.
func New(name string) (Adapter, bool) {
	ctor, ok := registry[name]
	if !ok {
		return nil, false
	}
	return ctor(), true
}

// baseCapabilities is the feature matrix a frontend exposes about the shape
// it accepts, not about any backend's limits — it only ever feeds
// introspection endpoints, since routing/drift decisions are a backend
// concern (§4.1 vs §4.2).
func baseCapabilities() capability.Descriptor {
	return capability.Descriptor{
		Streaming:  true,
		MultiModal: true,
		Tools:      true,
	}
}
