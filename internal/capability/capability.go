// Package capability describes what a backend can and cannot do. The
// router consults it for routing decisions (skip a backend that doesn't
// support tools when the request needs them) and backend adapters consult
// their own descriptor while translating a ChatRequest, emitting a
// SemanticWarning for every feature they can't honor (§4.2).
package capability

import "github.com/howard-nolan/llmbridge/internal/ir"

// Descriptor is the per-backend feature matrix from §3.
type Descriptor struct {
	Streaming                     bool
	MultiModal                    bool
	Tools                         bool
	SupportsMultipleSystemMessages bool
	SupportsTemperature           bool
	SupportsTopP                  bool
	SupportsTopK                  bool
	SupportsSeed                  bool
	SupportsFrequencyPenalty      bool
	SupportsPresencePenalty       bool

	MaxContextTokens int
	MaxStopSequences int

	SystemMessageStrategy ir.SystemMessageStrategy

	// Custom documents adapter-specific choices the spec leaves open, e.g.
	// the linear temperature-scaling mapping a backend uses (§9).
	Custom map[string]any
}

// Supports reports whether this descriptor covers every feature the
// request needs; it returns false as soon as one is lacking. It only flags the handful of boolean capabilities a router's
// model-based selection might care about; per-parameter warnings are the
// backend adapter's job during fromIR (§4.2).
func (d Descriptor) Supports(req ir.ChatRequest) bool {
	if req.Stream && !d.Streaming {
		return false
	}
	if req.Schema != nil && req.Schema.Mode == ir.SchemaModeTools && !d.Tools {
		return false
	}
	for _, m := range req.Messages {
		if m.Content.IsBlocks() {
			for _, b := range m.Content.Parts {
				if b.Type == ir.BlockImage && !d.MultiModal {
					return false
				}
				if b.Type == ir.BlockToolUse && !d.Tools {
					return false
				}
			}
		}
	}
	return true
}
