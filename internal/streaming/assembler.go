package streaming

import "github.com/howard-nolan/llmbridge/internal/ir"

// Assembler is the per-stream state a backend adapter threads through an
// executeStream call: it owns sequence numbering, the text buffer, and
// the tool-call reassembly buffers, and knows how to close out the
// sequence with a correctly-shaped done chunk.
type Assembler struct {
	backend  string
	mode     EmitMode
	text     Buffer
	tools    *ToolCallAssembler
	seq      int
	metadata ir.Metadata
}

// NewAssembler starts a new stream's bookkeeping. metadata should already
// carry provenance.backend = backend.
func NewAssembler(backend string, mode EmitMode, metadata ir.Metadata) *Assembler {
	return &Assembler{
		backend:  backend,
		mode:     mode,
		tools:    NewToolCallAssembler(0),
		metadata: metadata,
	}
}

// Start returns the one-and-only start chunk (sequence 0).
func (a *Assembler) Start() ir.StreamChunk {
	return ir.NewStartChunk(a.metadata)
}

// Text appends a text delta and returns the content chunk for it, shaped
// per the assembler's EmitMode.
func (a *Assembler) Text(delta string) ir.StreamChunk {
	a.seq++
	accumulated := a.text.Append(delta)
	chunk := ir.NewContentChunk(a.seq, delta)
	return a.mode.Stamp(chunk, delta, accumulated)
}

// ToolCallDelta records one tool-call argument fragment, keyed by the
// provider's own (possibly non-contiguous) index.
func (a *Assembler) ToolCallDelta(rawIndex int, id, name, argsDelta string) ir.StreamChunk {
	a.tools.sequence = a.seq
	chunk := a.tools.Delta(rawIndex, id, name, argsDelta)
	a.seq = a.tools.sequence
	return chunk
}

// Done closes the sequence out. If any tool call was assembled, the
// final message carries tool_use blocks (built from the reassembled
// argument buffers) instead of/alongside the accumulated text, and a
// bare "stop" finish reason is corrected to "tool_calls" — the same fix
// translator_wrapper.go's convertUnifiedEventsToChunks applies
// (state.ToolCallIndex > 0 branch) before a finish event reaches the
// client.
func (a *Assembler) Done(reason ir.FinishReason, usage *ir.Usage) ir.StreamChunk {
	a.seq++

	var blocks []ir.Block
	if txt := a.text.String(); txt != "" {
		blocks = append(blocks, ir.Block{Type: ir.BlockText, Text: txt})
	}
	if a.tools.HasCalls() {
		blocks = append(blocks, a.tools.Finish()...)
		if reason == ir.FinishStop {
			reason = ir.FinishToolCalls
		}
	}

	var content ir.MessageContent
	if len(blocks) == 1 && blocks[0].Type == ir.BlockText {
		content = ir.NewTextContent(blocks[0].Text)
	} else {
		content = ir.NewBlockContent(blocks...)
	}

	msg := ir.Message{Role: ir.RoleAssistant, Content: content}
	meta := a.metadata
	return ir.StreamChunk{
		Type: ir.ChunkDone, Sequence: a.seq, FinishReason: reason, Message: msg, Usage: usage,
		Metadata: meta, ToolCallIndex: ir.NoToolCallIndex,
	}
}

// Error closes the sequence out with a terminal error chunk instead of
// done (§7: "never both done and error").
func (a *Assembler) Error(code, message string) ir.StreamChunk {
	a.seq++
	return ir.NewErrorChunk(a.seq, code, message)
}
