// Package streaming implements the chunk-assembly state machine §4.5
// describes: delta vs accumulated emission, the post-hoc mode converter,
// and tool-call delta reassembly shared by every OpenAI-shaped backend.
package streaming

import "github.com/howard-nolan/llmbridge/internal/ir"

// Buffer accumulates a backend's text deltas so a content chunk can be
// stamped with Accumulated (streamMode=accumulated or includeBoth) without
// the adapter having to track the running string itself.
type Buffer struct {
	contentBuffer string
}

// Append adds delta to the running buffer and returns the new total.
func (b *Buffer) Append(delta string) string {
	b.contentBuffer += delta
	return b.contentBuffer
}

// String returns the buffer's current contents.
func (b *Buffer) String() string { return b.contentBuffer }

// EmitMode controls what Stamp populates on a content chunk.
type EmitMode struct {
	Mode         ir.StreamMode
	IncludeBoth  bool
}

// Stamp fills in Delta/Accumulated/HasAccumulated on chunk according to
// mode, after the delta has already been appended to the buffer.
func (m EmitMode) Stamp(chunk ir.StreamChunk, delta, accumulated string) ir.StreamChunk {
	chunk.Delta = delta
	if m.Mode == ir.StreamModeAccumulated || m.IncludeBoth {
		chunk.Accumulated = accumulated
		chunk.HasAccumulated = true
	}
	return chunk
}

// ConvertMode consumes a finished chunk sequence in one mode and yields an
// equivalent sequence in another, preserving sequence numbers (§4.5). It
// is a pure function over a slice because every producer in this kernel is
// already finite and buffered by the time a caller wants to re-view it in
// the other mode; a streaming (generator-to-generator) variant would apply
// the same per-chunk rule online.
func ConvertMode(chunks []ir.StreamChunk, target ir.StreamMode) []ir.StreamChunk {
	out := make([]ir.StreamChunk, len(chunks))
	prevAccumulated := ""
	for i, c := range chunks {
		if c.Type != ir.ChunkContent || c.IsToolCallDelta() {
			out[i] = c
			continue
		}
		switch target {
		case ir.StreamModeAccumulated:
			accumulated := c.Accumulated
			if accumulated == "" {
				accumulated = prevAccumulated + c.Delta
			}
			c.Accumulated = accumulated
			c.HasAccumulated = true
			prevAccumulated = accumulated
		case ir.StreamModeDelta:
			var delta string
			if c.Accumulated != "" || c.HasAccumulated {
				delta = stripPrefix(c.Accumulated, prevAccumulated)
				prevAccumulated = c.Accumulated
			} else {
				delta = c.Delta
				prevAccumulated += c.Delta
			}
			c.Delta = delta
			c.Accumulated = ""
			c.HasAccumulated = false
		}
		out[i] = c
	}
	return out
}

// stripPrefix removes prev from the start of accumulated, per the
// delta-from-accumulated rule in §4.5. If prev isn't actually a prefix
// (a malformed producer), the full accumulated string is returned rather
// than panicking or silently truncating.
func stripPrefix(accumulated, prev string) string {
	if len(accumulated) >= len(prev) && accumulated[:len(prev)] == prev {
		return accumulated[len(prev):]
	}
	return accumulated
}
