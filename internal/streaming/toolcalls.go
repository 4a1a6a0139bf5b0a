package streaming

import (
	"encoding/json"

	"github.com/howard-nolan/llmbridge/internal/ir"
)

// toolCallBuffer accumulates one tool call's id/name/argument text across
// however many delta events a provider splits it into.
type toolCallBuffer struct {
	id            string
	name          string
	argumentsText string
}

// ToolCallAssembler reassembles an OpenAI-shaped stream's
// choices[0].delta.tool_calls[].index deltas into per-index buffers, and
// at Finish produces the ir.Block tool_use list for the final message
// (§4.2, §4.5).
//
// Providers don't always hand out contiguous, zero-based indices (or even
// stable ones across events for the same logical call) — the outputIndex
// map linearizes whatever index scheme arrives into 0,1,2... the first time
// each index is seen, the same remapping
// 6d7c5766_HALDRO-CLIProxyAPI-Extended's translator_wrapper.go applies
// before handing events to its own from_ir converters.
type ToolCallAssembler struct {
	buffers       map[int]*toolCallBuffer
	order         []int
	outputIndex   map[int]int
	nextIndex     int
	sequence      int
}

// NewToolCallAssembler returns an assembler ready to consume deltas,
// continuing sequence numbers from startSeq.
func NewToolCallAssembler(startSeq int) *ToolCallAssembler {
	return &ToolCallAssembler{
		buffers:     map[int]*toolCallBuffer{},
		outputIndex: map[int]int{},
		sequence:    startSeq,
	}
}

// linearize maps a provider's raw index onto a stable 0,1,2... index,
// assigning the next one the first time a given raw index is observed.
func (a *ToolCallAssembler) linearize(rawIndex int) int {
	if idx, ok := a.outputIndex[rawIndex]; ok {
		return idx
	}
	idx := a.nextIndex
	a.outputIndex[rawIndex] = idx
	a.nextIndex++
	return idx
}

// Delta records one incremental tool-call fragment and returns the
// content chunk that carries just the newly appended substring, so a
// downstream JSON parser watching the stream sees the argument string
// grow incrementally rather than getting the whole buffer replayed.
func (a *ToolCallAssembler) Delta(rawIndex int, id, name, argsDelta string) ir.StreamChunk {
	idx := a.linearize(rawIndex)
	buf, ok := a.buffers[idx]
	if !ok {
		buf = &toolCallBuffer{}
		a.buffers[idx] = buf
		a.order = append(a.order, idx)
	}
	if id != "" {
		buf.id = id
	}
	if name != "" {
		buf.name = name
	}
	buf.argumentsText += argsDelta

	a.sequence++
	return ir.NewToolCallDeltaChunk(a.sequence, idx, buf.id, buf.name, argsDelta)
}

// HasCalls reports whether any tool call delta was ever observed.
func (a *ToolCallAssembler) HasCalls() bool { return len(a.order) > 0 }

// NextSequence returns the next unused sequence number, for the caller's
// subsequent (e.g. done) chunk.
func (a *ToolCallAssembler) NextSequence() int { return a.sequence + 1 }

// Finish parses each buffer's accumulated argument JSON and returns the
// ordered tool_use blocks for the final assistant message. A buffer whose
// text fails to parse is never dropped — it surfaces as
// input: {"raw": argumentsText} per §4.5, so the caller can still see
// what the model produced.
func (a *ToolCallAssembler) Finish() []ir.Block {
	blocks := make([]ir.Block, 0, len(a.order))
	for _, idx := range a.order {
		buf := a.buffers[idx]
		var input any
		if err := json.Unmarshal([]byte(buf.argumentsText), &input); err != nil {
			input = map[string]any{"raw": buf.argumentsText}
		}
		blocks = append(blocks, ir.Block{
			Type:      ir.BlockToolUse,
			ToolUseID: buf.id,
			ToolName:  buf.name,
			ToolInput: input,
		})
	}
	return blocks
}
