package streaming_test

import (
	"testing"

	"github.com/howard-nolan/llmbridge/internal/ir"
	"github.com/howard-nolan/llmbridge/internal/streaming"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestAssembler_DeltaMode mirrors end-to-end scenario 2 from §8: deltas
// ["He","llo"," world"] then done with message.content == "Hello world".
func TestAssembler_DeltaMode(t *testing.T) {
	asm := streaming.NewAssembler("fake-openai", streaming.EmitMode{Mode: ir.StreamModeDelta}, ir.Metadata{})

	start := asm.Start()
	require.Equal(t, ir.ChunkStart, start.Type)
	require.Equal(t, 0, start.Sequence)

	c1 := asm.Text("He")
	c2 := asm.Text("llo")
	c3 := asm.Text(" world")

	assert.Equal(t, []string{"He", "llo", " world"}, []string{c1.Delta, c2.Delta, c3.Delta})
	assert.False(t, c1.HasAccumulated)
	assert.Equal(t, 1, c1.Sequence)
	assert.Equal(t, 2, c2.Sequence)
	assert.Equal(t, 3, c3.Sequence)

	done := asm.Done(ir.FinishStop, nil)
	assert.Equal(t, ir.ChunkDone, done.Type)
	assert.Equal(t, "Hello world", done.Message.Content.Text())
	assert.Equal(t, 4, done.Sequence)
}

// TestAssembler_AccumulatedMode mirrors scenario 3: accumulated values
// ["He","Hello","Hello world"] in order.
func TestAssembler_AccumulatedMode(t *testing.T) {
	asm := streaming.NewAssembler("fake-openai", streaming.EmitMode{Mode: ir.StreamModeAccumulated}, ir.Metadata{})
	asm.Start()

	c1 := asm.Text("He")
	c2 := asm.Text("llo")
	c3 := asm.Text(" world")

	assert.Equal(t, []string{"He", "Hello", "Hello world"}, []string{c1.Accumulated, c2.Accumulated, c3.Accumulated})
	assert.True(t, c1.HasAccumulated)
}

func TestConvertMode_DeltaToAccumulated(t *testing.T) {
	chunks := []ir.StreamChunk{
		ir.NewContentChunk(1, "He"),
		ir.NewContentChunk(2, "llo"),
	}
	converted := streaming.ConvertMode(chunks, ir.StreamModeAccumulated)
	assert.Equal(t, "He", converted[0].Accumulated)
	assert.Equal(t, "Hello", converted[1].Accumulated)
}

func TestConvertMode_AccumulatedToDelta(t *testing.T) {
	chunks := []ir.StreamChunk{
		func() ir.StreamChunk { c := ir.NewContentChunk(1, ""); c.Accumulated = "He"; c.HasAccumulated = true; return c }(),
		func() ir.StreamChunk { c := ir.NewContentChunk(2, ""); c.Accumulated = "Hello"; c.HasAccumulated = true; return c }(),
	}
	converted := streaming.ConvertMode(chunks, ir.StreamModeDelta)
	assert.Equal(t, "He", converted[0].Delta)
	assert.Equal(t, "llo", converted[1].Delta)
}

func TestAssembler_ToolCallReassembly(t *testing.T) {
	asm := streaming.NewAssembler("fake-openai", streaming.EmitMode{Mode: ir.StreamModeDelta}, ir.Metadata{})
	asm.Start()

	asm.ToolCallDelta(0, "call_1", "lookup", `{"q":`)
	asm.ToolCallDelta(0, "", "", `"weather"}`)

	done := asm.Done(ir.FinishStop, nil)
	require.Equal(t, ir.FinishToolCalls, done.FinishReason, "bare stop should be corrected to tool_calls")

	uses := done.Message.Content.ToolUses()
	require.Len(t, uses, 1)
	assert.Equal(t, "call_1", uses[0].ToolUseID)
	assert.Equal(t, "lookup", uses[0].ToolName)
	assert.Equal(t, map[string]any{"q": "weather"}, uses[0].ToolInput)
}

func TestAssembler_ToolCallReassembly_InvalidJSONKeepsRaw(t *testing.T) {
	asm := streaming.NewAssembler("fake-openai", streaming.EmitMode{Mode: ir.StreamModeDelta}, ir.Metadata{})
	asm.Start()
	asm.ToolCallDelta(0, "call_1", "lookup", `{"q": not json`)
	done := asm.Done(ir.FinishStop, nil)
	uses := done.Message.Content.ToolUses()
	require.Len(t, uses, 1)
	assert.Equal(t, map[string]any{"raw": `{"q": not json`}, uses[0].ToolInput)
}

func TestAssembler_NeverBothDoneAndError(t *testing.T) {
	asm := streaming.NewAssembler("fake-openai", streaming.EmitMode{Mode: ir.StreamModeDelta}, ir.Metadata{})
	asm.Start()
	asm.Text("partial")
	errChunk := asm.Error("stream_read_error", "connection reset")
	assert.Equal(t, ir.ChunkError, errChunk.Type)
	assert.Equal(t, "connection reset", errChunk.ErrorMessage)
}
