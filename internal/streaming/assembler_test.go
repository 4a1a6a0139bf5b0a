package streaming_test

import (
	"testing"

	"github.com/howard-nolan/llmbridge/internal/ir"
	"github.com/howard-nolan/llmbridge/internal/streaming"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssembler_IncludeBoth_StampsDeltaAndAccumulated(t *testing.T) {
	asm := streaming.NewAssembler("fake-anthropic", streaming.EmitMode{Mode: ir.StreamModeDelta, IncludeBoth: true}, ir.Metadata{})
	asm.Start()

	c := asm.Text("partial")
	assert.Equal(t, "partial", c.Delta)
	assert.True(t, c.HasAccumulated)
	assert.Equal(t, "partial", c.Accumulated)
}

// TestAssembler_TextThenToolCall_ProducesBlockContent covers the mixed
// case: the model emits a text preamble before calling a tool, so the
// final message must carry both a text block and a tool_use block
// rather than collapsing to plain string content (§4.2).
func TestAssembler_TextThenToolCall_ProducesBlockContent(t *testing.T) {
	asm := streaming.NewAssembler("fake-anthropic", streaming.EmitMode{Mode: ir.StreamModeDelta}, ir.Metadata{})
	asm.Start()
	asm.Text("Let me check that for you.")
	asm.ToolCallDelta(0, "call_9", "lookup", `{"q":"weather"}`)

	done := asm.Done(ir.FinishToolCalls, nil)
	require.True(t, done.Message.Content.IsBlocks())
	assert.Equal(t, "Let me check that for you.", done.Message.Content.Text())

	uses := done.Message.Content.ToolUses()
	require.Len(t, uses, 1)
	assert.Equal(t, "call_9", uses[0].ToolUseID)
}

// TestAssembler_MultipleToolCalls_PreservesLinearOrder covers two
// concurrently-interleaved tool calls arriving out of raw-index order,
// mirroring a provider that emits index 1 before index 0 resolves.
func TestAssembler_MultipleToolCalls_PreservesLinearOrder(t *testing.T) {
	asm := streaming.NewAssembler("fake-openai", streaming.EmitMode{Mode: ir.StreamModeDelta}, ir.Metadata{})
	asm.Start()

	asm.ToolCallDelta(0, "call_a", "first", `{}`)
	asm.ToolCallDelta(1, "call_b", "second", `{}`)

	done := asm.Done(ir.FinishStop, nil)
	uses := done.Message.Content.ToolUses()
	require.Len(t, uses, 2)
	assert.Equal(t, "call_a", uses[0].ToolUseID)
	assert.Equal(t, "call_b", uses[1].ToolUseID)
}

func TestAssembler_PlainTextOnly_NoToolCalls_FinishReasonUntouched(t *testing.T) {
	asm := streaming.NewAssembler("fake-openai", streaming.EmitMode{Mode: ir.StreamModeDelta}, ir.Metadata{})
	asm.Start()
	asm.Text("no tools here")
	done := asm.Done(ir.FinishStop, nil)
	assert.Equal(t, ir.FinishStop, done.FinishReason)
	assert.False(t, done.Message.Content.IsBlocks())
}

func TestAssembler_Done_CarriesUsage(t *testing.T) {
	asm := streaming.NewAssembler("fake-openai", streaming.EmitMode{Mode: ir.StreamModeDelta}, ir.Metadata{})
	asm.Start()
	asm.Text("hi")
	usage := &ir.Usage{PromptTokens: 10, CompletionTokens: 2, TotalTokens: 12}
	done := asm.Done(ir.FinishStop, usage)
	require.NotNil(t, done.Usage)
	assert.Equal(t, 10, done.Usage.PromptTokens)
}
