package ir_test

import (
	"encoding/json"
	"testing"

	"github.com/howard-nolan/llmbridge/internal/ir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageContent_JSONRoundTrip_PlainText(t *testing.T) {
	original := ir.NewTextContent("hello there")

	encoded, err := json.Marshal(original)
	require.NoError(t, err)

	var decoded ir.MessageContent
	require.NoError(t, json.Unmarshal(encoded, &decoded))

	assert.False(t, decoded.IsBlocks())
	assert.Equal(t, "hello there", decoded.Text())
}

func TestMessageContent_JSONRoundTrip_ToolUseBlocks(t *testing.T) {
	original := ir.NewBlockContent(
		ir.Block{Type: ir.BlockText, Text: "let me check that"},
		ir.Block{Type: ir.BlockToolUse, ToolUseID: "call_1", ToolName: "lookup", ToolInput: map[string]any{"q": "weather"}},
	)

	encoded, err := json.Marshal(original)
	require.NoError(t, err)

	var decoded ir.MessageContent
	require.NoError(t, json.Unmarshal(encoded, &decoded))

	require.True(t, decoded.IsBlocks())
	assert.Equal(t, "let me check that", decoded.Text())
	require.Len(t, decoded.ToolUses(), 1)
	assert.Equal(t, "call_1", decoded.ToolUses()[0].ToolUseID)
	assert.Equal(t, "lookup", decoded.ToolUses()[0].ToolName)
}

func TestMessage_JSONRoundTrip_PreservesToolUseAfterCacheStyleStorage(t *testing.T) {
	msg := ir.Message{
		Role: ir.RoleAssistant,
		Content: ir.NewBlockContent(
			ir.Block{Type: ir.BlockToolUse, ToolUseID: "call_2", ToolName: "search"},
		),
	}

	encoded, err := json.Marshal(msg)
	require.NoError(t, err)

	var decoded ir.Message
	require.NoError(t, json.Unmarshal(encoded, &decoded))

	require.True(t, decoded.Content.IsBlocks())
	require.Len(t, decoded.Content.ToolUses(), 1)
	assert.Equal(t, "call_2", decoded.Content.ToolUses()[0].ToolUseID)
}
