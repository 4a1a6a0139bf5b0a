package frontend_test

import (
	"encoding/json"
	"testing"

	"github.com/howard-nolan/llmbridge/internal/frontend"
	"github.com/howard-nolan/llmbridge/internal/ir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestAnthropicAdapter_ToIR_RelocatesSystemMessage mirrors end-to-end
// scenario 1: an Anthropic-shape request's top-level system string becomes
// a leading system IRMessage.
func TestAnthropicAdapter_ToIR_RelocatesSystemMessage(t *testing.T) {
	a := frontend.NewAnthropicAdapter("anthropic")
	raw := []byte(`{
		"model": "claude-3-5-sonnet",
		"system": "be brief",
		"max_tokens": 16,
		"messages": [{"role": "user", "content": "hi"}]
	}`)

	req, err := a.ToIR(raw)
	require.NoError(t, err)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, ir.RoleSystem, req.Messages[0].Role)
	assert.Equal(t, "be brief", req.Messages[0].Content.Text())
	assert.Equal(t, ir.RoleUser, req.Messages[1].Role)
	assert.Equal(t, "hi", req.Messages[1].Content.Text())
	require.NotNil(t, req.Parameters.MaxTokens)
	assert.Equal(t, 16, *req.Parameters.MaxTokens)
	assert.NotEmpty(t, req.Metadata.RequestID)
	assert.Equal(t, "anthropic", req.Metadata.Provenance[ir.ProvenanceFrontend])
}

func TestAnthropicAdapter_ToIR_EmptyMessages_Fails(t *testing.T) {
	a := frontend.NewAnthropicAdapter("anthropic")
	_, err := a.ToIR([]byte(`{"model":"x","max_tokens":1,"messages":[]}`))
	require.Error(t, err)
	var irErr *ir.Error
	require.ErrorAs(t, err, &irErr)
	assert.Equal(t, ir.CategoryValidation, irErr.Category)
}

// TestAnthropicAdapter_FromIR_ShapesTextResponse mirrors the second half of
// scenario 1: an IR response with plain assistant text becomes
// {content:[{type:"text", text:...}], stop_reason:"end_turn"}.
func TestAnthropicAdapter_FromIR_ShapesTextResponse(t *testing.T) {
	a := frontend.NewAnthropicAdapter("anthropic")
	resp := ir.ChatResponse{
		Message:      ir.Message{Role: ir.RoleAssistant, Content: ir.NewTextContent("hi-back")},
		FinishReason: ir.FinishStop,
		Metadata:     ir.Metadata{RequestID: "req-1", Provenance: map[ir.ProvenanceRole]string{ir.ProvenanceBackend: "fake-openai"}},
	}

	raw, err := a.FromIR(resp)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "end_turn", decoded["stop_reason"])

	content, ok := decoded["content"].([]any)
	require.True(t, ok)
	require.Len(t, content, 1)
	block := content[0].(map[string]any)
	assert.Equal(t, "text", block["type"])
	assert.Equal(t, "hi-back", block["text"])
}

func TestAnthropicAdapter_FromIR_ToolCallsMapToToolUseBlocks(t *testing.T) {
	a := frontend.NewAnthropicAdapter("anthropic")
	resp := ir.ChatResponse{
		Message: ir.Message{Role: ir.RoleAssistant, Content: ir.NewBlockContent(
			ir.Block{Type: ir.BlockToolUse, ToolUseID: "call_1", ToolName: "lookup", ToolInput: map[string]any{"q": "weather"}},
		)},
		FinishReason: ir.FinishToolCalls,
		Metadata:     ir.Metadata{RequestID: "req-2"},
	}
	raw, err := a.FromIR(resp)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "tool_use", decoded["stop_reason"])
}

func TestAnthropicAdapter_FromIR_EmptyMessage_Fails(t *testing.T) {
	a := frontend.NewAnthropicAdapter("anthropic")
	_, err := a.FromIR(ir.ChatResponse{Message: ir.Message{Role: ir.RoleAssistant, Content: ir.NewTextContent("")}})
	require.Error(t, err)
}
