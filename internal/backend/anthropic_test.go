package backend_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/howard-nolan/llmbridge/internal/backend"
	"github.com/howard-nolan/llmbridge/internal/capability"
	"github.com/howard-nolan/llmbridge/internal/ir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func anthropicCaps() capability.Descriptor {
	return capability.Descriptor{
		Streaming: true, SupportsTemperature: true, SupportsTopP: true, SupportsTopK: true,
		SystemMessageStrategy: ir.SystemSeparateParam, MaxStopSequences: 4,
	}
}

// TestAnthropicBackend_Execute_RelocatesSystemToTopLevelField mirrors
// scenario 1's backend half for a vendor whose wire shape keeps "system"
// outside the messages array.
func TestAnthropicBackend_Execute_RelocatesSystemToTopLevelField(t *testing.T) {
	var gotSystem string
	var gotMessageCount int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages", r.URL.Path)
		assert.Equal(t, "2023-06-01", r.Header.Get("anthropic-version"))
		var decoded struct {
			System   string `json:"system"`
			Messages []any  `json:"messages"`
		}
		_ = json.NewDecoder(r.Body).Decode(&decoded)
		gotSystem = decoded.System
		gotMessageCount = len(decoded.Messages)

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"id": "msg_1", "model": "claude-3-5-sonnet",
			"content": [{"type":"text","text":"hi-back"}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 5, "output_tokens": 2}
		}`)
	}))
	defer server.Close()

	b := backend.NewAnthropicBackend("fake-anthropic", server.URL, "test-key", server.Client(), anthropicCaps())
	req := ir.ChatRequest{
		Messages: []ir.Message{
			{Role: ir.RoleSystem, Content: ir.NewTextContent("be brief")},
			{Role: ir.RoleUser, Content: ir.NewTextContent("hi")},
		},
		Parameters: ir.Parameters{Model: "claude-3-5-sonnet"},
		Metadata:   ir.Metadata{RequestID: "req-1", Custom: map[string]any{}},
	}

	resp, err := b.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "be brief", gotSystem)
	assert.Equal(t, 1, gotMessageCount)
	assert.Equal(t, "hi-back", resp.Message.Content.Text())
	assert.Equal(t, ir.FinishStop, resp.FinishReason)
	assert.Equal(t, "fake-anthropic", resp.Metadata.Provenance[ir.ProvenanceBackend])
}

func TestAnthropicBackend_Execute_NonOKStatus_TranslatesError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":"invalid api key"}`)
	}))
	defer server.Close()

	b := backend.NewAnthropicBackend("fake-anthropic", server.URL, "bad-key", server.Client(), anthropicCaps())
	_, err := b.Execute(context.Background(), newAnthropicRequest())
	require.Error(t, err)
	var irErr *ir.Error
	require.ErrorAs(t, err, &irErr)
	assert.Equal(t, ir.CategoryAuthentication, irErr.Category)
}

// TestAnthropicBackend_ExecuteStream_ToolUseReassembly exercises the
// content_block_start/content_block_delta(input_json_delta) sequence real
// Claude tool-call streams use.
func TestAnthropicBackend_ExecuteStream_ToolUseReassembly(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		events := []string{
			`event: message_start
data: {"type":"message_start","message":{"id":"msg_1","model":"claude-3-5-sonnet","usage":{"input_tokens":5,"output_tokens":0}}}

`,
			`event: content_block_start
data: {"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"call_1","name":"lookup"}}

`,
			`event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"q\":"}}

`,
			`event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"\"weather\"}"}}

`,
			`event: message_delta
data: {"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":8}}

`,
			`event: message_stop
data: {"type":"message_stop"}

`,
		}
		for _, e := range events {
			fmt.Fprint(w, e)
			flusher.Flush()
		}
	}))
	defer server.Close()

	b := backend.NewAnthropicBackend("fake-anthropic", server.URL, "test-key", server.Client(), anthropicCaps())
	chunks, err := b.ExecuteStream(context.Background(), newAnthropicRequest())
	require.NoError(t, err)

	var done ir.StreamChunk
	for c := range chunks {
		if c.Type == ir.ChunkDone {
			done = c
		}
	}
	require.Equal(t, ir.FinishToolCalls, done.FinishReason)
	uses := done.Message.Content.ToolUses()
	require.Len(t, uses, 1)
	assert.Equal(t, map[string]any{"q": "weather"}, uses[0].ToolInput)
	require.NotNil(t, done.Usage)
	assert.Equal(t, 13, done.Usage.TotalTokens)
}

func newAnthropicRequest() ir.ChatRequest {
	return ir.ChatRequest{
		Messages: []ir.Message{
			{Role: ir.RoleUser, Content: ir.NewTextContent("look up the weather")},
		},
		Parameters: ir.Parameters{Model: "claude-3-5-sonnet"},
		Stream:     true,
		Metadata:   ir.Metadata{RequestID: "req-2", Custom: map[string]any{}},
	}
}
