package backend_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/howard-nolan/llmbridge/internal/backend"
	"github.com/howard-nolan/llmbridge/internal/capability"
	"github.com/howard-nolan/llmbridge/internal/ir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeCaps() capability.Descriptor {
	return capability.Descriptor{
		Streaming: true, SupportsTemperature: true, SupportsTopP: true,
		SystemMessageStrategy: ir.SystemInMessages, SupportsMultipleSystemMessages: true,
		MaxStopSequences: 4,
	}
}

func newIRRequest(stream bool, mode ir.StreamMode) ir.ChatRequest {
	return ir.ChatRequest{
		Messages: []ir.Message{
			{Role: ir.RoleSystem, Content: ir.NewTextContent("be brief")},
			{Role: ir.RoleUser, Content: ir.NewTextContent("hi")},
		},
		Parameters: ir.Parameters{Model: "gpt-4o"},
		Stream:     stream,
		StreamMode: mode,
		Metadata:   ir.Metadata{RequestID: "req-1", Custom: map[string]any{}},
	}
}

// TestOpenAICompatBackend_Execute mirrors scenario 1's backend half: a
// mocked OpenAI-shape server returns "hi-back" and the backend's IR
// response carries it as plain assistant text.
func TestOpenAICompatBackend_Execute(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"id": "resp-1", "model": "gpt-4o",
			"choices": [{"index":0, "message": {"role":"assistant","content":"hi-back"}, "finish_reason":"stop"}],
			"usage": {"prompt_tokens": 5, "completion_tokens": 2, "total_tokens": 7}
		}`)
	}))
	defer server.Close()

	b := backend.NewOpenAICompatBackend("fake-openai", server.URL, "test-key", server.Client(), fakeCaps())
	resp, err := b.Execute(context.Background(), newIRRequest(false, ""))
	require.NoError(t, err)
	assert.Equal(t, "hi-back", resp.Message.Content.Text())
	assert.Equal(t, ir.FinishStop, resp.FinishReason)
	require.NotNil(t, resp.Usage)
	assert.Equal(t, 7, resp.Usage.TotalTokens)
	assert.Equal(t, "fake-openai", resp.Metadata.Provenance[ir.ProvenanceBackend])
}

func TestOpenAICompatBackend_Execute_NonOKStatus_TranslatesError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":"rate limited"}`)
	}))
	defer server.Close()

	b := backend.NewOpenAICompatBackend("fake-openai", server.URL, "test-key", server.Client(), fakeCaps())
	_, err := b.Execute(context.Background(), newIRRequest(false, ""))
	require.Error(t, err)
	var irErr *ir.Error
	require.ErrorAs(t, err, &irErr)
	assert.Equal(t, ir.CategoryRateLimit, irErr.Category)
	assert.True(t, irErr.Retryable)
}

// TestOpenAICompatBackend_ExecuteStream_DeltaMode mirrors scenario 2: a
// fake SSE producer yielding deltas ["He","llo"," world"].
func TestOpenAICompatBackend_ExecuteStream_DeltaMode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(sseHandler([]string{"He", "llo", " world"})))
	defer server.Close()

	b := backend.NewOpenAICompatBackend("fake-openai", server.URL, "test-key", server.Client(), fakeCaps())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	chunks, err := b.ExecuteStream(ctx, newIRRequest(true, ir.StreamModeDelta))
	require.NoError(t, err)

	var deltas []string
	var done ir.StreamChunk
	for c := range chunks {
		switch c.Type {
		case ir.ChunkContent:
			deltas = append(deltas, c.Delta)
		case ir.ChunkDone:
			done = c
		}
	}
	assert.Equal(t, []string{"He", "llo", " world"}, deltas)
	assert.Equal(t, "Hello world", done.Message.Content.Text())
}

// TestOpenAICompatBackend_ExecuteStream_AccumulatedMode mirrors scenario 3.
func TestOpenAICompatBackend_ExecuteStream_AccumulatedMode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(sseHandler([]string{"He", "llo", " world"})))
	defer server.Close()

	b := backend.NewOpenAICompatBackend("fake-openai", server.URL, "test-key", server.Client(), fakeCaps())
	chunks, err := b.ExecuteStream(context.Background(), newIRRequest(true, ir.StreamModeAccumulated))
	require.NoError(t, err)

	var accumulated []string
	for c := range chunks {
		if c.Type == ir.ChunkContent {
			accumulated = append(accumulated, c.Accumulated)
		}
	}
	assert.Equal(t, []string{"He", "Hello", "Hello world"}, accumulated)
}

func TestOpenAICompatBackend_ExecuteStream_ToolCallReassembly(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, `data: {"id":"r","model":"gpt-4o","choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"lookup","arguments":"{\"q\":"}}]},"finish_reason":null}]}`+"\n\n")
		flusher.Flush()
		fmt.Fprint(w, `data: {"id":"r","model":"gpt-4o","choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"weather\"}"}}]},"finish_reason":"tool_calls"}]}`+"\n\n")
		flusher.Flush()
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	}))
	defer server.Close()

	b := backend.NewOpenAICompatBackend("fake-openai", server.URL, "test-key", server.Client(), fakeCaps())
	chunks, err := b.ExecuteStream(context.Background(), newIRRequest(true, ir.StreamModeDelta))
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
}

func sseHandler(deltas []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, d := range deltas {
			fmt.Fprintf(w, `data: {"id":"r","model":"gpt-4o","choices":[{"delta":{"content":%q},"finish_reason":null}]}`+"\n\n", d)
			flusher.Flush()
		}
		fmt.Fprint(w, `data: {"id":"r","model":"gpt-4o","choices":[{"delta":{},"finish_reason":"stop"}]}`+"\n\n")
		flusher.Flush()
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	}
}
