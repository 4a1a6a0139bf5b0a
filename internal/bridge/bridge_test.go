package bridge_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/howard-nolan/llmbridge/internal/bridge"
	"github.com/howard-nolan/llmbridge/internal/capability"
	"github.com/howard-nolan/llmbridge/internal/frontend"
	"github.com/howard-nolan/llmbridge/internal/ir"
	"github.com/howard-nolan/llmbridge/internal/middleware"
)

// stubBackend is a minimal backend.Adapter double: it echoes a fixed reply
// and records the request it last saw, so bridge tests can assert on what
// reached the backend without a real provider call.
type stubBackend struct {
	reply     ir.ChatResponse
	failWith  error
	lastReq   ir.ChatRequest
}

func (s *stubBackend) Name() string                       { return "stub" }
func (s *stubBackend) Capabilities() capability.Descriptor { return capability.Descriptor{} }
func (s *stubBackend) FromIR(req ir.ChatRequest) ([]byte, []ir.SemanticWarning, error) {
	return nil, nil, nil
}
func (s *stubBackend) ToIR(raw []byte, original ir.ChatRequest, latencyMs int64) (ir.ChatResponse, error) {
	return ir.ChatResponse{}, nil
}
func (s *stubBackend) Execute(ctx context.Context, req ir.ChatRequest) (ir.ChatResponse, error) {
	s.lastReq = req
	if s.failWith != nil {
		return ir.ChatResponse{}, s.failWith
	}
	return s.reply, nil
}
func (s *stubBackend) ExecuteStream(ctx context.Context, req ir.ChatRequest) (<-chan ir.StreamChunk, error) {
	ch := make(chan ir.StreamChunk, 1)
	ch <- ir.StreamChunk{Type: ir.ChunkDone, FinishReason: ir.FinishStop}
	close(ch)
	return ch, nil
}
func (s *stubBackend) HealthCheck(ctx context.Context) bool         { return s.failWith == nil }
func (s *stubBackend) EstimateCost(req ir.ChatRequest) (float64, bool) { return 0, false }

func TestBridge_Chat_RoundTripsThroughFrontendAndBackend(t *testing.T) {
	fe := frontend.NewOpenAIAdapter("openai")
	be := &stubBackend{
		reply: ir.ChatResponse{
			Message:      ir.Message{Role: ir.RoleAssistant, Content: ir.NewTextContent("hello back")},
			FinishReason: ir.FinishStop,
			Metadata:     ir.Metadata{Custom: map[string]any{}},
		},
	}
	br := bridge.New(fe, be)

	reqBody, err := json.Marshal(map[string]any{
		"model":    "gpt-4",
		"messages": []map[string]any{{"role": "user", "content": "hi"}},
	})
	require.NoError(t, err)

	respBody, err := br.Chat(context.Background(), reqBody, bridge.Options{})
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(respBody, &decoded))
	assert.Equal(t, "gpt-4", be.lastReq.Parameters.Model)
	assert.Equal(t, 1, len(be.lastReq.Messages))
}

func TestBridge_Use_FailsAfterFirstRequest(t *testing.T) {
	fe := frontend.NewOpenAIAdapter("openai")
	be := &stubBackend{reply: ir.ChatResponse{Metadata: ir.Metadata{Custom: map[string]any{}}}}
	br := bridge.New(fe, be)

	var log []string
	require.NoError(t, br.Use(&recordingMiddleware{log: &log}))

	reqBody, _ := json.Marshal(map[string]any{
		"model": "gpt-4", "messages": []map[string]any{{"role": "user", "content": "hi"}},
	})
	_, err := br.Chat(context.Background(), reqBody, bridge.Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"recorder"}, log)

	err = br.Use(&recordingMiddleware{log: &log})
	assert.Error(t, err, "registering middleware after the first request must fail")
}

type recordingMiddleware struct{ log *[]string }

func (r *recordingMiddleware) Name() string { return "recorder" }
func (r *recordingMiddleware) Handle(ctx *middleware.Context, next middleware.Next) (ir.ChatResponse, error) {
	*r.log = append(*r.log, "recorder")
	return next(ctx)
}

func TestBridge_ChatStream_DrainsBackendStreamThroughFrontend(t *testing.T) {
	fe := frontend.NewOpenAIAdapter("openai")
	be := &stubBackend{}
	br := bridge.New(fe, be)

	reqBody, _ := json.Marshal(map[string]any{
		"model": "gpt-4", "messages": []map[string]any{{"role": "user", "content": "hi"}}, "stream": true,
	})

	out, err := br.ChatStream(context.Background(), reqBody, bridge.Options{})
	require.NoError(t, err)

	var frames [][]byte
	for frame := range out {
		frames = append(frames, frame)
	}
	assert.NotEmpty(t, frames)
}

func TestBridge_Chat_BackendFailure_PropagatesError(t *testing.T) {
	fe := frontend.NewOpenAIAdapter("openai")
	be := &stubBackend{failWith: ir.NewError(ir.CategoryServerError, "server_error", "down")}
	br := bridge.New(fe, be)

	reqBody, _ := json.Marshal(map[string]any{
		"model": "gpt-4", "messages": []map[string]any{{"role": "user", "content": "hi"}},
	})
	_, err := br.Chat(context.Background(), reqBody, bridge.Options{})
	require.Error(t, err)
}
