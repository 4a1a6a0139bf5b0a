package httpserver_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/howard-nolan/llmbridge/internal/bridge"
	"github.com/howard-nolan/llmbridge/internal/capability"
	"github.com/howard-nolan/llmbridge/internal/frontend"
	"github.com/howard-nolan/llmbridge/internal/httpserver"
	"github.com/howard-nolan/llmbridge/internal/ir"
)

// stubBackend is the same minimal backend.Adapter double bridge_test.go
// uses, duplicated here rather than exported from bridge_test (an
// external _test package can't import another package's internal test
// helpers) so this package's tests stay self-contained.
type stubBackend struct {
	reply    ir.ChatResponse
	failWith error
	healthy  bool
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
	if s.failWith != nil {
		return ir.ChatResponse{}, s.failWith
	}
	return s.reply, nil
}
func (s *stubBackend) ExecuteStream(ctx context.Context, req ir.ChatRequest) (<-chan ir.StreamChunk, error) {
	ch := make(chan ir.StreamChunk, 2)
	ch <- ir.NewContentChunk(0, "hi")
	ch <- ir.NewDoneChunk(1, ir.FinishStop, ir.Message{Role: ir.RoleAssistant, Content: ir.NewTextContent("hi")}, nil)
	close(ch)
	return ch, nil
}
func (s *stubBackend) HealthCheck(ctx context.Context) bool            { return s.healthy }
func (s *stubBackend) EstimateCost(req ir.ChatRequest) (float64, bool) { return 0, false }

func newTestServer(be *stubBackend) *httpserver.Server {
	fe := frontend.NewOpenAIAdapter("openai")
	br := bridge.New(fe, be)
	return httpserver.New([]httpserver.Route{{Path: "/v1/chat/completions", Bridge: br}})
}

func TestServer_HandleChat_NonStreaming_ReturnsBridgeResponse(t *testing.T) {
	be := &stubBackend{
		healthy: true,
		reply: ir.ChatResponse{
			Message:      ir.Message{Role: ir.RoleAssistant, Content: ir.NewTextContent("hello")},
			FinishReason: ir.FinishStop,
			Metadata:     ir.Metadata{Custom: map[string]any{}},
		},
	}
	srv := newTestServer(be)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	body, _ := json.Marshal(map[string]any{
		"model":    "gpt-4",
		"messages": []map[string]any{{"role": "user", "content": "hi"}},
	})
	resp, err := http.Post(ts.URL+"/v1/chat/completions", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	choices, ok := decoded["choices"].([]any)
	require.True(t, ok)
	require.NotEmpty(t, choices)
}

func TestServer_HandleChat_Streaming_WritesSSEFrames(t *testing.T) {
	be := &stubBackend{healthy: true}
	srv := newTestServer(be)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	body, _ := json.Marshal(map[string]any{
		"model":    "gpt-4",
		"messages": []map[string]any{{"role": "user", "content": "hi"}},
		"stream":   true,
	})
	resp, err := http.Post(ts.URL+"/v1/chat/completions", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	buf := new(bytes.Buffer)
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "data: ")
	assert.Contains(t, buf.String(), "[DONE]")
}

func TestServer_HandleHealth_ReportsPerRouteStatus(t *testing.T) {
	be := &stubBackend{healthy: false}
	srv := newTestServer(be)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	var decoded struct {
		Status   string          `json:"status"`
		Backends map[string]bool `json:"backends"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	assert.Equal(t, "degraded", decoded.Status)
	assert.False(t, decoded.Backends["/v1/chat/completions"])
}

func TestServer_HandleChat_BackendFailure_MapsErrorCategoryToStatus(t *testing.T) {
	be := &stubBackend{
		healthy:  true,
		failWith: ir.NewError(ir.CategoryRateLimit, "rate_limit_exceeded", "too many requests"),
	}
	srv := newTestServer(be)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	body, _ := json.Marshal(map[string]any{
		"model":    "gpt-4",
		"messages": []map[string]any{{"role": "user", "content": "hi"}},
	})
	resp, err := http.Post(ts.URL+"/v1/chat/completions", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestServer_Metrics_IsMounted(t *testing.T) {
	be := &stubBackend{healthy: true}
	srv := newTestServer(be)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
