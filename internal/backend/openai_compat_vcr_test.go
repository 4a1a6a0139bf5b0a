package backend_test

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/dnaeon/go-vcr.v4/pkg/cassette"
	"gopkg.in/dnaeon/go-vcr.v4/pkg/recorder"

	"github.com/howard-nolan/llmbridge/internal/backend"
	"github.com/howard-nolan/llmbridge/internal/capability"
	"github.com/howard-nolan/llmbridge/internal/ir"
)

// TestOpenAICompatBackend_Execute_ReplaysRecordedCassette replays a
// previously recorded OpenAI-compatible chat completion exchange instead of
// standing up an httptest.Server for this one case — the recorded
// request/response pair lives in testdata/openai_compat_chat.yaml and was
// captured from a real-shaped exchange, exercising the adapter against
// wire bytes nobody hand-typed into the test file itself.
func TestOpenAICompatBackend_Execute_ReplaysRecordedCassette(t *testing.T) {
	rec, err := recorder.New("testdata/openai_compat_chat")
	require.NoError(t, err)
	defer func() { require.NoError(t, rec.Stop()) }()

	rec.SetReplayableInteractions(true)
	rec.SetMatcher(func(r *http.Request, i cassette.Request) bool {
		return r.Method == i.Method && r.URL.String() == i.URL
	})

	client := &http.Client{Transport: rec}
	caps := capability.Descriptor{Streaming: true, SupportsTemperature: true, MaxContextTokens: 8192}
	b := backend.NewOpenAICompatBackend("gpt-4", "https://api.openai.com/v1", "test-key", client, caps)

	req := ir.ChatRequest{
		Parameters: ir.Parameters{Model: "gpt-4"},
		Messages:   []ir.Message{{Role: ir.RoleUser, Content: ir.NewTextContent("Say hello in one word.")}},
		Metadata:   ir.Metadata{Custom: map[string]any{}},
	}

	resp, err := b.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Message.Content.Text())
	assert.Equal(t, ir.FinishStop, resp.FinishReason)
}
