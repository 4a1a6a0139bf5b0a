package backend_test

import (
	"context"
	"testing"

	"github.com/howard-nolan/llmbridge/internal/backend"
	"github.com/howard-nolan/llmbridge/internal/capability"
	"github.com/howard-nolan/llmbridge/internal/ir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeChromeSession replays a fixed sequence of accumulated-text chunks,
// mirroring Chrome's promptStreaming behavior of re-sending the whole
// response so far on every iteration instead of a delta.
type fakeChromeSession struct {
	accumulated []string
	idx         int
}

func (s *fakeChromeSession) Next(ctx context.Context) (string, bool, error) {
	if s.idx >= len(s.accumulated) {
		return "", true, nil
	}
	v := s.accumulated[s.idx]
	s.idx++
	return v, false, nil
}

func (s *fakeChromeSession) Close() error { return nil }

func TestChromeBackend_ExecuteStream_ConvertsAccumulatedIteratorToDeltas(t *testing.T) {
	factory := func(ctx context.Context, req ir.ChatRequest) (backend.ChromeSession, error) {
		return &fakeChromeSession{accumulated: []string{"He", "Hello", "Hello world"}}, nil
	}
	b := backend.NewChromeBackend("fake-chrome", factory, capability.Descriptor{Streaming: true})

	req := ir.ChatRequest{
		Messages:   []ir.Message{{Role: ir.RoleUser, Content: ir.NewTextContent("hi")}},
		Parameters: ir.Parameters{Model: "chrome-on-device"},
		Stream:     true,
		Metadata:   ir.Metadata{RequestID: "req-1", Custom: map[string]any{}},
	}
	chunks, err := b.ExecuteStream(context.Background(), req)
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
	assert.Equal(t, ir.FinishStop, done.FinishReason)
}

func TestChromeBackend_Execute_DrainsStreamToFinalResponse(t *testing.T) {
	factory := func(ctx context.Context, req ir.ChatRequest) (backend.ChromeSession, error) {
		return &fakeChromeSession{accumulated: []string{"done response"}}, nil
	}
	b := backend.NewChromeBackend("fake-chrome", factory, capability.Descriptor{Streaming: true})

	req := ir.ChatRequest{
		Messages:   []ir.Message{{Role: ir.RoleUser, Content: ir.NewTextContent("hi")}},
		Parameters: ir.Parameters{Model: "chrome-on-device"},
		Metadata:   ir.Metadata{RequestID: "req-2", Custom: map[string]any{}},
	}
	resp, err := b.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "done response", resp.Message.Content.Text())
}

func TestChromeBackend_EstimateCost_AlwaysUnsupported(t *testing.T) {
	b := backend.NewChromeBackend("fake-chrome", nil, capability.Descriptor{})
	_, ok := b.EstimateCost(ir.ChatRequest{})
	assert.False(t, ok)
}
