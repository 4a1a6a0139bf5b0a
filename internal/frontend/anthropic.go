package frontend

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/howard-nolan/llmbridge/internal/ir"
)

func init() {
	Register("anthropic", func() Adapter { return NewAnthropicAdapter("anthropic") })
}

// anthropicChatRequest is the wire shape of Anthropic's POST /v1/messages
// body. Unlike OpenAI, "system" is a top-level string rather than a message
// with role=="system" — toIR relocates it into a leading system IRMessage
// per §4.1.
type anthropicChatRequest struct {
	Model         string              `json:"model"`
	MaxTokens     int                 `json:"max_tokens"`
	System        string              `json:"system,omitempty"`
	Messages      []anthropicMessage  `json:"messages"`
	Stream        bool                `json:"stream,omitempty"`
	Temperature   *float64            `json:"temperature,omitempty"`
	TopP          *float64            `json:"top_p,omitempty"`
	TopK          *int                `json:"top_k,omitempty"`
	StopSequences []string            `json:"stop_sequences,omitempty"`
	Tools         []anthropicToolSpec `json:"tools,omitempty"`
}

type anthropicMessage struct {
	Role    string                  `json:"role"`
	Content anthropicMessageContent `json:"content"`
}

// anthropicMessageContent decodes either a plain string or an array of
// content blocks, mirroring the real API's flexible Content field.
type anthropicMessageContent struct {
	text   string
	blocks []anthropicContentBlock
	isText bool
}

func (c *anthropicMessageContent) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		c.text, c.isText = s, true
		return nil
	}
	var blocks []anthropicContentBlock
	if err := json.Unmarshal(data, &blocks); err != nil {
		return fmt.Errorf("content must be a string or an array of blocks: %w", err)
	}
	c.blocks = blocks
	return nil
}

func (c anthropicMessageContent) MarshalJSON() ([]byte, error) {
	if c.isText {
		return json.Marshal(c.text)
	}
	return json.Marshal(c.blocks)
}

type anthropicContentBlock struct {
	Type  string              `json:"type"`
	Text  string              `json:"text,omitempty"`
	ID    string              `json:"id,omitempty"`
	Name  string              `json:"name,omitempty"`
	Input any                 `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`

	// image
	Source *anthropicImageSource `json:"source,omitempty"`
}

type anthropicImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

type anthropicToolSpec struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema any    `json:"input_schema,omitempty"`
}

type anthropicChatResponse struct {
	ID         string                  `json:"id"`
	Type       string                  `json:"type"`
	Role       string                  `json:"role"`
	Model      string                  `json:"model"`
	Content    []anthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
	Usage      anthropicUsage          `json:"usage"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// AnthropicAdapter is the frontend facing Claude-shaped callers: the
// Messages API's system/content-block conventions (§4.1 scenario 1).
type AnthropicAdapter struct {
	name string
}

// NewAnthropicAdapter builds an Anthropic-shaped frontend registered under name.
func NewAnthropicAdapter(name string) *AnthropicAdapter {
	return &AnthropicAdapter{name: name}
}

func (a *AnthropicAdapter) Name() string     { return a.name }
func (a *AnthropicAdapter) Provider() string { return "anthropic" }

func (a *AnthropicAdapter) ToIR(raw []byte) (ir.ChatRequest, error) {
	var req anthropicChatRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return ir.ChatRequest{}, ir.NewError(ir.CategoryValidation, "malformed_request", err.Error()).WithCause(err)
	}
	if len(req.Messages) == 0 {
		return ir.ChatRequest{}, ir.NewError(ir.CategoryValidation, "empty_messages", "messages must be non-empty")
	}

	messages := make([]ir.Message, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, ir.Message{Role: ir.RoleSystem, Content: ir.NewTextContent(req.System)})
	}
	for i, m := range req.Messages {
		msg, err := anthropicMessageToIR(m)
		if err != nil {
			return ir.ChatRequest{}, ir.NewError(ir.CategoryValidation, "malformed_message",
				fmt.Sprintf("messages[%d]: %v", i, err)).WithCause(err)
		}
		messages = append(messages, msg)
	}

	maxTokens := req.MaxTokens
	params := ir.Parameters{
		Model:         req.Model,
		Temperature:   req.Temperature,
		MaxTokens:     &maxTokens,
		TopP:          req.TopP,
		TopK:          req.TopK,
		StopSequences: req.StopSequences,
	}

	meta := ir.NewMetadata(time.Now().UnixMilli(), a.name)
	irReq := ir.ChatRequest{
		Messages:   messages,
		Parameters: params,
		Stream:     req.Stream,
		StreamMode: ir.StreamModeDelta,
		Metadata:   meta,
	}
	if err := ir.Validate(irReq); err != nil {
		return ir.ChatRequest{}, err
	}
	return irReq, nil
}

func anthropicMessageToIR(m anthropicMessage) (ir.Message, error) {
	role := ir.Role(m.Role)
	if m.Content.isText {
		return ir.Message{Role: role, Content: ir.NewTextContent(m.Content.text)}, nil
	}
	blocks := make([]ir.Block, 0, len(m.Content.blocks))
	for _, b := range m.Content.blocks {
		switch b.Type {
		case "text":
			blocks = append(blocks, ir.Block{Type: ir.BlockText, Text: b.Text})
		case "tool_use":
			blocks = append(blocks, ir.Block{Type: ir.BlockToolUse, ToolUseID: b.ID, ToolName: b.Name, ToolInput: b.Input})
		case "tool_result":
			blocks = append(blocks, ir.Block{Type: ir.BlockToolResult, ToolUseID: b.ToolUseID, ToolResultContent: b.Content})
		case "image":
			if b.Source != nil {
				src := ir.ImageSource{MediaType: b.Source.MediaType}
				if b.Source.Type == "url" {
					src.Type, src.URL = ir.ImageSourceURL, b.Source.URL
				} else {
					src.Type, src.Data = ir.ImageSourceBase64, b.Source.Data
				}
				blocks = append(blocks, ir.Block{Type: ir.BlockImage, Source: &src})
			}
		default:
			return ir.Message{}, fmt.Errorf("unrecognized content block type %q", b.Type)
		}
	}
	return ir.Message{Role: role, Content: ir.NewBlockContent(blocks...)}, nil
}

func (a *AnthropicAdapter) FromIR(resp ir.ChatResponse) ([]byte, error) {
	if err := ir.ValidateResponse(resp); err != nil {
		return nil, err
	}

	var blocks []anthropicContentBlock
	if resp.Message.Content.IsBlocks() {
		for _, b := range resp.Message.Content.Parts {
			switch b.Type {
			case ir.BlockText:
				blocks = append(blocks, anthropicContentBlock{Type: "text", Text: b.Text})
			case ir.BlockToolUse:
				blocks = append(blocks, anthropicContentBlock{Type: "tool_use", ID: b.ToolUseID, Name: b.ToolName, Input: b.ToolInput})
			}
		}
	} else if txt := resp.Message.Content.Text(); txt != "" {
		blocks = append(blocks, anthropicContentBlock{Type: "text", Text: txt})
	}

	out := anthropicChatResponse{
		ID:         resp.Metadata.RequestID,
		Type:       "message",
		Role:       "assistant",
		Model:      resp.Metadata.Provenance[ir.ProvenanceBackend],
		Content:    blocks,
		StopReason: toAnthropicStopReason(resp.FinishReason),
	}
	if resp.Usage != nil {
		out.Usage = anthropicUsage{InputTokens: resp.Usage.PromptTokens, OutputTokens: resp.Usage.CompletionTokens}
	}
	return json.Marshal(out)
}

func toAnthropicStopReason(r ir.FinishReason) string {
	switch r {
	case ir.FinishToolCalls:
		return "tool_use"
	case ir.FinishLength:
		return "max_tokens"
	case ir.FinishContentFilter:
		return "stop_sequence"
	default:
		return "end_turn"
	}
}

func (a *AnthropicAdapter) FromIRStream(ctx context.Context, chunks <-chan ir.StreamChunk) <-chan []byte {
	out := make(chan []byte)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case c, ok := <-chunks:
				if !ok {
					return
				}
				switch c.Type {
				case ir.ChunkStart:
					if !emitSSE(ctx, out, "message_start", map[string]any{
						"type": "message_start",
						"message": map[string]any{
							"id": c.Metadata.RequestID, "type": "message", "role": "assistant",
							"model": c.Metadata.Provenance[ir.ProvenanceBackend],
						},
					}) {
						return
					}
				case ir.ChunkContent:
					if c.IsToolCallDelta() {
						if !emitSSE(ctx, out, "content_block_delta", map[string]any{
							"type": "content_block_delta", "index": c.ToolCallIndex,
							"delta": map[string]any{"type": "input_json_delta", "partial_json": c.ArgsDelta},
						}) {
							return
						}
						continue
					}
					if !emitSSE(ctx, out, "content_block_delta", map[string]any{
						"type": "content_block_delta", "index": 0,
						"delta": map[string]any{"type": "text_delta", "text": c.Delta},
					}) {
						return
					}
				case ir.ChunkDone:
					delta := map[string]any{"stop_reason": toAnthropicStopReason(c.FinishReason)}
					if !emitSSE(ctx, out, "message_delta", map[string]any{"type": "message_delta", "delta": delta}) {
						return
					}
					emitSSE(ctx, out, "message_stop", map[string]any{"type": "message_stop"})
					return
				case ir.ChunkError:
					emitSSE(ctx, out, "error", map[string]any{
						"type": "error", "error": map[string]any{"type": c.ErrorCode, "message": c.ErrorMessage},
					})
					return
				}
			}
		}
	}()
	return out
}

// emitSSE marshals an Anthropic-shaped named event as "event: <name>\ndata:
// <json>\n\n" — the same framing the teacher's stream.Write helper uses for
// OpenAI-style unnamed events, generalized to carry an event name.
func emitSSE(ctx context.Context, out chan<- []byte, event string, payload any) bool {
	data, err := json.Marshal(payload)
	if err != nil {
		return true
	}
	frame := fmt.Sprintf("event: %s\ndata: %s\n\n", event, data)
	select {
	case out <- []byte(frame):
		return true
	case <-ctx.Done():
		return false
	}
}
