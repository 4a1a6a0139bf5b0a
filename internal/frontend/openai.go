package frontend

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/howard-nolan/llmbridge/internal/ir"
)

func init() {
	Register("openai", func() Adapter { return NewOpenAIAdapter("openai") })
}

// openAIChatRequest is the wire shape of a
// POST /v1/chat/completions body. Only the fields this adapter recognizes
// are declared; everything else round-trips through req.custom via the
// caller's own JSON decoding (the core never sees it).
type openAIChatRequest struct {
	Model            string           `json:"model"`
	Messages         []openAIMessage  `json:"messages"`
	Stream           bool             `json:"stream,omitempty"`
	Temperature      *float64         `json:"temperature,omitempty"`
	TopP             *float64         `json:"top_p,omitempty"`
	MaxTokens        *int             `json:"max_tokens,omitempty"`
	FrequencyPenalty *float64         `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64         `json:"presence_penalty,omitempty"`
	Seed             *int64           `json:"seed,omitempty"`
	Stop             []string         `json:"stop,omitempty"`
	Tools            []openAITool     `json:"tools,omitempty"`
}

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    json.RawMessage  `json:"content,omitempty"`
	Name       string           `json:"name,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
}

type openAIToolCall struct {
	Index    *int               `json:"index,omitempty"`
	ID       string             `json:"id,omitempty"`
	Type     string             `json:"type,omitempty"`
	Function openAIToolCallFunc `json:"function"`
}

type openAIToolCallFunc struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openAITool struct {
	Type     string             `json:"type"`
	Function openAIToolFunction `json:"function"`
}

type openAIToolFunction struct {
	Name       string `json:"name"`
	Parameters any    `json:"parameters,omitempty"`
}

// openAIContentPart handles the array form of Content (multimodal).
type openAIContentPart struct {
	Type     string             `json:"type"`
	Text     string             `json:"text,omitempty"`
	ImageURL *openAIImageURLRef `json:"image_url,omitempty"`
}

type openAIImageURLRef struct {
	URL string `json:"url"`
}

type openAIChatResponse struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Model   string             `json:"model"`
	Choices []openAIChoice     `json:"choices"`
	Usage   *openAIUsage       `json:"usage,omitempty"`
}

type openAIChoice struct {
	Index        int           `json:"index"`
	Message      openAIMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type openAIStreamChunk struct {
	ID      string              `json:"id"`
	Object  string              `json:"object"`
	Model   string              `json:"model"`
	Choices []openAIStreamChoice `json:"choices"`
	Usage   *openAIUsage        `json:"usage,omitempty"`
}

type openAIStreamChoice struct {
	Index        int                `json:"index"`
	Delta        openAIStreamDelta  `json:"delta"`
	FinishReason *string            `json:"finish_reason"`
}

type openAIStreamDelta struct {
	Role      string           `json:"role,omitempty"`
	Content   string           `json:"content,omitempty"`
	ToolCalls []openAIToolCall `json:"tool_calls,omitempty"`
}

// OpenAIAdapter is the frontend facing OpenAI-shaped callers: the surface
// OpenAI's own SDKs, and every OpenAI-compatible proxy, speak.
type OpenAIAdapter struct {
	name string
}

// NewOpenAIAdapter builds an OpenAI-shaped frontend registered under name.
func NewOpenAIAdapter(name string) *OpenAIAdapter {
	return &OpenAIAdapter{name: name}
}

func (a *OpenAIAdapter) Name() string     { return a.name }
func (a *OpenAIAdapter) Provider() string { return "openai" }

func (a *OpenAIAdapter) ToIR(raw []byte) (ir.ChatRequest, error) {
	var req openAIChatRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return ir.ChatRequest{}, ir.NewError(ir.CategoryValidation, "malformed_request", err.Error()).WithCause(err)
	}
	if len(req.Messages) == 0 {
		return ir.ChatRequest{}, ir.NewError(ir.CategoryValidation, "empty_messages", "messages must be non-empty")
	}

	messages := make([]ir.Message, 0, len(req.Messages))
	for i, m := range req.Messages {
		msg, err := openAIMessageToIR(m)
		if err != nil {
			return ir.ChatRequest{}, ir.NewError(ir.CategoryValidation, "malformed_message",
				fmt.Sprintf("messages[%d]: %v", i, err)).WithCause(err)
		}
		messages = append(messages, msg)
	}

	params := ir.Parameters{
		Model:            req.Model,
		Temperature:      req.Temperature,
		MaxTokens:        req.MaxTokens,
		TopP:             req.TopP,
		FrequencyPenalty: req.FrequencyPenalty,
		PresencePenalty:  req.PresencePenalty,
		Seed:             req.Seed,
		StopSequences:    req.Stop,
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

func openAIMessageToIR(m openAIMessage) (ir.Message, error) {
	role := ir.Role(m.Role)
	if m.Role == "tool" {
		// Name is required on a tool-role IR message (§3); modern OpenAI
		// tool messages identify the call via tool_call_id instead of a
		// "name" field, so fall back to that when name is absent.
		name := m.Name
		if name == "" {
			name = m.ToolCallID
		}
		return ir.Message{
			Role: ir.RoleTool,
			Name: name,
			Content: ir.NewBlockContent(ir.Block{
				Type:              ir.BlockToolResult,
				ToolUseID:         m.ToolCallID,
				ToolResultContent: rawTextContent(m.Content),
			}),
		}, nil
	}

	if len(m.ToolCalls) > 0 {
		blocks := make([]ir.Block, 0, len(m.ToolCalls)+1)
		if text := rawTextContent(m.Content); text != "" {
			blocks = append(blocks, ir.Block{Type: ir.BlockText, Text: text})
		}
		for _, tc := range m.ToolCalls {
			var input any
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &input); err != nil {
				input = map[string]any{"raw": tc.Function.Arguments}
			}
			blocks = append(blocks, ir.Block{
				Type:      ir.BlockToolUse,
				ToolUseID: tc.ID,
				ToolName:  tc.Function.Name,
				ToolInput: input,
			})
		}
		return ir.Message{Role: role, Content: ir.NewBlockContent(blocks...)}, nil
	}

	content, err := decodeOpenAIContent(m.Content)
	if err != nil {
		return ir.Message{}, err
	}
	return ir.Message{Role: role, Content: content, Name: m.Name}, nil
}

// decodeOpenAIContent handles both the plain-string and content-array forms
// OpenAI's Content field can take.
func decodeOpenAIContent(raw json.RawMessage) (ir.MessageContent, error) {
	if len(raw) == 0 {
		return ir.NewTextContent(""), nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return ir.NewTextContent(s), nil
	}
	var parts []openAIContentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return ir.MessageContent{}, fmt.Errorf("content must be a string or an array of parts: %w", err)
	}
	blocks := make([]ir.Block, 0, len(parts))
	for _, p := range parts {
		switch p.Type {
		case "text":
			blocks = append(blocks, ir.Block{Type: ir.BlockText, Text: p.Text})
		case "image_url":
			if p.ImageURL != nil {
				blocks = append(blocks, ir.Block{
					Type:   ir.BlockImage,
					Source: &ir.ImageSource{Type: ir.ImageSourceURL, URL: p.ImageURL.URL},
				})
			}
		}
	}
	return ir.NewBlockContent(blocks...), nil
}

func rawTextContent(raw json.RawMessage) string {
	c, err := decodeOpenAIContent(raw)
	if err != nil {
		return ""
	}
	return c.Text()
}

func (a *OpenAIAdapter) FromIR(resp ir.ChatResponse) ([]byte, error) {
	if err := ir.ValidateResponse(resp); err != nil {
		return nil, err
	}

	msg := openAIMessage{Role: string(resp.Message.Role)}
	if resp.Message.Content.IsBlocks() {
		for _, b := range resp.Message.Content.Parts {
			if b.Type == ir.BlockText {
				msg.Content = mustMarshal(b.Text)
			}
		}
		for _, b := range resp.Message.Content.ToolUses() {
			args, _ := json.Marshal(b.ToolInput)
			msg.ToolCalls = append(msg.ToolCalls, openAIToolCall{
				ID: b.ToolUseID, Type: "function",
				Function: openAIToolCallFunc{Name: b.ToolName, Arguments: string(args)},
			})
		}
	} else {
		msg.Content = mustMarshal(resp.Message.Content.Str)
	}

	out := openAIChatResponse{
		ID:     resp.Metadata.RequestID,
		Object: "chat.completion",
		Model:  resp.Metadata.Provenance[ir.ProvenanceBackend],
		Choices: []openAIChoice{{
			Index:        0,
			Message:      msg,
			FinishReason: toOpenAIFinishReason(resp.FinishReason),
		}},
	}
	if resp.Usage != nil {
		out.Usage = &openAIUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}
	return json.Marshal(out)
}

func mustMarshal(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}

func toOpenAIFinishReason(r ir.FinishReason) string {
	switch r {
	case ir.FinishToolCalls:
		return "tool_calls"
	case ir.FinishLength:
		return "length"
	case ir.FinishContentFilter:
		return "content_filter"
	case ir.FinishError:
		return "stop"
	default:
		return "stop"
	}
}

func (a *OpenAIAdapter) FromIRStream(ctx context.Context, chunks <-chan ir.StreamChunk) <-chan []byte {
	out := make(chan []byte)
	go func() {
		defer close(out)
		id := ""
		model := ""
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
					id = c.Metadata.RequestID
					model = c.Metadata.Provenance[ir.ProvenanceBackend]
					if !emit(ctx, out, openAIStreamChunk{
						ID: id, Object: "chat.completion.chunk", Model: model,
						Choices: []openAIStreamChoice{{Index: 0, Delta: openAIStreamDelta{Role: "assistant"}}},
					}) {
						return
					}
				case ir.ChunkContent:
					if c.IsToolCallDelta() {
						idx := c.ToolCallIndex
						delta := openAIToolCall{Index: &idx, ID: c.ToolCallID, Type: "function",
							Function: openAIToolCallFunc{Name: c.ToolCallName, Arguments: c.ArgsDelta}}
						if !emit(ctx, out, openAIStreamChunk{
							ID: id, Object: "chat.completion.chunk", Model: model,
							Choices: []openAIStreamChoice{{Index: 0, Delta: openAIStreamDelta{ToolCalls: []openAIToolCall{delta}}}},
						}) {
							return
						}
						continue
					}
					if !emit(ctx, out, openAIStreamChunk{
						ID: id, Object: "chat.completion.chunk", Model: model,
						Choices: []openAIStreamChoice{{Index: 0, Delta: openAIStreamDelta{Content: c.Delta}}},
					}) {
						return
					}
				case ir.ChunkDone:
					reason := toOpenAIFinishReason(c.FinishReason)
					chunk := openAIStreamChunk{
						ID: id, Object: "chat.completion.chunk", Model: model,
						Choices: []openAIStreamChoice{{Index: 0, Delta: openAIStreamDelta{}, FinishReason: &reason}},
					}
					if c.Usage != nil {
						chunk.Usage = &openAIUsage{
							PromptTokens: c.Usage.PromptTokens, CompletionTokens: c.Usage.CompletionTokens,
							TotalTokens: c.Usage.TotalTokens,
						}
					}
					emit(ctx, out, chunk)
					return
				case ir.ChunkError:
					emit(ctx, out, map[string]any{"error": map[string]any{"code": c.ErrorCode, "message": c.ErrorMessage}})
					return
				}
			}
		}
	}()
	return out
}

// emit marshals v and sends it on out, returning false if ctx ended first.
func emit(ctx context.Context, out chan<- []byte, v any) bool {
	b, err := json.Marshal(v)
	if err != nil {
		return true
	}
	select {
	case out <- b:
		return true
	case <-ctx.Done():
		return false
	}
}
