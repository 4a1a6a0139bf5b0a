package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/howard-nolan/llmbridge/internal/capability"
	"github.com/howard-nolan/llmbridge/internal/drift"
	"github.com/howard-nolan/llmbridge/internal/ir"
	"github.com/howard-nolan/llmbridge/internal/streaming"
)

const anthropicAPIVersion = "2023-06-01"

type anthropicWireRequest struct {
	Model         string                 `json:"model"`
	MaxTokens     int                    `json:"max_tokens"`
	System        string                 `json:"system,omitempty"`
	Messages      []anthropicWireMessage `json:"messages"`
	Stream        bool                   `json:"stream,omitempty"`
	Temperature   *float64               `json:"temperature,omitempty"`
	TopP          *float64               `json:"top_p,omitempty"`
	TopK          *int                   `json:"top_k,omitempty"`
	StopSequences []string               `json:"stop_sequences,omitempty"`
}

type anthropicWireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// defaultMaxTokens is used when the caller doesn't specify maxTokens;
// Anthropic rejects requests without one.
const defaultMaxTokens = 1024

type anthropicWireResponse struct {
	ID         string                  `json:"id"`
	Content    []anthropicWireBlock    `json:"content"`
	Model      string                  `json:"model"`
	StopReason string                  `json:"stop_reason"`
	Usage      anthropicWireUsage      `json:"usage"`
}

type anthropicWireBlock struct {
	Type  string `json:"type"`
	Text  string `json:"text,omitempty"`
	ID    string `json:"id,omitempty"`
	Name  string `json:"name,omitempty"`
	Input any    `json:"input,omitempty"`
}

type anthropicWireUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// anthropicStreamEvent is the typed-SSE envelope every event payload shares;
// only the fields relevant to event.Type are populated (§4.2).
type anthropicStreamEvent struct {
	Type         string                     `json:"type"`
	Message      *anthropicEventMessage     `json:"message,omitempty"`
	Delta        *anthropicEventDelta       `json:"delta,omitempty"`
	Usage        *anthropicWireUsage        `json:"usage,omitempty"`
	Index        int                        `json:"index,omitempty"`
	ContentBlock *anthropicWireBlock        `json:"content_block,omitempty"`
	Error        *anthropicStreamEventError `json:"error,omitempty"`
}

type anthropicEventMessage struct {
	ID    string             `json:"id"`
	Model string             `json:"model"`
	Usage anthropicWireUsage `json:"usage"`
}

type anthropicEventDelta struct {
	Type        string `json:"type,omitempty"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

type anthropicStreamEventError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// AnthropicBackend adapts Claude's Messages API (§4.2: typed SSE events
// message_start/content_block_delta/message_delta/message_stop/error).
type AnthropicBackend struct {
	name    string
	baseURL string
	apiKey  string
	client  httpDoer
	caps    capability.Descriptor
}

// NewAnthropicBackend builds a backend for Anthropic's Messages API.
func NewAnthropicBackend(name, baseURL, apiKey string, client httpDoer, caps capability.Descriptor) *AnthropicBackend {
	if client == nil {
		client = defaultClient()
	}
	return &AnthropicBackend{name: name, baseURL: baseURL, apiKey: apiKey, client: client, caps: caps}
}

func (b *AnthropicBackend) Name() string                      { return b.name }
func (b *AnthropicBackend) Capabilities() capability.Descriptor { return b.caps }

func (b *AnthropicBackend) FromIR(req ir.ChatRequest) ([]byte, []ir.SemanticWarning, error) {
	var warnings []ir.SemanticWarning

	normalized := drift.NormalizeSystemMessages(b.name, req.Messages, b.caps)
	warnings = append(warnings, normalized.Warnings...)

	messages := make([]anthropicWireMessage, 0, len(normalized.Messages))
	for _, m := range normalized.Messages {
		messages = append(messages, anthropicWireMessage{Role: string(m.Role), Content: m.Content.Text()})
	}

	out := anthropicWireRequest{
		Model:    req.Parameters.Model,
		System:   normalized.SystemParameter,
		Messages: messages,
		Stream:   req.Stream,
	}
	if mt := req.Parameters.MaxTokens; mt != nil {
		out.MaxTokens = *mt
	} else {
		out.MaxTokens = defaultMaxTokens
	}
	if t := req.Parameters.Temperature; t != nil {
		scaled, warning := drift.ScaleTemperature(b.name, *t, 1.0)
		out.Temperature = &scaled
		warnings = append(warnings, warning)
	}
	if p := req.Parameters.TopP; p != nil {
		out.TopP = p
	}
	if k := req.Parameters.TopK; k != nil {
		if !b.caps.SupportsTopK {
			warnings = append(warnings, drift.UnsupportedFeature(b.name, "topK"))
		} else {
			out.TopK = k
		}
	}
	stops, warning := drift.TruncateStopSequences(b.name, req.Parameters.StopSequences, b.caps.MaxStopSequences)
	if warning != nil {
		warnings = append(warnings, *warning)
	}
	out.StopSequences = stops

	body, err := json.Marshal(out)
	if err != nil {
		return nil, warnings, ir.NewError(ir.CategoryAdapterConversion, "marshal_failed", err.Error()).WithCause(err)
	}
	return body, warnings, nil
}

func (b *AnthropicBackend) ToIR(raw []byte, original ir.ChatRequest, latencyMs int64) (ir.ChatResponse, error) {
	var resp anthropicWireResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return ir.ChatResponse{}, ir.NewError(ir.CategoryAdapterConversion, "malformed_response", err.Error()).
			WithCause(err).WithProvenance(ir.ProvenanceBackend, b.name)
	}

	var blocks []ir.Block
	for _, blk := range resp.Content {
		switch blk.Type {
		case "text":
			blocks = append(blocks, ir.Block{Type: ir.BlockText, Text: blk.Text})
		case "tool_use":
			blocks = append(blocks, ir.Block{Type: ir.BlockToolUse, ToolUseID: blk.ID, ToolName: blk.Name, ToolInput: blk.Input})
		}
	}
	var content ir.MessageContent
	if len(blocks) == 1 && blocks[0].Type == ir.BlockText {
		content = ir.NewTextContent(blocks[0].Text)
	} else {
		content = ir.NewBlockContent(blocks...)
	}

	meta := original.Metadata.WithProvenance(ir.ProvenanceBackend, b.name)
	meta.Custom["latencyMs"] = latencyMs
	meta.Custom["providerResponseId"] = resp.ID

	return ir.ChatResponse{
		Message:      ir.Message{Role: ir.RoleAssistant, Content: content},
		FinishReason: fromAnthropicStopReason(resp.StopReason),
		Usage: &ir.Usage{
			PromptTokens: resp.Usage.InputTokens, CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens: resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
		Metadata: meta,
	}, nil
}

func fromAnthropicStopReason(r string) ir.FinishReason {
	switch r {
	case "tool_use":
		return ir.FinishToolCalls
	case "max_tokens":
		return ir.FinishLength
	case "stop_sequence":
		return ir.FinishStop
	case "end_turn", "":
		return ir.FinishStop
	default:
		return ir.FinishStop
	}
}

func (b *AnthropicBackend) Execute(ctx context.Context, req ir.ChatRequest) (ir.ChatResponse, error) {
	body, warnings, err := b.FromIR(req)
	if err != nil {
		return ir.ChatResponse{}, err
	}

	start := time.Now()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return ir.ChatResponse{}, ir.NewError(ir.CategoryUnknown, "build_request_failed", err.Error()).WithCause(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", b.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	httpResp, err := b.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return ir.ChatResponse{}, cancelledError(b.name, err)
		}
		return ir.ChatResponse{}, translateHTTPError(b.name, 0, nil, err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return ir.ChatResponse{}, translateHTTPError(b.name, httpResp.StatusCode, nil, err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return ir.ChatResponse{}, translateHTTPError(b.name, httpResp.StatusCode, respBody, nil)
	}

	resp, err := b.ToIR(respBody, req, time.Since(start).Milliseconds())
	if err != nil {
		return ir.ChatResponse{}, err
	}
	resp.Metadata = attachWarnings(resp.Metadata, warnings)
	return resp, nil
}

func (b *AnthropicBackend) ExecuteStream(ctx context.Context, req ir.ChatRequest) (<-chan ir.StreamChunk, error) {
	req.Stream = true
	body, warnings, err := b.FromIR(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, ir.NewError(ir.CategoryUnknown, "build_request_failed", err.Error()).WithCause(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", b.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	httpResp, err := b.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, cancelledError(b.name, err)
		}
		return nil, translateHTTPError(b.name, 0, nil, err)
	}
	if httpResp.StatusCode != http.StatusOK {
		defer httpResp.Body.Close()
		respBody, _ := io.ReadAll(httpResp.Body)
		return nil, translateHTTPError(b.name, httpResp.StatusCode, respBody, nil)
	}

	meta := attachWarnings(req.Metadata.WithProvenance(ir.ProvenanceBackend, b.name), warnings)
	out := make(chan ir.StreamChunk)

	go func() {
		defer close(out)
		defer httpResp.Body.Close()

		streamMode := req.StreamMode
		if streamMode == "" {
			streamMode = ir.StreamModeDelta
		}
		asm := streaming.NewAssembler(b.name, streaming.EmitMode{Mode: streamMode}, meta)
		if !sendChunk(ctx, out, asm.Start()) {
			return
		}

		scanner := bufio.NewScanner(httpResp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		var (
			stopReason   string
			inputTokens  int
			outputTokens int
			toolCallIdx  = -1
		)

		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var event anthropicStreamEvent
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
				sendChunk(ctx, out, asm.Error("stream_decode_error", err.Error()))
				return
			}

			switch event.Type {
			case "message_start":
				if event.Message != nil {
					inputTokens = event.Message.Usage.InputTokens
				}
			case "content_block_start":
				if event.ContentBlock != nil && event.ContentBlock.Type == "tool_use" {
					toolCallIdx = event.Index
					if !sendChunk(ctx, out, asm.ToolCallDelta(event.Index, event.ContentBlock.ID, event.ContentBlock.Name, "")) {
						return
					}
				}
			case "content_block_delta":
				if event.Delta == nil {
					continue
				}
				if event.Delta.Type == "input_json_delta" && toolCallIdx >= 0 {
					if !sendChunk(ctx, out, asm.ToolCallDelta(event.Index, "", "", event.Delta.PartialJSON)) {
						return
					}
					continue
				}
				if !sendChunk(ctx, out, asm.Text(event.Delta.Text)) {
					return
				}
			case "message_delta":
				if event.Delta != nil && event.Delta.StopReason != "" {
					stopReason = event.Delta.StopReason
				}
				if event.Usage != nil {
					outputTokens = event.Usage.OutputTokens
				}
			case "message_stop":
				usage := &ir.Usage{PromptTokens: inputTokens, CompletionTokens: outputTokens, TotalTokens: inputTokens + outputTokens}
				sendChunk(ctx, out, asm.Done(fromAnthropicStopReason(stopReason), usage))
				return
			case "error":
				msg := "anthropic stream error"
				code := "stream_error"
				if event.Error != nil {
					msg, code = event.Error.Message, event.Error.Type
				}
				sendChunk(ctx, out, asm.Error(code, msg))
				return
			}
		}
		if err := scanner.Err(); err != nil {
			sendChunk(ctx, out, asm.Error("stream_read_error", err.Error()))
		}
	}()

	return out, nil
}

func (b *AnthropicBackend) HealthCheck(ctx context.Context) bool {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/messages",
		bytes.NewReader([]byte(`{"model":"claude-3-5-haiku-latest","max_tokens":1,"messages":[{"role":"user","content":"ping"}]}`)))
	if err != nil {
		return false
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", b.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)
	resp, err := b.client.Do(httpReq)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (b *AnthropicBackend) EstimateCost(req ir.ChatRequest) (float64, bool) {
	pricePerToken, ok := b.caps.Custom["pricePerToken"].(float64)
	if !ok {
		return 0, false
	}
	var chars int
	for _, m := range req.Messages {
		chars += len(m.Content.Text())
	}
	return float64(chars) / 4.0 * pricePerToken, true
}
