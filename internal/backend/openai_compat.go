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

// openAICompatRequest is the wire shape every OpenAI-compatible vendor
// (OpenAI itself, Mistral, Cerebras, xAI, Perplexity, OpenRouter, Azure
// OpenAI, NVIDIA NIM, LM Studio) accepts on POST /chat/completions.
type openAICompatRequest struct {
	Model            string                 `json:"model"`
	Messages         []openAICompatMessage  `json:"messages"`
	Stream           bool                   `json:"stream,omitempty"`
	Temperature      *float64               `json:"temperature,omitempty"`
	TopP             *float64               `json:"top_p,omitempty"`
	MaxTokens        *int                   `json:"max_tokens,omitempty"`
	FrequencyPenalty *float64               `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64               `json:"presence_penalty,omitempty"`
	Seed             *int64                 `json:"seed,omitempty"`
	Stop             []string               `json:"stop,omitempty"`
}

type openAICompatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAICompatResponse struct {
	ID      string                `json:"id"`
	Model   string                `json:"model"`
	Choices []openAICompatChoice  `json:"choices"`
	Usage   *openAICompatUsage    `json:"usage"`
}

type openAICompatChoice struct {
	Index        int                  `json:"index"`
	Message      openAICompatMessage  `json:"message"`
	FinishReason string               `json:"finish_reason"`
}

type openAICompatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// openAICompatStreamChunk is one SSE `data:` payload.
type openAICompatStreamChunk struct {
	ID      string                      `json:"id"`
	Model   string                      `json:"model"`
	Choices []openAICompatStreamChoice  `json:"choices"`
	Usage   *openAICompatUsage          `json:"usage"`
}

type openAICompatStreamChoice struct {
	Delta        openAICompatStreamDelta `json:"delta"`
	FinishReason *string                 `json:"finish_reason"`
}

type openAICompatStreamDelta struct {
	Content   string                    `json:"content,omitempty"`
	ToolCalls []openAICompatToolCallDelta `json:"tool_calls,omitempty"`
}

type openAICompatToolCallDelta struct {
	Index    int    `json:"index"`
	ID       string `json:"id,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function"`
}

// OpenAICompatBackend adapts any vendor that speaks the OpenAI
// chat-completions wire protocol: this single implementation is what
// OpenAI, Mistral, Cerebras, xAI, Perplexity, OpenRouter, Azure OpenAI,
// NVIDIA NIM, and LM Studio all share under the hood (§4.2).
type OpenAICompatBackend struct {
	name    string
	baseURL string // e.g. "https://api.openai.com/v1"
	apiKey  string
	client  httpDoer
	caps    capability.Descriptor
}

// NewOpenAICompatBackend builds a backend for one OpenAI-compatible vendor.
// caps lets the caller declare that vendor's actual limits (e.g. LM
// Studio's local models may not support seed or penalties).
func NewOpenAICompatBackend(name, baseURL, apiKey string, client httpDoer, caps capability.Descriptor) *OpenAICompatBackend {
	if client == nil {
		client = defaultClient()
	}
	return &OpenAICompatBackend{name: name, baseURL: baseURL, apiKey: apiKey, client: client, caps: caps}
}

func (b *OpenAICompatBackend) Name() string                      { return b.name }
func (b *OpenAICompatBackend) Capabilities() capability.Descriptor { return b.caps }

func (b *OpenAICompatBackend) FromIR(req ir.ChatRequest) ([]byte, []ir.SemanticWarning, error) {
	var warnings []ir.SemanticWarning

	normalized := drift.NormalizeSystemMessages(b.name, req.Messages, b.caps)
	warnings = append(warnings, normalized.Warnings...)

	messages := make([]openAICompatMessage, 0, len(normalized.Messages))
	for _, m := range normalized.Messages {
		messages = append(messages, openAICompatMessage{Role: string(m.Role), Content: m.Content.Text()})
	}

	out := openAICompatRequest{
		Model:    req.Parameters.Model,
		Messages: messages,
		Stream:   req.Stream,
	}

	if t := req.Parameters.Temperature; t != nil {
		if !b.caps.SupportsTemperature {
			warnings = append(warnings, drift.UnsupportedFeature(b.name, "temperature"))
		} else {
			out.Temperature = t
		}
	}
	if p := req.Parameters.TopP; p != nil && b.caps.SupportsTopP {
		out.TopP = p
	}
	out.MaxTokens = req.Parameters.MaxTokens
	if fp := req.Parameters.FrequencyPenalty; fp != nil {
		if !b.caps.SupportsFrequencyPenalty {
			warnings = append(warnings, drift.UnsupportedFeature(b.name, "frequencyPenalty"))
		} else {
			out.FrequencyPenalty = fp
		}
	}
	if pp := req.Parameters.PresencePenalty; pp != nil {
		if !b.caps.SupportsPresencePenalty {
			warnings = append(warnings, drift.UnsupportedFeature(b.name, "presencePenalty"))
		} else {
			out.PresencePenalty = pp
		}
	}
	if s := req.Parameters.Seed; s != nil {
		if !b.caps.SupportsSeed {
			warnings = append(warnings, drift.UnsupportedFeature(b.name, "seed"))
		} else {
			out.Seed = s
		}
	}

	stops, warning := drift.TruncateStopSequences(b.name, req.Parameters.StopSequences, b.caps.MaxStopSequences)
	if warning != nil {
		warnings = append(warnings, *warning)
	}
	out.Stop = stops

	body, err := json.Marshal(out)
	if err != nil {
		return nil, warnings, ir.NewError(ir.CategoryAdapterConversion, "marshal_failed", err.Error()).WithCause(err)
	}
	return body, warnings, nil
}

func (b *OpenAICompatBackend) ToIR(raw []byte, original ir.ChatRequest, latencyMs int64) (ir.ChatResponse, error) {
	var resp openAICompatResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return ir.ChatResponse{}, ir.NewError(ir.CategoryAdapterConversion, "malformed_response", err.Error()).
			WithCause(err).WithProvenance(ir.ProvenanceBackend, b.name)
	}
	if len(resp.Choices) == 0 {
		return ir.ChatResponse{}, ir.NewError(ir.CategoryAdapterConversion, "no_choices", "response had no choices").
			WithProvenance(ir.ProvenanceBackend, b.name)
	}
	choice := resp.Choices[0]

	meta := original.Metadata.WithProvenance(ir.ProvenanceBackend, b.name)
	meta.Custom["latencyMs"] = latencyMs
	meta.Custom["providerResponseId"] = resp.ID

	out := ir.ChatResponse{
		Message:      ir.Message{Role: ir.RoleAssistant, Content: ir.NewTextContent(choice.Message.Content)},
		FinishReason: fromOpenAIFinishReason(choice.FinishReason),
		Metadata:     meta,
	}
	if resp.Usage != nil {
		out.Usage = &ir.Usage{
			PromptTokens: resp.Usage.PromptTokens, CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens: resp.Usage.TotalTokens,
		}
	}
	return out, nil
}

func fromOpenAIFinishReason(r string) ir.FinishReason {
	switch r {
	case "tool_calls":
		return ir.FinishToolCalls
	case "length":
		return ir.FinishLength
	case "content_filter":
		return ir.FinishContentFilter
	case "stop", "":
		return ir.FinishStop
	default:
		return ir.FinishStop
	}
}

func (b *OpenAICompatBackend) Execute(ctx context.Context, req ir.ChatRequest) (ir.ChatResponse, error) {
	body, warnings, err := b.FromIR(req)
	if err != nil {
		return ir.ChatResponse{}, err
	}

	start := time.Now()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return ir.ChatResponse{}, ir.NewError(ir.CategoryUnknown, "build_request_failed", err.Error()).WithCause(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+b.apiKey)

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

	latencyMs := time.Since(start).Milliseconds()
	resp, err := b.ToIR(respBody, req, latencyMs)
	if err != nil {
		return ir.ChatResponse{}, err
	}
	resp.Metadata = attachWarnings(resp.Metadata, warnings)
	return resp, nil
}

func attachWarnings(meta ir.Metadata, warnings []ir.SemanticWarning) ir.Metadata {
	for _, w := range warnings {
		meta = meta.AddWarning(w)
	}
	return meta
}

func (b *OpenAICompatBackend) ExecuteStream(ctx context.Context, req ir.ChatRequest) (<-chan ir.StreamChunk, error) {
	req.Stream = true
	body, warnings, err := b.FromIR(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, ir.NewError(ir.CategoryUnknown, "build_request_failed", err.Error()).WithCause(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+b.apiKey)

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
			finishReason ir.FinishReason = ir.FinishStop
			usage        *ir.Usage
		)

		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				break
			}

			var chunk openAICompatStreamChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				sendChunk(ctx, out, asm.Error("stream_decode_error", err.Error()))
				return
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]

			for _, tc := range choice.Delta.ToolCalls {
				if !sendChunk(ctx, out, asm.ToolCallDelta(tc.Index, tc.ID, tc.Function.Name, tc.Function.Arguments)) {
					return
				}
			}
			if choice.Delta.Content != "" {
				if !sendChunk(ctx, out, asm.Text(choice.Delta.Content)) {
					return
				}
			}
			if choice.FinishReason != nil {
				finishReason = fromOpenAIFinishReason(*choice.FinishReason)
			}
			if chunk.Usage != nil {
				usage = &ir.Usage{
					PromptTokens: chunk.Usage.PromptTokens, CompletionTokens: chunk.Usage.CompletionTokens,
					TotalTokens: chunk.Usage.TotalTokens,
				}
			}
		}
		if err := scanner.Err(); err != nil {
			sendChunk(ctx, out, asm.Error("stream_read_error", err.Error()))
			return
		}
		sendChunk(ctx, out, asm.Done(finishReason, usage))
	}()

	return out, nil
}

// sendChunk delivers c on out unless ctx ends first, returning false when
// the caller should stop (cancellation observed).
func sendChunk(ctx context.Context, out chan<- ir.StreamChunk, c ir.StreamChunk) bool {
	select {
	case out <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

func (b *OpenAICompatBackend) HealthCheck(ctx context.Context) bool {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/models", nil)
	if err != nil {
		return false
	}
	httpReq.Header.Set("Authorization", "Bearer "+b.apiKey)
	resp, err := b.client.Do(httpReq)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// EstimateCost uses the crude 4-chars-per-token heuristic §9 explicitly
// says isn't part of the contract; callers needing accuracy should replace
// it with a model-specific pricing table.
func (b *OpenAICompatBackend) EstimateCost(req ir.ChatRequest) (float64, bool) {
	pricePerToken, ok := b.caps.Custom["pricePerToken"].(float64)
	if !ok {
		return 0, false
	}
	var chars int
	for _, m := range req.Messages {
		chars += len(m.Content.Text())
	}
	tokens := float64(chars) / 4.0
	return tokens * pricePerToken, true
}
