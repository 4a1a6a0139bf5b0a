package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/howard-nolan/llmbridge/internal/capability"
	"github.com/howard-nolan/llmbridge/internal/drift"
	"github.com/howard-nolan/llmbridge/internal/ir"
	"github.com/howard-nolan/llmbridge/internal/streaming"
)

type cohereWireRequest struct {
	Model         string              `json:"model"`
	Message       string              `json:"message"`
	ChatHistory   []cohereWireHistory `json:"chat_history,omitempty"`
	Preamble      string              `json:"preamble,omitempty"`
	Temperature   *float64            `json:"temperature,omitempty"`
	P             *float64            `json:"p,omitempty"`
	K             *int                `json:"k,omitempty"`
	MaxTokens     *int                `json:"max_tokens,omitempty"`
	StopSequences []string            `json:"stop_sequences,omitempty"`
	Stream        bool                `json:"stream,omitempty"`
}

type cohereWireHistory struct {
	Role    string `json:"role"`
	Message string `json:"message"`
}

type cohereWireResponse struct {
	Text         string            `json:"text"`
	FinishReason string            `json:"finish_reason"`
	Meta         *cohereWireMeta   `json:"meta"`
	Citations    []cohereCitation  `json:"citations,omitempty"`
}

type cohereWireMeta struct {
	Tokens cohereWireTokens `json:"tokens"`
}

type cohereWireTokens struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type cohereCitation struct {
	Start int    `json:"start"`
	End   int    `json:"end"`
	Text  string `json:"text"`
}

// cohereStreamEvent is one line of Cohere's JSON-lines stream; event_type
// discriminates text-generation/citation-generation/stream-end (§4.2).
type cohereStreamEvent struct {
	EventType string           `json:"event_type"`
	Text      string           `json:"text,omitempty"`
	Citations []cohereCitation `json:"citations,omitempty"`
	Response  *cohereWireResponse `json:"response,omitempty"`
	FinishReason string        `json:"finish_reason,omitempty"`
}

// CohereBackend adapts Cohere's Chat API: a single "message" field plus
// "chat_history" instead of a messages array, and JSON-lines streaming with
// discriminated event types rather than SSE (§4.2).
type CohereBackend struct {
	name    string
	baseURL string
	apiKey  string
	client  httpDoer
	caps    capability.Descriptor
}

// NewCohereBackend builds a backend for Cohere's Chat API.
func NewCohereBackend(name, baseURL, apiKey string, client httpDoer, caps capability.Descriptor) *CohereBackend {
	if client == nil {
		client = defaultClient()
	}
	return &CohereBackend{name: name, baseURL: baseURL, apiKey: apiKey, client: client, caps: caps}
}

func (b *CohereBackend) Name() string                       { return b.name }
func (b *CohereBackend) Capabilities() capability.Descriptor { return b.caps }

// splitCohereMessages separates the normalized message list into Cohere's
// shape: every message but the last becomes chat_history, and the last
// user turn becomes the top-level "message" field.
func splitCohereMessages(messages []ir.Message) (history []cohereWireHistory, last string) {
	if len(messages) == 0 {
		return nil, ""
	}
	for _, m := range messages[:len(messages)-1] {
		role := "USER"
		if m.Role == ir.RoleAssistant {
			role = "CHATBOT"
		}
		history = append(history, cohereWireHistory{Role: role, Message: m.Content.Text()})
	}
	return history, messages[len(messages)-1].Content.Text()
}

func (b *CohereBackend) FromIR(req ir.ChatRequest) ([]byte, []ir.SemanticWarning, error) {
	var warnings []ir.SemanticWarning

	normalized := drift.NormalizeSystemMessages(b.name, req.Messages, b.caps)
	warnings = append(warnings, normalized.Warnings...)

	history, last := splitCohereMessages(normalized.Messages)
	out := cohereWireRequest{
		Model:       req.Parameters.Model,
		Message:     last,
		ChatHistory: history,
		Preamble:    normalized.SystemParameter,
		Stream:      req.Stream,
	}
	if mt := req.Parameters.MaxTokens; mt != nil {
		out.MaxTokens = mt
	}
	if t := req.Parameters.Temperature; t != nil {
		scaled, warning := drift.ScaleTemperature(b.name, *t, 5.0)
		out.Temperature = &scaled
		warnings = append(warnings, warning)
	}
	if p := req.Parameters.TopP; p != nil {
		out.P = p
	}
	if k := req.Parameters.TopK; k != nil {
		if !b.caps.SupportsTopK {
			warnings = append(warnings, drift.UnsupportedFeature(b.name, "topK"))
		} else {
			out.K = k
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

func (b *CohereBackend) ToIR(raw []byte, original ir.ChatRequest, latencyMs int64) (ir.ChatResponse, error) {
	var resp cohereWireResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return ir.ChatResponse{}, ir.NewError(ir.CategoryAdapterConversion, "malformed_response", err.Error()).
			WithCause(err).WithProvenance(ir.ProvenanceBackend, b.name)
	}

	meta := original.Metadata.WithProvenance(ir.ProvenanceBackend, b.name)
	meta.Custom["latencyMs"] = latencyMs
	if len(resp.Citations) > 0 {
		meta.Custom["citations"] = resp.Citations
	}

	var usage *ir.Usage
	if resp.Meta != nil {
		usage = &ir.Usage{
			PromptTokens: resp.Meta.Tokens.InputTokens, CompletionTokens: resp.Meta.Tokens.OutputTokens,
			TotalTokens: resp.Meta.Tokens.InputTokens + resp.Meta.Tokens.OutputTokens,
		}
	}

	return ir.ChatResponse{
		Message:      ir.Message{Role: ir.RoleAssistant, Content: ir.NewTextContent(resp.Text)},
		FinishReason: fromCohereFinishReason(resp.FinishReason),
		Usage:        usage,
		Metadata:     meta,
	}, nil
}

func fromCohereFinishReason(r string) ir.FinishReason {
	switch r {
	case "MAX_TOKENS":
		return ir.FinishLength
	case "COMPLETE", "":
		return ir.FinishStop
	default:
		return ir.FinishStop
	}
}

func (b *CohereBackend) Execute(ctx context.Context, req ir.ChatRequest) (ir.ChatResponse, error) {
	body, warnings, err := b.FromIR(req)
	if err != nil {
		return ir.ChatResponse{}, err
	}

	start := time.Now()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/chat", bytes.NewReader(body))
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

	resp, err := b.ToIR(respBody, req, time.Since(start).Milliseconds())
	if err != nil {
		return ir.ChatResponse{}, err
	}
	resp.Metadata = attachWarnings(resp.Metadata, warnings)
	return resp, nil
}

func (b *CohereBackend) ExecuteStream(ctx context.Context, req ir.ChatRequest) (<-chan ir.StreamChunk, error) {
	req.Stream = true
	body, warnings, err := b.FromIR(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/chat", bytes.NewReader(body))
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
			pendingCitations []cohereCitation
			usage            *ir.Usage
			finishReason     = ir.FinishStop
			streamEnded      bool
		)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var event cohereStreamEvent
			if err := json.Unmarshal(line, &event); err != nil {
				sendChunk(ctx, out, asm.Error("stream_decode_error", err.Error()))
				return
			}

			switch event.EventType {
			case "text-generation":
				if !sendChunk(ctx, out, asm.Text(event.Text)) {
					return
				}
			case "citation-generation":
				// Citations can arrive either before or after stream-end;
				// buffer them either way so the done chunk is the one and
				// only terminal event per §3/§7.
				pendingCitations = append(pendingCitations, event.Citations...)
			case "stream-end":
				streamEnded = true
				if event.Response != nil {
					if event.Response.Meta != nil {
						usage = &ir.Usage{
							PromptTokens: event.Response.Meta.Tokens.InputTokens, CompletionTokens: event.Response.Meta.Tokens.OutputTokens,
							TotalTokens: event.Response.Meta.Tokens.InputTokens + event.Response.Meta.Tokens.OutputTokens,
						}
					}
					finishReason = fromCohereFinishReason(event.Response.FinishReason)
					pendingCitations = append(pendingCitations, event.Response.Citations...)
				}
			}
		}
		if err := scanner.Err(); err != nil {
			sendChunk(ctx, out, asm.Error("stream_read_error", err.Error()))
			return
		}
		if streamEnded {
			done := asm.Done(finishReason, usage)
			if len(pendingCitations) > 0 {
				done.Metadata.Custom["citations"] = pendingCitations
			}
			sendChunk(ctx, out, done)
		}
	}()

	return out, nil
}

func (b *CohereBackend) HealthCheck(ctx context.Context) bool {
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

func (b *CohereBackend) EstimateCost(req ir.ChatRequest) (float64, bool) {
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
