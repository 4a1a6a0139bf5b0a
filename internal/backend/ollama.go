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

type ollamaWireRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaWireMessage `json:"messages"`
	Stream   bool                `json:"stream"`
	Options  *ollamaWireOptions  `json:"options,omitempty"`
}

type ollamaWireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaWireOptions struct {
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	TopK        *int     `json:"top_k,omitempty"`
	Stop        []string `json:"stop,omitempty"`
	NumPredict  *int     `json:"num_predict,omitempty"`
}

// ollamaWireResponse is both the single non-streaming reply shape and one
// line of the newline-delimited streaming shape; "done" discriminates the
// two the same way on both paths (§4.2: "consume JSON-lines with a done
// boolean completion marker").
type ollamaWireResponse struct {
	Model              string             `json:"model"`
	Message            ollamaWireMessage  `json:"message"`
	Done               bool               `json:"done"`
	DoneReason         string             `json:"done_reason,omitempty"`
	PromptEvalCount    int                `json:"prompt_eval_count,omitempty"`
	EvalCount          int                `json:"eval_count,omitempty"`
}

// OllamaBackend adapts a local Ollama server's /api/chat endpoint: no API
// key, newline-delimited JSON streaming (no "data: " prefix, no SSE event
// names) terminated by a message carrying done=true (§4.2).
type OllamaBackend struct {
	name    string
	baseURL string
	client  httpDoer
	caps    capability.Descriptor
}

// NewOllamaBackend builds a backend for a local Ollama server.
func NewOllamaBackend(name, baseURL string, client httpDoer, caps capability.Descriptor) *OllamaBackend {
	if client == nil {
		client = defaultClient()
	}
	return &OllamaBackend{name: name, baseURL: baseURL, client: client, caps: caps}
}

func (b *OllamaBackend) Name() string                       { return b.name }
func (b *OllamaBackend) Capabilities() capability.Descriptor { return b.caps }

func (b *OllamaBackend) FromIR(req ir.ChatRequest) ([]byte, []ir.SemanticWarning, error) {
	var warnings []ir.SemanticWarning

	normalized := drift.NormalizeSystemMessages(b.name, req.Messages, b.caps)
	warnings = append(warnings, normalized.Warnings...)

	messages := make([]ollamaWireMessage, 0, len(normalized.Messages))
	for _, m := range normalized.Messages {
		messages = append(messages, ollamaWireMessage{Role: string(m.Role), Content: m.Content.Text()})
	}

	out := ollamaWireRequest{Model: req.Parameters.Model, Messages: messages, Stream: req.Stream}
	opts := &ollamaWireOptions{}
	hasOpts := false
	if t := req.Parameters.Temperature; t != nil {
		if !b.caps.SupportsTemperature {
			warnings = append(warnings, drift.UnsupportedFeature(b.name, "temperature"))
		} else {
			scaled, warning := drift.ScaleTemperature(b.name, *t, 1.0)
			opts.Temperature = &scaled
			warnings = append(warnings, warning)
			hasOpts = true
		}
	}
	if p := req.Parameters.TopP; p != nil {
		opts.TopP = p
		hasOpts = true
	}
	if k := req.Parameters.TopK; k != nil {
		opts.TopK = k
		hasOpts = true
	}
	if mt := req.Parameters.MaxTokens; mt != nil {
		opts.NumPredict = mt
		hasOpts = true
	}
	stops, warning := drift.TruncateStopSequences(b.name, req.Parameters.StopSequences, b.caps.MaxStopSequences)
	if warning != nil {
		warnings = append(warnings, *warning)
	}
	if len(stops) > 0 {
		opts.Stop = stops
		hasOpts = true
	}
	if hasOpts {
		out.Options = opts
	}

	body, err := json.Marshal(out)
	if err != nil {
		return nil, warnings, ir.NewError(ir.CategoryAdapterConversion, "marshal_failed", err.Error()).WithCause(err)
	}
	return body, warnings, nil
}

func (b *OllamaBackend) ToIR(raw []byte, original ir.ChatRequest, latencyMs int64) (ir.ChatResponse, error) {
	var resp ollamaWireResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return ir.ChatResponse{}, ir.NewError(ir.CategoryAdapterConversion, "malformed_response", err.Error()).
			WithCause(err).WithProvenance(ir.ProvenanceBackend, b.name)
	}

	meta := original.Metadata.WithProvenance(ir.ProvenanceBackend, b.name)
	meta.Custom["latencyMs"] = latencyMs

	return ir.ChatResponse{
		Message:      ir.Message{Role: ir.RoleAssistant, Content: ir.NewTextContent(resp.Message.Content)},
		FinishReason: ir.FinishStop,
		Usage: &ir.Usage{
			PromptTokens: resp.PromptEvalCount, CompletionTokens: resp.EvalCount,
			TotalTokens: resp.PromptEvalCount + resp.EvalCount,
		},
		Metadata: meta,
	}, nil
}

func (b *OllamaBackend) Execute(ctx context.Context, req ir.ChatRequest) (ir.ChatResponse, error) {
	body, warnings, err := b.FromIR(req)
	if err != nil {
		return ir.ChatResponse{}, err
	}

	start := time.Now()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return ir.ChatResponse{}, ir.NewError(ir.CategoryUnknown, "build_request_failed", err.Error()).WithCause(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

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

func (b *OllamaBackend) ExecuteStream(ctx context.Context, req ir.ChatRequest) (<-chan ir.StreamChunk, error) {
	req.Stream = true
	body, warnings, err := b.FromIR(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, ir.NewError(ir.CategoryUnknown, "build_request_failed", err.Error()).WithCause(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

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

		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var resp ollamaWireResponse
			if err := json.Unmarshal(line, &resp); err != nil {
				sendChunk(ctx, out, asm.Error("stream_decode_error", err.Error()))
				return
			}

			if resp.Message.Content != "" {
				if !sendChunk(ctx, out, asm.Text(resp.Message.Content)) {
					return
				}
			}
			if resp.Done {
				usage := &ir.Usage{
					PromptTokens: resp.PromptEvalCount, CompletionTokens: resp.EvalCount,
					TotalTokens: resp.PromptEvalCount + resp.EvalCount,
				}
				sendChunk(ctx, out, asm.Done(ir.FinishStop, usage))
				return
			}
		}
		if err := scanner.Err(); err != nil {
			sendChunk(ctx, out, asm.Error("stream_read_error", err.Error()))
		}
	}()

	return out, nil
}

func (b *OllamaBackend) HealthCheck(ctx context.Context) bool {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := b.client.Do(httpReq)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// EstimateCost is always (0, false): local Ollama inference has no
// per-token provider cost to estimate (§4.2, §9).
func (b *OllamaBackend) EstimateCost(req ir.ChatRequest) (float64, bool) {
	return 0, false
}
