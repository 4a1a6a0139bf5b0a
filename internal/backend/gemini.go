package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/howard-nolan/llmbridge/internal/capability"
	"github.com/howard-nolan/llmbridge/internal/drift"
	"github.com/howard-nolan/llmbridge/internal/ir"
	"github.com/howard-nolan/llmbridge/internal/streaming"
)

type geminiWireRequest struct {
	Contents          []geminiWireContent         `json:"contents"`
	SystemInstruction *geminiWireContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiWireGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiWireContent struct {
	Role  string           `json:"role,omitempty"`
	Parts []geminiWirePart `json:"parts"`
}

type geminiWirePart struct {
	Text             string                `json:"text,omitempty"`
	FunctionCall     *geminiWireFuncCall   `json:"functionCall,omitempty"`
	FunctionResponse *geminiWireFuncResult `json:"functionResponse,omitempty"`
}

type geminiWireFuncCall struct {
	Name string `json:"name"`
	Args any    `json:"args"`
}

type geminiWireFuncResult struct {
	Name     string `json:"name"`
	Response any    `json:"response"`
}

type geminiWireGenerationConfig struct {
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	TopK            *int     `json:"topK,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type geminiWireResponse struct {
	Candidates    []geminiWireCandidate   `json:"candidates"`
	UsageMetadata *geminiWireUsageMeta    `json:"usageMetadata"`
}

type geminiWireCandidate struct {
	Content      geminiWireContent `json:"content"`
	FinishReason string            `json:"finishReason"`
}

type geminiWireUsageMeta struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

// GeminiBackend adapts Google's generateContent/streamGenerateContent API
// (§4.2): system messages relocate to systemInstruction, assistant maps to
// "model", max_tokens becomes maxOutputTokens, and the API key travels as
// a query parameter rather than a header.
type GeminiBackend struct {
	name    string
	baseURL string
	apiKey  string
	client  httpDoer
	caps    capability.Descriptor
}

// NewGeminiBackend builds a backend for Google's Gemini generateContent API.
func NewGeminiBackend(name, baseURL, apiKey string, client httpDoer, caps capability.Descriptor) *GeminiBackend {
	if client == nil {
		client = defaultClient()
	}
	return &GeminiBackend{name: name, baseURL: baseURL, apiKey: apiKey, client: client, caps: caps}
}

func (b *GeminiBackend) Name() string                       { return b.name }
func (b *GeminiBackend) Capabilities() capability.Descriptor { return b.caps }

func (b *GeminiBackend) FromIR(req ir.ChatRequest) ([]byte, []ir.SemanticWarning, error) {
	var warnings []ir.SemanticWarning

	normalized := drift.NormalizeSystemMessages(b.name, req.Messages, b.caps)
	warnings = append(warnings, normalized.Warnings...)

	out := geminiWireRequest{}
	if normalized.SystemParameter != "" {
		out.SystemInstruction = &geminiWireContent{Parts: []geminiWirePart{{Text: normalized.SystemParameter}}}
	}
	for _, m := range normalized.Messages {
		role := string(m.Role)
		if role == string(ir.RoleAssistant) {
			role = "model"
		}
		parts := make([]geminiWirePart, 0, 1)
		for _, use := range m.Content.ToolUses() {
			parts = append(parts, geminiWirePart{FunctionCall: &geminiWireFuncCall{Name: use.ToolName, Args: use.ToolInput}})
		}
		if txt := m.Content.Text(); txt != "" {
			parts = append(parts, geminiWirePart{Text: txt})
		}
		if len(parts) == 0 {
			parts = []geminiWirePart{{Text: ""}}
		}
		out.Contents = append(out.Contents, geminiWireContent{Role: role, Parts: parts})
	}

	genConfig := &geminiWireGenerationConfig{}
	hasConfig := false
	if mt := req.Parameters.MaxTokens; mt != nil {
		genConfig.MaxOutputTokens = *mt
		hasConfig = true
	}
	if t := req.Parameters.Temperature; t != nil {
		if !b.caps.SupportsTemperature {
			warnings = append(warnings, drift.UnsupportedFeature(b.name, "temperature"))
		} else {
			scaled, warning := drift.ScaleTemperature(b.name, *t, 2.0)
			genConfig.Temperature = &scaled
			warnings = append(warnings, warning)
			hasConfig = true
		}
	}
	if p := req.Parameters.TopP; p != nil {
		genConfig.TopP = p
		hasConfig = true
	}
	if k := req.Parameters.TopK; k != nil {
		if !b.caps.SupportsTopK {
			warnings = append(warnings, drift.UnsupportedFeature(b.name, "topK"))
		} else {
			genConfig.TopK = k
			hasConfig = true
		}
	}
	stops, warning := drift.TruncateStopSequences(b.name, req.Parameters.StopSequences, b.caps.MaxStopSequences)
	if warning != nil {
		warnings = append(warnings, *warning)
	}
	if len(stops) > 0 {
		genConfig.StopSequences = stops
		hasConfig = true
	}
	if hasConfig {
		out.GenerationConfig = genConfig
	}

	body, err := json.Marshal(out)
	if err != nil {
		return nil, warnings, ir.NewError(ir.CategoryAdapterConversion, "marshal_failed", err.Error()).WithCause(err)
	}
	return body, warnings, nil
}

func (b *GeminiBackend) ToIR(raw []byte, original ir.ChatRequest, latencyMs int64) (ir.ChatResponse, error) {
	var resp geminiWireResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return ir.ChatResponse{}, ir.NewError(ir.CategoryAdapterConversion, "malformed_response", err.Error()).
			WithCause(err).WithProvenance(ir.ProvenanceBackend, b.name)
	}
	if len(resp.Candidates) == 0 {
		return ir.ChatResponse{}, ir.NewError(ir.CategoryAdapterConversion, "no_candidates", "gemini returned no candidates").
			WithProvenance(ir.ProvenanceBackend, b.name)
	}
	candidate := resp.Candidates[0]

	var blocks []ir.Block
	for _, part := range candidate.Content.Parts {
		switch {
		case part.FunctionCall != nil:
			blocks = append(blocks, ir.Block{Type: ir.BlockToolUse, ToolName: part.FunctionCall.Name, ToolInput: part.FunctionCall.Args})
		case part.Text != "":
			blocks = append(blocks, ir.Block{Type: ir.BlockText, Text: part.Text})
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

	var usage *ir.Usage
	if resp.UsageMetadata != nil {
		usage = &ir.Usage{
			PromptTokens: resp.UsageMetadata.PromptTokenCount, CompletionTokens: resp.UsageMetadata.CandidatesTokenCount,
			TotalTokens: resp.UsageMetadata.TotalTokenCount,
		}
	}

	return ir.ChatResponse{
		Message:      ir.Message{Role: ir.RoleAssistant, Content: content},
		FinishReason: fromGeminiFinishReason(candidate.FinishReason),
		Usage:        usage,
		Metadata:     meta,
	}, nil
}

func fromGeminiFinishReason(r string) ir.FinishReason {
	switch strings.ToUpper(r) {
	case "STOP", "":
		return ir.FinishStop
	case "MAX_TOKENS":
		return ir.FinishLength
	case "SAFETY", "RECITATION":
		return ir.FinishContentFilter
	default:
		return ir.FinishStop
	}
}

func (b *GeminiBackend) endpointURL(model, op string) string {
	return fmt.Sprintf("%s/models/%s:%s?key=%s", b.baseURL, model, op, b.apiKey)
}

func (b *GeminiBackend) Execute(ctx context.Context, req ir.ChatRequest) (ir.ChatResponse, error) {
	body, warnings, err := b.FromIR(req)
	if err != nil {
		return ir.ChatResponse{}, err
	}

	start := time.Now()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpointURL(req.Parameters.Model, "generateContent"), bytes.NewReader(body))
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

func (b *GeminiBackend) ExecuteStream(ctx context.Context, req ir.ChatRequest) (<-chan ir.StreamChunk, error) {
	body, warnings, err := b.FromIR(req)
	if err != nil {
		return nil, err
	}

	url := strings.Replace(b.endpointURL(req.Parameters.Model, "streamGenerateContent"), "?key=", "?alt=sse&key=", 1)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
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

		toolCallIdx := 0
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var resp geminiWireResponse
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &resp); err != nil {
				sendChunk(ctx, out, asm.Error("stream_decode_error", err.Error()))
				return
			}
			if len(resp.Candidates) == 0 {
				continue
			}
			candidate := resp.Candidates[0]

			for _, part := range candidate.Content.Parts {
				if part.FunctionCall != nil {
					argsJSON, _ := json.Marshal(part.FunctionCall.Args)
					if !sendChunk(ctx, out, asm.ToolCallDelta(toolCallIdx, "", part.FunctionCall.Name, string(argsJSON))) {
						return
					}
					toolCallIdx++
					continue
				}
				if part.Text != "" {
					if !sendChunk(ctx, out, asm.Text(part.Text)) {
						return
					}
				}
			}

			if candidate.FinishReason != "" {
				var usage *ir.Usage
				if resp.UsageMetadata != nil {
					usage = &ir.Usage{
						PromptTokens: resp.UsageMetadata.PromptTokenCount, CompletionTokens: resp.UsageMetadata.CandidatesTokenCount,
						TotalTokens: resp.UsageMetadata.TotalTokenCount,
					}
				}
				sendChunk(ctx, out, asm.Done(fromGeminiFinishReason(candidate.FinishReason), usage))
				return
			}
		}
		if err := scanner.Err(); err != nil {
			sendChunk(ctx, out, asm.Error("stream_read_error", err.Error()))
		}
	}()

	return out, nil
}

func (b *GeminiBackend) HealthCheck(ctx context.Context) bool {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/models?key=%s", b.baseURL, b.apiKey), nil)
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

func (b *GeminiBackend) EstimateCost(req ir.ChatRequest) (float64, bool) {
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
