// Package ir defines the Intermediate Representation that every frontend
// and backend adapter translates through. No adapter ever hands another
// adapter a provider-shaped value directly — it always goes through a
// ChatRequest, ChatResponse, or StreamChunk defined here.
//
// Values in this package are treated as immutable once built: nothing
// downstream mutates a Message or a ChatRequest in place. A transformation
// (a middleware's Transform step, an adapter normalizing system messages)
// produces a new value instead of editing the one it received.
package ir

import (
	"encoding/json"
	"fmt"
)

// Role is the speaker of a Message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// FinishReason is why a ChatResponse (or a stream's Done chunk) stopped.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishToolCalls     FinishReason = "tool_calls"
	FinishContentFilter FinishReason = "content_filter"
	FinishError         FinishReason = "error"
)

// StreamMode selects how Content chunks report incremental text.
type StreamMode string

const (
	StreamModeDelta       StreamMode = "delta"
	StreamModeAccumulated StreamMode = "accumulated"
)

// SystemMessageStrategy is how a backend wants system messages delivered.
// See CapabilityDescriptor and the normalizeSystemMessages contract in §4.2.
type SystemMessageStrategy string

const (
	SystemInMessages       SystemMessageStrategy = "in-messages"
	SystemSeparateParam    SystemMessageStrategy = "separate-parameter"
	SystemPrependUser      SystemMessageStrategy = "prepend-user"
	SystemStrategyNone     SystemMessageStrategy = "none"
)

// ProvenanceRole names the three kinds of adapter that can stamp metadata.
type ProvenanceRole string

const (
	ProvenanceFrontend ProvenanceRole = "frontend"
	ProvenanceBackend  ProvenanceRole = "backend"
	ProvenanceRouter   ProvenanceRole = "router"
)

// Block is one piece of a Message's content. Exactly one of the typed
// fields is populated; Type names which one, so translation code can
// switch on it instead of probing for field presence.
type Block struct {
	Type BlockType `json:"type"`

	Text string `json:"text,omitempty"` // BlockText

	Source *ImageSource `json:"source,omitempty"` // BlockImage

	ToolUseID string `json:"toolUseId,omitempty"` // BlockToolUse / BlockToolResult
	ToolName  string `json:"name,omitempty"`      // BlockToolUse
	ToolInput any    `json:"input,omitempty"`      // BlockToolUse, opaque JSON-serializable value

	ToolResultContent string `json:"content,omitempty"` // BlockToolResult
}

// BlockType discriminates Block's variant.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockImage      BlockType = "image"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// ImageSource is either a remote URL or inline base64 data.
type ImageSource struct {
	Type      ImageSourceType `json:"type"`
	URL       string          `json:"url,omitempty"`
	MediaType string          `json:"mediaType,omitempty"`
	Data      string          `json:"data,omitempty"`
}

type ImageSourceType string

const (
	ImageSourceURL    ImageSourceType = "url"
	ImageSourceBase64 ImageSourceType = "base64"
)

// Message is one turn in the conversation. Content is either a plain
// string (the common case) or an ordered sequence of Blocks (multimodal,
// tool use/result). Text() and ToolUses() give callers a uniform view of
// either shape without them needing to check which one was used.
type Message struct {
	Role    Role
	Content MessageContent
	// Name is required when Role == RoleTool; it names the tool being
	// responded to.
	Name string
}

// MessageContent holds either Str (a plain string) or Parts (content
// blocks), never both. NewTextContent and NewBlockContent build one or
// the other; IsBlocks reports which shape is populated.
type MessageContent struct {
	Str   string
	Parts []Block
	isBlocks bool
}

// NewTextContent builds plain-string message content.
func NewTextContent(s string) MessageContent {
	return MessageContent{Str: s}
}

// NewBlockContent builds content-block message content.
func NewBlockContent(blocks ...Block) MessageContent {
	return MessageContent{Parts: blocks, isBlocks: true}
}

// IsBlocks reports whether this content is a block sequence rather than
// a plain string.
func (c MessageContent) IsBlocks() bool { return c.isBlocks }

// Text flattens the content to a single string: the string itself, or the
// concatenation of all BlockText parts (tool/image blocks contribute
// nothing). Used wherever an adapter needs "the text" regardless of shape,
// and by the streaming kernel's delta-concatenation invariant (§3).
func (c MessageContent) Text() string {
	if !c.isBlocks {
		return c.Str
	}
	var out string
	for _, b := range c.Parts {
		if b.Type == BlockText {
			out += b.Text
		}
	}
	return out
}

// MarshalJSON encodes the populated half of the union: Parts if this is
// block content, otherwise Str. Mirrors the same string-or-array shape
// every wire-format adapter already decodes from a provider (see
// anthropicMessageContent/openAIContentPart's handling); this is what
// lets a cached ChatResponse round-trip through json.Marshal without
// losing which shape it was (§4.6).
func (c MessageContent) MarshalJSON() ([]byte, error) {
	if c.isBlocks {
		return json.Marshal(c.Parts)
	}
	return json.Marshal(c.Str)
}

// UnmarshalJSON decodes either a plain string or an array of blocks,
// restoring isBlocks accordingly.
func (c *MessageContent) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		c.Str, c.Parts, c.isBlocks = s, nil, false
		return nil
	}
	var blocks []Block
	if err := json.Unmarshal(data, &blocks); err != nil {
		return fmt.Errorf("content must be a string or an array of blocks: %w", err)
	}
	c.Str, c.Parts, c.isBlocks = "", blocks, true
	return nil
}

// ToolUses returns every tool_use block in the content, in order.
func (c MessageContent) ToolUses() []Block {
	if !c.isBlocks {
		return nil
	}
	var out []Block
	for _, b := range c.Parts {
		if b.Type == BlockToolUse {
			out = append(out, b)
		}
	}
	return out
}

// Parameters holds the recognized generation options on a ChatRequest.
// Fields are pointers so an adapter can tell "caller didn't set this"
// (nil) apart from "caller explicitly set this to the zero value".
type Parameters struct {
	Model             string
	Temperature       *float64
	MaxTokens         *int
	TopP              *float64
	TopK              *int
	FrequencyPenalty  *float64
	PresencePenalty   *float64
	Seed              *int64
	StopSequences     []string
	// Custom is an opaque passthrough map, never parsed by the core (§9).
	Custom map[string]any
}

// SchemaMode selects how a backend is asked to produce structured output.
type SchemaMode string

const (
	SchemaModeTools      SchemaMode = "tools"
	SchemaModeJSONSchema SchemaMode = "json_schema"
	SchemaModeJSON       SchemaMode = "json"
	SchemaModeMarkdownJSON SchemaMode = "md_json"
)

// SchemaType names the shape of Schema.Schema.
type SchemaType string

const (
	SchemaTypeZod        SchemaType = "zod"
	SchemaTypeJSONSchema SchemaType = "jsonSchema"
)

// Schema is a structured-output descriptor attached to a ChatRequest.
type Schema struct {
	Type        SchemaType
	Schema      any
	Mode        SchemaMode
	Name        string
	Description string
}

// Metadata is the required wrapper carried by every ChatRequest and
// ChatResponse. Provenance traces which adapters handled the request;
// Custom is an opaque passthrough map (warnings land in Custom["warnings"]).
type Metadata struct {
	RequestID  string
	Timestamp  int64 // ms, monotonic-or-wallclock
	Provenance map[ProvenanceRole]string
	Custom     map[string]any
}

// Warnings returns the SemanticWarning slice stashed in Custom["warnings"],
// or nil if none were recorded.
func (m Metadata) Warnings() []SemanticWarning {
	raw, ok := m.Custom["warnings"]
	if !ok {
		return nil
	}
	w, _ := raw.([]SemanticWarning)
	return w
}

// AddWarning returns a copy of m with w appended to Custom["warnings"].
// Metadata (like everything in this package) is never mutated in place.
func (m Metadata) AddWarning(w SemanticWarning) Metadata {
	next := m.clone()
	existing, _ := next.Custom["warnings"].([]SemanticWarning)
	next.Custom["warnings"] = append(append([]SemanticWarning{}, existing...), w)
	return next
}

// WithProvenance returns a copy of m with provenance[role] = name set.
func (m Metadata) WithProvenance(role ProvenanceRole, name string) Metadata {
	next := m.clone()
	prov := make(map[ProvenanceRole]string, len(next.Provenance)+1)
	for k, v := range next.Provenance {
		prov[k] = v
	}
	prov[role] = name
	next.Provenance = prov
	return next
}

func (m Metadata) clone() Metadata {
	custom := make(map[string]any, len(m.Custom))
	for k, v := range m.Custom {
		custom[k] = v
	}
	return Metadata{
		RequestID:  m.RequestID,
		Timestamp:  m.Timestamp,
		Provenance: m.Provenance,
		Custom:     custom,
	}
}

// SemanticWarning records a lossy translation step (§7, §9): parameter
// scaling, message merging, feature omission.
type SemanticWarning struct {
	Kind    WarningKind
	Detail  string
	Backend string
}

// WarningKind enumerates the categories of semantic drift a backend
// adapter can emit while translating a ChatRequest (§4.2).
type WarningKind string

const (
	WarningParameterScaling  WarningKind = "parameter_scaling"
	WarningUnsupportedFeature WarningKind = "unsupported_feature"
	WarningMessageMerge      WarningKind = "message_merge"
	WarningInterleavedSystem WarningKind = "interleaved_system"
)

// ChatRequest is the canonical request that flows through a Bridge.
type ChatRequest struct {
	Messages   []Message
	Parameters Parameters
	Stream     bool
	StreamMode StreamMode
	Schema     *Schema
	Metadata   Metadata
}

// Usage holds token counts. When all three are present the invariant
// TotalTokens == PromptTokens+CompletionTokens holds (§3).
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// ChatResponse is the canonical response a backend produces from a
// ChatRequest.
type ChatResponse struct {
	Message      Message
	FinishReason FinishReason
	Usage        *Usage
	Metadata     Metadata
	// Raw is the verbatim provider payload; populated only in debug mode.
	Raw any
}
