package ir

import "fmt"

// parameterRange describes the inclusive bound a numeric Parameters field
// must fall within, per §3/§8 ("every numeric parameter is within its
// declared range").
type parameterRange struct {
	min, max float64
}

var (
	temperatureRange = parameterRange{0, 2}
	topPRange        = parameterRange{0, 1}
)

// Validate reports whether req satisfies the invariants §8 requires of
// every ChatRequest: non-empty Messages, numeric parameters in range, and
// tool-role messages carrying a Name. It returns the first violation as
// an *Error with Category validation, or nil if req is valid.
func Validate(req ChatRequest) error {
	if len(req.Messages) == 0 {
		return NewError(CategoryValidation, "empty_messages", "messages must be non-empty")
	}

	for i, msg := range req.Messages {
		if msg.Role == RoleTool && msg.Name == "" {
			return NewError(CategoryValidation, "missing_tool_name",
				fmt.Sprintf("message %d has role=tool but no name", i))
		}
		switch msg.Role {
		case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		default:
			return NewError(CategoryValidation, "invalid_role",
				fmt.Sprintf("message %d has unrecognized role %q", i, msg.Role))
		}
	}

	if t := req.Parameters.Temperature; t != nil && !inRange(*t, temperatureRange) {
		return NewError(CategoryValidation, "temperature_out_of_range",
			fmt.Sprintf("temperature %v out of range [%v,%v]", *t, temperatureRange.min, temperatureRange.max))
	}
	if p := req.Parameters.TopP; p != nil && !inRange(*p, topPRange) {
		return NewError(CategoryValidation, "top_p_out_of_range",
			fmt.Sprintf("topP %v out of range [%v,%v]", *p, topPRange.min, topPRange.max))
	}
	if mt := req.Parameters.MaxTokens; mt != nil && *mt <= 0 {
		return NewError(CategoryValidation, "max_tokens_out_of_range", "maxTokens must be positive")
	}
	for i, s := range req.Parameters.StopSequences {
		if s == "" {
			return NewError(CategoryValidation, "empty_stop_sequence",
				fmt.Sprintf("stopSequences[%d] is empty", i))
		}
	}

	return nil
}

func inRange(v float64, r parameterRange) bool {
	return v >= r.min && v <= r.max
}

// ValidateResponse reports the adapter_conversion_error case from §4.1:
// an assistant/tool message with no text and no tool_use blocks.
func ValidateResponse(resp ChatResponse) error {
	msg := resp.Message
	if msg.Content.Text() == "" && len(msg.Content.ToolUses()) == 0 {
		return NewError(CategoryAdapterConversion, "empty_response_message",
			"response message has no text and no tool_use blocks")
	}
	if resp.Usage != nil {
		u := resp.Usage
		if u.PromptTokens != 0 || u.CompletionTokens != 0 || u.TotalTokens != 0 {
			if u.TotalTokens != u.PromptTokens+u.CompletionTokens && u.TotalTokens != 0 {
				return NewError(CategoryAdapterConversion, "usage_mismatch",
					"usage.totalTokens must equal promptTokens+completionTokens when all are present")
			}
		}
	}
	return nil
}
