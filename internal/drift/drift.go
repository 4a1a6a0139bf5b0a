// Package drift implements the semantic-drift utilities §4.2 requires of
// every backend adapter's fromIR step: system-message normalization,
// parameter scaling, and stop-sequence shaping, each emitting a
// ir.SemanticWarning when the translation is lossy.
package drift

import (
	"strconv"
	"strings"

	"github.com/howard-nolan/llmbridge/internal/capability"
	"github.com/howard-nolan/llmbridge/internal/ir"
)

// NormalizedMessages is the result of applying a backend's
// SystemMessageStrategy to a request's message list.
type NormalizedMessages struct {
	// Messages is the rewritten message list (system messages merged,
	// relocated, or dropped per strategy).
	Messages []ir.Message
	// SystemParameter is set only for SystemSeparateParam: the joined
	// system text to send as the provider's separate "system" field.
	SystemParameter string
	Warnings        []ir.SemanticWarning
}

// NormalizeSystemMessages applies backend strategy to req.Messages per
// §4.2's five cases.
func NormalizeSystemMessages(backend string, messages []ir.Message, caps capability.Descriptor) NormalizedMessages {
	switch caps.SystemMessageStrategy {
	case ir.SystemInMessages:
		if caps.SupportsMultipleSystemMessages {
			return NormalizedMessages{Messages: messages}
		}
		return mergeIntoFirst(backend, messages)
	case ir.SystemSeparateParam:
		return collapseToParameter(backend, messages)
	case ir.SystemPrependUser:
		return prependToFirstUser(backend, messages)
	case ir.SystemStrategyNone:
		return dropSystem(backend, messages)
	default:
		return NormalizedMessages{Messages: messages}
	}
}

func systemTexts(messages []ir.Message) (texts []string, rest []ir.Message) {
	for _, m := range messages {
		if m.Role == ir.RoleSystem {
			texts = append(texts, m.Content.Text())
			continue
		}
		rest = append(rest, m)
	}
	return
}

// mergeIntoFirst joins every system message into one, prepended to the
// remaining message list, for providers that allow only a single system
// entry in-line (§4.2 "in-messages" + !supportsMultipleSystemMessages).
func mergeIntoFirst(backend string, messages []ir.Message) NormalizedMessages {
	texts, rest := systemTexts(messages)
	if len(texts) == 0 {
		return NormalizedMessages{Messages: rest}
	}
	merged := ir.Message{Role: ir.RoleSystem, Content: ir.NewTextContent(strings.Join(texts, "\n\n"))}
	out := append([]ir.Message{merged}, rest...)

	var warnings []ir.SemanticWarning
	if len(texts) > 1 {
		warnings = append(warnings, ir.SemanticWarning{
			Kind: ir.WarningMessageMerge, Backend: backend,
			Detail: "multiple system messages merged into one (backend does not support multiple system messages)",
		})
	}
	return NormalizedMessages{Messages: out, Warnings: warnings}
}

// collapseToParameter pulls every system message out of the array into a
// single joined string meant for a separate "system" request field.
func collapseToParameter(backend string, messages []ir.Message) NormalizedMessages {
	var warnings []ir.SemanticWarning
	var texts []string
	var rest []ir.Message
	sawNonSystem := false
	interleaved := false

	for _, m := range messages {
		if m.Role == ir.RoleSystem {
			texts = append(texts, m.Content.Text())
			if sawNonSystem {
				interleaved = true
			}
			continue
		}
		sawNonSystem = true
		rest = append(rest, m)
	}

	if len(texts) > 1 {
		warnings = append(warnings, ir.SemanticWarning{
			Kind: ir.WarningMessageMerge, Backend: backend,
			Detail: "multiple system messages collapsed into one system parameter",
		})
	}
	if interleaved {
		warnings = append(warnings, ir.SemanticWarning{
			Kind: ir.WarningInterleavedSystem, Backend: backend,
			Detail: "system message(s) appeared after non-system messages; all were moved to the leading system parameter",
		})
	}

	return NormalizedMessages{
		Messages:        rest,
		SystemParameter: strings.Join(texts, "\n\n"),
		Warnings:        warnings,
	}
}

// prependToFirstUser removes system messages and prepends their
// concatenation to the first user message's text, for providers with no
// system-role concept at all.
func prependToFirstUser(backend string, messages []ir.Message) NormalizedMessages {
	texts, rest := systemTexts(messages)
	if len(texts) == 0 {
		return NormalizedMessages{Messages: rest}
	}
	prefix := strings.Join(texts, "\n\n") + "\n\n"

	out := make([]ir.Message, len(rest))
	copy(out, rest)
	for i := range out {
		if out[i].Role == ir.RoleUser {
			out[i] = ir.Message{
				Role:    out[i].Role,
				Name:    out[i].Name,
				Content: ir.NewTextContent(prefix + out[i].Content.Text()),
			}
			break
		}
	}

	return NormalizedMessages{
		Messages: out,
		Warnings: []ir.SemanticWarning{{
			Kind: ir.WarningMessageMerge, Backend: backend,
			Detail: "system message(s) prepended to the first user message (backend has no system role)",
		}},
	}
}

// dropSystem removes all system messages, emitting unsupported_feature.
func dropSystem(backend string, messages []ir.Message) NormalizedMessages {
	texts, rest := systemTexts(messages)
	if len(texts) == 0 {
		return NormalizedMessages{Messages: rest}
	}
	return NormalizedMessages{
		Messages: rest,
		Warnings: []ir.SemanticWarning{{
			Kind: ir.WarningUnsupportedFeature, Backend: backend,
			Detail: "system message(s) dropped (backend does not support system messages)",
		}},
	}
}

// ScaleTemperature maps a 0-2 IR temperature onto a provider's own range
// (commonly 0-1), returning the scaled value and a parameter_scaling
// warning. The IR-side value the caller sees is never altered (§9) —
// only the value sent on the wire is scaled.
func ScaleTemperature(backend string, temperature float64, providerMax float64) (scaled float64, warning ir.SemanticWarning) {
	const irMax = 2.0
	scaled = temperature / irMax * providerMax
	warning = ir.SemanticWarning{
		Kind: ir.WarningParameterScaling, Backend: backend,
		Detail: "temperature scaled from IR range [0,2] to provider range [0," +
			trimFloat(providerMax) + "]",
	}
	return
}

func trimFloat(f float64) string {
	s := strings.TrimRight(strings.TrimRight(strconv.FormatFloat(f, 'f', 2, 64), "0"), ".")
	if s == "" {
		return "0"
	}
	return s
}

// TruncateStopSequences truncates stops to max entries, emitting an
// unsupported_feature warning when truncation actually drops anything.
func TruncateStopSequences(backend string, stops []string, max int) ([]string, *ir.SemanticWarning) {
	if max <= 0 || len(stops) <= max {
		return stops, nil
	}
	warning := ir.SemanticWarning{
		Kind: ir.WarningUnsupportedFeature, Backend: backend,
		Detail: "stopSequences truncated to backend's maxStopSequences",
	}
	return stops[:max], &warning
}

// UnsupportedFeature builds the generic unsupported_feature warning §4.2
// requires for every IR feature a backend can't honor (tools, multimodal,
// seed, penalties).
func UnsupportedFeature(backend, feature string) ir.SemanticWarning {
	return ir.SemanticWarning{
		Kind: ir.WarningUnsupportedFeature, Backend: backend,
		Detail: feature + " is not supported by this backend and was omitted",
	}
}
