// Package masking implements conversation-level observation masking.
//
// It masks old tool results (messages with role "tool") that fall
// outside a window of recent tool turns, while strictly preserving
// tool-calling integrity: messages are never added, removed or
// reordered, assistant tool_calls and tool_call_id fields are never
// touched, and only the content of eligible tool messages is replaced.
package masking

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// Policy controls the masking transform.
type Policy struct {
	Enabled          bool
	WindowTurns      int // number of trailing tool turns whose results are kept
	KeepErrors       bool
	KeepLastKPerTool int // 0 = disabled
	// PlaceholderTemplate uses %s (tool_call_id), %s (tool name),
	// %d (original chars), in that order. Empty = default.
	PlaceholderTemplate string
}

// DefaultPlaceholderTemplate is the canonical French placeholder.
const DefaultPlaceholderTemplate = "[Observation masquée: résultat d'outil ancien (tool_call_id=%s, outil=%s, chars=%d)]"

// DefaultPolicy returns the masking defaults (disabled).
func DefaultPolicy() Policy {
	return Policy{
		Enabled:     false,
		WindowTurns: 8,
		KeepErrors:  true,
	}
}

// Mask applies the policy to an OpenAI-shaped message array and returns
// a new array of the same length. The input is never mutated. When the
// policy is disabled, the window is not positive, or there are no tool
// turns, the input slice itself is returned.
func Mask(messages []map[string]any, policy Policy) []map[string]any {
	if !policy.Enabled || policy.WindowTurns <= 0 {
		return messages
	}

	extraction := extractToolTurns(messages)
	if len(extraction.turns) == 0 {
		return messages
	}

	keepIDs := keepIDsByWindow(extraction.turns, policy.WindowTurns)
	if policy.KeepLastKPerTool > 0 {
		for id := range keepIDsByLastKPerTool(messages, extraction.idToToolName, policy.KeepLastKPerTool) {
			keepIDs[id] = struct{}{}
		}
	}

	output := make([]map[string]any, 0, len(messages))
	for _, msg := range messages {
		role, _ := msg["role"].(string)
		if role != "tool" {
			output = append(output, cloneMessage(msg))
			continue
		}

		toolCallID, _ := msg["tool_call_id"].(string)
		if toolCallID == "" {
			output = append(output, cloneMessage(msg))
			continue
		}

		// Orphan tool_call_id: conservative no-op.
		if _, known := extraction.idToTurnIndex[toolCallID]; !known {
			output = append(output, cloneMessage(msg))
			continue
		}

		if _, keep := keepIDs[toolCallID]; keep {
			output = append(output, cloneMessage(msg))
			continue
		}

		content := msg["content"]
		if policy.KeepErrors && looksLikeErrorToolContent(content) {
			output = append(output, cloneMessage(msg))
			continue
		}

		contentStr, ok := content.(string)
		if !ok {
			// Unexpected shape (multimodal parts, etc.): no-op.
			output = append(output, cloneMessage(msg))
			continue
		}

		toolName := extraction.idToToolName[toolCallID]
		if toolName == "" {
			toolName = "inconnu"
		}

		masked := cloneMessage(msg)
		masked["content"] = renderPlaceholder(policy.PlaceholderTemplate, toolCallID, toolName, len(contentStr))
		output = append(output, masked)
	}

	return output
}

type toolTurnExtraction struct {
	turns         []map[string]struct{}
	idToTurnIndex map[string]int
	idToToolName  map[string]string
}

// extractToolTurns builds the ordered tool turns plus id lookup maps.
// A tool turn is one assistant message carrying a non-empty tool_calls
// list.
func extractToolTurns(messages []map[string]any) toolTurnExtraction {
	out := toolTurnExtraction{
		idToTurnIndex: make(map[string]int),
		idToToolName:  make(map[string]string),
	}

	for _, msg := range messages {
		if role, _ := msg["role"].(string); role != "assistant" {
			continue
		}

		toolCalls, ok := msg["tool_calls"].([]any)
		if !ok {
			continue
		}

		callIDs := make(map[string]struct{})
		for _, tc := range toolCalls {
			tcMap, ok := tc.(map[string]any)
			if !ok {
				continue
			}
			id, _ := tcMap["id"].(string)
			if id == "" {
				continue
			}
			callIDs[id] = struct{}{}

			if fn, ok := tcMap["function"].(map[string]any); ok {
				if name, _ := fn["name"].(string); name != "" {
					out.idToToolName[id] = name
				}
			}
		}

		if len(callIDs) == 0 {
			continue
		}

		turnIndex := len(out.turns)
		out.turns = append(out.turns, callIDs)
		for id := range callIDs {
			out.idToTurnIndex[id] = turnIndex
		}
	}

	return out
}

func keepIDsByWindow(turns []map[string]struct{}, windowTurns int) map[string]struct{} {
	keep := make(map[string]struct{})
	start := len(turns) - windowTurns
	if start < 0 {
		start = 0
	}
	for _, turn := range turns[start:] {
		for id := range turn {
			keep[id] = struct{}{}
		}
	}
	return keep
}

// keepIDsByLastKPerTool keeps the K most recent tool results per tool name.
func keepIDsByLastKPerTool(messages []map[string]any, idToToolName map[string]string, k int) map[string]struct{} {
	keep := make(map[string]struct{})
	seenPerTool := make(map[string]int)

	for i := len(messages) - 1; i >= 0; i-- {
		msg := messages[i]
		if role, _ := msg["role"].(string); role != "tool" {
			continue
		}
		toolCallID, _ := msg["tool_call_id"].(string)
		if toolCallID == "" {
			continue
		}
		toolName, ok := idToToolName[toolCallID]
		if !ok {
			continue
		}
		if seenPerTool[toolName] >= k {
			continue
		}
		keep[toolCallID] = struct{}{}
		seenPerTool[toolName]++
	}

	return keep
}

// looksLikeErrorToolContent applies keyword and JSON-shape heuristics
// to decide whether a tool result is an error worth keeping verbatim.
func looksLikeErrorToolContent(content any) bool {
	s, ok := content.(string)
	if !ok || s == "" {
		return false
	}

	lowered := strings.ToLower(s)
	for _, kw := range []string{"traceback", "exception", "timeout", "connect_error", "connection refused"} {
		if strings.Contains(lowered, kw) {
			return true
		}
	}
	// Stricter "error" patterns to limit false positives.
	if strings.Contains(lowered, "\nerror") || strings.Contains(lowered, "\rerror") {
		return true
	}

	stripped := strings.TrimLeft(s, " \t\r\n")
	if stripped == "" || (stripped[0] != '{' && stripped[0] != '[') {
		return false
	}
	if !gjson.Valid(s) {
		return false
	}

	parsed := gjson.Parse(s)
	if !parsed.IsObject() {
		return false
	}
	if parsed.Get("error").Exists() {
		return true
	}
	if status := parsed.Get("status"); status.Type == gjson.String && strings.EqualFold(status.String(), "error") {
		return true
	}
	return false
}

func renderPlaceholder(template, toolCallID, toolName string, originalChars int) string {
	if template == "" {
		template = DefaultPlaceholderTemplate
	}
	// Malformed custom templates fall back to the canonical form.
	rendered := fmt.Sprintf(template, toolCallID, toolName, originalChars)
	if strings.Contains(rendered, "%!") {
		rendered = fmt.Sprintf(DefaultPlaceholderTemplate, toolCallID, toolName, originalChars)
	}
	return rendered
}

func cloneMessage(msg map[string]any) map[string]any {
	out := make(map[string]any, len(msg))
	for k, v := range msg {
		out[k] = v
	}
	return out
}
