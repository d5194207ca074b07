package masking

import (
	"reflect"
	"strings"
	"testing"
)

func assistantToolTurn(toolName string, callIDs ...string) map[string]any {
	calls := make([]any, 0, len(callIDs))
	for _, id := range callIDs {
		calls = append(calls, map[string]any{
			"id":   id,
			"type": "function",
			"function": map[string]any{
				"name":      toolName,
				"arguments": "{}",
			},
		})
	}
	return map[string]any{"role": "assistant", "content": nil, "tool_calls": calls}
}

func toolResult(toolCallID string, content any) map[string]any {
	return map[string]any{"role": "tool", "tool_call_id": toolCallID, "content": content}
}

func enabledPolicy(windowTurns int) Policy {
	return Policy{Enabled: true, WindowTurns: windowTurns, KeepErrors: true}
}

func TestDisabledReturnsInputUnchanged(t *testing.T) {
	messages := []map[string]any{
		{"role": "user", "content": "hello"},
		assistantToolTurn("fast_read_file", "call_1"),
		toolResult("call_1", "OK"),
	}
	out := Mask(messages, Policy{Enabled: false, WindowTurns: 1})
	if !reflect.DeepEqual(out, messages) {
		t.Error("disabled masking must be identity")
	}
}

func TestMasksOldTurnsAndPreservesInvariants(t *testing.T) {
	// Scenario: window=1 keeps only the last tool turn.
	messages := []map[string]any{
		{"role": "system", "content": "S"},
		assistantToolTurn("fast_read_file", "call_1"),
		toolResult("call_1", strings.Repeat("A", 1000)),
		{"role": "user", "content": "next"},
		assistantToolTurn("fast_search_files", "call_2"),
		toolResult("call_2", "OK"),
		{"role": "user", "content": "suite"},
	}

	out := Mask(messages, enabledPolicy(1))

	if len(out) != len(messages) {
		t.Fatalf("length changed: %d != %d", len(out), len(messages))
	}
	for i := range messages {
		if out[i]["role"] != messages[i]["role"] {
			t.Errorf("role changed at %d", i)
		}
	}

	if out[2]["tool_call_id"] != "call_1" || out[5]["tool_call_id"] != "call_2" {
		t.Error("tool_call_id modified")
	}
	if !reflect.DeepEqual(out[1]["tool_calls"], messages[1]["tool_calls"]) {
		t.Error("assistant tool_calls modified")
	}

	masked, ok := out[2]["content"].(string)
	if !ok {
		t.Fatal("masked content not a string")
	}
	if !strings.HasPrefix(masked, "[Observation masquée") {
		t.Errorf("placeholder prefix wrong: %q", masked)
	}
	if !strings.Contains(masked, "call_1") || !strings.Contains(masked, "fast_read_file") {
		t.Errorf("placeholder must carry id and tool name: %q", masked)
	}
	if !strings.Contains(masked, "chars=1000") {
		t.Errorf("placeholder must carry original size: %q", masked)
	}

	if out[5]["content"] != "OK" {
		t.Errorf("recent tool result changed: %v", out[5]["content"])
	}
}

func TestKeepErrorsPreservesErrorLikeContent(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"traceback", "Traceback (most recent call last): ..."},
		{"json error key", `{"error": "boom"}`},
		{"json status error", `{"status": "error", "detail": "x"}`},
		{"timeout keyword", "operation ended with timeout after 30s"},
		{"line-start error", "ok so far\nerror: could not open file"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			messages := []map[string]any{
				assistantToolTurn("fast_read_file", "call_1"),
				toolResult("call_1", tt.content),
				assistantToolTurn("fast_read_file", "call_2"),
				toolResult("call_2", "OK"),
			}
			out := Mask(messages, enabledPolicy(1))
			if out[1]["content"] != tt.content {
				t.Errorf("error-looking content was masked: %v", out[1]["content"])
			}
		})
	}
}

func TestOrphanToolResultIsNoOp(t *testing.T) {
	messages := []map[string]any{
		{"role": "user", "content": "hello"},
		toolResult("orphan", "SHOULD_STAY"),
		assistantToolTurn("fast_read_file", "call_2"),
		toolResult("call_2", "OK"),
	}
	out := Mask(messages, enabledPolicy(1))
	if out[1]["content"] != "SHOULD_STAY" {
		t.Errorf("orphan masked: %v", out[1]["content"])
	}
}

func TestKeepLastKPerTool(t *testing.T) {
	messages := []map[string]any{
		assistantToolTurn("fast_read_file", "call_1"),
		toolResult("call_1", strings.Repeat("A", 1000)),
		assistantToolTurn("fast_read_file", "call_2"),
		toolResult("call_2", strings.Repeat("B", 1000)),
		assistantToolTurn("fast_search_files", "call_3"),
		toolResult("call_3", strings.Repeat("C", 1000)),
	}

	policy := Policy{Enabled: true, WindowTurns: 1, KeepErrors: true, KeepLastKPerTool: 1}
	out := Mask(messages, policy)

	// call_1 masked (old fast_read_file, K=1 keeps call_2 only)
	if c, _ := out[1]["content"].(string); !strings.HasPrefix(c, "[Observation masquée") {
		t.Errorf("call_1 should be masked: %v", out[1]["content"])
	}
	if out[3]["content"] != messages[3]["content"] {
		t.Error("call_2 should be kept by keep_last_k_per_tool")
	}
	if out[5]["content"] != messages[5]["content"] {
		t.Error("call_3 should be kept by window")
	}
}

func TestMultiToolCallsSameTurnMaskedTogether(t *testing.T) {
	messages := []map[string]any{
		assistantToolTurn("fast_read_file", "call_1", "call_2"),
		toolResult("call_1", strings.Repeat("A", 1000)),
		toolResult("call_2", strings.Repeat("B", 1000)),
		assistantToolTurn("fast_search_files", "call_3"),
		toolResult("call_3", "OK"),
	}
	out := Mask(messages, enabledPolicy(1))

	c1, _ := out[1]["content"].(string)
	c2, _ := out[2]["content"].(string)
	if !strings.Contains(c1, "call_1") || !strings.Contains(c2, "call_2") {
		t.Error("both results of the old turn should be masked")
	}
	if out[4]["content"] != "OK" {
		t.Error("result inside the window should be kept")
	}
}

func TestNonStringContentIsNoOp(t *testing.T) {
	parts := []any{map[string]any{"type": "text", "text": "HELLO"}}
	messages := []map[string]any{
		assistantToolTurn("fast_read_file", "call_1"),
		toolResult("call_1", parts),
		assistantToolTurn("fast_read_file", "call_2"),
		toolResult("call_2", "OK"),
	}
	out := Mask(messages, enabledPolicy(1))
	if !reflect.DeepEqual(out[1]["content"], parts) {
		t.Error("non-string content must not be rewritten")
	}
}

func TestWindowLargerThanTurnsMasksNothing(t *testing.T) {
	messages := []map[string]any{
		assistantToolTurn("fast_read_file", "call_1"),
		toolResult("call_1", strings.Repeat("A", 1000)),
		assistantToolTurn("fast_read_file", "call_2"),
		toolResult("call_2", strings.Repeat("B", 1000)),
	}
	out := Mask(messages, enabledPolicy(10))
	if out[1]["content"] != messages[1]["content"] || out[3]["content"] != messages[3]["content"] {
		t.Error("nothing should be masked when the window covers all turns")
	}
}

func TestInputMessagesNotMutated(t *testing.T) {
	original := strings.Repeat("A", 100)
	messages := []map[string]any{
		assistantToolTurn("fast_read_file", "call_1"),
		toolResult("call_1", original),
		assistantToolTurn("fast_read_file", "call_2"),
		toolResult("call_2", "OK"),
	}
	_ = Mask(messages, enabledPolicy(1))
	if messages[1]["content"] != original {
		t.Error("input mutated")
	}
}
