package proxy

import (
	"encoding/json"
	"regexp"
	"testing"
)

var idShape = regexp.MustCompile(`^[A-Za-z0-9]{9}$`)

func TestGenerateToolCallIDShape(t *testing.T) {
	s := NewSanitizer(DefaultSanitizerConfig())
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		id := s.GenerateToolCallID()
		if !idShape.MatchString(id) {
			t.Fatalf("id %q does not match shape", id)
		}
		seen[id] = true
	}
	if len(seen) < 45 {
		t.Errorf("ids not random enough: %d unique of 50", len(seen))
	}
}

func TestValidID(t *testing.T) {
	s := NewSanitizer(DefaultSanitizerConfig())
	tests := []struct {
		id   string
		want bool
	}{
		{"abc123XYZ", true},
		{"short", false},
		{"", false},
		{"has-dash12", false},
		{"aaaaaaaaaa", false}, // 10 chars
		{"call_1234", false},  // underscore
	}
	for _, tt := range tests {
		if got := s.ValidID(tt.id); got != tt.want {
			t.Errorf("ValidID(%q) = %v, want %v", tt.id, got, tt.want)
		}
	}
}

func sanitizeBody(t *testing.T, raw string) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal([]byte(raw), &body); err != nil {
		t.Fatal(err)
	}
	NewSanitizer(DefaultSanitizerConfig()).SanitizeBody(body)
	return body
}

func TestSanitizeRewritesPairedIDs(t *testing.T) {
	body := sanitizeBody(t, `{
		"messages": [
			{"role": "assistant", "content": null, "tool_calls": [
				{"id": "call_12345678", "type": "function", "function": {"name": "f", "arguments": "{}"}}
			]},
			{"role": "tool", "tool_call_id": "call_12345678", "content": "result"}
		]
	}`)

	messages := body["messages"].([]any)
	assistant := messages[0].(map[string]any)
	toolCall := assistant["tool_calls"].([]any)[0].(map[string]any)
	newID := toolCall["id"].(string)
	if !idShape.MatchString(newID) {
		t.Fatalf("regenerated id %q invalid", newID)
	}

	toolMsg := messages[1].(map[string]any)
	if toolMsg["tool_call_id"] != newID {
		t.Errorf("paired tool_call_id not rewritten: %v != %v", toolMsg["tool_call_id"], newID)
	}
}

func TestSanitizeKeepsValidIDs(t *testing.T) {
	body := sanitizeBody(t, `{
		"messages": [
			{"role": "assistant", "tool_calls": [
				{"id": "abc123XYZ", "type": "function", "function": {"name": "f", "arguments": "{}"}}
			]},
			{"role": "tool", "tool_call_id": "abc123XYZ", "content": "ok"}
		]
	}`)
	messages := body["messages"].([]any)
	toolCall := messages[0].(map[string]any)["tool_calls"].([]any)[0].(map[string]any)
	if toolCall["id"] != "abc123XYZ" {
		t.Errorf("valid id regenerated: %v", toolCall["id"])
	}
	if messages[1].(map[string]any)["tool_call_id"] != "abc123XYZ" {
		t.Error("valid paired id changed")
	}
}

func TestSanitizeEveryOutputIDValid(t *testing.T) {
	body := sanitizeBody(t, `{
		"messages": [
			{"role": "assistant", "tool_calls": [
				{"id": "", "type": "function", "function": {"name": "a", "arguments": "{}"}},
				{"id": "x", "type": "function", "function": {"name": "b", "arguments": "{}"}},
				{"id": "goodID123", "type": "function", "function": {"name": "c", "arguments": "{}"}}
			]}
		]
	}`)
	toolCalls := body["messages"].([]any)[0].(map[string]any)["tool_calls"].([]any)
	for _, tc := range toolCalls {
		id := tc.(map[string]any)["id"].(string)
		if !idShape.MatchString(id) {
			t.Errorf("output id %q invalid", id)
		}
	}
}

func TestFixConcatenatedObjects(t *testing.T) {
	s := NewSanitizer(DefaultSanitizerConfig())
	fixed := s.FixMalformedArguments(`{"a": 1}{"b": 2}`)
	var obj map[string]any
	if err := json.Unmarshal([]byte(fixed), &obj); err != nil {
		t.Fatalf("fixed not valid JSON: %q", fixed)
	}
	if obj["a"].(float64) != 1 || obj["b"].(float64) != 2 {
		t.Errorf("merged = %v", obj)
	}
}

func TestFixTrailingComma(t *testing.T) {
	s := NewSanitizer(DefaultSanitizerConfig())
	fixed := s.FixMalformedArguments(`{"a": 1,}`)
	if !json.Valid([]byte(fixed)) {
		t.Errorf("not fixed: %q", fixed)
	}
}

func TestFixMissingCommaBetweenProperties(t *testing.T) {
	s := NewSanitizer(DefaultSanitizerConfig())
	tests := []string{
		`{"a": "x" "b": "y"}`,
		`{"a": 1 "b": 2}`,
		`{"a": true "b": null}`,
	}
	for _, in := range tests {
		fixed := s.FixMalformedArguments(in)
		if !json.Valid([]byte(fixed)) {
			t.Errorf("FixMalformedArguments(%q) = %q, still invalid", in, fixed)
		}
	}
}

func TestFixValidInputPassesThrough(t *testing.T) {
	s := NewSanitizer(DefaultSanitizerConfig())
	in := `{"path": "/tmp/x", "recursive": true}`
	if got := s.FixMalformedArguments(in); got != in {
		t.Errorf("valid input changed: %q", got)
	}
}

func TestFixUnrepairableReturnsOriginal(t *testing.T) {
	s := NewSanitizer(DefaultSanitizerConfig())
	in := `<<<garbage>>>`
	if got := s.FixMalformedArguments(in); got != in {
		t.Errorf("unrepairable input changed: %q", got)
	}
	counts := s.StrategyCounts()
	if counts["all_failed"] != 1 {
		t.Errorf("strategy counts = %v", counts)
	}
}

func TestCircuitBreakerMaxAttempts(t *testing.T) {
	cfg := DefaultSanitizerConfig()
	cfg.MaxTotalAttempts = 2
	s := NewSanitizer(cfg)

	for i := 0; i < 5; i++ {
		s.FixMalformedArguments(`<<<garbage>>>`)
	}

	counts := s.StrategyCounts()
	if counts["circuit_breaker"] != 3 {
		t.Errorf("circuit_breaker count = %d, want 3 (counts = %v)", counts["circuit_breaker"], counts)
	}
	if counts["all_failed"] != 2 {
		t.Errorf("all_failed count = %d, want 2", counts["all_failed"])
	}
}
