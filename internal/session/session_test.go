package session

import "testing"

func TestShouldAutoCreate(t *testing.T) {
	tests := []struct {
		name     string
		provider string
		model    string
		current  *Session
		want     bool
	}{
		{"no current session", "openai", "nvidia/kimi-k2.5", nil, true},
		{"same model", "openai", "nvidia/kimi-k2.5", &Session{Provider: "openai", Model: "nvidia/kimi-k2.5"}, false},
		{"different model same provider", "openai", "nvidia/kimi-k2-thinking", &Session{Provider: "openai", Model: "nvidia/kimi-k2.5"}, true},
		{"different provider same model", "anthropic", "nvidia/kimi-k2.5", &Session{Provider: "openai", Model: "nvidia/kimi-k2.5"}, false},
		{"different provider and model", "anthropic", "claude-3-opus", &Session{Provider: "openai", Model: "nvidia/kimi-k2.5"}, true},
		{"current session without model", "openai", "nvidia/kimi-k2.5", &Session{Provider: "openai"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ShouldAutoCreate(tt.provider, tt.model, tt.current); got != tt.want {
				t.Errorf("ShouldAutoCreate(%q, %q, %+v) = %v, want %v", tt.provider, tt.model, tt.current, got, tt.want)
			}
		})
	}
}

func TestDistinctModelsAlwaysCreate(t *testing.T) {
	models := []string{
		"nvidia/kimi-k2.5",
		"nvidia/kimi-k2-thinking",
		"nvidia/mistral-large-3",
		"nvidia/llama-3.3-70b",
	}
	for _, m1 := range models {
		for _, m2 := range models {
			if m1 == m2 {
				continue
			}
			current := &Session{Provider: "openai", Model: m1}
			if !ShouldAutoCreate("openai", m2, current) {
				t.Errorf("models %q -> %q should start a new session", m1, m2)
			}
		}
	}
}
