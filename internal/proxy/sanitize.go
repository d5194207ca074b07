package proxy

import (
	"crypto/rand"
	"encoding/json"
	"math/big"
	"regexp"
	"strings"
	"sync"
	"time"

	. "github.com/ki2pixel/kimiproxy/internal/logging"
)

// SanitizerConfig controls tool-call id validation. The pattern is
// configurable because some providers (NVIDIA notably) constrain the
// id shape.
type SanitizerConfig struct {
	IDPattern *regexp.Regexp
	IDLength  int

	MaxTotalAttempts int
	MaxTimeMs        int
}

// DefaultSanitizerConfig returns the 9-char alphanumeric shape with the
// standard repair circuit breaker.
func DefaultSanitizerConfig() SanitizerConfig {
	return SanitizerConfig{
		IDPattern:        regexp.MustCompile(`^[A-Za-z0-9]{9}$`),
		IDLength:         9,
		MaxTotalAttempts: 10,
		MaxTimeMs:        100,
	}
}

// Sanitizer validates/repairs tool-call ids and malformed function
// arguments on incoming request bodies.
type Sanitizer struct {
	cfg SanitizerConfig

	mu            sync.Mutex
	totalAttempts int
	byStrategy    map[string]int
}

// NewSanitizer creates a sanitizer.
func NewSanitizer(cfg SanitizerConfig) *Sanitizer {
	if cfg.IDPattern == nil {
		cfg = DefaultSanitizerConfig()
	}
	return &Sanitizer{cfg: cfg, byStrategy: make(map[string]int)}
}

// StrategyCounts returns a copy of the per-strategy repair outcomes.
func (s *Sanitizer) StrategyCounts() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.byStrategy))
	for k, v := range s.byStrategy {
		out[k] = v
	}
	return out
}

func (s *Sanitizer) record(strategy string) {
	s.mu.Lock()
	s.byStrategy[strategy]++
	s.mu.Unlock()
}

const idAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// GenerateToolCallID returns a fresh random id of the configured shape.
func (s *Sanitizer) GenerateToolCallID() string {
	length := s.cfg.IDLength
	if length < 1 {
		length = 9
	}
	var sb strings.Builder
	max := big.NewInt(int64(len(idAlphabet)))
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand failing is unrecoverable for id quality; a
			// fixed char keeps the shape valid.
			sb.WriteByte('a')
			continue
		}
		sb.WriteByte(idAlphabet[n.Int64()])
	}
	return sb.String()
}

// ValidID reports whether an id matches the configured shape.
func (s *Sanitizer) ValidID(id string) bool {
	return s.cfg.IDPattern.MatchString(id)
}

// SanitizeBody repairs the request body in place: assistant tool_call
// ids first, then the paired tool_call_id on result messages in
// lock-step, then malformed function.arguments strings.
func (s *Sanitizer) SanitizeBody(body map[string]any) {
	messages, ok := body["messages"].([]any)
	if !ok {
		return
	}

	renamed := make(map[string]string)

	for _, m := range messages {
		msg, ok := m.(map[string]any)
		if !ok {
			continue
		}
		toolCalls, ok := msg["tool_calls"].([]any)
		if !ok {
			continue
		}
		for _, tc := range toolCalls {
			tcMap, ok := tc.(map[string]any)
			if !ok {
				continue
			}

			id, _ := tcMap["id"].(string)
			if id == "" || !s.ValidID(id) {
				newID := s.GenerateToolCallID()
				if id != "" {
					renamed[id] = newID
				}
				tcMap["id"] = newID
				L_debug("sanitizer: regenerated tool call id", "old", id, "new", newID)
			}

			if fn, ok := tcMap["function"].(map[string]any); ok {
				if args, ok := fn["arguments"].(string); ok && args != "" && !json.Valid([]byte(args)) {
					fn["arguments"] = s.FixMalformedArguments(args)
				}
			}
		}
	}

	for _, m := range messages {
		msg, ok := m.(map[string]any)
		if !ok {
			continue
		}
		if role, _ := msg["role"].(string); role != "tool" {
			continue
		}
		id, _ := msg["tool_call_id"].(string)
		if id == "" {
			continue
		}
		if newID, ok := renamed[id]; ok {
			msg["tool_call_id"] = newID
		}
	}
}

var (
	concatenationRe    = regexp.MustCompile(`}\s*{`)
	trailingCommaRe    = regexp.MustCompile(`,\s*([}\]])`)
	stringPropCommaRe  = regexp.MustCompile(`("(?:[^"\\]|\\.)*")\s+("(?:[^"\\]|\\.)*"\s*:)`)
	numberPropCommaRe  = regexp.MustCompile(`(\d)\s+("(?:[^"\\]|\\.)*"\s*:)`)
	literalPropCommaRe = regexp.MustCompile(`(true|false|null)\s+("(?:[^"\\]|\\.)*"\s*:)`)
	valueBraceCommaRe  = regexp.MustCompile(`("(?:[^"\\]|\\.)*"|\d|true|false|null)\s*\{`)
)

// FixMalformedArguments applies a fixed ordered pipeline of string
// repairs under a circuit breaker. On breaker trip or when nothing
// produces valid JSON, the original string is returned.
func (s *Sanitizer) FixMalformedArguments(arguments string) string {
	trimmed := strings.TrimSpace(arguments)
	if trimmed == "" {
		return arguments
	}
	if json.Valid([]byte(trimmed)) {
		return trimmed
	}

	s.mu.Lock()
	if s.totalAttempts >= s.cfg.MaxTotalAttempts {
		s.byStrategy["circuit_breaker"]++
		s.mu.Unlock()
		return arguments
	}
	s.totalAttempts++
	s.mu.Unlock()

	started := time.Now()
	deadline := time.Duration(s.cfg.MaxTimeMs) * time.Millisecond

	// Stage 1: merge concatenated objects ({"a":1}{"b":2}).
	if concatenationRe.MatchString(trimmed) {
		if merged, ok := mergeConcatenatedObjects(trimmed); ok {
			s.record("concat_merge")
			return merged
		}
	}

	fixed := trimmed
	stages := []func(string) string{
		func(in string) string { return trailingCommaRe.ReplaceAllString(in, "$1") },
		func(in string) string { return stringPropCommaRe.ReplaceAllString(in, "$1, $2") },
		func(in string) string { return numberPropCommaRe.ReplaceAllString(in, "$1, $2") },
		func(in string) string { return literalPropCommaRe.ReplaceAllString(in, "$1, $2") },
		func(in string) string { return valueBraceCommaRe.ReplaceAllString(in, "$1, {") },
	}

	for _, stage := range stages {
		if time.Since(started) > deadline {
			s.record("circuit_breaker")
			return arguments
		}
		fixed = stage(fixed)
		if json.Valid([]byte(fixed)) {
			s.record("direct_fix")
			return fixed
		}
	}

	// Last resort: rebuild from recognizable "key": value pairs.
	if time.Since(started) <= deadline {
		if rebuilt, ok := reconstructProperties(fixed); ok {
			s.record("reconstruct_basic")
			return rebuilt
		}
	}

	s.record("all_failed")
	return arguments
}

// mergeConcatenatedObjects splits top-level {...}{...} runs and merges
// them into one object, later keys winning.
func mergeConcatenatedObjects(input string) (string, bool) {
	var objects []map[string]any
	depth := 0
	start := -1
	inString := false
	escaped := false

	for i := 0; i < len(input); i++ {
		ch := input[i]
		if inString {
			if escaped {
				escaped = false
			} else if ch == '\\' {
				escaped = true
			} else if ch == '"' {
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			depth--
			if depth == 0 && start >= 0 {
				var obj map[string]any
				if err := json.Unmarshal([]byte(input[start:i+1]), &obj); err == nil {
					objects = append(objects, obj)
				}
				start = -1
			}
		}
	}

	if len(objects) < 2 {
		return "", false
	}
	merged := make(map[string]any)
	for _, obj := range objects {
		for k, v := range obj {
			merged[k] = v
		}
	}
	out, err := json.Marshal(merged)
	if err != nil {
		return "", false
	}
	return string(out), true
}

var propertyRe = regexp.MustCompile(`"((?:[^"\\]|\\.)+)"\s*:\s*("(?:[^"\\]|\\.)*"|true|false|null|-?\d+(?:\.\d+)?)`)

// reconstructProperties extracts every recognizable property and
// rebuilds a flat object.
func reconstructProperties(input string) (string, bool) {
	matches := propertyRe.FindAllStringSubmatch(input, -1)
	if len(matches) == 0 {
		return "", false
	}

	rebuilt := make(map[string]json.RawMessage, len(matches))
	for _, m := range matches {
		key, value := m[1], m[2]
		if !json.Valid([]byte(value)) {
			continue
		}
		rebuilt[key] = json.RawMessage(value)
	}
	if len(rebuilt) == 0 {
		return "", false
	}

	out, err := json.Marshal(rebuilt)
	if err != nil {
		return "", false
	}
	return string(out), true
}
