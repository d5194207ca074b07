// Package tokens provides token estimation utilities using tiktoken.
package tokens

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	. "github.com/ki2pixel/kimiproxy/internal/logging"
)

// Estimator provides token estimation using tiktoken
type Estimator struct {
	encoding *tiktoken.Tiktoken
	mu       sync.RWMutex
}

// DefaultEncoding is cl100k_base, a reasonable approximation for the
// OpenAI-compatible models this proxy fronts.
const DefaultEncoding = "cl100k_base"

// MessageOverhead is the fixed per-message framing cost added by chat
// formats (role markers, separators).
const MessageOverhead = 3

var (
	globalEstimator     *Estimator
	globalEstimatorOnce sync.Once
)

// Get returns the global token estimator (singleton)
func Get() *Estimator {
	globalEstimatorOnce.Do(func() {
		var err error
		globalEstimator, err = New()
		if err != nil {
			L_warn("tokens: failed to create estimator, using fallback", "error", err)
			globalEstimator = &Estimator{} // fallback to char-based estimation
		}
	})
	return globalEstimator
}

// New creates a new token estimator
func New() (*Estimator, error) {
	enc, err := tiktoken.GetEncoding(DefaultEncoding)
	if err != nil {
		return nil, err
	}
	return &Estimator{encoding: enc}, nil
}

// Count returns the token count for a string.
// Falls back to chars/4 if tiktoken unavailable.
func (e *Estimator) Count(text string) int {
	if text == "" {
		return 0
	}
	if e == nil || e.encoding == nil {
		return len(text) / 4
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	tokens := e.encoding.Encode(text, nil, nil)
	return len(tokens)
}

// CountChat estimates tokens for an OpenAI-shaped message array. Each
// message contributes its string content plus MessageOverhead. Tool
// call arguments on assistant messages count toward the total.
// Approximate by design; never used for billing.
func (e *Estimator) CountChat(messages []map[string]any) int {
	total := 0
	for _, msg := range messages {
		total += MessageOverhead

		if content, ok := msg["content"].(string); ok {
			total += e.Count(content)
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
			fn, ok := tcMap["function"].(map[string]any)
			if !ok {
				continue
			}
			if name, ok := fn["name"].(string); ok {
				total += e.Count(name)
			}
			if args, ok := fn["arguments"].(string); ok {
				total += e.Count(args)
			}
		}
	}
	return total
}

// Estimate is a convenience function using the global estimator.
func Estimate(text string) int {
	return Get().Count(text)
}

// EstimateChat is a convenience function using the global estimator.
func EstimateChat(messages []map[string]any) int {
	return Get().CountChat(messages)
}
