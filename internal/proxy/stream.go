package proxy

import (
	"bytes"

	"github.com/tidwall/gjson"
)

// Usage is extracted token usage in OpenAI naming.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

var (
	dataPrefix = []byte("data: ")
	doneFrame  = []byte("[DONE]")
)

// UsageParser scans an SSE byte stream for token usage frames without
// altering the bytes. It carries partial lines across chunks, so
// callers can feed raw network reads of any size.
type UsageParser struct {
	providerType string
	partial      []byte
}

// NewUsageParser creates a parser for one provider type. Gemini-shaped
// usageMetadata is handled for gemini routes; the OpenAI shape is
// always recognized.
func NewUsageParser(providerType string) *UsageParser {
	return &UsageParser{providerType: providerType}
}

// ProcessChunk consumes the next chunk and returns the most recent
// usage found in it, if any.
func (p *UsageParser) ProcessChunk(chunk []byte) (Usage, bool) {
	if len(p.partial) > 0 {
		chunk = append(p.partial, chunk...)
		p.partial = nil
	}

	lines := bytes.Split(chunk, []byte("\n"))
	if len(chunk) > 0 && chunk[len(chunk)-1] != '\n' && len(lines) > 0 {
		p.partial = append([]byte{}, lines[len(lines)-1]...)
		lines = lines[:len(lines)-1]
	}

	var usage Usage
	found := false
	for _, line := range lines {
		if u, ok := p.parseLine(line); ok {
			usage = u
			found = true
		}
	}
	return usage, found
}

// Flush parses any trailing partial line at end of stream.
func (p *UsageParser) Flush() (Usage, bool) {
	if len(p.partial) == 0 {
		return Usage{}, false
	}
	line := p.partial
	p.partial = nil
	return p.parseLine(line)
}

func (p *UsageParser) parseLine(line []byte) (Usage, bool) {
	line = bytes.TrimRight(line, "\r")
	if !bytes.HasPrefix(line, dataPrefix) {
		return Usage{}, false
	}
	payload := bytes.TrimPrefix(line, dataPrefix)
	if bytes.Equal(bytes.TrimSpace(payload), doneFrame) {
		return Usage{}, false
	}
	return ExtractUsage(payload, p.providerType)
}

// ExtractUsage pulls usage out of one JSON payload. OpenAI "usage" is
// checked first; Gemini "usageMetadata" is mapped onto the same shape.
func ExtractUsage(payload []byte, providerType string) (Usage, bool) {
	if !gjson.ValidBytes(payload) {
		return Usage{}, false
	}

	if usage := gjson.GetBytes(payload, "usage"); usage.IsObject() {
		u := Usage{
			PromptTokens:     int(usage.Get("prompt_tokens").Int()),
			CompletionTokens: int(usage.Get("completion_tokens").Int()),
			TotalTokens:      int(usage.Get("total_tokens").Int()),
		}
		if u.TotalTokens == 0 {
			u.TotalTokens = u.PromptTokens + u.CompletionTokens
		}
		if u.PromptTokens > 0 || u.CompletionTokens > 0 || u.TotalTokens > 0 {
			return u, true
		}
	}

	if meta := gjson.GetBytes(payload, "usageMetadata"); meta.IsObject() {
		u := Usage{
			PromptTokens:     int(meta.Get("promptTokenCount").Int()),
			CompletionTokens: int(meta.Get("candidatesTokenCount").Int()),
			TotalTokens:      int(meta.Get("totalTokenCount").Int()),
		}
		if u.TotalTokens == 0 {
			u.TotalTokens = u.PromptTokens + u.CompletionTokens
		}
		if u.PromptTokens > 0 || u.CompletionTokens > 0 || u.TotalTokens > 0 {
			return u, true
		}
	}

	return Usage{}, false
}
