package pruner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"
)

// DefaultDeepInfraEndpoint is the reranker inference endpoint used
// when DEEPINFRA_ENDPOINT_URL is unset.
const DefaultDeepInfraEndpoint = "https://api.deepinfra.com/v1/inference/Qwen/Qwen3-Reranker-0.6B"

// DeepInfra error codes carried into pruner warnings.
const (
	deepInfraConfigError = "deepinfra_config_error"
	deepInfraHTTPError   = "deepinfra_http_error"
	deepInfraParseError  = "deepinfra_parse_error"
)

// deepInfraError is a typed DeepInfra client failure.
type deepInfraError struct {
	code       string
	message    string
	httpStatus int // 0 when no HTTP status applies
}

func (e *deepInfraError) Error() string {
	if e.httpStatus != 0 {
		return fmt.Sprintf("%s: %s (status %d)", e.code, e.message, e.httpStatus)
	}
	return fmt.Sprintf("%s: %s", e.code, e.message)
}

// DeepInfraClient is a minimal reranker client. One pooled HTTP client
// is shared by all concurrent calls.
type DeepInfraClient struct {
	endpointURL string
	apiKey      string
	maxDocs     int
	httpClient  *http.Client
}

// NewDeepInfraClientFromEnv builds a client from DEEPINFRA_* env vars.
// Returns a deepInfraError with code deepinfra_config_error when the
// API key is absent.
func NewDeepInfraClientFromEnv(timeoutMs, maxDocs int) (*DeepInfraClient, error) {
	endpoint := strings.TrimSpace(os.Getenv("DEEPINFRA_ENDPOINT_URL"))
	if endpoint == "" {
		endpoint = DefaultDeepInfraEndpoint
	}

	apiKey := strings.TrimSpace(os.Getenv("DEEPINFRA_API_KEY"))
	if apiKey == "" {
		return nil, &deepInfraError{code: deepInfraConfigError, message: "DEEPINFRA_API_KEY missing"}
	}

	if timeoutMs < 1 {
		timeoutMs = 1
	}
	if maxDocs < 1 {
		maxDocs = 1
	}
	if maxDocs > 512 {
		maxDocs = 512
	}

	return &DeepInfraClient{
		endpointURL: endpoint,
		apiKey:      apiKey,
		maxDocs:     maxDocs,
		httpClient:  &http.Client{Timeout: time.Duration(timeoutMs) * time.Millisecond},
	}, nil
}

// rerankResult maps document index to relevance score.
type rerankResult struct {
	scoresByIndex map[int]float64
	elapsedMs     int
}

// Rerank scores documents against the query. Missing scores are left
// absent; callers default them to 0.
func (c *DeepInfraClient) Rerank(ctx context.Context, query string, documents []string) (*rerankResult, error) {
	if len(documents) == 0 {
		return &rerankResult{scoresByIndex: map[int]float64{}}, nil
	}
	if len(documents) > c.maxDocs {
		return nil, &deepInfraError{
			code:    deepInfraConfigError,
			message: fmt.Sprintf("too many documents: %d > max_docs=%d", len(documents), c.maxDocs),
		}
	}

	payload := map[string]any{
		"input": map[string]any{
			"query":     query,
			"documents": documents,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &deepInfraError{code: deepInfraParseError, message: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpointURL, bytes.NewReader(body))
	if err != nil {
		return nil, &deepInfraError{code: deepInfraConfigError, message: err.Error()}
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &deepInfraError{code: deepInfraHTTPError, message: err.Error()}
	}
	defer resp.Body.Close()
	elapsedMs := int(time.Since(started).Milliseconds())

	if resp.StatusCode != http.StatusOK {
		preview, _ := io.ReadAll(io.LimitReader(resp.Body, 800))
		return nil, &deepInfraError{
			code:       deepInfraHTTPError,
			message:    fmt.Sprintf("HTTP %d: %s", resp.StatusCode, string(preview)),
			httpStatus: resp.StatusCode,
		}
	}

	var data any
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, &deepInfraError{code: deepInfraParseError, message: "non-JSON response"}
	}

	scores, err := parseScoresBestEffort(data, len(documents))
	if err != nil {
		return nil, err
	}
	return &rerankResult{scoresByIndex: scores, elapsedMs: elapsedMs}, nil
}

// parseScoresBestEffort accepts several response shapes:
// {"scores":[...]}, a bare float list, [{"index":i,"score":s},...],
// and one or two levels of nesting under result|results|output|data.
func parseScoresBestEffort(data any, expectedDocs int) (map[int]float64, error) {
	if floats := asFloatList(data); floats != nil {
		return scoresFromFloatList(floats, expectedDocs)
	}

	obj, ok := data.(map[string]any)
	if !ok {
		return nil, &deepInfraError{code: deepInfraParseError, message: "unexpected response shape"}
	}

	if floats := asFloatList(obj["scores"]); floats != nil {
		return scoresFromFloatList(floats, expectedDocs)
	}

	for _, key := range []string{"scores", "results", "result", "output", "data"} {
		candidate := obj[key]
		if mapping := asIndexScoreMapping(candidate); mapping != nil {
			return scoresFromMapping(mapping, expectedDocs)
		}
		if floats := asFloatList(candidate); floats != nil {
			return scoresFromFloatList(floats, expectedDocs)
		}
		if nested, ok := candidate.(map[string]any); ok {
			for _, subkey := range []string{"scores", "results", "result", "output", "data"} {
				sub := nested[subkey]
				if mapping := asIndexScoreMapping(sub); mapping != nil {
					return scoresFromMapping(mapping, expectedDocs)
				}
				if floats := asFloatList(sub); floats != nil {
					return scoresFromFloatList(floats, expectedDocs)
				}
			}
		}
	}

	return nil, &deepInfraError{code: deepInfraParseError, message: "scores not found in response"}
}

func asFloatList(value any) []float64 {
	list, ok := value.([]any)
	if !ok {
		return nil
	}
	out := make([]float64, 0, len(list))
	for _, item := range list {
		f, ok := item.(float64)
		if !ok {
			return nil
		}
		out = append(out, f)
	}
	return out
}

func asIndexScoreMapping(value any) map[int]float64 {
	list, ok := value.([]any)
	if !ok {
		return nil
	}
	mapping := make(map[int]float64)
	for _, item := range list {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil
		}
		idx, ok := obj["index"].(float64)
		if !ok {
			return nil
		}
		score, ok := obj["score"].(float64)
		if !ok {
			return nil
		}
		mapping[int(idx)] = score
	}
	if len(mapping) == 0 {
		return nil
	}
	return mapping
}

func scoresFromFloatList(floats []float64, expectedDocs int) (map[int]float64, error) {
	if len(floats) == 0 {
		return nil, &deepInfraError{code: deepInfraParseError, message: "empty score list"}
	}
	limit := len(floats)
	if expectedDocs < limit {
		limit = expectedDocs
	}
	out := make(map[int]float64, limit)
	for i := 0; i < limit; i++ {
		out[i] = floats[i]
	}
	return out, nil
}

func scoresFromMapping(mapping map[int]float64, expectedDocs int) (map[int]float64, error) {
	out := make(map[int]float64)
	for i, s := range mapping {
		if i >= 0 && i < expectedDocs {
			out[i] = s
		}
	}
	if len(out) == 0 {
		return nil, &deepInfraError{code: deepInfraParseError, message: "score indices out of range"}
	}
	return out, nil
}

// selectDocIndices picks which lines to score, uniformly and
// deterministically when n exceeds maxDocs.
func selectDocIndices(nLines, maxDocs int) []int {
	if nLines <= 0 {
		return nil
	}
	if maxDocs < 1 {
		maxDocs = 1
	}
	if maxDocs >= nLines {
		indices := make([]int, nLines)
		for i := range indices {
			indices[i] = i
		}
		return indices
	}
	if maxDocs == 1 {
		return []int{0}
	}

	seen := make(map[int]struct{})
	var indices []int
	for j := 0; j < maxDocs; j++ {
		idx := int(float64(j)*float64(nLines-1)/float64(maxDocs-1) + 0.5)
		if idx < 0 {
			idx = 0
		}
		if idx > nLines-1 {
			idx = nLines - 1
		}
		if _, dup := seen[idx]; !dup {
			seen[idx] = struct{}{}
			indices = append(indices, idx)
		}
	}

	// Rounding may collapse neighbors; fill from the start.
	for cursor := 0; len(indices) < maxDocs && cursor < nLines; cursor++ {
		if _, dup := seen[cursor]; !dup {
			seen[cursor] = struct{}{}
			indices = append(indices, cursor)
		}
	}

	sort.Ints(indices)
	if len(indices) > maxDocs {
		indices = indices[:maxDocs]
	}
	return indices
}

// deepInfraKeepSet runs the reranker and selects the top-K lines with
// stable (-score, index) ordering. Lines that were not scored default
// to 0.
func deepInfraKeepSet(ctx context.Context, client *DeepInfraClient, lines []string, goalHint string, maxPruneRatio float64, minKeepLines int) (map[int]struct{}, *rerankResult, []string, error) {
	n := len(lines)
	target := keepTarget(n, maxPruneRatio, minKeepLines)

	docIndices := selectDocIndices(n, client.maxDocs)
	var warnings []string
	if len(docIndices) < n {
		warnings = append(warnings, "deepinfra_docs_truncated")
	}

	docs := make([]string, len(docIndices))
	for i, lineIdx := range docIndices {
		docs[i] = lines[lineIdx]
	}

	result, err := client.Rerank(ctx, goalHint, docs)
	if err != nil {
		return nil, nil, warnings, err
	}

	lineScores := make(map[int]float64, len(docIndices))
	for docIdx, lineIdx := range docIndices {
		lineScores[lineIdx] = result.scoresByIndex[docIdx]
	}

	scored := make([]int, n)
	for i := range scored {
		scored[i] = i
	}
	sort.SliceStable(scored, func(a, b int) bool {
		sa, sb := lineScores[scored[a]], lineScores[scored[b]]
		if sa != sb {
			return sa > sb
		}
		return scored[a] < scored[b]
	})

	keep := make(map[int]struct{}, target)
	for _, idx := range scored[:target] {
		keep[idx] = struct{}{}
	}
	return keep, result, warnings, nil
}
