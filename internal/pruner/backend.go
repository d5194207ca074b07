package pruner

import (
	"context"
	"errors"
	"time"

	"github.com/ki2pixel/kimiproxy/internal/tokens"

	. "github.com/ki2pixel/kimiproxy/internal/logging"
)

// pruneOptions are the validated prune_text options.
type pruneOptions struct {
	MaxPruneRatio  float64
	MinKeepLines   int
	TimeoutMs      int
	AnnotateLines  bool
	IncludeMarkers bool
}

// pruneResult is one backend run, before prune-id stamping.
type pruneResult struct {
	prunedText  string // carries pendingPruneID in markers
	annotations []map[string]any
	stats       map[string]any
	warnings    []string
}

// costPerMillionTokens is the flat rate used for the dashboard-only
// savings estimate.
const costPerMillionTokens = 0.60

// runBackend executes the configured backend over the input and
// returns an unstamped result. DeepInfra failures degrade to the
// heuristic with used_fallback=true and structured warnings.
func (s *Server) runBackend(ctx context.Context, text, goalHint, sourceType string, opts pruneOptions) *pruneResult {
	started := time.Now()
	lines := splitLines(text)
	n := len(lines)

	backend := s.cfg.Backend
	var keep map[int]struct{}
	var warnings []string
	stats := map[string]any{"backend": backend}

	usedFallback := false

	if backend == "deepinfra" {
		keepSet, rerank, diWarnings, err := s.deepInfraPrune(ctx, lines, goalHint, opts)
		warnings = append(warnings, diWarnings...)
		if err != nil {
			usedFallback = true
			warnings = append(warnings, "deepinfra_error")
			var diErr *deepInfraError
			if errors.As(err, &diErr) {
				warnings = append(warnings, diErr.code)
				if diErr.httpStatus != 0 {
					stats["deepinfra_http_status"] = diErr.httpStatus
				}
			}
			L_warn("pruner: deepinfra failed, falling back to heuristic", "error", err)
			keep = heuristicKeepSet(lines, goalHint, sourceType, opts.MaxPruneRatio, opts.MinKeepLines)
		} else {
			keep = keepSet
			stats["deepinfra_latency_ms"] = rerank.elapsedMs
			stats["deepinfra_docs_scored"] = len(rerank.scoresByIndex)
			stats["deepinfra_docs_total"] = n
			stats["deepinfra_http_status"] = 200
			stats["deepinfra_cached"] = false
		}
	} else {
		keep = heuristicKeepSet(lines, goalHint, sourceType, opts.MaxPruneRatio, opts.MinKeepLines)
	}

	prunedText, annotations := reconstruct(lines, keep, goalHint, opts.AnnotateLines, opts.IncludeMarkers)

	kept := len(keep)
	pruned := n - kept
	ratio := 0.0
	if n > 0 {
		ratio = float64(pruned) / float64(n)
	}

	estimator := tokens.Get()
	before := estimator.Count(text)
	after := estimator.Count(prunedText)
	saved := before - after
	if saved < 0 {
		saved = 0
	}

	stats["original_lines"] = n
	stats["kept_lines"] = kept
	stats["pruned_lines"] = pruned
	stats["pruned_ratio"] = ratio
	stats["tokens_est_before"] = before
	stats["tokens_est_after"] = after
	stats["tokens_saved_est"] = saved
	stats["cost_estimated_usd"] = float64(saved) * costPerMillionTokens / 1e6
	stats["elapsed_ms"] = int(time.Since(started).Milliseconds())
	stats["used_fallback"] = usedFallback

	if warnings == nil {
		warnings = []string{}
	}
	if annotations == nil {
		annotations = []map[string]any{}
	}

	return &pruneResult{
		prunedText:  prunedText,
		annotations: annotations,
		stats:       stats,
		warnings:    warnings,
	}
}

// deepInfraPrune builds the client from env and runs the rerank-based
// selection. The deadline is bounded by the configured client timeout.
func (s *Server) deepInfraPrune(ctx context.Context, lines []string, goalHint string, opts pruneOptions) (map[int]struct{}, *rerankResult, []string, error) {
	client, err := NewDeepInfraClientFromEnv(s.cfg.DeepInfraTimeout, s.cfg.DeepInfraMaxDocs)
	if err != nil {
		return nil, nil, nil, err
	}
	return deepInfraKeepSet(ctx, client, lines, goalHint, opts.MaxPruneRatio, opts.MinKeepLines)
}

// splitLines mirrors the line splitting used for storage and recovery:
// no trailing empty line for newline-terminated input.
func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	var lines []string
	start := 0
	for i := 0; i < len(text); i++ {
		if text[i] == '\n' {
			line := text[start:i]
			if len(line) > 0 && line[len(line)-1] == '\r' {
				line = line[:len(line)-1]
			}
			lines = append(lines, line)
			start = i + 1
		}
	}
	if start < len(text) {
		lines = append(lines, text[start:])
	}
	return lines
}
