package pruner

import (
	"regexp"
	"strings"
)

var structuralRe = regexp.MustCompile(`^(\s*(def|class)\s+|\s*import\s+|\s*from\s+.+\s+import\s+)`)

// heuristicKeepSet selects the lines the heuristic backend keeps:
// head and tail blocks, structural lines, goal-keyword matches and,
// for logs, error-looking lines. Invariants against over-pruning are
// enforced by topping up with head-order lines.
func heuristicKeepSet(lines []string, goalHint, sourceType string, maxPruneRatio float64, minKeepLines int) map[int]struct{} {
	n := len(lines)
	keep := make(map[int]struct{})
	if n == 0 {
		return keep
	}

	keywords := goalKeywords(goalHint, 8)

	head := 30
	if head > n {
		head = n
	}
	tail := 30
	if tail > n {
		tail = n
	}
	for i := 0; i < head; i++ {
		keep[i] = struct{}{}
	}
	for i := n - tail; i < n; i++ {
		keep[i] = struct{}{}
	}

	for idx, line := range lines {
		if structuralRe.MatchString(line) {
			keep[idx] = struct{}{}
			continue
		}

		low := strings.ToLower(line)
		matched := false
		for _, k := range keywords {
			if strings.Contains(low, k) {
				keep[idx] = struct{}{}
				matched = true
				break
			}
		}
		if matched {
			continue
		}

		if sourceType == "logs" {
			if strings.Contains(low, "error") || strings.Contains(low, "exception") || strings.Contains(low, "traceback") {
				keep[idx] = struct{}{}
			}
		}
	}

	target := keepTarget(n, maxPruneRatio, minKeepLines)
	for i := 0; i < n && len(keep) < target; i++ {
		keep[i] = struct{}{}
	}

	return keep
}
