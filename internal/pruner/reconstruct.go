package pruner

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// pendingPruneID is the placeholder stamped into markers until the
// final prune id is allocated (and re-stamped on cache hits).
const pendingPruneID = "<pending>"

var keywordRe = regexp.MustCompile(`[A-Za-z0-9_]{4,}`)

// goalKeywords extracts up to max deduplicated lowercase 4+ char
// tokens from a goal hint.
func goalKeywords(goalHint string, max int) []string {
	tokens := keywordRe.FindAllString(strings.ToLower(goalHint), -1)
	var out []string
	for _, t := range tokens {
		dup := false
		for _, existing := range out {
			if existing == t {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		out = append(out, t)
		if len(out) >= max {
			break
		}
	}
	return out
}

// pruneReason renders the marker reason from the goal hint.
func pruneReason(goalHint string) string {
	kws := goalKeywords(goalHint, 1)
	if len(kws) == 0 {
		return "hors focus"
	}
	return "hors focus: " + kws[0]
}

// markerText renders the canonical single-line pruned-block marker.
func markerText(pruneID string, startLine, endLine, count int, reason string) string {
	return fmt.Sprintf("⟦PRUNÉ: prune_id=%s lignes %d-%d (%d) raison=%s⟧", pruneID, startLine, endLine, count, reason)
}

// reconstruct builds the pruned output from the keep set. Kept lines
// appear in original order, optionally prefixed "N│ "; each maximal
// run of pruned lines becomes one annotation and, when requested, one
// marker line. Markers are never line-number prefixed.
func reconstruct(lines []string, keepSet map[int]struct{}, goalHint string, annotateLines, includeMarkers bool) (string, []map[string]any) {
	n := len(lines)
	keptSorted := make([]int, 0, len(keepSet))
	for i := range keepSet {
		keptSorted = append(keptSorted, i)
	}
	sort.Ints(keptSorted)

	reason := pruneReason(goalHint)

	var outLines []string
	var annotations []map[string]any

	emitKept := func(i int) {
		if annotateLines {
			outLines = append(outLines, fmt.Sprintf("%d│ %s", i+1, lines[i]))
		} else {
			outLines = append(outLines, lines[i])
		}
	}

	emitPrunedBlock := func(startIdx, endIdx int) {
		if startIdx > endIdx {
			return
		}
		count := endIdx - startIdx + 1
		marker := markerText(pendingPruneID, startIdx+1, endIdx+1, count, reason)
		annotations = append(annotations, map[string]any{
			"kind":                "pruned_block",
			"original_start_line": startIdx + 1,
			"original_end_line":   endIdx + 1,
			"pruned_line_count":   count,
			"reason":              reason,
			"marker":              marker,
		})
		if includeMarkers {
			outLines = append(outLines, marker)
		}
	}

	if len(keptSorted) == 0 {
		emitPrunedBlock(0, n-1)
		return strings.Join(outLines, "\n"), annotations
	}

	lastKept := -1
	for _, k := range keptSorted {
		if k > lastKept+1 {
			emitPrunedBlock(lastKept+1, k-1)
		}
		emitKept(k)
		lastKept = k
	}
	if lastKept < n-1 {
		emitPrunedBlock(lastKept+1, n-1)
	}

	return strings.Join(outLines, "\n"), annotations
}

// stampPruneID replaces the pending placeholder with the final id in
// both the pruned text and the annotation markers.
func stampPruneID(prunedText string, annotations []map[string]any, pruneID string) (string, []map[string]any) {
	needle := "prune_id=" + pendingPruneID
	replacement := "prune_id=" + pruneID

	stamped := strings.ReplaceAll(prunedText, needle, replacement)

	out := make([]map[string]any, len(annotations))
	for i, ann := range annotations {
		clone := make(map[string]any, len(ann))
		for k, v := range ann {
			clone[k] = v
		}
		if marker, ok := clone["marker"].(string); ok {
			clone["marker"] = strings.ReplaceAll(marker, needle, replacement)
		}
		out[i] = clone
	}
	return stamped, out
}

// keepTarget computes k = max(min_keep_lines, ceil(n*(1-max_prune_ratio))),
// clamped to [0, n].
func keepTarget(nLines int, maxPruneRatio float64, minKeepLines int) int {
	if nLines <= 0 {
		return 0
	}
	ratio := maxPruneRatio
	if ratio < 0 {
		ratio = 0
	}
	if ratio > 1 {
		ratio = 1
	}
	if minKeepLines < 0 {
		minKeepLines = 0
	}

	exact := float64(nLines) * (1.0 - ratio)
	keepByRatio := int(exact)
	if exact > float64(keepByRatio) {
		keepByRatio++
	}

	k := minKeepLines
	if keepByRatio > k {
		k = keepByRatio
	}
	if k > nLines {
		k = nLines
	}
	if k < 0 {
		k = 0
	}
	return k
}
