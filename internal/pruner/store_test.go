package pruner

import (
	"testing"
	"time"
)

func TestStorePutGet(t *testing.T) {
	s := NewStore(10 * time.Minute)
	s.Put("prn_a", []string{"one", "two"})

	got := s.Get("prn_a")
	if len(got) != 2 || got[0] != "one" {
		t.Errorf("Get = %v", got)
	}

	// Returned slice is a copy.
	got[0] = "mutated"
	if s.Get("prn_a")[0] != "one" {
		t.Error("store contents mutated through returned slice")
	}

	if s.Get("prn_missing") != nil {
		t.Error("unknown id should return nil")
	}
}

func TestStoreTTLExpiry(t *testing.T) {
	s := NewStore(time.Second)
	base := time.Unix(1000, 0)
	s.now = func() time.Time { return base }

	s.Put("prn_a", []string{"x"})
	if s.Get("prn_a") == nil {
		t.Fatal("entry should be live")
	}

	s.now = func() time.Time { return base.Add(2 * time.Second) }
	if s.Get("prn_a") != nil {
		t.Error("entry should have expired")
	}
	if s.Len() != 0 {
		t.Errorf("Len = %d after expiry", s.Len())
	}
}

func TestSplitLines(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"a", 1},
		{"a\nb", 2},
		{"a\nb\n", 2},
		{"a\r\nb", 2},
	}
	for _, tt := range tests {
		if got := splitLines(tt.in); len(got) != tt.want {
			t.Errorf("splitLines(%q) = %v, want %d lines", tt.in, got, tt.want)
		}
	}
}

func TestKeepTarget(t *testing.T) {
	tests := []struct {
		n       int
		ratio   float64
		minKeep int
		want    int
	}{
		{80, 0.6, 3, 32},  // ceil(80*0.4) = 32
		{10, 1.0, 0, 0},   // everything prunable
		{10, 1.0, 3, 3},   // min keep wins
		{10, 0.0, 0, 10},  // nothing prunable
		{3, 0.5, 0, 2},    // ceil(1.5) = 2
		{0, 0.5, 5, 0},    // empty input
		{5, 0.5, 99, 5},   // clamped to n
	}
	for _, tt := range tests {
		if got := keepTarget(tt.n, tt.ratio, tt.minKeep); got != tt.want {
			t.Errorf("keepTarget(%d, %v, %d) = %d, want %d", tt.n, tt.ratio, tt.minKeep, got, tt.want)
		}
	}
}

func TestHeuristicKeepsHeadTailStructuralAndKeywords(t *testing.T) {
	lines := make([]string, 100)
	for i := range lines {
		lines[i] = "filler"
	}
	lines[50] = "def compute_total():"
	lines[60] = "the magic keyword appears here"
	lines[70] = "ERROR: something broke"

	keep := heuristicKeepSet(lines, "magic", "logs", 1.0, 0)

	for _, idx := range []int{0, 29, 70, 99, 50, 60} {
		if _, ok := keep[idx]; !ok {
			t.Errorf("line %d should be kept", idx)
		}
	}
	if _, ok := keep[45]; ok {
		t.Error("plain filler in the middle should be pruned")
	}
}

func TestHeuristicLogsKeywordOnlyForLogs(t *testing.T) {
	lines := make([]string, 100)
	for i := range lines {
		lines[i] = "filler"
	}
	lines[50] = "error: broke"

	keepDocs := heuristicKeepSet(lines, "", "docs", 1.0, 0)
	if _, ok := keepDocs[50]; ok {
		t.Error("error lines should not be forced for docs")
	}
	keepLogs := heuristicKeepSet(lines, "", "logs", 1.0, 0)
	if _, ok := keepLogs[50]; !ok {
		t.Error("error lines should be kept for logs")
	}
}

func TestReconstructContiguity(t *testing.T) {
	lines := []string{"a", "b", "c", "d", "e"}
	keep := map[int]struct{}{0: {}, 4: {}}

	text, annotations := reconstruct(lines, keep, "focus things", true, true)

	wantMarker := markerText(pendingPruneID, 2, 4, 3, "hors focus: focus")
	wantText := "1│ a\n" + wantMarker + "\n5│ e"
	if text != wantText {
		t.Errorf("text = %q, want %q", text, wantText)
	}
	if len(annotations) != 1 {
		t.Fatalf("annotations = %v", annotations)
	}
	if annotations[0]["pruned_line_count"] != 3 {
		t.Errorf("pruned_line_count = %v", annotations[0]["pruned_line_count"])
	}
}

func TestReconstructNoMarkers(t *testing.T) {
	lines := []string{"a", "b", "c"}
	keep := map[int]struct{}{0: {}}
	text, annotations := reconstruct(lines, keep, "", false, false)
	if text != "a" {
		t.Errorf("text = %q", text)
	}
	if len(annotations) != 1 {
		t.Errorf("annotations still expected without markers: %v", annotations)
	}
}

func TestGoalKeywordsDedupAndCap(t *testing.T) {
	kws := goalKeywords("alpha beta alpha gamma de1ta short a b c epsilon zeta etaa theta iota kappa", 8)
	if len(kws) > 8 {
		t.Errorf("keywords not capped: %v", kws)
	}
	seen := map[string]bool{}
	for _, k := range kws {
		if seen[k] {
			t.Errorf("duplicate keyword %q", k)
		}
		seen[k] = true
		if len(k) < 4 {
			t.Errorf("short keyword %q", k)
		}
	}
}

func TestCacheLRUEviction(t *testing.T) {
	c := newResultCache(2, time.Minute)
	c.put(&cacheEntry{key: "a"})
	c.put(&cacheEntry{key: "b"})
	c.put(&cacheEntry{key: "c"})

	if c.get("a") != nil {
		t.Error("oldest entry should have been evicted")
	}
	if c.get("b") == nil || c.get("c") == nil {
		t.Error("recent entries should survive")
	}
}
