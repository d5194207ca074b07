package pruning

import (
	"regexp"
	"strings"
)

// GoalHintConfig controls deterministic goal hint derivation.
type GoalHintConfig struct {
	DefaultGoalHint string
	MaxLines        int
	MaxChars        int
	PlanMarkers     []string
}

// DefaultGoalHintConfig returns the standard derivation settings.
func DefaultGoalHintConfig() GoalHintConfig {
	return GoalHintConfig{
		DefaultGoalHint: "objectif principal",
		MaxLines:        3,
		MaxChars:        280,
		PlanMarkers:     []string{"plan", "todo", "mission", "objectif", "objectifs", "next step", "next steps"},
	}
}

var (
	bulletRe     = regexp.MustCompile(`^\s*(?:[-*•]|\d+\.|\d+\))\s+(.*?)\s*$`)
	whitespaceRe = regexp.MustCompile(`\s+`)
)

// DeriveGoalHint derives a pruning query from the conversation. Order:
// plan/TODO/mission lines if present, else the last non-empty user
// string, else the configured default. Purely deterministic, no I/O.
func DeriveGoalHint(messages []map[string]any, cfg GoalHintConfig) string {
	if cfg.MaxLines < 1 {
		cfg.MaxLines = 1
	}
	if cfg.DefaultGoalHint == "" {
		cfg.DefaultGoalHint = "objectif principal"
	}

	if plan := extractPlanLines(messages, cfg); len(plan) > 0 {
		return finalizeHint(strings.Join(plan, "\n"), cfg)
	}
	if last := lastUserText(messages); last != "" {
		return finalizeHint(last, cfg)
	}
	return finalizeHint(cfg.DefaultGoalHint, cfg)
}

func extractPlanLines(messages []map[string]any, cfg GoalHintConfig) []string {
	var textBlocks []string
	for _, msg := range messages {
		role, _ := msg["role"].(string)
		if role != "user" && role != "assistant" && role != "system" {
			continue
		}
		if content, ok := msg["content"].(string); ok && strings.TrimSpace(content) != "" {
			textBlocks = append(textBlocks, content)
		}
	}
	if len(textBlocks) == 0 {
		return nil
	}

	markerAlt := make([]string, 0, len(cfg.PlanMarkers))
	for _, m := range cfg.PlanMarkers {
		markerAlt = append(markerAlt, regexp.QuoteMeta(m))
	}
	markerRe := regexp.MustCompile(`(?i)^\s*(?:` + strings.Join(markerAlt, "|") + `)\s*[:\-–—]?\s*$`)

	var out []string
	inPlanSection := false

	for _, raw := range strings.Split(strings.Join(textBlocks, "\n"), "\n") {
		ln := strings.TrimSpace(raw)
		if ln == "" {
			// A blank line ends the plan section to keep behavior stable.
			inPlanSection = false
			continue
		}

		if markerRe.MatchString(ln) {
			inPlanSection = true
			continue
		}

		if !inPlanSection {
			// Inline marker (e.g. "Plan: ...")
			matched := false
			for _, m := range cfg.PlanMarkers {
				prefix := strings.ToLower(m) + ":"
				if strings.HasPrefix(strings.ToLower(ln), prefix) {
					if value := strings.TrimSpace(ln[len(prefix):]); value != "" {
						out = append(out, value)
					}
					inPlanSection = true
					matched = true
					break
				}
			}
			if matched || len(out) > 0 {
				if len(out) >= cfg.MaxLines {
					break
				}
				continue
			}
		}

		if inPlanSection {
			if m := bulletRe.FindStringSubmatch(ln); m != nil {
				if item := strings.TrimSpace(m[1]); item != "" {
					out = append(out, item)
				}
			} else {
				out = append(out, ln)
			}
		}

		if len(out) >= cfg.MaxLines {
			break
		}
	}

	var cleaned []string
	for _, ln := range out {
		ln2 := strings.TrimSpace(whitespaceRe.ReplaceAllString(ln, " "))
		if ln2 == "" {
			continue
		}
		dup := false
		for _, existing := range cleaned {
			if existing == ln2 {
				dup = true
				break
			}
		}
		if !dup {
			cleaned = append(cleaned, ln2)
		}
	}
	if len(cleaned) > cfg.MaxLines {
		cleaned = cleaned[:cfg.MaxLines]
	}
	return cleaned
}

func lastUserText(messages []map[string]any) string {
	for i := len(messages) - 1; i >= 0; i-- {
		msg := messages[i]
		if role, _ := msg["role"].(string); role != "user" {
			continue
		}
		if content, ok := msg["content"].(string); ok {
			if trimmed := strings.TrimSpace(content); trimmed != "" {
				return trimmed
			}
		}
	}
	return ""
}

func finalizeHint(value string, cfg GoalHintConfig) string {
	cleaned := strings.TrimSpace(whitespaceRe.ReplaceAllString(value, " "))
	if cleaned == "" {
		return cfg.DefaultGoalHint
	}
	if cfg.MaxChars > 0 && len(cleaned) > cfg.MaxChars {
		return strings.TrimRight(cleaned[:cfg.MaxChars], " ")
	}
	return cleaned
}
