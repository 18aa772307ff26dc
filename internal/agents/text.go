package agents

import "regexp"

var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// StripANSI removes terminal escape sequences so output-pattern matching
// operates on visible text only.
func StripANSI(s string) string {
	return ansiEscape.ReplaceAllString(s, "")
}

var goalLine = regexp.MustCompile(`(?m)\*\*Goal:\*\*\s*(.+)$`)

// ExtractGoalHeuristic extracts the goal line from plan markdown by
// regex-matching "**Goal:**" anywhere in the document. Callers should prefer
// a schema-extracted goal over this heuristic when both are available.
func ExtractGoalHeuristic(planMarkdown string) (string, bool) {
	m := goalLine.FindStringSubmatch(planMarkdown)
	if m == nil {
		return "", false
	}
	return m[1], true
}
