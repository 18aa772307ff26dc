package agents

import (
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

var slugNonAlnum = regexp.MustCompile(`[^a-z0-9-]+`)
var slugDashes = regexp.MustCompile(`-+`)

// Slugify lowercases s, turns spaces and underscores into dashes, strips
// anything else that isn't alphanumeric-or-dash, collapses repeats, trims
// leading/trailing dashes, and caps the result at 50 characters. It is
// idempotent: Slugify(Slugify(s)) == Slugify(s).
func Slugify(s string) string {
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, " ", "-")
	s = strings.ReplaceAll(s, "_", "-")
	s = slugNonAlnum.ReplaceAllString(s, "")
	s = slugDashes.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if len(s) > 50 {
		s = s[:50]
		s = strings.Trim(s, "-")
	}
	return s
}

// PlanPath renders workingDir/planPathPattern with date and issueKey
// substituted, matching the plan file path pattern:
// workingDir/plan_path_pattern.format(date=YYYY-MM-DD, issue_key=slugified_issue_id).
// planPathPattern uses literal {date} and {issueKey} placeholders, replaced
// by plain string substitution.
func PlanPath(workingDir, planPathPattern, issueID string, now time.Time) string {
	rel := strings.NewReplacer(
		"{date}", now.Format("2006-01-02"),
		"{issueKey}", Slugify(issueID),
	).Replace(planPathPattern)
	return filepath.Join(workingDir, rel)
}

// DefaultPlanPathPattern is used when a profile does not override it.
const DefaultPlanPathPattern = "docs/plans/{date}-{issueKey}.md"
