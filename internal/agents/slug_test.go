package agents

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSlugifyBasicRules(t *testing.T) {
	require.Equal(t, "test-123", Slugify("TEST-123"))
	require.Equal(t, "add-x-feature", Slugify("Add_X Feature"))
}

func TestSlugifyIsIdempotent(t *testing.T) {
	once := Slugify("  Weird!! Issue__Key  ")
	twice := Slugify(once)
	require.Equal(t, once, twice)
}

func TestSlugifyTrimsTo50Chars(t *testing.T) {
	long := "this-is-a-very-long-issue-title-that-keeps-going-and-going-and-going"
	s := Slugify(long)
	require.LessOrEqual(t, len(s), 50)
}

func TestPlanPathSubstitutesDateAndSlug(t *testing.T) {
	now := time.Date(2026, 1, 18, 0, 0, 0, 0, time.UTC)
	path := PlanPath("/work", DefaultPlanPathPattern, "TEST-123", now)
	require.Equal(t, "/work/docs/plans/2026-01-18-test-123.md", path)
}
