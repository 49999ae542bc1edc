package ledger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duskforge/undercity/pkg/constants"
	"github.com/duskforge/undercity/pkg/testutil"
)

func fixedCost(tier constants.ModelTier) int {
	return constants.TierCost[tier]
}

func TestRecommendDefaultsToMiddleWithFewEntries(t *testing.T) {
	l := empty()
	rec := Recommend(l, "fix the widget bug", fixedCost)
	assert.Equal(t, constants.TierMiddle, rec.Tier)
	assert.Equal(t, 0.3, rec.Confidence)
}

func TestRecommendDefaultsToMiddleWithNoMatchedKeywords(t *testing.T) {
	l := empty()
	for i := 0; i < 10; i++ {
		l = Record(l, Outcome{Objective: "fix bug", Tier: constants.TierMiddle, Success: true})
	}
	rec := Recommend(l, "the quick brown fox", fixedCost)
	assert.Equal(t, constants.TierMiddle, rec.Tier)
	assert.Equal(t, 0.3, rec.Confidence)
}

func TestRecommendPicksHighestExpectedValue(t *testing.T) {
	l := empty()
	// low tier: cheap, high success rate, enough attempts
	for i := 0; i < 5; i++ {
		l = Record(l, Outcome{Objective: "fix the widget", Tier: constants.TierLow, Success: true, Retries: 1})
	}
	// top tier: expensive, high success too, but cost dominates EV
	for i := 0; i < 5; i++ {
		l = Record(l, Outcome{Objective: "fix the widget", Tier: constants.TierTop, Success: true, Retries: 1})
	}
	// pad with unrelated keyword/tier combinations so total ledger entries
	// clears the minEntries gate (the gate counts distinct keyword/tier
	// pairs, not raw attempts).
	l = Record(l, Outcome{Objective: "refactor gadget", Tier: constants.TierMiddle, Success: true})
	l = Record(l, Outcome{Objective: "document gadget", Tier: constants.TierMiddle, Success: true})
	l = Record(l, Outcome{Objective: "test gadget", Tier: constants.TierLow, Success: true})

	rec := Recommend(l, "fix the widget", fixedCost)
	assert.Equal(t, constants.TierLow, rec.Tier)
}

func TestRecommendPicksMiddleWithHighSuccess(t *testing.T) {
	l := empty()
	for i := 0; i < 4; i++ {
		l = Record(l, Outcome{Objective: "fix widget", Tier: constants.TierMiddle, Success: true})
	}
	l = Record(l, Outcome{Objective: "fix widget", Tier: constants.TierMiddle, Success: false})
	l = Record(l, Outcome{Objective: "refactor gadget", Tier: constants.TierMiddle, Success: true})
	l = Record(l, Outcome{Objective: "refactor gadget", Tier: constants.TierLow, Success: true})
	l = Record(l, Outcome{Objective: "document gadget", Tier: constants.TierMiddle, Success: true})
	l = Record(l, Outcome{Objective: "document gadget", Tier: constants.TierTop, Success: true})

	rec := Recommend(l, "fix widget", fixedCost)
	// middle has 5 attempts, 4 successes (80%), 1 failure, 0 escalations: it qualifies for the
	// EV path (>=3 attempts, >=60% success), which returns before the fallback heuristics run.
	assert.Equal(t, constants.TierMiddle, rec.Tier)
}

func TestRecommendConfidenceClampedAt09(t *testing.T) {
	l := empty()
	for i := 0; i < 10; i++ {
		l = Record(l, Outcome{Objective: "fix widget", Tier: constants.TierLow, Success: true, Retries: 1})
	}
	l = Record(l, Outcome{Objective: "refactor gadget", Tier: constants.TierMiddle, Success: true})
	l = Record(l, Outcome{Objective: "refactor gadget", Tier: constants.TierLow, Success: true})
	l = Record(l, Outcome{Objective: "document gadget", Tier: constants.TierMiddle, Success: true})
	l = Record(l, Outcome{Objective: "document gadget", Tier: constants.TierTop, Success: true})

	rec := Recommend(l, "fix widget", fixedCost)
	assert.LessOrEqual(t, rec.Confidence, 0.9)
}

func TestRecordAccumulatesAcrossCalls(t *testing.T) {
	l := empty()
	l = Record(l, Outcome{Objective: "fix widget", Tier: constants.TierMiddle, Success: true, TokenCost: 100, Retries: 1})
	l = Record(l, Outcome{Objective: "fix widget", Tier: constants.TierMiddle, Success: false, TokenCost: 50, Retries: 2, Escalated: true})

	c := l.Entries["fix"][constants.TierMiddle]
	assert.Equal(t, 2, c.Attempts)
	assert.Equal(t, 1, c.Successes)
	assert.Equal(t, 1, c.Escalations)
	assert.Equal(t, int64(150), c.TokenCost)
	assert.Equal(t, 3, c.Retries)
}

func TestRecordIgnoresUnmatchedKeywords(t *testing.T) {
	l := empty()
	l = Record(l, Outcome{Objective: "splonk the frobnicator", Tier: constants.TierMiddle, Success: true})
	assert.Empty(t, l.Entries)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	l := empty()
	l = Record(l, Outcome{Objective: "fix widget", Tier: constants.TierLow, Success: true})

	dir := testutil.TempDir(t, "ledger-*")
	path := filepath.Join(dir, "capability-ledger.json")
	require.NoError(t, Save(path, l))

	loaded := Load(path)
	assert.Equal(t, 1, loaded.Entries["fix"][constants.TierLow].Attempts)
}

func TestLoadMissingFileReturnsEmpty(t *testing.T) {
	dir := testutil.TempDir(t, "ledger-*")
	loaded := Load(filepath.Join(dir, "absent.json"))
	assert.Empty(t, loaded.Entries)
}

func TestLoadCorruptFileReturnsEmpty(t *testing.T) {
	dir := testutil.TempDir(t, "ledger-*")
	path := filepath.Join(dir, "capability-ledger.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	loaded := Load(path)
	assert.Empty(t, loaded.Entries)
}

func TestLoadToleratesUnknownFields(t *testing.T) {
	dir := testutil.TempDir(t, "ledger-*")
	path := filepath.Join(dir, "capability-ledger.json")
	content := `{"version":1,"entries":{"fix":{"middle":{"attempts":1,"successes":1}}},"somethingNew":true}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	loaded := Load(path)
	assert.Equal(t, 1, loaded.Entries["fix"][constants.TierMiddle].Attempts)
}
