package worker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duskforge/undercity/pkg/agentsdk"
	"github.com/duskforge/undercity/pkg/briefer"
	"github.com/duskforge/undercity/pkg/constants"
	"github.com/duskforge/undercity/pkg/fixstore"
	"github.com/duskforge/undercity/pkg/ledger"
	"github.com/duskforge/undercity/pkg/verifier"
)

// fakeAgent replays a canned sequence of outcomes, one per call, holding
// the last one for any call beyond the sequence's length.
type fakeAgent struct {
	outcomes []AttemptOutcome
	calls    int
}

func (f *fakeAgent) Run(ctx context.Context, workDir string, briefing briefer.Briefing, tracker *agentsdk.WriteTracker) (AttemptOutcome, error) {
	idx := f.calls
	if idx >= len(f.outcomes) {
		idx = len(f.outcomes) - 1
	}
	f.calls++
	out := f.outcomes[idx]
	for _, file := range out.FilesChanged {
		tracker.Observe(agentsdk.ToolUse{Name: "Edit", Input: map[string]any{"file_path": file}})
	}
	return out, nil
}

type fakeVerifier struct {
	results []verifier.Result
	calls   int
}

func (f *fakeVerifier) Run(ctx context.Context, dir, baseCommit string, checks []verifier.Check) verifier.Result {
	idx := f.calls
	if idx >= len(f.results) {
		idx = len(f.results) - 1
	}
	f.calls++
	return f.results[idx]
}

func newTestWorker(t *testing.T, agent AgentRunner, ver VerifierRunner) *Worker {
	t.Helper()
	dir := t.TempDir()
	w := &Worker{
		RepoRoot: dir,
		Cfg:      DefaultConfig(),
		Agent:    agent,
		Verifier: ver,
		Ledger:   ledger.Ledger{Entries: map[string]map[constants.ModelTier]ledger.Counters{}},
		FixStore: fixstore.Store{Version: constants.StateSchemaVersion, Patterns: map[string]fixstore.Pattern{}},
	}
	return w
}

func TestRunCompletesOnFirstPass(t *testing.T) {
	agent := &fakeAgent{outcomes: []AttemptOutcome{{FinalText: "done", FilesChanged: []string{"a.go"}}}}
	ver := &fakeVerifier{results: []verifier.Result{{Passed: true, FilesChanged: []string{"a.go"}}}}
	w := newTestWorker(t, agent, ver)

	task := Task{ID: "t1", Objective: "fix widget bug", Tier: constants.TierLow, WorktreePath: t.TempDir()}
	result := w.Run(context.Background(), task)

	assert.Equal(t, StatusComplete, result.Status)
	assert.Equal(t, 1, result.Attempts)
}

func TestRunReportsTaskAlreadyCompleteWhenMarkerFiresWithNoDiff(t *testing.T) {
	agent := &fakeAgent{outcomes: []AttemptOutcome{{FinalText: "TASK_ALREADY_COMPLETE: already fixed"}}}
	ver := &fakeVerifier{results: []verifier.Result{{Passed: true}}}
	w := newTestWorker(t, agent, ver)

	task := Task{ID: "t2", Objective: "fix widget bug", Tier: constants.TierLow, WorktreePath: t.TempDir()}
	result := w.Run(context.Background(), task)

	assert.Equal(t, StatusComplete, result.Status)
}

func TestRunRetriesThenSucceeds(t *testing.T) {
	agent := &fakeAgent{outcomes: []AttemptOutcome{
		{FinalText: "attempt 1", FilesChanged: []string{"a.go"}},
		{FinalText: "attempt 2", FilesChanged: []string{"a.go"}},
	}}
	ver := &fakeVerifier{results: []verifier.Result{
		{Passed: false, Issues: []verifier.Issue{{Category: verifier.CategoryLint, Message: "unused import"}}},
		{Passed: true, FilesChanged: []string{"a.go"}},
	}}
	w := newTestWorker(t, agent, ver)

	task := Task{ID: "t3", Objective: "fix widget bug", Tier: constants.TierLow, WorktreePath: t.TempDir()}
	result := w.Run(context.Background(), task)

	require.Equal(t, StatusComplete, result.Status)
	assert.Equal(t, 2, result.Attempts)
}

func TestRunFailsFastOnFileThrashing(t *testing.T) {
	// A single attempt rewriting the same file 5 times (within one agent
	// execution) trips the per-file thrashing threshold immediately.
	agent := &fakeAgent{outcomes: []AttemptOutcome{
		{FinalText: "working", FilesChanged: []string{"a.go", "a.go", "a.go", "a.go", "a.go"}},
	}}
	ver := &fakeVerifier{results: []verifier.Result{
		{Passed: false, Issues: []verifier.Issue{{Category: verifier.CategoryBuild, Message: "build still broken"}}},
	}}
	w := newTestWorker(t, agent, ver)
	w.Cfg.MaxWritesPerFile = 5

	task := Task{ID: "t4", Objective: "fix widget bug", Tier: constants.TierLow, WorktreePath: t.TempDir()}
	result := w.Run(context.Background(), task)

	assert.Equal(t, StatusFailed, result.Status)
	assert.Contains(t, result.FailureReason, "thrashing")
}

func TestRunEscalatesVagueTaskAfterThreeNoWriteAttempts(t *testing.T) {
	agent := &fakeAgent{outcomes: []AttemptOutcome{
		{FinalText: "thinking"},
		{FinalText: "still thinking"},
		{FinalText: "hmm"},
	}}
	ver := &fakeVerifier{results: []verifier.Result{{Passed: true}}}
	w := newTestWorker(t, agent, ver)

	task := Task{ID: "t5", Objective: "fix widget bug", Tier: constants.TierLow, WorktreePath: t.TempDir()}
	result := w.Run(context.Background(), task)

	assert.Equal(t, StatusNeedsDecomposition, result.Status)
	assert.Contains(t, result.FailureReason, "VAGUE_TASK")
}

func TestRunReturnsFailedOnInvalidTarget(t *testing.T) {
	agent := &fakeAgent{outcomes: []AttemptOutcome{{FinalText: "INVALID_TARGET: file does not exist"}}}
	ver := &fakeVerifier{results: []verifier.Result{{Passed: true}}}
	w := newTestWorker(t, agent, ver)

	task := Task{ID: "t6", Objective: "fix widget bug", Tier: constants.TierLow, WorktreePath: t.TempDir()}
	result := w.Run(context.Background(), task)

	assert.Equal(t, StatusFailed, result.Status)
	assert.Contains(t, result.FailureReason, "invalid target")
}

func TestResumeReturnsNotOkForFreshTask(t *testing.T) {
	w := newTestWorker(t, &fakeAgent{}, &fakeVerifier{})
	_, ok := w.Resume("never-seen")
	assert.False(t, ok)
}

func TestRunCommitsAfterReviewPassConverges(t *testing.T) {
	agent := &fakeAgent{outcomes: []AttemptOutcome{
		{FinalText: "done", FilesChanged: []string{"a.go"}},
		{FinalText: "looks good"},
	}}
	ver := &fakeVerifier{results: []verifier.Result{
		{Passed: true, FilesChanged: []string{"a.go"}},
		{Passed: true},
	}}
	w := newTestWorker(t, agent, ver)
	w.Cfg.ReviewPassesPerTier = 1
	w.Cfg.ReviewPassesTopTier = 1

	task := Task{ID: "t7", Objective: "fix widget bug", Tier: constants.TierLow, WorktreePath: t.TempDir()}
	result := w.Run(context.Background(), task)

	assert.Equal(t, StatusComplete, result.Status)
	assert.Equal(t, 1, result.Attempts)
	assert.Equal(t, 2, agent.calls)
	assert.Equal(t, 2, ver.calls)
}

func TestRunFailsWhenReviewPassNeverConverges(t *testing.T) {
	agent := &fakeAgent{outcomes: []AttemptOutcome{
		{FinalText: "done", FilesChanged: []string{"a.go"}},
		{FinalText: "still not right"},
	}}
	ver := &fakeVerifier{results: []verifier.Result{
		{Passed: true, FilesChanged: []string{"a.go"}},
		{Passed: false, Issues: []verifier.Issue{{Category: verifier.CategoryLint, Message: "still broken"}}},
	}}
	w := newTestWorker(t, agent, ver)
	w.Cfg.ReviewPassesPerTier = 0
	w.Cfg.ReviewPassesTopTier = 1

	task := Task{ID: "t8", Objective: "fix widget bug", Tier: constants.TierTop, WorktreePath: t.TempDir()}
	w.Cfg.MaxRetriesAtTopTier = 0
	result := w.Run(context.Background(), task)

	assert.Equal(t, StatusFailed, result.Status)
	assert.Contains(t, result.FailureReason, "max retries at final tier")
	assert.Equal(t, 1, result.Attempts)
}
