package scheduler

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
	"github.com/duskforge/undercity/pkg/worker"
	"github.com/duskforge/undercity/pkg/worktree"
)

// completingAgent reports a single clean run with no writes and a
// completion marker, so the worker loop terminates immediately.
type completingAgent struct{}

func (completingAgent) Run(ctx context.Context, workDir string, briefing briefer.Briefing, tracker *agentsdk.WriteTracker) (worker.AttemptOutcome, error) {
	return worker.AttemptOutcome{FinalText: "TASK_ALREADY_COMPLETE: nothing to do"}, nil
}

type completingVerifier struct{}

func (completingVerifier) Run(ctx context.Context, dir, baseCommit string, checks []verifier.Check) verifier.Result {
	return verifier.Result{Passed: true}
}

func newCompletingWorker(repo string) WorkerFactory {
	return func(task worker.Task) *worker.Worker {
		return &worker.Worker{
			RepoRoot: repo,
			Cfg:      worker.DefaultConfig(),
			Agent:    &completingAgent{},
			Verifier: &completingVerifier{},
			Ledger:   ledger.Ledger{Entries: map[string]map[constants.ModelTier]ledger.Counters{}},
			FixStore: fixstore.Store{Version: constants.StateSchemaVersion, Patterns: map[string]fixstore.Pattern{}},
		}
	}
}

type fakeWorktrees struct {
	created []string
	removed []string
}

func (f *fakeWorktrees) Create(ctx context.Context, taskID, label, baseBranch string) (*worktree.Worktree, error) {
	f.created = append(f.created, taskID)
	return &worktree.Worktree{TaskID: taskID, Path: "/tmp/wt-" + taskID}, nil
}

func (f *fakeWorktrees) Remove(ctx context.Context, path string) error {
	f.removed = append(f.removed, path)
	return nil
}

func TestSchedulerRunAllDrivesEveryTaskToCompletion(t *testing.T) {
	repo := t.TempDir()
	fw := &fakeWorktrees{}

	specs := []TaskSpec{
		{ID: "t1", TouchedFiles: []string{"a.go"}},
		{ID: "t2", TouchedFiles: []string{"b.go"}},
	}
	objectives := map[string]worker.Task{
		"t1": {ID: "t1", Objective: "fix a"},
		"t2": {ID: "t2", Objective: "fix b"},
	}

	s := New(repo, 4, newCompletingWorker(repo))
	s.Worktrees = fw

	results := s.RunAll(context.Background(), specs, objectives)

	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, worker.StatusComplete, r.Status)
	}
	assert.ElementsMatch(t, []string{"t1", "t2"}, fw.created)
	// completed tasks hand their worktree to the merge queue rather than
	// having the scheduler reclaim it immediately.
	assert.Empty(t, fw.removed)
}

func TestSchedulerRunAllReportsWorktreeFailure(t *testing.T) {
	repo := t.TempDir()
	failing := &failingWorktrees{}

	specs := []TaskSpec{{ID: "t1"}}
	objectives := map[string]worker.Task{"t1": {ID: "t1", Objective: "fix a"}}

	s := New(repo, 4, newCompletingWorker(repo))
	s.Worktrees = failing

	results := s.RunAll(context.Background(), specs, objectives)
	require.Len(t, results, 1)
	assert.Equal(t, worker.StatusFailed, results[0].Status)
	assert.Contains(t, results[0].FailureReason, "worktree creation failed")
}

type failingAgent struct{}

func (failingAgent) Run(ctx context.Context, workDir string, briefing briefer.Briefing, tracker *agentsdk.WriteTracker) (worker.AttemptOutcome, error) {
	return worker.AttemptOutcome{FinalText: "no idea what to change here"}, nil
}

func newFailingWorker(repo string) WorkerFactory {
	return func(task worker.Task) *worker.Worker {
		return &worker.Worker{
			RepoRoot: repo,
			Cfg:      worker.DefaultConfig(),
			Agent:    &failingAgent{},
			Verifier: &completingVerifier{},
			Ledger:   ledger.Ledger{Entries: map[string]map[constants.ModelTier]ledger.Counters{}},
			FixStore: fixstore.Store{Version: constants.StateSchemaVersion, Patterns: map[string]fixstore.Pattern{}},
		}
	}
}

func TestSchedulerRunAllReclaimsWorktreeForNonCompleteTask(t *testing.T) {
	repo := t.TempDir()
	fw := &fakeWorktrees{}

	specs := []TaskSpec{{ID: "t1"}}
	objectives := map[string]worker.Task{"t1": {ID: "t1", Objective: "fix a"}}

	s := New(repo, 4, newFailingWorker(repo))
	s.Worktrees = fw

	results := s.RunAll(context.Background(), specs, objectives)
	require.Len(t, results, 1)
	assert.NotEqual(t, worker.StatusComplete, results[0].Status)
	assert.Len(t, fw.removed, 1)
}

type failingWorktrees struct{}

func (failingWorktrees) Create(ctx context.Context, taskID, label, baseBranch string) (*worktree.Worktree, error) {
	return nil, assertErr{}
}
func (failingWorktrees) Remove(ctx context.Context, path string) error { return nil }

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
