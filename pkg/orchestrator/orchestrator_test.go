package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duskforge/undercity/pkg/agentsdk"
	"github.com/duskforge/undercity/pkg/briefer"
	"github.com/duskforge/undercity/pkg/config"
	"github.com/duskforge/undercity/pkg/mergequeue"
	"github.com/duskforge/undercity/pkg/worker"
	"github.com/duskforge/undercity/pkg/worktree"
)

type fakePlanner struct {
	plan Plan
	err  error
}

func (f fakePlanner) GeneratePlan(ctx context.Context, goal string) (Plan, error) {
	return f.plan, f.err
}

func twoTaskPlan() Plan {
	return Plan{Tasks: []PlannedTask{
		{ID: "t1", Objective: "fix a", Priority: 1},
		{ID: "t2", Objective: "fix b", Priority: 1},
	}}
}

// completingAgent reports immediate completion with no writes.
type completingAgent struct{}

func (completingAgent) Run(ctx context.Context, workDir string, briefing briefer.Briefing, tracker *agentsdk.WriteTracker) (worker.AttemptOutcome, error) {
	return worker.AttemptOutcome{FinalText: "TASK_ALREADY_COMPLETE: nothing to do"}, nil
}

// vagueAgent never writes anything and emits no marker, driving every
// task to StatusNeedsDecomposition via the stop gate's VAGUE_TASK fail-fast.
type vagueAgent struct{}

func (vagueAgent) Run(ctx context.Context, workDir string, briefing briefer.Briefing, tracker *agentsdk.WriteTracker) (worker.AttemptOutcome, error) {
	return worker.AttemptOutcome{FinalText: "I'm not sure what you want me to change."}, nil
}

// tempWorktrees hands out real (but non-git) temp directories so the
// merge queue's git subprocess calls fail cleanly rather than erroring
// on a missing chdir target.
type tempWorktrees struct {
	t        *testing.T
	created  []string
	removed  []string
}

func (f *tempWorktrees) Create(ctx context.Context, taskID, label, baseBranch string) (*worktree.Worktree, error) {
	f.created = append(f.created, taskID)
	return &worktree.Worktree{TaskID: taskID, Path: f.t.TempDir()}, nil
}

func (f *tempWorktrees) Remove(ctx context.Context, path string) error {
	f.removed = append(f.removed, path)
	return nil
}

func newTestOrchestrator(t *testing.T, planner PlanGenerator, agent worker.AgentRunner) *Orchestrator {
	repo := t.TempDir()
	o := New(repo, config.Default(), planner, agent, nil)
	o.Scheduler.Worktrees = &tempWorktrees{t: t}
	return o
}

func TestStartCreatesNewRaidAwaitingApproval(t *testing.T) {
	o := newTestOrchestrator(t, fakePlanner{plan: twoTaskPlan()}, completingAgent{})

	raid, err := o.Start(context.Background(), "fix the thing")
	require.NoError(t, err)
	assert.Equal(t, RaidAwaitingApproval, raid.Status)
	assert.Len(t, raid.Tasks, 2)
	assert.False(t, raid.PlanApproved)
}

func TestStartResumesExistingRaid(t *testing.T) {
	o := newTestOrchestrator(t, fakePlanner{plan: twoTaskPlan()}, completingAgent{})

	first, err := o.Start(context.Background(), "fix the thing")
	require.NoError(t, err)

	second, err := o.Start(context.Background(), "a completely different goal")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.Goal, second.Goal)
}

func TestApprovePlanWithNoActiveRaidFails(t *testing.T) {
	o := newTestOrchestrator(t, fakePlanner{plan: twoTaskPlan()}, completingAgent{})
	_, err := o.ApprovePlan(context.Background())
	assert.ErrorIs(t, err, ErrNoActiveRaid)
}

func TestApprovePlanTwiceRejectsWrongPhase(t *testing.T) {
	o := newTestOrchestrator(t, fakePlanner{plan: twoTaskPlan()}, completingAgent{})
	_, err := o.Start(context.Background(), "fix things")
	require.NoError(t, err)

	_, err = o.ApprovePlan(context.Background())
	require.NoError(t, err)

	_, err = o.ApprovePlan(context.Background())
	assert.ErrorIs(t, err, ErrWrongPhase)
}

func TestApprovePlanOnAllCompletingTasksEndsMergingThenTerminal(t *testing.T) {
	o := newTestOrchestrator(t, fakePlanner{plan: twoTaskPlan()}, completingAgent{})
	_, err := o.Start(context.Background(), "fix things")
	require.NoError(t, err)

	raid, err := o.ApprovePlan(context.Background())
	require.NoError(t, err)
	assert.Len(t, raid.Tasks, 2)
	// every task's worktree was handed to the merge queue and reclaimed
	// once the queue finished with it (success or final surrender).
	for _, task := range raid.Tasks {
		assert.NotEqual(t, worker.StatusPending, task.Status)
		assert.NotEqual(t, worker.StatusRunning, task.Status)
	}
}

func TestApprovePlanAllTasksFailYieldsFailedRaid(t *testing.T) {
	plan := Plan{Tasks: []PlannedTask{{ID: "t1", Objective: "do something vague"}}}
	o := newTestOrchestrator(t, fakePlanner{plan: plan}, vagueAgent{})
	_, err := o.Start(context.Background(), "do something vague")
	require.NoError(t, err)

	raid, err := o.ApprovePlan(context.Background())
	require.NoError(t, err)
	require.Len(t, raid.Tasks, 1)
	assert.Equal(t, worker.StatusNeedsDecomposition, raid.Tasks[0].Status)
	assert.Equal(t, RaidFailed, raid.Status)
}

func TestExtractRequiresNoActiveTasks(t *testing.T) {
	o := newTestOrchestrator(t, fakePlanner{plan: twoTaskPlan()}, completingAgent{})
	_, err := o.Start(context.Background(), "fix things")
	require.NoError(t, err)

	_, err = o.Extract(context.Background())
	assert.ErrorIs(t, err, ErrWrongPhase)
}

func TestExtractMovesRaidToStashAndClearsPocket(t *testing.T) {
	o := newTestOrchestrator(t, fakePlanner{plan: twoTaskPlan()}, completingAgent{})
	_, err := o.Start(context.Background(), "fix things")
	require.NoError(t, err)
	_, err = o.ApprovePlan(context.Background())
	require.NoError(t, err)

	raid, err := o.Extract(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RaidComplete, raid.Status)

	status := o.Status()
	assert.Empty(t, status.Raid.ID)

	stash := loadStash(o.RepoRoot)
	require.Len(t, stash.History, 1)
	assert.Equal(t, raid.ID, stash.History[0].RaidID)
}

func TestSurrenderClearsPocketRegardlessOfTaskState(t *testing.T) {
	o := newTestOrchestrator(t, fakePlanner{plan: twoTaskPlan()}, completingAgent{})
	_, err := o.Start(context.Background(), "fix things")
	require.NoError(t, err)

	raid, err := o.Surrender(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RaidFailed, raid.Status)

	status := o.Status()
	assert.Empty(t, status.Raid.ID)
}

func TestStatusReportsNoRaidWhenPocketEmpty(t *testing.T) {
	o := newTestOrchestrator(t, fakePlanner{plan: twoTaskPlan()}, completingAgent{})
	status := o.Status()
	assert.Empty(t, status.Raid.ID)
	assert.False(t, status.Running)
}

func TestFinalRaidStatusAllCompleteIsComplete(t *testing.T) {
	tasks := []worker.Task{{Status: worker.StatusComplete}, {Status: worker.StatusComplete}}
	assert.Equal(t, RaidComplete, finalRaidStatus(tasks))
}

func TestFinalRaidStatusOneFailedIsFailed(t *testing.T) {
	tasks := []worker.Task{{Status: worker.StatusComplete}, {Status: worker.StatusEscalated}}
	assert.Equal(t, RaidFailed, finalRaidStatus(tasks))
}

func TestHasActiveTasksDetectsPendingAndRunning(t *testing.T) {
	assert.True(t, hasActiveTasks([]worker.Task{{Status: worker.StatusPending}}))
	assert.True(t, hasActiveTasks([]worker.Task{{Status: worker.StatusRunning}}))
	assert.False(t, hasActiveTasks([]worker.Task{{Status: worker.StatusComplete}}))
}

func TestIsRequeueOutcomeMatchesPrefix(t *testing.T) {
	requeued := mergequeue.Outcome{TaskID: "t1", Reason: "re-enqueued for retry after repair: rebase: conflict"}
	final := mergequeue.Outcome{TaskID: "t1", Reason: "repair failed: rebase: conflict"}
	assert.True(t, isRequeueOutcome(requeued))
	assert.False(t, isRequeueOutcome(final))
}
