package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/duskforge/undercity/pkg/state"
	"github.com/duskforge/undercity/pkg/worker"
)

func TestRecoverFindsRunningTaskWithoutCheckpoint(t *testing.T) {
	repo := t.TempDir()
	require := assert.New(t)

	a := Assignment{TaskID: "t1", Status: "running", AssignedAt: time.Now().UTC()}
	require.NoError(state.WriteJSON(assignmentPath(repo, "t1"), a))

	summary := Recover(context.Background(), repo, []string{"t1"})
	assert.Equal(t, []string{"t1"}, summary.ToResume)
	assert.Empty(t, summary.WithCheckpoint)
}

func TestRecoverFindsRunningTaskWithCheckpoint(t *testing.T) {
	repo := t.TempDir()
	require := assert.New(t)

	a := Assignment{TaskID: "t2", Status: "running", AssignedAt: time.Now().UTC()}
	require.NoError(state.WriteJSON(assignmentPath(repo, "t2"), a))
	require.NoError(state.WriteJSON(checkpointPath(repo, "t2"), worker.Checkpoint{Task: worker.Task{ID: "t2"}}))

	summary := Recover(context.Background(), repo, []string{"t2"})
	assert.Equal(t, []string{"t2"}, summary.ToResume)
	assert.Equal(t, []string{"t2"}, summary.WithCheckpoint)
}

func TestRecoverIgnoresTerminalTasks(t *testing.T) {
	repo := t.TempDir()
	require := assert.New(t)

	a := Assignment{TaskID: "t3", Status: "complete"}
	require.NoError(state.WriteJSON(assignmentPath(repo, "t3"), a))

	summary := Recover(context.Background(), repo, []string{"t3"})
	assert.Empty(t, summary.ToResume)
}

func TestRecoverIgnoresMissingAssignment(t *testing.T) {
	repo := t.TempDir()
	summary := Recover(context.Background(), repo, []string{"ghost"})
	assert.Empty(t, summary.ToResume)
}

func TestRecoverySummaryString(t *testing.T) {
	s := RecoverySummary{ToResume: []string{"a", "b"}, WithCheckpoint: []string{"a"}}
	assert.Equal(t, "2 tasks to resume (1 with checkpoints)", s.String())
}
