package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSelectParallelSetReturnsEmptyWhenNoneReady(t *testing.T) {
	tasks := []TaskSpec{{ID: "a", DependsOn: []string{"b"}}, {ID: "b", DependsOn: []string{"c"}}}
	done := map[string]bool{}
	set := SelectParallelSet(tasks, done, 4)
	// only b's dependency c is unmet and c does not exist as a task, so
	// both a and b are blocked forever in this pathological input;
	// nothing should be selected.
	assert.Empty(t, set.TaskIDs)
}

func TestSelectParallelSetPicksIndependentTasksTogether(t *testing.T) {
	tasks := []TaskSpec{
		{ID: "a", TouchedFiles: []string{"a.go"}, Priority: 1},
		{ID: "b", TouchedFiles: []string{"b.go"}, Priority: 1},
		{ID: "c", TouchedFiles: []string{"c.go"}, Priority: 1},
	}
	set := SelectParallelSet(tasks, map[string]bool{}, 4)
	assert.Len(t, set.TaskIDs, 3)
}

func TestSelectParallelSetExcludesConflictingFiles(t *testing.T) {
	tasks := []TaskSpec{
		{ID: "a", TouchedFiles: []string{"shared.go"}, Priority: 5},
		{ID: "b", TouchedFiles: []string{"shared.go"}, Priority: 1},
		{ID: "c", TouchedFiles: []string{"other.go"}, Priority: 1},
	}
	set := SelectParallelSet(tasks, map[string]bool{}, 4)
	assert.Len(t, set.TaskIDs, 2)
	assert.Contains(t, set.TaskIDs, "c")
	// exactly one of a/b, not both (they conflict on shared.go)
	hasA := contains(set.TaskIDs, "a")
	hasB := contains(set.TaskIDs, "b")
	assert.True(t, hasA != hasB)
}

func TestSelectParallelSetRespectsMaxConcurrency(t *testing.T) {
	tasks := []TaskSpec{
		{ID: "a", TouchedFiles: []string{"a.go"}},
		{ID: "b", TouchedFiles: []string{"b.go"}},
		{ID: "c", TouchedFiles: []string{"c.go"}},
	}
	set := SelectParallelSet(tasks, map[string]bool{}, 2)
	assert.Len(t, set.TaskIDs, 2)
}

func TestSelectParallelSetOnlyConsidersPendingTasks(t *testing.T) {
	tasks := []TaskSpec{
		{ID: "a", TouchedFiles: []string{"a.go"}},
		{ID: "b", TouchedFiles: []string{"b.go"}},
	}
	set := SelectParallelSet(tasks, map[string]bool{"a": true}, 4)
	assert.Equal(t, []string{"b"}, set.TaskIDs)
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}
