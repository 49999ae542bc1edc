package scheduler

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/duskforge/undercity/pkg/constants"
	"github.com/duskforge/undercity/pkg/logger"
	"github.com/duskforge/undercity/pkg/ratelimit"
	"github.com/duskforge/undercity/pkg/state"
	"github.com/duskforge/undercity/pkg/worker"
	"github.com/duskforge/undercity/pkg/worktree"
)

var log = logger.New("scheduler:scheduler")

// Assignment is the persisted record of one task's launch: when it
// started, which model tier it began at, and where its worktree lives.
// Recovery reads these back to find crashed running tasks.
type Assignment struct {
	TaskID       string    `json:"taskId"`
	Objective    string    `json:"objective"`
	AssignedAt   time.Time `json:"assignedAt"`
	InitialTier  string    `json:"initialTier"`
	WorktreePath string    `json:"worktreePath"`
	Status       string    `json:"status"`
}

func assignmentPath(repoRoot, taskID string) string {
	return filepath.Join(state.Dir(repoRoot), constants.TasksDirName, taskID, constants.AssignmentFile)
}

func checkpointPath(repoRoot, taskID string) string {
	return filepath.Join(state.Dir(repoRoot), constants.TasksDirName, taskID, constants.CheckpointFile)
}

// WorkerFactory builds the Worker that will run task, given its
// isolated worktree path. Left as a function so orchestrator wiring
// (real agent SDK, real verifier) stays outside this package.
type WorkerFactory func(task worker.Task) *worker.Worker

// WorktreeManager is the subset of pkg/worktree the Scheduler depends
// on, narrowed to an interface so launch/recovery are testable without
// a real git checkout.
type WorktreeManager interface {
	Create(ctx context.Context, taskID, label, baseBranch string) (*worktree.Worktree, error)
	Remove(ctx context.Context, path string) error
}

// Scheduler owns the pool of runnable tasks for one raid.
type Scheduler struct {
	RepoRoot       string
	MaxConcurrency int
	Worktrees      WorktreeManager
	NewWorker      WorkerFactory
}

// New constructs a Scheduler against repoRoot.
func New(repoRoot string, maxConcurrency int, newWorker WorkerFactory) *Scheduler {
	return &Scheduler{
		RepoRoot:       repoRoot,
		MaxConcurrency: maxConcurrency,
		Worktrees:      worktree.NewManager(repoRoot, ""),
		NewWorker:      newWorker,
	}
}

// RunAll drives every task in specs to a terminal status, launching
// parallelizable sets in rounds: each round selects the best batch via
// SelectParallelSet, runs it concurrently through a bounded conc pool,
// then folds newly-done tasks back in before selecting the next round.
// Results are returned in completion order within each round.
func (s *Scheduler) RunAll(ctx context.Context, specs []TaskSpec, objectives map[string]worker.Task) []worker.Task {
	done := map[string]bool{}
	var all []worker.Task

	for {
		batch := SelectParallelSet(specs, done, s.MaxConcurrency)
		if len(batch.TaskIDs) == 0 {
			break
		}

		p := pool.NewWithResults[worker.Task]().WithMaxGoroutines(s.MaxConcurrency)
		for _, id := range batch.TaskIDs {
			id := id
			task := objectives[id]
			p.Go(func() worker.Task {
				return s.launch(ctx, task)
			})
		}
		results := p.Wait()

		for _, r := range results {
			done[r.ID] = true
			all = append(all, r)
		}
	}
	return all
}

// launch creates the task's worktree, persists its assignment record,
// spawns its Worker, and cleans the worktree up once the task reaches a
// terminal status.
func (s *Scheduler) launch(ctx context.Context, task worker.Task) worker.Task {
	if err := ratelimit.Wait(ctx, ratelimit.OperationSchedulerLaunch); err != nil {
		task.Status = worker.StatusFailed
		task.FailureReason = fmt.Sprintf("waiting for launch slot: %v", err)
		return task
	}

	wt, err := s.Worktrees.Create(ctx, task.ID, task.Objective, "")
	if err != nil {
		task.Status = worker.StatusFailed
		task.FailureReason = fmt.Sprintf("worktree creation failed: %v", err)
		return task
	}
	task.WorktreePath = wt.Path

	assignment := Assignment{
		TaskID:       task.ID,
		Objective:    task.Objective,
		AssignedAt:   time.Now().UTC(),
		InitialTier:  string(task.Tier),
		WorktreePath: wt.Path,
		Status:       "running",
	}
	if err := state.WriteJSON(assignmentPath(s.RepoRoot, task.ID), assignment); err != nil {
		log.Printf("assignment persist failed for task %s: %v", task.ID, err)
	}

	w := s.NewWorker(task)
	result := w.Run(ctx, task)

	assignment.Status = string(result.Status)
	if err := state.WriteJSON(assignmentPath(s.RepoRoot, task.ID), assignment); err != nil {
		log.Printf("assignment update failed for task %s: %v", task.ID, err)
	}

	// A task that completed its worker loop still has a worktree holding
	// an unmerged commit; the Merge Queue destroys it once the commit
	// lands (or a repair surrenders). Every other terminal status has
	// nothing worth landing, so its worktree is reclaimed immediately.
	if result.Status != worker.StatusComplete {
		if err := s.Worktrees.Remove(ctx, wt.Path); err != nil {
			log.Printf("worktree cleanup failed for task %s: %v", task.ID, err)
		}
	}
	return result
}

// RecoverySummary reports what a scheduler startup recovery pass found.
type RecoverySummary struct {
	ToResume      []string
	WithCheckpoint []string
}

// String renders the human-readable "N tasks to resume (K with
// checkpoints)" summary.
func (r RecoverySummary) String() string {
	return fmt.Sprintf("%d tasks to resume (%d with checkpoints)", len(r.ToResume), len(r.WithCheckpoint))
}

// Recover reads persisted assignment records for taskIDs still marked
// "running": any such task is treated as crashed (the scheduler process
// that launched it is gone). Its checkpoint, if present, is noted for
// resumption and its worktree is scheduled for cleanup.
func Recover(ctx context.Context, repoRoot string, taskIDs []string) RecoverySummary {
	var summary RecoverySummary
	mgr := worktree.NewManager(repoRoot, "")

	for _, id := range taskIDs {
		var a Assignment
		if !state.ReadJSON(assignmentPath(repoRoot, id), &a) {
			continue
		}
		if a.Status != "running" {
			continue
		}

		summary.ToResume = append(summary.ToResume, id)

		var cp worker.Checkpoint
		if state.ReadJSON(checkpointPath(repoRoot, id), &cp) {
			summary.WithCheckpoint = append(summary.WithCheckpoint, id)
		}

		if a.WorktreePath != "" {
			if err := mgr.Remove(ctx, a.WorktreePath); err != nil {
				log.Printf("recovery: scheduling stale worktree %s for cleanup failed: %v", a.WorktreePath, err)
			}
		}
	}
	return summary
}
