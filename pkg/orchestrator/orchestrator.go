// Package orchestrator implements the Raid facade: the top-level
// start/approvePlan/extract/surrender/status lifecycle that ties the
// Scheduler, Merge Queue, Capability Ledger, Error-Fix Pattern Store,
// and Checkpoint & Event Log together into one raid's run. Every write
// goes through pkg/state's atomic temp-file+rename primitive, and every
// read tolerates a missing or corrupt file by falling back to a
// well-typed empty value.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/duskforge/undercity/pkg/astindex"
	"github.com/duskforge/undercity/pkg/config"
	"github.com/duskforge/undercity/pkg/constants"
	"github.com/duskforge/undercity/pkg/eventlog"
	"github.com/duskforge/undercity/pkg/gitutil"
	"github.com/duskforge/undercity/pkg/logger"
	"github.com/duskforge/undercity/pkg/mergequeue"
	"github.com/duskforge/undercity/pkg/scheduler"
	"github.com/duskforge/undercity/pkg/state"
	"github.com/duskforge/undercity/pkg/verifier"
	"github.com/duskforge/undercity/pkg/worker"
	"github.com/duskforge/undercity/pkg/worktree"
)

var log = logger.New("orchestrator:orchestrator")

// ErrNoActiveRaid is returned by commands that require a raid in the
// pocket when none is present.
var ErrNoActiveRaid = errors.New("no active raid")

// ErrWrongPhase is returned when a command is invoked outside the raid
// status it requires (e.g. approvePlan outside awaiting-approval).
var ErrWrongPhase = errors.New("raid is not in the required phase")

// Orchestrator wires one repository's Raid facade: planning, the
// Scheduler's parallel task pool, and the Merge Queue's serialized landing.
type Orchestrator struct {
	RepoRoot string
	Cfg      config.Config
	Planner  PlanGenerator
	NewWorker scheduler.WorkerFactory
	Scheduler *scheduler.Scheduler
	Queue     *mergequeue.Queue
	Events    *eventlog.Log

	objectives   map[string]string // task id -> objective, for merge-queue repair
	indexWatcher *astindex.Watcher // best-effort; nil when the filesystem watch could not start
}

// New wires an Orchestrator against repoRoot. agent drives every Worker
// spawned for this raid; planner turns a goal into a task plan. checks
// is the verifier check set applied both to worker attempts and to the
// merge queue's post-rebase re-verification.
func New(repoRoot string, cfg config.Config, planner PlanGenerator, agent worker.AgentRunner, checks []verifier.Check) *Orchestrator {
	o := &Orchestrator{
		RepoRoot:   repoRoot,
		Cfg:        cfg,
		Planner:    planner,
		objectives: map[string]string{},
	}

	if watcher, err := astindex.NewWatcher(repoRoot); err != nil {
		log.Printf("AST index watcher unavailable, falling back to full hash-scan on every rebuild: %v", err)
	} else {
		o.indexWatcher = watcher
	}

	indexPath := filepath.Join(state.Dir(repoRoot), constants.ASTIndexFile)
	o.NewWorker = func(task worker.Task) *worker.Worker {
		o.refreshIndexFromWatcher(indexPath)
		w := worker.New(repoRoot, worker.Config{
			MaxRetriesPerTier:   cfg.MaxRetriesPerTier,
			MaxRetriesAtTopTier: cfg.MaxRetriesAtTopTier,
			MaxWritesPerFile:    cfg.MaxWritesPerFile,
			AutoCommit:          cfg.AutoCommit,
			Checks:              checks,
			ReviewPassesPerTier: cfg.ReviewPassesPerTier,
			ReviewPassesTopTier: cfg.ReviewPassesTopTier,
		}, agent)
		return w
	}

	o.Scheduler = scheduler.New(repoRoot, cfg.MaxConcurrency, o.NewWorker)
	o.Events = eventlog.Open(filepath.Join(state.Dir(repoRoot), constants.EventLogFile))
	o.Queue = mergequeue.New(repoRoot, gitutil.DefaultBranch(repoRoot), checks, o.repair, o.Events)
	return o
}

// refreshIndexFromWatcher drains whatever file-change hints the AST
// index watcher accumulated since the last dispatch and, when any
// arrived, re-runs Update against just those candidates so a newly
// dispatched Worker loads an index reflecting concurrent sibling tasks'
// edits without paying for a full repository hash-scan.
func (o *Orchestrator) refreshIndexFromWatcher(indexPath string) {
	if o.indexWatcher == nil {
		return
	}
	changed := o.indexWatcher.Drain()
	if len(changed) == 0 {
		return
	}
	idx := astindex.Load(indexPath, astindex.CurrentHEAD(o.RepoRoot))
	idx = astindex.Update(idx, o.RepoRoot, changed)
	if err := astindex.Save(indexPath, idx); err != nil {
		log.Printf("AST index refresh from watcher hints failed: %v", err)
	}
}

func newRaidID() string {
	return fmt.Sprintf("raid-%d", time.Now().UnixNano())
}

// Start begins a new raid for goal, or resumes the one already in the
// pocket if any raid is active. A resumed raid's plan is returned as-is
// regardless of goal (the caller is reattaching to existing work, not
// redefining it).
func (o *Orchestrator) Start(ctx context.Context, goal string) (Raid, error) {
	pocket := loadPocket(o.RepoRoot)
	if pocket.ActiveRaidID != "" {
		inv, ok := loadInventory(o.RepoRoot)
		if ok {
			log.Printf("resuming active raid %s", pocket.ActiveRaidID)
			o.rememberObjectives(inv.Raid)
			return inv.Raid, nil
		}
	}

	plan, err := o.Planner.GeneratePlan(ctx, goal)
	if err != nil {
		return Raid{}, fmt.Errorf("generating plan: %w", err)
	}

	tasks, specs := toTasksAndSpecs(plan)
	raid := Raid{
		ID:        newRaidID(),
		Goal:      goal,
		Status:    RaidAwaitingApproval,
		Tasks:     tasks,
		Specs:     specs,
		CreatedAt: time.Now().UTC(),
	}
	o.rememberObjectives(raid)

	if err := saveInventory(o.RepoRoot, Inventory{Raid: raid}); err != nil {
		return Raid{}, fmt.Errorf("persisting inventory: %w", err)
	}
	if err := savePocket(o.RepoRoot, Pocket{ActiveRaidID: raid.ID, Status: raid.Status}); err != nil {
		return Raid{}, fmt.Errorf("persisting pocket: %w", err)
	}
	return raid, nil
}

func (o *Orchestrator) rememberObjectives(raid Raid) {
	for _, t := range raid.Tasks {
		o.objectives[t.ID] = t.Objective
	}
}

// ApprovePlan transitions an awaiting-approval raid into execution,
// handing its tasks to the Scheduler and, for every task that completes
// its worker loop, to the Merge Queue.
func (o *Orchestrator) ApprovePlan(ctx context.Context) (Raid, error) {
	raid, err := o.activeRaid()
	if err != nil {
		return Raid{}, err
	}
	if raid.Status != RaidAwaitingApproval {
		return Raid{}, fmt.Errorf("%w: raid is %s, not awaiting-approval", ErrWrongPhase, raid.Status)
	}

	raid.PlanApproved = true
	raid.Status = RaidExecuting
	if err := saveInventory(o.RepoRoot, Inventory{Raid: raid}); err != nil {
		return Raid{}, fmt.Errorf("persisting inventory: %w", err)
	}
	if err := savePocket(o.RepoRoot, Pocket{ActiveRaidID: raid.ID, Status: raid.Status}); err != nil {
		return Raid{}, fmt.Errorf("persisting pocket: %w", err)
	}
	models := make(map[string]int, len(raid.Tasks))
	for _, t := range raid.Tasks {
		models[string(t.Tier)]++
	}
	o.emit(eventlog.Event{
		Kind:        constants.EventGrindStart,
		Batch:       raid.ID,
		Tasks:       len(raid.Tasks),
		Parallelism: o.Cfg.MaxConcurrency,
		Models:      models,
	})
	for _, t := range raid.Tasks {
		o.emit(eventlog.Event{Kind: constants.EventTaskStart, TaskID: t.ID, Task: t.Objective, Model: string(t.Tier)})
	}

	objectives := make(map[string]worker.Task, len(raid.Tasks))
	for _, t := range raid.Tasks {
		objectives[t.ID] = t
	}

	results := o.Scheduler.RunAll(ctx, raid.Specs, objectives)
	raid.Tasks = results
	raid.Status = RaidMerging
	o.emitTaskOutcomes(results)
	if err := saveInventory(o.RepoRoot, Inventory{Raid: raid}); err != nil {
		log.Printf("persisting post-scheduler inventory failed: %v", err)
	}

	for _, t := range results {
		if t.Status != worker.StatusComplete {
			continue
		}
		o.Queue.Enqueue(mergequeue.Entry{
			TaskID:       t.ID,
			WorktreePath: t.WorktreePath,
			Branch:       worktree.BranchName(t.ID),
		})
	}

	taskByID := make(map[string]*worker.Task, len(raid.Tasks))
	for i := range raid.Tasks {
		taskByID[raid.Tasks[i].ID] = &raid.Tasks[i]
	}

	var mergedCount int
	o.Queue.Run(ctx, func(out mergequeue.Outcome) {
		if isRequeueOutcome(out) {
			// one more repair pass is already in flight; the worktree
			// stays alive until this entry reaches a true terminal state.
			return
		}

		t, ok := taskByID[out.TaskID]
		if out.Merged {
			mergedCount++
			log.Printf("task %s merged at %s", out.TaskID, out.Tip)
		} else if ok {
			t.Status = worker.StatusFailed
			t.FailureReason = "merge failed: " + out.Reason
		}

		if ok && t.WorktreePath != "" {
			if err := o.Scheduler.Worktrees.Remove(ctx, t.WorktreePath); err != nil {
				log.Printf("worktree cleanup failed for merged task %s: %v", out.TaskID, err)
			}
		}
	})

	log.Printf("raid %s: %d tasks merged", raid.ID, mergedCount)
	o.emit(eventlog.Event{
		Kind:    constants.EventGrindEnd,
		Batch:   raid.ID,
		Success: mergedCount == len(raid.Tasks),
	})

	raid.Status = finalRaidStatus(raid.Tasks)
	if err := saveInventory(o.RepoRoot, Inventory{Raid: raid}); err != nil {
		log.Printf("persisting final inventory failed: %v", err)
	}
	return raid, nil
}

// finalRaidStatus derives the raid-level status from its tasks' terminal
// states once the Scheduler and Merge Queue have both finished: any
// failed/escalated/needs-decomposition task fails the raid, otherwise it
// is complete.
func finalRaidStatus(tasks []worker.Task) RaidStatus {
	for _, t := range tasks {
		switch t.Status {
		case worker.StatusFailed, worker.StatusEscalated, worker.StatusNeedsDecomposition:
			return RaidFailed
		}
	}
	return RaidComplete
}

// repair gives a failed merge-queue entry one more Worker pass at its
// existing worktree before the queue surrenders it for good.
func (o *Orchestrator) repair(ctx context.Context, entry mergequeue.Entry, failure string) bool {
	task := worker.Task{
		ID:           entry.TaskID,
		Objective:    o.objectives[entry.TaskID],
		WorktreePath: entry.WorktreePath,
	}
	log.Printf("repairing task %s after merge failure: %s", entry.TaskID, failure)
	w := o.NewWorker(task)
	result := w.Run(ctx, task)
	return result.Status == worker.StatusComplete
}

// Extract marks a raid complete once no active tasks remain, appends its
// summary to the stash, and clears the pocket.
func (o *Orchestrator) Extract(ctx context.Context) (Raid, error) {
	raid, err := o.activeRaid()
	if err != nil {
		return Raid{}, err
	}
	if hasActiveTasks(raid.Tasks) {
		return Raid{}, fmt.Errorf("%w: raid still has active tasks", ErrWrongPhase)
	}

	raid.Status = RaidComplete
	raid.CompletedAt = time.Now().UTC()
	return raid, o.finish(raid)
}

// Surrender aborts a raid regardless of in-flight task state, marking it
// failed without touching any history already committed/merged.
func (o *Orchestrator) Surrender(ctx context.Context) (Raid, error) {
	raid, err := o.activeRaid()
	if err != nil {
		return Raid{}, err
	}
	raid.Status = RaidFailed
	raid.CompletedAt = time.Now().UTC()
	return raid, o.finish(raid)
}

func (o *Orchestrator) finish(raid Raid) error {
	entry := StashEntry{
		RaidID:      raid.ID,
		Goal:        raid.Goal,
		Status:      raid.Status,
		TaskCount:   len(raid.Tasks),
		CreatedAt:   raid.CreatedAt,
		CompletedAt: raid.CompletedAt,
	}
	if err := appendStash(o.RepoRoot, entry); err != nil {
		return fmt.Errorf("appending stash: %w", err)
	}
	if err := saveInventory(o.RepoRoot, Inventory{Raid: raid}); err != nil {
		return fmt.Errorf("persisting final inventory: %w", err)
	}
	if err := clearPocket(o.RepoRoot); err != nil {
		return fmt.Errorf("clearing pocket: %w", err)
	}
	if o.indexWatcher != nil {
		if err := o.indexWatcher.Close(); err != nil {
			log.Printf("closing AST index watcher: %v", err)
		}
		o.indexWatcher = nil
	}
	return nil
}

// isRequeueOutcome reports whether out represents mergequeue's one-shot
// repair-and-requeue step rather than a final surrender, by matching the
// reason prefix handleFailure uses for that case.
func isRequeueOutcome(out mergequeue.Outcome) bool {
	return strings.HasPrefix(out.Reason, "re-enqueued for retry")
}

func hasActiveTasks(tasks []worker.Task) bool {
	for _, t := range tasks {
		if t.Status == worker.StatusPending || t.Status == worker.StatusRunning {
			return true
		}
	}
	return false
}

// Status is a read-only snapshot of the active raid plus whether its
// grind is currently live (per the event log's pid liveness check).
type Status struct {
	Raid    Raid
	Running bool
}

// Status reads the current pocket/inventory/event-log state without
// mutating anything. It never errors: an absent raid simply reports a
// zero-value Raid.
func (o *Orchestrator) Status() Status {
	pocket := loadPocket(o.RepoRoot)
	if pocket.ActiveRaidID == "" {
		return Status{}
	}
	inv, _ := loadInventory(o.RepoRoot)

	events, err := eventlog.Read(filepath.Join(state.Dir(o.RepoRoot), constants.EventLogFile))
	if err != nil {
		log.Printf("reading event log for status failed: %v", err)
	}
	return Status{Raid: inv.Raid, Running: eventlog.IsRunning(events)}
}

func (o *Orchestrator) activeRaid() (Raid, error) {
	pocket := loadPocket(o.RepoRoot)
	if pocket.ActiveRaidID == "" {
		return Raid{}, ErrNoActiveRaid
	}
	inv, ok := loadInventory(o.RepoRoot)
	if !ok {
		return Raid{}, fmt.Errorf("%w: pocket points at %s but inventory is missing", ErrNoActiveRaid, pocket.ActiveRaidID)
	}
	o.rememberObjectives(inv.Raid)
	return inv.Raid, nil
}

// Recover scans assignment records for tasks the pocket's raid believes
// are still running and hands them to scheduler.Recover, returning a
// human-readable summary the CLI can print on startup after a crash.
func (o *Orchestrator) Recover(ctx context.Context) (scheduler.RecoverySummary, error) {
	raid, err := o.activeRaid()
	if err != nil {
		if errors.Is(err, ErrNoActiveRaid) {
			return scheduler.RecoverySummary{}, nil
		}
		return scheduler.RecoverySummary{}, err
	}
	ids := make([]string, 0, len(raid.Tasks))
	for _, t := range raid.Tasks {
		ids = append(ids, t.ID)
	}
	return scheduler.Recover(ctx, o.RepoRoot, ids), nil
}

// emit stamps e's Time (and PID, for grind_start) and appends it. Callers
// populate the fields specific to e.Kind.
func (o *Orchestrator) emit(e eventlog.Event) {
	if o.Events == nil {
		return
	}
	e.Time = time.Now().UTC().Format(time.RFC3339)
	if e.Kind == constants.EventGrindStart {
		e.PID = os.Getpid()
	}
	if err := o.Events.Append(e); err != nil {
		log.Printf("event log append failed: %v", err)
	}
}

// emitTaskOutcomes records a task_complete or task_failed event for every
// task the Scheduler brought to a terminal status.
func (o *Orchestrator) emitTaskOutcomes(tasks []worker.Task) {
	for _, t := range tasks {
		if t.Status == worker.StatusComplete {
			o.emit(eventlog.Event{
				Kind:     constants.EventTaskComplete,
				TaskID:   t.ID,
				SHA:      t.CommitSHA,
				Model:    string(t.Tier),
				Attempts: t.Attempts,
			})
			continue
		}
		o.emit(eventlog.Event{
			Kind:   constants.EventTaskFailed,
			TaskID: t.ID,
			Error:  t.FailureReason,
		})
	}
}
