// Package mergequeue implements the Elevator: a single-consumer FIFO of
// completed tasks, each rebased onto trunk and re-verified before being
// fast-forwarded in, one at a time. Two merges are never in flight
// together even when multiple tasks finish simultaneously, since the
// whole queue is drained by one caller running Run (or ProcessOne in a
// loop).
package mergequeue

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/duskforge/undercity/pkg/constants"
	"github.com/duskforge/undercity/pkg/eventlog"
	"github.com/duskforge/undercity/pkg/logger"
	"github.com/duskforge/undercity/pkg/ratelimit"
	"github.com/duskforge/undercity/pkg/verifier"
)

var log = logger.New("mergequeue:mergequeue")

// Entry is one task waiting to land: its branch/worktree and the
// priority it was enqueued with (higher runs first; FIFO within a tier).
type Entry struct {
	TaskID       string
	WorktreePath string
	Branch       string
	Priority     int
	requeued     bool
}

// Outcome is what Process returns for one entry once it leaves the
// queue, successful or not.
type Outcome struct {
	TaskID  string
	Merged  bool
	Tip     string
	Reason  string
}

// RepairFunc re-opens a task for one Worker repair pass (rebase
// conflict or a post-rebase verification failure) and reports whether
// the repair produced a clean, re-verifiable state.
type RepairFunc func(ctx context.Context, entry Entry, failure string) (repaired bool)

// gitOps is the git surface process depends on, narrowed to an
// interface so the queue's serialization and repair/surrender logic are
// testable without a real repository.
type gitOps interface {
	Rebase(ctx context.Context, dir, onto string) error
	AbortRebase(ctx context.Context, dir string) error
	Tip(ctx context.Context, dir string) (string, error)
	FastForwardTrunk(ctx context.Context, branch, tip string) error
}

// verifyFunc matches verifier.Run's signature, overridable in tests.
type verifyFunc func(ctx context.Context, dir, baseCommit string, checks []verifier.Check) verifier.Result

// Queue is the single-consumer merge queue. All mutation happens inside
// ProcessOne, holding mu only to guard the waiting list against
// concurrent Enqueue calls from multiple Schedulers/Workers finishing at
// once.
type Queue struct {
	mu      sync.Mutex
	waiting *list.List // of *Entry

	git         gitOps
	verify      verifyFunc
	TrunkBranch string
	Checks      []verifier.Check
	BaseCommit  string
	Repair      RepairFunc
	Events      *eventlog.Log
}

// New constructs a Queue operating against repoRoot's trunk branch.
func New(repoRoot, trunkBranch string, checks []verifier.Check, repair RepairFunc, events *eventlog.Log) *Queue {
	return &Queue{
		waiting:     list.New(),
		git:         gitClient{RepoRoot: repoRoot},
		verify:      verifier.Run,
		TrunkBranch: trunkBranch,
		Checks:      checks,
		Repair:      repair,
		Events:      events,
	}
}

// Enqueue adds entry to the queue, inserted after the last entry with
// priority >= entry.Priority (FIFO within a priority tier, higher
// priority tiers jump ahead of lower ones already waiting).
func (q *Queue) Enqueue(entry Entry) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for e := q.waiting.Back(); e != nil; e = e.Prev() {
		if e.Value.(*Entry).Priority >= entry.Priority {
			q.waiting.InsertAfter(&entry, e)
			return
		}
	}
	q.waiting.PushFront(&entry)
}

// Len reports how many entries are currently waiting.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.waiting.Len()
}

func (q *Queue) dequeue() (*Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	front := q.waiting.Front()
	if front == nil {
		return nil, false
	}
	q.waiting.Remove(front)
	return front.Value.(*Entry), true
}

// ErrEmpty is returned by ProcessOne when nothing is waiting.
var ErrEmpty = errors.New("merge queue empty")

// ProcessOne dequeues and fully processes a single entry — rebase,
// re-verify, fast-forward, and on failure one repair-and-retry pass —
// blocking until it either lands or surrenders. Callers drive the queue
// by calling this in a loop (directly, or via Run) — there is no
// background goroutine here, so "strictly serialized" falls out of the
// caller never invoking ProcessOne concurrently with itself.
func (q *Queue) ProcessOne(ctx context.Context) (Outcome, error) {
	entry, ok := q.dequeue()
	if !ok {
		return Outcome{}, ErrEmpty
	}
	if err := ratelimit.Wait(ctx, ratelimit.OperationMergeAcquire); err != nil {
		return Outcome{TaskID: entry.TaskID, Merged: false, Reason: "merge acquire: " + err.Error()}, nil
	}
	return q.process(ctx, entry), nil
}

// Run drains the queue until ctx is cancelled or nothing is left,
// calling onOutcome for each entry as it lands or fails. It never
// overlaps two entries: each is fully rebased, verified, and merged (or
// surrendered) before the next is dequeued.
func (q *Queue) Run(ctx context.Context, onOutcome func(Outcome)) {
	for {
		if ctx.Err() != nil {
			return
		}
		outcome, err := q.ProcessOne(ctx)
		if err != nil {
			return
		}
		if onOutcome != nil {
			onOutcome(outcome)
		}
	}
}

func (q *Queue) process(ctx context.Context, entry *Entry) Outcome {
	q.emit(eventlog.Event{Kind: constants.EventMergeAttempt, TaskID: entry.TaskID})

	if err := q.git.Rebase(ctx, entry.WorktreePath, q.TrunkBranch); err != nil {
		return q.handleFailure(ctx, entry, "rebase: "+err.Error())
	}

	result := q.verify(ctx, entry.WorktreePath, q.BaseCommit, q.Checks)
	if !result.Passed {
		_ = q.git.AbortRebase(ctx, entry.WorktreePath)
		return q.handleFailure(ctx, entry, "post-rebase verification failed")
	}

	tip, err := q.git.Tip(ctx, entry.WorktreePath)
	if err != nil {
		return q.handleFailure(ctx, entry, "reading rebased tip: "+err.Error())
	}
	if err := q.git.FastForwardTrunk(ctx, q.TrunkBranch, tip); err != nil {
		return q.handleFailure(ctx, entry, "fast-forward: "+err.Error())
	}

	q.emit(eventlog.Event{Kind: constants.EventMergeSuccess, TaskID: entry.TaskID, SHA: tip})
	return Outcome{TaskID: entry.TaskID, Merged: true, Tip: tip}
}

// handleFailure implements step 5: a first failure earns one repair
// pass and a single re-enqueue; a second failure for the same entry
// surrenders it as failed.
func (q *Queue) handleFailure(ctx context.Context, entry *Entry, reason string) Outcome {
	q.emit(eventlog.Event{Kind: constants.EventMergeConflict, TaskID: entry.TaskID, Error: reason})

	if entry.requeued {
		log.Printf("task %s surrendered after repair attempt: %s", entry.TaskID, reason)
		return Outcome{TaskID: entry.TaskID, Merged: false, Reason: reason}
	}

	if q.Repair == nil {
		return Outcome{TaskID: entry.TaskID, Merged: false, Reason: reason}
	}

	if !q.Repair(ctx, *entry, reason) {
		return Outcome{TaskID: entry.TaskID, Merged: false, Reason: "repair failed: " + reason}
	}

	entry.requeued = true
	q.Enqueue(*entry)
	return Outcome{TaskID: entry.TaskID, Merged: false, Reason: "re-enqueued for retry after repair: " + reason}
}

func (q *Queue) emit(e eventlog.Event) {
	if q.Events == nil {
		return
	}
	e.Time = time.Now().UTC().Format(time.RFC3339)
	if err := q.Events.Append(e); err != nil {
		log.Printf("event log append failed: %v", err)
	}
}
