package worker

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/duskforge/undercity/pkg/agentsdk"
	"github.com/duskforge/undercity/pkg/astindex"
	"github.com/duskforge/undercity/pkg/briefer"
	"github.com/duskforge/undercity/pkg/constants"
	"github.com/duskforge/undercity/pkg/fixstore"
	"github.com/duskforge/undercity/pkg/gitutil"
	"github.com/duskforge/undercity/pkg/ledger"
	"github.com/duskforge/undercity/pkg/logger"
	"github.com/duskforge/undercity/pkg/state"
	"github.com/duskforge/undercity/pkg/verifier"
)

var log = logger.New("worker:worker")

// Task is one unit of work the Worker drives to a terminal status,
// modeled directly on the raid's task entity: an objective, its running
// status, the model tier it is currently attempting at, and the
// worktree it operates inside.
type Task struct {
	ID            string              `json:"id"`
	Objective     string              `json:"objective"`
	Status        Status              `json:"status"`
	Attempts      int                 `json:"attempts"`
	Tier          constants.ModelTier `json:"tier"`
	WorktreePath  string              `json:"worktreePath"`
	Phase         Phase               `json:"phase"`
	TotalTokens   int64               `json:"totalTokens"`
	FailureReason string              `json:"failureReason,omitempty"`
	CommitSHA     string              `json:"commitSha,omitempty"`
}

// Checkpoint is the persisted snapshot written at every phase boundary.
// Resume reads the last one back and scheduler.Recover counts the crashed
// tasks that have one; Run starts from the Task it is given and does not
// restore a checkpoint's phase, retry count or error history.
type Checkpoint struct {
	Task             Task             `json:"task"`
	RetriesAtTier    int              `json:"retriesAtTier"`
	ErrorHistory     []string         `json:"errorHistory"`
	LastVerification *verifier.Result `json:"lastVerification,omitempty"`
	SavedAt          time.Time        `json:"savedAt"`
}

// AgentRunner is the subset of the agent SDK the Worker depends on,
// narrowed to an interface so the orchestration loop is testable without
// a real agent process.
type AgentRunner interface {
	Run(ctx context.Context, workDir string, briefing briefer.Briefing, tools *agentsdk.WriteTracker) (AttemptOutcome, error)
}

// AttemptOutcome is everything one agent execution produced, already
// reduced from the raw event stream: the final text (for marker
// detection), the write tracker's terminal counts, and token usage.
type AttemptOutcome struct {
	FinalText    string
	FilesChanged []string
	TokenCount   int64
	NoOpCount    int
}

// VerifierRunner is the subset of the verifier package the Worker
// depends on.
type VerifierRunner interface {
	Run(ctx context.Context, dir, baseCommit string, checks []verifier.Check) verifier.Result
}

type verifierFunc func(ctx context.Context, dir, baseCommit string, checks []verifier.Check) verifier.Result

func (f verifierFunc) Run(ctx context.Context, dir, baseCommit string, checks []verifier.Check) verifier.Result {
	return f(ctx, dir, baseCommit, checks)
}

// DefaultVerifier adapts verifier.Run to the VerifierRunner interface.
var DefaultVerifier VerifierRunner = verifierFunc(verifier.Run)

// Config bundles a Worker's tunables.
type Config struct {
	MaxRetriesPerTier   int
	MaxRetriesAtTopTier int
	MaxWritesPerFile    int
	AutoCommit          bool
	Checks              []verifier.Check
	BaseCommit          string
	// ReviewPassesPerTier and ReviewPassesTopTier bound the optional
	// review step run after a verification pass and before committing:
	// a reviewer-role agent attempt followed by re-verification, repeated
	// until it converges (re-verification passes clean) or the pass
	// budget is exhausted. Zero disables the review step entirely.
	ReviewPassesPerTier int
	ReviewPassesTopTier int
}

// DefaultConfig returns the tunables used when a repo carries no
// .undercity.yml override.
func DefaultConfig() Config {
	return Config{
		MaxRetriesPerTier:   3,
		MaxRetriesAtTopTier: 2,
		MaxWritesPerFile:    5,
	}
}

// Worker drives one Task through planning/executing/verifying/committing
// until it reaches a terminal status, consulting the AST Index, the
// Capability Ledger, and the Error-Fix Pattern Store at each phase
// boundary and checkpointing progress via pkg/state.
type Worker struct {
	RepoRoot string
	Cfg      Config
	Agent    AgentRunner
	Verifier VerifierRunner
	Ledger   ledger.Ledger
	FixStore fixstore.Store
	Index    astindex.Index
}

// New constructs a Worker against repoRoot, loading the ledger, fix
// store, and AST index from their conventional paths.
func New(repoRoot string, cfg Config, agent AgentRunner) *Worker {
	dir := state.Dir(repoRoot)
	return &Worker{
		RepoRoot: repoRoot,
		Cfg:      cfg,
		Agent:    agent,
		Verifier: DefaultVerifier,
		Ledger:   ledger.Load(filepath.Join(dir, constants.LedgerFile)),
		FixStore: fixstore.Load(filepath.Join(dir, constants.FixPatternsFile)),
		Index:    astindex.Load(filepath.Join(dir, constants.ASTIndexFile), astindex.CurrentHEAD(repoRoot)),
	}
}

func (w *Worker) checkpointPath(taskID string) string {
	return filepath.Join(state.Dir(w.RepoRoot), constants.TasksDirName, taskID, constants.CheckpointFile)
}

func (w *Worker) checkpoint(cp Checkpoint) {
	cp.SavedAt = time.Now().UTC()
	if err := state.WriteJSON(w.checkpointPath(cp.Task.ID), cp); err != nil {
		log.Printf("checkpoint write failed for task %s: %v", cp.Task.ID, err)
	}
}

// Resume loads the last checkpoint for taskID, returning ok=false when
// none exists (a fresh task).
func (w *Worker) Resume(taskID string) (Checkpoint, bool) {
	var cp Checkpoint
	ok := state.ReadJSON(w.checkpointPath(taskID), &cp)
	return cp, ok
}

// Run drives task to a terminal status, looping attempts until Decide
// (or the stop gate) terminates it.
func (w *Worker) Run(ctx context.Context, task Task) Task {
	task.Status = StatusRunning
	retriesAtTier := 0
	var errorHistory []string
	var lastResult *verifier.Result

	if task.Tier == "" {
		rec := ledger.Recommend(w.Ledger, task.Objective, func(t constants.ModelTier) int { return constants.TierCost[t] })
		task.Tier = rec.Tier
	}

	consecutiveNoWrite := 0

	for {
		task.Attempts++
		task.Phase = PhasePlanning
		w.checkpoint(Checkpoint{Task: task, RetriesAtTier: retriesAtTier, ErrorHistory: errorHistory, LastVerification: lastResult})

		briefing := w.prepareBriefing(task, lastResult)

		task.Phase = PhaseExecuting
		w.checkpoint(Checkpoint{Task: task, RetriesAtTier: retriesAtTier, ErrorHistory: errorHistory, LastVerification: lastResult})

		tracker := agentsdk.NewWriteTracker()
		outcome, err := w.Agent.Run(ctx, task.WorktreePath, briefing, tracker)
		if err != nil {
			task.Status = StatusFailed
			task.FailureReason = fmt.Sprintf("agent execution error: %v", err)
			return task
		}
		task.TotalTokens += outcome.TokenCount
		w.checkpoint(Checkpoint{Task: task, RetriesAtTier: retriesAtTier, ErrorHistory: errorHistory, LastVerification: lastResult})

		marker, hasMarker := agentsdk.DetectMarker(outcome.FinalText)
		wroteSomething := tracker.TotalWrites() > 0

		gate := w.stopGate(task, hasMarker, wroteSomething, outcome.NoOpCount, consecutiveNoWrite)
		if gate.forceFail {
			task.Status = StatusNeedsDecomposition
			task.FailureReason = gate.reason
			return task
		}
		if !gate.allowed {
			consecutiveNoWrite++
			continue
		}
		if wroteSomething {
			consecutiveNoWrite = 0
		} else {
			consecutiveNoWrite++
		}

		if hasMarker && marker == agentsdk.MarkerInvalidTarget {
			task.Status = StatusFailed
			task.FailureReason = "invalid target: " + outcome.FinalText
			return task
		}
		if hasMarker && marker == agentsdk.MarkerNeedsDecomposition {
			task.Status = StatusNeedsDecomposition
			task.FailureReason = outcome.FinalText
			return task
		}

		task.Phase = PhaseVerifying
		w.checkpoint(Checkpoint{Task: task, RetriesAtTier: retriesAtTier, ErrorHistory: errorHistory, LastVerification: lastResult})
		result := w.Verifier.Run(ctx, task.WorktreePath, w.Cfg.BaseCommit, w.Cfg.Checks)
		lastResult = &result
		w.checkpoint(Checkpoint{Task: task, RetriesAtTier: retriesAtTier, ErrorHistory: errorHistory, LastVerification: lastResult})

		taskAlreadyComplete := result.Passed && len(result.FilesChanged) == 0 && (hasMarker || outcome.NoOpCount > 0)
		if result.Passed && !taskAlreadyComplete {
			result = w.applyReviewPasses(ctx, &task, result)
			lastResult = &result
			w.checkpoint(Checkpoint{Task: task, RetriesAtTier: retriesAtTier, ErrorHistory: errorHistory, LastVerification: lastResult})
		}

		switch {
		case taskAlreadyComplete:
			task.Status = StatusComplete
			w.recordOutcome(task, retriesAtTier, true, false)
			return task

		case result.Passed:
			task.Phase = PhaseCommitting
			w.checkpoint(Checkpoint{Task: task, RetriesAtTier: retriesAtTier, ErrorHistory: errorHistory, LastVerification: lastResult})
			if w.Cfg.AutoCommit {
				sha, err := gitutil.Commit(ctx, task.WorktreePath, gitutil.BuildCommitMessage(task.Objective, result.FilesChanged))
				if err != nil && err != gitutil.ErrNothingToCommit {
					task.Status = StatusFailed
					task.FailureReason = fmt.Sprintf("commit failed: %v", err)
					w.recordOutcome(task, retriesAtTier, false, false)
					return task
				}
				if err == nil {
					task.CommitSHA = sha
					log.Printf("task %s committed as %s", task.ID, gitutil.ShortSHA(sha))
				}
			}
			w.FixStore = fixstore.RecordFix(w.FixStore, task.ID, result.FilesChanged, "", time.Now().UTC())
			task.Status = StatusComplete
			w.recordOutcome(task, retriesAtTier, true, retriesAtTier > 0)
			return task

		default:
			errorHistory = append(errorHistory, ErrorPrefix(result.Issues))
			if len(result.Issues) > 0 {
				lead := result.Issues[0]
				w.FixStore = fixstore.RecordPending(w.FixStore, string(lead.Category), lead.Message, task.ID, result.FilesChanged, time.Now().UTC())
			}

			decision := Decide(EscalationInput{
				Attempt: AttemptState{
					WriteCount:         tracker.TotalWrites(),
					MaxFileWriteCount:  tracker.MaxCount(),
					NoOpCount:          outcome.NoOpCount,
					ConsecutiveNoWrite: consecutiveNoWrite,
					FilesChanged:       len(result.FilesChanged),
					Issues:             result.Issues,
					ErrorPrefixHistory: errorHistory,
				},
				CurrentTier:           task.Tier,
				RetriesAtCurrentTier:  retriesAtTier,
				MaxRetriesPerTier:     w.Cfg.MaxRetriesPerTier,
				MaxRetriesAtTopTier:   w.Cfg.MaxRetriesAtTopTier,
				MaxWritesPerFile:      w.Cfg.MaxWritesPerFile,
				LedgerConfidenceForUp: w.upgradeConfidence(task.Objective),
				KnownFixSuccessRate:   w.knownFixRate(result.Issues),
			})

			switch decision.Action {
			case ActionRetry:
				retriesAtTier++
				w.recordOutcome(task, retriesAtTier, false, false)
				continue
			case ActionEscalate:
				task.Tier = nextTier(task.Tier)
				retriesAtTier = 0
				w.recordOutcome(task, retriesAtTier, false, true)
				continue
			default:
				task.Status = StatusFailed
				task.FailureReason = decision.Reason
				w.recordOutcome(task, retriesAtTier, false, false)
				return task
			}
		}
	}
}

func nextTier(tier constants.ModelTier) constants.ModelTier {
	order := constants.TierOrder
	for i, t := range order {
		if t == tier && i+1 < len(order) {
			return order[i+1]
		}
	}
	return tier
}

func (w *Worker) prepareBriefing(task Task, lastResult *verifier.Result) briefer.Briefing {
	b := briefer.Build(w.Index, task.Objective, "", "", briefer.RoleBuilder, 10)
	if lastResult != nil {
		for _, iss := range lastResult.Issues {
			if hint := fixstore.FormatForPrompt(w.FixStore, string(iss.Category), iss.Message); hint != "" {
				b.RelatedPatterns = strings.TrimSpace(b.RelatedPatterns + "\n" + hint)
			}
		}
	}
	return b
}

// applyReviewPasses runs the optional reviewer-role step: a fresh agent
// attempt briefed on what the builder pass changed, followed by
// re-verification, repeated until re-verification passes clean
// (converged) or the tier's pass budget runs out. A non-converged result
// is returned as-is, issues and all, so the caller's normal verification-
// failure handling (error history, fix-store recording, retry/escalate
// decision) applies to it without any special casing.
func (w *Worker) applyReviewPasses(ctx context.Context, task *Task, result verifier.Result) verifier.Result {
	maxPasses := w.Cfg.ReviewPassesPerTier
	if task.Tier == constants.TierTop {
		maxPasses = w.Cfg.ReviewPassesTopTier
	}
	if maxPasses <= 0 {
		return result
	}

	current := result
	for i := 0; i < maxPasses; i++ {
		task.Phase = PhaseReviewing
		w.checkpoint(Checkpoint{Task: *task, LastVerification: &current})

		briefing := briefer.Build(w.Index, task.Objective, "", strings.Join(current.FilesChanged, ", "), briefer.RoleReviewer, 10)
		tracker := agentsdk.NewWriteTracker()
		outcome, err := w.Agent.Run(ctx, task.WorktreePath, briefing, tracker)
		if err != nil {
			log.Printf("review pass failed for task %s: %v", task.ID, err)
			return current
		}
		task.TotalTokens += outcome.TokenCount

		current = w.Verifier.Run(ctx, task.WorktreePath, w.Cfg.BaseCommit, w.Cfg.Checks)
		if current.Passed {
			return current
		}
	}
	return current
}

type gateResult struct {
	allowed   bool
	forceFail bool
	reason    string
}

// stopGate implements the attempt-loop's stop check: a completion/decomposition/invalid-
// target marker always permits stop; absent a marker, a no-write,
// no-op attempt is rejected with escalating severity, failing fast as
// VAGUE_TASK on the third consecutive occurrence.
func (w *Worker) stopGate(task Task, hasMarker, wroteSomething bool, noOpCount, consecutiveNoWrite int) gateResult {
	if hasMarker {
		return gateResult{allowed: true}
	}
	if wroteSomething || noOpCount > 0 {
		return gateResult{allowed: true}
	}
	switch consecutiveNoWrite {
	case 0:
		return gateResult{allowed: false, reason: "polite reminder: please make the requested change"}
	case 1:
		return gateResult{allowed: false, reason: "NEEDS_DECOMPOSITION hint: the task may be too broad"}
	default:
		return gateResult{allowed: false, forceFail: true, reason: "VAGUE_TASK: no writes across three consecutive attempts"}
	}
}

func (w *Worker) upgradeConfidence(objective string) float64 {
	rec := ledger.Recommend(w.Ledger, objective, func(t constants.ModelTier) int { return constants.TierCost[t] })
	if rec.Tier == constants.TierTop {
		return rec.Confidence
	}
	return 0
}

func (w *Worker) knownFixRate(issues []verifier.Issue) float64 {
	if len(issues) == 0 {
		return -1
	}
	lead := issues[0]
	p, ok := fixstore.FindFixSuggestions(w.FixStore, string(lead.Category), lead.Message)
	if !ok {
		return -1
	}
	return p.SuccessRate()
}

func (w *Worker) recordOutcome(task Task, retries int, success, escalated bool) {
	w.Ledger = ledger.Record(w.Ledger, ledger.Outcome{
		Objective:  task.Objective,
		Tier:       task.Tier,
		Success:    success,
		Escalated:  escalated,
		TokenCost:  task.TotalTokens,
		DurationMs: 0,
		Retries:    retries,
	})
	if err := ledger.Save(filepath.Join(state.Dir(w.RepoRoot), constants.LedgerFile), w.Ledger); err != nil {
		log.Printf("ledger save failed: %v", err)
	}
	if err := fixstore.Save(filepath.Join(state.Dir(w.RepoRoot), constants.FixPatternsFile), w.FixStore); err != nil {
		log.Printf("fix store save failed: %v", err)
	}
}
