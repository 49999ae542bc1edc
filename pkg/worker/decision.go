// Package worker implements the per-task state machine: the core loop
// that alternates agent attempts with verification, escalates model tier
// on repeated failure, and learns from outcomes via the Capability
// Ledger and Error-Fix Pattern Store.
package worker

import (
	"strings"

	"github.com/duskforge/undercity/pkg/constants"
	"github.com/duskforge/undercity/pkg/verifier"
)

// Status is a task's terminal or in-flight state.
type Status string

const (
	StatusPending            Status = "pending"
	StatusRunning            Status = "running"
	StatusComplete           Status = "complete"
	StatusFailed             Status = "failed"
	StatusEscalated          Status = "escalated"
	StatusNeedsDecomposition Status = "needs-decomposition"
)

// Phase is the checkpointed boundary within one running attempt.
type Phase string

const (
	PhasePlanning   Phase = "planning"
	PhaseExecuting  Phase = "executing"
	PhaseVerifying  Phase = "verifying"
	PhaseReviewing  Phase = "reviewing"
	PhaseCommitting Phase = "committing"
)

// AttemptState accumulates everything one attempt's escalation decision
// needs: write/no-op counters from the agent stream, the verifier's
// issues, and a rolling history of error message prefixes (for Ralph-loop
// detection) carried across attempts within the same task.
type AttemptState struct {
	WriteCount             int
	MaxFileWriteCount      int
	NoOpCount              int
	ConsecutiveNoWrite     int
	FilesChanged           int
	Issues                 []verifier.Issue
	ErrorPrefixHistory     []string // first 80 chars of each attempt's lead error, oldest first
	IsTestWritingObjective bool
}

// EscalationInput bundles AttemptState with the budgets and learning
// signals the decision needs.
type EscalationInput struct {
	Attempt                AttemptState
	CurrentTier            constants.ModelTier
	RetriesAtCurrentTier   int
	MaxRetriesPerTier      int
	MaxRetriesAtTopTier    int
	MaxWritesPerFile       int
	LedgerConfidenceForUp  float64 // confidence the ledger recommends a higher tier
	KnownFixSuccessRate    float64 // >=0 success rate of a known fix for the lead error signature, -1 if none
}

// Decision is the outcome of the escalation check: either retry at the
// same tier, escalate to the next tier, or fail the task outright.
type Decision struct {
	Action Action
	Reason string
}

// Action is what the Worker does next after a failed verification.
type Action string

const (
	ActionRetry    Action = "retry"
	ActionEscalate Action = "escalate"
	ActionFail     Action = "fail"
)

// ralphLoopThreshold counts the current attempt's own error prefix (appended
// to history before Decide runs), so 3 matching prefixes means the agent has
// produced the same lead failure on 3 attempts of this task; the matches
// need not be consecutive.
const ralphLoopThreshold = 3
const errorPrefixLen = 80

// Decide runs the 7 ordered escalation checks against in, returning the
// first matching decision. Before the retry-budget checks (4-7), the
// learning-system adjustments apply: a strong ledger recommendation for
// a higher tier (confidence >= 0.7) reduces the effective per-tier
// budget by 1; a known fix with >=50% success rate grants one extra
// retry. The two adjustments are applied together when both fire.
func Decide(in EscalationInput) Decision {
	if ralphLoopDetected(in.Attempt.ErrorPrefixHistory) {
		return Decision{Action: ActionFail, Reason: "repeated error: agent appears stuck (Ralph loop)"}
	}

	if in.Attempt.MaxFileWriteCount >= in.MaxWritesPerFile {
		return Decision{Action: ActionFail, Reason: "file thrashing: write threshold exceeded"}
	}

	if in.Attempt.FilesChanged == 0 && in.Attempt.NoOpCount == 0 && in.Attempt.ConsecutiveNoWrite >= 2 {
		return Decision{Action: ActionFail, Reason: "no changes across consecutive attempts, needs decomposition"}
	}

	budget := in.MaxRetriesPerTier
	if in.LedgerConfidenceForUp >= 0.7 {
		budget--
	}
	if in.KnownFixSuccessRate >= 0.5 {
		budget++
	}

	if isFinalTier(in.CurrentTier) {
		if in.RetriesAtCurrentTier < in.MaxRetriesAtTopTier {
			return Decision{Action: ActionRetry, Reason: "retrying at final tier"}
		}
		return Decision{Action: ActionFail, Reason: "max retries at final tier"}
	}

	category := leadCategory(in.Attempt.Issues)
	switch {
	case isTrivialOnly(in.Attempt.Issues):
		if in.RetriesAtCurrentTier < budget {
			return Decision{Action: ActionRetry, Reason: "trivial issues, retrying"}
		}
		return Decision{Action: ActionEscalate, Reason: "trivial issues exhausted per-tier budget"}

	case isSerious(category):
		seriousBudget := max(2, budget-1)
		if in.Attempt.IsTestWritingObjective {
			seriousBudget++
		}
		if in.RetriesAtCurrentTier < seriousBudget {
			return Decision{Action: ActionRetry, Reason: "serious issue, retrying within budget"}
		}
		return Decision{Action: ActionEscalate, Reason: "serious issue exhausted retry budget"}

	default:
		if in.RetriesAtCurrentTier < budget {
			return Decision{Action: ActionRetry, Reason: "default retry"}
		}
		return Decision{Action: ActionEscalate, Reason: "default retry budget exhausted"}
	}
}

func ralphLoopDetected(history []string) bool {
	if len(history) == 0 {
		return false
	}
	last := history[len(history)-1]
	count := 0
	for _, h := range history {
		if h == last {
			count++
		}
	}
	return count >= ralphLoopThreshold
}

func isFinalTier(tier constants.ModelTier) bool {
	order := constants.TierOrder
	return len(order) > 0 && tier == order[len(order)-1]
}

func leadCategory(issues []verifier.Issue) verifier.Category {
	if len(issues) == 0 {
		return verifier.CategoryUnknown
	}
	return issues[0].Category
}

func isTrivialOnly(issues []verifier.Issue) bool {
	if len(issues) == 0 {
		return false
	}
	for _, iss := range issues {
		if iss.Category != verifier.CategoryLint && iss.Category != verifier.CategorySpell {
			return false
		}
	}
	return true
}

func isSerious(category verifier.Category) bool {
	switch category {
	case verifier.CategoryTypecheck, verifier.CategoryBuild, verifier.CategoryTest:
		return true
	default:
		return false
	}
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// ErrorPrefix returns the first errorPrefixLen characters of the lead
// issue's message, trimmed of surrounding whitespace, used both to populate
// AttemptState.ErrorPrefixHistory and by FormatForPrompt-style callers
// needing the same normalization.
func ErrorPrefix(issues []verifier.Issue) string {
	if len(issues) == 0 {
		return ""
	}
	msg := strings.TrimSpace(issues[0].Message)
	if len(msg) > errorPrefixLen {
		msg = msg[:errorPrefixLen]
	}
	return strings.TrimSpace(msg)
}
