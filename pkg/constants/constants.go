// Package constants centralizes identifiers shared across the orchestrator:
// the CLI name, the state-directory layout (state files, per-task
// assignment/checkpoint files), the closed action-keyword vocabulary the
// Capability Ledger matches objectives against, and the event-log entry
// kinds written by the Checkpoint & Event Log.
package constants

// CLIName is the prefix used in user-facing output to refer to the CLI.
const CLIName = "undercity"

// StateDirName is the conventional per-repository state directory
// (relative to the repo root) holding pocket/inventory/stash/ast-index/
// ledger/fix-pattern/event-log files and per-task assignment and
// checkpoint files.
const StateDirName = ".undercity"

// State file names within StateDirName.
const (
	PocketFile      = "pocket.json"
	InventoryFile   = "inventory.json"
	StashFile       = "stash.json"
	ASTIndexFile    = "ast-index.json"
	LedgerFile      = "capability-ledger.json"
	FixPatternsFile = "error-fix-patterns.json"
	EventLogFile    = "grind-events.jsonl"
	TasksDirName    = "tasks"
	AssignmentFile  = "assignment.json"
	CheckpointFile  = "checkpoint.json"
)

// ConfigFileName is the optional per-repository tunables file.
const ConfigFileName = ".undercity.yml"

// StateSchemaVersion is the version tag stamped into every persisted JSON
// document. The AST index and the Capability Ledger discard a loaded
// document whose version differs and start from an empty one; the fix
// store does not check the version. Unknown fields are tolerated on load.
const StateSchemaVersion = 1

// ModelTier names the three agent cost/capability tiers a Worker can run
// a task at. A task given no tier starts at the Capability Ledger's
// recommendation (TierMiddle while the ledger holds too few entries) and
// escalates on repeated failure.
type ModelTier string

const (
	TierLow    ModelTier = "low"
	TierMiddle ModelTier = "middle"
	TierTop    ModelTier = "top"
)

// TierCost gives the relative cost weight of each tier, used by the
// Capability Ledger when recommending a starting tier for a new task and
// as the default relative costs of the config's model tier table.
var TierCost = map[ModelTier]int{
	TierLow:    1,
	TierMiddle: 3,
	TierTop:    10,
}

// TierOrder lists tiers from cheapest to most capable, the order the
// Worker escalates through on repeated failure.
var TierOrder = []ModelTier{TierLow, TierMiddle, TierTop}

// ActionVocabulary is the closed set of verbs the Capability Ledger
// extracts from an objective and matches against its per-keyword,
// per-tier statistics. An objective's tokens are lowercased and
// intersected with this set; unmatched tokens are ignored for ledger
// lookups (they still reach the agent prompt via the Context Briefer).
var ActionVocabulary = []string{
	"add", "fix", "refactor", "remove", "rename", "update", "upgrade",
	"migrate", "optimize", "document", "test", "debug", "implement",
	"extract", "split", "merge", "simplify", "clean", "deprecate",
	"replace", "configure", "validate", "secure", "harden", "parallelize",
	"cache", "retry", "log", "monitor", "investigate", "research",
}

// WriteToolNames is the set of agent SDK tool names the Worker treats as
// file-mutating: agentsdk.WriteTracker.Observe counts one write of a file
// for each tool use carrying one of these names and a file_path input,
// feeding the total and per-file write counts the Worker uses to detect
// stalls. Tool results are not consulted, so a failed write counts too;
// the agent process runner reports one Edit per file its turn result
// lists as changed.
var WriteToolNames = map[string]bool{
	"Write":        true,
	"Edit":         true,
	"NotebookEdit": true,
}

// EventKind enumerates the fixed set of Checkpoint & Event Log entry kinds.
type EventKind string

const (
	EventGrindStart    EventKind = "grind_start"
	EventGrindEnd      EventKind = "grind_end"
	EventTaskStart     EventKind = "task_start"
	EventTaskComplete  EventKind = "task_complete"
	EventTaskFailed    EventKind = "task_failed"
	EventTaskEscalated EventKind = "task_escalated"
	EventMergeAttempt  EventKind = "merge_attempt"
	EventMergeSuccess  EventKind = "merge_success"
	EventMergeConflict EventKind = "merge_conflict"
)
