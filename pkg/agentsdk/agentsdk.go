// Package agentsdk wraps the coding agent as a lazy sequence of typed
// events (system, assistant, user, result) and exposes the Worker's
// file-mutating tools (Write, Edit, NotebookEdit) as an MCP tool server
// the agent process connects back to, so every mutation the agent makes
// is observable to the Worker as a matched tool-use/tool-result pair
// rather than inferred from side effects.
package agentsdk

import (
	"context"
	"regexp"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/duskforge/undercity/pkg/constants"
)

// EventType is one of the four kinds the agent stream emits.
type EventType string

const (
	EventSystem    EventType = "system"
	EventAssistant EventType = "assistant"
	EventUser      EventType = "user"
	EventResult    EventType = "result"
)

// ToolUse is an assistant-emitted request to invoke a tool.
type ToolUse struct {
	ID    string
	Name  string
	Input map[string]any
}

// ToolResult is a user-role event reporting a tool-use's outcome,
// matched back to its ToolUse by ID since the stream gives no ordering
// guarantee beyond id correlation.
type ToolResult struct {
	ToolUseID string
	IsError   bool
	Content   string
}

// Event is one item of the agent's lazy event stream. Only the fields
// relevant to EventType are populated.
type Event struct {
	Type       EventType
	Text       string // assistant/system text content
	ToolUses   []ToolUse
	ToolResult *ToolResult
	TokenCount int // result event: total tokens for the turn
	Success    bool
}

// Stream is the lazy sequence of events a single attempt produces. The
// Worker ranges over Events until the channel closes, then inspects Err.
type Stream struct {
	Events <-chan Event
	Err    func() error
}

// --- Marker protocol -------------------------------------------------

// Marker is one of the fixed sentinel strings an agent can emit in its
// final assistant message to short-circuit verification.
type Marker string

const (
	MarkerTaskAlreadyComplete Marker = "TASK_ALREADY_COMPLETE"
	MarkerInvalidTarget       Marker = "INVALID_TARGET"
	MarkerNeedsDecomposition  Marker = "NEEDS_DECOMPOSITION"
	MarkerVagueTask           Marker = "VAGUE_TASK"
)

var markerRe = regexp.MustCompile(`\b(TASK_ALREADY_COMPLETE|INVALID_TARGET|NEEDS_DECOMPOSITION|VAGUE_TASK)\b`)

// DetectMarker scans text for one of the fixed marker tokens. Matching is
// tolerant of surrounding punctuation/formatting the agent might wrap it
// in; an absent marker returns ("", false).
func DetectMarker(text string) (Marker, bool) {
	m := markerRe.FindString(text)
	if m == "" {
		return "", false
	}
	return Marker(m), true
}

// --- Write-tool tracking ----------------------------------------------

// WriteTracker counts file-mutating tool calls per file across one
// attempt, used by the Worker's file-thrashing escalation check. Safe
// for concurrent use since tool-result events may be matched from a
// reader goroutine while the main loop inspects counts.
type WriteTracker struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewWriteTracker returns an empty tracker.
func NewWriteTracker() *WriteTracker {
	return &WriteTracker{counts: map[string]int{}}
}

// Observe records a tool use if its name is in the write-tool set,
// extracting the target file from its input's "file_path" field. A
// non-write tool or a write tool with no resolvable path is ignored.
func (w *WriteTracker) Observe(use ToolUse) {
	if !constants.WriteToolNames[use.Name] {
		return
	}
	path, _ := use.Input["file_path"].(string)
	if path == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.counts[path]++
}

// CountFor returns how many times path has been written this attempt.
func (w *WriteTracker) CountFor(path string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.counts[path]
}

// MaxCount returns the highest per-file write count observed, used to
// detect thrashing against a configured threshold regardless of which
// file is the offender.
func (w *WriteTracker) MaxCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	max := 0
	for _, c := range w.counts {
		if c > max {
			max = c
		}
	}
	return max
}

// TotalWrites returns the number of write-tool calls observed across all
// files, used for the "zero writes" no-changes fail-fast check.
func (w *WriteTracker) TotalWrites() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	total := 0
	for _, c := range w.counts {
		total += c
	}
	return total
}

// --- Tool server --------------------------------------------------------

// WriteCallback is invoked synchronously for every write-tool call the
// agent makes, before the underlying edit is allowed to proceed. A
// non-nil error denies the call and is surfaced to the agent as the
// tool's error result.
type WriteCallback func(ctx context.Context, toolName, filePath string) error

// EditInput is the shared parameter shape for Write/Edit/NotebookEdit
// calls routed through the tool server; only FilePath is required by the
// tracking hook, the remainder passes through uninspected.
type EditInput struct {
	FilePath string         `json:"file_path"`
	Extra    map[string]any `json:"-"`
}

// NewToolServer builds an MCP server exposing the three write tools the
// Worker tracks (constants.WriteToolNames), each wired to onWrite so
// every mutation is observable before it lands.
func NewToolServer(name, version string, onWrite WriteCallback) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{Name: name, Version: version}, nil)

	for toolName := range constants.WriteToolNames {
		toolName := toolName
		mcp.AddTool(server, &mcp.Tool{
			Name:        toolName,
			Description: "file-mutating tool tracked by the worker's write tracker",
		}, func(ctx context.Context, req *mcp.CallToolRequest, input EditInput) (*mcp.CallToolResult, any, error) {
			if err := onWrite(ctx, toolName, input.FilePath); err != nil {
				return &mcp.CallToolResult{IsError: true, Content: []mcp.Content{&mcp.TextContent{Text: err.Error()}}}, nil, nil
			}
			return &mcp.CallToolResult{}, nil, nil
		})
	}

	return server
}
