// Package eventlog implements the Checkpoint & Event Log: an append-only
// JSONL stream of fixed-kind events (grind_start, grind_end, task_start,
// task_complete, task_failed, task_escalated, plus the merge-queue events
// this implementation adds) recording a raid's execution. Writers only
// ever append. Readers tolerate a malformed line by substituting a
// synthetic grind_end so a single corrupt line never aborts a status
// query.
package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"syscall"

	"github.com/duskforge/undercity/pkg/constants"
	"github.com/duskforge/undercity/pkg/logger"
)

var log = logger.New("eventlog:eventlog")

// Event is one line of the event log. Kind/Time/TaskID are common to every
// entry; the rest are populated per Kind, matching the documented entry
// shapes:
//
//	grind_start    {batch, tasks, parallelism, models, pid}
//	grind_end      {batch, success}
//	task_start     {taskId, task, model}
//	task_complete  {taskId, sha?, model, attempts, durationMs}
//	task_failed    {taskId, error, errorCategory?}
//	task_escalated {taskId, fromModel, toModel}
//
// Detail remains available as free-form context for kinds this
// implementation adds beyond that set (the merge-queue events).
type Event struct {
	Kind   constants.EventKind `json:"kind"`
	Time   string              `json:"time"`
	PID    int                 `json:"pid,omitempty"`
	TaskID string              `json:"taskId,omitempty"`
	Detail string              `json:"detail,omitempty"`

	// grind_start
	Batch       string         `json:"batch,omitempty"`
	Tasks       int            `json:"tasks,omitempty"`
	Parallelism int            `json:"parallelism,omitempty"`
	Models      map[string]int `json:"models,omitempty"`

	// grind_end
	Success bool `json:"success,omitempty"`

	// task_start / task_complete
	Task  string `json:"task,omitempty"`
	Model string `json:"model,omitempty"`

	// task_complete
	SHA        string `json:"sha,omitempty"`
	Attempts   int    `json:"attempts,omitempty"`
	DurationMs int64  `json:"durationMs,omitempty"`

	// task_failed
	Error         string `json:"error,omitempty"`
	ErrorCategory string `json:"errorCategory,omitempty"`

	// task_escalated
	FromModel string `json:"fromModel,omitempty"`
	ToModel   string `json:"toModel,omitempty"`

	// synthetic marks a reader-substituted event standing in for a
	// malformed line; never set by a writer and never serialized.
	synthetic bool
}

// Log appends to a single JSONL file. One Log wraps one path; callers
// share a Log per state directory the way the AST index, ledger, and fix
// store share one process-wide instance per repo root.
type Log struct {
	path string
	mu   sync.Mutex
}

// Open returns a Log writing to path. Open touches nothing on disk; the
// containing directory and the file are created on the first Append.
func Open(path string) *Log {
	return &Log{path: path}
}

// Append writes one event as a single JSON line. Writers never rewrite or
// truncate; a crash mid-append can leave a torn final line, which Read
// tolerates via the synthetic-grind_end substitution.
func (l *Log) Append(e Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0o750); err != nil {
		return fmt.Errorf("mkdir for event log: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("open event log %s: %w", l.path, err)
	}
	defer f.Close()

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	data = append(data, '\n')
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("append event log %s: %w", l.path, err)
	}
	return f.Sync()
}

// Read parses every line of path in order. A line that fails to unmarshal
// is replaced with a synthetic grind_end event carrying no pid/taskId so
// downstream liveness and status logic treats the stream as having ended
// rather than aborting. A missing file yields an empty, non-error result.
func Read(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open event log %s: %w", path, err)
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			log.Printf("malformed event log line %d in %s, substituting grind_end: %v", lineNo, path, err)
			events = append(events, Event{Kind: constants.EventGrindEnd, synthetic: true})
			continue
		}
		events = append(events, e)
	}
	if err := scanner.Err(); err != nil {
		return events, fmt.Errorf("scan event log %s: %w", path, err)
	}
	return events, nil
}

// IsRunning reports whether the most recent grind_start in events has no
// matching grind_end and, when it carries a pid, that pid still exists
// (signal-0 probe). An absent/zero pid defaults to "running" until a
// matching end appears.
func IsRunning(events []Event) bool {
	var lastStart *Event
	sawEnd := false
	for i := range events {
		switch events[i].Kind {
		case constants.EventGrindStart:
			lastStart = &events[i]
			sawEnd = false
		case constants.EventGrindEnd:
			if lastStart != nil {
				sawEnd = true
			}
		}
	}
	if lastStart == nil || sawEnd {
		return false
	}
	if lastStart.PID == 0 {
		return true
	}
	return processExists(lastStart.PID)
}

func processExists(pid int) bool {
	if runtime.GOOS == "windows" && pid == os.Getpid() {
		return true
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
