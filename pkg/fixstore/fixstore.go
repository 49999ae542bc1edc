// Package fixstore implements the Error-Fix Pattern Store: verifier
// issues are normalized into a stable signature, accumulated as
// occurrences, and — once a Worker's retry resolves one — linked to the
// set of files the fix touched. Future attempts hitting the same
// signature get those past fixes surfaced as prompt context.
package fixstore

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/duskforge/undercity/pkg/constants"
	"github.com/duskforge/undercity/pkg/state"
)

const (
	maxPending    = 10
	maxFixes      = 5
	sampleMaxLen  = 500
	pruneMinOccur = 5
)

// Fix is one resolved occurrence of a pattern: the files the fix touched
// and an optional human-readable summary of the edit.
type Fix struct {
	Files       []string  `json:"files"`
	EditSummary string    `json:"editSummary,omitempty"`
	ResolvedAt  time.Time `json:"resolvedAt"`
}

// pendingEntry records an unresolved occurrence awaiting a fix, keyed by
// the task id that hit it, so a later successful retry on the same task
// can be linked back to this occurrence's file snapshot and pattern.
type pendingEntry struct {
	TaskID         string    `json:"taskId"`
	Signature      string    `json:"signature"`
	Category       string    `json:"category"`
	Message        string    `json:"message"`
	FilesAtPending []string  `json:"filesAtPending"`
	RecordedAt     time.Time `json:"recordedAt"`
}

// Pattern is one signature's accumulated history.
type Pattern struct {
	Signature       string    `json:"signature"`
	Category        string    `json:"category"`
	SampleMessage   string    `json:"sampleMessage"`
	OccurrenceCount int       `json:"occurrenceCount"`
	Fixes           []Fix     `json:"fixes"`
	FirstSeen       time.Time `json:"firstSeen"`
	LastSeen        time.Time `json:"lastSeen"`
}

// SuccessRate is fixes / occurrences, 0 when never seen.
func (p Pattern) SuccessRate() float64 {
	if p.OccurrenceCount == 0 {
		return 0
	}
	return float64(len(p.Fixes)) / float64(p.OccurrenceCount)
}

// Store is the persisted document: every pattern keyed by its signature,
// plus a single top-level queue of occurrences awaiting a fix, bounded to
// the 10 most recent across all patterns combined.
type Store struct {
	Version  int                `json:"version"`
	Patterns map[string]Pattern `json:"patterns"`
	Pending  []pendingEntry     `json:"pending"`
}

func empty() Store {
	return Store{Version: constants.StateSchemaVersion, Patterns: map[string]Pattern{}}
}

// Load reads path, substituting an empty store on a missing or corrupt file.
func Load(path string) Store {
	var s Store
	if !state.ReadJSON(path, &s) {
		return empty()
	}
	if s.Patterns == nil {
		s.Patterns = map[string]Pattern{}
	}
	return s
}

// Save persists s atomically to path.
func Save(path string, s Store) error {
	return state.WriteJSON(path, s)
}

var (
	pathRe    = regexp.MustCompile(`(?:/[\w.\-]+)+/?[\w.\-]*|[A-Za-z]:\\(?:[\w.\- ]+\\)*[\w.\- ]*`)
	lineColRe = regexp.MustCompile(`\bline\s+\d+(?::\d+)?\b|\b\d+:\d+\b`)
	quotedRe  = regexp.MustCompile(`"[^"]*"|'[^']*'`)
	hexAddrRe = regexp.MustCompile(`0x[0-9a-f]+`)
	wsRe      = regexp.MustCompile(`\s+`)
)

// Signature computes the deterministic, stable-across-runs signature for
// a (category, message) pair: lowercase, paths replaced with FILE,
// line/col markers and quoted literals and hex addresses replaced with
// placeholders, whitespace collapsed, then a 12-hex hash prepended with
// "category-".
func Signature(category, message string) string {
	normalized := strings.ToLower(message)
	normalized = pathRe.ReplaceAllString(normalized, "FILE")
	normalized = lineColRe.ReplaceAllString(normalized, "LOC")
	normalized = quotedRe.ReplaceAllString(normalized, "LIT")
	normalized = hexAddrRe.ReplaceAllString(normalized, "ADDR")
	normalized = wsRe.ReplaceAllString(normalized, " ")
	normalized = strings.TrimSpace(normalized)

	sum := blake2b.Sum256([]byte(normalized))
	hash := fmt.Sprintf("%x", sum)[:12]
	return category + "-" + hash
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// RecordPending allocates or updates the pattern for (category, message):
// increments its occurrence count and appends a pending entry for taskID
// carrying the signature and the file set present at the time of the
// failure. The pending queue is a single list shared across every
// pattern, bounded to the 10 most recent entries overall.
func RecordPending(s Store, category, message, taskID string, filesAtPending []string, now time.Time) Store {
	sig := Signature(category, message)
	p, ok := s.Patterns[sig]
	if !ok {
		p = Pattern{Signature: sig, Category: category, SampleMessage: truncate(message, sampleMaxLen), FirstSeen: now}
	}
	p.OccurrenceCount++
	p.LastSeen = now
	s.Patterns[sig] = p

	s.Pending = append(s.Pending, pendingEntry{
		TaskID:         taskID,
		Signature:      sig,
		Category:       category,
		Message:        truncate(message, sampleMaxLen),
		FilesAtPending: filesAtPending,
		RecordedAt:     now,
	})
	if len(s.Pending) > maxPending {
		s.Pending = s.Pending[len(s.Pending)-maxPending:]
	}
	return s
}

// RecordFix locates the pending entry for taskID and, on finding one,
// computes the fixed file set (filesNow minus the files present when the
// error was recorded, falling back to filesNow capped at 5 when that
// difference is empty), appends a Fix record to the entry's pattern
// (bounded to the 5 most recent), and removes the pending entry.
func RecordFix(s Store, taskID string, filesNow []string, editSummary string, now time.Time) Store {
	idx := -1
	for i, pending := range s.Pending {
		if pending.TaskID == taskID {
			idx = i
			break
		}
	}
	if idx == -1 {
		return s
	}

	before := s.Pending[idx]
	s.Pending = append(s.Pending[:idx:idx], s.Pending[idx+1:]...)

	p, ok := s.Patterns[before.Signature]
	if !ok {
		return s
	}

	newFiles := difference(filesNow, before.FilesAtPending)
	if len(newFiles) == 0 {
		newFiles = filesNow
		if len(newFiles) > 5 {
			newFiles = newFiles[:5]
		}
	}

	p.Fixes = append(p.Fixes, Fix{Files: newFiles, EditSummary: editSummary, ResolvedAt: now})
	if len(p.Fixes) > maxFixes {
		p.Fixes = p.Fixes[len(p.Fixes)-maxFixes:]
	}
	s.Patterns[before.Signature] = p
	return s
}

func difference(a, b []string) []string {
	inB := make(map[string]bool, len(b))
	for _, f := range b {
		inB[f] = true
	}
	var out []string
	for _, f := range a {
		if !inB[f] {
			out = append(out, f)
		}
	}
	return out
}

// FindFixSuggestions returns the pattern for (category, message) with its
// fixes sorted newest-first. ok is false when the signature has never
// been seen.
func FindFixSuggestions(s Store, category, message string) (pattern Pattern, ok bool) {
	sig := Signature(category, message)
	p, found := s.Patterns[sig]
	if !found {
		return Pattern{}, false
	}
	fixes := append([]Fix(nil), p.Fixes...)
	sort.Slice(fixes, func(i, j int) bool { return fixes[i].ResolvedAt.After(fixes[j].ResolvedAt) })
	p.Fixes = fixes
	return p, true
}

// FormatForPrompt renders a compact block for (category, message) suitable
// for concatenation into a retry prompt: occurrence count, success rate,
// and up to the 3 most recent fixes (files + edit summary). Returns ""
// when the signature has never been seen.
func FormatForPrompt(s Store, category, message string) string {
	p, ok := FindFixSuggestions(s, category, message)
	if !ok {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Known pattern %s: seen %d time(s), %.0f%% fix success rate.\n",
		p.Signature, p.OccurrenceCount, p.SuccessRate()*100)

	limit := len(p.Fixes)
	if limit > 3 {
		limit = 3
	}
	for i := 0; i < limit; i++ {
		fix := p.Fixes[i]
		fmt.Fprintf(&b, "- fixed by editing %s", strings.Join(fix.Files, ", "))
		if fix.EditSummary != "" {
			fmt.Fprintf(&b, ": %s", fix.EditSummary)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// Prune drops patterns last seen before the cutoff (now minus maxAge)
// that have zero fixes and fewer than 5 occurrences, along with any
// pending entries left referencing a dropped pattern's signature.
func Prune(s Store, now time.Time, maxAge time.Duration) Store {
	cutoff := now.Add(-maxAge)
	dropped := map[string]bool{}
	for sig, p := range s.Patterns {
		if p.LastSeen.Before(cutoff) && len(p.Fixes) == 0 && p.OccurrenceCount < pruneMinOccur {
			delete(s.Patterns, sig)
			dropped[sig] = true
		}
	}
	if len(dropped) == 0 {
		return s
	}
	pending := s.Pending[:0]
	for _, entry := range s.Pending {
		if !dropped[entry.Signature] {
			pending = append(pending, entry)
		}
	}
	s.Pending = pending
	return s
}
