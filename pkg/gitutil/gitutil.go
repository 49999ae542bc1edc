// Package gitutil holds small helpers around git/GitHub plumbing. The
// orchestrator treats branch creation, worktree add, rebase, and diffing
// as external collaborators invoked via subprocess (see pkg/worktree,
// pkg/worker and pkg/mergequeue) — this package carries the pure string/classification
// logic shared by those call sites, plus the one place that talks to the
// gh CLI directly (github.go).
package gitutil

import "strings"

// IsAuthError checks if an error message indicates an authentication issue.
// Used to detect when a git or gh subprocess fails due to missing or invalid
// credentials rather than a genuine repository problem.
func IsAuthError(errMsg string) bool {
	lowerMsg := strings.ToLower(errMsg)
	return strings.Contains(lowerMsg, "gh_token") ||
		strings.Contains(lowerMsg, "github_token") ||
		strings.Contains(lowerMsg, "authentication") ||
		strings.Contains(lowerMsg, "not logged into") ||
		strings.Contains(lowerMsg, "unauthorized") ||
		strings.Contains(lowerMsg, "forbidden") ||
		strings.Contains(lowerMsg, "permission denied")
}

// IsHexString checks if a string contains only hexadecimal characters.
// Used to validate git commit SHAs and other hex identifiers before they are
// trusted as trunk pointers.
func IsHexString(s string) bool {
	if len(s) == 0 {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}

// IsValidSHA reports whether s looks like a git object id: 7-40 hex digits.
// The Merge Queue uses this to sanity-check a rebase's reported tip before
// fast-forwarding trunk to it.
func IsValidSHA(s string) bool {
	if len(s) < 7 || len(s) > 40 {
		return false
	}
	return IsHexString(s)
}

// ShortSHA truncates a commit SHA to its conventional 7-character display
// form. Used in commit subjects, event log entries, and status output.
func ShortSHA(sha string) string {
	if len(sha) <= 7 {
		return sha
	}
	return sha[:7]
}

// IsMergeConflict inspects the combined stdout/stderr of a git rebase (or
// merge) invocation and reports whether it failed due to a content conflict,
// as opposed to some other subprocess failure (missing branch, network,
// permissions). The Merge Queue uses this to decide whether a failure
// is eligible for the one-shot repair-and-requeue path.
func IsMergeConflict(output string) bool {
	lower := strings.ToLower(output)
	return strings.Contains(lower, "conflict") ||
		strings.Contains(lower, "could not apply") ||
		strings.Contains(lower, "needs merge") ||
		strings.Contains(lower, "unmerged files")
}

// WorktreeBranchName derives a deterministic, filesystem- and git-ref-safe
// branch name of the form undercity/<id> from a stable task id; pkg/worktree
// names task worktree branches with its own BranchName (grind/<id>) instead.
// Task ids are already opaque identifiers; this only replaces characters git
// refs disallow with '-' so the caller never has to special-case weird ids.
func WorktreeBranchName(taskID string) string {
	var b strings.Builder
	b.WriteString("undercity/")
	for _, r := range taskID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return b.String()
}
