package gitutil

import "testing"

func TestCommitType(t *testing.T) {
	cases := map[string]string{
		"Research the flakiness in the scheduler tests": "research",
		"Add tests for the merge queue rebase path":     "test",
		"Update the README with install instructions":   "docs",
		"Optimize the hot loop in the verifier":          "perf",
		"Implement retry backoff for worker attempts":    "feat",
		"Fix the off-by-one in the ralph-loop detector":  "fix",
		"Refactor the worker retry logic":                "refactor",
		"Fix a typo in a comment":                        "fix",
		"Reformat the config package with gofmt":         "style",
		"Bump go.mod to go 1.25":                          "chore",
	}
	for objective, want := range cases {
		if got := CommitType(objective); got != want {
			t.Errorf("CommitType(%q) = %q, want %q", objective, got, want)
		}
	}
}

func TestCommitTypePriorityOrder(t *testing.T) {
	// "test" outranks "fix": an objective naming both should classify as test.
	if got := CommitType("fix the failing test in worker_test.go"); got != "test" {
		t.Errorf("expected test to outrank fix, got %q", got)
	}
	// "fix" outranks "refactor".
	if got := CommitType("refactor to fix the bug"); got != "fix" {
		t.Errorf("expected fix to outrank refactor, got %q", got)
	}
}

func TestCommitScopeSingleFile(t *testing.T) {
	got := CommitScope([]string{"pkg/worker/worker.go"})
	if got != "worker" {
		t.Errorf("CommitScope single file = %q, want %q", got, "worker")
	}
}

func TestCommitScopeSharedDirectory(t *testing.T) {
	got := CommitScope([]string{"pkg/worker/worker.go", "pkg/worker/decision.go"})
	if got != "worker" {
		t.Errorf("CommitScope shared dir = %q, want %q", got, "worker")
	}
}

func TestCommitScopeSkipsGenericTopLevelDir(t *testing.T) {
	got := CommitScope([]string{"pkg/foo.go", "cmd/bar.go"})
	if got != "" {
		t.Errorf("CommitScope across pkg/cmd with no shared dir = %q, want empty", got)
	}

	got = CommitScope([]string{"util_test.go", "helper_test.go"})
	if got != "" {
		// both files share directory "." -- filepath.Base(".") is "." and
		// is treated as no scope, same as the generic-dir case.
		t.Errorf("CommitScope at repo root = %q, want empty", got)
	}
}

func TestCommitScopeCommonBasenamePrefixFallback(t *testing.T) {
	got := CommitScope([]string{"pkg/a/configloader.go", "pkg/b/configwriter.go"})
	if got != "config" {
		t.Errorf("CommitScope common prefix = %q, want %q", got, "config")
	}
}

func TestCommitScopeNoCommonality(t *testing.T) {
	got := CommitScope([]string{"pkg/a/alpha.go", "pkg/b/beta.go"})
	if got != "" {
		t.Errorf("CommitScope with no shared dir or prefix = %q, want empty", got)
	}
}

func TestCommitScopeEmpty(t *testing.T) {
	if got := CommitScope(nil); got != "" {
		t.Errorf("CommitScope(nil) = %q, want empty", got)
	}
}

func TestBuildCommitMessageWithScope(t *testing.T) {
	got := BuildCommitMessage("fix the nil pointer panic in the util helpers", []string{"pkg/util/helpers.go"})
	want := "fix(helpers): Fix the nil pointer panic in the util helpers"
	if got != want {
		t.Errorf("BuildCommitMessage = %q, want %q", got, want)
	}
}

func TestBuildCommitMessageNoScope(t *testing.T) {
	got := BuildCommitMessage("refactor the shared retry logic", []string{"pkg/a/alpha.go", "pkg/b/beta.go"})
	want := "refactor: Refactor the shared retry logic"
	if got != want {
		t.Errorf("BuildCommitMessage = %q, want %q", got, want)
	}
}

func TestBuildCommitMessageStripsBracketTag(t *testing.T) {
	got := BuildCommitMessage("[task-7] implement the worker commit phase", []string{"pkg/worker/worker.go"})
	want := "feat(worker): Implement the worker commit phase"
	if got != want {
		t.Errorf("BuildCommitMessage = %q, want %q", got, want)
	}
}

func TestBuildCommitMessageTruncatesWithEllipsis(t *testing.T) {
	objective := "implement an extremely long and detailed objective description that goes well past the seventy two character subject line limit all by itself"
	got := BuildCommitMessage(objective, []string{"pkg/worker/worker.go"})
	if len(got) > maxSubjectLen {
		t.Fatalf("BuildCommitMessage exceeded %d chars: %d (%q)", maxSubjectLen, len(got), got)
	}
	if got[len(got)-3:] != "..." {
		t.Errorf("expected truncated subject to end with ellipsis, got %q", got)
	}
}

func TestBuildCommitMessageShortSubjectUntouched(t *testing.T) {
	got := BuildCommitMessage("fix bug", []string{"pkg/a/a.go"})
	want := "fix(a): Fix bug"
	if got != want {
		t.Errorf("BuildCommitMessage = %q, want %q", got, want)
	}
	if len(got) > maxSubjectLen {
		t.Fatalf("short subject unexpectedly exceeds limit: %q", got)
	}
}
