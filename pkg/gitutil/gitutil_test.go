package gitutil

import "testing"

func TestIsAuthError(t *testing.T) {
	cases := map[string]bool{
		"HTTP 401: Bad credentials (GITHUB_TOKEN)": true,
		"fatal: could not read Username":           false,
		"remote: Permission denied to user":        true,
		"connection reset by peer":                 false,
	}
	for msg, want := range cases {
		if got := IsAuthError(msg); got != want {
			t.Errorf("IsAuthError(%q) = %v, want %v", msg, got, want)
		}
	}
}

func TestIsHexString(t *testing.T) {
	if !IsHexString("deadbeef") {
		t.Error("expected deadbeef to be hex")
	}
	if IsHexString("") {
		t.Error("empty string should not be hex")
	}
	if IsHexString("xyz123") {
		t.Error("xyz123 should not be hex")
	}
}

func TestIsValidSHA(t *testing.T) {
	if !IsValidSHA("a1b2c3d") {
		t.Error("7-char hex should be a valid short SHA")
	}
	if IsValidSHA("a1b2c3") {
		t.Error("6-char hex is too short")
	}
	if IsValidSHA("not-a-sha-at-all-and-too-long-zzzzzzzzzzzzzzzzzzzzzzzzzzzzz") {
		t.Error("overlong non-hex string should be rejected")
	}
}

func TestShortSHA(t *testing.T) {
	if got := ShortSHA("a1b2c3d4e5f6"); got != "a1b2c3d" {
		t.Errorf("ShortSHA truncated wrong: %q", got)
	}
	if got := ShortSHA("a1b"); got != "a1b" {
		t.Errorf("ShortSHA should not pad: %q", got)
	}
}

func TestIsMergeConflict(t *testing.T) {
	if !IsMergeConflict("CONFLICT (content): Merge conflict in src/util.ts") {
		t.Error("expected conflict output to be detected")
	}
	if IsMergeConflict("Successfully rebased and updated refs/heads/task-1.") {
		t.Error("clean rebase output should not be flagged as a conflict")
	}
}

func TestWorktreeBranchName(t *testing.T) {
	got := WorktreeBranchName("task:42/fix it")
	want := "undercity/task-42-fix-it"
	if got != want {
		t.Errorf("WorktreeBranchName = %q, want %q", got, want)
	}
}
