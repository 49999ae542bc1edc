// Package worktree creates and tears down the isolated git worktrees the
// Scheduler hands to each Worker: one branch plus one checkout per task,
// so concurrent Workers never see each other's uncommitted changes.
package worktree

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

const (
	nameSeparator = "__"
	labelMaxLen   = 48
)

// ValidationError reports a malformed task id or derived worktree name;
// returned instead of a generic error so callers can distinguish bad
// input from a failed git invocation.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func invalid(code, msg string) error {
	return &ValidationError{Code: code, Message: msg}
}

func validateTaskID(taskID string) error {
	trimmed := strings.TrimSpace(taskID)
	if trimmed == "" {
		return invalid("WORKTREE_TASK_ID_REQUIRED", "task id required for worktree")
	}
	if strings.Contains(trimmed, nameSeparator) || strings.Contains(trimmed, "..") || strings.ContainsAny(trimmed, "/\\") {
		return invalid("WORKTREE_TASK_ID_INVALID", "task id contains invalid characters")
	}
	for _, r := range trimmed {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.' {
			continue
		}
		return invalid("WORKTREE_TASK_ID_INVALID", "task id contains invalid characters")
	}
	return nil
}

func normalizeLabel(input string, maxLen int) string {
	trimmed := strings.TrimSpace(input)
	var b strings.Builder
	lastDash := false
	for _, r := range trimmed {
		if r >= 'A' && r <= 'Z' {
			r = r - 'A' + 'a'
		}
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			lastDash = false
		} else if !lastDash {
			b.WriteByte('-')
			lastDash = true
		}
		if maxLen > 0 && b.Len() >= maxLen {
			break
		}
	}
	return strings.Trim(b.String(), "-")
}

// Manager creates worktrees for a single repository under baseDir, each
// named by task id (optionally suffixed with a normalized label).
type Manager struct {
	RepoRoot string
	BaseDir  string
	Prefix   string
}

// NewManager returns a Manager rooted at repoRoot, storing worktrees
// under repoRoot/.undercity/worktrees unless baseDir overrides it.
func NewManager(repoRoot, baseDir string) *Manager {
	if baseDir == "" {
		baseDir = filepath.Join(repoRoot, ".undercity", "worktrees")
	}
	return &Manager{RepoRoot: repoRoot, BaseDir: baseDir, Prefix: "grind-"}
}

// Worktree is one created-and-tracked working directory.
type Worktree struct {
	TaskID    string
	Path      string
	Branch    string
	CreatedAt time.Time
}

func (m *Manager) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = m.RepoRoot
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

func (m *Manager) name(taskID, label string) string {
	norm := normalizeLabel(label, labelMaxLen)
	if norm == "" {
		return taskID
	}
	return taskID + nameSeparator + norm
}

// BranchName returns the deterministic branch name a worktree is created
// on for taskID, so callers that only know the task id (the Merge Queue,
// recovery) can reconstruct it without reading the Worktree record back.
func BranchName(taskID string) string {
	return "grind/" + taskID
}

// Create checks out a new worktree for taskID on a fresh branch
// ("grind/<taskID>") from baseBranch (HEAD when empty).
func (m *Manager) Create(ctx context.Context, taskID, label, baseBranch string) (*Worktree, error) {
	if err := validateTaskID(taskID); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(m.BaseDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating worktree base dir: %w", err)
	}

	name := m.name(taskID, label)
	path := filepath.Join(m.BaseDir, m.Prefix+name)
	if _, err := os.Stat(path); err == nil {
		return nil, invalid("WORKTREE_EXISTS", fmt.Sprintf("worktree for task %s already exists", taskID))
	}

	branch := BranchName(taskID)
	args := []string{"worktree", "add", "-b", branch, path}
	if baseBranch != "" {
		args = append(args, baseBranch)
	}
	if _, err := m.run(ctx, args...); err != nil {
		return nil, fmt.Errorf("creating worktree: %w", err)
	}

	return &Worktree{TaskID: taskID, Path: path, Branch: branch, CreatedAt: time.Now().UTC()}, nil
}

// Remove tears down the worktree at path, force-removing any
// uncommitted changes it carries (the task's outcome, if any, has
// already been committed or merged by this point).
func (m *Manager) Remove(ctx context.Context, path string) error {
	if path == "" {
		return nil
	}
	_, err := m.run(ctx, "worktree", "remove", "--force", path)
	return err
}

// CleanupOrphaned removes any worktree directory under BaseDir that git
// itself no longer tracks (e.g. left behind by a killed process), then
// runs git worktree prune.
func (m *Manager) CleanupOrphaned(ctx context.Context) error {
	entries, err := os.ReadDir(m.BaseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	tracked := map[string]bool{}
	if out, err := m.run(ctx, "worktree", "list", "--porcelain"); err == nil {
		for _, line := range strings.Split(out, "\n") {
			if strings.HasPrefix(line, "worktree ") {
				tracked[strings.TrimPrefix(line, "worktree ")] = true
			}
		}
	}
	for _, e := range entries {
		full := filepath.Join(m.BaseDir, e.Name())
		if !tracked[full] {
			_ = os.RemoveAll(full)
		}
	}
	_, _ = m.run(ctx, "worktree", "prune")
	return nil
}
