package mergequeue

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/duskforge/undercity/pkg/gitutil"
	"github.com/duskforge/undercity/pkg/ratelimit"
)

// ErrRebaseConflict distinguishes a rebase that stopped on conflicting
// hunks from any other git failure, so the queue loop can tell "needs a
// repair pass" apart from "something is actually broken".
var ErrRebaseConflict = errors.New("rebase conflict")

// gitClient is the narrow git surface the merge queue needs: rebase a
// worktree onto trunk, fast-forward trunk to a tip, and abort a rebase
// left mid-flight by a conflict.
type gitClient struct {
	RepoRoot string
}

func (g gitClient) run(ctx context.Context, dir string, args ...string) (string, error) {
	if err := ratelimit.Wait(ctx, ratelimit.OperationGitSubprocess); err != nil {
		return "", fmt.Errorf("waiting for git slot: %w", err)
	}
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// Rebase rebases the worktree at dir onto onto, returning ErrRebaseConflict
// (wrapping the raw git output) when the stop is conflict-shaped rather
// than some other git failure.
func (g gitClient) Rebase(ctx context.Context, dir, onto string) error {
	out, err := g.run(ctx, dir, "rebase", onto)
	if err != nil {
		if gitutil.IsMergeConflict(out) {
			return fmt.Errorf("%w: %s", ErrRebaseConflict, strings.TrimSpace(out))
		}
		return fmt.Errorf("git rebase: %w: %s", err, strings.TrimSpace(out))
	}
	return nil
}

// AbortRebase aborts a rebase left in progress at dir; a "no rebase in
// progress" error is not a failure, there is simply nothing to abort.
func (g gitClient) AbortRebase(ctx context.Context, dir string) error {
	out, err := g.run(ctx, dir, "rebase", "--abort")
	if err != nil && !strings.Contains(strings.ToLower(out), "no rebase in progress") {
		return fmt.Errorf("git rebase --abort: %w: %s", err, strings.TrimSpace(out))
	}
	return nil
}

// Tip returns the worktree's current commit hash.
func (g gitClient) Tip(ctx context.Context, dir string) (string, error) {
	out, err := g.run(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("git rev-parse: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// FastForwardTrunk moves branch (in the main repo, not a worktree) to
// tip via a pure fast-forward merge; it fails loudly rather than
// creating a merge commit if trunk has moved in a way that isn't a
// fast-forward.
func (g gitClient) FastForwardTrunk(ctx context.Context, branch, tip string) error {
	if _, err := g.run(ctx, g.RepoRoot, "checkout", branch); err != nil {
		return fmt.Errorf("checkout trunk: %w", err)
	}
	out, err := g.run(ctx, g.RepoRoot, "merge", "--ff-only", tip)
	if err != nil {
		return fmt.Errorf("fast-forward trunk: %w: %s", err, strings.TrimSpace(out))
	}
	return nil
}
