package gitutil

import (
	"encoding/json"
	"os"
	"os/exec"
	"strings"

	gh "github.com/cli/go-gh/v2"

	"github.com/duskforge/undercity/pkg/logger"
)

var log = logger.New("gitutil:github")

type repoView struct {
	DefaultBranchRef struct {
		Name string `json:"name"`
	} `json:"defaultBranchRef"`
}

// DefaultBranch resolves repoRoot's trunk branch name: gh repo view when
// GH_TOKEN is set (the authenticated path the orchestrator already
// expects for merge-queue operations), falling back to the local
// origin/HEAD symbolic ref, and finally to "HEAD" itself so a repository
// with no remote at all still gets a usable trunk pointer.
func DefaultBranch(repoRoot string) string {
	if os.Getenv("GH_TOKEN") != "" {
		stdout, stderr, err := gh.Exec("repo", "view", "--json", "defaultBranchRef")
		if err != nil {
			log.Printf("gh repo view failed, falling back to local ref: %v (%s)", err, strings.TrimSpace(stderr.String()))
		} else {
			var view repoView
			if err := json.Unmarshal(stdout.Bytes(), &view); err == nil && view.DefaultBranchRef.Name != "" {
				return view.DefaultBranchRef.Name
			}
		}
	}

	cmd := exec.Command("git", "symbolic-ref", "--short", "refs/remotes/origin/HEAD")
	cmd.Dir = repoRoot
	out, err := cmd.Output()
	if err != nil {
		return "HEAD"
	}
	ref := strings.TrimSpace(string(out))
	return strings.TrimPrefix(ref, "origin/")
}
