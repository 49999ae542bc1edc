// Package cli implements the undercity command tree: one constructor
// per subcommand, each wiring pkg/orchestrator against the repository
// the user is standing in. Each subcommand follows the same
// NewXCommand() *cobra.Command convention so cmd/undercity stays a thin
// assembly of this package's commands.
package cli

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/duskforge/undercity/pkg/agentproc"
	"github.com/duskforge/undercity/pkg/config"
	"github.com/duskforge/undercity/pkg/constants"
	"github.com/duskforge/undercity/pkg/logger"
	"github.com/duskforge/undercity/pkg/orchestrator"
	"github.com/duskforge/undercity/pkg/verifier"
)

var log = logger.New("cli:cli")

// repoRootOrFindFlag resolves the repo root a command should operate
// against: the --repo flag when set, otherwise the enclosing git
// repository's top level.
func repoRootOrFindFlag(flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	return findGitRoot()
}

// findGitRoot shells out to git to locate the repository root the
// current working directory belongs to, the same way a raid's state
// directory and worktrees are always rooted there regardless of which
// subdirectory the command was invoked from.
func findGitRoot() (string, error) {
	cmd := exec.Command("git", "rev-parse", "--show-toplevel")
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("not in a git repository or git command failed: %w", err)
	}
	return strings.TrimSpace(string(output)), nil
}

// newOrchestrator builds the Orchestrator for repoRoot, wiring the
// configured external agent process (agentproc.Runner/Planner) and the
// repo's .undercity.yml tunables. checks is empty when repoRoot carries
// no recognizable build tooling; the verifier then reports every
// attempt as passing, matching a raid over a repo with no configured
// checks rather than failing it for want of one.
func newOrchestrator(repoRoot, agentCmd string, agentArgs []string) *orchestrator.Orchestrator {
	planner := agentproc.NewPlanner(agentproc.PlannerConfig{Command: agentCmd, Args: agentArgs})
	return newOrchestratorWithPlanner(repoRoot, agentCmd, agentArgs, planner)
}

// newOrchestratorWithPlanner is newOrchestrator with the planner
// supplied by the caller, letting `raid --plan-file` substitute a
// staticPlanner for the default agent-process planner without every
// other command needing to know the option exists.
func newOrchestratorWithPlanner(repoRoot, agentCmd string, agentArgs []string, planner orchestrator.PlanGenerator) *orchestrator.Orchestrator {
	cfg := config.Load(filepath.Join(repoRoot, constants.ConfigFileName))
	runner := agentproc.New(agentproc.Config{Command: agentCmd, Args: agentArgs})
	checks := defaultChecks(repoRoot, cfg)
	return orchestrator.New(repoRoot, cfg, planner, runner, checks)
}

// defaultChecks assembles the verifier.Check set for repoRoot: a Go
// module gets vet/build/test, honoring cfg.VerifierSkip by category
// name. A repo with no recognized toolchain gets no checks at all
// rather than a guess that would always fail.
func defaultChecks(repoRoot string, cfg config.Config) []verifier.Check {
	skip := make(map[string]bool, len(cfg.VerifierSkip))
	for _, name := range cfg.VerifierSkip {
		skip[name] = true
	}

	if _, err := os.Stat(filepath.Join(repoRoot, "go.mod")); err != nil {
		return nil
	}

	return []verifier.Check{
		{Name: "typecheck", Category: verifier.CategoryTypecheck, Command: []string{"go", "vet", "./..."}, Skip: skip["typecheck"], Parse: verifier.ParseBuild},
		{Name: "build", Category: verifier.CategoryBuild, Command: []string{"go", "build", "./..."}, Skip: skip["build"], Parse: verifier.ParseBuild},
		{Name: "test", Category: verifier.CategoryTest, Command: []string{"go", "test", "./..."}, Skip: skip["test"], Parse: verifier.ParseTest},
	}
}
