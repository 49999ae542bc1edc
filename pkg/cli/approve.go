package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/duskforge/undercity/pkg/console"
	"github.com/duskforge/undercity/pkg/worker"
)

// NewApproveCommand creates the "approve" command: the single
// human-in-the-loop gate that hands an awaiting-approval raid's tasks
// to the Scheduler and, as they complete, to the Merge Queue.
func NewApproveCommand() *cobra.Command {
	var repo, agentCmd string
	var agentArgs []string

	cmd := &cobra.Command{
		Use:   "approve",
		Short: "Approve the active raid's plan and run it to completion",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			repoRoot, err := repoRootOrFindFlag(repo)
			if err != nil {
				return err
			}
			o := newOrchestrator(repoRoot, agentCmd, agentArgs)

			raid, err := o.ApprovePlan(cmd.Context())
			if err != nil {
				return fmt.Errorf("approving plan: %w", err)
			}

			var failed, complete int
			for _, t := range raid.Tasks {
				if t.Status == worker.StatusComplete {
					complete++
				} else {
					failed++
				}
				fmt.Fprintln(os.Stderr, console.FormatListItem(fmt.Sprintf("%s: %s", t.ID, t.Status)))
			}

			if raid.Status == "complete" {
				fmt.Fprintln(os.Stderr, console.FormatSuccessMessage(fmt.Sprintf("raid %s complete: %d tasks merged", raid.ID, complete)))
			} else {
				fmt.Fprintln(os.Stderr, console.FormatWarningMessage(fmt.Sprintf("raid %s finished with %d failed tasks", raid.ID, failed)))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&repo, "repo", "", "repository root (defaults to the enclosing git repository)")
	cmd.Flags().StringVar(&agentCmd, "agent-command", "undercity-agent", "external coding-agent process spawned for every attempt and repair")
	cmd.Flags().StringSliceVar(&agentArgs, "agent-args", nil, "arguments passed to --agent-command")
	return cmd
}
