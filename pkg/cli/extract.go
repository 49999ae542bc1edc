package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/duskforge/undercity/pkg/console"
)

// NewExtractCommand creates the "extract" command: closes out a raid
// whose tasks have all reached a terminal state, moving it into the
// stash and clearing the pocket.
func NewExtractCommand() *cobra.Command {
	var repo, agentCmd string
	var agentArgs []string

	cmd := &cobra.Command{
		Use:   "extract",
		Short: "Close out the active raid once every task is terminal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			repoRoot, err := repoRootOrFindFlag(repo)
			if err != nil {
				return err
			}
			o := newOrchestrator(repoRoot, agentCmd, agentArgs)

			raid, err := o.Extract(cmd.Context())
			if err != nil {
				return fmt.Errorf("extracting raid: %w", err)
			}
			fmt.Fprintln(os.Stderr, console.FormatSuccessMessage(fmt.Sprintf("raid %s moved to stash as %s", raid.ID, raid.Status)))
			return nil
		},
	}

	cmd.Flags().StringVar(&repo, "repo", "", "repository root (defaults to the enclosing git repository)")
	cmd.Flags().StringVar(&agentCmd, "agent-command", "undercity-agent", "external coding-agent process")
	cmd.Flags().StringSliceVar(&agentArgs, "agent-args", nil, "arguments passed to --agent-command")
	return cmd
}
