package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/duskforge/undercity/pkg/console"
)

// NewSurrenderCommand creates the "surrender" command: aborts the
// active raid regardless of in-flight task state.
func NewSurrenderCommand() *cobra.Command {
	var repo, agentCmd string
	var agentArgs []string

	cmd := &cobra.Command{
		Use:   "surrender",
		Short: "Abort the active raid, clearing the pocket without waiting for tasks to finish",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			repoRoot, err := repoRootOrFindFlag(repo)
			if err != nil {
				return err
			}
			o := newOrchestrator(repoRoot, agentCmd, agentArgs)

			raid, err := o.Surrender(cmd.Context())
			if err != nil {
				return fmt.Errorf("surrendering raid: %w", err)
			}
			fmt.Fprintln(os.Stderr, console.FormatWarningMessage(fmt.Sprintf("raid %s surrendered", raid.ID)))
			return nil
		},
	}

	cmd.Flags().StringVar(&repo, "repo", "", "repository root (defaults to the enclosing git repository)")
	cmd.Flags().StringVar(&agentCmd, "agent-command", "undercity-agent", "external coding-agent process")
	cmd.Flags().StringSliceVar(&agentArgs, "agent-args", nil, "arguments passed to --agent-command")
	return cmd
}
