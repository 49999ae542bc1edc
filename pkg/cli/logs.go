package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/duskforge/undercity/pkg/console"
	"github.com/duskforge/undercity/pkg/constants"
	"github.com/duskforge/undercity/pkg/eventlog"
	"github.com/duskforge/undercity/pkg/state"
)

// NewLogsCommand creates the "logs" command: prints the last --limit
// entries (default 100, 0 for all) of the repository's Checkpoint &
// Event Log, oldest first. The log file spans every raid run in the
// repository; entries are not filtered by raid.
func NewLogsCommand() *cobra.Command {
	var repo string
	var limit int

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show the grind event log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			repoRoot, err := repoRootOrFindFlag(repo)
			if err != nil {
				return err
			}

			events, err := eventlog.Read(filepath.Join(state.Dir(repoRoot), constants.EventLogFile))
			if err != nil {
				return fmt.Errorf("reading event log: %w", err)
			}
			if limit > 0 && len(events) > limit {
				events = events[len(events)-limit:]
			}

			for _, e := range events {
				line := fmt.Sprintf("%s  %-16s", e.Time, e.Kind)
				if e.TaskID != "" {
					line += "  task=" + e.TaskID
				}
				if e.Detail != "" {
					line += "  " + e.Detail
				}
				fmt.Fprintln(os.Stderr, console.FormatListItem(line))
			}
			if eventlog.IsRunning(events) {
				fmt.Fprintln(os.Stderr, console.FormatProgressMessage("grind is currently running"))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&repo, "repo", "", "repository root (defaults to the enclosing git repository)")
	cmd.Flags().IntVar(&limit, "limit", 100, "show only the last N events (0 for all)")
	return cmd
}
