package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/duskforge/undercity/pkg/console"
)

// NewStatusCommand creates the "status" command: a read-only snapshot
// of the active raid and whether its grind is currently live.
func NewStatusCommand() *cobra.Command {
	var repo string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the active raid's tasks and whether it is currently running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			repoRoot, err := repoRootOrFindFlag(repo)
			if err != nil {
				return err
			}
			o := newOrchestrator(repoRoot, "", nil)
			st := o.Status()

			if st.Raid.ID == "" {
				fmt.Fprintln(os.Stderr, console.FormatInfoMessage("no active raid"))
				return nil
			}

			rows := make([][]string, 0, len(st.Raid.Tasks))
			for _, t := range st.Raid.Tasks {
				rows = append(rows, []string{t.ID, string(t.Status), string(t.Tier), t.FailureReason})
			}

			fmt.Fprintln(os.Stderr, console.RenderTable(console.TableConfig{
				Title:   fmt.Sprintf("raid %s (%s) — goal: %s", st.Raid.ID, st.Raid.Status, st.Raid.Goal),
				Headers: []string{"task", "status", "tier", "failure"},
				Rows:    rows,
			}))

			if st.Running {
				fmt.Fprintln(os.Stderr, console.FormatProgressMessage("grind is currently running"))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&repo, "repo", "", "repository root (defaults to the enclosing git repository)")
	return cmd
}
