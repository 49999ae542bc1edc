package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/duskforge/undercity/pkg/console"
	"github.com/duskforge/undercity/pkg/constants"
	"github.com/duskforge/undercity/pkg/ledger"
	"github.com/duskforge/undercity/pkg/state"
)

// NewLedgerCommand creates the "ledger" command: prints the Capability
// Ledger's per-keyword, per-tier statistics so a user can see why the
// orchestrator recommends the tiers it does.
func NewLedgerCommand() *cobra.Command {
	var repo string

	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Show the capability ledger's per-keyword, per-tier statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			repoRoot, err := repoRootOrFindFlag(repo)
			if err != nil {
				return err
			}

			l := ledger.Load(filepath.Join(state.Dir(repoRoot), constants.LedgerFile))
			if len(l.Entries) == 0 {
				fmt.Fprintln(os.Stderr, console.FormatInfoMessage("capability ledger is empty"))
				return nil
			}

			keywords := make([]string, 0, len(l.Entries))
			for kw := range l.Entries {
				keywords = append(keywords, kw)
			}
			sort.Strings(keywords)

			var rows [][]string
			for _, kw := range keywords {
				tiers := l.Entries[kw]
				for _, tier := range constants.TierOrder {
					c, ok := tiers[tier]
					if !ok {
						continue
					}
					rows = append(rows, []string{
						kw, string(tier),
						fmt.Sprintf("%d", c.Attempts),
						fmt.Sprintf("%d", c.Successes),
						fmt.Sprintf("%d", c.Escalations),
						fmt.Sprintf("%d", c.TokenCost),
					})
				}
			}

			fmt.Fprintln(os.Stderr, console.RenderTable(console.TableConfig{
				Title:   "capability ledger",
				Headers: []string{"keyword", "tier", "attempts", "successes", "escalations", "tokens"},
				Rows:    rows,
			}))
			return nil
		},
	}

	cmd.Flags().StringVar(&repo, "repo", "", "repository root (defaults to the enclosing git repository)")
	return cmd
}
