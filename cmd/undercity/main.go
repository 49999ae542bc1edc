package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/duskforge/undercity/pkg/cli"
	"github.com/duskforge/undercity/pkg/console"
	"github.com/duskforge/undercity/pkg/constants"
)

// Build-time variable set by GoReleaser.
var version = "dev"

var rootCmd = &cobra.Command{
	Use:     constants.CLIName,
	Short:   "Run a multi-agent coding raid against a repository",
	Version: version,
	Long: `undercity drives a pool of external coding-agent processes against a
repository: it plans a raid into tasks, schedules them against a
dependency graph, escalates through model tiers on repeated failure,
verifies and merges each task's worktree, and remembers what worked.

Common Tasks:
  undercity raid "add pagination to the users endpoint"
  undercity approve
  undercity status
  undercity logs
  undercity ledger

For detailed help on any command, use:
  undercity [command] --help`,
	Run: func(cmd *cobra.Command, args []string) {
		_ = cmd.Help()
	},
}

func init() {
	rootCmd.AddGroup(&cobra.Group{
		ID:    "raid",
		Title: "Raid Commands:",
	})
	rootCmd.AddGroup(&cobra.Group{
		ID:    "inspect",
		Title: "Inspection Commands:",
	})

	rootCmd.SetOut(os.Stderr)

	rootCmd.SetVersionTemplate(fmt.Sprintf("%s\n",
		console.FormatInfoMessage(fmt.Sprintf("%s version {{.Version}}", constants.CLIName))))

	raidCmd := cli.NewRaidCommand()
	approveCmd := cli.NewApproveCommand()
	extractCmd := cli.NewExtractCommand()
	surrenderCmd := cli.NewSurrenderCommand()
	statusCmd := cli.NewStatusCommand()
	logsCmd := cli.NewLogsCommand()
	ledgerCmd := cli.NewLedgerCommand()
	mcpServeCmd := cli.NewMCPServerCommand()

	raidCmd.GroupID = "raid"
	approveCmd.GroupID = "raid"
	extractCmd.GroupID = "raid"
	surrenderCmd.GroupID = "raid"

	statusCmd.GroupID = "inspect"
	logsCmd.GroupID = "inspect"
	ledgerCmd.GroupID = "inspect"

	rootCmd.AddCommand(raidCmd)
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(extractCmd)
	rootCmd.AddCommand(surrenderCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(ledgerCmd)
	rootCmd.AddCommand(mcpServeCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, console.FormatErrorMessage(err.Error()))
		os.Exit(1)
	}
}
