package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/duskforge/undercity/pkg/agentproc"
	"github.com/duskforge/undercity/pkg/console"
	"github.com/duskforge/undercity/pkg/orchestrator"
)

// NewRaidCommand creates the "raid" command: starts a new raid for a
// goal, or resumes whichever raid is already active in the pocket.
func NewRaidCommand() *cobra.Command {
	var repo, agentCmd, planFile string
	var agentArgs []string

	cmd := &cobra.Command{
		Use:   "raid <goal>",
		Short: "Start (or resume) a raid toward a goal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repoRoot, err := repoRootOrFindFlag(repo)
			if err != nil {
				return err
			}

			var planner orchestrator.PlanGenerator
			if planFile != "" {
				plan, err := loadPlanFile(planFile)
				if err != nil {
					return err
				}
				planner = staticPlanner{plan: plan}
			} else {
				planner = agentproc.NewPlanner(agentproc.PlannerConfig{Command: agentCmd, Args: agentArgs})
			}
			o := newOrchestratorWithPlanner(repoRoot, agentCmd, agentArgs, planner)

			raid, err := o.Start(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("starting raid: %w", err)
			}

			fmt.Fprintln(os.Stderr, console.FormatSuccessMessage(fmt.Sprintf("raid %s is %s", raid.ID, raid.Status)))
			fmt.Fprintln(os.Stderr, console.FormatInfoMessage(fmt.Sprintf("%d tasks planned; run `undercity approve` to execute", len(raid.Tasks))))
			for _, t := range raid.Tasks {
				fmt.Fprintln(os.Stderr, console.FormatListItem(fmt.Sprintf("%s: %s", t.ID, t.Objective)))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&repo, "repo", "", "repository root (defaults to the enclosing git repository)")
	cmd.Flags().StringVar(&agentCmd, "agent-command", "undercity-agent", "external coding-agent process spawned for planning and every attempt")
	cmd.Flags().StringSliceVar(&agentArgs, "agent-args", nil, "arguments passed to --agent-command")
	cmd.Flags().StringVar(&planFile, "plan-file", "", "YAML file with a hand-authored task list, used instead of asking the agent process to plan")
	return cmd
}
