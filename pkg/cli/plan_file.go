package cli

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/duskforge/undercity/pkg/orchestrator"
)

// yamlTask mirrors orchestrator.PlannedTask with YAML tags, letting an
// operator hand-author a raid's task list (id, objective, dependencies,
// conflicts, estimated scope) instead of waiting on an agent process to
// generate one.
type yamlTask struct {
	ID           string   `yaml:"id"`
	Objective    string   `yaml:"objective"`
	DependsOn    []string `yaml:"dependsOn"`
	Conflicts    []string `yaml:"conflicts"`
	TouchedFiles []string `yaml:"estimatedFiles"`
	PackageScope []string `yaml:"packageScope"`
	Priority     int      `yaml:"priority"`
	RiskScore    float64  `yaml:"riskScore"`
}

type yamlPlan struct {
	Tasks []yamlTask `yaml:"tasks"`
}

// loadPlanFile parses a YAML plan file at path into an orchestrator.Plan.
func loadPlanFile(path string) (orchestrator.Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return orchestrator.Plan{}, fmt.Errorf("reading plan file: %w", err)
	}

	var doc yamlPlan
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return orchestrator.Plan{}, fmt.Errorf("parsing plan file: %w", err)
	}

	plan := orchestrator.Plan{Tasks: make([]orchestrator.PlannedTask, len(doc.Tasks))}
	for i, t := range doc.Tasks {
		plan.Tasks[i] = orchestrator.PlannedTask{
			ID:           t.ID,
			Objective:    t.Objective,
			DependsOn:    t.DependsOn,
			Conflicts:    t.Conflicts,
			TouchedFiles: t.TouchedFiles,
			PackageScope: t.PackageScope,
			Priority:     t.Priority,
			RiskScore:    t.RiskScore,
		}
	}
	return plan, nil
}

// staticPlanner implements orchestrator.PlanGenerator over a plan parsed
// ahead of time from a file, for operators who want to hand-author or
// review a raid's task list before any agent process sees the goal.
type staticPlanner struct {
	plan orchestrator.Plan
}

func (p staticPlanner) GeneratePlan(ctx context.Context, goal string) (orchestrator.Plan, error) {
	return p.plan, nil
}
