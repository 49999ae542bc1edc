package orchestrator

import (
	"context"

	"github.com/duskforge/undercity/pkg/scheduler"
	"github.com/duskforge/undercity/pkg/worker"
)

// PlannedTask is one entry of a generated plan: an objective plus the
// scheduling metadata (dependencies, conflicts, touched-file/package
// estimates, priority, risk) the Scheduler needs to decide what can run
// in parallel.
type PlannedTask struct {
	ID           string
	Objective    string
	DependsOn    []string
	Conflicts    []string
	TouchedFiles []string
	PackageScope []string
	Priority     int
	RiskScore    float64
}

// Plan is an ordered task list produced for a raid goal, awaiting
// approval before the Scheduler takes it.
type Plan struct {
	Tasks []PlannedTask
}

// PlanGenerator turns a raid goal into a Plan. The real implementation
// calls out to an LLM agent the same way worker.AgentRunner does; this
// package only depends on the narrow interface so planning stays
// swappable and testable without invoking one.
type PlanGenerator interface {
	GeneratePlan(ctx context.Context, goal string) (Plan, error)
}

// toTasksAndSpecs splits a Plan into the worker.Task objectives map and
// scheduler.TaskSpec list RunAll needs, both keyed/ordered by task id.
func toTasksAndSpecs(plan Plan) ([]worker.Task, []scheduler.TaskSpec) {
	tasks := make([]worker.Task, 0, len(plan.Tasks))
	specs := make([]scheduler.TaskSpec, 0, len(plan.Tasks))
	for _, pt := range plan.Tasks {
		tasks = append(tasks, worker.Task{
			ID:        pt.ID,
			Objective: pt.Objective,
			Status:    worker.StatusPending,
		})
		specs = append(specs, scheduler.TaskSpec{
			ID:           pt.ID,
			Priority:     pt.Priority,
			RiskScore:    pt.RiskScore,
			DependsOn:    pt.DependsOn,
			Conflicts:    pt.Conflicts,
			TouchedFiles: pt.TouchedFiles,
			PackageScope: pt.PackageScope,
		})
	}
	return tasks, specs
}
