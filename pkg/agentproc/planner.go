package agentproc

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/duskforge/undercity/pkg/orchestrator"
	"github.com/duskforge/undercity/pkg/ratelimit"
)

// PlannerConfig names the external agent process and tool used to turn
// a raid goal into a task plan, mirroring Config's shape for the
// per-attempt runner since both talk to the same kind of process.
type PlannerConfig struct {
	Command      string
	Args         []string
	PlanToolName string // defaults to "generate_plan"
}

// Planner implements orchestrator.PlanGenerator against an external
// agent process, the same boundary Runner uses for individual task
// attempts: undercity never generates a plan itself, it only asks a
// configured agent for one.
type Planner struct {
	cfg PlannerConfig
}

// NewPlanner returns a Planner for cfg, defaulting PlanToolName when unset.
func NewPlanner(cfg PlannerConfig) *Planner {
	if cfg.PlanToolName == "" {
		cfg.PlanToolName = "generate_plan"
	}
	return &Planner{cfg: cfg}
}

// GeneratePlan implements orchestrator.PlanGenerator.
func (p *Planner) GeneratePlan(ctx context.Context, goal string) (orchestrator.Plan, error) {
	cmd := exec.CommandContext(ctx, p.cfg.Command, p.cfg.Args...)

	transport := &mcp.CommandTransport{Command: cmd}
	client := mcp.NewClient(&mcp.Implementation{Name: "undercity", Version: "dev"}, nil)

	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return orchestrator.Plan{}, fmt.Errorf("connecting to planning process: %w", err)
	}
	defer session.Close()

	if err := ratelimit.Wait(ctx, ratelimit.OperationAgentStream); err != nil {
		return orchestrator.Plan{}, fmt.Errorf("waiting for agent stream slot: %w", err)
	}

	out, err := session.CallTool(ctx, &mcp.CallToolParams{
		Name:      p.cfg.PlanToolName,
		Arguments: map[string]any{"goal": goal},
	})
	if err != nil {
		return orchestrator.Plan{}, fmt.Errorf("calling %s: %w", p.cfg.PlanToolName, err)
	}
	if out.IsError {
		return orchestrator.Plan{}, fmt.Errorf("planning process reported an error: %s", textOf(out))
	}

	var plan orchestrator.Plan
	if err := json.Unmarshal([]byte(textOf(out)), &plan); err != nil {
		return orchestrator.Plan{}, fmt.Errorf("decoding plan: %w", err)
	}
	return plan, nil
}
