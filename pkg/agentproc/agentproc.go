// Package agentproc implements worker.AgentRunner against an external
// coding-agent process rather than reimplementing one: undercity only
// ever drives an agent binary the operator configures, never an
// embedded model. The agent process is expected to speak MCP over
// stdio and expose a single tool (RunToolName) that performs one
// attempt at the briefed objective inside its working directory.
package agentproc

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/duskforge/undercity/pkg/agentsdk"
	"github.com/duskforge/undercity/pkg/briefer"
	"github.com/duskforge/undercity/pkg/logger"
	"github.com/duskforge/undercity/pkg/ratelimit"
	"github.com/duskforge/undercity/pkg/worker"
)

var log = logger.New("agentproc:agentproc")

// Config names the external agent process and the tool it exposes.
type Config struct {
	// Command is the agent binary undercity spawns for every attempt,
	// e.g. a wrapper script around a vendor coding-agent CLI configured
	// to speak MCP over stdio.
	Command string
	// Args are passed to Command unmodified.
	Args []string
	// RunToolName is the single tool Command exposes for driving one
	// attempt. Defaults to "complete_task".
	RunToolName string
}

// Runner drives one attempt per call by spawning a fresh Command
// process, connecting to it as an MCP client, and calling RunToolName
// with the briefing. The spawned process owns the actual file edits;
// its tool result reports which files it touched so the Worker's
// WriteTracker can be updated without a second MCP hop back into it.
type Runner struct {
	cfg Config
}

// New returns a Runner for cfg, defaulting RunToolName when unset.
func New(cfg Config) *Runner {
	if cfg.RunToolName == "" {
		cfg.RunToolName = "complete_task"
	}
	return &Runner{cfg: cfg}
}

// turnResult is the structured payload Command's tool is expected to
// return as a single JSON object in its result's text content after one
// attempt. The result's structured-content field is not read.
type turnResult struct {
	FinalText    string   `json:"finalText"`
	FilesChanged []string `json:"filesChanged"`
	TokenCount   int64    `json:"tokenCount"`
}

// Run implements worker.AgentRunner.
func (r *Runner) Run(ctx context.Context, workDir string, briefing briefer.Briefing, tracker *agentsdk.WriteTracker) (worker.AttemptOutcome, error) {
	cmd := exec.CommandContext(ctx, r.cfg.Command, r.cfg.Args...)
	cmd.Dir = workDir

	transport := &mcp.CommandTransport{Command: cmd}
	client := mcp.NewClient(&mcp.Implementation{Name: "undercity", Version: "dev"}, nil)

	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return worker.AttemptOutcome{}, fmt.Errorf("connecting to agent process: %w", err)
	}
	defer session.Close()

	if err := ratelimit.Wait(ctx, ratelimit.OperationAgentStream); err != nil {
		return worker.AttemptOutcome{}, fmt.Errorf("waiting for agent stream slot: %w", err)
	}

	out, err := session.CallTool(ctx, &mcp.CallToolParams{
		Name: r.cfg.RunToolName,
		Arguments: map[string]any{
			"objective":          briefing.Objective,
			"briefingDoc":        briefing.BriefingDoc,
			"targetFiles":        briefing.TargetFiles,
			"typeDefinitions":    briefing.TypeDefinitions,
			"functionSignatures": briefing.FunctionSignatures,
			"relatedPatterns":    briefing.RelatedPatterns,
			"constraints":        briefing.Constraints,
			"briefingSchema":     briefer.Schema(),
		},
	})
	if err != nil {
		return worker.AttemptOutcome{}, fmt.Errorf("calling %s: %w", r.cfg.RunToolName, err)
	}
	if out.IsError {
		return worker.AttemptOutcome{FinalText: textOf(out)}, nil
	}

	turn, err := decodeTurnResult(out)
	if err != nil {
		log.Printf("agent process returned an unparsable result, treating as a no-op: %v", err)
		return worker.AttemptOutcome{FinalText: textOf(out), NoOpCount: 1}, nil
	}

	for _, f := range turn.FilesChanged {
		tracker.Observe(agentsdk.ToolUse{Name: "Edit", Input: map[string]any{"file_path": f}})
	}

	return worker.AttemptOutcome{
		FinalText:    turn.FinalText,
		FilesChanged: turn.FilesChanged,
		TokenCount:   turn.TokenCount,
	}, nil
}

// decodeTurnResult parses the agent process's tool result, expecting its
// text content to be a single JSON object matching turnResult. Agents
// that only emit plain prose are handled by Run's fallback, not here.
func decodeTurnResult(out *mcp.CallToolResult) (turnResult, error) {
	if out == nil {
		return turnResult{}, fmt.Errorf("nil tool result")
	}
	var t turnResult
	if err := json.Unmarshal([]byte(textOf(out)), &t); err != nil {
		return turnResult{}, fmt.Errorf("decoding turn result: %w", err)
	}
	return t, nil
}

func textOf(out *mcp.CallToolResult) string {
	if out == nil {
		return ""
	}
	var s string
	for _, c := range out.Content {
		if tc, ok := c.(*mcp.TextContent); ok {
			s += tc.Text
		}
	}
	return s
}
