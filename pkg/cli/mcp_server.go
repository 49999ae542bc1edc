package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"

	"github.com/duskforge/undercity/pkg/agentsdk"
	"github.com/duskforge/undercity/pkg/console"
)

// NewMCPServerCommand creates the hidden "mcp-serve" command: exposes
// undercity's write-tracking tool set over stdio so an external agent
// process (spawned by pkg/agentproc) can run its own MCP tool server
// loop atop the same observer contract the in-process Worker uses,
// rather than undercity having to trust self-reported file lists alone.
func NewMCPServerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:    "mcp-serve",
		Short:  "Run an MCP server exposing undercity's write-tracking tools over stdio",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMCPServer(cmd.Context())
		},
	}
	return cmd
}

func runMCPServer(ctx context.Context) error {
	onWrite := func(ctx context.Context, toolName, filePath string) error {
		fmt.Fprintln(os.Stderr, console.FormatVerboseMessage(fmt.Sprintf("%s: %s", toolName, filePath)))
		return nil
	}

	server := agentsdk.NewToolServer("undercity", "dev", onWrite)
	return server.Run(ctx, &mcp.StdioTransport{})
}
