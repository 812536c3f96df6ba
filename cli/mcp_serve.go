package cli

import (
	"github.com/spf13/cobra"

	"github.com/yoanbernabeu/codegrep/mcp"
)

var mcpServeCmd = &cobra.Command{
	Use:   "mcp-serve [project-path]",
	Short: "Start codegrep as an MCP server",
	Long: `Start codegrep as an MCP (Model Context Protocol) server.

This allows AI agents to use codegrep as a native tool through the MCP protocol.
The server communicates via stdio and exposes the following tools:

  - codegrep_search: Literal-first code search, hybrid when embeddings exist
  - codegrep_index_status: Check index health and statistics
  - codegrep_index: Build or refresh the index of a workspace
  - codegrep_indexes_list: List every workspace index

Arguments:
  project-path  Workspace used when a tool call names no path.
                Defaults to the git root or the current directory.

Configuration for Claude Code:
  claude mcp add codegrep -- codegrep mcp-serve

Configuration for Cursor (.cursor/mcp.json):
  {
    "mcpServers": {
      "codegrep": {
        "command": "codegrep",
        "args": ["mcp-serve", "/path/to/your/project"]
      }
    }
  }`,
	Args: cobra.MaximumNArgs(1),
	RunE: runMCPServe,
}

func init() {
	rootCmd.AddCommand(mcpServeCmd)
}

func runMCPServe(cmd *cobra.Command, args []string) error {
	projectRoot, err := resolveWorkspace(args)
	if err != nil {
		return err
	}
	eng, err := newEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	srv, err := mcp.NewServer(eng, projectRoot, Version)
	if err != nil {
		return err
	}
	return srv.Serve()
}
