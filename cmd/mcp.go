package cmd

import (
	"github.com/snakemake/snakeface/internal/mcp"
	"github.com/snakemake/snakeface/internal/version"
	"github.com/spf13/cobra"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP server on stdio",
	Long: `Start an MCP (Model Context Protocol) server on stdio.

This lets AI agents submit, inspect and cancel workflow runs on a snakeface
server. The server URL and token come from the usual settings.

Example configuration for .mcp.json:
  {
    "mcpServers": {
      "snakeface": {
        "command": "snakeface",
        "args": ["mcp"],
        "env": {"SNAKEFACE_TOKEN": "<token>"}
      }
    }
  }`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		server := mcp.NewServer(version.Version, newClient())
		return server.Serve()
	},
}

func init() {
	RootCmd.AddCommand(mcpCmd)
}
