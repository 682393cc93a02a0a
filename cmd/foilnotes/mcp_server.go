package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/forest6511/foilnotes/internal/config"
	"github.com/forest6511/foilnotes/internal/mcp"
)

var mcpAutoLock string

func init() {
	rootCmd.AddCommand(mcpServerCmd)
	mcpServerCmd.Flags().StringVar(&mcpAutoLock, "auto-lock", "", "Idle timeout for the unlocked session, e.g. 15m or off (default from config)")
}

// mcpServerCmd starts the MCP server for AI coding assistant integration
var mcpServerCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start the MCP server for AI coding assistant integration",
	Long: `Start the MCP server that gives AI coding assistants read access to notes.

The server implements the Model Context Protocol (MCP) over stdio transport.
Agents never receive the content of encrypted notes: those are listed by ID
only, whether or not the key is unlocked.

Available tools:
  - note_status: Initialization state, lock state and note counts
  - note_list:   Plaintext note metadata and encrypted note IDs
  - note_exists: Check whether a note exists and is encrypted
  - note_get:    Full content of a plaintext note

Authentication (optional):
  Set ` + config.EnvPassword + ` before starting the server to unlock the key.
  The password is read once and immediately cleared from the environment.
  An unlocked server records note reads in the audit log. Every tool call
  restarts the idle timer; --auto-lock overrides the configured timeout.

Example MCP configuration (~/.claude.json):
  {
    "mcpServers": {
      "foilnotes": {
        "type": "stdio",
        "command": "/path/to/foilnotes",
        "args": ["mcp"]
      }
    }
  }`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		server, err := mcp.NewServer(ctx, &mcp.ServerOptions{Dir: dataDir, AutoLock: mcpAutoLock, Logger: logger})
		if err != nil {
			return fmt.Errorf("failed to create MCP server: %w", err)
		}
		defer server.Close()

		if err := server.Run(ctx); err != nil {
			// Don't report context canceled as an error
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("MCP server error: %w", err)
		}
		return nil
	},
}
