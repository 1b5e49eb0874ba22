package cmd

import (
	"context"
	"os/signal"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/triage/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP stdio server for Claude Code integration",
	Long: `Start an MCP (Model Context Protocol) server on stdio.

This lets an assistant file, search and move issues natively. Configure
it with:

  {
    "mcpServers": {
      "triage": { "command": "triage", "args": ["mcp"] }
    }
  }

Available tools: triage_list_issues, triage_create_issue,
triage_update_status, triage_update_priority, triage_delete_issue,
triage_find_similar`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return mcpRun(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

func mcpRun(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	r, err := getRepository()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, shutdownSignals()...)
	defer stop()

	userID, userEmail := currentUser()
	srv := mcp.NewServer(r, userID, userEmail, viper.GetInt("similar.limit"), buildVersion)
	return srv.ServeStdio(ctx)
}
