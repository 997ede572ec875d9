package main

import (
	"fmt"

	"github.com/nvandessel/moffcal/internal/config"
	"github.com/nvandessel/moffcal/internal/logging"
	"github.com/nvandessel/moffcal/internal/mcp"
	"github.com/spf13/cobra"
)

func newMCPServerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp-server",
		Short: "Serve moffcal tools over MCP (stdio)",
		Long: `Start a Model Context Protocol server on stdin/stdout.

Tools: moffcal_run, moffcal_runs, moffcal_show, moffcal_export, moffcal_config.
Resource: moffcal://runs/latest.

Logs go to stderr; stdout carries the protocol.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			root, _ := cmd.Flags().GetString("root")

			level := "info"
			if cfg, err := config.Load(root); err == nil {
				level = cfg.Logging.Level
			}

			server, err := mcp.NewServer(&mcp.Config{
				Name:    "moffcal",
				Version: version,
				Root:    root,
				Logger:  logging.NewLogger(level, cmd.ErrOrStderr()),
			})
			if err != nil {
				return fmt.Errorf("failed to start MCP server: %w", err)
			}
			return server.Run(cmd.Context())
		},
	}
}
