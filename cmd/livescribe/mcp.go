package main

import (
	"github.com/spf13/cobra"

	"github.com/jwulff/livescribe/internal/db"
	"github.com/jwulff/livescribe/internal/mcpserver"
)

func newMCPCmd(root *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the archive to MCP clients over stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			// stdout carries the protocol; logs go to stderr.
			logger, closeLog, err := newLogger(cfg, false)
			if err != nil {
				return err
			}
			defer closeLog.Close()

			store, err := db.Open(cfg.DBPath)
			if err != nil {
				return err
			}
			defer store.Close()

			logger.Info("mcp server starting", "db", cfg.DBPath)
			return mcpserver.ServeStdio(mcpserver.New(version, &mcpserver.Handlers{Archive: store}))
		},
	}
}
