package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/lensdesk/internal/api"
	"github.com/kalambet/lensdesk/internal/views"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the inventory tools over MCP (stdio transport)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMCP()
	},
}

func runMCP() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	core, err := openCore(ctx, true)
	if err != nil {
		return err
	}
	defer core.Close()

	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Inventory: core,
		LowStock:  views.DefaultLowStock,
	})
	slog.Info("MCP server started (stdio transport)")
	stdioSrv := server.NewStdioServer(mcpSrv)
	if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
