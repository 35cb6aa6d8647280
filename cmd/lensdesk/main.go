package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/spf13/cobra"

	"github.com/kalambet/lensdesk/internal/config"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:   "lensdesk",
	Short: "Point-of-sale client for optical stores",
	Long: `lensdesk keeps a local cache of the catalog, sales, transactions and users
of an optical store backend, follows its push channel, and queues writes
while the backend is unreachable.

Run "lensdesk start" to serve the embedded backend, then use the other
commands (or "lensdesk dashboard") against it.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if noColor {
			lipgloss.SetColorProfile(termenv.Ascii)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", os.Getenv("NO_COLOR") != "", "disable colored output")

	rootCmd.AddCommand(startCmd, stopCmd, statusCmd)
	rootCmd.AddCommand(productsCmd, stockCmd, salesCmd, transactionsCmd, usersCmd)
	rootCmd.AddCommand(queueCmd, eventsCmd, syncCmd)
	rootCmd.AddCommand(dashboardCmd, mcpCmd, configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}

// loadConfig loads the configuration and installs the slog handler for its
// log level. Logs go to stderr so they never mix with command output.
var loadConfig = func() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, fmt.Errorf("loading config: %w", err)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel()})))
	return cfg, nil
}
