package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"strings"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/kalambet/lensdesk/internal/app"
	"github.com/kalambet/lensdesk/internal/cache"
	"github.com/kalambet/lensdesk/internal/events"
	"github.com/kalambet/lensdesk/internal/tui"
)

var dashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Interactive dashboard that follows the backend live",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDashboard()
	},
}

func runDashboard() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// The alternate screen would be garbled by log lines on stderr.
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))

	core, err := openCoreWith(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer core.Close()

	p := tea.NewProgram(tui.New(dashboardOptions(core)), tea.WithAltScreen(), tea.WithContext(ctx))

	// Send blocks until the program loop runs, so never call it from a
	// bus listener directly.
	send := func(msg tea.Msg) { go p.Send(msg) }
	changed := func(cache.Notification) { send(tui.Changed{}) }
	core.ProductsView.OnChange(changed)
	core.SalesView.OnChange(changed)
	core.TransactionsView.OnChange(changed)

	notices, err := events.Subscribe(core.Bus, events.NoticeShown, func(n events.Notice) error {
		send(tui.ShowNotice(n))
		return nil
	})
	if err != nil {
		return err
	}
	defer notices.Unsubscribe()
	link, err := events.Subscribe(core.Bus, events.NetworkChanged, func(events.Connectivity) error {
		send(tui.Changed{})
		return nil
	})
	if err != nil {
		return err
	}
	defer link.Unsubscribe()

	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("dashboard: %w", err)
	}
	return nil
}

func dashboardOptions(core *app.Core) tui.Options {
	return tui.Options{
		Title: "lensdesk",
		Tabs: []tui.Tab{
			{Name: "Products", Render: core.ProductsView.Render},
			{Name: "Sales", Render: func(string) string { return core.SalesView.Render() }},
			{Name: "Transactions", Render: core.TransactionsView.Render},
			{Name: "Queue", Render: func(string) string { return renderQueue(core) }},
		},
		Status: func() tui.Status {
			st, err := core.Status()
			if err != nil {
				return tui.Status{Link: "unknown"}
			}
			return tui.Status{Link: st.Link, Pending: st.Pending, Dead: st.DeadLetters}
		},
		Refresh: func() error {
			failed := 0
			for _, err := range core.Sync.ForceGlobalSync(context.Background()) {
				if err != nil {
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d collections failed to refresh", failed)
			}
			return nil
		},
	}
}

func renderQueue(core *app.Core) string {
	ops, err := core.Queue.Pending()
	if err != nil {
		return "queue unavailable: " + err.Error()
	}
	if len(ops) == 0 {
		return "Offline queue is empty.\n"
	}
	var sb strings.Builder
	for _, op := range ops {
		fmt.Fprintf(&sb, "%s  %-20s  %s\n", op.QueuedAt.Local().Format("15:04:05"), op.Kind, op.Description)
	}
	return sb.String()
}
