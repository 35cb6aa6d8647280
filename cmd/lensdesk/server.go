package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/lensdesk/internal/api"
	"github.com/kalambet/lensdesk/internal/apiclient"
	"github.com/kalambet/lensdesk/internal/metrics"
	"github.com/kalambet/lensdesk/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the embedded backend (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show backend, link, queue and cache status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "lensdesk.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "lensdesk version %s\n", version)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("lensdesk is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("lensdesk is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	m := metrics.New(true)
	hub := api.NewHub(slog.Default().With("component", "push"))
	handler := api.NewHandler(api.Deps{
		Store:    store,
		Token:    cfg.Auth.APIToken,
		Hub:      hub,
		Metrics:  m.Handler(),
		Recorder: m,
		Logger:   slog.Default().With("component", "api"),
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "lensdesk listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Push connections are hijacked and would hold Shutdown open.
	hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := loadConfig()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("lensdesk is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop lensdesk (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to lensdesk (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	probe := apiclient.New(cfg.BackendURL(), cfg.Auth.APIToken, apiclient.WithTimeout(2*time.Second))
	health, err := probe.Health(ctx)
	reachable := err == nil
	switch {
	case apiclient.IsUnreachable(err):
		printStatus("Backend", "unreachable at %s", cfg.BackendURL())
	case err != nil:
		printStatus("Backend", "error: %v", err)
	default:
		printStatus("Backend", "running at %s (%v push clients)", cfg.BackendURL(), health["push_clients"])
	}

	core, err := openCoreWith(ctx, cfg, false)
	if err != nil {
		printError("client core: %v", err)
		return nil
	}
	defer core.Close()

	st, err := core.Status()
	if err != nil {
		return err
	}
	// A one-shot core has not seen the link fail yet.
	link := st.Link
	if !reachable {
		link = "disconnected"
	}
	printStatus("Link", "%s", link)
	printStatus("Offline queue", "%d pending, %d dead-lettered (policy %s)", st.Pending, st.DeadLetters, st.Policy)
	printStatus("Event bus", "%d listeners on %d events, %d tripped", st.Bus.Listeners, st.Bus.Events, st.Bus.Tripped)
	printStatus("Cache", "%s", healthLabel(st.Cache.Healthy, st.Cache.Issues))
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	printStatus("Client db", "%s", core.Store.Path())
	return nil
}

func healthLabel(healthy bool, issues []string) string {
	if healthy {
		return "healthy"
	}
	return strings.Join(issues, "; ")
}
