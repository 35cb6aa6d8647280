package main

import (
	"errors"
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kalambet/lensdesk/internal/config"
	"github.com/kalambet/lensdesk/internal/model"
	"github.com/kalambet/lensdesk/internal/offline"
)

// --- queue ---

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and replay the offline queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued operations",
	RunE: func(cmd *cobra.Command, args []string) error {
		dead, _ := cmd.Flags().GetBool("dead")

		core, err := openCore(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer core.Close()

		var ops []offline.Operation
		if dead {
			ops, err = core.Queue.DeadLetters()
		} else {
			ops, err = core.Queue.Pending()
		}
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if len(ops) == 0 {
			fmt.Fprintln(out, "Queue is empty.")
			return nil
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tKIND\tATTEMPTS\tQUEUED\tDESCRIPTION")
		for _, op := range ops {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", op.ID, op.Kind, op.Attempts, op.QueuedAt.Local().Format("2006-01-02 15:04:05"), op.Description)
		}
		return tw.Flush()
	},
}

var queueProcessCmd = &cobra.Command{
	Use:   "process",
	Short: "Replay queued operations now",
	RunE: func(cmd *cobra.Command, args []string) error {
		core, err := openCore(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer core.Close()

		report, err := core.Sync.ReplayQueue(cmd.Context())
		for _, r := range report.Results {
			if r.Succeeded {
				printSuccess("%s (%d attempts)", r.Description, r.Attempts)
			} else {
				printError("%s: %s, %s", r.Description, r.Disposition, r.Error)
			}
		}
		if errors.Is(err, offline.ErrHalted) {
			printWarning("Backend unreachable, replay stopped")
			return nil
		}
		if err != nil {
			return err
		}
		printStep("%d replayed, %d failed", report.Succeeded, report.Failed)
		return nil
	},
}

var queueRequeueCmd = &cobra.Command{
	Use:   "requeue <id>",
	Short: "Move a dead-lettered operation back to the queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		core, err := openCore(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer core.Close()

		if err := core.Queue.Requeue(args[0]); err != nil {
			return err
		}
		printSuccess("Requeued %s", args[0])
		return nil
	},
}

var queueClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Drop every queued operation",
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			return fmt.Errorf("this discards unsynced writes; pass --confirm to proceed")
		}

		core, err := openCore(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer core.Close()

		n, err := core.Queue.Clear()
		if err != nil {
			return err
		}
		printSuccess("Dropped %d operations", n)
		return nil
	},
}

func init() {
	queueListCmd.Flags().Bool("dead", false, "list dead-lettered operations")
	queueClearCmd.Flags().Bool("confirm", false, "confirm dropping the queue")
	queueCmd.AddCommand(queueListCmd, queueProcessCmd, queueRequeueCmd, queueClearCmd)
}

// --- events ---

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Show the persisted event log",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		core, err := openCore(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer core.Close()

		entries, err := core.Events.Recent(limit)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(entries) == 0 {
			fmt.Fprintln(out, "No events recorded.")
			return nil
		}
		for _, e := range entries {
			payload := string(e.Payload)
			if len(payload) > 100 {
				payload = payload[:100] + "..."
			}
			fmt.Fprintf(out, "%s  %s  %s\n",
				colorize(stepStyle, e.At.Local().Format("15:04:05")),
				colorize(labelStyle, e.Event),
				payload,
			)
		}
		return nil
	},
}

var eventsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Empty the event log",
	RunE: func(cmd *cobra.Command, args []string) error {
		core, err := openCore(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer core.Close()

		if err := core.Events.Clear(); err != nil {
			return err
		}
		printSuccess("Event log cleared")
		return nil
	},
}

func init() {
	eventsCmd.Flags().Int("limit", 50, "number of events")
	eventsCmd.AddCommand(eventsClearCmd)
}

// --- sync ---

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Refetch every collection from the backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		core, err := openCore(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer core.Close()

		failed := map[model.Kind]error{}
		for k, err := range core.Sync.ForceGlobalSync(cmd.Context()) {
			if err != nil {
				failed[k] = err
			}
		}
		kinds := make([]string, 0, len(failed))
		for k := range failed {
			kinds = append(kinds, string(k))
		}
		sort.Strings(kinds)
		for _, k := range kinds {
			printError("%s: %v", k, failed[model.Kind(k)])
		}
		if len(failed) > 0 {
			return fmt.Errorf("%d of %d collections failed to refresh", len(failed), len(model.Kinds()))
		}
		printSuccess("Refreshed %d collections", len(model.Kinds()))
		return nil
	},
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(out, "  %s = %s\n", colorize(labelStyle, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Restore the default of a configuration value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configSetCmd, configUnsetCmd)
}
