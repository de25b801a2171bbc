package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/shelfsync/shelfsync/internal/syncer"
	"github.com/shelfsync/shelfsync/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one full reconciliation pass",
	Long: `Reconcile every tracked document with the remote store.

For each document, the remote copy is downloaded and its modification
time compared against the local copy:
  - remote newer: the remote copy is applied locally
  - local newer:  the local copy is uploaded
  - equal:        nothing changes`,
	Run: func(cmd *cobra.Command, args []string) {
		a, err := newApp(nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer a.close()

		ctx := cmd.Context()
		a.tracker.Start(ctx)
		defer a.tracker.Stop()

		fmt.Printf("%s Syncing...\n", ui.RenderAccent("*"))
		start := time.Now()

		if err := a.orch.SyncNow(ctx); err != nil {
			if errors.Is(err, syncer.ErrDisabled) {
				fmt.Fprintf(os.Stderr, "Error: sync is disabled; run 'shelf enable' first\n")
			} else {
				fmt.Fprintf(os.Stderr, "Error during sync: %v\n", err)
			}
			os.Exit(1)
		}

		fmt.Printf("%s Sync complete in %v\n", ui.RenderPass("ok"),
			time.Since(start).Round(time.Millisecond))
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sync status",
	Long: `Display the current state of the sync layer.

Shows:
  - Whether sync is enabled and auto-sync is on
  - Current status and connectivity
  - Pending offline uploads
  - Last successful sync time`,
	Run: func(cmd *cobra.Command, args []string) {
		a, err := newApp(nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer a.close()

		status, err := a.orch.Status(cmd.Context())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading status: %v\n", err)
			os.Exit(1)
		}

		enabled := ui.RenderWarn("disabled")
		if status.Enabled {
			enabled = ui.RenderPass("enabled")
		}
		online := ui.RenderWarn("offline")
		if status.Online {
			online = ui.RenderPass("online")
		}
		lastSync := "never"
		if status.LastSyncTime > 0 {
			lastSync = time.UnixMilli(status.LastSyncTime).Format("2006-01-02 15:04:05")
		}

		fmt.Printf("\n%s Shelfsync Status\n\n", ui.RenderAccent("::"))
		fmt.Printf("Sync: %s\n", enabled)
		fmt.Printf("Status: %s\n", ui.StatusBadge(status.Status))
		if status.Message != "" {
			fmt.Printf("Message: %s\n", status.Message)
		}
		fmt.Printf("Network: %s\n", online)
		fmt.Printf("Pending uploads: %d\n", status.Pending)
		fmt.Printf("Last sync: %s\n", lastSync)
		fmt.Printf("Device: %s\n", ui.RenderDim(status.DeviceID))
		fmt.Println()
	},
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "List pending offline uploads",
	Run: func(cmd *cobra.Command, args []string) {
		a, err := newApp(nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer a.close()

		entries, err := a.queue.List(cmd.Context())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading queue: %v\n", err)
			os.Exit(1)
		}

		if len(entries) == 0 {
			fmt.Printf("%s Offline queue is empty\n", ui.RenderPass("ok"))
			return
		}

		fmt.Printf("\n%s Pending offline uploads\n\n", ui.RenderAccent("::"))
		for _, entry := range entries {
			age := time.Since(time.UnixMilli(entry.QueuedAt)).Round(time.Second)
			fmt.Printf("  %-10s %s (queued %v ago)\n", entry.Type, entry.Key, age)
		}
		fmt.Println()
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(queueCmd)
}
