package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/shelfsync/shelfsync/internal/daemon"
	"github.com/shelfsync/shelfsync/internal/dashboard"
	"github.com/shelfsync/shelfsync/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the sync daemon (foreground)",
	Long: `Run shelfsync as a long-lived foreground process.

The daemon will:
  1. Watch the documents directory for local edits
  2. Upload changed documents (debounced, queued while offline)
  3. Periodically reconcile all documents when auto-sync is on
  4. Serve a WebSocket dashboard with live sync activity`,
	Run: func(cmd *cobra.Command, args []string) {
		dir := docsDir()

		a, err := newApp(daemon.NewFileApplier(dir, buildLogger()))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer a.close()

		d, err := daemon.New(a.db, a.orch, a.tracker, dir, &daemon.Config{
			AutoSyncInterval: viper.GetDuration("sync.auto_interval"),
			Logger:           a.logger,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating daemon: %v\n", err)
			os.Exit(1)
		}

		server := dashboard.NewServer(&dashboard.Config{
			Port:   viper.GetInt("dashboard.port"),
			Logger: a.logger,
		})
		if err := server.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Error starting dashboard: %v\n", err)
			os.Exit(1)
		}
		defer func() {
			if err := server.Stop(); err != nil {
				a.logger.Printf("Dashboard shutdown error: %v", err)
			}
		}()

		handler := dashboard.NewHandler(server, a.logger)
		a.orch.SetEventHandler(handler.HandleEvent)

		fmt.Printf("%s Starting sync daemon...\n", ui.RenderAccent("*"))
		fmt.Printf("   Documents: %s\n", dir)
		fmt.Printf("   Dashboard: http://localhost:%d\n", viper.GetInt("dashboard.port"))
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := d.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Daemon stopped with error: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}
