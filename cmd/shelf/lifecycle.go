package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/shelfsync/shelfsync/internal/ui"
)

var enableCmd = &cobra.Command{
	Use:   "enable",
	Short: "Turn on cloud sync",
	Long: `Enable cloud sync for this device.

You will be walked through an interactive authorization, after which
an initial full sync runs. If either step fails, sync stays disabled.`,
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

		if err := a.orch.Enable(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("%s Sync enabled\n", ui.RenderPass("ok"))
	},
}

var disableCmd = &cobra.Command{
	Use:   "disable",
	Short: "Turn off cloud sync",
	Long: `Disable cloud sync and revoke this device's authorization.

Local documents and any synced remote copies are left untouched.`,
	Run: func(cmd *cobra.Command, args []string) {
		a, err := newApp(nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer a.close()

		if err := a.orch.Disable(cmd.Context()); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("%s Sync disabled\n", ui.RenderPass("ok"))
	},
}

var toggleCmd = &cobra.Command{
	Use:   "toggle",
	Short: "Toggle cloud sync on or off",
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

		if err := a.orch.Toggle(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if a.orch.IsEnabled() {
			fmt.Printf("%s Sync enabled\n", ui.RenderPass("ok"))
		} else {
			fmt.Printf("%s Sync disabled\n", ui.RenderPass("ok"))
		}
	},
}

func init() {
	rootCmd.AddCommand(enableCmd)
	rootCmd.AddCommand(disableCmd)
	rootCmd.AddCommand(toggleCmd)
}
