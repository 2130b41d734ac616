package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/crawlfleet/internal/manager"
)

// newMonitorCmd creates the 'monitor' subcommand, a live status display.
func newMonitorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Continuously display crawl progress and rates",
		RunE:  runMonitorCommand,
	}
	cmd.Flags().Duration("interval", manager.DefaultMonitorInterval, "update interval")
	cmd.Flags().Bool("no-clear", false, "do not clear the screen between updates")
	bindKeys(cmd, map[string]string{"interval": "monitor.interval"})
	return cmd
}

func runMonitorCommand(cmd *cobra.Command, _ []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	mgr, err := appInstance.NewManager()
	if err != nil {
		return err
	}
	cfg := appInstance.GetConfig().Monitor
	clearScreen := cfg.Clear
	if noClear, _ := cmd.Flags().GetBool("no-clear"); noClear {
		clearScreen = false
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Starting crawler monitor (Ctrl+C to exit)")
	fmt.Fprintf(out, "Update interval: %s\n", cfg.Interval)

	if err := manager.NewMonitor(mgr, out, clearScreen).Run(ctx, cfg.Interval); err != nil {
		return err
	}
	fmt.Fprintln(out, "Monitor stopped.")
	return nil
}
