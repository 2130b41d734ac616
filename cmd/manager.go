package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/crawlfleet/internal/manager"
)

// newManagerCmd creates the 'manager' subcommand: seed the queue, then print
// the aggregate status.
func newManagerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "manager",
		Short: "Seed the job queue and print cluster status",
		RunE:  runManagerCommand,
	}
	cmd.Flags().StringSlice("seed-urls", nil, "URLs to enqueue at depth 0")
	bindKeys(cmd, map[string]string{"seed-urls": "crawler.seed_urls"})
	return cmd
}

func runManagerCommand(cmd *cobra.Command, _ []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	mgr, err := appInstance.NewManager()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	if seeds := appInstance.GetConfig().Crawler.SeedURLs; len(seeds) > 0 {
		n, err := mgr.Seed(ctx, seeds)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Seeded %d URLs\n", n)
	}

	status, err := mgr.Status(ctx)
	if err != nil {
		return err
	}
	return manager.RenderStatus(out, status)
}

// newResetCmd creates the 'reset' subcommand.
func newResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Clear the queue, dedup sets, worker registry and stats",
		Long: `Deletes all coordination state so the next crawl starts fresh. Stored
documents and their metadata are kept. Run it only while no workers are active.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			mgr, err := appInstance.NewManager()
			if err != nil {
				return err
			}
			if err := mgr.Reset(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Crawler state reset")
			return nil
		},
	}
}

// newStatusCmd creates the 'status' subcommand.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print aggregate cluster status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			mgr, err := appInstance.NewManager()
			if err != nil {
				return err
			}
			status, err := mgr.Status(cmd.Context())
			if err != nil {
				return err
			}
			return manager.RenderStatus(cmd.OutOrStdout(), status)
		},
	}
}
