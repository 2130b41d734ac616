package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlfleet/internal/api"
)

// newWorkerCmd creates the 'worker' subcommand, which runs one crawl worker
// until the queue's global page limit is reached or a signal arrives.
func newWorkerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a crawl worker",
		Long: `Registers a worker with the coordination store, then pops jobs from the
shared queue, fetches and deduplicates pages, stores unique documents and
enqueues their links until stopped.`,
		RunE: runWorkerCommand,
	}

	flags := cmd.Flags()
	flags.Int("max-depth", 3, "maximum link depth from a seed")
	flags.Int("concurrency", 5, "HTTP connections per host")
	flags.Duration("rate-limit", time.Second, "delay before every fetch")
	flags.String("user-agent", "DistributedCrawler/1.0", "User-Agent header")
	flags.String("worker-id", "", "worker id (default: generated)")
	flags.StringSlice("seed-urls", nil, "URLs to enqueue at depth 0 before starting")
	flags.StringSlice("allowed-domains", nil, "domains (and their subdomains) links may point to")
	flags.Int64("max-page-limit", 100000, "cluster-wide cap on unique stored pages (0 = unlimited)")
	flags.String("output-dir", "crawled_data", "directory for local document storage")
	flags.String("metrics-addr", ":9090", "address of the health and metrics server (empty disables it)")
	bindKeys(cmd, map[string]string{
		"max-depth":       "crawler.max_depth",
		"concurrency":     "crawler.concurrency",
		"rate-limit":      "crawler.rate_limit",
		"user-agent":      "crawler.user_agent",
		"worker-id":       "worker.id",
		"seed-urls":       "crawler.seed_urls",
		"allowed-domains": "crawler.allowed_domains",
		"max-page-limit":  "crawler.max_page_limit",
		"output-dir":      "storage.output_dir",
		"metrics-addr":    "metrics.addr",
	})
	return cmd
}

func runWorkerCommand(cmd *cobra.Command, _ []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	logger := appInstance.GetLogger()
	cfg := appInstance.GetConfig()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := appInstance.NewWorker(ctx)
	if err != nil {
		return fmt.Errorf("init worker: %w", err)
	}

	if cfg.Metrics.Addr != "" {
		mgr, err := appInstance.NewManager()
		if err != nil {
			return fmt.Errorf("init cluster view: %w", err)
		}
		srv := &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           api.NewServer(rt, mgr, logger.Named("api")).Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("http server started", zap.String("addr", cfg.Metrics.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http server error", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error("server shutdown error", zap.Error(err))
			}
		}()
	}

	if err := rt.Run(ctx); err != nil {
		return fmt.Errorf("run worker: %w", err)
	}

	c := rt.Counters()
	fmt.Fprintf(cmd.OutOrStdout(),
		"worker %s finished: %d pages crawled, %d unique pages stored, %d duplicates, %d errors\n",
		rt.ID(), c.PagesCrawled, c.UniquePagesStored, c.DuplicatesSkipped, c.Errors)
	return nil
}
