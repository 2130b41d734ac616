// Package cmd defines and implements the CLI commands for the crawlfleet executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlfleet/internal/app"
	"github.com/JakeFAU/crawlfleet/internal/config"
	"github.com/JakeFAU/crawlfleet/internal/crawler"
	"github.com/JakeFAU/crawlfleet/internal/logging"
	"github.com/JakeFAU/crawlfleet/internal/manager"
	"github.com/JakeFAU/crawlfleet/internal/worker"
	pkgconfig "github.com/JakeFAU/crawlfleet/pkg/config"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App defines the application interface that commands will use.
// This allows us to inject a mock app during tests.
type App interface {
	Close()
	GetConfig() config.Config
	GetLogger() *zap.Logger
	GetStore() crawler.Store
	NewWorker(ctx context.Context) (*worker.Runtime, error)
	NewManager() (*manager.Manager, error)
}

// newApp is the application factory. It's a variable so we can
// replace it with a mock factory in our tests.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	return app.NewApp(ctx, cfg, logger)
}

// newRootCmd creates and configures the root command. Every invocation
// gets its own viper instance so flags, env and files never leak between runs.
func newRootCmd() *cobra.Command {
	v := viper.New()
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "crawlfleet",
		Short: "A distributed web crawler coordinated through Redis.",
		Long: `crawlfleet runs a fleet of independent crawl workers that share one
job queue, visited set and title registry in Redis. Run "worker" on as many
hosts as you like, seed the queue with "manager", and watch progress with
"status" or "monitor".`,
		SilenceUsage: true,

		// Runs after flag parsing and before the subcommand's RunE.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := bindFlags(v, cmd); err != nil {
				return err
			}
			if err := pkgconfig.InitConfig(v, cfgFile); err != nil {
				return fmt.Errorf("read config: %w", err)
			}
			cfg, err := config.Load(v)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			logger, err := logging.New(cfg.Logging.Development)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			logging.SetLogger(logger)

			appInstance, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				appInstance.Close()
			}
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default searches ./, /etc/crawlfleet/, $HOME/.crawlfleet)")
	flags.String("redis-addr", "localhost:6379", "Redis address host:port")
	flags.String("store", config.StoreRedis, "coordination store backend: redis or memory")
	flags.Bool("log-development", false, "human-friendly colored logs")
	bindKeys(cmd, map[string]string{
		"redis-addr":      "redis.addr",
		"store":           "store.backend",
		"log-development": "logging.development",
	})

	cmd.AddCommand(
		newWorkerCmd(),
		newManagerCmd(),
		newResetCmd(),
		newStatusCmd(),
		newMonitorCmd(),
	)
	return cmd
}

// bindKeys records which viper key each flag of cmd feeds.
func bindKeys(cmd *cobra.Command, keys map[string]string) {
	if cmd.Annotations == nil {
		cmd.Annotations = make(map[string]string, len(keys))
	}
	for flag, key := range keys {
		cmd.Annotations[flag] = key
	}
}

// bindFlags binds the flags of the executing command and its root to viper.
// Binding happens per invocation so subcommands sharing a key do not
// override each other.
func bindFlags(v *viper.Viper, cmd *cobra.Command) error {
	keys := make(map[string]string)
	for c := cmd; c != nil; c = c.Parent() {
		for flag, key := range c.Annotations {
			if _, seen := keys[flag]; !seen {
				keys[flag] = key
			}
		}
	}
	names := make([]string, 0, len(keys))
	for name := range keys {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		f := cmd.Flags().Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(keys[name], f); err != nil {
			return fmt.Errorf("bind flag --%s: %w", name, err)
		}
	}
	return nil
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point.
func Execute() {
	logging.InitLogger()

	if err := newRootCmd().Execute(); err != nil {
		logging.L.Fatal("command execution failed", zap.Error(err))
	}
}
