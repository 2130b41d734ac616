// Package app initializes and holds long-lived application services, acting as a dependency injection container.
package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlfleet/internal/clock"
	"github.com/JakeFAU/crawlfleet/internal/config"
	"github.com/JakeFAU/crawlfleet/internal/crawler"
	collyfetcher "github.com/JakeFAU/crawlfleet/internal/fetcher/colly"
	"github.com/JakeFAU/crawlfleet/internal/hash"
	"github.com/JakeFAU/crawlfleet/internal/id"
	"github.com/JakeFAU/crawlfleet/internal/images"
	"github.com/JakeFAU/crawlfleet/internal/manager"
	memorypublisher "github.com/JakeFAU/crawlfleet/internal/publisher/memory"
	pubsubpublisher "github.com/JakeFAU/crawlfleet/internal/publisher/pubsub"
	"github.com/JakeFAU/crawlfleet/internal/storage"
	"github.com/JakeFAU/crawlfleet/internal/storage/gcs"
	"github.com/JakeFAU/crawlfleet/internal/storage/local"
	memorystorage "github.com/JakeFAU/crawlfleet/internal/storage/memory"
	storememory "github.com/JakeFAU/crawlfleet/internal/store/memory"
	redisstore "github.com/JakeFAU/crawlfleet/internal/store/redis"
	"github.com/JakeFAU/crawlfleet/internal/telemetry"
	"github.com/JakeFAU/crawlfleet/internal/worker"
)

// App holds the shared, long-lived services for one command invocation:
// the configuration, the logger and the coordination store. Worker-only
// services are built on demand by NewWorker and released by Close.
type App struct {
	cfg     config.Config
	logger  *zap.Logger
	store   crawler.Store
	closers []func() error
}

// GetConfig returns the validated configuration.
func (a *App) GetConfig() config.Config {
	return a.cfg
}

// GetLogger returns the shared zap logger instance.
func (a *App) GetLogger() *zap.Logger {
	return a.logger
}

// GetStore exposes the coordination store.
func (a *App) GetStore() crawler.Store {
	return a.store
}

// NewApp connects the coordination store selected by cfg. It does not
// ping the store; the worker does that before registering.
func NewApp(_ context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger}

	switch cfg.Store.Backend {
	case config.StoreRedis:
		client := redisstore.NewClient(cfg.Redis)
		store, err := redisstore.New(client, cfg.Redis.Prefix, logger.Named("store"))
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("init redis store: %w", err)
		}
		logger.Info("using redis coordination store", zap.String("addr", cfg.Redis.Addr), zap.String("prefix", cfg.Redis.Prefix))
		a.store = store
	case config.StoreMemory:
		logger.Warn("using in-process memory store; state is not shared between processes")
		a.store = storememory.New()
	default:
		return nil, fmt.Errorf("unknown store backend: %s", cfg.Store.Backend)
	}
	a.closers = append(a.closers, a.store.Close)
	return a, nil
}

// NewManager returns a Manager over the app's store.
func (a *App) NewManager() (*manager.Manager, error) {
	return manager.New(a.store,
		manager.WithLinkPolicy(a.linkPolicy()),
		manager.WithLogger(a.logger.Named("manager")),
	)
}

// NewWorker builds a worker runtime with its fetcher, storage backend and
// optional publisher. Resources it opens are released by Close.
func (a *App) NewWorker(ctx context.Context) (*worker.Runtime, error) {
	cfg := a.cfg
	logger := a.logger

	workerID := cfg.Worker.ID
	if workerID == "" {
		generated, err := id.New().NewWorkerID()
		if err != nil {
			return nil, fmt.Errorf("generate worker id: %w", err)
		}
		workerID = generated
	}

	hasher, err := hash.New(hash.Algorithm(cfg.Crawler.DigestAlgorithm))
	if err != nil {
		return nil, fmt.Errorf("init hasher: %w", err)
	}
	titles, err := crawler.NewTitleNormalizer(cfg.Crawler.TitleSuffixPattern)
	if err != nil {
		return nil, fmt.Errorf("init title normalizer: %w", err)
	}
	policy := a.linkPolicy()

	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:       cfg.Crawler.UserAgent,
		RespectRobots:   cfg.Crawler.RespectRobots,
		Timeout:         cfg.Crawler.RequestTimeout,
		MaxConnsPerHost: cfg.Crawler.Concurrency,
		MaxBodyBytes:    cfg.Crawler.MaxBodyBytes,
	})

	blobs, err := a.blobStore(ctx)
	if err != nil {
		return nil, err
	}
	publisher, err := a.publisher(ctx)
	if err != nil {
		return nil, err
	}

	if cfg.Tracing.Enabled {
		tp, err := telemetry.InitTracerProvider(ctx, telemetry.TracerConfig{
			ServiceName: cfg.Tracing.ServiceName,
			WorkerID:    workerID,
			SampleRatio: cfg.Tracing.SampleRatio,
		})
		if err != nil {
			return nil, fmt.Errorf("init tracing: %w", err)
		}
		a.closers = append(a.closers, func() error {
			return tp.Shutdown(context.WithoutCancel(ctx))
		})
	}

	downloader := images.NewDownloader(fetcher, images.Config{
		MaxImages: cfg.Storage.MaxImages,
		Timeout:   cfg.Storage.ImageTimeout,
	}, logger.Named("images"))

	return worker.New(worker.Config{
		WorkerID:             workerID,
		SeedURLs:             cfg.Crawler.SeedURLs,
		MaxPageLimit:         cfg.Crawler.MaxPageLimit,
		RateLimit:            cfg.Crawler.RateLimit,
		HeartbeatInterval:    cfg.Worker.HeartbeatInterval,
		HeartbeatTTL:         cfg.Worker.HeartbeatTTL,
		MemorySampleInterval: cfg.Worker.MemorySampleInterval,
		IdleBackoff:          cfg.Worker.IdleBackoff,
		MaxStoreFailures:     cfg.Worker.MaxStoreFailures,
		ShutdownTimeout:      cfg.Worker.ShutdownTimeout,
		SeriesCapacity:       cfg.Worker.SeriesCapacity,
		Topic:                cfg.PubSub.TopicID,
	}, worker.Deps{
		Store:     a.store,
		Fetcher:   fetcher,
		Policy:    policy,
		Titles:    titles,
		Hasher:    hasher,
		Documents: storage.NewDocumentWriter(blobs),
		Images:    downloader,
		Publisher: publisher,
		Clock:     clock.NewSystem(),
		Logger:    logger.Named("worker"),
	})
}

func (a *App) linkPolicy() *crawler.LinkPolicy {
	c := a.cfg.Crawler
	return crawler.NewLinkPolicy(crawler.LinkPolicyConfig{
		MaxDepth:       c.MaxDepth,
		AllowedDomains: c.AllowedDomains,
		DenyPatterns:   c.DenyPatterns,
		PriorityMode:   crawler.PriorityMode(c.PriorityMode),
	})
}

func (a *App) blobStore(ctx context.Context) (crawler.BlobStore, error) {
	cfg := a.cfg.Storage
	switch cfg.Backend {
	case config.StorageLocal:
		blobs, err := local.New(local.Config{BaseDir: cfg.OutputDir})
		if err != nil {
			return nil, fmt.Errorf("init local storage: %w", err)
		}
		a.logger.Info("writing documents to local directory", zap.String("dir", blobs.BaseDir()))
		return blobs, nil
	case config.StorageGCS:
		blobs, err := gcs.Open(ctx, gcs.Config{Bucket: cfg.GCSBucket, Prefix: cfg.Prefix}, a.logger)
		if err != nil {
			return nil, fmt.Errorf("init gcs storage: %w", err)
		}
		a.closers = append(a.closers, blobs.Close)
		a.logger.Info("writing documents to gcs", zap.String("bucket", cfg.GCSBucket))
		return blobs, nil
	case config.StorageMemory:
		a.logger.Warn("documents are kept in memory and discarded on exit")
		return memorystorage.NewBlobStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}

func (a *App) publisher(ctx context.Context) (crawler.Publisher, error) {
	cfg := a.cfg.PubSub
	switch {
	case cfg.TopicID == "":
		return nil, nil
	case cfg.ProjectID == "":
		a.logger.Info("document events kept in process", zap.String("topic", cfg.TopicID))
		return memorypublisher.New(), nil
	default:
		pub, err := pubsubpublisher.Open(ctx, cfg.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("init pubsub publisher: %w", err)
		}
		a.closers = append(a.closers, pub.Close)
		a.logger.Info("publishing document events", zap.String("project", cfg.ProjectID), zap.String("topic", cfg.TopicID))
		return pub, nil
	}
}

// Close releases every service in reverse order of creation.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("error closing service", zap.Error(err))
		}
	}
	a.closers = nil
	_ = a.logger.Sync()
}
