// Package app_test contains unit tests for the app package.
package app_test

import (
	"context"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlfleet/internal/app"
	"github.com/JakeFAU/crawlfleet/internal/config"
	"github.com/JakeFAU/crawlfleet/internal/crawler"
	"github.com/JakeFAU/crawlfleet/internal/worker"
)

func testConfig(t *testing.T, overrides map[string]any) config.Config {
	t.Helper()
	v := viper.New()
	config.SetDefaults(v)
	v.Set("store.backend", config.StoreMemory)
	v.Set("storage.backend", config.StorageMemory)
	for k, val := range overrides {
		v.Set(k, val)
	}
	cfg, err := config.Load(v)
	require.NoError(t, err)
	return cfg
}

func TestNewApp_MemoryStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	a, err := app.NewApp(ctx, testConfig(t, nil), zap.NewNop())
	require.NoError(t, err)

	require.NotNil(t, a.GetStore())
	require.NoError(t, a.GetStore().Ping(ctx))
	assert.Equal(t, config.StoreMemory, a.GetConfig().Store.Backend)

	a.Close()
	require.Error(t, a.GetStore().Ping(ctx))
}

func TestNewApp_RedisStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mr := miniredis.RunT(t)

	cfg := testConfig(t, map[string]any{
		"store.backend": config.StoreRedis,
		"redis.addr":    mr.Addr(),
		"redis.prefix":  "apptest",
	})
	a, err := app.NewApp(ctx, cfg, nil)
	require.NoError(t, err)
	t.Cleanup(a.Close)

	require.NoError(t, a.GetStore().Ping(ctx))
	require.NoError(t, a.GetStore().Enqueue(ctx, jobFor("https://example.com/")))
	assert.True(t, mr.Exists("apptest:queue"))
}

func TestNewApp_UnknownBackend(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, nil)
	cfg.Store.Backend = "etcd"
	_, err := app.NewApp(context.Background(), cfg, nil)
	require.Error(t, err)
}

func TestApp_NewWorkerGeneratesID(t *testing.T) {
	t.Parallel()

	a, err := app.NewApp(context.Background(), testConfig(t, map[string]any{
		"pubsub.topic_id": "documents",
	}), nil)
	require.NoError(t, err)
	t.Cleanup(a.Close)

	rt, err := a.NewWorker(context.Background())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(rt.ID(), "worker-"))
	assert.Equal(t, worker.StateInit, rt.State())
}

func TestApp_NewWorkerLocalStorage(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	a, err := app.NewApp(context.Background(), testConfig(t, map[string]any{
		"storage.backend":    config.StorageLocal,
		"storage.output_dir": dir,
		"worker.id":          "worker-fixed",
	}), nil)
	require.NoError(t, err)
	t.Cleanup(a.Close)

	rt, err := a.NewWorker(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "worker-fixed", rt.ID())
}

func TestApp_NewWorkerInstallsTracerProvider(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	a, err := app.NewApp(context.Background(), testConfig(t, map[string]any{
		"tracing.enabled": true,
		"worker.id":       "worker-traced",
	}), nil)
	require.NoError(t, err)

	_, err = a.NewWorker(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, prev, otel.GetTracerProvider())
	a.Close()
}

func TestApp_NewManagerSeeds(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	a, err := app.NewApp(ctx, testConfig(t, map[string]any{"crawler.priority_mode": "depth"}), nil)
	require.NoError(t, err)
	t.Cleanup(a.Close)

	mgr, err := a.NewManager()
	require.NoError(t, err)
	n, err := mgr.Seed(ctx, []string{"https://example.com/a", "https://example.com/b"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	size, err := a.GetStore().QueueSize(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, size)
}

func jobFor(rawURL string) crawler.CrawlJob {
	return crawler.CrawlJob{URL: rawURL}
}
