package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/JakeFAU/crawlfleet/internal/clock"
	"github.com/JakeFAU/crawlfleet/internal/crawler"
	"github.com/JakeFAU/crawlfleet/internal/hash"
	"github.com/JakeFAU/crawlfleet/internal/images"
	pubmemory "github.com/JakeFAU/crawlfleet/internal/publisher/memory"
	"github.com/JakeFAU/crawlfleet/internal/storage"
	blobmemory "github.com/JakeFAU/crawlfleet/internal/storage/memory"
	storememory "github.com/JakeFAU/crawlfleet/internal/store/memory"
)

const testHost = "https://wiki.test"

type fakeFetcher struct {
	mu    sync.Mutex
	pages map[string]crawler.FetchResponse
	errs  map[string]error
	calls map[string]int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		pages: make(map[string]crawler.FetchResponse),
		errs:  make(map[string]error),
		calls: make(map[string]int),
	}
}

func (f *fakeFetcher) html(path, title string, links ...string) {
	var b strings.Builder
	fmt.Fprintf(&b, "<html><head><title>%s</title></head><body><div id=\"mw-content-text\"><p>Body of %s</p>", title, path)
	for _, l := range links {
		fmt.Fprintf(&b, `<a href="%s">link</a>`, l)
	}
	b.WriteString("</div></body></html>")
	f.set(path, http.StatusOK, "text/html; charset=utf-8", b.String())
}

func (f *fakeFetcher) set(path string, status int, contentType, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages[testHost+path] = crawler.FetchResponse{
		URL:        testHost + path,
		StatusCode: status,
		Headers:    http.Header{"Content-Type": {contentType}},
		Body:       []byte(body),
		Duration:   5 * time.Millisecond,
	}
}

func (f *fakeFetcher) fail(path string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[testHost+path] = err
}

func (f *fakeFetcher) Fetch(_ context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[req.URL]++
	if err, ok := f.errs[req.URL]; ok {
		return crawler.FetchResponse{}, err
	}
	resp, ok := f.pages[req.URL]
	if !ok {
		return crawler.FetchResponse{URL: req.URL, StatusCode: http.StatusNotFound, Headers: http.Header{}}, nil
	}
	return resp, nil
}

func (f *fakeFetcher) callCount(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[testHost+path]
}

type harness struct {
	rt        *Runtime
	store     *storememory.Store
	blobs     *blobmemory.BlobStore
	publisher *pubmemory.Publisher
	fetcher   *fakeFetcher
	hasher    *hash.Hasher
}

type harnessOption func(*Config, *Deps)

func newHarness(t *testing.T, maxDepth int, fetcher *fakeFetcher, opts ...harnessOption) *harness {
	t.Helper()
	hasher, err := hash.New(hash.SHA256)
	require.NoError(t, err)

	h := &harness{
		store:     storememory.New(),
		blobs:     blobmemory.NewBlobStore(),
		publisher: pubmemory.New(),
		fetcher:   fetcher,
		hasher:    hasher,
	}
	cfg := Config{
		WorkerID:          "worker-test",
		Hostname:          "test-host",
		IdleBackoff:       5 * time.Millisecond,
		HeartbeatInterval: time.Hour,
		ShutdownTimeout:   time.Second,
		Topic:             "documents",
	}
	deps := Deps{
		Store:     h.store,
		Fetcher:   fetcher,
		Policy:    crawler.NewLinkPolicy(crawler.LinkPolicyConfig{MaxDepth: maxDepth}),
		Hasher:    hasher,
		Documents: storage.NewDocumentWriter(h.blobs),
		Publisher: h.publisher,
		Clock:     clock.NewSystem(),
	}
	for _, opt := range opts {
		opt(&cfg, &deps)
	}
	h.rt, err = New(cfg, deps)
	require.NoError(t, err)
	h.rt.memReader = func() float64 { return 42 }
	return h
}

// start runs the worker until the returned stop function is called.
func (h *harness) start(t *testing.T) (stop func() error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.rt.Run(ctx) }()
	t.Cleanup(cancel)
	return func() error {
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(5 * time.Second):
			t.Fatal("worker did not stop")
			return nil
		}
	}
}

// drained waits until jobs have been handled and nothing is left queued.
func (h *harness) drained(t *testing.T, jobs int64) {
	t.Helper()
	require.Eventually(t, func() bool {
		n, err := h.store.QueueSize(context.Background())
		return err == nil && n == 0 && h.rt.JobsProcessed() == jobs
	}, 5*time.Second, 5*time.Millisecond)
}

func (h *harness) metadata(t *testing.T, path string) crawler.PageMetadata {
	t.Helper()
	meta, ok, err := h.store.GetPageMetadata(context.Background(), h.hasher.Digest(testHost+path))
	require.NoError(t, err)
	require.True(t, ok, "no metadata for %s", path)
	return meta
}

func withSeeds(paths ...string) harnessOption {
	return func(cfg *Config, _ *Deps) {
		for _, p := range paths {
			cfg.SeedURLs = append(cfg.SeedURLs, testHost+p)
		}
	}
}

func TestRuntime_DepthLimitedChildrenCarryParent(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher()
	f.html("/wiki/A", "A", "/wiki/B", "/wiki/C", "#top")
	f.html("/wiki/B", "B", "/wiki/D")
	f.html("/wiki/C", "C")
	f.html("/wiki/D", "D")
	h := newHarness(t, 1, f, withSeeds("/wiki/A"))

	stop := h.start(t)
	h.drained(t, 3)
	require.NoError(t, stop())

	assert.Equal(t, 1, f.callCount("/wiki/A"))
	assert.Equal(t, 1, f.callCount("/wiki/B"))
	assert.Equal(t, 1, f.callCount("/wiki/C"))
	assert.Zero(t, f.callCount("/wiki/D"), "children of max-depth pages must not be enqueued")

	b := h.metadata(t, "/wiki/B")
	assert.Equal(t, 1, b.Depth)
	assert.Equal(t, testHost+"/wiki/A", b.ParentURL)
	assert.Equal(t, "worker-test", b.WorkerID)

	c := h.rt.Counters()
	assert.EqualValues(t, 3, c.PagesCrawled)
	assert.EqualValues(t, 3, c.UniquePagesStored)
	assert.EqualValues(t, 2, c.URLsFound)
	assert.Zero(t, c.Errors)

	count, err := h.store.GetCounter(context.Background(), crawler.CounterUniquePages)
	require.NoError(t, err)
	assert.EqualValues(t, 3, count)
}

func TestRuntime_DuplicateTitlesStoredOnce(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher()
	f.html("/wiki/Go", "Go - Wikipedia")
	f.html("/wiki/Golang", "  go  ")
	h := newHarness(t, 0, f, withSeeds("/wiki/Go", "/wiki/Golang"))

	stop := h.start(t)
	h.drained(t, 2)
	require.NoError(t, stop())

	var texts []string
	for _, p := range h.blobs.Paths() {
		if strings.HasSuffix(p, ".txt") {
			texts = append(texts, p)
		}
	}
	assert.Len(t, texts, 1)

	count, err := h.store.GetCounter(context.Background(), crawler.CounterUniquePages)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)

	c := h.rt.Counters()
	assert.EqualValues(t, 2, c.PagesCrawled)
	assert.EqualValues(t, 1, c.UniquePagesStored)
	assert.EqualValues(t, 1, c.DuplicatesSkipped)
	assert.Zero(t, c.Errors)
	assert.Len(t, h.publisher.Messages(), 1)
}

func TestRuntime_StopsAtGlobalPageLimit(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher()
	var links []string
	for i := 0; i < 10; i++ {
		path := fmt.Sprintf("/wiki/P%d", i)
		f.html(path, fmt.Sprintf("Page %d", i))
		links = append(links, path)
	}
	f.html("/wiki/Root", "Root", links...)
	h := newHarness(t, 1, f, withSeeds("/wiki/Root"), func(cfg *Config, _ *Deps) {
		cfg.MaxPageLimit = 5
	})

	done := make(chan error, 1)
	go func() { done <- h.rt.Run(context.Background()) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop at the page limit")
	}

	assert.Equal(t, StateTerminated, h.rt.State())
	count, err := h.store.GetCounter(context.Background(), crawler.CounterUniquePages)
	require.NoError(t, err)
	assert.EqualValues(t, 5, count)

	stored := 0
	for _, p := range h.blobs.Paths() {
		if strings.HasSuffix(p, ".txt") {
			stored++
		}
	}
	assert.Equal(t, 5, stored)

	queued, err := h.store.QueueSize(context.Background())
	require.NoError(t, err)
	assert.Positive(t, queued, "the job that hit the limit goes back to the queue")
}

func TestRuntime_VisitedURLFetchedOnce(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher()
	f.html("/wiki/A", "A")
	h := newHarness(t, 0, f, withSeeds("/wiki/A", "/wiki/A", "/wiki/A"))

	stop := h.start(t)
	h.drained(t, 3)
	require.NoError(t, stop())

	assert.Equal(t, 1, f.callCount("/wiki/A"))
	visited, err := h.store.VisitedCount(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, visited)
}

func TestRuntime_FetchFailuresCountErrors(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher()
	f.set("/data.json", http.StatusOK, "application/json", `{}`)
	f.fail("/down", errors.New("connection refused"))
	f.fail("/private", fmt.Errorf("fetch: %w", crawler.ErrRobotsDisallowed))
	h := newHarness(t, 1, f, withSeeds("/missing", "/data.json", "/down", "/private"))

	stop := h.start(t)
	h.drained(t, 4)
	require.NoError(t, stop())

	c := h.rt.Counters()
	assert.EqualValues(t, 3, c.Errors, "404, non-html and network errors count; robots does not")
	assert.Zero(t, c.PagesCrawled)
	assert.Empty(t, h.blobs.Paths())
}

func TestRuntime_TracesEachJob(t *testing.T) {
	t.Parallel()

	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	f := newFakeFetcher()
	f.html("/wiki/A", "A")
	f.fail("/down", errors.New("connection refused"))
	h := newHarness(t, 0, f, withSeeds("/wiki/A", "/down"), func(_ *Config, d *Deps) {
		d.Tracer = tp.Tracer("test")
	})

	stop := h.start(t)
	h.drained(t, 2)
	require.NoError(t, stop())

	spans := rec.Ended()
	require.Len(t, spans, 2)
	byURL := make(map[string]sdktrace.ReadOnlySpan)
	for _, s := range spans {
		assert.Equal(t, "worker.processJob", s.Name())
		for _, kv := range s.Attributes() {
			if kv.Key == "crawl.url" {
				byURL[kv.Value.AsString()] = s
			}
		}
	}
	require.Contains(t, byURL, testHost+"/wiki/A")
	require.Contains(t, byURL, testHost+"/down")
	assert.Equal(t, codes.Unset, byURL[testHost+"/wiki/A"].Status().Code)
	assert.Equal(t, codes.Error, byURL[testHost+"/down"].Status().Code)
	assert.Contains(t, byURL[testHost+"/down"].Attributes(), attribute.String("crawl.worker_id", "worker-test"))
}

func TestRuntime_StorageFailureWritesRawFallback(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher()
	f.html("/wiki/A", "A")
	h := newHarness(t, 0, f, withSeeds("/wiki/A"))
	h.blobs.FailWhen(func(path string) error {
		if strings.HasSuffix(path, ".txt") {
			return errors.New("quota exceeded")
		}
		return nil
	})

	stop := h.start(t)
	h.drained(t, 1)
	require.NoError(t, stop())

	digest := h.hasher.Digest(testHost + "/wiki/A")
	assert.Equal(t, []string{digest + ".html"}, h.blobs.Paths())
	assert.EqualValues(t, 1, h.rt.Counters().Errors)
	assert.Empty(t, h.publisher.Messages())
}

func TestRuntime_StoresTextImagesAndEvent(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher()
	f.set("/wiki/A", http.StatusOK, "text/html",
		`<html><head><title>Alpha - Wikipedia</title></head><body>`+
			`<div id="mw-content-text"><h2>Intro</h2><p>Alpha text.</p>`+
			`<img src="/img/one.jpg"><img src="/img/missing.jpg"><img src="/img/two.JPEG"></div></body></html>`)
	f.set("/img/one.jpg", http.StatusOK, "image/jpeg", "one")
	f.set("/img/two.JPEG", http.StatusOK, "image/jpeg", "two")
	h := newHarness(t, 0, f, withSeeds("/wiki/A"), func(_ *Config, deps *Deps) {
		deps.Images = images.NewDownloader(deps.Fetcher, images.Config{}, nil)
	})

	stop := h.start(t)
	h.drained(t, 1)
	require.NoError(t, stop())

	digest := h.hasher.Digest(testHost + "/wiki/A")
	text, ok := h.blobs.Get(digest + ".txt")
	require.True(t, ok)
	assert.Equal(t, "Title: Alpha - Wikipedia\n\n## Intro\n\n\nAlpha text.", string(text.Data))

	img0, ok := h.blobs.Get(storage.ImagePath(digest, 0))
	require.True(t, ok)
	assert.Equal(t, "one", string(img0.Data))
	img1, ok := h.blobs.Get(storage.ImagePath(digest, 1))
	require.True(t, ok)
	assert.Equal(t, "two", string(img1.Data))

	meta := h.metadata(t, "/wiki/A")
	assert.Equal(t, 2, meta.ImageCount)
	assert.Equal(t, "memory://"+digest+".txt", meta.DocumentURI)

	msgs := h.publisher.Messages()
	require.Len(t, msgs, 1)
	var event crawler.DocumentStored
	require.NoError(t, msgs[0].Decode(&event))
	assert.Equal(t, testHost+"/wiki/A", event.URL)
	assert.Equal(t, "worker-test", event.WorkerID)
}

func TestRuntime_PingFailureDoesNotRegister(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 0, newFakeFetcher())
	require.NoError(t, h.store.Close())

	err := h.rt.Run(context.Background())
	require.ErrorIs(t, err, crawler.ErrStoreUnavailable)
	assert.Equal(t, StateInit, h.rt.State())
}

func TestRuntime_ShutdownRunsOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 0, newFakeFetcher())
	stop := h.start(t)
	require.Eventually(t, func() bool { return h.rt.State() == StateRunning }, time.Second, time.Millisecond)

	workers, err := h.store.ListWorkers(context.Background())
	require.NoError(t, err)
	require.Contains(t, workers, "worker-test")

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.rt.Shutdown()
		}()
	}
	wg.Wait()
	require.NoError(t, stop())

	assert.Equal(t, StateTerminated, h.rt.State())
	workers, err = h.store.ListWorkers(context.Background())
	require.NoError(t, err)
	assert.Empty(t, workers)
	alive, err := h.store.IsAlive(context.Background(), "worker-test")
	require.NoError(t, err)
	assert.False(t, alive)

	all, err := h.store.ReadAllStats(context.Background())
	require.NoError(t, err)
	final, ok := all["worker-test"]
	require.True(t, ok)
	assert.True(t, final.Finished())
	require.NotNil(t, final.RuntimeSeconds)
}

func TestRuntime_ShutdownBeforeRun(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 0, newFakeFetcher())
	h.rt.Shutdown()
	assert.Equal(t, StateTerminated, h.rt.State())

	all, err := h.store.ReadAllStats(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)
	require.Error(t, h.rt.Run(context.Background()))
}

func TestRuntime_HeartbeatPublishesStats(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 0, newFakeFetcher(), func(cfg *Config, _ *Deps) {
		cfg.HeartbeatInterval = 20 * time.Millisecond
		cfg.MemorySampleInterval = 10 * time.Millisecond
	})
	stop := h.start(t)

	require.Eventually(t, func() bool {
		all, err := h.store.ReadAllStats(context.Background())
		if err != nil {
			return false
		}
		rec, ok := all["worker-test"]
		return ok && len(rec.Throughput) > 0 && len(rec.MemoryUsage) > 0
	}, 5*time.Second, 10*time.Millisecond)

	latest, ok := h.rt.LatestStats()
	require.True(t, ok)
	assert.Equal(t, "test-host", latest.Hostname)
	assert.InDelta(t, 42, latest.MemoryUsage[0].MemoryMB, 0.001)
	require.NoError(t, stop())
}

type flakyStore struct {
	*storememory.Store
	failures  atomic.Int32
	malformed atomic.Bool
}

func (s *flakyStore) Dequeue(ctx context.Context) (crawler.CrawlJob, bool, error) {
	if s.malformed.CompareAndSwap(true, false) {
		return crawler.CrawlJob{}, false, fmt.Errorf("%w: bad json", crawler.ErrMalformedJob)
	}
	s.failures.Add(1)
	return crawler.CrawlJob{}, false, errors.New("connection reset")
}

func TestRuntime_RepeatedStoreFailuresShutDown(t *testing.T) {
	t.Parallel()

	store := &flakyStore{Store: storememory.New()}
	store.malformed.Store(true)
	h := newHarness(t, 0, newFakeFetcher(), func(cfg *Config, deps *Deps) {
		cfg.MaxStoreFailures = 3
		deps.Store = store
	})

	done := make(chan error, 1)
	go func() { done <- h.rt.Run(context.Background()) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop after repeated store failures")
	}

	assert.Equal(t, StateTerminated, h.rt.State())
	assert.EqualValues(t, 3, store.failures.Load())
	assert.EqualValues(t, 4, h.rt.Counters().Errors, "three store failures plus one malformed job")
}

func TestNew_RequiresDependencies(t *testing.T) {
	t.Parallel()

	_, err := New(Config{WorkerID: "w"}, Deps{})
	require.Error(t, err)
}

func TestStateString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "SHUTTING_DOWN", StateShuttingDown.String())
	assert.Equal(t, "UNKNOWN", State(99).String())
}
