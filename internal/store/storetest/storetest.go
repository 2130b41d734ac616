// Package storetest is a conformance suite every coordination store backend
// must pass.
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlfleet/internal/crawler"
	"github.com/JakeFAU/crawlfleet/internal/stats"
)

// Harness exposes a fresh store and a way to move its notion of time.
type Harness struct {
	Store crawler.Store
	// Elapse advances the backend clock so expiring keys can lapse.
	Elapse func(d time.Duration)
}

// Factory builds an isolated Harness for one subtest.
type Factory func(t *testing.T) Harness

// Run executes the full suite against factory.
func Run(t *testing.T, factory Factory) {
	t.Helper()

	t.Run("QueuePopsLowestPriorityFirst", func(t *testing.T) { testQueueOrder(t, factory(t)) })
	t.Run("QueueAssignsJobIDs", func(t *testing.T) { testQueueAssignsIDs(t, factory(t)) })
	t.Run("QueueAllowsDuplicates", func(t *testing.T) { testQueueDuplicates(t, factory(t)) })
	t.Run("QueueConcurrentPopsAreExclusive", func(t *testing.T) { testQueueExclusivePop(t, factory(t)) })
	t.Run("MarkVisitedSingleWinner", func(t *testing.T) { testMarkVisited(t, factory(t)) })
	t.Run("ClaimTitleSingleWinner", func(t *testing.T) { testClaimTitle(t, factory(t)) })
	t.Run("RegistryLifecycle", func(t *testing.T) { testRegistry(t, factory(t)) })
	t.Run("HeartbeatExpiry", func(t *testing.T) { testHeartbeatExpiry(t, factory(t)) })
	t.Run("CountersAreAtomic", func(t *testing.T) { testCounters(t, factory(t)) })
	t.Run("StatsBoardRoundTrip", func(t *testing.T) { testStats(t, factory(t)) })
	t.Run("PageMetadataRoundTrip", func(t *testing.T) { testMetadata(t, factory(t)) })
	t.Run("ResetIsIdempotent", func(t *testing.T) { testReset(t, factory(t)) })
}

func testQueueOrder(t *testing.T, h Harness) {
	ctx := context.Background()
	s := h.Store

	_, ok, err := s.Dequeue(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	for _, p := range []int{5, 1, 3} {
		require.NoError(t, s.Enqueue(ctx, crawler.CrawlJob{URL: "https://example.com/", Priority: p, JobID: string(rune('a' + p))}))
	}
	size, err := s.QueueSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), size)

	var got []int
	for {
		job, ok, err := s.Dequeue(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, job.Priority)
	}
	assert.Equal(t, []int{1, 3, 5}, got)
}

func testQueueAssignsIDs(t *testing.T, h Harness) {
	ctx := context.Background()
	s := h.Store

	require.NoError(t, s.Enqueue(ctx, crawler.CrawlJob{URL: "https://example.com/a", Depth: 2, ParentURL: "https://example.com/"}))
	job, ok, err := s.Dequeue(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotEmpty(t, job.JobID)
	assert.Equal(t, "https://example.com/a", job.URL)
	assert.Equal(t, 2, job.Depth)
	assert.Equal(t, "https://example.com/", job.ParentURL)
}

func testQueueDuplicates(t *testing.T, h Harness) {
	ctx := context.Background()
	s := h.Store

	require.NoError(t, s.Enqueue(ctx, crawler.CrawlJob{URL: "https://example.com/same"}))
	require.NoError(t, s.Enqueue(ctx, crawler.CrawlJob{URL: "https://example.com/same"}))
	size, err := s.QueueSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), size)
}

func testQueueExclusivePop(t *testing.T, h Harness) {
	ctx := context.Background()
	s := h.Store
	const jobs = 40
	for i := 0; i < jobs; i++ {
		require.NoError(t, s.Enqueue(ctx, crawler.CrawlJob{URL: "https://example.com/", Priority: i}))
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, ok, err := s.Dequeue(ctx)
				if err != nil || !ok {
					return
				}
				mu.Lock()
				seen[job.JobID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, jobs)
	for jobID, count := range seen {
		assert.Equal(t, 1, count, "job %s delivered more than once", jobID)
	}
}

func testMarkVisited(t *testing.T, h Harness) {
	ctx := context.Background()
	wins := raceN(t, 16, func() (bool, error) { return h.Store.MarkVisited(ctx, "digest-1") })
	assert.Equal(t, 1, wins)

	first, err := h.Store.MarkVisited(ctx, "digest-2")
	require.NoError(t, err)
	assert.True(t, first)

	count, err := h.Store.VisitedCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func testClaimTitle(t *testing.T, h Harness) {
	ctx := context.Background()
	wins := raceN(t, 16, func() (bool, error) { return h.Store.ClaimTitle(ctx, "title-1") })
	assert.Equal(t, 1, wins)

	again, err := h.Store.ClaimTitle(ctx, "title-1")
	require.NoError(t, err)
	assert.False(t, again)
}

func testRegistry(t *testing.T, h Harness) {
	ctx := context.Background()
	s := h.Store
	rec := crawler.WorkerRecord{ID: "worker-a", StartTime: time.Unix(1_700_000_000, 0).UTC(), Hostname: "node-1"}

	require.NoError(t, s.RegisterWorker(ctx, rec, time.Minute))
	alive, err := s.IsAlive(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, alive)

	workers, err := s.ListWorkers(ctx)
	require.NoError(t, err)
	require.Contains(t, workers, rec.ID)
	assert.Equal(t, rec.Hostname, workers[rec.ID].Hostname)
	assert.True(t, rec.StartTime.Equal(workers[rec.ID].StartTime))

	require.NoError(t, s.Deregister(ctx, rec.ID))
	alive, err = s.IsAlive(ctx, rec.ID)
	require.NoError(t, err)
	assert.False(t, alive)
	workers, err = s.ListWorkers(ctx)
	require.NoError(t, err)
	assert.NotContains(t, workers, rec.ID)

	require.NoError(t, s.Deregister(ctx, rec.ID))
}

func testHeartbeatExpiry(t *testing.T, h Harness) {
	ctx := context.Background()
	s := h.Store
	rec := crawler.WorkerRecord{ID: "worker-b", StartTime: time.Now().UTC(), Hostname: "node-2"}
	ttl := 60 * time.Second

	require.NoError(t, s.RegisterWorker(ctx, rec, ttl))
	h.Elapse(50 * time.Second)
	require.NoError(t, s.Heartbeat(ctx, rec.ID, ttl))
	h.Elapse(50 * time.Second)

	alive, err := s.IsAlive(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, alive, "refreshed heartbeat should still be live")

	h.Elapse(61 * time.Second)
	alive, err = s.IsAlive(ctx, rec.ID)
	require.NoError(t, err)
	assert.False(t, alive, "heartbeat should lapse after its ttl")

	workers, err := s.ListWorkers(ctx)
	require.NoError(t, err)
	assert.Contains(t, workers, rec.ID, "registry entry outlives the heartbeat")
}

func testCounters(t *testing.T, h Harness) {
	ctx := context.Background()
	s := h.Store

	zero, err := s.GetCounter(ctx, crawler.CounterUniquePages)
	require.NoError(t, err)
	assert.Zero(t, zero)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.IncrementCounter(ctx, crawler.CounterUniquePages)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := s.GetCounter(ctx, crawler.CounterUniquePages)
	require.NoError(t, err)
	assert.Equal(t, int64(50), got)

	next, err := s.IncrementCounter(ctx, crawler.CounterUniquePages)
	require.NoError(t, err)
	assert.Equal(t, int64(51), next)
}

func testStats(t *testing.T, h Harness) {
	ctx := context.Background()
	s := h.Store
	start := time.Unix(1_700_000_000, 0).UTC()
	rec := stats.Record{
		Version:           stats.RecordVersion,
		WorkerID:          "worker-c",
		Hostname:          "node-3",
		StartTime:         start,
		PagesCrawled:      7,
		URLsFound:         42,
		Errors:            1,
		UniquePagesStored: 5,
		Throughput:        []stats.ThroughputSample{{Timestamp: start.Add(10 * time.Second), PagesPerSecond: 0.5}},
		MemoryUsage:       []stats.MemorySample{{Timestamp: start.Add(5 * time.Second), MemoryMB: 12.5}},
	}
	require.NoError(t, s.PublishStats(ctx, rec))
	rec.PagesCrawled = 8
	require.NoError(t, s.PublishStats(ctx, rec))

	all, err := s.ReadAllStats(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	got := all["worker-c"]
	assert.Equal(t, int64(8), got.PagesCrawled)
	assert.Equal(t, int64(42), got.URLsFound)
	assert.Equal(t, stats.RecordVersion, got.Version)
	latest, ok := got.LatestThroughput()
	require.True(t, ok)
	assert.InDelta(t, 0.5, latest.PagesPerSecond, 0.0001)
	require.Len(t, got.MemoryUsage, 1)
}

func testMetadata(t *testing.T, h Harness) {
	ctx := context.Background()
	s := h.Store

	_, ok, err := s.GetPageMetadata(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	meta := crawler.PageMetadata{
		URL:          "https://en.wikipedia.org/wiki/Go",
		URLDigest:    "abc",
		Title:        "Go",
		Depth:        1,
		ParentURL:    "https://en.wikipedia.org/wiki/Main_Page",
		FetchedAt:    time.Unix(1_700_000_100, 0).UTC(),
		WorkerID:     "worker-d",
		StatusCode:   200,
		ContentType:  "text/html",
		FetchMillis:  120,
		ImageCount:   2,
		DocumentURI:  "file:///tmp/abc.txt",
		ContentBytes: 1024,
	}
	require.NoError(t, s.SavePageMetadata(ctx, meta))
	got, ok, err := s.GetPageMetadata(ctx, "abc")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, meta.URL, got.URL)
	assert.Equal(t, meta.Depth, got.Depth)
	assert.Equal(t, meta.StatusCode, got.StatusCode)
	assert.Equal(t, meta.FetchMillis, got.FetchMillis)
	assert.Equal(t, meta.DocumentURI, got.DocumentURI)
	assert.True(t, meta.FetchedAt.Equal(got.FetchedAt))
}

func testReset(t *testing.T, h Harness) {
	ctx := context.Background()
	s := h.Store

	require.NoError(t, s.Enqueue(ctx, crawler.CrawlJob{URL: "https://example.com/"}))
	_, err := s.MarkVisited(ctx, "v1")
	require.NoError(t, err)
	_, err = s.ClaimTitle(ctx, "t1")
	require.NoError(t, err)
	_, err = s.IncrementCounter(ctx, crawler.CounterUniquePages)
	require.NoError(t, err)
	require.NoError(t, s.RegisterWorker(ctx, crawler.WorkerRecord{ID: "worker-e"}, time.Minute))
	require.NoError(t, s.PublishStats(ctx, stats.Record{WorkerID: "worker-e"}))
	require.NoError(t, s.SavePageMetadata(ctx, crawler.PageMetadata{URLDigest: "kept", URL: "https://example.com/"}))

	require.NoError(t, s.Reset(ctx))
	require.NoError(t, s.Reset(ctx))

	size, err := s.QueueSize(ctx)
	require.NoError(t, err)
	assert.Zero(t, size)
	visited, err := s.VisitedCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, visited)
	counter, err := s.GetCounter(ctx, crawler.CounterUniquePages)
	require.NoError(t, err)
	assert.Zero(t, counter)
	workers, err := s.ListWorkers(ctx)
	require.NoError(t, err)
	assert.Empty(t, workers)
	alive, err := s.IsAlive(ctx, "worker-e")
	require.NoError(t, err)
	assert.False(t, alive)
	all, err := s.ReadAllStats(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
	claimed, err := s.ClaimTitle(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, claimed, "title claims are cleared by reset")

	_, ok, err := s.GetPageMetadata(ctx, "kept")
	require.NoError(t, err)
	assert.True(t, ok, "document metadata survives reset")
}

func raceN(t *testing.T, n int, op func() (bool, error)) int {
	t.Helper()
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		wins  int
		start = make(chan struct{})
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			won, err := op()
			assert.NoError(t, err)
			if won {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	close(start)
	wg.Wait()
	return wins
}
