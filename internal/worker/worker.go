// Package worker implements the crawl worker runtime: registration,
// heartbeats, the job loop and the one-time shutdown sequence.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlfleet/internal/crawler"
	"github.com/JakeFAU/crawlfleet/internal/images"
	"github.com/JakeFAU/crawlfleet/internal/metrics"
	"github.com/JakeFAU/crawlfleet/internal/stats"
	"github.com/JakeFAU/crawlfleet/internal/storage"
)

// Defaults applied by New for zero-valued Config fields.
const (
	DefaultHeartbeatInterval    = 10 * time.Second
	DefaultHeartbeatTTL         = 60 * time.Second
	DefaultMemorySampleInterval = 5 * time.Second
	DefaultIdleBackoff          = time.Second
	DefaultMaxStoreFailures     = 5
	DefaultShutdownTimeout      = 10 * time.Second
)

// Config controls Runtime behavior.
type Config struct {
	WorkerID string
	Hostname string
	// SeedURLs are enqueued at depth 0 before registration.
	SeedURLs []string
	// MaxPageLimit caps cluster-wide unique pages. Zero means unlimited.
	MaxPageLimit int64
	// RateLimit is the fixed delay before every fetch.
	RateLimit time.Duration

	HeartbeatInterval    time.Duration
	HeartbeatTTL         time.Duration
	MemorySampleInterval time.Duration
	IdleBackoff          time.Duration
	MaxStoreFailures     int
	ShutdownTimeout      time.Duration
	SeriesCapacity       int

	// Topic receives crawler.DocumentStored events. Empty disables them.
	Topic string
}

// Deps are the collaborators a Runtime needs. Images, Publisher and Tracer
// are optional; a nil Tracer uses the global OpenTelemetry provider.
type Deps struct {
	Store     crawler.Store
	Fetcher   crawler.Fetcher
	Policy    *crawler.LinkPolicy
	Titles    *crawler.TitleNormalizer
	Hasher    crawler.Hasher
	Documents *storage.DocumentWriter
	Images    *images.Downloader
	Publisher crawler.Publisher
	Clock     crawler.Clock
	Logger    *zap.Logger
	Tracer    trace.Tracer
}

// Runtime is one crawl worker.
type Runtime struct {
	cfg       Config
	store     crawler.Store
	fetcher   crawler.Fetcher
	policy    *crawler.LinkPolicy
	titles    *crawler.TitleNormalizer
	hasher    crawler.Hasher
	documents *storage.DocumentWriter
	images    *images.Downloader
	publisher crawler.Publisher
	clock     crawler.Clock
	logger    *zap.Logger
	tracer    trace.Tracer

	agg       *stats.Aggregator
	startTime time.Time
	memReader func() float64

	processed    atomic.Int64
	state        atomic.Int32
	stopCh       chan struct{}
	stopOnce     sync.Once
	shutdownOnce sync.Once

	hbMu     sync.Mutex
	hbCancel context.CancelFunc
	hbDone   chan struct{}
}

// New validates dependencies and builds a Runtime in state INIT.
func New(cfg Config, deps Deps) (*Runtime, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("worker: store is required")
	case deps.Fetcher == nil:
		return nil, errors.New("worker: fetcher is required")
	case deps.Policy == nil:
		return nil, errors.New("worker: link policy is required")
	case deps.Hasher == nil:
		return nil, errors.New("worker: hasher is required")
	case deps.Documents == nil:
		return nil, errors.New("worker: document writer is required")
	case deps.Clock == nil:
		return nil, errors.New("worker: clock is required")
	case cfg.WorkerID == "":
		return nil, errors.New("worker: worker id is required")
	}
	cfg = withDefaults(cfg)
	if deps.Titles == nil {
		titles, err := crawler.NewTitleNormalizer(crawler.DefaultTitleSuffixPattern)
		if err != nil {
			return nil, fmt.Errorf("worker: %w", err)
		}
		deps.Titles = titles
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	start := deps.Clock.Now()
	return &Runtime{
		cfg:       cfg,
		store:     deps.Store,
		fetcher:   deps.Fetcher,
		policy:    deps.Policy,
		titles:    deps.Titles,
		hasher:    deps.Hasher,
		documents: deps.Documents,
		images:    deps.Images,
		publisher: deps.Publisher,
		clock:     deps.Clock,
		logger:    logger.With(zap.String("worker_id", cfg.WorkerID)),
		tracer:    tracer,
		agg:       stats.NewAggregator(cfg.WorkerID, cfg.Hostname, start, cfg.SeriesCapacity),
		startTime: start,
		memReader: processMemoryMB,
		stopCh:    make(chan struct{}),
	}, nil
}

func withDefaults(cfg Config) Config {
	if cfg.Hostname == "" {
		if h, err := os.Hostname(); err == nil {
			cfg.Hostname = h
		}
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.HeartbeatTTL <= 0 {
		cfg.HeartbeatTTL = DefaultHeartbeatTTL
	}
	if cfg.MemorySampleInterval <= 0 {
		cfg.MemorySampleInterval = DefaultMemorySampleInterval
	}
	if cfg.IdleBackoff <= 0 {
		cfg.IdleBackoff = DefaultIdleBackoff
	}
	if cfg.MaxStoreFailures <= 0 {
		cfg.MaxStoreFailures = DefaultMaxStoreFailures
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	return cfg
}

// ID returns the worker id.
func (r *Runtime) ID() string { return r.cfg.WorkerID }

// State returns the current lifecycle phase.
func (r *Runtime) State() State { return State(r.state.Load()) }

// Counters returns the local counters.
func (r *Runtime) Counters() stats.Counters { return r.agg.Counters() }

// LatestStats returns the most recent published stats record.
func (r *Runtime) LatestStats() (stats.Record, bool) { return r.agg.Latest() }

// JobsProcessed returns how many dequeued jobs have been handled.
func (r *Runtime) JobsProcessed() int64 { return r.processed.Load() }

// Ready reports whether the worker is processing jobs.
func (r *Runtime) Ready() bool { return r.State() == StateRunning }

// Stop asks the job loop to exit after the current job.
func (r *Runtime) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

func (r *Runtime) stopRequested() bool {
	select {
	case <-r.stopCh:
		return true
	default:
		return false
	}
}

func (r *Runtime) setState(s State) {
	r.state.Store(int32(s))
	r.logger.Debug("worker state", zap.Stringer("state", s))
}

// Run starts the worker and blocks until ctx is canceled, Stop is called, the
// page limit is reached or the store fails repeatedly. Only a startup failure
// is returned; the shutdown sequence has run by the time Run returns.
func (r *Runtime) Run(ctx context.Context) error {
	if r.State() != StateInit || r.stopRequested() {
		return errors.New("worker: already started")
	}
	if err := r.store.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %w", crawler.ErrStoreUnavailable, err)
	}

	for _, raw := range r.cfg.SeedURLs {
		job := r.policy.SeedJob(raw)
		if err := r.store.Enqueue(ctx, job); err != nil {
			return fmt.Errorf("%w: enqueue seed %s: %w", crawler.ErrStoreUnavailable, raw, err)
		}
		r.logger.Info("seed enqueued", zap.String("url", raw))
	}

	record := crawler.WorkerRecord{ID: r.cfg.WorkerID, StartTime: r.startTime, Hostname: r.cfg.Hostname}
	if err := r.store.RegisterWorker(ctx, record, r.cfg.HeartbeatTTL); err != nil {
		return fmt.Errorf("%w: register worker: %w", crawler.ErrStoreUnavailable, err)
	}
	if !r.state.CompareAndSwap(int32(StateInit), int32(StateRegistered)) {
		// Shutdown won the race before registration finished.
		if err := r.store.Deregister(context.WithoutCancel(ctx), r.cfg.WorkerID); err != nil {
			r.logger.Error("deregister failed", zap.Error(err))
		}
		return nil
	}
	r.logger.Info("worker registered", zap.String("hostname", r.cfg.Hostname))

	r.startHeartbeat()

	defer r.Shutdown()
	if r.state.CompareAndSwap(int32(StateRegistered), int32(StateRunning)) {
		metrics.SetWorkerRunning(true)
		r.logger.Info("worker running")
	}
	r.loop(ctx)
	return nil
}

func (r *Runtime) loop(ctx context.Context) {
	failures := 0
	for {
		if ctx.Err() != nil || r.stopRequested() {
			return
		}
		job, ok, err := r.store.Dequeue(ctx)
		switch {
		case err != nil && ctx.Err() != nil:
			return
		case errors.Is(err, crawler.ErrMalformedJob):
			r.agg.IncErrors()
			r.logger.Warn("dropped malformed job", zap.Error(err))
			continue
		case err != nil:
			failures++
			r.agg.IncErrors()
			metrics.ObserveJob(metrics.OutcomeStoreError)
			r.logger.Error("dequeue failed", zap.Int("consecutive_failures", failures), zap.Error(err))
			if failures >= r.cfg.MaxStoreFailures {
				r.logger.Error("coordination store unavailable, shutting down")
				r.Stop()
				return
			}
			r.sleep(ctx, r.cfg.IdleBackoff)
			continue
		}
		failures = 0
		if !ok {
			r.sleep(ctx, r.cfg.IdleBackoff)
			continue
		}
		r.processJob(ctx, job)
		r.processed.Add(1)
	}
}

// Shutdown runs the cleanup sequence exactly once: stop the heartbeat task,
// deregister, then publish final stats. It is safe to call concurrently and
// from signal handlers.
func (r *Runtime) Shutdown() {
	r.shutdownOnce.Do(func() {
		r.Stop()
		if r.state.CompareAndSwap(int32(StateInit), int32(StateTerminated)) {
			return
		}
		r.setState(StateShuttingDown)
		metrics.SetWorkerRunning(false)
		r.logger.Info("worker shutting down")

		r.stopHeartbeat()

		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.ShutdownTimeout)
		defer cancel()
		if err := r.store.Deregister(ctx, r.cfg.WorkerID); err != nil {
			r.logger.Error("deregister failed", zap.Error(err))
		}
		final := r.agg.Final(r.clock.Now())
		if err := r.store.PublishStats(ctx, final); err != nil {
			r.logger.Error("publish final stats failed", zap.Error(err))
		}

		r.setState(StateTerminated)
		c := r.agg.Counters()
		r.logger.Info("worker terminated",
			zap.Int64("pages_crawled", c.PagesCrawled),
			zap.Int64("unique_pages_stored", c.UniquePagesStored),
			zap.Int64("errors", c.Errors),
		)
	})
}

func (r *Runtime) startHeartbeat() {
	r.hbMu.Lock()
	defer r.hbMu.Unlock()
	if r.stopRequested() {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	r.hbCancel = cancel
	r.hbDone = done
	go r.heartbeatLoop(ctx, done)
}

func (r *Runtime) stopHeartbeat() {
	r.hbMu.Lock()
	cancel, done := r.hbCancel, r.hbDone
	r.hbCancel, r.hbDone = nil, nil
	r.hbMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// heartbeatLoop is the only writer of the stats series.
func (r *Runtime) heartbeatLoop(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	beat := time.NewTicker(r.cfg.HeartbeatInterval)
	defer beat.Stop()
	mem := time.NewTicker(r.cfg.MemorySampleInterval)
	defer mem.Stop()

	r.agg.SampleMemory(r.clock.Now(), r.memReader())
	r.agg.Snapshot()
	for {
		select {
		case <-ctx.Done():
			return
		case <-mem.C:
			r.agg.SampleMemory(r.clock.Now(), r.memReader())
		case <-beat.C:
			r.beat(ctx)
		}
	}
}

func (r *Runtime) beat(ctx context.Context) {
	r.agg.SampleThroughput(r.clock.Now())
	if err := r.store.Heartbeat(ctx, r.cfg.WorkerID, r.cfg.HeartbeatTTL); err != nil {
		metrics.IncHeartbeatFailures()
		r.logger.Warn("heartbeat failed", zap.Error(err))
	}
	if err := r.store.PublishStats(ctx, r.agg.Snapshot()); err != nil {
		r.logger.Warn("publish stats failed", zap.Error(err))
	}
}

// sleep waits for d or until ctx ends or a stop is requested.
func (r *Runtime) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	case <-r.stopCh:
		return false
	}
}

// waitFor is a context-aware delay.
func waitFor(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func processMemoryMB() float64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return float64(m.Sys) / (1024 * 1024)
}
