// Package memory provides an in-process coordination store for local
// development and tests. Every operation runs under one mutex, so the
// test-and-set primitives are linearizable within the process.
package memory

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/crawlfleet/internal/clock"
	"github.com/JakeFAU/crawlfleet/internal/crawler"
	"github.com/JakeFAU/crawlfleet/internal/id"
	"github.com/JakeFAU/crawlfleet/internal/stats"
)

var errClosed = errors.New("memory store closed")

// Option customizes a Store.
type Option func(*Store)

// WithClock overrides the clock used for heartbeat expiry.
func WithClock(c crawler.Clock) Option {
	return func(s *Store) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithIDGenerator overrides the generator used for jobs enqueued without an ID.
func WithIDGenerator(g crawler.IDGenerator) Option {
	return func(s *Store) {
		if g != nil {
			s.ids = g
		}
	}
}

// Store implements crawler.Store in memory.
type Store struct {
	mu    sync.Mutex
	clock crawler.Clock
	ids   crawler.IDGenerator

	queue      jobHeap
	seq        uint64
	visited    map[string]struct{}
	titles     map[string]struct{}
	counters   map[string]int64
	workers    map[string]crawler.WorkerRecord
	heartbeats map[string]time.Time
	stats      map[string]stats.Record
	results    map[string]crawler.PageMetadata
	closed     bool
}

// New constructs an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		clock:   clock.NewSystem(),
		ids:     id.New(),
		results: make(map[string]crawler.PageMetadata),
	}
	s.resetLocked()
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) resetLocked() {
	s.queue = nil
	s.visited = make(map[string]struct{})
	s.titles = make(map[string]struct{})
	s.counters = make(map[string]int64)
	s.workers = make(map[string]crawler.WorkerRecord)
	s.heartbeats = make(map[string]time.Time)
	s.stats = make(map[string]stats.Record)
}

func (s *Store) lock() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errClosed
	}
	return nil
}

// Enqueue inserts a job ordered by priority, then insertion order.
func (s *Store) Enqueue(_ context.Context, job crawler.CrawlJob) error {
	if job.JobID == "" {
		jobID, err := s.ids.NewID()
		if err != nil {
			return fmt.Errorf("assign job id: %w", err)
		}
		job.JobID = jobID
	}
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	s.seq++
	heap.Push(&s.queue, queuedJob{job: job, seq: s.seq})
	return nil
}

// Dequeue pops the lowest-priority job.
func (s *Store) Dequeue(_ context.Context) (crawler.CrawlJob, bool, error) {
	if err := s.lock(); err != nil {
		return crawler.CrawlJob{}, false, err
	}
	defer s.mu.Unlock()
	if s.queue.Len() == 0 {
		return crawler.CrawlJob{}, false, nil
	}
	item, ok := heap.Pop(&s.queue).(queuedJob)
	if !ok {
		return crawler.CrawlJob{}, false, crawler.ErrMalformedJob
	}
	return item.job, true, nil
}

// QueueSize returns the number of pending jobs.
func (s *Store) QueueSize(_ context.Context) (int64, error) {
	if err := s.lock(); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()
	return int64(s.queue.Len()), nil
}

// MarkVisited adds the digest, reporting whether it was absent.
func (s *Store) MarkVisited(_ context.Context, urlDigest string) (bool, error) {
	if err := s.lock(); err != nil {
		return false, err
	}
	defer s.mu.Unlock()
	return addOnce(s.visited, urlDigest), nil
}

// VisitedCount returns the visited set cardinality.
func (s *Store) VisitedCount(_ context.Context) (int64, error) {
	if err := s.lock(); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()
	return int64(len(s.visited)), nil
}

// ClaimTitle sets the title marker if absent.
func (s *Store) ClaimTitle(_ context.Context, titleDigest string) (bool, error) {
	if err := s.lock(); err != nil {
		return false, err
	}
	defer s.mu.Unlock()
	return addOnce(s.titles, titleDigest), nil
}

// RegisterWorker stores the record and starts its liveness window.
func (s *Store) RegisterWorker(_ context.Context, record crawler.WorkerRecord, ttl time.Duration) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	s.workers[record.ID] = record
	s.heartbeats[record.ID] = s.clock.Now().Add(ttl)
	return nil
}

// Heartbeat extends the liveness window.
func (s *Store) Heartbeat(_ context.Context, workerID string, ttl time.Duration) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	s.heartbeats[workerID] = s.clock.Now().Add(ttl)
	return nil
}

// Deregister removes the record and the liveness marker.
func (s *Store) Deregister(_ context.Context, workerID string) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	delete(s.workers, workerID)
	delete(s.heartbeats, workerID)
	return nil
}

// IsAlive reports whether the liveness window is still open.
func (s *Store) IsAlive(_ context.Context, workerID string) (bool, error) {
	if err := s.lock(); err != nil {
		return false, err
	}
	defer s.mu.Unlock()
	expiry, ok := s.heartbeats[workerID]
	if !ok {
		return false, nil
	}
	if !s.clock.Now().Before(expiry) {
		delete(s.heartbeats, workerID)
		return false, nil
	}
	return true, nil
}

// ListWorkers returns a copy of the registry.
func (s *Store) ListWorkers(_ context.Context) (map[string]crawler.WorkerRecord, error) {
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	out := make(map[string]crawler.WorkerRecord, len(s.workers))
	for k, v := range s.workers {
		out[k] = v
	}
	return out, nil
}

// IncrementCounter adds one to the named counter.
func (s *Store) IncrementCounter(_ context.Context, name string) (int64, error) {
	if err := s.lock(); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()
	s.counters[name]++
	return s.counters[name], nil
}

// GetCounter returns the named counter, zero when unset.
func (s *Store) GetCounter(_ context.Context, name string) (int64, error) {
	if err := s.lock(); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()
	return s.counters[name], nil
}

// PublishStats overwrites the worker's stats snapshot.
func (s *Store) PublishStats(_ context.Context, record stats.Record) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	s.stats[record.WorkerID] = record
	return nil
}

// ReadAllStats returns every stats snapshot.
func (s *Store) ReadAllStats(_ context.Context) (map[string]stats.Record, error) {
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	out := make(map[string]stats.Record, len(s.stats))
	for k, v := range s.stats {
		out[k] = v
	}
	return out, nil
}

// SavePageMetadata stores metadata keyed by URL digest.
func (s *Store) SavePageMetadata(_ context.Context, meta crawler.PageMetadata) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	s.results[meta.URLDigest] = meta
	return nil
}

// GetPageMetadata loads metadata by URL digest.
func (s *Store) GetPageMetadata(_ context.Context, urlDigest string) (crawler.PageMetadata, bool, error) {
	if err := s.lock(); err != nil {
		return crawler.PageMetadata{}, false, err
	}
	defer s.mu.Unlock()
	meta, ok := s.results[urlDigest]
	return meta, ok, nil
}

// Ping fails only after Close.
func (s *Store) Ping(_ context.Context) error {
	if err := s.lock(); err != nil {
		return err
	}
	s.mu.Unlock()
	return nil
}

// Reset clears all coordination state. Stored page metadata is kept.
func (s *Store) Reset(_ context.Context) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	s.resetLocked()
	return nil
}

// Close makes every subsequent call fail.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func addOnce(set map[string]struct{}, key string) bool {
	if _, ok := set[key]; ok {
		return false
	}
	set[key] = struct{}{}
	return true
}

type queuedJob struct {
	job crawler.CrawlJob
	seq uint64
}

type jobHeap []queuedJob

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].job.Priority != h[j].job.Priority {
		return h[i].job.Priority < h[j].job.Priority
	}
	return h[i].seq < h[j].seq
}

func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *jobHeap) Push(x any) {
	item, ok := x.(queuedJob)
	if !ok {
		return
	}
	*h = append(*h, item)
}

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
