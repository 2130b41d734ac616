// Package manager is the administrative side of the fleet: it seeds jobs,
// resets coordination state and aggregates per-worker statistics for the
// status and monitor commands.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlfleet/internal/clock"
	"github.com/JakeFAU/crawlfleet/internal/crawler"
	"github.com/JakeFAU/crawlfleet/internal/stats"
)

// Manager reads and administers the shared coordination store.
type Manager struct {
	store  crawler.Store
	policy *crawler.LinkPolicy
	clock  crawler.Clock
	logger *zap.Logger
}

// Option customizes a Manager.
type Option func(*Manager)

// WithLinkPolicy sets the policy used to score seed jobs.
func WithLinkPolicy(p *crawler.LinkPolicy) Option {
	return func(m *Manager) {
		if p != nil {
			m.policy = p
		}
	}
}

// WithClock overrides the clock stamped on status reports.
func WithClock(c crawler.Clock) Option {
	return func(m *Manager) {
		if c != nil {
			m.clock = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// New returns a Manager bound to store.
func New(store crawler.Store, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, errors.New("manager: store is required")
	}
	m := &Manager{
		store:  store,
		policy: crawler.NewLinkPolicy(crawler.LinkPolicyConfig{}),
		clock:  clock.NewSystem(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Seed enqueues a depth-0 job per non-blank URL and returns how many were queued.
func (m *Manager) Seed(ctx context.Context, urls []string) (int, error) {
	seeded := 0
	for _, raw := range urls {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		job := m.policy.SeedJob(raw)
		if err := m.store.Enqueue(ctx, job); err != nil {
			return seeded, fmt.Errorf("seed %s: %w", job.URL, err)
		}
		seeded++
		m.logger.Info("seed enqueued", zap.String("url", job.URL))
	}
	return seeded, nil
}

// Reset clears queue, dedup, liveness and stats state. Stored results survive.
func (m *Manager) Reset(ctx context.Context) error {
	if err := m.store.Reset(ctx); err != nil {
		return fmt.Errorf("reset store: %w", err)
	}
	m.logger.Info("crawler state reset")
	return nil
}

// WorkerStatus is one worker row of a ClusterStatus.
type WorkerStatus struct {
	ID        string
	Hostname  string
	StartTime time.Time
	Active    bool
	// HasStats is false for workers that registered but never published.
	HasStats bool
	Stats    stats.Record
}

// Rate returns the newest published throughput sample.
func (w WorkerStatus) Rate() (float64, bool) {
	sample, ok := w.Stats.LatestThroughput()
	if !ok {
		return 0, false
	}
	return sample.PagesPerSecond, true
}

// Totals sums counters over every worker row.
type Totals struct {
	PagesCrawled      int64
	URLsFound         int64
	Errors            int64
	UniquePagesStored int64
	DuplicatesSkipped int64
}

// ClusterStatus is an aggregated read of the coordination store.
type ClusterStatus struct {
	Timestamp   time.Time
	QueueSize   int64
	VisitedURLs int64
	// UniquePages is the cluster-wide counter the page cap is enforced on.
	UniquePages int64
	Workers     []WorkerStatus
	Totals      Totals
}

// ActiveWorkers counts rows whose heartbeat is present.
func (s ClusterStatus) ActiveWorkers() int {
	n := 0
	for _, w := range s.Workers {
		if w.Active {
			n++
		}
	}
	return n
}

// Status reads queue, dedup and worker state from the store.
func (m *Manager) Status(ctx context.Context) (ClusterStatus, error) {
	status := ClusterStatus{Timestamp: m.clock.Now()}

	var err error
	if status.QueueSize, err = m.store.QueueSize(ctx); err != nil {
		return ClusterStatus{}, fmt.Errorf("queue size: %w", err)
	}
	if status.VisitedURLs, err = m.store.VisitedCount(ctx); err != nil {
		return ClusterStatus{}, fmt.Errorf("visited count: %w", err)
	}
	if status.UniquePages, err = m.store.GetCounter(ctx, crawler.CounterUniquePages); err != nil {
		return ClusterStatus{}, fmt.Errorf("unique pages counter: %w", err)
	}

	records, err := m.store.ListWorkers(ctx)
	if err != nil {
		return ClusterStatus{}, fmt.Errorf("list workers: %w", err)
	}
	published, err := m.store.ReadAllStats(ctx)
	if err != nil {
		return ClusterStatus{}, fmt.Errorf("read stats: %w", err)
	}

	rows := make(map[string]*WorkerStatus, len(records)+len(published))
	for id, rec := range records {
		rows[id] = &WorkerStatus{ID: id, Hostname: rec.Hostname, StartTime: rec.StartTime}
	}
	for id, rec := range published {
		row, ok := rows[id]
		if !ok {
			row = &WorkerStatus{ID: id, Hostname: rec.Hostname, StartTime: rec.StartTime}
			rows[id] = row
		}
		row.HasStats = true
		row.Stats = rec
	}

	ids := make([]string, 0, len(rows))
	for id := range rows {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		row := rows[id]
		alive, err := m.store.IsAlive(ctx, id)
		if err != nil {
			return ClusterStatus{}, fmt.Errorf("liveness %s: %w", id, err)
		}
		row.Active = alive
		status.Totals.add(row.Stats)
		status.Workers = append(status.Workers, *row)
	}
	return status, nil
}

func (t *Totals) add(r stats.Record) {
	t.PagesCrawled += r.PagesCrawled
	t.URLsFound += r.URLsFound
	t.Errors += r.Errors
	t.UniquePagesStored += r.UniquePagesStored
	t.DuplicatesSkipped += r.DuplicatesSkipped
}
