package crawler

import (
	"context"
	"io"
	"time"

	"github.com/JakeFAU/crawlfleet/internal/stats"
)

// JobQueue is the shared priority queue of pending crawl jobs.
type JobQueue interface {
	// Enqueue inserts a job scored by its priority. Duplicates are allowed.
	Enqueue(ctx context.Context, job CrawlJob) error
	// Dequeue pops the lowest-scored job. ok is false when the queue is empty.
	Dequeue(ctx context.Context) (job CrawlJob, ok bool, err error)
	QueueSize(ctx context.Context) (int64, error)
}

// DedupSet holds the cluster-wide test-and-set primitives.
type DedupSet interface {
	// MarkVisited reports true only for the first caller with this digest.
	MarkVisited(ctx context.Context, urlDigest string) (bool, error)
	VisitedCount(ctx context.Context) (int64, error)
	// ClaimTitle reports true only for the first caller with this digest.
	ClaimTitle(ctx context.Context, titleDigest string) (bool, error)
}

// Registry tracks worker records and liveness keys.
type Registry interface {
	RegisterWorker(ctx context.Context, record WorkerRecord, ttl time.Duration) error
	Heartbeat(ctx context.Context, workerID string, ttl time.Duration) error
	Deregister(ctx context.Context, workerID string) error
	IsAlive(ctx context.Context, workerID string) (bool, error)
	ListWorkers(ctx context.Context) (map[string]WorkerRecord, error)
}

// Counters are named cluster-wide integer counters.
type Counters interface {
	IncrementCounter(ctx context.Context, name string) (int64, error)
	GetCounter(ctx context.Context, name string) (int64, error)
}

// StatsBoard holds the latest stats snapshot of every worker.
type StatsBoard interface {
	PublishStats(ctx context.Context, record stats.Record) error
	ReadAllStats(ctx context.Context) (map[string]stats.Record, error)
}

// MetadataStore persists per-document metadata.
type MetadataStore interface {
	SavePageMetadata(ctx context.Context, meta PageMetadata) error
	GetPageMetadata(ctx context.Context, urlDigest string) (meta PageMetadata, ok bool, err error)
}

// Admin covers connectivity and administrative operations.
type Admin interface {
	Ping(ctx context.Context) error
	// Reset clears coordination state. It is best effort, not atomic.
	Reset(ctx context.Context) error
	Close() error
}

// Store is the full coordination store contract.
type Store interface {
	JobQueue
	DedupSet
	Registry
	Counters
	StatsBoard
	MetadataStore
	Admin
}

// BlobStore writes artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Hasher derives hex digests used as dedup keys and document names.
type Hasher interface {
	Digest(value string) string
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
