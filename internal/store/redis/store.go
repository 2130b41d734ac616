// Package redis implements the coordination store on Redis. Each
// test-and-set primitive maps onto a single Redis command, so exclusivity
// holds across every worker sharing the server.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlfleet/internal/crawler"
	"github.com/JakeFAU/crawlfleet/internal/id"
	"github.com/JakeFAU/crawlfleet/internal/stats"
)

const (
	heartbeatValue = "alive"
	scanBatch      = 500
)

// Config captures the parameters required to connect to Redis.
type Config struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	Prefix       string        `mapstructure:"prefix"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolSize     int           `mapstructure:"pool_size"`
}

// NewClient builds a go-redis client from cfg.
func NewClient(cfg Config) *goredis.Client {
	return goredis.NewClient(&goredis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
	})
}

// Store implements crawler.Store on Redis.
type Store struct {
	client goredis.UniversalClient
	keys   keySpace
	ids    crawler.IDGenerator
	logger *zap.Logger
}

// New wraps an existing client.
func New(client goredis.UniversalClient, prefix string, logger *zap.Logger) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		client: client,
		keys:   newKeySpace(prefix),
		ids:    id.New(),
		logger: logger,
	}, nil
}

// Enqueue adds the job to the sorted-set queue scored by priority.
func (s *Store) Enqueue(ctx context.Context, job crawler.CrawlJob) error {
	if job.JobID == "" {
		jobID, err := s.ids.NewID()
		if err != nil {
			return fmt.Errorf("assign job id: %w", err)
		}
		job.JobID = jobID
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	member := goredis.Z{Score: float64(job.Priority), Member: string(payload)}
	if err := s.client.ZAdd(ctx, s.keys.queue(), member).Err(); err != nil {
		return fmt.Errorf("zadd queue: %w", err)
	}
	return nil
}

// Dequeue atomically pops the lowest-scored job.
func (s *Store) Dequeue(ctx context.Context) (crawler.CrawlJob, bool, error) {
	popped, err := s.client.ZPopMin(ctx, s.keys.queue(), 1).Result()
	if err != nil {
		return crawler.CrawlJob{}, false, fmt.Errorf("zpopmin queue: %w", err)
	}
	if len(popped) == 0 {
		return crawler.CrawlJob{}, false, nil
	}
	raw, ok := popped[0].Member.(string)
	if !ok {
		return crawler.CrawlJob{}, false, fmt.Errorf("%w: unexpected member type %T", crawler.ErrMalformedJob, popped[0].Member)
	}
	var job crawler.CrawlJob
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return crawler.CrawlJob{}, false, fmt.Errorf("%w: %v", crawler.ErrMalformedJob, err)
	}
	return job, true, nil
}

// QueueSize returns ZCARD of the queue.
func (s *Store) QueueSize(ctx context.Context) (int64, error) {
	n, err := s.client.ZCard(ctx, s.keys.queue()).Result()
	if err != nil {
		return 0, fmt.Errorf("zcard queue: %w", err)
	}
	return n, nil
}

// MarkVisited SADDs the digest; the caller that added it wins.
func (s *Store) MarkVisited(ctx context.Context, urlDigest string) (bool, error) {
	added, err := s.client.SAdd(ctx, s.keys.visited(), urlDigest).Result()
	if err != nil {
		return false, fmt.Errorf("sadd visited: %w", err)
	}
	return added == 1, nil
}

// VisitedCount returns SCARD of the visited set.
func (s *Store) VisitedCount(ctx context.Context) (int64, error) {
	n, err := s.client.SCard(ctx, s.keys.visited()).Result()
	if err != nil {
		return 0, fmt.Errorf("scard visited: %w", err)
	}
	return n, nil
}

// ClaimTitle sets the title marker with NX and no expiry.
func (s *Store) ClaimTitle(ctx context.Context, titleDigest string) (bool, error) {
	won, err := s.client.SetNX(ctx, s.keys.title(titleDigest), "1", 0).Result()
	if err != nil {
		return false, fmt.Errorf("setnx title: %w", err)
	}
	return won, nil
}

// RegisterWorker writes the registry entry and the first heartbeat.
func (s *Store) RegisterWorker(ctx context.Context, record crawler.WorkerRecord, ttl time.Duration) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal worker record: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, s.keys.activeWorkers(), record.ID, string(payload))
		pipe.Set(ctx, s.keys.heartbeat(record.ID), heartbeatValue, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("register worker: %w", err)
	}
	return nil
}

// Heartbeat refreshes the liveness key.
func (s *Store) Heartbeat(ctx context.Context, workerID string, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.keys.heartbeat(workerID), heartbeatValue, ttl).Err(); err != nil {
		return fmt.Errorf("set heartbeat: %w", err)
	}
	return nil
}

// Deregister removes the registry entry and heartbeat key.
func (s *Store) Deregister(ctx context.Context, workerID string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HDel(ctx, s.keys.activeWorkers(), workerID)
		pipe.Del(ctx, s.keys.heartbeat(workerID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("deregister worker: %w", err)
	}
	return nil
}

// IsAlive reports whether the heartbeat key exists.
func (s *Store) IsAlive(ctx context.Context, workerID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.keys.heartbeat(workerID)).Result()
	if err != nil {
		return false, fmt.Errorf("exists heartbeat: %w", err)
	}
	return n == 1, nil
}

// ListWorkers decodes every registry entry. Undecodable entries are skipped.
func (s *Store) ListWorkers(ctx context.Context) (map[string]crawler.WorkerRecord, error) {
	raw, err := s.client.HGetAll(ctx, s.keys.activeWorkers()).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall workers: %w", err)
	}
	out := make(map[string]crawler.WorkerRecord, len(raw))
	for workerID, payload := range raw {
		var rec crawler.WorkerRecord
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
			s.logger.Warn("skipping undecodable worker record", zap.String("worker_id", workerID), zap.Error(err))
			continue
		}
		out[workerID] = rec
	}
	return out, nil
}

// IncrementCounter INCRs the named counter.
func (s *Store) IncrementCounter(ctx context.Context, name string) (int64, error) {
	n, err := s.client.Incr(ctx, s.keys.counter(name)).Result()
	if err != nil {
		return 0, fmt.Errorf("incr counter %s: %w", name, err)
	}
	return n, nil
}

// GetCounter reads the named counter, zero when unset.
func (s *Store) GetCounter(ctx context.Context, name string) (int64, error) {
	raw, err := s.client.Get(ctx, s.keys.counter(name)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("get counter %s: %w", name, err)
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse counter %s: %w", name, err)
	}
	return n, nil
}

// PublishStats overwrites the worker's entry in the stats hash.
func (s *Store) PublishStats(ctx context.Context, record stats.Record) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal stats: %w", err)
	}
	if err := s.client.HSet(ctx, s.keys.stats(), record.WorkerID, string(payload)).Err(); err != nil {
		return fmt.Errorf("hset stats: %w", err)
	}
	return nil
}

// ReadAllStats decodes every stats entry. Undecodable entries are skipped.
func (s *Store) ReadAllStats(ctx context.Context) (map[string]stats.Record, error) {
	raw, err := s.client.HGetAll(ctx, s.keys.stats()).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall stats: %w", err)
	}
	out := make(map[string]stats.Record, len(raw))
	for workerID, payload := range raw {
		var rec stats.Record
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
			s.logger.Warn("skipping undecodable stats record", zap.String("worker_id", workerID), zap.Error(err))
			continue
		}
		out[workerID] = rec
	}
	return out, nil
}

// SavePageMetadata writes the metadata hash for a document.
func (s *Store) SavePageMetadata(ctx context.Context, meta crawler.PageMetadata) error {
	if err := s.client.HSet(ctx, s.keys.result(meta.URLDigest), metadataFields(meta)).Err(); err != nil {
		return fmt.Errorf("hset metadata: %w", err)
	}
	return nil
}

// GetPageMetadata loads a metadata hash.
func (s *Store) GetPageMetadata(ctx context.Context, urlDigest string) (crawler.PageMetadata, bool, error) {
	raw, err := s.client.HGetAll(ctx, s.keys.result(urlDigest)).Result()
	if err != nil {
		return crawler.PageMetadata{}, false, fmt.Errorf("hgetall metadata: %w", err)
	}
	if len(raw) == 0 {
		return crawler.PageMetadata{}, false, nil
	}
	meta, err := parseMetadata(raw)
	if err != nil {
		return crawler.PageMetadata{}, false, err
	}
	return meta, true, nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

// Reset deletes the queue, visited set, registry, stats, title claims,
// heartbeats and counters, one step at a time. Every step is attempted and
// the failures are joined. Document metadata is kept.
func (s *Store) Reset(ctx context.Context) error {
	var errs []error
	fixed := []string{s.keys.queue(), s.keys.visited(), s.keys.stats(), s.keys.activeWorkers()}
	if err := s.client.Del(ctx, fixed...).Err(); err != nil {
		errs = append(errs, fmt.Errorf("delete fixed keys: %w", err))
	}
	for _, family := range []string{"title_hash", "worker_heartbeat", "counter"} {
		deleted, err := s.deleteMatching(ctx, s.keys.pattern(family))
		if err != nil {
			errs = append(errs, fmt.Errorf("delete %s keys: %w", family, err))
			continue
		}
		s.logger.Debug("reset deleted keys", zap.String("family", family), zap.Int("count", deleted))
	}
	return errors.Join(errs...)
}

func (s *Store) deleteMatching(ctx context.Context, pattern string) (int, error) {
	var (
		cursor  uint64
		deleted int
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return deleted, fmt.Errorf("scan %s: %w", pattern, err)
		}
		if len(keys) > 0 {
			if err := s.client.Del(ctx, keys...).Err(); err != nil {
				return deleted, fmt.Errorf("del batch: %w", err)
			}
			deleted += len(keys)
		}
		if next == 0 {
			return deleted, nil
		}
		cursor = next
	}
}

// Close closes the underlying client.
func (s *Store) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close redis client: %w", err)
	}
	return nil
}

func metadataFields(meta crawler.PageMetadata) map[string]any {
	return map[string]any{
		"url":           meta.URL,
		"url_digest":    meta.URLDigest,
		"title":         meta.Title,
		"depth":         meta.Depth,
		"parent_url":    meta.ParentURL,
		"fetched_at":    meta.FetchedAt.UTC().Format(time.RFC3339Nano),
		"worker_id":     meta.WorkerID,
		"status_code":   meta.StatusCode,
		"content_type":  meta.ContentType,
		"fetch_ms":      meta.FetchMillis,
		"image_count":   meta.ImageCount,
		"document_uri":  meta.DocumentURI,
		"content_bytes": meta.ContentBytes,
	}
}

func parseMetadata(raw map[string]string) (crawler.PageMetadata, error) {
	meta := crawler.PageMetadata{
		URL:         raw["url"],
		URLDigest:   raw["url_digest"],
		Title:       raw["title"],
		ParentURL:   raw["parent_url"],
		WorkerID:    raw["worker_id"],
		ContentType: raw["content_type"],
		DocumentURI: raw["document_uri"],
	}
	var err error
	if meta.Depth, err = atoiField(raw, "depth"); err != nil {
		return meta, err
	}
	if meta.StatusCode, err = atoiField(raw, "status_code"); err != nil {
		return meta, err
	}
	if meta.ImageCount, err = atoiField(raw, "image_count"); err != nil {
		return meta, err
	}
	if meta.ContentBytes, err = atoiField(raw, "content_bytes"); err != nil {
		return meta, err
	}
	if v := raw["fetch_ms"]; v != "" {
		if meta.FetchMillis, err = strconv.ParseInt(v, 10, 64); err != nil {
			return meta, fmt.Errorf("parse fetch_ms: %w", err)
		}
	}
	if v := raw["fetched_at"]; v != "" {
		if meta.FetchedAt, err = time.Parse(time.RFC3339Nano, v); err != nil {
			return meta, fmt.Errorf("parse fetched_at: %w", err)
		}
	}
	return meta, nil
}

func atoiField(raw map[string]string, field string) (int, error) {
	v := raw[field]
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", field, err)
	}
	return n, nil
}
