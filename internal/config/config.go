// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/crawlfleet/internal/crawler"
	"github.com/JakeFAU/crawlfleet/internal/hash"
	redisstore "github.com/JakeFAU/crawlfleet/internal/store/redis"
)

// Store backends.
const (
	StoreRedis  = "redis"
	StoreMemory = "memory"
)

// Storage backends.
const (
	StorageLocal  = "local"
	StorageGCS    = "gcs"
	StorageMemory = "memory"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Store   StoreConfig       `mapstructure:"store"`
	Redis   redisstore.Config `mapstructure:"redis"`
	Crawler CrawlerConfig     `mapstructure:"crawler"`
	Worker  WorkerConfig      `mapstructure:"worker"`
	Storage StorageConfig     `mapstructure:"storage"`
	PubSub  PubSubConfig      `mapstructure:"pubsub"`
	Metrics MetricsConfig     `mapstructure:"metrics"`
	Logging LoggingConfig     `mapstructure:"logging"`
	Monitor MonitorConfig     `mapstructure:"monitor"`
	Tracing TracingConfig     `mapstructure:"tracing"`
}

// StoreConfig selects the coordination store backend.
type StoreConfig struct {
	Backend string `mapstructure:"backend"`
}

// CrawlerConfig governs fetching and link admission.
type CrawlerConfig struct {
	SeedURLs           []string      `mapstructure:"seed_urls"`
	MaxDepth           int           `mapstructure:"max_depth"`
	Concurrency        int           `mapstructure:"concurrency"`
	RateLimit          time.Duration `mapstructure:"rate_limit"`
	UserAgent          string        `mapstructure:"user_agent"`
	RespectRobots      bool          `mapstructure:"respect_robots"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout"`
	MaxBodyBytes       int           `mapstructure:"max_body_bytes"`
	AllowedDomains     []string      `mapstructure:"allowed_domains"`
	DenyPatterns       []string      `mapstructure:"deny_patterns"`
	MaxPageLimit       int64         `mapstructure:"max_page_limit"`
	PriorityMode       string        `mapstructure:"priority_mode"`
	DigestAlgorithm    string        `mapstructure:"digest_algorithm"`
	TitleSuffixPattern string        `mapstructure:"title_suffix_pattern"`
}

// WorkerConfig tunes the worker lifecycle.
type WorkerConfig struct {
	ID                   string        `mapstructure:"id"`
	HeartbeatInterval    time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatTTL         time.Duration `mapstructure:"heartbeat_ttl"`
	MemorySampleInterval time.Duration `mapstructure:"memory_sample_interval"`
	IdleBackoff          time.Duration `mapstructure:"idle_backoff"`
	MaxStoreFailures     int           `mapstructure:"max_store_failures"`
	ShutdownTimeout      time.Duration `mapstructure:"shutdown_timeout"`
	SeriesCapacity       int           `mapstructure:"series_capacity"`
}

// StorageConfig sets where documents and images are written.
type StorageConfig struct {
	Backend      string        `mapstructure:"backend"`
	OutputDir    string        `mapstructure:"output_dir"`
	GCSBucket    string        `mapstructure:"gcs_bucket"`
	Prefix       string        `mapstructure:"prefix"`
	MaxImages    int           `mapstructure:"max_images"`
	ImageTimeout time.Duration `mapstructure:"image_timeout"`
}

// PubSubConfig holds metadata for document notifications. An empty topic
// disables them; an empty project keeps them in process.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicID   string `mapstructure:"topic_id"`
}

// MetricsConfig controls the worker HTTP surface. An empty address disables it.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// MonitorConfig tunes the monitor command.
type MonitorConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Clear    bool          `mapstructure:"clear"`
}

// TracingConfig controls OpenTelemetry span collection for worker jobs.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// SetDefaults registers default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("store.backend", StoreRedis)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "crawler")
	v.SetDefault("redis.dial_timeout", "5s")
	v.SetDefault("redis.read_timeout", "3s")
	v.SetDefault("redis.write_timeout", "3s")
	v.SetDefault("redis.pool_size", 10)

	v.SetDefault("crawler.seed_urls", []string{})
	v.SetDefault("crawler.max_depth", 3)
	v.SetDefault("crawler.concurrency", 5)
	v.SetDefault("crawler.rate_limit", "1s")
	v.SetDefault("crawler.user_agent", "DistributedCrawler/1.0")
	v.SetDefault("crawler.respect_robots", true)
	v.SetDefault("crawler.request_timeout", "30s")
	v.SetDefault("crawler.max_body_bytes", 10*1024*1024)
	v.SetDefault("crawler.allowed_domains", []string{})
	v.SetDefault("crawler.max_page_limit", 100000)
	v.SetDefault("crawler.priority_mode", string(crawler.PriorityConstant))
	v.SetDefault("crawler.digest_algorithm", string(hash.SHA256))
	v.SetDefault("crawler.title_suffix_pattern", crawler.DefaultTitleSuffixPattern)

	v.SetDefault("worker.heartbeat_interval", "10s")
	v.SetDefault("worker.heartbeat_ttl", "60s")
	v.SetDefault("worker.memory_sample_interval", "5s")
	v.SetDefault("worker.idle_backoff", "1s")
	v.SetDefault("worker.max_store_failures", 5)
	v.SetDefault("worker.shutdown_timeout", "10s")
	v.SetDefault("worker.series_capacity", 100)

	v.SetDefault("storage.backend", StorageLocal)
	v.SetDefault("storage.output_dir", "crawled_data")
	v.SetDefault("storage.max_images", 10)
	v.SetDefault("storage.image_timeout", "10s")

	v.SetDefault("metrics.addr", ":9090")
	v.SetDefault("logging.development", false)
	v.SetDefault("monitor.interval", "5s")
	v.SetDefault("monitor.clear", true)
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "crawlfleet")
	v.SetDefault("tracing.sample_ratio", 1.0)
}

// Load unmarshals and validates the configuration held by v.
func Load(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Crawler.SeedURLs = splitList(cfg.Crawler.SeedURLs)
	cfg.Crawler.AllowedDomains = splitList(cfg.Crawler.AllowedDomains)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFile builds a Config from defaults, the environment and an optional file.
func LoadFile(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}
	return Load(v)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	switch c.Store.Backend {
	case StoreRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr must be set for the redis store")
		}
	case StoreMemory:
	default:
		return fmt.Errorf("store.backend must be %q or %q, got %q", StoreRedis, StoreMemory, c.Store.Backend)
	}
	if c.Crawler.MaxDepth < 0 {
		return fmt.Errorf("crawler.max_depth must be >= 0")
	}
	if c.Crawler.Concurrency <= 0 {
		return fmt.Errorf("crawler.concurrency must be > 0")
	}
	if c.Crawler.RateLimit < 0 {
		return fmt.Errorf("crawler.rate_limit must be >= 0")
	}
	if c.Crawler.RequestTimeout <= 0 {
		return fmt.Errorf("crawler.request_timeout must be > 0")
	}
	if c.Crawler.MaxPageLimit < 0 {
		return fmt.Errorf("crawler.max_page_limit must be >= 0")
	}
	switch crawler.PriorityMode(c.Crawler.PriorityMode) {
	case crawler.PriorityConstant, crawler.PriorityDepth:
	default:
		return fmt.Errorf("crawler.priority_mode %q is not supported", c.Crawler.PriorityMode)
	}
	switch hash.Algorithm(c.Crawler.DigestAlgorithm) {
	case hash.SHA256, hash.MD5:
	default:
		return fmt.Errorf("crawler.digest_algorithm %q is not supported", c.Crawler.DigestAlgorithm)
	}
	if _, err := regexp.Compile(c.Crawler.TitleSuffixPattern); err != nil {
		return fmt.Errorf("crawler.title_suffix_pattern: %w", err)
	}
	switch c.Storage.Backend {
	case StorageLocal:
		if c.Storage.OutputDir == "" {
			return fmt.Errorf("storage.output_dir must be set for local storage")
		}
	case StorageGCS:
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for gcs storage")
		}
	case StorageMemory:
	default:
		return fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend)
	}
	if c.Worker.HeartbeatTTL > 0 && c.Worker.HeartbeatInterval >= c.Worker.HeartbeatTTL {
		return fmt.Errorf("worker.heartbeat_interval must be shorter than worker.heartbeat_ttl")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be within [0, 1]")
	}
	return nil
}

// splitList flattens comma separated entries so flags and env values
// like "a,b" behave like YAML lists.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
