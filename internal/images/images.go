// Package images downloads page images alongside stored documents.
package images

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlfleet/internal/crawler"
)

const (
	// DefaultMaxImages is the per-page cap on saved images.
	DefaultMaxImages = 10
	// DefaultTimeout bounds each image download.
	DefaultTimeout = 10 * time.Second
)

// Saver persists one downloaded image and returns its URI.
type Saver interface {
	SaveImage(ctx context.Context, urlDigest string, index int, data []byte) (string, error)
}

// Config tunes the downloader.
type Config struct {
	MaxImages int
	Timeout   time.Duration
}

// Downloader fetches images through a crawler.Fetcher.
type Downloader struct {
	fetcher crawler.Fetcher
	cfg     Config
	logger  *zap.Logger
}

// NewDownloader builds a Downloader. A nil logger discards output.
func NewDownloader(fetcher crawler.Fetcher, cfg Config, logger *zap.Logger) *Downloader {
	if cfg.MaxImages <= 0 {
		cfg.MaxImages = DefaultMaxImages
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Downloader{fetcher: fetcher, cfg: cfg, logger: logger}
}

// Download fetches one image. Only 200 responses are accepted.
func (d *Downloader) Download(ctx context.Context, src string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	resp, err := d.fetcher.Fetch(ctx, crawler.FetchRequest{URL: src})
	if err != nil {
		return nil, fmt.Errorf("fetch image %s: %w", src, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch image %s: %w: %d", src, crawler.ErrUnexpectedStatus, resp.StatusCode)
	}
	return bytes.Clone(resp.Body), nil
}

// SaveAll downloads sources in order and saves up to MaxImages of them as
// index 0..n-1. Failures are logged and skipped. It returns the number saved.
func (d *Downloader) SaveAll(ctx context.Context, urlDigest string, sources []string, saver Saver) int {
	saved := 0
	for _, src := range sources {
		if saved >= d.cfg.MaxImages || ctx.Err() != nil {
			break
		}
		data, err := d.Download(ctx, src)
		if err != nil {
			d.logger.Debug("image download failed", zap.String("url", src), zap.Error(err))
			continue
		}
		if _, err := saver.SaveImage(ctx, urlDigest, saved, data); err != nil {
			d.logger.Warn("image save failed", zap.String("url", src), zap.Error(err))
			continue
		}
		saved++
	}
	return saved
}
