package collyfetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/crawlfleet/internal/metrics"
)

const (
	defaultRobotsTTL     = time.Hour
	robotsAllowAllBody   = "User-agent: *\nAllow: /"
	maxRobotsBodyBytes   = 512 * 1024
	robotsFallbackReason = "robots.txt unreachable"
)

var robotsRetryBackoff = []time.Duration{
	250 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
}

type cachedRobots struct {
	status  int
	header  http.Header
	body    []byte
	expires time.Time
}

// robotsTransport serves robots.txt from a per-host cache, retries transient
// failures, and falls back to allow-all when the file stays unreachable.
// Every other request goes straight to base.
type robotsTransport struct {
	base http.RoundTripper
	ttl  time.Duration
	now  func() time.Time

	mu    sync.Mutex
	cache map[string]cachedRobots
}

func newRobotsTransport(base http.RoundTripper, ttl time.Duration) *robotsTransport {
	if ttl <= 0 {
		ttl = defaultRobotsTTL
	}
	return &robotsTransport{
		base:  base,
		ttl:   ttl,
		now:   time.Now,
		cache: make(map[string]cachedRobots),
	}
}

func (t *robotsTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, errors.New("robots transport received nil request")
	}
	if !isRobotsTxtRequest(req) {
		resp, err := t.base.RoundTrip(req)
		if err != nil {
			return nil, fmt.Errorf("base roundtrip: %w", err)
		}
		return resp, nil
	}

	host := strings.ToLower(req.URL.Host)
	if entry, ok := t.lookup(host); ok {
		return entry.response(req), nil
	}
	entry, err := t.fetchRobots(req)
	if err != nil {
		return nil, err
	}
	t.store(host, entry)
	return entry.response(req), nil
}

func (t *robotsTransport) lookup(host string) (cachedRobots, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.cache[host]
	if !ok || !t.now().Before(entry.expires) {
		delete(t.cache, host)
		return cachedRobots{}, false
	}
	return entry, true
}

func (t *robotsTransport) store(host string, entry cachedRobots) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry.expires = t.now().Add(t.ttl)
	t.cache[host] = entry
}

func (t *robotsTransport) fetchRobots(req *http.Request) (cachedRobots, error) {
	maxAttempts := len(robotsRetryBackoff) + 1
	for attempt := 0; attempt < maxAttempts; attempt++ {
		resp, err := t.base.RoundTrip(req.Clone(req.Context()))
		if err == nil {
			return readRobots(resp)
		}
		if !isTransientError(err) {
			return cachedRobots{}, fmt.Errorf("robots roundtrip non-transient: %w", err)
		}
		if attempt == maxAttempts-1 {
			break
		}
		if err := sleepWithContext(req.Context(), robotsRetryBackoff[attempt]); err != nil {
			return cachedRobots{}, fmt.Errorf("robots roundtrip backoff sleep: %w", err)
		}
	}
	metrics.ObserveRobotsFallback(robotsFallbackReason)
	return cachedRobots{
		status: http.StatusOK,
		header: make(http.Header),
		body:   []byte(robotsAllowAllBody),
	}, nil
}

func readRobots(resp *http.Response) (cachedRobots, error) {
	defer resp.Body.Close() //nolint:errcheck // body fully consumed below
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBodyBytes))
	if err != nil {
		return cachedRobots{}, fmt.Errorf("read robots body: %w", err)
	}
	return cachedRobots{
		status: resp.StatusCode,
		header: resp.Header.Clone(),
		body:   body,
	}, nil
}

func (c cachedRobots) response(req *http.Request) *http.Response {
	return &http.Response{
		StatusCode:    c.status,
		Status:        fmt.Sprintf("%d %s", c.status, http.StatusText(c.status)),
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Body:          io.NopCloser(bytes.NewReader(c.body)),
		ContentLength: int64(len(c.body)),
		Header:        c.header.Clone(),
		Request:       req,
	}
}

func isRobotsTxtRequest(req *http.Request) bool {
	if req == nil || req.URL == nil {
		return false
	}
	return strings.EqualFold(req.URL.Path, "/robots.txt")
}

func sleepWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("robots backoff sleep context: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "tls: handshake timeout")
}
