package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlfleet/internal/crawler"
)

func newSiteServer(t *testing.T, robots string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, robots)
	})
	mux.HandleFunc("/wiki/Go", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, "<html><head><title>Go</title></head><body>ua=%s</body></html>", r.UserAgent())
	})
	mux.HandleFunc("/data.json", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"ok":true}`)
	})
	mux.HandleFunc("/private/secret", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, "<html>secret</html>")
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestFetcher_FetchHTML(t *testing.T) {
	t.Parallel()

	srv := newSiteServer(t, "User-agent: *\nAllow: /")
	f := New(Config{UserAgent: "DistributedCrawler/1.0", Timeout: 5 * time.Second})

	for i := 0; i < 2; i++ {
		resp, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL + "/wiki/Go"})
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Contains(t, string(resp.Body), "ua=DistributedCrawler/1.0")
		assert.NoError(t, crawler.CheckResponse(resp))
	}
}

func TestFetcher_NotFoundIsReturnedNotErrored(t *testing.T) {
	t.Parallel()

	srv := newSiteServer(t, "")
	f := New(Config{Timeout: 5 * time.Second})

	resp, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL + "/missing"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.ErrorIs(t, crawler.CheckResponse(resp), crawler.ErrUnexpectedStatus)
}

func TestFetcher_NonHTMLRejectedByCheck(t *testing.T) {
	t.Parallel()

	srv := newSiteServer(t, "")
	f := New(Config{Timeout: 5 * time.Second})

	resp, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL + "/data.json"})
	require.NoError(t, err)
	assert.ErrorIs(t, crawler.CheckResponse(resp), crawler.ErrNotHTML)
}

func TestFetcher_RespectsRobots(t *testing.T) {
	t.Parallel()

	srv := newSiteServer(t, "User-agent: *\nDisallow: /private/")
	f := New(Config{RespectRobots: true, Timeout: 5 * time.Second})

	_, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL + "/private/secret"})
	require.ErrorIs(t, err, crawler.ErrRobotsDisallowed)

	resp, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL + "/wiki/Go"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ignoring := New(Config{RespectRobots: false, Timeout: 5 * time.Second})
	resp, err = ignoring.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL + "/private/secret"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestFetcher_CanceledContext(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		<-block
	}))
	t.Cleanup(func() {
		close(block)
		srv.Close()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	f := New(Config{Timeout: 5 * time.Second})
	_, err := f.Fetch(ctx, crawler.FetchRequest{URL: srv.URL + "/slow"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	f := New(Config{})
	req := crawler.FetchRequest{
		URL:     "https://example.com",
		Headers: http.Header{"X-Trace": {"yes"}},
	}
	var result crawler.FetchResponse
	var fetchErr error

	hooks := &stubHooks{}
	f.configureCollectorHooks(hooks, req, time.Unix(0, 0), &result, &fetchErr)
	require.NotNil(t, hooks.onRequest)
	require.NotNil(t, hooks.onResponse)
	require.NotNil(t, hooks.onError)

	collyReq := &colly.Request{Headers: &http.Header{}}
	hooks.onRequest(collyReq)
	assert.Equal(t, "yes", collyReq.Headers.Get("X-Trace"))

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusOK,
		Body:       []byte("body"),
		Headers:    &http.Header{"Content-Type": {"text/html"}},
		Request:    &colly.Request{URL: mustParseURL(t, "https://example.com/final")},
	})
	assert.Equal(t, "https://example.com/final", result.URL)
	assert.Equal(t, "text/html", result.ContentType())
	assert.Equal(t, "body", string(result.Body))

	hooks.onError(nil, errors.New("boom"))
	require.EqualError(t, fetchErr, "boom")
}

func TestRobotsTransport_CachesPerHost(t *testing.T) {
	t.Parallel()

	var robotsHits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			robotsHits.Add(1)
			fmt.Fprint(w, "User-agent: *\nDisallow:")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)

	now := time.Unix(0, 0)
	transport := newRobotsTransport(http.DefaultTransport, time.Hour)
	transport.now = func() time.Time { return now }
	client := &http.Client{Transport: transport}

	for i := 0; i < 3; i++ {
		resp, err := client.Get(srv.URL + "/robots.txt")
		require.NoError(t, err)
		require.NoError(t, resp.Body.Close())
	}
	assert.Equal(t, int32(1), robotsHits.Load())

	now = now.Add(2 * time.Hour)
	resp, err := client.Get(srv.URL + "/robots.txt")
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, int32(2), robotsHits.Load())

	resp, err = client.Get(srv.URL + "/page")
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestRobotsTransport_FallsBackToAllowAll(t *testing.T) {
	t.Parallel()

	base := &stubRoundTripper{err: context.DeadlineExceeded}
	transport := newRobotsTransport(base, time.Hour)

	req := httptestRequest(t, "https://example.com/robots.txt")
	resp, err := transport.RoundTrip(req)
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck // test cleanup
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, len(robotsRetryBackoff)+1, int(base.calls.Load()))
}

func TestRobotsTransport_NonTransientErrorSurfaces(t *testing.T) {
	t.Parallel()

	base := &stubRoundTripper{err: errors.New("connection refused")}
	transport := newRobotsTransport(base, time.Hour)
	_, err := transport.RoundTrip(httptestRequest(t, "https://example.com/robots.txt"))
	require.Error(t, err)
	assert.Equal(t, int32(1), base.calls.Load())
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func httptestRequest(t *testing.T, raw string) *http.Request {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, raw, nil)
	require.NoError(t, err)
	return req
}

type stubRoundTripper struct {
	err   error
	calls atomic.Int32
}

func (s *stubRoundTripper) RoundTrip(_ *http.Request) (*http.Response, error) {
	s.calls.Add(1)
	return nil, s.err
}

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback) {
	s.onRequest = cb
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}
