package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://En.Wikipedia.org/wiki/Go", "en.wikipedia.org"},
		{"no scheme", "example.com/path", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestInitIdempotent(t *testing.T) {
	Init()
	Init()

	if crawlerPagesTotal == nil || crawlerJobsTotal == nil || httpRequestsTotal == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObserveJobAndFetch(t *testing.T) {
	Init()

	before := testutil.ToFloat64(crawlerJobsTotal.WithLabelValues(OutcomeDuplicateTitle))
	ObserveJob(OutcomeDuplicateTitle)
	if got := testutil.ToFloat64(crawlerJobsTotal.WithLabelValues(OutcomeDuplicateTitle)); got != before+1 {
		t.Fatalf("expected duplicate_title to increase by 1, got %f -> %f", before, got)
	}

	ObserveFetch("https://metrics.test/wiki/Go", 200, 512, 20*time.Millisecond)
	if got := testutil.ToFloat64(crawlerPagesTotal.WithLabelValues("metrics.test", "200")); got != 1 {
		t.Fatalf("expected one page for metrics.test, got %f", got)
	}
	if got := testutil.ToFloat64(crawlerBytesTotal.WithLabelValues("metrics.test")); got != 512 {
		t.Fatalf("expected 512 bytes for metrics.test, got %f", got)
	}

	SetWorkerRunning(true)
	if got := testutil.ToFloat64(crawlerWorkerRunning); got != 1 {
		t.Fatalf("expected running gauge 1, got %f", got)
	}
	SetWorkerRunning(false)
	if got := testutil.ToFloat64(crawlerWorkerRunning); got != 0 {
		t.Fatalf("expected running gauge 0, got %f", got)
	}
}

func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://google.com", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		sanitized := SanitizeSite(orig)
		if sanitized == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
