package crawler

import (
	"net/http"
	"time"
)

// CrawlJob is the unit of work exchanged through the shared queue.
type CrawlJob struct {
	URL       string `json:"url"`
	Depth     int    `json:"depth"`
	Priority  int    `json:"priority"`
	ParentURL string `json:"parent_url,omitempty"`
	JobID     string `json:"job_id"`
}

// WorkerRecord is the registry entry a worker publishes on startup.
type WorkerRecord struct {
	ID        string    `json:"id"`
	StartTime time.Time `json:"start_time"`
	Hostname  string    `json:"hostname"`
}

// PageMetadata describes one stored document.
type PageMetadata struct {
	URL          string    `json:"url"`
	URLDigest    string    `json:"url_digest"`
	Title        string    `json:"title"`
	Depth        int       `json:"depth"`
	ParentURL    string    `json:"parent_url,omitempty"`
	FetchedAt    time.Time `json:"fetched_at"`
	WorkerID     string    `json:"worker_id"`
	StatusCode   int       `json:"status_code"`
	ContentType  string    `json:"content_type"`
	FetchMillis  int64     `json:"fetch_ms"`
	ImageCount   int       `json:"image_count"`
	DocumentURI  string    `json:"document_uri"`
	ContentBytes int       `json:"content_bytes"`
}

// DocumentStored is published after a document has been persisted.
type DocumentStored struct {
	JobID       string    `json:"job_id"`
	WorkerID    string    `json:"worker_id"`
	URL         string    `json:"url"`
	Title       string    `json:"title"`
	DocumentURI string    `json:"document_uri"`
	StoredAt    time.Time `json:"stored_at"`
}

// FetchRequest describes a single page fetch.
type FetchRequest struct {
	URL     string
	Headers http.Header
}

// FetchResponse is the outcome of a page fetch.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// ContentType returns the response Content-Type header.
func (r FetchResponse) ContentType() string {
	if r.Headers == nil {
		return ""
	}
	return r.Headers.Get("Content-Type")
}

// PriorityMode selects how child priorities are assigned.
type PriorityMode string

// Supported priority modes.
const (
	// PriorityConstant gives every job priority 0; ties pop in store order.
	PriorityConstant PriorityMode = "constant"
	// PriorityDepth uses the job depth as its priority (breadth-first).
	PriorityDepth PriorityMode = "depth"
)

// Global counter names.
const (
	CounterUniquePages = "unique_pages"
)
