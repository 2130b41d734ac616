// Package stats holds the per-worker statistics record published to the
// coordination store and the single-writer aggregator that produces it.
package stats

import "time"

// RecordVersion is the schema version written into every Record.
const RecordVersion = 1

// DefaultSeriesCapacity bounds the memory and throughput series.
const DefaultSeriesCapacity = 100

// MemorySample is one process memory observation.
type MemorySample struct {
	Timestamp time.Time `json:"timestamp"`
	MemoryMB  float64   `json:"memory_mb"`
}

// ThroughputSample is one stored-pages-per-second observation.
type ThroughputSample struct {
	Timestamp      time.Time `json:"timestamp"`
	PagesPerSecond float64   `json:"pages_per_second"`
}

// Record is the stats snapshot a worker publishes.
type Record struct {
	Version           int                `json:"version"`
	WorkerID          string             `json:"worker_id"`
	Hostname          string             `json:"hostname"`
	StartTime         time.Time          `json:"start_time"`
	EndTime           *time.Time         `json:"end_time,omitempty"`
	RuntimeSeconds    *float64           `json:"runtime_seconds,omitempty"`
	PagesCrawled      int64              `json:"pages_crawled"`
	URLsFound         int64              `json:"urls_found"`
	Errors            int64              `json:"errors"`
	UniquePagesStored int64              `json:"unique_pages_stored"`
	DuplicatesSkipped int64              `json:"duplicates_skipped"`
	MemoryUsage       []MemorySample     `json:"memory_usage"`
	Throughput        []ThroughputSample `json:"throughput"`
}

// LatestThroughput returns the newest throughput sample.
func (r Record) LatestThroughput() (ThroughputSample, bool) {
	if len(r.Throughput) == 0 {
		return ThroughputSample{}, false
	}
	return r.Throughput[len(r.Throughput)-1], true
}

// Finished reports whether the record carries an end time.
func (r Record) Finished() bool {
	return r.EndTime != nil
}
