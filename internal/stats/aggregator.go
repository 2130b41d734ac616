package stats

import (
	"sync/atomic"
	"time"
)

// Counters is a point-in-time copy of the aggregator counters.
type Counters struct {
	PagesCrawled      int64
	URLsFound         int64
	Errors            int64
	UniquePagesStored int64
	DuplicatesSkipped int64
}

// Aggregator accumulates a worker's statistics.
//
// The counter methods are safe from any goroutine. SampleMemory,
// SampleThroughput, Snapshot and Final mutate the series and must be called
// from a single owning goroutine (or strictly sequenced with it). Latest may
// be read concurrently.
type Aggregator struct {
	workerID string
	hostname string
	start    time.Time

	pagesCrawled atomic.Int64
	urlsFound    atomic.Int64
	errors       atomic.Int64
	uniqueStored atomic.Int64
	duplicates   atomic.Int64

	memory     *Ring[MemorySample]
	throughput *Ring[ThroughputSample]

	lastSampleAt     time.Time
	lastSampleStored int64

	latest atomic.Pointer[Record]
}

// NewAggregator returns an Aggregator with series of the given capacity.
func NewAggregator(workerID, hostname string, start time.Time, capacity int) *Aggregator {
	if capacity <= 0 {
		capacity = DefaultSeriesCapacity
	}
	return &Aggregator{
		workerID:     workerID,
		hostname:     hostname,
		start:        start,
		memory:       NewRing[MemorySample](capacity),
		throughput:   NewRing[ThroughputSample](capacity),
		lastSampleAt: start,
	}
}

// IncPagesCrawled counts one successfully fetched page.
func (a *Aggregator) IncPagesCrawled() { a.pagesCrawled.Add(1) }

// AddURLsFound counts enqueued child links.
func (a *Aggregator) AddURLsFound(n int) { a.urlsFound.Add(int64(n)) }

// IncErrors counts one failed job step.
func (a *Aggregator) IncErrors() { a.errors.Add(1) }

// IncUniqueStored counts one document this worker persisted.
func (a *Aggregator) IncUniqueStored() { a.uniqueStored.Add(1) }

// IncDuplicates counts one page dropped by the title claim.
func (a *Aggregator) IncDuplicates() { a.duplicates.Add(1) }

// Counters returns the current counter values.
func (a *Aggregator) Counters() Counters {
	return Counters{
		PagesCrawled:      a.pagesCrawled.Load(),
		URLsFound:         a.urlsFound.Load(),
		Errors:            a.errors.Load(),
		UniquePagesStored: a.uniqueStored.Load(),
		DuplicatesSkipped: a.duplicates.Load(),
	}
}

// SampleMemory appends a memory observation.
func (a *Aggregator) SampleMemory(now time.Time, megabytes float64) {
	a.memory.Push(MemorySample{Timestamp: now, MemoryMB: megabytes})
}

// SampleThroughput appends the stored-pages rate since the previous sample
// and returns it. A non-positive interval records nothing.
func (a *Aggregator) SampleThroughput(now time.Time) float64 {
	elapsed := now.Sub(a.lastSampleAt).Seconds()
	if elapsed <= 0 {
		return 0
	}
	stored := a.uniqueStored.Load()
	rate := float64(stored-a.lastSampleStored) / elapsed
	a.throughput.Push(ThroughputSample{Timestamp: now, PagesPerSecond: rate})
	a.lastSampleAt = now
	a.lastSampleStored = stored
	return rate
}

// Snapshot builds the current Record and makes it available via Latest.
func (a *Aggregator) Snapshot() Record {
	rec := a.build()
	a.latest.Store(&rec)
	return rec
}

// Final builds the closing Record carrying end time and runtime.
func (a *Aggregator) Final(end time.Time) Record {
	rec := a.build()
	runtime := end.Sub(a.start).Seconds()
	rec.EndTime = &end
	rec.RuntimeSeconds = &runtime
	a.latest.Store(&rec)
	return rec
}

// Latest returns the most recent Snapshot or Final record.
func (a *Aggregator) Latest() (Record, bool) {
	rec := a.latest.Load()
	if rec == nil {
		return Record{}, false
	}
	return *rec, true
}

func (a *Aggregator) build() Record {
	c := a.Counters()
	return Record{
		Version:           RecordVersion,
		WorkerID:          a.workerID,
		Hostname:          a.hostname,
		StartTime:         a.start,
		PagesCrawled:      c.PagesCrawled,
		URLsFound:         c.URLsFound,
		Errors:            c.Errors,
		UniquePagesStored: c.UniquePagesStored,
		DuplicatesSkipped: c.DuplicatesSkipped,
		MemoryUsage:       a.memory.Snapshot(),
		Throughput:        a.throughput.Snapshot(),
	}
}
