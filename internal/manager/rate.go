package manager

import (
	"sync"
	"time"
)

// RateHistorySize bounds the number of retained rate samples.
const RateHistorySize = 60

// MinRateInterval is the smallest gap between two rate samples.
const MinRateInterval = time.Second

// RateSample is one computed crawl rate.
type RateSample struct {
	At   time.Time
	Rate float64
}

// RateTracker derives crawl rates from successive readings of the
// cluster-wide unique page counter.
type RateTracker struct {
	mu         sync.Mutex
	startTime  time.Time
	startCount int64
	prevTime   time.Time
	prevCount  int64
	peak       float64
	last       float64
	hasLast    bool
	history    []RateSample
}

// NewRateTracker starts tracking at now with the given counter value.
func NewRateTracker(now time.Time, count int64) *RateTracker {
	return &RateTracker{
		startTime:  now,
		startCount: count,
		prevTime:   now,
		prevCount:  count,
	}
}

// Observe records a counter reading. ok is false when less than
// MinRateInterval has passed since the previous sample.
func (t *RateTracker) Observe(now time.Time, count int64) (rate float64, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	elapsed := now.Sub(t.prevTime)
	if elapsed < MinRateInterval {
		return 0, false
	}
	rate = float64(count-t.prevCount) / elapsed.Seconds()
	if rate > t.peak {
		t.peak = rate
	}
	t.history = append(t.history, RateSample{At: now, Rate: rate})
	if len(t.history) > RateHistorySize {
		t.history = t.history[len(t.history)-RateHistorySize:]
	}
	t.prevTime = now
	t.prevCount = count
	t.last = rate
	t.hasLast = true
	return rate, true
}

// Last returns the most recent computed rate.
func (t *RateTracker) Last() (float64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last, t.hasLast
}

// Peak returns the highest rate observed.
func (t *RateTracker) Peak() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.peak
}

// Average returns the mean of samples taken within window of now, or 0.
func (t *RateTracker) Average(now time.Time, window time.Duration) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := now.Add(-window)
	var sum float64
	n := 0
	for _, s := range t.history {
		if s.At.Before(cutoff) {
			continue
		}
		sum += s.Rate
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// RuntimeAverage returns pages per second since tracking began.
func (t *RateTracker) RuntimeAverage(now time.Time, count int64) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	secs := now.Sub(t.startTime).Seconds()
	if secs <= 0 {
		return 0
	}
	return float64(count-t.startCount) / secs
}

// Runtime returns the time since tracking began, truncated to seconds.
func (t *RateTracker) Runtime(now time.Time) time.Duration {
	return now.Sub(t.startTime).Truncate(time.Second)
}

// History returns a copy of the retained samples, oldest first.
func (t *RateTracker) History() []RateSample {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]RateSample(nil), t.history...)
}
