package stats

import (
	"sync"
	"time"
)

// Bucket is one interval of the run timeline.
type Bucket struct {
	// Timestamp when this bucket was closed
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`

	// Cumulative counters (total since run start)
	TotalRequests  int64 `json:"totalRequests" yaml:"totalRequests"`
	TotalSuccesses int64 `json:"totalSuccesses" yaml:"totalSuccesses"`
	TotalFailures  int64 `json:"totalFailures" yaml:"totalFailures"`

	// Interval metrics (this bucket only)
	IntervalRequests  int64         `json:"intervalRequests" yaml:"intervalRequests"`
	IntervalDuration  time.Duration `json:"intervalDuration" yaml:"intervalDuration"`
	IntervalRPS       float64       `json:"intervalRPS" yaml:"intervalRPS"`
	IntervalErrorRate float64       `json:"intervalErrorRate" yaml:"intervalErrorRate"`

	// Latency percentiles of successful requests at this point in time
	LatencyP50 time.Duration `json:"latencyP50" yaml:"latencyP50"`
	LatencyP99 time.Duration `json:"latencyP99" yaml:"latencyP99"`
}

// Timeline stores buckets in a ring buffer.
//
// Memory is bounded by maxBuckets; once full, the oldest bucket is
// overwritten.
type Timeline struct {
	buckets    []Bucket
	head       int // Next write position
	count      int // Current number of buckets
	maxBuckets int
	mu         sync.RWMutex

	// For interval calculation
	lastTime     time.Time
	lastRequests int64
	lastFailures int64
	firstDropped bool // the warm-up bucket has been overwritten
}

// NewTimeline creates a timeline starting at start.
//
// For a 1-hour run with 1-second buckets, use maxBuckets=3600.
func NewTimeline(maxBuckets int, start time.Time) *Timeline {
	if maxBuckets <= 0 {
		maxBuckets = 3600 // Default: 1 hour of data
	}

	return &Timeline{
		buckets:    make([]Bucket, maxBuckets),
		maxBuckets: maxBuckets,
		lastTime:   start,
	}
}

// add closes the current interval at now from cumulative totals.
func (tl *Timeline) add(now time.Time, t *totals, p50, p99 time.Duration) Bucket {
	tl.mu.Lock()
	defer tl.mu.Unlock()

	failures := t.total - t.succeeded()
	intervalRequests := t.total - tl.lastRequests
	intervalFailures := failures - tl.lastFailures

	interval := now.Sub(tl.lastTime)
	intervalRPS := 0.0
	if interval > 0 {
		intervalRPS = float64(intervalRequests) / interval.Seconds()
	}

	errorRate := 0.0
	if intervalRequests > 0 {
		errorRate = float64(intervalFailures) / float64(intervalRequests)
	}

	b := Bucket{
		Timestamp:         now,
		TotalRequests:     t.total,
		TotalSuccesses:    t.succeeded(),
		TotalFailures:     failures,
		IntervalRequests:  intervalRequests,
		IntervalDuration:  interval,
		IntervalRPS:       intervalRPS,
		IntervalErrorRate: errorRate,
		LatencyP50:        p50,
		LatencyP99:        p99,
	}

	if tl.count == tl.maxBuckets && tl.head == 0 {
		tl.firstDropped = true
	}
	tl.buckets[tl.head] = b
	tl.head = (tl.head + 1) % tl.maxBuckets
	if tl.count < tl.maxBuckets {
		tl.count++
	}

	tl.lastTime = now
	tl.lastRequests = t.total
	tl.lastFailures = failures

	return b
}

// Buckets returns a copy of all buckets in chronological order.
func (tl *Timeline) Buckets() []Bucket {
	tl.mu.RLock()
	defer tl.mu.RUnlock()

	if tl.count == 0 {
		return nil
	}

	result := make([]Bucket, tl.count)
	if tl.count < tl.maxBuckets {
		copy(result, tl.buckets[:tl.count])
	} else {
		// Buffer is full - read in order from head to head-1
		n := copy(result, tl.buckets[tl.head:])
		copy(result[n:], tl.buckets[:tl.head])
	}
	return result
}

// Len returns the number of buckets stored.
func (tl *Timeline) Len() int {
	tl.mu.RLock()
	defer tl.mu.RUnlock()
	return tl.count
}

// SteadyStateRPS averages the interval rate over the retained buckets,
// excluding the first (warm-up) bucket of the run. It returns 0 and false
// when there are not enough buckets.
func (tl *Timeline) SteadyStateRPS() (float64, bool) {
	buckets := tl.Buckets()

	tl.mu.RLock()
	skip := 1
	if tl.firstDropped {
		skip = 0
	}
	tl.mu.RUnlock()

	if len(buckets) <= skip {
		return 0, false
	}

	var requests int64
	var elapsed time.Duration
	for _, b := range buckets[skip:] {
		requests += b.IntervalRequests
		elapsed += b.IntervalDuration
	}
	if elapsed <= 0 {
		return 0, false
	}
	return float64(requests) / elapsed.Seconds(), true
}
