// Package stats aggregates request records into run reports.
package stats

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/HdrHistogram/hdrhistogram-go"

	"github.com/wesleyorama2/volley/internal/loadgen"
)

// maxShards caps the number of shards.
const maxShards = 32

// Config contains configuration for the aggregator.
type Config struct {
	// Shards is the number of independent accumulators, rounded up to a
	// power of two (default: GOMAXPROCS, at most 32)
	Shards int

	// MaxBuckets is the maximum number of timeline buckets to retain (default: 3600)
	MaxBuckets int

	// HistogramMin is the minimum recordable value in microseconds (default: 1)
	HistogramMin int64

	// HistogramMax is the maximum recordable value in microseconds (default: 600000000 = 10 minutes)
	HistogramMax int64

	// HistogramSigFigs is the number of significant figures (default: 3)
	HistogramSigFigs int
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Shards:           runtime.GOMAXPROCS(0),
		MaxBuckets:       3600,
		HistogramMin:     1,
		HistogramMax:     600000000, // 10 minutes in microseconds
		HistogramSigFigs: 3,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.Shards <= 0 {
		c.Shards = def.Shards
	}
	if c.MaxBuckets <= 0 {
		c.MaxBuckets = def.MaxBuckets
	}
	if c.HistogramMin <= 0 {
		c.HistogramMin = def.HistogramMin
	}
	if c.HistogramMax <= c.HistogramMin {
		c.HistogramMax = def.HistogramMax
	}
	if c.HistogramSigFigs < 1 || c.HistogramSigFigs > 5 {
		c.HistogramSigFigs = def.HistogramSigFigs
	}
}

// Aggregator consumes RequestRecords and produces Reports.
//
// Record is O(1): it locks one shard chosen by worker id, bumps fixed-size
// counters and records into that shard's HDR histogram. Nothing is kept
// per record, so memory is constant in the number of requests.
//
// # Thread Safety
//
// Aggregator is safe for concurrent use. Snapshot locks every shard (in
// order) for the duration of the merge, so a Report is never torn between
// counters.
type Aggregator struct {
	config Config
	shards []*shard
	mask   int

	timeline *Timeline

	// Scratch histogram for merging, guarded by snapMu
	merged *hdrhistogram.Histogram
	snapMu sync.Mutex

	start    time.Time
	issueEnd time.Time // set by StopIssuing or Close, guarded by snapMu
	end      time.Time // set by Close
	closed   atomic.Bool
	rejected atomic.Int64
}

// New creates an aggregator. The run clock starts now.
func New(config Config) *Aggregator {
	config.applyDefaults()

	n := 1
	for n < config.Shards && n < maxShards {
		n <<= 1
	}

	a := &Aggregator{
		config: config,
		shards: make([]*shard, n),
		mask:   n - 1,
		merged: hdrhistogram.New(config.HistogramMin, config.HistogramMax, config.HistogramSigFigs),
		start:  time.Now(),
	}
	for i := range a.shards {
		a.shards[i] = newShard(config)
	}
	a.timeline = NewTimeline(config.MaxBuckets, a.start)

	return a
}

// Record adds one record. After Close the record is dropped and counted
// in Report.Rejected.
func (a *Aggregator) Record(rec loadgen.RequestRecord) {
	s := a.shards[rec.WorkerID&a.mask]
	if !s.record(&rec, a.config.HistogramMin, a.config.HistogramMax) {
		a.rejected.Add(1)
	}
}

// lockAll locks every shard in index order.
func (a *Aggregator) lockAll() {
	for _, s := range a.shards {
		s.mu.Lock()
	}
}

func (a *Aggregator) unlockAll() {
	for i := len(a.shards) - 1; i >= 0; i-- {
		a.shards[i].mu.Unlock()
	}
}

// collect merges all shards into t and a.merged. Caller holds snapMu.
func (a *Aggregator) collect() totals {
	t := newTotals()
	a.merged.Reset()

	a.lockAll()
	for _, s := range a.shards {
		s.addTo(&t)
		a.merged.Merge(s.hist)
	}
	a.unlockAll()

	return t
}

// Snapshot returns a consistent report of everything recorded so far,
// including the timeline.
func (a *Aggregator) Snapshot() Report {
	a.snapMu.Lock()
	defer a.snapMu.Unlock()

	t := a.collect()
	r := a.report(&t, time.Now())
	r.Timeline = a.timeline.Buckets()
	return r
}

// Tick closes the current timeline bucket and returns a report without
// the timeline attached. The engine calls it once per progress interval.
func (a *Aggregator) Tick() Report {
	a.snapMu.Lock()
	defer a.snapMu.Unlock()

	now := time.Now()
	if a.closed.Load() {
		now = a.end
	}

	t := a.collect()
	a.timeline.add(now, &t, a.quantile(50), a.quantile(99))
	return a.report(&t, now)
}

// StopIssuing marks the end of the issuing window. Records still arrive
// for in-flight requests, but AchievedRPS is measured over the window
// that ends here. Only the first call counts.
func (a *Aggregator) StopIssuing() {
	a.snapMu.Lock()
	defer a.snapMu.Unlock()

	if a.issueEnd.IsZero() {
		a.issueEnd = time.Now()
	}
}

// Close freezes the aggregator. Records offered afterwards are rejected,
// and Elapsed stops advancing. Close is idempotent.
func (a *Aggregator) Close() {
	a.snapMu.Lock()
	defer a.snapMu.Unlock()

	if a.closed.Load() {
		return
	}

	a.lockAll()
	for _, s := range a.shards {
		s.closed = true
	}
	a.end = time.Now()
	if a.issueEnd.IsZero() {
		a.issueEnd = a.end
	}
	a.closed.Store(true)
	a.unlockAll()
}

// Closed reports whether Close has been called.
func (a *Aggregator) Closed() bool {
	return a.closed.Load()
}

// Timeline returns the run timeline.
func (a *Aggregator) Timeline() *Timeline {
	return a.timeline
}

// Footprint returns the approximate number of bytes held by the
// aggregator. It depends on configuration only, not on how many records
// have been seen.
func (a *Aggregator) Footprint() int {
	size := int(unsafe.Sizeof(*a))
	for _, s := range a.shards {
		size += int(unsafe.Sizeof(*s)) + s.hist.ByteSize()
	}
	size += a.merged.ByteSize()
	size += a.config.MaxBuckets * int(unsafe.Sizeof(Bucket{}))
	return size
}

// quantile reads a percentile from the merged histogram. Caller holds snapMu.
func (a *Aggregator) quantile(q float64) time.Duration {
	if a.merged.TotalCount() == 0 {
		return 0
	}
	return time.Duration(a.merged.ValueAtQuantile(q)) * time.Microsecond
}

// report builds a Report from merged totals. Caller holds snapMu.
func (a *Aggregator) report(t *totals, now time.Time) Report {
	end := now
	if a.closed.Load() {
		end = a.end
	}
	elapsed := end.Sub(a.start)

	issuing := elapsed
	if !a.issueEnd.IsZero() {
		issuing = a.issueEnd.Sub(a.start)
	}

	succeeded := t.succeeded()
	r := Report{
		StartTime:     a.start,
		EndTime:       end,
		Elapsed:       elapsed,
		IssueDuration: issuing,
		TotalIssued:   t.total,
		Succeeded:     succeeded,
		Failed:        t.total - succeeded,
		Failures:      make(map[string]int64, loadgen.NumOutcomes-1),
		StatusClasses: make(map[string]int64),
		StatusCodes:   make(map[int]int64),
		BytesReceived: t.bytes,
		Abandoned:     t.outcomes[loadgen.OutcomeCancelled],
		Rejected:      a.rejected.Load(),
		Connections:   Connections{Reused: t.reused},
	}

	for o := loadgen.OutcomeSuccess + 1; o < loadgen.NumOutcomes; o++ {
		r.Failures[o.String()] = t.outcomes[o]
	}

	for k := loadgen.ErrorNone + 1; k < loadgen.NumErrorKinds; k++ {
		if n := t.netErrors[k]; n > 0 {
			if r.NetworkErrors == nil {
				r.NetworkErrors = make(map[string]int64)
			}
			r.NetworkErrors[k.String()] = n
		}
	}

	for code, n := range t.codes {
		if n == 0 {
			continue
		}
		if code == statusOther {
			r.StatusClasses["other"] += n
			continue
		}
		r.StatusCodes[code] = n
		r.StatusClasses[fmt.Sprintf("%dxx", code/100)] += n
	}

	if succeeded > 0 {
		r.Latency = LatencyStats{
			Min:    time.Duration(t.latMin),
			Max:    time.Duration(t.latMax),
			Mean:   time.Duration(t.latSum / float64(succeeded)),
			StdDev: time.Duration(a.merged.StdDev() * float64(time.Microsecond)),
			P50:    a.quantile(50),
			P90:    a.quantile(90),
			P95:    a.quantile(95),
			P99:    a.quantile(99),
			Count:  succeeded,
		}
	}

	if issuing > 0 {
		r.AchievedRPS = float64(t.total) / issuing.Seconds()
	}
	if rps, ok := a.timeline.SteadyStateRPS(); ok {
		r.SteadyStateRPS = rps
	}

	return r
}
