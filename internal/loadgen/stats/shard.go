package stats

import (
	"math"
	"sync"

	"github.com/HdrHistogram/hdrhistogram-go"

	"github.com/wesleyorama2/volley/internal/loadgen"
)

// maxStatusCode bounds the per-code table; codes outside [100, 599] are
// counted under statusOther.
const maxStatusCode = 600

// statusOther is the codes[] slot for out-of-range status codes.
const statusOther = 0

// shard is one slice of the aggregator's state.
//
// Records from the same worker always land in the same shard, so a shard
// lock is only contended by the handful of workers that share it and by
// Snapshot.
type shard struct {
	mu     sync.Mutex
	closed bool

	total     int64
	outcomes  [loadgen.NumOutcomes]int64
	netErrors [loadgen.NumErrorKinds]int64
	codes     [maxStatusCode]int64
	bytes     int64
	reused    int64

	// Exact latency moments for successful requests, in nanoseconds. The
	// sum is a float64 so long runs of slow requests cannot overflow it.
	latSum float64
	latMin int64
	latMax int64

	// NOTE: HDR histogram RecordValue is NOT thread-safe; guarded by mu.
	hist *hdrhistogram.Histogram

	// Keeps hot shards on separate cache lines.
	_ [64]byte
}

func newShard(cfg Config) *shard {
	return &shard{
		latMin: math.MaxInt64,
		hist:   hdrhistogram.New(cfg.HistogramMin, cfg.HistogramMax, cfg.HistogramSigFigs),
	}
}

// record adds one record. It reports false once the shard is closed.
func (s *shard) record(rec *loadgen.RequestRecord, minMicros, maxMicros int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}

	outcome := rec.Outcome
	if outcome >= loadgen.NumOutcomes {
		outcome = loadgen.OutcomeNetworkError
	}

	s.total++
	s.outcomes[outcome]++
	s.bytes += rec.Bytes
	if rec.Reused {
		s.reused++
	}

	switch outcome {
	case loadgen.OutcomeSuccess:
		if rec.StatusCode >= 100 && rec.StatusCode < maxStatusCode {
			s.codes[rec.StatusCode]++
		} else {
			s.codes[statusOther]++
		}

		lat := int64(rec.Latency())
		s.latSum += float64(lat)
		if lat < s.latMin {
			s.latMin = lat
		}
		if lat > s.latMax {
			s.latMax = lat
		}

		// Convert to microseconds for HDR histogram and clamp to range
		micros := lat / 1000
		if micros < minMicros {
			micros = minMicros
		}
		if micros > maxMicros {
			micros = maxMicros
		}
		_ = s.hist.RecordValue(micros)

	case loadgen.OutcomeNetworkError:
		kind := rec.ErrorKind
		if kind == loadgen.ErrorNone || kind >= loadgen.NumErrorKinds {
			kind = loadgen.ErrorOther
		}
		s.netErrors[kind]++
	}

	return true
}

// addTo folds the shard into t. Caller holds s.mu.
func (s *shard) addTo(t *totals) {
	t.total += s.total
	for i, n := range s.outcomes {
		t.outcomes[i] += n
	}
	for i, n := range s.netErrors {
		t.netErrors[i] += n
	}
	for i, n := range s.codes {
		t.codes[i] += n
	}
	t.bytes += s.bytes
	t.reused += s.reused
	t.latSum += s.latSum
	if s.latMin < t.latMin {
		t.latMin = s.latMin
	}
	if s.latMax > t.latMax {
		t.latMax = s.latMax
	}
}

// totals is the merged counter state of all shards.
type totals struct {
	total     int64
	outcomes  [loadgen.NumOutcomes]int64
	netErrors [loadgen.NumErrorKinds]int64
	codes     [maxStatusCode]int64
	bytes     int64
	reused    int64
	latSum    float64
	latMin    int64
	latMax    int64
}

func newTotals() totals {
	return totals{latMin: math.MaxInt64}
}

func (t *totals) succeeded() int64 {
	return t.outcomes[loadgen.OutcomeSuccess]
}
