package stats

import (
	"math"
	"math/rand"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesleyorama2/volley/internal/loadgen"
)

func success(worker int, latency time.Duration, code int) loadgen.RequestRecord {
	start := time.Unix(1700000000, 0)
	return loadgen.NewRecord(worker, start, start.Add(latency), loadgen.Result{
		Outcome:    loadgen.OutcomeSuccess,
		StatusCode: code,
		Bytes:      100,
	})
}

func failure(worker int, outcome loadgen.Outcome, kind loadgen.ErrorKind) loadgen.RequestRecord {
	start := time.Unix(1700000000, 0)
	return loadgen.NewRecord(worker, start, start.Add(time.Second), loadgen.Result{
		Outcome:   outcome,
		ErrorKind: kind,
	})
}

func TestNew_Shards(t *testing.T) {
	tests := []struct {
		shards int
		want   int
	}{
		{1, 1},
		{3, 4},
		{8, 8},
		{100, maxShards},
	}

	for _, tt := range tests {
		a := New(Config{Shards: tt.shards})
		if got := len(a.shards); got != tt.want {
			t.Errorf("Shards=%d: got %d shards, want %d", tt.shards, got, tt.want)
		}
		if a.mask != tt.want-1 {
			t.Errorf("Shards=%d: mask = %d", tt.shards, a.mask)
		}
	}
}

func TestAggregator_Snapshot_Empty(t *testing.T) {
	a := New(DefaultConfig())
	r := a.Snapshot()

	assert.Zero(t, r.TotalIssued)
	assert.Zero(t, r.Latency.Count)
	assert.Zero(t, r.Latency.P99)
	assert.NoError(t, r.CheckAccounting())
	assert.Zero(t, r.SuccessRate())
	assert.Zero(t, r.ErrorRate())
}

func TestAggregator_Accounting(t *testing.T) {
	a := New(Config{Shards: 4})

	a.Record(success(0, 10*time.Millisecond, http.StatusOK))
	a.Record(success(1, 20*time.Millisecond, http.StatusOK))
	a.Record(success(2, 30*time.Millisecond, http.StatusNotFound))
	a.Record(success(3, 40*time.Millisecond, http.StatusInternalServerError))
	a.Record(success(3, 5*time.Millisecond, 999))
	a.Record(failure(0, loadgen.OutcomeTimeout, loadgen.ErrorNone))
	a.Record(failure(1, loadgen.OutcomeNetworkError, loadgen.ErrorDNS))
	a.Record(failure(2, loadgen.OutcomeNetworkError, loadgen.ErrorNone))
	a.Record(failure(5, loadgen.OutcomeCancelled, loadgen.ErrorNone))
	a.Record(failure(6, loadgen.OutcomePoolExhausted, loadgen.ErrorNone))

	r := a.Snapshot()
	require.NoError(t, r.CheckAccounting())

	assert.Equal(t, int64(10), r.TotalIssued)
	assert.Equal(t, int64(5), r.Succeeded)
	assert.Equal(t, int64(5), r.Failed)

	assert.Equal(t, int64(1), r.Failures["timeout"])
	assert.Equal(t, int64(2), r.Failures["network_error"])
	assert.Equal(t, int64(1), r.Failures["cancelled"])
	assert.Equal(t, int64(1), r.Failures["pool_exhausted"])
	assert.NotContains(t, r.Failures, "success")
	assert.Equal(t, int64(1), r.Abandoned)

	assert.Equal(t, int64(1), r.NetworkErrors["dns"])
	assert.Equal(t, int64(1), r.NetworkErrors["other"], "unnamed network errors count as other")

	assert.Equal(t, int64(2), r.StatusCodes[200])
	assert.Equal(t, int64(1), r.StatusCodes[404])
	assert.Equal(t, int64(2), r.StatusClasses["2xx"])
	assert.Equal(t, int64(1), r.StatusClasses["4xx"])
	assert.Equal(t, int64(1), r.StatusClasses["5xx"])
	assert.Equal(t, int64(1), r.StatusClasses["other"])
	assert.Equal(t, int64(2), r.HTTPErrors())

	assert.Equal(t, int64(5), r.Latency.Count, "latency covers successful requests only")
	assert.Equal(t, 5*time.Millisecond, r.Latency.Min)
	assert.Equal(t, 40*time.Millisecond, r.Latency.Max)
	assert.Equal(t, 21*time.Millisecond, r.Latency.Mean)
	assert.Equal(t, int64(500), r.BytesReceived)
	assert.InDelta(t, 0.5, r.SuccessRate(), 1e-9)
}

func TestAggregator_QuantileErrorBound(t *testing.T) {
	const n = 100000
	a := New(Config{Shards: 8})

	// Every whole microsecond from 1ms to ~101ms exactly once, in a
	// scrambled order.
	values := make([]time.Duration, n)
	for i := 0; i < n; i++ {
		us := 1000 + (i*7919)%n
		values[i] = time.Duration(us) * time.Microsecond
		a.Record(success(i, values[i], http.StatusOK))
	}

	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })
	exact := func(q float64) time.Duration {
		idx := int(q*float64(n)+0.5) - 1
		return values[idx]
	}

	r := a.Snapshot()
	checks := []struct {
		name string
		q    float64
		got  time.Duration
	}{
		{"p50", 0.50, r.Latency.P50},
		{"p90", 0.90, r.Latency.P90},
		{"p95", 0.95, r.Latency.P95},
		{"p99", 0.99, r.Latency.P99},
	}

	for _, c := range checks {
		want := exact(c.q)
		relErr := float64(c.got-want) / float64(want)
		assert.GreaterOrEqual(t, c.got, want-time.Microsecond, "%s below true value", c.name)
		assert.LessOrEqual(t, relErr, 0.001, "%s: got %v, want %v (error %.4f%%)", c.name, c.got, want, relErr*100)
	}

	assert.Equal(t, values[0], r.Latency.Min)
	assert.Equal(t, values[n-1], r.Latency.Max)
}

func TestAggregator_OrderIndependent(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	records := make([]loadgen.RequestRecord, 5000)
	for i := range records {
		switch i % 5 {
		case 0:
			records[i] = failure(i%7, loadgen.OutcomeTimeout, loadgen.ErrorNone)
		case 1:
			records[i] = failure(i%7, loadgen.OutcomeNetworkError, loadgen.ErrorReset)
		default:
			records[i] = success(i%7, time.Duration(rng.Intn(50000)+1)*time.Microsecond, 200+(i%3)*100)
		}
	}

	inOrder := New(Config{Shards: 1})
	for _, rec := range records {
		inOrder.Record(rec)
	}

	shuffled := New(Config{Shards: 16})
	perm := rng.Perm(len(records))
	for _, i := range perm {
		rec := records[i]
		rec.WorkerID = i // different shard assignment
		shuffled.Record(rec)
	}

	a, b := inOrder.Snapshot(), shuffled.Snapshot()
	assert.Equal(t, a.TotalIssued, b.TotalIssued)
	assert.Equal(t, a.Failures, b.Failures)
	assert.Equal(t, a.NetworkErrors, b.NetworkErrors)
	assert.Equal(t, a.StatusCodes, b.StatusCodes)
	assert.Equal(t, a.Latency, b.Latency)
}

func heapAlloc() int64 {
	runtime.GC()
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return int64(m.HeapAlloc)
}

func TestAggregator_MemoryBounded(t *testing.T) {
	if testing.Short() {
		t.Skip("records two million entries")
	}

	baseline := heapAlloc()

	a := New(Config{Shards: 4})
	record := func(from, to int) {
		for i := from; i < to; i++ {
			a.Record(success(i, time.Duration(i%5000000)*time.Microsecond, 200+i%300))
		}
	}

	record(0, 10000)
	small := heapAlloc() - baseline
	smallFootprint := a.Footprint()

	record(10000, 2000000)
	large := heapAlloc() - baseline

	t.Logf("heap after 10K records: %d bytes, after 2M records: %d bytes", small, large)

	// Allocator noise gets a fixed 1 MiB of headroom.
	assert.LessOrEqual(t, large, 2*small+(1<<20), "heap grew with record count")
	assert.Equal(t, smallFootprint, a.Footprint())
	assert.Equal(t, int64(2000000), a.Snapshot().TotalIssued)

	runtime.KeepAlive(a)
}

func TestAggregator_ConcurrentSnapshotsConsistent(t *testing.T) {
	a := New(Config{Shards: 4})

	var stop atomic.Bool
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for i := 0; !stop.Load(); i++ {
				if i%4 == 0 {
					a.Record(failure(worker, loadgen.OutcomeTimeout, loadgen.ErrorNone))
				} else {
					a.Record(success(worker, time.Millisecond, 200))
				}
			}
		}(w)
	}

	for i := 0; i < 200; i++ {
		r := a.Snapshot()
		require.NoError(t, r.CheckAccounting())
		require.Equal(t, r.Succeeded, r.Latency.Count)
	}

	stop.Store(true)
	wg.Wait()
}

func TestAggregator_Close(t *testing.T) {
	a := New(DefaultConfig())
	a.Record(success(0, time.Millisecond, 200))

	a.Close()
	a.Close() // idempotent
	require.True(t, a.Closed())

	before := a.Snapshot()
	a.Record(success(0, time.Millisecond, 200))
	a.Record(failure(1, loadgen.OutcomeTimeout, loadgen.ErrorNone))
	after := a.Snapshot()

	assert.Equal(t, int64(1), after.TotalIssued)
	assert.Equal(t, int64(2), after.Rejected)
	assert.Equal(t, before.Elapsed, after.Elapsed, "elapsed frozen at close")
	assert.Equal(t, before.EndTime, after.EndTime)
}

func TestAggregator_StopIssuing(t *testing.T) {
	a := New(DefaultConfig())
	for i := 0; i < 10; i++ {
		a.Record(success(i, time.Millisecond, http.StatusOK))
	}

	time.Sleep(20 * time.Millisecond)
	a.StopIssuing()
	window := a.Snapshot().IssueDuration
	require.Greater(t, window, time.Duration(0))

	// In-flight requests finish during the drain.
	time.Sleep(50 * time.Millisecond)
	a.Record(failure(3, loadgen.OutcomeCancelled, loadgen.ErrorNone))
	a.StopIssuing()
	a.Close()

	r := a.Snapshot()
	assert.Equal(t, window, r.IssueDuration, "first StopIssuing wins")
	assert.GreaterOrEqual(t, r.Elapsed, window+50*time.Millisecond)
	assert.InDelta(t, 11/window.Seconds(), r.AchievedRPS, 1e-9, "rate is measured over the issuing window")
}

func TestAggregator_CloseEndsIssuingWindow(t *testing.T) {
	a := New(DefaultConfig())
	a.Record(success(0, time.Millisecond, http.StatusOK))
	a.Close()

	r := a.Snapshot()
	assert.Equal(t, r.Elapsed, r.IssueDuration)
	assert.InDelta(t, 1/r.Elapsed.Seconds(), r.AchievedRPS, 1e-9)
}

func TestAggregator_MeanLargeLatencies(t *testing.T) {
	a := New(Config{Shards: 1})

	// Two of these overflow an int64 nanosecond sum.
	lat := time.Duration(math.MaxInt64/2 + int64(time.Hour))
	a.Record(success(0, lat, http.StatusOK))
	a.Record(success(0, lat, http.StatusOK))

	r := a.Snapshot()
	assert.Greater(t, r.Latency.Mean, time.Duration(0))
	assert.InDelta(t, float64(lat), float64(r.Latency.Mean), float64(time.Millisecond))
	assert.Equal(t, lat, r.Latency.Max)
}

func TestAggregator_Tick(t *testing.T) {
	a := New(Config{MaxBuckets: 10})

	for i := 0; i < 5; i++ {
		a.Record(success(i, time.Millisecond, 200))
	}
	time.Sleep(10 * time.Millisecond)
	r := a.Tick()
	assert.Equal(t, int64(5), r.TotalIssued)
	assert.Nil(t, r.Timeline)

	for i := 0; i < 3; i++ {
		a.Record(failure(i, loadgen.OutcomeTimeout, loadgen.ErrorNone))
	}
	time.Sleep(10 * time.Millisecond)
	a.Tick()

	buckets := a.Snapshot().Timeline
	require.Len(t, buckets, 2)
	assert.Equal(t, int64(5), buckets[0].IntervalRequests)
	assert.Equal(t, int64(3), buckets[1].IntervalRequests)
	assert.Equal(t, int64(8), buckets[1].TotalRequests)
	assert.InDelta(t, 1.0, buckets[1].IntervalErrorRate, 1e-9)
	assert.Equal(t, time.Millisecond, buckets[0].LatencyP50.Round(time.Millisecond))
}

func BenchmarkAggregator_Record(b *testing.B) {
	a := New(DefaultConfig())
	var worker atomic.Int64

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		rec := success(int(worker.Add(1)), 3*time.Millisecond, 200)
		for pb.Next() {
			a.Record(rec)
		}
	})
}
