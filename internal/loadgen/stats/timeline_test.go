package stats

import (
	"testing"
	"time"
)

func TestTimeline_RingBuffer(t *testing.T) {
	start := time.Unix(0, 0)
	tl := NewTimeline(3, start)

	tot := newTotals()
	for i := 1; i <= 5; i++ {
		tot.total = int64(i * 10)
		tot.outcomes[0] = tot.total
		tl.add(start.Add(time.Duration(i)*time.Second), &tot, 0, 0)
	}

	buckets := tl.Buckets()
	if len(buckets) != 3 {
		t.Fatalf("len(Buckets()) = %d, want 3", len(buckets))
	}
	for i, want := range []int64{30, 40, 50} {
		if buckets[i].TotalRequests != want {
			t.Errorf("bucket %d TotalRequests = %d, want %d", i, buckets[i].TotalRequests, want)
		}
		if buckets[i].IntervalRequests != 10 {
			t.Errorf("bucket %d IntervalRequests = %d, want 10", i, buckets[i].IntervalRequests)
		}
	}
}

func TestTimeline_SteadyStateRPS(t *testing.T) {
	start := time.Unix(0, 0)

	tests := []struct {
		name    string
		counts  []int64 // cumulative totals, one per second
		want    float64
		wantOK  bool
		buckets int
	}{
		{"no buckets", nil, 0, false, 10},
		{"warm-up only", []int64{5}, 0, false, 10},
		{"excludes warm-up", []int64{5, 105, 205, 305}, 100, true, 10},
		{"warm-up overwritten", []int64{5, 105, 205, 305}, 100, true, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tl := NewTimeline(tt.buckets, start)
			tot := newTotals()
			for i, c := range tt.counts {
				tot.total = c
				tl.add(start.Add(time.Duration(i+1)*time.Second), &tot, 0, 0)
			}

			got, ok := tl.SteadyStateRPS()
			if ok != tt.wantOK {
				t.Fatalf("SteadyStateRPS() ok = %v, want %v", ok, tt.wantOK)
			}
			if got != tt.want {
				t.Errorf("SteadyStateRPS() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewTimeline_DefaultSize(t *testing.T) {
	tl := NewTimeline(0, time.Now())
	if tl.maxBuckets != 3600 {
		t.Errorf("maxBuckets = %d, want 3600", tl.maxBuckets)
	}
	if tl.Len() != 0 {
		t.Errorf("Len() = %d, want 0", tl.Len())
	}
}
