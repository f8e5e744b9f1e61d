package worker

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/wesleyorama2/volley/internal/loadgen"
	"github.com/wesleyorama2/volley/internal/loadgen/rate"
)

// countingPermitter grants n permits, then reports stopped.
type countingPermitter struct {
	mu   sync.Mutex
	left int
	err  error
}

func (p *countingPermitter) Acquire(ctx context.Context) (time.Time, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.left == 0 {
		if p.err != nil {
			return time.Time{}, p.err
		}
		return time.Time{}, rate.ErrStopped
	}
	p.left--
	return time.Now(), nil
}

type fakeSender struct {
	mu      sync.Mutex
	headers []http.Header
	result  loadgen.Result
	panicOn int
	calls   int
}

func (s *fakeSender) Send(ctx context.Context, target *loadgen.TargetSpec, header http.Header) loadgen.Result {
	s.mu.Lock()
	s.calls++
	call := s.calls
	s.headers = append(s.headers, header)
	s.mu.Unlock()

	if call == s.panicOn {
		panic("boom")
	}
	if ctx.Err() != nil {
		return loadgen.Result{Outcome: loadgen.OutcomeCancelled, Err: ctx.Err()}
	}
	return s.result
}

type sliceRecorder struct {
	mu      sync.Mutex
	records []loadgen.RequestRecord
}

func (r *sliceRecorder) Record(rec loadgen.RequestRecord) {
	r.mu.Lock()
	r.records = append(r.records, rec)
	r.mu.Unlock()
}

func newTestTarget(t *testing.T) *loadgen.TargetSpec {
	t.Helper()
	spec, err := loadgen.NewTargetSpec("http://example.com", "GET", map[string]string{"Accept": "*/*"}, time.Second, nil)
	if err != nil {
		t.Fatal(err)
	}
	return spec
}

func TestWorker_Run_OneRecordPerPermit(t *testing.T) {
	permits := &countingPermitter{left: 5}
	sender := &fakeSender{result: loadgen.Result{Outcome: loadgen.OutcomeSuccess, StatusCode: 200}}
	recorder := &sliceRecorder{}

	w := New(Config{
		ID:              1,
		Target:          newTestTarget(t),
		UserAgents:      []string{"a", "b", "c"},
		RequestIDHeader: "X-Request-ID",
	}, permits, sender, recorder)

	if w.State() != StateIdle {
		t.Errorf("initial State() = %v, want idle", w.State())
	}

	if err := w.Run(context.Background(), context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(recorder.records) != 5 || w.Sent() != 5 {
		t.Fatalf("records = %d, Sent() = %d, want 5", len(recorder.records), w.Sent())
	}
	for i, rec := range recorder.records {
		if rec.WorkerID != 1 {
			t.Errorf("record %d WorkerID = %d, want 1", i, rec.WorkerID)
		}
		if rec.Outcome != loadgen.OutcomeSuccess || rec.StatusCode != 200 {
			t.Errorf("record %d = %+v", i, rec.Result)
		}
		if rec.CompletedAt.Before(rec.IssuedAt) {
			t.Errorf("record %d completed before issued", i)
		}
	}

	// Offset 1 into [a b c].
	wantAgents := []string{"b", "c", "a", "b", "c"}
	seen := make(map[string]bool)
	for i, h := range sender.headers {
		if got := h.Get("User-Agent"); got != wantAgents[i] {
			t.Errorf("request %d User-Agent = %q, want %q", i, got, wantAgents[i])
		}
		if h.Get("Accept") != "*/*" {
			t.Errorf("request %d lost target header", i)
		}
		id := h.Get("X-Request-ID")
		if id == "" || seen[id] {
			t.Errorf("request %d X-Request-ID = %q, want unique id", i, id)
		}
		seen[id] = true
	}

	if w.State() != StateStopped {
		t.Errorf("State() = %v, want stopped", w.State())
	}
	select {
	case <-w.Done():
	default:
		t.Error("Done() not closed after Run")
	}
}

func TestWorker_Run_PanicRecorded(t *testing.T) {
	permits := &countingPermitter{left: 3}
	sender := &fakeSender{result: loadgen.Result{Outcome: loadgen.OutcomeSuccess, StatusCode: 204}, panicOn: 2}
	recorder := &sliceRecorder{}

	w := New(Config{Target: newTestTarget(t)}, permits, sender, recorder)
	if err := w.Run(context.Background(), context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(recorder.records) != 3 {
		t.Fatalf("records = %d, want 3", len(recorder.records))
	}
	rec := recorder.records[1]
	if rec.Outcome != loadgen.OutcomeNetworkError || rec.ErrorKind != loadgen.ErrorOther || rec.Err == nil {
		t.Errorf("panicking send recorded as %+v", rec.Result)
	}
}

func TestWorker_Run_AbandonedRequestsRecorded(t *testing.T) {
	permits := &countingPermitter{left: 2}
	sender := &fakeSender{result: loadgen.Result{Outcome: loadgen.OutcomeSuccess}}
	recorder := &sliceRecorder{}

	sendCtx, cancel := context.WithCancel(context.Background())
	cancel()

	w := New(Config{Target: newTestTarget(t)}, permits, sender, recorder)
	if err := w.Run(context.Background(), sendCtx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	for i, rec := range recorder.records {
		if rec.Outcome != loadgen.OutcomeCancelled {
			t.Errorf("record %d outcome = %v, want cancelled", i, rec.Outcome)
		}
	}
	if len(recorder.records) != 2 {
		t.Errorf("records = %d, want 2", len(recorder.records))
	}
}

func TestWorker_Run_UnexpectedPermitError(t *testing.T) {
	wantErr := errors.New("permit source broken")
	permits := &countingPermitter{err: wantErr}

	w := New(Config{ID: 7, Target: newTestTarget(t)}, permits, &fakeSender{}, &sliceRecorder{})
	err := w.Run(context.Background(), context.Background())
	if !errors.Is(err, wantErr) {
		t.Errorf("Run() error = %v, want %v", err, wantErr)
	}
}

func TestWorker_Run_RealController(t *testing.T) {
	c := rate.New(1000, rate.WithLimit(20))
	recorder := &sliceRecorder{}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		w := New(Config{ID: i, Target: newTestTarget(t)}, c, &fakeSender{result: loadgen.Result{Outcome: loadgen.OutcomeSuccess}}, recorder)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.Run(context.Background(), context.Background()); err != nil {
				t.Errorf("Run() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if len(recorder.records) != 20 {
		t.Errorf("records = %d, want 20 (one per permit)", len(recorder.records))
	}
}

func TestState_String(t *testing.T) {
	for s := StateIdle; s <= StateStopped; s++ {
		if s.String() == "unknown" {
			t.Errorf("State %d has no name", s)
		}
	}
}
