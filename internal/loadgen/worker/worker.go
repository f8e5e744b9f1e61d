// Package worker provides the request loop run by each concurrency slot.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/wesleyorama2/volley/internal/loadgen"
	"github.com/wesleyorama2/volley/internal/loadgen/rate"
)

// State represents the lifecycle state of a Worker.
type State int32

const (
	// StateIdle indicates the worker has not started.
	StateIdle State = iota
	// StateWaiting indicates the worker is waiting for a permit.
	StateWaiting
	// StateSending indicates the worker has a request in flight.
	StateSending
	// StateStopped indicates the worker has exited.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWaiting:
		return "waiting"
	case StateSending:
		return "sending"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Permitter grants permission to send one request.
type Permitter interface {
	Acquire(ctx context.Context) (time.Time, error)
}

// Sender performs one request.
type Sender interface {
	Send(ctx context.Context, target *loadgen.TargetSpec, header http.Header) loadgen.Result
}

// Recorder consumes request records.
type Recorder interface {
	Record(rec loadgen.RequestRecord)
}

// Config contains per-worker configuration.
type Config struct {
	// ID identifies the worker; records carry it and the aggregator shards on it.
	ID int

	// Target is shared read-only by all workers.
	Target *loadgen.TargetSpec

	// UserAgents is the rotation pool. The worker starts at offset ID.
	UserAgents []string

	// RequestIDHeader, if set, names a header carrying a fresh UUID per request.
	RequestIDHeader string
}

// Worker repeatedly acquires a permit, sends one request and records it.
//
// A worker owns all of its mutable state (agent cursor, counters); the
// only shared collaborators are the Permitter and Recorder, both of which
// are safe for concurrent use.
type Worker struct {
	ID int

	target          *loadgen.TargetSpec
	agents          *loadgen.UserAgentRotation
	requestIDHeader string

	permits  Permitter
	sender   Sender
	recorder Recorder

	// Lifecycle state (atomic for lock-free reads)
	state atomic.Int32

	sent atomic.Int64

	// Done signal (closed when Run returns)
	doneCh chan struct{}
}

// New creates a worker.
func New(cfg Config, permits Permitter, sender Sender, recorder Recorder) *Worker {
	return &Worker{
		ID:              cfg.ID,
		target:          cfg.Target,
		agents:          loadgen.NewUserAgentRotation(cfg.UserAgents, cfg.ID),
		requestIDHeader: cfg.RequestIDHeader,
		permits:         permits,
		sender:          sender,
		recorder:        recorder,
		doneCh:          make(chan struct{}),
	}
}

// State returns the current worker state.
func (w *Worker) State() State {
	return State(w.state.Load())
}

// Sent returns the number of records this worker has produced.
func (w *Worker) Sent() int64 {
	return w.sent.Load()
}

// Done is closed when Run returns.
func (w *Worker) Done() <-chan struct{} {
	return w.doneCh
}

// Run executes the request loop until the permitter stops.
//
// stopCtx ends permit acquisition. sendCtx governs requests already in
// flight: a request is only cut short when sendCtx is cancelled, and then
// it is still recorded (as Cancelled). Run never returns with a granted
// permit unaccounted for.
func (w *Worker) Run(stopCtx, sendCtx context.Context) error {
	defer close(w.doneCh)
	defer w.state.Store(int32(StateStopped))

	for {
		w.state.Store(int32(StateWaiting))
		issuedAt, err := w.permits.Acquire(stopCtx)
		if err != nil {
			if errors.Is(err, rate.ErrStopped) || stopCtx.Err() != nil {
				return nil
			}
			return fmt.Errorf("worker %d: %w", w.ID, err)
		}

		w.state.Store(int32(StateSending))
		res := w.send(sendCtx)
		w.recorder.Record(loadgen.NewRecord(w.ID, issuedAt, time.Now(), res))
		w.sent.Add(1)
	}
}

// send builds and sends one request. A panic in the sender becomes a
// recorded failure instead of a lost permit.
func (w *Worker) send(ctx context.Context) (res loadgen.Result) {
	defer func() {
		if r := recover(); r != nil {
			res = loadgen.Result{
				Outcome:   loadgen.OutcomeNetworkError,
				ErrorKind: loadgen.ErrorOther,
				Err:       fmt.Errorf("panic during send: %v", r),
			}
		}
	}()

	header := w.target.BuildHeader(w.agents.Next())
	if w.requestIDHeader != "" {
		header.Set(w.requestIDHeader, uuid.NewString())
	}

	return w.sender.Send(ctx, w.target, header)
}
