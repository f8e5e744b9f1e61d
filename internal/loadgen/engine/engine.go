// Package engine orchestrates one load generation run: it wires the rate
// controller, connection manager, workers and stats aggregator together and
// drives the run through its lifecycle.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/wesleyorama2/volley/internal/config"
	"github.com/wesleyorama2/volley/internal/loadgen/conn"
	"github.com/wesleyorama2/volley/internal/loadgen/rate"
	"github.com/wesleyorama2/volley/internal/loadgen/stats"
	"github.com/wesleyorama2/volley/internal/loadgen/worker"
)

var (
	// ErrSetup is returned when the run cannot start, for example because
	// the target host does not resolve.
	ErrSetup = errors.New("engine: setup failed")

	// ErrAlreadyRunning is returned by Run on an engine that has already run.
	ErrAlreadyRunning = errors.New("engine: already running")
)

// State represents the lifecycle state of an Engine.
type State int32

const (
	// StateIdle indicates Run has not been called.
	StateIdle State = iota
	// StateRunning indicates workers are issuing requests.
	StateRunning
	// StateDraining indicates no new permits are granted and in-flight
	// requests are finishing.
	StateDraining
	// StateCompleted indicates the run finished and the report is final.
	StateCompleted
	// StateFailed indicates the run could not start or aborted.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Resolver checks that a target host can be reached by name.
type Resolver interface {
	Resolve(ctx context.Context, host string) error
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger for lifecycle events. Nothing is logged per
// request.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// OnProgress registers fn to receive a report every progress interval
// while the run is active. fn is called from a single goroutine.
func OnProgress(fn func(stats.Report)) Option {
	return func(e *Engine) {
		e.onProgress = fn
	}
}

// WithResolver replaces the pre-flight DNS check.
func WithResolver(r Resolver) Option {
	return func(e *Engine) {
		e.resolver = r
	}
}

// WithStatsConfig overrides the aggregator configuration.
func WithStatsConfig(cfg stats.Config) Option {
	return func(e *Engine) {
		e.statsConfig = cfg
	}
}

// Engine runs one load test.
//
// Lifecycle:
//
//	Idle -> Running -> Draining -> Completed
//	          |           |
//	          +--> Failed <+
//
// Running starts by building the connection manager and resolving the
// target host; a setup failure there moves Running to Failed before any
// permit is granted. Running ends when the duration elapses, the permit
// limit is spent, the context passed to Run is cancelled, or Stop is called. Draining stops the
// rate controller, gives in-flight requests the grace period to finish and
// then cancels whatever is left, which is recorded as Cancelled. Every
// granted permit ends up in the report.
//
// An Engine runs once.
type Engine struct {
	config      config.RunConfig
	logger      zerolog.Logger
	onProgress  func(stats.Report)
	resolver    Resolver
	statsConfig stats.Config

	runID string
	state atomic.Int32

	// Run components, set once Run has built them
	mu         sync.RWMutex
	controller *rate.Controller
	manager    *conn.Manager
	aggregator *stats.Aggregator
	final      *stats.Report

	started  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
}

// New creates an engine for cfg. The configuration is copied, defaulted
// and validated; a validation failure is returned as config.ValidationErrors.
func New(cfg *config.RunConfig, opts ...Option) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("run configuration is required")
	}

	c := *cfg
	c.ApplyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		config:      c,
		logger:      zerolog.Nop(),
		statsConfig: stats.DefaultConfig(),
		runID:       uuid.NewString(),
		stopCh:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}

	return e, nil
}

// RunID returns the identifier stamped on every report of this run.
func (e *Engine) RunID() string {
	return e.runID
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	return State(e.state.Load())
}

func (e *Engine) setState(s State) {
	prev := State(e.state.Swap(int32(s)))
	if prev != s {
		e.logger.Debug().Str("from", prev.String()).Str("to", s.String()).Msg("engine state changed")
	}
}

// Stop ends the run early. It is idempotent and safe to call from any
// goroutine, before or during Run.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopCh)
	})
}

// Snapshot returns a live report. Before Run it carries only the run
// metadata; after completion it equals the final report.
func (e *Engine) Snapshot() stats.Report {
	e.mu.RLock()
	agg := e.aggregator
	final := e.final
	e.mu.RUnlock()

	if final != nil {
		return *final
	}

	var r stats.Report
	if agg != nil {
		r = agg.Snapshot()
	}
	e.decorate(&r)
	return r
}

// Report returns the final report, or nil while the run is not complete.
func (e *Engine) Report() *stats.Report {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.final
}

// ControllerStats returns the rate controller statistics, or false before
// Run has built the controller.
func (e *Engine) ControllerStats() (rate.Stats, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.controller == nil {
		return rate.Stats{}, false
	}
	return e.controller.Stats(), true
}

// Run executes the load test and returns the final report.
//
// Run returns ErrAlreadyRunning if called more than once, and an error
// wrapping ErrSetup if the run could not start.
func (e *Engine) Run(ctx context.Context) (*stats.Report, error) {
	if !e.started.CompareAndSwap(false, true) {
		return nil, ErrAlreadyRunning
	}

	cfg := &e.config
	log := e.logger.With().Str("run_id", e.runID).Logger()

	e.setState(StateRunning)

	manager, err := conn.New(conn.Config{
		PoolSize:           cfg.PoolSize,
		MaxConns:           cfg.MaxConns,
		QueueTimeout:       cfg.QueueTimeout,
		DialTimeout:        cfg.Target.Timeout,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		HTTP2:              cfg.HTTP2,
	})
	if err != nil {
		e.setState(StateFailed)
		return nil, fmt.Errorf("%w: %w", ErrSetup, err)
	}
	defer manager.Close()

	resolver := e.resolver
	if resolver == nil {
		resolver = manager
	}

	host := cfg.Target.URL.Hostname()
	resolveCtx, cancelResolve := context.WithTimeout(ctx, cfg.Target.Timeout)
	err = resolver.Resolve(resolveCtx, host)
	cancelResolve()
	if err != nil {
		e.setState(StateFailed)
		log.Error().Err(err).Str("host", host).Msg("target host does not resolve")
		return nil, fmt.Errorf("%w: resolve %s: %w", ErrSetup, host, err)
	}

	opts := []rate.Option{rate.WithBurst(cfg.BurstAllowance)}
	if cfg.MaxRequests > 0 {
		opts = append(opts, rate.WithLimit(cfg.MaxRequests))
	}
	controller := rate.New(cfg.RPS, opts...)
	defer controller.Stop()

	agg := stats.New(e.statsConfig)

	workers := make([]*worker.Worker, cfg.Workers)
	for i := range workers {
		workers[i] = worker.New(worker.Config{
			ID:              i,
			Target:          cfg.Target,
			UserAgents:      cfg.UserAgents,
			RequestIDHeader: cfg.RequestIDHeader,
		}, controller, manager, agg)
	}

	e.mu.Lock()
	e.controller = controller
	e.manager = manager
	e.aggregator = agg
	e.mu.Unlock()

	log.Info().
		Str("url", cfg.Target.URL.String()).
		Str("method", cfg.Target.Method).
		Int("workers", cfg.Workers).
		Float64("rps", cfg.RPS).
		Dur("duration", cfg.Duration).
		Int64("max_requests", cfg.MaxRequests).
		Msg("run started")

	// stopCtx ends permit acquisition; abandonCtx ends in-flight requests.
	// abandonCtx does not inherit ctx's cancellation, so a cancelled parent
	// still gets the grace period.
	stopCtx, cancelStop := context.WithCancel(ctx)
	defer cancelStop()
	abandonCtx, abandon := context.WithCancel(context.WithoutCancel(ctx))
	defer abandon()

	g, gctx := errgroup.WithContext(stopCtx)
	for _, w := range workers {
		g.Go(func() error {
			return w.Run(gctx, abandonCtx)
		})
	}

	var workerErr error
	workersDone := make(chan struct{})
	go func() {
		workerErr = g.Wait()
		close(workersDone)
	}()

	progressDone := make(chan struct{})
	var progressWG sync.WaitGroup
	progressWG.Add(1)
	go func() {
		defer progressWG.Done()
		e.progressLoop(agg, progressDone)
	}()

	timer := time.NewTimer(cfg.Duration)
	defer timer.Stop()

	reason := "duration elapsed"
	select {
	case <-timer.C:
	case <-ctx.Done():
		reason = "context cancelled"
	case <-e.stopCh:
		reason = "stopped"
	case <-controller.Done():
		reason = "request limit reached"
	case <-workersDone:
		reason = "workers exited"
	}

	e.setState(StateDraining)
	log.Debug().Str("reason", reason).Int64("issued", controller.Issued()).Msg("draining")

	controller.Stop()
	agg.StopIssuing()
	cancelStop()

	abandoned := false
	if cfg.GracePeriod > 0 {
		grace := time.NewTimer(cfg.GracePeriod)
		select {
		case <-workersDone:
		case <-grace.C:
			abandoned = true
		}
		grace.Stop()
	} else {
		abandoned = true
	}
	abandon()
	<-workersDone

	close(progressDone)
	progressWG.Wait()

	agg.Tick()
	agg.Close()

	report := agg.Snapshot()

	finalState := StateCompleted
	if workerErr != nil {
		finalState = StateFailed
	}
	e.setState(finalState)
	e.decorate(&report)

	e.mu.Lock()
	e.final = &report
	e.mu.Unlock()

	event := log.Info()
	if workerErr != nil {
		event = log.Error().Err(workerErr)
	}
	event.
		Str("reason", reason).
		Bool("grace_expired", abandoned && cfg.GracePeriod > 0).
		Int64("issued", report.TotalIssued).
		Int64("succeeded", report.Succeeded).
		Int64("failed", report.Failed).
		Int64("abandoned", report.Abandoned).
		Float64("achieved_rps", report.AchievedRPS).
		Msg("run finished")

	if workerErr != nil {
		return &report, fmt.Errorf("run aborted: %w", workerErr)
	}
	return &report, nil
}

// progressLoop closes a timeline bucket every progress interval and hands
// the resulting report to the progress callback.
func (e *Engine) progressLoop(agg *stats.Aggregator, done <-chan struct{}) {
	ticker := time.NewTicker(e.config.ProgressInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			r := agg.Tick()
			if e.onProgress != nil {
				e.decorate(&r)
				e.onProgress(r)
			}
		}
	}
}

// decorate stamps run metadata and connection statistics onto r.
func (e *Engine) decorate(r *stats.Report) {
	r.RunID = e.runID
	r.URL = e.config.Target.URL.String()
	r.Method = e.config.Target.Method
	r.TargetRPS = e.config.RPS
	r.Workers = e.config.Workers
	r.State = e.State().String()

	e.mu.RLock()
	manager := e.manager
	e.mu.RUnlock()

	if manager != nil {
		cs := manager.Stats()
		r.Connections.Opened = cs.Opened
		r.Connections.Closed = cs.Closed
		r.Connections.Peak = cs.Peak
		r.Connections.Discarded = cs.Discarded
		r.Connections.Overflow = cs.Overflow
	}
}
