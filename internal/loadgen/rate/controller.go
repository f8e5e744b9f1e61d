// Package rate provides permit admission for rate-governed load generation.
package rate

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// ErrStopped is returned by Acquire once the controller has been stopped,
// its permit limit is spent, or the caller's context is done.
var ErrStopped = errors.New("rate: controller stopped")

// DefaultBurstAllowance is the slack, in permits, a controller may bank
// while no caller is waiting.
const DefaultBurstAllowance = 1.0

// stoppedBit is set in Controller.state once Stop has been called. The low
// bits of state hold the issued permit count, so a grant and a stop can
// never interleave.
const stoppedBit = int64(1) << 62

// Controller admits one permit per 1/rate seconds across all callers.
//
// Unlike a per-worker sleep, the controller keeps a single theoretical
// arrival time (tat) on the monotonic clock. Each Acquire reserves the next
// slot with one compare-and-swap and then waits for it on a timer, so the
// schedule never drifts and callers never spin.
//
// # Burst bound
//
// When callers fall behind (or nobody asks for a while) the slot is clamped
// to at most burst intervals in the past. Slack beyond that is discarded,
// not banked, which bounds any catch-up burst to rate*window + burst.
//
// # Thread Safety
//
// Controller is safe for concurrent use from multiple goroutines.
//
// # Example
//
//	c := rate.New(100) // 100 permits per second
//	defer c.Stop()
//
//	for {
//	    if _, err := c.Acquire(ctx); err != nil {
//	        return // stopped
//	    }
//	    // issue one request
//	}
type Controller struct {
	rate     float64
	interval int64 // nanoseconds per permit
	burst    int64 // nanoseconds of slack
	limit    int64 // max permits, 0 for unlimited
	start    time.Time

	tat   atomic.Int64 // next free slot, nanoseconds since start
	state atomic.Int64 // issued count | stoppedBit

	totalWait atomic.Int64

	stopOnce sync.Once
	stopCh   chan struct{}
}

// Option configures a Controller.
type Option func(*Controller)

// WithBurst sets the burst allowance in permits, clamped to [0, 1].
func WithBurst(permits float64) Option {
	return func(c *Controller) {
		if permits < 0 {
			permits = 0
		}
		if permits > 1 {
			permits = 1
		}
		c.burst = burstFor(permits, c.interval)
	}
}

// WithLimit caps the total number of permits. Once spent, Acquire returns
// ErrStopped as if the controller had been stopped.
func WithLimit(n int64) Option {
	return func(c *Controller) {
		if n > 0 {
			c.limit = n
		}
	}
}

// New creates a controller admitting rps permits per second.
//
// A non-positive or NaN rate defaults to 1, as the leaky bucket did. A rate
// so low that its interval does not fit in an int64 saturates at
// math.MaxInt64 nanoseconds. The first Acquire is granted immediately.
func New(rps float64, opts ...Option) *Controller {
	if rps <= 0 || math.IsNaN(rps) {
		rps = 1.0
	}

	c := &Controller{
		rate:     rps,
		interval: intervalFor(rps),
		start:    time.Now(),
		stopCh:   make(chan struct{}),
	}
	c.burst = burstFor(DefaultBurstAllowance, c.interval)

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// intervalFor converts a positive rate to nanoseconds per permit, clamped
// to [1, math.MaxInt64].
func intervalFor(rps float64) int64 {
	q := float64(time.Second) / rps
	if q >= math.MaxInt64 {
		return math.MaxInt64
	}
	if q < 1 {
		return 1
	}
	return int64(q)
}

// burstFor converts permits in [0, 1] to nanoseconds of slack. A whole
// permit is exactly one interval, which also keeps a saturated interval
// from overflowing the float conversion.
func burstFor(permits float64, interval int64) int64 {
	if permits >= 1 {
		return interval
	}
	return int64(permits * float64(interval))
}

// now returns nanoseconds since start on the monotonic clock.
func (c *Controller) now() int64 {
	return int64(time.Since(c.start))
}

// reserve claims the next slot. It returns the slot and the current time,
// both in nanoseconds since start.
func (c *Controller) reserve() (slot, now int64) {
	for {
		now = c.now()
		old := c.tat.Load()

		slot = old
		if floor := now - c.burst; slot < floor {
			// Idle or behind: drop slack beyond the burst allowance.
			slot = floor
		}

		next := slot + c.interval
		if next < slot {
			next = math.MaxInt64
		}
		if c.tat.CompareAndSwap(old, next) {
			return slot, now
		}
	}
}

// grant counts one permit unless the controller is stopped or the limit
// is reached.
func (c *Controller) grant() bool {
	for {
		s := c.state.Load()
		if s&stoppedBit != 0 {
			return false
		}
		if c.limit > 0 && s >= c.limit {
			return false
		}
		if c.state.CompareAndSwap(s, s+1) {
			if c.limit > 0 && s+1 == c.limit {
				c.Stop()
			}
			return true
		}
	}
}

// Acquire blocks until the caller may issue its next request and returns
// the instant of grant.
//
// It returns ErrStopped immediately once Stop has been called, and when ctx
// is done (wrapping ctx.Err()).
func (c *Controller) Acquire(ctx context.Context) (time.Time, error) {
	if c.IsStopped() {
		return time.Time{}, ErrStopped
	}
	if err := ctx.Err(); err != nil {
		return time.Time{}, fmt.Errorf("%w: %w", ErrStopped, err)
	}

	slot, now := c.reserve()

	if wait := slot - now; wait > 0 {
		timer := time.NewTimer(time.Duration(wait))
		select {
		case <-timer.C:
		case <-c.stopCh:
			timer.Stop()
			return time.Time{}, ErrStopped
		case <-ctx.Done():
			timer.Stop()
			return time.Time{}, fmt.Errorf("%w: %w", ErrStopped, ctx.Err())
		}
		c.totalWait.Add(wait)
	}

	if !c.grant() {
		return time.Time{}, ErrStopped
	}

	return time.Now(), nil
}

// Stop stops admitting permits. It is idempotent; once it returns no
// further permit is granted and every blocked Acquire returns ErrStopped.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() {
		for {
			s := c.state.Load()
			if c.state.CompareAndSwap(s, s|stoppedBit) {
				break
			}
		}
		close(c.stopCh)
	})
}

// IsStopped reports whether Stop has been called.
func (c *Controller) IsStopped() bool {
	return c.state.Load()&stoppedBit != 0
}

// Done is closed when the controller stops.
func (c *Controller) Done() <-chan struct{} {
	return c.stopCh
}

// Issued returns the number of permits granted so far.
func (c *Controller) Issued() int64 {
	return c.state.Load() &^ stoppedBit
}

// Rate returns the configured permits per second.
func (c *Controller) Rate() float64 {
	return c.rate
}

// Stats returns statistics about the controller's operation.
func (c *Controller) Stats() Stats {
	return Stats{
		Rate:           c.rate,
		Interval:       time.Duration(c.interval),
		BurstAllowance: float64(c.burst) / float64(c.interval),
		Limit:          c.limit,
		Issued:         c.Issued(),
		TotalWaitTime:  time.Duration(c.totalWait.Load()),
		Elapsed:        time.Since(c.start),
		Stopped:        c.IsStopped(),
	}
}

// Stats contains statistics about the controller.
type Stats struct {
	Rate           float64       `json:"rate"`           // Target permits per second
	Interval       time.Duration `json:"interval"`       // Time between permits
	BurstAllowance float64       `json:"burstAllowance"` // Slack in permits
	Limit          int64         `json:"limit"`          // Permit cap (0 = none)
	Issued         int64         `json:"issued"`         // Permits granted
	TotalWaitTime  time.Duration `json:"totalWaitTime"`  // Summed caller wait
	Elapsed        time.Duration `json:"elapsed"`        // Since construction
	Stopped        bool          `json:"stopped"`
}
