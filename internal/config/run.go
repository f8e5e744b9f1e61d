package config

import (
	"time"

	"github.com/wesleyorama2/volley/internal/loadgen"
)

// RunConfig is the validated, immutable description of one run.
type RunConfig struct {
	// Target is the endpoint and request shape
	Target *loadgen.TargetSpec

	// Workers is the number of concurrent request loops
	Workers int

	// RPS is the target rate across all workers
	RPS float64

	// Duration is how long permits are issued
	Duration time.Duration

	// MaxRequests caps the total number of permits (0 = no cap)
	MaxRequests int64

	// GracePeriod is how long in-flight requests may finish after the
	// run stops issuing permits; zero abandons them immediately
	GracePeriod time.Duration

	// PoolSize is the number of keep-alive connections (default: Workers)
	PoolSize int

	// MaxConns is the hard connection cap (default: PoolSize)
	MaxConns int

	// QueueTimeout bounds the wait for a free connection (default: Target.Timeout)
	QueueTimeout time.Duration

	// InsecureSkipVerify disables TLS certificate verification
	InsecureSkipVerify bool

	// HTTP2 enables HTTP/2 for https targets
	HTTP2 bool

	// UserAgents is the rotation pool; empty leaves the Go default agent
	UserAgents []string

	// RequestIDHeader, if set, carries a fresh UUID per request
	RequestIDHeader string

	// BurstAllowance is the rate controller's slack in permits, 0 to 1
	BurstAllowance float64

	// ProgressInterval is the timeline bucket and progress report period (default: 1s)
	ProgressInterval time.Duration
}

// ApplyDefaults fills in derived defaults.
func (c *RunConfig) ApplyDefaults() {
	if c.PoolSize <= 0 {
		c.PoolSize = c.Workers
	}
	if c.MaxConns < c.PoolSize {
		c.MaxConns = c.PoolSize
	}
	if c.QueueTimeout <= 0 && c.Target != nil {
		c.QueueTimeout = c.Target.Timeout
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = DefaultProgressInterval
	}
}
