package stats

import (
	"fmt"
	"time"
)

// LatencyStats contains latency statistics of successful requests.
//
// Min, Max and Mean are exact. Percentiles come from an HDR histogram with
// three significant figures: each is at most 0.1% above the true value
// (plus 1µs resolution) and never below it.
type LatencyStats struct {
	Min    time.Duration `json:"min" yaml:"min"`
	Max    time.Duration `json:"max" yaml:"max"`
	Mean   time.Duration `json:"mean" yaml:"mean"`
	StdDev time.Duration `json:"stddev" yaml:"stddev"`
	P50    time.Duration `json:"p50" yaml:"p50"`
	P90    time.Duration `json:"p90" yaml:"p90"`
	P95    time.Duration `json:"p95" yaml:"p95"`
	P99    time.Duration `json:"p99" yaml:"p99"`
	Count  int64         `json:"count" yaml:"count"`
}

// Connections summarizes physical connection usage for a run.
type Connections struct {
	Opened    int64 `json:"opened" yaml:"opened"`
	Closed    int64 `json:"closed" yaml:"closed"`
	Reused    int64 `json:"reused" yaml:"reused"`
	Peak      int64 `json:"peak" yaml:"peak"`
	Discarded int64 `json:"discarded" yaml:"discarded"`
	Overflow  int64 `json:"overflow" yaml:"overflow"`
}

// Report is a consistent point-in-time view of a run.
//
// Every count in a Report comes from the same generation of shard state,
// so Succeeded + Failed == TotalIssued always holds.
type Report struct {
	RunID     string  `json:"runId,omitempty" yaml:"runId,omitempty"`
	URL       string  `json:"url,omitempty" yaml:"url,omitempty"`
	Method    string  `json:"method,omitempty" yaml:"method,omitempty"`
	State     string  `json:"state,omitempty" yaml:"state,omitempty"`
	TargetRPS float64 `json:"targetRps,omitempty" yaml:"targetRps,omitempty"`
	Workers   int     `json:"workers,omitempty" yaml:"workers,omitempty"`

	StartTime time.Time     `json:"startTime" yaml:"startTime"`
	EndTime   time.Time     `json:"endTime" yaml:"endTime"`
	Elapsed   time.Duration `json:"elapsed" yaml:"elapsed"`

	// IssueDuration is the window in which permits were granted, from
	// start until the run stopped issuing. AchievedRPS is measured over it.
	IssueDuration time.Duration `json:"issueDuration" yaml:"issueDuration"`

	TotalIssued int64 `json:"totalIssued" yaml:"totalIssued"`
	Succeeded   int64 `json:"succeeded" yaml:"succeeded"`
	Failed      int64 `json:"failed" yaml:"failed"`

	// Failures by outcome (timeout, network_error, ...); no success key.
	Failures map[string]int64 `json:"failures" yaml:"failures"`

	// NetworkErrors by error kind (dns, connect, tls, ...).
	NetworkErrors map[string]int64 `json:"networkErrors,omitempty" yaml:"networkErrors,omitempty"`

	// StatusClasses by "1xx".."5xx", plus "other" for out-of-range codes.
	StatusClasses map[string]int64 `json:"statusClasses" yaml:"statusClasses"`
	StatusCodes   map[int]int64    `json:"statusCodes" yaml:"statusCodes"`

	Latency LatencyStats `json:"latency" yaml:"latency"`

	AchievedRPS    float64 `json:"achievedRps" yaml:"achievedRps"`
	SteadyStateRPS float64 `json:"steadyStateRps,omitempty" yaml:"steadyStateRps,omitempty"`

	BytesReceived int64 `json:"bytesReceived" yaml:"bytesReceived"`

	// Abandoned is the number of requests cancelled at drain.
	Abandoned int64 `json:"abandoned" yaml:"abandoned"`

	// Rejected counts records offered after the aggregator closed.
	Rejected int64 `json:"rejected,omitempty" yaml:"rejected,omitempty"`

	Connections Connections `json:"connections" yaml:"connections"`

	Timeline []Bucket `json:"timeline,omitempty" yaml:"timeline,omitempty"`
}

// SuccessRate returns the fraction of requests with an HTTP response.
func (r *Report) SuccessRate() float64 {
	if r.TotalIssued == 0 {
		return 0
	}
	return float64(r.Succeeded) / float64(r.TotalIssued)
}

// ErrorRate returns the fraction of requests without an HTTP response.
func (r *Report) ErrorRate() float64 {
	if r.TotalIssued == 0 {
		return 0
	}
	return float64(r.Failed) / float64(r.TotalIssued)
}

// HTTPErrors returns the number of 4xx and 5xx responses.
func (r *Report) HTTPErrors() int64 {
	return r.StatusClasses["4xx"] + r.StatusClasses["5xx"]
}

// CheckAccounting verifies the report's counts add up.
func (r *Report) CheckAccounting() error {
	if r.Succeeded+r.Failed != r.TotalIssued {
		return fmt.Errorf("succeeded (%d) + failed (%d) != issued (%d)", r.Succeeded, r.Failed, r.TotalIssued)
	}

	var failures int64
	for _, n := range r.Failures {
		failures += n
	}
	if failures != r.Failed {
		return fmt.Errorf("failures by kind (%d) != failed (%d)", failures, r.Failed)
	}

	var classes int64
	for _, n := range r.StatusClasses {
		classes += n
	}
	if classes != r.Succeeded {
		return fmt.Errorf("status classes (%d) != succeeded (%d)", classes, r.Succeeded)
	}

	return nil
}
