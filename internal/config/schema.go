// Package config provides configuration parsing and validation for load runs.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FileConfig is the on-disk form of a run configuration.
//
// Every field is optional; values present in the file sit above the
// built-in defaults and below environment variables and flags.
//
// Example YAML:
//
//	url: "https://api.example.com/health"
//	threads: 50
//	duration: 30s
//	rps: 100
//	timeout: 5s
//	headers:
//	  Accept: application/json
//	  User-Agent: "{{userAgent}}"
type FileConfig struct {
	// URL is the target endpoint (http or https)
	URL string `json:"url,omitempty" yaml:"url,omitempty"`

	// Method is the HTTP method (default GET)
	Method string `json:"method,omitempty" yaml:"method,omitempty"`

	// Headers are sent with every request
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`

	// Body is the request body
	Body string `json:"body,omitempty" yaml:"body,omitempty"`

	// BodyFile is read once and sent as the request body
	BodyFile string `json:"bodyFile,omitempty" yaml:"bodyFile,omitempty"`

	// Timeout is the per-request timeout
	Timeout Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// Threads is the number of concurrent workers
	Threads int `json:"threads,omitempty" yaml:"threads,omitempty"`

	// Duration is how long to generate load (e.g., "30s", "2m")
	Duration Duration `json:"duration,omitempty" yaml:"duration,omitempty"`

	// RPS is the target requests per second across all workers
	RPS float64 `json:"rps,omitempty" yaml:"rps,omitempty"`

	// Requests caps the total number of requests (0 = no cap)
	Requests int64 `json:"requests,omitempty" yaml:"requests,omitempty"`

	// Grace is how long in-flight requests may finish after the run ends
	Grace *Duration `json:"grace,omitempty" yaml:"grace,omitempty"`

	// PoolSize is the number of keep-alive connections (default: threads)
	PoolSize int `json:"poolSize,omitempty" yaml:"poolSize,omitempty"`

	// MaxConns is the hard connection cap (default: poolSize)
	MaxConns int `json:"maxConns,omitempty" yaml:"maxConns,omitempty"`

	// QueueTimeout is how long a request waits for a free connection
	QueueTimeout Duration `json:"queueTimeout,omitempty" yaml:"queueTimeout,omitempty"`

	// Insecure skips TLS certificate verification
	Insecure bool `json:"insecure,omitempty" yaml:"insecure,omitempty"`

	// HTTP2 enables HTTP/2 for https targets
	HTTP2 bool `json:"http2,omitempty" yaml:"http2,omitempty"`

	// FollowRedirects follows 3xx responses instead of recording them
	FollowRedirects bool `json:"followRedirects,omitempty" yaml:"followRedirects,omitempty"`

	// UserAgents is the rotation pool
	UserAgents []string `json:"userAgents,omitempty" yaml:"userAgents,omitempty"`

	// UserAgentsFile holds one user agent per line
	UserAgentsFile string `json:"userAgentsFile,omitempty" yaml:"userAgentsFile,omitempty"`

	// RequestID adds an X-Request-ID header with a fresh UUID per request
	RequestID bool `json:"requestId,omitempty" yaml:"requestId,omitempty"`

	// Burst is the rate controller's slack in permits, 0 to 1
	Burst *float64 `json:"burst,omitempty" yaml:"burst,omitempty"`
}

// Duration is a time.Duration that can be unmarshaled from JSON/YAML strings.
//
// Plain numbers are read as seconds, matching the positional duration
// argument.
type Duration time.Duration

// GetDuration returns the duration or a default if empty.
func (d Duration) GetDuration(defaultValue time.Duration) time.Duration {
	if d == 0 {
		return defaultValue
	}
	return time.Duration(d)
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	// Remove quotes if present
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}

	if s == "" || s == "null" {
		*d = 0
		return nil
	}

	dur, err := ParseDurationString(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", value.Line)
	}

	if value.Value == "" || value.Tag == "!!null" {
		*d = 0
		return nil
	}

	dur, err := ParseDurationString(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(dur)
	return nil
}

// String returns the duration as a string.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// ParseDurationString parses a duration string with support for common formats.
//
// Supported formats:
//   - Standard Go duration: "30s", "2m", "1h30m", "500ms"
//   - Seconds as a number: "30" (30 seconds), "1.5"
func ParseDurationString(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}

	// Try standard Go duration parsing first
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}

	// Try parsing as seconds
	secs, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return time.Duration(secs * float64(time.Second)), nil
}
