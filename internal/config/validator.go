package config

import (
	"fmt"
	"math"
	"strings"

	"github.com/wesleyorama2/volley/internal/loadgen"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors struct {
	Errors []*ValidationError
}

func (e *ValidationErrors) Error() string {
	if len(e.Errors) == 0 {
		return "no validation errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e.Errors)))
	for i, err := range e.Errors {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// Add adds an error to the collection.
func (e *ValidationErrors) Add(field, message string) {
	e.Errors = append(e.Errors, &ValidationError{Field: field, Message: message})
}

// HasErrors returns true if there are any errors.
func (e *ValidationErrors) HasErrors() bool {
	return len(e.Errors) > 0
}

// Has reports whether there is an error on field.
func (e *ValidationErrors) Has(field string) bool {
	for _, err := range e.Errors {
		if err.Field == field {
			return true
		}
	}
	return false
}

var validMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// MinRPS is the lowest accepted target rate, one request every
// 1000 seconds.
const MinRPS = 0.001

// validateRPS rejects rates the controller cannot pace: NaN, infinities,
// non-positive and vanishingly small values.
func validateRPS(rps float64, errs *ValidationErrors) {
	switch {
	case math.IsNaN(rps) || math.IsInf(rps, 0):
		errs.Add("rps", fmt.Sprintf("rps must be a finite number, got %v", rps))
	case rps <= 0:
		errs.Add("rps", "rps must be greater than 0")
	case rps < MinRPS:
		errs.Add("rps", fmt.Sprintf("rps must be at least %g", MinRPS))
	}
}

// Validate validates settings before a run is built.
//
// Returns nil if valid, or a ValidationErrors containing all validation errors.
func (s *Settings) Validate() error {
	errs := &ValidationErrors{}

	if s.URL == "" {
		errs.Add("url", "url is required")
	} else if _, err := loadgen.ParseTargetURL(s.URL); err != nil {
		errs.Add("url", err.Error())
	}

	if method := strings.ToUpper(s.Method); method != "" && !validMethods[method] {
		errs.Add("method", fmt.Sprintf("invalid HTTP method: %s", s.Method))
	}

	for i, h := range s.Headers {
		if _, _, err := ParseHeader(h); err != nil {
			errs.Add(fmt.Sprintf("header[%d]", i), err.Error())
		}
	}

	if s.Body != "" && s.BodyFile != "" {
		errs.Add("body", "body and body-file are mutually exclusive")
	}

	if s.Threads <= 0 {
		errs.Add("threads", "threads must be greater than 0")
	}
	validateRPS(s.RPS, errs)
	if s.Duration <= 0 {
		errs.Add("duration", "duration must be greater than 0")
	}
	if s.Requests < 0 {
		errs.Add("requests", "requests cannot be negative")
	}
	if s.Timeout <= 0 {
		errs.Add("timeout", "timeout must be greater than 0")
	}
	if s.Grace < 0 {
		errs.Add("grace", "grace cannot be negative")
	}

	validateConnections(s.PoolSize, s.Threads, s.MaxConns, s.QueueTimeout.Nanoseconds(), errs)

	if !(s.Burst >= 0 && s.Burst <= 1) {
		errs.Add("burst", "burst must be between 0 and 1")
	}
	if s.ProgressInterval < 0 {
		errs.Add("progress-interval", "progress-interval cannot be negative")
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}

// Validate validates a run configuration.
//
// Returns nil if valid, or a ValidationErrors containing all validation errors.
func (c *RunConfig) Validate() error {
	errs := &ValidationErrors{}

	if c.Target == nil || c.Target.URL == nil {
		errs.Add("url", "target is required")
	} else {
		if _, err := loadgen.ParseTargetURL(c.Target.URL.String()); err != nil {
			errs.Add("url", err.Error())
		}
		if c.Target.Timeout <= 0 {
			errs.Add("timeout", "timeout must be greater than 0")
		}
		if !validMethods[c.Target.Method] {
			errs.Add("method", fmt.Sprintf("invalid HTTP method: %s", c.Target.Method))
		}
	}

	if c.Workers <= 0 {
		errs.Add("threads", "threads must be greater than 0")
	}
	validateRPS(c.RPS, errs)
	if c.Duration <= 0 {
		errs.Add("duration", "duration must be greater than 0")
	}
	if c.MaxRequests < 0 {
		errs.Add("requests", "requests cannot be negative")
	}
	if c.GracePeriod < 0 {
		errs.Add("grace", "grace cannot be negative")
	}

	validateConnections(c.PoolSize, c.Workers, c.MaxConns, c.QueueTimeout.Nanoseconds(), errs)

	if !(c.BurstAllowance >= 0 && c.BurstAllowance <= 1) {
		errs.Add("burst", "burst must be between 0 and 1")
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}

// validateConnections checks pool settings. Zero values mean "default":
// the pool defaults to one connection per worker.
func validateConnections(poolSize, workers, maxConns int, queueTimeout int64, errs *ValidationErrors) {
	if poolSize < 0 {
		errs.Add("pool-size", "pool-size cannot be negative")
	}
	if poolSize == 0 {
		poolSize = workers
	}
	if maxConns < 0 {
		errs.Add("max-conns", "max-conns cannot be negative")
	}
	if poolSize > 0 && maxConns > 0 && maxConns < poolSize {
		errs.Add("max-conns", "max-conns cannot be less than pool-size")
	}
	if queueTimeout < 0 {
		errs.Add("queue-timeout", "queue-timeout cannot be negative")
	}
}

// ParseHeader splits a "Key: Value" header string.
func ParseHeader(h string) (key, value string, err error) {
	k, v, ok := strings.Cut(h, ":")
	if !ok {
		return "", "", fmt.Errorf("invalid header %q (want \"Key: Value\")", h)
	}
	k = strings.TrimSpace(k)
	if k == "" {
		return "", "", fmt.Errorf("invalid header %q: empty name", h)
	}
	return k, strings.TrimSpace(v), nil
}
