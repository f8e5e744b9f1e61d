package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/wesleyorama2/volley/internal/loadgen"
)

// Default values. Threads, duration and rps keep the positional-argument
// defaults of the command line tool.
const (
	DefaultThreads          = 50
	DefaultDuration         = 30 * time.Second
	DefaultRPS              = 100.0
	DefaultTimeout          = 5 * time.Second
	DefaultGrace            = 5 * time.Second
	DefaultBurst            = 1.0
	DefaultProgressInterval = time.Second

	// RequestIDHeader carries a fresh UUID per request when enabled.
	RequestIDHeader = "X-Request-ID"
)

// Settings is the flat, merged view of every configuration layer.
//
// The mapstructure tags are the flag names; the CLI decodes its layered
// viper state straight into this struct.
type Settings struct {
	URL             string        `mapstructure:"url"`
	Method          string        `mapstructure:"method"`
	Headers         []string      `mapstructure:"header"`
	Body            string        `mapstructure:"body"`
	BodyFile        string        `mapstructure:"body-file"`
	Timeout         time.Duration `mapstructure:"timeout"`
	Threads         int           `mapstructure:"threads"`
	Duration        time.Duration `mapstructure:"duration"`
	RPS             float64       `mapstructure:"rps"`
	Requests        int64         `mapstructure:"requests"`
	Grace           time.Duration `mapstructure:"grace"`
	PoolSize        int           `mapstructure:"pool-size"`
	MaxConns        int           `mapstructure:"max-conns"`
	QueueTimeout    time.Duration `mapstructure:"queue-timeout"`
	Insecure        bool          `mapstructure:"insecure"`
	HTTP2           bool          `mapstructure:"http2"`
	FollowRedirects bool          `mapstructure:"follow-redirects"`
	UserAgentsFile  string        `mapstructure:"user-agents"`
	RequestID       bool          `mapstructure:"request-id"`
	Burst           float64       `mapstructure:"burst"`

	ProgressInterval time.Duration `mapstructure:"progress-interval"`

	// UserAgents only comes from a config file list.
	UserAgents []string `mapstructure:"user-agent-list"`
}

// Defaults returns the built-in settings.
func Defaults() Settings {
	return Settings{
		Method:           loadgen.DefaultMethod,
		Timeout:          DefaultTimeout,
		Threads:          DefaultThreads,
		Duration:         DefaultDuration,
		RPS:              DefaultRPS,
		Grace:            DefaultGrace,
		Burst:            DefaultBurst,
		ProgressInterval: DefaultProgressInterval,
	}
}

// Map returns the settings keyed by flag name, the inverse of decoding
// into Settings.
func (s Settings) Map() map[string]any {
	return map[string]any{
		"url":               s.URL,
		"method":            s.Method,
		"header":            s.Headers,
		"body":              s.Body,
		"body-file":         s.BodyFile,
		"timeout":           s.Timeout,
		"threads":           s.Threads,
		"duration":          s.Duration,
		"rps":               s.RPS,
		"requests":          s.Requests,
		"grace":             s.Grace,
		"pool-size":         s.PoolSize,
		"max-conns":         s.MaxConns,
		"queue-timeout":     s.QueueTimeout,
		"insecure":          s.Insecure,
		"http2":             s.HTTP2,
		"follow-redirects":  s.FollowRedirects,
		"user-agents":       s.UserAgentsFile,
		"request-id":        s.RequestID,
		"burst":             s.Burst,
		"progress-interval": s.ProgressInterval,
		"user-agent-list":   s.UserAgents,
	}
}

// Overlay returns base with every field set in f applied on top.
func (f *FileConfig) Overlay(base Settings) Settings {
	s := base

	if f.URL != "" {
		s.URL = f.URL
	}
	if f.Method != "" {
		s.Method = f.Method
	}
	if len(f.Headers) > 0 {
		// Sorted so header order is stable between runs.
		keys := make([]string, 0, len(f.Headers))
		for k := range f.Headers {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		s.Headers = append([]string(nil), base.Headers...)
		for _, k := range keys {
			s.Headers = append(s.Headers, k+": "+f.Headers[k])
		}
	}
	if f.Body != "" {
		s.Body = f.Body
	}
	if f.BodyFile != "" {
		s.BodyFile = f.BodyFile
	}
	if f.Timeout > 0 {
		s.Timeout = time.Duration(f.Timeout)
	}
	if f.Threads > 0 {
		s.Threads = f.Threads
	}
	if f.Duration > 0 {
		s.Duration = time.Duration(f.Duration)
	}
	if f.RPS > 0 {
		s.RPS = f.RPS
	}
	if f.Requests > 0 {
		s.Requests = f.Requests
	}
	if f.Grace != nil {
		s.Grace = time.Duration(*f.Grace)
	}
	if f.PoolSize > 0 {
		s.PoolSize = f.PoolSize
	}
	if f.MaxConns > 0 {
		s.MaxConns = f.MaxConns
	}
	if f.QueueTimeout > 0 {
		s.QueueTimeout = time.Duration(f.QueueTimeout)
	}
	s.Insecure = s.Insecure || f.Insecure
	s.HTTP2 = s.HTTP2 || f.HTTP2
	s.FollowRedirects = s.FollowRedirects || f.FollowRedirects
	s.RequestID = s.RequestID || f.RequestID
	if len(f.UserAgents) > 0 {
		s.UserAgents = append([]string(nil), f.UserAgents...)
	}
	if f.UserAgentsFile != "" {
		s.UserAgentsFile = f.UserAgentsFile
	}
	if f.Burst != nil {
		s.Burst = *f.Burst
	}

	return s
}

// Build validates the settings and produces an immutable RunConfig.
//
// Any failure, including an unreadable body or user agents file, is
// returned as ValidationErrors.
func (s *Settings) Build() (*RunConfig, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}

	errs := &ValidationErrors{}

	headers := make(map[string]string, len(s.Headers))
	for _, h := range s.Headers {
		k, v, _ := ParseHeader(h)
		headers[k] = v
	}

	var body loadgen.BodyProvider
	switch {
	case s.Body != "":
		body = loadgen.StaticBody(s.Body)
	case s.BodyFile != "":
		data, err := os.ReadFile(s.BodyFile)
		if err != nil {
			errs.Add("body-file", fmt.Sprintf("failed to read body file: %v", err))
		} else {
			body = loadgen.StaticBody(data)
		}
	}

	agents := loadgen.DefaultUserAgents
	switch {
	case s.UserAgentsFile != "":
		loaded, err := loadgen.LoadUserAgents(s.UserAgentsFile)
		if err != nil {
			errs.Add("user-agents", err.Error())
		}
		agents = loaded
	case len(s.UserAgents) > 0:
		agents = s.UserAgents
	}

	target, err := loadgen.NewTargetSpec(s.URL, strings.ToUpper(s.Method), headers, s.Timeout, body)
	if err != nil {
		errs.Add("url", err.Error())
	}

	if errs.HasErrors() {
		return nil, errs
	}
	target.FollowRedirects = s.FollowRedirects

	cfg := &RunConfig{
		Target:             target,
		Workers:            s.Threads,
		RPS:                s.RPS,
		Duration:           s.Duration,
		MaxRequests:        s.Requests,
		GracePeriod:        s.Grace,
		PoolSize:           s.PoolSize,
		MaxConns:           s.MaxConns,
		QueueTimeout:       s.QueueTimeout,
		InsecureSkipVerify: s.Insecure,
		HTTP2:              s.HTTP2,
		UserAgents:         agents,
		BurstAllowance:     s.Burst,
		ProgressInterval:   s.ProgressInterval,
	}
	if s.RequestID {
		cfg.RequestIDHeader = RequestIDHeader
	}
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
