package config

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/wesleyorama2/volley/internal/loadgen"
)

func validSettings() Settings {
	s := Defaults()
	s.URL = "http://localhost:8080/health"
	return s
}

func TestValidationError_Error(t *testing.T) {
	withField := &ValidationError{Field: "rps", Message: "rps must be greater than 0"}
	if got := withField.Error(); got != "validation error on field 'rps': rps must be greater than 0" {
		t.Errorf("Error() = %q", got)
	}

	noField := &ValidationError{Message: "bad"}
	if got := noField.Error(); got != "validation error: bad" {
		t.Errorf("Error() = %q", got)
	}

	errs := &ValidationErrors{}
	if errs.Error() != "no validation errors" {
		t.Errorf("empty Error() = %q", errs.Error())
	}
	errs.Add("a", "first")
	errs.Add("b", "second")
	if !strings.HasPrefix(errs.Error(), "2 validation errors:") {
		t.Errorf("Error() = %q", errs.Error())
	}
}

func TestSettings_Validate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Settings)
		field  string
	}{
		{"valid", func(s *Settings) {}, ""},
		{"missing url", func(s *Settings) { s.URL = "" }, "url"},
		{"malformed url", func(s *Settings) { s.URL = "not a url" }, "url"},
		{"ftp url", func(s *Settings) { s.URL = "ftp://example.com" }, "url"},
		{"zero threads", func(s *Settings) { s.Threads = 0 }, "threads"},
		{"negative threads", func(s *Settings) { s.Threads = -3 }, "threads"},
		{"zero rps", func(s *Settings) { s.RPS = 0 }, "rps"},
		{"negative rps", func(s *Settings) { s.RPS = -5 }, "rps"},
		{"NaN rps", func(s *Settings) { s.RPS = math.NaN() }, "rps"},
		{"infinite rps", func(s *Settings) { s.RPS = math.Inf(1) }, "rps"},
		{"negative infinite rps", func(s *Settings) { s.RPS = math.Inf(-1) }, "rps"},
		{"vanishing rps", func(s *Settings) { s.RPS = 1e-10 }, "rps"},
		{"minimum rps ok", func(s *Settings) { s.RPS = MinRPS }, ""},
		{"zero duration", func(s *Settings) { s.Duration = 0 }, "duration"},
		{"zero timeout", func(s *Settings) { s.Timeout = 0 }, "timeout"},
		{"negative requests", func(s *Settings) { s.Requests = -1 }, "requests"},
		{"negative grace", func(s *Settings) { s.Grace = -time.Second }, "grace"},
		{"bad method", func(s *Settings) { s.Method = "FETCH" }, "method"},
		{"lowercase method ok", func(s *Settings) { s.Method = "post" }, ""},
		{"bad header", func(s *Settings) { s.Headers = []string{"NoColon"} }, "header[0]"},
		{"body and file", func(s *Settings) { s.Body = "x"; s.BodyFile = "y" }, "body"},
		{"max below pool", func(s *Settings) { s.PoolSize = 10; s.MaxConns = 5 }, "max-conns"},
		{"max below default pool", func(s *Settings) { s.Threads = 10; s.MaxConns = 5 }, "max-conns"},
		{"negative pool", func(s *Settings) { s.PoolSize = -1 }, "pool-size"},
		{"negative queue timeout", func(s *Settings) { s.QueueTimeout = -1 }, "queue-timeout"},
		{"burst above one", func(s *Settings) { s.Burst = 1.5 }, "burst"},
		{"NaN burst", func(s *Settings) { s.Burst = math.NaN() }, "burst"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := validSettings()
			tt.modify(&s)
			err := s.Validate()

			if tt.field == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}

			var verrs *ValidationErrors
			if !errors.As(err, &verrs) {
				t.Fatalf("Validate() error = %v, want *ValidationErrors", err)
			}
			if !verrs.Has(tt.field) {
				t.Errorf("Validate() errors %v missing field %q", verrs, tt.field)
			}
		})
	}
}

func TestSettings_Validate_CollectsAll(t *testing.T) {
	s := Settings{}
	err := s.Validate()

	var verrs *ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("Validate() error = %v", err)
	}
	for _, field := range []string{"url", "threads", "rps", "duration", "timeout"} {
		if !verrs.Has(field) {
			t.Errorf("missing error for %s", field)
		}
	}
}

func TestSettings_Build(t *testing.T) {
	s := validSettings()
	s.Method = "post"
	s.Headers = []string{"Accept: application/json", "X-Trace:  abc "}
	s.Body = `{"a":1}`
	s.Threads = 8
	s.Requests = 100
	s.RequestID = true
	s.FollowRedirects = true

	cfg, err := s.Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	if cfg.Target.Method != "POST" {
		t.Errorf("Method = %q, want POST", cfg.Target.Method)
	}
	if cfg.Target.Headers["X-Trace"] != "abc" {
		t.Errorf("Headers = %v", cfg.Target.Headers)
	}
	if string(cfg.Target.BodyBytes()) != `{"a":1}` {
		t.Errorf("Body = %q", cfg.Target.BodyBytes())
	}
	if !cfg.Target.FollowRedirects {
		t.Error("FollowRedirects not carried over")
	}
	if cfg.Workers != 8 || cfg.MaxRequests != 100 {
		t.Errorf("Workers = %d, MaxRequests = %d", cfg.Workers, cfg.MaxRequests)
	}
	if cfg.PoolSize != 8 || cfg.MaxConns != 8 {
		t.Errorf("PoolSize = %d, MaxConns = %d, want 8/8", cfg.PoolSize, cfg.MaxConns)
	}
	if cfg.QueueTimeout != DefaultTimeout {
		t.Errorf("QueueTimeout = %v, want timeout %v", cfg.QueueTimeout, DefaultTimeout)
	}
	if cfg.RequestIDHeader != RequestIDHeader {
		t.Errorf("RequestIDHeader = %q", cfg.RequestIDHeader)
	}
	if len(cfg.UserAgents) != len(loadgen.DefaultUserAgents) {
		t.Errorf("UserAgents = %v, want default pool", cfg.UserAgents)
	}
	if cfg.InsecureSkipVerify {
		t.Error("TLS verification disabled by default")
	}
}

func TestSettings_Build_Files(t *testing.T) {
	dir := t.TempDir()
	bodyPath := filepath.Join(dir, "body.bin")
	agentsPath := filepath.Join(dir, "agents.txt")
	if err := os.WriteFile(bodyPath, []byte("payload"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(agentsPath, []byte("# pool\nagent-one\nagent-two\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	s := validSettings()
	s.BodyFile = bodyPath
	s.UserAgentsFile = agentsPath

	cfg, err := s.Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if string(cfg.Target.BodyBytes()) != "payload" {
		t.Errorf("Body = %q", cfg.Target.BodyBytes())
	}
	if len(cfg.UserAgents) != 2 || cfg.UserAgents[0] != "agent-one" {
		t.Errorf("UserAgents = %v", cfg.UserAgents)
	}

	s.BodyFile = filepath.Join(dir, "missing")
	s.UserAgentsFile = filepath.Join(dir, "missing-agents")
	_, err = s.Build()

	var verrs *ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("Build() error = %v, want *ValidationErrors", err)
	}
	if !verrs.Has("body-file") || !verrs.Has("user-agents") {
		t.Errorf("Build() errors = %v", verrs)
	}
}

func TestFileConfig_Overlay(t *testing.T) {
	grace := Duration(0)
	burst := 0.25
	fc := &FileConfig{
		URL:      "https://example.com",
		Threads:  12,
		Duration: Duration(time.Minute),
		Headers:  map[string]string{"B": "2", "A": "1"},
		Grace:    &grace,
		Burst:    &burst,
		Insecure: true,
	}

	base := Defaults()
	base.Headers = []string{"Z: 0"}
	s := fc.Overlay(base)

	if s.URL != "https://example.com" || s.Threads != 12 || s.Duration != time.Minute {
		t.Errorf("overlay = %+v", s)
	}
	if s.RPS != DefaultRPS {
		t.Errorf("RPS = %v, want default kept", s.RPS)
	}
	if s.Grace != 0 {
		t.Errorf("Grace = %v, want explicit 0 from file", s.Grace)
	}
	if s.Burst != 0.25 || !s.Insecure {
		t.Errorf("Burst = %v, Insecure = %v", s.Burst, s.Insecure)
	}
	want := []string{"Z: 0", "A: 1", "B: 2"}
	if strings.Join(s.Headers, "|") != strings.Join(want, "|") {
		t.Errorf("Headers = %v, want %v", s.Headers, want)
	}
	if len(base.Headers) != 1 {
		t.Errorf("base headers mutated: %v", base.Headers)
	}
}

func TestRunConfig_ApplyDefaults(t *testing.T) {
	target, err := loadgen.NewTargetSpec("http://localhost", "GET", nil, 2*time.Second, nil)
	if err != nil {
		t.Fatal(err)
	}

	cfg := &RunConfig{Target: target, Workers: 4, RPS: 10, Duration: time.Second, MaxConns: 2}
	cfg.ApplyDefaults()

	if cfg.PoolSize != 4 {
		t.Errorf("PoolSize = %d, want 4", cfg.PoolSize)
	}
	if cfg.MaxConns != 4 {
		t.Errorf("MaxConns = %d, want raised to 4", cfg.MaxConns)
	}
	if cfg.QueueTimeout != 2*time.Second {
		t.Errorf("QueueTimeout = %v", cfg.QueueTimeout)
	}
	if cfg.ProgressInterval != DefaultProgressInterval {
		t.Errorf("ProgressInterval = %v", cfg.ProgressInterval)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestRunConfig_Validate(t *testing.T) {
	err := (&RunConfig{}).Validate()

	var verrs *ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("Validate() error = %v", err)
	}
	for _, field := range []string{"url", "threads", "rps", "duration"} {
		if !verrs.Has(field) {
			t.Errorf("missing error for %s", field)
		}
	}
}

func TestRunConfig_Validate_RPS(t *testing.T) {
	target, err := loadgen.NewTargetSpec("http://localhost", "GET", nil, time.Second, nil)
	if err != nil {
		t.Fatal(err)
	}

	for _, rps := range []float64{math.NaN(), math.Inf(1), 1e-10, 0} {
		cfg := &RunConfig{Target: target, Workers: 1, RPS: rps, Duration: time.Second}
		cfg.ApplyDefaults()

		var verrs *ValidationErrors
		if err := cfg.Validate(); !errors.As(err, &verrs) || !verrs.Has("rps") {
			t.Errorf("RPS %v: Validate() error = %v, want rps error", rps, err)
		}
	}
}

func TestParseHeader(t *testing.T) {
	tests := []struct {
		in      string
		key     string
		value   string
		wantErr bool
	}{
		{"Accept: */*", "Accept", "*/*", false},
		{"X-Empty:", "X-Empty", "", false},
		{"Authorization: Bearer a:b", "Authorization", "Bearer a:b", false},
		{"NoColon", "", "", true},
		{": value", "", "", true},
	}

	for _, tt := range tests {
		k, v, err := ParseHeader(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseHeader(%q) error = %v", tt.in, err)
			continue
		}
		if k != tt.key || v != tt.value {
			t.Errorf("ParseHeader(%q) = %q, %q", tt.in, k, v)
		}
	}
}
