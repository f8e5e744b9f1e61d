// Package loadgen holds the request and record types shared by the
// rate-governed load generation packages (rate, conn, worker, stats, engine).
package loadgen

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// UserAgentPlaceholder in a header value is replaced by the next
// User-Agent from the rotation pool on every request.
const UserAgentPlaceholder = "{{userAgent}}"

// DefaultMethod is used when a TargetSpec does not name one.
const DefaultMethod = http.MethodGet

// BodyProvider supplies the request body for each request.
// Implementations must be safe for concurrent use.
type BodyProvider interface {
	Body() []byte
}

// StaticBody is a BodyProvider that returns the same bytes every time.
type StaticBody []byte

// Body returns the fixed body bytes.
func (b StaticBody) Body() []byte { return b }

// TargetSpec describes the endpoint and request shape.
//
// A TargetSpec is built once from validated configuration and never
// mutated afterwards; workers share it by pointer.
type TargetSpec struct {
	// URL is the absolute http or https URL to call.
	URL *url.URL

	// Method is the HTTP method (default GET).
	Method string

	// Headers are sent with every request. A value equal to
	// UserAgentPlaceholder is substituted per request.
	Headers map[string]string

	// Timeout bounds a single request; exceeding it records a Timeout.
	Timeout time.Duration

	// Body is optional.
	Body BodyProvider

	// FollowRedirects makes the client follow 3xx responses.
	// Disabled by default: the 3xx itself is the recorded outcome.
	FollowRedirects bool
}

// ParseTargetURL parses and checks an absolute http/https URL.
func ParseTargetURL(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("url is required")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", raw, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	case "":
		return nil, fmt.Errorf("invalid url %q: missing scheme", raw)
	default:
		return nil, fmt.Errorf("invalid url %q: unsupported scheme %q (want http or https)", raw, u.Scheme)
	}

	if u.Host == "" || u.Hostname() == "" {
		return nil, fmt.Errorf("invalid url %q: missing host", raw)
	}

	return u, nil
}

// NewTargetSpec builds a TargetSpec from raw values.
func NewTargetSpec(rawURL, method string, headers map[string]string, timeout time.Duration, body BodyProvider) (*TargetSpec, error) {
	u, err := ParseTargetURL(rawURL)
	if err != nil {
		return nil, err
	}

	if method == "" {
		method = DefaultMethod
	}

	copied := make(map[string]string, len(headers))
	for k, v := range headers {
		copied[k] = v
	}

	return &TargetSpec{
		URL:     u,
		Method:  strings.ToUpper(method),
		Headers: copied,
		Timeout: timeout,
		Body:    body,
	}, nil
}

// BuildHeader returns a fresh header set for one request.
//
// userAgent replaces UserAgentPlaceholder values; if the target carries no
// User-Agent header at all and userAgent is non-empty, it is added.
func (t *TargetSpec) BuildHeader(userAgent string) http.Header {
	h := make(http.Header, len(t.Headers)+1)
	hasUA := false

	for k, v := range t.Headers {
		if strings.EqualFold(k, "User-Agent") {
			hasUA = true
		}
		if strings.Contains(v, UserAgentPlaceholder) {
			v = strings.ReplaceAll(v, UserAgentPlaceholder, userAgent)
		}
		h.Set(k, v)
	}

	if !hasUA && userAgent != "" {
		h.Set("User-Agent", userAgent)
	}

	return h
}

// BodyBytes returns the request body for one request, or nil.
func (t *TargetSpec) BodyBytes() []byte {
	if t.Body == nil {
		return nil
	}
	return t.Body.Body()
}
