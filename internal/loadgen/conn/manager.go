// Package conn sends requests to the target over a bounded pool of
// keep-alive connections.
package conn

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/http2"

	"github.com/wesleyorama2/volley/internal/loadgen"
)

// errPoolExhausted is reported when no connection slot frees up within the
// queue timeout.
var errPoolExhausted = errors.New("conn: connection pool exhausted")

// Config contains connection pool configuration.
type Config struct {
	// PoolSize is the number of keep-alive connections per host.
	PoolSize int

	// MaxConns is the hard cap on simultaneous connections per host.
	// Slots above PoolSize are overflow: their connection is closed after
	// one request. Defaults to PoolSize.
	MaxConns int

	// QueueTimeout is how long a request waits for a free slot before it
	// is recorded as pool exhaustion.
	QueueTimeout time.Duration

	// DialTimeout bounds TCP connection establishment.
	DialTimeout time.Duration

	// IdleConnTimeout is how long idle connections are kept alive.
	IdleConnTimeout time.Duration

	// InsecureSkipVerify skips TLS certificate verification. Off unless
	// explicitly requested.
	InsecureSkipVerify bool

	// HTTP2 enables HTTP/2 negotiation for https targets.
	HTTP2 bool

	// MaxDrainBytes bounds how much of a response body is read. A larger
	// body leaves the connection unreusable and it is discarded.
	MaxDrainBytes int64
}

// DefaultConfig returns sensible defaults for load testing.
func DefaultConfig() Config {
	return Config{
		PoolSize:        100,
		QueueTimeout:    5 * time.Second,
		DialTimeout:     5 * time.Second,
		IdleConnTimeout: 90 * time.Second,
		MaxDrainBytes:   4 << 20,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.PoolSize <= 0 {
		c.PoolSize = def.PoolSize
	}
	if c.MaxConns < c.PoolSize {
		c.MaxConns = c.PoolSize
	}
	if c.QueueTimeout <= 0 {
		c.QueueTimeout = def.QueueTimeout
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = def.DialTimeout
	}
	if c.IdleConnTimeout <= 0 {
		c.IdleConnTimeout = def.IdleConnTimeout
	}
	if c.MaxDrainBytes <= 0 {
		c.MaxDrainBytes = def.MaxDrainBytes
	}
}

// Manager owns the transport and the per-host connection slots.
//
// Every request holds a slot for its whole life (dial, request, body
// drain), so the number of physical connections per host never exceeds
// the number of slots.
type Manager struct {
	config Config

	transport *http.Transport
	client    *http.Client // does not follow redirects
	follow    *http.Client // follows redirects

	hosts   map[hostKey]*hostSlots
	hostsMu sync.RWMutex

	tracker *tracker

	overflowed atomic.Int64
	exhausted  atomic.Int64
}

// New creates a connection manager.
func New(config Config) (*Manager, error) {
	config.applyDefaults()

	t := &tracker{}
	dialer := &net.Dialer{
		Timeout:   config.DialTimeout,
		KeepAlive: 30 * time.Second,
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         t.dialContext(dialer),
		MaxIdleConns:        config.MaxConns * 4,
		MaxIdleConnsPerHost: config.PoolSize,
		MaxConnsPerHost:     config.MaxConns,
		IdleConnTimeout:     config.IdleConnTimeout,
		TLSHandshakeTimeout: config.DialTimeout,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: config.InsecureSkipVerify, //nolint:gosec // explicit opt-in
			MinVersion:         tls.VersionTLS12,
		},
		DisableCompression: true,
	}

	if config.HTTP2 {
		if err := http2.ConfigureTransport(transport); err != nil {
			return nil, fmt.Errorf("failed to enable http2: %w", err)
		}
	}

	return &Manager{
		config:    config,
		transport: transport,
		client: &http.Client{
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		follow:  &http.Client{Transport: transport},
		hosts:   make(map[hostKey]*hostSlots),
		tracker: t,
	}, nil
}

// Config returns the effective configuration.
func (m *Manager) Config() Config {
	return m.config
}

// Send performs one request against target and classifies the result.
//
// ctx is the abandon signal: cancelling it aborts the request and records
// it as Cancelled. The target's Timeout bounds the request itself, not the
// time spent queueing for a slot.
func (m *Manager) Send(ctx context.Context, target *loadgen.TargetSpec, header http.Header) loadgen.Result {
	slots := m.slotsFor(target.URL)

	release, overflow, err := slots.acquire(ctx, m.config.QueueTimeout)
	if err != nil {
		if errors.Is(err, errPoolExhausted) {
			m.exhausted.Add(1)
			return loadgen.Result{Outcome: loadgen.OutcomePoolExhausted, Err: err}
		}
		return loadgen.Result{Outcome: loadgen.OutcomeCancelled, Err: err}
	}
	defer release()

	if overflow {
		m.overflowed.Add(1)
	}

	reqCtx := ctx
	if target.Timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, target.Timeout)
		defer cancel()
	}

	var body io.Reader
	if b := target.BodyBytes(); len(b) > 0 {
		body = bytes.NewReader(b)
	}

	var reused bool
	trace := &httptrace.ClientTrace{
		GotConn: func(info httptrace.GotConnInfo) {
			reused = info.Reused
		},
	}

	req, err := http.NewRequestWithContext(httptrace.WithClientTrace(reqCtx, trace), target.Method, target.URL.String(), body)
	if err != nil {
		return loadgen.Result{Outcome: loadgen.OutcomeNetworkError, ErrorKind: loadgen.ErrorOther, Err: fmt.Errorf("failed to build request: %w", err)}
	}
	if header != nil {
		req.Header = header
	}
	// Overflow connections are short-lived and never return to the pool.
	req.Close = overflow

	client := m.client
	if target.FollowRedirects {
		client = m.follow
	}

	resp, err := client.Do(req)
	if err != nil {
		return classify(ctx, reqCtx, err)
	}

	// Drain so a clean connection goes back to the idle pool. If the body
	// is larger than the drain bound, closing early discards the conn.
	n, err := io.Copy(io.Discard, io.LimitReader(resp.Body, m.config.MaxDrainBytes))
	resp.Body.Close()
	if err != nil {
		res := classify(ctx, reqCtx, err)
		res.Bytes = n
		return res
	}

	if reused {
		m.tracker.reused.Add(1)
	}

	return loadgen.Result{
		Outcome:    loadgen.OutcomeSuccess,
		StatusCode: resp.StatusCode,
		Bytes:      n,
		Reused:     reused,
	}
}

// Resolve looks up host, failing fast when the target cannot be reached
// by name. IP literals are accepted without a lookup.
func (m *Manager) Resolve(ctx context.Context, host string) error {
	if net.ParseIP(host) != nil {
		return nil
	}
	addrs, err := net.DefaultResolver.LookupHost(ctx, host)
	if err != nil {
		return err
	}
	if len(addrs) == 0 {
		return fmt.Errorf("no addresses for %s", host)
	}
	return nil
}

// Stats returns connection statistics.
func (m *Manager) Stats() Stats {
	return Stats{
		Opened:    m.tracker.opened.Load(),
		Closed:    m.tracker.closed.Load(),
		Active:    m.tracker.active.Load(),
		Peak:      m.tracker.peak.Load(),
		Reused:    m.tracker.reused.Load(),
		Discarded: m.tracker.discarded.Load(),
		Overflow:  m.overflowed.Load(),
		Exhausted: m.exhausted.Load(),
	}
}

// Close releases idle connections. In-flight requests are not affected.
func (m *Manager) Close() {
	m.transport.CloseIdleConnections()
}

// Stats contains connection pool statistics.
type Stats struct {
	Opened    int64 `json:"opened"`    // Physical connections dialed
	Closed    int64 `json:"closed"`    // Physical connections closed
	Active    int64 `json:"active"`    // Currently open
	Peak      int64 `json:"peak"`      // Most simultaneously open
	Reused    int64 `json:"reused"`    // Requests served on a kept-alive conn
	Discarded int64 `json:"discarded"` // Closed after an I/O error
	Overflow  int64 `json:"overflow"`  // Requests on short-lived overflow conns
	Exhausted int64 `json:"exhausted"` // Requests that found no slot
}

// hostKey identifies a connection pool.
type hostKey struct {
	scheme string
	host   string
	port   string
}

func keyFor(u *url.URL) hostKey {
	scheme := strings.ToLower(u.Scheme)
	port := u.Port()
	if port == "" {
		if scheme == "https" {
			port = "443"
		} else {
			port = "80"
		}
	}
	return hostKey{scheme: scheme, host: strings.ToLower(u.Hostname()), port: port}
}

func (m *Manager) slotsFor(u *url.URL) *hostSlots {
	key := keyFor(u)

	m.hostsMu.RLock()
	s, ok := m.hosts[key]
	m.hostsMu.RUnlock()
	if ok {
		return s
	}

	m.hostsMu.Lock()
	defer m.hostsMu.Unlock()
	if s, ok = m.hosts[key]; ok {
		return s
	}
	s = newHostSlots(m.config.PoolSize, m.config.MaxConns-m.config.PoolSize)
	m.hosts[key] = s
	return s
}

// hostSlots bounds concurrent requests to one host.
type hostSlots struct {
	pooled   chan struct{}
	overflow chan struct{} // nil when there is no overflow allowance
}

func newHostSlots(pooled, overflow int) *hostSlots {
	s := &hostSlots{pooled: make(chan struct{}, pooled)}
	if overflow > 0 {
		s.overflow = make(chan struct{}, overflow)
	}
	return s
}

// acquire takes a pooled slot, else an overflow slot, else waits up to
// queueTimeout for either.
func (s *hostSlots) acquire(ctx context.Context, queueTimeout time.Duration) (release func(), overflow bool, err error) {
	select {
	case s.pooled <- struct{}{}:
		return s.releasePooled, false, nil
	default:
	}

	if s.overflow != nil {
		select {
		case s.overflow <- struct{}{}:
			return s.releaseOverflow, true, nil
		default:
		}
	}

	timer := time.NewTimer(queueTimeout)
	defer timer.Stop()

	select {
	case s.pooled <- struct{}{}:
		return s.releasePooled, false, nil
	case s.overflow <- struct{}{}:
		return s.releaseOverflow, true, nil
	case <-timer.C:
		return nil, false, errPoolExhausted
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

func (s *hostSlots) releasePooled()   { <-s.pooled }
func (s *hostSlots) releaseOverflow() { <-s.overflow }
