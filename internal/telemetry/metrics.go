package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/wesleyorama2/volley/internal/loadgen/stats"
)

const namespace = "volley"

// ReportSource returns the current run report.
type ReportSource func() stats.Report

// Collector exposes run reports as Prometheus metrics.
//
// Values are read from a fresh report on every scrape, so nothing is
// updated on the request path.
type Collector struct {
	source ReportSource

	requests    *prometheus.Desc
	failures    *prometheus.Desc
	statusCodes *prometheus.Desc
	latency     *prometheus.Desc
	achievedRPS *prometheus.Desc
	targetRPS   *prometheus.Desc
	bytes       *prometheus.Desc
	connections *prometheus.Desc
	peakConns   *prometheus.Desc
}

// NewCollector creates a collector over source.
func NewCollector(source ReportSource) *Collector {
	return &Collector{
		source: source,
		requests: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "requests_total"),
			"Requests issued, by result.",
			[]string{"result"}, nil),
		failures: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "failures_total"),
			"Failed requests, by outcome.",
			[]string{"outcome"}, nil),
		statusCodes: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "responses_total"),
			"HTTP responses, by status code.",
			[]string{"code"}, nil),
		latency: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "latency_seconds"),
			"Latency of successful requests.",
			nil, nil),
		achievedRPS: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "achieved_rps"),
			"Requests per second achieved since the run started.",
			nil, nil),
		targetRPS: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "target_rps"),
			"Configured requests per second.",
			nil, nil),
		bytes: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "received_bytes_total"),
			"Response body bytes received.",
			nil, nil),
		connections: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "connections_total"),
			"Connection events, by event.",
			[]string{"event"}, nil),
		peakConns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "connections_peak"),
			"Most connections open at once.",
			nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.requests
	ch <- c.failures
	ch <- c.statusCodes
	ch <- c.latency
	ch <- c.achievedRPS
	ch <- c.targetRPS
	ch <- c.bytes
	ch <- c.connections
	ch <- c.peakConns
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	r := c.source()

	ch <- prometheus.MustNewConstMetric(c.requests, prometheus.CounterValue, float64(r.Succeeded), "success")
	ch <- prometheus.MustNewConstMetric(c.requests, prometheus.CounterValue, float64(r.Failed), "failure")

	for outcome, n := range r.Failures {
		ch <- prometheus.MustNewConstMetric(c.failures, prometheus.CounterValue, float64(n), outcome)
	}
	for code, n := range r.StatusCodes {
		ch <- prometheus.MustNewConstMetric(c.statusCodes, prometheus.CounterValue, float64(n), fmt.Sprintf("%d", code))
	}

	ch <- prometheus.MustNewConstSummary(c.latency,
		uint64(r.Latency.Count),
		r.Latency.Mean.Seconds()*float64(r.Latency.Count),
		map[float64]float64{
			0.5:  r.Latency.P50.Seconds(),
			0.9:  r.Latency.P90.Seconds(),
			0.95: r.Latency.P95.Seconds(),
			0.99: r.Latency.P99.Seconds(),
		})

	ch <- prometheus.MustNewConstMetric(c.achievedRPS, prometheus.GaugeValue, r.AchievedRPS)
	ch <- prometheus.MustNewConstMetric(c.targetRPS, prometheus.GaugeValue, r.TargetRPS)
	ch <- prometheus.MustNewConstMetric(c.bytes, prometheus.CounterValue, float64(r.BytesReceived))

	ch <- prometheus.MustNewConstMetric(c.connections, prometheus.CounterValue, float64(r.Connections.Opened), "opened")
	ch <- prometheus.MustNewConstMetric(c.connections, prometheus.CounterValue, float64(r.Connections.Closed), "closed")
	ch <- prometheus.MustNewConstMetric(c.connections, prometheus.CounterValue, float64(r.Connections.Reused), "reused")
	ch <- prometheus.MustNewConstMetric(c.connections, prometheus.CounterValue, float64(r.Connections.Discarded), "discarded")
	ch <- prometheus.MustNewConstMetric(c.connections, prometheus.CounterValue, float64(r.Connections.Overflow), "overflow")
	ch <- prometheus.MustNewConstMetric(c.peakConns, prometheus.GaugeValue, float64(r.Connections.Peak))
}

// NewRegistry returns a registry holding a collector over source.
func NewRegistry(source ReportSource) *prometheus.Registry {
	r := prometheus.NewRegistry()
	r.MustRegister(NewCollector(source))
	return r
}

// Server serves /metrics for the lifetime of a run.
type Server struct {
	srv      *http.Server
	listener net.Listener
	logger   zerolog.Logger
	done     chan struct{}
}

// Listen binds addr and starts serving metrics from source.
func Listen(addr string, source ReportSource, logger zerolog.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(NewRegistry(source), promhttp.HandlerOpts{}))

	s := &Server{
		srv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		listener: ln,
		logger:   logger,
		done:     make(chan struct{}),
	}

	go func() {
		defer close(s.done)
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("metrics server failed")
		}
	}()

	logger.Info().Str("addr", ln.Addr().String()).Msg("serving metrics")
	return s, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Shutdown stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.srv.Shutdown(ctx)
	<-s.done
	return err
}
