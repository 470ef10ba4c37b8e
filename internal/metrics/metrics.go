package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the analysis and gateway Prometheus metrics.
// Scheduler metrics live in the default registry (see internal/observability);
// Handler serves both.
type Metrics struct {
	registry *prometheus.Registry

	// Analysis metrics
	AnalysesTotal      *prometheus.CounterVec
	AnalysisDuration   prometheus.Histogram
	FilesAnalyzedTotal prometheus.Counter
	FileFailuresTotal  *prometheus.CounterVec
	IssuesTotal        *prometheus.CounterVec
	ModulesRegistered  prometheus.Gauge

	// Gateway metrics
	RPCRequestsTotal *prometheus.CounterVec
	RPCDuration      *prometheus.HistogramVec
	ClientsConnected prometheus.Gauge
	AuthFailures     prometheus.Counter
	RateLimited      prometheus.Counter
}

// NewMetrics creates and registers all metrics
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		AnalysesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lintd_analyses_total",
				Help: "Total number of analyses by terminal status",
			},
			[]string{"status"},
		),
		AnalysisDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "lintd_analysis_duration_seconds",
				Help:    "Duration of analyses in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		FilesAnalyzedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "lintd_files_analyzed_total",
				Help: "Total number of files analyzed",
			},
		),
		FileFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lintd_file_failures_total",
				Help: "Total number of per-file analyzer failures",
			},
			[]string{"analyzer"},
		),
		IssuesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lintd_issues_total",
				Help: "Total number of issues reported by rule",
			},
			[]string{"rule"},
		),
		ModulesRegistered: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "lintd_modules_registered",
				Help: "Number of client modules currently registered",
			},
		),

		RPCRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lintd_gateway_requests_total",
				Help: "Total number of gateway RPC requests",
			},
			[]string{"method", "status"},
		),
		RPCDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lintd_gateway_request_duration_seconds",
				Help:    "Duration of gateway RPC requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		ClientsConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "lintd_gateway_clients_connected",
				Help: "Number of connected editor clients",
			},
		),
		AuthFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "lintd_gateway_auth_failures_total",
				Help: "Total number of failed client authentications",
			},
		),
		RateLimited: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "lintd_gateway_rate_limited_total",
				Help: "Total number of requests rejected by the rate limiter",
			},
		),
	}

	m.registerMetrics()

	return m
}

// registerMetrics registers all metrics with the registry
func (m *Metrics) registerMetrics() {
	m.registry.MustRegister(
		m.AnalysesTotal,
		m.AnalysisDuration,
		m.FilesAnalyzedTotal,
		m.FileFailuresTotal,
		m.IssuesTotal,
		m.ModulesRegistered,
	)

	m.registry.MustRegister(
		m.RPCRequestsTotal,
		m.RPCDuration,
		m.ClientsConnected,
		m.AuthFailures,
		m.RateLimited,
	)
}

// The Record helpers are nil-safe so components can run without metrics.

// RecordAnalysis records a finished analysis
func (m *Metrics) RecordAnalysis(status string, duration time.Duration, filesAnalyzed int) {
	if m == nil {
		return
	}
	m.AnalysesTotal.WithLabelValues(status).Inc()
	if duration > 0 {
		m.AnalysisDuration.Observe(duration.Seconds())
	}
	m.FilesAnalyzedTotal.Add(float64(filesAnalyzed))
}

// RecordIssue counts one reported issue
func (m *Metrics) RecordIssue(ruleKey string) {
	if m == nil {
		return
	}
	m.IssuesTotal.WithLabelValues(ruleKey).Inc()
}

// RecordFileFailure counts an analyzer failing on a single file
func (m *Metrics) RecordFileFailure(analyzer string) {
	if m == nil {
		return
	}
	m.FileFailuresTotal.WithLabelValues(analyzer).Inc()
}

// SetModulesRegistered updates the registered module gauge
func (m *Metrics) SetModulesRegistered(n int) {
	if m == nil {
		return
	}
	m.ModulesRegistered.Set(float64(n))
}

// RecordRPC records a gateway request
func (m *Metrics) RecordRPC(method, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RPCRequestsTotal.WithLabelValues(method, status).Inc()
	m.RPCDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// ClientConnected increments the connected clients gauge
func (m *Metrics) ClientConnected() {
	if m == nil {
		return
	}
	m.ClientsConnected.Inc()
}

// ClientDisconnected decrements the connected clients gauge
func (m *Metrics) ClientDisconnected() {
	if m == nil {
		return
	}
	m.ClientsConnected.Dec()
}

// RecordAuthFailure counts a failed authentication
func (m *Metrics) RecordAuthFailure() {
	if m == nil {
		return
	}
	m.AuthFailures.Inc()
}

// RecordRateLimited counts a rate limited request
func (m *Metrics) RecordRateLimited() {
	if m == nil {
		return
	}
	m.RateLimited.Inc()
}

// Handler returns an HTTP handler serving these metrics and the default registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(
		prometheus.Gatherers{m.registry, prometheus.DefaultGatherer},
		promhttp.HandlerOpts{EnableOpenMetrics: true},
	)
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
