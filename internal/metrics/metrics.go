// Package metrics defines the prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "predictify"

// Metrics holds every collector the service updates. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	RelayBalance       prometheus.Gauge
	RelayTransactions  *prometheus.CounterVec
	MarketInitializes  *prometheus.CounterVec
	SyncRuns           *prometheus.CounterVec
	InitLocksSwept     prometheus.Counter
	SettlementsApplied *prometheus.CounterVec
	HTTPRequests       *prometheus.CounterVec
	HTTPDuration       *prometheus.HistogramVec
}

// New registers all collectors, plus the Go and process collectors, on a
// fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		RelayBalance: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relay_balance",
			Help:      "Native balance of the relay account in display units.",
		}),
		RelayTransactions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_transactions_total",
			Help:      "Relay transaction submissions by operation and result.",
		}, []string{"op", "result"}),
		MarketInitializes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "market_initialize_total",
			Help:      "Market initialization attempts by result.",
		}, []string{"result"}),
		SyncRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "market_sync_total",
			Help:      "Per-market chain reconciliations by result.",
		}, []string{"result"}),
		InitLocksSwept: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "init_locks_swept_total",
			Help:      "Expired initialization locks removed by the janitor.",
		}),
		SettlementsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlements_total",
			Help:      "Market resolutions by outcome.",
		}, []string{"outcome"}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method and status code.",
		}, []string{"method", "code"}),
		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
	}
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) SetRelayBalance(v float64) {
	if m == nil {
		return
	}
	m.RelayBalance.Set(v)
}

func (m *Metrics) RelayTx(op, result string) {
	if m == nil {
		return
	}
	m.RelayTransactions.WithLabelValues(op, result).Inc()
}

func (m *Metrics) Initialize(result string) {
	if m == nil {
		return
	}
	m.MarketInitializes.WithLabelValues(result).Inc()
}

func (m *Metrics) Sync(result string) {
	if m == nil {
		return
	}
	m.SyncRuns.WithLabelValues(result).Inc()
}

func (m *Metrics) LocksSwept(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.InitLocksSwept.Add(float64(n))
}

func (m *Metrics) Settlement(outcome string) {
	if m == nil {
		return
	}
	m.SettlementsApplied.WithLabelValues(outcome).Inc()
}

func (m *Metrics) HTTPRequest(method, code string, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, code).Inc()
	m.HTTPDuration.WithLabelValues(method).Observe(d.Seconds())
}
