// ABOUTME: Prometheus metrics for sessions, tool calls, the resource pool and OAuth exchanges
// ABOUTME: All recording methods are safe to call on a nil *Metrics

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels for tool calls.
const (
	OutcomeOK        = "ok"
	OutcomeToolError = "tool_error"
	OutcomeDenied    = "denied"
	OutcomePoolError = "pool_error"
)

// Metrics holds all Prometheus collectors for tablegate.
type Metrics struct {
	registry *prometheus.Registry

	SessionsActive  prometheus.Gauge
	SessionsTotal   *prometheus.CounterVec
	SessionCleanups *prometheus.CounterVec

	ToolCalls    *prometheus.CounterVec
	ToolDuration *prometheus.HistogramVec

	PoolOpens  *prometheus.CounterVec
	PoolCloses prometheus.Counter

	AuthExchanges *prometheus.CounterVec
}

// New creates a Metrics instance on its own registry, including Go runtime
// and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := NewMetrics(reg)
	m.registry = reg
	return m
}

// NewMetrics registers all collectors with the given registerer.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	factory := promauto.With(registry)

	return &Metrics{
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tablegate_sessions_active",
			Help: "Number of live session agents",
		}),
		SessionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tablegate_sessions_total",
				Help: "Total number of sessions created, by transport",
			},
			[]string{"transport"},
		),
		SessionCleanups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tablegate_session_cleanups_total",
				Help: "Total number of session cleanups, by trigger",
			},
			[]string{"trigger"},
		),
		ToolCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tablegate_tool_calls_total",
				Help: "Total number of tool invocations",
			},
			[]string{"tool", "outcome"},
		),
		ToolDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tablegate_tool_call_duration_seconds",
				Help:    "Tool invocation latency in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"tool"},
		),
		PoolOpens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tablegate_pool_opens_total",
				Help: "Total number of connection pool open attempts",
			},
			[]string{"result"},
		),
		PoolCloses: factory.NewCounter(prometheus.CounterOpts{
			Name: "tablegate_pool_closes_total",
			Help: "Total number of connection pools closed",
		}),
		AuthExchanges: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tablegate_auth_exchanges_total",
				Help: "Total number of OAuth callback exchanges, by result",
			},
			[]string{"result"},
		),
	}
}

// Handler serves the metrics registry. Returns 404 for a nil receiver.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SessionOpened records a new session on the given transport.
func (m *Metrics) SessionOpened(transport string) {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
	m.SessionsTotal.WithLabelValues(transport).Inc()
}

// SessionClosed records a session reaching the closed state.
func (m *Metrics) SessionClosed(trigger string) {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
	m.SessionCleanups.WithLabelValues(trigger).Inc()
}

// ToolCall records one tool invocation.
func (m *Metrics) ToolCall(tool, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ToolCalls.WithLabelValues(tool, outcome).Inc()
	m.ToolDuration.WithLabelValues(tool).Observe(d.Seconds())
}

// PoolOpened records a pool open attempt.
func (m *Metrics) PoolOpened(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.PoolOpens.WithLabelValues(result).Inc()
}

// PoolClosed records a pool being closed.
func (m *Metrics) PoolClosed() {
	if m == nil {
		return
	}
	m.PoolCloses.Inc()
}

// AuthExchange records the result of an OAuth callback.
func (m *Metrics) AuthExchange(result string) {
	if m == nil {
		return
	}
	m.AuthExchanges.WithLabelValues(result).Inc()
}
