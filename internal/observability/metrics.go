package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec
	toolErrorsTotal       *prometheus.CounterVec

	activeSessions    prometheus.Gauge
	sessionsTotal     prometheus.Counter
	handshakeDuration prometheus.Histogram
	handshakeFailures *prometheus.CounterVec

	capabilityCount     prometheus.Gauge
	readinessDegraded   prometheus.Counter
	initToolsSkipped    *prometheus.CounterVec
	contextRebuildTotal prometheus.Counter
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_execution_total",
					Help: "Total tool executions by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "tool_execution_duration_seconds",
					Help:    "Tool execution duration in seconds by tool.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			toolErrorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_errors_total",
					Help: "Total tool execution errors by tool.",
				},
				[]string{"tool"},
			),
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "active_sessions",
					Help: "Current active streaming session count.",
				},
			),
			sessionsTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "sessions_total",
					Help: "Total streaming sessions created.",
				},
			),
			handshakeDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "session_handshake_duration_seconds",
					Help:    "Session handshake duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			handshakeFailures: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "session_handshake_failures_total",
					Help: "Total handshake step failures by step.",
				},
				[]string{"step"},
			),
			capabilityCount: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "capabilities_registered",
					Help: "Current registered capability count.",
				},
			),
			readinessDegraded: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "capability_readiness_degraded_total",
					Help: "Readiness waits that exhausted their attempt budget.",
				},
			),
			initToolsSkipped: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "init_tools_skipped_total",
					Help: "Initialization tool batches skipped by reason.",
				},
				[]string{"reason"},
			),
			contextRebuildTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "execution_context_rebuilds_total",
					Help: "Total execution context rebuilds.",
				},
			),
		}

		prometheus.MustRegister(
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.toolErrorsTotal,
			m.activeSessions,
			m.sessionsTotal,
			m.handshakeDuration,
			m.handshakeFailures,
			m.capabilityCount,
			m.readinessDegraded,
			m.initToolsSkipped,
			m.contextRebuildTotal,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordToolExecution(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "success"
	if !success {
		status = "error"
		m.toolErrorsTotal.WithLabelValues(tool).Inc()
	}
	m.toolExecutionTotal.WithLabelValues(tool, status).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

func SetActiveSessions(count int) {
	getMetrics().activeSessions.Set(float64(count))
}

func RecordSessionCreated() {
	getMetrics().sessionsTotal.Inc()
}

func RecordHandshakeDuration(duration time.Duration) {
	getMetrics().handshakeDuration.Observe(duration.Seconds())
}

func RecordHandshakeFailure(step string) {
	getMetrics().handshakeFailures.WithLabelValues(step).Inc()
}

func SetCapabilityCount(count int) {
	getMetrics().capabilityCount.Set(float64(count))
}

func RecordReadinessDegraded() {
	getMetrics().readinessDegraded.Inc()
}

func RecordInitToolsSkipped(reason string) {
	getMetrics().initToolsSkipped.WithLabelValues(reason).Inc()
}

func RecordContextRebuild() {
	getMetrics().contextRebuildTotal.Inc()
}
