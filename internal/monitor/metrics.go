package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the playground.
type Metrics struct {
	Registry *prometheus.Registry

	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	ExecutionErrors   *prometheus.CounterVec
	ActiveExecutions  prometheus.Gauge
	SuspiciousCode    *prometheus.CounterVec
	ActiveSessions    prometheus.Gauge
	RuntimeLoads      *prometheus.CounterVec
	RuntimePoolSize   prometheus.Gauge
	HistoryWrites     *prometheus.CounterVec
	RequestsInFlight  prometheus.Gauge
	CodeSizeBytes     prometheus.Histogram
	OutputSizeBytes   prometheus.Histogram
}

// NewMetrics creates and registers all Prometheus metrics using a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		ExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "playground",
				Name:      "executions_total",
				Help:      "Total number of completed executions by mode and outcome.",
			},
			[]string{"mode", "status"},
		),

		ExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "playground",
				Name:      "execution_duration_seconds",
				Help:      "Duration of executions in seconds.",
				Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"mode"},
		),

		ExecutionErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "playground",
				Name:      "execution_errors_total",
				Help:      "Submissions that did not produce a result, by type.",
			},
			[]string{"type"},
		),

		ActiveExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "playground",
				Name:      "active_executions",
				Help:      "Number of executions currently in flight.",
			},
		),

		SuspiciousCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "playground",
				Name:      "suspicious_code_total",
				Help:      "Submitted scripts matching a suspicious pattern.",
			},
			[]string{"pattern"},
		),

		ActiveSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "playground",
				Name:      "active_sessions",
				Help:      "Number of editor sessions holding a dispatcher.",
			},
		),

		RuntimeLoads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "playground",
				Name:      "runtime_loads_total",
				Help:      "In-process runtime loads by result.",
			},
			[]string{"result"},
		),

		RuntimePoolSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "playground",
				Name:      "runtime_pool_size",
				Help:      "Number of pre-loaded runtimes waiting for a session.",
			},
		),

		HistoryWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "playground",
				Name:      "history_writes_total",
				Help:      "History appends by status.",
			},
			[]string{"status"},
		),

		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "playground",
				Subsystem: "api",
				Name:      "requests_in_flight",
				Help:      "Number of HTTP requests currently being processed.",
			},
		),

		CodeSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "playground",
				Name:      "code_size_bytes",
				Help:      "Size of submitted code in bytes.",
				Buckets:   prometheus.ExponentialBuckets(16, 4, 8),
			},
		),

		OutputSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "playground",
				Name:      "output_size_bytes",
				Help:      "Size of execution transcripts in bytes.",
				Buckets:   prometheus.ExponentialBuckets(10, 4, 8),
			},
		),
	}

	reg.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.ExecutionErrors,
		m.ActiveExecutions,
		m.SuspiciousCode,
		m.ActiveSessions,
		m.RuntimeLoads,
		m.RuntimePoolSize,
		m.HistoryWrites,
		m.RequestsInFlight,
		m.CodeSizeBytes,
		m.OutputSizeBytes,
	)

	return m
}

// RecordExecution records metrics for a completed execution.
func (m *Metrics) RecordExecution(mode, status string, durationSec float64, codeBytes, outputBytes int) {
	m.ExecutionsTotal.WithLabelValues(mode, status).Inc()
	m.ExecutionDuration.WithLabelValues(mode).Observe(durationSec)
	m.CodeSizeBytes.Observe(float64(codeBytes))
	m.OutputSizeBytes.Observe(float64(outputBytes))
}

// RecordError records a submission that ended without a result.
func (m *Metrics) RecordError(errType string) {
	m.ExecutionErrors.WithLabelValues(errType).Inc()
}

func (m *Metrics) RecordDetection(pattern string) {
	m.SuspiciousCode.WithLabelValues(pattern).Inc()
}

func (m *Metrics) RecordHistoryWrite(status string) {
	m.HistoryWrites.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordRuntimeLoad(result string) {
	m.RuntimeLoads.WithLabelValues(result).Inc()
}
