package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/devlink/pkg/remoteerr"
)

// Metrics provides Prometheus metrics for device sessions. All methods are
// safe to call on a nil *Metrics or a disabled instance.
type Metrics struct {
	config MetricsConfig

	// Connection metrics
	connectAttempts *prometheus.CounterVec
	connectDuration *prometheus.HistogramVec
	connected       prometheus.Gauge
	keepAliveMisses prometheus.Counter

	// Operation metrics
	operations        *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec

	// Transfer metrics
	transferBytes *prometheus.CounterVec

	// Channel metrics
	tunnelsOpened *prometheus.CounterVec
	execs         *prometheus.CounterVec

	// Error metrics
	errorsByKind *prometheus.CounterVec

	registry *prometheus.Registry
	server   *http.Server
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		connectAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connect_attempts_total",
				Help:      "Total number of connect attempts by outcome",
			},
			[]string{"outcome"},
		),
		connectDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "connect_duration_seconds",
				Help:      "Duration of connect attempts in seconds",
				Buckets:   buckets,
			},
			[]string{"outcome"},
		),
		connected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "connected",
				Help:      "Whether the device session is connected (1) or idle (0)",
			},
		),
		keepAliveMisses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "keepalive_misses_total",
				Help:      "Total number of unanswered keepalive probes",
			},
		),

		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_total",
				Help:      "Total number of filesystem operations",
			},
			[]string{"op", "status"},
		),
		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Duration of filesystem operations in seconds",
				Buckets:   buckets,
			},
			[]string{"op"},
		),

		transferBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transfer_bytes_total",
				Help:      "Total number of bytes transferred by direction",
			},
			[]string{"direction"},
		),

		tunnelsOpened: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tunnels_opened_total",
				Help:      "Total number of tunnel requests by status",
			},
			[]string{"status"},
		),
		execs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "execs_total",
				Help:      "Total number of command channels by status",
			},
			[]string{"status"},
		),

		errorsByKind: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_kind_total",
				Help:      "Total number of errors by error kind",
			},
			[]string{"kind"},
		),
	}

	registry.MustRegister(
		m.connectAttempts,
		m.connectDuration,
		m.connected,
		m.keepAliveMisses,
		m.operations,
		m.operationDuration,
		m.transferBytes,
		m.tunnelsOpened,
		m.execs,
		m.errorsByKind,
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// status labels an outcome.
func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// Connection Metrics

// RecordConnect records a finished connect attempt.
func (m *Metrics) RecordConnect(duration time.Duration, err error) {
	if !m.enabled() {
		return
	}
	outcome := status(err)
	m.connectAttempts.WithLabelValues(outcome).Inc()
	m.connectDuration.WithLabelValues(outcome).Observe(duration.Seconds())
	m.RecordError(err)
}

// SetConnected sets the connected gauge.
func (m *Metrics) SetConnected(connected bool) {
	if !m.enabled() {
		return
	}
	value := 0.0
	if connected {
		value = 1.0
	}
	m.connected.Set(value)
}

// RecordKeepAliveMiss counts an unanswered keepalive probe.
func (m *Metrics) RecordKeepAliveMiss() {
	if !m.enabled() {
		return
	}
	m.keepAliveMisses.Inc()
}

// Operation Metrics

// RecordOperation records a filesystem operation with its duration.
func (m *Metrics) RecordOperation(op string, duration time.Duration, err error) {
	if !m.enabled() {
		return
	}
	m.operations.WithLabelValues(op, status(err)).Inc()
	m.operationDuration.WithLabelValues(op).Observe(duration.Seconds())
	m.RecordError(err)
}

// RecordTransfer adds transferred bytes for a direction (upload, download).
func (m *Metrics) RecordTransfer(direction string, bytes int64) {
	if !m.enabled() || bytes <= 0 {
		return
	}
	m.transferBytes.WithLabelValues(direction).Add(float64(bytes))
}

// Channel Metrics

// RecordTunnel records a tunnel request.
func (m *Metrics) RecordTunnel(err error) {
	if !m.enabled() {
		return
	}
	m.tunnelsOpened.WithLabelValues(status(err)).Inc()
	m.RecordError(err)
}

// RecordExec records a command channel request.
func (m *Metrics) RecordExec(err error) {
	if !m.enabled() {
		return
	}
	m.execs.WithLabelValues(status(err)).Inc()
	m.RecordError(err)
}

// Error Metrics

// RecordError counts err by its remote error kind. Unclassified errors are
// counted as "other".
func (m *Metrics) RecordError(err error) {
	if !m.enabled() || err == nil {
		return
	}
	kind := string(remoteerr.KindOf(err))
	if kind == "" {
		kind = "other"
	}
	m.errorsByKind.WithLabelValues(kind).Inc()
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer() error {
	if !m.enabled() {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	m.server = &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			// Log error but don't fail the application
			log.Error().Err(err).Str("address", m.config.ListenAddress).Msg("metrics server error")
		}
	}()

	return nil
}

// Shutdown stops the metrics server if it was started.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil || m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}
