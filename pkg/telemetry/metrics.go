package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for kiln. A disabled instance accepts
// every call and records nothing.
type Metrics struct {
	config MetricsConfig

	// Operation metrics
	operationsStarted   *prometheus.CounterVec
	operationsCompleted *prometheus.CounterVec
	operationDuration   *prometheus.HistogramVec

	// Per-extension metrics
	extensionOutcomes *prometheus.CounterVec
	stepDuration      *prometheus.HistogramVec

	// Distribution metrics
	fetches      *prometheus.CounterVec
	fetchedBytes prometheus.Counter
	fetchRetries prometheus.Counter

	// Ledger metrics
	ledgerEvents *prometheus.CounterVec

	errorsByClass *prometheus.CounterVec

	activeInstalls prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a metrics collector with its own registry.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DurationBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		operationsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_started_total",
				Help:      "Profile operations started",
			},
			[]string{"operation"},
		),
		operationsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_completed_total",
				Help:      "Profile operations completed",
			},
			[]string{"operation", "status"},
		),
		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Duration of profile operations in seconds",
				Buckets:   buckets,
			},
			[]string{"operation"},
		),

		extensionOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "extension_outcomes_total",
				Help:      "Per-extension outcomes",
			},
			[]string{"target", "outcome"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_duration_seconds",
				Help:      "Duration of install, validate and remove steps in seconds",
				Buckets:   buckets,
			},
			[]string{"step", "status"},
		),

		fetches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "artifact_fetches_total",
				Help:      "Artifact fetches by result (hit, miss, virtual, error)",
			},
			[]string{"result"},
		),
		fetchedBytes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "artifact_bytes_total",
				Help:      "Bytes downloaded into the artifact cache",
			},
		),
		fetchRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "artifact_fetch_retries_total",
				Help:      "Retried artifact download attempts",
			},
		),

		ledgerEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ledger_events_total",
				Help:      "Lifecycle events appended to the ledger",
			},
			[]string{"phase"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Errors by class and code",
			},
			[]string{"class", "code"},
		),

		activeInstalls: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_steps",
				Help:      "Extensions currently being processed",
			},
		),
	}

	registry.MustRegister(
		m.operationsStarted,
		m.operationsCompleted,
		m.operationDuration,
		m.extensionOutcomes,
		m.stepDuration,
		m.fetches,
		m.fetchedBytes,
		m.fetchRetries,
		m.ledgerEvents,
		m.errorsByClass,
		m.activeInstalls,
	)

	return m, nil
}

// Enabled reports whether metrics are being collected.
func (m *Metrics) Enabled() bool {
	return m != nil && m.registry != nil
}

// Registry returns the private registry, or nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordOperationStarted counts a started install or uninstall.
func (m *Metrics) RecordOperationStarted(operation string) {
	if !m.Enabled() {
		return
	}
	m.operationsStarted.WithLabelValues(operation).Inc()
}

// RecordOperationCompleted records a finished operation.
func (m *Metrics) RecordOperationCompleted(operation, status string, duration time.Duration) {
	if !m.Enabled() {
		return
	}
	m.operationsCompleted.WithLabelValues(operation, status).Inc()
	m.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordOutcome counts a per-extension outcome.
func (m *Metrics) RecordOutcome(target, outcome string) {
	if !m.Enabled() {
		return
	}
	m.extensionOutcomes.WithLabelValues(target, outcome).Inc()
}

// RecordStep records an executor step.
func (m *Metrics) RecordStep(step, status string, duration time.Duration) {
	if !m.Enabled() {
		return
	}
	m.stepDuration.WithLabelValues(step, status).Observe(duration.Seconds())
}

// RecordFetch counts an artifact fetch and the bytes it downloaded.
func (m *Metrics) RecordFetch(result string, bytes int64) {
	if !m.Enabled() {
		return
	}
	m.fetches.WithLabelValues(result).Inc()
	if bytes > 0 {
		m.fetchedBytes.Add(float64(bytes))
	}
}

// RecordFetchRetry counts a retried download attempt.
func (m *Metrics) RecordFetchRetry() {
	if !m.Enabled() {
		return
	}
	m.fetchRetries.Inc()
}

// RecordLedgerEvent counts an appended lifecycle event.
func (m *Metrics) RecordLedgerEvent(phase string) {
	if !m.Enabled() {
		return
	}
	m.ledgerEvents.WithLabelValues(phase).Inc()
}

// RecordError records an error by class and code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if !m.Enabled() {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass, errorCode).Inc()
}

// StepStarted increments the active step gauge; the returned func decrements it.
func (m *Metrics) StepStarted() func() {
	if !m.Enabled() {
		return func() {}
	}
	m.activeInstalls.Inc()
	return m.activeInstalls.Dec
}

// Timer measures elapsed time.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.Enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Serve exposes metrics over HTTP until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context) error {
	if !m.Enabled() {
		return errors.New("metrics are disabled")
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
