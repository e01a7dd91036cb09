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
)

// Metrics provides Prometheus metrics for meta-simulation experiments.
// A zero or disabled Metrics is a valid no-op collector.
type Metrics struct {
	config MetricsConfig

	// Experiment metrics
	experimentsStarted   *prometheus.CounterVec
	experimentsCompleted *prometheus.CounterVec
	experimentDuration   *prometheus.HistogramVec

	// Run and batch metrics
	runsCompleted   *prometheus.CounterVec
	runDuration     *prometheus.HistogramVec
	batchesExecuted *prometheus.CounterVec
	batchDuration   *prometheus.HistogramVec

	// Distributed backend metrics
	resultFilesRead *prometheus.CounterVec
	workerExits     *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	// System metrics
	activeExperiments prometheus.Gauge
	pendingRuns       prometheus.Gauge

	registry *prometheus.Registry
	server   *http.Server
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
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

		experimentsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "experiments_started_total",
				Help:      "Total number of experiments started",
			},
			[]string{"backend"},
		),
		experimentsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "experiments_completed_total",
				Help:      "Total number of experiments completed",
			},
			[]string{"status"},
		),
		experimentDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "experiment_duration_seconds",
				Help:      "Duration of experiments in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),

		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of simulation runs completed",
			},
			[]string{"backend", "status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of one in-process simulation run in seconds",
				Buckets:   buckets,
			},
			[]string{"backend"},
		),
		batchesExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batches_executed_total",
				Help:      "Total number of run batches dispatched",
			},
			[]string{"backend", "status"},
		),
		batchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "batch_duration_seconds",
				Help:      "Duration of batch dispatch in seconds",
				Buckets:   buckets,
			},
			[]string{"backend"},
		),

		resultFilesRead: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "result_files_read_total",
				Help:      "Total number of per-run result files read",
			},
			[]string{"format"},
		),
		workerExits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "worker_exits_total",
				Help:      "Total number of spawned worker exits by outcome",
			},
			[]string{"outcome"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),

		activeExperiments: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_experiments",
				Help:      "Current number of running experiments",
			},
		),
		pendingRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pending_runs",
				Help:      "Runs of the current experiments not yet consumed",
			},
		),
	}

	registry.MustRegister(
		m.experimentsStarted,
		m.experimentsCompleted,
		m.experimentDuration,
		m.runsCompleted,
		m.runDuration,
		m.batchesExecuted,
		m.batchDuration,
		m.resultFilesRead,
		m.workerExits,
		m.errorsByClass,
		m.errorsByCode,
		m.activeExperiments,
		m.pendingRuns,
	)

	return m, nil
}

// Experiment Metrics

// RecordExperimentStarted increments the counter for started experiments.
func (m *Metrics) RecordExperimentStarted(backend string, nbRuns int) {
	if m == nil || m.experimentsStarted == nil {
		return
	}
	m.experimentsStarted.WithLabelValues(backend).Inc()
	m.activeExperiments.Inc()
	m.pendingRuns.Add(float64(nbRuns))
}

// RecordExperimentCompleted records a finished experiment with its status and duration.
// remaining is the number of runs that were never consumed.
func (m *Metrics) RecordExperimentCompleted(status string, duration time.Duration, remaining int) {
	if m == nil || m.experimentsCompleted == nil {
		return
	}
	m.experimentsCompleted.WithLabelValues(status).Inc()
	m.experimentDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activeExperiments.Dec()
	m.pendingRuns.Sub(float64(remaining))
}

// Run Metrics

// RecordRun records one simulation run.
func (m *Metrics) RecordRun(backend, status string, duration time.Duration) {
	if m == nil || m.runsCompleted == nil {
		return
	}
	m.runsCompleted.WithLabelValues(backend, status).Inc()
	if duration > 0 {
		m.runDuration.WithLabelValues(backend).Observe(duration.Seconds())
	}
}

// RecordRunConsumed decrements the pending run gauge.
func (m *Metrics) RecordRunConsumed() {
	if m == nil || m.pendingRuns == nil {
		return
	}
	m.pendingRuns.Dec()
}

// RecordBatch records one dispatched batch.
func (m *Metrics) RecordBatch(backend, status string, duration time.Duration) {
	if m == nil || m.batchesExecuted == nil {
		return
	}
	m.batchesExecuted.WithLabelValues(backend, status).Inc()
	m.batchDuration.WithLabelValues(backend).Observe(duration.Seconds())
}

// Distributed Metrics

// RecordResultFileRead records one result file read back from disk.
func (m *Metrics) RecordResultFileRead(format string) {
	if m == nil || m.resultFilesRead == nil {
		return
	}
	m.resultFilesRead.WithLabelValues(format).Inc()
}

// RecordWorkerExit records how a spawned worker ended (success, failure, killed).
func (m *Metrics) RecordWorkerExit(outcome string) {
	if m == nil || m.workerExits == nil {
		return
	}
	m.workerExits.WithLabelValues(outcome).Inc()
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m == nil || m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" && m.errorsByCode != nil {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// Registry returns the metrics registry, nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Timer provides a convenient way to time operations.
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
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer binds the metrics endpoint and serves it in the
// background until ShutdownServer. Bind errors are returned.
func (m *Metrics) StartMetricsServer() error {
	if m == nil || !m.config.Enabled {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	ln, err := net.Listen("tcp", m.config.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", m.config.ListenAddress, err)
	}
	m.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func(srv *http.Server) {
		_ = srv.Serve(ln)
	}(m.server)
	return nil
}

// ShutdownServer stops the endpoint started by StartMetricsServer.
func (m *Metrics) ShutdownServer(ctx context.Context) error {
	if m == nil || m.server == nil {
		return nil
	}
	err := m.server.Shutdown(ctx)
	m.server = nil
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
