package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for AutoForge. When disabled it
// is a no-op so call sites never need to guard.
type Metrics struct {
	config MetricsConfig

	// Build metrics
	buildsStarted   *prometheus.CounterVec
	buildsCompleted *prometheus.CounterVec
	buildDuration   *prometheus.HistogramVec

	// Task metrics
	tasksExecuted *prometheus.CounterVec
	taskAttempts  *prometheus.HistogramVec

	// Stage metrics
	stageRuns     *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec

	// Oracle metrics
	oracleCalls  *prometheus.CounterVec
	oracleErrors *prometheus.CounterVec
	oracleTokens *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	// System metrics
	activeBuilds prometheus.Gauge
	backlogDepth *prometheus.GaugeVec

	registry *prometheus.Registry
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

		buildsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "builds_started_total",
				Help:      "Total number of builds started",
			},
			[]string{"mode"},
		),
		buildsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "builds_completed_total",
				Help:      "Total number of builds reaching a terminal phase",
			},
			[]string{"phase"},
		),
		buildDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "build_duration_seconds",
				Help:      "End-to-end build duration in seconds",
				Buckets:   buckets,
			},
			[]string{"phase"},
		),

		tasksExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_executed_total",
				Help:      "Total number of task attempts by outcome",
			},
			[]string{"kind", "outcome"},
		),
		taskAttempts: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_attempts",
				Help:      "Attempts consumed per finished task",
				Buckets:   []float64{1, 2, 3, 4, 5, 7, 10},
			},
			[]string{"kind"},
		),

		stageRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stage_runs_total",
				Help:      "Total number of stage executions",
			},
			[]string{"stage", "status"},
		),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Duration of stage executions in seconds",
				Buckets:   buckets,
			},
			[]string{"stage"},
		),

		oracleCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "oracle_calls_total",
				Help:      "Total number of synthesis oracle invocations",
			},
			[]string{"stage"},
		),
		oracleErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "oracle_errors_total",
				Help:      "Total number of oracle failures by kind",
			},
			[]string{"stage", "kind"},
		),
		oracleTokens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "oracle_tokens_total",
				Help:      "Total oracle tokens by direction",
			},
			[]string{"direction"},
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

		activeBuilds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_builds",
				Help:      "Current number of builds in flight",
			},
		),
		backlogDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "backlog_depth",
				Help:      "Current number of backlog tasks by status",
			},
			[]string{"status"},
		),
	}

	registry.MustRegister(
		m.buildsStarted,
		m.buildsCompleted,
		m.buildDuration,
		m.tasksExecuted,
		m.taskAttempts,
		m.stageRuns,
		m.stageDuration,
		m.oracleCalls,
		m.oracleErrors,
		m.oracleTokens,
		m.errorsByClass,
		m.errorsByCode,
		m.activeBuilds,
		m.backlogDepth,
	)

	return m, nil
}

// RecordBuildStarted increments the counter for started builds.
// Mode is "start" or "resume".
func (m *Metrics) RecordBuildStarted(mode string) {
	if m.buildsStarted == nil {
		return
	}
	m.buildsStarted.WithLabelValues(mode).Inc()
	m.activeBuilds.Inc()
}

// RecordBuildCompleted records a build reaching a terminal phase.
func (m *Metrics) RecordBuildCompleted(phase string, duration time.Duration) {
	if m.buildsCompleted == nil {
		return
	}
	m.buildsCompleted.WithLabelValues(phase).Inc()
	m.buildDuration.WithLabelValues(phase).Observe(duration.Seconds())
	m.activeBuilds.Dec()
}

// RecordTaskAttempt records one task execution attempt.
func (m *Metrics) RecordTaskAttempt(kind, outcome string) {
	if m.tasksExecuted == nil {
		return
	}
	m.tasksExecuted.WithLabelValues(kind, outcome).Inc()
}

// RecordTaskFinished records how many attempts a finished task consumed.
func (m *Metrics) RecordTaskFinished(kind string, attempts int) {
	if m.taskAttempts == nil {
		return
	}
	m.taskAttempts.WithLabelValues(kind).Observe(float64(attempts))
}

// RecordStageRun records a stage execution with its duration.
func (m *Metrics) RecordStageRun(stage, status string, duration time.Duration) {
	if m.stageRuns == nil {
		return
	}
	m.stageRuns.WithLabelValues(stage, status).Inc()
	m.stageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// RecordOracleCall records a successful oracle invocation and its
// token usage.
func (m *Metrics) RecordOracleCall(stage string, inputTokens, outputTokens int) {
	if m.oracleCalls == nil {
		return
	}
	m.oracleCalls.WithLabelValues(stage).Inc()
	m.oracleTokens.WithLabelValues("input").Add(float64(inputTokens))
	m.oracleTokens.WithLabelValues("output").Add(float64(outputTokens))
}

// RecordOracleError records an oracle failure by kind.
func (m *Metrics) RecordOracleError(stage, kind string) {
	if m.oracleErrors == nil {
		return
	}
	m.oracleErrors.WithLabelValues(stage, kind).Inc()
}

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" && m.errorsByCode != nil {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// SetBacklogDepth sets the current backlog size for a task status.
func (m *Metrics) SetBacklogDepth(status string, count float64) {
	if m.backlogDepth == nil {
		return
	}
	m.backlogDepth.WithLabelValues(status).Set(count)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer(logger *Logger) error {
	if !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("metrics server stopped")
		}
	}()

	return nil
}
