package config

import (
	"time"

	"github.com/autoforge/autoforge/pkg/engine"
	"github.com/autoforge/autoforge/pkg/telemetry"
)

// Config is the full AutoForge configuration, loaded from a YAML file
// with environment overrides.
type Config struct {
	// Workspace is the directory the engine builds the project in.
	Workspace string `yaml:"workspace" validate:"required"`

	// StateDB is the SQLite progress database path.
	StateDB string `yaml:"state_db" validate:"required"`

	// Oracle configures the synthesis oracle client.
	Oracle OracleConfig `yaml:"oracle"`

	// Harness configures the test harness command.
	Harness HarnessConfig `yaml:"harness"`

	// Build configures the iterative development loop.
	Build BuildConfig `yaml:"build"`

	// Telemetry configures logging, metrics, and tracing.
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// OracleConfig configures the synthesis oracle HTTP client.
type OracleConfig struct {
	// BaseURL is the API base URL.
	BaseURL string `yaml:"base_url"`

	// APIKeyEnv names the environment variable holding the API key.
	// The key itself never appears in configuration files.
	APIKeyEnv string `yaml:"api_key_env"`

	// Model is the model identifier to request.
	Model string `yaml:"model"`

	// MaxTokens bounds generated output per invocation.
	MaxTokens int `yaml:"max_tokens" validate:"omitempty,gt=0"`

	// Timeout is the per-request HTTP timeout.
	Timeout time.Duration `yaml:"timeout"`
}

// HarnessConfig configures the test harness.
type HarnessConfig struct {
	// Command is the test command run inside the workspace.
	Command []string `yaml:"command" validate:"required,min=1"`

	// Timeout bounds one harness run.
	Timeout time.Duration `yaml:"timeout"`
}

// BuildConfig configures the build loop. Mirrors engine.Options.
type BuildConfig struct {
	// MaxIterations is the debug sub-loop ceiling per task.
	MaxIterations int `yaml:"max_iterations" validate:"gt=0"`

	// AutoFixErrors enables the diagnose/patch path.
	AutoFixErrors bool `yaml:"auto_fix_errors"`

	// AutoTest runs the test harness after each execution.
	AutoTest bool `yaml:"auto_test"`

	// AutoOptimize enables the optimization phase.
	AutoOptimize bool `yaml:"auto_optimize"`

	// ResearchEnabled enables the pre-generation research stage.
	ResearchEnabled bool `yaml:"research_enabled"`

	// MaxContextBytes is the stage request size ceiling.
	MaxContextBytes int `yaml:"max_context_bytes" validate:"gt=0"`

	// StageTimeout bounds each stage invocation.
	StageTimeout time.Duration `yaml:"stage_timeout"`

	// MaxRetries is the infrastructure retry ceiling per stage.
	MaxRetries int `yaml:"max_retries" validate:"gte=0"`

	// RetryBaseDelay is the first infrastructure retry delay.
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`

	// RetryMaxDelay caps the exponential retry growth.
	RetryMaxDelay time.Duration `yaml:"retry_max_delay"`
}

// TelemetryConfig configures observability.
type TelemetryConfig struct {
	// LogLevel sets the minimum log level.
	LogLevel string `yaml:"log_level" validate:"omitempty,oneof=trace debug info warn error fatal"`

	// LogFormat selects console or json output.
	LogFormat string `yaml:"log_format" validate:"omitempty,oneof=console json"`

	// MetricsEnabled exposes Prometheus metrics over HTTP.
	MetricsEnabled bool `yaml:"metrics_enabled"`

	// MetricsListen is the metrics endpoint address.
	MetricsListen string `yaml:"metrics_listen"`

	// TracingEnabled turns on stage and build spans.
	TracingEnabled bool `yaml:"tracing_enabled"`

	// TraceExporter selects the span exporter (stdout, none).
	TraceExporter string `yaml:"trace_exporter" validate:"omitempty,oneof=stdout none"`
}

// EngineOptions converts the build section to engine options.
func (c *Config) EngineOptions() engine.Options {
	return engine.Options{
		MaxIterations:   c.Build.MaxIterations,
		AutoFixErrors:   c.Build.AutoFixErrors,
		AutoTest:        c.Build.AutoTest,
		AutoOptimize:    c.Build.AutoOptimize,
		ResearchEnabled: c.Build.ResearchEnabled,
		MaxContextBytes: c.Build.MaxContextBytes,
		StageTimeout:    c.Build.StageTimeout,
		Backoff: engine.BackoffPolicy{
			MaxRetries: c.Build.MaxRetries,
			BaseDelay:  c.Build.RetryBaseDelay,
			MaxDelay:   c.Build.RetryMaxDelay,
		},
	}
}

// TelemetrySettings converts the telemetry section to the telemetry
// package's configuration.
func (c *Config) TelemetrySettings(version string) *telemetry.Config {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = version
	if c.Telemetry.LogLevel != "" {
		cfg.Logging.Level = c.Telemetry.LogLevel
	}
	if c.Telemetry.LogFormat != "" {
		cfg.Logging.Format = c.Telemetry.LogFormat
	}
	cfg.Metrics.Enabled = c.Telemetry.MetricsEnabled
	if c.Telemetry.MetricsListen != "" {
		cfg.Metrics.ListenAddress = c.Telemetry.MetricsListen
	}
	cfg.Tracing.Enabled = c.Telemetry.TracingEnabled
	if c.Telemetry.TraceExporter != "" {
		cfg.Tracing.Exporter = c.Telemetry.TraceExporter
	}
	return cfg
}

// Default returns the built-in configuration. Paths are relative to the
// current directory; the CLI resolves them before use.
func Default() *Config {
	opts := engine.DefaultOptions()
	return &Config{
		Workspace: ".",
		StateDB:   ".autoforge/progress.db",
		Oracle: OracleConfig{
			APIKeyEnv: "AUTOFORGE_API_KEY",
			Timeout:   2 * time.Minute,
		},
		Harness: HarnessConfig{
			Command: []string{"go", "test", "./..."},
			Timeout: 10 * time.Minute,
		},
		Build: BuildConfig{
			MaxIterations:   opts.MaxIterations,
			AutoFixErrors:   opts.AutoFixErrors,
			AutoTest:        opts.AutoTest,
			AutoOptimize:    opts.AutoOptimize,
			ResearchEnabled: opts.ResearchEnabled,
			MaxContextBytes: opts.MaxContextBytes,
			StageTimeout:    opts.StageTimeout,
			MaxRetries:      opts.Backoff.MaxRetries,
			RetryBaseDelay:  opts.Backoff.BaseDelay,
			RetryMaxDelay:   opts.Backoff.MaxDelay,
		},
		Telemetry: TelemetryConfig{
			LogLevel:  "info",
			LogFormat: "console",
		},
	}
}
