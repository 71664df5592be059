package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "autoforge.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Writing config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if cfg.Workspace != "." {
		t.Errorf("Expected workspace '.', got %q", cfg.Workspace)
	}
	if cfg.StateDB != ".autoforge/progress.db" {
		t.Errorf("Unexpected state DB path: %q", cfg.StateDB)
	}
	if len(cfg.Harness.Command) == 0 || cfg.Harness.Command[0] != "go" {
		t.Errorf("Unexpected harness command: %v", cfg.Harness.Command)
	}
	if cfg.Build.MaxIterations <= 0 {
		t.Errorf("Expected a positive iteration ceiling, got %d", cfg.Build.MaxIterations)
	}
}

func TestLoad_FileOverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
workspace: /tmp/build
build:
  max_iterations: 9
  auto_optimize: false
harness:
  command: ["make", "check"]
  timeout: 3m
telemetry:
  log_level: debug
  log_format: json
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if cfg.Workspace != "/tmp/build" {
		t.Errorf("Expected overridden workspace, got %q", cfg.Workspace)
	}
	if cfg.Build.MaxIterations != 9 {
		t.Errorf("Expected 9 iterations, got %d", cfg.Build.MaxIterations)
	}
	if cfg.Build.AutoOptimize {
		t.Error("Expected auto_optimize disabled")
	}
	// Untouched sections keep their defaults.
	if cfg.StateDB != ".autoforge/progress.db" {
		t.Errorf("Expected default state DB kept, got %q", cfg.StateDB)
	}
	if cfg.Harness.Timeout != 3*time.Minute {
		t.Errorf("Expected 3m harness timeout, got %s", cfg.Harness.Timeout)
	}
	if cfg.Telemetry.LogFormat != "json" {
		t.Errorf("Expected json log format, got %q", cfg.Telemetry.LogFormat)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "workspace: /tmp/from-file\n")
	t.Setenv("AUTOFORGE_WORKSPACE", "/tmp/from-env")
	t.Setenv("AUTOFORGE_ORACLE_MODEL", "test-model")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if cfg.Workspace != "/tmp/from-env" {
		t.Errorf("Expected the environment to win, got %q", cfg.Workspace)
	}
	if cfg.Oracle.Model != "test-model" {
		t.Errorf("Expected model from environment, got %q", cfg.Oracle.Model)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Expected an error for a missing named file")
	}
}

func TestLoad_ValidationFailure(t *testing.T) {
	tests := []struct {
		name    string
		content string
		field   string
	}{
		{"zero iterations", "build:\n  max_iterations: 0\n", "MaxIterations"},
		{"empty harness command", "harness:\n  command: []\n", "Command"},
		{"bad log level", "telemetry:\n  log_level: verbose\n", "LogLevel"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.content)
			_, err := Load(path)
			if err == nil {
				t.Fatal("Expected a validation error")
			}
			if !strings.Contains(err.Error(), tt.field) {
				t.Errorf("Expected the error to name %s, got: %v", tt.field, err)
			}
		})
	}
}

func TestConfig_EngineOptions(t *testing.T) {
	cfg := Default()
	cfg.Build.MaxIterations = 7
	cfg.Build.MaxRetries = 4
	cfg.Build.RetryBaseDelay = 2 * time.Second

	opts := cfg.EngineOptions()
	if opts.MaxIterations != 7 {
		t.Errorf("Expected 7 iterations, got %d", opts.MaxIterations)
	}
	if opts.Backoff.MaxRetries != 4 || opts.Backoff.BaseDelay != 2*time.Second {
		t.Errorf("Backoff lost: %+v", opts.Backoff)
	}
}

func TestConfig_TelemetrySettings(t *testing.T) {
	cfg := Default()
	cfg.Telemetry.LogLevel = "debug"
	cfg.Telemetry.MetricsEnabled = true
	cfg.Telemetry.MetricsListen = ":9900"

	tcfg := cfg.TelemetrySettings("1.2.3")
	if tcfg.ServiceVersion != "1.2.3" {
		t.Errorf("Expected version carried, got %q", tcfg.ServiceVersion)
	}
	if tcfg.Logging.Level != "debug" {
		t.Errorf("Expected debug level, got %q", tcfg.Logging.Level)
	}
	if !tcfg.Metrics.Enabled || tcfg.Metrics.ListenAddress != ":9900" {
		t.Errorf("Metrics settings lost: %+v", tcfg.Metrics)
	}
}
