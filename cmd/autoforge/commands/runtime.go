package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/autoforge/autoforge/pkg/config"
	"github.com/autoforge/autoforge/pkg/engine"
	"github.com/autoforge/autoforge/pkg/harness"
	"github.com/autoforge/autoforge/pkg/oracle"
	"github.com/autoforge/autoforge/pkg/stores"
	"github.com/autoforge/autoforge/pkg/telemetry"
	"github.com/autoforge/autoforge/pkg/workspace"
)

// runtime holds the wired components a command needs.
type runtime struct {
	cfg          *config.Config
	logger       *telemetry.Logger
	metrics      *telemetry.Metrics
	tracer       *telemetry.Tracer
	store        *stores.SQLiteStore
	ws           *workspace.Workspace
	orchestrator *engine.Orchestrator
}

// newRuntime loads configuration and wires the full engine stack.
// Callers must invoke close when done.
func newRuntime(ctx context.Context, version string) (*runtime, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if verbose {
		cfg.Telemetry.LogLevel = "debug"
	}
	if jsonOutput {
		cfg.Telemetry.LogFormat = "json"
	}

	telCfg := cfg.TelemetrySettings(version)
	logger, err := telemetry.NewLogger(telCfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("initializing logger: %w", err)
	}
	metrics, err := telemetry.NewMetrics(telCfg.Metrics)
	if err != nil {
		return nil, nil, fmt.Errorf("initializing metrics: %w", err)
	}
	if err := metrics.StartMetricsServer(logger); err != nil {
		return nil, nil, err
	}
	tracer, err := telemetry.NewTracer(telCfg.Tracing, telCfg.ServiceName, telCfg.ServiceVersion, telCfg.Environment)
	if err != nil {
		return nil, nil, fmt.Errorf("initializing tracer: %w", err)
	}

	ws, err := workspace.New(cfg.Workspace)
	if err != nil {
		return nil, nil, err
	}

	dbPath := cfg.StateDB
	if !filepath.IsAbs(dbPath) {
		dbPath = filepath.Join(ws.Root(), dbPath)
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, nil, fmt.Errorf("creating state directory: %w", err)
	}
	store, err := stores.NewSQLiteStore(stores.Config{Path: dbPath})
	if err != nil {
		return nil, nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, nil, err
	}

	oracleClient, err := oracle.NewClient(oracle.Config{
		BaseURL:   cfg.Oracle.BaseURL,
		APIKeyEnv: cfg.Oracle.APIKeyEnv,
		Model:     cfg.Oracle.Model,
		MaxTokens: cfg.Oracle.MaxTokens,
		Timeout:   cfg.Oracle.Timeout,
	})
	if err != nil {
		store.Close()
		return nil, nil, err
	}

	testHarness, err := harness.NewCommandHarness(cfg.Harness.Command, cfg.Harness.Timeout)
	if err != nil {
		store.Close()
		return nil, nil, err
	}

	runner := engine.NewStageRunner(oracleClient, testHarness, ws, cfg.EngineOptions(), logger, metrics, tracer)
	orch := engine.NewOrchestrator(store, runner, ws, logger, metrics, tracer)

	rt := &runtime{
		cfg:          cfg,
		logger:       logger,
		metrics:      metrics,
		tracer:       tracer,
		store:        store,
		ws:           ws,
		orchestrator: orch,
	}
	cleanup := func() {
		_ = tracer.Shutdown(context.Background())
		_ = store.Close()
	}
	return rt, cleanup, nil
}
