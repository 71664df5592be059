// Package telemetry provides structured logging, Prometheus metrics,
// and OpenTelemetry tracing for the AutoForge engine.
//
// Logging uses zerolog with component-scoped child loggers; the engine
// attaches project, task, and stage fields so every line is attributable
// to a unit of work. Metrics and tracing are disabled by default and
// become no-ops when not configured, so call sites never branch on
// whether observability is on.
package telemetry
