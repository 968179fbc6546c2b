// Package observability provides structured logging, Prometheus metrics and
// OpenTelemetry tracing for the experimentation engine.
//
// # Logging
//
// Logging is built on Go's slog package. Log methods take a context so that
// experiment and subject identifiers attached with AddExperimentID and
// AddSubjectID appear on every record:
//
//	ctx = observability.AddExperimentID(ctx, exp.ID)
//	logger.Info(ctx, "Experiment completed", "winner", exp.Winner)
//
// Telegram bot tokens, DSN passwords and generic secrets are redacted before
// records reach the handler.
//
// # Metrics
//
// NewMetrics registers the engine counters with a caller-supplied registry so
// tests can use isolated registries with prometheus/testutil:
//
//	metrics := observability.NewMetrics(prometheus.NewRegistry())
//
// # Tracing
//
// NewTracer exports spans over OTLP/gRPC when an endpoint is configured and
// otherwise returns a no-op tracer. Persistence gateways open one span per
// load or save.
package observability
