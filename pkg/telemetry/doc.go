// Package telemetry provides observability instrumentation for devlink.
//
// The package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry) and metrics (Prometheus) for device sessions.
//
// # Usage
//
// Initialize telemetry at process startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = version
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
// # Structured Logging
//
// Library packages take a *zerolog.Logger and add their own component
// field. The CLI scopes the process logger to the device first:
//
//	logger := tel.Logger.WithDevice(address, user)
//	dev := device.New(desc, transport, device.Options{Logger: logger.Zerolog()})
//
// Log levels: trace, debug, info, warn, error, fatal
//
// # Distributed Tracing
//
// Spans cover connect attempts, filesystem operations, transfers, command
// channels and tunnels. Every *Tracer method accepts a nil receiver and then
// uses the global provider:
//
//	ctx, span := tel.Tracer.StartSpan(ctx, "remotefs.stat",
//	    telemetry.AttrRemotePath.String(p))
//	defer telemetry.EndSpan(span, err)
//
// Supported exporters: otlp (gRPC), stdout (written to stderr), none.
//
// # Metrics
//
// Metrics are registered on a private registry and exposed through
// Metrics.Handler or StartMetricsServer:
//
//	devlink_connect_attempts_total{outcome}
//	devlink_connect_duration_seconds{outcome}
//	devlink_connected
//	devlink_keepalive_misses_total
//	devlink_operations_total{op,status}
//	devlink_operation_duration_seconds{op}
//	devlink_transfer_bytes_total{direction}
//	devlink_tunnels_opened_total{status}
//	devlink_execs_total{status}
//	devlink_errors_by_kind_total{kind}
//
// A nil or disabled *Metrics drops every observation.
package telemetry
