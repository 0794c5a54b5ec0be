// Package telemetry provides observability instrumentation for the autopilot
// service.
//
// The package integrates structured logging (zerolog, with lumberjack file
// rotation), distributed tracing (OpenTelemetry), metrics (Prometheus), an
// ordered event publisher and a JSON-lines audit log of lifecycle events.
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = version
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
// # Structured Logging
//
// Loggers carry plan and step fields:
//
//	logger := tel.Logger.NewComponentLogger("orchestrator")
//	logger.WithPlanID(plan.ID).WithStepIndex(2).Info("Step completed")
//
// Output is "stdout", "stderr" or a file path. File output is rotated by size.
//
// # Metrics
//
// Every Record and Set method is a no-op on a nil or disabled *Metrics, so
// components accept a *Metrics without checking it. Handler exposes the
// registry for mounting on the API server.
//
// # Events
//
// EventPublisher fans events out to subscribers. In async mode each
// subscriber has its own queue and goroutine, so every subscriber sees events
// in publication order and a slow subscriber only delays itself. Subscribe
// returns an unsubscribe function, which streaming clients call when they
// disconnect.
//
// # Audit Log
//
// When enabled, every published event is appended to a rotated JSON-lines
// file. TailAuditLog reads the newest entries back.
package telemetry
