package telemetry

import (
	"context"
	"errors"
	"fmt"
)

// Telemetry bundles the observability components one process shares.
type Telemetry struct {
	Config  *Config
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Audit   *AuditLog
}

// NewTelemetry builds every component from cfg. When the audit log is
// enabled it is subscribed to the event publisher before anything can
// publish.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	t := &Telemetry{Config: cfg}
	var err error
	if t.Logger, err = NewLogger(cfg.Logging); err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	if t.Tracer, err = NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment); err != nil {
		return nil, fmt.Errorf("tracer: %w", err)
	}
	if t.Metrics, err = NewMetrics(cfg.Metrics); err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}
	if t.Events, err = NewEventPublisher(cfg.Events); err != nil {
		return nil, fmt.Errorf("events: %w", err)
	}
	if t.Audit, err = NewAuditLog(cfg.Audit); err != nil {
		return nil, fmt.Errorf("audit log: %w", err)
	}
	if t.Audit != nil {
		t.Events.Subscribe(t.Audit.Subscriber(t.Logger.NewComponentLogger("audit")), nil)
	}
	return t, nil
}

// Shutdown drains the event queues before closing the audit log they feed,
// then flushes spans.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(
		t.Events.Shutdown(ctx),
		t.Audit.Close(),
		t.Tracer.Shutdown(ctx),
	)
}

// StartMetricsServer starts the standalone metrics listener when one is
// configured.
func (t *Telemetry) StartMetricsServer() error {
	return t.Metrics.StartMetricsServer(t.Logger)
}
