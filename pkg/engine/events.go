package engine

import (
	"context"
	"fmt"

	"github.com/openfroyo/autopilot/pkg/telemetry"
)

// TelemetryPublisher forwards orchestrator events to a telemetry event
// publisher, which fans them out to stream clients and the audit log.
type TelemetryPublisher struct {
	events *telemetry.EventPublisher
}

// NewTelemetryPublisher creates a TelemetryPublisher.
func NewTelemetryPublisher(events *telemetry.EventPublisher) *TelemetryPublisher {
	return &TelemetryPublisher{events: events}
}

// Publish implements EventPublisher.
func (p *TelemetryPublisher) Publish(ctx context.Context, event *Event) error {
	return p.events.Publish(ToTelemetryEvent(event))
}

// ToTelemetryEvent converts an orchestrator event.
func ToTelemetryEvent(event *Event) telemetry.Event {
	return telemetry.Event{
		ID:        event.ID,
		Timestamp: event.Timestamp,
		Type:      string(event.Kind),
		Source:    "orchestrator",
		PlanID:    event.PlanID,
		Status:    event.Status,
		Message:   eventMessage(event),
		Level:     event.Kind.Severity(),
		Steps:     event.Steps,
		Data:      event.Data,
	}
}

func eventMessage(event *Event) string {
	idx, hasIdx := event.Data["step_index"]
	reason, hasReason := event.Data["reason"]
	if !hasReason {
		reason, hasReason = event.Data["error"]
	}
	switch {
	case hasIdx && hasReason:
		return fmt.Sprintf("%s at step %v: %v", event.Kind, idx, reason)
	case hasIdx:
		return fmt.Sprintf("%s at step %v", event.Kind, idx)
	case hasReason:
		return fmt.Sprintf("%s: %v", event.Kind, reason)
	default:
		return string(event.Kind)
	}
}
