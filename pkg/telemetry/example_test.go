package telemetry_test

import (
	"context"
	"fmt"
	"time"

	"github.com/openfroyo/autopilot/pkg/telemetry"
)

// Example_eventPublishing demonstrates synchronous event publishing.
func Example_eventPublishing() {
	cfg := telemetry.DefaultConfig()
	cfg.Audit.Enabled = false
	cfg.Events.EnableAsync = false

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		panic(err)
	}
	defer tel.Shutdown(context.Background())

	tel.Events.Subscribe(func(event telemetry.Event) {
		fmt.Printf("%s %s\n", event.PlanID, event.Type)
	}, telemetry.FilterByPlanID("plan-1"))

	_ = tel.Events.Publish(telemetry.Event{Type: "step_completed", PlanID: "plan-1"})
	_ = tel.Events.Publish(telemetry.Event{Type: "step_completed", PlanID: "plan-2"})
	_ = tel.Events.Publish(telemetry.Event{Type: "plan_completed", PlanID: "plan-1"})

	// Output:
	// plan-1 step_completed
	// plan-1 plan_completed
}

// Example_metricsCollection demonstrates recording plan metrics.
func Example_metricsCollection() {
	metrics, err := telemetry.NewMetrics(telemetry.DefaultConfig().Metrics)
	if err != nil {
		panic(err)
	}

	metrics.RecordPlanStarted(false)
	metrics.RecordStep("completed", 250*time.Millisecond)
	metrics.RecordSafetyDecision("confirmation")
	metrics.RecordConfirmation(true)
	metrics.RecordPlanFinished("completed", 2*time.Second)

	fmt.Println("Metrics recorded successfully")
	// Output: Metrics recorded successfully
}
