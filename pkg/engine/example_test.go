package engine_test

import (
	"encoding/json"
	"fmt"

	"github.com/openfroyo/autopilot/pkg/engine"
)

// Example_stepResults shows how step outcomes are recorded on a plan and
// how a risky step is addressed while it waits for confirmation.
func Example_stepResults() {
	plan := &engine.Plan{
		ID:     "plan-001",
		Status: engine.PlanStatusExecuting,
		Steps: []engine.Step{
			{Number: 1, Description: "List the desktop", Command: "ls ~/Desktop", Status: engine.StepStatusPending},
			{Number: 2, Description: "Remove old reports", Command: "rm -rf ~/Desktop/reports", IsRisky: true, Status: engine.StepStatusPending},
		},
	}

	first := &plan.Steps[0]
	first.Status = engine.StepStatusCompleted
	first.Stdout = "reports\n"
	plan.RecordResult(first)

	plan.Steps[1].Status = engine.StepStatusAwaitingConfirmation

	result, _ := json.Marshal(plan.StepResults[first.StepKey()])
	fmt.Println(string(result))
	fmt.Println("active step:", plan.ActiveStepIndex())
	fmt.Println("pending command:", engine.PendingCommandID(plan.ID, plan.ActiveStepIndex()))
	fmt.Println("first step done:", first.Status.IsDone())

	// Output:
	// {"status":"completed","stdout":"reports\n","stderr":""}
	// active step: 1
	// pending command: plan-001_1
	// first step done: true
}

// Example_observationCommand shows the placeholder run for observation
// steps that carry no command.
func Example_observationCommand() {
	cmd := engine.ObservationCommand("Check that the 'reports' folder is gone")
	fmt.Println(cmd)
	fmt.Println(engine.IsObservationCommand(cmd))
	fmt.Println(engine.IsObservationCommand("echo 'Observation step: x'; rm -rf ~'"))

	// Output:
	// echo 'Observation step: Check that the  reports  folder is gone'
	// true
	// false
}
