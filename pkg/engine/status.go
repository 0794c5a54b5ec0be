package engine

import (
	"encoding/json"
	"fmt"
)

// PlanStatus represents the lifecycle status of a plan.
type PlanStatus string

const (
	// PlanStatusGenerated indicates the plan was produced and has not started.
	PlanStatusGenerated PlanStatus = "generated"

	// PlanStatusExecuting indicates the plan is registered as active and progressing.
	PlanStatusExecuting PlanStatus = "executing"

	// PlanStatusRevising indicates a revision round is in flight.
	PlanStatusRevising PlanStatus = "revising"

	// PlanStatusPaused indicates execution halted waiting for an operator decision.
	PlanStatusPaused PlanStatus = "paused"

	// PlanStatusCompleted indicates every step was processed.
	PlanStatusCompleted PlanStatus = "completed"

	// PlanStatusAborted indicates the operator aborted the plan.
	PlanStatusAborted PlanStatus = "aborted"

	// PlanStatusError indicates the plan failed generation or hit an unrecoverable error.
	PlanStatusError PlanStatus = "error"

	// PlanStatusRevisionFailed indicates execution halted because a revision round failed.
	PlanStatusRevisionFailed PlanStatus = "revision_failed"
)

// IsTerminal returns true if the plan can no longer make progress.
func (s PlanStatus) IsTerminal() bool {
	return s == PlanStatusCompleted || s == PlanStatusAborted
}

// IsHalted returns true if the plan stopped on an error and needs operator action.
func (s PlanStatus) IsHalted() bool {
	return s == PlanStatusError || s == PlanStatusRevisionFailed
}

// Validate checks if the plan status is valid.
func (s PlanStatus) Validate() error {
	switch s {
	case PlanStatusGenerated, PlanStatusExecuting, PlanStatusRevising, PlanStatusPaused,
		PlanStatusCompleted, PlanStatusAborted, PlanStatusError, PlanStatusRevisionFailed:
		return nil
	default:
		return fmt.Errorf("invalid plan status: %s", s)
	}
}

// StepStatus represents the execution status of a single step.
type StepStatus string

const (
	// StepStatusPending indicates the step has not been attempted.
	StepStatusPending StepStatus = "pending"

	// StepStatusExecuting indicates the step is being resolved, run or verified.
	StepStatusExecuting StepStatus = "executing"

	// StepStatusAwaitingConfirmation indicates the step waits for an approve/deny decision.
	StepStatusAwaitingConfirmation StepStatus = "awaiting_confirmation"

	// StepStatusBlocked indicates the safety gate refused the step's command.
	StepStatusBlocked StepStatus = "blocked"

	// StepStatusCompleted indicates the step ran and verification judged it successful.
	StepStatusCompleted StepStatus = "completed"

	// StepStatusFailed indicates the step ran and verification judged it failed.
	StepStatusFailed StepStatus = "failed"

	// StepStatusSkipped indicates the step was skipped by the operator.
	StepStatusSkipped StepStatus = "skipped"
)

// IsActive returns true for the states at most one step per plan may hold.
func (s StepStatus) IsActive() bool {
	return s == StepStatusExecuting || s == StepStatusAwaitingConfirmation
}

// IsTerminal returns true if the step reached a final outcome.
func (s StepStatus) IsTerminal() bool {
	return s == StepStatusCompleted || s == StepStatusFailed ||
		s == StepStatusSkipped || s == StepStatusBlocked
}

// IsDone returns true if execution may move past the step.
func (s StepStatus) IsDone() bool {
	return s == StepStatusCompleted || s == StepStatusSkipped
}

// Validate checks if the step status is valid.
func (s StepStatus) Validate() error {
	switch s {
	case StepStatusPending, StepStatusExecuting, StepStatusAwaitingConfirmation,
		StepStatusBlocked, StepStatusCompleted, StepStatusFailed, StepStatusSkipped:
		return nil
	default:
		return fmt.Errorf("invalid step status: %s", s)
	}
}

// EventKind identifies an orchestrator lifecycle event.
type EventKind string

const (
	EventPlanExecutionFailed         EventKind = "plan_execution_failed"
	EventUnsafeCommandBlocked        EventKind = "unsafe_command_blocked"
	EventConfirmationRequired        EventKind = "confirmation_required"
	EventStepCompleted               EventKind = "step_completed"
	EventStepCompletedFeedback       EventKind = "step_completed_feedback"
	EventObservationRequired         EventKind = "observation_required"
	EventStepFailed                  EventKind = "step_failed"
	EventStepFailureOptions          EventKind = "step_failure_options"
	EventProgressSummarized          EventKind = "progress_summarized"
	EventProgressSummarizationFailed EventKind = "progress_summarization_failed"
	EventPlanRevised                 EventKind = "plan_revised"
	EventPlanRevisionFailed          EventKind = "plan_revision_failed"
	EventPlanContinued               EventKind = "plan_continued"
	EventPlanAborted                 EventKind = "plan_aborted"
	EventPlanCompleted               EventKind = "plan_completed"
	EventCommandRejected             EventKind = "command_rejected"
	EventCommandRejectionOptions     EventKind = "command_rejection_options"
	EventStatusUpdate                EventKind = "status_update"
	EventObservationCompleted        EventKind = "observation_completed"
	EventStepFeedbackReceived        EventKind = "step_feedback_received"
	EventPlanPaused                  EventKind = "plan_paused"
)

// Severity returns the severity level of the event kind.
func (k EventKind) Severity() string {
	switch k {
	case EventPlanExecutionFailed, EventStepFailed, EventPlanRevisionFailed,
		EventProgressSummarizationFailed:
		return "error"
	case EventUnsafeCommandBlocked, EventCommandRejected, EventPlanAborted:
		return "warning"
	default:
		return "info"
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s PlanStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *PlanStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = PlanStatus(str)
	return s.Validate()
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s StepStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *StepStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = StepStatus(str)
	return s.Validate()
}
