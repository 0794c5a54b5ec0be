package engine

import (
	"context"
)

// PlanRepository stores plans by id. The orchestrator reads plans to start
// them and writes a snapshot after every state change.
type PlanRepository interface {
	// Get returns the plan with the given id or an ErrCodePlanNotFound error.
	Get(ctx context.Context, id string) (*Plan, error)

	// Put inserts or replaces a plan.
	Put(ctx context.Context, plan *Plan) error
}

// PlanParser converts a raw LLM response into a plan.
type PlanParser interface {
	// ParsePlan returns the parsed plan or a *ParseError.
	ParsePlan(raw string) (*Plan, error)
}

// SafetyGate classifies commands before they run.
type SafetyGate interface {
	// IsSafe reports whether the command may run at all.
	IsSafe(ctx context.Context, command string) bool

	// Explain returns a human-readable reason why the command is risky.
	Explain(ctx context.Context, command string) string

	// Assess returns the full verdict for a command.
	Assess(ctx context.Context, command string) Assessment
}

// CommandRunner executes a command under its own wall-clock timeout.
// All failures, including timeouts, are encoded in the result.
type CommandRunner interface {
	Execute(ctx context.Context, command string) ExecutionResult
}

// ResultVerifier judges whether a step's raw output satisfies its intent.
type ResultVerifier interface {
	Verify(ctx context.Context, req VerifyRequest) (Verification, error)
}

// PlanReviser produces a replacement plan from the executed history and feedback.
// The returned plan must have a fresh ID and OriginalPlanID set to plan.ID.
type PlanReviser interface {
	Revise(ctx context.Context, plan *Plan, feedback string) (*Plan, error)
}

// ProgressSummarizer rolls up completed steps and may rewrite the remaining ones.
type ProgressSummarizer interface {
	Summarize(ctx context.Context, plan *Plan, completedIndex int) (*ProgressUpdate, error)
}

// CommandGenerator produces a command for a step description. Optional.
type CommandGenerator interface {
	GenerateCommand(ctx context.Context, description string) (string, error)
}

// EventPublisher receives orchestrator lifecycle events.
type EventPublisher interface {
	Publish(ctx context.Context, event *Event) error
}

// EventPublisherFunc adapts a function to the EventPublisher interface.
type EventPublisherFunc func(ctx context.Context, event *Event) error

// Publish calls f(ctx, event).
func (f EventPublisherFunc) Publish(ctx context.Context, event *Event) error {
	return f(ctx, event)
}
