// Package engine executes LLM-generated plans step by step.
//
// # Overview
//
// A Plan is an ordered list of Steps produced by a language model for a
// natural-language request. The Orchestrator drives an active plan through
// its steps: it resolves each step's command, asks a SafetyGate to classify
// it, runs it through a CommandRunner, and lets a ResultVerifier judge
// whether the output achieved the step's intent. The verifier's judgment,
// not the exit status, decides whether the step completed.
//
// Execution suspends whenever a human is needed:
//
//   - an unsafe command is blocked (step status blocked)
//   - a risky command waits for Approve or Deny (awaiting_confirmation)
//   - an observation step waits for CompleteObservation (plan paused)
//   - a failed step waits for ContinueExecution, RequestRevision or
//     AbortExecution
//
// # Concurrency
//
// The orchestrator keeps the active-plans and pending-commands tables behind
// one mutex that is never held while a command runs or an LLM is consulted.
// Each active plan carries a busy flag; a second operation on a busy plan
// fails with ErrCodeConflict. When a blocking call returns, its result is
// applied only if the plan is still the same active entry, so an abort that
// lands mid-verification wins and the late result is discarded.
//
// # Events
//
// Every state change emits an Event carrying the plan status and a snapshot
// of all steps. Events for one plan are published in the order the changes
// happened. TelemetryPublisher forwards them to a telemetry.EventPublisher.
//
// # Errors
//
// Operations return *EngineError values with a class (transient, throttled,
// conflict, permanent) and a code such as ErrCodePlanNotFound. Parsers return
// *ParseError with one of the parse codes. Failures of collaborators during
// execution never escape as errors; they are recorded on the step and
// announced as events.
package engine
