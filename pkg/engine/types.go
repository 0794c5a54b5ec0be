package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Plan is an ordered set of steps produced by an LLM for a user request, plus
// the execution metadata the orchestrator maintains while driving it.
type Plan struct {
	// ID is the content-derived identifier of the plan. Identical generations
	// share an ID on purpose; it is a deduplication key, not an identity guarantee.
	ID string `json:"id"`

	// Request is the natural-language request the plan was generated for.
	Request string `json:"request,omitempty"`

	// Steps are executed strictly in order.
	Steps []Step `json:"steps"`

	// Status is the lifecycle status of the plan.
	Status PlanStatus `json:"status"`

	// StepResults maps a step number to the last outcome recorded for it.
	StepResults map[string]*StepResult `json:"step_results,omitempty"`

	// ProgressSummary is the latest rollup produced by progress summarization.
	ProgressSummary string `json:"progress_summary,omitempty"`

	// RevisionSummary explains what a revision changed.
	RevisionSummary string `json:"revision_summary,omitempty"`

	// OriginalPlanID links a revised plan to its predecessor.
	OriginalPlanID string `json:"original_plan_id,omitempty"`

	// Revision is 0 for generated plans and predecessor+1 for revisions.
	Revision int `json:"revision"`

	// SupersededBy is the id of the revision that replaced this plan.
	SupersededBy string `json:"superseded_by,omitempty"`

	// HumanConfirmationRequired forces confirmation of every step.
	HumanConfirmationRequired bool `json:"human_confirmation_required"`

	// Error is set when the plan could not be parsed or validated.
	Error *PlanError `json:"error,omitempty"`

	// CreatedAt is when the plan was generated.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the plan was last mutated.
	UpdatedAt time.Time `json:"updated_at"`
}

// Step is one unit of work in a plan.
type Step struct {
	// Number is 1-based and stable within a plan generation.
	Number int `json:"number"`

	// Description is the human-readable intent of the step.
	Description string `json:"description"`

	// Command is the shell or AppleScript to run. Never null on the wire.
	Command string `json:"command"`

	// IsRisky requests human confirmation before the command runs.
	IsRisky bool `json:"is_risky"`

	// IsObserve marks a step whose output needs human acknowledgment.
	IsObserve bool `json:"is_observe"`

	// Status is the execution status of the step.
	Status StepStatus `json:"status"`

	Stdout       string        `json:"stdout,omitempty"`
	Stderr       string        `json:"stderr,omitempty"`
	Verification *Verification `json:"verification,omitempty"`
	Feedback     string        `json:"feedback,omitempty"`
	UserFeedback string        `json:"user_feedback,omitempty"`

	// RiskReason records why the safety gate flagged or blocked the command.
	RiskReason string `json:"risk_reason,omitempty"`
}

// StepResult is the outcome recorded for a step number.
type StepResult struct {
	Status       StepStatus    `json:"status"`
	Stdout       string        `json:"stdout"`
	Stderr       string        `json:"stderr"`
	Verification *Verification `json:"verification,omitempty"`
	Feedback     string        `json:"feedback,omitempty"`
	UserFeedback string        `json:"user_feedback,omitempty"`
}

// Verification is the semantic judgment of whether a step achieved its intent.
type Verification struct {
	// Success is authoritative for the step transition.
	Success bool `json:"success"`

	// Explanation is the verifier's reasoning.
	Explanation string `json:"explanation"`

	// Suggestion is a proposed next action when the step failed.
	Suggestion string `json:"suggestion"`

	// ErrorCode is set when the verifier itself failed and Success fell back
	// to the raw execution outcome.
	ErrorCode string `json:"error_code,omitempty"`

	// Error is the verifier failure message, if any.
	Error string `json:"error,omitempty"`
}

// PlanError describes why a generated plan could not be used.
type PlanError struct {
	Code               string `json:"code"`
	Message            string `json:"message"`
	RawResponseSnippet string `json:"raw_response_snippet,omitempty"`
}

// PendingCommand is a resolved command waiting for an approve/deny decision.
type PendingCommand struct {
	ID          string    `json:"command_id"`
	PlanID      string    `json:"plan_id"`
	StepIndex   int       `json:"step_index"`
	Command     string    `json:"command"`
	Description string    `json:"description"`
	Reason      string    `json:"reason,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// ExecutionResult is what a CommandRunner reports for one command.
type ExecutionResult struct {
	Succeeded bool          `json:"succeeded"`
	Stdout    string        `json:"stdout"`
	Stderr    string        `json:"stderr"`
	ExitCode  int           `json:"exit_code"`
	Duration  time.Duration `json:"duration"`
	TimedOut  bool          `json:"timed_out"`
}

// VerifyRequest carries the step context a ResultVerifier judges.
type VerifyRequest struct {
	Description  string
	Command      string
	Stdout       string
	Stderr       string
	RawSucceeded bool
}

// ProgressUpdate is the result of a progress summarization round.
type ProgressUpdate struct {
	// Summary is the rollup text.
	Summary string `json:"summary"`

	// UpdatedSteps replaces the unexecuted tail of the plan when non-empty.
	UpdatedSteps []Step `json:"updated_steps,omitempty"`
}

// Assessment is a safety gate verdict for one command.
type Assessment struct {
	// Safe is false when the command must never run without intervention.
	Safe bool `json:"safe"`

	// Risky is true when the command may run but only after confirmation.
	Risky bool `json:"risky"`

	// Reason explains the verdict.
	Reason string `json:"reason,omitempty"`

	// Policies lists the policies that matched.
	Policies []string `json:"policies,omitempty"`
}

// Event is an orchestrator lifecycle notification.
type Event struct {
	ID        string                 `json:"id"`
	Kind      EventKind              `json:"event"`
	PlanID    string                 `json:"plan_id"`
	Timestamp time.Time              `json:"timestamp"`
	Status    string                 `json:"status"`
	Steps     []Step                 `json:"steps"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// PendingCommandID returns the id of the pending command for a plan step.
func PendingCommandID(planID string, stepIndex int) string {
	return planID + "_" + strconv.Itoa(stepIndex)
}

// StepKey returns the step_results key of a step.
func (s *Step) StepKey() string {
	return strconv.Itoa(s.Number)
}

// ActiveStepIndex returns the index of the step in an active state, or -1.
func (p *Plan) ActiveStepIndex() int {
	for i := range p.Steps {
		if p.Steps[i].Status.IsActive() {
			return i
		}
	}
	return -1
}

// RecordResult stores the outcome of a step in StepResults.
func (p *Plan) RecordResult(step *Step) {
	if p.StepResults == nil {
		p.StepResults = make(map[string]*StepResult)
	}
	p.StepResults[step.StepKey()] = &StepResult{
		Status:       step.Status,
		Stdout:       step.Stdout,
		Stderr:       step.Stderr,
		Verification: step.Verification,
		Feedback:     step.Feedback,
		UserFeedback: step.UserFeedback,
	}
}

// Clone returns a deep copy of the plan suitable for snapshots and events.
func (p *Plan) Clone() *Plan {
	if p == nil {
		return nil
	}
	c := *p
	c.Steps = CloneSteps(p.Steps)
	if p.StepResults != nil {
		c.StepResults = make(map[string]*StepResult, len(p.StepResults))
		for k, v := range p.StepResults {
			r := *v
			if v.Verification != nil {
				ver := *v.Verification
				r.Verification = &ver
			}
			c.StepResults[k] = &r
		}
	}
	if p.Error != nil {
		e := *p.Error
		c.Error = &e
	}
	return &c
}

// CloneSteps deep-copies a slice of steps.
func CloneSteps(steps []Step) []Step {
	if steps == nil {
		return nil
	}
	out := make([]Step, len(steps))
	for i := range steps {
		out[i] = steps[i]
		if steps[i].Verification != nil {
			v := *steps[i].Verification
			out[i].Verification = &v
		}
	}
	return out
}

// contentStep is the subset of a step that determines plan identity.
type contentStep struct {
	Number      int    `json:"number"`
	Description string `json:"description"`
	Command     string `json:"command"`
	IsRisky     bool   `json:"is_risky"`
	IsObserve   bool   `json:"is_observe"`
}

// ComputePlanID derives the content-addressed id of a plan from its steps,
// predecessor link and revision counter.
func ComputePlanID(p *Plan) string {
	content := struct {
		Steps          []contentStep `json:"steps"`
		OriginalPlanID string        `json:"original_plan_id,omitempty"`
		Revision       int           `json:"revision,omitempty"`
	}{
		OriginalPlanID: p.OriginalPlanID,
		Revision:       p.Revision,
	}
	for _, s := range p.Steps {
		content.Steps = append(content.Steps, contentStep{
			Number:      s.Number,
			Description: s.Description,
			Command:     s.Command,
			IsRisky:     s.IsRisky,
			IsObserve:   s.IsObserve,
		})
	}

	data, err := json.Marshal(content)
	if err != nil {
		// Marshaling plain strings, ints and bools cannot fail.
		panic(fmt.Sprintf("marshal plan content: %v", err))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:16])
}
