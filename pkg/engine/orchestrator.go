package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/openfroyo/autopilot/pkg/telemetry"
)

// OrchestratorConfig controls execution policy.
type OrchestratorConfig struct {
	// HumanValidationRequired halts after every successful step until the
	// operator submits step feedback.
	HumanValidationRequired bool

	// SummarizeProgress runs a summarization round after every successful
	// step that still has steps after it.
	SummarizeProgress bool

	// AutoRevise requests a revision automatically after a verified failure.
	// Off by default; revision is an operator action.
	AutoRevise bool
}

// Options wires an Orchestrator to its collaborators.
type Options struct {
	Store      PlanRepository
	Gate       SafetyGate
	Runner     CommandRunner
	Verifier   ResultVerifier
	Reviser    PlanReviser
	Summarizer ProgressSummarizer
	Generator  CommandGenerator
	Events     EventPublisher

	Logger  *telemetry.Logger
	Metrics *telemetry.Metrics
	Tracer  *telemetry.Tracer

	Config OrchestratorConfig
}

// activePlan is an entry of the active-plans table. A plan's entry is
// replaced, never reused, so pointer identity tells a late result whether
// the plan it belongs to is still the one being executed.
type activePlan struct {
	plan      *Plan
	busy      bool
	startedAt time.Time
}

// Orchestrator drives plans step by step. It owns the active-plans and
// pending-commands tables; no other component writes them.
type Orchestrator struct {
	store      PlanRepository
	gate       SafetyGate
	runner     CommandRunner
	verifier   ResultVerifier
	reviser    PlanReviser
	summarizer ProgressSummarizer
	generator  CommandGenerator
	events     EventPublisher
	cfg        OrchestratorConfig

	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer

	// mu guards active, pending and every plan referenced from active.
	mu      sync.Mutex
	active  map[string]*activePlan
	pending map[string]*PendingCommand
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(opts Options) (*Orchestrator, error) {
	if opts.Store == nil || opts.Gate == nil || opts.Runner == nil || opts.Verifier == nil {
		return nil, NewPermanentError("store, safety gate, runner and verifier are required", nil).
			WithCode(ErrCodeValidation)
	}

	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NopLogger()
	}

	return &Orchestrator{
		store:      opts.Store,
		gate:       opts.Gate,
		runner:     opts.Runner,
		verifier:   opts.Verifier,
		reviser:    opts.Reviser,
		summarizer: opts.Summarizer,
		generator:  opts.Generator,
		events:     opts.Events,
		cfg:        opts.Config,
		logger:     logger.NewComponentLogger("orchestrator"),
		metrics:    opts.Metrics,
		tracer:     opts.Tracer,
		active:     make(map[string]*activePlan),
		pending:    make(map[string]*PendingCommand),
	}, nil
}

// ExecutePlan registers a stored plan as active and runs it from step 0 until
// it completes or suspends.
func (o *Orchestrator) ExecutePlan(ctx context.Context, planID string) error {
	stored, err := o.store.Get(ctx, planID)
	if err != nil {
		reason := fmt.Sprintf("Plan with ID %s could not be retrieved or loaded.", planID)
		o.emitDetached(ctx, planID, EventPlanExecutionFailed, nil, map[string]interface{}{"reason": reason})
		return NewPermanentError("plan not found", err).
			WithCode(ErrCodePlanNotFound).WithResource(planID).WithOperation("execute_plan")
	}

	plan := stored.Clone()
	if plan.Status == PlanStatusError || plan.Error != nil {
		msg := "Unknown error in plan data"
		if plan.Error != nil {
			msg = plan.Error.Message
		}
		reason := "Plan data is invalid or indicates a previous error: " + msg
		o.emitDetached(ctx, planID, EventPlanExecutionFailed, plan.Steps, map[string]interface{}{"reason": reason})
		return NewPermanentError(reason, nil).
			WithCode(ErrCodeInvalidPlanState).WithResource(planID).WithOperation("execute_plan")
	}
	if plan.Status.IsTerminal() {
		return NewPermanentError(fmt.Sprintf("plan is %s", plan.Status), nil).
			WithCode(ErrCodeInvalidPlanState).WithResource(planID).WithOperation("execute_plan")
	}
	if plan.SupersededBy != "" {
		return NewPermanentError("plan was superseded by revision "+plan.SupersededBy, nil).
			WithCode(ErrCodeInvalidPlanState).WithResource(planID).WithOperation("execute_plan").
			WithDetail("superseded_by", plan.SupersededBy)
	}

	o.mu.Lock()
	if _, exists := o.active[planID]; exists {
		o.mu.Unlock()
		return NewConflictError("plan is already executing", nil).
			WithCode(ErrCodeInvalidPlanState).WithResource(planID).WithOperation("execute_plan")
	}
	ap := o.registerLocked(ctx, plan)
	o.mu.Unlock()

	o.logger.WithPlanID(planID).Infof("Executing plan with %d steps", len(plan.Steps))
	o.metrics.RecordPlanStarted(plan.Revision > 0)

	return o.run(ctx, cursor{ap: ap, index: 0})
}

// ExecuteStep runs the plan from the given step index. The plan must be active.
func (o *Orchestrator) ExecuteStep(ctx context.Context, planID string, index int) error {
	o.mu.Lock()
	ap, err := o.acquireLocked(planID, "execute_step")
	o.mu.Unlock()
	if err != nil {
		return err
	}
	return o.run(ctx, cursor{ap: ap, index: index})
}

// RequestRevision asks the reviser for a replacement plan. For an active plan
// the replacement takes its place in the active table and runs from step 0.
// For an inactive plan the replacement is stored with status generated.
func (o *Orchestrator) RequestRevision(ctx context.Context, planID, feedback string) (*Plan, error) {
	if o.reviser == nil {
		return nil, NewPermanentError("plan revision is not configured", nil).
			WithCode(ErrCodeRevisionFailed).WithResource(planID).WithOperation("request_revision")
	}

	o.mu.Lock()
	ap, exists := o.active[planID]
	if !exists {
		o.mu.Unlock()
		return o.reviseInactive(ctx, planID, feedback)
	}
	if ap.busy {
		o.mu.Unlock()
		return nil, busyError(planID, "request_revision")
	}
	ap.busy = true
	o.mu.Unlock()

	runErr := o.run(ctx, cursor{ap: ap, phase: phaseRevise, feedback: feedback})

	o.mu.Lock()
	nextID := ap.plan.SupersededBy
	o.mu.Unlock()
	if nextID == "" {
		return nil, runErr
	}

	next, err := o.Status(ctx, nextID)
	if err != nil {
		return nil, err
	}
	return next, runErr
}

// ContinueExecution resumes a plan at its failed, interrupted or blocked step,
// or after its last finished step when it was paused. With skipFailedStep the
// step is marked skipped and execution resumes at the next one.
func (o *Orchestrator) ContinueExecution(ctx context.Context, planID string, skipFailedStep bool) error {
	o.mu.Lock()
	ap, err := o.acquireLocked(planID, "continue_execution")
	if err != nil {
		o.mu.Unlock()
		return err
	}

	plan := ap.plan
	index := findResumableStep(plan)
	if index < 0 {
		ap.busy = false
		o.mu.Unlock()
		return NewPermanentError("no failed or interrupted step found", nil).
			WithCode(ErrCodeStepNotFound).WithResource(planID).WithOperation("continue_execution")
	}

	if index < len(plan.Steps) {
		step := &plan.Steps[index]
		o.dropPendingLocked(PendingCommandID(planID, index))
		if skipFailedStep && step.Status != StepStatusPending {
			step.Status = StepStatusSkipped
			plan.RecordResult(step)
			index++
		}
	}

	plan.Status = PlanStatusExecuting
	o.touchLocked(ctx, ap)
	o.emitLocked(ctx, plan, EventPlanContinued, map[string]interface{}{
		"skip_failed_step": skipFailedStep,
		"step_index":       index,
	})
	o.mu.Unlock()

	o.logger.WithPlanID(planID).Infof("Continuing plan at step %d (skip=%t)", index, skipFailedStep)
	return o.run(ctx, cursor{ap: ap, index: index})
}

// AbortExecution marks the plan aborted and removes it from the active table
// immediately, even while a step awaits confirmation or is mid-verification.
// Results of calls still in flight for the plan are discarded.
func (o *Orchestrator) AbortExecution(ctx context.Context, planID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	ap, exists := o.active[planID]
	if !exists {
		return NewPermanentError("plan is not active", nil).
			WithCode(ErrCodePlanNotActive).WithResource(planID).WithOperation("abort_execution")
	}

	ap.plan.Status = PlanStatusAborted
	o.emitLocked(ctx, ap.plan, EventPlanAborted, nil)
	o.persistLocked(ctx, ap.plan)
	o.deactivateLocked(ap)

	o.logger.WithPlanID(planID).Info("Plan aborted")
	o.metrics.RecordPlanFinished(string(PlanStatusAborted), time.Since(ap.startedAt))
	return nil
}

// Approve resolves a pending command and runs it. An approval whose plan is
// no longer active is a no-op.
func (o *Orchestrator) Approve(ctx context.Context, commandID, feedback string) error {
	o.mu.Lock()
	pc, ap, err := o.resolvePendingLocked(commandID, "approve")
	if err != nil {
		o.mu.Unlock()
		return err
	}

	step := &ap.plan.Steps[pc.StepIndex]
	if feedback != "" {
		step.UserFeedback = feedback
	}
	step.Status = StepStatusExecuting
	ap.busy = true
	o.touchLocked(ctx, ap)
	o.emitLocked(ctx, ap.plan, EventStatusUpdate, map[string]interface{}{
		"command_id": commandID,
		"approved":   true,
	})
	o.mu.Unlock()

	o.metrics.RecordConfirmation(true)
	o.logger.WithPlanID(pc.PlanID).WithStepIndex(pc.StepIndex).Info("Command approved")

	return o.run(ctx, cursor{ap: ap, index: pc.StepIndex, phase: phaseExecute, command: pc.Command})
}

// Deny resolves a pending command without running it. The step is skipped and
// the plan does not advance until the caller continues or revises it.
func (o *Orchestrator) Deny(ctx context.Context, commandID, feedback string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	pc, ap, err := o.resolvePendingLocked(commandID, "deny")
	if err != nil {
		return err
	}

	step := &ap.plan.Steps[pc.StepIndex]
	step.Status = StepStatusSkipped
	step.UserFeedback = feedback
	if step.UserFeedback == "" {
		step.UserFeedback = "Command rejected by user"
	}
	ap.plan.RecordResult(step)
	ap.plan.Status = PlanStatusPaused

	o.emitLocked(ctx, ap.plan, EventCommandRejected, map[string]interface{}{
		"step_index": pc.StepIndex,
		"command":    pc.Command,
		"feedback":   feedback,
	})
	o.emitLocked(ctx, ap.plan, EventCommandRejectionOptions, map[string]interface{}{
		"step_index": pc.StepIndex,
		"feedback":   feedback,
	})
	o.touchLocked(ctx, ap)

	o.metrics.RecordConfirmation(false)
	o.logger.WithPlanID(pc.PlanID).WithStepIndex(pc.StepIndex).Info("Command rejected")
	return nil
}

// CompleteObservation acknowledges an observation step and advances.
func (o *Orchestrator) CompleteObservation(ctx context.Context, planID string, index int, feedback string) error {
	o.mu.Lock()
	ap, err := o.acquireLocked(planID, "complete_observation")
	if err != nil {
		o.mu.Unlock()
		return err
	}
	if index < 0 || index >= len(ap.plan.Steps) {
		ap.busy = false
		o.mu.Unlock()
		return stepNotFound(planID, index, "complete_observation")
	}

	step := &ap.plan.Steps[index]
	if !step.IsObserve {
		o.logger.WithPlanID(planID).WithStepIndex(index).Warn("Step is not an observation step")
	}
	if feedback != "" {
		step.Feedback = feedback
		if r, ok := ap.plan.StepResults[step.StepKey()]; ok {
			r.Feedback = feedback
		}
	}
	ap.plan.Status = PlanStatusExecuting
	o.emitLocked(ctx, ap.plan, EventObservationCompleted, map[string]interface{}{
		"step_index": index,
		"feedback":   feedback,
	})
	o.touchLocked(ctx, ap)
	o.mu.Unlock()

	return o.run(ctx, cursor{ap: ap, index: index + 1})
}

// SubmitStepFeedback records operator feedback on a completed step and either
// advances or pauses the plan.
func (o *Orchestrator) SubmitStepFeedback(ctx context.Context, planID string, index int, feedback string, continueExecution bool) error {
	o.mu.Lock()
	ap, err := o.acquireLocked(planID, "submit_step_feedback")
	if err != nil {
		o.mu.Unlock()
		return err
	}
	if index < 0 || index >= len(ap.plan.Steps) {
		ap.busy = false
		o.mu.Unlock()
		return stepNotFound(planID, index, "submit_step_feedback")
	}

	step := &ap.plan.Steps[index]
	if feedback != "" {
		step.UserFeedback = feedback
		if r, ok := ap.plan.StepResults[step.StepKey()]; ok {
			r.UserFeedback = feedback
		}
	}
	o.emitLocked(ctx, ap.plan, EventStepFeedbackReceived, map[string]interface{}{
		"step_index":         index,
		"feedback":           feedback,
		"continue_execution": continueExecution,
	})

	if !continueExecution {
		ap.plan.Status = PlanStatusPaused
		o.emitLocked(ctx, ap.plan, EventPlanPaused, map[string]interface{}{
			"step_index": index,
			"reason":     "User requested pause after step feedback",
		})
		o.touchLocked(ctx, ap)
		ap.busy = false
		o.mu.Unlock()
		return nil
	}

	ap.plan.Status = PlanStatusExecuting
	o.touchLocked(ctx, ap)
	o.mu.Unlock()

	return o.run(ctx, cursor{ap: ap, index: index + 1})
}

// Status returns a snapshot of a plan, from the active table when the plan is
// active and from the store otherwise.
func (o *Orchestrator) Status(ctx context.Context, planID string) (*Plan, error) {
	o.mu.Lock()
	if ap, ok := o.active[planID]; ok {
		p := ap.plan.Clone()
		o.mu.Unlock()
		return p, nil
	}
	o.mu.Unlock()

	p, err := o.store.Get(ctx, planID)
	if err != nil {
		return nil, NewPermanentError("plan not found", err).
			WithCode(ErrCodePlanNotFound).WithResource(planID).WithOperation("status")
	}
	return p.Clone(), nil
}

// IsActive reports whether the plan is in the active table.
func (o *Orchestrator) IsActive(planID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.active[planID]
	return ok
}

// ActivePlans returns snapshots of all active plans ordered by id.
func (o *Orchestrator) ActivePlans() []*Plan {
	o.mu.Lock()
	defer o.mu.Unlock()

	plans := make([]*Plan, 0, len(o.active))
	for _, ap := range o.active {
		plans = append(plans, ap.plan.Clone())
	}
	sort.Slice(plans, func(i, j int) bool { return plans[i].ID < plans[j].ID })
	return plans
}

// PendingCommands returns the pending commands of a plan, or of all plans
// when planID is empty, oldest first.
func (o *Orchestrator) PendingCommands(planID string) []PendingCommand {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]PendingCommand, 0, len(o.pending))
	for _, pc := range o.pending {
		if planID == "" || pc.PlanID == planID {
			out = append(out, *pc)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// registerLocked inserts a plan into the active table as busy.
func (o *Orchestrator) registerLocked(ctx context.Context, plan *Plan) *activePlan {
	plan.Status = PlanStatusExecuting
	ap := &activePlan{plan: plan, busy: true, startedAt: time.Now()}
	o.active[plan.ID] = ap
	o.touchLocked(ctx, ap)
	o.metrics.SetActivePlans(float64(len(o.active)))
	return ap
}

// deactivateLocked removes a plan from the active table and prunes its
// pending commands.
func (o *Orchestrator) deactivateLocked(ap *activePlan) {
	if o.active[ap.plan.ID] == ap {
		delete(o.active, ap.plan.ID)
	}
	for id, pc := range o.pending {
		if pc.PlanID == ap.plan.ID {
			delete(o.pending, id)
		}
	}
	ap.busy = false
	o.metrics.SetActivePlans(float64(len(o.active)))
	o.metrics.SetPendingConfirmations(float64(len(o.pending)))
}

// acquireLocked marks an active plan busy for an operation.
func (o *Orchestrator) acquireLocked(planID, operation string) (*activePlan, error) {
	ap, exists := o.active[planID]
	if !exists {
		return nil, NewPermanentError("plan is not active", nil).
			WithCode(ErrCodePlanNotActive).WithResource(planID).WithOperation(operation)
	}
	if ap.busy {
		return nil, busyError(planID, operation)
	}
	ap.busy = true
	return ap, nil
}

// release clears the busy flag of a plan that is still active.
func (o *Orchestrator) release(ap *activePlan) {
	o.mu.Lock()
	defer o.mu.Unlock()
	ap.busy = false
}

// current reports whether ap is still the active entry for its plan.
func (o *Orchestrator) currentLocked(ap *activePlan) bool {
	return ap != nil && o.active[ap.plan.ID] == ap
}

// resolvePendingLocked looks up a pending command and the active plan it
// belongs to. A pending command of an inactive plan is dropped.
func (o *Orchestrator) resolvePendingLocked(commandID, operation string) (*PendingCommand, *activePlan, error) {
	pc, exists := o.pending[commandID]
	if !exists {
		return nil, nil, NewPermanentError("pending command not found", nil).
			WithCode(ErrCodeCommandNotFound).WithResource(commandID).WithOperation(operation)
	}

	ap, active := o.active[pc.PlanID]
	if !active {
		o.dropPendingLocked(commandID)
		o.logger.WithPlanID(pc.PlanID).Warnf("Ignoring %s for inactive plan", operation)
		return nil, nil, NewPermanentError("plan is not active", nil).
			WithCode(ErrCodePlanNotActive).WithResource(pc.PlanID).WithOperation(operation)
	}
	if ap.busy {
		return nil, nil, busyError(pc.PlanID, operation)
	}
	if pc.StepIndex < 0 || pc.StepIndex >= len(ap.plan.Steps) ||
		ap.plan.Steps[pc.StepIndex].Status != StepStatusAwaitingConfirmation {
		o.dropPendingLocked(commandID)
		return nil, nil, NewPermanentError("step is not awaiting confirmation", nil).
			WithCode(ErrCodeInvalidPlanState).WithResource(commandID).WithOperation(operation)
	}

	o.dropPendingLocked(commandID)
	return pc, ap, nil
}

func (o *Orchestrator) dropPendingLocked(commandID string) {
	delete(o.pending, commandID)
	o.metrics.SetPendingConfirmations(float64(len(o.pending)))
}

// findResumableStep returns the index of the step ContinueExecution resumes
// at, len(steps) when only completion remains, or -1.
func findResumableStep(plan *Plan) int {
	for i := range plan.Steps {
		switch plan.Steps[i].Status {
		case StepStatusFailed, StepStatusExecuting, StepStatusAwaitingConfirmation, StepStatusBlocked:
			return i
		}
	}
	if plan.Status != PlanStatusPaused && !plan.Status.IsHalted() {
		return -1
	}
	for i := range plan.Steps {
		if !plan.Steps[i].Status.IsDone() {
			return i
		}
	}
	return len(plan.Steps)
}

func busyError(planID, operation string) error {
	return NewConflictError("plan is busy with another operation", nil).
		WithCode(ErrCodeConflict).WithResource(planID).WithOperation(operation)
}

func stepNotFound(planID string, index int, operation string) error {
	return NewPermanentError(fmt.Sprintf("step index %d out of range", index), nil).
		WithCode(ErrCodeStepNotFound).WithResource(planID).WithOperation(operation)
}
