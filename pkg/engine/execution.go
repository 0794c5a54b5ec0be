package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/autopilot/pkg/telemetry"
)

// ObservationCommandPrefix starts every placeholder command synthesized for
// observation steps that carry no command.
const ObservationCommandPrefix = "echo 'Observation step: "

// ObservationCommand returns the placeholder command for an observation step.
// The description is reduced to a single line without quotes so the result
// is a plain echo of a single-quoted literal.
func ObservationCommand(description string) string {
	clean := strings.Map(func(r rune) rune {
		switch r {
		case '\'', '\n', '\r', '\x00':
			return ' '
		}
		return r
	}, description)
	return ObservationCommandPrefix + strings.TrimSpace(clean) + "'"
}

// IsObservationCommand reports whether cmd is an observation placeholder.
func IsObservationCommand(cmd string) bool {
	if !strings.HasPrefix(cmd, ObservationCommandPrefix) || !strings.HasSuffix(cmd, "'") {
		return false
	}
	body := strings.TrimSuffix(strings.TrimPrefix(cmd, ObservationCommandPrefix), "'")
	return !strings.ContainsAny(body, "'\n\r\x00")
}

// maxAutoRevisions bounds the revision depth automatic revision may reach.
const maxAutoRevisions = 3

type phase int

const (
	phaseStep phase = iota
	phaseExecute
	phaseSummarize
	phaseRevise
)

// cursor is the next unit of work of a run. A zero cursor stops the run.
type cursor struct {
	ap       *activePlan
	index    int
	phase    phase
	command  string
	feedback string
	auto     bool
}

// stepWork is what the unlocked phases of a step need to know.
type stepWork struct {
	description string
	command     string
	generate    bool
}

// run drives a plan until it completes or suspends. The caller must hold the
// busy flag of c.ap; run releases it.
func (o *Orchestrator) run(ctx context.Context, c cursor) (err error) {
	held := c.ap
	defer func() {
		if r := recover(); r != nil {
			o.recoverPanic(ctx, held, r)
			err = NewPermanentError(fmt.Sprintf("internal error: %v", r), nil).
				WithCode(ErrCodeInternal).WithOperation("run")
		}
		o.release(held)
	}()

	for c.ap != nil {
		held = c.ap
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		switch c.phase {
		case phaseExecute:
			c = o.executeAndVerify(ctx, c.ap, c.index, c.command)
		case phaseSummarize:
			c = o.summarize(ctx, c.ap, c.index)
		case phaseRevise:
			next, revErr := o.revise(ctx, c)
			if revErr != nil {
				if c.auto {
					o.logger.WithError(revErr).Warn("Automatic revision failed")
					return nil
				}
				return revErr
			}
			c = next
		default:
			c, err = o.advance(ctx, c.ap, c.index)
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// advance resolves, classifies and either suspends or schedules the step.
func (o *Orchestrator) advance(ctx context.Context, ap *activePlan, index int) (cursor, error) {
	work, stop, err := o.prepareStep(ctx, ap, index)
	if stop || err != nil {
		return cursor{}, err
	}

	if work.generate {
		cmd, genErr := o.generator.GenerateCommand(ctx, work.description)
		cmd = strings.TrimSpace(cmd)
		if !o.applyGenerated(ctx, ap, index, cmd, genErr) {
			return cursor{}, nil
		}
		work.command = cmd
	}

	assessment := o.gate.Assess(ctx, work.command)
	if !o.applyAssessment(ctx, ap, index, work.command, assessment) {
		return cursor{}, nil
	}

	return cursor{ap: ap, index: index, phase: phaseExecute, command: work.command}, nil
}

func (o *Orchestrator) prepareStep(ctx context.Context, ap *activePlan, index int) (stepWork, bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.currentLocked(ap) {
		return stepWork{}, true, nil
	}
	plan := ap.plan

	if index >= len(plan.Steps) {
		o.completeLocked(ctx, ap)
		return stepWork{}, true, nil
	}
	if index < 0 {
		o.failIntegrityLocked(ctx, ap, -1, fmt.Sprintf("Step index %d out of range", index))
		return stepWork{}, true, nil
	}
	if other := plan.ActiveStepIndex(); other >= 0 && other != index {
		return stepWork{}, true, NewConflictError(fmt.Sprintf("step %d is still active", other), nil).
			WithCode(ErrCodeInvalidPlanState).WithResource(plan.ID).WithOperation("execute_step")
	}

	step := &plan.Steps[index]
	step.Status = StepStatusExecuting
	step.Stdout = ""
	step.Stderr = ""
	step.Verification = nil
	plan.Status = PlanStatusExecuting

	if step.Command == "" && step.IsObserve {
		step.Command = ObservationCommand(step.Description)
	}

	work := stepWork{description: step.Description, command: step.Command}
	if step.Command == "" {
		if o.generator == nil {
			o.failIntegrityLocked(ctx, ap, index, "Command missing for critical non-observation step: "+step.Description)
			return stepWork{}, true, nil
		}
		work.generate = true
	}

	o.emitLocked(ctx, plan, EventStatusUpdate, map[string]interface{}{"step_index": index})
	o.touchLocked(ctx, ap)
	return work, false, nil
}

func (o *Orchestrator) applyGenerated(ctx context.Context, ap *activePlan, index int, cmd string, genErr error) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.currentLocked(ap) {
		o.logger.WithPlanID(ap.plan.ID).Debug("Discarding generated command for inactive plan")
		return false
	}

	step := &ap.plan.Steps[index]
	if genErr != nil || cmd == "" {
		reason := "Command missing for critical non-observation step: " + step.Description
		if genErr != nil {
			reason = fmt.Sprintf("Command generation failed for step %q: %v", step.Description, genErr)
		}
		o.failIntegrityLocked(ctx, ap, index, reason)
		return false
	}

	step.Command = cmd
	o.touchLocked(ctx, ap)
	return true
}

// applyAssessment records the safety verdict and reports whether the command
// may run now.
func (o *Orchestrator) applyAssessment(ctx context.Context, ap *activePlan, index int, cmd string, a Assessment) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.currentLocked(ap) {
		return false
	}
	plan := ap.plan
	step := &plan.Steps[index]

	if !a.Safe {
		step.Status = StepStatusBlocked
		step.RiskReason = a.Reason
		plan.RecordResult(step)
		o.emitLocked(ctx, plan, EventUnsafeCommandBlocked, map[string]interface{}{
			"step_index":       index,
			"command":          cmd,
			"step_description": step.Description,
			"reason":           a.Reason,
			"policies":         a.Policies,
		})
		o.touchLocked(ctx, ap)
		o.metrics.RecordSafetyDecision("blocked")
		o.logger.WithPlanID(plan.ID).WithStepIndex(index).Warnf("Unsafe command blocked: %s", a.Reason)
		return false
	}

	if a.Risky {
		step.IsRisky = true
		step.RiskReason = a.Reason
	}

	if !step.IsRisky && !plan.HumanConfirmationRequired {
		o.metrics.RecordSafetyDecision("allowed")
		return true
	}

	reason := step.RiskReason
	if reason == "" {
		reason = "Human confirmation required for this plan"
	}
	pc := &PendingCommand{
		ID:          PendingCommandID(plan.ID, index),
		PlanID:      plan.ID,
		StepIndex:   index,
		Command:     cmd,
		Description: step.Description,
		Reason:      reason,
		CreatedAt:   time.Now(),
	}
	o.pending[pc.ID] = pc
	step.Status = StepStatusAwaitingConfirmation

	o.emitLocked(ctx, plan, EventConfirmationRequired, map[string]interface{}{
		"command_id":  pc.ID,
		"step_index":  index,
		"command":     cmd,
		"description": step.Description,
		"reason":      reason,
	})
	o.touchLocked(ctx, ap)
	o.metrics.RecordSafetyDecision("confirmation")
	o.metrics.SetPendingConfirmations(float64(len(o.pending)))
	return false
}

// executeAndVerify runs the resolved command and applies the verdict. No
// lock is held while the runner or verifier works.
func (o *Orchestrator) executeAndVerify(ctx context.Context, ap *activePlan, index int, cmd string) cursor {
	planID := ap.plan.ID
	spanCtx, span := o.tracer.StartStepSpan(ctx, planID, index)
	defer span.End()

	started := time.Now()
	res := o.runner.Execute(spanCtx, cmd)

	o.mu.Lock()
	stillActive := o.currentLocked(ap)
	var description string
	if stillActive {
		description = ap.plan.Steps[index].Description
	}
	o.mu.Unlock()
	if !stillActive {
		o.logger.WithPlanID(planID).WithStepIndex(index).Info("Discarding execution result for inactive plan")
		return cursor{}
	}

	ver, verErr := o.verifier.Verify(spanCtx, VerifyRequest{
		Description:  description,
		Command:      cmd,
		Stdout:       res.Stdout,
		Stderr:       res.Stderr,
		RawSucceeded: res.Succeeded,
	})
	if verErr != nil {
		code := ErrorCode(verErr)
		if code == "" {
			code = ErrCodeLLMFailed
		}
		ver = Verification{
			Success:     res.Succeeded,
			Explanation: "Verification unavailable; falling back to the command exit status.",
			ErrorCode:   code,
			Error:       verErr.Error(),
		}
	}
	if ver.ErrorCode != "" {
		o.metrics.RecordVerificationFallback(ver.ErrorCode)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.currentLocked(ap) {
		o.logger.WithPlanID(planID).WithStepIndex(index).Info("Discarding verification result for inactive plan")
		return cursor{}
	}

	duration := time.Since(started)
	if ver.Success {
		telemetry.RecordSuccess(span)
		o.metrics.RecordStep("completed", duration)
		return o.completeStepLocked(ctx, ap, index, res, ver)
	}

	telemetry.RecordError(span, fmt.Errorf("step %d failed: %s", index, ver.Explanation))
	o.metrics.RecordStep("failed", duration)
	return o.failStepLocked(ctx, ap, index, res, ver)
}

func (o *Orchestrator) completeStepLocked(ctx context.Context, ap *activePlan, index int, res ExecutionResult, ver Verification) cursor {
	plan := ap.plan
	step := &plan.Steps[index]
	step.Status = StepStatusCompleted
	step.Stdout = res.Stdout
	step.Stderr = res.Stderr
	step.Verification = &ver
	plan.RecordResult(step)

	o.emitLocked(ctx, plan, EventStepCompleted, map[string]interface{}{
		"step_index":   index,
		"stdout":       res.Stdout,
		"stderr":       res.Stderr,
		"exit_code":    res.ExitCode,
		"verification": ver,
	})
	o.emitLocked(ctx, plan, EventStepCompletedFeedback, map[string]interface{}{
		"step_index":             index,
		"description":            step.Description,
		"stdout":                 res.Stdout,
		"explanation":            ver.Explanation,
		"suggestion":             ver.Suggestion,
		"continue_automatically": !step.IsObserve && !o.cfg.HumanValidationRequired,
	})
	o.touchLocked(ctx, ap)

	if o.cfg.SummarizeProgress && o.summarizer != nil && index+1 < len(plan.Steps) {
		return cursor{ap: ap, index: index, phase: phaseSummarize}
	}
	return o.afterSuccessLocked(ctx, ap, index)
}

// afterSuccessLocked decides whether the plan advances past a completed step.
func (o *Orchestrator) afterSuccessLocked(ctx context.Context, ap *activePlan, index int) cursor {
	plan := ap.plan
	step := &plan.Steps[index]

	// Human validation takes precedence over observation.
	if o.cfg.HumanValidationRequired {
		plan.Status = PlanStatusPaused
		o.emitLocked(ctx, plan, EventPlanPaused, map[string]interface{}{
			"step_index": index,
			"reason":     "Awaiting step feedback",
		})
		o.touchLocked(ctx, ap)
		return cursor{}
	}

	if step.IsObserve {
		plan.Status = PlanStatusPaused
		o.emitLocked(ctx, plan, EventObservationRequired, map[string]interface{}{
			"step_index":  index,
			"description": step.Description,
			"stdout":      step.Stdout,
		})
		o.touchLocked(ctx, ap)
		return cursor{}
	}

	return cursor{ap: ap, index: index + 1}
}

func (o *Orchestrator) failStepLocked(ctx context.Context, ap *activePlan, index int, res ExecutionResult, ver Verification) cursor {
	plan := ap.plan
	step := &plan.Steps[index]

	stderr := res.Stderr
	if ver.ErrorCode != "" && stderr == "" {
		msg := ver.Error
		if msg == "" {
			msg = ver.Explanation
		}
		stderr = "LLM Verification Error: " + msg
	}

	step.Status = StepStatusFailed
	step.Stdout = res.Stdout
	step.Stderr = stderr
	step.Verification = &ver
	plan.RecordResult(step)

	o.emitLocked(ctx, plan, EventStepFailed, map[string]interface{}{
		"step_index":   index,
		"stdout":       res.Stdout,
		"stderr":       stderr,
		"exit_code":    res.ExitCode,
		"timed_out":    res.TimedOut,
		"verification": ver,
	})
	o.emitLocked(ctx, plan, EventStepFailureOptions, map[string]interface{}{
		"step_index": index,
		"options":    []string{"revise", "continue", "skip", "abort"},
		"suggestion": ver.Suggestion,
	})
	o.touchLocked(ctx, ap)
	o.logger.WithPlanID(plan.ID).WithStepIndex(index).Warnf("Step failed: %s", ver.Explanation)

	if o.cfg.AutoRevise && o.reviser != nil && plan.Revision < maxAutoRevisions {
		feedback := fmt.Sprintf("Step %d (%s) failed: %s", step.Number, step.Description, ver.Explanation)
		if ver.Suggestion != "" {
			feedback += " Suggestion: " + ver.Suggestion
		}
		return cursor{ap: ap, phase: phaseRevise, feedback: feedback, auto: true}
	}
	return cursor{}
}

// summarize runs one progress summarization round after the step at index
// completed, then continues as afterSuccessLocked decides.
func (o *Orchestrator) summarize(ctx context.Context, ap *activePlan, index int) cursor {
	o.mu.Lock()
	if !o.currentLocked(ap) {
		o.mu.Unlock()
		return cursor{}
	}
	snapshot := ap.plan.Clone()
	o.mu.Unlock()

	update, err := o.summarizer.Summarize(ctx, snapshot, index)

	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.currentLocked(ap) {
		o.logger.WithPlanID(snapshot.ID).Debug("Discarding progress summary for inactive plan")
		return cursor{}
	}

	plan := ap.plan
	switch {
	case err != nil || update == nil:
		reason := "summarizer returned no update"
		if err != nil {
			reason = err.Error()
		}
		o.emitLocked(ctx, plan, EventProgressSummarizationFailed, map[string]interface{}{
			"step_index": index,
			"reason":     reason,
		})
		o.metrics.RecordSummarization("failed")
	default:
		plan.ProgressSummary = update.Summary
		if len(update.UpdatedSteps) > 0 {
			plan.Steps = replaceTail(plan.Steps, index, update.UpdatedSteps)
		}
		o.emitLocked(ctx, plan, EventProgressSummarized, map[string]interface{}{
			"step_index":    index,
			"summary":       update.Summary,
			"updated_steps": len(update.UpdatedSteps),
		})
		o.metrics.RecordSummarization("succeeded")
	}
	o.touchLocked(ctx, ap)

	return o.afterSuccessLocked(ctx, ap, index)
}

// replaceTail keeps steps[:index+1] and appends the updated steps renumbered
// to follow the last kept step. Replacement steps start pending.
func replaceTail(steps []Step, index int, updated []Step) []Step {
	out := make([]Step, 0, index+1+len(updated))
	out = append(out, steps[:index+1]...)
	next := steps[index].Number + 1
	for _, s := range CloneSteps(updated) {
		s.Number = next
		s.Status = StepStatusPending
		s.Stdout, s.Stderr, s.Verification = "", "", nil
		out = append(out, s)
		next++
	}
	return out
}

// revise runs one revision round for an active plan and, on success, returns
// a cursor at step 0 of the replacement.
func (o *Orchestrator) revise(ctx context.Context, c cursor) (cursor, error) {
	ap := c.ap

	o.mu.Lock()
	if !o.currentLocked(ap) {
		o.mu.Unlock()
		return cursor{}, planNotActive(ap.plan.ID, "request_revision")
	}
	snapshot := ap.plan.Clone()
	ap.plan.Status = PlanStatusRevising
	o.emitLocked(ctx, ap.plan, EventStatusUpdate, map[string]interface{}{
		"reason":   "revising",
		"feedback": c.feedback,
	})
	o.touchLocked(ctx, ap)
	o.mu.Unlock()

	o.logger.WithPlanID(snapshot.ID).Infof("Requesting plan revision (auto=%t)", c.auto)
	revised, err := o.reviser.Revise(ctx, snapshot, c.feedback)
	if err == nil && (revised == nil || len(revised.Steps) == 0) {
		err = fmt.Errorf("reviser returned an empty plan")
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.currentLocked(ap) {
		o.logger.WithPlanID(snapshot.ID).Info("Discarding revision for inactive plan")
		return cursor{}, planNotActive(snapshot.ID, "request_revision")
	}

	if err != nil {
		ap.plan.Status = PlanStatusRevisionFailed
		o.emitLocked(ctx, ap.plan, EventPlanRevisionFailed, map[string]interface{}{
			"original_plan_id": snapshot.ID,
			"error":            err.Error(),
			"feedback":         c.feedback,
		})
		o.touchLocked(ctx, ap)
		o.metrics.RecordRevision("failed")
		return cursor{}, NewPermanentError("plan revision failed", err).
			WithCode(ErrCodeRevisionFailed).WithResource(snapshot.ID).WithOperation("request_revision")
	}

	next := prepareRevision(snapshot, revised, PlanStatusExecuting)

	ap.plan.Status = snapshot.Status
	ap.plan.SupersededBy = next.ID
	o.touchLocked(ctx, ap)
	o.deactivateLocked(ap)

	nap := o.registerLocked(ctx, next)
	o.emitLocked(ctx, next, EventPlanRevised, map[string]interface{}{
		"original_plan_id": snapshot.ID,
		"revised_plan_id":  next.ID,
		"revision":         next.Revision,
		"revision_summary": next.RevisionSummary,
		"feedback":         c.feedback,
		"is_auto_revision": c.auto,
	})
	o.metrics.RecordRevision("succeeded")
	o.metrics.RecordPlanStarted(true)
	o.logger.WithPlanID(next.ID).Infof("Plan revised from %s (revision %d)", snapshot.ID, next.Revision)

	return cursor{ap: nap, index: 0}, nil
}

// reviseInactive revises a plan that is not executing. The replacement is
// stored with status generated and not started.
func (o *Orchestrator) reviseInactive(ctx context.Context, planID, feedback string) (*Plan, error) {
	stored, err := o.store.Get(ctx, planID)
	if err != nil {
		return nil, NewPermanentError("plan not found", err).
			WithCode(ErrCodePlanNotFound).WithResource(planID).WithOperation("request_revision")
	}
	snapshot := stored.Clone()

	revised, err := o.reviser.Revise(ctx, snapshot, feedback)
	if err == nil && (revised == nil || len(revised.Steps) == 0) {
		err = fmt.Errorf("reviser returned an empty plan")
	}
	if err != nil {
		o.emitDetached(ctx, planID, EventPlanRevisionFailed, snapshot.Steps, map[string]interface{}{
			"original_plan_id": planID,
			"error":            err.Error(),
			"feedback":         feedback,
		})
		o.metrics.RecordRevision("failed")
		return nil, NewPermanentError("plan revision failed", err).
			WithCode(ErrCodeRevisionFailed).WithResource(planID).WithOperation("request_revision")
	}

	next := prepareRevision(snapshot, revised, PlanStatusGenerated)

	o.mu.Lock()
	defer o.mu.Unlock()

	if _, active := o.active[planID]; !active {
		snapshot.SupersededBy = next.ID
		snapshot.UpdatedAt = time.Now()
		o.persistLocked(ctx, snapshot)
	}
	next.UpdatedAt = time.Now()
	o.persistLocked(ctx, next)
	o.emitLocked(ctx, next, EventPlanRevised, map[string]interface{}{
		"original_plan_id": planID,
		"revised_plan_id":  next.ID,
		"revision":         next.Revision,
		"revision_summary": next.RevisionSummary,
		"feedback":         feedback,
		"is_auto_revision": false,
	})
	o.metrics.RecordRevision("succeeded")
	return next.Clone(), nil
}

// prepareRevision links a revised plan to its predecessor and gives it a
// fresh content-derived id. Revision numbers only grow, so following
// OriginalPlanID always terminates.
func prepareRevision(prev, revised *Plan, status PlanStatus) *Plan {
	next := revised.Clone()
	next.OriginalPlanID = prev.ID
	next.Revision = prev.Revision + 1
	next.HumanConfirmationRequired = next.HumanConfirmationRequired || prev.HumanConfirmationRequired
	if next.Request == "" {
		next.Request = prev.Request
	}
	next.Status = status
	next.StepResults = nil
	next.SupersededBy = ""
	next.Error = nil
	for i := range next.Steps {
		next.Steps[i].Status = StepStatusPending
		next.Steps[i].Stdout = ""
		next.Steps[i].Stderr = ""
		next.Steps[i].Verification = nil
	}
	now := time.Now()
	next.CreatedAt = now
	next.UpdatedAt = now
	next.ID = ComputePlanID(next)
	return next
}

// completeLocked finishes a plan whose every step was processed.
func (o *Orchestrator) completeLocked(ctx context.Context, ap *activePlan) {
	plan := ap.plan
	plan.Status = PlanStatusCompleted
	o.emitLocked(ctx, plan, EventPlanCompleted, nil)
	o.touchLocked(ctx, ap)
	o.deactivateLocked(ap)

	o.metrics.RecordPlanFinished(string(PlanStatusCompleted), time.Since(ap.startedAt))
	o.logger.WithPlanID(plan.ID).Info("Plan completed")
}

// failIntegrityLocked fails a step that could not be attempted and halts the
// plan with status error.
func (o *Orchestrator) failIntegrityLocked(ctx context.Context, ap *activePlan, index int, reason string) {
	plan := ap.plan
	if index >= 0 && index < len(plan.Steps) {
		step := &plan.Steps[index]
		step.Status = StepStatusFailed
		step.Stderr = reason
		plan.RecordResult(step)
	}
	plan.Status = PlanStatusError

	o.emitLocked(ctx, plan, EventStepFailed, map[string]interface{}{
		"step_index": index,
		"reason":     reason,
	})
	o.emitLocked(ctx, plan, EventStatusUpdate, map[string]interface{}{
		"reason": reason,
	})
	o.touchLocked(ctx, ap)
	o.metrics.RecordError(string(ErrorClassPermanent), ErrCodeInvalidPlanState)
	o.logger.WithPlanID(plan.ID).WithStepIndex(index).Error(reason)
}

func (o *Orchestrator) recoverPanic(ctx context.Context, ap *activePlan, r interface{}) {
	o.logger.Errorf("Recovered from panic during plan execution: %v", r)
	if ap == nil {
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.currentLocked(ap) {
		return
	}
	o.failIntegrityLocked(ctx, ap, ap.plan.ActiveStepIndex(), fmt.Sprintf("Internal error: %v", r))
}

// touchLocked stamps and persists the plan.
func (o *Orchestrator) touchLocked(ctx context.Context, ap *activePlan) {
	ap.plan.UpdatedAt = time.Now()
	o.persistLocked(ctx, ap.plan)
}

// persistLocked writes a snapshot of the plan. Persistence failures are
// logged; the in-memory state stays authoritative.
func (o *Orchestrator) persistLocked(ctx context.Context, plan *Plan) {
	if err := o.store.Put(context.WithoutCancel(ctx), plan.Clone()); err != nil {
		o.logger.WithPlanID(plan.ID).WithError(err).Error("Failed to persist plan")
		o.metrics.RecordError(string(ErrorClassTransient), ErrCodeStorage)
	}
}

func (o *Orchestrator) emitLocked(ctx context.Context, plan *Plan, kind EventKind, data map[string]interface{}) {
	o.publish(ctx, &Event{
		ID:        uuid.NewString(),
		Kind:      kind,
		PlanID:    plan.ID,
		Timestamp: time.Now(),
		Status:    string(plan.Status),
		Steps:     CloneSteps(plan.Steps),
		Data:      data,
	})
}

// emitDetached publishes an error event for a plan that is not active.
func (o *Orchestrator) emitDetached(ctx context.Context, planID string, kind EventKind, steps []Step, data map[string]interface{}) {
	if steps == nil {
		steps = []Step{}
	}
	o.publish(ctx, &Event{
		ID:        uuid.NewString(),
		Kind:      kind,
		PlanID:    planID,
		Timestamp: time.Now(),
		Status:    string(PlanStatusError),
		Steps:     CloneSteps(steps),
		Data:      data,
	})
}

func (o *Orchestrator) publish(ctx context.Context, event *Event) {
	o.metrics.RecordEvent(string(event.Kind))
	if o.events == nil {
		return
	}
	if err := o.events.Publish(ctx, event); err != nil {
		o.logger.WithPlanID(event.PlanID).WithError(err).Warnf("Failed to publish %s event", event.Kind)
	}
}

func planNotActive(planID, operation string) error {
	return NewPermanentError("plan is not active", nil).
		WithCode(ErrCodePlanNotActive).WithResource(planID).WithOperation(operation)
}
