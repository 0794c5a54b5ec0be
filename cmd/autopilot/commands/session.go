package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/openfroyo/autopilot/pkg/api"
	"github.com/openfroyo/autopilot/pkg/engine"
)

// errDeclined is returned when the operator declines a plan.
var errDeclined = errors.New("plan declined")

const maxOutputLines = 20

// session drives one plan from the terminal. Every orchestrator call runs
// until the plan suspends; the session then reads the plan state and asks the
// operator what to do next.
type session struct {
	orch api.Orchestrator
	in   *bufio.Reader
	out  io.Writer

	// assumeYes accepts plans, approves risky commands and acknowledges
	// observations without asking. Failures end the session.
	assumeYes bool

	// validateSteps mirrors the orchestrator's human-validation setting,
	// which pauses for step feedback even after observation steps.
	validateSteps bool

	planID  string
	seen    map[int]engine.StepStatus
	summary string
}

func newSession(orch api.Orchestrator, in io.Reader, out io.Writer, assumeYes bool) *session {
	return &session{
		orch:      orch,
		in:        bufio.NewReader(in),
		out:       out,
		assumeYes: assumeYes,
	}
}

// ask prints a prompt and returns the trimmed answer. EOF counts as an empty
// answer once input was read, and as an error otherwise.
func (s *session) ask(prompt string) (string, error) {
	fmt.Fprint(s.out, titleStyle.Render("? ")+prompt+" ")
	line, err := s.in.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && line != "" {
			return strings.TrimSpace(line), nil
		}
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// review shows a generated plan and asks whether to run it. Feedback instead
// of yes or no revises the plan and shows the revision.
func (s *session) review(ctx context.Context, plan *engine.Plan) (*engine.Plan, error) {
	for {
		printPlan(s.out, plan)
		if plan.Status == engine.PlanStatusError || len(plan.Steps) == 0 {
			return nil, fmt.Errorf("plan %s could not be generated", plan.ID)
		}
		if s.assumeYes {
			return plan, nil
		}

		answer, err := s.ask("Execute this plan? [y]es, [n]o, or describe what to change:")
		if err != nil {
			return nil, err
		}
		switch strings.ToLower(answer) {
		case "y", "yes":
			return plan, nil
		case "", "n", "no":
			return nil, errDeclined
		}

		revised, err := s.orch.RequestRevision(ctx, plan.ID, answer)
		if err != nil {
			return nil, err
		}
		if revised == nil {
			return nil, fmt.Errorf("plan %s could not be revised", plan.ID)
		}
		plan = revised
	}
}

// drive executes a plan and handles every suspension until the plan
// completes, is aborted or stops with an error.
func (s *session) drive(ctx context.Context, planID string) error {
	s.switchPlan(planID)
	if err := s.orch.ExecutePlan(ctx, planID); err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		plan, err := s.orch.Status(ctx, s.planID)
		if err != nil {
			return err
		}
		s.report(plan)

		switch {
		case plan.Status == engine.PlanStatusCompleted:
			fmt.Fprintln(s.out, successStyle.Render("Plan completed."))
			return nil
		case plan.Status == engine.PlanStatusAborted:
			fmt.Fprintln(s.out, warningStyle.Render("Plan aborted."))
			return nil
		case !s.orch.IsActive(s.planID):
			return fmt.Errorf("plan %s stopped with status %s", plan.ID, plan.Status)
		}

		if pending := s.orch.PendingCommands(s.planID); len(pending) > 0 {
			err = s.confirm(ctx, pending[0])
		} else {
			err = s.resume(ctx, plan)
		}
		if err != nil {
			return err
		}
	}
}

func (s *session) switchPlan(planID string) {
	s.planID = planID
	s.seen = make(map[int]engine.StepStatus)
	s.summary = ""
}

// report prints the steps that reached a new final status since the last
// report.
func (s *session) report(plan *engine.Plan) {
	for i, step := range plan.Steps {
		if !step.Status.IsTerminal() || s.seen[i] == step.Status {
			continue
		}
		s.seen[i] = step.Status

		label := fmt.Sprintf("Step %d: %s", step.Number, step.Description)
		switch step.Status {
		case engine.StepStatusCompleted:
			fmt.Fprintln(s.out, successStyle.Render("✓ ")+label)
			if out := indentOutput(step.Stdout, maxOutputLines); out != "" {
				fmt.Fprintln(s.out, out)
			}
		case engine.StepStatusSkipped:
			fmt.Fprintln(s.out, dimStyle.Render("- "+label+" (skipped)"))
		case engine.StepStatusBlocked:
			fmt.Fprintln(s.out, errorStyle.Render("✗ ")+label+" "+errorStyle.Render("blocked"))
			if step.RiskReason != "" {
				fmt.Fprintln(s.out, outputStyle.Render(step.RiskReason))
			}
		case engine.StepStatusFailed:
			fmt.Fprintln(s.out, errorStyle.Render("✗ ")+label+" "+errorStyle.Render("failed"))
			if out := indentOutput(step.Stderr, maxOutputLines); out != "" {
				fmt.Fprintln(s.out, out)
			}
			if v := step.Verification; v != nil {
				if v.Explanation != "" {
					fmt.Fprintln(s.out, outputStyle.Render(v.Explanation))
				}
				if v.Suggestion != "" {
					fmt.Fprintln(s.out, outputStyle.Render("Suggestion: "+v.Suggestion))
				}
			}
		}
	}
	if plan.ProgressSummary != "" && plan.ProgressSummary != s.summary {
		s.summary = plan.ProgressSummary
		fmt.Fprintln(s.out, dimStyle.Render("Progress: "+plan.ProgressSummary))
	}
}

// confirm asks whether a risky command may run.
func (s *session) confirm(ctx context.Context, pc engine.PendingCommand) error {
	fmt.Fprintln(s.out, warningStyle.Render(fmt.Sprintf("Step %d needs confirmation: %s", pc.StepIndex+1, pc.Description)))
	fmt.Fprintln(s.out, "     "+commandStyle.Render("$ "+pc.Command))
	if pc.Reason != "" {
		fmt.Fprintln(s.out, outputStyle.Render(pc.Reason))
	}
	if s.assumeYes {
		return s.orch.Approve(ctx, pc.ID, "")
	}

	answer, err := s.ask("Run this command? [y/N]")
	if err != nil {
		return err
	}
	switch strings.ToLower(answer) {
	case "y", "yes":
		return s.orch.Approve(ctx, pc.ID, "")
	default:
		return s.orch.Deny(ctx, pc.ID, "")
	}
}

// resume handles a plan that suspended without a pending command.
func (s *session) resume(ctx context.Context, plan *engine.Plan) error {
	idx := firstUndone(plan)
	if idx < len(plan.Steps) {
		switch plan.Steps[idx].Status {
		case engine.StepStatusFailed, engine.StepStatusBlocked:
			return s.recover(ctx, plan, idx)
		}
	}

	if plan.Status == engine.PlanStatusPaused && idx > 0 {
		prev := plan.Steps[idx-1]
		if prev.Status == engine.StepStatusCompleted {
			if prev.IsObserve && !s.validateSteps {
				return s.observe(ctx, plan, idx-1)
			}
			return s.feedback(ctx, plan, idx-1)
		}
	}
	return s.recover(ctx, plan, idx)
}

func (s *session) observe(ctx context.Context, plan *engine.Plan, index int) error {
	fmt.Fprintln(s.out, warningStyle.Render(fmt.Sprintf("Step %d asks you to check: %s", index+1, plan.Steps[index].Description)))
	if s.assumeYes {
		return s.orch.CompleteObservation(ctx, plan.ID, index, "")
	}
	answer, err := s.ask("What did you observe? (enter to continue)")
	if err != nil {
		return err
	}
	return s.orch.CompleteObservation(ctx, plan.ID, index, answer)
}

func (s *session) feedback(ctx context.Context, plan *engine.Plan, index int) error {
	if s.assumeYes {
		return s.orch.SubmitStepFeedback(ctx, plan.ID, index, "", true)
	}
	answer, err := s.ask(fmt.Sprintf("Feedback on step %d? (enter to continue):", index+1))
	if err != nil {
		return err
	}
	return s.orch.SubmitStepFeedback(ctx, plan.ID, index, answer, true)
}

// recover offers the ways out of a failed, blocked or paused step.
func (s *session) recover(ctx context.Context, plan *engine.Plan, index int) error {
	if s.assumeYes {
		if index < len(plan.Steps) {
			return fmt.Errorf("step %d %s", index+1, plan.Steps[index].Status)
		}
		return s.orch.ContinueExecution(ctx, plan.ID, false)
	}

	for {
		answer, err := s.ask("[c]ontinue, [s]kip, [r]evise or [a]bort?")
		if err != nil {
			return err
		}
		switch strings.ToLower(answer) {
		case "c", "continue", "retry":
			return s.orch.ContinueExecution(ctx, plan.ID, false)
		case "s", "skip":
			return s.orch.ContinueExecution(ctx, plan.ID, true)
		case "a", "abort":
			return s.orch.AbortExecution(ctx, plan.ID)
		case "r", "revise":
			fb, err := s.ask("What should change?")
			if err != nil {
				return err
			}
			revised, err := s.orch.RequestRevision(ctx, plan.ID, fb)
			if err != nil {
				return err
			}
			if revised == nil {
				return nil
			}
			printPlan(s.out, revised)
			s.switchPlan(revised.ID)
			return nil
		}
	}
}

// firstUndone returns the index of the first step execution cannot move
// past, or len(plan.Steps).
func firstUndone(plan *engine.Plan) int {
	for i := range plan.Steps {
		if !plan.Steps[i].Status.IsDone() {
			return i
		}
	}
	return len(plan.Steps)
}
