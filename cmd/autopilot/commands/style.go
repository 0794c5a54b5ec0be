package commands

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/openfroyo/autopilot/pkg/engine"
)

var (
	colorAccent  = lipgloss.Color("#7C3AED")
	colorSuccess = lipgloss.Color("#10B981")
	colorWarning = lipgloss.Color("#F59E0B")
	colorError   = lipgloss.Color("#EF4444")
	colorMuted   = lipgloss.Color("#6B7280")

	titleStyle   = lipgloss.NewStyle().Foreground(colorAccent).Bold(true)
	successStyle = lipgloss.NewStyle().Foreground(colorSuccess).Bold(true)
	warningStyle = lipgloss.NewStyle().Foreground(colorWarning)
	errorStyle   = lipgloss.NewStyle().Foreground(colorError).Bold(true)
	dimStyle     = lipgloss.NewStyle().Foreground(colorMuted)
	commandStyle = lipgloss.NewStyle().Foreground(colorAccent)
	outputStyle  = lipgloss.NewStyle().
			Foreground(colorMuted).
			PaddingLeft(4)
)

// statusStyle colors a plan or step status.
func statusStyle(status string) lipgloss.Style {
	switch status {
	case string(engine.StepStatusCompleted):
		return successStyle
	case string(engine.StepStatusFailed), string(engine.StepStatusBlocked),
		string(engine.PlanStatusError), string(engine.PlanStatusRevisionFailed), string(engine.PlanStatusAborted):
		return errorStyle
	case string(engine.StepStatusAwaitingConfirmation), string(engine.PlanStatusPaused):
		return warningStyle
	default:
		return dimStyle
	}
}

// printPlan renders a plan with its steps.
func printPlan(w io.Writer, plan *engine.Plan) {
	header := fmt.Sprintf("Plan %s", plan.ID)
	if plan.Revision > 0 {
		header += fmt.Sprintf(" (revision %d of %s)", plan.Revision, plan.OriginalPlanID)
	}
	fmt.Fprintln(w, titleStyle.Render(header))
	if plan.Request != "" {
		fmt.Fprintln(w, dimStyle.Render("Request: "+plan.Request))
	}
	fmt.Fprintln(w, "Status: "+statusStyle(string(plan.Status)).Render(string(plan.Status)))
	if plan.RevisionSummary != "" {
		fmt.Fprintln(w, "Changes: "+plan.RevisionSummary)
	}
	if plan.Error != nil {
		fmt.Fprintln(w, errorStyle.Render(fmt.Sprintf("%s: %s", plan.Error.Code, plan.Error.Message)))
		if plan.Error.RawResponseSnippet != "" {
			fmt.Fprintln(w, outputStyle.Render(plan.Error.RawResponseSnippet))
		}
	}

	for _, step := range plan.Steps {
		var flags []string
		if step.IsRisky {
			flags = append(flags, warningStyle.Render("risky"))
		}
		if step.IsObserve {
			flags = append(flags, dimStyle.Render("observe"))
		}
		line := fmt.Sprintf("  %d. %s", step.Number, step.Description)
		if len(flags) > 0 {
			line += " [" + strings.Join(flags, ", ") + "]"
		}
		if step.Status != "" && step.Status != engine.StepStatusPending {
			line += " " + statusStyle(string(step.Status)).Render(string(step.Status))
		}
		fmt.Fprintln(w, line)
		if step.Command != "" {
			fmt.Fprintln(w, "     "+commandStyle.Render("$ "+step.Command))
		}
	}
	if plan.ProgressSummary != "" {
		fmt.Fprintln(w, dimStyle.Render("Progress: "+plan.ProgressSummary))
	}
}

// indentOutput trims command output for display.
func indentOutput(s string, maxLines int) string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return ""
	}
	lines := strings.Split(s, "\n")
	if len(lines) > maxLines {
		lines = append(lines[:maxLines], fmt.Sprintf("... (%d more lines)", len(lines)-maxLines))
	}
	return outputStyle.Render(strings.Join(lines, "\n"))
}
