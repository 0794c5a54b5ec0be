package llm

import (
	"fmt"
	"strings"

	"github.com/openfroyo/autopilot/pkg/engine"
)

// maxOutputChars caps how much step output is quoted back to the model.
const maxOutputChars = 4000

const planSystemPrompt = `You are Autopilot, an assistant that generates executable plans for macOS tasks.

CAPABILITIES:
You can generate plans with commands that:
1. Execute shell commands (ls, grep, find, etc.)
2. Open applications (using 'open -a AppName')
3. Manipulate files and directories
4. Check system information
5. Run AppleScript (starting with 'tell application')

INSTRUCTIONS:
Given a task request, respond with a single JSON object and nothing else:
{
  "plan": [
    {
      "number": 1,
      "description": "human-readable description of the step",
      "command": "executable macOS command, or null for observation steps",
      "is_risky": false,
      "is_observe": false
    }
  ]
}

RULES:
- Number steps from 1 in execution order.
- Set "is_risky" to true for any step that deletes data, needs elevated privileges or changes system settings.
- Set "is_observe" to true for steps where a human must look at something and confirm.
- Include verification steps to ensure the task was successful.`

const revisionSystemPrompt = `You are Autopilot, an assistant that revises executable plans for macOS tasks based on feedback and execution results.

INSTRUCTIONS:
Given the original plan, the execution results and the feedback:
1. Analyze what went wrong or needs improvement.
2. Create a REVISED plan that completes the original task.
3. Explain your changes briefly in "revision_summary".

Respond with a single JSON object and nothing else:
{
  "revision_summary": "brief explanation of the changes",
  "plan": [
    {
      "number": 1,
      "description": "human-readable description of the step",
      "command": "executable macOS command, or null for observation steps",
      "is_risky": false,
      "is_observe": false
    }
  ]
}`

const verifySystemPrompt = `You verify whether a command executed on macOS achieved the intent of a plan step.

Judge the intent, not only the exit status: a command can exit 0 and still fail its purpose,
and a command can exit non-zero while the step's goal was met.

Respond with a single JSON object and nothing else:
{
  "success": true,
  "explanation": "why the step did or did not achieve its intent",
  "suggestion": "what to do next if it failed, otherwise an empty string"
}`

const summarizeSystemPrompt = `You track the progress of a multi-step macOS automation plan.

Given the completed steps with their results and the remaining steps:
1. Summarize what has been achieved so far in a few sentences.
2. If the results show that the remaining steps need to change, return the full replacement list of remaining steps. Otherwise return an empty list.

Respond with a single JSON object and nothing else:
{
  "summary": "progress so far",
  "updated_steps": [
    {
      "number": 1,
      "description": "human-readable description of the step",
      "command": "executable macOS command, or null for observation steps",
      "is_risky": false,
      "is_observe": false
    }
  ]
}`

const commandSystemPrompt = `You translate a task description into a single executable macOS shell command or AppleScript.
Respond with the command only: no explanation, no markdown.`

// buildRevisionPrompt lists the plan with the recorded results of each step,
// followed by the feedback.
func buildRevisionPrompt(plan *engine.Plan, feedback string) string {
	var b strings.Builder
	if plan.Request != "" {
		fmt.Fprintf(&b, "ORIGINAL REQUEST:\n%s\n\n", plan.Request)
	}
	b.WriteString("ORIGINAL PLAN:\n")
	for i := range plan.Steps {
		writeStep(&b, plan, &plan.Steps[i], true)
	}
	fmt.Fprintf(&b, "FEEDBACK OR ERROR:\n%s\n\nPlease revise the plan based on this feedback and execution results.", feedback)
	return b.String()
}

func buildVerifyPrompt(req engine.VerifyRequest) string {
	status := "succeeded (exit status 0)"
	if !req.RawSucceeded {
		status = "failed (non-zero exit status or error)"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "STEP DESCRIPTION: %s\n", req.Description)
	fmt.Fprintf(&b, "COMMAND: %s\n", req.Command)
	fmt.Fprintf(&b, "EXECUTION: %s\n", status)
	fmt.Fprintf(&b, "STDOUT:\n%s\n", truncate(req.Stdout))
	fmt.Fprintf(&b, "STDERR:\n%s\n", truncate(req.Stderr))
	return b.String()
}

func buildSummaryPrompt(plan *engine.Plan, completedIndex int) string {
	var b strings.Builder
	if plan.Request != "" {
		fmt.Fprintf(&b, "REQUEST:\n%s\n\n", plan.Request)
	}
	if plan.ProgressSummary != "" {
		fmt.Fprintf(&b, "PREVIOUS SUMMARY:\n%s\n\n", plan.ProgressSummary)
	}
	b.WriteString("COMPLETED STEPS:\n")
	for i := 0; i <= completedIndex && i < len(plan.Steps); i++ {
		writeStep(&b, plan, &plan.Steps[i], true)
	}
	b.WriteString("REMAINING STEPS:\n")
	for i := completedIndex + 1; i < len(plan.Steps); i++ {
		writeStep(&b, plan, &plan.Steps[i], false)
	}
	return b.String()
}

func writeStep(b *strings.Builder, plan *engine.Plan, step *engine.Step, withResult bool) {
	fmt.Fprintf(b, "%d. %s\n", step.Number, step.Description)
	if step.Command != "" {
		fmt.Fprintf(b, "COMMAND: %s\n", step.Command)
	}
	if withResult {
		if result, ok := plan.StepResults[step.StepKey()]; ok {
			b.WriteString("RESULT:")
			if result.Stdout != "" {
				fmt.Fprintf(b, "\nSTDOUT: %s", truncate(result.Stdout))
			}
			if result.Stderr != "" {
				fmt.Fprintf(b, "\nSTDERR: %s", truncate(result.Stderr))
			}
			fmt.Fprintf(b, "\nSTATUS: %s\n", result.Status)
			if result.UserFeedback != "" {
				fmt.Fprintf(b, "USER FEEDBACK: %s\n", result.UserFeedback)
			}
		}
	}
	b.WriteString("\n")
}

func truncate(s string) string {
	if len(s) <= maxOutputChars {
		return s
	}
	return s[:maxOutputChars] + "\n... (truncated)"
}
