package llm

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/openfroyo/autopilot/pkg/engine"
)

var (
	fencedJSONPattern = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")
	bareJSONPattern   = regexp.MustCompile(`(?s)\{\s*".*\}`)
	legacyStepPattern = regexp.MustCompile(`^(\d+)\.\s*(.*)$`)
)

// snippetLength is how much of a raw response a ParseError keeps.
const snippetLength = 200

const (
	msgNoJSON                 = "No JSON block found in LLM response."
	msgPlanMissing            = "'plan' key is missing or not a list"
	msgMissingKeys            = "Missing critical keys ('number', 'description')"
	msgRevisionSummaryMissing = "Revision summary was not a string or was missing."
	msgVerificationNoJSON     = "Unable to parse LLM verification response: No JSON block found."
	msgVerificationInvalid    = "Invalid structure in LLM verification response. Missing 'success' or 'explanation'."
	msgSummaryMissing         = "'summary' key is missing or not a string"
)

// Parser converts raw LLM responses into plans, verifications and progress
// updates. It is stateless.
type Parser struct{}

var _ engine.PlanParser = (*Parser)(nil)

// NewParser creates a parser.
func NewParser() *Parser {
	return &Parser{}
}

// ParsePlan parses a generated plan. The response should carry a JSON object
// with a "plan" list; numbered text in the "1. [RISKY] description" /
// "COMMAND: cmd" form is accepted when no JSON block is present.
func (p *Parser) ParsePlan(raw string) (*engine.Plan, error) {
	return p.parsePlan(raw, false)
}

// ParseRevision parses a revised plan, which also carries a revision summary.
func (p *Parser) ParseRevision(raw string) (*engine.Plan, error) {
	return p.parsePlan(raw, true)
}

func (p *Parser) parsePlan(raw string, revision bool) (*engine.Plan, error) {
	block, ok := extractJSON(raw)
	if !ok {
		if plan := parseNumberedPlan(raw, revision); plan != nil {
			return plan, nil
		}
		return nil, newParseError(engine.ErrCodeNoJSONFound, msgNoJSON, raw)
	}

	var doc map[string]interface{}
	if err := json.Unmarshal([]byte(block), &doc); err != nil {
		return nil, newParseError(engine.ErrCodeParsingFailed, fmt.Sprintf("JSON decoding error: %v", err), raw)
	}

	list, ok := doc["plan"].([]interface{})
	if !ok {
		return nil, newParseError(engine.ErrCodeValidationFailed, msgPlanMissing, raw)
	}

	steps, err := parseSteps(list, raw)
	if err != nil {
		return nil, err
	}

	plan := newPlan(steps)
	if revision {
		if summary, ok := doc["revision_summary"].(string); ok {
			plan.RevisionSummary = summary
		} else {
			plan.RevisionSummary = msgRevisionSummaryMissing
		}
	}
	plan.ID = engine.ComputePlanID(plan)
	return plan, nil
}

// ParseVerification parses a verifier response. When the response cannot be
// used the returned verification falls back to rawSucceeded, carries the
// parse error code and the error is a *engine.ParseError.
func (p *Parser) ParseVerification(raw string, rawSucceeded bool) (engine.Verification, error) {
	fallback := func(code, msg string) (engine.Verification, error) {
		return engine.Verification{
			Success:     rawSucceeded,
			Explanation: msg,
			ErrorCode:   code,
		}, newParseError(code, msg, raw)
	}

	block, ok := extractJSON(raw)
	if !ok {
		return fallback(engine.ErrCodeNoJSONFound, msgVerificationNoJSON)
	}

	var doc map[string]interface{}
	if err := json.Unmarshal([]byte(block), &doc); err != nil {
		return fallback(engine.ErrCodeParsingFailed, fmt.Sprintf("JSON parsing failed for verification response: %v", err))
	}

	success, okSuccess := doc["success"].(bool)
	explanation, okExplanation := doc["explanation"].(string)
	if !okSuccess || !okExplanation {
		return fallback(engine.ErrCodeValidationFailed, msgVerificationInvalid)
	}
	suggestion, _ := doc["suggestion"].(string)

	return engine.Verification{
		Success:     success,
		Explanation: explanation,
		Suggestion:  suggestion,
	}, nil
}

// ParseProgress parses a progress summarization response of the form
// {"summary": "...", "updated_steps": [...]}. updated_steps is optional.
func (p *Parser) ParseProgress(raw string) (*engine.ProgressUpdate, error) {
	block, ok := extractJSON(raw)
	if !ok {
		return nil, newParseError(engine.ErrCodeNoJSONFound, msgNoJSON, raw)
	}

	var doc map[string]interface{}
	if err := json.Unmarshal([]byte(block), &doc); err != nil {
		return nil, newParseError(engine.ErrCodeParsingFailed, fmt.Sprintf("JSON decoding error: %v", err), raw)
	}

	summary, ok := doc["summary"].(string)
	if !ok {
		return nil, newParseError(engine.ErrCodeValidationFailed, msgSummaryMissing, raw)
	}

	update := &engine.ProgressUpdate{Summary: summary}
	switch steps := doc["updated_steps"].(type) {
	case nil:
	case []interface{}:
		parsed, err := parseSteps(steps, raw)
		if err != nil {
			return nil, err
		}
		update.UpdatedSteps = parsed
	default:
		return nil, newParseError(engine.ErrCodeTypeError, "'updated_steps' is not a list", raw)
	}
	return update, nil
}

// extractJSON returns the JSON object in a response: the first fenced block,
// otherwise everything from the first object opening to the last brace.
func extractJSON(raw string) (string, bool) {
	if m := fencedJSONPattern.FindStringSubmatch(raw); m != nil {
		return m[1], true
	}
	if m := bareJSONPattern.FindString(raw); m != "" {
		return m, true
	}
	return "", false
}

// parseSteps validates step objects. Entries that are not objects are
// skipped.
func parseSteps(list []interface{}, raw string) ([]engine.Step, error) {
	steps := make([]engine.Step, 0, len(list))
	for i, item := range list {
		obj, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		pos := i + 1

		numberValue, hasNumber := obj["number"]
		descValue, hasDesc := obj["description"]
		if !hasNumber || !hasDesc || numberValue == nil || descValue == nil {
			return nil, newParseError(engine.ErrCodeValidationFailed,
				fmt.Sprintf("%s in step at position %d.", msgMissingKeys, pos), raw)
		}

		number, ok := toInt(numberValue)
		if !ok {
			return nil, newParseError(engine.ErrCodeTypeError,
				fmt.Sprintf("Step at position %d has a non-integer 'number': %v", pos, numberValue), raw)
		}
		description, ok := descValue.(string)
		if !ok {
			return nil, newParseError(engine.ErrCodeTypeError,
				fmt.Sprintf("Step at position %d has a non-string 'description'", pos), raw)
		}

		var command string
		switch c := obj["command"].(type) {
		case nil:
		case string:
			command = cleanCommand(c)
		default:
			return nil, newParseError(engine.ErrCodeTypeError,
				fmt.Sprintf("Step at position %d has a non-string 'command'", pos), raw)
		}

		steps = append(steps, engine.Step{
			Number:      number,
			Description: strings.TrimSpace(description),
			Command:     command,
			IsRisky:     boolField(obj, "is_risky"),
			IsObserve:   boolField(obj, "is_observe"),
			Status:      engine.StepStatusPending,
		})
	}
	return steps, nil
}

// parseNumberedPlan reads the numbered text format. It returns nil when the
// text has no numbered steps.
func parseNumberedPlan(raw string, revision bool) *engine.Plan {
	var steps []engine.Step
	var summary []string
	inSummary := false

	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if rest, ok := strings.CutPrefix(line, "REVISION SUMMARY:"); ok {
			inSummary = true
			if rest = strings.TrimSpace(rest); rest != "" {
				summary = append(summary, rest)
			}
			continue
		}

		if m := legacyStepPattern.FindStringSubmatch(line); m != nil {
			inSummary = false
			number, err := strconv.Atoi(m[1])
			if err != nil {
				continue
			}
			text := m[2]
			risky := strings.Contains(text, "[RISKY]")
			observe := strings.Contains(text, "[OBSERVE]")
			text = strings.ReplaceAll(text, "[RISKY]", "")
			text = strings.ReplaceAll(text, "[OBSERVE]", "")

			steps = append(steps, engine.Step{
				Number:      number,
				Description: strings.TrimSpace(text),
				IsRisky:     risky,
				IsObserve:   observe,
				Status:      engine.StepStatusPending,
			})
			continue
		}

		if rest, ok := strings.CutPrefix(line, "COMMAND:"); ok && len(steps) > 0 {
			steps[len(steps)-1].Command = cleanCommand(rest)
			continue
		}

		if inSummary {
			summary = append(summary, line)
		}
	}

	if len(steps) == 0 {
		return nil
	}

	plan := newPlan(steps)
	if revision {
		plan.RevisionSummary = strings.Join(summary, "\n")
		if plan.RevisionSummary == "" {
			plan.RevisionSummary = msgRevisionSummaryMissing
		}
	}
	plan.ID = engine.ComputePlanID(plan)
	return plan
}

func newPlan(steps []engine.Step) *engine.Plan {
	now := time.Now()
	return &engine.Plan{
		Steps:     steps,
		Status:    engine.PlanStatusGenerated,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// cleanCommand strips the backticks models like to wrap commands in.
func cleanCommand(command string) string {
	command = strings.TrimSpace(command)
	if len(command) >= 2 && strings.HasPrefix(command, "`") && strings.HasSuffix(command, "`") {
		command = strings.TrimSpace(strings.Trim(command, "`"))
	}
	return command
}

func boolField(obj map[string]interface{}, key string) bool {
	b, ok := obj[key].(bool)
	return ok && b
}

func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) {
			return 0, false
		}
		return int(n), true
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		return i, err == nil
	default:
		return 0, false
	}
}

func newParseError(code, message, raw string) *engine.ParseError {
	return &engine.ParseError{Code: code, Message: message, RawSnippet: snippet(raw)}
}

func snippet(raw string) string {
	runes := []rune(raw)
	if len(runes) > snippetLength {
		runes = runes[:snippetLength]
	}
	return string(runes)
}
