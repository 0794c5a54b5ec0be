package policy

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/autopilot/pkg/engine"
)

// Gate adapts the policy engine to the orchestrator's SafetyGate port.
// Blocking violations make a command unsafe, warnings make it risky.
// Evaluation failures fail closed.
type Gate struct {
	engine *Engine
	logger zerolog.Logger
}

var _ engine.SafetyGate = (*Gate)(nil)

// NewGate creates a gate over an engine.
func NewGate(e *Engine, logger zerolog.Logger) *Gate {
	return &Gate{
		engine: e,
		logger: logger.With().Str("component", "safety-gate").Logger(),
	}
}

// Assess returns the full verdict for a command. Empty commands and
// synthesized observation placeholders are always safe.
func (g *Gate) Assess(ctx context.Context, command string) engine.Assessment {
	if strings.TrimSpace(command) == "" {
		return engine.Assessment{Safe: true}
	}
	if engine.IsObservationCommand(command) {
		return engine.Assessment{Safe: true}
	}

	result, err := g.engine.EvaluateCommand(ctx, &PolicyInput{
		Command: command,
		Context: &PolicyContext{Timestamp: time.Now(), Operation: "execute"},
	})
	if err != nil {
		g.logger.Warn().Err(err).Str("command", command).Msg("Safety evaluation aborted")
		return engine.Assessment{Safe: false, Reason: evaluationFailedExplanation}
	}

	return AssessmentFromResult(result)
}

// AssessmentFromResult converts a policy result into a gate verdict.
func AssessmentFromResult(result *PolicyResult) engine.Assessment {
	a := engine.Assessment{Safe: result.Allowed}

	for _, v := range result.Violations {
		a.Policies = appendUnique(a.Policies, v.Policy)
	}
	for _, v := range result.Warnings {
		a.Policies = appendUnique(a.Policies, v.Policy)
	}

	switch {
	case len(result.Violations) > 0:
		a.Reason = result.Violations[0].Message
	case len(result.Errors) > 0:
		a.Reason = evaluationFailedExplanation
	case len(result.Warnings) > 0:
		a.Risky = true
		a.Reason = result.Warnings[0].Message
	}
	if a.Reason == "" && (!a.Safe || a.Risky) {
		a.Reason = defaultExplanation
	}
	return a
}

// IsSafe reports whether the command may run at all.
func (g *Gate) IsSafe(ctx context.Context, command string) bool {
	return g.Assess(ctx, command).Safe
}

// Explain returns why a command is unsafe or risky.
func (g *Gate) Explain(ctx context.Context, command string) string {
	if reason := g.Assess(ctx, command).Reason; reason != "" {
		return reason
	}
	return defaultExplanation
}

func appendUnique(list []string, s string) []string {
	for _, existing := range list {
		if existing == s {
			return list
		}
	}
	return append(list, s)
}
