package llm

import (
	"context"

	"github.com/openfroyo/autopilot/pkg/engine"
)

// Summarizer rolls up progress after a completed step.
type Summarizer struct {
	pool   *Pool
	parser *Parser
}

var _ engine.ProgressSummarizer = (*Summarizer)(nil)

// NewSummarizer creates a summarizer.
func NewSummarizer(pool *Pool) *Summarizer {
	return &Summarizer{pool: pool, parser: NewParser()}
}

// Summarize returns a summary of the steps up to completedIndex and,
// optionally, replacement steps for the rest of the plan.
func (s *Summarizer) Summarize(ctx context.Context, plan *engine.Plan, completedIndex int) (*engine.ProgressUpdate, error) {
	raw, err := s.pool.Generate(ctx, OpSummarize, summarizeSystemPrompt, buildSummaryPrompt(plan, completedIndex))
	if err != nil {
		return nil, err
	}
	return s.parser.ParseProgress(raw)
}
