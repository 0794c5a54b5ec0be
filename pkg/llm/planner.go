package llm

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/autopilot/pkg/engine"
	"github.com/openfroyo/autopilot/pkg/telemetry"
)

// PlannerConfig configures a Planner.
type PlannerConfig struct {
	// HumanConfirmationRequired is copied onto every generated plan.
	HumanConfirmationRequired bool
}

// Planner generates plans from requests and revises them from feedback.
type Planner struct {
	pool   *Pool
	parser *Parser
	store  engine.PlanRepository
	cfg    PlannerConfig
	logger *telemetry.Logger
}

var _ engine.PlanReviser = (*Planner)(nil)

// NewPlanner creates a planner. Generated plans are written to store.
func NewPlanner(pool *Pool, store engine.PlanRepository, cfg PlannerConfig, logger *telemetry.Logger) *Planner {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &Planner{
		pool:   pool,
		parser: NewParser(),
		store:  store,
		cfg:    cfg,
		logger: logger.NewComponentLogger("planner"),
	}
}

// GeneratePlan asks the model for a plan and stores it with status
// generated. A response that cannot be parsed still yields a stored plan, in
// status error and carrying the parse error, which the orchestrator refuses
// to execute. Only a failed LLM call or a failed store write return an error.
func (p *Planner) GeneratePlan(ctx context.Context, request string) (*engine.Plan, error) {
	request = strings.TrimSpace(request)
	if request == "" {
		return nil, engine.NewPermanentError("request is required", nil).
			WithCode(engine.ErrCodeValidation).WithOperation("generate_plan")
	}

	raw, err := p.pool.Generate(ctx, OpGeneratePlan, planSystemPrompt, "User request: "+request)
	if err != nil {
		return nil, err
	}

	plan, err := p.parser.ParsePlan(raw)
	if err != nil {
		var pe *engine.ParseError
		if !errors.As(err, &pe) {
			return nil, err
		}
		p.logger.WithError(err).Warn("Generated plan could not be parsed")
		now := time.Now()
		plan = &engine.Plan{
			// Failed generations have no content to hash.
			ID:        uuid.NewString(),
			Status:    engine.PlanStatusError,
			Steps:     []engine.Step{},
			Error:     pe.AsPlanError(),
			CreatedAt: now,
			UpdatedAt: now,
		}
	}

	plan.Request = request
	plan.HumanConfirmationRequired = p.cfg.HumanConfirmationRequired

	if err := p.store.Put(ctx, plan); err != nil {
		return plan, err
	}

	p.logger.WithPlanID(plan.ID).WithFields(map[string]interface{}{
		"steps":  len(plan.Steps),
		"status": string(plan.Status),
	}).Info("Plan generated")

	return plan.Clone(), nil
}

// Revise asks the model for a replacement of plan given its execution
// history and feedback. The result is linked to plan but not stored; the
// orchestrator owns storing and activating revisions.
func (p *Planner) Revise(ctx context.Context, plan *engine.Plan, feedback string) (*engine.Plan, error) {
	raw, err := p.pool.Generate(ctx, OpRevisePlan, revisionSystemPrompt, buildRevisionPrompt(plan, feedback))
	if err != nil {
		return nil, err
	}

	revised, err := p.parser.ParseRevision(raw)
	if err != nil {
		return nil, err
	}
	if len(revised.Steps) == 0 {
		return nil, &engine.ParseError{
			Code:       engine.ErrCodeValidationFailed,
			Message:    "Revised plan has no steps.",
			RawSnippet: snippet(raw),
		}
	}

	revised.Request = plan.Request
	revised.OriginalPlanID = plan.ID
	revised.Revision = plan.Revision + 1
	revised.HumanConfirmationRequired = plan.HumanConfirmationRequired
	revised.ID = engine.ComputePlanID(revised)

	p.logger.WithPlanID(plan.ID).WithField("revised_plan_id", revised.ID).Info("Plan revised")
	return revised, nil
}
