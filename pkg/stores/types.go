package stores

import (
	"context"
	"time"

	"github.com/openfroyo/autopilot/pkg/engine"
)

// AuditAction names an operator action recorded in the audit table.
type AuditAction string

const (
	AuditActionAccept   AuditAction = "plan.accepted"
	AuditActionReject   AuditAction = "plan.rejected"
	AuditActionApprove  AuditAction = "command.approved"
	AuditActionDeny     AuditAction = "command.denied"
	AuditActionAbort    AuditAction = "plan.aborted"
	AuditActionRevise   AuditAction = "plan.revised"
	AuditActionContinue AuditAction = "plan.continued"
	AuditActionObserve  AuditAction = "observation.completed"
	AuditActionFeedback AuditAction = "step.feedback"
)

// PlanSummary is the listing view of a stored plan.
type PlanSummary struct {
	ID             string            `json:"id"`
	Request        string            `json:"request,omitempty"`
	Status         engine.PlanStatus `json:"status"`
	Revision       int               `json:"revision"`
	OriginalPlanID string            `json:"original_plan_id,omitempty"`
	SupersededBy   string            `json:"superseded_by,omitempty"`
	StepCount      int               `json:"step_count"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// Summarize builds the listing view of a plan.
func Summarize(p *engine.Plan) PlanSummary {
	return PlanSummary{
		ID:             p.ID,
		Request:        p.Request,
		Status:         p.Status,
		Revision:       p.Revision,
		OriginalPlanID: p.OriginalPlanID,
		SupersededBy:   p.SupersededBy,
		StepCount:      len(p.Steps),
		CreatedAt:      p.CreatedAt,
		UpdatedAt:      p.UpdatedAt,
	}
}

// EventRecord is an orchestrator event as stored in the events table.
type EventRecord struct {
	ID        int64     `json:"id"`
	EventID   string    `json:"event_id"`
	PlanID    *string   `json:"plan_id,omitempty"`
	Type      string    `json:"type"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Data      *string   `json:"data,omitempty"` // JSON blob
	Timestamp time.Time `json:"timestamp"`
}

// EventQuery filters ListEvents. Empty fields match everything.
type EventQuery struct {
	PlanID string
	Type   string
	Limit  int
	Offset int
}

// AuditEntry represents an operator action.
type AuditEntry struct {
	ID        int64       `json:"id"`
	Action    AuditAction `json:"action"`
	Actor     string      `json:"actor"`
	PlanID    *string     `json:"plan_id,omitempty"`
	Details   *string     `json:"details,omitempty"` // JSON blob
	IPAddress *string     `json:"ip_address,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Durable is the storage behind the plan cache. Implementations write each
// plan as an independent snapshot and return an ErrCodePlanNotFound engine
// error from LoadPlan when the id is unknown.
type Durable interface {
	SavePlan(ctx context.Context, plan *engine.Plan) error
	LoadPlan(ctx context.Context, id string) (*engine.Plan, error)
	ListPlans(ctx context.Context) ([]PlanSummary, error)
}

// Store is the full SQLite-backed persistence layer.
type Store interface {
	Durable

	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Event operations
	AppendEvent(ctx context.Context, event *EventRecord) error
	ListEvents(ctx context.Context, query EventQuery) ([]*EventRecord, error)

	// Audit operations
	CreateAuditEntry(ctx context.Context, entry *AuditEntry) error
	ListAuditEntries(ctx context.Context, action *AuditAction, planID *string, limit, offset int) ([]*AuditEntry, error)

	// Utility
	HealthCheck(ctx context.Context) error
}

func planNotFound(id string) error {
	return engine.NewPermanentError("plan not found", nil).
		WithCode(engine.ErrCodePlanNotFound).
		WithResource(id)
}
