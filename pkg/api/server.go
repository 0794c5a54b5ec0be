package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/openfroyo/autopilot/pkg/engine"
	"github.com/openfroyo/autopilot/pkg/stores"
	"github.com/openfroyo/autopilot/pkg/telemetry"
)

// defaultAckWindow is how long a handler waits for an execution operation to
// fail fast before answering 202 Accepted.
const defaultAckWindow = 250 * time.Millisecond

// Orchestrator is the part of the engine the API drives.
type Orchestrator interface {
	ExecutePlan(ctx context.Context, planID string) error
	RequestRevision(ctx context.Context, planID, feedback string) (*engine.Plan, error)
	ContinueExecution(ctx context.Context, planID string, skipFailedStep bool) error
	AbortExecution(ctx context.Context, planID string) error
	Approve(ctx context.Context, commandID, feedback string) error
	Deny(ctx context.Context, commandID, feedback string) error
	CompleteObservation(ctx context.Context, planID string, index int, feedback string) error
	SubmitStepFeedback(ctx context.Context, planID string, index int, feedback string, continueExecution bool) error
	Status(ctx context.Context, planID string) (*engine.Plan, error)
	IsActive(planID string) bool
	PendingCommands(planID string) []engine.PendingCommand
}

// PlanGenerator turns a request into a stored plan.
type PlanGenerator interface {
	GeneratePlan(ctx context.Context, request string) (*engine.Plan, error)
}

// PlanCatalog lists stored plans and revision chains.
type PlanCatalog interface {
	List(ctx context.Context) ([]stores.PlanSummary, error)
	Chain(ctx context.Context, id string) ([]*engine.Plan, error)
}

// EventLog serves the persisted event log.
type EventLog interface {
	ListEvents(ctx context.Context, query stores.EventQuery) ([]*stores.EventRecord, error)
}

// Auditor records operator actions.
type Auditor interface {
	CreateAuditEntry(ctx context.Context, entry *stores.AuditEntry) error
}

// HealthChecker reports whether a dependency is usable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Options wires a Server. Orchestrator and Planner are required.
type Options struct {
	Orchestrator Orchestrator
	Planner      PlanGenerator
	Plans        PlanCatalog
	EventLog     EventLog
	Auditor      Auditor
	Health       HealthChecker

	// Events feeds the server-sent event stream.
	Events *telemetry.EventPublisher

	// AuditLogPath is read by /api/logs when no EventLog is configured.
	AuditLogPath string

	Logger  *telemetry.Logger
	Metrics *telemetry.Metrics

	// AckWindow overrides defaultAckWindow.
	AckWindow time.Duration
}

// Server exposes the orchestrator over HTTP.
type Server struct {
	orch      Orchestrator
	planner   PlanGenerator
	plans     PlanCatalog
	eventLog  EventLog
	auditor   Auditor
	health    HealthChecker
	events    *telemetry.EventPublisher
	auditPath string
	logger    *telemetry.Logger
	metrics   *telemetry.Metrics
	ackWindow time.Duration

	// baseCtx outlives requests; execution started by a request runs under it.
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	router *gin.Engine
	http   *http.Server
}

// NewServer creates a server and its routes.
func NewServer(opts Options) (*Server, error) {
	if opts.Orchestrator == nil || opts.Planner == nil {
		return nil, fmt.Errorf("orchestrator and planner are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	ack := opts.AckWindow
	if ack <= 0 {
		ack = defaultAckWindow
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		orch:      opts.Orchestrator,
		planner:   opts.Planner,
		plans:     opts.Plans,
		eventLog:  opts.EventLog,
		auditor:   opts.Auditor,
		health:    opts.Health,
		events:    opts.Events,
		auditPath: opts.AuditLogPath,
		logger:    logger.NewComponentLogger("api"),
		metrics:   opts.Metrics,
		ackWindow: ack,
		baseCtx:   ctx,
		cancel:    cancel,
	}
	s.router = s.routes()
	return s, nil
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), RequestLogger(s.logger))

	r.GET("/healthz", s.handleHealth)
	r.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	api := r.Group("/api")
	{
		api.POST("/task", s.handleTask)
		api.POST("/plan/accept", s.handleAccept)
		api.POST("/plan/reject", s.handleReject)
		api.GET("/plans", s.handleListPlans)
		api.GET("/plan/:id", s.handleGetPlan)
		api.GET("/plan/:id/chain", s.handleChain)
		api.POST("/plan/:id/abort", s.handleAbort)
		api.POST("/plan/:id/continue", s.handleContinue)
		api.POST("/plan/:id/revise", s.handleRevise)
		api.POST("/plan/:id/observation", s.handleObservation)
		api.POST("/plan/:id/feedback", s.handleFeedback)
		api.POST("/command/confirm", s.handleConfirm)
		api.GET("/pending", s.handlePending)
		api.GET("/logs", s.handleLogs)
		api.GET("/events", s.handleEvents)
	}
	return r
}

// ListenAndServe serves on addr until Shutdown is called.
func (s *Server) ListenAndServe(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.WithField("address", addr).Info("API server listening")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server failed: %w", err)
	}
	return nil
}

// Shutdown cancels running executions and event streams, stops accepting
// requests and waits for the executions to return.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	var err error
	if s.http != nil {
		err = s.http.Shutdown(ctx)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

// dispatch runs fn in the background under the server context. It returns
// fn's result when fn finishes within the ack window, and accepted=true when
// fn is still running after it.
func (s *Server) dispatch(operation string, fn func(ctx context.Context) error) (accepted bool, err error) {
	done := make(chan error, 1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := fn(s.baseCtx)
		if err != nil {
			s.logger.WithError(err).WithField("operation", operation).Warn("Background operation failed")
		}
		done <- err
	}()

	timer := time.NewTimer(s.ackWindow)
	defer timer.Stop()
	select {
	case err := <-done:
		return false, err
	case <-timer.C:
		return true, nil
	}
}
