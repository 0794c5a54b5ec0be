package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/openfroyo/autopilot/pkg/engine"
	"github.com/openfroyo/autopilot/pkg/stores"
	"github.com/openfroyo/autopilot/pkg/telemetry"
)

const defaultLogLimit = 200

type taskRequest struct {
	Request string `json:"request" binding:"required"`
}

type planRequest struct {
	PlanID   string `json:"plan_id" binding:"required"`
	Feedback string `json:"feedback"`
}

type confirmRequest struct {
	CommandID string `json:"command_id" binding:"required"`
	Confirmed *bool  `json:"confirmed" binding:"required"`
	Feedback  string `json:"feedback"`
}

type continueRequest struct {
	SkipFailedStep bool `json:"skip_failed_step"`
}

type feedbackRequest struct {
	Feedback string `json:"feedback" binding:"required"`
}

type stepRequest struct {
	StepIndex         *int   `json:"step_index" binding:"required"`
	Feedback          string `json:"feedback"`
	ContinueExecution *bool  `json:"continue_execution"`
}

func (s *Server) handleHealth(c *gin.Context) {
	if s.health != nil {
		if err := s.health.HealthCheck(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleTask generates a plan. A plan whose response could not be parsed is
// still returned, with status error.
func (s *Server) handleTask(c *gin.Context) {
	var req taskRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Request) == "" {
		badRequestResponse(c, "request is required")
		return
	}

	plan, err := s.planner.GeneratePlan(c.Request.Context(), req.Request)
	if err != nil {
		errorResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"plan": plan})
}

func (s *Server) handleAccept(c *gin.Context) {
	var req planRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequestResponse(c, "plan_id is required")
		return
	}
	s.audit(c, stores.AuditActionAccept, req.PlanID, nil)

	accepted, err := s.dispatch("execute_plan", func(ctx context.Context) error {
		return s.orch.ExecutePlan(ctx, req.PlanID)
	})
	s.respondExecution(c, req.PlanID, accepted, err, "execution_started")
}

// handleReject records the rejection and, when feedback is given, returns a
// revised plan.
func (s *Server) handleReject(c *gin.Context) {
	var req planRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequestResponse(c, "plan_id is required")
		return
	}
	s.audit(c, stores.AuditActionReject, req.PlanID, map[string]interface{}{"feedback": req.Feedback})

	if strings.TrimSpace(req.Feedback) == "" {
		c.JSON(http.StatusOK, gin.H{"status": "plan_rejected"})
		return
	}

	s.revise(c, req.PlanID, req.Feedback)
}

func (s *Server) handleGetPlan(c *gin.Context) {
	plan, err := s.orch.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		errorResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"plan":    plan,
		"pending": s.orch.PendingCommands(plan.ID),
	})
}

func (s *Server) handleListPlans(c *gin.Context) {
	if s.plans == nil {
		notFoundResponse(c, "plan catalog")
		return
	}
	plans, err := s.plans.List(c.Request.Context())
	if err != nil {
		errorResponse(c, err)
		return
	}
	if status := c.Query("status"); status != "" {
		filtered := plans[:0]
		for _, p := range plans {
			if string(p.Status) == status {
				filtered = append(filtered, p)
			}
		}
		plans = filtered
	}
	c.JSON(http.StatusOK, gin.H{"plans": plans})
}

func (s *Server) handleChain(c *gin.Context) {
	if s.plans == nil {
		notFoundResponse(c, "plan catalog")
		return
	}
	chain, err := s.plans.Chain(c.Request.Context(), c.Param("id"))
	if err != nil {
		errorResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"chain": chain})
}

func (s *Server) handleAbort(c *gin.Context) {
	planID := c.Param("id")
	s.audit(c, stores.AuditActionAbort, planID, nil)

	if err := s.orch.AbortExecution(c.Request.Context(), planID); err != nil {
		errorResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "aborted"})
}

func (s *Server) handleContinue(c *gin.Context) {
	planID := c.Param("id")
	var req continueRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequestResponse(c, "invalid request body")
			return
		}
	}
	s.audit(c, stores.AuditActionContinue, planID, map[string]interface{}{"skip_failed_step": req.SkipFailedStep})

	accepted, err := s.dispatch("continue_execution", func(ctx context.Context) error {
		return s.orch.ContinueExecution(ctx, planID, req.SkipFailedStep)
	})
	s.respondExecution(c, planID, accepted, err, "execution_continued")
}

// handleRevise revises a plan. The revision of an active plan starts running
// in the background.
func (s *Server) handleRevise(c *gin.Context) {
	planID := c.Param("id")
	var req feedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequestResponse(c, "feedback is required")
		return
	}
	s.audit(c, stores.AuditActionRevise, planID, map[string]interface{}{"feedback": req.Feedback})

	s.revise(c, planID, req.Feedback)
}

// revise answers with the revised plan. Revising an inactive plan only calls
// the model, so it runs within the request. The revision of an active plan
// goes on to execute and runs in the background; its outcome is announced on
// the event stream.
func (s *Server) revise(c *gin.Context, planID, feedback string) {
	if !s.orch.IsActive(planID) {
		revised, err := s.orch.RequestRevision(c.Request.Context(), planID, feedback)
		if err != nil {
			errorResponse(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"revised_plan": revised})
		return
	}

	var revised *engine.Plan
	accepted, err := s.dispatch("request_revision", func(ctx context.Context) error {
		p, err := s.orch.RequestRevision(ctx, planID, feedback)
		revised = p
		return err
	})
	switch {
	case accepted:
		c.JSON(http.StatusAccepted, gin.H{"status": "revision_started", "plan_id": planID})
	case revised != nil:
		c.JSON(http.StatusOK, gin.H{"revised_plan": revised})
	case err != nil:
		errorResponse(c, err)
	default:
		c.JSON(http.StatusOK, gin.H{"revised_plan": nil})
	}
}

func (s *Server) handleObservation(c *gin.Context) {
	planID := c.Param("id")
	var req stepRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequestResponse(c, "step_index is required")
		return
	}
	s.audit(c, stores.AuditActionObserve, planID, map[string]interface{}{
		"step_index": *req.StepIndex,
		"feedback":   req.Feedback,
	})

	accepted, err := s.dispatch("complete_observation", func(ctx context.Context) error {
		return s.orch.CompleteObservation(ctx, planID, *req.StepIndex, req.Feedback)
	})
	s.respondExecution(c, planID, accepted, err, "execution_continued")
}

func (s *Server) handleFeedback(c *gin.Context) {
	planID := c.Param("id")
	var req stepRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequestResponse(c, "step_index is required")
		return
	}
	cont := true
	if req.ContinueExecution != nil {
		cont = *req.ContinueExecution
	}
	s.audit(c, stores.AuditActionFeedback, planID, map[string]interface{}{
		"step_index":         *req.StepIndex,
		"feedback":           req.Feedback,
		"continue_execution": cont,
	})

	accepted, err := s.dispatch("submit_step_feedback", func(ctx context.Context) error {
		return s.orch.SubmitStepFeedback(ctx, planID, *req.StepIndex, req.Feedback, cont)
	})
	status := "execution_continued"
	if !cont {
		status = "paused"
	}
	s.respondExecution(c, planID, accepted, err, status)
}

// handleConfirm approves or denies a pending command.
func (s *Server) handleConfirm(c *gin.Context) {
	var req confirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequestResponse(c, "command_id and confirmed are required")
		return
	}

	planID := planIDOf(req.CommandID)
	details := map[string]interface{}{"command_id": req.CommandID, "feedback": req.Feedback}

	if !*req.Confirmed {
		s.audit(c, stores.AuditActionDeny, planID, details)
		if err := s.orch.Deny(c.Request.Context(), req.CommandID, req.Feedback); err != nil {
			errorResponse(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "command_skipped"})
		return
	}

	s.audit(c, stores.AuditActionApprove, planID, details)
	accepted, err := s.dispatch("approve", func(ctx context.Context) error {
		return s.orch.Approve(ctx, req.CommandID, req.Feedback)
	})
	s.respondExecution(c, planID, accepted, err, "command_execution_started")
}

func (s *Server) handlePending(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"pending": s.orch.PendingCommands(c.Query("plan_id"))})
}

// handleLogs serves the event log from the database when one is configured
// and from the JSON-lines audit file otherwise.
func (s *Server) handleLogs(c *gin.Context) {
	limit := defaultLogLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			badRequestResponse(c, "limit must be a positive integer")
			return
		}
		limit = n
	}
	planID := c.Query("plan_id")
	logType := c.Query("type")
	if logType == "all" {
		logType = ""
	}

	if s.eventLog != nil {
		records, err := s.eventLog.ListEvents(c.Request.Context(), stores.EventQuery{
			PlanID: planID,
			Type:   logType,
			Limit:  limit,
		})
		if err != nil {
			errorResponse(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"logs": records})
		return
	}

	if s.auditPath == "" {
		c.JSON(http.StatusOK, gin.H{"logs": []telemetry.Event{}})
		return
	}
	events, err := telemetry.TailAuditLog(s.auditPath, planID, 0)
	if err != nil {
		errorResponse(c, err)
		return
	}
	if logType != "" {
		filtered := events[:0]
		for _, ev := range events {
			if ev.Type == logType {
				filtered = append(filtered, ev)
			}
		}
		events = filtered
	}
	if len(events) > limit {
		events = events[len(events)-limit:]
	}
	c.JSON(http.StatusOK, gin.H{"logs": events})
}

// respondExecution answers an operation started with dispatch. A finished
// operation reports the plan's current status.
func (s *Server) respondExecution(c *gin.Context, planID string, accepted bool, err error, startedStatus string) {
	if err != nil {
		errorResponse(c, err)
		return
	}
	if accepted {
		c.JSON(http.StatusAccepted, gin.H{"status": startedStatus, "plan_id": planID})
		return
	}
	body := gin.H{"status": startedStatus, "plan_id": planID}
	if plan, err := s.orch.Status(c.Request.Context(), planID); err == nil {
		body["plan_status"] = plan.Status
	}
	c.JSON(http.StatusOK, body)
}

// audit records an operator action. Failures are logged and do not fail the
// request.
func (s *Server) audit(c *gin.Context, action stores.AuditAction, planID string, details map[string]interface{}) {
	if s.auditor == nil {
		return
	}

	entry := &stores.AuditEntry{
		Action: action,
		Actor:  c.GetHeader("X-Actor"),
	}
	if entry.Actor == "" {
		entry.Actor = "operator"
	}
	if planID != "" {
		entry.PlanID = &planID
	}
	if ip := c.ClientIP(); ip != "" {
		entry.IPAddress = &ip
	}
	if len(details) > 0 {
		if data, err := json.Marshal(details); err == nil {
			str := string(data)
			entry.Details = &str
		}
	}

	if err := s.auditor.CreateAuditEntry(c.Request.Context(), entry); err != nil {
		s.logger.WithError(err).WithField("action", string(action)).Warn("Failed to record audit entry")
	}
}

// planIDOf extracts the plan id from a "<plan_id>_<step_index>" command id.
func planIDOf(commandID string) string {
	i := strings.LastIndexByte(commandID, '_')
	if i <= 0 {
		return ""
	}
	return commandID[:i]
}
