package api

import (
	"io"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/openfroyo/autopilot/pkg/telemetry"
)

const (
	streamBuffer    = 64
	keepAlivePeriod = 15 * time.Second
)

// handleEvents streams orchestrator events as server-sent events. Query
// parameters plan_id and type narrow the stream. A client that cannot keep
// up loses events rather than slowing the publisher.
func (s *Server) handleEvents(c *gin.Context) {
	if s.events == nil {
		notFoundResponse(c, "event stream")
		return
	}

	var filters []telemetry.EventFilter
	if planID := c.Query("plan_id"); planID != "" {
		filters = append(filters, telemetry.FilterByPlanID(planID))
	}
	if types := c.QueryArray("type"); len(types) > 0 {
		filters = append(filters, telemetry.FilterByType(types...))
	}

	ch := make(chan telemetry.Event, streamBuffer)
	unsubscribe := s.events.Subscribe(func(ev telemetry.Event) {
		select {
		case ch <- ev:
		default:
		}
	}, allOf(filters))
	defer unsubscribe()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	keepAlive := time.NewTicker(keepAlivePeriod)
	defer keepAlive.Stop()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case <-s.baseCtx.Done():
			return false
		case ev := <-ch:
			c.SSEvent(ev.Type, ev)
			return true
		case <-keepAlive.C:
			c.SSEvent("keepalive", gin.H{"timestamp": time.Now()})
			return true
		}
	})
}

func allOf(filters []telemetry.EventFilter) telemetry.EventFilter {
	if len(filters) == 0 {
		return nil
	}
	return func(ev telemetry.Event) bool {
		for _, f := range filters {
			if !f(ev) {
				return false
			}
		}
		return true
	}
}
