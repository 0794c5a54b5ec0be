package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/openfroyo/autopilot/pkg/telemetry"
)

// RequestLogger writes one structured log line per request and tags the
// response with an X-Request-ID header.
func RequestLogger(logger *telemetry.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		reqID := uuid.NewString()
		c.Set("request_id", reqID)
		c.Writer.Header().Set("X-Request-ID", reqID)

		c.Next()

		logger.WithFields(map[string]interface{}{
			"rid":        reqID,
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"status":     c.Writer.Status(),
			"latency_ms": time.Since(start).Milliseconds(),
			"client_ip":  c.ClientIP(),
		}).Debug("http_request")
	}
}
