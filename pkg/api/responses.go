package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/openfroyo/autopilot/pkg/engine"
)

// statusFor maps an engine error to an HTTP status.
func statusFor(err error) int {
	var pe *engine.ParseError
	switch {
	case engine.HasCode(err, engine.ErrCodePlanNotFound),
		engine.HasCode(err, engine.ErrCodeStepNotFound),
		engine.HasCode(err, engine.ErrCodeCommandNotFound),
		engine.HasCode(err, engine.ErrCodeNotFound):
		return http.StatusNotFound
	case engine.HasCode(err, engine.ErrCodeInvalidPlanState),
		engine.HasCode(err, engine.ErrCodePlanNotActive),
		engine.HasCode(err, engine.ErrCodeConflict),
		engine.IsConflict(err):
		return http.StatusConflict
	case engine.HasCode(err, engine.ErrCodeValidation), errors.As(err, &pe):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func errorResponse(c *gin.Context, err error) {
	status := statusFor(err)
	body := gin.H{"error": err.Error()}
	if code := engine.ErrorCode(err); code != "" {
		body["code"] = code
	}
	c.JSON(status, body)
}

func badRequestResponse(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": message})
}

func notFoundResponse(c *gin.Context, resource string) {
	c.JSON(http.StatusNotFound, gin.H{"error": resource + " not found"})
}
