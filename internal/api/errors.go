package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/lalith-99/insightops/internal/pipeline"
	"github.com/lalith-99/insightops/internal/webhook"
	"go.uber.org/zap"
)

// statusFor maps the pipeline error taxonomy onto HTTP statuses. Anything
// unclassified is a 500.
func statusFor(err error) int {
	switch {
	case errors.Is(err, pipeline.ErrValidation), errors.Is(err, webhook.ErrInvalidPayload):
		return http.StatusBadRequest
	case errors.Is(err, webhook.ErrInvalidSignature):
		return http.StatusUnauthorized
	case errors.Is(err, pipeline.ErrLimitExceeded):
		return http.StatusPaymentRequired
	case errors.Is(err, pipeline.ErrNotFound), errors.Is(err, pipeline.ErrUnknownIntegration):
		return http.StatusNotFound
	case errors.Is(err, pipeline.ErrSnapshotExists), errors.Is(err, pipeline.ErrJobsActive):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes {"error": ...}. Internal errors are logged and hidden
// from the client.
func respondError(c *gin.Context, logger *zap.Logger, msg string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.Error(msg, zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(status, gin.H{"error": msg})
		return
	}

	body := gin.H{"error": err.Error()}
	var limit *pipeline.LimitError
	if errors.As(err, &limit) {
		body["resource"] = limit.Resource
		body["limit"] = limit.Limit
		body["used"] = limit.Used
	}
	var invalid *pipeline.ValidationError
	if errors.As(err, &invalid) && invalid.Field != "" {
		body["field"] = invalid.Field
	}
	c.JSON(status, body)
}
