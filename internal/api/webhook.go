package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lalith-99/insightops/internal/webhook"
	"go.uber.org/zap"
)

const maxWebhookBytes = 1 << 20

// Provider delivery id headers, checked in order.
var deliveryHeaders = []string{"X-Webhook-Id", "X-Zendesk-Webhook-Invocation-Id", "X-Intercom-Webhook-Id"}

type WebhookHandler struct {
	buffer *webhook.Buffer
	logger *zap.Logger
}

func NewWebhookHandler(buffer *webhook.Buffer, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{buffer: buffer, logger: logger.Named("api.webhook")}
}

// Receive handles POST /webhooks/:integration_id. A verified delivery is
// stored and acknowledged with 202 before any processing; repeats of an
// already recorded delivery are acknowledged the same way.
func (h *WebhookHandler) Receive(c *gin.Context) {
	integrationID, err := uuid.Parse(c.Param("integration_id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown integration"})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot read body"})
		return
	}

	var webhookID string
	for _, header := range deliveryHeaders {
		if webhookID = c.GetHeader(header); webhookID != "" {
			break
		}
	}

	res, err := h.buffer.Receive(c.Request.Context(), webhook.ReceiveRequest{
		IntegrationID: integrationID,
		WebhookID:     webhookID,
		EventType:     c.GetHeader("X-Webhook-Event"),
		Body:          body,
		Signature:     c.GetHeader(webhook.SignatureHeader),
	})
	if err != nil {
		respondError(c, h.logger, "failed to record webhook", err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"event_id":  res.Event.ID,
		"duplicate": res.Duplicate,
	})
}
