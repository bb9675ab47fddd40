package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/flowrelay/flowrelay/pkg/models"
)

// WebhookRequest is the inbound message payload from the channel adapter.
type WebhookRequest struct {
	UserID    string `json:"user_id" binding:"required"`
	Text      string `json:"text" binding:"required"`
	Channel   string `json:"channel"`
	MessageID string `json:"message_id"`
	IsAdmin   bool   `json:"is_admin"`
}

// WebhookResponse carries the reply bubbles back to the channel adapter.
type WebhookResponse struct {
	Messages []models.OutboundMessage `json:"messages"`
	Terminal bool                     `json:"terminal"`
	Escalate bool                     `json:"escalate"`
}

// HandleWebhook handles POST /webhook/:tenant. The call blocks through
// the inactivity window; a superseded worker answers 204 with no body,
// the winning worker answers 200 with the reply bubbles.
func (s *Server) HandleWebhook(c *gin.Context) {
	tenantID := c.Param("tenant")

	var req WebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := s.sessions.HandleInbound(c.Request.Context(), tenantID, models.WebhookMessage{
		UserID:    req.UserID,
		Text:      req.Text,
		Channel:   req.Channel,
		MessageID: req.MessageID,
		IsAdmin:   req.IsAdmin,
	})
	if err != nil {
		s.logger.Error("Webhook processing failed",
			"tenant_id", tenantID, "user_id", req.UserID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}
	if result == nil {
		c.Status(http.StatusNoContent)
		return
	}

	c.JSON(http.StatusOK, WebhookResponse{
		Messages: result.Messages,
		Terminal: result.Terminal,
		Escalate: result.Escalate,
	})
}
