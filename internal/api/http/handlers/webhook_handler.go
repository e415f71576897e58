package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/relaykit/wa-relay/internal/api/dto"
	"github.com/relaykit/wa-relay/internal/service"
	"github.com/relaykit/wa-relay/internal/webhook"
)

// WebhookHandler receives signed events from the gateway.
type WebhookHandler struct {
	service *service.IngestService
}

// NewWebhookHandler constructs handler.
func NewWebhookHandler(ingest *service.IngestService) *WebhookHandler {
	return &WebhookHandler{service: ingest}
}

// Receive POST /webhooks/wa.
func (h *WebhookHandler) Receive(c *fiber.Ctx) error {
	// fasthttp reuses the body buffer after the handler returns
	body := append([]byte(nil), c.Body()...)
	env, err := h.service.Verify(body, c.Get(webhook.HeaderSignature))
	if err != nil {
		return err
	}
	if env.CorrelationID == "" {
		env.CorrelationID = c.Get(webhook.HeaderCorrelationID)
	}
	result, err := h.service.Handle(c.UserContext(), env, body)
	if err != nil {
		return err
	}
	return c.JSON(dto.WebhookResponse{Status: string(result)})
}
