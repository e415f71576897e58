package handlers

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/relaykit/wa-relay/internal/api/dto"
	"github.com/relaykit/wa-relay/internal/auth"
	"github.com/relaykit/wa-relay/internal/domain"
	"github.com/relaykit/wa-relay/internal/service"
	apperrors "github.com/relaykit/wa-relay/pkg/util/errorutil"
)

// ConversationsHandler exposes the conversation workflow.
type ConversationsHandler struct {
	service *service.ConversationService
}

// NewConversationsHandler constructs handler.
func NewConversationsHandler(conversations *service.ConversationService) *ConversationsHandler {
	return &ConversationsHandler{service: conversations}
}

// List GET /conversations.
func (h *ConversationsHandler) List(c *fiber.Ctx) error {
	actor, err := auth.Actor(c)
	if err != nil {
		return err
	}
	input := service.ConversationListInput{
		AssignedTo: c.Query("assigned_to"),
		Limit:      queryInt(c, "limit", 50),
		Offset:     queryInt(c, "offset", 0),
	}
	if v := strings.TrimSpace(c.Query("status")); v != "" {
		status := domain.ConversationStatus(v)
		input.Status = &status
	}
	if v := strings.TrimSpace(c.Query("queue_id")); v != "" {
		input.QueueID = &v
	}
	if v := strings.TrimSpace(c.Query("q")); v != "" {
		input.Search = &v
	}

	convs, err := h.service.List(c.UserContext(), actor, input)
	if err != nil {
		return err
	}
	items := make([]dto.ConversationSummary, 0, len(convs))
	for i := range convs {
		items = append(items, conversationSummary(&convs[i]))
	}
	return c.JSON(fiber.Map{"data": items})
}

// Get GET /conversations/:id.
func (h *ConversationsHandler) Get(c *fiber.Ctx) error {
	actor, err := auth.Actor(c)
	if err != nil {
		return err
	}
	conv, err := h.service.Get(c.UserContext(), actor, c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": conversationSummary(conv)})
}

// Assign POST /conversations/:id/assign.
func (h *ConversationsHandler) Assign(c *fiber.Ctx) error {
	var req dto.AssignRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	return h.respond(c, func(actor *domain.User, id string) (*service.ConversationResult, error) {
		return h.service.Assign(c.UserContext(), actor, id, req.AssignedTo)
	})
}

// UpdateStatus POST /conversations/:id/status.
func (h *ConversationsHandler) UpdateStatus(c *fiber.Ctx) error {
	var req dto.StatusRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	return h.respond(c, func(actor *domain.User, id string) (*service.ConversationResult, error) {
		return h.service.UpdateStatus(c.UserContext(), actor, id, domain.ConversationStatus(req.Status))
	})
}

// MarkRead POST /conversations/:id/read.
func (h *ConversationsHandler) MarkRead(c *fiber.Ctx) error {
	return h.respond(c, func(actor *domain.User, id string) (*service.ConversationResult, error) {
		return h.service.MarkRead(c.UserContext(), actor, id)
	})
}

// Accept POST /conversations/:id/accept.
func (h *ConversationsHandler) Accept(c *fiber.Ctx) error {
	return h.respond(c, func(actor *domain.User, id string) (*service.ConversationResult, error) {
		return h.service.Accept(c.UserContext(), actor, id)
	})
}

// Transfer POST /conversations/:id/transfer.
func (h *ConversationsHandler) Transfer(c *fiber.Ctx) error {
	var req dto.TransferRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	input := service.TransferInput{QueueID: req.QueueID}
	if raw := bytes.TrimSpace(req.AssignedTo); len(raw) > 0 {
		input.AssignedToSet = true
		if !bytes.Equal(raw, []byte("null")) {
			var id string
			if err := json.Unmarshal(raw, &id); err != nil {
				return apperrors.NewValidationError("invalid assignee", nil)
			}
			input.AssignedTo = &id
		}
	}
	return h.respond(c, func(actor *domain.User, id string) (*service.ConversationResult, error) {
		return h.service.Transfer(c.UserContext(), actor, id, input)
	})
}

// Close POST /conversations/:id/close.
func (h *ConversationsHandler) Close(c *fiber.Ctx) error {
	return h.respond(c, func(actor *domain.User, id string) (*service.ConversationResult, error) {
		return h.service.Close(c.UserContext(), actor, id)
	})
}

// Reopen POST /conversations/:id/reopen.
func (h *ConversationsHandler) Reopen(c *fiber.Ctx) error {
	return h.respond(c, func(actor *domain.User, id string) (*service.ConversationResult, error) {
		return h.service.Reopen(c.UserContext(), actor, id)
	})
}

// Delete DELETE /conversations/:id.
func (h *ConversationsHandler) Delete(c *fiber.Ctx) error {
	return h.respond(c, func(actor *domain.User, id string) (*service.ConversationResult, error) {
		return h.service.Delete(c.UserContext(), actor, id)
	})
}

// Lock POST /conversations/:id/lock. A lock held by someone else answers 423.
func (h *ConversationsHandler) Lock(c *fiber.Ctx) error {
	actor, err := auth.Actor(c)
	if err != nil {
		return err
	}
	res, err := h.service.AcquireLock(c.UserContext(), actor, c.Params("id"))
	if err != nil {
		return err
	}
	return c.Status(res.HTTPStatus).JSON(res)
}

// Unlock DELETE /conversations/:id/lock.
func (h *ConversationsHandler) Unlock(c *fiber.Ctx) error {
	return h.respond(c, func(actor *domain.User, id string) (*service.ConversationResult, error) {
		return h.service.ReleaseLock(c.UserContext(), actor, id)
	})
}

func (h *ConversationsHandler) respond(c *fiber.Ctx, op func(*domain.User, string) (*service.ConversationResult, error)) error {
	actor, err := auth.Actor(c)
	if err != nil {
		return err
	}
	res, err := op(actor, c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(res)
}

func conversationSummary(conv *domain.Conversation) dto.ConversationSummary {
	out := dto.ConversationSummary{
		ID:                 conv.ID,
		ContactID:          conv.ContactID,
		Status:             string(conv.Status),
		AssignedTo:         conv.AssignedTo,
		AssignedName:       conv.AssignedName,
		AssignedAt:         conv.AssignedAt,
		QueueID:            conv.QueueID,
		ClosedAt:           conv.ClosedAt,
		ReopenedAt:         conv.ReopenedAt,
		LastMessageAt:      conv.LastMessageAt,
		LastMessagePreview: conv.LastMessagePreview,
		UnreadCount:        conv.UnreadCount,
		CreatedAt:          conv.CreatedAt,
		UpdatedAt:          conv.UpdatedAt,
	}
	if conv.LastMessageDirection != nil {
		dir := string(*conv.LastMessageDirection)
		out.LastMessageDirection = &dir
	}
	if ct := conv.Contact; ct != nil {
		out.Contact = &dto.ContactSummary{
			ID:          ct.ID,
			WaID:        ct.WaID,
			Phone:       ct.Phone,
			DisplayName: ct.DisplayName,
			AvatarURL:   ct.AvatarURL,
		}
	}
	return out
}

func queryInt(c *fiber.Ctx, key string, fallback int) int {
	raw := c.Query(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}
