package handlers

import (
	"io"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/relaykit/wa-relay/internal/api/dto"
	"github.com/relaykit/wa-relay/internal/auth"
	"github.com/relaykit/wa-relay/internal/domain"
	"github.com/relaykit/wa-relay/internal/service"
	apperrors "github.com/relaykit/wa-relay/pkg/util/errorutil"
)

// MessagesHandler exposes conversation history and outbound messages.
type MessagesHandler struct {
	service  *service.MessageService
	maxBytes int64
}

// NewMessagesHandler constructs handler. maxUpload caps attachment size; zero
// leaves only the server body limit.
func NewMessagesHandler(messages *service.MessageService, maxUpload int64) *MessagesHandler {
	return &MessagesHandler{service: messages, maxBytes: maxUpload}
}

// List GET /conversations/:id/messages.
func (h *MessagesHandler) List(c *fiber.Ctx) error {
	actor, err := auth.Actor(c)
	if err != nil {
		return err
	}
	var before *time.Time
	if raw := c.Query("before"); raw != "" {
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return apperrors.NewValidationError("before must be RFC3339", map[string]any{"before": raw})
		}
		before = &ts
	}
	page, err := h.service.List(c.UserContext(), actor, c.Params("id"), queryInt(c, "limit", 0), before)
	if err != nil {
		return err
	}
	return c.JSON(page)
}

// Send POST /conversations/:id/messages. Accepts JSON or multipart with a "file" part.
func (h *MessagesHandler) Send(c *fiber.Ctx) error {
	actor, err := auth.Actor(c)
	if err != nil {
		return err
	}
	var req dto.SendMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	input := service.SendInput{
		Type:             domain.MessageType(strings.TrimSpace(req.Type)),
		Text:             req.Text,
		ReplyToMessageID: req.ReplyToMessageID,
	}
	if strings.HasPrefix(c.Get(fiber.HeaderContentType), fiber.MIMEMultipartForm) {
		file, err := h.readFile(c)
		if err != nil {
			return err
		}
		input.File = file
	}

	res, err := h.service.Send(c.UserContext(), actor, c.Params("id"), input)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusAccepted).JSON(res)
}

func (h *MessagesHandler) readFile(c *fiber.Ctx) (*service.UploadedFile, error) {
	header, err := c.FormFile("file")
	if err != nil {
		// absent part: the service decides whether a file was required
		return nil, nil
	}
	if h.maxBytes > 0 && header.Size > h.maxBytes {
		return nil, apperrors.NewPayloadTooLarge(int(h.maxBytes))
	}
	f, err := header.Open()
	if err != nil {
		return nil, apperrors.NewValidationError("unreadable file", nil)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, apperrors.NewValidationError("unreadable file", nil)
	}
	mime := header.Header.Get(fiber.HeaderContentType)
	if mime == "" {
		mime = "application/octet-stream"
	}
	return &service.UploadedFile{Name: header.Filename, Mime: mime, Data: data}, nil
}

// Delete DELETE /conversations/:id/messages/:messageId.
func (h *MessagesHandler) Delete(c *fiber.Ctx) error {
	actor, err := auth.Actor(c)
	if err != nil {
		return err
	}
	res, err := h.service.Delete(c.UserContext(), actor, c.Params("id"), c.Params("messageId"))
	if err != nil {
		return err
	}
	return c.JSON(res)
}
