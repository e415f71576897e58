package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/relaykit/wa-relay/internal/config"
	"github.com/relaykit/wa-relay/internal/domain"
	"github.com/relaykit/wa-relay/internal/events"
	"github.com/relaykit/wa-relay/internal/gatewayclient"
	"github.com/relaykit/wa-relay/internal/media"
	"github.com/relaykit/wa-relay/internal/repository"
	apperrors "github.com/relaykit/wa-relay/pkg/util/errorutil"
)

const defaultMessagePage = 30

// Gateway is the part of the gateway client the backend services use.
type Gateway interface {
	Configured() bool
	Send(ctx context.Context, req gatewayclient.SendRequest, correlationID string) (gatewayclient.SendResponse, error)
	Revoke(ctx context.Context, req gatewayclient.RevokeRequest) error
}

// SendQueue accepts message ids for asynchronous delivery.
type SendQueue interface {
	Enqueue(messageID string)
}

// UploadedFile is an attachment received from an agent.
type UploadedFile struct {
	Name string
	Mime string
	Data []byte
}

// SendInput is an agent's outbound message.
type SendInput struct {
	Type             domain.MessageType
	Text             *string
	ReplyToMessageID *string
	File             *UploadedFile
}

// SendResult is returned once the message is queued.
type SendResult struct {
	Status  string                `json:"status"`
	Message events.MessagePayload `json:"message"`
}

// MessagePage is one page of a conversation's history, oldest first.
type MessagePage struct {
	Data []events.MessagePayload `json:"data"`
	// Before is the cursor for the next older page.
	Before *time.Time `json:"before,omitempty"`
}

// DeleteResult describes a removed message and the recomputed rollups.
type DeleteResult struct {
	Status       string              `json:"status"`
	MessageID    string              `json:"message_id"`
	Conversation ConversationSummary `json:"conversation"`
}

// ConversationSummary carries the rollup fields touched by a delete.
type ConversationSummary struct {
	ID                 string     `json:"id"`
	LastMessageAt      *time.Time `json:"last_message_at"`
	LastMessagePreview *string    `json:"last_message_preview"`
}

// MessageService lets agents read, send and delete messages.
type MessageService struct {
	uow     repository.UnitOfWork
	policy  ConversationPolicy
	locks   *LockService
	media   media.Store
	gateway Gateway
	queue   SendQueue
	pub     publisher
	logger  *zap.Logger
	now     func() time.Time
}

// MessageDependencies bundles collaborators for the message service.
type MessageDependencies struct {
	UnitOfWork repository.UnitOfWork
	Locks      *LockService
	Media      media.Store
	Gateway    Gateway
	Queue      SendQueue
	Dispatcher events.Dispatcher
	Logger     *zap.Logger
}

// NewMessageService builds the service.
func NewMessageService(deps MessageDependencies, cfg config.NotificationConfig) *MessageService {
	return &MessageService{
		uow:     deps.UnitOfWork,
		locks:   deps.Locks,
		media:   deps.Media,
		gateway: deps.Gateway,
		queue:   deps.Queue,
		pub:     publisher{dispatcher: deps.Dispatcher, delay: cfg.BroadcastDelay()},
		logger:  deps.Logger.Named("messages"),
		now:     time.Now,
	}
}

// List returns up to limit messages created before the cursor.
func (s *MessageService) List(ctx context.Context, actor *domain.User, conversationID string, limit int, before *time.Time) (*MessagePage, error) {
	conv, err := loadConversation(ctx, s.uow.Repos(), conversationID, false)
	if err != nil {
		return nil, err
	}
	if !s.policy.Allows(actor, conv, AbilityView) {
		return nil, apperrors.NewForbidden("not allowed to view this conversation")
	}
	if limit <= 0 || limit > 200 {
		limit = defaultMessagePage
	}

	msgs, err := s.uow.Repos().Messages.ListByConversation(ctx, conv.ID, limit, before)
	if err != nil {
		return nil, apperrors.MapError(err)
	}
	page := &MessagePage{Data: make([]events.MessagePayload, 0, len(msgs))}
	for i := range msgs {
		page.Data = append(page.Data, MessagePayload(&msgs[i], resolveMediaURL(ctx, s.media, &msgs[i])))
	}
	if len(msgs) == limit {
		oldest := msgs[0].CreatedAt
		page.Before = &oldest
	}
	return page, nil
}

// Send stores the agent's message as pending and queues it for delivery.
func (s *MessageService) Send(ctx context.Context, actor *domain.User, conversationID string, input SendInput) (*SendResult, error) {
	conv, err := loadConversation(ctx, s.uow.Repos(), conversationID, false)
	if err != nil {
		return nil, err
	}
	if !s.policy.Allows(actor, conv, AbilitySendMessage) {
		return nil, apperrors.NewForbidden("not allowed to send messages in this conversation")
	}
	if s.locks != nil {
		owner, ttl, locked, err := s.locks.IsLockedByOther(ctx, conv.ID, actor.ID)
		if err != nil {
			return nil, apperrors.NewInternalError(err)
		}
		if locked {
			return nil, apperrors.NewLocked(owner, ttl)
		}
	}
	if err := validateSendInput(input); err != nil {
		return nil, err
	}

	var replyTo *domain.Message
	if input.ReplyToMessageID != nil && *input.ReplyToMessageID != "" {
		if replyTo, err = s.replyTarget(ctx, conv.ID, *input.ReplyToMessageID); err != nil {
			return nil, err
		}
	}

	now := s.now().UTC()
	msg := &domain.Message{
		ConversationID:  conv.ID,
		UserID:          &actor.ID,
		Direction:       domain.DirectionOut,
		Type:            input.Type,
		Body:            optional(strings.TrimSpace(deref(input.Text))),
		ClientMessageID: uuid.NewString(),
		WaTimestamp:     &now,
		Status:          domain.StatusPending,
		ReplyTo:         replyTo,
	}
	if replyTo != nil {
		msg.ReplyToMessageID = &replyTo.ID
	}
	if f := input.File; f != nil {
		if s.media == nil {
			return nil, apperrors.NewValidationError("media uploads are not enabled", nil)
		}
		obj, err := s.media.Put(ctx, f.Name, f.Mime, f.Data)
		if err != nil {
			return nil, apperrors.NewInternalError(err)
		}
		size := int64(len(f.Data))
		msg.StoragePath = &obj.Path
		msg.MediaURL = &obj.URL
		msg.MediaMime = optional(f.Mime)
		msg.MediaSize = &size
	}

	err = s.uow.WithinTx(ctx, func(repos repository.Repositories) error {
		locked, err := loadConversation(ctx, repos, conv.ID, true)
		if err != nil {
			return err
		}
		if err := repos.Messages.Create(ctx, msg); err != nil {
			return err
		}
		preview := Preview(msg, false)
		if err := repos.Conversations.TouchLastMessage(ctx, locked.ID, now, preview, false); err != nil {
			return err
		}
		direction := domain.DirectionOut
		locked.LastMessageAt = &now
		locked.LastMessagePreview = &preview
		locked.LastMessageDirection = &direction
		conv = locked
		return nil
	})
	if err != nil {
		return nil, apperrors.MapError(err)
	}

	payload := MessagePayload(msg, resolveMediaURL(ctx, s.media, msg))
	box := events.NewOutbox()
	s.pub.messageCreated(box, payload, &actor.ID, false)
	s.pub.conversationUpdated(box, conv, &actor.ID)
	s.pub.flush(ctx, box)

	if s.queue != nil {
		s.queue.Enqueue(msg.ID)
	}
	s.logger.Info("message queued",
		zap.String("message_id", msg.ID),
		zap.String("conversation_id", conv.ID),
		zap.String("client_message_id", msg.ClientMessageID))
	return &SendResult{Status: "queued", Message: payload}, nil
}

func validateSendInput(input SendInput) error {
	if !input.Type.Valid() {
		return apperrors.NewValidationError("invalid message type", map[string]any{"type": input.Type})
	}
	if input.Type == domain.MessageText {
		if strings.TrimSpace(deref(input.Text)) == "" {
			return apperrors.NewValidationError("text is required", map[string]any{"field": "text"})
		}
		return nil
	}
	if input.File == nil || len(input.File.Data) == 0 {
		return apperrors.NewValidationError("file is required", map[string]any{"field": "file"})
	}
	return nil
}

// replyTarget accepts only inbound messages of the same conversation that the
// channel can quote.
func (s *MessageService) replyTarget(ctx context.Context, conversationID, id string) (*domain.Message, error) {
	invalid := apperrors.NewValidationError("invalid reply target", map[string]any{"reply_to_message_id": id})
	if !isUUID(id) {
		return nil, invalid
	}
	target, err := s.uow.Repos().Messages.GetByID(ctx, id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, invalid
	}
	if err != nil {
		return nil, apperrors.MapError(err)
	}
	if target.ConversationID != conversationID || target.Direction != domain.DirectionIn || deref(target.WaMessageID) == "" {
		return nil, invalid
	}
	return target, nil
}

// Delete removes a message, revoking it on the channel first when it was sent.
func (s *MessageService) Delete(ctx context.Context, actor *domain.User, conversationID, messageID string) (*DeleteResult, error) {
	repos := s.uow.Repos()
	conv, err := loadConversation(ctx, repos, conversationID, false)
	if err != nil {
		return nil, err
	}
	if !s.policy.Allows(actor, conv, AbilityView) {
		return nil, apperrors.NewForbidden("not allowed to view this conversation")
	}
	msg, err := repos.Messages.GetByID(ctx, messageID)
	if errors.Is(err, pgx.ErrNoRows) || (err == nil && msg.ConversationID != conv.ID) {
		return nil, apperrors.NewNotFound("message", map[string]any{"message_id": messageID})
	}
	if err != nil {
		return nil, apperrors.MapError(err)
	}
	contact, err := repos.Contacts.GetByID(ctx, conv.ContactID)
	if err != nil {
		return nil, apperrors.MapError(err)
	}

	if msg.Direction == domain.DirectionOut && deref(msg.WaMessageID) != "" {
		if err := s.revoke(ctx, contact.WaID, *msg.WaMessageID); err != nil {
			s.logger.Warn("revoke failed", zap.String("message_id", msg.ID), zap.Error(err))
			return nil, apperrors.NewValidationError("failed to revoke message on the channel", map[string]any{"reason": err.Error()})
		}
	}

	isGroup := strings.HasSuffix(contact.WaID, "@g.us")
	err = s.uow.WithinTx(ctx, func(repos repository.Repositories) error {
		locked, err := loadConversation(ctx, repos, conv.ID, true)
		if err != nil {
			return err
		}
		if err := repos.Messages.Delete(ctx, msg.ID); err != nil {
			return err
		}
		var (
			at      *time.Time
			preview *string
		)
		latest, err := repos.Messages.Latest(ctx, locked.ID)
		switch {
		case err == nil:
			text := Preview(latest, isGroup)
			at = latest.WaTimestamp
			if at == nil {
				at = &latest.CreatedAt
			}
			preview = &text
		case !errors.Is(err, pgx.ErrNoRows):
			return err
		}
		if err := repos.Conversations.SetLastMessage(ctx, locked.ID, at, preview); err != nil {
			return err
		}
		locked.LastMessageAt = at
		locked.LastMessagePreview = preview
		conv = locked
		return nil
	})
	if err != nil {
		return nil, apperrors.MapError(err)
	}

	box := events.NewOutbox()
	s.pub.conversationUpdated(box, conv, &actor.ID)
	s.pub.flush(ctx, box)

	return &DeleteResult{
		Status:    "deleted",
		MessageID: msg.ID,
		Conversation: ConversationSummary{
			ID:                 conv.ID,
			LastMessageAt:      conv.LastMessageAt,
			LastMessagePreview: conv.LastMessagePreview,
		},
	}, nil
}

func (s *MessageService) revoke(ctx context.Context, toWaID, waMessageID string) error {
	if s.gateway == nil || !s.gateway.Configured() {
		return gatewayclient.ErrNotConfigured
	}
	return s.gateway.Revoke(ctx, gatewayclient.RevokeRequest{
		ToWaID:      toWaID,
		WaMessageID: waMessageID,
		FromMe:      true,
	})
}
