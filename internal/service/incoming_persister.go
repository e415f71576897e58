package service

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/relaykit/wa-relay/internal/domain"
	"github.com/relaykit/wa-relay/internal/media"
	"github.com/relaykit/wa-relay/internal/repository"
	"github.com/relaykit/wa-relay/internal/webhook"
)

// persisted is what a persister wrote inside the transaction.
type persisted struct {
	Message      *domain.Message
	Conversation *domain.Conversation
	IsGroup      bool
	// Upgraded is set when an existing message only had its status raised.
	Upgraded bool
}

// IncomingPersister stores inbound messages and maintains conversation rollups.
type IncomingPersister struct {
	finder conversationFinder
	guard  IdempotencyGuard
	media  media.Store
	logger *zap.Logger
}

// NewIncomingPersister builds the persister. store may be nil.
func NewIncomingPersister(finder conversationFinder, store media.Store, logger *zap.Logger) *IncomingPersister {
	return &IncomingPersister{finder: finder, media: store, logger: logger.Named("incoming")}
}

// inboundMedia is uploaded before the transaction so the contact lock is not
// held across network calls.
type inboundMedia struct {
	storagePath *string
	url         *string
}

// Prepare stores base64 media carried inline. Failures are logged and the
// channel URL, if any, is kept instead.
func (p *IncomingPersister) Prepare(ctx context.Context, data webhook.MessageData) inboundMedia {
	var out inboundMedia
	m := data.Media
	if m == nil {
		return out
	}
	out.url = m.URL
	if p.media == nil || m.Base64 == nil || *m.Base64 == "" {
		return out
	}
	raw, err := base64.StdEncoding.DecodeString(*m.Base64)
	if err != nil {
		p.logger.Warn("inline media is not valid base64", zap.Stringp("wa_message_id", data.WaMessageID), zap.Error(err))
		return out
	}
	obj, err := p.media.Put(ctx, deref(m.Name), deref(m.Mime), raw)
	if err != nil {
		p.logger.Warn("failed to store inbound media", zap.Stringp("wa_message_id", data.WaMessageID), zap.Error(err))
		return out
	}
	out.storagePath = &obj.Path
	out.url = &obj.URL
	return out
}

// Persist writes the message. It returns nil when the message was already
// stored or carries no usable contact address.
func (p *IncomingPersister) Persist(ctx context.Context, repos repository.Repositories, data webhook.MessageData, stored inboundMedia, now time.Time) (*persisted, error) {
	fingerprint := Fingerprint(data)
	seen, err := p.guard.Seen(ctx, repos.Messages, data.WaMessageID, fingerprint)
	if err != nil {
		return nil, err
	}
	if seen {
		return nil, nil
	}

	isGroup := isGroupMessage(data)
	contact, err := resolveContact(ctx, repos, data, isGroup)
	if err != nil || contact == nil {
		return nil, err
	}
	conv, err := p.finder.findOrCreate(ctx, repos, contact.ID, now)
	if err != nil {
		return nil, err
	}

	ts := parseTimestamp(data.WaTimestamp, now)
	msg := &domain.Message{
		ConversationID:     conv.ID,
		Direction:          domain.DirectionIn,
		Type:               messageType(data),
		Body:               messageBody(data),
		WaMessageID:        data.WaMessageID,
		ClientMessageID:    uuid.NewString(),
		InboundFingerprint: &fingerprint,
		WaTimestamp:        &ts,
		Status:             domain.StatusDelivered,
		MediaURL:           stored.url,
		StoragePath:        stored.storagePath,
		SenderWaID:         data.SenderWaID,
		SenderName:         data.SenderName,
		SenderPhone:        data.SenderPhone,
	}
	if msg.SenderWaID == nil {
		msg.SenderWaID = optional(data.FromWaID)
	}
	if msg.SenderPhone == nil {
		msg.SenderPhone = data.Phone
	}
	if msg.SenderName == nil && !isGroup {
		msg.SenderName = data.PushName
	}
	if data.Media != nil {
		msg.MediaMime = data.Media.Mime
		msg.MediaSize = data.Media.Size
	}
	if err := linkReply(ctx, repos, msg, data.ReplyToWaMessageID); err != nil {
		return nil, err
	}

	inserted, err := repos.Messages.InsertIfAbsent(ctx, msg)
	if err != nil {
		return nil, err
	}
	if !inserted {
		return nil, nil
	}

	preview := Preview(msg, isGroup)
	if err := repos.Conversations.TouchLastMessage(ctx, conv.ID, ts, preview, true); err != nil {
		return nil, err
	}
	conv.LastMessageAt = &ts
	conv.LastMessagePreview = &preview
	conv.UnreadCount++
	direction := domain.DirectionIn
	conv.LastMessageDirection = &direction

	return &persisted{Message: msg, Conversation: conv, IsGroup: isGroup}, nil
}

func isGroupMessage(data webhook.MessageData) bool {
	return data.IsGroup || strings.Contains(deref(data.GroupWaID), "@g.us")
}

// resolveContact upserts the contact keyed by the group or peer address and
// returns it row-locked. A nil contact means no usable address.
func resolveContact(ctx context.Context, repos repository.Repositories, data webhook.MessageData, isGroup bool) (*domain.Contact, error) {
	waID := data.FromWaID
	if isGroup && deref(data.GroupWaID) != "" {
		waID = *data.GroupWaID
	}
	waID = strings.TrimSpace(waID)
	if waID == "" {
		return nil, nil
	}

	var phone, displayName *string
	if isGroup {
		user, _, _ := strings.Cut(waID, "@")
		phone = optional(user)
		displayName = optional(deref(data.GroupSubject))
	} else {
		phone = optional(digits(deref(data.Phone)))
		displayName = optional(deref(data.PushName))
	}

	if err := repos.Contacts.InsertIfAbsent(ctx, waID, phone, displayName); err != nil {
		return nil, err
	}
	contact, err := repos.Contacts.GetByWaIDForUpdate(ctx, waID)
	if err != nil {
		return nil, err
	}

	var newPhone, newName *string
	if !isGroup && phone != nil && deref(contact.Phone) != *phone {
		newPhone = phone
	}
	if displayName != nil && deref(contact.DisplayName) != *displayName {
		newName = displayName
	}
	if newPhone != nil || newName != nil {
		if err := repos.Contacts.UpdateProfile(ctx, contact.ID, newPhone, newName); err != nil {
			return nil, err
		}
		if newPhone != nil {
			contact.Phone = newPhone
		}
		if newName != nil {
			contact.DisplayName = newName
		}
	}
	return contact, nil
}

// linkReply keeps the quote only when it points into the same conversation.
func linkReply(ctx context.Context, repos repository.Repositories, msg *domain.Message, replyToWaID *string) error {
	if replyToWaID == nil || *replyToWaID == "" {
		return nil
	}
	quoted, err := repos.Messages.GetByWaMessageID(ctx, *replyToWaID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	if quoted.ConversationID == msg.ConversationID {
		msg.ReplyToMessageID = &quoted.ID
		msg.ReplyTo = quoted
	}
	return nil
}

func messageType(data webhook.MessageData) domain.MessageType {
	t := domain.MessageType(data.Type)
	if t.Valid() {
		return t
	}
	if data.Media != nil && (deref(data.Media.URL) != "" || deref(data.Media.Base64) != "") {
		return domain.MessageDocument
	}
	return domain.MessageText
}

func messageBody(data webhook.MessageData) *string {
	if data.Text != nil && *data.Text != "" {
		return data.Text
	}
	return optional(deref(data.Caption))
}

func digits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
