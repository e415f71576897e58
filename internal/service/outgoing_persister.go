package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/relaykit/wa-relay/internal/domain"
	"github.com/relaykit/wa-relay/internal/repository"
	"github.com/relaykit/wa-relay/internal/webhook"
)

// OutgoingPersister records messages sent from other devices on the account.
type OutgoingPersister struct {
	finder conversationFinder
}

// NewOutgoingPersister builds the persister.
func NewOutgoingPersister(finder conversationFinder) *OutgoingPersister {
	return &OutgoingPersister{finder: finder}
}

// Persist upgrades an already known message to sent, or creates it. It
// returns nil when there is nothing to do.
func (p *OutgoingPersister) Persist(ctx context.Context, repos repository.Repositories, data webhook.MessageData, stored inboundMedia, now time.Time) (*persisted, error) {
	if data.WaMessageID == nil || *data.WaMessageID == "" {
		return nil, nil
	}
	ts := parseTimestamp(data.WaTimestamp, now)
	isGroup := isGroupMessage(data)

	existing, err := repos.Messages.GetByWaMessageID(ctx, *data.WaMessageID)
	switch {
	case err == nil:
		if existing.Status.Rank() >= domain.StatusSent.Rank() {
			return nil, nil
		}
		advanced, err := repos.Messages.AdvanceStatus(ctx, existing.ID, domain.StatusSent, ts)
		if err != nil || !advanced {
			return nil, err
		}
		existing.Status = domain.StatusSent
		existing.WaTimestamp = &ts
		return &persisted{Message: existing, IsGroup: isGroup, Upgraded: true}, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return nil, err
	}

	contact, err := resolveContact(ctx, repos, data, isGroup)
	if err != nil || contact == nil {
		return nil, err
	}
	conv, err := p.finder.findOrCreate(ctx, repos, contact.ID, now)
	if err != nil {
		return nil, err
	}

	msg := &domain.Message{
		ConversationID:  conv.ID,
		Direction:       domain.DirectionOut,
		Type:            messageType(data),
		Body:            messageBody(data),
		WaMessageID:     data.WaMessageID,
		ClientMessageID: uuid.NewString(),
		WaTimestamp:     &ts,
		Status:          domain.StatusSent,
		MediaURL:        stored.url,
		StoragePath:     stored.storagePath,
		SenderWaID:      data.SenderWaID,
		SenderName:      data.SenderName,
		SenderPhone:     data.SenderPhone,
	}
	if data.Media != nil {
		msg.MediaMime = data.Media.Mime
		msg.MediaSize = data.Media.Size
	}
	if err := linkReply(ctx, repos, msg, data.ReplyToWaMessageID); err != nil {
		return nil, err
	}
	inserted, err := repos.Messages.InsertIfAbsent(ctx, msg)
	if err != nil || !inserted {
		return nil, err
	}

	preview := Preview(msg, isGroup)
	if err := repos.Conversations.TouchLastMessage(ctx, conv.ID, ts, preview, false); err != nil {
		return nil, err
	}
	conv.LastMessageAt = &ts
	conv.LastMessagePreview = &preview
	direction := domain.DirectionOut
	conv.LastMessageDirection = &direction

	return &persisted{Message: msg, Conversation: conv, IsGroup: isGroup}, nil
}
