package service

import (
	"context"
	"net/url"
	"path"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/relaykit/wa-relay/internal/domain"
	"github.com/relaykit/wa-relay/internal/events"
	"github.com/relaykit/wa-relay/internal/media"
)

const (
	previewMaxRunes = 252
	errorMaxRunes   = 2000
)

// ConversationPayload maps a conversation to its realtime summary.
func ConversationPayload(conv *domain.Conversation) events.ConversationUpdatedPayload {
	payload := events.ConversationUpdatedPayload{
		ID:                 conv.ID,
		Status:             string(conv.Status),
		AssignedTo:         conv.AssignedTo,
		AssignedName:       conv.AssignedName,
		LastMessageAt:      conv.LastMessageAt,
		UnreadCount:        conv.UnreadCount,
		LastMessagePreview: conv.LastMessagePreview,
	}
	if conv.LastMessageDirection != nil {
		dir := string(*conv.LastMessageDirection)
		payload.LastMessageDirection = &dir
	}
	return payload
}

// MessagePayload maps a message to the shape broadcast and returned by the API.
// mediaURL overrides the stored URL, usually with a presigned one.
func MessagePayload(msg *domain.Message, mediaURL *string) events.MessagePayload {
	if mediaURL == nil {
		mediaURL = msg.MediaURL
	}
	payload := events.MessagePayload{
		ID:               msg.ID,
		ClientMessageID:  msg.ClientMessageID,
		ConversationID:   msg.ConversationID,
		Direction:        string(msg.Direction),
		Type:             string(msg.Type),
		Body:             msg.Body,
		MediaURL:         mediaURL,
		MediaMime:        msg.MediaMime,
		MediaSize:        msg.MediaSize,
		MediaName:        MediaName(msg),
		SenderWaID:       msg.SenderWaID,
		SenderName:       msg.SenderName,
		SenderPhone:      msg.SenderPhone,
		ReplyToMessageID: msg.ReplyToMessageID,
		Status:           string(msg.Status),
		ErrorCode:        msg.ErrorCode,
		WaTimestamp:      msg.WaTimestamp,
		CreatedAt:        msg.CreatedAt,
	}
	if quoted := msg.ReplyTo; quoted != nil {
		body := quoted.Body
		if body == nil || *body == "" {
			placeholder := "[" + string(quoted.Type) + "]"
			body = &placeholder
		}
		payload.ReplyTo = &events.ReplyPayload{
			ID:         quoted.ID,
			Direction:  string(quoted.Direction),
			Type:       string(quoted.Type),
			Body:       body,
			SenderName: quoted.SenderName,
		}
	}
	return payload
}

// MediaName is the base name of the storage path, or of the media URL path.
func MediaName(msg *domain.Message) *string {
	var name string
	switch {
	case msg.StoragePath != nil && *msg.StoragePath != "":
		name = path.Base(*msg.StoragePath)
	case msg.MediaURL != nil && *msg.MediaURL != "":
		if u, err := url.Parse(*msg.MediaURL); err == nil {
			name = path.Base(u.Path)
		}
	}
	if name == "" || name == "." || name == "/" {
		return nil
	}
	return &name
}

// resolveMediaURL prefers a fresh store URL for stored objects.
func resolveMediaURL(ctx context.Context, store media.Store, msg *domain.Message) *string {
	if store != nil && msg.StoragePath != nil && *msg.StoragePath != "" {
		if u, err := store.URL(ctx, *msg.StoragePath); err == nil {
			return &u
		}
	}
	if msg.MediaURL != nil && *msg.MediaURL != "" {
		return msg.MediaURL
	}
	return nil
}

// Preview renders the conversation list preview for a message.
func Preview(msg *domain.Message, isGroup bool) string {
	preview := msg.BodyText()
	if preview == "" {
		preview = "[" + string(msg.Type) + "]"
	}
	if isGroup && msg.Direction == domain.DirectionIn {
		sender := firstNonEmpty(msg.SenderName, msg.SenderPhone, msg.SenderWaID)
		if sender != "" {
			preview = sender + ": " + preview
		}
	}
	return truncate(preview, previewMaxRunes)
}

func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit])
}

func firstNonEmpty(values ...*string) string {
	for _, v := range values {
		if v != nil && strings.TrimSpace(*v) != "" {
			return *v
		}
	}
	return ""
}

func strPtr(s string) *string {
	return &s
}

// optional turns an empty string into nil.
func optional(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}

// parseTimestamp accepts RFC3339 with or without fractions, falling back to now.
func parseTimestamp(raw string, now time.Time) time.Time {
	if raw != "" {
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			return ts.UTC()
		}
	}
	return now.UTC()
}

// publisher collects events for one unit of work and flushes them after commit.
type publisher struct {
	dispatcher events.Dispatcher
	delay      time.Duration
}

func (p publisher) flush(ctx context.Context, box *events.Outbox) {
	box.Flush(ctx, p.dispatcher)
}

func (p publisher) messageCreated(box *events.Outbox, msg events.MessagePayload, actorID *string, delayed bool) {
	box.Add(events.Event{
		Type:           events.EventMessageCreated,
		ConversationID: msg.ConversationID,
		ActorID:        actorID,
		ExcludeActor:   actorID != nil,
		Payload:        msg,
	}, p.delayIf(delayed))
}

func (p publisher) conversationUpdated(box *events.Outbox, conv *domain.Conversation, actorID *string) {
	box.Add(events.Event{
		Type:           events.EventConversationUpdated,
		ConversationID: conv.ID,
		ActorID:        actorID,
		Payload:        ConversationPayload(conv),
	}, 0)
}

func (p publisher) statusUpdated(box *events.Outbox, msg *domain.Message, delayed bool) {
	box.Add(events.Event{
		Type:           events.EventMessageStatusUpdated,
		ConversationID: msg.ConversationID,
		Payload: events.MessageStatusUpdatedPayload{
			MessageID:   msg.ID,
			Status:      string(msg.Status),
			WaTimestamp: msg.WaTimestamp,
		},
	}, p.delayIf(delayed))
}

func (p publisher) delayIf(delayed bool) time.Duration {
	if !delayed {
		return 0
	}
	return p.delay
}
