package events

import (
	"time"
)

// EventType enumerates realtime notifications.
type EventType string

const (
	EventMessageCreated       EventType = "message_created"
	EventConversationUpdated  EventType = "conversation_updated"
	EventMessageStatusUpdated EventType = "message_status_updated"
)

// Event represents a notification emitted after a commit.
type Event struct {
	ID             string    `json:"id"`
	Type           EventType `json:"type"`
	ConversationID string    `json:"conversation_id"`
	ActorID        *string   `json:"actor_id,omitempty"`
	// ExcludeActor asks broadcasters not to echo the event to the actor that caused it.
	ExcludeActor bool        `json:"exclude_actor,omitempty"`
	Timestamp    time.Time   `json:"timestamp"`
	Payload      interface{} `json:"payload"`
}

// ConversationUpdatedPayload summarizes a conversation for list views.
type ConversationUpdatedPayload struct {
	ID                   string     `json:"id"`
	Status               string     `json:"status"`
	AssignedTo           *string    `json:"assigned_to"`
	AssignedName         *string    `json:"assigned_name"`
	LastMessageAt        *time.Time `json:"last_message_at"`
	UnreadCount          int        `json:"unread_count"`
	LastMessagePreview   *string    `json:"last_message_preview"`
	LastMessageDirection *string    `json:"last_message_direction"`
}

// MessageStatusUpdatedPayload carries an ack or send result.
type MessageStatusUpdatedPayload struct {
	MessageID   string     `json:"message_id"`
	Status      string     `json:"status"`
	WaTimestamp *time.Time `json:"wa_timestamp"`
}

// ReplyPayload is the quoted message summary embedded in MessagePayload.
type ReplyPayload struct {
	ID         string  `json:"id"`
	Direction  string  `json:"direction"`
	Type       string  `json:"type"`
	Body       *string `json:"body"`
	SenderName *string `json:"sender_name"`
}

// MessagePayload is the full message as broadcast and returned by the API.
type MessagePayload struct {
	ID               string        `json:"id"`
	ClientMessageID  string        `json:"client_message_id"`
	ConversationID   string        `json:"conversation_id"`
	Direction        string        `json:"direction"`
	Type             string        `json:"type"`
	Body             *string       `json:"body"`
	MediaURL         *string       `json:"media_url"`
	MediaMime        *string       `json:"media_mime"`
	MediaSize        *int64        `json:"media_size"`
	MediaName        *string       `json:"media_name"`
	SenderWaID       *string       `json:"sender_wa_id"`
	SenderName       *string       `json:"sender_name"`
	SenderPhone      *string       `json:"sender_phone"`
	ReplyToMessageID *string       `json:"reply_to_message_id"`
	ReplyTo          *ReplyPayload `json:"reply_to"`
	Status           string        `json:"status"`
	ErrorCode        *string       `json:"error_code"`
	WaTimestamp      *time.Time    `json:"wa_timestamp"`
	CreatedAt        time.Time     `json:"created_at"`
}
