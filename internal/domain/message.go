package domain

import "time"

// MessageDirection tells inbound from outbound messages.
type MessageDirection string

const (
	DirectionIn  MessageDirection = "in"
	DirectionOut MessageDirection = "out"
)

// MessageType enumerates supported content kinds.
type MessageType string

const (
	MessageText     MessageType = "text"
	MessageImage    MessageType = "image"
	MessageVideo    MessageType = "video"
	MessageAudio    MessageType = "audio"
	MessageDocument MessageType = "document"
	MessageSticker  MessageType = "sticker"
)

// Valid reports whether t is a known type.
func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageImage, MessageVideo, MessageAudio, MessageDocument, MessageSticker:
		return true
	}
	return false
}

// MessageStatus is the delivery state. pending < sent < delivered < read.
type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

// Rank orders delivery states. Failed and unknown states rank below pending so
// any receipt can still advance them.
func (s MessageStatus) Rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	}
	return -1
}

// Delivered reports whether the channel accepted the message.
func (s MessageStatus) Delivered() bool {
	return s.Rank() >= StatusSent.Rank()
}

// Message is immutable once persisted apart from its status fields.
type Message struct {
	ID                 string
	ConversationID     string
	UserID             *string
	Direction          MessageDirection
	Type               MessageType
	Body               *string
	WaMessageID        *string
	ClientMessageID    string
	InboundFingerprint *string
	WaTimestamp        *time.Time
	Status             MessageStatus
	ErrorCode          *string
	ErrorMessage       *string
	MediaMime          *string
	MediaSize          *int64
	MediaURL           *string
	StoragePath        *string
	SenderWaID         *string
	SenderName         *string
	SenderPhone        *string
	ReplyToMessageID   *string
	CreatedAt          time.Time
	UpdatedAt          time.Time

	// ReplyTo is populated by queries that join the quoted message.
	ReplyTo *Message
}

// HasMedia reports whether a media descriptor is attached.
func (m *Message) HasMedia() bool {
	return m != nil && ((m.MediaURL != nil && *m.MediaURL != "") || (m.StoragePath != nil && *m.StoragePath != ""))
}

// BodyText returns the body or an empty string.
func (m *Message) BodyText() string {
	if m == nil || m.Body == nil {
		return ""
	}
	return *m.Body
}
