package domain

import "time"

// ConversationStatus enumerates lifecycle states for conversations.
type ConversationStatus string

const (
	ConversationOpen    ConversationStatus = "open"
	ConversationPending ConversationStatus = "pending"
	ConversationClosed  ConversationStatus = "closed"
)

// Valid reports whether s is a known status.
func (s ConversationStatus) Valid() bool {
	switch s {
	case ConversationOpen, ConversationPending, ConversationClosed:
		return true
	}
	return false
}

// Active reports whether the status counts toward the one-active-per-contact rule.
func (s ConversationStatus) Active() bool {
	return s == ConversationOpen || s == ConversationPending
}

// Conversation is a thread with one contact.
type Conversation struct {
	ID                 string
	ContactID          string
	Status             ConversationStatus
	AssignedTo         *string
	AssignedAt         *time.Time
	ClosedAt           *time.Time
	ClosedBy           *string
	ReopenedAt         *time.Time
	QueueID            *string
	LastMessageAt      *time.Time
	LastMessagePreview *string
	UnreadCount        int
	CreatedAt          time.Time
	UpdatedAt          time.Time

	// Read-model joins, populated by queries that need them.
	AssignedName         *string
	LastMessageDirection *MessageDirection
	Contact              *Contact
}

// IsAssignedTo reports whether userID currently owns the assignment.
func (c *Conversation) IsAssignedTo(userID string) bool {
	return c != nil && c.AssignedTo != nil && *c.AssignedTo == userID
}

// Unassigned reports whether nobody owns the conversation.
func (c *Conversation) Unassigned() bool {
	return c == nil || c.AssignedTo == nil || *c.AssignedTo == ""
}
