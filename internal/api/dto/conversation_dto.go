package dto

import (
	"encoding/json"
	"time"
)

// AssignRequest payload for POST /conversations/:id/assign.
type AssignRequest struct {
	AssignedTo string `json:"assigned_to"`
}

// StatusRequest payload for POST /conversations/:id/status.
type StatusRequest struct {
	Status string `json:"status"`
}

// TransferRequest payload for POST /conversations/:id/transfer. AssignedTo
// stays raw so an explicit null can be told apart from an absent field.
type TransferRequest struct {
	AssignedTo json.RawMessage `json:"assigned_to"`
	QueueID    *string         `json:"queue_id"`
}

// ContactSummary is the contact embedded in conversation responses.
type ContactSummary struct {
	ID          string  `json:"id"`
	WaID        string  `json:"wa_id"`
	Phone       *string `json:"phone"`
	DisplayName *string `json:"display_name"`
	AvatarURL   *string `json:"avatar_url"`
}

// ConversationSummary is the list and detail view of a conversation.
type ConversationSummary struct {
	ID                   string          `json:"id"`
	ContactID            string          `json:"contact_id"`
	Status               string          `json:"status"`
	AssignedTo           *string         `json:"assigned_to"`
	AssignedName         *string         `json:"assigned_name"`
	AssignedAt           *time.Time      `json:"assigned_at"`
	QueueID              *string         `json:"queue_id"`
	ClosedAt             *time.Time      `json:"closed_at"`
	ReopenedAt           *time.Time      `json:"reopened_at"`
	LastMessageAt        *time.Time      `json:"last_message_at"`
	LastMessagePreview   *string         `json:"last_message_preview"`
	LastMessageDirection *string         `json:"last_message_direction"`
	UnreadCount          int             `json:"unread_count"`
	Contact              *ContactSummary `json:"contact,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}
