package domain

import (
	"encoding/json"
	"time"
)

// WebhookEventStatus tracks ledger progress for a delivered envelope.
type WebhookEventStatus string

const (
	WebhookEventReceived  WebhookEventStatus = "received"
	WebhookEventProcessed WebhookEventStatus = "processed"
	WebhookEventIgnored   WebhookEventStatus = "ignored"
	WebhookEventFailed    WebhookEventStatus = "failed"
)

// WebhookSourceGateway identifies envelopes posted by the channel gateway.
const WebhookSourceGateway = "wa-gateway"

// WebhookEvent is the durable envelope-level dedup record.
type WebhookEvent struct {
	ID          string
	Source      string
	EventID     string
	EventType   string
	Payload     json.RawMessage
	ReceivedAt  time.Time
	Status      WebhookEventStatus
	ProcessedAt *time.Time
	Error       *string
}
