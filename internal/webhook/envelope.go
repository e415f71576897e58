package webhook

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType names a canonical channel occurrence.
type EventType string

const (
	EventMessageIncoming EventType = "message.incoming"
	EventMessageOutgoing EventType = "message.outgoing"
	EventMessageAck      EventType = "message.ack"
)

// EnvelopeVersion is the current envelope schema version.
const EnvelopeVersion = 1

// Header names carried with every delivery.
const (
	HeaderSignature     = "X-Signature"
	HeaderEventID       = "X-Event-Id"
	HeaderTimestamp     = "X-Timestamp"
	HeaderCorrelationID = "X-Correlation-Id"
)

// Envelope wraps one canonical event.
type Envelope struct {
	EventID       string          `json:"event_id"`
	CorrelationID string          `json:"correlation_id"`
	EventType     EventType       `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	Timestamp     string          `json:"timestamp"`
	Data          json.RawMessage `json:"data"`
}

// NewEnvelope builds an envelope with a fresh event id. The correlation id
// falls back to the event id when the channel supplied none.
func NewEnvelope(eventType EventType, correlationID string, data any, now time.Time) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, err
	}
	eventID := uuid.NewString()
	if correlationID == "" {
		correlationID = eventID
	}
	return Envelope{
		EventID:       eventID,
		CorrelationID: correlationID,
		EventType:     eventType,
		EventVersion:  EnvelopeVersion,
		Timestamp:     now.UTC().Format(time.RFC3339Nano),
		Data:          raw,
	}, nil
}
