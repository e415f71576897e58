package channel

import (
	"time"

	"go.mau.fi/whatsmeow/proto/waE2E"
)

// Event is emitted by a Transport. The session resolves the concrete kind once
// and downstream code only sees RawMessage and RawReceipt.
type Event interface {
	channelEvent()
}

// Connected means the session is open.
type Connected struct{}

// Disconnected means the connection dropped and may be retried.
type Disconnected struct {
	Reason string
}

// LoggedOut means credentials were revoked; reconnecting is pointless.
type LoggedOut struct {
	Reason string
}

// PairingCode carries a fresh code to be scanned by the phone.
type PairingCode struct {
	Code string
}

// MessageEvent carries a message seen on the channel, ours or theirs.
type MessageEvent struct {
	Message RawMessage
}

// ReceiptEvent carries a delivery receipt.
type ReceiptEvent struct {
	Receipt RawReceipt
}

func (Connected) channelEvent()    {}
func (Disconnected) channelEvent() {}
func (LoggedOut) channelEvent()    {}
func (PairingCode) channelEvent()  {}
func (MessageEvent) channelEvent() {}
func (ReceiptEvent) channelEvent() {}

// RawMessage is a channel message before normalization. Addresses are full JIDs.
// ChatAlt and ParticipantAlt carry the alternate addressing form when the
// network supplied both.
type RawMessage struct {
	ID             string
	Chat           string
	ChatAlt        string
	Participant    string
	ParticipantAlt string
	FromMe         bool
	PushName       string
	Timestamp      time.Time
	Message        *waE2E.Message
}

// RawReceipt is a delivery receipt. FromMe reports whether the acknowledged
// messages were sent by this session. Status is the network's receipt code.
type RawReceipt struct {
	Chat       string
	MessageIDs []string
	FromMe     bool
	Status     any
	Timestamp  time.Time
}
