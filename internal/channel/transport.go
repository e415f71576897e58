package channel

import (
	"context"
	"errors"
	"time"

	"go.mau.fi/whatsmeow/proto/waE2E"
)

// ErrNotConnected is returned by send and revoke while the session is not open.
var ErrNotConnected = errors.New("channel session is not connected")

// Transport is the low-level protocol capability.
type Transport interface {
	SetEventSink(sink func(Event))
	Connect(ctx context.Context) error
	Disconnect()
	Logout(ctx context.Context) error
	ClearCredentials(ctx context.Context) error
	Send(ctx context.Context, to string, msg OutboundMessage) (SendResult, error)
	Revoke(ctx context.Context, chat, messageID string, fromMe bool, participant string) error
	Download(ctx context.Context, msg *waE2E.Message) ([]byte, error)
	GroupSubject(ctx context.Context, jid string) (string, error)
}

// Quote references the message being replied to.
type Quote struct {
	MessageID string
	SenderID  string
	Text      string
	Type      string
}

// OutboundMessage is a send command after media has been fetched.
type OutboundMessage struct {
	Type     string
	Text     string
	Caption  string
	Data     []byte
	Mime     string
	FileName string
	Reply    *Quote
}

// SendResult identifies the message assigned by the network.
type SendResult struct {
	MessageID string
	Timestamp time.Time
}
