// Package channeltest provides an in-memory channel transport for tests.
package channeltest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.mau.fi/whatsmeow/proto/waE2E"

	"github.com/relaykit/wa-relay/internal/channel"
)

// SentMessage records one Send call.
type SentMessage struct {
	To      string
	Message channel.OutboundMessage
}

// Revoked records one Revoke call.
type Revoked struct {
	Chat        string
	MessageID   string
	FromMe      bool
	Participant string
}

// Transport is a scriptable channel.Transport.
type Transport struct {
	mu   sync.Mutex
	sink func(channel.Event)

	ConnectErr  error
	SendErr     error
	RevokeErr   error
	LogoutErr   error
	DownloadErr error
	Media       []byte
	Subjects    map[string]string
	Now         func() time.Time

	// SendHook runs inside Send before it returns, for concurrency tests.
	SendHook func()

	Connects    int
	Disconnects int
	Logouts     int
	Clears      int
	Sent        []SentMessage
	Revokes     []Revoked
	Lookups     int
	seq         int
}

// New returns a transport that emits Connected on every successful Connect.
func New() *Transport {
	return &Transport{Subjects: map[string]string{}, Now: time.Now}
}

func (t *Transport) SetEventSink(sink func(channel.Event)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sink = sink
}

// Emit pushes an event to the session as the network would.
func (t *Transport) Emit(ev channel.Event) {
	t.mu.Lock()
	sink := t.sink
	t.mu.Unlock()
	if sink != nil {
		sink(ev)
	}
}

func (t *Transport) Connect(context.Context) error {
	t.mu.Lock()
	t.Connects++
	err := t.ConnectErr
	t.mu.Unlock()
	if err != nil {
		return err
	}
	t.Emit(channel.Connected{})
	return nil
}

func (t *Transport) Disconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Disconnects++
}

func (t *Transport) Logout(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Logouts++
	return t.LogoutErr
}

func (t *Transport) ClearCredentials(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Clears++
	return nil
}

func (t *Transport) Send(_ context.Context, to string, msg channel.OutboundMessage) (channel.SendResult, error) {
	if t.SendHook != nil {
		t.SendHook()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.SendErr != nil {
		return channel.SendResult{}, t.SendErr
	}
	t.seq++
	t.Sent = append(t.Sent, SentMessage{To: to, Message: msg})
	return channel.SendResult{MessageID: fmt.Sprintf("WAID%04d", t.seq), Timestamp: t.Now().UTC()}, nil
}

func (t *Transport) Revoke(_ context.Context, chat, messageID string, fromMe bool, participant string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.RevokeErr != nil {
		return t.RevokeErr
	}
	t.Revokes = append(t.Revokes, Revoked{Chat: chat, MessageID: messageID, FromMe: fromMe, Participant: participant})
	return nil
}

func (t *Transport) Download(context.Context, *waE2E.Message) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.DownloadErr != nil {
		return nil, t.DownloadErr
	}
	return t.Media, nil
}

func (t *Transport) GroupSubject(_ context.Context, jid string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Lookups++
	subject, ok := t.Subjects[jid]
	if !ok {
		return "", fmt.Errorf("group %s not found", jid)
	}
	return subject, nil
}

// SentCount returns the number of successful sends.
func (t *Transport) SentCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.Sent)
}

// LookupCount returns how many group lookups hit the transport.
func (t *Transport) LookupCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Lookups
}
