package channel

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.uber.org/zap"

	"github.com/relaykit/wa-relay/internal/config"
	"github.com/relaykit/wa-relay/internal/observability"
)

// ConnectionState is the coarse connection status.
type ConnectionState string

const (
	StateUnknown    ConnectionState = "unknown"
	StateConnecting ConnectionState = "connecting"
	StateOpen       ConnectionState = "open"
	StateClose      ConnectionState = "close"
)

// ReasonLoggedOut is recorded when credentials were revoked or reset.
const ReasonLoggedOut = "logged_out"

// Health is a copy of the session health.
type Health struct {
	Connection           ConnectionState `json:"connection"`
	LastDisconnectReason *string         `json:"lastDisconnectReason"`
	UpdatedAt            time.Time       `json:"updatedAt"`
}

// Pairing is the latest pairing code and when it was issued.
type Pairing struct {
	Code      *string    `json:"qr"`
	UpdatedAt *time.Time `json:"updatedAt"`
}

// Handler receives channel traffic after the session resolved the event kind.
type Handler interface {
	HandleMessage(ctx context.Context, msg RawMessage)
	HandleReceipt(ctx context.Context, receipt RawReceipt)
}

// Timer is the subset of *time.Timer the session needs.
type Timer interface {
	Stop() bool
}

// Session owns the single channel connection and its reconnect loop.
type Session struct {
	mu        sync.Mutex
	transport Transport
	handler   Handler
	policy    ReconnectPolicy
	logger    *zap.Logger
	metrics   *observability.Metrics

	health   Health
	pairing  Pairing
	attempts int
	timer    Timer
	starting bool
	stopped  bool

	onPairing func(code string)

	// AfterFunc schedules reconnects; tests replace it.
	AfterFunc func(d time.Duration, f func()) Timer
	Now       func() time.Time
}

// NewSession wires a transport to a handler.
func NewSession(transport Transport, handler Handler, cfg config.ChannelConfig, logger *zap.Logger, metrics *observability.Metrics) *Session {
	s := &Session{
		transport: transport,
		handler:   handler,
		policy: ReconnectPolicy{
			Base:        time.Duration(cfg.ReconnectBaseMS) * time.Millisecond,
			Max:         time.Duration(cfg.ReconnectMaxMS) * time.Millisecond,
			MaxAttempts: cfg.ReconnectMaxAttempts,
			Cooldown:    time.Duration(cfg.ReconnectCooldownMS) * time.Millisecond,
			Jitter:      250 * time.Millisecond,
		},
		logger:  logger.Named("channel"),
		metrics: metrics,
		AfterFunc: func(d time.Duration, f func()) Timer {
			return time.AfterFunc(d, f)
		},
		Now: time.Now,
	}
	s.health = Health{Connection: StateUnknown, UpdatedAt: s.Now().UTC()}
	transport.SetEventSink(s.dispatch)
	return s
}

// OnPairingCode registers a callback for fresh pairing codes.
func (s *Session) OnPairingCode(fn func(code string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onPairing = fn
}

// SetHandler replaces the traffic handler. Used when the handler depends on the session.
func (s *Session) SetHandler(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

// Start connects unless a start is already in flight. A failed connect
// schedules a reconnect.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.starting {
		s.mu.Unlock()
		return nil
	}
	s.starting = true
	s.stopped = false
	s.setHealthLocked(StateConnecting, nil, false)
	s.mu.Unlock()

	err := s.transport.Connect(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.starting = false
	if err != nil {
		reason := err.Error()
		s.setHealthLocked(StateClose, &reason, true)
		s.logger.Warn("connect failed, scheduling reconnect", zap.Error(err))
		s.scheduleReconnectLocked()
		return err
	}
	return nil
}

// Stop cancels any pending reconnect and closes the connection.
func (s *Session) Stop() {
	s.mu.Lock()
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()
	s.transport.Disconnect()
}

// Reconnect restarts the connection.
func (s *Session) Reconnect(ctx context.Context) error {
	s.Stop()
	return s.Start(ctx)
}

// Logout revokes the credentials on the network and stops the session.
func (s *Session) Logout(ctx context.Context) error {
	err := s.transport.Logout(ctx)
	s.Stop()
	s.mu.Lock()
	s.setHealthLocked(StateClose, nil, false)
	s.clearPairingLocked()
	s.mu.Unlock()
	return err
}

// Reset logs out best-effort, stops and wipes local credentials so the next
// start pairs from scratch.
func (s *Session) Reset(ctx context.Context) error {
	if err := s.transport.Logout(ctx); err != nil {
		s.logger.Warn("failed to logout before reset", zap.Error(err))
	}
	s.Stop()
	err := s.transport.ClearCredentials(ctx)
	reason := ReasonLoggedOut
	s.mu.Lock()
	s.setHealthLocked(StateClose, &reason, true)
	s.clearPairingLocked()
	s.mu.Unlock()
	return err
}

// Health returns a copy of the health snapshot.
func (s *Session) Health() Health {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.health
	if h.LastDisconnectReason != nil {
		reason := *h.LastDisconnectReason
		h.LastDisconnectReason = &reason
	}
	return h
}

// Pairing returns the latest pairing code.
func (s *Session) Pairing() Pairing {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pairing
}

// Send sends a message when the session is open.
func (s *Session) Send(ctx context.Context, to string, msg OutboundMessage) (SendResult, error) {
	if err := s.ensureOpen(); err != nil {
		return SendResult{}, err
	}
	if msg.Reply != nil {
		msg.Reply = quoteFor(to, msg.Reply)
	}
	return s.transport.Send(ctx, to, msg)
}

// SendText sends a plain text message.
func (s *Session) SendText(ctx context.Context, to, text string, reply *Quote) (SendResult, error) {
	return s.Send(ctx, to, OutboundMessage{Type: "text", Text: text, Reply: reply})
}

// SendMedia sends an image, video, audio, document or sticker.
func (s *Session) SendMedia(ctx context.Context, to string, media OutboundMessage, reply *Quote) (SendResult, error) {
	media.Reply = reply
	return s.Send(ctx, to, media)
}

// Revoke deletes a message for everyone.
func (s *Session) Revoke(ctx context.Context, chat, messageID string, fromMe bool, participant string) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	return s.transport.Revoke(ctx, chat, messageID, fromMe, participant)
}

// Download fetches media bytes referenced by a message.
func (s *Session) Download(ctx context.Context, msg *waE2E.Message) ([]byte, error) {
	return s.transport.Download(ctx, msg)
}

// GroupSubject looks up a group's display subject.
func (s *Session) GroupSubject(ctx context.Context, jid string) (string, error) {
	return s.transport.GroupSubject(ctx, jid)
}

func (s *Session) ensureOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.health.Connection != StateOpen {
		return ErrNotConnected
	}
	return nil
}

// quoteFor drops replies the network cannot render: group replies need the
// quoted sender, and a quote needs some text.
func quoteFor(to string, q *Quote) *Quote {
	if q == nil || q.MessageID == "" {
		return nil
	}
	if strings.HasSuffix(to, "@g.us") && q.SenderID == "" {
		return nil
	}
	out := *q
	if out.Text == "" && out.Type != "" {
		out.Text = "[" + out.Type + "]"
	}
	if out.Text == "" {
		return nil
	}
	return &out
}

func (s *Session) dispatch(ev Event) {
	switch e := ev.(type) {
	case Connected:
		s.mu.Lock()
		s.attempts = 0
		s.setHealthLocked(StateOpen, nil, true)
		s.clearPairingLocked()
		s.mu.Unlock()
		s.logger.Info("channel connection established")
	case Disconnected:
		s.mu.Lock()
		reason := e.Reason
		s.setHealthLocked(StateClose, &reason, true)
		if !s.stopped {
			s.logger.Warn("connection closed, scheduling reconnect", zap.String("reason", e.Reason))
			s.scheduleReconnectLocked()
		}
		s.mu.Unlock()
	case LoggedOut:
		s.mu.Lock()
		reason := ReasonLoggedOut
		if e.Reason != "" {
			reason = ReasonLoggedOut + ":" + e.Reason
		}
		s.setHealthLocked(StateClose, &reason, true)
		s.mu.Unlock()
		s.logger.Error("connection closed due to logout, re-pairing required", zap.String("reason", e.Reason))
	case PairingCode:
		s.mu.Lock()
		now := s.Now().UTC()
		code := e.Code
		s.pairing = Pairing{Code: &code, UpdatedAt: &now}
		cb := s.onPairing
		s.mu.Unlock()
		if cb != nil {
			cb(code)
		}
	case MessageEvent:
		if h := s.currentHandler(); h != nil {
			h.HandleMessage(context.Background(), e.Message)
		}
	case ReceiptEvent:
		if h := s.currentHandler(); h != nil {
			h.HandleReceipt(context.Background(), e.Receipt)
		}
	}
}

func (s *Session) currentHandler() Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handler
}

func (s *Session) scheduleReconnectLocked() {
	if s.timer != nil || s.stopped {
		return
	}
	delay, next, cooldown := s.policy.Next(s.attempts)
	if cooldown {
		s.logger.Warn("reconnect attempts exceeded, cooling down",
			zap.Int("attempts", s.attempts), zap.Duration("cooldown", delay))
	}
	s.attempts = next
	s.metrics.Inc(observability.CounterReconnects)
	s.timer = s.AfterFunc(delay, func() {
		s.mu.Lock()
		s.timer = nil
		stopped := s.stopped
		s.mu.Unlock()
		if stopped {
			return
		}
		_ = s.Start(context.Background())
	})
}

func (s *Session) setHealthLocked(state ConnectionState, reason *string, setReason bool) {
	s.health.Connection = state
	if setReason {
		s.health.LastDisconnectReason = reason
	}
	s.health.UpdatedAt = s.Now().UTC()
}

func (s *Session) clearPairingLocked() {
	s.pairing = Pairing{}
}
