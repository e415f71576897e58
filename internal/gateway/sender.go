package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/relaykit/wa-relay/internal/channel"
	"github.com/relaykit/wa-relay/internal/normalizer"
	"github.com/relaykit/wa-relay/internal/observability"
)

// Messenger is the part of the channel session the sender drives.
type Messenger interface {
	Send(ctx context.Context, to string, msg channel.OutboundMessage) (channel.SendResult, error)
	Revoke(ctx context.Context, chat, messageID string, fromMe bool, participant string) error
}

// Fetcher resolves a media_url to bytes.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (Media, error)
}

var sendTypes = map[string]bool{
	"text": true, "image": true, "video": true, "audio": true, "document": true, "sticker": true,
}

// SendRequest is the body of POST /send.
type SendRequest struct {
	ClientMessageID    string  `json:"client_message_id"`
	ToWaID             string  `json:"to_wa_id"`
	Type               string  `json:"type"`
	Text               *string `json:"text"`
	MediaURL           *string `json:"media_url"`
	MediaMime          *string `json:"media_mime"`
	MediaName          *string `json:"media_name"`
	ReplyToWaMessageID *string `json:"reply_to_wa_message_id"`
	ReplyToSenderWaID  *string `json:"reply_to_sender_wa_id"`
	ReplyToText        *string `json:"reply_to_text"`
	ReplyToType        *string `json:"reply_to_type"`
}

// Validate returns the first rule the request breaks.
func (r SendRequest) Validate() error {
	switch {
	case r.ClientMessageID == "":
		return errors.New("client_message_id is required")
	case r.ToWaID == "":
		return errors.New("to_wa_id is required")
	case !sendTypes[r.Type]:
		return errors.New("type is invalid")
	case r.Type == "text" && value(r.Text) == "":
		return errors.New("text is required")
	case r.Type != "text" && value(r.MediaURL) == "":
		return errors.New("media_url is required")
	}
	return nil
}

// RevokeRequest is the body of POST /revoke.
type RevokeRequest struct {
	ToWaID      string  `json:"to_wa_id"`
	WaMessageID string  `json:"wa_message_id"`
	FromMe      *bool   `json:"from_me"`
	Participant *string `json:"participant"`
}

// Validate returns the first rule the request breaks.
func (r RevokeRequest) Validate() error {
	switch {
	case r.ToWaID == "":
		return errors.New("to_wa_id is required")
	case r.WaMessageID == "":
		return errors.New("wa_message_id is required")
	}
	return nil
}

// SendResponse is returned for both fresh and deduplicated sends.
type SendResponse struct {
	OK          bool    `json:"ok"`
	WaMessageID *string `json:"wa_message_id"`
	WaTimestamp string  `json:"wa_timestamp"`
}

// Sender deduplicates sends by client_message_id before driving the session.
type Sender struct {
	messenger Messenger
	store     IdempotencyStore
	fetcher   Fetcher
	flights   singleflight.Group
	timeout   time.Duration
	logger    *zap.Logger
	metrics   *observability.Metrics
}

// DefaultSendTimeout bounds one shared send, independent of the callers waiting on it.
const DefaultSendTimeout = 60 * time.Second

// NewSender wires a sender.
func NewSender(messenger Messenger, store IdempotencyStore, fetcher Fetcher, logger *zap.Logger, metrics *observability.Metrics) *Sender {
	return &Sender{
		messenger: messenger,
		store:     store,
		fetcher:   fetcher,
		timeout:   DefaultSendTimeout,
		logger:    logger.Named("sender"),
		metrics:   metrics,
	}
}

// Send returns the remembered result for a known client_message_id, and
// otherwise sends once even when duplicates arrive concurrently.
func (s *Sender) Send(ctx context.Context, req SendRequest, correlationID string) (SendResponse, error) {
	if cached, err := s.lookup(ctx, req.ClientMessageID); err != nil {
		return SendResponse{}, err
	} else if cached != nil {
		s.metrics.Inc(observability.CounterSendDeduplicated)
		return *cached, nil
	}

	// The shared send outlives any single caller, so one cancelled request
	// does not fail the others waiting on it.
	results := s.flights.DoChan(req.ClientMessageID, func() (interface{}, error) {
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()
		if cached, err := s.lookup(sendCtx, req.ClientMessageID); err != nil || cached != nil {
			return cached, err
		}
		return s.send(sendCtx, req, correlationID)
	})
	select {
	case <-ctx.Done():
		return SendResponse{}, ctx.Err()
	case res := <-results:
		if res.Err != nil {
			return SendResponse{}, res.Err
		}
		if res.Shared {
			s.metrics.Inc(observability.CounterSendDeduplicated)
		}
		return *res.Val.(*SendResponse), nil
	}
}

func (s *Sender) lookup(ctx context.Context, clientMessageID string) (*SendResponse, error) {
	rec, err := s.store.Get(ctx, clientMessageID)
	if err != nil || rec == nil {
		return nil, err
	}
	return &SendResponse{OK: true, WaMessageID: rec.WaMessageID, WaTimestamp: rec.WaTimestamp}, nil
}

func (s *Sender) send(ctx context.Context, req SendRequest, correlationID string) (*SendResponse, error) {
	msg := channel.OutboundMessage{Type: req.Type, Reply: quote(req)}
	if req.Type == "text" {
		msg.Text = value(req.Text)
	} else {
		media, err := s.fetcher.Fetch(ctx, value(req.MediaURL))
		if err != nil {
			return nil, err
		}
		msg.Data = media.Data
		msg.Mime = value(req.MediaMime)
		if msg.Mime == "" {
			msg.Mime = media.Mime
		}
		msg.Caption = value(req.Text)
		msg.FileName = value(req.MediaName)
	}

	result, err := s.messenger.Send(ctx, ToJID(req.ToWaID), msg)
	if err != nil {
		s.metrics.Inc(observability.CounterMessagesSendFailed)
		return nil, err
	}

	resp := &SendResponse{OK: true, WaTimestamp: result.Timestamp.UTC().Format(normalizer.TimestampLayout)}
	if result.MessageID != "" {
		id := result.MessageID
		resp.WaMessageID = &id
	}
	s.metrics.Inc(observability.CounterMessagesSent)
	s.logger.Info("outbound message sent",
		zap.String("client_message_id", req.ClientMessageID),
		zap.String("wa_message_id", result.MessageID),
		zap.String("correlation_id", correlationID),
	)

	if err := s.store.Put(ctx, req.ClientMessageID, SendRecord{WaMessageID: resp.WaMessageID, WaTimestamp: resp.WaTimestamp}); err != nil {
		s.logger.Warn("failed to store idempotency record", zap.String("client_message_id", req.ClientMessageID), zap.Error(err))
	}
	return resp, nil
}

// Revoke deletes a message for everyone.
func (s *Sender) Revoke(ctx context.Context, req RevokeRequest) error {
	fromMe := true
	if req.FromMe != nil {
		fromMe = *req.FromMe
	}
	participant := value(req.Participant)
	if participant != "" {
		participant = ToJID(participant)
	}
	if err := s.messenger.Revoke(ctx, ToJID(req.ToWaID), req.WaMessageID, fromMe, participant); err != nil {
		return fmt.Errorf("revoke %s: %w", req.WaMessageID, err)
	}
	return nil
}

func quote(req SendRequest) *channel.Quote {
	if value(req.ReplyToWaMessageID) == "" {
		return nil
	}
	return &channel.Quote{
		MessageID: value(req.ReplyToWaMessageID),
		SenderID:  value(req.ReplyToSenderWaID),
		Text:      value(req.ReplyToText),
		Type:      value(req.ReplyToType),
	}
}

// ToJID turns a bare phone number into a user address. Full addresses pass through.
func ToJID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" || strings.Contains(id, "@") {
		return id
	}
	return strings.TrimPrefix(id, "+") + "@s.whatsapp.net"
}

func value(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
