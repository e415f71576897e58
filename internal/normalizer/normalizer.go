package normalizer

import (
	"context"
	"encoding/base64"
	"strings"
	"time"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.uber.org/zap"

	"github.com/relaykit/wa-relay/internal/channel"
	"github.com/relaykit/wa-relay/internal/observability"
	"github.com/relaykit/wa-relay/internal/webhook"
)

// TimestampLayout is the ISO-8601 form used for wa_timestamp values.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Downloader fetches media bytes referenced by a message.
type Downloader interface {
	Download(ctx context.Context, msg *waE2E.Message) ([]byte, error)
}

// Event is a canonical event ready for the webhook dispatcher.
type Event struct {
	Type          webhook.EventType
	CorrelationID string
	Data          any
}

// Normalizer turns raw channel traffic into canonical events. It keeps no
// state beyond the identity and group subject caches.
type Normalizer struct {
	identities *IdentityStore
	subjects   *GroupSubjects
	downloader Downloader
	logger     *zap.Logger
	metrics    *observability.Metrics
	now        func() time.Time
}

// New wires a normalizer.
func New(identities *IdentityStore, subjects *GroupSubjects, downloader Downloader, logger *zap.Logger, metrics *observability.Metrics) *Normalizer {
	return &Normalizer{
		identities: identities,
		subjects:   subjects,
		downloader: downloader,
		logger:     logger.Named("normalizer"),
		metrics:    metrics,
		now:        time.Now,
	}
}

// Message normalizes a message seen on the channel. Own messages become
// message.outgoing, everything else message.incoming. Broadcast and empty
// messages yield false.
func (n *Normalizer) Message(ctx context.Context, raw channel.RawMessage) (Event, bool) {
	if IsBroadcast(raw.Chat) {
		return Event{}, false
	}
	var (
		data webhook.MessageData
		ok   bool
	)
	eventType := webhook.EventMessageIncoming
	if raw.FromMe {
		eventType = webhook.EventMessageOutgoing
		data, ok = n.outgoing(ctx, raw)
	} else {
		data, ok = n.incoming(ctx, raw)
	}
	if !ok {
		n.metrics.Inc(observability.CounterNormalizerDropped)
		n.logger.Debug("dropping message without payload",
			zap.String("wa_message_id", raw.ID), zap.String("event_type", string(eventType)))
		return Event{}, false
	}
	return Event{Type: eventType, CorrelationID: raw.ID, Data: data}, true
}

func (n *Normalizer) incoming(ctx context.Context, raw channel.RawMessage) (webhook.MessageData, bool) {
	isGroup := IsGroup(raw.Chat)
	n.learnAlias(raw, isGroup)

	rawSender := raw.Participant
	if !isGroup {
		rawSender = firstNonEmpty(raw.ChatAlt, raw.Chat, raw.Participant)
	} else if rawSender == "" {
		rawSender = raw.Chat
	}
	senderWaID := n.resolve(NormalizeWaID(rawSender))
	if isGroup && IsLID(senderWaID) && raw.ParticipantAlt != "" && !IsLID(raw.ParticipantAlt) {
		senderWaID = NormalizeWaID(raw.ParticipantAlt)
	}
	if !isGroup && IsLID(senderWaID) {
		if fallback := firstStable(raw.ChatAlt, raw.Participant); fallback != "" {
			senderWaID = fallback
		}
	}

	var groupWaID, groupSubject *string
	fromWaID := senderWaID
	if isGroup {
		gid := NormalizeWaID(raw.Chat)
		groupWaID = &gid
		fromWaID = gid
		groupSubject = n.subjects.Subject(ctx, gid)
	}

	senderName := optional(raw.PushName)
	pushName := senderName
	if isGroup {
		pushName = groupSubject
	}

	content := Extract(raw.Message)
	if !content.HasPayload() {
		return webhook.MessageData{}, false
	}

	data := webhook.MessageData{
		FromWaID:     fromWaID,
		Phone:        optional(ExtractPhone(fromWaID)),
		PushName:     pushName,
		IsGroup:      isGroup,
		GroupWaID:    groupWaID,
		GroupSubject: groupSubject,
		SenderWaID:   optional(senderWaID),
		SenderPhone:  optional(ExtractPhone(senderWaID)),
		SenderName:   senderName,
	}
	n.fill(ctx, &data, raw, content)
	return data, true
}

func (n *Normalizer) outgoing(ctx context.Context, raw channel.RawMessage) (webhook.MessageData, bool) {
	isGroup := IsGroup(raw.Chat)
	n.learnAlias(raw, isGroup)

	peer := ""
	if rawPeer := firstNonEmpty(raw.ChatAlt, raw.Chat, raw.Participant); rawPeer != "" {
		peer = n.resolve(NormalizeWaID(rawPeer))
	}
	if !isGroup && IsLID(peer) {
		if fallback := firstStable(raw.ChatAlt, raw.Participant); fallback != "" {
			peer = fallback
		}
	}

	var groupWaID, groupSubject *string
	fromWaID := peer
	if isGroup {
		gid := NormalizeWaID(raw.Chat)
		groupWaID = &gid
		fromWaID = gid
		groupSubject = n.subjects.Subject(ctx, gid)
	}
	if fromWaID == "" {
		return webhook.MessageData{}, false
	}

	var senderWaID, senderPhone, senderName *string
	if raw.Participant != "" {
		sender := n.resolve(NormalizeWaID(raw.Participant))
		senderWaID = &sender
		senderPhone = optional(ExtractPhone(sender))
		senderName = optional(raw.PushName)
	}

	content := Extract(raw.Message)
	if !content.HasPayload() {
		return webhook.MessageData{}, false
	}

	data := webhook.MessageData{
		FromWaID:     fromWaID,
		Phone:        optional(ExtractPhone(fromWaID)),
		IsGroup:      isGroup,
		GroupWaID:    groupWaID,
		GroupSubject: groupSubject,
		SenderWaID:   senderWaID,
		SenderPhone:  senderPhone,
		SenderName:   senderName,
	}
	if isGroup {
		data.PushName = groupSubject
	}
	n.fill(ctx, &data, raw, content)
	return data, true
}

// fill copies the content, reply and media fields shared by both directions.
func (n *Normalizer) fill(ctx context.Context, data *webhook.MessageData, raw channel.RawMessage, content Content) {
	data.WaMessageID = optional(raw.ID)
	data.Type = content.Type
	data.Text = content.Text
	data.Caption = content.Caption
	data.WaTimestamp = n.timestamp(raw.Timestamp)

	if q := ExtractQuoted(raw.Message); q != nil {
		id := q.WaMessageID
		data.ReplyToWaMessageID = &id
		data.ReplyToSenderWaID = q.SenderWaID
		data.ReplyToText = q.Text
		data.ReplyToType = q.Type
	}

	media := content.Media
	if content.Downloadable != nil {
		media.Base64 = n.download(ctx, content.Downloadable, raw.ID)
	}
	data.Media = &media
}

func (n *Normalizer) download(ctx context.Context, msg *waE2E.Message, waMessageID string) *string {
	if n.downloader == nil {
		return nil
	}
	raw, err := n.downloader.Download(ctx, msg)
	if err != nil {
		n.logger.Warn("failed to download media content", zap.String("wa_message_id", waMessageID), zap.Error(err))
		return nil
	}
	if len(raw) == 0 {
		return nil
	}
	encoded := base64.StdEncoding.EncodeToString(raw)
	return &encoded
}

// learnAlias records the alternate address of a chat or participant, or a
// stable participant seen alongside an anonymized direct chat.
func (n *Normalizer) learnAlias(raw channel.RawMessage, isGroup bool) {
	if n.identities == nil {
		return
	}
	switch {
	case raw.ChatAlt != "":
		n.pair(raw.Chat, raw.ChatAlt)
	case !isGroup && IsLID(raw.Chat) && raw.Participant != "" && !IsLID(raw.Participant):
		n.identities.Put(raw.Chat, raw.Participant)
	}
	if isGroup && raw.Participant != "" && raw.ParticipantAlt != "" {
		n.pair(raw.Participant, raw.ParticipantAlt)
	}
}

// pair stores two addresses of one account whichever order they arrive in.
func (n *Normalizer) pair(a, b string) {
	if IsLID(a) {
		n.identities.Put(a, b)
		return
	}
	n.identities.Put(b, a)
}

func (n *Normalizer) resolve(jid string) string {
	if n.identities == nil {
		return jid
	}
	if pn, ok := n.identities.Get(jid); ok {
		return pn
	}
	return jid
}

// Acks maps a receipt to one message.ack per acknowledged message. Receipts
// about messages we did not send and unknown codes yield nothing.
func (n *Normalizer) Acks(receipt channel.RawReceipt) []Event {
	if !receipt.FromMe {
		return nil
	}
	ack, ok := MapAck(receipt.Status)
	if !ok {
		return nil
	}
	ts := n.timestamp(receipt.Timestamp)
	events := make([]Event, 0, len(receipt.MessageIDs))
	for _, id := range receipt.MessageIDs {
		if id == "" {
			continue
		}
		events = append(events, Event{
			Type:          webhook.EventMessageAck,
			CorrelationID: id,
			Data:          webhook.AckData{WaMessageID: id, Ack: ack, WaTimestamp: ts},
		})
	}
	return events
}

// MapAck maps a network receipt code to sent, delivered or read.
func MapAck(status any) (string, bool) {
	switch v := status.(type) {
	case string:
		switch strings.ToLower(v) {
		case "sent", "server_ack":
			return "sent", true
		case "delivered", "delivery_ack":
			return "delivered", true
		case "read", "played":
			return "read", true
		}
	case int:
		switch v {
		case 2:
			return "sent", true
		case 3:
			return "delivered", true
		case 4, 5:
			return "read", true
		}
	case int32:
		return MapAck(int(v))
	case int64:
		return MapAck(int(v))
	case float64:
		return MapAck(int(v))
	}
	return "", false
}

func (n *Normalizer) timestamp(ts time.Time) string {
	if ts.IsZero() {
		ts = n.now()
	}
	return ts.UTC().Format(TimestampLayout)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstStable(values ...string) string {
	for _, v := range values {
		if v == "" {
			continue
		}
		normalized := NormalizeWaID(v)
		if !IsLID(normalized) {
			return normalized
		}
	}
	return ""
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
