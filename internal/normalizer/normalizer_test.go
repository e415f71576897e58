package normalizer

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	"github.com/relaykit/wa-relay/internal/channel"
	"github.com/relaykit/wa-relay/internal/webhook"
)

type stubNetwork struct {
	subjects  map[string]string
	lookups   int
	media     []byte
	mediaErr  error
	downloads int
}

func (s *stubNetwork) GroupSubject(_ context.Context, jid string) (string, error) {
	s.lookups++
	subject, ok := s.subjects[jid]
	if !ok {
		return "", errors.New("not found")
	}
	return subject, nil
}

func (s *stubNetwork) Download(context.Context, *waE2E.Message) ([]byte, error) {
	s.downloads++
	return s.media, s.mediaErr
}

var fixedNow = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func newTestNormalizer(net *stubNetwork) (*Normalizer, *IdentityStore) {
	ids := NewIdentityStore("", 0, zap.NewNop())
	n := New(ids, NewGroupSubjects(net, time.Minute, zap.NewNop()), net, zap.NewNop(), nil)
	n.now = func() time.Time { return fixedNow }
	return n, ids
}

func textMessage(text string) *waE2E.Message {
	return &waE2E.Message{Conversation: proto.String(text)}
}

func TestIncomingDirectMessage(t *testing.T) {
	n, _ := newTestNormalizer(&stubNetwork{})
	raw := channel.RawMessage{
		ID:        "MSG_1",
		Chat:      "628123456789@s.whatsapp.net",
		PushName:  "Tester",
		Timestamp: time.Unix(1700000000, 0),
		Message:   textMessage("Hello"),
	}

	ev, ok := n.Message(context.Background(), raw)
	if !ok {
		t.Fatalf("expected event")
	}
	if ev.Type != webhook.EventMessageIncoming || ev.CorrelationID != "MSG_1" {
		t.Fatalf("unexpected event header: %+v", ev)
	}
	data := ev.Data.(webhook.MessageData)
	if data.FromWaID != "628123456789@s.whatsapp.net" || *data.Phone != "628123456789" {
		t.Fatalf("unexpected origin: %+v", data)
	}
	if *data.PushName != "Tester" || *data.SenderName != "Tester" || data.IsGroup {
		t.Fatalf("unexpected names: %+v", data)
	}
	if data.Type != "text" || *data.Text != "Hello" || data.Media == nil {
		t.Fatalf("unexpected content: %+v", data)
	}
	if data.WaTimestamp != "2023-11-14T22:13:20.000Z" {
		t.Fatalf("unexpected timestamp %q", data.WaTimestamp)
	}

	again, _ := n.Message(context.Background(), raw)
	if !reflect.DeepEqual(ev, again) {
		t.Fatalf("normalizing the same message twice must be deterministic")
	}
}

func TestIncomingResolvesAnonymizedSender(t *testing.T) {
	n, ids := newTestNormalizer(&stubNetwork{})

	// First message carries both forms and teaches the mapping.
	first := channel.RawMessage{
		ID:      "A",
		Chat:    "999@lid",
		ChatAlt: "628111@s.whatsapp.net",
		Message: textMessage("hi"),
	}
	ev, _ := n.Message(context.Background(), first)
	if got := ev.Data.(webhook.MessageData).FromWaID; got != "628111@s.whatsapp.net" {
		t.Fatalf("expected stable sender, got %q", got)
	}
	if _, ok := ids.Get("999@lid"); !ok {
		t.Fatalf("expected mapping to be learned")
	}

	// A later message with only the anonymized form still resolves.
	second := channel.RawMessage{ID: "B", Chat: "999:3@lid", Message: textMessage("again")}
	ev, _ = n.Message(context.Background(), second)
	data := ev.Data.(webhook.MessageData)
	if data.FromWaID != "628111@s.whatsapp.net" || *data.SenderPhone != "628111" {
		t.Fatalf("expected resolved sender, got %+v", data)
	}

	// Unknown anonymized ids pass through unchanged.
	third := channel.RawMessage{ID: "C", Chat: "555@lid", Message: textMessage("who")}
	ev, _ = n.Message(context.Background(), third)
	if got := ev.Data.(webhook.MessageData).FromWaID; got != "555@lid" {
		t.Fatalf("expected anonymized id to be kept, got %q", got)
	}
}

func TestIncomingGroupUsesCachedSubject(t *testing.T) {
	net := &stubNetwork{subjects: map[string]string{"120363@g.us": "Support Group"}}
	n, _ := newTestNormalizer(net)

	raw := channel.RawMessage{
		ID:          "G1",
		Chat:        "120363@g.us",
		Participant: "628222:5@s.whatsapp.net",
		PushName:    "Member",
		Message:     textMessage("hello group"),
	}
	for i := 0; i < 3; i++ {
		ev, ok := n.Message(context.Background(), raw)
		if !ok {
			t.Fatalf("expected event")
		}
		data := ev.Data.(webhook.MessageData)
		if !data.IsGroup || data.FromWaID != "120363@g.us" || *data.GroupWaID != "120363@g.us" {
			t.Fatalf("unexpected group origin: %+v", data)
		}
		if *data.GroupSubject != "Support Group" || *data.PushName != "Support Group" {
			t.Fatalf("unexpected subject: %+v", data)
		}
		if *data.SenderWaID != "628222@s.whatsapp.net" || *data.SenderName != "Member" {
			t.Fatalf("unexpected sender: %+v", data)
		}
	}
	if net.lookups != 1 {
		t.Fatalf("expected one subject lookup, got %d", net.lookups)
	}
}

func TestGroupSubjectFailureYieldsNull(t *testing.T) {
	n, _ := newTestNormalizer(&stubNetwork{})
	ev, ok := n.Message(context.Background(), channel.RawMessage{
		ID: "G2", Chat: "777@g.us", Participant: "1@s.whatsapp.net", Message: textMessage("x"),
	})
	if !ok {
		t.Fatalf("lookup failure must not drop the event")
	}
	if ev.Data.(webhook.MessageData).GroupSubject != nil {
		t.Fatalf("expected null subject")
	}
}

func TestDropsEmptyAndBroadcastMessages(t *testing.T) {
	n, _ := newTestNormalizer(&stubNetwork{})
	cases := []channel.RawMessage{
		{ID: "1", Chat: "1@s.whatsapp.net", Message: textMessage("")},
		{ID: "2", Chat: "1@s.whatsapp.net"},
		{ID: "3", Chat: "1@s.whatsapp.net", Message: &waE2E.Message{ReactionMessage: &waE2E.ReactionMessage{}}},
		{ID: "4", Chat: "status@broadcast", Message: textMessage("status")},
	}
	for _, raw := range cases {
		if _, ok := n.Message(context.Background(), raw); ok {
			t.Errorf("message %s should be dropped", raw.ID)
		}
	}
}

func TestMediaIsInlinedAndWrappersUnwrapped(t *testing.T) {
	net := &stubNetwork{media: []byte("img")}
	n, _ := newTestNormalizer(net)
	image := &waE2E.ImageMessage{
		Caption:    proto.String("look"),
		Mimetype:   proto.String("image/jpeg"),
		FileLength: proto.Uint64(3),
		URL:        proto.String("https://mmg.example/abc"),
	}
	raw := channel.RawMessage{
		ID:   "IMG",
		Chat: "1@s.whatsapp.net",
		Message: &waE2E.Message{EphemeralMessage: &waE2E.FutureProofMessage{
			Message: &waE2E.Message{ViewOnceMessageV2: &waE2E.FutureProofMessage{
				Message: &waE2E.Message{ImageMessage: image},
			}},
		}},
	}
	ev, ok := n.Message(context.Background(), raw)
	if !ok {
		t.Fatalf("expected event")
	}
	data := ev.Data.(webhook.MessageData)
	if data.Type != "image" || *data.Caption != "look" {
		t.Fatalf("unexpected content: %+v", data)
	}
	m := data.Media
	if *m.Mime != "image/jpeg" || *m.Size != 3 || *m.URL != "https://mmg.example/abc" || *m.Base64 != "aW1n" {
		t.Fatalf("unexpected media: %+v", m)
	}

	net.mediaErr = errors.New("expired")
	ev, ok = n.Message(context.Background(), raw)
	if !ok || ev.Data.(webhook.MessageData).Media.Base64 != nil {
		t.Fatalf("download failure should yield null base64 and keep the event")
	}
}

func TestQuotedReply(t *testing.T) {
	n, _ := newTestNormalizer(&stubNetwork{})
	raw := channel.RawMessage{
		ID:   "R1",
		Chat: "1@s.whatsapp.net",
		Message: &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{
			Text: proto.String("answer"),
			ContextInfo: &waE2E.ContextInfo{
				StanzaID:    proto.String("Q1"),
				Participant: proto.String("2:1@s.whatsapp.net"),
				QuotedMessage: &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
					FileName: proto.String("invoice.pdf"),
				}},
			},
		}},
	}
	ev, _ := n.Message(context.Background(), raw)
	data := ev.Data.(webhook.MessageData)
	if *data.ReplyToWaMessageID != "Q1" || *data.ReplyToSenderWaID != "2@s.whatsapp.net" {
		t.Fatalf("unexpected reply ids: %+v", data)
	}
	if *data.ReplyToText != "invoice.pdf" || *data.ReplyToType != "document" {
		t.Fatalf("unexpected reply content: %+v", data)
	}
}

func TestOutgoingDirectMessage(t *testing.T) {
	n, _ := newTestNormalizer(&stubNetwork{})
	ev, ok := n.Message(context.Background(), channel.RawMessage{
		ID:       "OUT1",
		Chat:     "628333@s.whatsapp.net",
		FromMe:   true,
		PushName: "Me",
		Message:  textMessage("sent from phone"),
	})
	if !ok {
		t.Fatalf("expected event")
	}
	if ev.Type != webhook.EventMessageOutgoing {
		t.Fatalf("expected outgoing type, got %s", ev.Type)
	}
	data := ev.Data.(webhook.MessageData)
	if data.FromWaID != "628333@s.whatsapp.net" || data.SenderWaID != nil || data.SenderName != nil || data.PushName != nil {
		t.Fatalf("unexpected outgoing identity: %+v", data)
	}
}

func TestAcks(t *testing.T) {
	n, _ := newTestNormalizer(&stubNetwork{})
	receipt := channel.RawReceipt{
		Chat:       "1@s.whatsapp.net",
		MessageIDs: []string{"M1", "M2"},
		FromMe:     true,
		Status:     "delivered",
		Timestamp:  time.Unix(1700000000, 0),
	}
	events := n.Acks(receipt)
	if len(events) != 2 {
		t.Fatalf("expected two acks, got %d", len(events))
	}
	ack := events[1].Data.(webhook.AckData)
	if ack.WaMessageID != "M2" || ack.Ack != "delivered" || ack.WaTimestamp != "2023-11-14T22:13:20.000Z" {
		t.Fatalf("unexpected ack: %+v", ack)
	}
	if events[1].CorrelationID != "M2" {
		t.Fatalf("expected correlation id to be the message id")
	}

	receipt.FromMe = false
	if len(n.Acks(receipt)) != 0 {
		t.Fatalf("receipts for messages we did not send must be skipped")
	}

	receipt.FromMe = true
	receipt.Status = "sender"
	if len(n.Acks(receipt)) != 0 {
		t.Fatalf("unknown codes must be skipped")
	}

	receipt.Status = "read"
	receipt.Timestamp = time.Time{}
	events = n.Acks(receipt)
	if got := events[0].Data.(webhook.AckData).WaTimestamp; got != "2024-05-01T10:00:00.000Z" {
		t.Fatalf("expected now as timestamp, got %q", got)
	}
}

func TestMapAck(t *testing.T) {
	cases := []struct {
		in   any
		want string
		ok   bool
	}{
		{"sent", "sent", true},
		{"SERVER_ACK", "sent", true},
		{"delivery_ack", "delivered", true},
		{"played", "read", true},
		{2, "sent", true},
		{3, "delivered", true},
		{4, "read", true},
		{5, "read", true},
		{1, "", false},
		{"pending", "", false},
		{nil, "", false},
	}
	for _, tc := range cases {
		got, ok := MapAck(tc.in)
		if got != tc.want || ok != tc.ok {
			t.Errorf("MapAck(%v) = %q,%v want %q,%v", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}
