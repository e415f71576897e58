package service

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/relaykit/wa-relay/internal/config"
	"github.com/relaykit/wa-relay/internal/domain"
	"github.com/relaykit/wa-relay/internal/events"
	"github.com/relaykit/wa-relay/internal/webhook"
)

const testSecret = "shared-secret"

type ingestFixture struct {
	store  *memStore
	events *recordingDispatcher
	media  *fakeMedia
	svc    *IngestService
	now    time.Time
}

func newIngestFixture(t *testing.T) *ingestFixture {
	t.Helper()
	f := &ingestFixture{
		store:  newMemStore(),
		events: &recordingDispatcher{},
		media:  newFakeMedia(),
		now:    time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.store.addQueue("Support", true)
	cfg := config.Config{
		Webhook:      config.WebhookConfig{Secret: testSecret},
		Conversation: config.ConversationConfig{ReopenWindowMinutes: 120, ReopenInclusive: true},
	}
	f.svc = NewIngestService(cfg, IngestDependencies{
		UnitOfWork: f.store,
		Dispatcher: f.events,
		Media:      f.media,
		Logger:     zap.NewNop(),
	})
	f.svc.now = func() time.Time { return f.now }
	return f
}

// deliver signs and handles one envelope the way the webhook handler does.
func (f *ingestFixture) deliver(t *testing.T, eventType webhook.EventType, data any) (IngestResult, error) {
	t.Helper()
	env, err := webhook.NewEnvelope(eventType, "", data, f.now)
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	return f.redeliver(t, env)
}

func (f *ingestFixture) redeliver(t *testing.T, env webhook.Envelope) (IngestResult, error) {
	t.Helper()
	body, _ := json.Marshal(env)
	parsed, err := f.svc.Verify(body, webhook.Sign(body, testSecret))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	return f.svc.Handle(context.Background(), parsed, body)
}

func incomingText(waID, text string) webhook.MessageData {
	return webhook.MessageData{
		WaMessageID: ptr(waID),
		FromWaID:    "5511999990000@s.whatsapp.net",
		Phone:       ptr("+55 11 99999-0000"),
		PushName:    ptr("Ana"),
		Type:        "text",
		Text:        ptr(text),
		WaTimestamp: "2024-03-01T11:59:00Z",
	}
}

func TestVerifyRejectsBadRequests(t *testing.T) {
	f := newIngestFixture(t)
	body := []byte(`{"event_id":"` + "0b3c2c7e-6f4f-4b39-9c3a-4d2b1f9e8a11" + `","event_type":"message.incoming"}`)

	cases := []struct {
		name      string
		body      []byte
		signature string
		status    int
	}{
		{"missing signature", body, "", http.StatusUnauthorized},
		{"wrong signature", body, webhook.Sign(body, "other"), http.StatusUnauthorized},
		{"not json", []byte("nope"), webhook.Sign([]byte("nope"), testSecret), http.StatusUnprocessableEntity},
		{"missing type", []byte(`{"event_id":"x"}`), webhook.Sign([]byte(`{"event_id":"x"}`), testSecret), http.StatusUnprocessableEntity},
		{"non uuid id", []byte(`{"event_id":"x","event_type":"message.ack"}`), webhook.Sign([]byte(`{"event_id":"x","event_type":"message.ack"}`), testSecret), http.StatusUnprocessableEntity},
	}
	for _, tc := range cases {
		_, err := f.svc.Verify(tc.body, tc.signature)
		if statusOf(err) != tc.status {
			t.Fatalf("%s: expected %d, got %v", tc.name, tc.status, err)
		}
	}
	if _, err := f.svc.Verify(body, webhook.Sign(body, testSecret)); err != nil {
		t.Fatalf("valid envelope rejected: %v", err)
	}
}

func TestIngestIncomingCreatesConversation(t *testing.T) {
	f := newIngestFixture(t)

	res, err := f.deliver(t, webhook.EventMessageIncoming, incomingText("W1", "hello"))
	if err != nil || res != IngestProcessed {
		t.Fatalf("unexpected result %s %v", res, err)
	}

	contact, err := f.store.Repos().Contacts.GetByWaIDForUpdate(context.Background(), "5511999990000@s.whatsapp.net")
	if err != nil {
		t.Fatalf("contact not created: %v", err)
	}
	if deref(contact.Phone) != "5511999990000" || deref(contact.DisplayName) != "Ana" {
		t.Fatalf("unexpected contact %+v", contact)
	}
	conv, err := f.store.Repos().Conversations.LatestActiveForUpdate(context.Background(), contact.ID)
	if err != nil {
		t.Fatalf("conversation not created: %v", err)
	}
	if conv.Status != domain.ConversationOpen || conv.UnreadCount != 1 || deref(conv.LastMessagePreview) != "hello" || conv.QueueID == nil {
		t.Fatalf("unexpected conversation %+v", conv)
	}
	msgs := f.store.messagesIn(conv.ID)
	if len(msgs) != 1 || msgs[0].Direction != domain.DirectionIn || msgs[0].Status != domain.StatusDelivered {
		t.Fatalf("unexpected messages %+v", msgs)
	}

	got := f.events.types()
	if len(got) != 2 || got[0] != events.EventMessageCreated || got[1] != events.EventConversationUpdated {
		t.Fatalf("unexpected events %v", got)
	}
}

func TestIngestDeduplicates(t *testing.T) {
	f := newIngestFixture(t)
	env, _ := webhook.NewEnvelope(webhook.EventMessageIncoming, "", incomingText("W1", "hello"), f.now)

	if res, err := f.redeliver(t, env); err != nil || res != IngestProcessed {
		t.Fatalf("first delivery: %s %v", res, err)
	}
	if res, err := f.redeliver(t, env); err != nil || res != IngestDuplicate {
		t.Fatalf("same event id should be duplicate: %s %v", res, err)
	}
	// same message under a fresh event id
	if res, err := f.deliver(t, webhook.EventMessageIncoming, incomingText("W1", "hello")); err != nil || res != IngestDuplicate {
		t.Fatalf("same channel id should be duplicate: %s %v", res, err)
	}
	// channel id missing, fingerprint matches
	data := incomingText("W1", "hello")
	data.WaMessageID = nil
	if res, err := f.deliver(t, webhook.EventMessageIncoming, data); err != nil || res != IngestDuplicate {
		t.Fatalf("same fingerprint should be duplicate: %s %v", res, err)
	}
	if n := len(f.store.messages); n != 1 {
		t.Fatalf("expected one stored message, got %d", n)
	}
}

func TestIngestFailedEventIsRetried(t *testing.T) {
	f := newIngestFixture(t)
	env := webhook.Envelope{
		EventID:   "8f14e45f-ceea-467f-a0e6-0b7e5a8c2d11",
		EventType: webhook.EventMessageIncoming,
		Data:      json.RawMessage(`"not an object"`),
	}
	if _, err := f.redeliver(t, env); statusOf(err) != http.StatusUnprocessableEntity {
		t.Fatalf("expected unprocessable, got %v", err)
	}
	if got := f.store.events[env.EventID].Status; got != domain.WebhookEventFailed {
		t.Fatalf("ledger should record failure, got %s", got)
	}
	if _, err := f.redeliver(t, env); err == nil {
		t.Fatal("failed event should be processed again, not reported duplicate")
	}
}

func TestIngestUnknownEventIgnored(t *testing.T) {
	f := newIngestFixture(t)
	res, err := f.deliver(t, webhook.EventType("presence.update"), map[string]string{"x": "y"})
	if err != nil || res != IngestIgnored {
		t.Fatalf("unexpected %s %v", res, err)
	}
}

func TestIngestReopenWindow(t *testing.T) {
	f := newIngestFixture(t)
	contact := f.store.addContact("5511999990000@s.whatsapp.net")

	recent := f.store.addConversation(contact.ID, domain.ConversationClosed, ptr("someone"))
	closedAt := f.now.Add(-2 * time.Hour)
	recent.ClosedAt = &closedAt
	f.store.conversations[recent.ID] = *recent

	if _, err := f.deliver(t, webhook.EventMessageIncoming, incomingText("W1", "back again")); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	reopened := f.store.conversation(recent.ID)
	if reopened.Status != domain.ConversationOpen || reopened.AssignedTo != nil || reopened.ReopenedAt == nil {
		t.Fatalf("conversation closed exactly at the window edge should reopen: %+v", reopened)
	}

	// close it again, long ago
	old := f.now.Add(-3 * time.Hour)
	reopened.Status = domain.ConversationClosed
	reopened.ClosedAt = &old
	f.store.conversations[recent.ID] = reopened

	if _, err := f.deliver(t, webhook.EventMessageIncoming, incomingText("W2", "much later")); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if len(f.store.conversations) != 2 {
		t.Fatalf("expected a new conversation, have %d", len(f.store.conversations))
	}
	if f.store.conversation(recent.ID).Status != domain.ConversationClosed {
		t.Fatal("old conversation must stay closed")
	}
}

func TestIngestGroupMessage(t *testing.T) {
	f := newIngestFixture(t)
	data := webhook.MessageData{
		WaMessageID:  ptr("G1"),
		FromWaID:     "120363000000@g.us",
		IsGroup:      true,
		GroupWaID:    ptr("120363000000@g.us"),
		GroupSubject: ptr("Team"),
		SenderWaID:   ptr("5511888@s.whatsapp.net"),
		SenderName:   ptr("Bob"),
		Type:         "text",
		Text:         ptr("standup?"),
	}
	if res, err := f.deliver(t, webhook.EventMessageIncoming, data); err != nil || res != IngestProcessed {
		t.Fatalf("unexpected %s %v", res, err)
	}
	contact, err := f.store.Repos().Contacts.GetByWaIDForUpdate(context.Background(), "120363000000@g.us")
	if err != nil || deref(contact.DisplayName) != "Team" {
		t.Fatalf("group contact missing: %+v %v", contact, err)
	}
	conv, _ := f.store.Repos().Conversations.LatestActiveForUpdate(context.Background(), contact.ID)
	if deref(conv.LastMessagePreview) != "Bob: standup?" {
		t.Fatalf("unexpected preview %q", deref(conv.LastMessagePreview))
	}
}

func TestIngestInlineMediaIsStored(t *testing.T) {
	f := newIngestFixture(t)
	data := incomingText("M1", "")
	data.Text = nil
	data.Type = "image"
	data.Caption = ptr("look")
	data.Media = &webhook.MediaData{
		Mime:   ptr("image/jpeg"),
		Name:   ptr("photo.jpg"),
		Base64: ptr(base64.StdEncoding.EncodeToString([]byte("jpeg-bytes"))),
	}
	if _, err := f.deliver(t, webhook.EventMessageIncoming, data); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if len(f.media.objects) != 1 {
		t.Fatalf("expected one stored object, got %d", len(f.media.objects))
	}
	for _, m := range f.store.messages {
		if m.StoragePath == nil || m.Type != domain.MessageImage || deref(m.Body) != "look" {
			t.Fatalf("unexpected message %+v", m)
		}
	}
}

func TestIngestOutgoingUpgradesPending(t *testing.T) {
	f := newIngestFixture(t)
	contact := f.store.addContact("5511999990000@s.whatsapp.net")
	conv := f.store.addConversation(contact.ID, domain.ConversationOpen, nil)
	pending := f.store.addMessage(domain.Message{
		ConversationID: conv.ID, Direction: domain.DirectionOut, Type: domain.MessageText,
		WaMessageID: ptr("OUT1"), Status: domain.StatusPending,
	})

	data := incomingText("OUT1", "sent from the phone")
	res, err := f.deliver(t, webhook.EventMessageOutgoing, data)
	if err != nil || res != IngestProcessed {
		t.Fatalf("unexpected %s %v", res, err)
	}
	got, _ := f.store.message(pending.ID)
	if got.Status != domain.StatusSent {
		t.Fatalf("expected upgrade to sent, got %s", got.Status)
	}
	if types := f.events.types(); len(types) != 1 || types[0] != events.EventMessageStatusUpdated {
		t.Fatalf("unexpected events %v", types)
	}

	// an echo of a message sent from another device creates it
	res, err = f.deliver(t, webhook.EventMessageOutgoing, incomingText("OUT2", "typed on the phone"))
	if err != nil || res != IngestProcessed {
		t.Fatalf("unexpected %s %v", res, err)
	}
	created, err := f.store.Repos().Messages.GetByWaMessageID(context.Background(), "OUT2")
	if err != nil || created.Direction != domain.DirectionOut || created.Status != domain.StatusSent {
		t.Fatalf("unexpected echo %+v %v", created, err)
	}
	if f.store.conversation(conv.ID).UnreadCount != 0 {
		t.Fatal("outgoing echoes must not count as unread")
	}
}

func TestIngestAckOnlyMovesForward(t *testing.T) {
	f := newIngestFixture(t)
	msg := f.store.addMessage(domain.Message{
		ConversationID: "c1", Direction: domain.DirectionOut, Type: domain.MessageText,
		WaMessageID: ptr("OUT1"), Status: domain.StatusSent,
	})

	ack := func(status string) IngestResult {
		res, err := f.deliver(t, webhook.EventMessageAck, webhook.AckData{WaMessageID: "OUT1", Ack: status})
		if err != nil {
			t.Fatalf("ack %s: %v", status, err)
		}
		return res
	}
	if res := ack("read"); res != IngestProcessed {
		t.Fatalf("read ack: %s", res)
	}
	if res := ack("delivered"); res != IngestDuplicate {
		t.Fatalf("late delivered ack should not apply: %s", res)
	}
	if got, _ := f.store.message(msg.ID); got.Status != domain.StatusRead {
		t.Fatalf("status regressed to %s", got.Status)
	}
	if res := ack("played"); res != IngestIgnored {
		t.Fatalf("unknown ack should be ignored: %s", res)
	}
	res, err := f.deliver(t, webhook.EventMessageAck, webhook.AckData{WaMessageID: "missing", Ack: "read"})
	if err != nil || res != IngestIgnored {
		t.Fatalf("ack for unknown message: %s %v", res, err)
	}
}

func TestIngestReopenWindowBoundaries(t *testing.T) {
	cases := []struct {
		name       string
		closedAgo  time.Duration
		wantReopen bool
	}{
		{"one minute inside", 119 * time.Minute, true},
		{"on the edge", 120 * time.Minute, true},
		{"one minute past", 121 * time.Minute, false},
	}
	for _, tc := range cases {
		f := newIngestFixture(t)
		contact := f.store.addContact("5511999990000@s.whatsapp.net")
		prev := f.store.addConversation(contact.ID, domain.ConversationClosed, nil)
		closedAt := f.now.Add(-tc.closedAgo)
		prev.ClosedAt = &closedAt
		f.store.conversations[prev.ID] = *prev

		if _, err := f.deliver(t, webhook.EventMessageIncoming, incomingText("W-"+tc.name, "hello")); err != nil {
			t.Fatalf("%s: deliver: %v", tc.name, err)
		}
		reopened := f.store.conversation(prev.ID).Status == domain.ConversationOpen
		if reopened != tc.wantReopen {
			t.Fatalf("%s: reopened=%v, want %v", tc.name, reopened, tc.wantReopen)
		}
		wantConversations := 2
		if tc.wantReopen {
			wantConversations = 1
		}
		if len(f.store.conversations) != wantConversations {
			t.Fatalf("%s: expected %d conversations, have %d", tc.name, wantConversations, len(f.store.conversations))
		}
	}
}

func TestReopenWindowExclusiveEdge(t *testing.T) {
	closedAt := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	edge := closedAt.Add(2 * time.Hour)
	exclusive := newConversationFinder(config.ConversationConfig{ReopenWindowMinutes: 120})
	if exclusive.withinWindow(closedAt, edge) {
		t.Fatal("exclusive window must not include its edge")
	}
	if !exclusive.withinWindow(closedAt, edge.Add(-time.Minute)) {
		t.Fatal("exclusive window must include T+119m")
	}
	inclusive := newConversationFinder(config.ConversationConfig{ReopenWindowMinutes: 120, ReopenInclusive: true})
	if !inclusive.withinWindow(closedAt, edge) || inclusive.withinWindow(closedAt, edge.Add(time.Minute)) {
		t.Fatal("inclusive window must include T+120m and exclude T+121m")
	}
}

func TestIngestAckSequences(t *testing.T) {
	cases := []struct {
		name    string
		acks    []string
		results []IngestResult
		want    domain.MessageStatus
	}{
		{
			name:    "out of order receipts end at read",
			acks:    []string{"sent", "delivered", "sent", "read"},
			results: []IngestResult{IngestDuplicate, IngestProcessed, IngestDuplicate, IngestProcessed},
			want:    domain.StatusRead,
		},
		{
			name:    "read first then stale receipts",
			acks:    []string{"read", "delivered", "sent"},
			results: []IngestResult{IngestProcessed, IngestDuplicate, IngestDuplicate},
			want:    domain.StatusRead,
		},
		{
			name:    "delivered twice",
			acks:    []string{"delivered", "delivered"},
			results: []IngestResult{IngestProcessed, IngestDuplicate},
			want:    domain.StatusDelivered,
		},
	}
	for _, tc := range cases {
		f := newIngestFixture(t)
		msg := f.store.addMessage(domain.Message{
			ConversationID: "c1", Direction: domain.DirectionOut, Type: domain.MessageText,
			WaMessageID: ptr("OUT1"), Status: domain.StatusSent,
		})
		for i, status := range tc.acks {
			res, err := f.deliver(t, webhook.EventMessageAck, webhook.AckData{WaMessageID: "OUT1", Ack: status})
			if err != nil {
				t.Fatalf("%s: ack %s: %v", tc.name, status, err)
			}
			if res != tc.results[i] {
				t.Fatalf("%s: ack #%d (%s) gave %s, want %s", tc.name, i, status, res, tc.results[i])
			}
		}
		if got, _ := f.store.message(msg.ID); got.Status != tc.want {
			t.Fatalf("%s: final status %s, want %s", tc.name, got.Status, tc.want)
		}
	}
}
