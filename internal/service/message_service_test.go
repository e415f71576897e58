package service

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/relaykit/wa-relay/internal/config"
	"github.com/relaykit/wa-relay/internal/domain"
	"github.com/relaykit/wa-relay/internal/events"
)

type messageFixture struct {
	store   *memStore
	events  *recordingDispatcher
	locks   *LockService
	gateway *fakeGateway
	media   *fakeMedia
	queue   *fakeQueue
	svc     *MessageService
	admin   *domain.User
	agent   *domain.User
	contact *domain.Contact
	conv    *domain.Conversation
}

func newMessageFixture(t *testing.T) *messageFixture {
	t.Helper()
	store := newMemStore()
	locks, _ := newTestLocks(t)
	f := &messageFixture{
		store:   store,
		events:  &recordingDispatcher{},
		locks:   locks,
		gateway: newFakeGateway(),
		media:   newFakeMedia(),
		queue:   &fakeQueue{},
		admin:   store.addUser(domain.UserRoleAdmin, "Admin"),
		agent:   store.addUser(domain.UserRoleAgent, "Alice"),
		contact: store.addContact("5511999990000@s.whatsapp.net"),
	}
	f.conv = store.addConversation(f.contact.ID, domain.ConversationOpen, &f.agent.ID)
	f.svc = NewMessageService(MessageDependencies{
		UnitOfWork: store,
		Locks:      locks,
		Media:      f.media,
		Gateway:    f.gateway,
		Queue:      f.queue,
		Dispatcher: f.events,
		Logger:     zap.NewNop(),
	}, config.NotificationConfig{})
	return f
}

func TestSendQueuesTextMessage(t *testing.T) {
	f := newMessageFixture(t)
	ctx := context.Background()

	res, err := f.svc.Send(ctx, f.agent, f.conv.ID, SendInput{Type: domain.MessageText, Text: ptr("  hi there ")})
	if err != nil || res.Status != "queued" {
		t.Fatalf("send: %+v %v", res, err)
	}
	stored, ok := f.store.message(res.Message.ID)
	if !ok {
		t.Fatal("message not stored")
	}
	if stored.Status != domain.StatusPending || stored.Direction != domain.DirectionOut || deref(stored.UserID) != f.agent.ID || deref(stored.Body) != "hi there" {
		t.Fatalf("unexpected stored message %+v", stored)
	}
	if stored.ClientMessageID == "" {
		t.Fatal("client message id must be generated")
	}
	conv := f.store.conversation(f.conv.ID)
	if deref(conv.LastMessagePreview) != "hi there" || conv.UnreadCount != 0 {
		t.Fatalf("unexpected rollups %+v", conv)
	}
	if len(f.queue.ids) != 1 || f.queue.ids[0] != stored.ID {
		t.Fatalf("message not queued: %v", f.queue.ids)
	}
	types := f.events.types()
	if len(types) != 2 || types[0] != events.EventMessageCreated || types[1] != events.EventConversationUpdated {
		t.Fatalf("unexpected events %v", types)
	}
	if !f.events.events[0].ExcludeActor {
		t.Fatal("the sender should not receive their own message event")
	}
}

func TestSendGuards(t *testing.T) {
	f := newMessageFixture(t)
	ctx := context.Background()
	outsider := f.store.addUser(domain.UserRoleAgent, "Carla")

	if _, err := f.svc.Send(ctx, outsider, f.conv.ID, SendInput{Type: domain.MessageText, Text: ptr("x")}); statusOf(err) != http.StatusForbidden {
		t.Fatalf("non-assignee should be forbidden, got %v", err)
	}

	if _, err := f.locks.Acquire(ctx, f.conv.ID, f.admin.ID); err != nil {
		t.Fatalf("seed lock: %v", err)
	}
	if _, err := f.svc.Send(ctx, f.agent, f.conv.ID, SendInput{Type: domain.MessageText, Text: ptr("x")}); statusOf(err) != http.StatusLocked {
		t.Fatalf("locked conversation should return 423, got %v", err)
	}
	if _, err := f.svc.Send(ctx, f.admin, f.conv.ID, SendInput{Type: domain.MessageText, Text: ptr("x")}); err != nil {
		t.Fatalf("lock owner should send: %v", err)
	}
	if _, err := f.locks.Release(ctx, f.conv.ID, "", true); err != nil {
		t.Fatalf("release: %v", err)
	}

	cases := []struct {
		name  string
		input SendInput
	}{
		{"blank text", SendInput{Type: domain.MessageText, Text: ptr("   ")}},
		{"unknown type", SendInput{Type: "poll", Text: ptr("x")}},
		{"image without file", SendInput{Type: domain.MessageImage}},
		{"reply to unknown", SendInput{Type: domain.MessageText, Text: ptr("x"), ReplyToMessageID: ptr("nope")}},
	}
	for _, tc := range cases {
		if _, err := f.svc.Send(ctx, f.agent, f.conv.ID, tc.input); statusOf(err) != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %v", tc.name, err)
		}
	}
}

func TestSendReplyTarget(t *testing.T) {
	f := newMessageFixture(t)
	ctx := context.Background()
	inbound := f.store.addMessage(domain.Message{ConversationID: f.conv.ID, Direction: domain.DirectionIn, Type: domain.MessageText, WaMessageID: ptr("IN1"), Body: ptr("question")})
	outbound := f.store.addMessage(domain.Message{ConversationID: f.conv.ID, Direction: domain.DirectionOut, Type: domain.MessageText, WaMessageID: ptr("OUT1")})

	if _, err := f.svc.Send(ctx, f.agent, f.conv.ID, SendInput{Type: domain.MessageText, Text: ptr("x"), ReplyToMessageID: &outbound.ID}); statusOf(err) != http.StatusBadRequest {
		t.Fatalf("replying to an outbound message should fail, got %v", err)
	}
	res, err := f.svc.Send(ctx, f.agent, f.conv.ID, SendInput{Type: domain.MessageText, Text: ptr("answer"), ReplyToMessageID: &inbound.ID})
	if err != nil {
		t.Fatalf("send reply: %v", err)
	}
	if deref(res.Message.ReplyToMessageID) != inbound.ID || res.Message.ReplyTo == nil || deref(res.Message.ReplyTo.Body) != "question" {
		t.Fatalf("reply not linked: %+v", res.Message)
	}
}

func TestSendWithAttachment(t *testing.T) {
	f := newMessageFixture(t)
	ctx := context.Background()
	file := &UploadedFile{Name: "invoice.pdf", Mime: "application/pdf", Data: []byte("%PDF")}

	res, err := f.svc.Send(ctx, f.agent, f.conv.ID, SendInput{Type: domain.MessageDocument, File: file})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	stored, _ := f.store.message(res.Message.ID)
	if stored.StoragePath == nil || deref(stored.MediaMime) != "application/pdf" || *stored.MediaSize != 4 {
		t.Fatalf("unexpected media fields %+v", stored)
	}
	if url := deref(res.Message.MediaURL); !strings.HasPrefix(url, "https://media.test/signed/") {
		t.Fatalf("payload should carry a fresh url, got %q", url)
	}
	if deref(f.store.conversation(f.conv.ID).LastMessagePreview) != "[document]" {
		t.Fatal("attachment preview should name the type")
	}

	f.svc.media = nil
	if _, err := f.svc.Send(ctx, f.agent, f.conv.ID, SendInput{Type: domain.MessageDocument, File: file}); statusOf(err) != http.StatusBadRequest {
		t.Fatalf("uploads without a store should fail validation, got %v", err)
	}
}

func TestListPaginates(t *testing.T) {
	f := newMessageFixture(t)
	ctx := context.Background()
	for _, body := range []string{"one", "two", "three"} {
		f.store.addMessage(domain.Message{ConversationID: f.conv.ID, Direction: domain.DirectionIn, Type: domain.MessageText, Body: ptr(body)})
	}

	page, err := f.svc.List(ctx, f.agent, f.conv.ID, 2, nil)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Data) != 2 || deref(page.Data[0].Body) != "two" || deref(page.Data[1].Body) != "three" || page.Before == nil {
		t.Fatalf("unexpected first page %+v", page)
	}
	page, err = f.svc.List(ctx, f.agent, f.conv.ID, 2, page.Before)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Data) != 1 || deref(page.Data[0].Body) != "one" || page.Before != nil {
		t.Fatalf("unexpected last page %+v", page)
	}
}

func TestDeleteRevokesAndRecomputes(t *testing.T) {
	f := newMessageFixture(t)
	ctx := context.Background()
	first := f.store.addMessage(domain.Message{ConversationID: f.conv.ID, Direction: domain.DirectionIn, Type: domain.MessageText, Body: ptr("earlier")})
	sent := f.store.addMessage(domain.Message{ConversationID: f.conv.ID, Direction: domain.DirectionOut, Type: domain.MessageText, Body: ptr("oops"), WaMessageID: ptr("OUT1"), Status: domain.StatusSent})

	res, err := f.svc.Delete(ctx, f.agent, f.conv.ID, sent.ID)
	if err != nil || res.Status != "deleted" || res.MessageID != sent.ID {
		t.Fatalf("delete: %+v %v", res, err)
	}
	if len(f.gateway.revoked) != 1 || f.gateway.revoked[0].WaMessageID != "OUT1" || f.gateway.revoked[0].ToWaID != f.contact.WaID {
		t.Fatalf("unexpected revokes %+v", f.gateway.revoked)
	}
	if deref(res.Conversation.LastMessagePreview) != "earlier" || res.Conversation.LastMessageAt == nil || !res.Conversation.LastMessageAt.Equal(first.CreatedAt) {
		t.Fatalf("rollups not recomputed: %+v", res.Conversation)
	}

	// the last message goes, rollups clear
	if _, err := f.svc.Delete(ctx, f.agent, f.conv.ID, first.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if conv := f.store.conversation(f.conv.ID); conv.LastMessageAt != nil || conv.LastMessagePreview != nil {
		t.Fatalf("rollups should be cleared, got %+v", conv)
	}
	if len(f.gateway.revoked) != 1 {
		t.Fatal("inbound messages are not revoked")
	}
}

func TestDeleteFailures(t *testing.T) {
	f := newMessageFixture(t)
	ctx := context.Background()
	otherConv := f.store.addConversation(f.store.addContact("5511000@s.whatsapp.net").ID, domain.ConversationOpen, &f.agent.ID)
	foreign := f.store.addMessage(domain.Message{ConversationID: otherConv.ID, Direction: domain.DirectionIn, Type: domain.MessageText})

	if _, err := f.svc.Delete(ctx, f.agent, f.conv.ID, foreign.ID); statusOf(err) != http.StatusNotFound {
		t.Fatalf("message from another conversation should be not found, got %v", err)
	}

	sent := f.store.addMessage(domain.Message{ConversationID: f.conv.ID, Direction: domain.DirectionOut, Type: domain.MessageText, WaMessageID: ptr("OUT1")})
	f.gateway.revokeErr = errors.New("not connected")
	if _, err := f.svc.Delete(ctx, f.agent, f.conv.ID, sent.ID); statusOf(err) != http.StatusBadRequest {
		t.Fatalf("revoke failure should fail validation, got %v", err)
	}
	if _, ok := f.store.message(sent.ID); !ok {
		t.Fatal("message must survive a failed revoke")
	}
}
