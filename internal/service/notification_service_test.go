package service

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/relaykit/wa-relay/internal/events"
)

type chanBroadcaster struct {
	got chan events.Event
}

func (b *chanBroadcaster) Broadcast(_ context.Context, e events.Event) error {
	b.got <- e
	return nil
}

func (b *chanBroadcaster) Close() error { return nil }

func TestNotificationServiceBroadcastsSubscribedEvents(t *testing.T) {
	dispatcher := events.NewInMemoryDispatcher(zap.NewNop())
	broadcaster := &chanBroadcaster{got: make(chan events.Event, 4)}
	NewNotificationService(dispatcher, broadcaster, zap.NewNop()).RegisterHandlers()

	ctx, cancel := context.WithCancel(context.Background())
	_ = dispatcher.Publish(ctx, events.Event{ID: "e1", Type: events.EventMessageStatusUpdated, ConversationID: "c1"})
	// the broadcast outlives the publishing request
	cancel()

	select {
	case e := <-broadcaster.got:
		if e.ID != "e1" {
			t.Fatalf("unexpected event %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("event was not broadcast")
	}
}
