package events

import (
	"context"
	"sync"
	"testing"
	"time"
)

type recordingDispatcher struct {
	mu     sync.Mutex
	events []Event
	got    chan Event
}

func newRecordingDispatcher() *recordingDispatcher {
	return &recordingDispatcher{got: make(chan Event, 16)}
}

func (d *recordingDispatcher) Publish(_ context.Context, e Event) error {
	d.mu.Lock()
	d.events = append(d.events, e)
	d.mu.Unlock()
	d.got <- e
	return nil
}

func (d *recordingDispatcher) Subscribe(EventType, EventHandler) {}

func TestOutboxDropsOnRollback(t *testing.T) {
	d := newRecordingDispatcher()
	box := NewOutbox()
	box.Add(Event{Type: EventMessageCreated, ConversationID: "c1"}, 0)
	// a rolled back unit never calls Flush
	if len(d.events) != 0 {
		t.Fatal("nothing should be published before flush")
	}
	if box.Len() != 1 || box.Events()[0].ID == "" {
		t.Fatal("outbox should assign ids to queued events")
	}
}

func TestOutboxFlushImmediateAndDelayed(t *testing.T) {
	d := newRecordingDispatcher()
	box := NewOutbox()
	box.Add(Event{Type: EventConversationUpdated, ConversationID: "c1"}, 0)
	box.Add(Event{Type: EventMessageCreated, ConversationID: "c1"}, 20*time.Millisecond)
	box.Flush(context.Background(), d)

	first := <-d.got
	if first.Type != EventConversationUpdated {
		t.Fatalf("immediate event should publish first, got %s", first.Type)
	}
	select {
	case second := <-d.got:
		if second.Type != EventMessageCreated {
			t.Fatalf("unexpected delayed event %s", second.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("delayed event never published")
	}
	if box.Len() != 0 {
		t.Fatal("flush should empty the outbox")
	}
}

func TestDispatcherContinuesAfterHandlerError(t *testing.T) {
	d := NewInMemoryDispatcher(nil)
	calls := 0
	d.Subscribe(EventMessageCreated, func(context.Context, Event) error {
		calls++
		return context.Canceled
	})
	d.Subscribe(EventMessageCreated, func(context.Context, Event) error {
		calls++
		return nil
	})
	_ = d.Publish(context.Background(), Event{Type: EventMessageCreated})
	if calls != 2 {
		t.Fatalf("expected both handlers, got %d", calls)
	}
}

func TestRoutingKey(t *testing.T) {
	got := RoutingKey(Event{ConversationID: "abc", Type: EventMessageStatusUpdated})
	if got != "conversations.abc.message_status_updated" {
		t.Fatalf("unexpected key %q", got)
	}
}
