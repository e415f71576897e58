package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type pendingEvent struct {
	event Event
	delay time.Duration
}

// Outbox collects events during a unit of work. Flush is called only after the
// transaction committed; a rolled back unit simply drops the outbox.
type Outbox struct {
	pending []pendingEvent
}

// NewOutbox returns an empty outbox.
func NewOutbox() *Outbox {
	return &Outbox{}
}

// Add queues an event with an optional broadcast delay.
func (o *Outbox) Add(event Event, delay time.Duration) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	o.pending = append(o.pending, pendingEvent{event: event, delay: delay})
}

// Len reports how many events are queued.
func (o *Outbox) Len() int {
	return len(o.pending)
}

// Events returns the queued events in order.
func (o *Outbox) Events() []Event {
	out := make([]Event, 0, len(o.pending))
	for _, p := range o.pending {
		out = append(out, p.event)
	}
	return out
}

// Flush publishes every queued event. Delayed events are published from a timer
// with a detached context; undelayed ones are published before Flush returns.
func (o *Outbox) Flush(ctx context.Context, dispatcher Dispatcher) {
	if dispatcher == nil {
		o.pending = nil
		return
	}
	for _, p := range o.pending {
		if p.delay <= 0 {
			_ = dispatcher.Publish(ctx, p.event)
			continue
		}
		ev := p.event
		time.AfterFunc(p.delay, func() {
			_ = dispatcher.Publish(context.Background(), ev)
		})
	}
	o.pending = nil
}
