package gateway

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/relaykit/wa-relay/internal/channel"
	"github.com/relaykit/wa-relay/internal/normalizer"
	"github.com/relaykit/wa-relay/internal/webhook"
)

// Emitter delivers a canonical event to the backend.
type Emitter interface {
	Emit(ctx context.Context, eventType webhook.EventType, correlationID string, data any) (webhook.Envelope, error)
}

// Relay is the session handler: it normalizes channel traffic and hands each
// event to the webhook dispatcher on its own goroutine.
type Relay struct {
	normalizer *normalizer.Normalizer
	emitter    Emitter
	logger     *zap.Logger
	wg         sync.WaitGroup
}

// NewRelay wires a relay.
func NewRelay(n *normalizer.Normalizer, emitter Emitter, logger *zap.Logger) *Relay {
	return &Relay{normalizer: n, emitter: emitter, logger: logger.Named("relay")}
}

// HandleMessage normalizes and delivers a message without blocking the session.
func (r *Relay) HandleMessage(ctx context.Context, msg channel.RawMessage) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ev, ok := r.normalizer.Message(ctx, msg)
		if !ok {
			return
		}
		r.deliver(ctx, ev)
	}()
}

// HandleReceipt delivers one ack per acknowledged message.
func (r *Relay) HandleReceipt(ctx context.Context, receipt channel.RawReceipt) {
	for _, ev := range r.normalizer.Acks(receipt) {
		ev := ev
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.deliver(ctx, ev)
		}()
	}
}

// Wait blocks until in-flight deliveries finish.
func (r *Relay) Wait() {
	r.wg.Wait()
}

func (r *Relay) deliver(ctx context.Context, ev normalizer.Event) {
	env, err := r.emitter.Emit(ctx, ev.Type, ev.CorrelationID, ev.Data)
	if err != nil {
		r.logger.Error("failed to deliver webhook",
			zap.String("event_type", string(ev.Type)),
			zap.String("event_id", env.EventID),
			zap.String("correlation_id", ev.CorrelationID),
			zap.Error(err),
		)
	}
}
