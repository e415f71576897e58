package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Broadcaster pushes committed events to realtime subscribers.
type Broadcaster interface {
	Broadcast(ctx context.Context, event Event) error
	Close() error
}

// RoutingKey is conversations.{id}.{event_type}.
func RoutingKey(event Event) string {
	return fmt.Sprintf("conversations.%s.%s", event.ConversationID, event.Type)
}

type amqpBroadcaster struct {
	conn     *amqp091.Connection
	exchange string
	logger   *zap.Logger
}

// NewAMQPBroadcaster declares a durable topic exchange and publishes to it.
func NewAMQPBroadcaster(url, exchange string, logger *zap.Logger) (Broadcaster, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	defer ch.Close()
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, err
	}
	return &amqpBroadcaster{conn: conn, exchange: exchange, logger: logger}, nil
}

func (b *amqpBroadcaster) Broadcast(ctx context.Context, event Event) error {
	ch, err := b.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()
	if err := ch.Confirm(false); err != nil {
		return err
	}

	body, err := json.Marshal(event)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	key := RoutingKey(event)
	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, b.exchange, key, false, false, amqp091.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp091.Persistent,
		MessageId:     event.ID,
		CorrelationId: event.ConversationID,
		Timestamp:     event.Timestamp,
		Type:          string(event.Type),
		Body:          body,
	})
	if err != nil {
		return err
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !acked {
		return fmt.Errorf("broker nacked %s", key)
	}
	b.logger.Debug("broadcast", zap.String("key", key), zap.String("exchange", b.exchange))
	return nil
}

func (b *amqpBroadcaster) Close() error {
	return b.conn.Close()
}

type logBroadcaster struct {
	logger *zap.Logger
}

// NewLogBroadcaster is used when no broker is configured.
func NewLogBroadcaster(logger *zap.Logger) Broadcaster {
	return &logBroadcaster{logger: logger}
}

func (b *logBroadcaster) Broadcast(_ context.Context, event Event) error {
	b.logger.Debug("broadcast skipped: no broker configured",
		zap.String("key", RoutingKey(event)),
		zap.String("event_id", event.ID))
	return nil
}

func (b *logBroadcaster) Close() error {
	return nil
}
