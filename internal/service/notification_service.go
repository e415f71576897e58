package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/relaykit/wa-relay/internal/events"
)

const broadcastTimeout = 10 * time.Second

// NotificationService forwards committed domain events to realtime subscribers.
type NotificationService struct {
	dispatcher  events.Dispatcher
	broadcaster events.Broadcaster
	logger      *zap.Logger
}

// NewNotificationService creates the service.
func NewNotificationService(dispatcher events.Dispatcher, broadcaster events.Broadcaster, logger *zap.Logger) *NotificationService {
	return &NotificationService{
		dispatcher:  dispatcher,
		broadcaster: broadcaster,
		logger:      logger.Named("notifications"),
	}
}

// RegisterHandlers subscribes to events.
func (n *NotificationService) RegisterHandlers() {
	if n.dispatcher == nil {
		return
	}
	n.dispatcher.Subscribe(events.EventMessageCreated, n.handle)
	n.dispatcher.Subscribe(events.EventConversationUpdated, n.handle)
	n.dispatcher.Subscribe(events.EventMessageStatusUpdated, n.handle)
}

// handle broadcasts off the caller's goroutine so request latency does not
// depend on the broker.
func (n *NotificationService) handle(ctx context.Context, event events.Event) error {
	n.logger.Info(string(event.Type),
		zap.String("event_id", event.ID),
		zap.String("conversation_id", event.ConversationID))
	if n.broadcaster == nil {
		return nil
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), broadcastTimeout)
		defer cancel()
		if err := n.broadcaster.Broadcast(ctx, event); err != nil {
			n.logger.Warn("broadcast failed",
				zap.String("event_id", event.ID),
				zap.String("key", events.RoutingKey(event)),
				zap.Error(err))
		}
	}()
	return nil
}
