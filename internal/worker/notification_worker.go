package worker

import (
	"go.uber.org/zap"

	"github.com/relaykit/wa-relay/internal/events"
	"github.com/relaykit/wa-relay/internal/service"
)

// StartNotificationWorker registers notification handlers. The returned func
// closes the broadcaster on shutdown.
func StartNotificationWorker(notifications *service.NotificationService, broadcaster events.Broadcaster, logger *zap.Logger) func() {
	if notifications != nil {
		notifications.RegisterHandlers()
	}
	return func() {
		if broadcaster == nil {
			return
		}
		if err := broadcaster.Close(); err != nil {
			logger.Warn("failed to close broadcaster", zap.Error(err))
		}
	}
}
