package http

import (
	"github.com/gofiber/fiber/v2"

	"github.com/relaykit/wa-relay/internal/api/http/handlers"
	"github.com/relaykit/wa-relay/internal/auth"
	"github.com/relaykit/wa-relay/internal/config"
)

// RouteConfig bundles dependencies for route registration.
type RouteConfig struct {
	Health         *handlers.HealthHandler
	Auth           *handlers.AuthHandler
	Webhooks       *handlers.WebhookHandler
	Conversations  *handlers.ConversationsHandler
	Messages       *handlers.MessagesHandler
	Channel        *handlers.ChannelHandler
	AuthMiddleware *auth.AuthMiddleware
	Webhook        config.WebhookConfig
}

// RegisterRoutes wires HTTP routes.
func RegisterRoutes(app *fiber.App, cfg RouteConfig) {
	app.Get("/health/live", cfg.Health.Live)
	app.Get("/health/ready", cfg.Health.Ready)

	app.Post("/auth/login", cfg.Auth.Login)

	webhookGuards := []fiber.Handler{payloadCap(cfg.Webhook.MaxBytes)}
	if cfg.Webhook.RateLimit > 0 {
		webhookGuards = append(webhookGuards, ipRateLimit(cfg.Webhook.RateLimit))
	}
	app.Post("/webhooks/wa", append(webhookGuards, cfg.Webhooks.Receive)...)

	protected := app.Group("", cfg.AuthMiddleware.Handle)

	conversations := protected.Group("/conversations")
	conversations.Get("/", cfg.Conversations.List)
	conversations.Get("/:id", cfg.Conversations.Get)
	conversations.Post("/:id/assign", cfg.Conversations.Assign)
	conversations.Post("/:id/status", cfg.Conversations.UpdateStatus)
	conversations.Post("/:id/read", cfg.Conversations.MarkRead)
	conversations.Post("/:id/lock", cfg.Conversations.Lock)
	conversations.Delete("/:id/lock", cfg.Conversations.Unlock)
	conversations.Post("/:id/accept", cfg.Conversations.Accept)
	conversations.Post("/:id/transfer", cfg.Conversations.Transfer)
	conversations.Post("/:id/close", cfg.Conversations.Close)
	conversations.Post("/:id/reopen", cfg.Conversations.Reopen)
	conversations.Delete("/:id", cfg.Conversations.Delete)

	conversations.Get("/:id/messages", cfg.Messages.List)
	conversations.Post("/:id/messages", cfg.Messages.Send)
	conversations.Delete("/:id/messages/:messageId", cfg.Messages.Delete)

	channel := protected.Group("/channel", auth.RequireAdmin())
	channel.Get("/status", cfg.Channel.Status)
	channel.Get("/qr", cfg.Channel.QR)
	channel.Post("/reconnect", cfg.Channel.Reconnect)
	channel.Post("/logout", cfg.Channel.Logout)
	channel.Post("/reset", cfg.Channel.Reset)
}
