package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	httptransport "github.com/relaykit/wa-relay/internal/api/http"
	"github.com/relaykit/wa-relay/internal/api/http/handlers"
	"github.com/relaykit/wa-relay/internal/auth"
	"github.com/relaykit/wa-relay/internal/config"
	"github.com/relaykit/wa-relay/internal/events"
	"github.com/relaykit/wa-relay/internal/gatewayclient"
	"github.com/relaykit/wa-relay/internal/media"
	"github.com/relaykit/wa-relay/internal/observability"
	"github.com/relaykit/wa-relay/internal/persistence"
	"github.com/relaykit/wa-relay/internal/repository"
	"github.com/relaykit/wa-relay/internal/service"
	"github.com/relaykit/wa-relay/internal/worker"
)

const maxUploadBytes = 16 << 20

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pg, err := persistence.NewPostgres(ctx, cfg.Postgres, logger)
	if err != nil {
		logger.Fatal("failed to connect postgres", zap.Error(err))
	}
	defer pg.Close()
	pool := pg.PoolHandle()
	if pool == nil {
		logger.Fatal("POSTGRES_DSN is required")
	}

	if cfg.Postgres.RunMigrations {
		if err := persistence.RunMigrations(ctx, pool, cfg.Postgres.MigrationsDir, logger); err != nil {
			logger.Fatal("failed to run migrations", zap.Error(err))
		}
	}

	redis := persistence.NewRedis(cfg.Redis, logger)
	defer redis.Close()

	metrics := observability.NewMetrics()
	store := repository.NewStore(pool)
	dispatcher := events.NewInMemoryDispatcher(logger)

	var mediaStore media.Store
	switch s3, err := media.NewS3Store(cfg.Media, logger); {
	case err == nil:
		mediaStore = s3
	case errors.Is(err, media.ErrDisabled):
		logger.Info("media store disabled")
	default:
		logger.Fatal("failed to init media store", zap.Error(err))
	}

	broadcaster := newBroadcaster(cfg.Notification, logger)
	notifications := service.NewNotificationService(dispatcher, broadcaster, logger)
	closeNotifications := worker.StartNotificationWorker(notifications, broadcaster, logger)
	defer closeNotifications()

	gateway := gatewayclient.New(cfg.Outbound)
	if !gateway.Configured() {
		logger.Warn("gateway url or token missing; outbound messages will fail with missing_config")
	}
	locks := service.NewLockService(redis.Client, cfg.Conversation, logger)

	authService := service.NewAuthService(*cfg, store.Repos().Users)
	authMiddleware := auth.NewAuthMiddleware(authService.TokenManager(), store.Repos().Users)

	ingestService := service.NewIngestService(*cfg, service.IngestDependencies{
		UnitOfWork: store,
		Dispatcher: dispatcher,
		Media:      mediaStore,
		Metrics:    metrics,
		Logger:     logger,
	})
	conversationService := service.NewConversationService(service.ConversationDependencies{
		UnitOfWork: store,
		Locks:      locks,
		Dispatcher: dispatcher,
		Logger:     logger,
	}, cfg.Notification)
	sendJob := service.NewSendJob(service.SendJobDependencies{
		UnitOfWork: store,
		Gateway:    gateway,
		Media:      mediaStore,
		Dispatcher: dispatcher,
		Metrics:    metrics,
		Logger:     logger,
	}, cfg.Notification)
	sendWorker := worker.NewSendWorker(cfg.Outbound, sendJob, store.Repos().Messages, logger)
	messageService := service.NewMessageService(service.MessageDependencies{
		UnitOfWork: store,
		Locks:      locks,
		Media:      mediaStore,
		Gateway:    gateway,
		Queue:      sendWorker,
		Dispatcher: dispatcher,
		Logger:     logger,
	}, cfg.Notification)
	sendWorker.Start(ctx)

	app := fiber.New(fiber.Config{
		AppName:   cfg.App.Name,
		BodyLimit: maxUploadBytes + 1<<20,
	})
	httptransport.RegisterMiddlewares(app, logger, metrics, cfg.App.RequestTimeout())

	httptransport.RegisterRoutes(app, httptransport.RouteConfig{
		Health: handlers.NewHealthHandler(cfg.App.Name, cfg.App.Version, map[string]handlers.Pinger{
			"postgres": pg,
			"redis":    redis,
		}),
		Auth:           handlers.NewAuthHandler(authService),
		Webhooks:       handlers.NewWebhookHandler(ingestService),
		Conversations:  handlers.NewConversationsHandler(conversationService),
		Messages:       handlers.NewMessagesHandler(messageService, maxUploadBytes),
		Channel:        handlers.NewChannelHandler(gateway),
		AuthMiddleware: authMiddleware,
		Webhook:        cfg.Webhook,
	})

	go func() {
		if err := app.Listen(cfg.App.Addr()); err != nil {
			logger.Fatal("fiber listen", zap.Error(err))
		}
	}()

	waitForShutdown(logger)

	_ = app.Shutdown()
	sendWorker.Stop()
}

func newBroadcaster(cfg config.NotificationConfig, logger *zap.Logger) events.Broadcaster {
	if cfg.AMQPURL == "" {
		return events.NewLogBroadcaster(logger)
	}
	b, err := events.NewAMQPBroadcaster(cfg.AMQPURL, cfg.Exchange, logger.Named("amqp"))
	if err != nil {
		logger.Error("failed to connect to broker; broadcasting disabled", zap.Error(err))
		return events.NewLogBroadcaster(logger)
	}
	return b
}

func waitForShutdown(logger *zap.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", zap.String("signal", sig.String()))
}
