package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/relaykit/wa-relay/internal/channel"
	"github.com/relaykit/wa-relay/internal/config"
	"github.com/relaykit/wa-relay/internal/gateway"
	"github.com/relaykit/wa-relay/internal/normalizer"
	"github.com/relaykit/wa-relay/internal/observability"
	"github.com/relaykit/wa-relay/internal/persistence"
	"github.com/relaykit/wa-relay/internal/webhook"
)

const (
	mediaFetchTimeout = 30 * time.Second
	mediaFetchMax     = 64 << 20
	identityFile      = "lid-mapping.json"
)

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

	metrics := observability.NewMetrics()
	redis := persistence.NewRedis(cfg.Redis, logger)
	defer redis.Close()

	container, err := persistence.NewDeviceContainer(ctx, cfg.Channel, channel.NewWaLogger(logger, "store"), logger)
	if err != nil {
		logger.Fatal("failed to open device store", zap.Error(err))
	}
	transport, err := channel.NewWhatsmeowTransport(ctx, container, logger)
	if err != nil {
		logger.Fatal("failed to init channel transport", zap.Error(err))
	}
	session := channel.NewSession(transport, nil, cfg.Channel, logger, metrics)
	if cfg.Channel.PrintQR {
		session.OnPairingCode(func(code string) {
			channel.PrintPairingCode(os.Stdout, code)
		})
	}

	identities := normalizer.NewIdentityStore(filepath.Join(cfg.Channel.AuthDir, identityFile), time.Duration(cfg.Channel.IdentityTTLHours)*time.Hour, logger)
	if err := identities.Load(); err != nil {
		logger.Warn("failed to load identity mappings", zap.Error(err))
	}
	subjects := normalizer.NewGroupSubjects(session, time.Duration(cfg.Channel.GroupSubjectCacheMS)*time.Millisecond, logger)
	norm := normalizer.New(identities, subjects, session, logger, metrics)

	dispatcher := webhook.NewDispatcher(cfg.Webhook, logger, metrics)
	if cfg.Webhook.URL == "" {
		logger.Warn("WEBHOOK_URL not set; channel events will not be delivered")
	}
	relay := gateway.NewRelay(norm, dispatcher, logger)
	session.SetHandler(relay)

	memoryRecords := gateway.NewMemoryIdempotencyStore(cfg.Gateway.IdempotencyTTL())
	var records gateway.IdempotencyStore = memoryRecords
	if redis.Client != nil {
		var fallback *gateway.MemoryIdempotencyStore
		if cfg.Gateway.IdempotencyMemoryFallback {
			fallback = memoryRecords
		}
		records = gateway.NewRedisIdempotencyStore(redis.Client, cfg.Gateway.IdempotencyTTL(), fallback, logger)
	}
	sender := gateway.NewSender(session, records, gateway.NewMediaFetcher(mediaFetchTimeout, mediaFetchMax), logger, metrics)

	handler := gateway.NewHandler(session, sender, dispatcher.Breaker(), logger)
	app := gateway.NewApp(cfg.Gateway, handler, logger, metrics)

	if err := session.Start(ctx); err != nil {
		logger.Warn("initial connect failed", zap.Error(err))
	}

	go func() {
		if err := app.Listen(cfg.Gateway.Addr()); err != nil {
			logger.Fatal("fiber listen", zap.Error(err))
		}
	}()
	logger.Info("gateway listening", zap.String("addr", cfg.Gateway.Addr()))

	waitForShutdown(logger)

	_ = app.Shutdown()
	session.Stop()
	relay.Wait()
	if err := identities.Flush(); err != nil {
		logger.Warn("failed to flush identity mappings", zap.Error(err))
	}
}

func waitForShutdown(logger *zap.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", zap.String("signal", sig.String()))
}
