package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relaykit/wa-relay/internal/config"
	"github.com/relaykit/wa-relay/internal/domain"
	"github.com/relaykit/wa-relay/internal/events"
	"github.com/relaykit/wa-relay/internal/media"
	"github.com/relaykit/wa-relay/internal/observability"
	"github.com/relaykit/wa-relay/internal/repository"
	"github.com/relaykit/wa-relay/internal/webhook"
	apperrors "github.com/relaykit/wa-relay/pkg/util/errorutil"
)

// IngestResult is the outcome reported back to the gateway.
type IngestResult string

const (
	IngestProcessed IngestResult = "processed"
	IngestIgnored   IngestResult = "ignored"
	IngestDuplicate IngestResult = "duplicate"
)

// IngestService verifies, records and routes webhook envelopes.
type IngestService struct {
	uow      repository.UnitOfWork
	secret   string
	incoming *IncomingPersister
	outgoing *OutgoingPersister
	acks     AckReconciler
	pub      publisher
	metrics  *observability.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

// IngestDependencies bundles collaborators for the ingest service.
type IngestDependencies struct {
	UnitOfWork repository.UnitOfWork
	Dispatcher events.Dispatcher
	Media      media.Store
	Metrics    *observability.Metrics
	Logger     *zap.Logger
}

// NewIngestService builds the service.
func NewIngestService(cfg config.Config, deps IngestDependencies) *IngestService {
	logger := deps.Logger.Named("ingest")
	finder := newConversationFinder(cfg.Conversation)
	return &IngestService{
		uow:      deps.UnitOfWork,
		secret:   cfg.Webhook.Secret,
		incoming: NewIncomingPersister(finder, deps.Media, logger),
		outgoing: NewOutgoingPersister(finder),
		pub:      publisher{dispatcher: deps.Dispatcher, delay: cfg.Notification.BroadcastDelay()},
		metrics:  deps.Metrics,
		logger:   logger,
		now:      time.Now,
	}
}

// Verify authenticates the body and decodes the envelope.
func (s *IngestService) Verify(body []byte, signature string) (*webhook.Envelope, error) {
	if s.secret == "" || signature == "" {
		return nil, apperrors.NewUnauthorized("missing signature")
	}
	if !webhook.Verify(body, s.secret, signature) {
		return nil, apperrors.NewUnauthorized("invalid signature")
	}

	var env webhook.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, apperrors.NewUnprocessable("payload must be a JSON object", nil)
	}
	if env.EventID == "" || env.EventType == "" {
		return nil, apperrors.NewUnprocessable("event_id and event_type are required", nil)
	}
	if _, err := uuid.Parse(env.EventID); err != nil {
		return nil, apperrors.NewUnprocessable("event_id must be a UUID", map[string]any{"event_id": env.EventID})
	}
	return &env, nil
}

// Handle records the envelope in the ledger and routes it by event type.
// Redelivered events report duplicate without side effects.
func (s *IngestService) Handle(ctx context.Context, env *webhook.Envelope, body []byte) (IngestResult, error) {
	logger := s.logger.With(
		zap.String("event_id", env.EventID),
		zap.String("event_type", string(env.EventType)),
		zap.String("correlation_id", env.CorrelationID),
	)

	inserted, err := s.uow.Repos().WebhookEvents.InsertIfAbsent(ctx, &domain.WebhookEvent{
		Source:     domain.WebhookSourceGateway,
		EventID:    env.EventID,
		EventType:  string(env.EventType),
		Payload:    json.RawMessage(body),
		ReceivedAt: s.now().UTC(),
		Status:     domain.WebhookEventReceived,
	})
	if err != nil {
		return "", err
	}
	if !inserted {
		s.metrics.Inc(observability.CounterEventsDuplicate)
		logger.Debug("duplicate webhook event")
		return IngestDuplicate, nil
	}

	result, err := s.route(ctx, env)
	if err != nil {
		s.metrics.Inc(observability.CounterEventsFailed)
		logger.Error("webhook event failed", zap.Error(err))
		msg := truncate(err.Error(), errorMaxRunes)
		if markErr := s.uow.Repos().WebhookEvents.MarkResult(ctx, env.EventID, domain.WebhookEventFailed, s.now().UTC(), &msg); markErr != nil {
			logger.Warn("failed to record webhook failure", zap.Error(markErr))
		}
		return "", err
	}

	status := domain.WebhookEventIgnored
	if result == IngestProcessed {
		status = domain.WebhookEventProcessed
		s.metrics.Inc(observability.CounterEventsIngested)
	}
	if err := s.uow.Repos().WebhookEvents.MarkResult(ctx, env.EventID, status, s.now().UTC(), nil); err != nil {
		logger.Warn("failed to record webhook result", zap.Error(err))
	}
	logger.Info("webhook event handled", zap.String("result", string(result)))
	return result, nil
}

func (s *IngestService) route(ctx context.Context, env *webhook.Envelope) (IngestResult, error) {
	switch env.EventType {
	case webhook.EventMessageIncoming:
		var data webhook.MessageData
		if err := decodeData(env.Data, &data); err != nil {
			return "", err
		}
		return s.handleIncoming(ctx, data)
	case webhook.EventMessageOutgoing:
		var data webhook.MessageData
		if err := decodeData(env.Data, &data); err != nil {
			return "", err
		}
		return s.handleOutgoing(ctx, data)
	case webhook.EventMessageAck:
		var data webhook.AckData
		if err := decodeData(env.Data, &data); err != nil {
			return "", err
		}
		return s.handleAck(ctx, data)
	}
	return IngestIgnored, nil
}

func decodeData(raw json.RawMessage, dst any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return apperrors.NewUnprocessable("invalid event data", map[string]any{"reason": err.Error()})
	}
	return nil
}

func (s *IngestService) handleIncoming(ctx context.Context, data webhook.MessageData) (IngestResult, error) {
	// cheap pre-check so redelivered media is not uploaded again
	seen, err := s.incoming.guard.Seen(ctx, s.uow.Repos().Messages, data.WaMessageID, Fingerprint(data))
	if err != nil {
		return "", err
	}
	if seen {
		s.metrics.Inc(observability.CounterEventsDuplicate)
		return IngestDuplicate, nil
	}
	stored := s.incoming.Prepare(ctx, data)

	now := s.now()
	box := events.NewOutbox()
	var result *persisted
	err = s.uow.WithinTx(ctx, func(repos repository.Repositories) error {
		var err error
		result, err = s.incoming.Persist(ctx, repos, data, stored, now)
		return err
	})
	if err != nil {
		return "", err
	}
	if result == nil {
		return IngestDuplicate, nil
	}
	s.pub.messageCreated(box, MessagePayload(result.Message, nil), nil, true)
	s.pub.conversationUpdated(box, result.Conversation, nil)
	s.pub.flush(ctx, box)
	return IngestProcessed, nil
}

func (s *IngestService) handleOutgoing(ctx context.Context, data webhook.MessageData) (IngestResult, error) {
	stored := s.incoming.Prepare(ctx, data)
	now := s.now()
	box := events.NewOutbox()
	var result *persisted
	err := s.uow.WithinTx(ctx, func(repos repository.Repositories) error {
		var err error
		result, err = s.outgoing.Persist(ctx, repos, data, stored, now)
		return err
	})
	if err != nil {
		return "", err
	}
	if result == nil {
		return IngestDuplicate, nil
	}
	if result.Upgraded {
		s.pub.statusUpdated(box, result.Message, true)
	} else {
		s.pub.messageCreated(box, MessagePayload(result.Message, nil), nil, true)
		s.pub.conversationUpdated(box, result.Conversation, nil)
	}
	s.pub.flush(ctx, box)
	return IngestProcessed, nil
}

func (s *IngestService) handleAck(ctx context.Context, data webhook.AckData) (IngestResult, error) {
	now := s.now()
	var (
		result IngestResult
		msg    *domain.Message
	)
	err := s.uow.WithinTx(ctx, func(repos repository.Repositories) error {
		var err error
		result, msg, err = s.acks.Apply(ctx, repos, data, now)
		return err
	})
	if err != nil {
		return "", err
	}
	if msg != nil {
		box := events.NewOutbox()
		s.pub.statusUpdated(box, msg, true)
		s.pub.flush(ctx, box)
	}
	return result, nil
}
