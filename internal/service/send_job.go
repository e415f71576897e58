package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/relaykit/wa-relay/internal/config"
	"github.com/relaykit/wa-relay/internal/domain"
	"github.com/relaykit/wa-relay/internal/events"
	"github.com/relaykit/wa-relay/internal/gatewayclient"
	"github.com/relaykit/wa-relay/internal/media"
	"github.com/relaykit/wa-relay/internal/observability"
	"github.com/relaykit/wa-relay/internal/repository"
)

// Failure codes recorded on messages that could not be sent.
const (
	FailureMissingContact = "missing_contact"
	FailureMissingBody    = "missing_body"
	FailureMissingConfig  = "missing_config"
	FailureMissingMedia   = "missing_media"
	FailureSendFailed     = "send_failed"
)

// SendFailure is returned when a send did not go through. Terminal failures
// are never retried.
type SendFailure struct {
	Code     string
	Message  string
	Terminal bool
}

func (f *SendFailure) Error() string {
	return fmt.Sprintf("send failed (%s): %s", f.Code, f.Message)
}

// IsTerminal reports whether err is a SendFailure that must not be retried.
func IsTerminal(err error) bool {
	var failure *SendFailure
	return errors.As(err, &failure) && failure.Terminal
}

// SendJob delivers one pending outbound message through the gateway.
type SendJob struct {
	uow     repository.UnitOfWork
	gateway Gateway
	media   media.Store
	pub     publisher
	metrics *observability.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

// SendJobDependencies bundles collaborators for the send job.
type SendJobDependencies struct {
	UnitOfWork repository.UnitOfWork
	Gateway    Gateway
	Media      media.Store
	Dispatcher events.Dispatcher
	Metrics    *observability.Metrics
	Logger     *zap.Logger
}

// NewSendJob builds the job.
func NewSendJob(deps SendJobDependencies, cfg config.NotificationConfig) *SendJob {
	return &SendJob{
		uow:     deps.UnitOfWork,
		gateway: deps.Gateway,
		media:   deps.Media,
		pub:     publisher{dispatcher: deps.Dispatcher, delay: cfg.BroadcastDelay()},
		metrics: deps.Metrics,
		logger:  deps.Logger.Named("send_job"),
		now:     time.Now,
	}
}

// InferMediaType picks the message type for an attachment from its MIME type.
func InferMediaType(mime string) domain.MessageType {
	mime = strings.ToLower(mime)
	switch {
	case strings.HasPrefix(mime, "image/"):
		return domain.MessageImage
	case strings.HasPrefix(mime, "video/"):
		return domain.MessageVideo
	case strings.HasPrefix(mime, "audio/"):
		return domain.MessageAudio
	}
	return domain.MessageDocument
}

// Run sends the message. Messages already accepted by the channel and
// inbound messages are skipped.
func (j *SendJob) Run(ctx context.Context, messageID string) error {
	repos := j.uow.Repos()
	msg, err := repos.Messages.GetByID(ctx, messageID)
	if errors.Is(err, pgx.ErrNoRows) {
		j.logger.Info("message vanished before send", zap.String("message_id", messageID))
		return nil
	}
	if err != nil {
		return err
	}
	if msg.Direction != domain.DirectionOut || msg.Status.Delivered() {
		return nil
	}
	logger := j.logger.With(zap.String("message_id", msg.ID), zap.String("client_message_id", msg.ClientMessageID))

	conv, err := repos.Conversations.GetByID(ctx, msg.ConversationID)
	if err != nil {
		return err
	}
	contact, err := repos.Contacts.GetByID(ctx, conv.ContactID)
	if errors.Is(err, pgx.ErrNoRows) || (err == nil && contact.WaID == "") {
		return j.fail(ctx, msg, &SendFailure{Code: FailureMissingContact, Message: "conversation has no contact address", Terminal: true})
	}
	if err != nil {
		return err
	}

	msgType := msg.Type
	if msgType == domain.MessageText && msg.HasMedia() {
		msgType = InferMediaType(deref(msg.MediaMime))
	}
	if msgType == domain.MessageText && strings.TrimSpace(msg.BodyText()) == "" {
		return j.fail(ctx, msg, &SendFailure{Code: FailureMissingBody, Message: "text message has no body", Terminal: true})
	}
	if j.gateway == nil || !j.gateway.Configured() {
		return j.fail(ctx, msg, &SendFailure{Code: FailureMissingConfig, Message: "gateway url or token missing", Terminal: true})
	}

	req := gatewayclient.SendRequest{
		ClientMessageID: msg.ClientMessageID,
		ToWaID:          contact.WaID,
		Type:            string(msgType),
		Text:            optional(msg.BodyText()),
	}
	if msgType != domain.MessageText {
		url := resolveMediaURL(ctx, j.media, msg)
		if url == nil {
			return j.fail(ctx, msg, &SendFailure{Code: FailureMissingMedia, Message: "no fetchable media url", Terminal: true})
		}
		req.MediaURL = url
		req.MediaMime = msg.MediaMime
		req.MediaName = MediaName(msg)
	}
	if err := j.attachReply(ctx, repos, msg, contact, &req); err != nil {
		return err
	}

	resp, err := j.gateway.Send(ctx, req, msg.ClientMessageID)
	if err == nil && deref(resp.WaMessageID) == "" {
		err = errors.New("gateway returned no message id")
	}
	if err != nil {
		failure := &SendFailure{Code: FailureSendFailed, Message: err.Error()}
		var httpErr *gatewayclient.HTTPError
		switch {
		case errors.As(err, &httpErr):
			failure.Code = httpErr.Code()
		case errors.Is(err, gatewayclient.ErrNotConfigured):
			failure.Code = FailureMissingConfig
			failure.Terminal = true
		}
		return j.fail(ctx, msg, failure)
	}

	ts := parseTimestamp(resp.WaTimestamp, j.now())
	applied, err := repos.Messages.MarkSent(ctx, msg.ID, *resp.WaMessageID, ts)
	if err != nil {
		return err
	}
	if !applied {
		logger.Info("message already advanced by another send", zap.String("wa_message_id", *resp.WaMessageID))
		return nil
	}
	msg.Status = domain.StatusSent
	msg.WaMessageID = resp.WaMessageID
	msg.WaTimestamp = &ts
	msg.ErrorCode, msg.ErrorMessage = nil, nil

	j.metrics.Inc(observability.CounterMessagesSent)
	box := events.NewOutbox()
	j.pub.statusUpdated(box, msg, false)
	j.pub.flush(ctx, box)
	logger.Info("message sent", zap.String("wa_message_id", *resp.WaMessageID))
	return nil
}

// attachReply quotes the target only if the channel can resolve it.
func (j *SendJob) attachReply(ctx context.Context, repos repository.Repositories, msg *domain.Message, contact *domain.Contact, req *gatewayclient.SendRequest) error {
	if msg.ReplyToMessageID == nil {
		return nil
	}
	target, err := repos.Messages.GetByID(ctx, *msg.ReplyToMessageID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	if target.Direction != domain.DirectionIn || deref(target.WaMessageID) == "" || target.ConversationID != msg.ConversationID {
		return nil
	}
	text := target.BodyText()
	if text == "" {
		text = "[" + string(target.Type) + "]"
	}
	sender := deref(target.SenderWaID)
	if sender == "" {
		sender = contact.WaID
	}
	req.ReplyToWaMessageID = target.WaMessageID
	req.ReplyToSenderWaID = &sender
	req.ReplyToText = &text
	req.ReplyToType = strPtr(string(target.Type))
	return nil
}

func (j *SendJob) fail(ctx context.Context, msg *domain.Message, failure *SendFailure) error {
	text := truncate(failure.Message, errorMaxRunes)
	applied, err := j.uow.Repos().Messages.MarkFailed(ctx, msg.ID, failure.Code, text)
	if err != nil {
		j.logger.Error("failed to record send failure", zap.String("message_id", msg.ID), zap.Error(err))
	} else if !applied {
		j.logger.Info("send failure ignored, message already accepted",
			zap.String("message_id", msg.ID), zap.String("code", failure.Code))
		return nil
	}
	msg.Status = domain.StatusFailed
	msg.ErrorCode = &failure.Code
	msg.ErrorMessage = &text

	j.metrics.Inc(observability.CounterMessagesSendFailed)
	box := events.NewOutbox()
	j.pub.statusUpdated(box, msg, false)
	j.pub.flush(ctx, box)
	j.logger.Warn("message send failed",
		zap.String("message_id", msg.ID),
		zap.String("code", failure.Code),
		zap.Bool("terminal", failure.Terminal),
		zap.String("error", failure.Message))
	return failure
}
