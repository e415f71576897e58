package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/relaykit/wa-relay/internal/domain"
	"github.com/relaykit/wa-relay/internal/repository"
	"github.com/relaykit/wa-relay/internal/webhook"
)

// AckReconciler applies delivery receipts to outbound messages. Status only
// moves forward: pending < sent < delivered < read.
type AckReconciler struct{}

// MapAckStatus maps a receipt name onto a message status.
func MapAckStatus(ack string) (domain.MessageStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(ack)) {
	case "sent":
		return domain.StatusSent, true
	case "delivered":
		return domain.StatusDelivered, true
	case "read":
		return domain.StatusRead, true
	}
	return "", false
}

// Apply raises the message status. The returned message is nil unless the
// status actually changed.
func (AckReconciler) Apply(ctx context.Context, repos repository.Repositories, data webhook.AckData, now time.Time) (IngestResult, *domain.Message, error) {
	if data.WaMessageID == "" || data.Ack == "" {
		return IngestIgnored, nil, nil
	}
	status, ok := MapAckStatus(data.Ack)
	if !ok {
		return IngestIgnored, nil, nil
	}

	msg, err := repos.Messages.GetByWaMessageID(ctx, data.WaMessageID)
	if errors.Is(err, pgx.ErrNoRows) {
		return IngestIgnored, nil, nil
	}
	if err != nil {
		return "", nil, err
	}

	ts := parseTimestamp(data.WaTimestamp, now)
	advanced, err := repos.Messages.AdvanceStatus(ctx, msg.ID, status, ts)
	if err != nil {
		return "", nil, err
	}
	if !advanced {
		return IngestDuplicate, nil, nil
	}
	msg.Status = status
	msg.WaTimestamp = &ts
	return IngestProcessed, msg, nil
}
