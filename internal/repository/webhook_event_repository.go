package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/relaykit/wa-relay/internal/domain"
)

// WebhookEventRepository persists the envelope ledger.
type WebhookEventRepository interface {
	InsertIfAbsent(ctx context.Context, event *domain.WebhookEvent) (bool, error)
	MarkResult(ctx context.Context, eventID string, status domain.WebhookEventStatus, processedAt time.Time, errMsg *string) error
}

type webhookEventRepository struct {
	db DBTX
}

// NewWebhookEventRepository returns a Postgres-backed implementation.
func NewWebhookEventRepository(db DBTX) WebhookEventRepository {
	return &webhookEventRepository{db: db}
}

// InsertIfAbsent reports false when the event id was already recorded. A
// previously failed event is claimed again so a redelivery can retry it.
func (r *webhookEventRepository) InsertIfAbsent(ctx context.Context, event *domain.WebhookEvent) (bool, error) {
	const query = `
        INSERT INTO webhook_events (source, event_id, event_type, payload, received_at, status)
        VALUES ($1, $2, $3, $4, $5, $6)
        ON CONFLICT (event_id) DO UPDATE SET status=EXCLUDED.status, received_at=EXCLUDED.received_at,
            processed_at=NULL, error=NULL
        WHERE webhook_events.status='failed'
        RETURNING id`
	err := r.db.QueryRow(ctx, query,
		event.Source,
		event.EventID,
		event.EventType,
		event.Payload,
		event.ReceivedAt,
		event.Status,
	).Scan(&event.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *webhookEventRepository) MarkResult(ctx context.Context, eventID string, status domain.WebhookEventStatus, processedAt time.Time, errMsg *string) error {
	const query = `UPDATE webhook_events SET status=$1, processed_at=$2, error=$3 WHERE event_id=$4`
	cmd, err := r.db.Exec(ctx, query, status, processedAt, errMsg, eventID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}
