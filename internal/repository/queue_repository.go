package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/relaykit/wa-relay/internal/domain"
)

// QueueRepository reads routing queues.
type QueueRepository interface {
	GetByID(ctx context.Context, id string) (*domain.Queue, error)
	DefaultID(ctx context.Context) (string, error)
}

type queueRepository struct {
	db DBTX
}

// NewQueueRepository returns a Postgres-backed implementation.
func NewQueueRepository(db DBTX) QueueRepository {
	return &queueRepository{db: db}
}

func (r *queueRepository) GetByID(ctx context.Context, id string) (*domain.Queue, error) {
	const query = `SELECT id, name, is_default, created_at, updated_at FROM queues WHERE id=$1`
	var q domain.Queue
	if err := r.db.QueryRow(ctx, query, id).Scan(&q.ID, &q.Name, &q.IsDefault, &q.CreatedAt, &q.UpdatedAt); err != nil {
		return nil, err
	}
	return &q, nil
}

// DefaultID returns the default queue, creating it when missing.
func (r *queueRepository) DefaultID(ctx context.Context) (string, error) {
	const selectQuery = `SELECT id FROM queues WHERE is_default ORDER BY created_at LIMIT 1`
	var id string
	err := r.db.QueryRow(ctx, selectQuery).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", err
	}

	const insertQuery = `
        INSERT INTO queues (name, is_default) VALUES ($1, TRUE)
        ON CONFLICT (is_default) WHERE is_default DO NOTHING
        RETURNING id`
	err = r.db.QueryRow(ctx, insertQuery, domain.DefaultQueueName).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		// lost the race to a concurrent creator
		err = r.db.QueryRow(ctx, selectQuery).Scan(&id)
	}
	return id, err
}
