package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DBTX is satisfied by both *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repositories bundles every repository bound to the same connection or transaction.
type Repositories struct {
	Contacts      ContactRepository
	Conversations ConversationRepository
	Messages      MessageRepository
	Queues        QueueRepository
	Users         UserRepository
	WebhookEvents WebhookEventRepository
}

// UnitOfWork runs fn against repositories sharing one transaction.
type UnitOfWork interface {
	Repos() Repositories
	WithinTx(ctx context.Context, fn func(Repositories) error) error
}

// Store is the Postgres UnitOfWork.
type Store struct {
	pool  *pgxpool.Pool
	repos Repositories
}

// NewStore builds pool-bound repositories.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, repos: newRepositories(pool)}
}

// Repos returns repositories bound to the pool.
func (s *Store) Repos() Repositories {
	return s.repos
}

// WithinTx commits when fn returns nil and rolls back otherwise.
func (s *Store) WithinTx(ctx context.Context, fn func(Repositories) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(newRepositories(tx))
	})
}

func newRepositories(db DBTX) Repositories {
	return Repositories{
		Contacts:      NewContactRepository(db),
		Conversations: NewConversationRepository(db),
		Messages:      NewMessageRepository(db),
		Queues:        NewQueueRepository(db),
		Users:         NewUserRepository(db),
		WebhookEvents: NewWebhookEventRepository(db),
	}
}
