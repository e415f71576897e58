package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/relaykit/wa-relay/internal/domain"
)

// ContactRepository persists contacts keyed by channel address.
type ContactRepository interface {
	InsertIfAbsent(ctx context.Context, waID string, phone, displayName *string) error
	GetByID(ctx context.Context, id string) (*domain.Contact, error)
	GetByWaIDForUpdate(ctx context.Context, waID string) (*domain.Contact, error)
	UpdateProfile(ctx context.Context, id string, phone, displayName *string) error
}

type contactRepository struct {
	db DBTX
}

// NewContactRepository returns a Postgres-backed implementation.
func NewContactRepository(db DBTX) ContactRepository {
	return &contactRepository{db: db}
}

func (r *contactRepository) InsertIfAbsent(ctx context.Context, waID string, phone, displayName *string) error {
	const query = `
        INSERT INTO contacts (wa_id, phone, display_name)
        VALUES ($1, $2, $3)
        ON CONFLICT (wa_id) DO NOTHING`
	_, err := r.db.Exec(ctx, query, waID, phone, displayName)
	return err
}

func (r *contactRepository) GetByID(ctx context.Context, id string) (*domain.Contact, error) {
	const query = `
        SELECT id, wa_id, phone, display_name, avatar_url, created_at, updated_at
        FROM contacts WHERE id=$1`
	return scanContact(r.db.QueryRow(ctx, query, id))
}

// GetByWaIDForUpdate row-locks the contact until the surrounding transaction ends.
func (r *contactRepository) GetByWaIDForUpdate(ctx context.Context, waID string) (*domain.Contact, error) {
	const query = `
        SELECT id, wa_id, phone, display_name, avatar_url, created_at, updated_at
        FROM contacts WHERE wa_id=$1 FOR UPDATE`
	return scanContact(r.db.QueryRow(ctx, query, waID))
}

// UpdateProfile overwrites only the non-nil fields.
func (r *contactRepository) UpdateProfile(ctx context.Context, id string, phone, displayName *string) error {
	if phone == nil && displayName == nil {
		return nil
	}
	const query = `
        UPDATE contacts SET phone=COALESCE($1, phone), display_name=COALESCE($2, display_name), updated_at=NOW()
        WHERE id=$3`
	cmd, err := r.db.Exec(ctx, query, phone, displayName, id)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func scanContact(row pgx.Row) (*domain.Contact, error) {
	var c domain.Contact
	if err := row.Scan(
		&c.ID,
		&c.WaID,
		&c.Phone,
		&c.DisplayName,
		&c.AvatarURL,
		&c.CreatedAt,
		&c.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &c, nil
}
