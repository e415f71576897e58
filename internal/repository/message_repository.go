package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/relaykit/wa-relay/internal/domain"
)

// MessageRepository persists messages and their delivery status.
type MessageRepository interface {
	Create(ctx context.Context, msg *domain.Message) error
	InsertIfAbsent(ctx context.Context, msg *domain.Message) (bool, error)
	GetByID(ctx context.Context, id string) (*domain.Message, error)
	GetByWaMessageID(ctx context.Context, waMessageID string) (*domain.Message, error)
	ExistsByWaMessageID(ctx context.Context, waMessageID string) (bool, error)
	ExistsByFingerprint(ctx context.Context, fingerprint string) (bool, error)
	AdvanceStatus(ctx context.Context, id string, status domain.MessageStatus, waTimestamp time.Time) (bool, error)
	MarkSent(ctx context.Context, id, waMessageID string, waTimestamp time.Time) (bool, error)
	MarkFailed(ctx context.Context, id, code, message string) (bool, error)
	ListByConversation(ctx context.Context, conversationID string, limit int, before *time.Time) ([]domain.Message, error)
	Latest(ctx context.Context, conversationID string) (*domain.Message, error)
	ListPendingOutbound(ctx context.Context, limit int) ([]domain.Message, error)
	Delete(ctx context.Context, id string) error
}

type messageRepository struct {
	db DBTX
}

// NewMessageRepository returns a Postgres-backed implementation.
func NewMessageRepository(db DBTX) MessageRepository {
	return &messageRepository{db: db}
}

const messageColumns = `
        id, conversation_id, user_id, direction, type, body, wa_message_id, client_message_id,
        inbound_fingerprint, wa_timestamp, status, error_code, error_message, media_mime, media_size,
        media_url, storage_path, sender_wa_id, sender_name, sender_phone, reply_to_message_id,
        created_at, updated_at`

const messageInsert = `
        INSERT INTO messages (conversation_id, user_id, direction, type, body, wa_message_id, client_message_id,
            inbound_fingerprint, wa_timestamp, status, media_mime, media_size, media_url, storage_path,
            sender_wa_id, sender_name, sender_phone, reply_to_message_id)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`

func insertArgs(msg *domain.Message) []any {
	return []any{
		msg.ConversationID,
		msg.UserID,
		msg.Direction,
		msg.Type,
		msg.Body,
		msg.WaMessageID,
		msg.ClientMessageID,
		msg.InboundFingerprint,
		msg.WaTimestamp,
		msg.Status,
		msg.MediaMime,
		msg.MediaSize,
		msg.MediaURL,
		msg.StoragePath,
		msg.SenderWaID,
		msg.SenderName,
		msg.SenderPhone,
		msg.ReplyToMessageID,
	}
}

func (r *messageRepository) Create(ctx context.Context, msg *domain.Message) error {
	query := messageInsert + ` RETURNING id, created_at, updated_at`
	return r.db.QueryRow(ctx, query, insertArgs(msg)...).Scan(&msg.ID, &msg.CreatedAt, &msg.UpdatedAt)
}

// InsertIfAbsent reports false when any unique key (channel id, client id,
// fingerprint) already exists.
func (r *messageRepository) InsertIfAbsent(ctx context.Context, msg *domain.Message) (bool, error) {
	query := messageInsert + ` ON CONFLICT DO NOTHING RETURNING id, created_at, updated_at`
	err := r.db.QueryRow(ctx, query, insertArgs(msg)...).Scan(&msg.ID, &msg.CreatedAt, &msg.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *messageRepository) GetByID(ctx context.Context, id string) (*domain.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE id=$1`
	return scanMessage(r.db.QueryRow(ctx, query, id))
}

func (r *messageRepository) GetByWaMessageID(ctx context.Context, waMessageID string) (*domain.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE wa_message_id=$1`
	return scanMessage(r.db.QueryRow(ctx, query, waMessageID))
}

func (r *messageRepository) ExistsByWaMessageID(ctx context.Context, waMessageID string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM messages WHERE wa_message_id=$1)`, waMessageID).Scan(&exists)
	return exists, err
}

func (r *messageRepository) ExistsByFingerprint(ctx context.Context, fingerprint string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM messages WHERE inbound_fingerprint=$1)`, fingerprint).Scan(&exists)
	return exists, err
}

// AdvanceStatus applies status only when it ranks above the stored one, in a
// single statement so concurrent receipts cannot downgrade each other.
func (r *messageRepository) AdvanceStatus(ctx context.Context, id string, status domain.MessageStatus, waTimestamp time.Time) (bool, error) {
	const query = `
        UPDATE messages SET status=$1, wa_timestamp=$2, updated_at=NOW()
        WHERE id=$3 AND (CASE status
                WHEN 'pending' THEN 0 WHEN 'sent' THEN 1 WHEN 'delivered' THEN 2 WHEN 'read' THEN 3
                ELSE -1 END) < $4`
	cmd, err := r.db.Exec(ctx, query, status, waTimestamp, id, status.Rank())
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() > 0, nil
}

// MarkSent records a channel acceptance. Rows already past failed are left
// alone and reported as not applied.
func (r *messageRepository) MarkSent(ctx context.Context, id, waMessageID string, waTimestamp time.Time) (bool, error) {
	const query = `
        UPDATE messages SET status='sent', wa_message_id=$1, wa_timestamp=$2, error_code=NULL, error_message=NULL,
            updated_at=NOW()
        WHERE id=$3 AND status IN ('pending','failed')`
	cmd, err := r.db.Exec(ctx, query, waMessageID, waTimestamp, id)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() > 0, nil
}

// MarkFailed records a send failure on a message that has not been accepted yet.
func (r *messageRepository) MarkFailed(ctx context.Context, id, code, message string) (bool, error) {
	const query = `
        UPDATE messages SET status='failed', error_code=$1, error_message=$2, updated_at=NOW()
        WHERE id=$3 AND status IN ('pending','failed')`
	cmd, err := r.db.Exec(ctx, query, code, message, id)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() > 0, nil
}

// ListByConversation returns messages oldest first, with the quoted message joined.
func (r *messageRepository) ListByConversation(ctx context.Context, conversationID string, limit int, before *time.Time) ([]domain.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT * FROM (SELECT ` + messageColumns + ` FROM messages
        WHERE conversation_id=$1 AND ($2::timestamptz IS NULL OR created_at < $2)
        ORDER BY created_at DESC LIMIT $3) recent ORDER BY created_at ASC`
	rows, err := r.db.Query(ctx, query, conversationID, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*domain.Message, len(msgs))
	for i := range msgs {
		byID[msgs[i].ID] = &msgs[i]
	}
	for i := range msgs {
		if msgs[i].ReplyToMessageID == nil {
			continue
		}
		if quoted, ok := byID[*msgs[i].ReplyToMessageID]; ok {
			msgs[i].ReplyTo = quoted
			continue
		}
		quoted, err := r.GetByID(ctx, *msgs[i].ReplyToMessageID)
		if err == nil {
			msgs[i].ReplyTo = quoted
		} else if !errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
	}
	return msgs, nil
}

func (r *messageRepository) Latest(ctx context.Context, conversationID string) (*domain.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE conversation_id=$1 ORDER BY created_at DESC LIMIT 1`
	return scanMessage(r.db.QueryRow(ctx, query, conversationID))
}

func (r *messageRepository) ListPendingOutbound(ctx context.Context, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + messageColumns + ` FROM messages
        WHERE status='pending' AND direction='out' ORDER BY created_at ASC LIMIT $1`
	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (r *messageRepository) Delete(ctx context.Context, id string) error {
	cmd, err := r.db.Exec(ctx, `DELETE FROM messages WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func messageDest(msg *domain.Message) []any {
	return []any{
		&msg.ID,
		&msg.ConversationID,
		&msg.UserID,
		&msg.Direction,
		&msg.Type,
		&msg.Body,
		&msg.WaMessageID,
		&msg.ClientMessageID,
		&msg.InboundFingerprint,
		&msg.WaTimestamp,
		&msg.Status,
		&msg.ErrorCode,
		&msg.ErrorMessage,
		&msg.MediaMime,
		&msg.MediaSize,
		&msg.MediaURL,
		&msg.StoragePath,
		&msg.SenderWaID,
		&msg.SenderName,
		&msg.SenderPhone,
		&msg.ReplyToMessageID,
		&msg.CreatedAt,
		&msg.UpdatedAt,
	}
}

func scanMessage(row pgx.Row) (*domain.Message, error) {
	var msg domain.Message
	if err := row.Scan(messageDest(&msg)...); err != nil {
		return nil, err
	}
	return &msg, nil
}

func scanMessages(rows pgx.Rows) ([]domain.Message, error) {
	var result []domain.Message
	for rows.Next() {
		var msg domain.Message
		if err := rows.Scan(messageDest(&msg)...); err != nil {
			return nil, err
		}
		result = append(result, msg)
	}
	return result, rows.Err()
}
