package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/relaykit/wa-relay/internal/domain"
)

// ConversationFilter captures list parameters.
type ConversationFilter struct {
	AssignedTo *string
	// IncludeUnassigned widens AssignedTo to also match unowned conversations.
	IncludeUnassigned bool
	Unassigned        bool
	QueueID           *string
	Statuses          []domain.ConversationStatus
	SearchTerm        *string
	Limit             int
	Offset            int
}

// ConversationRepository persists conversations and their rollups.
type ConversationRepository interface {
	Create(ctx context.Context, conv *domain.Conversation) error
	Update(ctx context.Context, conv *domain.Conversation) error
	GetByID(ctx context.Context, id string) (*domain.Conversation, error)
	GetByIDForUpdate(ctx context.Context, id string) (*domain.Conversation, error)
	LatestActiveForUpdate(ctx context.Context, contactID string) (*domain.Conversation, error)
	LatestClosed(ctx context.Context, contactID string) (*domain.Conversation, error)
	Reopen(ctx context.Context, id string, at time.Time) error
	TouchLastMessage(ctx context.Context, id string, at time.Time, preview string, incrementUnread bool) error
	SetLastMessage(ctx context.Context, id string, at *time.Time, preview *string) error
	MarkRead(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, filter ConversationFilter) ([]domain.Conversation, error)
}

type conversationRepository struct {
	db DBTX
}

// NewConversationRepository returns a Postgres-backed implementation.
func NewConversationRepository(db DBTX) ConversationRepository {
	return &conversationRepository{db: db}
}

const conversationColumns = `
        c.id, c.contact_id, c.status, c.assigned_to, c.assigned_at, c.closed_at, c.closed_by, c.reopened_at,
        c.queue_id, c.last_message_at, c.last_message_preview, c.unread_count, c.created_at, c.updated_at,
        u.name,
        (SELECT m.direction FROM messages m WHERE m.conversation_id=c.id ORDER BY m.created_at DESC LIMIT 1)`

func (r *conversationRepository) Create(ctx context.Context, conv *domain.Conversation) error {
	const query = `
        INSERT INTO conversations (contact_id, status, assigned_to, assigned_at, queue_id)
        VALUES ($1, $2, $3, $4, $5)
        RETURNING id, unread_count, created_at, updated_at`
	return r.db.QueryRow(ctx, query,
		conv.ContactID,
		conv.Status,
		conv.AssignedTo,
		conv.AssignedAt,
		conv.QueueID,
	).Scan(&conv.ID, &conv.UnreadCount, &conv.CreatedAt, &conv.UpdatedAt)
}

// Update writes the state-machine fields. Rollups have their own methods.
func (r *conversationRepository) Update(ctx context.Context, conv *domain.Conversation) error {
	const query = `
        UPDATE conversations SET status=$1, assigned_to=$2, assigned_at=$3, closed_at=$4, closed_by=$5,
            reopened_at=$6, queue_id=$7, updated_at=NOW()
        WHERE id=$8`
	cmd, err := r.db.Exec(ctx, query,
		conv.Status,
		conv.AssignedTo,
		conv.AssignedAt,
		conv.ClosedAt,
		conv.ClosedBy,
		conv.ReopenedAt,
		conv.QueueID,
		conv.ID,
	)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (r *conversationRepository) GetByID(ctx context.Context, id string) (*domain.Conversation, error) {
	query := `SELECT ` + conversationColumns + `
        FROM conversations c LEFT JOIN users u ON u.id=c.assigned_to
        WHERE c.id=$1`
	return scanConversation(r.db.QueryRow(ctx, query, id))
}

// GetByIDForUpdate row-locks the conversation until the surrounding transaction ends.
func (r *conversationRepository) GetByIDForUpdate(ctx context.Context, id string) (*domain.Conversation, error) {
	query := `SELECT ` + conversationColumns + `
        FROM conversations c LEFT JOIN users u ON u.id=c.assigned_to
        WHERE c.id=$1
        FOR UPDATE OF c`
	return scanConversation(r.db.QueryRow(ctx, query, id))
}

// LatestActiveForUpdate returns the newest open or pending conversation, row-locked.
func (r *conversationRepository) LatestActiveForUpdate(ctx context.Context, contactID string) (*domain.Conversation, error) {
	query := `SELECT ` + conversationColumns + `
        FROM conversations c LEFT JOIN users u ON u.id=c.assigned_to
        WHERE c.contact_id=$1 AND c.status IN ('open', 'pending')
        ORDER BY c.created_at DESC LIMIT 1
        FOR UPDATE OF c`
	return scanConversation(r.db.QueryRow(ctx, query, contactID))
}

func (r *conversationRepository) LatestClosed(ctx context.Context, contactID string) (*domain.Conversation, error) {
	query := `SELECT ` + conversationColumns + `
        FROM conversations c LEFT JOIN users u ON u.id=c.assigned_to
        WHERE c.contact_id=$1 AND c.status='closed'
        ORDER BY c.closed_at DESC NULLS LAST LIMIT 1`
	return scanConversation(r.db.QueryRow(ctx, query, contactID))
}

// Reopen flips a closed conversation back to open and clears its assignee.
func (r *conversationRepository) Reopen(ctx context.Context, id string, at time.Time) error {
	const query = `
        UPDATE conversations SET status='open', closed_at=NULL, assigned_to=NULL, assigned_at=NULL,
            reopened_at=$1, updated_at=NOW()
        WHERE id=$2`
	cmd, err := r.db.Exec(ctx, query, at, id)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (r *conversationRepository) TouchLastMessage(ctx context.Context, id string, at time.Time, preview string, incrementUnread bool) error {
	query := `
        UPDATE conversations SET last_message_at=$1, last_message_preview=$2, updated_at=NOW()`
	if incrementUnread {
		query += `, unread_count=unread_count+1`
	}
	query += ` WHERE id=$3`
	cmd, err := r.db.Exec(ctx, query, at, preview, id)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (r *conversationRepository) SetLastMessage(ctx context.Context, id string, at *time.Time, preview *string) error {
	const query = `
        UPDATE conversations SET last_message_at=$1, last_message_preview=$2, updated_at=NOW()
        WHERE id=$3`
	_, err := r.db.Exec(ctx, query, at, preview, id)
	return err
}

func (r *conversationRepository) MarkRead(ctx context.Context, id string) error {
	const query = `UPDATE conversations SET unread_count=0, updated_at=NOW() WHERE id=$1`
	cmd, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// Delete removes the conversation. Messages cascade.
func (r *conversationRepository) Delete(ctx context.Context, id string) error {
	cmd, err := r.db.Exec(ctx, `DELETE FROM conversations WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (r *conversationRepository) List(ctx context.Context, filter ConversationFilter) ([]domain.Conversation, error) {
	base := `SELECT ` + conversationColumns + `,
            ct.wa_id, ct.phone, ct.display_name
        FROM conversations c
        JOIN contacts ct ON ct.id=c.contact_id
        LEFT JOIN users u ON u.id=c.assigned_to`
	clauses := []string{"1=1"}
	args := []any{}

	if filter.AssignedTo != nil {
		args = append(args, *filter.AssignedTo)
		if filter.IncludeUnassigned {
			clauses = append(clauses, fmt.Sprintf("(c.assigned_to=$%d OR c.assigned_to IS NULL)", len(args)))
		} else {
			clauses = append(clauses, fmt.Sprintf("c.assigned_to=$%d", len(args)))
		}
	}
	if filter.Unassigned {
		clauses = append(clauses, "c.assigned_to IS NULL")
	}
	if filter.QueueID != nil {
		args = append(args, *filter.QueueID)
		clauses = append(clauses, fmt.Sprintf("c.queue_id=$%d", len(args)))
	}
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, status := range filter.Statuses {
			args = append(args, status)
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		clauses = append(clauses, fmt.Sprintf("c.status IN (%s)", strings.Join(placeholders, ",")))
	}
	if filter.SearchTerm != nil && strings.TrimSpace(*filter.SearchTerm) != "" {
		search := "%" + strings.ToLower(strings.TrimSpace(*filter.SearchTerm)) + "%"
		args = append(args, search)
		placeholder := fmt.Sprintf("$%d", len(args))
		clauses = append(clauses, fmt.Sprintf("(LOWER(COALESCE(ct.display_name,'')) LIKE %s OR ct.phone LIKE %s OR ct.wa_id LIKE %s)", placeholder, placeholder, placeholder))
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	query := fmt.Sprintf(`%s WHERE %s ORDER BY c.last_message_at DESC NULLS LAST, c.created_at DESC LIMIT %d OFFSET %d`,
		base, strings.Join(clauses, " AND "), limit, offset)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.Conversation
	for rows.Next() {
		var conv domain.Conversation
		contact := domain.Contact{}
		dest := append(conversationDest(&conv), &contact.WaID, &contact.Phone, &contact.DisplayName)
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		contact.ID = conv.ContactID
		conv.Contact = &contact
		result = append(result, conv)
	}
	return result, rows.Err()
}

func conversationDest(conv *domain.Conversation) []any {
	return []any{
		&conv.ID,
		&conv.ContactID,
		&conv.Status,
		&conv.AssignedTo,
		&conv.AssignedAt,
		&conv.ClosedAt,
		&conv.ClosedBy,
		&conv.ReopenedAt,
		&conv.QueueID,
		&conv.LastMessageAt,
		&conv.LastMessagePreview,
		&conv.UnreadCount,
		&conv.CreatedAt,
		&conv.UpdatedAt,
		&conv.AssignedName,
		&conv.LastMessageDirection,
	}
}

func scanConversation(row pgx.Row) (*domain.Conversation, error) {
	var conv domain.Conversation
	if err := row.Scan(conversationDest(&conv)...); err != nil {
		return nil, err
	}
	return &conv, nil
}
