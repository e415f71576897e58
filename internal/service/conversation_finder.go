package service

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/relaykit/wa-relay/internal/config"
	"github.com/relaykit/wa-relay/internal/domain"
	"github.com/relaykit/wa-relay/internal/repository"
)

const defaultReopenWindow = 2 * time.Hour

// conversationFinder resolves the conversation an inbound message belongs to.
// Callers hold the contact row lock, which serializes concurrent finders.
type conversationFinder struct {
	window    time.Duration
	inclusive bool
}

func newConversationFinder(cfg config.ConversationConfig) conversationFinder {
	window := cfg.ReopenWindow()
	if window <= 0 {
		window = defaultReopenWindow
	}
	return conversationFinder{window: window, inclusive: cfg.ReopenInclusive}
}

// withinWindow reports whether a conversation closed at closedAt may be reopened at now.
func (f conversationFinder) withinWindow(closedAt, now time.Time) bool {
	age := now.Sub(closedAt)
	if f.inclusive {
		return age <= f.window
	}
	return age < f.window
}

// findOrCreate returns the active conversation, a reopened recent one, or a new one.
func (f conversationFinder) findOrCreate(ctx context.Context, repos repository.Repositories, contactID string, now time.Time) (*domain.Conversation, error) {
	conv, err := repos.Conversations.LatestActiveForUpdate(ctx, contactID)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	closed, err := repos.Conversations.LatestClosed(ctx, contactID)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if closed != nil && closed.ClosedAt != nil && f.withinWindow(*closed.ClosedAt, now) {
		if err := repos.Conversations.Reopen(ctx, closed.ID, now); err != nil {
			return nil, err
		}
		closed.Status = domain.ConversationOpen
		closed.ClosedAt = nil
		closed.AssignedTo = nil
		closed.AssignedAt = nil
		closed.AssignedName = nil
		reopenedAt := now
		closed.ReopenedAt = &reopenedAt
		return closed, nil
	}

	queueID, err := repos.Queues.DefaultID(ctx)
	if err != nil {
		return nil, err
	}
	conv = &domain.Conversation{
		ContactID: contactID,
		Status:    domain.ConversationOpen,
		QueueID:   &queueID,
	}
	if err := repos.Conversations.Create(ctx, conv); err != nil {
		return nil, err
	}
	return conv, nil
}
