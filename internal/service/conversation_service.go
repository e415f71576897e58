package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/relaykit/wa-relay/internal/config"
	"github.com/relaykit/wa-relay/internal/domain"
	"github.com/relaykit/wa-relay/internal/events"
	"github.com/relaykit/wa-relay/internal/repository"
	apperrors "github.com/relaykit/wa-relay/pkg/util/errorutil"
)

// ConversationService runs the conversation state machine. Every operation
// checks authorization, then validity, then writes, then notifies after commit.
type ConversationService struct {
	uow    repository.UnitOfWork
	policy ConversationPolicy
	locks  *LockService
	pub    publisher
	logger *zap.Logger
	now    func() time.Time
}

// ConversationDependencies bundles collaborators for the conversation service.
type ConversationDependencies struct {
	UnitOfWork repository.UnitOfWork
	Locks      *LockService
	Dispatcher events.Dispatcher
	Logger     *zap.Logger
}

// ConversationListInput describes list filters. AssignedTo accepts "me",
// "unassigned" or a user id.
type ConversationListInput struct {
	Status     *domain.ConversationStatus
	AssignedTo string
	QueueID    *string
	Search     *string
	Limit      int
	Offset     int
}

// TransferInput carries the optional new assignee and queue. AssignedToSet
// distinguishes an explicit null from an absent field.
type TransferInput struct {
	AssignedTo    *string
	AssignedToSet bool
	QueueID       *string
}

// ConversationResult is the small status map returned by workflow operations.
type ConversationResult struct {
	Status             string                     `json:"status"`
	AssignedTo         *string                    `json:"assigned_to,omitempty"`
	AssignedName       *string                    `json:"assigned_name,omitempty"`
	QueueID            *string                    `json:"queue_id,omitempty"`
	ClosedAt           *time.Time                 `json:"closed_at,omitempty"`
	ConversationStatus *domain.ConversationStatus `json:"conversation_status,omitempty"`
	UnreadCount        *int                       `json:"unread_count,omitempty"`
}

// NewConversationService builds the service.
func NewConversationService(deps ConversationDependencies, cfg config.NotificationConfig) *ConversationService {
	return &ConversationService{
		uow:    deps.UnitOfWork,
		locks:  deps.Locks,
		pub:    publisher{dispatcher: deps.Dispatcher, delay: cfg.BroadcastDelay()},
		logger: deps.Logger.Named("conversations"),
		now:    time.Now,
	}
}

// Get returns a conversation the actor may view.
func (s *ConversationService) Get(ctx context.Context, actor *domain.User, id string) (*domain.Conversation, error) {
	conv, err := loadConversation(ctx, s.uow.Repos(), id, false)
	if err != nil {
		return nil, err
	}
	if !s.policy.Allows(actor, conv, AbilityView) {
		return nil, apperrors.NewForbidden("not allowed to view this conversation")
	}
	contact, err := s.uow.Repos().Contacts.GetByID(ctx, conv.ContactID)
	if err != nil {
		return nil, apperrors.MapError(err)
	}
	conv.Contact = contact
	return conv, nil
}

// List returns conversations visible to the actor. Agents see their own and
// unassigned ones.
func (s *ConversationService) List(ctx context.Context, actor *domain.User, input ConversationListInput) ([]domain.Conversation, error) {
	if actor == nil {
		return nil, apperrors.NewUnauthorized("actor required")
	}
	filter := repository.ConversationFilter{
		QueueID:    input.QueueID,
		SearchTerm: input.Search,
		Limit:      input.Limit,
		Offset:     input.Offset,
	}
	if input.Status != nil {
		if !input.Status.Valid() {
			return nil, apperrors.NewValidationError("invalid status", map[string]any{"status": *input.Status})
		}
		filter.Statuses = []domain.ConversationStatus{*input.Status}
	}

	assigned := strings.TrimSpace(input.AssignedTo)
	switch {
	case assigned == "unassigned":
		filter.Unassigned = true
	case assigned == "me" || (assigned != "" && assigned == actor.ID):
		filter.AssignedTo = &actor.ID
	case assigned != "":
		if !actor.IsAdmin() {
			return nil, apperrors.NewValidationError("agents can only filter their own conversations", map[string]any{"assigned_to": assigned})
		}
		filter.AssignedTo = &assigned
	case !actor.IsAdmin():
		filter.AssignedTo = &actor.ID
		filter.IncludeUnassigned = true
	}

	convs, err := s.uow.Repos().Conversations.List(ctx, filter)
	if err != nil {
		return nil, apperrors.MapError(err)
	}
	return convs, nil
}

// Assign sets the assignee. assignee is "me" or a user id.
func (s *ConversationService) Assign(ctx context.Context, actor *domain.User, id, assignee string) (*ConversationResult, error) {
	target := strings.TrimSpace(assignee)
	if target == "me" && actor != nil {
		target = actor.ID
	}

	return s.mutate(ctx, id, func(repos repository.Repositories, conv *domain.Conversation) (*ConversationResult, error) {
		if !s.policy.AllowsAssign(actor, &target) {
			return nil, apperrors.NewForbidden("agents may only self-assign")
		}
		if !isUUID(target) {
			return nil, apperrors.NewValidationError("invalid assignee", map[string]any{"assigned_to": assignee})
		}
		if err := requireUser(ctx, repos, target); err != nil {
			return nil, err
		}
		now := s.now().UTC()
		conv.AssignedTo = &target
		conv.AssignedAt = &now
		return &ConversationResult{Status: "assigned", AssignedTo: conv.AssignedTo}, nil
	})
}

// Accept assigns the conversation to the actor, opens it and hands them the lock.
func (s *ConversationService) Accept(ctx context.Context, actor *domain.User, id string) (*ConversationResult, error) {
	res, err := s.mutate(ctx, id, func(_ repository.Repositories, conv *domain.Conversation) (*ConversationResult, error) {
		if !s.policy.Allows(actor, conv, AbilityAccept) {
			return nil, apperrors.NewForbidden("not allowed to accept this conversation")
		}
		if conv.Status == domain.ConversationClosed {
			return nil, apperrors.NewConflict("cannot accept a closed conversation", nil)
		}
		now := s.now().UTC()
		conv.AssignedTo = &actor.ID
		conv.AssignedAt = &now
		conv.Status = domain.ConversationOpen
		return &ConversationResult{Status: "accepted", AssignedTo: conv.AssignedTo, AssignedName: &actor.Name}, nil
	})
	if err != nil {
		return nil, err
	}
	s.forceLock(ctx, id, actor.ID)
	return res, nil
}

func (s *ConversationService) forceLock(ctx context.Context, conversationID, actorID string) {
	if s.locks == nil {
		return
	}
	if _, err := s.locks.Release(ctx, conversationID, actorID, true); err != nil {
		s.logger.Warn("failed to release lock after accept", zap.String("conversation_id", conversationID), zap.Error(err))
		return
	}
	if _, err := s.locks.Acquire(ctx, conversationID, actorID); err != nil {
		s.logger.Warn("failed to acquire lock after accept", zap.String("conversation_id", conversationID), zap.Error(err))
	}
}

// Transfer moves the conversation to another assignee and/or queue.
func (s *ConversationService) Transfer(ctx context.Context, actor *domain.User, id string, input TransferInput) (*ConversationResult, error) {
	var target *string
	if input.AssignedToSet && input.AssignedTo != nil {
		if !isUUID(*input.AssignedTo) {
			return nil, apperrors.NewValidationError("invalid assignee", map[string]any{"assigned_to": *input.AssignedTo})
		}
		target = input.AssignedTo
	}
	if input.QueueID != nil && !isUUID(*input.QueueID) {
		return nil, apperrors.NewValidationError("invalid queue", map[string]any{"queue_id": *input.QueueID})
	}

	return s.mutate(ctx, id, func(repos repository.Repositories, conv *domain.Conversation) (*ConversationResult, error) {
		if !s.policy.AllowsTransfer(actor, conv, target) {
			return nil, apperrors.NewForbidden("not allowed to transfer this conversation")
		}
		if input.AssignedToSet {
			if target != nil {
				if err := requireUser(ctx, repos, *target); err != nil {
					return nil, err
				}
				now := s.now().UTC()
				conv.AssignedAt = &now
			} else {
				conv.AssignedAt = nil
			}
			conv.AssignedTo = target
		}
		if input.QueueID != nil {
			if _, err := repos.Queues.GetByID(ctx, *input.QueueID); err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return nil, apperrors.NewValidationError("queue not found", map[string]any{"queue_id": *input.QueueID})
				}
				return nil, err
			}
			conv.QueueID = input.QueueID
		}
		return &ConversationResult{Status: "transferred", AssignedTo: conv.AssignedTo, QueueID: conv.QueueID}, nil
	})
}

// Close ends the conversation.
func (s *ConversationService) Close(ctx context.Context, actor *domain.User, id string) (*ConversationResult, error) {
	return s.mutate(ctx, id, func(_ repository.Repositories, conv *domain.Conversation) (*ConversationResult, error) {
		if !s.policy.Allows(actor, conv, AbilityClose) {
			return nil, apperrors.NewForbidden("not allowed to close this conversation")
		}
		now := s.now().UTC()
		conv.Status = domain.ConversationClosed
		conv.ClosedAt = &now
		conv.ClosedBy = &actor.ID
		return &ConversationResult{Status: "closed", ClosedAt: conv.ClosedAt}, nil
	})
}

// Reopen brings a conversation back to open.
func (s *ConversationService) Reopen(ctx context.Context, actor *domain.User, id string) (*ConversationResult, error) {
	return s.mutate(ctx, id, func(_ repository.Repositories, conv *domain.Conversation) (*ConversationResult, error) {
		if !s.policy.Allows(actor, conv, AbilityReopen) {
			return nil, apperrors.NewForbidden("not allowed to reopen this conversation")
		}
		now := s.now().UTC()
		conv.Status = domain.ConversationOpen
		conv.ClosedAt = nil
		conv.ReopenedAt = &now
		return &ConversationResult{Status: "reopened"}, nil
	})
}

// UpdateStatus sets an arbitrary lifecycle status.
func (s *ConversationService) UpdateStatus(ctx context.Context, actor *domain.User, id string, status domain.ConversationStatus) (*ConversationResult, error) {
	return s.mutate(ctx, id, func(_ repository.Repositories, conv *domain.Conversation) (*ConversationResult, error) {
		if !s.policy.Allows(actor, conv, AbilityUpdate) {
			return nil, apperrors.NewForbidden("not allowed to update this conversation")
		}
		if !status.Valid() {
			return nil, apperrors.NewValidationError("invalid status", map[string]any{"status": status})
		}
		conv.Status = status
		if status == domain.ConversationClosed {
			now := s.now().UTC()
			conv.ClosedAt = &now
		} else {
			conv.ClosedAt = nil
		}
		return &ConversationResult{Status: "updated", ConversationStatus: &conv.Status}, nil
	})
}

// MarkRead clears the unread counter.
func (s *ConversationService) MarkRead(ctx context.Context, actor *domain.User, id string) (*ConversationResult, error) {
	var conv *domain.Conversation
	err := s.uow.WithinTx(ctx, func(repos repository.Repositories) error {
		var err error
		conv, err = loadConversation(ctx, repos, id, true)
		if err != nil {
			return err
		}
		if !s.policy.Allows(actor, conv, AbilityRead) {
			return apperrors.NewForbidden("not allowed to read this conversation")
		}
		if err := repos.Conversations.MarkRead(ctx, id); err != nil {
			return err
		}
		conv.UnreadCount = 0
		return nil
	})
	if err != nil {
		return nil, apperrors.MapError(err)
	}
	s.notify(ctx, conv, actor)
	zero := 0
	return &ConversationResult{Status: "read", UnreadCount: &zero}, nil
}

// Delete removes the conversation and its messages.
func (s *ConversationService) Delete(ctx context.Context, actor *domain.User, id string) (*ConversationResult, error) {
	err := s.uow.WithinTx(ctx, func(repos repository.Repositories) error {
		conv, err := loadConversation(ctx, repos, id, true)
		if err != nil {
			return err
		}
		if !s.policy.Allows(actor, conv, AbilityDelete) {
			return apperrors.NewForbidden("not allowed to delete this conversation")
		}
		return repos.Conversations.Delete(ctx, id)
	})
	if err != nil {
		return nil, apperrors.MapError(err)
	}
	return &ConversationResult{Status: "deleted"}, nil
}

// AcquireLock takes or renews the actor's editing lock.
func (s *ConversationService) AcquireLock(ctx context.Context, actor *domain.User, id string) (LockResult, error) {
	conv, err := loadConversation(ctx, s.uow.Repos(), id, false)
	if err != nil {
		return LockResult{}, err
	}
	if !s.policy.Allows(actor, conv, AbilityLock) {
		return LockResult{}, apperrors.NewForbidden("not allowed to lock this conversation")
	}
	res, err := s.locks.Acquire(ctx, id, actor.ID)
	if err != nil {
		return LockResult{}, apperrors.NewInternalError(err)
	}
	return res, nil
}

// ReleaseLock drops the lock. Admins release regardless of owner.
func (s *ConversationService) ReleaseLock(ctx context.Context, actor *domain.User, id string) (*ConversationResult, error) {
	conv, err := loadConversation(ctx, s.uow.Repos(), id, false)
	if err != nil {
		return nil, err
	}
	force := actor.IsAdmin()
	if !force && !s.policy.Allows(actor, conv, AbilityLock) {
		return nil, apperrors.NewForbidden("not allowed to release this lock")
	}
	released, err := s.locks.Release(ctx, id, actor.ID, force)
	if err != nil {
		return nil, apperrors.NewInternalError(err)
	}
	if !released && !force {
		return nil, apperrors.NewForbidden("not allowed to release this lock")
	}
	if released {
		return &ConversationResult{Status: "released"}, nil
	}
	return &ConversationResult{Status: "not_locked"}, nil
}

// mutate loads the conversation row-locked, applies fn, persists and notifies.
func (s *ConversationService) mutate(ctx context.Context, id string, fn func(repository.Repositories, *domain.Conversation) (*ConversationResult, error)) (*ConversationResult, error) {
	var (
		res  *ConversationResult
		conv *domain.Conversation
	)
	err := s.uow.WithinTx(ctx, func(repos repository.Repositories) error {
		current, err := loadConversation(ctx, repos, id, true)
		if err != nil {
			return err
		}
		if res, err = fn(repos, current); err != nil {
			return err
		}
		if err := repos.Conversations.Update(ctx, current); err != nil {
			return mapWriteError(err)
		}
		// reload for the assignee name join
		conv, err = repos.Conversations.GetByID(ctx, id)
		return err
	})
	if err != nil {
		return nil, apperrors.MapError(err)
	}
	if res.AssignedTo != nil && res.AssignedName == nil {
		res.AssignedName = conv.AssignedName
	}
	s.notify(ctx, conv, nil)
	return res, nil
}

func (s *ConversationService) notify(ctx context.Context, conv *domain.Conversation, actor *domain.User) {
	box := events.NewOutbox()
	var actorID *string
	if actor != nil {
		actorID = &actor.ID
	}
	s.pub.conversationUpdated(box, conv, actorID)
	s.pub.flush(ctx, box)
}

// loadConversation maps a missing or malformed id to NotFound.
func loadConversation(ctx context.Context, repos repository.Repositories, id string, forUpdate bool) (*domain.Conversation, error) {
	if !isUUID(id) {
		return nil, apperrors.NewNotFound("conversation", map[string]any{"conversation_id": id})
	}
	var (
		conv *domain.Conversation
		err  error
	)
	if forUpdate {
		conv, err = repos.Conversations.GetByIDForUpdate(ctx, id)
	} else {
		conv, err = repos.Conversations.GetByID(ctx, id)
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NewNotFound("conversation", map[string]any{"conversation_id": id})
	}
	if err != nil {
		return nil, apperrors.MapError(err)
	}
	return conv, nil
}

func requireUser(ctx context.Context, repos repository.Repositories, id string) error {
	user, err := repos.Users.GetByID(ctx, id)
	if errors.Is(err, pgx.ErrNoRows) || (err == nil && !user.IsActive) {
		return apperrors.NewValidationError("assignee not found", map[string]any{"assigned_to": id})
	}
	return err
}

// mapWriteError turns the one-active-conversation index violation into a conflict.
func mapWriteError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return apperrors.NewConflict("contact already has an active conversation", nil)
	}
	return err
}

func isUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
