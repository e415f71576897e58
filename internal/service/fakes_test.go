package service

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/relaykit/wa-relay/internal/domain"
	"github.com/relaykit/wa-relay/internal/events"
	"github.com/relaykit/wa-relay/internal/gatewayclient"
	"github.com/relaykit/wa-relay/internal/media"
	"github.com/relaykit/wa-relay/internal/repository"
	apperrors "github.com/relaykit/wa-relay/pkg/util/errorutil"
)

// memStore is an in-memory UnitOfWork. A failed WithinTx restores the state
// captured when it started.
type memStore struct {
	mu            sync.Mutex
	contacts      map[string]domain.Contact
	conversations map[string]domain.Conversation
	messages      map[string]domain.Message
	queues        map[string]domain.Queue
	users         map[string]domain.User
	events        map[string]domain.WebhookEvent

	lastFilter repository.ConversationFilter
	seq        int
}

func newMemStore() *memStore {
	return &memStore{
		contacts:      map[string]domain.Contact{},
		conversations: map[string]domain.Conversation{},
		messages:      map[string]domain.Message{},
		queues:        map[string]domain.Queue{},
		users:         map[string]domain.User{},
		events:        map[string]domain.WebhookEvent{},
	}
}

func (s *memStore) Repos() repository.Repositories {
	return repository.Repositories{
		Contacts:      memContacts{s},
		Conversations: memConversations{s},
		Messages:      memMessages{s},
		Queues:        memQueues{s},
		Users:         memUsers{s},
		WebhookEvents: memEvents{s},
	}
}

func (s *memStore) WithinTx(_ context.Context, fn func(repository.Repositories) error) error {
	s.mu.Lock()
	snap := s.snapshot()
	s.mu.Unlock()
	if err := fn(s.Repos()); err != nil {
		s.mu.Lock()
		s.restore(snap)
		s.mu.Unlock()
		return err
	}
	return nil
}

type memSnapshot struct {
	contacts      map[string]domain.Contact
	conversations map[string]domain.Conversation
	messages      map[string]domain.Message
	events        map[string]domain.WebhookEvent
}

func (s *memStore) snapshot() memSnapshot {
	return memSnapshot{
		contacts:      cloneMap(s.contacts),
		conversations: cloneMap(s.conversations),
		messages:      cloneMap(s.messages),
		events:        cloneMap(s.events),
	}
}

func (s *memStore) restore(snap memSnapshot) {
	s.contacts = snap.contacts
	s.conversations = snap.conversations
	s.messages = snap.messages
	s.events = snap.events
}

func cloneMap[V any](in map[string]V) map[string]V {
	out := make(map[string]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// tick returns strictly increasing creation times.
func (s *memStore) tick() time.Time {
	s.seq++
	return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(s.seq) * time.Second)
}

// seed helpers

func (s *memStore) addUser(role domain.UserRole, name string) *domain.User {
	u := domain.User{ID: uuid.NewString(), Name: name, Email: strings.ToLower(name) + "@example.com", Role: role, IsActive: true}
	s.users[u.ID] = u
	return &u
}

func (s *memStore) addQueue(name string, isDefault bool) string {
	q := domain.Queue{ID: uuid.NewString(), Name: name, IsDefault: isDefault}
	s.queues[q.ID] = q
	return q.ID
}

func (s *memStore) addContact(waID string) *domain.Contact {
	c := domain.Contact{ID: uuid.NewString(), WaID: waID}
	s.contacts[c.ID] = c
	return &c
}

func (s *memStore) addConversation(contactID string, status domain.ConversationStatus, assignedTo *string) *domain.Conversation {
	c := domain.Conversation{ID: uuid.NewString(), ContactID: contactID, Status: status, AssignedTo: assignedTo, CreatedAt: s.tick()}
	s.conversations[c.ID] = c
	return &c
}

func (s *memStore) addMessage(m domain.Message) *domain.Message {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.ClientMessageID == "" {
		m.ClientMessageID = uuid.NewString()
	}
	m.CreatedAt = s.tick()
	s.messages[m.ID] = m
	return &m
}

func (s *memStore) conversation(id string) domain.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversations[id]
}

func (s *memStore) message(id string) (domain.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	return m, ok
}

func (s *memStore) messagesIn(conversationID string) []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Message
	for _, m := range s.messages {
		if m.ConversationID == conversationID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

type memContacts struct{ s *memStore }

func (r memContacts) InsertIfAbsent(_ context.Context, waID string, phone, displayName *string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, c := range r.s.contacts {
		if c.WaID == waID {
			return nil
		}
	}
	c := domain.Contact{ID: uuid.NewString(), WaID: waID, Phone: phone, DisplayName: displayName}
	r.s.contacts[c.ID] = c
	return nil
}

func (r memContacts) GetByID(_ context.Context, id string) (*domain.Contact, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.contacts[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return &c, nil
}

func (r memContacts) GetByWaIDForUpdate(_ context.Context, waID string) (*domain.Contact, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, c := range r.s.contacts {
		if c.WaID == waID {
			return &c, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (r memContacts) UpdateProfile(_ context.Context, id string, phone, displayName *string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.contacts[id]
	if !ok {
		return pgx.ErrNoRows
	}
	if phone != nil {
		c.Phone = phone
	}
	if displayName != nil {
		c.DisplayName = displayName
	}
	r.s.contacts[id] = c
	return nil
}

type memConversations struct{ s *memStore }

func (r memConversations) Create(_ context.Context, conv *domain.Conversation) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	conv.CreatedAt = r.s.tick()
	r.s.conversations[conv.ID] = *conv
	return nil
}

func (r memConversations) Update(_ context.Context, conv *domain.Conversation) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if conv.Status.Active() {
		for _, other := range r.s.conversations {
			if other.ID != conv.ID && other.ContactID == conv.ContactID && other.Status.Active() {
				return &pgconn.PgError{Code: "23505"}
			}
		}
	}
	stored := *conv
	stored.AssignedName = nil
	stored.Contact = nil
	r.s.conversations[conv.ID] = stored
	return nil
}

func (r memConversations) get(id string) (*domain.Conversation, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.conversations[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	if c.AssignedTo != nil {
		if u, ok := r.s.users[*c.AssignedTo]; ok {
			name := u.Name
			c.AssignedName = &name
		}
	}
	return &c, nil
}

func (r memConversations) GetByID(_ context.Context, id string) (*domain.Conversation, error) {
	return r.get(id)
}

func (r memConversations) GetByIDForUpdate(_ context.Context, id string) (*domain.Conversation, error) {
	return r.get(id)
}

func (r memConversations) latest(contactID string, match func(domain.Conversation) bool) (*domain.Conversation, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var found *domain.Conversation
	for _, c := range r.s.conversations {
		if c.ContactID != contactID || !match(c) {
			continue
		}
		if found == nil || c.CreatedAt.After(found.CreatedAt) {
			found = &c
		}
	}
	if found == nil {
		return nil, pgx.ErrNoRows
	}
	return found, nil
}

func (r memConversations) LatestActiveForUpdate(_ context.Context, contactID string) (*domain.Conversation, error) {
	return r.latest(contactID, func(c domain.Conversation) bool { return c.Status.Active() })
}

func (r memConversations) LatestClosed(_ context.Context, contactID string) (*domain.Conversation, error) {
	return r.latest(contactID, func(c domain.Conversation) bool { return c.Status == domain.ConversationClosed })
}

func (r memConversations) edit(id string, fn func(*domain.Conversation)) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.conversations[id]
	if !ok {
		return pgx.ErrNoRows
	}
	fn(&c)
	r.s.conversations[id] = c
	return nil
}

func (r memConversations) Reopen(_ context.Context, id string, at time.Time) error {
	return r.edit(id, func(c *domain.Conversation) {
		c.Status = domain.ConversationOpen
		c.ClosedAt, c.AssignedTo, c.AssignedAt = nil, nil, nil
		c.ReopenedAt = &at
	})
}

func (r memConversations) TouchLastMessage(_ context.Context, id string, at time.Time, preview string, incrementUnread bool) error {
	return r.edit(id, func(c *domain.Conversation) {
		c.LastMessageAt = &at
		c.LastMessagePreview = &preview
		if incrementUnread {
			c.UnreadCount++
		}
	})
}

func (r memConversations) SetLastMessage(_ context.Context, id string, at *time.Time, preview *string) error {
	return r.edit(id, func(c *domain.Conversation) {
		c.LastMessageAt = at
		c.LastMessagePreview = preview
	})
}

func (r memConversations) MarkRead(_ context.Context, id string) error {
	return r.edit(id, func(c *domain.Conversation) { c.UnreadCount = 0 })
}

func (r memConversations) Delete(_ context.Context, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	delete(r.s.conversations, id)
	for mid, m := range r.s.messages {
		if m.ConversationID == id {
			delete(r.s.messages, mid)
		}
	}
	return nil
}

func (r memConversations) List(_ context.Context, filter repository.ConversationFilter) ([]domain.Conversation, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.lastFilter = filter
	var out []domain.Conversation
	for _, c := range r.s.conversations {
		switch {
		case filter.Unassigned && !c.Unassigned():
			continue
		case filter.AssignedTo != nil && !c.IsAssignedTo(*filter.AssignedTo) && !(filter.IncludeUnassigned && c.Unassigned()):
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

type memMessages struct{ s *memStore }

func (r memMessages) Create(_ context.Context, msg *domain.Message) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.CreatedAt = r.s.tick()
	stored := *msg
	stored.ReplyTo = nil
	r.s.messages[msg.ID] = stored
	return nil
}

func (r memMessages) InsertIfAbsent(ctx context.Context, msg *domain.Message) (bool, error) {
	if msg.WaMessageID != nil {
		if exists, _ := r.ExistsByWaMessageID(ctx, *msg.WaMessageID); exists {
			return false, nil
		}
	}
	return true, r.Create(ctx, msg)
}

func (r memMessages) GetByID(_ context.Context, id string) (*domain.Message, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m, ok := r.s.messages[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return &m, nil
}

func (r memMessages) find(match func(domain.Message) bool) (*domain.Message, bool) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, m := range r.s.messages {
		if match(m) {
			return &m, true
		}
	}
	return nil, false
}

func (r memMessages) GetByWaMessageID(_ context.Context, waMessageID string) (*domain.Message, error) {
	m, ok := r.find(func(m domain.Message) bool { return deref(m.WaMessageID) == waMessageID })
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return m, nil
}

func (r memMessages) ExistsByWaMessageID(_ context.Context, waMessageID string) (bool, error) {
	_, ok := r.find(func(m domain.Message) bool { return deref(m.WaMessageID) == waMessageID })
	return ok, nil
}

func (r memMessages) ExistsByFingerprint(_ context.Context, fingerprint string) (bool, error) {
	_, ok := r.find(func(m domain.Message) bool { return deref(m.InboundFingerprint) == fingerprint })
	return ok, nil
}

func (r memMessages) AdvanceStatus(_ context.Context, id string, status domain.MessageStatus, waTimestamp time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m, ok := r.s.messages[id]
	if !ok || m.Status.Rank() >= status.Rank() {
		return false, nil
	}
	m.Status = status
	m.WaTimestamp = &waTimestamp
	r.s.messages[id] = m
	return true, nil
}

func (r memMessages) MarkSent(_ context.Context, id, waMessageID string, waTimestamp time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m, ok := r.s.messages[id]
	if !ok || (m.Status != domain.StatusPending && m.Status != domain.StatusFailed) {
		return false, nil
	}
	m.Status = domain.StatusSent
	m.WaMessageID = &waMessageID
	m.WaTimestamp = &waTimestamp
	m.ErrorCode, m.ErrorMessage = nil, nil
	r.s.messages[id] = m
	return true, nil
}

func (r memMessages) MarkFailed(_ context.Context, id, code, message string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m, ok := r.s.messages[id]
	if !ok || (m.Status != domain.StatusPending && m.Status != domain.StatusFailed) {
		return false, nil
	}
	m.Status = domain.StatusFailed
	m.ErrorCode = &code
	m.ErrorMessage = &message
	r.s.messages[id] = m
	return true, nil
}

func (r memMessages) ListByConversation(_ context.Context, conversationID string, limit int, before *time.Time) ([]domain.Message, error) {
	all := r.s.messagesIn(conversationID)
	var out []domain.Message
	for _, m := range all {
		if before == nil || m.CreatedAt.Before(*before) {
			out = append(out, m)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (r memMessages) Latest(_ context.Context, conversationID string) (*domain.Message, error) {
	all := r.s.messagesIn(conversationID)
	if len(all) == 0 {
		return nil, pgx.ErrNoRows
	}
	return &all[len(all)-1], nil
}

func (r memMessages) ListPendingOutbound(_ context.Context, limit int) ([]domain.Message, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []domain.Message
	for _, m := range r.s.messages {
		if m.Direction == domain.DirectionOut && m.Status == domain.StatusPending && len(out) < limit {
			out = append(out, m)
		}
	}
	return out, nil
}

func (r memMessages) Delete(_ context.Context, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	delete(r.s.messages, id)
	return nil
}

type memQueues struct{ s *memStore }

func (r memQueues) GetByID(_ context.Context, id string) (*domain.Queue, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	q, ok := r.s.queues[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return &q, nil
}

func (r memQueues) DefaultID(_ context.Context) (string, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, q := range r.s.queues {
		if q.IsDefault {
			return q.ID, nil
		}
	}
	q := domain.Queue{ID: uuid.NewString(), Name: domain.DefaultQueueName, IsDefault: true}
	r.s.queues[q.ID] = q
	return q.ID, nil
}

type memUsers struct{ s *memStore }

func (r memUsers) GetByID(_ context.Context, id string) (*domain.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u, ok := r.s.users[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return &u, nil
}

func (r memUsers) GetByEmail(_ context.Context, email string) (*domain.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, u := range r.s.users {
		if strings.EqualFold(u.Email, email) {
			return &u, nil
		}
	}
	return nil, pgx.ErrNoRows
}

type memEvents struct{ s *memStore }

// InsertIfAbsent lets failed events through again so redelivery retries them.
func (r memEvents) InsertIfAbsent(_ context.Context, event *domain.WebhookEvent) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if existing, ok := r.s.events[event.EventID]; ok && existing.Status != domain.WebhookEventFailed {
		return false, nil
	}
	r.s.events[event.EventID] = *event
	return true, nil
}

func (r memEvents) MarkResult(_ context.Context, eventID string, status domain.WebhookEventStatus, processedAt time.Time, errMsg *string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	e, ok := r.s.events[eventID]
	if !ok {
		return pgx.ErrNoRows
	}
	e.Status = status
	e.ProcessedAt = &processedAt
	e.Error = errMsg
	r.s.events[eventID] = e
	return nil
}

// recordingDispatcher collects published events.
type recordingDispatcher struct {
	mu     sync.Mutex
	events []events.Event
}

func (d *recordingDispatcher) Publish(_ context.Context, e events.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, e)
	return nil
}

func (d *recordingDispatcher) Subscribe(events.EventType, events.EventHandler) {}

func (d *recordingDispatcher) types() []events.EventType {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]events.EventType, 0, len(d.events))
	for _, e := range d.events {
		out = append(out, e.Type)
	}
	return out
}

// fakeGateway records sends and revokes.
type fakeGateway struct {
	mu         sync.Mutex
	configured bool
	sendErr    error
	revokeErr  error
	waID       string
	sent       []gatewayclient.SendRequest
	revoked    []gatewayclient.RevokeRequest
	// onSend runs after a send is recorded, outside the lock.
	onSend func()
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{configured: true, waID: "WAID-1"}
}

func (g *fakeGateway) Configured() bool { return g.configured }

func (g *fakeGateway) Send(_ context.Context, req gatewayclient.SendRequest, _ string) (gatewayclient.SendResponse, error) {
	g.mu.Lock()
	g.sent = append(g.sent, req)
	sendErr, waID, hook := g.sendErr, g.waID, g.onSend
	g.mu.Unlock()
	if hook != nil {
		hook()
	}
	if sendErr != nil {
		return gatewayclient.SendResponse{}, sendErr
	}
	resp := gatewayclient.SendResponse{OK: true, WaTimestamp: "2024-02-01T10:00:00Z"}
	if waID != "" {
		resp.WaMessageID = &waID
	}
	return resp, nil
}

func (g *fakeGateway) Revoke(_ context.Context, req gatewayclient.RevokeRequest) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.revoked = append(g.revoked, req)
	return g.revokeErr
}

// fakeMedia stores objects in memory.
type fakeMedia struct {
	mu      sync.Mutex
	objects map[string][]byte
	putErr  error
}

func newFakeMedia() *fakeMedia {
	return &fakeMedia{objects: map[string][]byte{}}
}

func (m *fakeMedia) Put(_ context.Context, name, mime string, data []byte) (media.Object, error) {
	if m.putErr != nil {
		return media.Object{}, m.putErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	path := "media/" + uuid.NewString() + "-" + name
	m.objects[path] = data
	return media.Object{Path: path, URL: "https://media.test/" + path, Mime: mime, Size: int64(len(data))}, nil
}

func (m *fakeMedia) URL(_ context.Context, storagePath string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[storagePath]; !ok {
		return "", errors.New("object not found")
	}
	return "https://media.test/signed/" + storagePath, nil
}

// fakeQueue records enqueued ids.
type fakeQueue struct {
	mu  sync.Mutex
	ids []string
}

func (q *fakeQueue) Enqueue(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ids = append(q.ids, id)
}

func statusOf(err error) int {
	var de *apperrors.DomainError
	if errors.As(err, &de) {
		return de.HTTPStatus
	}
	return 0
}

func ptr[T any](v T) *T {
	return &v
}
