// Package store provides storage backends for AssistBot.
//
// It includes an in-memory store for tests and development, plus persistent
// SQLite and PostgreSQL backends for conversations, the message log, and the
// notification outbox.
package store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rentline/assistbot/internal/models"
	"github.com/rentline/assistbot/internal/util"
)

// Store is the persistence contract used by the flow engine and the API.
//
// GetConversation returns (nil, nil) when the id is unknown; callers decide
// whether that is an error. SaveConversation is full-state last-writer-wins.
type Store interface {
	CreateConversation(flowType models.FlowType) (*models.Conversation, error)
	GetConversation(id string) (*models.Conversation, error)
	SaveConversation(c models.Conversation) error
	ListConversations() ([]models.Conversation, error)

	// AddMessage appends to the conversation's message log. Messages are
	// never edited or reordered.
	AddMessage(m models.Message) error
	// ListMessages returns messages in insertion order. limit <= 0 means no
	// limit; offset skips that many messages from the start.
	ListMessages(conversationID string, limit, offset int) ([]models.Message, error)

	OutboxRepo

	Close() error
}

// Opts holds configuration options for persistent store backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store constructors.
type Option func(*Opts)

// WithDSN sets the database connection string (file path for SQLite,
// connection URL for Postgres).
func WithDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// InMemoryStore is a non-durable Store implementation for tests and local
// development.
type InMemoryStore struct {
	mu            sync.Mutex
	conversations map[string]models.Conversation
	messages      map[string][]models.Message
	outbox        map[string]NotificationRecord
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		conversations: make(map[string]models.Conversation),
		messages:      make(map[string][]models.Message),
		outbox:        make(map[string]NotificationRecord),
	}
}

func (s *InMemoryStore) CreateConversation(flowType models.FlowType) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	c := models.Conversation{
		ID:          uuid.NewString(),
		FlowType:    flowType,
		CurrentStep: 0,
		Status:      models.ConversationStatusActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.conversations[c.ID] = c
	out := c
	return &out, nil
}

func (s *InMemoryStore) GetConversation(id string) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[id]
	if !ok {
		return nil, nil
	}
	out := c
	out.Answers = append([]models.Answer(nil), c.Answers...)
	return &out, nil
}

func (s *InMemoryStore) SaveConversation(c models.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c.Answers = append([]models.Answer(nil), c.Answers...)
	s.conversations[c.ID] = c
	return nil
}

func (s *InMemoryStore) ListConversations() ([]models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) AddMessage(m models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.messages[m.ConversationID] = append(s.messages[m.ConversationID], m)
	return nil
}

func (s *InMemoryStore) ListMessages(conversationID string, limit, offset int) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := s.messages[conversationID]
	if offset >= len(msgs) {
		return nil, nil
	}
	if offset > 0 {
		msgs = msgs[offset:]
	}
	if limit > 0 && limit < len(msgs) {
		msgs = msgs[:limit]
	}
	return append([]models.Message(nil), msgs...), nil
}

func (s *InMemoryStore) EnqueueNotification(conversationID, kind, payloadJSON, dedupeKey string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if dedupeKey != "" {
		for _, rec := range s.outbox {
			if rec.DedupeKey == dedupeKey && rec.Status != NotificationStatusSent && rec.Status != NotificationStatusFailed {
				return rec.ID, nil
			}
		}
	}

	now := time.Now()
	rec := NotificationRecord{
		ID:             util.GenerateNotificationID(),
		ConversationID: conversationID,
		Kind:           kind,
		PayloadJSON:    payloadJSON,
		Status:         NotificationStatusQueued,
		DedupeKey:      dedupeKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.outbox[rec.ID] = rec
	return rec.ID, nil
}

func (s *InMemoryStore) ClaimDueNotifications(now time.Time, limit int) ([]NotificationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []NotificationRecord
	for _, rec := range s.outbox {
		if rec.Status != NotificationStatusQueued {
			continue
		}
		if rec.NextAttemptAt != nil && rec.NextAttemptAt.After(now) {
			continue
		}
		due = append(due, rec)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	if limit > 0 && limit < len(due) {
		due = due[:limit]
	}
	for i := range due {
		due[i].Status = NotificationStatusSending
		lockedAt := now
		due[i].LockedAt = &lockedAt
		due[i].UpdatedAt = now
		s.outbox[due[i].ID] = due[i]
	}
	return due, nil
}

func (s *InMemoryStore) MarkNotificationSent(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.outbox[id]
	if !ok {
		return fmt.Errorf("notification %s not found", id)
	}
	rec.Status = NotificationStatusSent
	rec.LockedAt = nil
	rec.UpdatedAt = time.Now()
	s.outbox[id] = rec
	return nil
}

func (s *InMemoryStore) FailNotification(id string, errMsg string, nextAttemptAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.outbox[id]
	if !ok {
		return fmt.Errorf("notification %s not found", id)
	}
	rec.Attempts++
	rec.LastError = errMsg
	rec.LockedAt = nil
	rec.UpdatedAt = time.Now()
	if rec.Attempts >= MaxNotificationAttempts {
		rec.Status = NotificationStatusFailed
	} else {
		rec.Status = NotificationStatusQueued
		next := nextAttemptAt
		rec.NextAttemptAt = &next
	}
	s.outbox[id] = rec
	return nil
}

func (s *InMemoryStore) RequeueStaleNotifications(staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, rec := range s.outbox {
		if rec.Status == NotificationStatusSending && rec.LockedAt != nil && rec.LockedAt.Before(staleBefore) {
			rec.Status = NotificationStatusQueued
			rec.LockedAt = nil
			rec.UpdatedAt = time.Now()
			s.outbox[id] = rec
			n++
		}
	}
	return n, nil
}

// GetNotification returns an outbox record by id (nil when absent).
func (s *InMemoryStore) GetNotification(id string) (*NotificationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.outbox[id]
	if !ok {
		return nil, nil
	}
	out := rec
	return &out, nil
}

func (s *InMemoryStore) Close() error { return nil }
