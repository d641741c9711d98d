// Package store provides storage backends for AssistBot.
//
// This file implements the PostgreSQL-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/rentline/assistbot/internal/models"
	"github.com/rentline/assistbot/internal/util"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	// Apply options
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	// Determine DSN (required)
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	// Configure connection pool for better performance
	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}
	// Run migrations to ensure tables exist
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) CreateConversation(flowType models.FlowType) (*models.Conversation, error) {
	now := time.Now()
	c := models.Conversation{
		ID:          uuid.NewString(),
		FlowType:    flowType,
		CurrentStep: 0,
		Status:      models.ConversationStatusActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err := s.db.Exec(
		`INSERT INTO conversations (id, flow_type, current_step, answers, status, contact_email, created_at, updated_at, completed_at)
		 VALUES ($1, $2, $3, NULL, $4, NULL, $5, $6, NULL)`,
		c.ID, c.FlowType, c.CurrentStep, c.Status, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		slog.Error("PostgresStore CreateConversation failed", "error", err, "flowType", flowType)
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	slog.Debug("PostgresStore CreateConversation succeeded", "id", c.ID, "flowType", flowType)
	return &c, nil
}

func (s *PostgresStore) GetConversation(id string) (*models.Conversation, error) {
	row := s.db.QueryRow(
		`SELECT id, flow_type, current_step, answers, status, contact_email, created_at, updated_at, completed_at
		 FROM conversations WHERE id = $1`, id,
	)
	c, err := scanConversationRow(row)
	if err == sql.ErrNoRows {
		slog.Debug("PostgresStore GetConversation not found", "id", id)
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetConversation failed", "error", err, "id", id)
		return nil, fmt.Errorf("failed to get conversation %s: %w", id, err)
	}
	return &c, nil
}

func (s *PostgresStore) SaveConversation(c models.Conversation) error {
	answers, err := marshalAnswers(c.Answers)
	if err != nil {
		slog.Error("PostgresStore SaveConversation marshal failed", "error", err, "id", c.ID)
		return err
	}
	var completedAt interface{}
	if c.CompletedAt != nil {
		completedAt = *c.CompletedAt
	}
	_, err = s.db.Exec(
		`INSERT INTO conversations (id, flow_type, current_step, answers, status, contact_email, created_at, updated_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id) DO UPDATE SET
		   flow_type = EXCLUDED.flow_type,
		   current_step = EXCLUDED.current_step,
		   answers = EXCLUDED.answers,
		   status = EXCLUDED.status,
		   contact_email = EXCLUDED.contact_email,
		   updated_at = EXCLUDED.updated_at,
		   completed_at = EXCLUDED.completed_at`,
		c.ID, c.FlowType, c.CurrentStep, answers, c.Status, nilIfEmpty(c.ContactEmail),
		c.CreatedAt, c.UpdatedAt, completedAt,
	)
	if err != nil {
		slog.Error("PostgresStore SaveConversation failed", "error", err, "id", c.ID)
		return fmt.Errorf("failed to save conversation %s: %w", c.ID, err)
	}
	slog.Debug("PostgresStore SaveConversation succeeded", "id", c.ID, "step", c.CurrentStep, "status", c.Status)
	return nil
}

func (s *PostgresStore) ListConversations() ([]models.Conversation, error) {
	rows, err := s.db.Query(
		`SELECT id, flow_type, current_step, answers, status, contact_email, created_at, updated_at, completed_at
		 FROM conversations ORDER BY created_at DESC`,
	)
	if err != nil {
		slog.Error("PostgresStore ListConversations query failed", "error", err)
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	defer rows.Close()

	var conversations []models.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		conversations = append(conversations, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate conversation rows: %w", err)
	}
	slog.Debug("PostgresStore ListConversations succeeded", "count", len(conversations))
	return conversations, nil
}

func (s *PostgresStore) AddMessage(m models.Message) error {
	_, err := s.db.Exec(
		`INSERT INTO messages (conversation_id, role, content, timestamp) VALUES ($1, $2, $3, $4)`,
		m.ConversationID, m.Role, m.Content, m.Timestamp,
	)
	if err != nil {
		slog.Error("PostgresStore AddMessage failed", "error", err, "conversationID", m.ConversationID)
		return fmt.Errorf("failed to insert message for %s: %w", m.ConversationID, err)
	}
	return nil
}

func (s *PostgresStore) ListMessages(conversationID string, limit, offset int) ([]models.Message, error) {
	if limit <= 0 {
		limit = -1 // becomes LIMIT ALL via NULLIF below
	}
	rows, err := s.db.Query(
		`SELECT conversation_id, role, content, timestamp FROM messages
		 WHERE conversation_id = $1 ORDER BY id ASC LIMIT NULLIF($2, -1) OFFSET $3`,
		conversationID, limit, offset,
	)
	if err != nil {
		slog.Error("PostgresStore ListMessages query failed", "error", err, "conversationID", conversationID)
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ConversationID, &m.Role, &m.Content, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate message rows: %w", err)
	}
	return messages, nil
}

func (s *PostgresStore) EnqueueNotification(conversationID, kind, payloadJSON, dedupeKey string) (string, error) {
	id := util.GenerateNotificationID()
	now := time.Now()

	if dedupeKey != "" {
		var existingID string
		err := s.db.QueryRow(
			`SELECT id FROM notification_outbox WHERE dedupe_key = $1 AND status NOT IN ('sent', 'failed')`,
			dedupeKey,
		).Scan(&existingID)
		if err == nil {
			slog.Debug("PostgresStore.EnqueueNotification: dedupe hit", "dedupeKey", dedupeKey, "existingID", existingID)
			return existingID, nil
		}
		if err != sql.ErrNoRows {
			return "", fmt.Errorf("dedupe check failed: %w", err)
		}
	}

	_, err := s.db.Exec(
		`INSERT INTO notification_outbox (id, conversation_id, kind, payload_json, status, attempts, dedupe_key, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, 'queued', 0, $5, $6, $7)`,
		id, conversationID, kind, payloadJSON, nilIfEmpty(dedupeKey), now, now,
	)
	if err != nil {
		return "", fmt.Errorf("enqueue notification failed: %w", err)
	}
	slog.Debug("PostgresStore.EnqueueNotification", "id", id, "conversationID", conversationID, "kind", kind)
	return id, nil
}

func (s *PostgresStore) ClaimDueNotifications(now time.Time, limit int) ([]NotificationRecord, error) {
	// FOR UPDATE SKIP LOCKED keeps concurrent senders from claiming the same rows.
	rows, err := s.db.Query(
		`UPDATE notification_outbox SET status = 'sending', locked_at = $1, updated_at = $1
		 WHERE id IN (
		   SELECT id FROM notification_outbox
		   WHERE status = 'queued' AND (next_attempt_at IS NULL OR next_attempt_at <= $1)
		   ORDER BY created_at ASC LIMIT $2
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING id, conversation_id, kind, payload_json, status, attempts, next_attempt_at, dedupe_key, locked_at, last_error, created_at, updated_at`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due notifications failed: %w", err)
	}
	defer rows.Close()

	var records []NotificationRecord
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim due notifications iteration failed: %w", err)
	}
	return records, nil
}

func (s *PostgresStore) MarkNotificationSent(id string) error {
	now := time.Now()
	_, err := s.db.Exec(
		`UPDATE notification_outbox SET status = 'sent', locked_at = NULL, updated_at = $1 WHERE id = $2`,
		now, id,
	)
	if err != nil {
		return fmt.Errorf("mark notification sent failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) FailNotification(id string, errMsg string, nextAttemptAt time.Time) error {
	now := time.Now()

	var attempts int
	err := s.db.QueryRow(`SELECT attempts FROM notification_outbox WHERE id = $1`, id).Scan(&attempts)
	if err != nil {
		return fmt.Errorf("fail notification lookup failed: %w", err)
	}

	attempts++
	if attempts >= MaxNotificationAttempts {
		_, err = s.db.Exec(
			`UPDATE notification_outbox SET status = 'failed', attempts = $1, last_error = $2, locked_at = NULL, updated_at = $3 WHERE id = $4`,
			attempts, errMsg, now, id,
		)
	} else {
		_, err = s.db.Exec(
			`UPDATE notification_outbox SET status = 'queued', attempts = $1, last_error = $2, next_attempt_at = $3, locked_at = NULL, updated_at = $4 WHERE id = $5`,
			attempts, errMsg, nextAttemptAt, now, id,
		)
	}
	if err != nil {
		return fmt.Errorf("fail notification update failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) RequeueStaleNotifications(staleBefore time.Time) (int, error) {
	now := time.Now()
	result, err := s.db.Exec(
		`UPDATE notification_outbox SET status = 'queued', locked_at = NULL, updated_at = $1 WHERE status = 'sending' AND locked_at < $2`,
		now, staleBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale notifications failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info("PostgresStore.RequeueStaleNotifications", "requeued", n)
	}
	return int(n), nil
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close Postgres database", "error", err)
	}
	return err
}
