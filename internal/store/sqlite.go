// Package store provides storage backends for AssistBot.
//
// This file implements the SQLite-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/rentline/assistbot/internal/models"
	"github.com/rentline/assistbot/internal/util"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	// Apply options
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	// Determine DSN (required)
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	// Ensure the directory exists
	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	// Run migrations to ensure tables exist
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) CreateConversation(flowType models.FlowType) (*models.Conversation, error) {
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
		 VALUES (?, ?, ?, NULL, ?, NULL, ?, ?, NULL)`,
		c.ID, c.FlowType, c.CurrentStep, c.Status, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		slog.Error("SQLiteStore CreateConversation failed", "error", err, "flowType", flowType)
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	slog.Debug("SQLiteStore CreateConversation succeeded", "id", c.ID, "flowType", flowType)
	return &c, nil
}

func (s *SQLiteStore) GetConversation(id string) (*models.Conversation, error) {
	row := s.db.QueryRow(
		`SELECT id, flow_type, current_step, answers, status, contact_email, created_at, updated_at, completed_at
		 FROM conversations WHERE id = ?`, id,
	)
	c, err := scanConversationRow(row)
	if err == sql.ErrNoRows {
		slog.Debug("SQLiteStore GetConversation not found", "id", id)
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetConversation failed", "error", err, "id", id)
		return nil, fmt.Errorf("failed to get conversation %s: %w", id, err)
	}
	return &c, nil
}

func (s *SQLiteStore) SaveConversation(c models.Conversation) error {
	answers, err := marshalAnswers(c.Answers)
	if err != nil {
		slog.Error("SQLiteStore SaveConversation marshal failed", "error", err, "id", c.ID)
		return err
	}
	var completedAt interface{}
	if c.CompletedAt != nil {
		completedAt = *c.CompletedAt
	}
	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO conversations (id, flow_type, current_step, answers, status, contact_email, created_at, updated_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.FlowType, c.CurrentStep, answers, c.Status, nilIfEmpty(c.ContactEmail),
		c.CreatedAt, c.UpdatedAt, completedAt,
	)
	if err != nil {
		slog.Error("SQLiteStore SaveConversation failed", "error", err, "id", c.ID)
		return fmt.Errorf("failed to save conversation %s: %w", c.ID, err)
	}
	slog.Debug("SQLiteStore SaveConversation succeeded", "id", c.ID, "step", c.CurrentStep, "status", c.Status)
	return nil
}

func (s *SQLiteStore) ListConversations() ([]models.Conversation, error) {
	rows, err := s.db.Query(
		`SELECT id, flow_type, current_step, answers, status, contact_email, created_at, updated_at, completed_at
		 FROM conversations ORDER BY created_at DESC`,
	)
	if err != nil {
		slog.Error("SQLiteStore ListConversations query failed", "error", err)
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
	slog.Debug("SQLiteStore ListConversations succeeded", "count", len(conversations))
	return conversations, nil
}

func (s *SQLiteStore) AddMessage(m models.Message) error {
	_, err := s.db.Exec(
		`INSERT INTO messages (conversation_id, role, content, timestamp) VALUES (?, ?, ?, ?)`,
		m.ConversationID, m.Role, m.Content, m.Timestamp,
	)
	if err != nil {
		slog.Error("SQLiteStore AddMessage failed", "error", err, "conversationID", m.ConversationID)
		return fmt.Errorf("failed to insert message for %s: %w", m.ConversationID, err)
	}
	return nil
}

func (s *SQLiteStore) ListMessages(conversationID string, limit, offset int) ([]models.Message, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := s.db.Query(
		`SELECT conversation_id, role, content, timestamp FROM messages
		 WHERE conversation_id = ? ORDER BY id ASC LIMIT ? OFFSET ?`,
		conversationID, limit, offset,
	)
	if err != nil {
		slog.Error("SQLiteStore ListMessages query failed", "error", err, "conversationID", conversationID)
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

func (s *SQLiteStore) EnqueueNotification(conversationID, kind, payloadJSON, dedupeKey string) (string, error) {
	id := util.GenerateNotificationID()
	now := time.Now()

	if dedupeKey != "" {
		// Check for existing non-terminal record with same dedupe key
		var existingID string
		err := s.db.QueryRow(
			`SELECT id FROM notification_outbox WHERE dedupe_key = ? AND status NOT IN ('sent', 'failed')`,
			dedupeKey,
		).Scan(&existingID)
		if err == nil {
			slog.Debug("SQLiteStore.EnqueueNotification: dedupe hit", "dedupeKey", dedupeKey, "existingID", existingID)
			return existingID, nil
		}
		if err != sql.ErrNoRows {
			return "", fmt.Errorf("dedupe check failed: %w", err)
		}
	}

	_, err := s.db.Exec(
		`INSERT INTO notification_outbox (id, conversation_id, kind, payload_json, status, attempts, dedupe_key, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 'queued', 0, ?, ?, ?)`,
		id, conversationID, kind, payloadJSON, nilIfEmpty(dedupeKey), now, now,
	)
	if err != nil {
		return "", fmt.Errorf("enqueue notification failed: %w", err)
	}
	slog.Debug("SQLiteStore.EnqueueNotification", "id", id, "conversationID", conversationID, "kind", kind)
	return id, nil
}

func (s *SQLiteStore) ClaimDueNotifications(now time.Time, limit int) ([]NotificationRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, conversation_id, kind, payload_json, status, attempts, next_attempt_at, dedupe_key, locked_at, last_error, created_at, updated_at
		 FROM notification_outbox
		 WHERE status = 'queued' AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		 ORDER BY created_at ASC LIMIT ?`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due notifications query failed: %w", err)
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

	// Mark claimed records as sending
	for i := range records {
		_, err := s.db.Exec(
			`UPDATE notification_outbox SET status = 'sending', locked_at = ?, updated_at = ? WHERE id = ?`,
			now, now, records[i].ID,
		)
		if err != nil {
			return nil, fmt.Errorf("mark notification sending failed: %w", err)
		}
		records[i].Status = NotificationStatusSending
		records[i].LockedAt = &now
	}

	return records, nil
}

func (s *SQLiteStore) MarkNotificationSent(id string) error {
	now := time.Now()
	_, err := s.db.Exec(
		`UPDATE notification_outbox SET status = 'sent', locked_at = NULL, updated_at = ? WHERE id = ?`,
		now, id,
	)
	if err != nil {
		return fmt.Errorf("mark notification sent failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) FailNotification(id string, errMsg string, nextAttemptAt time.Time) error {
	now := time.Now()

	var attempts int
	err := s.db.QueryRow(`SELECT attempts FROM notification_outbox WHERE id = ?`, id).Scan(&attempts)
	if err != nil {
		return fmt.Errorf("fail notification lookup failed: %w", err)
	}

	attempts++
	if attempts >= MaxNotificationAttempts {
		_, err = s.db.Exec(
			`UPDATE notification_outbox SET status = 'failed', attempts = ?, last_error = ?, locked_at = NULL, updated_at = ? WHERE id = ?`,
			attempts, errMsg, now, id,
		)
	} else {
		_, err = s.db.Exec(
			`UPDATE notification_outbox SET status = 'queued', attempts = ?, last_error = ?, next_attempt_at = ?, locked_at = NULL, updated_at = ? WHERE id = ?`,
			attempts, errMsg, nextAttemptAt, now, id,
		)
	}
	if err != nil {
		return fmt.Errorf("fail notification update failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RequeueStaleNotifications(staleBefore time.Time) (int, error) {
	now := time.Now()
	result, err := s.db.Exec(
		`UPDATE notification_outbox SET status = 'queued', locked_at = NULL, updated_at = ? WHERE status = 'sending' AND locked_at < ?`,
		now, staleBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale notifications failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info("SQLiteStore.RequeueStaleNotifications", "requeued", n)
	}
	return int(n), nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}
