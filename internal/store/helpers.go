package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/rentline/assistbot/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// marshalAnswers serializes the ordered answer list for storage. Empty lists
// are stored as NULL.
func marshalAnswers(answers []models.Answer) (interface{}, error) {
	if len(answers) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(answers)
	if err != nil {
		return nil, fmt.Errorf("marshal answers failed: %w", err)
	}
	return string(b), nil
}

// scanConversation scans a Conversation from sql.Rows.
func scanConversation(rows *sql.Rows) (models.Conversation, error) {
	var c models.Conversation
	var answersJSON, contactEmail sql.NullString
	var completedAt sql.NullTime
	err := rows.Scan(
		&c.ID, &c.FlowType, &c.CurrentStep, &answersJSON, &c.Status,
		&contactEmail, &c.CreatedAt, &c.UpdatedAt, &completedAt,
	)
	if err != nil {
		return c, fmt.Errorf("scan conversation failed: %w", err)
	}
	return finishConversationScan(c, answersJSON, contactEmail, completedAt)
}

// scanConversationRow scans a Conversation from a single sql.Row.
func scanConversationRow(row *sql.Row) (models.Conversation, error) {
	var c models.Conversation
	var answersJSON, contactEmail sql.NullString
	var completedAt sql.NullTime
	err := row.Scan(
		&c.ID, &c.FlowType, &c.CurrentStep, &answersJSON, &c.Status,
		&contactEmail, &c.CreatedAt, &c.UpdatedAt, &completedAt,
	)
	if err != nil {
		return c, err
	}
	return finishConversationScan(c, answersJSON, contactEmail, completedAt)
}

func finishConversationScan(c models.Conversation, answersJSON, contactEmail sql.NullString, completedAt sql.NullTime) (models.Conversation, error) {
	if answersJSON.Valid && answersJSON.String != "" {
		if err := json.Unmarshal([]byte(answersJSON.String), &c.Answers); err != nil {
			return c, fmt.Errorf("unmarshal answers failed: %w", err)
		}
	}
	c.ContactEmail = contactEmail.String
	if completedAt.Valid {
		c.CompletedAt = &completedAt.Time
	}
	return c, nil
}

// scanNotification scans a NotificationRecord from sql.Rows.
func scanNotification(rows *sql.Rows) (NotificationRecord, error) {
	var n NotificationRecord
	var payloadJSON, dedupeKey, lastError sql.NullString
	var nextAttemptAt, lockedAt sql.NullTime
	err := rows.Scan(
		&n.ID, &n.ConversationID, &n.Kind, &payloadJSON, &n.Status, &n.Attempts,
		&nextAttemptAt, &dedupeKey, &lockedAt, &lastError, &n.CreatedAt, &n.UpdatedAt,
	)
	if err != nil {
		return n, fmt.Errorf("scan notification failed: %w", err)
	}
	n.PayloadJSON = payloadJSON.String
	n.DedupeKey = dedupeKey.String
	n.LastError = lastError.String
	if nextAttemptAt.Valid {
		n.NextAttemptAt = &nextAttemptAt.Time
	}
	if lockedAt.Valid {
		n.LockedAt = &lockedAt.Time
	}
	return n, nil
}
