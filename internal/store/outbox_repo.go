// Package store provides the OutboxRepo interface for restart-safe admin
// notification delivery.
package store

import (
	"time"
)

// NotificationStatus represents the lifecycle state of an outbox record.
type NotificationStatus string

const (
	NotificationStatusQueued  NotificationStatus = "queued"
	NotificationStatusSending NotificationStatus = "sending"
	NotificationStatusSent    NotificationStatus = "sent"
	NotificationStatusFailed  NotificationStatus = "failed"
)

// MaxNotificationAttempts is the number of delivery attempts before a
// notification is marked failed for good.
const MaxNotificationAttempts = 5

// NotificationRecord is a durable outgoing admin notification.
type NotificationRecord struct {
	ID             string             `json:"id"`
	ConversationID string             `json:"conversation_id"`
	Kind           string             `json:"kind"`
	PayloadJSON    string             `json:"payload_json"`
	Status         NotificationStatus `json:"status"`
	Attempts       int                `json:"attempts"`
	NextAttemptAt  *time.Time         `json:"next_attempt_at,omitempty"`
	DedupeKey      string             `json:"dedupe_key,omitempty"`
	LockedAt       *time.Time         `json:"locked_at,omitempty"`
	LastError      string             `json:"last_error,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// OutboxRepo defines the interface for durable notification persistence.
type OutboxRepo interface {
	// EnqueueNotification inserts a new outbox record. If dedupeKey is
	// non-empty and a non-terminal record with that key exists, returns the
	// existing ID instead of inserting a duplicate.
	EnqueueNotification(conversationID, kind, payloadJSON, dedupeKey string) (string, error)

	// ClaimDueNotifications marks up to limit queued records whose
	// next_attempt_at <= now (or is NULL) as sending and returns them.
	ClaimDueNotifications(now time.Time, limit int) ([]NotificationRecord, error)

	// MarkNotificationSent marks a record as successfully delivered.
	MarkNotificationSent(id string) error

	// FailNotification records a delivery failure. The record is requeued for
	// nextAttemptAt unless it has exhausted MaxNotificationAttempts, in which
	// case it is marked failed.
	FailNotification(id string, errMsg string, nextAttemptAt time.Time) error

	// RequeueStaleNotifications resets records stuck in sending since before
	// staleBefore back to queued (crash recovery).
	RequeueStaleNotifications(staleBefore time.Time) (int, error)
}
