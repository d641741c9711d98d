// Package notify delivers completion notifications for finished conversations.
//
// A Notifier takes a rendered notification and pushes it out over some
// channel (SMTP email, Twilio SMS, or the process log as a fallback). The
// outbox sender in this package drains the durable notification outbox and
// hands each payload to the configured Notifier.
package notify

import (
	"context"
	"log/slog"
)

// Notification is a rendered, channel-agnostic notification ready to send.
type Notification struct {
	// Subject is the short summary line (email subject, SMS prefix).
	Subject string `json:"subject"`
	// Body is the full notification text.
	Body string `json:"body"`
	// Recipient is the user-supplied contact address, if one was collected.
	// The admin copy always goes to the configured admin address.
	Recipient string `json:"recipient,omitempty"`
}

// Notifier sends notifications over a concrete channel.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications to the structured log. It is the
// fallback channel when no email or SMS credentials are configured, and
// the default in tests.
type LogNotifier struct{}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

// Notify logs the notification at info level.
func (l *LogNotifier) Notify(ctx context.Context, n Notification) error {
	slog.Info("LogNotifier.Notify: notification",
		"subject", n.Subject,
		"recipient", n.Recipient,
		"body", n.Body)
	return nil
}
