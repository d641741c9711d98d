package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/rentline/assistbot/internal/models"
	"github.com/rentline/assistbot/internal/notify"
	"github.com/rentline/assistbot/internal/store"
)

// BuildSummary renders the completed conversation as an ordered
// question -> answer report for the admin notification. Questions skipped by
// branch rules are omitted; the collected contact email goes last.
func BuildSummary(conv models.Conversation, def *FlowDefinition) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("Conversation %s (%s) completed.\n\n", conv.ID, conv.FlowType))
	for _, q := range def.Questions {
		value, ok := conv.Answer(q.Key)
		if !ok {
			continue
		}
		b.WriteString(q.Prompt + "\n")
		b.WriteString("  " + value + "\n")
	}
	if conv.ContactEmail != "" {
		b.WriteString("\nContact email: " + conv.ContactEmail + "\n")
	}
	return b.String()
}

// OutboxDispatcher enqueues completion notifications into the durable outbox.
// The conversation ID doubles as the dedupe key, so re-dispatching the same
// completion is a no-op while the first notification is still pending.
type OutboxDispatcher struct {
	repo store.OutboxRepo
}

// NewOutboxDispatcher creates a dispatcher backed by the given outbox.
func NewOutboxDispatcher(repo store.OutboxRepo) *OutboxDispatcher {
	return &OutboxDispatcher{repo: repo}
}

// Dispatch renders the summary and enqueues it for delivery. The background
// sender picks it up from the outbox; this never blocks on the notification
// channel itself.
func (d *OutboxDispatcher) Dispatch(ctx context.Context, conv models.Conversation, def *FlowDefinition) error {
	n := notify.Notification{
		Subject:   def.Subject,
		Body:      BuildSummary(conv, def),
		Recipient: conv.ContactEmail,
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification for %s: %w", conv.ID, err)
	}

	id, err := d.repo.EnqueueNotification(conv.ID, def.CompletionAction, string(payload), conv.ID)
	if err != nil {
		return fmt.Errorf("failed to enqueue notification for %s: %w", conv.ID, err)
	}
	slog.Debug("OutboxDispatcher.Dispatch: notification enqueued", "conversationID", conv.ID, "notificationID", id)
	return nil
}
