package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/rentline/assistbot/internal/store"
)

// Sender periodically claims due notifications from the outbox and attempts
// to deliver them through the configured Notifier.
type Sender struct {
	repo           store.OutboxRepo
	notifier       Notifier
	pollInterval   time.Duration
	staleThreshold time.Duration
	claimLimit     int
}

// NewSender creates a new outbox Sender.
func NewSender(repo store.OutboxRepo, notifier Notifier, pollInterval time.Duration) *Sender {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &Sender{
		repo:           repo,
		notifier:       notifier,
		pollInterval:   pollInterval,
		staleThreshold: 5 * time.Minute,
		claimLimit:     10,
	}
}

// RecoverStaleNotifications requeues notifications stuck in sending state
// (crash recovery). Should be called once at startup.
func (s *Sender) RecoverStaleNotifications() error {
	staleBefore := time.Now().Add(-s.staleThreshold)
	n, err := s.repo.RequeueStaleNotifications(staleBefore)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("Sender.RecoverStaleNotifications: requeued stale notifications", "count", n)
	}
	return nil
}

// Run starts the polling loop. It blocks until the context is cancelled.
func (s *Sender) Run(ctx context.Context) {
	slog.Info("Sender.Run: starting notification sender", "pollInterval", s.pollInterval)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Sender.Run: stopping")
			return
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

func (s *Sender) poll(ctx context.Context) {
	now := time.Now()
	records, err := s.repo.ClaimDueNotifications(now, s.claimLimit)
	if err != nil {
		slog.Error("Sender.poll: claim failed", "error", err)
		return
	}

	for _, rec := range records {
		slog.Debug("Sender.poll: delivering notification", "id", rec.ID, "conversationID", rec.ConversationID, "kind", rec.Kind)
		if err := s.deliver(ctx, rec); err != nil {
			slog.Error("Sender.poll: delivery failed", "id", rec.ID, "error", err)
			// Exponential backoff: 10s, 20s, 40s, ...
			backoff := time.Duration(10*(1<<rec.Attempts)) * time.Second
			nextAttempt := now.Add(backoff)
			if err := s.repo.FailNotification(rec.ID, err.Error(), nextAttempt); err != nil {
				slog.Error("Sender.poll: fail notification error", "id", rec.ID, "error", err)
			}
		} else {
			if err := s.repo.MarkNotificationSent(rec.ID); err != nil {
				slog.Error("Sender.poll: mark sent error", "id", rec.ID, "error", err)
			}
			slog.Debug("Sender.poll: notification delivered", "id", rec.ID, "conversationID", rec.ConversationID)
		}
	}
}

func (s *Sender) deliver(ctx context.Context, rec store.NotificationRecord) error {
	var n Notification
	if err := json.Unmarshal([]byte(rec.PayloadJSON), &n); err != nil {
		return fmt.Errorf("invalid notification payload for %s: %w", rec.ID, err)
	}
	return s.notifier.Notify(ctx, n)
}
