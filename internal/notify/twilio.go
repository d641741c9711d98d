package notify

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// TwilioOpts holds configuration options for the Twilio SMS notifier.
// This focuses solely on Twilio API requirements.
type TwilioOpts struct {
	AccountSID string
	AuthToken  string
	From       string
	AdminPhone string
}

// TwilioOption defines a configuration option for the Twilio SMS notifier.
type TwilioOption func(*TwilioOpts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) TwilioOption {
	return func(o *TwilioOpts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) TwilioOption {
	return func(o *TwilioOpts) { o.AuthToken = token }
}

// WithFrom sets the sending phone number.
func WithFrom(from string) TwilioOption {
	return func(o *TwilioOpts) { o.From = from }
}

// WithAdminPhone sets the admin phone number that receives notifications.
func WithAdminPhone(phone string) TwilioOption {
	return func(o *TwilioOpts) { o.AdminPhone = phone }
}

// TwilioNotifier sends completion notifications as SMS to the admin phone.
type TwilioNotifier struct {
	client     *twilio.RestClient
	from       string
	adminPhone string
}

// NewTwilioNotifier creates a Twilio SMS notifier from options, falling back
// to environment variables for anything not provided.
func NewTwilioNotifier(opts ...TwilioOption) (*TwilioNotifier, error) {
	var cfg TwilioOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	// Fallback to environment variables if not provided via options
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.From == "" {
		cfg.From = os.Getenv("TWILIO_FROM_NUMBER")
	}
	if cfg.AdminPhone == "" {
		cfg.AdminPhone = os.Getenv("ADMIN_PHONE")
	}
	slog.Debug("Twilio notifier config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"From_set", cfg.From != "",
		"AdminPhone_set", cfg.AdminPhone != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.From == "" {
		return nil, fmt.Errorf("from number must be provided")
	}
	if cfg.AdminPhone == "" {
		return nil, fmt.Errorf("admin phone number must be provided")
	}

	client := twilio.NewRestClientWithParams(
		twilio.ClientParams{
			Username: cfg.AccountSID,
			Password: cfg.AuthToken,
		},
	)

	return &TwilioNotifier{
		client:     client,
		from:       cfg.From,
		adminPhone: cfg.AdminPhone,
	}, nil
}

// Notify sends the notification as an SMS to the admin phone. SMS has no
// subject line, so the subject becomes the first line of the message body.
func (t *TwilioNotifier) Notify(ctx context.Context, n Notification) error {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(t.adminPhone)
	params.SetFrom(t.from)
	params.SetBody(n.Subject + "\n\n" + n.Body)

	_, err := t.client.Api.CreateMessage(params)
	if err != nil {
		slog.Error("TwilioNotifier.Notify: send failed", "to", t.adminPhone, "error", err)
		return fmt.Errorf("failed to send notification SMS to %s: %w", t.adminPhone, err)
	}

	slog.Debug("TwilioNotifier.Notify: SMS sent", "to", t.adminPhone)
	return nil
}
