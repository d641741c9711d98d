package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/smtp"
	"os"
	"strings"
)

// SMTPOpts holds configuration options for the SMTP notifier.
type SMTPOpts struct {
	Host      string
	Port      string
	Username  string
	Password  string
	From      string
	AdminAddr string
}

// SMTPOption defines a configuration option for the SMTP notifier.
type SMTPOption func(*SMTPOpts)

// WithSMTPHost sets the SMTP server hostname.
func WithSMTPHost(host string) SMTPOption {
	return func(o *SMTPOpts) { o.Host = host }
}

// WithSMTPPort sets the SMTP server port.
func WithSMTPPort(port string) SMTPOption {
	return func(o *SMTPOpts) { o.Port = port }
}

// WithSMTPCredentials sets the SMTP username and password.
func WithSMTPCredentials(username, password string) SMTPOption {
	return func(o *SMTPOpts) {
		o.Username = username
		o.Password = password
	}
}

// WithSMTPFrom sets the From address on outgoing mail.
func WithSMTPFrom(from string) SMTPOption {
	return func(o *SMTPOpts) { o.From = from }
}

// WithAdminAddr sets the admin address that receives a copy of every notification.
func WithAdminAddr(addr string) SMTPOption {
	return func(o *SMTPOpts) { o.AdminAddr = addr }
}

// SMTPNotifier sends completion notifications as email.
type SMTPNotifier struct {
	host      string
	port      string
	auth      smtp.Auth
	from      string
	adminAddr string
}

// NewSMTPNotifier creates an SMTP notifier from options, falling back to
// environment variables for anything not provided.
func NewSMTPNotifier(opts ...SMTPOption) (*SMTPNotifier, error) {
	var cfg SMTPOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	// Fallback to environment variables if not provided via options
	if cfg.Host == "" {
		cfg.Host = os.Getenv("SMTP_HOST")
	}
	if cfg.Port == "" {
		cfg.Port = os.Getenv("SMTP_PORT")
	}
	if cfg.Username == "" {
		cfg.Username = os.Getenv("SMTP_USERNAME")
	}
	if cfg.Password == "" {
		cfg.Password = os.Getenv("SMTP_PASSWORD")
	}
	if cfg.From == "" {
		cfg.From = os.Getenv("SMTP_FROM")
	}
	if cfg.AdminAddr == "" {
		cfg.AdminAddr = os.Getenv("ADMIN_EMAIL")
	}
	slog.Debug("SMTP notifier config loaded",
		"host_set", cfg.Host != "",
		"username_set", cfg.Username != "",
		"adminAddr_set", cfg.AdminAddr != "")

	if cfg.Host == "" {
		return nil, fmt.Errorf("SMTP host must be provided")
	}
	if cfg.Port == "" {
		cfg.Port = "587"
	}
	if cfg.From == "" {
		cfg.From = cfg.Username
	}
	if cfg.AdminAddr == "" {
		return nil, fmt.Errorf("admin email address must be provided")
	}

	var auth smtp.Auth
	if cfg.Username != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}

	return &SMTPNotifier{
		host:      cfg.Host,
		port:      cfg.Port,
		auth:      auth,
		from:      cfg.From,
		adminAddr: cfg.AdminAddr,
	}, nil
}

// Notify emails the notification to the admin address and, when the
// conversation collected a contact email, to the user as well.
func (s *SMTPNotifier) Notify(ctx context.Context, n Notification) error {
	recipients := []string{s.adminAddr}
	if n.Recipient != "" && !strings.EqualFold(n.Recipient, s.adminAddr) {
		recipients = append(recipients, n.Recipient)
	}

	msg := buildMIMEMessage(s.from, recipients, n.Subject, n.Body)
	addr := s.host + ":" + s.port

	if err := smtp.SendMail(addr, s.auth, s.from, recipients, msg); err != nil {
		slog.Error("SMTPNotifier.Notify: send failed", "recipients", len(recipients), "error", err)
		return fmt.Errorf("failed to send notification email: %w", err)
	}
	slog.Debug("SMTPNotifier.Notify: email sent", "subject", n.Subject, "recipients", len(recipients))
	return nil
}

// buildMIMEMessage renders an HTML email with the notification body wrapped
// in a minimal template. Newlines in the body become <br> tags.
func buildMIMEMessage(from string, to []string, subject, body string) []byte {
	htmlBody := strings.ReplaceAll(htmlEscape(body), "\n", "<br>\n")

	var b strings.Builder
	b.WriteString("From: " + from + "\r\n")
	b.WriteString("To: " + strings.Join(to, ", ") + "\r\n")
	b.WriteString("Subject: " + subject + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=\"UTF-8\"\r\n")
	b.WriteString("\r\n")
	b.WriteString("<html><body>\n")
	b.WriteString("<h2>" + htmlEscape(subject) + "</h2>\n")
	b.WriteString("<p>" + htmlBody + "</p>\n")
	b.WriteString("</body></html>\r\n")
	return []byte(b.String())
}

func htmlEscape(s string) string {
	r := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
	)
	return r.Replace(s)
}
