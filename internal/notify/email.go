// Package notify sends operational email: reconciliation alerts for charges
// that could not be matched to a confirmed appointment.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/wolfman30/telehealth-scheduling/pkg/logging"
)

const defaultFromName = "Telehealth Scheduling"

// ErrNoRecipients is returned when a message has no usable address.
var ErrNoRecipients = errors.New("notify: message has no recipients")

type EmailSender interface {
	Send(ctx context.Context, msg EmailMessage) error
}

// EmailMessage is one operational email. Category tags the message with the
// provider for filtering; Reference carries the workflow or event id.
type EmailMessage struct {
	To        []string
	Subject   string
	Text      string
	HTML      string
	Category  string
	Reference string
}

func (m EmailMessage) recipients() []string {
	out := make([]string, 0, len(m.To))
	for _, addr := range m.To {
		if addr = strings.TrimSpace(addr); addr != "" {
			out = append(out, addr)
		}
	}
	return out
}

// ParseRecipients splits a comma separated address list.
func ParseRecipients(raw string) []string {
	return EmailMessage{To: strings.Split(raw, ",")}.recipients()
}

type SendGridSender struct {
	client    *sendgrid.Client
	fromEmail string
	fromName  string
	logger    *logging.Logger
}

type SendGridConfig struct {
	APIKey    string
	FromEmail string
	FromName  string
	// BaseURL overrides the API host (tests).
	BaseURL string
}

// NewSendGridSender returns nil when no API key is configured.
func NewSendGridSender(cfg SendGridConfig, logger *logging.Logger) *SendGridSender {
	if cfg.APIKey == "" {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.FromName == "" {
		cfg.FromName = defaultFromName
	}
	client := sendgrid.NewSendClient(cfg.APIKey)
	if cfg.BaseURL != "" {
		client.Request.BaseURL = cfg.BaseURL
	}
	return &SendGridSender{client: client, fromEmail: cfg.FromEmail, fromName: cfg.FromName, logger: logger}
}

func (s *SendGridSender) Send(ctx context.Context, msg EmailMessage) error {
	if s.client == nil {
		return fmt.Errorf("notify: sendgrid client not configured")
	}
	to := msg.recipients()
	if len(to) == 0 {
		return ErrNoRecipients
	}

	p := mail.NewPersonalization()
	for _, addr := range to {
		p.AddTos(mail.NewEmail("", addr))
	}
	if msg.Reference != "" {
		p.SetCustomArg("reference", msg.Reference)
	}

	m := mail.NewV3Mail()
	m.SetFrom(mail.NewEmail(s.fromName, s.fromEmail))
	m.Subject = msg.Subject
	m.AddPersonalizations(p)
	if msg.Text != "" {
		m.AddContent(mail.NewContent("text/plain", msg.Text))
	}
	if msg.HTML != "" {
		m.AddContent(mail.NewContent("text/html", msg.HTML))
	}
	if msg.Category != "" {
		m.AddCategories(msg.Category)
	}

	resp, err := s.client.SendWithContext(ctx, m)
	if err != nil {
		s.logger.Error("sendgrid send failed", "error", err, "reference", msg.Reference)
		return fmt.Errorf("notify: sendgrid send: %w", err)
	}
	if resp.StatusCode >= 400 {
		s.logger.Error("sendgrid rejected message", "status", resp.StatusCode, "body", resp.Body, "reference", msg.Reference)
		return fmt.Errorf("notify: sendgrid returned status %d", resp.StatusCode)
	}
	s.logger.Info("email sent", "provider", "sendgrid", "recipients", len(to), "category", msg.Category, "reference", msg.Reference)
	return nil
}

// StubEmailSender logs instead of sending. Used when EMAIL_PROVIDER=none.
type StubEmailSender struct {
	logger *logging.Logger
}

func NewStubEmailSender(logger *logging.Logger) *StubEmailSender {
	if logger == nil {
		logger = logging.Default()
	}
	return &StubEmailSender{logger: logger}
}

func (s *StubEmailSender) Send(_ context.Context, msg EmailMessage) error {
	s.logger.Warn("email provider disabled, message logged only",
		"to", strings.Join(msg.recipients(), ","), "subject", msg.Subject, "category", msg.Category, "reference", msg.Reference)
	return nil
}
