// Package notify emails operations staff when a scheduling conversation
// needs a human: safety holds, undeliverable patients, slot-source outages,
// and (per tenant flag) confirmed bookings. Alerts carry order and session
// identifiers, never patient names or full phone numbers.
package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/apexrad/radsched/pkg/logging"
)

// EmailSender sends a single ops email. Implementations can be swapped
// (SES, SendGrid, stub) without changing callers.
type EmailSender interface {
	Send(ctx context.Context, msg EmailMessage) error
}

// EmailMessage is one email to one recipient. Plain text only; alerts are
// read in pagers and ticket queues, not rendered.
type EmailMessage struct {
	To      string
	Subject string
	Body    string
}

// SendGridSender sends via the SendGrid API. Used when SES is not
// configured for the deployment.
type SendGridSender struct {
	client    *sendgrid.Client
	fromEmail string
	fromName  string
	logger    *logging.Logger
}

// SendGridConfig holds SendGrid credentials and the from identity.
type SendGridConfig struct {
	APIKey    string
	FromEmail string
	FromName  string
}

// NewSendGridSender returns nil when no API key is configured, which
// callers treat as "email disabled".
func NewSendGridSender(cfg SendGridConfig, logger *logging.Logger) *SendGridSender {
	if cfg.APIKey == "" {
		return nil
	}
	s := &SendGridSender{
		client:    sendgrid.NewSendClient(cfg.APIKey),
		fromEmail: cfg.FromEmail,
		fromName:  cfg.FromName,
		logger:    logger,
	}
	if s.fromName == "" {
		s.fromName = "RadSched"
	}
	if s.logger == nil {
		s.logger = logging.Default()
	}
	return s
}

// Send delivers one alert through the v3 mail send endpoint.
func (s *SendGridSender) Send(ctx context.Context, msg EmailMessage) error {
	if s.client == nil {
		return errors.New("notify: sendgrid client not configured")
	}

	message := mail.NewSingleEmailPlainText(
		mail.NewEmail(s.fromName, s.fromEmail),
		msg.Subject,
		mail.NewEmail("", msg.To),
		msg.Body,
	)

	response, err := s.client.SendWithContext(ctx, message)
	switch {
	case err != nil:
		s.logger.Error("sendgrid send failed", "error", err, "to", msg.To)
		return fmt.Errorf("notify: sendgrid send: %w", err)
	case response.StatusCode >= http.StatusBadRequest:
		s.logger.Error("sendgrid rejected message", "status", response.StatusCode, "to", msg.To)
		return fmt.Errorf("notify: sendgrid returned status %d", response.StatusCode)
	}

	s.logger.Info("ops email sent", "to", msg.To, "subject", msg.Subject)
	return nil
}

// StubSender logs instead of sending. Default in development and whenever
// neither SES nor SendGrid is configured.
type StubSender struct {
	logger *logging.Logger
}

func NewStubSender(logger *logging.Logger) *StubSender {
	if logger == nil {
		logger = logging.Default()
	}
	return &StubSender{logger: logger}
}

// Send logs the alert that a configured sender would have delivered.
func (s *StubSender) Send(ctx context.Context, msg EmailMessage) error {
	s.logger.Info("email stub: alert not sent", "to", msg.To, "subject", msg.Subject)
	return nil
}

var (
	_ EmailSender = (*SendGridSender)(nil)
	_ EmailSender = (*StubSender)(nil)
)
