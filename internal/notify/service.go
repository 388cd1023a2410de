package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/apexrad/radsched/internal/safety"
	"github.com/apexrad/radsched/internal/session"
	"github.com/apexrad/radsched/internal/tenant"
	"github.com/apexrad/radsched/pkg/logging"
)

// Service fans session events out to the tenant's ops inboxes. It implements
// session.Notifier: no method returns an error, because an alert must never
// break the conversation that raised it. Send failures are logged and
// dropped.
type Service struct {
	email  EmailSender
	logger *logging.Logger
}

// NewService builds the notifier. A nil sender disables email entirely;
// every alert then logs at debug and returns.
func NewService(email EmailSender, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{email: email, logger: logger}
}

var _ session.Notifier = (*Service)(nil)

// SafetyBlock reports an order held before any SMS went out. The patient
// already received the call-us message; staff schedule manually.
func (s *Service) SafetyBlock(ctx context.Context, t *tenant.Tenant, sess *session.Session, blocks []safety.Finding) {
	lines := make([]string, 0, len(blocks))
	for _, b := range blocks {
		lines = append(lines, fmt.Sprintf("  - %s: %s", b.Code, b.Detail))
	}
	subject := fmt.Sprintf("[%s] Safety hold on order %s", t.Name, sess.Order.Order.OrderID)
	body := fmt.Sprintf(`Self-scheduling stopped before booking. The patient was asked to call the office.

Order:    %s (%s)
Session:  %s
Findings:
%s

Review the order and schedule this patient manually.`,
		sess.Order.Order.OrderID, sess.Order.Order.Modality, sess.ID, strings.Join(lines, "\n"))
	s.fanOut(ctx, t, subject, body)
}

// DeliveryHalted reports a conversation that can no longer reach the patient
// by SMS. The reason is the provider error code or "provider_final".
func (s *Service) DeliveryHalted(ctx context.Context, t *tenant.Tenant, sess *session.Session, reason string) {
	subject := fmt.Sprintf("[%s] SMS undeliverable for order %s", t.Name, sess.Order.Order.OrderID)
	body := fmt.Sprintf(`Text messages to this patient are failing (%s). The scheduling conversation cannot continue over SMS.

Order:   %s (%s)
Session: %s
State:   %s

Look the patient up by order ID and call them to schedule.`,
		reason, sess.Order.Order.OrderID, sess.Order.Order.Modality, sess.ID, sess.State)
	s.fanOut(ctx, t, subject, body)
}

// SlotSourceFailure reports a scheduling backend that stayed down through
// the retry. The patient got the call-us message.
func (s *Service) SlotSourceFailure(ctx context.Context, t *tenant.Tenant, sess *session.Session, reason string) {
	subject := fmt.Sprintf("[%s] Slot source failure, session %s", t.Name, sess.ID)
	body := fmt.Sprintf(`The scheduling backend did not return appointment times (%s). The patient was asked to call the office.

Order:    %s (%s)
Session:  %s
Location: %s

If the backend is healthy again, the patient can be re-sent an order event to restart scheduling.`,
		reason, sess.Order.Order.OrderID, sess.Order.Order.Modality, sess.ID, sess.LocationName)
	s.fanOut(ctx, t, subject, body)
}

// BookingConfirmed reports a completed self-scheduled booking. The engine
// only calls this for tenants with notify_on_confirm set.
func (s *Service) BookingConfirmed(ctx context.Context, t *tenant.Tenant, sess *session.Session) {
	when := ""
	if sess.SlotTime != nil {
		when = sess.SlotTime.Format("Mon Jan 2 2006, 3:04 PM MST")
	}
	subject := fmt.Sprintf("[%s] Booking confirmed, order %s", t.Name, sess.Order.Order.OrderID)
	body := fmt.Sprintf(`A patient self-scheduled over SMS.

Order:    %s (%s)
Location: %s
Time:     %s
Session:  %s`,
		sess.Order.Order.OrderID, sess.Order.Order.ShortLabel(), sess.LocationName, when, sess.ID)
	s.fanOut(ctx, t, subject, body)
}

// OrderRefused reports an order dropped at intake because the patient has
// revoked SMS consent. No message was sent.
func (s *Service) OrderRefused(ctx context.Context, t *tenant.Tenant, orderID, phoneLast4, reason string) {
	subject := fmt.Sprintf("[%s] Order %s needs manual scheduling", t.Name, orderID)
	body := fmt.Sprintf(`Order %s was not offered for self-scheduling (%s). The patient's number ends in %s.

No SMS was sent. Schedule this patient through the usual channel.`,
		orderID, reason, phoneLast4)
	s.fanOut(ctx, t, subject, body)
}

func (s *Service) fanOut(ctx context.Context, t *tenant.Tenant, subject, body string) {
	if s.email == nil || t == nil || len(t.Notify.OpsEmails) == 0 {
		s.logger.Debug("ops alert skipped, no recipients configured", "subject", subject)
		return
	}
	failed := 0
	for _, to := range t.Notify.OpsEmails {
		if err := s.email.Send(ctx, EmailMessage{To: to, Subject: subject, Body: body}); err != nil {
			s.logger.Error("ops alert send failed", "error", err, "to", to)
			failed++
		}
	}
	if failed > 0 {
		s.logger.Error("ops alert partially delivered", "subject", subject, "failed", failed, "recipients", len(t.Notify.OpsEmails))
	}
}
