package sms

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/apexrad/radsched/internal/audit"
	"github.com/apexrad/radsched/internal/consent"
	"github.com/apexrad/radsched/internal/observability/metrics"
	"github.com/apexrad/radsched/internal/tenant"
	"github.com/apexrad/radsched/pkg/logging"
)

var dispatchTracer = otel.Tracer("radsched.internal.sms.dispatcher")

// ErrConsentRevoked means the recipient opted out and the message is not
// the opt-out acknowledgment.
var ErrConsentRevoked = errors.New("sms: consent revoked for recipient")

// TenantSource loads tenant SMS configuration.
type TenantSource interface {
	Get(ctx context.Context, id string) (*tenant.Tenant, error)
}

// ConsentSource reports effective consent for a phone hash.
type ConsentSource interface {
	Status(ctx context.Context, tenantID, phoneHash string) (consent.Status, error)
}

// Auditor records one row per send attempt.
type Auditor interface {
	RecordMessage(ctx context.Context, rec *audit.MessageRecord) error
}

// SendRequest is one dispatch order from the state machine.
type SendRequest struct {
	TenantID   string
	SessionID  string
	To         string // E.164
	PhoneHash  string
	PhoneLast4 string
	Body       string
	Type       string // dialog message tag

	// AllowRevoked bypasses the consent gate for the opt-out
	// acknowledgment only.
	AllowRevoked bool
}

// Dispatcher sends one message with tenant provider selection, sticky
// from-numbers, and single-hop failover. Every attempt lands in the audit
// trail whether it succeeded or not.
type Dispatcher struct {
	tenants   TenantSource
	consents  ConsentSource
	providers map[string]Provider
	sticky    *StickyPool
	auditor   Auditor
	metrics   *metrics.SMSMetrics
	logger    *logging.Logger
}

// NewDispatcher wires the dispatcher. Providers are indexed by Name().
func NewDispatcher(tenants TenantSource, consents ConsentSource, providers []Provider, sticky *StickyPool, auditor Auditor, m *metrics.SMSMetrics, logger *logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.Default()
	}
	index := make(map[string]Provider, len(providers))
	for _, p := range providers {
		if p != nil {
			index[p.Name()] = p
		}
	}
	return &Dispatcher{
		tenants:   tenants,
		consents:  consents,
		providers: index,
		sticky:    sticky,
		auditor:   auditor,
		metrics:   m,
		logger:    logger,
	}
}

// Send dispatches one message. Outcomes:
//   - nil error: delivered to a provider (FailedOver marks which leg);
//   - ErrConsentRevoked: refused before any attempt;
//   - *StandardError: single definitive failure, no failover performed;
//   - *ProviderFinalError: every configured provider failed.
func (d *Dispatcher) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	ctx, span := dispatchTracer.Start(ctx, "sms.dispatch")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant.id", req.TenantID),
		attribute.String("sms.type", req.Type),
	)

	if req.To == "" || req.PhoneHash == "" {
		return nil, fmt.Errorf("sms: recipient required")
	}
	if strings.TrimSpace(req.Body) == "" {
		return nil, fmt.Errorf("sms: body required")
	}

	// Revocation is checked on every send, not just at session entry. A
	// consent-store failure refuses the send: without a readable record the
	// no-send-after-revocation guarantee cannot be kept.
	if !req.AllowRevoked {
		status, err := d.consents.Status(ctx, req.TenantID, req.PhoneHash)
		if err != nil {
			return nil, fmt.Errorf("sms: consent check: %w", err)
		}
		if status == consent.StatusRevoked {
			d.logger.Info("send refused, consent revoked", "tenant_id", req.TenantID, "type", req.Type)
			return nil, ErrConsentRevoked
		}
	}

	t, err := d.tenants.Get(ctx, req.TenantID)
	if err != nil {
		return nil, fmt.Errorf("sms: load tenant config: %w", err)
	}

	result, primaryErr := d.attempt(ctx, t, t.SMS.PrimaryProvider, req, 1, false)
	if primaryErr == nil {
		return result, nil
	}
	if !primaryErr.FailoverEligible() {
		return nil, primaryErr
	}

	failover := t.SMS.FailoverProvider
	if failover == "" || failover == t.SMS.PrimaryProvider {
		return nil, &ProviderFinalError{Primary: primaryErr}
	}

	d.logger.Warn("primary sms send failed, attempting failover",
		"provider", t.SMS.PrimaryProvider,
		"failover", failover,
		"code", string(primaryErr.Code),
		"tenant_id", req.TenantID,
	)

	result, failoverErr := d.attempt(ctx, t, failover, req, 2, true)
	if failoverErr == nil {
		result.FailedOver = true
		return result, nil
	}

	d.logger.Error("failover sms send failed",
		"provider", failover,
		"code", string(failoverErr.Code),
		"tenant_id", req.TenantID,
	)
	return nil, &ProviderFinalError{Primary: primaryErr, Failover: failoverErr}
}

// attempt performs one provider leg and writes its audit row.
func (d *Dispatcher) attempt(ctx context.Context, t *tenant.Tenant, providerName string, req SendRequest, attempt int, failedOver bool) (*SendResult, *StandardError) {
	provider, ok := d.providers[providerName]
	if !ok || !provider.Enabled() {
		std := &StandardError{Code: CodeProviderError, Provider: providerName, Raw: errors.New("provider not configured")}
		d.recordAttempt(ctx, req, "", providerName, "", attempt, failedOver, std)
		return nil, std
	}

	from, err := d.sticky.From(ctx, t.ID, providerName, req.PhoneHash, t.SMS.Pool(providerName))
	if err != nil {
		std := &StandardError{Code: CodeProviderError, Provider: providerName, Raw: err}
		d.recordAttempt(ctx, req, "", providerName, "", attempt, failedOver, std)
		return nil, std
	}

	msg := &Message{
		To:        req.To,
		From:      from,
		Body:      req.Body,
		TenantID:  t.ID,
		SessionID: req.SessionID,
		Type:      req.Type,
	}

	start := time.Now()
	result, sendErr := provider.Send(ctx, msg)
	d.metrics.ObserveSendLatency(providerName, time.Since(start).Seconds())

	if sendErr != nil {
		std, ok := AsStandardError(sendErr)
		if !ok {
			std = &StandardError{Code: CodeUnknown, Provider: providerName, Raw: sendErr}
		}
		d.recordAttempt(ctx, req, from, providerName, "", attempt, failedOver, std)
		return nil, std
	}

	result.FromNumber = from
	d.recordAttempt(ctx, req, from, providerName, result.ProviderMessageID, attempt, failedOver, nil)
	return result, nil
}

// recordAttempt writes the audit row and metric for one attempt. An audit
// sink failure is logged, not returned: the send already happened and the
// dialog must not wedge on the sink.
func (d *Dispatcher) recordAttempt(ctx context.Context, req SendRequest, from, provider, providerMessageID string, attempt int, failedOver bool, sendErr *StandardError) {
	outcome := "success"
	rec := &audit.MessageRecord{
		TenantID:          req.TenantID,
		SessionID:         req.SessionID,
		PhoneHash:         req.PhoneHash,
		PhoneLast4:        req.PhoneLast4,
		Direction:         audit.DirectionOutbound,
		MessageType:       req.Type,
		FromNumber:        from,
		Provider:          provider,
		ProviderMessageID: providerMessageID,
		Attempt:           attempt,
		FailedOver:        failedOver,
		Success:           sendErr == nil,
	}
	if sendErr != nil {
		rec.ErrorCode = string(sendErr.Code)
		outcome = string(sendErr.Code)
	}
	if err := d.auditor.RecordMessage(ctx, rec); err != nil {
		d.logger.Error("audit write failed for sms attempt",
			"error", err,
			"tenant_id", req.TenantID,
			"provider", provider,
			"attempt", attempt,
		)
	}
	d.metrics.ObserveSendAttempt(provider, outcome, failedOver)
}
