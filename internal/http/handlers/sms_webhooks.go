// Package handlers wires the HTTP edge: carrier webhooks, the order intake
// webhook, job status, health, and the ops dashboard mount. Handlers stay
// thin. They verify, normalize, dedupe, and enqueue; everything slow runs in
// the intake worker.
package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/apexrad/radsched/internal/audit"
	"github.com/apexrad/radsched/internal/dialog"
	"github.com/apexrad/radsched/internal/observability/metrics"
	"github.com/apexrad/radsched/internal/phone"
	"github.com/apexrad/radsched/internal/session"
	"github.com/apexrad/radsched/internal/sms"
	"github.com/apexrad/radsched/internal/tenant"
	"github.com/apexrad/radsched/pkg/logging"
)

// tenantResolver maps a provisioned SMS number back to its tenant.
type tenantResolver interface {
	LookupByFromNumber(ctx context.Context, number string) (*tenant.Tenant, error)
}

// processedTracker dedupes carrier redeliveries by provider message ID.
type processedTracker interface {
	AlreadyProcessed(ctx context.Context, provider, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, provider, eventID string) (bool, error)
}

// inboundPublisher hands an accepted patient reply to the intake queue.
type inboundPublisher interface {
	EnqueueInbound(ctx context.Context, msg session.InboundMessage) error
}

// messageAuditor writes the trail row for each accepted inbound message.
type messageAuditor interface {
	RecordMessage(ctx context.Context, rec *audit.MessageRecord) error
}

// SMSWebhookConfig wires the carrier-facing inbound webhook handler.
type SMSWebhookConfig struct {
	Tenants   tenantResolver
	Processed processedTracker
	Publisher inboundPublisher
	Audit     messageAuditor
	Metrics   *metrics.SMSMetrics
	Logger    *logging.Logger

	// TwilioAuthToken keys the HMAC on Twilio webhooks; TelnyxPublicKey
	// verifies the Ed25519 signature Telnyx sends. PublicBaseURL rebuilds
	// the exact URL Twilio signed when the service sits behind a proxy.
	TwilioAuthToken string
	TelnyxPublicKey string
	PublicBaseURL   string

	// SkipVerify disables signature checks. Development only; config
	// validation refuses it in production.
	SkipVerify bool
}

// SMSWebhookHandler accepts inbound SMS webhooks from both carriers. The
// reply itself is composed asynchronously by the intake worker; carriers
// only need the 200.
type SMSWebhookHandler struct {
	tenants         tenantResolver
	processed       processedTracker
	publisher       inboundPublisher
	audit           messageAuditor
	metrics         *metrics.SMSMetrics
	logger          *logging.Logger
	twilioAuthToken string
	telnyxPublicKey string
	publicBaseURL   string
	skipVerify      bool
}

// NewSMSWebhookHandler wires the handler. Tenants, Processed, and Publisher
// are required.
func NewSMSWebhookHandler(cfg SMSWebhookConfig) *SMSWebhookHandler {
	if cfg.Tenants == nil || cfg.Processed == nil || cfg.Publisher == nil {
		panic("handlers: sms webhooks require tenant, processed, and publisher dependencies")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.SkipVerify {
		cfg.Logger.Warn("SMS WEBHOOK SIGNATURE VERIFICATION DISABLED - development only, never run this in production")
	}
	return &SMSWebhookHandler{
		tenants:         cfg.Tenants,
		processed:       cfg.Processed,
		publisher:       cfg.Publisher,
		audit:           cfg.Audit,
		metrics:         cfg.Metrics,
		logger:          cfg.Logger,
		twilioAuthToken: cfg.TwilioAuthToken,
		telnyxPublicKey: cfg.TelnyxPublicKey,
		publicBaseURL:   strings.TrimRight(cfg.PublicBaseURL, "/"),
		skipVerify:      cfg.SkipVerify,
	}
}

// HandleTwilio processes Twilio message webhooks (form-encoded).
func (h *SMSWebhookHandler) HandleTwilio(w http.ResponseWriter, r *http.Request) {
	if !h.skipVerify && !sms.VerifyTwilioSignature(r, h.twilioAuthToken, h.signedURL(r)) {
		h.metrics.ObserveInbound("twilio", "invalid_signature")
		h.logger.Warn("rejected twilio webhook: bad signature", "path", r.URL.Path)
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}
	msg, err := sms.ParseTwilioInbound(r)
	if err != nil {
		h.metrics.ObserveInbound("twilio", "malformed")
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	h.accept(w, r, msg)
}

// HandleTelnyx processes Telnyx message webhooks (JSON). Event types other
// than message.received are acknowledged and dropped.
func (h *SMSWebhookHandler) HandleTelnyx(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if !h.skipVerify && !sms.VerifyTelnyxSignature(
		h.telnyxPublicKey,
		r.Header.Get("Telnyx-Timestamp"),
		body,
		r.Header.Get("Telnyx-Signature-Ed25519"),
		time.Now(),
	) {
		h.metrics.ObserveInbound("telnyx", "invalid_signature")
		h.logger.Warn("rejected telnyx webhook: bad signature")
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}
	msg, err := sms.ParseTelnyxInbound(body)
	if err != nil {
		if errors.Is(err, sms.ErrNotInbound) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		h.metrics.ObserveInbound("telnyx", "malformed")
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	h.accept(w, r, msg)
}

// accept runs the shared tail for a verified, parsed inbound message:
// normalize the sender, resolve the tenant by destination number, dedupe,
// audit, enqueue, then mark processed. Enqueue failures return 500 before
// the processed mark so the carrier redelivers.
func (h *SMSWebhookHandler) accept(w http.ResponseWriter, r *http.Request, msg *sms.InboundMessage) {
	ctx := r.Context()

	from, err := phone.Normalize(msg.From)
	if err != nil {
		// Nothing to reply to, and redelivery cannot fix the number.
		h.metrics.ObserveInbound(msg.Provider, "invalid_from")
		h.logger.Warn("dropped inbound with unusable from number",
			"provider", msg.Provider,
			"provider_message_id", msg.ProviderMessageID,
		)
		w.WriteHeader(http.StatusOK)
		return
	}

	t, err := h.tenants.LookupByFromNumber(ctx, msg.To)
	if err != nil {
		if errors.Is(err, tenant.ErrNotFound) {
			h.metrics.ObserveInbound(msg.Provider, "unknown_number")
			h.logger.Warn("inbound for unmapped destination number",
				"provider", msg.Provider,
				"to", msg.To,
			)
			http.Error(w, "unknown destination number", http.StatusNotFound)
			return
		}
		h.logger.Error("tenant lookup failed", "error", err, "provider", msg.Provider)
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}

	dup, err := h.processed.AlreadyProcessed(ctx, msg.Provider, msg.ProviderMessageID)
	if err != nil {
		h.logger.Error("processed lookup failed", "error", err, "provider", msg.Provider)
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	if dup {
		h.metrics.ObserveInbound(msg.Provider, "duplicate")
		w.WriteHeader(http.StatusOK)
		return
	}

	h.auditInbound(ctx, t, msg, from)

	job := session.InboundMessage{
		TenantID:          t.ID,
		From:              from,
		To:                msg.To,
		Body:              msg.Body,
		ProviderMessageID: msg.ProviderMessageID,
	}
	if err := h.publisher.EnqueueInbound(ctx, job); err != nil {
		h.metrics.ObserveInbound(msg.Provider, "enqueue_failed")
		h.logger.Error("inbound enqueue failed",
			"error", err,
			"provider", msg.Provider,
			"tenant_id", t.ID,
		)
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	if _, err := h.processed.MarkProcessed(ctx, msg.Provider, msg.ProviderMessageID); err != nil {
		h.logger.Error("failed to mark inbound processed",
			"error", err,
			"provider", msg.Provider,
			"provider_message_id", msg.ProviderMessageID,
		)
	}
	h.metrics.ObserveInbound(msg.Provider, "accepted")
	w.WriteHeader(http.StatusOK)
}

// auditInbound writes the trail row for one accepted reply. A sink failure
// is logged, not returned: the conversation must not wedge on the sink.
func (h *SMSWebhookHandler) auditInbound(ctx context.Context, t *tenant.Tenant, msg *sms.InboundMessage, from string) {
	if h.audit == nil {
		return
	}
	rec := &audit.MessageRecord{
		TenantID:          t.ID,
		PhoneHash:         phone.Hash(from),
		PhoneLast4:        phone.Last4(from),
		Direction:         audit.DirectionInbound,
		MessageType:       dialog.TypeReply,
		Provider:          msg.Provider,
		ProviderMessageID: msg.ProviderMessageID,
		Attempt:           1,
		Success:           true,
	}
	if err := h.audit.RecordMessage(ctx, rec); err != nil {
		h.logger.Error("audit write failed for inbound sms",
			"error", err,
			"tenant_id", t.ID,
			"provider", msg.Provider,
		)
	}
}

// signedURL reconstructs the URL Twilio signed. Behind a load balancer the
// request host is not the public one, so PUBLIC_BASE_URL wins when set.
func (h *SMSWebhookHandler) signedURL(r *http.Request) string {
	if h.publicBaseURL != "" {
		return h.publicBaseURL + r.URL.RequestURI()
	}
	scheme := "https"
	if r.TLS == nil {
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		} else {
			scheme = "http"
		}
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}
