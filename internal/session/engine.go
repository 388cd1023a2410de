package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/apexrad/radsched/internal/analyzer"
	"github.com/apexrad/radsched/internal/audit"
	"github.com/apexrad/radsched/internal/clinical"
	"github.com/apexrad/radsched/internal/consent"
	"github.com/apexrad/radsched/internal/dialog"
	"github.com/apexrad/radsched/internal/equipment"
	"github.com/apexrad/radsched/internal/observability/metrics"
	"github.com/apexrad/radsched/internal/orders"
	"github.com/apexrad/radsched/internal/phone"
	"github.com/apexrad/radsched/internal/safety"
	"github.com/apexrad/radsched/internal/slots"
	"github.com/apexrad/radsched/internal/sms"
	"github.com/apexrad/radsched/internal/tenant"
	"github.com/apexrad/radsched/pkg/logging"
)

// Pending orders older than this are dropped at release instead of waking
// a stale conversation.
const pendingRetention = 7 * 24 * time.Hour

var (
	// ErrRefusedRevoked means the order targets a phone whose consent is
	// revoked. The intake job is failed permanently; only an audit row is
	// written.
	ErrRefusedRevoked = errors.New("session: consent revoked for phone")

	// ErrTenantInactive refuses orders for a disabled tenant.
	ErrTenantInactive = errors.New("session: tenant inactive")

	// errHalted marks a transition whose state persisted but whose send
	// failed in a handled way (rollback, cancel, or logged loss). Callers
	// treat the triggering job as consumed.
	errHalted = errors.New("session: transition halted after send failure")
)

// Storage is the slice of the session store the engine drives.
type Storage interface {
	Create(ctx context.Context, sess *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	ActiveByPhone(ctx context.Context, tenantID, phoneHash string) (*Session, error)
	Update(ctx context.Context, sess *Session, expectedState string) error
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*Session, error)
	ListSlotTimeouts(ctx context.Context, olderThan time.Time, limit int) ([]*Session, error)
}

// TenantSource resolves tenant configuration.
type TenantSource interface {
	Get(ctx context.Context, id string) (*tenant.Tenant, error)
}

// ConsentLedger reads and writes the consent trail.
type ConsentLedger interface {
	Status(ctx context.Context, tenantID, phoneHash string) (consent.Status, error)
	Grant(ctx context.Context, tenantID, phoneHash, method string) error
	Revoke(ctx context.Context, tenantID, phoneHash, reason string) error
}

// PendingQueue parks orders behind an active session and releases them.
// Held rows carry a wake time for quiet-hour deferral.
type PendingQueue interface {
	Queue(ctx context.Context, ev *orders.Event, phoneHash, phoneEncrypted string) (string, error)
	QueueHeld(ctx context.Context, ev *orders.Event, phoneHash, phoneEncrypted string, until time.Time) (string, error)
	ListPending(ctx context.Context, tenantID, phoneHash string) ([]orders.PendingOrder, error)
	ListHeldDue(ctx context.Context, now time.Time, limit int) ([]orders.PendingOrder, error)
	MarkReleased(ctx context.Context, ids []string) error
	Hold(ctx context.Context, ids []string, until time.Time) error
	ClearHold(ctx context.Context, ids []string) error
}

// CatalogSource loads the equipment catalog for capability screening.
type CatalogSource interface {
	LoadCatalog(ctx context.Context, tenantID, modality string) ([]equipment.LocationEquipment, error)
}

// OrderAnalyzer produces the duration/preparation analysis for one order.
type OrderAnalyzer interface {
	Analyze(ctx context.Context, tenantID, sessionID string, order orders.Order, patient *clinical.PatientContext, cptOverrides map[string]int) *analyzer.Analysis
}

// MessageSender is the outbound SMS dispatcher.
type MessageSender interface {
	Send(ctx context.Context, req sms.SendRequest) (*sms.SendResult, error)
}

// SlotQueue enqueues asynchronous slot-fetch work.
type SlotQueue interface {
	EnqueueSlotFetch(ctx context.Context, tenantID, sessionID string) error
}

// PhoneCipher encrypts and decrypts patient numbers for storage.
type PhoneCipher interface {
	Encrypt(e164 string) (string, error)
	Decrypt(encoded string) (string, error)
}

// TransitionAuditor records one row per state change.
type TransitionAuditor interface {
	RecordTransition(ctx context.Context, rec *audit.TransitionRecord) error
}

// Notifier fans session events out to operations staff. Implementations
// must never fail the conversation; errors stay inside the notifier.
type Notifier interface {
	SafetyBlock(ctx context.Context, t *tenant.Tenant, sess *Session, blocks []safety.Finding)
	DeliveryHalted(ctx context.Context, t *tenant.Tenant, sess *Session, reason string)
	SlotSourceFailure(ctx context.Context, t *tenant.Tenant, sess *Session, reason string)
	BookingConfirmed(ctx context.Context, t *tenant.Tenant, sess *Session)
	OrderRefused(ctx context.Context, t *tenant.Tenant, orderID, phoneLast4, reason string)
}

// EngineConfig wires the engine's collaborators.
type EngineConfig struct {
	Store    Storage
	Tenants  TenantSource
	Consents ConsentLedger
	Pending  PendingQueue
	Catalog  CatalogSource
	Patients clinical.Source // optional; nil skips clinical context
	Analyzer OrderAnalyzer
	Sender   MessageSender
	Slots    slots.Source
	Queue    SlotQueue
	Cipher   PhoneCipher
	Auditor  TransitionAuditor
	Notifier Notifier // optional
	Metrics  *metrics.SessionMetrics
	Logger   *logging.Logger
}

// Engine runs the scheduling conversation. Every transition persists the
// new state first under CAS, then sends at most one SMS, and records one
// session_transitions row.
type Engine struct {
	store    Storage
	tenants  TenantSource
	consents ConsentLedger
	pending  PendingQueue
	catalog  CatalogSource
	patients clinical.Source
	analyzer OrderAnalyzer
	sender   MessageSender
	slots    slots.Source
	queue    SlotQueue
	cipher   PhoneCipher
	auditor  TransitionAuditor
	notifier Notifier
	metrics  *metrics.SessionMetrics
	logger   *logging.Logger
	now      func() time.Time
}

// NewEngine builds the conversation engine.
func NewEngine(cfg EngineConfig) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Engine{
		store:    cfg.Store,
		tenants:  cfg.Tenants,
		consents: cfg.Consents,
		pending:  cfg.Pending,
		catalog:  cfg.Catalog,
		patients: cfg.Patients,
		analyzer: cfg.Analyzer,
		sender:   cfg.Sender,
		slots:    cfg.Slots,
		queue:    cfg.Queue,
		cipher:   cfg.Cipher,
		auditor:  cfg.Auditor,
		notifier: cfg.Notifier,
		metrics:  cfg.Metrics,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the engine clock, for tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	if now != nil {
		e.now = now
	}
	return e
}

// transition persists next under CAS against prev.State, records the
// change, and sends msg when non-nil. Send failures never undo a terminal
// state; between non-terminal states a recipient-final error rolls the
// session back to prev. The returned error is errHalted when the state
// persisted but the send did not land cleanly.
func (e *Engine) transition(ctx context.Context, t *tenant.Tenant, prev, next *Session, event string, msg *dialog.Message, allowRevoked bool) error {
	now := e.now()
	next.UpdatedAt = now
	if next.Terminal() && next.CompletedAt == nil {
		next.CompletedAt = &now
	}
	expected := next.State
	if prev != nil {
		expected = prev.State
	}
	if err := e.store.Update(ctx, next, expected); err != nil {
		return fmt.Errorf("session: persist %s: %w", event, err)
	}
	e.recordTransition(ctx, next, expected, next.State, event)

	if msg == nil {
		return nil
	}
	res, sendErr := e.send(ctx, t, next, *msg, allowRevoked)
	if sendErr == nil {
		e.rememberFromNumber(ctx, next, res)
		return nil
	}
	return e.handleSendFailure(ctx, t, prev, next, sendErr)
}

// send decrypts the recipient and hands one message to the dispatcher.
func (e *Engine) send(ctx context.Context, t *tenant.Tenant, sess *Session, msg dialog.Message, allowRevoked bool) (*sms.SendResult, error) {
	digits, err := e.cipher.Decrypt(sess.PhoneEncrypted)
	if err != nil {
		return nil, fmt.Errorf("session: decrypt recipient: %w", err)
	}
	// The ciphertext holds the digit-only form; carriers want E.164 back.
	to, err := phone.Normalize(digits)
	if err != nil {
		return nil, fmt.Errorf("session: recipient not dialable: %w", err)
	}
	return e.sender.Send(ctx, sms.SendRequest{
		TenantID:     t.ID,
		SessionID:    sess.ID,
		To:           to,
		PhoneHash:    sess.PhoneHash,
		PhoneLast4:   phone.Last4(to),
		Body:         msg.Body,
		Type:         msg.Type,
		AllowRevoked: allowRevoked,
	})
}

// rememberFromNumber persists the sticky sender after the first outbound.
// Best effort: a lost write only costs the column, not the assignment,
// which the sticky pool recomputes deterministically.
func (e *Engine) rememberFromNumber(ctx context.Context, sess *Session, res *sms.SendResult) {
	if res == nil || res.FromNumber == "" || sess.FromNumber == res.FromNumber {
		return
	}
	sess.FromNumber = res.FromNumber
	if err := e.store.Update(ctx, sess, sess.State); err != nil {
		e.logger.Warn("session: from_number not persisted", "session_id", sess.ID, "error", err)
	}
}

// handleSendFailure applies the dispatch outcome rules after the state has
// already persisted. prev == nil means the send followed session creation.
func (e *Engine) handleSendFailure(ctx context.Context, t *tenant.Tenant, prev, next *Session, sendErr error) error {
	log := e.logger.WithTenant(t.ID).WithSession(next.ID)

	var finalErr *sms.ProviderFinalError
	stdErr, _ := sms.AsStandardError(sendErr)

	switch {
	case errors.Is(sendErr, sms.ErrConsentRevoked):
		// Revocation raced the send. The conversation cannot continue and
		// parked orders can never be delivered either.
		if !next.Terminal() {
			e.cancelQuiet(ctx, next, EventOptOut)
		}
		e.dropPendingAll(ctx, t, next.PhoneHash, "consent_revoked")

	case stdErr != nil && stdErr.RecipientFinal():
		switch {
		case next.Terminal():
			// The terminal state is a fact (booking made, session closed);
			// only the message was lost. Staff follow up by phone.
			log.Error("terminal message undeliverable", "code", string(stdErr.Code), "state", next.State)
			e.notifyDeliveryHalted(ctx, t, next, string(stdErr.Code))
		case prev == nil:
			// First message of a brand-new session: the number is unusable,
			// so the conversation cannot start at all.
			e.cancelQuiet(ctx, next, EventSendFailed)
			e.notifyDeliveryHalted(ctx, t, next, string(stdErr.Code))
		case prev.State == next.State:
			// Re-prompt on an unchanged state; nothing to roll back.
			log.Warn("reprompt undeliverable", "code", string(stdErr.Code), "state", next.State)
		default:
			restored := prev.clone()
			restored.UpdatedAt = e.now()
			if err := e.store.Update(ctx, restored, next.State); err != nil {
				log.Error("rollback after undeliverable send failed", "error", err)
			} else {
				e.recordTransition(ctx, restored, next.State, restored.State, EventSendRolledBack)
				log.Warn("transition rolled back, message undeliverable", "code", string(stdErr.Code),
					"from", next.State, "to", restored.State)
			}
		}

	case errors.As(sendErr, &finalErr):
		// Both providers exhausted. No further SMS can reach this patient
		// right now; close the session and wake the operators.
		if !next.Terminal() {
			e.cancelQuiet(ctx, next, EventSendFailed)
		}
		log.Error("all sms providers failed", "error", finalErr)
		e.notifyDeliveryHalted(ctx, t, next, "provider_final")

	default:
		// Transient dispatch trouble (consent read, tenant load, UNKNOWN
		// carrier error). The state stands; the lost prompt is recovered
		// by the re-prompt flow or the expiry sweep.
		log.Warn("outbound send failed, state kept", "state", next.State, "error", sendErr)
	}

	return fmt.Errorf("%w: %w", errHalted, sendErr)
}

// cancelQuiet moves a session to CANCELLED with no SMS. CAS losses are
// logged and left alone: whoever won the race owns the session now.
func (e *Engine) cancelQuiet(ctx context.Context, sess *Session, event string) {
	now := e.now()
	cancelled := sess.clone()
	cancelled.State = StateCancelled
	cancelled.UpdatedAt = now
	cancelled.CompletedAt = &now
	if err := e.store.Update(ctx, cancelled, sess.State); err != nil {
		e.logger.Warn("session cancel lost race", "session_id", sess.ID, "error", err)
		return
	}
	e.recordTransition(ctx, cancelled, sess.State, StateCancelled, event)
	*sess = *cancelled
}

// recordTransition writes the audit row and observes the metric. Audit
// failures are logged, never surfaced: the state change already happened.
func (e *Engine) recordTransition(ctx context.Context, sess *Session, from, to, event string) {
	if e.metrics != nil {
		e.metrics.ObserveTransition(from, to, event)
	}
	rec := &audit.TransitionRecord{
		TenantID:  sess.TenantID,
		SessionID: sess.ID,
		PhoneHash: sess.PhoneHash,
		FromState: from,
		ToState:   to,
		Event:     event,
	}
	if e.auditor != nil {
		if err := e.auditor.RecordTransition(ctx, rec); err != nil {
			e.logger.Error("transition audit write failed", "session_id", sess.ID, "event", event, "error", err)
		}
	}
	e.logger.Info("session transition",
		"tenant_id", sess.TenantID,
		"session_id", sess.ID,
		"from", from,
		"to", to,
		"event", event,
	)
}

// recordEvent writes an audit row for order-level events that happen
// outside a session transition (refusals, queueing, pending drops).
func (e *Engine) recordEvent(ctx context.Context, tenantID, sessionID, phoneHash, event string) {
	rec := &audit.TransitionRecord{
		TenantID:  tenantID,
		SessionID: sessionID,
		PhoneHash: phoneHash,
		Event:     event,
	}
	if e.auditor != nil {
		if err := e.auditor.RecordTransition(ctx, rec); err != nil {
			e.logger.Error("event audit write failed", "tenant_id", tenantID, "event", event, "error", err)
		}
	}
}

func (e *Engine) notifySafetyBlock(ctx context.Context, t *tenant.Tenant, sess *Session, blocks []safety.Finding) {
	if e.notifier != nil {
		e.notifier.SafetyBlock(ctx, t, sess, blocks)
	}
}

func (e *Engine) notifyDeliveryHalted(ctx context.Context, t *tenant.Tenant, sess *Session, reason string) {
	if e.notifier != nil {
		e.notifier.DeliveryHalted(ctx, t, sess, reason)
	}
}

func (e *Engine) notifySlotFailure(ctx context.Context, t *tenant.Tenant, sess *Session, reason string) {
	if e.notifier != nil {
		e.notifier.SlotSourceFailure(ctx, t, sess, reason)
	}
}
