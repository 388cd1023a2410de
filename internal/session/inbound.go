package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/apexrad/radsched/internal/consent"
	"github.com/apexrad/radsched/internal/dialog"
	"github.com/apexrad/radsched/internal/phone"
	"github.com/apexrad/radsched/internal/slots"
	"github.com/apexrad/radsched/internal/sms"
	"github.com/apexrad/radsched/internal/tenant"
)

// InboundMessage is one patient reply, already deduplicated and audited by
// the webhook layer.
type InboundMessage struct {
	TenantID          string `json:"tenantId"`
	From              string `json:"from"`
	To                string `json:"to"`
	Body              string `json:"body"`
	ProviderMessageID string `json:"providerMessageId,omitempty"`
}

// HandleInbound applies one patient reply to their conversation. STOP is
// honored in every state, with or without a session. Errors are transient:
// the intake job retries and no reply is half-applied, because nothing
// here sends before the state change persists.
func (e *Engine) HandleInbound(ctx context.Context, in InboundMessage) error {
	t, err := e.tenants.Get(ctx, in.TenantID)
	if err != nil {
		return fmt.Errorf("session: load tenant: %w", err)
	}
	from, err := phone.Normalize(in.From)
	if err != nil {
		e.logger.WithTenant(t.ID).Warn("inbound from unparseable number, ignored")
		return nil
	}
	phoneHash := phone.Hash(from)
	body := strings.TrimSpace(in.Body)
	log := e.logger.WithTenant(t.ID)

	sess, err := e.store.ActiveByPhone(ctx, t.ID, phoneHash)
	if errors.Is(err, ErrNotFound) {
		return e.handleSessionless(ctx, t, from, phoneHash, body)
	}
	if err != nil {
		return fmt.Errorf("session: active lookup: %w", err)
	}

	// A reply can arrive between expiry and the sweep. Close the session
	// first, then treat the text as session-less so STOP still lands.
	if sess.Expired(e.now()) {
		expired := sess.clone()
		expired.State = StateExpired
		if err := e.transition(ctx, t, sess, expired, EventExpired, nil, false); err != nil {
			return err
		}
		if e.metrics != nil {
			e.metrics.ObserveExpiration()
		}
		if err := e.handleSessionless(ctx, t, from, phoneHash, body); err != nil {
			return err
		}
		e.releasePending(ctx, t, phoneHash, sess.PhoneEncrypted, true)
		return nil
	}

	switch {
	case sms.IsStopKeyword(body):
		return e.handleStop(ctx, t, sess)
	case sms.IsHelpKeyword(body):
		return e.handleHelp(ctx, t, sess)
	}

	switch sess.State {
	case StateConsentPending:
		return e.handleConsentReply(ctx, t, sess, body)
	case StateChoosingOrder:
		return e.handleOrderChoice(ctx, t, sess, body)
	case StateChoosingLocation:
		return e.handleLocationChoice(ctx, t, sess, body)
	case StateChoosingTime:
		return e.handleSlotChoice(ctx, t, sess, body)
	case StateAwaitingSlots:
		// No prompt is outstanding; the slot list (or its timeout) answers.
		log.Info("reply while awaiting slots, ignored", "session_id", sess.ID)
		return nil
	default:
		log.Warn("reply for session in unexpected state", "session_id", sess.ID, "state", sess.State)
		return nil
	}
}

// handleSessionless covers texts from phones with no open conversation.
// Compliance keywords still work; anything else is ignored.
func (e *Engine) handleSessionless(ctx context.Context, t *tenant.Tenant, from, phoneHash, body string) error {
	log := e.logger.WithTenant(t.ID)
	switch {
	case sms.IsStopKeyword(body):
		if err := e.consents.Revoke(ctx, t.ID, phoneHash, "sms_stop"); err != nil {
			return fmt.Errorf("session: revoke consent: %w", err)
		}
		e.recordEvent(ctx, t.ID, "", phoneHash, EventOptOut)
		e.sendDirect(ctx, t, from, phoneHash, dialog.OptOutAck(), true)
		e.dropPendingAll(ctx, t, phoneHash, "consent_revoked")

	case sms.IsStartKeyword(body):
		if err := e.consents.Grant(ctx, t.ID, phoneHash, consent.MethodSMSReply); err != nil {
			return fmt.Errorf("session: grant consent: %w", err)
		}
		log.Info("consent re-granted by START")
		enc, err := e.cipher.Encrypt(from)
		if err != nil {
			return fmt.Errorf("session: encrypt phone: %w", err)
		}
		e.releasePending(ctx, t, phoneHash, enc, true)

	case sms.IsHelpKeyword(body):
		e.sendDirect(ctx, t, from, phoneHash, dialog.Help(t.ContactPhone()), false)

	default:
		log.Info("inbound with no open session, ignored")
	}
	return nil
}

// sendDirect delivers a session-less message (opt-out ack, help). Failures
// are logged; there is no conversation state to protect.
func (e *Engine) sendDirect(ctx context.Context, t *tenant.Tenant, to, phoneHash string, msg dialog.Message, allowRevoked bool) {
	_, err := e.sender.Send(ctx, sms.SendRequest{
		TenantID:     t.ID,
		To:           to,
		PhoneHash:    phoneHash,
		PhoneLast4:   phone.Last4(to),
		Body:         msg.Body,
		Type:         msg.Type,
		AllowRevoked: allowRevoked,
	})
	if err != nil {
		e.logger.WithTenant(t.ID).Warn("direct send failed", "type", msg.Type, "error", err)
	}
}

// handleStop revokes consent and closes the conversation. The ack is the
// one message allowed past a revocation.
func (e *Engine) handleStop(ctx context.Context, t *tenant.Tenant, sess *Session) error {
	if err := e.consents.Revoke(ctx, t.ID, sess.PhoneHash, "sms_stop"); err != nil {
		return fmt.Errorf("session: revoke consent: %w", err)
	}
	next := sess.clone()
	next.State = StateCancelled
	msg := dialog.OptOutAck()
	if err := e.transition(ctx, t, sess, next, EventOptOut, &msg, true); err != nil && !errors.Is(err, errHalted) {
		return err
	}
	e.dropPendingAll(ctx, t, sess.PhoneHash, "consent_revoked")
	return nil
}

// handleHelp re-sends the current prompt with help text. No transition, no
// reprompt consumed.
func (e *Engine) handleHelp(ctx context.Context, t *tenant.Tenant, sess *Session) error {
	contact := t.ContactPhone()
	msg := dialog.Help(contact)
	if prompt, ok := e.currentPrompt(t, sess); ok {
		msg = dialog.WithHelp(prompt, contact)
	}
	if _, err := e.send(ctx, t, sess, msg, false); err != nil {
		e.logger.WithTenant(t.ID).Warn("help reply failed", "session_id", sess.ID, "error", err)
	}
	return nil
}

func (e *Engine) handleConsentReply(ctx context.Context, t *tenant.Tenant, sess *Session, body string) error {
	switch {
	case isYes(body):
		if err := e.consents.Grant(ctx, t.ID, sess.PhoneHash, consent.MethodSMSReply); err != nil {
			return fmt.Errorf("session: grant consent: %w", err)
		}
		next := sess.clone()
		next.RepromptCount = 0
		var msg dialog.Message
		if len(sess.OfferedOrders) > 0 {
			next.State = StateChoosingOrder
			msg = dialog.OrderList(sess.OfferedOrders)
		} else {
			next.State = StateChoosingLocation
			msg = dialog.LocationList(studyLabel(sess), sess.OfferedLocations)
		}
		if err := e.transition(ctx, t, sess, next, EventConsentGranted, &msg, false); err != nil && !errors.Is(err, errHalted) {
			return err
		}
		return nil

	case isNo(body):
		next := sess.clone()
		next.State = StateCancelled
		msg := dialog.Goodbye(t.ContactPhone())
		if err := e.transition(ctx, t, sess, next, EventConsentDenied, &msg, false); err != nil && !errors.Is(err, errHalted) {
			return err
		}
		// They said no to texting; waking the queue would ask again.
		e.dropPendingAll(ctx, t, sess.PhoneHash, "consent_denied")
		return nil

	default:
		return e.reprompt(ctx, t, sess)
	}
}

// handleOrderChoice resolves a multi-order pick: the chosen visit is built
// (analysis, safety, locations) and its parked rows consumed.
func (e *Engine) handleOrderChoice(ctx context.Context, t *tenant.Tenant, sess *Session, body string) error {
	idx, ok := parseChoice(body, len(sess.OfferedOrders))
	if !ok {
		return e.reprompt(ctx, t, sess)
	}
	chosen := sess.OfferedOrders[idx-1]

	seeds, err := e.gatherPending(ctx, t, sess.PhoneHash, nil)
	if err != nil {
		return err
	}
	groups := stackGroups(t, seeds)
	var picked *orderGroup
	for i := range groups {
		if groups[i].primary().OrderID == chosen.OrderID {
			picked = &groups[i]
			break
		}
	}
	if picked == nil {
		// The parked order vanished underneath the offer (retention drop).
		e.logger.WithTenant(t.ID).Warn("chosen order no longer pending", "session_id", sess.ID, "order_id", chosen.OrderID)
		return e.reprompt(ctx, t, sess)
	}

	data, locs, err := e.buildVisit(ctx, t, sess.ID, *picked)
	if err != nil {
		return err
	}

	if !data.Safety.Proceed() || len(locs) == 0 {
		event := EventSafetyBlock
		if data.Safety.Proceed() {
			event = EventNoLocations
		}
		next := sess.clone()
		next.Order = data
		next.OfferedOrders = nil
		next.State = StateCancelled
		msg := dialog.SafetyFallback(t.ContactPhone())
		if err := e.transition(ctx, t, sess, next, event, &msg, false); err != nil && !errors.Is(err, errHalted) {
			return err
		}
		e.notifySafetyBlock(ctx, t, next, data.Safety.Blocks)
		e.markReleased(ctx, picked.pendingIDs())
		e.releasePending(ctx, t, sess.PhoneHash, sess.PhoneEncrypted, true)
		return nil
	}

	next := sess.clone()
	next.Order = data
	next.OfferedOrders = nil
	next.OfferedLocations = locs
	next.State = StateChoosingLocation
	next.RepromptCount = 0
	msg := dialog.LocationList(data.Order.ShortLabel(), locs)
	if err := e.transition(ctx, t, sess, next, EventOrderChosen, &msg, false); err != nil {
		if errors.Is(err, errHalted) {
			return nil
		}
		return err
	}
	e.markReleased(ctx, picked.pendingIDs())
	return nil
}

// handleLocationChoice parks the session in AWAITING_SLOTS and enqueues
// the fetch. No SMS; the slot list or the timeout sweep speaks next.
func (e *Engine) handleLocationChoice(ctx context.Context, t *tenant.Tenant, sess *Session, body string) error {
	idx, ok := parseChoice(body, len(sess.OfferedLocations))
	if !ok {
		return e.reprompt(ctx, t, sess)
	}
	loc := sess.OfferedLocations[idx-1]

	now := e.now()
	next := sess.clone()
	next.State = StateAwaitingSlots
	next.LocationID = loc.ID
	next.LocationName = loc.Name
	next.SlotRequestSentAt = &now
	next.SlotRetryCount = 0
	next.RepromptCount = 0
	next.OfferedSlots = nil
	if err := e.transition(ctx, t, sess, next, EventLocationChosen, nil, false); err != nil {
		return err
	}
	e.enqueueSlotFetch(ctx, t, next)
	return nil
}

// handleSlotChoice books the picked slot. Booking precedes the state
// change so a crash never confirms an unbooked visit; the idempotent
// booking call makes the retry safe.
func (e *Engine) handleSlotChoice(ctx context.Context, t *tenant.Tenant, sess *Session, body string) error {
	idx, ok := parseChoice(body, len(sess.OfferedSlots))
	if !ok {
		return e.reprompt(ctx, t, sess)
	}
	slot := sess.OfferedSlots[idx-1]
	log := e.logger.WithTenant(t.ID).WithSession(sess.ID)

	conf, err := e.slots.Book(ctx, slots.BookingRequest{
		TenantID:              t.ID,
		SlotID:                slot.SlotID,
		OrderID:               sess.Order.Order.OrderID,
		PatientPhoneEncrypted: sess.PhoneEncrypted,
	})
	var finalErr *slots.FinalError
	switch {
	case err == nil:
		at := slot.Time
		next := sess.clone()
		next.State = StateConfirmed
		next.SlotID = slot.SlotID
		next.SlotTime = &at
		next.RepromptCount = 0
		msg := dialog.Confirmation(studyLabel(sess), sess.LocationName, at, t.ContactPhone())
		if err := e.transition(ctx, t, sess, next, EventBooked, &msg, false); err != nil && !errors.Is(err, errHalted) {
			// The booking exists but the session slipped away (raced STOP
			// or expiry). The retried job re-books the same slot, which
			// the source answers idempotently.
			log.Error("booked but confirmation transition failed", "confirmation_id", conf.ConfirmationID, "error", err)
			return err
		}
		log.Info("appointment booked", "confirmation_id", conf.ConfirmationID, "slot_id", slot.SlotID)
		if e.notifier != nil && t.Notify.NotifyOnConfirm {
			e.notifier.BookingConfirmed(ctx, t, next)
		}
		e.releasePending(ctx, t, sess.PhoneHash, sess.PhoneEncrypted, true)
		return nil

	case errors.As(err, &finalErr):
		next := sess.clone()
		next.State = StateCancelled
		msg := dialog.CallUs(t.ContactPhone())
		if err := e.transition(ctx, t, sess, next, EventBookingFailed, &msg, false); err != nil && !errors.Is(err, errHalted) {
			return err
		}
		e.notifySlotFailure(ctx, t, next, "booking_failed")
		e.releasePending(ctx, t, sess.PhoneHash, sess.PhoneEncrypted, true)
		return nil

	default:
		return fmt.Errorf("session: book slot: %w", err)
	}
}

// reprompt re-sends the prompt for an unrecognized reply, or closes the
// conversation once the limit is spent.
func (e *Engine) reprompt(ctx context.Context, t *tenant.Tenant, sess *Session) error {
	if sess.RepromptCount >= MaxReprompts {
		next := sess.clone()
		next.State = StateCancelled
		msg := dialog.Goodbye(t.ContactPhone())
		if err := e.transition(ctx, t, sess, next, EventRepromptLimit, &msg, false); err != nil && !errors.Is(err, errHalted) {
			return err
		}
		if sess.State == StateConsentPending {
			// Never consented; waking the queue would just ask again.
			e.dropPendingAll(ctx, t, sess.PhoneHash, "unresponsive")
		} else {
			e.releasePending(ctx, t, sess.PhoneHash, sess.PhoneEncrypted, true)
		}
		return nil
	}

	prompt, ok := e.currentPrompt(t, sess)
	if !ok {
		e.logger.WithTenant(t.ID).Warn("no prompt for state", "session_id", sess.ID, "state", sess.State)
		return nil
	}
	next := sess.clone()
	next.RepromptCount++
	if err := e.transition(ctx, t, sess, next, EventReprompt, &prompt, false); err != nil && !errors.Is(err, errHalted) {
		return err
	}
	return nil
}

// currentPrompt rebuilds the outstanding question for the session's state.
func (e *Engine) currentPrompt(t *tenant.Tenant, sess *Session) (dialog.Message, bool) {
	switch sess.State {
	case StateConsentPending:
		return dialog.Consent(t.Name, studyLabel(sess)), true
	case StateChoosingOrder:
		return dialog.OrderList(sess.OfferedOrders), true
	case StateChoosingLocation:
		return dialog.LocationList(studyLabel(sess), sess.OfferedLocations), true
	case StateChoosingTime:
		return dialog.SlotList(sess.LocationName, sess.OfferedSlots), true
	}
	return dialog.Message{}, false
}

// enqueueSlotFetch hands the availability request to the queue. Failure is
// logged, not returned: the timeout sweep re-issues the fetch.
func (e *Engine) enqueueSlotFetch(ctx context.Context, t *tenant.Tenant, sess *Session) {
	if e.queue == nil {
		e.logger.Warn("no slot queue wired, awaiting sweep", "session_id", sess.ID)
		return
	}
	if err := e.queue.EnqueueSlotFetch(ctx, t.ID, sess.ID); err != nil {
		e.logger.Error("slot fetch enqueue failed", "session_id", sess.ID, "error", err)
	}
}

func studyLabel(sess *Session) string {
	if sess.Order.Order.OrderID != "" {
		return sess.Order.Order.ShortLabel()
	}
	if len(sess.OfferedOrders) > 0 {
		return sess.OfferedOrders[0].Label
	}
	return "imaging visit"
}

func isYes(body string) bool {
	switch strings.ToUpper(trimReply(body)) {
	case "YES", "Y", "YEAH", "YEP":
		return true
	}
	return false
}

func isNo(body string) bool {
	switch strings.ToUpper(trimReply(body)) {
	case "NO", "N", "NOPE":
		return true
	}
	return false
}

// parseChoice reads a numbered-menu reply. Anything but a number inside
// the offered range counts as unrecognized.
func parseChoice(body string, n int) (int, bool) {
	idx, err := strconv.Atoi(trimReply(body))
	if err != nil || idx < 1 || idx > n {
		return 0, false
	}
	return idx, true
}

func trimReply(body string) string {
	return strings.Trim(strings.TrimSpace(body), ".!#()[] ")
}
