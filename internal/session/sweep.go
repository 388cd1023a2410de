package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/apexrad/radsched/internal/dialog"
	"github.com/apexrad/radsched/internal/slots"
	"github.com/apexrad/radsched/internal/tenant"
)

// HandleSlotFetch answers the asynchronous availability request for one
// session. Late or duplicate deliveries are dropped against the state
// check; only AWAITING_SLOTS sessions accept a slot reply.
func (e *Engine) HandleSlotFetch(ctx context.Context, tenantID, sessionID string) error {
	sess, err := e.store.Get(ctx, sessionID)
	if errors.Is(err, ErrNotFound) {
		e.logger.Warn("slot fetch for unknown session, dropped", "session_id", sessionID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("session: load: %w", err)
	}
	if sess.State != StateAwaitingSlots {
		e.logger.Info("slot fetch arrived late, dropped", "session_id", sessionID, "state", sess.State)
		return nil
	}
	t, err := e.tenants.Get(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("session: load tenant: %w", err)
	}

	req := slots.SlotRequest{
		TenantID:                t.ID,
		LocationID:              sess.LocationID,
		Modality:                sess.Order.Order.Modality,
		RequiredDurationMinutes: visitDuration(sess),
		RequiredCapabilities:    visitCapabilities(sess),
	}
	if sess.Order.Safety != nil {
		req.EarliestDate = sess.Order.Safety.MinScheduleDate
	}

	available, err := e.slots.FetchSlots(ctx, req)
	var finalErr *slots.FinalError
	switch {
	case errors.As(err, &finalErr):
		next := sess.clone()
		next.State = StateCancelled
		msg := dialog.CallUs(t.ContactPhone())
		if err := e.transition(ctx, t, sess, next, EventSlotFetchFailed, &msg, false); err != nil && !errors.Is(err, errHalted) {
			return err
		}
		e.notifySlotFailure(ctx, t, next, "slot_fetch_failed")
		e.releasePending(ctx, t, sess.PhoneHash, sess.PhoneEncrypted, true)
		return nil
	case err != nil:
		// Transient: the job retries, and the timeout sweep backstops a
		// request that never answers at all.
		return fmt.Errorf("session: fetch slots: %w", err)
	}

	if len(available) == 0 {
		return e.handleEmptySlots(ctx, t, sess)
	}

	opts := make([]dialog.SlotOption, 0, len(available))
	for _, s := range available {
		opts = append(opts, dialog.SlotOption{SlotID: s.SlotID, Time: s.Datetime, DurationMinutes: s.DurationMinutes})
		if len(opts) == dialog.MaxListOptions {
			break
		}
	}
	next := sess.clone()
	next.State = StateChoosingTime
	next.OfferedSlots = opts
	next.SlotRequestSentAt = nil
	next.RepromptCount = 0
	msg := dialog.SlotList(sess.LocationName, opts)
	if err := e.transition(ctx, t, sess, next, EventSlotsOffered, &msg, false); err != nil && !errors.Is(err, errHalted) {
		return err
	}
	return nil
}

// handleEmptySlots sends the patient back to the location list, minus the
// location that came up dry. Running out of locations closes the session.
func (e *Engine) handleEmptySlots(ctx context.Context, t *tenant.Tenant, sess *Session) error {
	remaining := make([]dialog.LocationOption, 0, len(sess.OfferedLocations))
	for _, opt := range sess.OfferedLocations {
		if opt.ID != sess.LocationID {
			remaining = append(remaining, opt)
		}
	}

	if len(remaining) == 0 {
		next := sess.clone()
		next.State = StateCancelled
		msg := dialog.CallUs(t.ContactPhone())
		if err := e.transition(ctx, t, sess, next, EventNoLocations, &msg, false); err != nil && !errors.Is(err, errHalted) {
			return err
		}
		e.releasePending(ctx, t, sess.PhoneHash, sess.PhoneEncrypted, true)
		return nil
	}

	next := sess.clone()
	next.State = StateChoosingLocation
	next.OfferedLocations = remaining
	next.LocationID = ""
	next.LocationName = ""
	next.SlotRequestSentAt = nil
	next.RepromptCount = 0
	msg := dialog.NoSlots(sess.LocationName, remaining)
	if err := e.transition(ctx, t, sess, next, EventNoSlots, &msg, false); err != nil && !errors.Is(err, errHalted) {
		return err
	}
	return nil
}

// ExpireDue closes every session past its lifetime, silently, and wakes
// any parked orders. Individual failures are logged and skipped so one bad
// row cannot wedge the sweep.
func (e *Engine) ExpireDue(ctx context.Context, limit int) (int, error) {
	due, err := e.store.ListExpired(ctx, e.now(), limit)
	if err != nil {
		return 0, fmt.Errorf("session: list expired: %w", err)
	}
	expired := 0
	for _, sess := range due {
		t, err := e.tenants.Get(ctx, sess.TenantID)
		if err != nil {
			e.logger.Error("expiry sweep: load tenant", "tenant_id", sess.TenantID, "error", err)
			continue
		}
		next := sess.clone()
		next.State = StateExpired
		if err := e.transition(ctx, t, sess, next, EventExpired, nil, false); err != nil {
			if !errors.Is(err, ErrStaleTransition) {
				e.logger.Error("expiry sweep: transition", "session_id", sess.ID, "error", err)
			}
			continue
		}
		if e.metrics != nil {
			e.metrics.ObserveExpiration()
		}
		expired++
		e.releasePending(ctx, t, sess.PhoneHash, sess.PhoneEncrypted, false)
	}
	return expired, nil
}

// SweepSlotTimeouts handles slot requests that never answered: one silent
// re-request, then a call-us cancel.
func (e *Engine) SweepSlotTimeouts(ctx context.Context, limit int) (int, error) {
	cutoff := e.now().Add(-SlotRequestTimeout)
	due, err := e.store.ListSlotTimeouts(ctx, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("session: list slot timeouts: %w", err)
	}
	swept := 0
	for _, sess := range due {
		t, err := e.tenants.Get(ctx, sess.TenantID)
		if err != nil {
			e.logger.Error("timeout sweep: load tenant", "tenant_id", sess.TenantID, "error", err)
			continue
		}
		now := e.now()

		if sess.SlotRetryCount < MaxSlotRetries {
			next := sess.clone()
			next.SlotRetryCount++
			next.SlotRequestSentAt = &now
			if err := e.transition(ctx, t, sess, next, EventSlotRetry, nil, false); err != nil {
				if !errors.Is(err, ErrStaleTransition) {
					e.logger.Error("timeout sweep: retry transition", "session_id", sess.ID, "error", err)
				}
				continue
			}
			if e.metrics != nil {
				e.metrics.ObserveSlotTimeout("retried")
			}
			e.enqueueSlotFetch(ctx, t, next)
			swept++
			continue
		}

		next := sess.clone()
		next.State = StateCancelled
		next.SlotRequestFailedAt = &now
		msg := dialog.CallUs(t.ContactPhone())
		if err := e.transition(ctx, t, sess, next, EventSlotTimeout, &msg, false); err != nil && !errors.Is(err, errHalted) {
			if !errors.Is(err, ErrStaleTransition) {
				e.logger.Error("timeout sweep: cancel transition", "session_id", sess.ID, "error", err)
			}
			continue
		}
		if e.metrics != nil {
			e.metrics.ObserveSlotTimeout("cancelled")
		}
		e.notifySlotFailure(ctx, t, next, "slot_request_timeout")
		e.releasePending(ctx, t, sess.PhoneHash, sess.PhoneEncrypted, true)
		swept++
	}
	return swept, nil
}

// heldPair collects one (tenant, phone)'s due holds so the sweep wakes
// each patient at most once per pass.
type heldPair struct {
	tenantID  string
	phoneHash string
	phoneEnc  string
	ids       []string
}

// ReleaseHeldDue wakes orders whose quiet-hour hold has lapsed. A pair
// whose tenant is quiet again is restamped to the next opening; a pair
// with a live session sheds its holds and waits for the close like any
// parked order; the rest release through the normal post-session path.
func (e *Engine) ReleaseHeldDue(ctx context.Context, limit int) (int, error) {
	due, err := e.pending.ListHeldDue(ctx, e.now(), limit)
	if err != nil {
		return 0, fmt.Errorf("session: list held due: %w", err)
	}

	var pairs []*heldPair
	index := make(map[string]*heldPair)
	for i := range due {
		po := &due[i]
		key := po.TenantID + "|" + po.PhoneHash
		p := index[key]
		if p == nil {
			p = &heldPair{tenantID: po.TenantID, phoneHash: po.PhoneHash, phoneEnc: po.PhoneEncrypted}
			index[key] = p
			pairs = append(pairs, p)
		}
		p.ids = append(p.ids, po.ID)
	}

	swept := 0
	for _, p := range pairs {
		t, err := e.tenants.Get(ctx, p.tenantID)
		if err != nil {
			e.logger.Error("held sweep: load tenant", "tenant_id", p.tenantID, "error", err)
			continue
		}
		if w := t.QuietWindow(); w != nil && w.Contains(e.now()) {
			if err := e.pending.Hold(ctx, p.ids, w.NextOpen(e.now())); err != nil {
				e.logger.Error("held sweep: restamp", "tenant_id", p.tenantID, "error", err)
				continue
			}
			swept += len(p.ids)
			continue
		}
		if _, err := e.store.ActiveByPhone(ctx, t.ID, p.phoneHash); err == nil {
			if err := e.pending.ClearHold(ctx, p.ids); err != nil {
				e.logger.Error("held sweep: clear hold", "tenant_id", p.tenantID, "error", err)
				continue
			}
			swept += len(p.ids)
			continue
		} else if !errors.Is(err, ErrNotFound) {
			e.logger.Error("held sweep: active lookup", "tenant_id", p.tenantID, "error", err)
			continue
		}
		e.releasePending(ctx, t, p.phoneHash, p.phoneEnc, false)
		swept += len(p.ids)
	}
	return swept, nil
}

// visitDuration is the slot length to request: the stacked total when the
// visit combines orders, otherwise the single-order analysis.
func visitDuration(sess *Session) int {
	if sess.Order.Combined != nil {
		return sess.Order.Combined.DurationMinutes
	}
	if sess.Order.Analysis != nil {
		return sess.Order.Analysis.TotalDurationMinutes
	}
	return 0
}

func visitCapabilities(sess *Session) []string {
	if sess.Order.Combined != nil {
		return sess.Order.Combined.Capabilities
	}
	if sess.Order.Analysis != nil {
		return sess.Order.Analysis.EquipmentNeeds
	}
	return nil
}
