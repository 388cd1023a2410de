package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/apexrad/radsched/internal/clinical"
	"github.com/apexrad/radsched/internal/consent"
	"github.com/apexrad/radsched/internal/dialog"
	"github.com/apexrad/radsched/internal/equipment"
	"github.com/apexrad/radsched/internal/orders"
	"github.com/apexrad/radsched/internal/phone"
	"github.com/apexrad/radsched/internal/safety"
	"github.com/apexrad/radsched/internal/tenant"
)

// seed is one candidate order entering a session: either the fresh webhook
// event or a parked pending_orders row.
type seed struct {
	pendingID string
	ev        *orders.Event
}

// orderGroup is a set of same-modality seeds that stack into one visit.
// seeds[0], the oldest, is the primary order the visit books under.
type orderGroup struct {
	modality string
	seeds    []seed
}

func (g orderGroup) primary() *orders.Event { return g.seeds[0].ev }

func (g orderGroup) pendingIDs() []string {
	var ids []string
	for _, s := range g.seeds {
		if s.pendingID != "" {
			ids = append(ids, s.pendingID)
		}
	}
	return ids
}

func (g orderGroup) label() string {
	label := g.primary().Snapshot().ShortLabel()
	if n := len(g.seeds) - 1; n > 0 {
		label = fmt.Sprintf("%s (+%d more)", label, n)
	}
	return label
}

// HandleOrder ingests one validated order event: consent and safety are
// checked, the active-session policy applied, and a session created with
// its opening message. A nil session with nil error means the order was
// accepted but parked, either behind an active conversation or behind the
// tenant's quiet hours.
func (e *Engine) HandleOrder(ctx context.Context, ev *orders.Event) (*Session, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	t, err := e.tenants.Get(ctx, ev.TenantID)
	if err != nil {
		return nil, fmt.Errorf("session: load tenant: %w", err)
	}
	if !t.Active {
		return nil, fmt.Errorf("%w: %s", ErrTenantInactive, t.ID)
	}

	phoneHash := phone.Hash(ev.PatientPhone)
	phoneEnc, err := e.cipher.Encrypt(ev.PatientPhone)
	if err != nil {
		return nil, fmt.Errorf("session: encrypt phone: %w", err)
	}
	log := e.logger.WithTenant(t.ID)

	status, err := e.consents.Status(ctx, t.ID, phoneHash)
	if err != nil {
		return nil, fmt.Errorf("session: consent status: %w", err)
	}
	if status == consent.StatusRevoked {
		e.recordEvent(ctx, t.ID, "", phoneHash, EventOrderRefusedRevoked)
		if e.notifier != nil {
			e.notifier.OrderRefused(ctx, t, ev.OrderID, phone.Last4(ev.PatientPhone), "consent_revoked")
		}
		log.Info("order refused, consent revoked", "order_id", ev.OrderID)
		return nil, fmt.Errorf("%w: order %s", ErrRefusedRevoked, ev.OrderID)
	}

	// One non-terminal session per phone. A second order either parks
	// behind the running conversation or, for supersede tenants, replaces
	// it outright.
	for attempt := 0; ; attempt++ {
		active, err := e.store.ActiveByPhone(ctx, t.ID, phoneHash)
		if errors.Is(err, ErrNotFound) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("session: active lookup: %w", err)
		}
		if t.OnNewOrderPolicy() != tenant.NewOrderSupersede || attempt > 0 {
			return nil, e.queueOrder(ctx, t, active, ev, phoneHash, phoneEnc)
		}
		cancelled := active.clone()
		cancelled.State = StateCancelled
		if err := e.transition(ctx, t, active, cancelled, EventSuperseded, nil, false); err != nil {
			if errors.Is(err, ErrStaleTransition) {
				continue
			}
			return nil, err
		}
		log.Info("active session superseded", "session_id", active.ID, "order_id", ev.OrderID)
	}

	// A fresh routine order landing inside the tenant's quiet hours waits
	// for morning instead of texting the patient overnight. Stat and
	// urgent orders go out regardless.
	if w := t.QuietWindow(); w != nil && w.Contains(e.now()) && !ev.Urgent() {
		return nil, e.holdOrder(ctx, t, ev, phoneHash, phoneEnc, w.NextOpen(e.now()))
	}

	sess, err := e.startSession(ctx, t, phoneHash, phoneEnc, status, []seed{{ev: ev}})
	if err != nil {
		return nil, err
	}
	if sess != nil && sess.Terminal() {
		e.releasePending(ctx, t, phoneHash, phoneEnc, false)
	}
	return sess, nil
}

// queueOrder parks an order behind the active session.
func (e *Engine) queueOrder(ctx context.Context, t *tenant.Tenant, active *Session, ev *orders.Event, phoneHash, phoneEnc string) error {
	if _, err := e.pending.Queue(ctx, ev, phoneHash, phoneEnc); err != nil {
		return fmt.Errorf("session: queue order: %w", err)
	}
	e.recordEvent(ctx, t.ID, active.ID, phoneHash, EventOrderQueued)
	e.logger.WithTenant(t.ID).Info("order parked behind active session",
		"order_id", ev.OrderID, "session_id", active.ID)
	return nil
}

// holdOrder parks a fresh order until the tenant's quiet hours end. The
// held-order sweeper wakes it.
func (e *Engine) holdOrder(ctx context.Context, t *tenant.Tenant, ev *orders.Event, phoneHash, phoneEnc string, until time.Time) error {
	if _, err := e.pending.QueueHeld(ctx, ev, phoneHash, phoneEnc, until); err != nil {
		return fmt.Errorf("session: hold order: %w", err)
	}
	e.recordEvent(ctx, t.ID, "", phoneHash, EventOrderHeld)
	e.logger.WithTenant(t.ID).Info("order held for quiet hours",
		"order_id", ev.OrderID, "hold_until", until)
	return nil
}

// startSession builds and persists a new session from the given seeds plus
// whatever is parked for the phone, and sends the opening message. The
// returned session may already be terminal (safety block, no eligible
// locations). startSession never releases further pending orders; callers
// drive that loop.
func (e *Engine) startSession(ctx context.Context, t *tenant.Tenant, phoneHash, phoneEnc string, status consent.Status, seeds []seed) (*Session, error) {
	parked, err := e.gatherPending(ctx, t, phoneHash, seedOrderIDs(seeds))
	if err != nil {
		return nil, err
	}
	seeds = append(seeds, parked...)
	groups := stackGroups(t, seeds)

	sess := &Session{
		ID:             uuid.NewString(),
		TenantID:       t.ID,
		PhoneHash:      phoneHash,
		PhoneEncrypted: phoneEnc,
	}

	if len(groups) > 1 {
		return e.startMultiOrder(ctx, t, sess, status, groups)
	}
	return e.startSingleVisit(ctx, t, sess, status, groups[0])
}

// startSingleVisit runs analysis and the safety gate for one visit, then
// creates the session in its opening state.
func (e *Engine) startSingleVisit(ctx context.Context, t *tenant.Tenant, sess *Session, status consent.Status, g orderGroup) (*Session, error) {
	data, locs, err := e.buildVisit(ctx, t, sess.ID, g)
	if err != nil {
		return nil, err
	}
	sess.Order = data
	sess.OfferedLocations = locs

	blocked := !data.Safety.Proceed()
	switch {
	case blocked || len(locs) == 0:
		// The session is created and immediately closed so the refusal
		// leaves the same audit trail as any other conversation.
		sess.State = StateConsentPending
		if status == consent.StatusGranted {
			sess.State = StateChoosingLocation
		}
	case status != consent.StatusGranted:
		sess.State = StateConsentPending
	default:
		sess.State = StateChoosingLocation
	}

	if err := e.createSession(ctx, t, sess, g.pendingIDs()); err != nil {
		return nil, err
	}

	if blocked || len(sess.OfferedLocations) == 0 {
		event := EventSafetyBlock
		if !blocked {
			event = EventNoLocations
		}
		cancelled := sess.clone()
		cancelled.State = StateCancelled
		msg := dialog.SafetyFallback(t.ContactPhone())
		if err := e.transition(ctx, t, sess, cancelled, event, &msg, false); err != nil && !errors.Is(err, errHalted) {
			return nil, err
		}
		e.notifySafetyBlock(ctx, t, cancelled, data.Safety.Blocks)
		return cancelled, nil
	}

	var msg dialog.Message
	if sess.State == StateConsentPending {
		msg = dialog.Consent(t.Name, data.Order.ShortLabel())
	} else {
		msg = dialog.LocationList(data.Order.ShortLabel(), sess.OfferedLocations)
	}
	e.sendOpening(ctx, t, sess, msg)
	return sess, nil
}

// startMultiOrder creates a disambiguation session. Analysis and the
// safety gate run later, when the patient picks which visit to schedule;
// every candidate is parked in pending_orders so nothing is lost if the
// session dies first.
func (e *Engine) startMultiOrder(ctx context.Context, t *tenant.Tenant, sess *Session, status consent.Status, groups []orderGroup) (*Session, error) {
	opts := make([]dialog.OrderOption, 0, len(groups))
	for _, g := range groups {
		opts = append(opts, dialog.OrderOption{OrderID: g.primary().OrderID, Label: g.label()})
		if len(opts) == dialog.MaxListOptions {
			break
		}
	}
	sess.OfferedOrders = opts
	sess.State = StateChoosingOrder
	if status != consent.StatusGranted {
		sess.State = StateConsentPending
	}

	// Candidates stay parked until one is chosen, so a dead session loses
	// nothing. Fresh events join the queue alongside the already-parked.
	for _, g := range groups {
		for _, s := range g.seeds {
			if s.pendingID == "" {
				if _, err := e.pending.Queue(ctx, s.ev, sess.PhoneHash, sess.PhoneEncrypted); err != nil {
					return nil, fmt.Errorf("session: park candidate: %w", err)
				}
			}
		}
	}
	if err := e.createSession(ctx, t, sess, nil); err != nil {
		return nil, err
	}

	var msg dialog.Message
	if sess.State == StateConsentPending {
		msg = dialog.Consent(t.Name, opts[0].Label)
	} else {
		msg = dialog.OrderList(opts)
	}
	e.sendOpening(ctx, t, sess, msg)
	return sess, nil
}

// createSession persists the new session, falling back to the pending
// queue when a concurrent entry won the uniqueness race, then consumes the
// seeds' pending rows.
func (e *Engine) createSession(ctx context.Context, t *tenant.Tenant, sess *Session, consumed []string) error {
	if err := e.store.Create(ctx, sess); err != nil {
		if errors.Is(err, ErrActiveSessionExists) {
			return fmt.Errorf("session: create raced active session: %w", err)
		}
		return fmt.Errorf("session: create: %w", err)
	}
	e.recordTransition(ctx, sess, "", sess.State, EventOrderReceived)
	e.markReleased(ctx, consumed)
	return nil
}

// sendOpening delivers the first message of a new session. Failures are
// already handled (cancel or logged loss); entry never propagates them.
func (e *Engine) sendOpening(ctx context.Context, t *tenant.Tenant, sess *Session, msg dialog.Message) {
	res, err := e.send(ctx, t, sess, msg, false)
	if err != nil {
		if hErr := e.handleSendFailure(ctx, t, nil, sess, err); hErr != nil && !errors.Is(hErr, errHalted) {
			e.logger.Error("opening send failed", "session_id", sess.ID, "error", hErr)
		}
		return
	}
	e.rememberFromNumber(ctx, sess, res)
}

// buildVisit assembles the de-identified order snapshot for one visit:
// clinical context, per-order analysis (stacked per the tenant rule), the
// safety screen, and the capability-eligible locations.
func (e *Engine) buildVisit(ctx context.Context, t *tenant.Tenant, sessionID string, g orderGroup) (OrderData, []dialog.LocationOption, error) {
	primary := g.primary()
	patient, err := e.patientContext(ctx, t, primary.PatientID)
	if err != nil {
		return OrderData{}, nil, err
	}

	overrides := t.Scheduling.CPTDurationOverrides
	data := OrderData{Order: primary.Snapshot()}
	analysis := e.analyzer.Analyze(ctx, t.ID, sessionID, data.Order, patient, overrides)
	data.Analysis = analysis

	if len(g.seeds) > 1 {
		total := analysis.TotalDurationMinutes
		caps := slices.Clone(analysis.EquipmentNeeds)
		for _, s := range g.seeds[1:] {
			stacked := s.ev.Snapshot()
			a := e.analyzer.Analyze(ctx, t.ID, sessionID, stacked, patient, overrides)
			if t.StackingRule() == tenant.StackMax {
				total = max(total, a.TotalDurationMinutes)
			} else {
				total += a.TotalDurationMinutes
			}
			caps = mergeCaps(caps, a.EquipmentNeeds)
			data.Stacked = append(data.Stacked, stacked)
		}
		data.Combined = &CombinedVisit{DurationMinutes: total, Capabilities: caps}
	}

	catalog, err := e.catalog.LoadCatalog(ctx, t.ID, primary.Modality)
	if err != nil {
		return OrderData{}, nil, fmt.Errorf("session: load catalog: %w", err)
	}
	result, eligible := safety.Screen(data.Order, patient, catalog, e.now())
	data.Safety = &result

	return data, locationOptions(eligible), nil
}

// patientContext loads clinical context for the safety gate. A missing
// patient record degrades to a nil context (the gate then warns on
// contrast studies); an unreachable source is a transient error so the
// intake job retries.
func (e *Engine) patientContext(ctx context.Context, t *tenant.Tenant, patientID string) (*clinical.PatientContext, error) {
	if e.patients == nil {
		return nil, nil
	}
	patient, err := e.patients.PatientContext(ctx, t.ID, patientID)
	switch {
	case err == nil:
		return patient, nil
	case errors.Is(err, clinical.ErrUnavailable):
		e.logger.WithTenant(t.ID).Warn("clinical context missing, proceeding without")
		return nil, nil
	default:
		return nil, fmt.Errorf("session: clinical context: %w", err)
	}
}

// gatherPending lists parked orders for the phone, drops the stale ones,
// and returns the rest as seeds. skip filters order ids already seeded.
func (e *Engine) gatherPending(ctx context.Context, t *tenant.Tenant, phoneHash string, skip map[string]bool) ([]seed, error) {
	parked, err := e.pending.ListPending(ctx, t.ID, phoneHash)
	if err != nil {
		return nil, fmt.Errorf("session: list pending: %w", err)
	}
	cutoff := e.now().Add(-pendingRetention)

	var (
		seeds []seed
		stale []string
	)
	for i := range parked {
		po := &parked[i]
		if skip[po.Event.OrderID] {
			continue
		}
		if po.QueuedAt.Before(cutoff) {
			stale = append(stale, po.ID)
			e.recordEvent(ctx, t.ID, "", phoneHash, EventPendingDropped)
			e.logger.WithTenant(t.ID).Info("stale pending order dropped",
				"order_id", po.Event.OrderID, "queued_at", po.QueuedAt)
			continue
		}
		seeds = append(seeds, seed{pendingID: po.ID, ev: &po.Event})
	}
	e.markReleased(ctx, stale)
	return seeds, nil
}

// releasePending drains parked orders after a session ends: consecutive
// sessions are started until one survives past creation or nothing is
// left. Revoked consent drops everything instead. A cold release landing
// inside the tenant's quiet hours holds the queue for morning; engaged
// releases, where the patient is mid-conversation, open the next session
// immediately.
func (e *Engine) releasePending(ctx context.Context, t *tenant.Tenant, phoneHash, phoneEnc string, engaged bool) {
	log := e.logger.WithTenant(t.ID)
	status, err := e.consents.Status(ctx, t.ID, phoneHash)
	if err != nil {
		log.Error("pending release: consent status", "error", err)
		return
	}
	if status == consent.StatusRevoked {
		e.dropPendingAll(ctx, t, phoneHash, "consent_revoked")
		return
	}

	if w := t.QuietWindow(); !engaged && w != nil && w.Contains(e.now()) {
		held, err := e.holdPending(ctx, t, phoneHash, w.NextOpen(e.now()))
		if err != nil {
			log.Error("pending release: hold", "error", err)
			return
		}
		if held {
			return
		}
	}

	// Each pass consumes at least one parked order, so the loop is bounded
	// by the queue length.
	for i := 0; i < dialog.MaxListOptions; i++ {
		seeds, err := e.gatherPending(ctx, t, phoneHash, nil)
		if err != nil {
			log.Error("pending release: gather", "error", err)
			return
		}
		if len(seeds) == 0 {
			return
		}
		sess, err := e.startSession(ctx, t, phoneHash, phoneEnc, status, seeds)
		if err != nil {
			log.Error("pending release: start session", "error", err)
			return
		}
		if sess == nil || !sess.Terminal() {
			return
		}
	}
}

// holdPending stamps every parked order for the phone to wake when quiet
// hours end. An urgent order anywhere in the queue vetoes the hold: the
// whole batch releases now and rides one conversation.
func (e *Engine) holdPending(ctx context.Context, t *tenant.Tenant, phoneHash string, until time.Time) (bool, error) {
	parked, err := e.pending.ListPending(ctx, t.ID, phoneHash)
	if err != nil {
		return false, fmt.Errorf("session: list pending: %w", err)
	}
	if len(parked) == 0 {
		return true, nil
	}
	ids := make([]string, 0, len(parked))
	for i := range parked {
		if parked[i].Event.Urgent() {
			return false, nil
		}
		ids = append(ids, parked[i].ID)
	}
	if err := e.pending.Hold(ctx, ids, until); err != nil {
		return false, fmt.Errorf("session: hold pending: %w", err)
	}
	e.logger.WithTenant(t.ID).Info("pending orders held for quiet hours",
		"count", len(ids), "hold_until", until)
	return true, nil
}

// dropPendingAll discards every parked order for the phone, one audit row
// each.
func (e *Engine) dropPendingAll(ctx context.Context, t *tenant.Tenant, phoneHash, reason string) {
	parked, err := e.pending.ListPending(ctx, t.ID, phoneHash)
	if err != nil {
		e.logger.Error("pending drop: list", "tenant_id", t.ID, "error", err)
		return
	}
	if len(parked) == 0 {
		return
	}
	ids := make([]string, 0, len(parked))
	for _, po := range parked {
		ids = append(ids, po.ID)
		e.recordEvent(ctx, t.ID, "", phoneHash, EventPendingDropped)
		e.logger.WithTenant(t.ID).Info("pending order dropped",
			"order_id", po.Event.OrderID, "reason", reason)
	}
	e.markReleased(ctx, ids)
}

// markReleased consumes pending rows, logging failures loudly: a row left
// unreleased can seed a duplicate conversation later.
func (e *Engine) markReleased(ctx context.Context, ids []string) {
	if len(ids) == 0 {
		return
	}
	if err := e.pending.MarkReleased(ctx, ids); err != nil {
		e.logger.Error("pending rows not marked released", "ids", ids, "error", err)
	}
}

func seedOrderIDs(seeds []seed) map[string]bool {
	ids := make(map[string]bool, len(seeds))
	for _, s := range seeds {
		ids[s.ev.OrderID] = true
	}
	return ids
}

// stackGroups buckets seeds by modality, oldest first within and across
// groups. Same-modality orders ride one visit; distinct modalities become
// separate choices.
func stackGroups(t *tenant.Tenant, seeds []seed) []orderGroup {
	slices.SortStableFunc(seeds, func(a, b seed) int {
		return a.ev.ReceivedAt.Compare(b.ev.ReceivedAt)
	})
	var groups []orderGroup
	index := make(map[string]int)
	for _, s := range seeds {
		if i, ok := index[s.ev.Modality]; ok {
			groups[i].seeds = append(groups[i].seeds, s)
			continue
		}
		index[s.ev.Modality] = len(groups)
		groups = append(groups, orderGroup{modality: s.ev.Modality, seeds: []seed{s}})
	}
	return groups
}

func mergeCaps(have, add []string) []string {
	for _, c := range add {
		if !slices.Contains(have, c) {
			have = append(have, c)
		}
	}
	return have
}

func locationOptions(eligible []equipment.LocationEquipment) []dialog.LocationOption {
	opts := make([]dialog.LocationOption, 0, len(eligible))
	for _, le := range eligible {
		opts = append(opts, dialog.LocationOption{ID: le.Location.ID, Name: le.Location.Name})
		if len(opts) == dialog.MaxListOptions {
			break
		}
	}
	return opts
}
