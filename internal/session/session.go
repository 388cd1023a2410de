// Package session owns the per-patient scheduling conversation: the state
// machine, its Postgres store, and the engine that turns order events,
// inbound replies, slot responses, and sweep ticks into transitions. One
// rule shapes everything here: persist the new state first, then send at
// most one SMS, and leave an audit row either way.
package session

import (
	"errors"
	"time"

	"github.com/apexrad/radsched/internal/analyzer"
	"github.com/apexrad/radsched/internal/dialog"
	"github.com/apexrad/radsched/internal/orders"
	"github.com/apexrad/radsched/internal/safety"
)

// Conversation states. Terminal states never change again.
const (
	StateConsentPending   = "CONSENT_PENDING"
	StateChoosingOrder    = "CHOOSING_ORDER"
	StateChoosingLocation = "CHOOSING_LOCATION"
	StateAwaitingSlots    = "AWAITING_SLOTS"
	StateChoosingTime     = "CHOOSING_TIME"
	StateConfirmed        = "CONFIRMED"
	StateCancelled        = "CANCELLED"
	StateExpired          = "EXPIRED"
)

// Transition events, recorded on every session_transitions row.
const (
	EventOrderReceived   = "ORDER_RECEIVED"
	EventConsentGranted  = "CONSENT_GRANTED"
	EventConsentDenied   = "CONSENT_DENIED"
	EventOptOut          = "OPT_OUT"
	EventOrderChosen     = "ORDER_CHOSEN"
	EventLocationChosen  = "LOCATION_CHOSEN"
	EventSlotsOffered    = "SLOTS_OFFERED"
	EventNoSlots         = "NO_SLOTS"
	EventSlotRetry       = "SLOT_RETRY"
	EventSlotTimeout     = "SLOT_TIMEOUT"
	EventSlotFetchFailed = "SLOT_FETCH_FAILED"
	EventBooked          = "BOOKED"
	EventBookingFailed   = "BOOKING_FAILED"
	EventReprompt        = "REPROMPT"
	EventRepromptLimit   = "REPROMPT_LIMIT"
	EventSafetyBlock     = "SAFETY_BLOCK"
	EventNoLocations     = "NO_LOCATIONS"
	EventSendFailed      = "SEND_FAILED"
	EventSendRolledBack  = "SEND_ROLLED_BACK"
	EventSuperseded      = "SUPERSEDED"
	EventExpired         = "EXPIRED"

	// Pre-session refusals, recorded with no session id.
	EventOrderRefusedRevoked = "ORDER_REFUSED_CONSENT_REVOKED"
	EventOrderQueued         = "ORDER_QUEUED"
	EventOrderHeld           = "ORDER_HELD"
	EventPendingDropped      = "PENDING_DROPPED"
)

const (
	// TTL is the fixed session lifetime. expires_at is started_at + TTL
	// and never advances.
	TTL = 24 * time.Hour

	// MaxReprompts bounds unrecognized replies in a choice state. The
	// reply after the limit cancels the session.
	MaxReprompts = 3

	// SlotRequestTimeout is how long a slot request may sit unanswered
	// before the sweep steps in.
	SlotRequestTimeout = 60 * time.Second

	// MaxSlotRetries bounds sweep-driven re-requests. After the limit the
	// session cancels with a call-us message.
	MaxSlotRetries = 1
)

var (
	ErrNotFound = errors.New("session: not found")

	// ErrActiveSessionExists surfaces the partial unique index on
	// (tenant_id, phone_hash) over non-terminal states.
	ErrActiveSessionExists = errors.New("session: active session exists for phone")

	// ErrStaleTransition means a concurrent writer moved the session
	// first; the caller reloads and re-decides.
	ErrStaleTransition = errors.New("session: state changed concurrently")
)

// Terminal reports whether a state ends the session.
func Terminal(state string) bool {
	switch state {
	case StateConfirmed, StateCancelled, StateExpired:
		return true
	}
	return false
}

// OrderData is the de-identified JSONB snapshot a session carries: the
// order being scheduled, any same-modality orders stacked into the same
// visit, and the analysis and safety results that shaped what can be
// offered. Stacked visits book under the primary order's id; Combined
// carries the stacked duration and the union of equipment needs.
type OrderData struct {
	Order    orders.Order       `json:"order"`
	Stacked  []orders.Order     `json:"stacked,omitempty"`
	Analysis *analyzer.Analysis `json:"analysis,omitempty"`
	Safety   *safety.Result     `json:"safety,omitempty"`
	Combined *CombinedVisit     `json:"combined,omitempty"`
}

// CombinedVisit describes a multi-order visit stacked into one slot.
type CombinedVisit struct {
	DurationMinutes int      `json:"duration_minutes"`
	Capabilities    []string `json:"capabilities,omitempty"`
}

// Session is one scheduling conversation. The phone appears only hashed
// (lookup key) and encrypted (to address outbound sends); plaintext never
// lands here.
type Session struct {
	ID             string
	TenantID       string
	PhoneHash      string
	PhoneEncrypted string
	State          string

	Order OrderData

	OfferedOrders    []dialog.OrderOption
	OfferedLocations []dialog.LocationOption
	OfferedSlots     []dialog.SlotOption

	LocationID   string
	LocationName string
	SlotID       string
	SlotTime     *time.Time

	FromNumber     string
	RepromptCount  int
	SlotRetryCount int

	SlotRequestSentAt   *time.Time
	SlotRequestFailedAt *time.Time

	StartedAt   time.Time
	UpdatedAt   time.Time
	ExpiresAt   time.Time
	CompletedAt *time.Time
	ArchivedAt  *time.Time
}

// Terminal reports whether the session has ended.
func (s *Session) Terminal() bool { return Terminal(s.State) }

// Expired reports whether the session is past its lifetime.
func (s *Session) Expired(now time.Time) bool {
	return !s.Terminal() && now.After(s.ExpiresAt)
}

// clone snapshots the session for rollback after a failed send. Slices are
// replaced wholesale during transitions, never mutated in place, so a
// shallow copy restores correctly.
func (s *Session) clone() *Session {
	c := *s
	return &c
}
