// Package slots talks to the external scheduling system that owns
// appointment availability. The core never computes availability itself; it
// asks, offers what came back, and books the patient's pick.
package slots

import (
	"context"
	"fmt"
	"time"
)

// SlotRequest asks the slot source for availability at one location.
// EarliestDate carries the safety gate's minimum schedule date when one
// applies.
type SlotRequest struct {
	TenantID                string     `json:"tenantId"`
	LocationID              string     `json:"locationId"`
	Modality                string     `json:"modality"`
	RequiredDurationMinutes int        `json:"requiredDurationMinutes"`
	EarliestDate            *time.Time `json:"earliestDate,omitempty"`
	RequiredCapabilities    []string   `json:"requiredCapabilities,omitempty"`
}

// Slot is one offered appointment slot.
type Slot struct {
	SlotID          string    `json:"slotId"`
	Datetime        time.Time `json:"datetime"`
	DurationMinutes int       `json:"durationMinutes"`
	LocationID      string    `json:"locationId"`
	ResourceID      string    `json:"resourceId,omitempty"`
}

// BookingRequest books one slot. Idempotent on (tenantId, slotId, orderId):
// replaying returns the original confirmation.
type BookingRequest struct {
	TenantID              string `json:"tenantId"`
	SlotID                string `json:"slotId"`
	OrderID               string `json:"orderId"`
	PatientPhoneEncrypted string `json:"patientPhoneEncrypted"`
}

// Confirmation acknowledges a booking.
type Confirmation struct {
	ConfirmationID string `json:"confirmationId"`
	SlotID         string `json:"slotId"`
	Status         string `json:"status"`
}

// Source is the slot-source contract the conversation engine depends on.
type Source interface {
	FetchSlots(ctx context.Context, req SlotRequest) ([]Slot, error)
	Book(ctx context.Context, req BookingRequest) (*Confirmation, error)
}

// TimeoutError marks a slot-source call that exceeded its deadline. The
// timeout sweep retries these once before giving up.
type TimeoutError struct {
	Op  string
	Err error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("slots: %s timed out: %v", e.Op, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// FinalError marks a definitive slot-source refusal. No retry helps.
type FinalError struct {
	Op     string
	Status int
	Body   string
}

func (e *FinalError) Error() string {
	return fmt.Sprintf("slots: %s failed with status %d: %s", e.Op, e.Status, e.Body)
}
