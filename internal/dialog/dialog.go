// Package dialog builds every patient-facing SMS body. Each message carries
// a type tag the state machine chooses and the audit trail records; the
// wording lives here and nowhere else. List prompts offer at most nine
// choices so a single digit always selects.
package dialog

import (
	"fmt"
	"strings"
	"time"
)

// Message type tags. Outbound tags are produced by the state machine;
// TypeReply marks audited inbound webhook messages.
const (
	TypeConsent        = "CONSENT"
	TypeOrderList      = "ORDER_LIST"
	TypeLocationList   = "LOCATION_LIST"
	TypeSlotList       = "SLOT_LIST"
	TypeNoSlots        = "NO_SLOTS"
	TypeCallUs         = "CALL_US"
	TypeGoodbye        = "GOODBYE"
	TypeConfirmation   = "CONFIRMATION"
	TypeSafetyFallback = "SAFETY_FALLBACK"
	TypeOptOutAck      = "OPT_OUT_ACK"
	TypeHelp           = "HELP"
	TypeReply          = "REPLY"
)

// MaxListOptions caps every numbered prompt at single-digit replies.
const MaxListOptions = 9

// Message is one outbound SMS body with its audit tag.
type Message struct {
	Type string
	Body string
}

// OrderOption is one imaging order offered for selection.
type OrderOption struct {
	OrderID string `json:"order_id"`
	Label   string `json:"label"`
}

// LocationOption is one imaging location offered for selection.
type LocationOption struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// SlotOption is one appointment time offered for selection.
type SlotOption struct {
	SlotID          string    `json:"slot_id"`
	Time            time.Time `json:"time"`
	DurationMinutes int       `json:"duration_minutes"`
}

// Consent is the opening opt-in prompt. Sent before anything else when no
// usable consent is on file.
func Consent(tenantName, study string) Message {
	return Message{
		Type: TypeConsent,
		Body: fmt.Sprintf(
			"%s: We received an imaging order for %s. Reply YES to schedule by text message. Reply STOP to opt out. Msg&data rates may apply.",
			tenantName, study),
	}
}

// OrderList asks which of several pending orders to schedule first.
func OrderList(opts []OrderOption) Message {
	var b strings.Builder
	b.WriteString("You have more than one imaging order. Which would you like to schedule first? Reply with a number:\n")
	for i, opt := range capOrders(opts) {
		fmt.Fprintf(&b, "%d) %s\n", i+1, opt.Label)
	}
	return Message{Type: TypeOrderList, Body: strings.TrimRight(b.String(), "\n")}
}

// LocationList offers eligible imaging locations.
func LocationList(study string, opts []LocationOption) Message {
	var b strings.Builder
	fmt.Fprintf(&b, "Where would you like your %s? Reply with a number:\n", study)
	for i, opt := range capLocations(opts) {
		fmt.Fprintf(&b, "%d) %s\n", i+1, opt.Name)
	}
	return Message{Type: TypeLocationList, Body: strings.TrimRight(b.String(), "\n")}
}

// SlotList offers appointment times at the chosen location.
func SlotList(locationName string, opts []SlotOption) Message {
	var b strings.Builder
	fmt.Fprintf(&b, "Available times at %s. Reply with a number:\n", locationName)
	for i, opt := range capSlots(opts) {
		fmt.Fprintf(&b, "%d) %s\n", i+1, opt.Time.Format("Mon Jan 2, 3:04 PM"))
	}
	return Message{Type: TypeSlotList, Body: strings.TrimRight(b.String(), "\n")}
}

// NoSlots reports an empty availability response and immediately re-offers
// the remaining locations. One message, one send, one audit row.
func NoSlots(locationName string, opts []LocationOption) Message {
	var b strings.Builder
	fmt.Fprintf(&b, "No times are open at %s right now. Another location may work. Reply with a number:\n", locationName)
	for i, opt := range capLocations(opts) {
		fmt.Fprintf(&b, "%d) %s\n", i+1, opt.Name)
	}
	return Message{Type: TypeNoSlots, Body: strings.TrimRight(b.String(), "\n")}
}

// CallUs closes the session when text scheduling cannot finish.
func CallUs(contactPhone string) Message {
	return Message{
		Type: TypeCallUs,
		Body: "We couldn't finish scheduling by text. " + contactLine(contactPhone) + " and we'll get you booked.",
	}
}

// Goodbye closes the session after a decline or too many unrecognized
// replies.
func Goodbye(contactPhone string) Message {
	return Message{
		Type: TypeGoodbye,
		Body: "Okay, we won't schedule by text. " + contactLine(contactPhone) + " whenever you're ready.",
	}
}

// Confirmation announces the booked appointment.
func Confirmation(study, locationName string, at time.Time, contactPhone string) Message {
	return Message{
		Type: TypeConfirmation,
		Body: fmt.Sprintf("You're booked: %s at %s on %s. Please arrive 15 minutes early. %s if anything changes.",
			study, locationName, at.Format("Monday, Jan 2 at 3:04 PM"), contactLine(contactPhone)),
	}
}

// SafetyFallback routes the patient to staff when the order cannot be
// self-scheduled. It never states the clinical reason.
func SafetyFallback(contactPhone string) Message {
	return Message{
		Type: TypeSafetyFallback,
		Body: "This order needs to be scheduled with our team directly. " + contactLine(contactPhone) + " and we'll take care of it.",
	}
}

// OptOutAck confirms an opt-out. It is the only message allowed to a
// revoked number.
func OptOutAck() Message {
	return Message{
		Type: TypeOptOutAck,
		Body: "You're opted out and won't receive more scheduling texts. Reply START to opt back in.",
	}
}

// WithHelp prefixes help text onto the current prompt for HELP replies.
func WithHelp(current Message, contactPhone string) Message {
	help := "Reply with the number of your choice, or STOP to opt out. " + contactLine(contactPhone) + " to schedule by phone.\n\n"
	return Message{Type: current.Type, Body: help + current.Body}
}

// Help answers a HELP reply when no scheduling conversation is open.
func Help(contactPhone string) Message {
	return Message{
		Type: TypeHelp,
		Body: "This number sends imaging appointment scheduling texts. " + contactLine(contactPhone) + " with any questions. Reply STOP to opt out.",
	}
}

func contactLine(phone string) string {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return "Please call your imaging center"
	}
	return "Please call " + phone
}

func capOrders(opts []OrderOption) []OrderOption {
	if len(opts) > MaxListOptions {
		return opts[:MaxListOptions]
	}
	return opts
}

func capLocations(opts []LocationOption) []LocationOption {
	if len(opts) > MaxListOptions {
		return opts[:MaxListOptions]
	}
	return opts
}

func capSlots(opts []SlotOption) []SlotOption {
	if len(opts) > MaxListOptions {
		return opts[:MaxListOptions]
	}
	return opts
}
