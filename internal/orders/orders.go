// Package orders models inbound imaging orders from the integration
// engine and the pending queue used when a patient already has an active
// scheduling session.
package orders

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/apexrad/radsched/internal/phone"
)

// Imaging modalities accepted on the order webhook.
const (
	ModalityCT         = "CT"
	ModalityMRI        = "MRI"
	ModalityMammo      = "MG"
	ModalityUltrasound = "US"
	ModalityXRay       = "XR"
	ModalityNuclear    = "NM"
	ModalityPET        = "PET"
	ModalityFluoro     = "FL"
)

var validModalities = map[string]bool{
	ModalityCT:         true,
	ModalityMRI:        true,
	ModalityMammo:      true,
	ModalityUltrasound: true,
	ModalityXRay:       true,
	ModalityNuclear:    true,
	ModalityPET:        true,
	ModalityFluoro:     true,
}

// ValidModality reports whether m is an accepted modality code.
func ValidModality(m string) bool {
	return validModalities[strings.ToUpper(strings.TrimSpace(m))]
}

// Order priorities from the integration engine. Validate lowercases the
// wire value, so these compare directly.
const (
	PriorityRoutine = "routine"
	PriorityUrgent  = "urgent"
	PriorityStat    = "stat"
)

// Urgent reports whether the order should reach the patient immediately,
// quiet hours or not.
func (e *Event) Urgent() bool {
	return e.Priority == PriorityStat || e.Priority == PriorityUrgent
}

// Event is the order webhook payload. PatientPhone is plaintext on the
// wire and must be hashed/encrypted immediately after validation; nothing
// below the webhook layer sees it.
type Event struct {
	OrderID            string    `json:"orderId"`
	TenantID           string    `json:"tenantId,omitempty"`
	PatientID          string    `json:"patientId"`
	PatientPhone       string    `json:"patientPhone"`
	Modality           string    `json:"modality"`
	Description        string    `json:"description"`
	CPTCode            string    `json:"cptCode,omitempty"`
	Priority           string    `json:"priority,omitempty"`
	ClinicalIndication string    `json:"clinicalIndication,omitempty"`
	OrderingProvider   string    `json:"orderingProvider,omitempty"`
	ReceivedAt         time.Time `json:"receivedAt,omitempty"`
}

// ValidationError lists the fields an event failed on. Events failing
// validation are rejected at the webhook and never retried.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return "orders: invalid event: " + strings.Join(e.Fields, ", ")
}

// ParseEvent decodes and validates a webhook body.
func ParseEvent(data []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("orders: decode event: %w", err)
	}
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return &ev, nil
}

// Validate checks required fields, the modality enum, and that the phone
// normalizes. The normalized phone replaces the raw value.
func (e *Event) Validate() error {
	var bad []string
	if strings.TrimSpace(e.OrderID) == "" {
		bad = append(bad, "orderId")
	}
	if strings.TrimSpace(e.PatientID) == "" {
		bad = append(bad, "patientId")
	}
	if strings.TrimSpace(e.Description) == "" {
		bad = append(bad, "description")
	}
	if !ValidModality(e.Modality) {
		bad = append(bad, "modality")
	}
	normalized, err := phone.Normalize(e.PatientPhone)
	if err != nil {
		bad = append(bad, "patientPhone")
	} else {
		e.PatientPhone = normalized
	}
	if len(bad) > 0 {
		return &ValidationError{Fields: bad}
	}
	e.Modality = strings.ToUpper(strings.TrimSpace(e.Modality))
	e.Priority = strings.ToLower(strings.TrimSpace(e.Priority))
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = time.Now().UTC()
	}
	return nil
}

// Order is the de-identified snapshot carried on a session. It holds what
// scheduling needs and nothing that identifies the patient.
type Order struct {
	OrderID            string `json:"order_id"`
	Modality           string `json:"modality"`
	Description        string `json:"description"`
	CPTCode            string `json:"cpt_code,omitempty"`
	Priority           string `json:"priority,omitempty"`
	ClinicalIndication string `json:"clinical_indication,omitempty"`
}

// Snapshot strips an event down to its de-identified order.
func (e *Event) Snapshot() Order {
	return Order{
		OrderID:            e.OrderID,
		Modality:           e.Modality,
		Description:        e.Description,
		CPTCode:            e.CPTCode,
		Priority:           e.Priority,
		ClinicalIndication: e.ClinicalIndication,
	}
}

// ShortLabel renders the order for a numbered SMS list.
func (o Order) ShortLabel() string {
	desc := strings.TrimSpace(o.Description)
	if len(desc) > 60 {
		desc = desc[:57] + "..."
	}
	return fmt.Sprintf("%s: %s", o.Modality, desc)
}
