// Package safety screens an imaging order against the patient's clinical
// context and the tenant's equipment catalog before any slot is offered.
// Everything here is a pure function: callers load the inputs, the gate
// decides. A block means the patient is routed to staff instead of
// self-scheduling; warnings ride along for the audit trail and may push the
// earliest bookable date out.
package safety

import (
	"fmt"
	"time"

	"github.com/apexrad/radsched/internal/clinical"
	"github.com/apexrad/radsched/internal/equipment"
	"github.com/apexrad/radsched/internal/orders"
)

// Gate decisions.
const (
	DecisionProceed             = "proceed"
	DecisionProceedWithWarnings = "proceed_with_warnings"
	DecisionBlock               = "block"
)

// Finding codes.
const (
	CodeContrastAllergySevere      = "CONTRAST_ALLERGY_SEVERE"
	CodeContrastAllergy            = "CONTRAST_ALLERGY"
	CodeRenalFunctionCritical      = "RENAL_FUNCTION_CRITICAL"
	CodeRenalFunctionLow           = "RENAL_FUNCTION_LOW"
	CodeRecentContrast             = "RECENT_CONTRAST"
	CodeClinicalContextUnavailable = "CLINICAL_CONTEXT_UNAVAILABLE"
)

// Renal thresholds (mL/min/1.73m²) and contrast wash-out spacing.
const (
	egfrBlockBelow  = 30.0
	egfrWarnBelow   = 45.0
	contrastWashout = 7 * 24 * time.Hour
)

// Finding is one gate outcome with an auditable code. Detail never carries
// patient identifiers.
type Finding struct {
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

// Result is the clinical screen outcome for one order.
type Result struct {
	Decision         string     `json:"decision"`
	ContrastRequired bool       `json:"contrast_required"`
	Blocks           []Finding  `json:"blocks,omitempty"`
	Warnings         []Finding  `json:"warnings,omitempty"`
	MinScheduleDate  *time.Time `json:"min_schedule_date,omitempty"`
}

// Proceed reports whether scheduling may continue (possibly with warnings).
func (r Result) Proceed() bool { return len(r.Blocks) == 0 }

// Evaluate runs the clinical rules for one order. A nil patient context is
// tolerated: contrast studies then carry a CLINICAL_CONTEXT_UNAVAILABLE
// warning so staff can follow up, but self-scheduling is not blocked on a
// RIS outage alone.
func Evaluate(order orders.Order, patient *clinical.PatientContext, now time.Time) Result {
	res := Result{
		Decision:         DecisionProceed,
		ContrastRequired: ContrastRequired(order.Description, order.CPTCode),
	}
	if !res.ContrastRequired {
		return res
	}

	if patient == nil {
		res.Warnings = append(res.Warnings, Finding{
			Code:   CodeClinicalContextUnavailable,
			Detail: "clinical context unavailable for contrast study",
		})
		res.Decision = DecisionProceedWithWarnings
		return res
	}

	for _, allergy := range patient.Allergies {
		if !allergy.ContrastRelated() {
			continue
		}
		if allergy.Severe() {
			res.Blocks = append(res.Blocks, Finding{
				Code:   CodeContrastAllergySevere,
				Detail: "severe contrast allergy on file",
			})
		} else {
			res.Warnings = append(res.Warnings, Finding{
				Code:   CodeContrastAllergy,
				Detail: "contrast allergy on file, premedication may be required",
			})
		}
	}

	if lab, ok := patient.LatestLab("eGFR"); ok {
		switch {
		case lab.Value < egfrBlockBelow:
			res.Blocks = append(res.Blocks, Finding{
				Code:   CodeRenalFunctionCritical,
				Detail: fmt.Sprintf("eGFR %.0f below contrast threshold", lab.Value),
			})
		case lab.Value < egfrWarnBelow:
			res.Warnings = append(res.Warnings, Finding{
				Code:   CodeRenalFunctionLow,
				Detail: fmt.Sprintf("eGFR %.0f, reduced renal function", lab.Value),
			})
		}
	}

	if patient.PriorContrastAt != nil {
		since := now.Sub(*patient.PriorContrastAt)
		if since >= 0 && since < contrastWashout {
			earliest := patient.PriorContrastAt.Add(contrastWashout)
			res.Warnings = append(res.Warnings, Finding{
				Code:   CodeRecentContrast,
				Detail: "prior contrast study within wash-out window",
			})
			res.MinScheduleDate = &earliest
		}
	}

	switch {
	case len(res.Blocks) > 0:
		res.Decision = DecisionBlock
	case len(res.Warnings) > 0:
		res.Decision = DecisionProceedWithWarnings
	}
	return res
}

// Screen composes the clinical evaluation with the capability filter. It is
// the one call the conversation engine makes per order.
func Screen(order orders.Order, patient *clinical.PatientContext, candidates []equipment.LocationEquipment, now time.Time) (Result, []equipment.LocationEquipment) {
	res := Evaluate(order, patient, now)
	if !res.Proceed() {
		return res, nil
	}
	req := DeriveRequirements(order, patient)
	return res, FilterLocations(req, order.Modality, candidates)
}
