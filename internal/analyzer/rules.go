package analyzer

import (
	"strings"

	"github.com/apexrad/radsched/internal/clinical"
	"github.com/apexrad/radsched/internal/equipment"
	"github.com/apexrad/radsched/internal/orders"
	"github.com/apexrad/radsched/internal/safety"
)

// Contrast types reported on an analysis.
const (
	ContrastNone   = "none"
	ContrastIV     = "iv"
	ContrastOral   = "oral"
	ContrastIVOral = "iv+oral"
)

// Stacking rules for multi-order visits.
const (
	StackSum = "sum"
	StackMax = "max"
)

// baseMinutes is the pre-modifier appointment length per modality.
var baseMinutes = map[string]int{
	orders.ModalityCT:         30,
	orders.ModalityMRI:        45,
	orders.ModalityMammo:      20,
	orders.ModalityUltrasound: 30,
	orders.ModalityXRay:       15,
	orders.ModalityNuclear:    60,
	orders.ModalityPET:        90,
	orders.ModalityFluoro:     30,
}

const defaultBaseMinutes = 30

// Additive patient minutes applied after the equipment factor.
const (
	claustrophobiaMinutes = 15
	mobilityMinutes       = 10
	bariatricMinutes      = 10
	elderlyMinutes        = 5
	elderlyAgeFloor       = 80
)

// Contrast prep minutes folded into the pre-factor base.
const (
	ivContrastMinutes   = 15
	oralContrastMinutes = 75
)

// Equipment speed factors, in hundredths. Duration math stays in integers
// so products like 45×0.70 land exactly on 31.5 and round up to 32 instead
// of drifting under the boundary in float64.
const (
	factorMRI3T       = 70  // ×0.70
	factorMRIWideBore = 105 // ×1.05
	factorCT256Slice  = 75  // ×0.75
	factorCT64Slice   = 85  // ×0.85
)

// Rules computes the deterministic analysis. It needs no model, no
// network, and no stored prompt, so it always succeeds; the LLM path
// falls back to it on any failure. A CPT override replaces the whole
// pre-factor base, contrast prep included, since the code pins the
// protocol.
//
// equip is the unit the study will run on when one is known; before a
// location is chosen pass nil and the order wording stands in. The speed
// factor rewards hardware the study actually gets, so a claustrophobic
// patient widens the requirement without slowing the estimate until a
// wide-bore unit is the confirmed target.
func Rules(order orders.Order, patient *clinical.PatientContext, equip *equipment.Unit, cptOverrides map[string]int) *Analysis {
	iv := safety.ContrastRequired(order.Description, order.CPTCode)
	oral := safety.OralContrast(order.Description, order.CPTCode)

	base, overridden := 0, false
	if cptOverrides != nil && order.CPTCode != "" {
		base, overridden = cptOverrides[order.CPTCode]
	}
	if !overridden {
		var ok bool
		base, ok = baseMinutes[order.Modality]
		if !ok {
			base = defaultBaseMinutes
		}
		if iv {
			base += ivContrastMinutes
		}
		if oral {
			base += oralContrastMinutes
		}
	}

	req := safety.DeriveRequirements(order, patient)
	fnum, fden := equipmentFactor(order.Modality, equip, safety.DeriveRequirements(order, nil))

	additive := 0
	claustrophobic := safety.ClaustrophobiaSignal(order.Description)
	if patient != nil {
		claustrophobic = claustrophobic || patient.Claustrophobic
		if patient.MobilityImpaired {
			additive += mobilityMinutes
		}
		if patient.Bariatric {
			additive += bariatricMinutes
		}
		if patient.Age >= elderlyAgeFloor {
			additive += elderlyMinutes
		}
	}
	if claustrophobic {
		additive += claustrophobiaMinutes
	}

	// round(base × factor), half up, in exact integer arithmetic.
	total := (base*fnum + fden/2) / fden + additive
	if total < minDurationMinutes {
		total = minDurationMinutes
	}
	if total > maxDurationMinutes {
		total = maxDurationMinutes
	}

	prep := 0
	if iv {
		prep += ivContrastMinutes
	}
	if oral {
		prep += oralContrastMinutes
	}
	if prep > total {
		prep = total
	}

	a := &Analysis{
		TotalDurationMinutes: total,
		PrepMinutes:          prep,
		ScanMinutes:          total - prep,
		ContrastRequired:     iv || oral,
		ContrastType:         contrastType(iv, oral),
		EquipmentNeeds:       capabilityTags(req),
		PatientInstructions:  rulesInstructions(iv, oral),
		SchedulingNotes:      rulesNotes(req, claustrophobic),
		Engine:               EngineRules,
	}
	return a
}

// equipmentFactor prefers the concrete unit's capabilities; with no unit
// chosen, requirements derived from the order text alone stand in. The
// factor comes back as an exact num/den pair in hundredths.
func equipmentFactor(modality string, equip *equipment.Unit, descReq safety.Requirements) (num, den int) {
	num, den = 1, 1
	apply := func(hundredths int) {
		num *= hundredths
		den *= 100
	}
	switch modality {
	case orders.ModalityMRI:
		if equip != nil {
			if equip.MRIFieldStrength >= 3.0 {
				apply(factorMRI3T)
			}
			if equip.MRIWideBore {
				apply(factorMRIWideBore)
			}
			return num, den
		}
		if descReq.MinMRIFieldStrength >= 3.0 {
			apply(factorMRI3T)
		}
		if descReq.MRIWideBore {
			apply(factorMRIWideBore)
		}
	case orders.ModalityCT:
		slices := descReq.MinCTSliceCount
		if equip != nil {
			slices = equip.CTSliceCount
		}
		if slices >= 256 {
			apply(factorCT256Slice)
		} else if slices >= 64 {
			apply(factorCT64Slice)
		}
	}
	return num, den
}

func contrastType(iv, oral bool) string {
	switch {
	case iv && oral:
		return ContrastIVOral
	case iv:
		return ContrastIV
	case oral:
		return ContrastOral
	default:
		return ContrastNone
	}
}

// capabilityTags flattens equipment requirements into the tag vocabulary
// the slot source filters on.
func capabilityTags(req safety.Requirements) []string {
	var tags []string
	if req.MinCTSliceCount >= 256 {
		tags = append(tags, "ct_256_slice")
	} else if req.MinCTSliceCount > 0 {
		tags = append(tags, "ct_64_slice")
	}
	if req.CTCardiac {
		tags = append(tags, "cardiac_gating")
	}
	if req.CTContrastInjector {
		tags = append(tags, "contrast_injector")
	}
	if req.MinMRIFieldStrength >= 3.0 {
		tags = append(tags, "mri_3t")
	}
	if req.MRIWideBore {
		tags = append(tags, "wide_bore")
	}
	if req.Mammo3DTomo {
		tags = append(tags, "tomosynthesis")
	}
	if req.MammoStereoBiopsy {
		tags = append(tags, "stereotactic_biopsy")
	}
	if req.Bariatric {
		tags = append(tags, "bariatric_table")
	}
	return tags
}

func rulesInstructions(iv, oral bool) string {
	switch {
	case oral:
		return "Oral contrast preparation is required; please arrive on time so there is enough time to drink it before scanning."
	case iv:
		return "Please do not eat for 4 hours before your appointment. You may drink clear liquids."
	default:
		return ""
	}
}

func rulesNotes(req safety.Requirements, claustrophobic bool) string {
	var notes []string
	if tags := capabilityTags(req); len(tags) > 0 {
		notes = append(notes, "Requires: "+strings.Join(tags, ", "))
	}
	if claustrophobic {
		notes = append(notes, "Patient may need extra time in the scanner.")
	}
	return strings.Join(notes, " ")
}

// Combine folds stacked order durations into one visit length using the
// tenant stacking rule.
func Combine(durations []int, rule string) int {
	if len(durations) == 0 {
		return 0
	}
	if rule == StackMax {
		longest := durations[0]
		for _, d := range durations[1:] {
			if d > longest {
				longest = d
			}
		}
		return longest
	}
	total := 0
	for _, d := range durations {
		total += d
	}
	if total > maxDurationMinutes {
		total = maxDurationMinutes
	}
	return total
}
