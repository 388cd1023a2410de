package safety

import (
	"regexp"

	"github.com/apexrad/radsched/internal/clinical"
	"github.com/apexrad/radsched/internal/equipment"
	"github.com/apexrad/radsched/internal/orders"
)

var (
	cardiacRe   = regexp.MustCompile(`(?i)\b(?:cardiac|coronary|heart)\b`)
	highFieldRe = regexp.MustCompile(`(?i)(?:\b3\s*t\b|\b3[- ]tesla\b|high[- ]field)`)
	wideBoreRe  = regexp.MustCompile(`(?i)(?:wide[- ]bore|open[- ]bore)`)
	claustroRe  = regexp.MustCompile(`(?i)claustrophob`)
	tomoRe      = regexp.MustCompile(`(?i)(?:\b3[- ]?d\b|\bdbt\b|tomosynthesis)`)
	stereoRe    = regexp.MustCompile(`(?i)stereotactic`)
)

// ClaustrophobiaSignal reports claustrophobia wording in the order text.
// The analyzer also honors the chart flag; this catches orders where the
// referrer wrote it into the study description instead.
func ClaustrophobiaSignal(description string) bool {
	return claustroRe.MatchString(description)
}

// Requirements is the equipment profile an order demands. Zero values mean
// "no constraint".
type Requirements struct {
	MinCTSliceCount     int     `json:"min_ct_slice_count,omitempty"`
	CTCardiac           bool    `json:"ct_cardiac,omitempty"`
	CTContrastInjector  bool    `json:"ct_contrast_injector,omitempty"`
	MinMRIFieldStrength float64 `json:"min_mri_field_strength,omitempty"`
	MRIWideBore         bool    `json:"mri_wide_bore,omitempty"`
	Mammo3DTomo         bool    `json:"mammo_3d_tomo,omitempty"`
	MammoStereoBiopsy   bool    `json:"mammo_stereo_biopsy,omitempty"`
	PatientWeightKg     float64 `json:"patient_weight_kg,omitempty"`
	Bariatric           bool    `json:"bariatric,omitempty"`
}

// DeriveRequirements maps order description tokens and patient factors to
// equipment columns. Patient may be nil.
func DeriveRequirements(order orders.Order, patient *clinical.PatientContext) Requirements {
	desc := order.Description
	var req Requirements

	switch order.Modality {
	case orders.ModalityCT:
		if cardiacRe.MatchString(desc) {
			req.CTCardiac = true
			req.MinCTSliceCount = 64
		}
		if Angiography(desc) {
			req.CTContrastInjector = true
			if req.MinCTSliceCount < 64 {
				req.MinCTSliceCount = 64
			}
		}
		if ContrastRequired(desc, order.CPTCode) {
			req.CTContrastInjector = true
		}
	case orders.ModalityMRI:
		if highFieldRe.MatchString(desc) {
			req.MinMRIFieldStrength = 3.0
		}
		if wideBoreRe.MatchString(desc) || claustroRe.MatchString(desc) {
			req.MRIWideBore = true
		}
		if patient != nil && (patient.Claustrophobic || patient.Bariatric) {
			req.MRIWideBore = true
		}
	case orders.ModalityMammo:
		if tomoRe.MatchString(desc) {
			req.Mammo3DTomo = true
		}
		if stereoRe.MatchString(desc) {
			req.MammoStereoBiopsy = true
		}
	}

	if patient != nil {
		req.PatientWeightKg = patient.WeightKg
		req.Bariatric = patient.Bariatric
	}
	return req
}

// SatisfiedBy reports whether one equipment unit meets every requirement.
// Weight is enforced only against units that state a limit; a bariatric
// flag needs positive evidence of accommodation.
func (r Requirements) SatisfiedBy(u equipment.Unit) bool {
	if !u.Active {
		return false
	}
	if r.MinCTSliceCount > 0 && u.CTSliceCount < r.MinCTSliceCount {
		return false
	}
	if r.CTCardiac && !u.CTHasCardiac {
		return false
	}
	if r.CTContrastInjector && !u.CTHasContrastInjector {
		return false
	}
	if r.MinMRIFieldStrength > 0 && u.MRIFieldStrength < r.MinMRIFieldStrength {
		return false
	}
	if r.MRIWideBore && !u.MRIWideBore {
		return false
	}
	if r.Mammo3DTomo && !u.Mammo3DTomo {
		return false
	}
	if r.MammoStereoBiopsy && !u.MammoStereoBiopsy {
		return false
	}
	if r.Bariatric {
		weightOK := r.PatientWeightKg > 0 && u.MaxPatientWeightKg > 0 &&
			float64(u.MaxPatientWeightKg) >= r.PatientWeightKg
		if !u.HasBariatricTable && !weightOK {
			return false
		}
	}
	if r.PatientWeightKg > 0 && u.MaxPatientWeightKg > 0 &&
		float64(u.MaxPatientWeightKg) < r.PatientWeightKg {
		return false
	}
	return true
}

// FilterLocations keeps candidates with at least one active unit of the
// ordered modality satisfying all requirements. Catalog order is preserved.
func FilterLocations(req Requirements, modality string, candidates []equipment.LocationEquipment) []equipment.LocationEquipment {
	var eligible []equipment.LocationEquipment
	for _, cand := range candidates {
		if !cand.Location.Active {
			continue
		}
		for _, unit := range cand.Units {
			if unit.Modality != modality {
				continue
			}
			if req.SatisfiedBy(unit) {
				eligible = append(eligible, cand)
				break
			}
		}
	}
	return eligible
}
