// Package clinical models the patient facts the safety gate consumes:
// allergies, renal labs, prior contrast exposure, and the handful of
// scheduling factors (weight, claustrophobia, mobility) that shape
// equipment needs and exam duration. The data comes from the tenant's RIS
// through the Source interface; only the de-identified Factors subset is
// ever persisted on a session.
package clinical

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Allergy severities as reported by the RIS.
const (
	SeverityMild        = "mild"
	SeverityModerate    = "moderate"
	SeveritySevere      = "severe"
	SeverityAnaphylaxis = "anaphylaxis"
)

// ErrUnavailable means the RIS answered but has no context for the
// patient. Distinct from transport errors, which are retryable.
var ErrUnavailable = errors.New("clinical: context unavailable")

// Allergy is one reported allergy.
type Allergy struct {
	Substance string `json:"substance"`
	Severity  string `json:"severity"`
	Reaction  string `json:"reaction,omitempty"`
}

// Severe reports whether the allergy severity blocks contrast.
func (a Allergy) Severe() bool {
	switch strings.ToLower(a.Severity) {
	case SeveritySevere, SeverityAnaphylaxis:
		return true
	}
	return false
}

// ContrastRelated reports whether the allergen is in the contrast family.
// Unrelated allergies (penicillin, latex) never influence the gate.
func (a Allergy) ContrastRelated() bool {
	s := strings.ToLower(a.Substance)
	for _, term := range []string{"contrast", "gadolinium", "iodin", "iv dye"} {
		if strings.Contains(s, term) {
			return true
		}
	}
	return false
}

// Lab is one lab observation.
type Lab struct {
	Name       string    `json:"name"`
	Value      float64   `json:"value"`
	Unit       string    `json:"unit,omitempty"`
	ObservedAt time.Time `json:"observedAt"`
}

// PatientContext is everything the RIS knows that scheduling cares about.
type PatientContext struct {
	PatientID        string     `json:"patientId"`
	Age              int        `json:"age,omitempty"`
	WeightKg         float64    `json:"weightKg,omitempty"`
	Claustrophobic   bool       `json:"claustrophobic,omitempty"`
	MobilityImpaired bool       `json:"mobilityImpaired,omitempty"`
	Bariatric        bool       `json:"bariatric,omitempty"`
	Allergies        []Allergy  `json:"allergies,omitempty"`
	Labs             []Lab      `json:"labs,omitempty"`
	PriorContrastAt  *time.Time `json:"priorContrastAt,omitempty"`
}

// LatestLab returns the newest observation with the given name,
// case-insensitively.
func (p *PatientContext) LatestLab(name string) (Lab, bool) {
	if p == nil {
		return Lab{}, false
	}
	var (
		best  Lab
		found bool
	)
	for _, lab := range p.Labs {
		if !strings.EqualFold(strings.TrimSpace(lab.Name), name) {
			continue
		}
		if !found || lab.ObservedAt.After(best.ObservedAt) {
			best = lab
			found = true
		}
	}
	return best, found
}

// Factors is the de-identified subset persisted on a session snapshot.
type Factors struct {
	Age              int     `json:"age,omitempty"`
	WeightKg         float64 `json:"weight_kg,omitempty"`
	Claustrophobic   bool    `json:"claustrophobic,omitempty"`
	MobilityImpaired bool    `json:"mobility_impaired,omitempty"`
	Bariatric        bool    `json:"bariatric,omitempty"`
}

// Factors strips the context down to persistable scheduling factors.
func (p *PatientContext) Factors() Factors {
	if p == nil {
		return Factors{}
	}
	return Factors{
		Age:              p.Age,
		WeightKg:         p.WeightKg,
		Claustrophobic:   p.Claustrophobic,
		MobilityImpaired: p.MobilityImpaired,
		Bariatric:        p.Bariatric,
	}
}

// Source fetches patient context from the tenant's RIS.
type Source interface {
	PatientContext(ctx context.Context, tenantID, patientID string) (*PatientContext, error)
}

// StaticSource serves canned contexts, for tests and local development.
type StaticSource struct {
	Contexts map[string]*PatientContext
}

func (s *StaticSource) PatientContext(_ context.Context, _, patientID string) (*PatientContext, error) {
	if s == nil || s.Contexts == nil {
		return nil, ErrUnavailable
	}
	pc, ok := s.Contexts[patientID]
	if !ok {
		return nil, ErrUnavailable
	}
	return pc, nil
}
