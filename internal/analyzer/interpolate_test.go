package analyzer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInterpolate(t *testing.T) {
	template := "Study: {{order_description}} ({{modality}}). CPT: {{cpt_code}}. Age: {{patient_age}}. Claustrophobic: {{claustrophobic}}."
	data := map[string]any{
		"order_description": "MRI Brain without contrast",
		"modality":          "MRI",
		"patient_age":       67,
		"claustrophobic":    true,
	}

	got := Interpolate(template, data)
	assert.Equal(t, "Study: MRI Brain without contrast (MRI). CPT: Not provided. Age: 67. Claustrophobic: true.", got)
}

func TestInterpolateMissingAndNil(t *testing.T) {
	got := Interpolate("a={{a}} b={{b}} c={{c}}", map[string]any{"a": nil, "b": ""})
	assert.Equal(t, "a=Not provided b=Not provided c=Not provided", got)
}

func TestInterpolateWhitespaceInToken(t *testing.T) {
	got := Interpolate("v={{ weight_kg }}", map[string]any{"weight_kg": 72.5})
	assert.Equal(t, "v=72.5", got)
}

func TestInterpolateRepeatedToken(t *testing.T) {
	got := Interpolate("{{x}} and {{x}}", map[string]any{"x": "CT"})
	assert.Equal(t, "CT and CT", got)
}

func TestInterpolateLeavesPlainBracesAlone(t *testing.T) {
	got := Interpolate(`{"not": "a token"} {{y}}`, nil)
	assert.Equal(t, `{"not": "a token"} Not provided`, got)
}
