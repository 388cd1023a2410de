package safety

import (
	"regexp"
	"strings"
)

// Description signals for contrast. An explicit negation always wins over
// positive matches, so "MRI brain without contrast" stays non-contrast even
// though it contains "contrast".
var (
	contrastNegationRe = regexp.MustCompile(`(?i)\b(?:without\s+contrast|w/?o\.?\s+contrast|non[- ]?contrast|no\s+contrast)`)
	contrastPositiveRe = regexp.MustCompile(`(?i)(?:\bwith\s+contrast\b|\bw/\s*contrast\b|\bcontrast[- ]enhanced\b|\bcta\b|\bmra\b|\bct\s+angiograph|\bmr\s+angiograph)`)
	oralContrastRe     = regexp.MustCompile(`(?i)\b(?:oral|po)\s+contrast\b`)
	abdomenPelvisRe    = regexp.MustCompile(`(?i)\b(?:abdomen|abdominal|pelvis|pelvic|enterograph)`)
	angioCTRe          = regexp.MustCompile(`(?i)(?:\bcta\b|\bct\s+angiograph)`)
)

// Common contrast-performing procedure codes, consulted only when the
// description carries neither a positive nor a negative signal.
var contrastCPT = map[string]struct{}{
	"70460": {}, "70470": {}, "70487": {}, "70491": {},
	"70496": {}, "70498": {}, "70545": {}, "70553": {},
	"71260": {}, "71270": {}, "71275": {},
	"72156": {}, "74160": {}, "74174": {}, "74177": {}, "74178": {}, "74183": {},
}

// ContrastRequired reports whether the order calls for IV contrast.
func ContrastRequired(description, cptCode string) bool {
	if contrastNegationRe.MatchString(description) {
		return false
	}
	if contrastPositiveRe.MatchString(description) {
		return true
	}
	_, ok := contrastCPT[strings.TrimSpace(cptCode)]
	return ok
}

// OralContrast reports whether the study needs oral contrast prep: either
// named outright or an abdomen/pelvis CT protocol that runs with contrast.
func OralContrast(description, cptCode string) bool {
	if oralContrastRe.MatchString(description) {
		return true
	}
	return abdomenPelvisRe.MatchString(description) && ContrastRequired(description, cptCode)
}

// Angiography reports a CT-angiography signal in the description.
func Angiography(description string) bool {
	return angioCTRe.MatchString(description)
}
