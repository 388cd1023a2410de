// Package phone is the single place patient phone numbers are normalized,
// hashed, and encrypted. Everything downstream keys on the hash; plaintext
// numbers only transit memory on their way to a carrier.
package phone

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidNumber = errors.New("phone: invalid number")

// Normalize coerces raw input into E.164. Ten digits are assumed to be
// NANP and get +1; eleven digits starting with 1 get +; a value already
// carrying + keeps its country code. Error messages never include the
// dialed digits.
func Normalize(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrInvalidNumber
	}
	digits := digitsOf(raw)
	switch {
	case len(digits) == 10:
		return "+1" + digits, nil
	case len(digits) == 11 && strings.HasPrefix(digits, "1"):
		return "+" + digits, nil
	case strings.HasPrefix(raw, "+") && len(digits) >= 8 && len(digits) <= 15:
		return "+" + digits, nil
	}
	return "", fmt.Errorf("%w: %d digits", ErrInvalidNumber, len(digits))
}

// Digits returns the digit-only form of an E.164 number. This is the
// canonical input for Hash and Encryptor.
func Digits(e164 string) string {
	return digitsOf(e164)
}

// Hash returns the 64-char lowercase hex SHA-256 of the digit-only
// normalized number. Session, consent, and audit rows key on this value.
// Input is normalized first, so a raw ten-digit number and its E.164 form
// hash identically; input that cannot normalize hashes its bare digits.
func Hash(number string) string {
	sum := sha256.Sum256([]byte(canonicalDigits(number)))
	return hex.EncodeToString(sum[:])
}

// Last4 returns the last four digits for operator-facing display next to
// the hash. Shorter inputs come back unchanged.
func Last4(e164 string) string {
	digits := digitsOf(e164)
	if len(digits) <= 4 {
		return digits
	}
	return digits[len(digits)-4:]
}

// canonicalDigits is the digit form every keyed artifact derives from:
// the normalized number's digits when the input normalizes, the bare
// digits otherwise.
func canonicalDigits(value string) string {
	if normalized, err := Normalize(value); err == nil {
		return digitsOf(normalized)
	}
	return digitsOf(value)
}

func digitsOf(value string) string {
	var b strings.Builder
	for _, r := range value {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
