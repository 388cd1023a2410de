package sms

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode is the provider-independent failure classification. Every
// provider maps its native codes into this set before anything upstream
// sees the error.
type ErrorCode string

const (
	CodeInvalidNumber    ErrorCode = "INVALID_NUMBER"
	CodeNumberBlocked    ErrorCode = "NUMBER_BLOCKED"
	CodeCarrierViolation ErrorCode = "CARRIER_VIOLATION"
	CodeRateLimited      ErrorCode = "RATE_LIMITED"
	CodeProviderError    ErrorCode = "PROVIDER_ERROR"
	CodeNetworkError     ErrorCode = "NETWORK_ERROR"
	CodeInvalidContent   ErrorCode = "INVALID_CONTENT"
	CodeUndeliverable    ErrorCode = "UNDELIVERABLE"
	CodeUnknown          ErrorCode = "UNKNOWN"
)

// StandardError is a normalized send failure.
type StandardError struct {
	Code     ErrorCode
	Provider string
	Raw      error
}

func (e *StandardError) Error() string {
	return fmt.Sprintf("sms: %s send failed (%s): %v", e.Provider, e.Code, e.Raw)
}

func (e *StandardError) Unwrap() error { return e.Raw }

// FailoverEligible reports whether the failure is the carrier's or
// provider's fault and worth one attempt on the failover provider. UNKNOWN
// stays ineligible so an unclassified recipient problem never double-texts.
func (e *StandardError) FailoverEligible() bool {
	switch e.Code {
	case CodeNumberBlocked, CodeCarrierViolation, CodeRateLimited, CodeProviderError, CodeNetworkError:
		return true
	}
	return false
}

// RecipientFinal reports whether the recipient itself is the problem. These
// never failover and never retry.
func (e *StandardError) RecipientFinal() bool {
	switch e.Code {
	case CodeInvalidNumber, CodeInvalidContent, CodeUndeliverable:
		return true
	}
	return false
}

// ProviderFinalError marks a send whose failover chain is exhausted. The
// session owning the message cannot continue over SMS.
type ProviderFinalError struct {
	Primary  *StandardError
	Failover *StandardError
}

func (e *ProviderFinalError) Error() string {
	if e.Failover != nil {
		return fmt.Sprintf("sms: all providers failed: primary %v; failover %v", e.Primary, e.Failover)
	}
	return fmt.Sprintf("sms: all providers failed: %v", e.Primary)
}

func (e *ProviderFinalError) Unwrap() error {
	if e.Failover != nil {
		return e.Failover
	}
	return e.Primary
}

// AsStandardError unwraps err to a *StandardError if one is in the chain.
func AsStandardError(err error) (*StandardError, bool) {
	var std *StandardError
	if errors.As(err, &std) {
		return std, true
	}
	return nil, false
}

// Twilio REST error codes. Anything unlisted falls back to HTTP status
// classification.
var twilioCodes = map[int]ErrorCode{
	21211: CodeInvalidNumber,    // invalid To number
	21214: CodeInvalidNumber,    // To not reachable by SMS
	21610: CodeNumberBlocked,    // recipient opted out with carrier
	21617: CodeInvalidContent,   // body exceeds segment limit
	21602: CodeInvalidContent,   // body required
	30003: CodeUndeliverable,    // unreachable handset
	30005: CodeUndeliverable,    // unknown destination
	30006: CodeUndeliverable,    // landline or unreachable carrier
	30007: CodeCarrierViolation, // carrier filter
	30008: CodeUnknown,          // carrier reported unknown error
	20429: CodeRateLimited,
}

func classifyTwilio(apiCode, httpStatus int) ErrorCode {
	if code, ok := twilioCodes[apiCode]; ok {
		return code
	}
	return classifyHTTPStatus(httpStatus)
}

// Telnyx v2 error codes. The 403xx family covers recipient blocks and
// carrier rejections.
var telnyxCodes = map[string]ErrorCode{
	"40001": CodeInvalidNumber,
	"40002": CodeInvalidNumber,
	"40300": CodeNumberBlocked,    // STOP list
	"40301": CodeNumberBlocked,    // blocked by recipient
	"40310": CodeCarrierViolation, // blocked as spam
	"40006": CodeUndeliverable,
	"40011": CodeInvalidContent,
}

func classifyTelnyx(apiCode string, httpStatus int) ErrorCode {
	if code, ok := telnyxCodes[apiCode]; ok {
		return code
	}
	if strings.HasPrefix(apiCode, "403") {
		return CodeNumberBlocked
	}
	return classifyHTTPStatus(httpStatus)
}

func classifyHTTPStatus(status int) ErrorCode {
	switch {
	case status == 429:
		return CodeRateLimited
	case status >= 500:
		return CodeProviderError
	default:
		return CodeUnknown
	}
}
