// Package sms is the multi-provider dispatcher for patient-facing text
// messages. It owns provider selection, sticky from-numbers, the normalized
// error taxonomy, single-hop failover, and the one-audit-row-per-attempt
// contract. Nothing else in the system talks to a carrier API.
package sms

import (
	"context"
)

// Message is one outbound SMS.
type Message struct {
	To        string
	From      string
	Body      string
	TenantID  string
	SessionID string
	Type      string // dialog message tag, recorded in the audit trail
}

// SendResult reports a successful send.
type SendResult struct {
	ProviderMessageID string
	Provider          string
	FromNumber        string
	FailedOver        bool
}

// Provider sends one message through one carrier API. Send either returns a
// result or a *StandardError.
type Provider interface {
	Name() string
	Enabled() bool
	Send(ctx context.Context, msg *Message) (*SendResult, error)
}
