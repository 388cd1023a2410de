package sms

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrNotInbound marks carrier webhook events that are not patient replies
// (delivery receipts, status callbacks). Handlers acknowledge and drop them.
var ErrNotInbound = errors.New("sms: not an inbound message event")

// InboundMessage is one patient reply, normalized across providers.
type InboundMessage struct {
	Provider          string
	ProviderMessageID string
	From              string
	To                string
	Body              string
}

// ParseTwilioInbound extracts the reply from a Twilio form-encoded webhook.
func ParseTwilioInbound(r *http.Request) (*InboundMessage, error) {
	if err := r.ParseForm(); err != nil {
		return nil, fmt.Errorf("sms: parse twilio form: %w", err)
	}
	msg := &InboundMessage{
		Provider:          "twilio",
		ProviderMessageID: r.FormValue("MessageSid"),
		From:              r.FormValue("From"),
		To:                r.FormValue("To"),
		Body:              r.FormValue("Body"),
	}
	if msg.ProviderMessageID == "" || msg.From == "" {
		return nil, errors.New("sms: missing required twilio fields")
	}
	return msg, nil
}

type telnyxWebhookEnvelope struct {
	Data struct {
		EventType string `json:"event_type"`
		Payload   struct {
			ID   string `json:"id"`
			Text string `json:"text"`
			From struct {
				PhoneNumber string `json:"phone_number"`
			} `json:"from"`
			To []struct {
				PhoneNumber string `json:"phone_number"`
			} `json:"to"`
		} `json:"payload"`
	} `json:"data"`
}

// ParseTelnyxInbound extracts the reply from a Telnyx JSON webhook body.
// Non-inbound event types return ErrNotInbound.
func ParseTelnyxInbound(body []byte) (*InboundMessage, error) {
	var envelope telnyxWebhookEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("sms: parse telnyx webhook: %w", err)
	}
	if envelope.Data.EventType != "message.received" {
		return nil, ErrNotInbound
	}

	msg := &InboundMessage{
		Provider:          "telnyx",
		ProviderMessageID: envelope.Data.Payload.ID,
		From:              envelope.Data.Payload.From.PhoneNumber,
		Body:              envelope.Data.Payload.Text,
	}
	if len(envelope.Data.Payload.To) > 0 {
		msg.To = envelope.Data.Payload.To[0].PhoneNumber
	}
	if msg.ProviderMessageID == "" || strings.TrimSpace(msg.From) == "" {
		return nil, errors.New("sms: missing required telnyx fields")
	}
	return msg, nil
}
