// Package intake is the asynchronous job layer between the HTTP edge and
// the conversation engine. Webhooks validate, enqueue, and return; workers
// consume jobs and drive the engine. Jobs are at-least-once: a message is
// deleted only after the engine consumed it, so every handler downstream
// must tolerate replays.
package intake

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/apexrad/radsched/internal/orders"
	"github.com/apexrad/radsched/internal/session"
)

type queueClient interface {
	Send(ctx context.Context, body string) error
	Receive(ctx context.Context, maxMessages int, waitSeconds int) ([]queueMessage, error)
	Delete(ctx context.Context, receiptHandle string) error
}

type queueMessage struct {
	ID            string
	Body          string
	ReceiptHandle string
}

type jobKind string

const (
	jobKindOrder     jobKind = "order_received"
	jobKindInbound   jobKind = "inbound_sms"
	jobKindSlotFetch jobKind = "slot_fetch"
)

type slotFetchJob struct {
	TenantID  string `json:"tenantId"`
	SessionID string `json:"sessionId"`
}

type queuePayload struct {
	ID        string                  `json:"id"`
	Kind      jobKind                 `json:"kind"`
	Order     *orders.Event           `json:"order,omitempty"`
	Inbound   *session.InboundMessage `json:"inbound,omitempty"`
	SlotFetch *slotFetchJob           `json:"slotFetch,omitempty"`

	// TrackStatus marks jobs whose lifecycle is persisted for the
	// GET /jobs/{id} endpoint. Inbound replies and slot fetches are
	// fire-and-forget.
	TrackStatus bool `json:"track_status"`
}

func encodePayload(payload queuePayload) (queuePayload, string, error) {
	if payload.ID == "" {
		payload.ID = uuid.NewString()
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return queuePayload{}, "", fmt.Errorf("intake: failed to encode payload: %w", err)
	}

	return payload, string(body), nil
}
