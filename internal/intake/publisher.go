package intake

import (
	"context"
	"fmt"

	"github.com/apexrad/radsched/internal/orders"
	"github.com/apexrad/radsched/internal/session"
	"github.com/apexrad/radsched/pkg/logging"
)

// Publisher enqueues intake jobs for asynchronous processing.
type Publisher struct {
	queue  queueClient
	logger *logging.Logger
}

// NewPublisher creates a queue-backed publisher.
func NewPublisher(queue queueClient, logger *logging.Logger) *Publisher {
	if queue == nil {
		panic("intake: queue cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Publisher{
		queue:  queue,
		logger: logger,
	}
}

// EnqueueOrder publishes an order-received job. jobID becomes the handle
// the webhook caller polls on GET /jobs/{id}.
func (p *Publisher) EnqueueOrder(ctx context.Context, jobID string, ev *orders.Event) error {
	return p.enqueue(ctx, queuePayload{
		ID:          jobID,
		Kind:        jobKindOrder,
		Order:       ev,
		TrackStatus: true,
	})
}

// EnqueueInbound publishes a patient reply for processing.
func (p *Publisher) EnqueueInbound(ctx context.Context, msg session.InboundMessage) error {
	return p.enqueue(ctx, queuePayload{
		Kind:    jobKindInbound,
		Inbound: &msg,
	})
}

// EnqueueSlotFetch publishes an availability lookup for a session sitting
// in AWAITING_SLOTS. Satisfies the engine's slot queue contract.
func (p *Publisher) EnqueueSlotFetch(ctx context.Context, tenantID, sessionID string) error {
	return p.enqueue(ctx, queuePayload{
		Kind:      jobKindSlotFetch,
		SlotFetch: &slotFetchJob{TenantID: tenantID, SessionID: sessionID},
	})
}

func (p *Publisher) enqueue(ctx context.Context, payload queuePayload) error {
	if ctx == nil {
		ctx = context.Background()
	}

	payload, body, err := encodePayload(payload)
	if err != nil {
		return err
	}

	if err := p.queue.Send(ctx, body); err != nil {
		return fmt.Errorf("intake: failed to enqueue job: %w", err)
	}

	p.logger.Debug("intake job enqueued", "job_id", payload.ID, "kind", payload.Kind)
	return nil
}
