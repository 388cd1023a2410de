package intake

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memoryVisibility mirrors the SQS default visibility timeout.
const memoryVisibility = 30 * time.Second

// MemoryQueue is a queueClient backed by process memory, standing in for
// SQS when USE_MEMORY_QUEUE is set. It keeps SQS delivery semantics: a
// received message turns invisible until Delete acknowledges it, and
// reappears for redelivery when the visibility window lapses first. The
// worker's leave-in-flight retry path therefore behaves the same against
// both queues.
type MemoryQueue struct {
	mu       sync.Mutex
	ready    []queueMessage
	inflight map[string]queueMessage
	wake     chan struct{}

	visibility time.Duration
}

// NewMemoryQueue creates a MemoryQueue with capacity for buffer messages
// before the backing slice grows.
func NewMemoryQueue(buffer int) *MemoryQueue {
	if buffer <= 0 {
		buffer = 128
	}
	return &MemoryQueue{
		ready:      make([]queueMessage, 0, buffer),
		inflight:   make(map[string]queueMessage),
		wake:       make(chan struct{}, 1),
		visibility: memoryVisibility,
	}
}

// WithVisibility overrides the redelivery delay. Tests use short windows.
func (q *MemoryQueue) WithVisibility(d time.Duration) *MemoryQueue {
	if d > 0 {
		q.visibility = d
	}
	return q
}

// Send enqueues a payload.
func (q *MemoryQueue) Send(ctx context.Context, body string) error {
	if ctx != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}

	q.mu.Lock()
	q.ready = append(q.ready, queueMessage{
		ID:   uuid.NewString(),
		Body: body,
	})
	q.mu.Unlock()

	q.signal()
	return nil
}

// Receive returns up to maxMessages visible messages, waiting up to
// waitSeconds for the first. waitSeconds zero is a short poll that may
// return nothing.
func (q *MemoryQueue) Receive(ctx context.Context, maxMessages int, waitSeconds int) ([]queueMessage, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if maxMessages <= 0 {
		maxMessages = 1
	}

	deadline := time.Now().Add(time.Duration(waitSeconds) * time.Second)
	for {
		if batch := q.take(maxMessages); len(batch) > 0 {
			return batch, nil
		}

		remain := time.Until(deadline)
		if remain <= 0 {
			return nil, nil
		}
		timer := time.NewTimer(remain)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-q.wake:
			timer.Stop()
		}
	}
}

// Delete acknowledges a received message so it never redelivers.
func (q *MemoryQueue) Delete(_ context.Context, receiptHandle string) error {
	q.mu.Lock()
	delete(q.inflight, receiptHandle)
	q.mu.Unlock()
	return nil
}

// take pops visible messages, moves them in flight under fresh receipt
// handles, and schedules their return should Delete never come.
func (q *MemoryQueue) take(max int) []queueMessage {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.ready) == 0 {
		return nil
	}
	n := max
	if n > len(q.ready) {
		n = len(q.ready)
	}

	batch := make([]queueMessage, n)
	copy(batch, q.ready[:n])
	q.ready = q.ready[n:]

	for i := range batch {
		batch[i].ReceiptHandle = uuid.NewString()
		q.inflight[batch[i].ReceiptHandle] = batch[i]
		q.scheduleRequeue(batch[i].ReceiptHandle)
	}
	return batch
}

func (q *MemoryQueue) scheduleRequeue(handle string) {
	time.AfterFunc(q.visibility, func() {
		q.mu.Lock()
		msg, ok := q.inflight[handle]
		if ok {
			delete(q.inflight, handle)
			msg.ReceiptHandle = ""
			q.ready = append(q.ready, msg)
		}
		q.mu.Unlock()

		if ok {
			q.signal()
		}
	})
}

func (q *MemoryQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
