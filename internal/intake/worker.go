package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/apexrad/radsched/internal/observability/metrics"
	"github.com/apexrad/radsched/internal/orders"
	"github.com/apexrad/radsched/internal/session"
	"github.com/apexrad/radsched/internal/tenant"
	"github.com/apexrad/radsched/pkg/logging"
)

const (
	defaultWorkerCount   = 2
	defaultWaitSeconds   = 2
	defaultBatchSize     = 5
	maxWaitSeconds       = 20
	maxReceiveBatchSize  = 10
	deleteTimeoutSeconds = 5
)

// errMalformedJob marks payloads that can never process. They are failed
// and deleted instead of redelivered forever.
var errMalformedJob = errors.New("intake: malformed job")

// conversationEngine is the slice of the session engine the worker drives.
type conversationEngine interface {
	HandleOrder(ctx context.Context, ev *orders.Event) (*session.Session, error)
	HandleInbound(ctx context.Context, msg session.InboundMessage) error
	HandleSlotFetch(ctx context.Context, tenantID, sessionID string) error
}

// Worker consumes intake jobs from the queue and invokes the engine.
// Transient failures leave the message in flight so the queue redelivers
// it; permanent failures are recorded and consumed.
type Worker struct {
	engine  conversationEngine
	queue   queueClient
	jobs    JobUpdater
	metrics *metrics.IntakeMetrics
	logger  *logging.Logger

	cfg workerConfig
	wg  sync.WaitGroup
}

type workerConfig struct {
	workers          int
	receiveWaitSecs  int
	receiveBatchSize int
	metrics          *metrics.IntakeMetrics
}

// WorkerOption customizes worker behavior.
type WorkerOption func(*workerConfig)

// WithWorkerCount sets the number of concurrent consumer goroutines.
func WithWorkerCount(count int) WorkerOption {
	return func(cfg *workerConfig) {
		if count > 0 {
			cfg.workers = count
		}
	}
}

// WithReceiveWaitSeconds sets the SQS long-poll wait duration.
func WithReceiveWaitSeconds(seconds int) WorkerOption {
	return func(cfg *workerConfig) {
		if seconds < 0 {
			return
		}
		if seconds > maxWaitSeconds {
			seconds = maxWaitSeconds
		}
		cfg.receiveWaitSecs = seconds
	}
}

// WithReceiveBatchSize sets how many messages to fetch per poll.
func WithReceiveBatchSize(size int) WorkerOption {
	return func(cfg *workerConfig) {
		if size <= 0 {
			return
		}
		if size > maxReceiveBatchSize {
			size = maxReceiveBatchSize
		}
		cfg.receiveBatchSize = size
	}
}

// WithIntakeMetrics wires Prometheus instrumentation.
func WithIntakeMetrics(m *metrics.IntakeMetrics) WorkerOption {
	return func(cfg *workerConfig) {
		cfg.metrics = m
	}
}

// NewWorker constructs a queue consumer around the conversation engine.
func NewWorker(engine conversationEngine, queue queueClient, jobs JobUpdater, logger *logging.Logger, opts ...WorkerOption) *Worker {
	if engine == nil {
		panic("intake: engine cannot be nil")
	}
	if queue == nil {
		panic("intake: queue cannot be nil")
	}
	if jobs == nil {
		panic("intake: job store cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}

	cfg := workerConfig{
		workers:          defaultWorkerCount,
		receiveWaitSecs:  defaultWaitSeconds,
		receiveBatchSize: defaultBatchSize,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Worker{
		engine:  engine,
		queue:   queue,
		jobs:    jobs,
		metrics: cfg.metrics,
		logger:  logger,
		cfg:     cfg,
	}
}

// Start launches worker goroutines until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) {
	for i := 0; i < w.cfg.workers; i++ {
		w.wg.Add(1)
		go w.run(ctx, i+1)
	}
}

// Wait blocks until all worker goroutines exit.
func (w *Worker) Wait() {
	w.wg.Wait()
}

func (w *Worker) run(ctx context.Context, workerID int) {
	defer w.wg.Done()
	w.logger.Debug("intake worker started", "worker_id", workerID)

	backoff := time.Second

	for {
		select {
		case <-ctx.Done():
			w.logger.Debug("intake worker stopping", "worker_id", workerID)
			return
		default:
		}

		messages, err := w.queue.Receive(ctx, w.cfg.receiveBatchSize, w.cfg.receiveWaitSecs)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			w.logger.Error("failed to receive intake jobs", "error", err, "worker_id", workerID)
			time.Sleep(backoff)
			if backoff < 5*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		for _, msg := range messages {
			w.handleMessage(ctx, msg)
		}
	}
}

func (w *Worker) handleMessage(ctx context.Context, msg queueMessage) {
	var payload queuePayload
	if err := json.Unmarshal([]byte(msg.Body), &payload); err != nil {
		w.logger.Error("failed to decode intake job", "error", err, "msg_id", msg.ID)
		w.deleteMessage(context.Background(), msg.ReceiptHandle)
		return
	}

	w.logger.Debug("processing intake job", "job_id", payload.ID, "kind", payload.Kind, "msg_id", msg.ID)

	started := time.Now()
	sessionID, outcome, err := w.dispatch(ctx, &payload)
	elapsed := time.Since(started).Seconds()

	switch {
	case err == nil:
		w.metrics.ObserveJob(string(payload.Kind), "ok", elapsed)
		if payload.TrackStatus {
			if storeErr := w.jobs.MarkCompleted(ctx, payload.ID, sessionID, outcome); storeErr != nil {
				w.logger.Error("failed to update job status", "error", storeErr, "job_id", payload.ID)
			}
		}
	case permanentFailure(err):
		w.metrics.ObserveJob(string(payload.Kind), "failed", elapsed)
		w.logger.Error("intake job failed permanently", "error", err, "job_id", payload.ID, "kind", payload.Kind)
		if payload.TrackStatus {
			if storeErr := w.jobs.MarkFailed(ctx, payload.ID, err.Error()); storeErr != nil {
				w.logger.Error("failed to update job status", "error", storeErr, "job_id", payload.ID)
			}
		}
	default:
		// Transient: keep the message in flight and let the queue
		// redeliver after the visibility timeout. Job status stays
		// pending so pollers keep waiting.
		w.metrics.ObserveJob(string(payload.Kind), "retry", elapsed)
		w.logger.Warn("intake job failed, leaving for redelivery",
			"error", err, "job_id", payload.ID, "kind", payload.Kind)
		return
	}

	w.deleteMessage(context.Background(), msg.ReceiptHandle)
}

func (w *Worker) dispatch(ctx context.Context, payload *queuePayload) (sessionID, outcome string, err error) {
	switch payload.Kind {
	case jobKindOrder:
		if payload.Order == nil {
			return "", "", fmt.Errorf("%w: missing order", errMalformedJob)
		}
		sess, err := w.engine.HandleOrder(ctx, payload.Order)
		if err != nil {
			return "", "", err
		}
		if sess == nil {
			return "", OutcomeQueued, nil
		}
		return sess.ID, OutcomeSessionStarted, nil
	case jobKindInbound:
		if payload.Inbound == nil {
			return "", "", fmt.Errorf("%w: missing inbound message", errMalformedJob)
		}
		return "", "", w.engine.HandleInbound(ctx, *payload.Inbound)
	case jobKindSlotFetch:
		if payload.SlotFetch == nil {
			return "", "", fmt.Errorf("%w: missing slot fetch", errMalformedJob)
		}
		return "", "", w.engine.HandleSlotFetch(ctx, payload.SlotFetch.TenantID, payload.SlotFetch.SessionID)
	default:
		return "", "", fmt.Errorf("%w: unknown kind %q", errMalformedJob, payload.Kind)
	}
}

// permanentFailure reports whether retrying can never succeed. Everything
// else is assumed transient and left to queue redelivery.
func permanentFailure(err error) bool {
	var vErr *orders.ValidationError
	if errors.As(err, &vErr) {
		return true
	}
	return errors.Is(err, errMalformedJob) ||
		errors.Is(err, session.ErrRefusedRevoked) ||
		errors.Is(err, session.ErrTenantInactive) ||
		errors.Is(err, tenant.ErrNotFound)
}

func (w *Worker) deleteMessage(ctx context.Context, receiptHandle string) {
	if receiptHandle == "" {
		return
	}

	deleteCtx, cancel := context.WithTimeout(ctx, deleteTimeoutSeconds*time.Second)
	defer cancel()

	if err := w.queue.Delete(deleteCtx, receiptHandle); err != nil {
		w.logger.Error("failed to delete intake job", "error", err)
	}
}
