package handlers

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/apexrad/radsched/internal/intake"
	"github.com/apexrad/radsched/internal/orders"
	"github.com/apexrad/radsched/pkg/logging"
)

// webhookTokenHeader carries the shared secret the integration engine is
// provisioned with.
const webhookTokenHeader = "X-Webhook-Token"

// maxOrderBody bounds the order event payload. Real RIS events are a few KB.
const maxOrderBody = 1 << 20

// orderPublisher enqueues a validated order event for async intake.
type orderPublisher interface {
	EnqueueOrder(ctx context.Context, jobID string, ev *orders.Event) error
}

// OrderWebhookConfig wires the integration-engine intake endpoint.
type OrderWebhookConfig struct {
	Recorder  intake.JobRecorder
	Publisher orderPublisher
	Logger    *logging.Logger

	// Token, when set, must match the X-Webhook-Token header on every
	// request. Empty disables the check (private network deployments).
	Token string
}

// OrderWebhookHandler accepts imaging order events, validates them, and
// enqueues an order_received job. The caller gets a job ID back immediately
// and polls /jobs/{id} for the outcome.
type OrderWebhookHandler struct {
	recorder  intake.JobRecorder
	publisher orderPublisher
	logger    *logging.Logger
	token     string
}

// NewOrderWebhookHandler wires the handler. Recorder and Publisher are
// required.
func NewOrderWebhookHandler(cfg OrderWebhookConfig) *OrderWebhookHandler {
	if cfg.Recorder == nil || cfg.Publisher == nil {
		panic("handlers: order webhook requires recorder and publisher dependencies")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	return &OrderWebhookHandler{
		recorder:  cfg.Recorder,
		publisher: cfg.Publisher,
		logger:    cfg.Logger,
		token:     cfg.Token,
	}
}

// Handle processes one order event: authenticate, validate, persist the
// pending job record, enqueue, 202.
func (h *OrderWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if h.token != "" {
		provided := r.Header.Get(webhookTokenHeader)
		if subtle.ConstantTimeCompare([]byte(provided), []byte(h.token)) != 1 {
			h.logger.Warn("rejected order webhook: bad token")
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxOrderBody))
	if err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	ev, err := orders.ParseEvent(body)
	if err != nil {
		var verr *orders.ValidationError
		if errors.As(err, &verr) {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"error":  "invalid order event",
				"fields": verr.Fields,
			})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "malformed order event"})
		return
	}

	jobID := uuid.NewString()
	if err := h.recorder.PutPending(r.Context(), intake.NewOrderJob(jobID, ev.TenantID, ev.OrderID)); err != nil {
		h.logger.Error("order job record write failed",
			"error", err,
			"job_id", jobID,
			"order_id", ev.OrderID,
			"tenant_id", ev.TenantID,
		)
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	if err := h.publisher.EnqueueOrder(r.Context(), jobID, ev); err != nil {
		// The pending record was never handed to the caller, so nobody
		// polls it; the table TTL clears it. The sender retries with a
		// fresh job.
		h.logger.Error("order enqueue failed",
			"error", err,
			"job_id", jobID,
			"order_id", ev.OrderID,
			"tenant_id", ev.TenantID,
		)
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}

	h.logger.Info("order event accepted",
		"job_id", jobID,
		"order_id", ev.OrderID,
		"tenant_id", ev.TenantID,
		"modality", ev.Modality,
	)
	writeJSON(w, http.StatusAccepted, map[string]string{"jobId": jobID})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
