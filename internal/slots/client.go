package slots

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const defaultTimeout = 10 * time.Second

// Config holds slot-source endpoint settings.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// Client is the HTTP slot-source adapter.
type Client struct {
	cfg    Config
	http   *http.Client
	tracer trace.Tracer
}

// NewClient builds a slot-source client. Timeout defaults to 10s.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		tracer: otel.Tracer("radsched.internal.slots"),
	}
}

// FetchSlots asks for availability. Deadline overruns surface as
// *TimeoutError, non-2xx responses as *FinalError.
func (c *Client) FetchSlots(ctx context.Context, req SlotRequest) ([]Slot, error) {
	ctx, span := c.tracer.Start(ctx, "slots.fetch")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant.id", req.TenantID),
		attribute.String("location.id", req.LocationID),
	)

	var slots []Slot
	if err := c.post(ctx, "fetch_slots", "/v1/slots/search", req, &slots); err != nil {
		return nil, err
	}
	return slots, nil
}

// Book books one slot. A 409 means the booking already exists for the same
// keys and is treated as success.
func (c *Client) Book(ctx context.Context, req BookingRequest) (*Confirmation, error) {
	ctx, span := c.tracer.Start(ctx, "slots.book")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant.id", req.TenantID),
		attribute.String("slot.id", req.SlotID),
	)

	var conf Confirmation
	err := c.post(ctx, "book", "/v1/bookings", req, &conf)
	var final *FinalError
	if errors.As(err, &final) && final.Status == http.StatusConflict {
		if conf.SlotID == "" {
			conf = Confirmation{SlotID: req.SlotID, Status: "confirmed"}
		}
		return &conf, nil
	}
	if err != nil {
		return nil, err
	}
	if conf.Status == "" {
		conf.Status = "confirmed"
	}
	return &conf, nil
}

func (c *Client) post(ctx context.Context, op, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("slots: encode %s request: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slots: build %s request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if isTimeout(err) {
			return &TimeoutError{Op: op, Err: err}
		}
		return fmt.Errorf("slots: %s request: %w", op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("slots: read %s response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		e := &FinalError{Op: op, Status: resp.StatusCode, Body: string(raw)}
		// 409 bodies may carry the original confirmation; surface it to Book.
		if resp.StatusCode == http.StatusConflict && out != nil {
			_ = json.Unmarshal(raw, out)
		}
		return e
	}

	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("slots: decode %s response: %w", op, err)
		}
	}
	return nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
