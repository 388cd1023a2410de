package clinical

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const defaultTimeout = 10 * time.Second

// Config holds the RIS clinical-context endpoint settings.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// Client fetches patient context over the tenant RIS HTTP API.
type Client struct {
	cfg  Config
	http *http.Client
}

// NewClient builds a RIS client. Timeout defaults to 10s.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

// PatientContext fetches clinical context for one patient. A 404 from the
// RIS maps to ErrUnavailable; transport failures and 5xx responses return
// wrapped errors the caller may retry.
func (c *Client) PatientContext(ctx context.Context, tenantID, patientID string) (*PatientContext, error) {
	ctx, span := otel.Tracer("clinical").Start(ctx, "ris.patient_context")
	defer span.End()
	span.SetAttributes(attribute.String("tenant.id", tenantID))

	endpoint := fmt.Sprintf("%s/v1/tenants/%s/patients/%s/context",
		c.cfg.BaseURL, url.PathEscape(tenantID), url.PathEscape(patientID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("clinical: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("clinical: ris request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrUnavailable
	case resp.StatusCode >= 400:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("clinical: ris status %d: %s", resp.StatusCode, body)
	}

	var pc PatientContext
	if err := json.NewDecoder(resp.Body).Decode(&pc); err != nil {
		return nil, fmt.Errorf("clinical: decode response: %w", err)
	}
	if pc.PatientID == "" {
		pc.PatientID = patientID
	}
	return &pc, nil
}
