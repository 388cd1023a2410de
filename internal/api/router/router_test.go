package router

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/apexrad/radsched/internal/http/handlers"
	"github.com/apexrad/radsched/internal/intake"
	"github.com/apexrad/radsched/internal/ops"
	"github.com/apexrad/radsched/internal/orders"
	"github.com/apexrad/radsched/internal/session"
	"github.com/apexrad/radsched/internal/tenant"
	"github.com/apexrad/radsched/pkg/logging"
)

type routerTenantSource struct{}

func (routerTenantSource) LookupByFromNumber(context.Context, string) (*tenant.Tenant, error) {
	return &tenant.Tenant{ID: "acme", Name: "Acme Imaging", Active: true}, nil
}

type routerProcessed struct{}

func (routerProcessed) AlreadyProcessed(context.Context, string, string) (bool, error) {
	return false, nil
}

func (routerProcessed) MarkProcessed(context.Context, string, string) (bool, error) {
	return true, nil
}

type routerQueue struct{}

func (routerQueue) EnqueueInbound(context.Context, session.InboundMessage) error { return nil }

func (routerQueue) EnqueueOrder(context.Context, string, *orders.Event) error { return nil }

type routerRecorder struct{}

func (routerRecorder) PutPending(context.Context, *intake.JobRecord) error { return nil }

func (routerRecorder) GetJob(_ context.Context, jobID string) (*intake.JobRecord, error) {
	if jobID != "job-1" {
		return nil, intake.ErrJobNotFound
	}
	return &intake.JobRecord{JobID: jobID, Status: intake.JobStatusPending}, nil
}

type routerFunnel struct{}

func (routerFunnel) SessionsByState(context.Context, string, time.Time, time.Time) ([]ops.StateCount, error) {
	return []ops.StateCount{{State: "CONFIRMED", Count: 2}}, nil
}

func (routerFunnel) ConfirmationsByDay(context.Context, string, time.Time, time.Time) ([]ops.DayCount, error) {
	return nil, nil
}

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()

	logger := logging.Default()
	sms := handlers.NewSMSWebhookHandler(handlers.SMSWebhookConfig{
		Tenants:    routerTenantSource{},
		Processed:  routerProcessed{},
		Publisher:  routerQueue{},
		Logger:     logger,
		SkipVerify: true,
	})
	order := handlers.NewOrderWebhookHandler(handlers.OrderWebhookConfig{
		Recorder:  routerRecorder{},
		Publisher: routerQueue{},
		Logger:    logger,
	})

	return New(&Config{
		Logger:         logger,
		SMSWebhooks:    sms,
		OrderWebhook:   order,
		JobStatus:      handlers.NewJobStatusHandler(routerRecorder{}, logger),
		Dashboard:      ops.NewDashboardHandler(routerFunnel{}, nil, prometheus.NewRegistry(), logger),
		MetricsHandler: promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{}),
	})
}

func TestRouterHealthEndpoint(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()

	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rr.Code)
	}
	var resp map[string]string
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode health response: %v", err)
	}
	if resp["status"] != "ok" {
		t.Errorf("expected status 'ok', got %q", resp["status"])
	}
}

func TestRouterMountsWebhookAndPollRoutes(t *testing.T) {
	router := newTestRouter(t)

	form := url.Values{}
	form.Set("MessageSid", "SM123")
	form.Set("From", "+15550001111")
	form.Set("To", "+15559998888")
	form.Set("Body", "YES")
	req := httptest.NewRequest(http.MethodPost, "/webhooks/sms/twilio", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("twilio webhook: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}

	telnyxBody := `{"data":{"event_type":"message.received","payload":{"id":"msg-1","text":"YES","from":{"phone_number":"+15550001111"},"to":[{"phone_number":"+15559998888"}]}}}`
	req = httptest.NewRequest(http.MethodPost, "/webhooks/sms/telnyx", strings.NewReader(telnyxBody))
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("telnyx webhook: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}

	orderBody := `{"orderId":"ord-1","tenantId":"acme","patientId":"pat-1","patientPhone":"+15550001111","modality":"CT","description":"CT chest"}`
	req = httptest.NewRequest(http.MethodPost, "/webhooks/orders", strings.NewReader(orderBody))
	req.Header.Set("Content-Type", "application/json")
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("order webhook: expected 202, got %d body=%s", rr.Code, rr.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/jobs/job-1", nil)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("job poll: expected 200, got %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/ops/dashboard?tenant=acme", nil)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("dashboard: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics: expected 200, got %d", rr.Code)
	}
}

// Routes for absent handlers must stay unmounted so a worker-only deploy
// exposes nothing but health and metrics.
func TestRouterRoutesAbsentWithoutHandlers(t *testing.T) {
	router := New(&Config{Logger: logging.Default()})

	for _, probe := range []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/webhooks/sms/twilio"},
		{http.MethodPost, "/webhooks/sms/telnyx"},
		{http.MethodPost, "/webhooks/orders"},
		{http.MethodGet, "/jobs/job-1"},
		{http.MethodGet, "/ops/dashboard"},
	} {
		req := httptest.NewRequest(probe.method, probe.path, strings.NewReader("{}"))
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		if rr.Code != http.StatusNotFound && rr.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s %s: expected 404/405 without a handler, got %d", probe.method, probe.path, rr.Code)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("healthz should always be mounted, got %d", rr.Code)
	}
}
