package handlers

import (
	"context"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/apexrad/radsched/internal/audit"
	"github.com/apexrad/radsched/internal/session"
	"github.com/apexrad/radsched/internal/tenant"
)

type stubTenantSource struct {
	byNumber map[string]*tenant.Tenant
	err      error
}

func (s *stubTenantSource) LookupByFromNumber(_ context.Context, number string) (*tenant.Tenant, error) {
	if s.err != nil {
		return nil, s.err
	}
	t, ok := s.byNumber[number]
	if !ok {
		return nil, tenant.ErrNotFound
	}
	return t, nil
}

type stubProcessed struct {
	seen      map[string]bool
	marked    []string
	lookupErr error
	markErr   error
}

func (s *stubProcessed) AlreadyProcessed(_ context.Context, provider, eventID string) (bool, error) {
	if s.lookupErr != nil {
		return false, s.lookupErr
	}
	return s.seen[provider+"/"+eventID], nil
}

func (s *stubProcessed) MarkProcessed(_ context.Context, provider, eventID string) (bool, error) {
	if s.markErr != nil {
		return false, s.markErr
	}
	s.marked = append(s.marked, provider+"/"+eventID)
	return true, nil
}

type stubInboundQueue struct {
	jobs []session.InboundMessage
	err  error
}

func (s *stubInboundQueue) EnqueueInbound(_ context.Context, msg session.InboundMessage) error {
	if s.err != nil {
		return s.err
	}
	s.jobs = append(s.jobs, msg)
	return nil
}

type stubAuditor struct {
	records []*audit.MessageRecord
	err     error
}

func (s *stubAuditor) RecordMessage(_ context.Context, rec *audit.MessageRecord) error {
	if s.err != nil {
		return s.err
	}
	s.records = append(s.records, rec)
	return nil
}

func webhookTenants() *stubTenantSource {
	return &stubTenantSource{byNumber: map[string]*tenant.Tenant{
		"+15559998888": {ID: "acme", Name: "Acme Imaging", Active: true},
	}}
}

func newTestSMSHandler(tenants *stubTenantSource, processed *stubProcessed, queue *stubInboundQueue, auditor *stubAuditor) *SMSWebhookHandler {
	cfg := SMSWebhookConfig{
		Tenants:    tenants,
		Processed:  processed,
		Publisher:  queue,
		SkipVerify: true,
	}
	if auditor != nil {
		cfg.Audit = auditor
	}
	return NewSMSWebhookHandler(cfg)
}

func postTwilioForm(h *SMSWebhookHandler, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/sms/twilio", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.HandleTwilio(rec, req)
	return rec
}

func twilioReplyForm() url.Values {
	return url.Values{
		"MessageSid": {"SM123"},
		"From":       {"+15550001111"},
		"To":         {"+15559998888"},
		"Body":       {"YES"},
	}
}

func TestTwilioInboundAcceptedAndEnqueued(t *testing.T) {
	processed := &stubProcessed{}
	queue := &stubInboundQueue{}
	auditor := &stubAuditor{}
	h := newTestSMSHandler(webhookTenants(), processed, queue, auditor)

	rec := postTwilioForm(h, twilioReplyForm())

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}
	if len(queue.jobs) != 1 {
		t.Fatalf("expected one enqueued job, got %d", len(queue.jobs))
	}
	job := queue.jobs[0]
	if job.TenantID != "acme" {
		t.Fatalf("expected tenant acme, got %s", job.TenantID)
	}
	if job.From != "+15550001111" || job.Body != "YES" {
		t.Fatalf("unexpected job payload: %+v", job)
	}
	if job.ProviderMessageID != "SM123" {
		t.Fatalf("expected provider message id to propagate, got %s", job.ProviderMessageID)
	}
	if len(processed.marked) != 1 || processed.marked[0] != "twilio/SM123" {
		t.Fatalf("expected message marked processed, got %v", processed.marked)
	}
}

func TestTwilioInboundAuditRowCarriesNoRawPhone(t *testing.T) {
	auditor := &stubAuditor{}
	h := newTestSMSHandler(webhookTenants(), &stubProcessed{}, &stubInboundQueue{}, auditor)

	rec := postTwilioForm(h, twilioReplyForm())

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(auditor.records) != 1 {
		t.Fatalf("expected one audit row, got %d", len(auditor.records))
	}
	row := auditor.records[0]
	if row.Direction != audit.DirectionInbound {
		t.Fatalf("expected inbound direction, got %s", row.Direction)
	}
	if row.PhoneHash == "" || strings.Contains(row.PhoneHash, "1111") {
		t.Fatalf("expected opaque phone hash, got %q", row.PhoneHash)
	}
	if row.PhoneLast4 != "1111" {
		t.Fatalf("expected last4 1111, got %q", row.PhoneLast4)
	}
	if row.TenantID != "acme" || row.Provider != "twilio" {
		t.Fatalf("unexpected audit row: %+v", row)
	}
}

func TestTwilioRejectsMissingSignature(t *testing.T) {
	queue := &stubInboundQueue{}
	h := NewSMSWebhookHandler(SMSWebhookConfig{
		Tenants:         webhookTenants(),
		Processed:       &stubProcessed{},
		Publisher:       queue,
		TwilioAuthToken: "auth-token",
		PublicBaseURL:   "https://api.example.com",
	})

	rec := postTwilioForm(h, twilioReplyForm())

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	if len(queue.jobs) != 0 {
		t.Fatalf("expected nothing enqueued, got %d jobs", len(queue.jobs))
	}
}

func TestTwilioAcceptsValidSignature(t *testing.T) {
	const authToken = "auth-token"
	queue := &stubInboundQueue{}
	h := NewSMSWebhookHandler(SMSWebhookConfig{
		Tenants:         webhookTenants(),
		Processed:       &stubProcessed{},
		Publisher:       queue,
		TwilioAuthToken: authToken,
		PublicBaseURL:   "https://api.example.com",
	})

	form := twilioReplyForm()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/sms/twilio", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Twilio-Signature", signTwilio(authToken, "https://api.example.com/webhooks/sms/twilio", form))
	rec := httptest.NewRecorder()

	h.HandleTwilio(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}
	if len(queue.jobs) != 1 {
		t.Fatalf("expected one enqueued job, got %d", len(queue.jobs))
	}
}

func TestTelnyxInboundAcceptedWithValidSignature(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	queue := &stubInboundQueue{}
	h := NewSMSWebhookHandler(SMSWebhookConfig{
		Tenants:         webhookTenants(),
		Processed:       &stubProcessed{},
		Publisher:       queue,
		TelnyxPublicKey: base64.StdEncoding.EncodeToString(pub),
	})

	body := []byte(`{"data":{"event_type":"message.received","payload":{"id":"msg-77","text":"YES","from":{"phone_number":"+15550001111"},"to":[{"phone_number":"+15559998888"}]}}}`)
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	signed := append([]byte(ts+"|"), body...)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/sms/telnyx", strings.NewReader(string(body)))
	req.Header.Set("Telnyx-Timestamp", ts)
	req.Header.Set("Telnyx-Signature-Ed25519", base64.StdEncoding.EncodeToString(ed25519.Sign(priv, signed)))
	rec := httptest.NewRecorder()

	h.HandleTelnyx(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}
	if len(queue.jobs) != 1 || queue.jobs[0].ProviderMessageID != "msg-77" {
		t.Fatalf("expected telnyx reply enqueued, got %+v", queue.jobs)
	}
}

func TestTelnyxRejectsBadSignature(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	h := NewSMSWebhookHandler(SMSWebhookConfig{
		Tenants:         webhookTenants(),
		Processed:       &stubProcessed{},
		Publisher:       &stubInboundQueue{},
		TelnyxPublicKey: base64.StdEncoding.EncodeToString(pub),
	})

	req := httptest.NewRequest(http.MethodPost, "/webhooks/sms/telnyx", strings.NewReader(`{}`))
	req.Header.Set("Telnyx-Timestamp", strconv.FormatInt(time.Now().Unix(), 10))
	req.Header.Set("Telnyx-Signature-Ed25519", base64.StdEncoding.EncodeToString(make([]byte, ed25519.SignatureSize)))
	rec := httptest.NewRecorder()

	h.HandleTelnyx(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestTelnyxDeliveryReceiptDropped(t *testing.T) {
	queue := &stubInboundQueue{}
	processed := &stubProcessed{}
	h := newTestSMSHandler(webhookTenants(), processed, queue, nil)

	body := `{"data":{"event_type":"message.finalized","payload":{"id":"msg-88"}}}`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/sms/telnyx", strings.NewReader(body))
	rec := httptest.NewRecorder()

	h.HandleTelnyx(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for non-inbound event, got %d", rec.Code)
	}
	if len(queue.jobs) != 0 || len(processed.marked) != 0 {
		t.Fatalf("expected delivery receipt to be dropped without side effects")
	}
}

func TestDuplicateInboundShortCircuits(t *testing.T) {
	processed := &stubProcessed{seen: map[string]bool{"twilio/SM123": true}}
	queue := &stubInboundQueue{}
	auditor := &stubAuditor{}
	h := newTestSMSHandler(webhookTenants(), processed, queue, auditor)

	rec := postTwilioForm(h, twilioReplyForm())

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on redelivery, got %d", rec.Code)
	}
	if len(queue.jobs) != 0 {
		t.Fatalf("expected duplicate not enqueued")
	}
	if len(auditor.records) != 0 {
		t.Fatalf("expected no second audit row for redelivery")
	}
}

func TestUnknownDestinationNumberIs404(t *testing.T) {
	h := newTestSMSHandler(&stubTenantSource{byNumber: map[string]*tenant.Tenant{}}, &stubProcessed{}, &stubInboundQueue{}, nil)

	rec := postTwilioForm(h, twilioReplyForm())

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unmapped number, got %d", rec.Code)
	}
}

func TestEnqueueFailureLeavesMessageUnprocessed(t *testing.T) {
	processed := &stubProcessed{}
	queue := &stubInboundQueue{err: context.DeadlineExceeded}
	h := newTestSMSHandler(webhookTenants(), processed, queue, nil)

	rec := postTwilioForm(h, twilioReplyForm())

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 so the carrier redelivers, got %d", rec.Code)
	}
	if len(processed.marked) != 0 {
		t.Fatalf("expected message left unmarked for redelivery, got %v", processed.marked)
	}
}

func TestAuditFailureDoesNotBlockAccept(t *testing.T) {
	queue := &stubInboundQueue{}
	auditor := &stubAuditor{err: context.DeadlineExceeded}
	h := newTestSMSHandler(webhookTenants(), &stubProcessed{}, queue, auditor)

	rec := postTwilioForm(h, twilioReplyForm())

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 despite audit sink failure, got %d", rec.Code)
	}
	if len(queue.jobs) != 1 {
		t.Fatalf("expected reply still enqueued, got %d jobs", len(queue.jobs))
	}
}

func TestUnusableFromNumberDroppedQuietly(t *testing.T) {
	queue := &stubInboundQueue{}
	h := newTestSMSHandler(webhookTenants(), &stubProcessed{}, queue, nil)

	form := twilioReplyForm()
	form.Set("From", "not-a-number")
	rec := postTwilioForm(h, form)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 drop for unusable number, got %d", rec.Code)
	}
	if len(queue.jobs) != 0 {
		t.Fatalf("expected nothing enqueued for unusable number")
	}
}

// signTwilio mirrors the carrier's HMAC: URL then form params sorted by key.
func signTwilio(authToken, rawURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var payload strings.Builder
	payload.WriteString(rawURL)
	for _, k := range keys {
		for _, v := range form[k] {
			payload.WriteString(k)
			payload.WriteString(v)
		}
	}
	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(payload.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
