package sms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/apexrad/radsched/pkg/logging"
)

var twilioTracer = otel.Tracer("radsched.internal.sms.twilio")

const twilioBaseURL = "https://api.twilio.com/2010-04-01"

// TwilioProvider posts SMS messages through Twilio's REST API.
type TwilioProvider struct {
	accountSID string
	authToken  string
	baseURL    string
	httpClient *http.Client
	logger     *logging.Logger
}

// NewTwilioProvider builds a Twilio sender with a 10s HTTP timeout.
func NewTwilioProvider(accountSID, authToken string, logger *logging.Logger) *TwilioProvider {
	if logger == nil {
		logger = logging.Default()
	}
	return &TwilioProvider{
		accountSID: accountSID,
		authToken:  authToken,
		baseURL:    twilioBaseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

var _ Provider = (*TwilioProvider)(nil)

func (p *TwilioProvider) Name() string { return "twilio" }

func (p *TwilioProvider) Enabled() bool {
	return p != nil && p.accountSID != "" && p.authToken != ""
}

// Send dispatches one SMS, retrying transient failures up to three times.
// Failures come back as *StandardError.
func (p *TwilioProvider) Send(ctx context.Context, msg *Message) (*SendResult, error) {
	if !p.Enabled() {
		return nil, &StandardError{Code: CodeProviderError, Provider: p.Name(), Raw: errors.New("twilio credentials missing")}
	}
	if msg.To == "" || msg.From == "" {
		return nil, &StandardError{Code: CodeInvalidNumber, Provider: p.Name(), Raw: errors.New("to and from required")}
	}
	if strings.TrimSpace(msg.Body) == "" {
		return nil, &StandardError{Code: CodeInvalidContent, Provider: p.Name(), Raw: errors.New("body required")}
	}

	ctx, span := twilioTracer.Start(ctx, "sms.twilio.send")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant.id", msg.TenantID),
		attribute.String("sms.type", msg.Type),
	)

	payload := url.Values{}
	payload.Set("To", msg.To)
	payload.Set("From", msg.From)
	payload.Set("Body", msg.Body)

	endpoint := fmt.Sprintf("%s/Accounts/%s/Messages.json", p.baseURL, p.accountSID)

	var lastErr *StandardError
	for attempt := 1; attempt <= 3; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(payload.Encode()))
		if err != nil {
			lastErr = &StandardError{Code: CodeProviderError, Provider: p.Name(), Raw: err}
			break
		}
		req.SetBasicAuth(p.accountSID, p.authToken)
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := p.httpClient.Do(req)
		if err != nil {
			lastErr = &StandardError{Code: CodeNetworkError, Provider: p.Name(), Raw: err}
		} else {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()

			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				var parsed struct {
					SID string `json:"sid"`
				}
				_ = json.Unmarshal(body, &parsed)
				p.logger.Info("twilio sms sent", "tenant_id", msg.TenantID, "type", msg.Type)
				return &SendResult{ProviderMessageID: parsed.SID, Provider: p.Name(), FromNumber: msg.From}, nil
			}

			lastErr = p.normalizeError(resp.StatusCode, body)
			// Non-rate-limit 4xx failures are definitive for this provider.
			if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != 429 {
				break
			}
		}

		if attempt < 3 {
			time.Sleep(time.Duration(200+rand.Intn(300)) * time.Millisecond)
		}
	}

	span.RecordError(lastErr)
	return nil, lastErr
}

type twilioAPIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status"`
}

func (p *TwilioProvider) normalizeError(status int, body []byte) *StandardError {
	var parsed twilioAPIError
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Message != "" {
		return &StandardError{
			Code:     classifyTwilio(parsed.Code, status),
			Provider: p.Name(),
			Raw:      fmt.Errorf("status %d code %d: %s", status, parsed.Code, parsed.Message),
		}
	}
	return &StandardError{
		Code:     classifyHTTPStatus(status),
		Provider: p.Name(),
		Raw:      fmt.Errorf("status %d: %s", status, strings.TrimSpace(string(body))),
	}
}
