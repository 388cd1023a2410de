package sms

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/apexrad/radsched/pkg/logging"
)

var telnyxTracer = otel.Tracer("radsched.internal.sms.telnyx")

const telnyxMessagesURL = "https://api.telnyx.com/v2/messages"

// TelnyxProvider posts SMS messages through Telnyx's V2 API.
type TelnyxProvider struct {
	apiKey     string
	endpoint   string
	httpClient *http.Client
	logger     *logging.Logger
}

// NewTelnyxProvider builds a Telnyx sender with a 10s HTTP timeout.
func NewTelnyxProvider(apiKey string, logger *logging.Logger) *TelnyxProvider {
	if logger == nil {
		logger = logging.Default()
	}
	return &TelnyxProvider{
		apiKey:     apiKey,
		endpoint:   telnyxMessagesURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

var _ Provider = (*TelnyxProvider)(nil)

func (p *TelnyxProvider) Name() string { return "telnyx" }

func (p *TelnyxProvider) Enabled() bool { return p != nil && p.apiKey != "" }

// Send dispatches one SMS, retrying transient failures up to three times.
func (p *TelnyxProvider) Send(ctx context.Context, msg *Message) (*SendResult, error) {
	if !p.Enabled() {
		return nil, &StandardError{Code: CodeProviderError, Provider: p.Name(), Raw: errors.New("telnyx api key missing")}
	}
	if msg.To == "" || msg.From == "" {
		return nil, &StandardError{Code: CodeInvalidNumber, Provider: p.Name(), Raw: errors.New("to and from required")}
	}
	if strings.TrimSpace(msg.Body) == "" {
		return nil, &StandardError{Code: CodeInvalidContent, Provider: p.Name(), Raw: errors.New("body required")}
	}

	ctx, span := telnyxTracer.Start(ctx, "sms.telnyx.send")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant.id", msg.TenantID),
		attribute.String("sms.type", msg.Type),
	)

	payload, err := json.Marshal(map[string]string{
		"from": msg.From,
		"to":   msg.To,
		"text": msg.Body,
	})
	if err != nil {
		return nil, &StandardError{Code: CodeProviderError, Provider: p.Name(), Raw: err}
	}

	var lastErr *StandardError
	for attempt := 1; attempt <= 3; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(payload))
		if err != nil {
			lastErr = &StandardError{Code: CodeProviderError, Provider: p.Name(), Raw: err}
			break
		}
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
		req.Header.Set("Content-Type", "application/json")

		resp, err := p.httpClient.Do(req)
		if err != nil {
			lastErr = &StandardError{Code: CodeNetworkError, Provider: p.Name(), Raw: err}
		} else {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
			resp.Body.Close()

			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				var parsed struct {
					Data struct {
						ID string `json:"id"`
					} `json:"data"`
				}
				_ = json.Unmarshal(body, &parsed)
				p.logger.Info("telnyx sms sent", "tenant_id", msg.TenantID, "type", msg.Type)
				return &SendResult{ProviderMessageID: parsed.Data.ID, Provider: p.Name(), FromNumber: msg.From}, nil
			}

			lastErr = p.normalizeError(resp.StatusCode, body)
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

type telnyxAPIError struct {
	Errors []struct {
		Code   string `json:"code"`
		Title  string `json:"title"`
		Detail string `json:"detail"`
	} `json:"errors"`
}

func (p *TelnyxProvider) normalizeError(status int, body []byte) *StandardError {
	var parsed telnyxAPIError
	if err := json.Unmarshal(body, &parsed); err == nil && len(parsed.Errors) > 0 {
		first := parsed.Errors[0]
		return &StandardError{
			Code:     classifyTelnyx(first.Code, status),
			Provider: p.Name(),
			Raw:      fmt.Errorf("status %d code %s: %s", status, first.Code, first.Title),
		}
	}
	return &StandardError{
		Code:     classifyHTTPStatus(status),
		Provider: p.Name(),
		Raw:      fmt.Errorf("status %d: %s", status, strings.TrimSpace(string(body))),
	}
}
