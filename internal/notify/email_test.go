package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/sendgrid/sendgrid-go"

	"github.com/apexrad/radsched/pkg/logging"
)

// sendGridPayload mirrors the fields of the v3 mail send body we care about.
type sendGridPayload struct {
	From struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	} `json:"from"`
	Subject          string `json:"subject"`
	Personalizations []struct {
		To []struct {
			Email string `json:"email"`
		} `json:"to"`
	} `json:"personalizations"`
	Content []struct {
		Type  string `json:"type"`
		Value string `json:"value"`
	} `json:"content"`
}

func sendGridAgainst(t *testing.T, status int) (*SendGridSender, *sendGridPayload) {
	t.Helper()
	var got sendGridPayload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("sendgrid body did not decode: %v", err)
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(server.Close)

	client := &sendgrid.Client{Request: sendgrid.GetRequest("test-key", "/v3/mail/send", server.URL)}
	return &SendGridSender{
		client:    client,
		fromEmail: "alerts@example.com",
		fromName:  "RadSched",
		logger:    logging.Default(),
	}, &got
}

func TestSendGridSenderPostsMailSend(t *testing.T) {
	sender, got := sendGridAgainst(t, http.StatusAccepted)

	err := sender.Send(context.Background(), EmailMessage{
		To:      "ops@example.com",
		Subject: "Safety hold: sess-1",
		Body:    "Order ord-1 blocked, call the patient.",
	})
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}

	if got.From.Email != "alerts@example.com" || got.From.Name != "RadSched" {
		t.Fatalf("from = %q <%s>", got.From.Name, got.From.Email)
	}
	if got.Subject != "Safety hold: sess-1" {
		t.Fatalf("subject = %q", got.Subject)
	}
	if len(got.Personalizations) != 1 || len(got.Personalizations[0].To) != 1 ||
		got.Personalizations[0].To[0].Email != "ops@example.com" {
		t.Fatalf("unexpected recipients: %+v", got.Personalizations)
	}
	if len(got.Content) == 0 || !strings.Contains(got.Content[0].Value, "ord-1") {
		t.Fatalf("body missing order reference: %+v", got.Content)
	}
}

func TestSendGridSenderErrorStatus(t *testing.T) {
	sender, _ := sendGridAgainst(t, http.StatusInternalServerError)

	err := sender.Send(context.Background(), EmailMessage{To: "ops@example.com", Subject: "x", Body: "y"})
	if err == nil || !strings.Contains(err.Error(), "500") {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestNewSendGridSenderDisabledWithoutAPIKey(t *testing.T) {
	if sender := NewSendGridSender(SendGridConfig{FromEmail: "alerts@example.com"}, nil); sender != nil {
		t.Error("expected nil sender when API key is empty")
	}
}

func TestNewSendGridSenderDefaultsFromName(t *testing.T) {
	sender := NewSendGridSender(SendGridConfig{APIKey: "test-key", FromEmail: "alerts@example.com"}, nil)
	if sender == nil {
		t.Fatal("expected non-nil sender")
	}
	if sender.fromName != "RadSched" {
		t.Errorf("default from name = %q", sender.fromName)
	}

	custom := NewSendGridSender(SendGridConfig{APIKey: "test-key", FromEmail: "alerts@example.com", FromName: "Apex Radiology"}, nil)
	if custom.fromName != "Apex Radiology" {
		t.Errorf("from name = %q, want Apex Radiology", custom.fromName)
	}
}

type mockSES struct {
	input *sesv2.SendEmailInput
	err   error
}

func (m *mockSES) SendEmail(_ context.Context, input *sesv2.SendEmailInput, _ ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	m.input = input
	if m.err != nil {
		return nil, m.err
	}
	return &sesv2.SendEmailOutput{MessageId: aws.String("msg-1")}, nil
}

func TestSESSenderBuildsSimpleMessage(t *testing.T) {
	mock := &mockSES{}
	sender := NewSESSender(mock, SESConfig{FromEmail: "alerts@example.com"}, nil)
	if sender == nil {
		t.Fatal("expected non-nil sender")
	}

	err := sender.Send(context.Background(), EmailMessage{
		To:      "ops@example.com",
		Subject: "Slot source down",
		Body:    "Session sess-9 timed out twice.",
	})
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}

	in := mock.input
	if in == nil {
		t.Fatal("SendEmail never called")
	}
	if got := aws.ToString(in.FromEmailAddress); got != "RadSched <alerts@example.com>" {
		t.Fatalf("from = %q", got)
	}
	if len(in.Destination.ToAddresses) != 1 || in.Destination.ToAddresses[0] != "ops@example.com" {
		t.Fatalf("to = %v", in.Destination.ToAddresses)
	}
	if got := aws.ToString(in.Content.Simple.Subject.Data); got != "Slot source down" {
		t.Fatalf("subject = %q", got)
	}
	if got := aws.ToString(in.Content.Simple.Body.Text.Data); !strings.Contains(got, "sess-9") {
		t.Fatalf("body = %q", got)
	}
}

func TestSESSenderPropagatesError(t *testing.T) {
	sender := NewSESSender(&mockSES{err: errors.New("throttled")}, SESConfig{FromEmail: "alerts@example.com"}, nil)

	err := sender.Send(context.Background(), EmailMessage{To: "ops@example.com", Subject: "x", Body: "y"})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestNewSESSenderDisabledWithoutClient(t *testing.T) {
	if sender := NewSESSender(nil, SESConfig{FromEmail: "alerts@example.com"}, nil); sender != nil {
		t.Error("expected nil sender when SES client is absent")
	}
}

func TestStubSenderNeverFails(t *testing.T) {
	sender := NewStubSender(nil)
	if err := sender.Send(context.Background(), EmailMessage{To: "ops@example.com", Subject: "s", Body: "b"}); err != nil {
		t.Errorf("stub sender returned %v", err)
	}
}
