package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"text/template"
	"time"

	"kpialert/internal/config"
	"kpialert/internal/directory"
	"kpialert/internal/domain"
	"kpialert/internal/templatefmt"
)

type flakySender struct {
	channel string
	fails   int
	calls   int
}

func (s *flakySender) Channel() string { return s.channel }

func (s *flakySender) Send(_ context.Context, _ Message) error {
	s.calls++
	if s.calls <= s.fails {
		return errors.New("temporary error")
	}
	return nil
}

type captureSender struct {
	channel string
	items   []Message
}

func (s *captureSender) Channel() string { return s.channel }

func (s *captureSender) Send(_ context.Context, message Message) error {
	s.items = append(s.items, message)
	return nil
}

func mustTemplate(t *testing.T, body string) *template.Template {
	t.Helper()
	compiled, err := templatefmt.ParseNotificationTemplate("test.template", body)
	if err != nil {
		t.Fatalf("parse template: %v", err)
	}
	return compiled
}

func TestDispatcherRetriesUntilSuccess(t *testing.T) {
	t.Parallel()

	sender := &flakySender{channel: config.ChannelSMS, fails: 2}
	dispatcher := &Dispatcher{
		senders: map[string]ChannelSender{config.ChannelSMS: sender},
		retries: map[string]config.NotifyRetry{
			config.ChannelSMS: {
				Enabled:     true,
				Backoff:     "exponential",
				InitialMS:   1,
				MaxMS:       2,
				MaxAttempts: 0,
			},
		},
		templates: map[string]*template.Template{
			config.ChannelSMS: mustTemplate(t, "{{ .Message }}"),
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := dispatcher.Send(ctx, config.ChannelSMS, directory.User{ID: "dm1", Phone: "+21612345678"}, domain.AlertNotification{
		Message: "overdue rate breached",
	})
	if err != nil {
		t.Fatalf("expected retry success, got %v", err)
	}
	if sender.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", sender.calls)
	}
}

func TestDispatcherStopsAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	sender := &flakySender{channel: config.ChannelSMS, fails: 10}
	dispatcher := &Dispatcher{
		senders: map[string]ChannelSender{config.ChannelSMS: sender},
		retries: map[string]config.NotifyRetry{
			config.ChannelSMS: {
				Enabled:     true,
				InitialMS:   1,
				MaxMS:       1,
				MaxAttempts: 3,
			},
		},
		templates: map[string]*template.Template{
			config.ChannelSMS: mustTemplate(t, "{{ .Message }}"),
		},
	}

	err := dispatcher.Send(context.Background(), config.ChannelSMS, directory.User{ID: "dm1"}, domain.AlertNotification{})
	if err == nil || !strings.Contains(err.Error(), "after 3 attempts") {
		t.Fatalf("expected exhaustion error, got %v", err)
	}
	if sender.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", sender.calls)
	}
}

func TestDispatcherReturnsUnknownChannel(t *testing.T) {
	t.Parallel()

	dispatcher := &Dispatcher{senders: map[string]ChannelSender{}}
	if err := dispatcher.Send(context.Background(), config.ChannelEmail, directory.User{}, domain.AlertNotification{}); err == nil {
		t.Fatalf("expected unknown channel error")
	}
}

func TestNewDispatcherChannels(t *testing.T) {
	t.Parallel()

	dispatcher, err := NewDispatcher(config.NotifyConfig{
		Email: config.EmailNotifier{
			Enabled: true,
			Host:    "smtp.example.org",
			Port:    587,
			From:    "alerts@example.org",
		},
		SMS: config.SMSNotifier{
			Enabled:    true,
			URL:        "http://localhost/sms",
			TimeoutSec: 1,
		},
	}, nil)
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}

	got := dispatcher.Channels()
	want := []string{config.ChannelEmail, config.ChannelSMS}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("channels mismatch: got=%v want=%v", got, want)
	}
	if dispatcher.Enabled(config.ChannelTelegram) {
		t.Fatalf("expected telegram to be disabled")
	}
}

func TestDispatcherRendersChannelTemplate(t *testing.T) {
	t.Parallel()

	sender := &captureSender{channel: config.ChannelEmail}
	dispatcher := &Dispatcher{
		senders: map[string]ChannelSender{config.ChannelEmail: sender},
		templates: map[string]*template.Template{
			config.ChannelEmail: mustTemplate(t, "{{ .Kpi }} at {{ fmtValue .CurrentValue .Unit }}: {{ .Message }}"),
		},
	}

	err := dispatcher.Send(context.Background(), config.ChannelEmail, directory.User{ID: "dm1", Email: "dm1@example.org"}, domain.AlertNotification{
		Kpi:          domain.KpiOverdueRate,
		CurrentValue: 58.3,
		Unit:         "%",
		Message:      "overdue rate breached",
	})
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if len(sender.items) != 1 {
		t.Fatalf("expected one sent message, got %d", len(sender.items))
	}
	if sender.items[0].Body != "OVERDUE_RATE at 58.3%: overdue rate breached" {
		t.Fatalf("unexpected rendered body: %q", sender.items[0].Body)
	}
}

func TestBroadcastCountsFailuresAndSkipsUnknownChannels(t *testing.T) {
	t.Parallel()

	good := &captureSender{channel: config.ChannelEmail}
	bad := &flakySender{channel: config.ChannelSMS, fails: 100}
	dispatcher := &Dispatcher{
		senders: map[string]ChannelSender{
			config.ChannelEmail: good,
			config.ChannelSMS:   bad,
		},
		retries: map[string]config.NotifyRetry{},
		templates: map[string]*template.Template{
			config.ChannelEmail: mustTemplate(t, "{{ .Message }}"),
			config.ChannelSMS:   mustTemplate(t, "{{ .Message }}"),
		},
	}

	recipients := []directory.User{{ID: "dm1"}, {ID: "dm2"}}
	failures := dispatcher.Broadcast(context.Background(),
		[]string{config.ChannelEmail, config.ChannelSMS, config.ChannelTelegram},
		recipients,
		domain.AlertNotification{Message: "breach"})

	if failures != 2 {
		t.Fatalf("expected 2 failures from sms channel, got %d", failures)
	}
	if len(good.items) != 2 {
		t.Fatalf("expected 2 email deliveries, got %d", len(good.items))
	}
}

func TestSMSSenderSend(t *testing.T) {
	t.Parallel()

	var captured struct {
		To      string `json:"to"`
		Message string `json:"message"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &captured); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sender := NewSMSSender(config.SMSNotifier{
		Enabled:    true,
		URL:        server.URL,
		TimeoutSec: 2,
	})
	err := sender.Send(context.Background(), Message{
		Recipient: directory.User{ID: "dm1", Phone: "+21612345678"},
		Body:      "[HIGH] OVERDUE_RATE: 58.3%",
	})
	if err != nil {
		t.Fatalf("sms send: %v", err)
	}
	if captured.To != "+21612345678" || !strings.Contains(captured.Message, "OVERDUE_RATE") {
		t.Fatalf("unexpected gateway payload: %+v", captured)
	}
}

func TestSMSSenderRejectsMissingPhone(t *testing.T) {
	t.Parallel()

	sender := NewSMSSender(config.SMSNotifier{URL: "http://localhost/sms", TimeoutSec: 1})
	err := sender.Send(context.Background(), Message{Recipient: directory.User{ID: "dm1"}})
	if err == nil || !strings.Contains(err.Error(), "no phone number") {
		t.Fatalf("expected missing phone error, got %v", err)
	}
}

func TestSMSSenderStatusErrorIncludesBody(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer server.Close()

	sender := NewSMSSender(config.SMSNotifier{URL: server.URL, TimeoutSec: 2})
	err := sender.Send(context.Background(), Message{
		Recipient: directory.User{ID: "dm1", Phone: "+21612345678"},
	})
	if err == nil || !strings.Contains(err.Error(), "quota exceeded") {
		t.Fatalf("expected status error with body, got %v", err)
	}
}

func TestEmailSenderRejectsMissingAddress(t *testing.T) {
	t.Parallel()

	sender := NewEmailSender(config.EmailNotifier{Host: "smtp.example.org", Port: 587, From: "alerts@example.org"})
	err := sender.Send(context.Background(), Message{Recipient: directory.User{ID: "dm1"}})
	if err == nil || !strings.Contains(err.Error(), "no email address") {
		t.Fatalf("expected missing email error, got %v", err)
	}
}

func TestBuildMailUsesCRLFAndCleansSubject(t *testing.T) {
	t.Parallel()

	payload := buildMail("alerts@example.org", "dm1@example.org", "line1\nline2", "body line1\nbody line2")
	if strings.Contains(payload, "Subject: line1\nline2") {
		t.Fatalf("expected subject newlines stripped, got %q", payload)
	}
	if !strings.Contains(payload, "Subject: line1line2") {
		t.Fatalf("expected cleaned subject, got %q", payload)
	}
	if !strings.Contains(payload, "body line1\r\nbody line2") {
		t.Fatalf("expected CRLF body, got %q", payload)
	}
}
