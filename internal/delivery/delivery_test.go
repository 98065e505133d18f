package delivery

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	logx "pushsched/pkg/logx"
)

func TestWebhookDeliverPostsBody(t *testing.T) {
	t.Parallel()
	type seen struct {
		auth string
		body webhookBody
	}
	got := make(chan seen, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var b webhookBody
		_ = json.NewDecoder(r.Body).Decode(&b)
		got <- seen{auth: r.Header.Get("Authorization"), body: b}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d, err := New(Config{
		Driver:  "webhook",
		Webhook: WebhookConfig{URL: srv.URL, Secret: "s3cret", Timeout: 2 * time.Second},
	}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	dest := json.RawMessage(`{"endpoint":"https://push.example/abc"}`)
	payload := json.RawMessage(`{"title":"Timer"}`)
	if err := d.Deliver(context.Background(), dest, payload); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	s := <-got
	if s.auth != "Bearer s3cret" {
		t.Fatalf("Authorization = %q", s.auth)
	}
	if string(s.body.Destination) != string(dest) {
		t.Fatalf("destination = %s", s.body.Destination)
	}
	if string(s.body.Payload) != string(payload) {
		t.Fatalf("payload = %s", s.body.Payload)
	}
}

func TestWebhookDeliverNon2xxIsError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "subscription gone", http.StatusGone)
	}))
	defer srv.Close()

	d, err := New(Config{Driver: "webhook", Webhook: WebhookConfig{URL: srv.URL}}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	err = d.Deliver(context.Background(), json.RawMessage(`{}`), nil)
	if err == nil {
		t.Fatal("expected error for 410 response")
	}
}

func TestWebhookDeliverHonorsContext(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
	}))
	defer srv.Close()

	d, err := New(Config{Driver: "webhook", Webhook: WebhookConfig{URL: srv.URL}}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := d.Deliver(ctx, json.RawMessage(`{}`), nil); err == nil {
		t.Fatal("expected context deadline error")
	}
}

func TestNewUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{Driver: "smoke-signal"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestParseTelegramDestination(t *testing.T) {
	t.Parallel()
	d, err := parseTelegramDestination(json.RawMessage(`{"chat_id": 42, "thread_id": 7}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if d.ChatID != 42 || d.ThreadID != 7 {
		t.Fatalf("unexpected destination: %+v", d)
	}

	if _, err := parseTelegramDestination(json.RawMessage(`{"thread_id": 7}`)); err == nil {
		t.Fatal("expected error for missing chat_id")
	}
	if _, err := parseTelegramDestination(json.RawMessage(`not json`)); err == nil {
		t.Fatal("expected error for invalid json")
	}
}

func TestFormatTelegramText(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{name: "title and body", raw: `{"title":"Timer","body":"rest over"}`, want: "Timer\nrest over"},
		{name: "title only", raw: `{"title":"Timer"}`, want: "Timer"},
		{name: "body only", raw: `{"body":"rest over"}`, want: "rest over"},
		{name: "opaque fallback", raw: `{"custom":1}`, want: `{"custom":1}`},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := formatTelegramText(json.RawMessage(tt.raw)); got != tt.want {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
		})
	}
}
