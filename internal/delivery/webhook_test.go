package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestWebhook_SendToChannel(t *testing.T) {
	var got webhookBody
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content-type = %s", ct)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("X-Request-Id", "req-1")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	gw := NewWebhookGateway(WebhookConfig{Timeout: 5 * time.Second}, zap.NewNop())
	id, err := gw.SendToChannel(context.Background(), server.URL+"/hooks/secret", "standup in 5")

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "req-1" {
		t.Fatalf("delivery id = %s", id)
	}
	if got.Text != "standup in 5" || got.Content != "standup in 5" {
		t.Fatalf("body = %+v", got)
	}
}

func TestWebhook_Non2xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte("no_service"))
	}))
	defer server.Close()

	gw := NewWebhookGateway(WebhookConfig{}, zap.NewNop())
	_, err := gw.SendToChannel(context.Background(), server.URL+"/hooks/secret-token", "x")

	var de *DeliveryError
	if !errors.As(err, &de) {
		t.Fatalf("expected DeliveryError, got %v", err)
	}
	if !strings.Contains(err.Error(), "404") {
		t.Fatalf("error should include status: %v", err)
	}
	if de.StatusCode != http.StatusNotFound || IsTransient(err) {
		t.Fatalf("status = %d, transient = %v", de.StatusCode, IsTransient(err))
	}
	if strings.Contains(err.Error(), "secret-token") {
		t.Fatalf("error leaks webhook path: %v", err)
	}
}

func TestWebhook_DirectUnsupported(t *testing.T) {
	gw := NewWebhookGateway(WebhookConfig{}, zap.NewNop())

	if _, err := gw.ResolveRecipient(context.Background(), "1"); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("resolve: %v", err)
	}
	if _, err := gw.SendDirect(context.Background(), Recipient{UserID: "1"}, "x"); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("direct: %v", err)
	}
}

func TestWebhook_RejectsNonURL(t *testing.T) {
	gw := NewWebhookGateway(WebhookConfig{}, zap.NewNop())
	if _, err := gw.SendToChannel(context.Background(), "-100123", "x"); err == nil {
		t.Fatal("expected error for non-url channel")
	}
}

func TestRedactURL(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"https://hooks.slack.com/services/T/B/secret", "https://hooks.slack.com/…"},
		{"http://localhost:8080", "http://localhost:8080"},
		{"@channel", "@channel"},
	}
	for _, tt := range tests {
		if got := redactURL(tt.in); got != tt.want {
			t.Errorf("redactURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
