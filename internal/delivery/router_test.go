package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

type stubGateway struct {
	name     string
	channels []string
	direct   []string
}

func (s *stubGateway) ResolveRecipient(ctx context.Context, userID string) (Recipient, error) {
	return Recipient{UserID: userID}, nil
}

func (s *stubGateway) SendDirect(ctx context.Context, r Recipient, text string) (string, error) {
	s.direct = append(s.direct, r.UserID)
	return s.name, nil
}

func (s *stubGateway) SendToChannel(ctx context.Context, channelID, text string) (string, error) {
	s.channels = append(s.channels, channelID)
	return s.name, nil
}

func TestRouter_RoutesByChannelKind(t *testing.T) {
	chat := &stubGateway{name: "chat"}
	hook := &stubGateway{name: "webhook"}
	r := NewRouter(chat, hook, zap.NewNop())
	ctx := context.Background()

	if id, _ := r.SendToChannel(ctx, "-100123", "x"); id != "chat" {
		t.Fatalf("numeric channel routed to %s", id)
	}
	if id, _ := r.SendToChannel(ctx, "https://hooks.example.com/abc", "x"); id != "webhook" {
		t.Fatalf("webhook channel routed to %s", id)
	}
	if id, _ := r.SendDirect(ctx, Recipient{UserID: "7"}, "x"); id != "chat" {
		t.Fatalf("direct routed to %s", id)
	}
	if len(chat.channels) != 1 || len(hook.channels) != 1 || len(chat.direct) != 1 {
		t.Fatalf("chat = %+v, webhook = %+v", chat, hook)
	}
}

func TestRouter_WebhookDisabled(t *testing.T) {
	r := NewRouter(&stubGateway{name: "chat"}, nil, zap.NewNop())

	_, err := r.SendToChannel(context.Background(), "https://hooks.example.com/abc", "x")
	if err == nil || !strings.Contains(err.Error(), "disabled") {
		t.Fatalf("expected disabled error, got %v", err)
	}
}

func TestLogGateway(t *testing.T) {
	g := NewLogGateway(zap.NewNop())
	ctx := context.Background()

	r, err := g.ResolveRecipient(ctx, "99")
	if err != nil || r.UserID != "99" {
		t.Fatalf("resolve = %+v, %v", r, err)
	}
	first, _ := g.SendDirect(ctx, r, "x")
	second, _ := g.SendToChannel(ctx, "-1", "x")
	if first == second {
		t.Fatal("delivery ids should be unique")
	}
}

func TestFormatReminder(t *testing.T) {
	when := time.Date(2026, 5, 1, 14, 30, 0, 0, time.UTC)

	got := FormatReminder("  pay invoices ", when)
	if !strings.Contains(got, "pay invoices") || !strings.Contains(got, "2026-05-01 14:30 UTC") {
		t.Fatalf("got %q", got)
	}
	if !strings.Contains(FormatReminder("", when), "(no subject)") {
		t.Fatal("empty subject should get a placeholder")
	}
}

func TestErrorHelpers(t *testing.T) {
	nf := &RecipientNotFoundError{UserID: "123"}
	if !IsRecipientNotFound(nf) || IsValidation(nf) {
		t.Fatal("recipient not found misclassified")
	}
	if !strings.Contains(nf.Error(), "123") {
		t.Fatalf("message %q should include user id", nf.Error())
	}

	v := &ValidationError{Field: "channel_id", Reason: "required"}
	if !IsValidation(v) || v.Error() != "invalid channel_id: required" {
		t.Fatalf("validation = %v", v)
	}
}

func TestDestination(t *testing.T) {
	tests := []struct {
		channelID string
		want      string
	}{
		{"-100123", ChatDestination},
		{"@ops", ChatDestination},
		{"https://hooks.slack.com/services/T0/B0/secret", "webhook:hooks.slack.com"},
		{"https://Discord.com/api/webhooks/1/abc", "webhook:discord.com"},
		{"http://127.0.0.1:8081/hook", "webhook:127.0.0.1:8081"},
	}
	for _, tt := range tests {
		if got := Destination(tt.channelID); got != tt.want {
			t.Errorf("Destination(%q) = %q, want %q", tt.channelID, got, tt.want)
		}
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"network", &DeliveryError{Target: "webhook", Err: errors.New("connection refused")}, true},
		{"server error", &DeliveryError{Target: "webhook", StatusCode: 502}, true},
		{"rate limited", &DeliveryError{Target: "user 1", StatusCode: 429}, true},
		{"not found", &DeliveryError{Target: "webhook", StatusCode: 404}, false},
		{"forbidden", &DeliveryError{Target: "channel x", StatusCode: 403}, false},
		{"bad target", &DeliveryError{Target: "channel x", Err: fmt.Errorf("%w: empty channel id", ErrBadTarget)}, false},
		{"unsupported", &DeliveryError{Target: "user 1", Err: ErrUnsupported}, false},
		{"cancelled", &DeliveryError{Target: "user 1", Err: context.Canceled}, false},
		{"validation", &ValidationError{Field: "channel_id", Reason: "required"}, false},
		{"recipient", &RecipientNotFoundError{UserID: "1"}, false},
		{"unknown", errors.New("boom"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
