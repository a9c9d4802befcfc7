package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// WebhookConfig configures channel webhook delivery.
type WebhookConfig struct {
	Timeout time.Duration
}

// webhookBody is accepted by both Slack ("text") and Discord ("content")
// incoming webhooks.
type webhookBody struct {
	Text    string `json:"text"`
	Content string `json:"content"`
}

// WebhookGateway posts channel reminders to incoming-webhook URLs stored as
// the reminder's channel id. It cannot send direct messages.
type WebhookGateway struct {
	client *http.Client
	logger *zap.Logger
}

// NewWebhookGateway creates a new webhook gateway
func NewWebhookGateway(cfg WebhookConfig, logger *zap.Logger) *WebhookGateway {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &WebhookGateway{
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// IsWebhookChannel reports whether a channel id is a webhook URL.
func IsWebhookChannel(channelID string) bool {
	return strings.HasPrefix(channelID, "https://") || strings.HasPrefix(channelID, "http://")
}

func (g *WebhookGateway) ResolveRecipient(ctx context.Context, userID string) (Recipient, error) {
	return Recipient{}, &DeliveryError{Target: "user " + userID, Err: ErrUnsupported}
}

func (g *WebhookGateway) SendDirect(ctx context.Context, recipient Recipient, text string) (string, error) {
	return "", &DeliveryError{Target: "user " + recipient.UserID, Err: ErrUnsupported}
}

// SendToChannel POSTs the message to the webhook URL.
func (g *WebhookGateway) SendToChannel(ctx context.Context, channelID, text string) (string, error) {
	target := "webhook " + redactURL(channelID)
	if !IsWebhookChannel(channelID) {
		return "", &DeliveryError{Target: target, Err: fmt.Errorf("%w: channel id is not a webhook url", ErrBadTarget)}
	}

	payload, err := json.Marshal(webhookBody{Text: text, Content: text})
	if err != nil {
		return "", &DeliveryError{Target: target, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, channelID, bytes.NewReader(payload))
	if err != nil {
		return "", &DeliveryError{Target: target, Err: fmt.Errorf("create webhook request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "remindbot/1.0")

	resp, err := g.client.Do(req)
	if err != nil {
		return "", &DeliveryError{Target: target, Err: fmt.Errorf("webhook request failed: %w", err)}
	}
	defer resp.Body.Close()

	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &DeliveryError{
			Target:     target,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("webhook returned non-2xx status: %d, body: %s", resp.StatusCode, string(bodyBytes)),
		}
	}

	deliveryID := resp.Header.Get("X-Request-Id")
	if deliveryID == "" {
		deliveryID = fmt.Sprintf("webhook-%d", time.Now().UnixNano())
	}

	g.logger.Debug("webhook delivered",
		zap.String("target", target),
		zap.Int("status_code", resp.StatusCode),
	)

	return deliveryID, nil
}

// redactURL keeps webhook secrets (the path token) out of logs and errors.
func redactURL(u string) string {
	if i := strings.Index(u, "://"); i >= 0 {
		rest := u[i+3:]
		if j := strings.Index(rest, "/"); j >= 0 {
			return u[:i+3+j] + "/…"
		}
	}
	return u
}
