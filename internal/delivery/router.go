package delivery

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
)

// Router picks a transport per call: direct messages and plain channel ids go
// to the chat gateway, webhook-URL channel ids go to the webhook gateway.
type Router struct {
	chat    Gateway
	webhook Gateway
	logger  *zap.Logger
}

// NewRouter builds a router. webhook may be nil.
func NewRouter(chat, webhook Gateway, logger *zap.Logger) *Router {
	return &Router{chat: chat, webhook: webhook, logger: logger}
}

func (r *Router) ResolveRecipient(ctx context.Context, userID string) (Recipient, error) {
	return r.chat.ResolveRecipient(ctx, userID)
}

func (r *Router) SendDirect(ctx context.Context, recipient Recipient, text string) (string, error) {
	return r.chat.SendDirect(ctx, recipient, text)
}

func (r *Router) SendToChannel(ctx context.Context, channelID, text string) (string, error) {
	if IsWebhookChannel(channelID) {
		if r.webhook == nil {
			return "", &DeliveryError{Target: "webhook " + redactURL(channelID), Err: fmt.Errorf("webhook delivery disabled: %w", ErrUnsupported)}
		}
		r.logger.Debug("routing channel reminder to webhook gateway")
		return r.webhook.SendToChannel(ctx, channelID, text)
	}
	return r.chat.SendToChannel(ctx, channelID, text)
}

// ChatDestination names the chat platform as a delivery destination.
const ChatDestination = "chat"

// Destination names the endpoint a send to channelID ends up at: the
// webhook host for URL channels, the chat platform otherwise. Sends that
// share a destination share its outages.
func Destination(channelID string) string {
	if !IsWebhookChannel(channelID) {
		return ChatDestination
	}
	u, err := url.Parse(channelID)
	if err != nil || u.Host == "" {
		return "webhook"
	}
	return "webhook:" + strings.ToLower(u.Host)
}

// LogGateway logs deliveries instead of sending them (for development/testing).
// Every recipient resolves and every send succeeds.
type LogGateway struct {
	logger *zap.Logger
	seq    atomic.Int64
}

func NewLogGateway(logger *zap.Logger) *LogGateway {
	return &LogGateway{logger: logger}
}

func (g *LogGateway) ResolveRecipient(ctx context.Context, userID string) (Recipient, error) {
	return Recipient{UserID: userID}, nil
}

func (g *LogGateway) SendDirect(ctx context.Context, recipient Recipient, text string) (string, error) {
	id := fmt.Sprintf("log-%d", g.seq.Add(1))
	g.logger.Info("direct reminder (development mode)",
		zap.String("user_id", recipient.UserID),
		zap.String("delivery_id", id),
		zap.String("text", text),
	)
	return id, nil
}

func (g *LogGateway) SendToChannel(ctx context.Context, channelID, text string) (string, error) {
	id := fmt.Sprintf("log-%d", g.seq.Add(1))
	g.logger.Info("channel reminder (development mode)",
		zap.String("channel_id", redactURL(channelID)),
		zap.String("delivery_id", id),
		zap.String("text", text),
	)
	return id, nil
}
