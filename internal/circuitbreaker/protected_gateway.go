package circuitbreaker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/remindbot/internal/delivery"
)

// ProtectedGateway guards the send side of a delivery.Gateway with one
// breaker per destination. Recipient lookups pass straight through: a user
// that does not exist says nothing about the platform's health.
type ProtectedGateway struct {
	gateway  delivery.Gateway
	breakers *Set
	logger   *zap.Logger
}

var _ delivery.Gateway = (*ProtectedGateway)(nil)

// NewProtectedGateway wraps gateway. Direct messages use the
// delivery.ChatDestination breaker, channel sends the breaker of
// delivery.Destination(channelID).
func NewProtectedGateway(gateway delivery.Gateway, breakers *Set, logger *zap.Logger) *ProtectedGateway {
	return &ProtectedGateway{
		gateway:  gateway,
		breakers: breakers,
		logger:   logger,
	}
}

func (p *ProtectedGateway) ResolveRecipient(ctx context.Context, userID string) (delivery.Recipient, error) {
	return p.gateway.ResolveRecipient(ctx, userID)
}

func (p *ProtectedGateway) SendDirect(ctx context.Context, recipient delivery.Recipient, text string) (string, error) {
	return p.guard(delivery.ChatDestination, "user "+recipient.UserID, func() (string, error) {
		return p.gateway.SendDirect(ctx, recipient, text)
	})
}

func (p *ProtectedGateway) SendToChannel(ctx context.Context, channelID, text string) (string, error) {
	return p.guard(delivery.Destination(channelID), "channel", func() (string, error) {
		return p.gateway.SendToChannel(ctx, channelID, text)
	})
}

// Breakers returns the breaker set for the admin API.
func (p *ProtectedGateway) Breakers() *Set {
	return p.breakers
}

func (p *ProtectedGateway) guard(destination, target string, send func() (string, error)) (string, error) {
	cb := p.breakers.Get(destination)
	if !cb.Allow() {
		p.logger.Warn("circuit breaker rejected send",
			zap.String("breaker", destination),
			zap.String("target", target),
		)
		return "", &delivery.DeliveryError{
			Target: target,
			Err:    fmt.Errorf("%w: %s unavailable", ErrCircuitOpen, destination),
		}
	}

	id, err := send()
	cb.Done(err)
	return id, err
}
