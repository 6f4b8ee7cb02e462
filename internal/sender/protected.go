package sender

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalith-99/courier/internal/circuitbreaker"
	"github.com/lalith-99/courier/internal/delivery"
	"github.com/lalith-99/courier/internal/domain"
)

// ProtectedSender wraps a ChannelSender with a circuit breaker. When
// the provider starts failing, send attempts fail fast with
// ErrCircuitOpen instead of waiting out provider timeouts; the retry
// schedule then spaces the delivery out past the outage.
type ProtectedSender struct {
	sender  ChannelSender
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
}

func NewProtectedSender(sender ChannelSender, breaker *circuitbreaker.CircuitBreaker, logger *zap.Logger) *ProtectedSender {
	return &ProtectedSender{
		sender:  sender,
		breaker: breaker,
		logger:  logger,
	}
}

func (p *ProtectedSender) Send(ctx context.Context, addr delivery.Address, content delivery.Content) (string, error) {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected send",
			zap.String("breaker", p.breaker.Name()),
			zap.String("channel", addr.Channel().String()),
			zap.String("state", p.breaker.GetState().String()),
		)
		return "", fmt.Errorf("%w: %s sender unavailable", circuitbreaker.ErrCircuitOpen, p.breaker.Name())
	}

	msgID, err := p.sender.Send(ctx, addr, content)
	if err != nil {
		p.breaker.RecordFailure()
		return "", err
	}

	p.breaker.RecordSuccess()
	return msgID, nil
}

func (p *ProtectedSender) SupportsChannel(channel domain.Channel) bool {
	return p.sender.SupportsChannel(channel)
}

// Breaker exposes the underlying breaker for stats endpoints.
func (p *ProtectedSender) Breaker() *circuitbreaker.CircuitBreaker {
	return p.breaker
}
