package sender

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/lalith-99/courier/internal/delivery"
	"github.com/lalith-99/courier/internal/domain"
)

// LogSender logs instead of delivering. Used in development and as the
// push-channel stand-in until a real push provider is wired.
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, addr delivery.Address, content delivery.Content) (string, error) {
	s.logger.Info("logging delivery (development mode)",
		zap.String("channel", addr.Channel().String()),
		zap.Any("to", addr.Safe()),
		zap.Any("payload", json.RawMessage(content.Payload)),
	)
	return "log-" + domain.NewID().String(), nil
}

func (s *LogSender) SupportsChannel(channel domain.Channel) bool {
	return true
}
