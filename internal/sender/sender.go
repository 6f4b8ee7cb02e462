package sender

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/lalith-99/courier/internal/delivery"
	"github.com/lalith-99/courier/internal/domain"
)

// ChannelSender hands materialized content to one provider. Content is
// always a snapshot or custom payload by the time it reaches a sender;
// template references are rendered before routing.
type ChannelSender interface {
	Send(ctx context.Context, addr delivery.Address, content delivery.Content) (providerMessageID string, err error)
	SupportsChannel(channel domain.Channel) bool
}

// EmailPayload is the snapshot payload shape for the email channel.
type EmailPayload struct {
	Subject  string `json:"subject"`
	TextBody string `json:"text_body,omitempty"`
	HTMLBody string `json:"html_body,omitempty"`
}

// SMSPayload is the snapshot payload shape for the sms channel.
type SMSPayload struct {
	Text string `json:"text"`
}

// PushPayload is the snapshot payload shape for the push channel.
type PushPayload struct {
	Title string         `json:"title,omitempty"`
	Body  string         `json:"body,omitempty"`
	Data  map[string]any `json:"data,omitempty"`
}

// Registry routes a delivery to the first sender claiming its channel.
type Registry struct {
	mu      sync.RWMutex
	senders []ChannelSender
	logger  *zap.Logger
}

func NewRegistry(logger *zap.Logger, senders ...ChannelSender) *Registry {
	return &Registry{senders: senders, logger: logger}
}

// Register appends a sender. Later registrations do not shadow earlier
// ones for the same channel.
func (r *Registry) Register(s ChannelSender) {
	r.mu.Lock()
	r.senders = append(r.senders, s)
	r.mu.Unlock()
}

// Send routes to the sender for the address's channel. No sender for
// the channel is a configuration error, reported as permanent.
func (r *Registry) Send(ctx context.Context, addr delivery.Address, content delivery.Content) (string, error) {
	ch := addr.Channel()
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.senders {
		if s.SupportsChannel(ch) {
			r.logger.Debug("routing delivery to sender", zap.String("channel", ch.String()))
			return s.Send(ctx, addr, content)
		}
	}
	return "", &ConfigError{Reason: fmt.Sprintf("no sender registered for channel %s", ch)}
}

// SupportsChannel reports whether any registered sender claims the channel.
func (r *Registry) SupportsChannel(channel domain.Channel) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.senders {
		if s.SupportsChannel(channel) {
			return true
		}
	}
	return false
}

func decodePayload(content delivery.Content, dst any) error {
	if err := json.Unmarshal(content.Payload, dst); err != nil {
		return &PayloadError{Reason: fmt.Sprintf("malformed %s payload: %v", content.Channel(), err)}
	}
	return nil
}
