package sender

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

	"github.com/lalith-99/courier/internal/delivery"
	"github.com/lalith-99/courier/internal/domain"
)

// WebhookTarget is the address payload shape for webhook-backed custom
// channels.
type WebhookTarget struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Timeout int               `json:"timeout_sec,omitempty"`
}

// WebhookSender posts custom-channel payloads over HTTP. The address
// carries the target, the content carries the request body.
type WebhookSender struct {
	channel domain.Channel
	client  *http.Client
	logger  *zap.Logger
}

type WebhookConfig struct {
	Channel        domain.Channel
	DefaultTimeout time.Duration
}

func NewWebhookSender(cfg WebhookConfig, logger *zap.Logger) *WebhookSender {
	timeout := cfg.DefaultTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &WebhookSender{
		channel: cfg.Channel,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

func (s *WebhookSender) Send(ctx context.Context, addr delivery.Address, content delivery.Content) (string, error) {
	if addr.Type != delivery.AddressCustom {
		return "", &PayloadError{Reason: fmt.Sprintf("webhook sender only handles custom addresses, got %s", addr.Type)}
	}

	var target WebhookTarget
	if err := json.Unmarshal(addr.Custom, &target); err != nil {
		return "", &PayloadError{Reason: fmt.Sprintf("malformed webhook target: %v", err)}
	}
	if target.URL == "" {
		return "", &PayloadError{Reason: "webhook target missing url"}
	}

	method := strings.ToUpper(target.Method)
	if method == "" {
		method = http.MethodPost
	}
	if method != http.MethodPost && method != http.MethodPut && method != http.MethodPatch {
		return "", &PayloadError{Reason: fmt.Sprintf("webhook method not supported: %s (only POST, PUT, PATCH)", method)}
	}

	if target.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(target.Timeout)*time.Second)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, method, target.URL, bytes.NewReader(content.Payload))
	if err != nil {
		return "", &PayloadError{Reason: fmt.Sprintf("failed to build webhook request: %v", err)}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Courier/1.0")
	for key, value := range target.Headers {
		req.Header.Set(key, value)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		transient := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		return "", &ProviderError{
			Code:      fmt.Sprintf("http_%d", resp.StatusCode),
			Message:   fmt.Sprintf("webhook returned status %d: %s", resp.StatusCode, string(bodyBytes)),
			Transient: transient,
		}
	}

	s.logger.Info("webhook delivered",
		zap.String("channel", s.channel.String()),
		zap.String("url", target.URL),
		zap.Int("status_code", resp.StatusCode),
	)
	return resp.Header.Get("X-Request-Id"), nil
}

func (s *WebhookSender) SupportsChannel(channel domain.Channel) bool {
	return channel == s.channel
}
