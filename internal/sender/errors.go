package sender

import (
	"context"
	"errors"
	"net"

	"github.com/aws/smithy-go"

	"github.com/lalith-99/courier/internal/circuitbreaker"
	"github.com/lalith-99/courier/internal/delivery"
	"github.com/lalith-99/courier/internal/template"
)

// ConfigError means the routing table has no sender for the channel.
// Retrying cannot help until configuration changes.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string { return e.Reason }

// PayloadError means the stored content cannot be understood by the
// sender. The payload will not get better on retry.
type PayloadError struct {
	Reason string
}

func (e *PayloadError) Error() string { return e.Reason }

// ProviderError lets a sender classify its own failure explicitly,
// carrying the provider's code through to the attempt record.
type ProviderError struct {
	Code      string
	Message   string
	Transient bool
}

func (e *ProviderError) Error() string { return e.Message }

// MapError converts a send failure into the error info recorded on the
// delivery attempt. The transient flag drives the retry decision, so
// classification errs on the transient side for anything ambiguous:
// a wasted retry is cheaper than a wrongly dead-lettered delivery.
func MapError(err error) delivery.ErrorInfo {
	var provErr *ProviderError
	if errors.As(err, &provErr) {
		if provErr.Transient {
			return delivery.TransientError(provErr.Code, provErr.Message, "")
		}
		return delivery.PermanentError(provErr.Code, provErr.Message, "")
	}

	var cfgErr *ConfigError
	if errors.As(err, &cfgErr) {
		return delivery.PermanentError("channel_not_configured", cfgErr.Reason, "")
	}

	var payloadErr *PayloadError
	if errors.As(err, &payloadErr) {
		return delivery.PermanentError("invalid_payload", payloadErr.Reason, "")
	}

	if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		return delivery.TransientError("circuit_open", err.Error(), "")
	}

	var tmplErr *template.TemplateNotFoundError
	if errors.As(err, &tmplErr) {
		return delivery.PermanentError("template_not_found", tmplErr.Error(), "")
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		msg := apiErr.ErrorMessage()
		switch apiErr.ErrorFault() {
		case smithy.FaultServer:
			return delivery.TransientError("provider_unavailable", msg, code)
		case smithy.FaultClient:
			if isThrottleCode(code) {
				return delivery.TransientError("provider_throttled", msg, code)
			}
			return delivery.PermanentError("provider_rejected", msg, code)
		default:
			return delivery.TransientError("provider_error", msg, code)
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return delivery.TransientError("timeout", err.Error(), "")
	}
	if errors.Is(err, context.Canceled) {
		return delivery.TransientError("cancelled", err.Error(), "")
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return delivery.TransientError("network", err.Error(), "")
	}

	return delivery.TransientError("provider_error", err.Error(), "")
}

func isThrottleCode(code string) bool {
	switch code {
	case "Throttling", "ThrottlingException", "TooManyRequestsException",
		"RequestLimitExceeded", "SlowDown", "ServiceUnavailable":
		return true
	}
	return false
}
