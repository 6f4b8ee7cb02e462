package delivery

import (
	"strings"

	"github.com/lalith-99/courier/internal/domain"
)

const (
	maxErrorCodeLen    = 64
	maxErrorMessageLen = 2000
	maxProviderCodeLen = 128
)

// ErrorInfo is the classified outcome of a failed send attempt. The
// Transient flag drives the retry policy: transient errors may be
// retried, permanent errors dead-letter immediately.
type ErrorInfo struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	Transient    bool   `json:"is_transient"`
	ProviderCode string `json:"provider_code,omitempty"`
}

// NewErrorInfo validates field bounds and builds an ErrorInfo.
func NewErrorInfo(code, message string, transient bool, providerCode string) (ErrorInfo, error) {
	code = strings.TrimSpace(code)
	message = strings.TrimSpace(message)
	providerCode = strings.TrimSpace(providerCode)

	if code == "" || message == "" {
		return ErrorInfo{}, domain.Invariant("error info requires a code and a message")
	}
	if len(code) > maxErrorCodeLen {
		return ErrorInfo{}, domain.Invariant("error code exceeds %d characters", maxErrorCodeLen)
	}
	if len(message) > maxErrorMessageLen {
		return ErrorInfo{}, domain.Invariant("error message exceeds %d characters", maxErrorMessageLen)
	}
	if len(providerCode) > maxProviderCodeLen {
		return ErrorInfo{}, domain.Invariant("provider code exceeds %d characters", maxProviderCodeLen)
	}

	return ErrorInfo{Code: code, Message: message, Transient: transient, ProviderCode: providerCode}, nil
}

// TransientError builds a retryable ErrorInfo, truncating overlong
// fields instead of failing; error mappers feed it raw provider output.
func TransientError(code, message, providerCode string) ErrorInfo {
	return mustErrorInfo(code, message, true, providerCode)
}

// PermanentError builds a non-retryable ErrorInfo with the same
// truncation behavior as TransientError.
func PermanentError(code, message, providerCode string) ErrorInfo {
	return mustErrorInfo(code, message, false, providerCode)
}

func mustErrorInfo(code, message string, transient bool, providerCode string) ErrorInfo {
	info, err := NewErrorInfo(
		clamp(fallback(code, "unknown"), maxErrorCodeLen),
		clamp(fallback(message, "unknown error"), maxErrorMessageLen),
		transient,
		clamp(providerCode, maxProviderCodeLen),
	)
	if err != nil {
		// unreachable after clamping
		panic(err)
	}
	return info
}

func fallback(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

func clamp(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
