package domain

import (
	"errors"
	"fmt"
)

// InvariantViolation marks a construction-time or transition-time domain
// rule breach. It is a client error: the current operation fails, the
// surrounding transaction rolls back, and nothing is retried.
type InvariantViolation struct {
	Reason string
}

func (e *InvariantViolation) Error() string {
	return "invariant violation: " + e.Reason
}

// Invariant builds an InvariantViolation with a formatted reason.
func Invariant(format string, args ...any) error {
	return &InvariantViolation{Reason: fmt.Sprintf(format, args...)}
}

// IsInvariantViolation reports whether err is (or wraps) an
// InvariantViolation.
func IsInvariantViolation(err error) bool {
	var iv *InvariantViolation
	return errors.As(err, &iv)
}
