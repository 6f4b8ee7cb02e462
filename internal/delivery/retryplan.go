package delivery

import (
	"time"

	"github.com/lalith-99/courier/internal/domain"
)

// RetryPlan schedules the next attempt of a retrying delivery.
// Invariant: 1 <= AttemptNumber <= MaxAttempts.
type RetryPlan struct {
	NextRetryAt   time.Time `json:"next_retry_at"`
	AttemptNumber int       `json:"attempt_number"`
	MaxAttempts   int       `json:"max_attempts"`
}

// NewRetryPlan validates and builds a retry plan.
func NewRetryPlan(nextRetryAt time.Time, attemptNumber, maxAttempts int) (RetryPlan, error) {
	if attemptNumber < 1 {
		return RetryPlan{}, domain.Invariant("retry plan attempt number must be >= 1")
	}
	if maxAttempts < 1 {
		return RetryPlan{}, domain.Invariant("retry plan max attempts must be >= 1")
	}
	if attemptNumber > maxAttempts {
		return RetryPlan{}, domain.Invariant("retry plan attempt number %d exceeds max attempts %d", attemptNumber, maxAttempts)
	}
	return RetryPlan{NextRetryAt: nextRetryAt, AttemptNumber: attemptNumber, MaxAttempts: maxAttempts}, nil
}

// IsLastAttempt reports whether this plan covers the final allowed attempt.
func (p RetryPlan) IsLastAttempt() bool {
	return p.AttemptNumber >= p.MaxAttempts
}
