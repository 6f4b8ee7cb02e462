// Package domain holds the shared kernel used by every aggregate:
// identifiers, channels, clock access, domain events, and the invariant
// violation error type.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// NewID generates a time-sortable UUIDv7 identifier. All aggregate and
// event ids use v7 so that insertion order roughly matches id order.
func NewID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the random source is broken; at that
		// point nothing else in the process works either.
		panic(err)
	}
	return id
}

// Clock provides the current time. Domain logic never reads the wall
// clock directly so tests can pin a fixed instant.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the real wall clock in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// FixedClock always returns the same instant. Test helper.
type FixedClock struct {
	Instant time.Time
}

func (c FixedClock) Now() time.Time { return c.Instant }
