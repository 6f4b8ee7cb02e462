package circuitbreaker

import (
	"testing"
	"time"

	"go.uber.org/zap"
)

func newBreaker(maxFailures int, recovery time.Duration) *CircuitBreaker {
	return New(Config{
		Name:            "ses",
		MaxFailures:     maxFailures,
		RecoveryTimeout: recovery,
	}, zap.NewNop())
}

func tripBreaker(cb *CircuitBreaker, failures int) {
	for i := 0; i < failures; i++ {
		cb.Allow()
		cb.RecordFailure()
	}
}

func TestBreaker_ClosedUntilThreshold(t *testing.T) {
	cb := newBreaker(4, time.Minute)

	// Three failures stay under the threshold of four.
	tripBreaker(cb, 3)
	if got := cb.GetState(); got != StateClosed {
		t.Fatalf("state after 3 failures = %s, want closed", got)
	}
	if !cb.Allow() {
		t.Fatal("closed breaker rejected a request")
	}

	cb.RecordFailure()
	if got := cb.GetState(); got != StateOpen {
		t.Fatalf("state at threshold = %s, want open", got)
	}
	if cb.Allow() {
		t.Fatal("open breaker admitted a request before recovery")
	}
}

func TestBreaker_SuccessResetsFailureStreak(t *testing.T) {
	cb := newBreaker(3, time.Minute)

	tripBreaker(cb, 2)
	cb.Allow()
	cb.RecordSuccess()

	// The streak restarted, so two more failures still leave it closed.
	tripBreaker(cb, 2)
	if got := cb.GetState(); got != StateClosed {
		t.Fatalf("state = %s, want closed after streak reset", got)
	}
}

func TestBreaker_ProbeAfterRecoveryTimeout(t *testing.T) {
	cb := newBreaker(2, 40*time.Millisecond)
	tripBreaker(cb, 2)

	if cb.Allow() {
		t.Fatal("open breaker admitted a request inside the recovery window")
	}

	time.Sleep(50 * time.Millisecond)

	// Exactly one probe goes through while half-open.
	if !cb.Allow() {
		t.Fatal("breaker did not release a probe after the recovery timeout")
	}
	if got := cb.GetState(); got != StateHalfOpen {
		t.Fatalf("state = %s, want half-open", got)
	}
	if cb.Allow() {
		t.Fatal("half-open breaker admitted a second in-flight probe")
	}
}

func TestBreaker_ProbeOutcomeDecidesState(t *testing.T) {
	t.Run("success closes", func(t *testing.T) {
		cb := newBreaker(2, 40*time.Millisecond)
		tripBreaker(cb, 2)
		time.Sleep(50 * time.Millisecond)

		cb.Allow()
		cb.RecordSuccess()

		if got := cb.GetState(); got != StateClosed {
			t.Fatalf("state after successful probe = %s, want closed", got)
		}
		if !cb.Allow() {
			t.Fatal("recovered breaker rejected a request")
		}
	})

	t.Run("failure reopens", func(t *testing.T) {
		cb := newBreaker(2, 40*time.Millisecond)
		tripBreaker(cb, 2)
		time.Sleep(50 * time.Millisecond)

		cb.Allow()
		cb.RecordFailure()

		if got := cb.GetState(); got != StateOpen {
			t.Fatalf("state after failed probe = %s, want open", got)
		}
		if cb.Allow() {
			t.Fatal("re-opened breaker admitted a request")
		}
	})
}

func TestBreaker_ResetForcesClosed(t *testing.T) {
	cb := newBreaker(1, time.Hour)
	tripBreaker(cb, 1)

	if got := cb.GetState(); got != StateOpen {
		t.Fatalf("state = %s, want open", got)
	}

	cb.Reset()

	if got := cb.GetState(); got != StateClosed {
		t.Fatalf("state after reset = %s, want closed", got)
	}
	if !cb.Allow() {
		t.Fatal("reset breaker rejected a request")
	}
}

func TestBreaker_StatsSnapshot(t *testing.T) {
	cb := newBreaker(2, time.Hour)

	cb.Allow()
	cb.RecordSuccess()
	tripBreaker(cb, 2)
	cb.Allow() // rejected, breaker is open

	stats := cb.Stats()
	if stats.Name != "ses" {
		t.Errorf("name = %q, want ses", stats.Name)
	}
	if stats.State != "open" {
		t.Errorf("state = %q, want open", stats.State)
	}
	if stats.TotalRequests != 4 {
		t.Errorf("total_requests = %d, want 4", stats.TotalRequests)
	}
	if stats.TotalSuccesses != 1 {
		t.Errorf("total_successes = %d, want 1", stats.TotalSuccesses)
	}
	if stats.TotalFailures != 2 {
		t.Errorf("total_failures = %d, want 2", stats.TotalFailures)
	}
	if stats.TotalRejected != 1 {
		t.Errorf("total_rejected = %d, want 1", stats.TotalRejected)
	}
	if stats.LastFailure == "" {
		t.Error("last_failure not recorded")
	}
}

func TestState_String(t *testing.T) {
	cases := map[State]string{
		StateClosed:   "closed",
		StateOpen:     "open",
		StateHalfOpen: "half-open",
		State(99):     "unknown",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}
