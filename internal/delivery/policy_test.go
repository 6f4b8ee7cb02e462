package delivery

import (
	"testing"
	"time"

	"github.com/lalith-99/courier/internal/domain"
)

func TestPlanRetry_PermanentErrorNotRetried(t *testing.T) {
	p := NewBackoffRetryPolicy()
	plan := p.PlanRetry(domain.ChannelEmail, 1, permanentErr(), testNow)
	if plan != nil {
		t.Fatalf("permanent error should not be retried, got %+v", plan)
	}
}

func TestPlanRetry_ExhaustedAttempts(t *testing.T) {
	p := NewBackoffRetryPolicy()
	if plan := p.PlanRetry(domain.ChannelEmail, 5, transientErr(), testNow); plan != nil {
		t.Fatalf("attempt 5 of 5 should dead-letter, got %+v", plan)
	}
	if plan := p.PlanRetry(domain.ChannelEmail, 4, transientErr(), testNow); plan == nil {
		t.Fatal("attempt 4 of 5 should still be retried")
	}
}

func TestPlanRetry_BackoffGrowsAndCaps(t *testing.T) {
	p := NewBackoffRetryPolicy()

	var prev time.Duration
	for attempt := 1; attempt < 5; attempt++ {
		plan := p.PlanRetry(domain.ChannelEmail, attempt, transientErr(), testNow)
		if plan == nil {
			t.Fatalf("attempt %d should be retried", attempt)
		}
		delay := plan.NextRetryAt.Sub(testNow)
		if delay < prev {
			t.Fatalf("delay decreased at attempt %d: %v < %v", attempt, delay, prev)
		}
		if delay > p.Default.MaxDelay {
			t.Fatalf("delay %v exceeds cap %v", delay, p.Default.MaxDelay)
		}
		if plan.AttemptNumber != attempt+1 {
			t.Fatalf("attempt_number = %d, want %d", plan.AttemptNumber, attempt+1)
		}
		prev = delay
	}
}

func TestPlanRetry_CapHitsForLargeAttempts(t *testing.T) {
	p := &BackoffRetryPolicy{
		Default: ChannelRetryConfig{MaxAttempts: 50, BaseDelay: 2 * time.Second, MaxDelay: 15 * time.Minute},
	}
	plan := p.PlanRetry(domain.ChannelEmail, 30, transientErr(), testNow)
	if plan == nil {
		t.Fatal("expected a plan")
	}
	if got := plan.NextRetryAt.Sub(testNow); got != 15*time.Minute {
		t.Fatalf("delay = %v, want capped 15m", got)
	}
}

func TestPlanRetry_SMSOverride(t *testing.T) {
	p := NewBackoffRetryPolicy()
	if plan := p.PlanRetry(domain.ChannelSMS, 3, transientErr(), testNow); plan != nil {
		t.Fatalf("sms attempt 3 of 3 should dead-letter, got %+v", plan)
	}
	plan := p.PlanRetry(domain.ChannelSMS, 2, transientErr(), testNow)
	if plan == nil {
		t.Fatal("sms attempt 2 of 3 should be retried")
	}
	if plan.MaxAttempts != 3 {
		t.Fatalf("max_attempts = %d, want 3", plan.MaxAttempts)
	}
}

func TestConfigRoutingPolicy(t *testing.T) {
	p := NewConfigRoutingPolicy(map[domain.Channel]Route{
		domain.ChannelEmail: {Provider: "ses"},
	})

	addr, _ := NewEmailAddress("a@example.com")
	route, err := p.ChooseProvider(domain.ChannelEmail, addr)
	if err != nil {
		t.Fatalf("choose provider: %v", err)
	}
	if route.Provider != "ses" {
		t.Fatalf("provider = %s", route.Provider)
	}

	_, err = p.ChooseProvider(domain.ChannelSMS, addr)
	if !domain.IsInvariantViolation(err) {
		t.Fatalf("unrouted channel should be an invariant violation, got %v", err)
	}
}

func TestNewRetryPlan_Validation(t *testing.T) {
	if _, err := NewRetryPlan(testNow, 0, 5); !domain.IsInvariantViolation(err) {
		t.Fatalf("attempt 0: %v", err)
	}
	if _, err := NewRetryPlan(testNow, 6, 5); !domain.IsInvariantViolation(err) {
		t.Fatalf("attempt > max: %v", err)
	}
	plan, err := NewRetryPlan(testNow, 5, 5)
	if err != nil {
		t.Fatalf("valid plan: %v", err)
	}
	if !plan.IsLastAttempt() {
		t.Fatal("5 of 5 should be the last attempt")
	}
}
