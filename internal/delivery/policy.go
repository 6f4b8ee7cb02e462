package delivery

import (
	"math"
	"time"

	"github.com/lalith-99/courier/internal/domain"
)

// RetryPolicy decides whether a failed attempt gets another try.
// A nil plan means dead-letter: the error is permanent or the attempts
// are exhausted.
type RetryPolicy interface {
	PlanRetry(channel domain.Channel, attemptNumber int, errInfo ErrorInfo, now time.Time) *RetryPlan
}

// ChannelRetryConfig tunes retries for one channel.
type ChannelRetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// BackoffRetryPolicy retries transient errors with capped exponential
// backoff: delay = min(MaxDelay, BaseDelay^attempt). Per-channel
// overrides let brittle channels (SMS) give up sooner than email.
type BackoffRetryPolicy struct {
	Default  ChannelRetryConfig
	Channels map[domain.Channel]ChannelRetryConfig
}

// NewBackoffRetryPolicy returns a policy with production defaults:
// 5 attempts, 2s base, 15m cap, and 3 attempts for SMS.
func NewBackoffRetryPolicy() *BackoffRetryPolicy {
	return &BackoffRetryPolicy{
		Default: ChannelRetryConfig{
			MaxAttempts: 5,
			BaseDelay:   2 * time.Second,
			MaxDelay:    15 * time.Minute,
		},
		Channels: map[domain.Channel]ChannelRetryConfig{
			domain.ChannelSMS: {
				MaxAttempts: 3,
				BaseDelay:   2 * time.Second,
				MaxDelay:    5 * time.Minute,
			},
		},
	}
}

// PlanRetry implements RetryPolicy. Permanent errors and exhausted
// attempts return nil.
func (p *BackoffRetryPolicy) PlanRetry(channel domain.Channel, attemptNumber int, errInfo ErrorInfo, now time.Time) *RetryPlan {
	if !errInfo.Transient {
		return nil
	}

	cfg := p.configFor(channel)
	if attemptNumber >= cfg.MaxAttempts {
		return nil
	}

	plan, err := NewRetryPlan(now.Add(p.delay(cfg, attemptNumber)), attemptNumber+1, cfg.MaxAttempts)
	if err != nil {
		return nil
	}
	return &plan
}

// delay grows exponentially with the attempt number and is capped at
// MaxDelay, so it is monotonically non-decreasing.
func (p *BackoffRetryPolicy) delay(cfg ChannelRetryConfig, attemptNumber int) time.Duration {
	base := cfg.BaseDelay.Seconds()
	d := time.Duration(math.Pow(base, float64(attemptNumber)) * float64(time.Second))
	if d > cfg.MaxDelay || d < 0 {
		return cfg.MaxDelay
	}
	if d < cfg.BaseDelay {
		return cfg.BaseDelay
	}
	return d
}

func (p *BackoffRetryPolicy) configFor(channel domain.Channel) ChannelRetryConfig {
	if cfg, ok := p.Channels[channel]; ok {
		return cfg
	}
	return p.Default
}

// Route is a routing decision: the provider plus optional per-route
// options passed through to the sender.
type Route struct {
	Provider string
	Options  map[string]any
}

// RoutingPolicy picks the provider for a channel/address pair. A channel
// with no configured route is a configuration error, surfaced as an
// InvariantViolation and never retried.
type RoutingPolicy interface {
	ChooseProvider(channel domain.Channel, address Address) (Route, error)
}

// ConfigRoutingPolicy routes from a static channel->provider table.
type ConfigRoutingPolicy struct {
	Routes map[domain.Channel]Route
}

// NewConfigRoutingPolicy builds a table-driven routing policy.
func NewConfigRoutingPolicy(routes map[domain.Channel]Route) *ConfigRoutingPolicy {
	return &ConfigRoutingPolicy{Routes: routes}
}

// ChooseProvider implements RoutingPolicy.
func (p *ConfigRoutingPolicy) ChooseProvider(channel domain.Channel, _ Address) (Route, error) {
	route, ok := p.Routes[channel]
	if !ok || route.Provider == "" {
		return Route{}, domain.Invariant("no routing configuration for channel %q", channel)
	}
	return route, nil
}
