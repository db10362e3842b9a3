package faulttolerance

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/bbelbuken/elontweetbot/internal/logger"
)

// Policy describes retry behavior for a fallible external call.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Jitter      float64 // fraction of the delay, 0.0-1.0
	Name        string
}

// DefaultPolicy returns a policy matching the venue client defaults.
func DefaultPolicy(name string) Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   1 * time.Second,
		MaxDelay:    30 * time.Second,
		Multiplier:  2.0,
		Jitter:      0.1,
		Name:        name,
	}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 1 * time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.Multiplier <= 1.0 {
		p.Multiplier = 2.0
	}
	if p.Jitter < 0 || p.Jitter > 1.0 {
		p.Jitter = 0.1
	}
	if p.Name == "" {
		p.Name = "retry"
	}
	return p
}

// Do runs fn under the policy. Errors for which retryable returns false are
// returned immediately; transient errors are retried with exponential backoff
// and jitter until attempts are exhausted. A nil retryable retries everything.
func Do(ctx context.Context, p Policy, retryable func(error) bool, fn func() error) error {
	p = p.normalized()
	var lastErr error

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn()
		if err == nil {
			if attempt > 1 {
				logger.Info(ctx, "Operation succeeded after retry", "name", p.Name, "attempt", attempt)
			}
			return nil
		}
		lastErr = err

		if retryable != nil && !retryable(err) {
			return err
		}
		if attempt == p.MaxAttempts {
			break
		}

		delay := p.delay(attempt)
		logger.Warn(ctx, "Operation failed, retrying",
			"name", p.Name, "attempt", attempt, "max_attempts", p.MaxAttempts,
			"delay", delay.String(), "error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return fmt.Errorf("%s: %d attempts exhausted: %w", p.Name, p.MaxAttempts, lastErr)
}

func (p Policy) delay(attempt int) time.Duration {
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter > 0 {
		j := rand.Float64() * p.Jitter * d
		if rand.Float64() < 0.5 {
			d -= j
		} else {
			d += j
		}
	}
	if d < float64(p.BaseDelay) {
		d = float64(p.BaseDelay)
	}
	return time.Duration(d)
}
