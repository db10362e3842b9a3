package faulttolerance

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bbelbuken/elontweetbot/internal/logger"
)

// ErrCircuitOpen is returned when the breaker rejects a call without running it.
var ErrCircuitOpen = errors.New("circuit breaker is open")

type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// BreakerConfig holds circuit breaker tuning.
type BreakerConfig struct {
	MaxFailures      int           // consecutive failures before opening
	Cooldown         time.Duration // wait before Open -> HalfOpen
	SuccessThreshold int           // consecutive successes to close from HalfOpen
	Name             string
	OnTrip           func(name string, failures int) // invoked when the breaker opens
}

// Breaker is an explicit Closed/Open/HalfOpen state machine guarding an
// external dependency.
type Breaker struct {
	config      BreakerConfig
	mu          sync.Mutex
	state       BreakerState
	failures    int
	successes   int
	lastFailure time.Time
}

func NewBreaker(config BreakerConfig) *Breaker {
	if config.MaxFailures <= 0 {
		config.MaxFailures = 5
	}
	if config.Cooldown <= 0 {
		config.Cooldown = 60 * time.Second
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 3
	}
	if config.Name == "" {
		config.Name = "breaker"
	}
	return &Breaker{config: config, state: StateClosed}
}

// State returns the current state, applying the cooldown transition.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState()
}

// currentState must be called with the mutex held.
func (b *Breaker) currentState() BreakerState {
	if b.state == StateOpen && time.Since(b.lastFailure) >= b.config.Cooldown {
		b.state = StateHalfOpen
		b.successes = 0
	}
	return b.state
}

// Execute runs fn unless the breaker is open, and records the outcome.
func (b *Breaker) Execute(ctx context.Context, fn func() error) error {
	b.mu.Lock()
	if b.currentState() == StateOpen {
		b.mu.Unlock()
		return ErrCircuitOpen
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.onFailure(ctx)
		return err
	}
	b.onSuccess(ctx)
	return nil
}

func (b *Breaker) onFailure(ctx context.Context) {
	b.failures++
	b.successes = 0
	b.lastFailure = time.Now()

	if b.state == StateHalfOpen || b.failures >= b.config.MaxFailures {
		if b.state != StateOpen {
			logger.Warn(ctx, "Circuit breaker opened",
				"name", b.config.Name, "failures", b.failures, "cooldown", b.config.Cooldown.String())
			b.state = StateOpen
			if b.config.OnTrip != nil {
				b.config.OnTrip(b.config.Name, b.failures)
			}
		}
	}
}

func (b *Breaker) onSuccess(ctx context.Context) {
	switch b.state {
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			logger.Info(ctx, "Circuit breaker closed", "name", b.config.Name)
			b.state = StateClosed
			b.failures = 0
		}
	case StateClosed:
		b.failures = 0
	}
}
