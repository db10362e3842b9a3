package faulttolerance

import (
	"context"
	"errors"
	"testing"
	"time"
)

func failingCall() error { return errors.New("venue down") }
func okCall() error      { return nil }

func TestBreakerOpensAfterMaxFailures(t *testing.T) {
	tripped := 0
	b := NewBreaker(BreakerConfig{
		MaxFailures: 3,
		Cooldown:    time.Minute,
		OnTrip:      func(name string, failures int) { tripped++ },
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := b.Execute(ctx, failingCall); err == nil {
			t.Fatal("expected failure")
		}
	}
	if b.State() != StateOpen {
		t.Errorf("state = %s, want OPEN", b.State())
	}
	if tripped != 1 {
		t.Errorf("OnTrip calls = %d, want 1", tripped)
	}

	if err := b.Execute(ctx, okCall); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("open breaker err = %v, want ErrCircuitOpen", err)
	}
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	b := NewBreaker(BreakerConfig{
		MaxFailures:      2,
		Cooldown:         10 * time.Millisecond,
		SuccessThreshold: 2,
	})
	ctx := context.Background()

	b.Execute(ctx, failingCall)
	b.Execute(ctx, failingCall)
	if b.State() != StateOpen {
		t.Fatalf("state = %s, want OPEN", b.State())
	}

	time.Sleep(15 * time.Millisecond)
	if b.State() != StateHalfOpen {
		t.Fatalf("state after cooldown = %s, want HALF_OPEN", b.State())
	}

	if err := b.Execute(ctx, okCall); err != nil {
		t.Fatalf("probe call: %v", err)
	}
	if b.State() != StateHalfOpen {
		t.Errorf("state = %s, one success below threshold must stay HALF_OPEN", b.State())
	}
	if err := b.Execute(ctx, okCall); err != nil {
		t.Fatalf("second probe: %v", err)
	}
	if b.State() != StateClosed {
		t.Errorf("state = %s, want CLOSED after success threshold", b.State())
	}
}

func TestBreakerReopensOnHalfOpenFailure(t *testing.T) {
	b := NewBreaker(BreakerConfig{
		MaxFailures:      2,
		Cooldown:         10 * time.Millisecond,
		SuccessThreshold: 2,
	})
	ctx := context.Background()

	b.Execute(ctx, failingCall)
	b.Execute(ctx, failingCall)
	time.Sleep(15 * time.Millisecond)
	if b.State() != StateHalfOpen {
		t.Fatalf("state = %s, want HALF_OPEN", b.State())
	}

	b.Execute(ctx, failingCall)
	if b.State() != StateOpen {
		t.Errorf("state = %s, failed probe must reopen", b.State())
	}
}

func TestBreakerClosedResetsFailureCount(t *testing.T) {
	b := NewBreaker(BreakerConfig{MaxFailures: 3, Cooldown: time.Minute})
	ctx := context.Background()

	b.Execute(ctx, failingCall)
	b.Execute(ctx, failingCall)
	b.Execute(ctx, okCall)
	b.Execute(ctx, failingCall)
	b.Execute(ctx, failingCall)

	if b.State() != StateClosed {
		t.Errorf("state = %s, success must reset the failure streak", b.State())
	}
}
