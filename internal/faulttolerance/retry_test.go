package faulttolerance

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastPolicy(attempts int) Policy {
	return Policy{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		Multiplier:  2.0,
		Jitter:      0.1,
		Name:        "test",
	}
}

func TestDoSucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(3), nil, func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(5), nil, func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	base := errors.New("still broken")
	calls := 0
	err := Do(context.Background(), fastPolicy(3), nil, func() error {
		calls++
		return base
	})
	if !errors.Is(err, base) {
		t.Errorf("err = %v, must wrap the last error", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDoStopsOnPermanentError(t *testing.T) {
	permanent := errors.New("rejected")
	calls := 0
	err := Do(context.Background(), fastPolicy(5), func(err error) bool { return false }, func() error {
		calls++
		return permanent
	})
	if !errors.Is(err, permanent) {
		t.Errorf("err = %v, want the permanent error unwrapped", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, permanent error must not retry", calls)
	}
}

func TestDoHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, fastPolicy(10), nil, func() error {
		calls++
		cancel()
		return errors.New("transient")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDelayGrowsAndCaps(t *testing.T) {
	p := Policy{
		MaxAttempts: 5,
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    40 * time.Millisecond,
		Multiplier:  2.0,
		Jitter:      0, // deterministic
	}.normalized()
	// Jitter 0 is replaced by the default; rebuild without normalization.
	p.Jitter = 0

	if d := p.delay(1); d != 10*time.Millisecond {
		t.Errorf("delay(1) = %v, want 10ms", d)
	}
	if d := p.delay(2); d != 20*time.Millisecond {
		t.Errorf("delay(2) = %v, want 20ms", d)
	}
	if d := p.delay(4); d != 40*time.Millisecond {
		t.Errorf("delay(4) = %v, want capped at 40ms", d)
	}
}

func TestDelayJitterStaysBounded(t *testing.T) {
	p := Policy{
		MaxAttempts: 3,
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    100 * time.Millisecond,
		Multiplier:  2.0,
		Jitter:      0.5,
	}
	for i := 0; i < 100; i++ {
		d := p.delay(2) // nominal 20ms, jitter ±10ms
		if d < 10*time.Millisecond || d > 30*time.Millisecond {
			t.Fatalf("delay = %v, outside jitter bounds [10ms, 30ms]", d)
		}
	}
}
