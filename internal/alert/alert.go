package alert

import (
	"context"
	"sync"
	"time"

	"github.com/bbelbuken/elontweetbot/internal/logger"
)

type EventType string

const (
	EventDrawdownHalted             EventType = "DRAWDOWN_HALTED"
	EventExecutionFailedPermanently EventType = "EXECUTION_FAILED_PERMANENTLY"
	EventRepeatedAPIFailure         EventType = "REPEATED_API_FAILURE"
)

// Event is an alert-worthy occurrence fanned out to external notification.
type Event struct {
	Type    EventType
	Message string
	Fields  map[string]any
	At      time.Time
}

// Sink delivers events to one notification channel.
type Sink interface {
	Notify(ctx context.Context, e Event) error
}

// Bus fans events out to all registered sinks. Delivery failures are logged
// and never propagate into the pipeline.
type Bus struct {
	mu    sync.RWMutex
	sinks []Sink
}

func NewBus(sinks ...Sink) *Bus {
	return &Bus{sinks: sinks}
}

// Register adds a sink.
func (b *Bus) Register(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, s)
}

// Publish delivers the event to every sink.
func (b *Bus) Publish(ctx context.Context, e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	b.mu.RLock()
	sinks := make([]Sink, len(b.sinks))
	copy(sinks, b.sinks)
	b.mu.RUnlock()

	for _, s := range sinks {
		if err := s.Notify(ctx, e); err != nil {
			logger.Warn(ctx, "Alert delivery failed", "event", string(e.Type), "error", err)
		}
	}
}

// LogSink writes alerts to the structured log.
type LogSink struct{}

func (LogSink) Notify(ctx context.Context, e Event) error {
	args := []any{"event", string(e.Type), "message", e.Message}
	for k, v := range e.Fields {
		args = append(args, k, v)
	}
	logger.Warn(ctx, "ALERT", args...)
	return nil
}
