package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/bbelbuken/elontweetbot/internal/logger"
)

// Scheduler runs the periodic pipeline sweeps on cron cadences. Jobs receive
// a fresh context per run and report errors through the log only; a failing
// sweep never stops the schedule.
type Scheduler struct {
	cron *cron.Cron
}

// New builds a scheduler running in UTC, matching the trading-day arithmetic.
func New() *Scheduler {
	return &Scheduler{cron: cron.New(cron.WithLocation(time.UTC))}
}

// Add registers a named job on a standard 5-field cron spec.
func (s *Scheduler) Add(spec, name string, fn func(ctx context.Context) error) error {
	_, err := s.cron.AddFunc(spec, func() {
		ctx := context.Background()
		start := time.Now()
		if err := fn(ctx); err != nil {
			logger.ErrorWithErr(ctx, "Scheduled job failed", err, "job", name)
			return
		}
		logger.Debug(ctx, "Scheduled job completed", "job", name, "duration", time.Since(start).String())
	})
	if err != nil {
		return fmt.Errorf("schedule %s (%q): %w", name, spec, err)
	}
	return nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts scheduling and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// DailySpec builds the cron spec firing once per day at the given offset
// from midnight UTC, used for the trading-day rollover.
func DailySpec(offset time.Duration) string {
	offset = offset % (24 * time.Hour)
	h := int(offset.Hours())
	m := int(offset.Minutes()) % 60
	return fmt.Sprintf("%d %d * * *", m, h)
}
