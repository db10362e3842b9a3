package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bbelbuken/elontweetbot/internal/alert"
	"github.com/bbelbuken/elontweetbot/internal/executor"
	"github.com/bbelbuken/elontweetbot/internal/feed"
	"github.com/bbelbuken/elontweetbot/internal/ledger"
	"github.com/bbelbuken/elontweetbot/internal/logger"
	"github.com/bbelbuken/elontweetbot/internal/pipeline"
	"github.com/bbelbuken/elontweetbot/internal/risk"
	"github.com/bbelbuken/elontweetbot/internal/scheduler"
	"github.com/bbelbuken/elontweetbot/internal/scorer"
	"github.com/bbelbuken/elontweetbot/internal/server"
)

func must(err error) {
	if err != nil {
		log.Fatal(err)
	}
}

func main() {
	must(initializeSystem())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := loadConfig(ctx)
	must(err)

	compressOldLogs(ctx)

	led, err := ledger.Open(cfg.Ledger.DBPath)
	must(err)
	defer led.Close()

	alerts := alert.NewBus(alert.LogSink{})
	if token := os.Getenv("TELEGRAM_BOT_TOKEN"); token != "" && cfg.Alerts.TelegramChatID != "" {
		alerts.Register(alert.NewTelegramSink(token, cfg.Alerts.TelegramChatID))
	}

	exch := initializeExchange(ctx, cfg)
	sc := scorer.New(initializeAnalyzer(ctx, cfg), cfg.Scorer.KeywordWeight, cfg.Scorer.SentimentWeight)
	gate := risk.NewGate(led, exch, alerts, risk.Config{
		SignalThreshold:  cfg.Trading.SignalThreshold,
		MaxDailyDrawdown: cfg.Trading.MaxDailyDrawdown,
		MaxOpenPositions: cfg.Trading.MaxOpenPositions,
		ManualOverride:   cfg.Trading.ManualOverride,
		DayStartOffset:   cfg.DayStartOffset(),
	})
	exec := executor.New(led, exch, alerts, executorConfig(cfg))

	pipe := pipeline.New(led, sc, gate, exec, cfg.Symbol,
		cfg.Queue.Capacity, cfg.Queue.Workers, cfg.Queue.ExecutionShards)
	pipe.Start(ctx)
	defer pipe.Close()

	gate.RollDay(ctx)

	sched := scheduler.New()
	must(sched.Add(cfg.Schedule.ScoreSweep, "score_sweep", pipe.SweepUnscored))
	must(sched.Add(cfg.Schedule.SignalSweep, "signal_sweep", pipe.SweepPendingSignals))
	must(sched.Add(cfg.Schedule.Monitor, "monitor", func(ctx context.Context) error {
		pipe.EnqueueMonitor(ctx)
		return nil
	}))
	must(sched.Add(cfg.Schedule.PnLRefresh, "pnl_refresh", exec.RefreshUnrealized))
	must(sched.Add(scheduler.DailySpec(cfg.DayStartOffset()), "day_rollover", func(ctx context.Context) error {
		gate.RollDay(ctx)
		compressOldLogs(ctx)
		return nil
	}))
	if cfg.Feed.Enabled {
		poller := feed.NewPoller(cfg.Feed.URL, cfg.Feed.Author, pipe,
			time.Duration(cfg.Analyzer.TimeoutSeconds)*time.Second)
		must(sched.Add(cfg.Schedule.FeedPoll, "feed_poll", poller.Poll))
	}
	sched.Start()
	defer sched.Stop()

	srv := server.New(cfg.Server.Addr, led, gate, pipe, exec)
	go func() {
		if err := srv.Start(); err != nil {
			logger.ErrorWithErr(ctx, "Dashboard server stopped", err)
			cancel()
		}
	}()

	logger.Info(ctx, "Bot started",
		"mode", cfg.Mode, "symbol", cfg.Symbol, "venue", cfg.Exchange.Venue,
		"addr", cfg.Server.Addr)

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigc:
		logger.Info(ctx, "Shutting down...")
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn(ctx, "Server shutdown error", "error", err)
	}
	if err := logger.Shutdown(shutdownCtx); err != nil {
		logger.Warn(ctx, "Tracer shutdown error", "error", err)
	}
}
