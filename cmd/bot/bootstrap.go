package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/bbelbuken/elontweetbot/internal/analyzer"
	"github.com/bbelbuken/elontweetbot/internal/exchange"
	"github.com/bbelbuken/elontweetbot/internal/executor"
	"github.com/bbelbuken/elontweetbot/internal/faulttolerance"
	"github.com/bbelbuken/elontweetbot/internal/logger"
	"github.com/bbelbuken/elontweetbot/internal/store"
	"github.com/bbelbuken/elontweetbot/internal/tradelog"
)

// initializeSystem loads environment variables and brings up logging.
func initializeSystem() error {
	_ = godotenv.Load()

	if err := logger.Init(); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	return nil
}

func loadConfig(ctx context.Context) (*store.Config, error) {
	cfg, err := store.LoadConfig("config.yaml")
	if err != nil {
		logger.ErrorWithErr(ctx, "Failed to load config", err)
		return nil, err
	}
	return cfg, nil
}

// compressOldLogs compresses old audit files if retention is configured.
func compressOldLogs(ctx context.Context) {
	if v := os.Getenv("BOT_LOG_RETENTION_DAYS"); v != "" {
		var n int
		fmt.Sscanf(v, "%d", &n)
		if err := tradelog.CompressOlder(n); err != nil {
			logger.Warn(ctx, "Failed to compress old audit logs", "error", err)
		}
	}
}

// initializeExchange returns the configured venue. DRY_RUN forces the paper
// simulator regardless of the configured venue.
func initializeExchange(ctx context.Context, cfg *store.Config) exchange.Exchange {
	if cfg.Mode == "DRY_RUN" || cfg.Exchange.Venue == "paper" {
		logger.Warn(ctx, "Running against paper venue - orders are simulated")
		balance := 10000.0
		if v := os.Getenv("PAPER_STARTING_BALANCE"); v != "" {
			if b, err := strconv.ParseFloat(v, 64); err == nil && b > 0 {
				balance = b
			}
		}
		paper := exchange.NewPaper(balance, exchange.Filters{StepSize: 0.00001, MinQty: 0.00001})
		// Paper markets need a seed price before the first poll.
		paper.SetMarkPrice(cfg.Symbol, 50000)
		return paper
	}

	logger.Info(ctx, "Using Binance venue", "base_url", cfg.Exchange.BaseURL)
	return exchange.NewBinance(exchange.BinanceOptions{
		BaseURL:         cfg.Exchange.BaseURL,
		APIKey:          os.Getenv("BINANCE_API_KEY"),
		APISecret:       os.Getenv("BINANCE_API_SECRET"),
		QuoteAsset:      cfg.Exchange.QuoteAsset,
		RateLimitPerSec: cfg.Exchange.RateLimitPerSec,
		Timeout:         time.Duration(cfg.Exchange.TimeoutSeconds) * time.Second,
	})
}

// initializeAnalyzer picks the sentiment backend: the remote model when a URL
// is configured, otherwise the built-in lexicon.
func initializeAnalyzer(ctx context.Context, cfg *store.Config) analyzer.Analyzer {
	if cfg.Analyzer.SentimentURL != "" {
		logger.Info(ctx, "Using remote sentiment analyzer", "url", cfg.Analyzer.SentimentURL)
		return analyzer.NewRemote(cfg.Analyzer.SentimentURL, time.Duration(cfg.Analyzer.TimeoutSeconds)*time.Second)
	}
	logger.Warn(ctx, "No sentiment URL configured - using lexicon analyzer")
	return analyzer.NewLexicon()
}

func executorConfig(cfg *store.Config) executor.Config {
	return executor.Config{
		Symbol:              cfg.Symbol,
		Leverage:            cfg.Trading.Leverage,
		FeePercent:          cfg.Exchange.FeePercent,
		PositionSizePercent: cfg.Trading.PositionSizePercent,
		StopLossPercent:     cfg.Trading.StopLossPercent,
		TakeProfitPercent:   cfg.Trading.TakeProfitPercent,
		Retry: faulttolerance.Policy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   time.Duration(cfg.Retry.BaseDelayMs) * time.Millisecond,
			MaxDelay:    time.Duration(cfg.Retry.MaxDelayMs) * time.Millisecond,
			Multiplier:  cfg.Retry.Multiplier,
			Jitter:      cfg.Retry.Jitter,
			Name:        "place_order",
		},
		Breaker: faulttolerance.BreakerConfig{
			MaxFailures:      cfg.Breaker.MaxFailures,
			Cooldown:         time.Duration(cfg.Breaker.CooldownSeconds) * time.Second,
			SuccessThreshold: cfg.Breaker.SuccessThreshold,
			Name:             "exchange",
		},
	}
}
