package store

import (
	"fmt"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Mode   string `yaml:"mode"`
	Symbol string `yaml:"symbol"`

	Trading struct {
		SignalThreshold     int     `yaml:"signal_threshold"`
		PositionSizePercent float64 `yaml:"position_size_percent"`
		StopLossPercent     float64 `yaml:"stop_loss_percent"`
		TakeProfitPercent   float64 `yaml:"take_profit_percent"`
		MaxDailyDrawdown    float64 `yaml:"max_daily_drawdown"`
		MaxOpenPositions    int     `yaml:"max_open_positions"`
		Leverage            int     `yaml:"leverage"`
		ManualOverride      bool    `yaml:"manual_override"`
		DayStart            string  `yaml:"day_start"` // "HH:MM", UTC
	} `yaml:"trading"`

	Scorer struct {
		KeywordWeight   float64 `yaml:"keyword_weight"`
		SentimentWeight float64 `yaml:"sentiment_weight"`
	} `yaml:"scorer"`

	Analyzer struct {
		SentimentURL   string `yaml:"sentiment_url"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"analyzer"`

	Exchange struct {
		Venue           string  `yaml:"venue"` // "paper" or "binance"
		BaseURL         string  `yaml:"base_url"`
		QuoteAsset      string  `yaml:"quote_asset"`
		RateLimitPerSec float64 `yaml:"rate_limit_per_sec"`
		TimeoutSeconds  int     `yaml:"timeout_seconds"`
		FeePercent      float64 `yaml:"fee_percent"`
	} `yaml:"exchange"`

	Retry struct {
		MaxAttempts int     `yaml:"max_attempts"`
		BaseDelayMs int     `yaml:"base_delay_ms"`
		MaxDelayMs  int     `yaml:"max_delay_ms"`
		Multiplier  float64 `yaml:"multiplier"`
		Jitter      float64 `yaml:"jitter"`
	} `yaml:"retry"`

	Breaker struct {
		MaxFailures      int `yaml:"max_failures"`
		CooldownSeconds  int `yaml:"cooldown_seconds"`
		SuccessThreshold int `yaml:"success_threshold"`
	} `yaml:"breaker"`

	Queue struct {
		Capacity        int `yaml:"capacity"`
		Workers         int `yaml:"workers"`
		ExecutionShards int `yaml:"execution_shards"`
	} `yaml:"queue"`

	Schedule struct {
		FeedPoll    string `yaml:"feed_poll"`
		ScoreSweep  string `yaml:"score_sweep"`
		SignalSweep string `yaml:"signal_sweep"`
		Monitor     string `yaml:"monitor"`
		PnLRefresh  string `yaml:"pnl_refresh"`
	} `yaml:"schedule"`

	Feed struct {
		Enabled bool   `yaml:"enabled"`
		URL     string `yaml:"url"`
		Author  string `yaml:"author"`
	} `yaml:"feed"`

	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`

	Ledger struct {
		DBPath string `yaml:"db_path"`
	} `yaml:"ledger"`

	Alerts struct {
		TelegramChatID string `yaml:"telegram_chat_id"`
	} `yaml:"alerts"`
}

func (c *Config) Validate() error {
	if c.Mode != "DRY_RUN" && c.Mode != "LIVE" {
		return fmt.Errorf("invalid mode '%s': must be 'DRY_RUN' or 'LIVE'", c.Mode)
	}
	if c.Symbol == "" {
		return fmt.Errorf("symbol cannot be empty")
	}
	if c.Trading.SignalThreshold < 0 || c.Trading.SignalThreshold > 100 {
		return fmt.Errorf("trading.signal_threshold must be between 0-100, got %d", c.Trading.SignalThreshold)
	}
	if c.Trading.PositionSizePercent <= 0 || c.Trading.PositionSizePercent > 1 {
		return fmt.Errorf("trading.position_size_percent must be in (0,1], got %.4f", c.Trading.PositionSizePercent)
	}
	if c.Trading.StopLossPercent <= 0 || c.Trading.StopLossPercent >= 1 {
		return fmt.Errorf("trading.stop_loss_percent must be in (0,1), got %.4f", c.Trading.StopLossPercent)
	}
	if c.Trading.TakeProfitPercent <= 0 || c.Trading.TakeProfitPercent >= 1 {
		return fmt.Errorf("trading.take_profit_percent must be in (0,1), got %.4f", c.Trading.TakeProfitPercent)
	}
	if c.Trading.MaxDailyDrawdown <= 0 || c.Trading.MaxDailyDrawdown >= 1 {
		return fmt.Errorf("trading.max_daily_drawdown must be in (0,1), got %.4f", c.Trading.MaxDailyDrawdown)
	}
	if c.Trading.MaxOpenPositions <= 0 {
		return fmt.Errorf("trading.max_open_positions must be positive, got %d", c.Trading.MaxOpenPositions)
	}
	if _, err := time.Parse("15:04", c.Trading.DayStart); err != nil {
		return fmt.Errorf("trading.day_start must be 'HH:MM', got '%s'", c.Trading.DayStart)
	}
	if math.Abs(c.Scorer.KeywordWeight+c.Scorer.SentimentWeight-1.0) > 1e-9 {
		return fmt.Errorf("scorer weights must sum to 1.0, got %.4f + %.4f",
			c.Scorer.KeywordWeight, c.Scorer.SentimentWeight)
	}
	if c.Exchange.Venue != "paper" && c.Exchange.Venue != "binance" {
		return fmt.Errorf("exchange.venue must be 'paper' or 'binance', got '%s'", c.Exchange.Venue)
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be positive, got %d", c.Retry.MaxAttempts)
	}
	return nil
}

// DayStartOffset returns the trading-day start as an offset from midnight UTC.
func (c *Config) DayStartOffset() time.Duration {
	t, err := time.Parse("15:04", c.Trading.DayStart)
	if err != nil {
		return 0
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute
}

func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.Symbol == "" {
		c.Symbol = "BTCUSDT"
	}
	if c.Trading.SignalThreshold == 0 {
		c.Trading.SignalThreshold = 70
	}
	if c.Trading.Leverage == 0 {
		c.Trading.Leverage = 1
	}
	if c.Trading.DayStart == "" {
		c.Trading.DayStart = "00:00"
	}
	if c.Scorer.KeywordWeight == 0 && c.Scorer.SentimentWeight == 0 {
		c.Scorer.KeywordWeight = 0.5
		c.Scorer.SentimentWeight = 0.5
	}
	if c.Analyzer.TimeoutSeconds == 0 {
		c.Analyzer.TimeoutSeconds = 10
	}
	if c.Exchange.Venue == "" {
		c.Exchange.Venue = "paper"
	}
	if c.Exchange.BaseURL == "" {
		c.Exchange.BaseURL = "https://testnet.binance.vision"
	}
	if c.Exchange.QuoteAsset == "" {
		c.Exchange.QuoteAsset = "USDT"
	}
	if c.Exchange.RateLimitPerSec == 0 {
		c.Exchange.RateLimitPerSec = 5
	}
	if c.Exchange.TimeoutSeconds == 0 {
		c.Exchange.TimeoutSeconds = 10
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.BaseDelayMs == 0 {
		c.Retry.BaseDelayMs = 1000
	}
	if c.Retry.MaxDelayMs == 0 {
		c.Retry.MaxDelayMs = 30000
	}
	if c.Retry.Multiplier == 0 {
		c.Retry.Multiplier = 2.0
	}
	if c.Retry.Jitter == 0 {
		c.Retry.Jitter = 0.1
	}
	if c.Breaker.MaxFailures == 0 {
		c.Breaker.MaxFailures = 5
	}
	if c.Breaker.CooldownSeconds == 0 {
		c.Breaker.CooldownSeconds = 60
	}
	if c.Breaker.SuccessThreshold == 0 {
		c.Breaker.SuccessThreshold = 3
	}
	if c.Queue.Capacity == 0 {
		c.Queue.Capacity = 256
	}
	if c.Queue.Workers == 0 {
		c.Queue.Workers = 4
	}
	if c.Queue.ExecutionShards == 0 {
		c.Queue.ExecutionShards = 4
	}
	if c.Schedule.ScoreSweep == "" {
		c.Schedule.ScoreSweep = "*/15 * * * *"
	}
	if c.Schedule.SignalSweep == "" {
		c.Schedule.SignalSweep = "*/10 * * * *"
	}
	if c.Schedule.Monitor == "" {
		c.Schedule.Monitor = "*/5 * * * *"
	}
	if c.Schedule.PnLRefresh == "" {
		c.Schedule.PnLRefresh = "*/30 * * * *"
	}
	if c.Schedule.FeedPoll == "" {
		c.Schedule.FeedPoll = "0 8,14,20 * * *"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Ledger.DBPath == "" {
		c.Ledger.DBPath = "data/trading.db"
	}
}
