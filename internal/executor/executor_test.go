package executor

import (
	"context"
	"errors"
	"math"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/bbelbuken/elontweetbot/internal/alert"
	"github.com/bbelbuken/elontweetbot/internal/api"
	"github.com/bbelbuken/elontweetbot/internal/exchange"
	"github.com/bbelbuken/elontweetbot/internal/faulttolerance"
	"github.com/bbelbuken/elontweetbot/internal/ledger"
	"github.com/bbelbuken/elontweetbot/internal/types"
)

// scriptedExchange fails PlaceOrder with the queued errors before succeeding,
// and deduplicates client order ids like a real venue.
type scriptedExchange struct {
	mu         sync.Mutex
	placeErrs  []error
	placeCalls int
	price      float64
	balance    float64
	fills      map[string]exchange.Fill
	nextID     int
}

func newScriptedExchange(price, balance float64, placeErrs ...error) *scriptedExchange {
	return &scriptedExchange{
		placeErrs: placeErrs,
		price:     price,
		balance:   balance,
		fills:     make(map[string]exchange.Fill),
	}
}

func (s *scriptedExchange) PlaceOrder(ctx context.Context, o exchange.Order) (exchange.Fill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.placeCalls++

	if prev, ok := s.fills[o.ClientOrderID]; ok {
		prev.Duplicate = true
		return prev, nil
	}
	if len(s.placeErrs) > 0 {
		err := s.placeErrs[0]
		s.placeErrs = s.placeErrs[1:]
		return exchange.Fill{}, err
	}

	s.nextID++
	fill := exchange.Fill{
		OrderID:  "ord-" + strconv.Itoa(s.nextID),
		Price:    s.price,
		Quantity: o.Quantity,
		At:       time.Now().UTC(),
	}
	s.fills[o.ClientOrderID] = fill
	return fill, nil
}

func (s *scriptedExchange) MarkPrice(ctx context.Context, symbol string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.price, nil
}

func (s *scriptedExchange) setPrice(p float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.price = p
}

func (s *scriptedExchange) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.placeCalls
}

func (s *scriptedExchange) Balance(ctx context.Context) (float64, error) {
	return s.balance, nil
}

func (s *scriptedExchange) SymbolFilters(ctx context.Context, symbol string) (exchange.Filters, error) {
	return exchange.Filters{StepSize: 0.001, MinQty: 0.001}, nil
}

type captureSink struct {
	mu     sync.Mutex
	events []alert.Event
}

func (c *captureSink) Notify(ctx context.Context, e alert.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func (c *captureSink) count(kind alert.EventType) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.events {
		if e.Type == kind {
			n++
		}
	}
	return n
}

func testConfig() Config {
	return Config{
		Symbol:              "BTCUSDT",
		Leverage:            1,
		PositionSizePercent: 1.0,
		StopLossPercent:     0.02,
		TakeProfitPercent:   0.04,
		Retry: faulttolerance.Policy{
			MaxAttempts: 3,
			BaseDelay:   time.Millisecond,
			MaxDelay:    5 * time.Millisecond,
			Multiplier:  2.0,
			Jitter:      0.1,
			Name:        "test_place",
		},
		Breaker: faulttolerance.BreakerConfig{
			MaxFailures:      10,
			Cooldown:         time.Second,
			SuccessThreshold: 1,
		},
	}
}

func setup(t *testing.T, exch exchange.Exchange, cfg Config) (*Executor, *ledger.Ledger, *captureSink) {
	t.Helper()
	t.Setenv("BOT_LOG_DIR", t.TempDir())

	led, err := ledger.OpenInMemory()
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { led.Close() })

	sink := &captureSink{}
	return New(led, exch, alert.NewBus(sink), cfg), led, sink
}

func seedSignal(t *testing.T, led *ledger.Ledger, id string, sentiment float64) types.Signal {
	t.Helper()
	ctx := context.Background()
	if err := led.IngestPost(ctx, types.Post{
		ID: id, Author: "elonmusk", Text: "bitcoin", CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if _, err := led.AnnotatePost(ctx, id, sentiment, 85); err != nil {
		t.Fatalf("annotate: %v", err)
	}
	return types.Signal{PostID: id, Score: 85, At: time.Now().UTC()}
}

func transientErr() error {
	return &api.HTTPError{StatusCode: 503, Body: "upstream unavailable"}
}

func TestExecuteOpensTrade(t *testing.T) {
	exch := newScriptedExchange(50000, 10000)
	exec, led, _ := setup(t, exch, testConfig())
	ctx := context.Background()
	sig := seedSignal(t, led, "p1", 0.8)

	if err := exec.Execute(ctx, sig); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	trade, err := led.TradeBySignal(ctx, "p1")
	if err != nil {
		t.Fatalf("TradeBySignal: %v", err)
	}
	if trade.Status != types.TradeOpen {
		t.Errorf("status = %s, want OPEN", trade.Status)
	}
	if trade.Side != types.SideLong {
		t.Errorf("side = %s, positive sentiment must go long", trade.Side)
	}
	if math.Abs(trade.Quantity-0.2) > 1e-9 || trade.EntryPrice != 50000 {
		t.Errorf("trade = qty %.4f entry %.2f, want 0.2 @ 50000", trade.Quantity, trade.EntryPrice)
	}
	if math.Abs(trade.StopLoss-49000) > 1e-6 || math.Abs(trade.TakeProfit-52000) > 1e-6 {
		t.Errorf("bracket = (%.2f, %.2f), want (49000, 52000)", trade.StopLoss, trade.TakeProfit)
	}

	positions, _ := led.Positions(ctx)
	if len(positions) != 1 || math.Abs(positions[0].Size-0.2) > 1e-9 {
		t.Errorf("positions = %+v, want one long 0.2", positions)
	}
}

func TestExecuteNegativeSentimentGoesShort(t *testing.T) {
	exch := newScriptedExchange(50000, 10000)
	exec, led, _ := setup(t, exch, testConfig())
	ctx := context.Background()
	sig := seedSignal(t, led, "p1", -0.6)

	if err := exec.Execute(ctx, sig); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	trade, _ := led.TradeBySignal(ctx, "p1")
	if trade.Side != types.SideShort {
		t.Errorf("side = %s, negative sentiment must go short", trade.Side)
	}
	if trade.StopLoss <= 50000 || trade.TakeProfit >= 50000 {
		t.Errorf("short bracket = (%.2f, %.2f) inverted", trade.StopLoss, trade.TakeProfit)
	}
}

func TestExecuteIdempotentReplay(t *testing.T) {
	exch := newScriptedExchange(50000, 10000)
	exec, led, _ := setup(t, exch, testConfig())
	ctx := context.Background()
	sig := seedSignal(t, led, "p1", 0.8)

	if err := exec.Execute(ctx, sig); err != nil {
		t.Fatalf("first Execute: %v", err)
	}
	if err := exec.Execute(ctx, sig); err != nil {
		t.Fatalf("replayed Execute: %v", err)
	}

	if exch.calls() != 1 {
		t.Errorf("place calls = %d, replay must not hit the venue", exch.calls())
	}
	trades, _ := led.TradeHistory(ctx, 10)
	if len(trades) != 1 {
		t.Errorf("trades = %d, want exactly 1", len(trades))
	}
}

func TestExecuteRetriesTransientFailures(t *testing.T) {
	exch := newScriptedExchange(50000, 10000, transientErr(), transientErr())
	exec, led, _ := setup(t, exch, testConfig())
	ctx := context.Background()
	sig := seedSignal(t, led, "p1", 0.8)

	if err := exec.Execute(ctx, sig); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if exch.calls() != 3 {
		t.Errorf("place calls = %d, want 3 (two retries then success)", exch.calls())
	}
	trade, _ := led.TradeBySignal(ctx, "p1")
	if trade.Status != types.TradeOpen {
		t.Errorf("status = %s, want OPEN after retries", trade.Status)
	}
}

func TestExecuteFailsAfterExhaustion(t *testing.T) {
	exch := newScriptedExchange(50000, 10000, transientErr(), transientErr(), transientErr())
	exec, led, sink := setup(t, exch, testConfig())
	ctx := context.Background()
	sig := seedSignal(t, led, "p1", 0.8)

	if err := exec.Execute(ctx, sig); err == nil {
		t.Fatal("expected error after budget exhaustion")
	}

	trade, _ := led.TradeBySignal(ctx, "p1")
	if trade.Status != types.TradeFailed {
		t.Errorf("status = %s, want FAILED", trade.Status)
	}
	if trade.FailReason == "" {
		t.Error("failed trade must carry a reason")
	}
	if got := sink.count(alert.EventExecutionFailedPermanently); got != 1 {
		t.Errorf("permanent-failure alerts = %d, want 1", got)
	}
	positions, _ := led.Positions(ctx)
	if len(positions) != 0 {
		t.Errorf("positions = %+v, failed trade must not create exposure", positions)
	}
}

func TestExecutePermanentRejectionNoRetry(t *testing.T) {
	rejection := exchange.ErrVenueRejected
	exch := newScriptedExchange(50000, 10000, rejection)
	exec, led, _ := setup(t, exch, testConfig())
	ctx := context.Background()
	sig := seedSignal(t, led, "p1", 0.8)

	if err := exec.Execute(ctx, sig); !errors.Is(err, exchange.ErrVenueRejected) {
		t.Fatalf("Execute = %v, want ErrVenueRejected", err)
	}
	if exch.calls() != 1 {
		t.Errorf("place calls = %d, permanent rejection must not retry", exch.calls())
	}
	trade, _ := led.TradeBySignal(ctx, "p1")
	if trade.Status != types.TradeFailed {
		t.Errorf("status = %s, want FAILED", trade.Status)
	}
}

func TestBreakerTripsAlert(t *testing.T) {
	cfg := testConfig()
	cfg.Breaker.MaxFailures = 2
	exch := newScriptedExchange(50000, 10000, transientErr(), transientErr(), transientErr())
	exec, led, sink := setup(t, exch, cfg)
	ctx := context.Background()
	sig := seedSignal(t, led, "p1", 0.8)

	if err := exec.Execute(ctx, sig); err == nil {
		t.Fatal("expected failure with tripped breaker")
	}
	if got := sink.count(alert.EventRepeatedAPIFailure); got != 1 {
		t.Errorf("breaker alerts = %d, want 1", got)
	}
	if exec.BreakerState() != "OPEN" {
		t.Errorf("breaker state = %s, want OPEN", exec.BreakerState())
	}
}

func TestMonitorClosesOnTakeProfit(t *testing.T) {
	exch := newScriptedExchange(50000, 10000)
	cfg := testConfig()
	cfg.FeePercent = 0.001
	exec, led, _ := setup(t, exch, cfg)
	ctx := context.Background()
	sig := seedSignal(t, led, "p1", 0.8)

	if err := exec.Execute(ctx, sig); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	exch.setPrice(52500)
	if err := exec.MonitorOpenTrades(ctx); err != nil {
		t.Fatalf("MonitorOpenTrades: %v", err)
	}

	trade, _ := led.TradeBySignal(ctx, "p1")
	if trade.Status != types.TradeClosed {
		t.Fatalf("status = %s, want CLOSED", trade.Status)
	}
	// (52500-50000)*0.2 = 500 gross, fees 0.001*(50000+52500)*0.2 = 20.5
	if math.Abs(trade.PnL-479.5) > 1e-6 {
		t.Errorf("pnl = %.4f, want 479.5", trade.PnL)
	}

	positions, _ := led.Positions(ctx)
	if len(positions) != 0 {
		t.Errorf("positions = %+v, want flat after close", positions)
	}
}

func TestMonitorClosesOnStopLoss(t *testing.T) {
	exch := newScriptedExchange(50000, 10000)
	exec, led, _ := setup(t, exch, testConfig())
	ctx := context.Background()
	sig := seedSignal(t, led, "p1", 0.8)

	if err := exec.Execute(ctx, sig); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	exch.setPrice(48500)
	if err := exec.MonitorOpenTrades(ctx); err != nil {
		t.Fatalf("MonitorOpenTrades: %v", err)
	}

	trade, _ := led.TradeBySignal(ctx, "p1")
	if trade.Status != types.TradeClosed {
		t.Fatalf("status = %s, want CLOSED", trade.Status)
	}
	if trade.PnL >= 0 {
		t.Errorf("pnl = %.4f, stop-loss close must realize the loss", trade.PnL)
	}
}

func TestMonitorLeavesTradeInsideBracket(t *testing.T) {
	exch := newScriptedExchange(50000, 10000)
	exec, led, _ := setup(t, exch, testConfig())
	ctx := context.Background()
	sig := seedSignal(t, led, "p1", 0.8)

	if err := exec.Execute(ctx, sig); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	exch.setPrice(50800)
	if err := exec.MonitorOpenTrades(ctx); err != nil {
		t.Fatalf("MonitorOpenTrades: %v", err)
	}

	trade, _ := led.TradeBySignal(ctx, "p1")
	if trade.Status != types.TradeOpen {
		t.Errorf("status = %s, in-bracket trade must stay open", trade.Status)
	}
	positions, _ := led.Positions(ctx)
	if len(positions) != 1 || math.Abs(positions[0].UnrealizedPnL-160) > 1e-6 {
		t.Errorf("positions = %+v, want unrealized (50800-50000)*0.2 = 160", positions)
	}
}

func TestMonitorCloseRetriesUnderSameKey(t *testing.T) {
	exch := newScriptedExchange(50000, 10000)
	exec, led, _ := setup(t, exch, testConfig())
	ctx := context.Background()
	sig := seedSignal(t, led, "p1", 0.8)

	if err := exec.Execute(ctx, sig); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	// Next 3 placements fail: the close attempt exhausts its budget.
	exch.mu.Lock()
	exch.placeErrs = []error{transientErr(), transientErr(), transientErr()}
	exch.mu.Unlock()
	exch.setPrice(52500)

	if err := exec.MonitorOpenTrades(ctx); err != nil {
		t.Fatalf("MonitorOpenTrades: %v", err)
	}
	trade, _ := led.TradeBySignal(ctx, "p1")
	if trade.Status != types.TradeOpen {
		t.Fatalf("status = %s, failed close must leave trade open", trade.Status)
	}

	// Next sweep succeeds and the venue sees one logical close order.
	if err := exec.MonitorOpenTrades(ctx); err != nil {
		t.Fatalf("second MonitorOpenTrades: %v", err)
	}
	trade, _ = led.TradeBySignal(ctx, "p1")
	if trade.Status != types.TradeClosed {
		t.Errorf("status = %s, want CLOSED after retry sweep", trade.Status)
	}
}
