package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/bbelbuken/elontweetbot/internal/alert"
	"github.com/bbelbuken/elontweetbot/internal/exchange"
	"github.com/bbelbuken/elontweetbot/internal/faulttolerance"
	"github.com/bbelbuken/elontweetbot/internal/ledger"
	"github.com/bbelbuken/elontweetbot/internal/logger"
	"github.com/bbelbuken/elontweetbot/internal/sizing"
	"github.com/bbelbuken/elontweetbot/internal/tradelog"
	"github.com/bbelbuken/elontweetbot/internal/types"
)

// Config tunes one executor instance.
type Config struct {
	Symbol              string
	Leverage            int
	FeePercent          float64
	PositionSizePercent float64
	StopLossPercent     float64
	TakeProfitPercent   float64
	Retry               faulttolerance.Policy
	Breaker             faulttolerance.BreakerConfig
}

// Executor turns approved signals into venue orders and supervises the open
// trades. Every order carries an idempotency key derived from the trade, so
// retries and crash replays land on the same venue order instead of a second
// one.
type Executor struct {
	ledger  *ledger.Ledger
	exch    exchange.Exchange
	alerts  *alert.Bus
	breaker *faulttolerance.Breaker
	cfg     Config
}

func New(led *ledger.Ledger, exch exchange.Exchange, alerts *alert.Bus, cfg Config) *Executor {
	bc := cfg.Breaker
	if bc.Name == "" {
		bc.Name = "exchange"
	}
	bc.OnTrip = func(name string, failures int) {
		alerts.Publish(context.Background(), alert.Event{
			Type:    alert.EventRepeatedAPIFailure,
			Message: "circuit breaker opened after repeated venue failures",
			Fields:  map[string]any{"breaker": name, "failures": failures},
		})
	}
	return &Executor{
		ledger:  led,
		exch:    exch,
		alerts:  alerts,
		breaker: faulttolerance.NewBreaker(bc),
		cfg:     cfg,
	}
}

// retryable: transient venue errors retry within the budget; an open breaker
// means the venue is known-bad, so attempts stop immediately.
func (e *Executor) retryable(err error) bool {
	if errors.Is(err, faulttolerance.ErrCircuitOpen) {
		return false
	}
	return exchange.IsTransient(err)
}

// Execute runs the full order flow for one approved signal: size, record a
// Pending trade keyed by the signal id, place the order under retry, then
// mark Open or Failed. Replaying an already-executed signal is a no-op.
func (e *Executor) Execute(ctx context.Context, sig types.Signal) error {
	timer := logger.StartOperation(ctx, "execute_signal", "signal_id", sig.PostID)
	ctx = timer.GetContext()

	err := e.execute(ctx, sig)
	if err != nil {
		timer.EndWithError(err)
		return err
	}
	timer.End()
	return nil
}

func (e *Executor) execute(ctx context.Context, sig types.Signal) error {
	post, err := e.ledger.GetPost(ctx, sig.PostID)
	if err != nil {
		return fmt.Errorf("load post %s: %w", sig.PostID, err)
	}
	side := types.SideLong
	if post.Sentiment < 0 {
		side = types.SideShort
	}

	// A trade past Pending means a previous delivery already finished.
	if t, err := e.ledger.TradeBySignal(ctx, sig.PostID); err == nil {
		if t.Status != types.TradePending {
			logger.Debug(ctx, "Signal already executed", "signal_id", sig.PostID, "status", string(t.Status))
			return nil
		}
		return e.place(ctx, t)
	} else if !errors.Is(err, ledger.ErrTradeNotFound) {
		return err
	}

	var balance, price float64
	var filters exchange.Filters
	err = faulttolerance.Do(ctx, e.cfg.Retry, e.retryable, func() error {
		var ferr error
		if balance, ferr = e.exch.Balance(ctx); ferr != nil {
			return ferr
		}
		if price, ferr = e.exch.MarkPrice(ctx, e.cfg.Symbol); ferr != nil {
			return ferr
		}
		filters, ferr = e.exch.SymbolFilters(ctx, e.cfg.Symbol)
		return ferr
	})
	if err != nil {
		return fmt.Errorf("pre-trade data: %w", err)
	}

	sz, err := sizing.Size(balance, price, side, sizing.Params{
		PositionSizePercent: e.cfg.PositionSizePercent,
		StopLossPercent:     e.cfg.StopLossPercent,
		TakeProfitPercent:   e.cfg.TakeProfitPercent,
		StepSize:            filters.StepSize,
		MinQty:              filters.MinQty,
	})
	if errors.Is(err, sizing.ErrInsufficientBalance) {
		logger.Warn(ctx, "Signal skipped, balance too small for minimum order",
			"signal_id", sig.PostID, "balance", balance, "price", price)
		return nil
	}
	if err != nil {
		return err
	}

	trade, created, err := e.ledger.CreatePendingTrade(ctx, types.Trade{
		SignalID:   sig.PostID,
		Symbol:     e.cfg.Symbol,
		Side:       side,
		Leverage:   e.cfg.Leverage,
		Quantity:   sz.Quantity,
		StopLoss:   sz.StopLoss,
		TakeProfit: sz.TakeProfit,
	})
	if err != nil {
		return err
	}
	if !created && trade.Status != types.TradePending {
		return nil
	}
	return e.place(ctx, trade)
}

// place submits the entry order. The client order id is the signal id, so the
// venue deduplicates across retries and restarts.
func (e *Executor) place(ctx context.Context, trade *types.Trade) error {
	var fill exchange.Fill
	err := faulttolerance.Do(ctx, e.cfg.Retry, e.retryable, func() error {
		return e.breaker.Execute(ctx, func() error {
			f, perr := e.exch.PlaceOrder(ctx, exchange.Order{
				ClientOrderID: trade.SignalID,
				Symbol:        trade.Symbol,
				Side:          trade.Side,
				Quantity:      trade.Quantity,
			})
			if perr != nil {
				return perr
			}
			fill = f
			return nil
		})
	})
	if err != nil {
		if ferr := e.ledger.MarkTradeFailed(ctx, trade, err.Error()); ferr != nil {
			logger.ErrorWithErr(ctx, "Failed to record trade failure", ferr, "trade_id", trade.ID)
		}
		e.alerts.Publish(ctx, alert.Event{
			Type:    alert.EventExecutionFailedPermanently,
			Message: "order placement failed permanently",
			Fields:  map[string]any{"signal_id": trade.SignalID, "symbol": trade.Symbol, "error": err.Error()},
		})
		if aerr := tradelog.Append(tradelog.Entry{
			SignalID: trade.SignalID, Symbol: trade.Symbol, Side: string(trade.Side),
			Event: "failed", Qty: trade.Quantity,
			Extra: map[string]any{"error": err.Error()},
		}); aerr != nil {
			logger.Warn(ctx, "Audit log write failed", "error", aerr)
		}
		return err
	}

	if err := e.ledger.MarkTradeOpen(ctx, trade, fill.Price); err != nil {
		if errors.Is(err, ledger.ErrStaleTransition) {
			// A concurrent replay already recorded the open.
			return nil
		}
		return err
	}
	if err := e.ledger.ApplyFill(ctx, trade.Symbol, trade.Side, fill.Quantity, fill.Price, trade.Leverage); err != nil {
		return err
	}
	logger.TradeEvent(ctx, "opened", trade.Symbol, string(trade.Side), fill.Quantity, fill.Price,
		"trade_id", trade.ID, "duplicate_fill", fill.Duplicate)
	if aerr := tradelog.Append(tradelog.Entry{
		SignalID: trade.SignalID, Symbol: trade.Symbol, Side: string(trade.Side),
		Event: "opened", Qty: fill.Quantity, Price: fill.Price,
	}); aerr != nil {
		logger.Warn(ctx, "Audit log write failed", "error", aerr)
	}
	return nil
}

// MonitorOpenTrades closes trades whose mark price has breached stop or
// target and refreshes unrealized pnl on the rest.
func (e *Executor) MonitorOpenTrades(ctx context.Context) error {
	trades, err := e.ledger.OpenTrades(ctx)
	if err != nil {
		return err
	}
	for i := range trades {
		t := &trades[i]
		mark, err := e.exch.MarkPrice(ctx, t.Symbol)
		if err != nil {
			logger.Warn(ctx, "Mark price unavailable, skipping monitor cycle",
				"symbol", t.Symbol, "error", err)
			continue
		}
		if !breached(t, mark) {
			if err := e.ledger.UpdateUnrealized(ctx, t.Symbol, mark); err != nil {
				logger.Warn(ctx, "Unrealized pnl update failed", "symbol", t.Symbol, "error", err)
			}
			continue
		}
		if err := e.closeTrade(ctx, t, mark); err != nil {
			logger.ErrorWithErr(ctx, "Trade close failed, will retry next cycle", err, "trade_id", t.ID)
		}
	}
	return nil
}

func breached(t *types.Trade, mark float64) bool {
	if t.Side == types.SideShort {
		return mark >= t.StopLoss || mark <= t.TakeProfit
	}
	return mark <= t.StopLoss || mark >= t.TakeProfit
}

// closeTrade exits an open trade with a reduce-only order keyed by the trade
// id. A failed close is retried on the next monitor sweep under the same key.
func (e *Executor) closeTrade(ctx context.Context, trade *types.Trade, mark float64) error {
	key := fmt.Sprintf("close:%d", trade.ID)

	var fill exchange.Fill
	err := faulttolerance.Do(ctx, e.cfg.Retry, e.retryable, func() error {
		return e.breaker.Execute(ctx, func() error {
			f, perr := e.exch.PlaceOrder(ctx, exchange.Order{
				ClientOrderID: key,
				Symbol:        trade.Symbol,
				Side:          trade.Side.Opposite(),
				Quantity:      trade.Quantity,
				ReduceOnly:    true,
			})
			if perr != nil {
				return perr
			}
			fill = f
			return nil
		})
	})
	if err != nil {
		e.alerts.Publish(ctx, alert.Event{
			Type:    alert.EventExecutionFailedPermanently,
			Message: "close order failed, trade remains open",
			Fields:  map[string]any{"trade_id": trade.ID, "symbol": trade.Symbol, "error": err.Error()},
		})
		return err
	}

	pnl := (fill.Price-trade.EntryPrice)*fill.Quantity*trade.Side.Sign() - e.fees(trade.EntryPrice, fill.Price, fill.Quantity)
	if err := e.ledger.CloseTrade(ctx, trade, pnl); err != nil {
		if errors.Is(err, ledger.ErrStaleTransition) {
			return nil
		}
		return err
	}
	if err := e.ledger.ApplyFill(ctx, trade.Symbol, trade.Side.Opposite(), fill.Quantity, fill.Price, trade.Leverage); err != nil {
		return err
	}
	logger.TradeEvent(ctx, "closed", trade.Symbol, string(trade.Side), fill.Quantity, fill.Price,
		"trade_id", trade.ID, "pnl", pnl, "mark", mark)
	if aerr := tradelog.Append(tradelog.Entry{
		SignalID: trade.SignalID, Symbol: trade.Symbol, Side: string(trade.Side),
		Event: "closed", Qty: fill.Quantity, Price: fill.Price, PnL: pnl,
	}); aerr != nil {
		logger.Warn(ctx, "Audit log write failed", "error", aerr)
	}
	return nil
}

func (e *Executor) fees(entryPrice, exitPrice, qty float64) float64 {
	return e.cfg.FeePercent * (entryPrice*qty + exitPrice*qty)
}

// RefreshUnrealized recomputes unrealized pnl for every tracked position.
func (e *Executor) RefreshUnrealized(ctx context.Context) error {
	positions, err := e.ledger.Positions(ctx)
	if err != nil {
		return err
	}
	for _, p := range positions {
		mark, err := e.exch.MarkPrice(ctx, p.Symbol)
		if err != nil {
			logger.Warn(ctx, "Mark price unavailable", "symbol", p.Symbol, "error", err)
			continue
		}
		if err := e.ledger.UpdateUnrealized(ctx, p.Symbol, mark); err != nil {
			return err
		}
	}
	return nil
}

// BreakerState exposes the venue breaker for the dashboard.
func (e *Executor) BreakerState() string {
	return e.breaker.State().String()
}
