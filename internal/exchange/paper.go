package exchange

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/bbelbuken/elontweetbot/internal/logger"
	"github.com/bbelbuken/elontweetbot/internal/types"
)

// Paper is an in-process venue simulator used in DRY_RUN mode. Orders fill
// instantly at the current mark price; client order ids deduplicate exactly
// like the real venue so the execution path behaves identically.
type Paper struct {
	mu      sync.Mutex
	balance float64
	prices  map[string]float64
	filters Filters
	fills   map[string]Fill // client order id -> original fill
	nextID  int64
}

func NewPaper(startingBalance float64, filters Filters) *Paper {
	return &Paper{
		balance: startingBalance,
		prices:  make(map[string]float64),
		filters: filters,
		fills:   make(map[string]Fill),
	}
}

// SetMarkPrice moves the simulated market.
func (p *Paper) SetMarkPrice(symbol string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[symbol] = price
}

func (p *Paper) PlaceOrder(ctx context.Context, o Order) (Fill, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if prev, ok := p.fills[o.ClientOrderID]; ok {
		prev.Duplicate = true
		return prev, nil
	}

	price, ok := p.prices[o.Symbol]
	if !ok || price <= 0 {
		return Fill{}, fmt.Errorf("%w: no market for %s", ErrVenueRejected, o.Symbol)
	}
	if o.Quantity <= 0 || (p.filters.MinQty > 0 && o.Quantity < p.filters.MinQty) {
		return Fill{}, fmt.Errorf("%w: quantity %.8f below minimum", ErrVenueRejected, o.Quantity)
	}

	notional := o.Quantity * price
	if o.Side == types.SideLong {
		if notional > p.balance {
			return Fill{}, fmt.Errorf("%w: insufficient balance", ErrVenueRejected)
		}
		p.balance -= notional
	} else {
		p.balance += notional
	}

	p.nextID++
	fill := Fill{
		OrderID:  "paper-" + strconv.FormatInt(p.nextID, 10),
		Price:    price,
		Quantity: o.Quantity,
		At:       time.Now().UTC(),
	}
	p.fills[o.ClientOrderID] = fill

	logger.TradeEvent(ctx, "paper_fill", o.Symbol, string(o.Side), o.Quantity, price,
		"client_order_id", o.ClientOrderID)
	return fill, nil
}

func (p *Paper) MarkPrice(ctx context.Context, symbol string) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	price, ok := p.prices[symbol]
	if !ok {
		return 0, fmt.Errorf("no market for %s", symbol)
	}
	return price, nil
}

func (p *Paper) Balance(ctx context.Context) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balance, nil
}

func (p *Paper) SymbolFilters(ctx context.Context, symbol string) (Filters, error) {
	return p.filters, nil
}
