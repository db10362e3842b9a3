package exchange

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/bbelbuken/elontweetbot/internal/api"
	"github.com/bbelbuken/elontweetbot/internal/types"
)

// ErrVenueRejected marks a permanent venue-side rejection (bad parameters,
// insufficient margin, invalid symbol). Retrying the same order cannot help.
var ErrVenueRejected = errors.New("order rejected by venue")

// Order is a market order request. ClientOrderID is the caller's idempotency
// key: the venue must treat a repeated id as the same order.
type Order struct {
	ClientOrderID string
	Symbol        string
	Side          types.Side
	Quantity      float64
	ReduceOnly    bool
}

// Fill is the venue's acknowledgment of an executed order.
type Fill struct {
	OrderID   string
	Price     float64
	Quantity  float64
	Duplicate bool // the client order id had already been executed
	At        time.Time
}

// Filters are the venue's order-size constraints for a symbol.
type Filters struct {
	StepSize float64
	MinQty   float64
}

// Exchange is the venue a trade executes against.
type Exchange interface {
	PlaceOrder(ctx context.Context, o Order) (Fill, error)
	MarkPrice(ctx context.Context, symbol string) (float64, error)
	Balance(ctx context.Context) (float64, error)
	SymbolFilters(ctx context.Context, symbol string) (Filters, error)
}

// IsTransient reports whether an order attempt may be retried: network
// failures, timeouts, venue 5xx and rate-limit responses. Everything the
// venue definitively rejected is permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrVenueRejected) {
		return false
	}

	var httpErr *api.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode >= 500 || httpErr.StatusCode == 429
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// Request that never reached the venue (connection refused, DNS).
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	return false
}
