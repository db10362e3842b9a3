package sizing

import (
	"errors"
	"fmt"
	"math"

	"github.com/bbelbuken/elontweetbot/internal/types"
)

// ErrInsufficientBalance is returned when the computed quantity rounds to zero
// or falls below the venue minimum.
var ErrInsufficientBalance = errors.New("insufficient balance for minimum order size")

// Params are the risk inputs for sizing one order. StepSize and MinQty come
// from the venue's symbol filters and are never hard-coded.
type Params struct {
	PositionSizePercent float64
	StopLossPercent     float64
	TakeProfitPercent   float64
	StepSize            float64
	MinQty              float64
}

// Sizing is the order quantity plus its protective levels.
type Sizing struct {
	Quantity   float64
	StopLoss   float64
	TakeProfit float64
}

// Size computes order quantity and protective levels from account balance and
// current price. Pure function: no I/O, deterministic.
//
// quantity = balance * position_size_percent / price, floored to the venue
// step size. For longs the stop sits below entry and the target above; shorts
// mirror both.
func Size(balance, price float64, side types.Side, p Params) (Sizing, error) {
	if price <= 0 {
		return Sizing{}, fmt.Errorf("invalid price %.8f", price)
	}
	if balance <= 0 {
		return Sizing{}, ErrInsufficientBalance
	}

	quantity := balance * p.PositionSizePercent / price
	if p.StepSize > 0 {
		quantity = math.Floor(quantity/p.StepSize) * p.StepSize
	}
	if quantity <= 0 || quantity < p.MinQty {
		return Sizing{}, ErrInsufficientBalance
	}

	var stop, target float64
	if side == types.SideShort {
		stop = price * (1 + p.StopLossPercent)
		target = price * (1 - p.TakeProfitPercent)
	} else {
		stop = price * (1 - p.StopLossPercent)
		target = price * (1 + p.TakeProfitPercent)
	}

	return Sizing{Quantity: quantity, StopLoss: stop, TakeProfit: target}, nil
}
