package types

import "time"

// Post is an ingested social-media post. The identifying fields are immutable;
// Sentiment, SignalScore and Processed form the processing annotation written
// exactly once by the scoring worker.
type Post struct {
	ID          string    `json:"id"`
	Author      string    `json:"author"`
	Text        string    `json:"text"`
	CreatedAt   time.Time `json:"created_at"`
	Sentiment   float64   `json:"sentiment"`    // [-1, 1]
	SignalScore int       `json:"signal_score"` // [0, 100]
	Scored      bool      `json:"scored"`       // annotation written
	Processed   bool      `json:"processed"`    // signal consumed by an admission decision
}

// Signal is a post's derived trade-relevance score. PostID doubles as the
// idempotency key for the whole admission/execution chain.
type Signal struct {
	PostID string    `json:"post_id"`
	Score  int       `json:"score"`
	At     time.Time `json:"at"`
}

type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Sign returns +1 for long exposure and -1 for short.
func (s Side) Sign() float64 {
	if s == SideShort {
		return -1
	}
	return 1
}

// Opposite returns the side that closes a position opened on s.
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

type TradeStatus string

const (
	TradePending   TradeStatus = "PENDING"
	TradeOpen      TradeStatus = "OPEN"
	TradeClosed    TradeStatus = "CLOSED"
	TradeCancelled TradeStatus = "CANCELLED"
	TradeFailed    TradeStatus = "FAILED"
)

// Terminal reports whether no further status transition is allowed.
func (s TradeStatus) Terminal() bool {
	return s == TradeClosed || s == TradeCancelled || s == TradeFailed
}

// Trade is the ledger-owned record of one order lifecycle.
type Trade struct {
	ID         int64       `json:"id"`
	SignalID   string      `json:"signal_id"`
	Symbol     string      `json:"symbol"`
	Side       Side        `json:"side"`
	Leverage   int         `json:"leverage"`
	Quantity   float64     `json:"quantity"`
	EntryPrice float64     `json:"entry_price"`
	StopLoss   float64     `json:"stop_loss"`
	TakeProfit float64     `json:"take_profit"`
	Status     TradeStatus `json:"status"`
	PnL        float64     `json:"pnl"`
	FailReason string      `json:"fail_reason,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	ClosedAt   *time.Time  `json:"closed_at,omitempty"`
}

// Position is the net aggregated exposure in one symbol across its open trades.
// Size is signed: positive long, negative short.
type Position struct {
	Symbol        string    `json:"symbol"`
	Size          float64   `json:"size"`
	AvgEntry      float64   `json:"avg_entry"`
	Leverage      int       `json:"leverage"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
	UpdatedAt     time.Time `json:"updated_at"`
}
