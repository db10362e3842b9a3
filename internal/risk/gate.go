package risk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bbelbuken/elontweetbot/internal/alert"
	"github.com/bbelbuken/elontweetbot/internal/logger"
	"github.com/bbelbuken/elontweetbot/internal/tradelog"
	"github.com/bbelbuken/elontweetbot/internal/types"
)

// Reason names why the gate rejected a signal. Checks run in a fixed order,
// so the reason reported is always the first one that failed.
type Reason string

const (
	ReasonAlreadyProcessed       Reason = "ALREADY_PROCESSED"
	ReasonBelowThreshold         Reason = "BELOW_THRESHOLD"
	ReasonZeroBalance            Reason = "ZERO_BALANCE"
	ReasonDrawdownHalted         Reason = "DRAWDOWN_HALTED"
	ReasonTooManyOpenPositions   Reason = "TOO_MANY_OPEN_POSITIONS"
	ReasonManualApprovalRequired Reason = "MANUAL_APPROVAL_REQUIRED"
)

// Decision is the outcome of one admission attempt. Token is populated only
// on ManualApprovalRequired rejections.
type Decision struct {
	Approved bool   `json:"approved"`
	Reason   Reason `json:"reason,omitempty"`
	Token    string `json:"token,omitempty"`
}

var (
	// ErrUnknownToken is returned when an approval token does not exist or
	// has already been spent.
	ErrUnknownToken = errors.New("unknown approval token")
	// ErrTokenMismatch is returned when a token was granted for a different
	// signal than the one being admitted.
	ErrTokenMismatch = errors.New("approval token does not match signal")
)

// Store is the slice of the ledger the gate consults and mutates.
type Store interface {
	GetPost(ctx context.Context, id string) (*types.Post, error)
	ConsumePost(ctx context.Context, id string) (bool, error)
	OpenPositionCount(ctx context.Context) (int, error)
	DailyRealizedPnL(ctx context.Context, dayStart time.Time) (float64, error)
}

// BalanceSource supplies the account balance captured at each day boundary.
type BalanceSource interface {
	Balance(ctx context.Context) (float64, error)
}

// Approval is a pending manual-override request awaiting operator action.
type Approval struct {
	Token     string    `json:"token"`
	SignalID  string    `json:"signal_id"`
	Score     int       `json:"score"`
	Granted   bool      `json:"granted"`
	CreatedAt time.Time `json:"created_at"`
}

// Config are the gate's risk limits.
type Config struct {
	SignalThreshold  int
	MaxDailyDrawdown float64
	MaxOpenPositions int
	ManualOverride   bool
	DayStartOffset   time.Duration
}

// Gate decides whether a scored signal may become an order. It owns the
// Active/Halted state machine: once the day's realized loss breaches the
// drawdown limit the gate latches halted until the next trading-day boundary.
// All admission state changes happen under one mutex, so the sequence of
// checks plus the resulting consumption is atomic with respect to other
// admissions.
type Gate struct {
	store    Store
	balances BalanceSource
	alerts   *alert.Bus

	mu              sync.Mutex
	cfg             Config
	day             time.Time
	halted          bool
	dayStartBalance float64
	approvals       map[string]*Approval // token -> approval
	bySignal        map[string]string    // signal id -> token

	now func() time.Time
}

func NewGate(store Store, balances BalanceSource, alerts *alert.Bus, cfg Config) *Gate {
	return &Gate{
		store:     store,
		balances:  balances,
		alerts:    alerts,
		cfg:       cfg,
		approvals: make(map[string]*Approval),
		bySignal:  make(map[string]string),
		now:       time.Now,
	}
}

// dayWindowStart returns the start of the trading day containing now.
func (g *Gate) dayWindowStart(now time.Time) time.Time {
	now = now.UTC()
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).Add(g.cfg.DayStartOffset)
	if now.Before(start) {
		start = start.AddDate(0, 0, -1)
	}
	return start
}

// rollDayLocked resets halt state and recaptures the baseline balance when
// the trading-day boundary has passed. Caller holds g.mu.
func (g *Gate) rollDayLocked(ctx context.Context) {
	day := g.dayWindowStart(g.now())
	if day.Equal(g.day) {
		return
	}
	g.day = day
	g.halted = false
	// Unspent approval tokens do not survive the day boundary.
	g.approvals = make(map[string]*Approval)
	g.bySignal = make(map[string]string)

	bal, err := g.balances.Balance(ctx)
	if err != nil {
		// Admissions fail closed until a later capture succeeds.
		logger.Warn(ctx, "Day-start balance unavailable", "error", err)
		g.dayStartBalance = 0
		return
	}
	g.dayStartBalance = bal
	logger.Info(ctx, "Trading day rolled", "day_start", day.Format(time.RFC3339), "baseline_balance", bal)
}

// RollDay forces a day-boundary check, called by the scheduler so the halt
// latch clears even when no signals arrive.
func (g *Gate) RollDay(ctx context.Context) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollDayLocked(ctx)
}

// Admit runs the ordered admission checks for one signal. Approving or
// rejecting on threshold or position-count grounds consumes the signal;
// duplicate delivery, a missing baseline balance, a halted gate and pending
// manual approval leave it untouched so it can be re-admitted later.
func (g *Gate) Admit(ctx context.Context, sig types.Signal, approvalToken string) (Decision, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.rollDayLocked(ctx)

	post, err := g.store.GetPost(ctx, sig.PostID)
	if err != nil {
		return Decision{}, fmt.Errorf("load post %s: %w", sig.PostID, err)
	}
	if post.Processed {
		return g.reject(ctx, sig, ReasonAlreadyProcessed, false)
	}

	if sig.Score < g.cfg.SignalThreshold {
		return g.reject(ctx, sig, ReasonBelowThreshold, true)
	}

	if g.dayStartBalance <= 0 && !g.captureBaselineLocked(ctx) {
		return g.reject(ctx, sig, ReasonZeroBalance, false)
	}

	if err := g.refreshHaltLocked(ctx); err != nil {
		return Decision{}, err
	}
	if g.halted {
		return g.reject(ctx, sig, ReasonDrawdownHalted, false)
	}

	count, err := g.store.OpenPositionCount(ctx)
	if err != nil {
		return Decision{}, fmt.Errorf("count open positions: %w", err)
	}
	if count >= g.cfg.MaxOpenPositions {
		return g.reject(ctx, sig, ReasonTooManyOpenPositions, true)
	}

	if g.cfg.ManualOverride {
		ok, err := g.spendTokenLocked(sig.PostID, approvalToken)
		if err != nil {
			return Decision{}, err
		}
		if !ok {
			token := g.registerApprovalLocked(sig)
			d, err := g.reject(ctx, sig, ReasonManualApprovalRequired, false)
			d.Token = token
			return d, err
		}
	}

	if _, err := g.store.ConsumePost(ctx, sig.PostID); err != nil {
		return Decision{}, fmt.Errorf("consume signal %s: %w", sig.PostID, err)
	}
	logger.Admission(ctx, sig.PostID, true, "", "score", sig.Score)
	g.audit(ctx, sig, true, "")
	return Decision{Approved: true}, nil
}

func (g *Gate) audit(ctx context.Context, sig types.Signal, approved bool, reason Reason) {
	err := tradelog.AppendAdmission(tradelog.AdmissionEntry{
		SignalID: sig.PostID,
		Approved: approved,
		Reason:   string(reason),
		Score:    sig.Score,
	})
	if err != nil {
		logger.Warn(ctx, "Admission audit write failed", "error", err)
	}
}

// captureBaselineLocked retries the day-start balance capture after a failed
// rollover. Admissions fail closed until a positive baseline exists.
func (g *Gate) captureBaselineLocked(ctx context.Context) bool {
	bal, err := g.balances.Balance(ctx)
	if err != nil {
		logger.Warn(ctx, "Baseline balance still unavailable", "error", err)
		return false
	}
	if bal <= 0 {
		logger.Warn(ctx, "Account balance is zero, rejecting admissions")
		return false
	}
	g.dayStartBalance = bal
	logger.Info(ctx, "Baseline balance captured", "baseline_balance", bal)
	return true
}

// refreshHaltLocked recomputes the drawdown latch from realized pnl. The
// latch only sets here; it clears exclusively at the day boundary.
func (g *Gate) refreshHaltLocked(ctx context.Context) error {
	if g.halted || g.dayStartBalance <= 0 {
		return nil
	}
	pnl, err := g.store.DailyRealizedPnL(ctx, g.day)
	if err != nil {
		return fmt.Errorf("daily realized pnl: %w", err)
	}
	limit := -g.cfg.MaxDailyDrawdown * g.dayStartBalance
	if pnl <= limit {
		g.halted = true
		logger.Warn(ctx, "Daily drawdown limit breached, trading halted",
			"realized_pnl", pnl, "limit", limit, "baseline_balance", g.dayStartBalance)
		g.alerts.Publish(ctx, alert.Event{
			Type:    alert.EventDrawdownHalted,
			Message: "daily drawdown limit breached, trading halted until day boundary",
			Fields:  map[string]any{"realized_pnl": pnl, "limit": limit},
		})
	}
	return nil
}

func (g *Gate) reject(ctx context.Context, sig types.Signal, reason Reason, consume bool) (Decision, error) {
	if consume {
		if _, err := g.store.ConsumePost(ctx, sig.PostID); err != nil {
			return Decision{}, fmt.Errorf("consume signal %s: %w", sig.PostID, err)
		}
	}
	logger.Admission(ctx, sig.PostID, false, string(reason), "score", sig.Score)
	g.audit(ctx, sig, false, reason)
	return Decision{Approved: false, Reason: reason}, nil
}

// spendTokenLocked consumes a granted approval token. Returns false with no
// error when the token is empty and no granted approval exists for the signal.
func (g *Gate) spendTokenLocked(signalID, token string) (bool, error) {
	if token == "" {
		return false, nil
	}
	a, ok := g.approvals[token]
	if !ok {
		return false, ErrUnknownToken
	}
	if a.SignalID != signalID {
		return false, ErrTokenMismatch
	}
	if !a.Granted {
		return false, nil
	}
	// Single use.
	delete(g.approvals, token)
	delete(g.bySignal, signalID)
	return true, nil
}

// registerApprovalLocked issues (or re-reports) the pending approval for a
// signal. Repeated admissions of the same signal keep one token.
func (g *Gate) registerApprovalLocked(sig types.Signal) string {
	if token, ok := g.bySignal[sig.PostID]; ok {
		return token
	}
	token := uuid.NewString()
	g.approvals[token] = &Approval{
		Token:     token,
		SignalID:  sig.PostID,
		Score:     sig.Score,
		CreatedAt: g.now().UTC(),
	}
	g.bySignal[sig.PostID] = token
	return token
}

// Approve marks a pending approval token as granted and returns the signal id
// it authorizes, so the caller can re-enqueue the admission.
func (g *Gate) Approve(token string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	a, ok := g.approvals[token]
	if !ok {
		return "", ErrUnknownToken
	}
	a.Granted = true
	return a.SignalID, nil
}

// PendingApprovals lists approvals awaiting operator action.
func (g *Gate) PendingApprovals() []Approval {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]Approval, 0, len(g.approvals))
	for _, a := range g.approvals {
		out = append(out, *a)
	}
	return out
}

// SetManualOverride toggles the manual-approval requirement. Takes effect on
// the next admission.
func (g *Gate) SetManualOverride(on bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cfg.ManualOverride = on
}

// State is a dashboard snapshot of the gate.
type State struct {
	Halted          bool      `json:"halted"`
	ManualOverride  bool      `json:"manual_override"`
	DayStart        time.Time `json:"day_start"`
	DayStartBalance float64   `json:"day_start_balance"`
	PendingCount    int       `json:"pending_approvals"`
}

func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return State{
		Halted:          g.halted,
		ManualOverride:  g.cfg.ManualOverride,
		DayStart:        g.day,
		DayStartBalance: g.dayStartBalance,
		PendingCount:    len(g.approvals),
	}
}
