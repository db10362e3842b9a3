package ledger

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/bbelbuken/elontweetbot/internal/types"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := OpenInMemory()
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func testPost(id string) types.Post {
	return types.Post{
		ID:        id,
		Author:    "elonmusk",
		Text:      "bitcoin to the moon",
		CreatedAt: time.Now().UTC().Add(-time.Hour),
	}
}

func pendingTrade(signalID string) types.Trade {
	return types.Trade{
		SignalID:   signalID,
		Symbol:     "BTCUSDT",
		Side:       types.SideLong,
		Leverage:   1,
		Quantity:   0.2,
		StopLoss:   49000,
		TakeProfit: 52000,
	}
}

func TestIngestPostIdempotent(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	if err := l.IngestPost(ctx, testPost("p1")); err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	if err := l.IngestPost(ctx, testPost("p1")); err != nil {
		t.Fatalf("duplicate ingest: %v", err)
	}

	posts, err := l.UnscoredPosts(ctx, 10)
	if err != nil {
		t.Fatalf("UnscoredPosts: %v", err)
	}
	if len(posts) != 1 {
		t.Errorf("stored posts = %d, want 1", len(posts))
	}
}

func TestAnnotatePostExactlyOnce(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	l.IngestPost(ctx, testPost("p1"))

	ok, err := l.AnnotatePost(ctx, "p1", 0.8, 85)
	if err != nil || !ok {
		t.Fatalf("first annotate: ok=%v err=%v", ok, err)
	}
	ok, err = l.AnnotatePost(ctx, "p1", -0.5, 10)
	if err != nil {
		t.Fatalf("second annotate: %v", err)
	}
	if ok {
		t.Error("second annotate succeeded, annotation must be write-once")
	}

	p, err := l.GetPost(ctx, "p1")
	if err != nil {
		t.Fatalf("GetPost: %v", err)
	}
	if p.SignalScore != 85 || p.Sentiment != 0.8 || !p.Scored {
		t.Errorf("post = %+v, first annotation must win", p)
	}
}

func TestConsumePostAtMostOnce(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	l.IngestPost(ctx, testPost("p1"))
	l.AnnotatePost(ctx, "p1", 0.8, 85)

	ok, err := l.ConsumePost(ctx, "p1")
	if err != nil || !ok {
		t.Fatalf("first consume: ok=%v err=%v", ok, err)
	}
	ok, err = l.ConsumePost(ctx, "p1")
	if err != nil {
		t.Fatalf("second consume: %v", err)
	}
	if ok {
		t.Error("second consume succeeded, consumption must be at-most-once")
	}

	pending, err := l.PendingSignals(ctx, 10)
	if err != nil {
		t.Fatalf("PendingSignals: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("pending = %d, want 0 after consumption", len(pending))
	}
}

func TestPendingSignalsOnlyAnnotatedUnconsumed(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	l.IngestPost(ctx, testPost("unscored"))
	l.IngestPost(ctx, testPost("scored"))
	l.IngestPost(ctx, testPost("consumed"))
	l.AnnotatePost(ctx, "scored", 0.5, 75)
	l.AnnotatePost(ctx, "consumed", 0.5, 75)
	l.ConsumePost(ctx, "consumed")

	pending, err := l.PendingSignals(ctx, 10)
	if err != nil {
		t.Fatalf("PendingSignals: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "scored" {
		t.Errorf("pending = %+v, want only 'scored'", pending)
	}
}

func TestCreatePendingTradeDeduplicatesBySignal(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	first, created, err := l.CreatePendingTrade(ctx, pendingTrade("sig1"))
	if err != nil || !created {
		t.Fatalf("first create: created=%v err=%v", created, err)
	}
	second, created, err := l.CreatePendingTrade(ctx, pendingTrade("sig1"))
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if created {
		t.Error("second create reported created=true")
	}
	if second.ID != first.ID {
		t.Errorf("duplicate create returned trade %d, want %d", second.ID, first.ID)
	}
}

func TestCreatePendingTradeValidation(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	bad := pendingTrade("sig1")
	bad.Quantity = 0
	if _, _, err := l.CreatePendingTrade(ctx, bad); err == nil {
		t.Error("expected error for zero quantity")
	}

	inverted := pendingTrade("sig2")
	inverted.StopLoss, inverted.TakeProfit = inverted.TakeProfit, inverted.StopLoss
	if _, _, err := l.CreatePendingTrade(ctx, inverted); err == nil {
		t.Error("expected error for inverted long bracket")
	}
}

func TestTradeLifecycleTransitions(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	trade, _, err := l.CreatePendingTrade(ctx, pendingTrade("sig1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := l.MarkTradeOpen(ctx, trade, 50000); err != nil {
		t.Fatalf("open: %v", err)
	}
	if trade.Status != types.TradeOpen || trade.EntryPrice != 50000 {
		t.Errorf("trade after open = %+v", trade)
	}

	if err := l.CloseTrade(ctx, trade, 380.5); err != nil {
		t.Fatalf("close: %v", err)
	}
	if trade.Status != types.TradeClosed || trade.PnL != 380.5 || trade.ClosedAt == nil {
		t.Errorf("trade after close = %+v", trade)
	}
}

func TestStaleTransitionRejected(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	trade, _, _ := l.CreatePendingTrade(ctx, pendingTrade("sig1"))
	if err := l.MarkTradeOpen(ctx, trade, 50000); err != nil {
		t.Fatalf("open: %v", err)
	}

	// Replay of the Pending->Open transition must lose the CAS.
	stale := *trade
	stale.Status = types.TradePending
	if err := l.MarkTradeOpen(ctx, &stale, 51000); !errors.Is(err, ErrStaleTransition) {
		t.Errorf("replayed open error = %v, want ErrStaleTransition", err)
	}

	if err := l.CloseTrade(ctx, trade, 100); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := l.CloseTrade(ctx, trade, 200); !errors.Is(err, ErrStaleTransition) {
		t.Errorf("double close error = %v, want ErrStaleTransition", err)
	}

	final, err := l.GetTrade(ctx, trade.ID)
	if err != nil {
		t.Fatalf("GetTrade: %v", err)
	}
	if final.PnL != 100 {
		t.Errorf("pnl = %.2f, first close must win", final.PnL)
	}
}

func TestMarkTradeFailedTerminal(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	trade, _, _ := l.CreatePendingTrade(ctx, pendingTrade("sig1"))
	if err := l.MarkTradeFailed(ctx, trade, "venue rejected"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if trade.Status != types.TradeFailed {
		t.Errorf("status = %s, want FAILED", trade.Status)
	}
	if err := l.MarkTradeOpen(ctx, trade, 50000); !errors.Is(err, ErrStaleTransition) {
		t.Errorf("open after failed = %v, want ErrStaleTransition", err)
	}
}

func TestDailyRealizedPnL(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	for i, pnl := range []float64{150, -400} {
		trade, _, _ := l.CreatePendingTrade(ctx, pendingTrade("sig"+string(rune('a'+i))))
		l.MarkTradeOpen(ctx, trade, 50000)
		l.CloseTrade(ctx, trade, pnl)
	}
	// Still-open trade must not count.
	open, _, _ := l.CreatePendingTrade(ctx, pendingTrade("sig-open"))
	l.MarkTradeOpen(ctx, open, 50000)

	dayStart := time.Now().UTC().Add(-time.Hour)
	pnl, err := l.DailyRealizedPnL(ctx, dayStart)
	if err != nil {
		t.Fatalf("DailyRealizedPnL: %v", err)
	}
	if math.Abs(pnl-(-250)) > 1e-9 {
		t.Errorf("pnl = %.2f, want -250", pnl)
	}

	count, err := l.OpenPositionCount(ctx)
	if err != nil {
		t.Fatalf("OpenPositionCount: %v", err)
	}
	if count != 1 {
		t.Errorf("open count = %d, want 1", count)
	}
}

func TestApplyFillAggregation(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	// Build up long exposure at two prices.
	if err := l.ApplyFill(ctx, "BTCUSDT", types.SideLong, 1.0, 50000, 1); err != nil {
		t.Fatalf("first fill: %v", err)
	}
	if err := l.ApplyFill(ctx, "BTCUSDT", types.SideLong, 1.0, 52000, 1); err != nil {
		t.Fatalf("second fill: %v", err)
	}

	positions, err := l.Positions(ctx)
	if err != nil {
		t.Fatalf("Positions: %v", err)
	}
	if len(positions) != 1 {
		t.Fatalf("positions = %d, want 1", len(positions))
	}
	p := positions[0]
	if math.Abs(p.Size-2.0) > 1e-9 || math.Abs(p.AvgEntry-51000) > 1e-6 {
		t.Errorf("position = size %.4f avg %.2f, want size 2 avg 51000", p.Size, p.AvgEntry)
	}

	// Partial reduce keeps the average.
	l.ApplyFill(ctx, "BTCUSDT", types.SideShort, 1.0, 53000, 1)
	positions, _ = l.Positions(ctx)
	if math.Abs(positions[0].Size-1.0) > 1e-9 || math.Abs(positions[0].AvgEntry-51000) > 1e-6 {
		t.Errorf("after reduce: size %.4f avg %.2f, want size 1 avg 51000", positions[0].Size, positions[0].AvgEntry)
	}

	// Closing to flat removes the row.
	l.ApplyFill(ctx, "BTCUSDT", types.SideShort, 1.0, 53000, 1)
	positions, _ = l.Positions(ctx)
	if len(positions) != 0 {
		t.Errorf("positions after flat = %d, want 0", len(positions))
	}
}

func TestApplyFillFlipThroughZero(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	l.ApplyFill(ctx, "BTCUSDT", types.SideLong, 1.0, 50000, 1)
	// Sell 3: flips 1 long into 2 short at the fill price.
	l.ApplyFill(ctx, "BTCUSDT", types.SideShort, 3.0, 52000, 1)

	positions, _ := l.Positions(ctx)
	if len(positions) != 1 {
		t.Fatalf("positions = %d, want 1", len(positions))
	}
	p := positions[0]
	if math.Abs(p.Size-(-2.0)) > 1e-9 || math.Abs(p.AvgEntry-52000) > 1e-6 {
		t.Errorf("flipped position = size %.4f avg %.2f, want size -2 avg 52000", p.Size, p.AvgEntry)
	}
}

func TestUpdateUnrealized(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	l.ApplyFill(ctx, "BTCUSDT", types.SideLong, 2.0, 50000, 1)
	if err := l.UpdateUnrealized(ctx, "BTCUSDT", 51000); err != nil {
		t.Fatalf("UpdateUnrealized: %v", err)
	}

	positions, _ := l.Positions(ctx)
	if math.Abs(positions[0].UnrealizedPnL-2000) > 1e-6 {
		t.Errorf("unrealized = %.2f, want 2000", positions[0].UnrealizedPnL)
	}
}

func TestRecentPostsMinScore(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	l.IngestPost(ctx, testPost("high"))
	l.IngestPost(ctx, testPost("low"))
	l.IngestPost(ctx, testPost("unscored"))
	l.AnnotatePost(ctx, "high", 0.9, 90)
	l.AnnotatePost(ctx, "low", 0.1, 20)

	since := time.Now().UTC().Add(-2 * time.Hour)
	posts, err := l.RecentPosts(ctx, since, 50, 10)
	if err != nil {
		t.Fatalf("RecentPosts: %v", err)
	}
	if len(posts) != 1 || posts[0].ID != "high" {
		t.Errorf("posts = %+v, want only 'high'", posts)
	}

	all, _ := l.RecentPosts(ctx, since, 0, 10)
	if len(all) != 3 {
		t.Errorf("unfiltered posts = %d, want 3", len(all))
	}
}
