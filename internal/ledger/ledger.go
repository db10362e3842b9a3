package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/bbelbuken/elontweetbot/internal/logger"
	"github.com/bbelbuken/elontweetbot/internal/types"
)

var (
	// ErrStaleTransition is returned when a status write loses the
	// compare-and-set race or targets a terminal status.
	ErrStaleTransition = errors.New("stale trade status transition")
	// ErrTradeNotFound is returned for lookups of unknown trades.
	ErrTradeNotFound = errors.New("trade not found")
	// ErrPostNotFound is returned for lookups of unknown posts.
	ErrPostNotFound = errors.New("post not found")
)

// Ledger is the durable record of posts, trades and positions, and the single
// source of truth for realized P&L. All mutations on a given trade or position
// run under a per-entity lock so concurrent monitoring and admission paths
// cannot interleave partial writes.
type Ledger struct {
	db    *sql.DB
	locks sync.Map // entity key -> *sync.Mutex
}

// Open opens (or creates) the sqlite database and runs migrations.
func Open(dbPath string) (*Ledger, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Each pooled connection to :memory: would get its own database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// WAL mode so dashboard reads do not block pipeline writes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	l := &Ledger{db: db}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return l, nil
}

// OpenInMemory opens a throwaway in-memory ledger, used by tests.
func OpenInMemory() (*Ledger, error) {
	return Open(":memory:")
}

// Close closes the underlying database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

func (l *Ledger) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS posts (
			id           TEXT PRIMARY KEY,
			author       TEXT NOT NULL,
			body         TEXT NOT NULL,
			created_at   INTEGER NOT NULL,
			sentiment    REAL,
			signal_score INTEGER,
			processed    INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_posts_created ON posts(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_posts_processed ON posts(processed)`,

		`CREATE TABLE IF NOT EXISTS trades (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			signal_id   TEXT NOT NULL UNIQUE,
			symbol      TEXT NOT NULL,
			side        TEXT NOT NULL,
			leverage    INTEGER NOT NULL DEFAULT 1,
			quantity    REAL NOT NULL,
			entry_price REAL NOT NULL DEFAULT 0,
			stop_loss   REAL NOT NULL DEFAULT 0,
			take_profit REAL NOT NULL DEFAULT 0,
			status      TEXT NOT NULL,
			pnl         REAL NOT NULL DEFAULT 0,
			fail_reason TEXT NOT NULL DEFAULT '',
			created_at  INTEGER NOT NULL,
			closed_at   INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_status ON trades(status)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_closed ON trades(closed_at)`,

		`CREATE TABLE IF NOT EXISTS trade_events (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			trade_id    INTEGER NOT NULL,
			from_status TEXT NOT NULL,
			to_status   TEXT NOT NULL,
			detail      TEXT NOT NULL DEFAULT '',
			at          INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_trade ON trade_events(trade_id)`,

		`CREATE TABLE IF NOT EXISTS positions (
			symbol         TEXT PRIMARY KEY,
			size           REAL NOT NULL,
			avg_entry      REAL NOT NULL,
			leverage       INTEGER NOT NULL DEFAULT 1,
			unrealized_pnl REAL NOT NULL DEFAULT 0,
			updated_at     INTEGER NOT NULL
		)`,
	}
	for _, s := range stmts {
		if _, err := l.db.Exec(s); err != nil {
			return fmt.Errorf("exec %q: %w", s[:40], err)
		}
	}
	return nil
}

func (l *Ledger) lock(key string) func() {
	v, _ := l.locks.LoadOrStore(key, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func tradeKey(signalID string) string { return "trade:" + signalID }
func posKey(symbol string) string     { return "pos:" + symbol }

// --- posts ---

// IngestPost stores a post exactly once keyed by its external id. Duplicate
// ids are silently ignored.
func (l *Ledger) IngestPost(ctx context.Context, p types.Post) error {
	res, err := l.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO posts (id, author, body, created_at) VALUES (?,?,?,?)`,
		p.ID, p.Author, p.Text, p.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("ingest post: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		logger.Debug(ctx, "Post ingested", "post_id", p.ID, "author", p.Author)
	}
	return nil
}

// GetPost returns a post by id.
func (l *Ledger) GetPost(ctx context.Context, id string) (*types.Post, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT id, author, body, created_at, sentiment, signal_score, processed FROM posts WHERE id = ?`, id)
	return scanPost(row)
}

// UnscoredPosts returns up to limit posts awaiting annotation, oldest first.
func (l *Ledger) UnscoredPosts(ctx context.Context, limit int) ([]types.Post, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, author, body, created_at, sentiment, signal_score, processed
		 FROM posts WHERE signal_score IS NULL ORDER BY created_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPosts(rows)
}

// AnnotatePost writes the scoring annotation exactly once. Returns false when
// the post was already annotated (idempotent replay of a score job).
func (l *Ledger) AnnotatePost(ctx context.Context, id string, sentiment float64, score int) (bool, error) {
	res, err := l.db.ExecContext(ctx,
		`UPDATE posts SET sentiment = ?, signal_score = ? WHERE id = ? AND signal_score IS NULL`,
		sentiment, score, id)
	if err != nil {
		return false, fmt.Errorf("annotate post: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ConsumePost flips the processed flag, marking the post's signal as consumed
// by an admission decision. Returns false when the flag was already set, which
// makes re-delivered signals a no-op.
func (l *Ledger) ConsumePost(ctx context.Context, id string) (bool, error) {
	res, err := l.db.ExecContext(ctx,
		`UPDATE posts SET processed = 1 WHERE id = ? AND processed = 0`, id)
	if err != nil {
		return false, fmt.Errorf("consume post: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// PendingSignals returns annotated posts whose signal has not yet been
// consumed by an admission decision, oldest first.
func (l *Ledger) PendingSignals(ctx context.Context, limit int) ([]types.Post, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, author, body, created_at, sentiment, signal_score, processed
		 FROM posts WHERE signal_score IS NOT NULL AND processed = 0
		 ORDER BY created_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPosts(rows)
}

// RecentPosts returns posts newer than the window, newest first, optionally
// filtered by a minimum signal score.
func (l *Ledger) RecentPosts(ctx context.Context, since time.Time, minScore, limit int) ([]types.Post, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, author, body, created_at, sentiment, signal_score, processed
		 FROM posts WHERE created_at >= ? AND COALESCE(signal_score, 0) >= ?
		 ORDER BY created_at DESC LIMIT ?`, since.Unix(), minScore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPosts(rows)
}

// --- trades ---

// CreatePendingTrade creates a Pending trade keyed by its signal id. If a
// trade for the signal already exists it is returned with created=false; this
// is the primary defense against duplicate order placement on retry.
func (l *Ledger) CreatePendingTrade(ctx context.Context, t types.Trade) (*types.Trade, bool, error) {
	unlock := l.lock(tradeKey(t.SignalID))
	defer unlock()

	if t.Quantity <= 0 {
		return nil, false, fmt.Errorf("trade quantity must be positive, got %.8f", t.Quantity)
	}
	if err := validateBracket(t.Side, t.StopLoss, t.TakeProfit); err != nil {
		return nil, false, err
	}

	existing, err := l.tradeBySignal(ctx, t.SignalID)
	if err != nil && !errors.Is(err, ErrTradeNotFound) {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	now := time.Now().UTC()
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO trades (signal_id, symbol, side, leverage, quantity, entry_price, stop_loss, take_profit, status, created_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?)`,
		t.SignalID, t.Symbol, string(t.Side), t.Leverage, t.Quantity,
		t.EntryPrice, t.StopLoss, t.TakeProfit, string(types.TradePending), now.Unix())
	if err != nil {
		return nil, false, fmt.Errorf("create trade: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, false, err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO trade_events (trade_id, from_status, to_status, detail, at) VALUES (?,?,?,?,?)`,
		id, "", string(types.TradePending), "created", now.Unix()); err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}

	t.ID = id
	t.Status = types.TradePending
	t.CreatedAt = now
	logger.Debug(ctx, "Pending trade created", "trade_id", id, "signal_id", t.SignalID, "symbol", t.Symbol)
	return &t, true, nil
}

// validateBracket checks that stop and target bracket the entry consistently
// with direction. Entry is not yet known at creation time, so only the
// ordering of stop vs target is enforced here.
func validateBracket(side types.Side, stop, target float64) error {
	if stop <= 0 || target <= 0 {
		return fmt.Errorf("protective levels must be positive (stop=%.8f target=%.8f)", stop, target)
	}
	if side == types.SideLong && stop >= target {
		return fmt.Errorf("long bracket inverted: stop %.8f >= target %.8f", stop, target)
	}
	if side == types.SideShort && stop <= target {
		return fmt.Errorf("short bracket inverted: stop %.8f <= target %.8f", stop, target)
	}
	return nil
}

// TradeBySignal returns the trade created for a signal id, if any.
func (l *Ledger) TradeBySignal(ctx context.Context, signalID string) (*types.Trade, error) {
	return l.tradeBySignal(ctx, signalID)
}

func (l *Ledger) tradeBySignal(ctx context.Context, signalID string) (*types.Trade, error) {
	row := l.db.QueryRowContext(ctx, selectTrade+` WHERE signal_id = ?`, signalID)
	return scanTrade(row)
}

// GetTrade returns a trade by id.
func (l *Ledger) GetTrade(ctx context.Context, id int64) (*types.Trade, error) {
	row := l.db.QueryRowContext(ctx, selectTrade+` WHERE id = ?`, id)
	return scanTrade(row)
}

// transition applies a compare-and-set status change and appends the event.
func (l *Ledger) transition(ctx context.Context, t *types.Trade, from, to types.TradeStatus, detail string, extra func(tx *sql.Tx) error) error {
	unlock := l.lock(tradeKey(t.SignalID))
	defer unlock()

	now := time.Now().UTC()
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE trades SET status = ? WHERE id = ? AND status = ?`,
		string(to), t.ID, string(from))
	if err != nil {
		return fmt.Errorf("transition %s->%s: %w", from, to, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("trade %d %s->%s: %w", t.ID, from, to, ErrStaleTransition)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO trade_events (trade_id, from_status, to_status, detail, at) VALUES (?,?,?,?,?)`,
		t.ID, string(from), string(to), detail, now.Unix()); err != nil {
		return err
	}
	if extra != nil {
		if err := extra(tx); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	t.Status = to
	return nil
}

// MarkTradeOpen transitions Pending->Open and records the fill price.
func (l *Ledger) MarkTradeOpen(ctx context.Context, t *types.Trade, entryPrice float64) error {
	err := l.transition(ctx, t, types.TradePending, types.TradeOpen, "filled", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE trades SET entry_price = ? WHERE id = ?`, entryPrice, t.ID)
		return err
	})
	if err != nil {
		return err
	}
	t.EntryPrice = entryPrice
	return nil
}

// MarkTradeFailed transitions Pending->Failed with the terminal reason.
func (l *Ledger) MarkTradeFailed(ctx context.Context, t *types.Trade, reason string) error {
	err := l.transition(ctx, t, types.TradePending, types.TradeFailed, reason, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE trades SET fail_reason = ? WHERE id = ?`, reason, t.ID)
		return err
	})
	if err != nil {
		return err
	}
	t.FailReason = reason
	return nil
}

// CloseTrade transitions Open->Closed, records realized pnl and the close
// time. The position delta is applied by the caller via ApplyFill so the
// closing order's actual fill drives the aggregates.
func (l *Ledger) CloseTrade(ctx context.Context, t *types.Trade, pnl float64) error {
	now := time.Now().UTC()
	err := l.transition(ctx, t, types.TradeOpen, types.TradeClosed, "closed", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE trades SET pnl = ?, closed_at = ? WHERE id = ?`, pnl, now.Unix(), t.ID)
		return err
	})
	if err != nil {
		return err
	}
	t.PnL = pnl
	t.ClosedAt = &now
	return nil
}

// OpenTrades returns all trades currently in Open status.
func (l *Ledger) OpenTrades(ctx context.Context) ([]types.Trade, error) {
	rows, err := l.db.QueryContext(ctx, selectTrade+` WHERE status = ? ORDER BY created_at ASC`, string(types.TradeOpen))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTrades(rows)
}

// TradeHistory returns the most recent trades.
func (l *Ledger) TradeHistory(ctx context.Context, limit int) ([]types.Trade, error) {
	rows, err := l.db.QueryContext(ctx, selectTrade+` ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTrades(rows)
}

// OpenPositionCount counts trades in Open status.
func (l *Ledger) OpenPositionCount(ctx context.Context) (int, error) {
	var n int
	err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM trades WHERE status = ?`, string(types.TradeOpen)).Scan(&n)
	return n, err
}

// DailyRealizedPnL sums realized pnl of trades closed at or after dayStart.
func (l *Ledger) DailyRealizedPnL(ctx context.Context, dayStart time.Time) (float64, error) {
	var pnl sql.NullFloat64
	err := l.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(pnl), 0) FROM trades WHERE status = ? AND closed_at >= ?`,
		string(types.TradeClosed), dayStart.Unix()).Scan(&pnl)
	if err != nil {
		return 0, err
	}
	return pnl.Float64, nil
}

// --- positions ---

// ApplyFill folds an executed fill into the symbol's position aggregate:
// signed size, volume-weighted average entry. A position whose size reaches
// zero is deleted.
func (l *Ledger) ApplyFill(ctx context.Context, symbol string, side types.Side, qty, price float64, leverage int) error {
	unlock := l.lock(posKey(symbol))
	defer unlock()

	signed := qty * side.Sign()
	now := time.Now().UTC().Unix()

	var size, avg float64
	err := l.db.QueryRowContext(ctx,
		`SELECT size, avg_entry FROM positions WHERE symbol = ?`, symbol).Scan(&size, &avg)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = l.db.ExecContext(ctx,
			`INSERT INTO positions (symbol, size, avg_entry, leverage, updated_at) VALUES (?,?,?,?,?)`,
			symbol, signed, price, leverage, now)
		return err
	case err != nil:
		return err
	}

	newSize := size + signed
	if newSize == 0 {
		_, err = l.db.ExecContext(ctx, `DELETE FROM positions WHERE symbol = ?`, symbol)
		if err == nil {
			logger.Debug(ctx, "Position flat, removed", "symbol", symbol)
		}
		return err
	}

	newAvg := avg
	// Average moves only when exposure grows in the same direction.
	if (size >= 0) == (signed >= 0) {
		newAvg = (avg*abs(size) + price*abs(signed)) / (abs(size) + abs(signed))
	} else if abs(signed) > abs(size) {
		// Flipped through zero: the remainder is a fresh position at price.
		newAvg = price
	}

	_, err = l.db.ExecContext(ctx,
		`UPDATE positions SET size = ?, avg_entry = ?, leverage = ?, updated_at = ? WHERE symbol = ?`,
		newSize, newAvg, leverage, now, symbol)
	return err
}

// UpdateUnrealized refreshes the unrealized pnl of a position from a mark
// price. Unrealized pnl never feeds the drawdown check.
func (l *Ledger) UpdateUnrealized(ctx context.Context, symbol string, markPrice float64) error {
	unlock := l.lock(posKey(symbol))
	defer unlock()

	_, err := l.db.ExecContext(ctx,
		`UPDATE positions SET unrealized_pnl = (? - avg_entry) * size, updated_at = ? WHERE symbol = ?`,
		markPrice, time.Now().UTC().Unix(), symbol)
	return err
}

// Positions returns all current position aggregates.
func (l *Ledger) Positions(ctx context.Context) ([]types.Position, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT symbol, size, avg_entry, leverage, unrealized_pnl, updated_at FROM positions ORDER BY symbol`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Position
	for rows.Next() {
		var p types.Position
		var updated int64
		if err := rows.Scan(&p.Symbol, &p.Size, &p.AvgEntry, &p.Leverage, &p.UnrealizedPnL, &updated); err != nil {
			return nil, err
		}
		p.UpdatedAt = time.Unix(updated, 0).UTC()
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- row scanning ---

const selectTrade = `SELECT id, signal_id, symbol, side, leverage, quantity, entry_price,
	stop_loss, take_profit, status, pnl, fail_reason, created_at, closed_at FROM trades`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrade(row rowScanner) (*types.Trade, error) {
	var t types.Trade
	var side, status string
	var created int64
	var closed sql.NullInt64
	err := row.Scan(&t.ID, &t.SignalID, &t.Symbol, &side, &t.Leverage, &t.Quantity,
		&t.EntryPrice, &t.StopLoss, &t.TakeProfit, &status, &t.PnL, &t.FailReason, &created, &closed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTradeNotFound
	}
	if err != nil {
		return nil, err
	}
	t.Side = types.Side(side)
	t.Status = types.TradeStatus(status)
	t.CreatedAt = time.Unix(created, 0).UTC()
	if closed.Valid {
		ct := time.Unix(closed.Int64, 0).UTC()
		t.ClosedAt = &ct
	}
	return &t, nil
}

func scanTrades(rows *sql.Rows) ([]types.Trade, error) {
	var out []types.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func scanPost(row rowScanner) (*types.Post, error) {
	var p types.Post
	var created int64
	var processed int
	var sentiment sql.NullFloat64
	var score sql.NullInt64
	err := row.Scan(&p.ID, &p.Author, &p.Text, &created, &sentiment, &score, &processed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPostNotFound
	}
	if err != nil {
		return nil, err
	}
	p.CreatedAt = time.Unix(created, 0).UTC()
	p.Sentiment = sentiment.Float64
	p.SignalScore = int(score.Int64)
	p.Scored = score.Valid
	p.Processed = processed == 1
	return &p, nil
}

func scanPosts(rows *sql.Rows) ([]types.Post, error) {
	var out []types.Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
