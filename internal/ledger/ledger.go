// Package ledger is the durable source of truth shared by every running
// instance. All claim and idempotency decisions are conditional writes or
// existence checks against this store; nothing correctness-relevant lives in
// process memory.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"daytrader/internal/models"
)

const schema = `
-- Singleton money row. last_run_day is the daily intent claim flag.
CREATE TABLE IF NOT EXISTS bot_state (
    id           INTEGER PRIMARY KEY CHECK (id = 1),
    cash         TEXT NOT NULL,
    pnl          TEXT NOT NULL,
    equity       TEXT NOT NULL,
    last_run_day TEXT
);

CREATE TABLE IF NOT EXISTS positions (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    ticker          TEXT    NOT NULL,
    entry_price     TEXT    NOT NULL,
    shares          TEXT    NOT NULL,
    open            INTEGER NOT NULL DEFAULT 1,
    exit_price      TEXT,
    exit_at         DATETIME,
    broker_order_id TEXT    NOT NULL DEFAULT '',
    created_at      DATETIME NOT NULL
);

-- At most one open position system-wide, enforced by the store itself.
CREATE UNIQUE INDEX IF NOT EXISTS idx_positions_single_open
    ON positions(open) WHERE open = 1;

CREATE TABLE IF NOT EXISTS trades (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    side            TEXT NOT NULL,
    ticker          TEXT NOT NULL,
    price           TEXT NOT NULL,
    shares          TEXT NOT NULL,
    broker_order_id TEXT NOT NULL DEFAULT '',
    filled_at       DATETIME,
    filled_price    TEXT,
    created_at      DATETIME NOT NULL
);

-- broker_order_id is the idempotency key for fill events.
CREATE UNIQUE INDEX IF NOT EXISTS idx_trades_order_id
    ON trades(broker_order_id) WHERE broker_order_id != '';

CREATE TABLE IF NOT EXISTS recommendations (
    id     INTEGER PRIMARY KEY AUTOINCREMENT,
    ticker TEXT NOT NULL,
    price  TEXT NOT NULL,
    at     DATETIME NOT NULL,
    day    TEXT NOT NULL
);

-- One authoritative pick per exchange-local day.
CREATE UNIQUE INDEX IF NOT EXISTS idx_reco_day ON recommendations(day);

CREATE INDEX IF NOT EXISTS idx_trades_created ON trades(created_at);
`

// ErrNotFound is returned by lookups that matched no row.
var ErrNotFound = errors.New("ledger: not found")

// Store wraps the SQLite ledger.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the ledger at path, applies the schema and seeds
// the singleton bot_state row with initialCash on first run.
func Open(path string, initialCash decimal.Decimal) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("ledger.Open: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // SQLite is single-writer
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger.Open: apply schema: %w", err)
	}

	if _, err := db.Exec(
		`INSERT OR IGNORE INTO bot_state (id, cash, pnl, equity, last_run_day) VALUES (1, ?, '0', ?, NULL)`,
		initialCash.String(), initialCash.String(),
	); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger.Open: seed state: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// --- Daily intent claim ---

// TryClaim attempts the atomic daily claim for the given day key.
// Exactly one concurrent caller per day observes true; everyone else gets
// false, which is a normal no-op outcome, not an error.
func (s *Store) TryClaim(ctx context.Context, day string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE bot_state SET last_run_day = ? WHERE id = 1 AND (last_run_day IS NULL OR last_run_day <> ?)`,
		day, day,
	)
	if err != nil {
		return false, fmt.Errorf("ledger.TryClaim: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("ledger.TryClaim: rows affected: %w", err)
	}
	return n == 1, nil
}

// ReleaseClaim resets the claim flag so the entry window can be retried
// later the same day. Called on every failure path after a granted claim.
func (s *Store) ReleaseClaim(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE bot_state SET last_run_day = NULL WHERE id = 1`); err != nil {
		return fmt.Errorf("ledger.ReleaseClaim: %w", err)
	}
	return nil
}

// --- Bot state ---

// GetBotState loads the singleton money row.
func (s *Store) GetBotState(ctx context.Context) (*models.BotState, error) {
	row := s.db.QueryRowContext(ctx, `SELECT cash, pnl, equity, last_run_day FROM bot_state WHERE id = 1`)

	var cash, pnl, equity string
	var lastRunDay sql.NullString
	if err := row.Scan(&cash, &pnl, &equity, &lastRunDay); err != nil {
		return nil, fmt.Errorf("ledger.GetBotState: %w", err)
	}

	st := &models.BotState{}
	var err error
	if st.Cash, err = decimal.NewFromString(cash); err != nil {
		return nil, fmt.Errorf("ledger.GetBotState: cash %q: %w", cash, err)
	}
	if st.PnL, err = decimal.NewFromString(pnl); err != nil {
		return nil, fmt.Errorf("ledger.GetBotState: pnl %q: %w", pnl, err)
	}
	if st.Equity, err = decimal.NewFromString(equity); err != nil {
		return nil, fmt.Errorf("ledger.GetBotState: equity %q: %w", equity, err)
	}
	if lastRunDay.Valid {
		st.LastRunDay = &lastRunDay.String
	}
	return st, nil
}

// SaveBotState persists cash, pnl and equity. The claim flag is only ever
// touched through TryClaim/ReleaseClaim.
func (s *Store) SaveBotState(ctx context.Context, st *models.BotState) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE bot_state SET cash = ?, pnl = ?, equity = ? WHERE id = 1`,
		st.Cash.String(), st.PnL.String(), st.Equity.String(),
	); err != nil {
		return fmt.Errorf("ledger.SaveBotState: %w", err)
	}
	return nil
}

// --- Positions ---

// OpenPosition inserts a new open position. The partial unique index makes
// this fail if another open position already exists.
func (s *Store) OpenPosition(ctx context.Context, p *models.Position) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO positions (ticker, entry_price, shares, open, broker_order_id, created_at)
		 VALUES (?, ?, ?, 1, ?, ?)`,
		p.Ticker, p.EntryPrice.String(), p.Shares.String(), p.BrokerOrderID, p.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("ledger.OpenPosition: %w", err)
	}
	p.ID, _ = res.LastInsertId()
	p.Open = true
	return nil
}

// UpdatePosition rewrites entry price, shares and broker order id.
func (s *Store) UpdatePosition(ctx context.Context, p *models.Position) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE positions SET entry_price = ?, shares = ?, broker_order_id = ? WHERE id = ?`,
		p.EntryPrice.String(), p.Shares.String(), p.BrokerOrderID, p.ID,
	); err != nil {
		return fmt.Errorf("ledger.UpdatePosition: %w", err)
	}
	return nil
}

// ClosePosition marks the position closed with its exit fill.
func (s *Store) ClosePosition(ctx context.Context, id int64, exitPrice decimal.Decimal, exitAt time.Time) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE positions SET open = 0, exit_price = ?, exit_at = ? WHERE id = ?`,
		exitPrice.String(), exitAt.UTC(), id,
	); err != nil {
		return fmt.Errorf("ledger.ClosePosition: %w", err)
	}
	return nil
}

// GetOpenPosition returns the single open position, or ErrNotFound.
func (s *Store) GetOpenPosition(ctx context.Context) (*models.Position, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, ticker, entry_price, shares, open, exit_price, exit_at, broker_order_id, created_at
		 FROM positions WHERE open = 1`,
	)
	return scanPosition(row)
}

// FindPositionByOrderID resolves a position by the broker order id that
// created it.
func (s *Store) FindPositionByOrderID(ctx context.Context, orderID string) (*models.Position, error) {
	if orderID == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, ticker, entry_price, shares, open, exit_price, exit_at, broker_order_id, created_at
		 FROM positions WHERE broker_order_id = ? ORDER BY created_at DESC LIMIT 1`,
		orderID,
	)
	return scanPosition(row)
}

// --- Trades ---

// InsertTrade inserts a trade row. A duplicate broker order id violates the
// unique index and is surfaced as an error; callers check existence first.
func (s *Store) InsertTrade(ctx context.Context, t *models.Trade) error {
	var filledAt any
	if t.FilledAt != nil {
		filledAt = t.FilledAt.UTC()
	}
	var filledPrice any
	if !t.FilledPrice.IsZero() {
		filledPrice = t.FilledPrice.String()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO trades (side, ticker, price, shares, broker_order_id, filled_at, filled_price, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.Side, t.Ticker, t.Price.String(), t.Shares.String(), t.BrokerOrderID, filledAt, filledPrice, t.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("ledger.InsertTrade: %w", err)
	}
	t.ID, _ = res.LastInsertId()
	return nil
}

// GetTradeByOrderID is the existence check behind idempotent reconciliation.
func (s *Store) GetTradeByOrderID(ctx context.Context, orderID string) (*models.Trade, error) {
	if orderID == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, side, ticker, price, shares, broker_order_id, filled_at, filled_price, created_at
		 FROM trades WHERE broker_order_id = ?`,
		orderID,
	)
	return scanTrade(row)
}

// StampTradeFill records the broker-confirmed fill time and price on an
// existing trade row.
func (s *Store) StampTradeFill(ctx context.Context, orderID string, filledAt time.Time, filledPrice decimal.Decimal) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE trades SET filled_at = ?, filled_price = ? WHERE broker_order_id = ?`,
		filledAt.UTC(), filledPrice.String(), orderID,
	); err != nil {
		return fmt.Errorf("ledger.StampTradeFill: %w", err)
	}
	return nil
}

// ListTrades returns all trades in chronological order, the input the FIFO
// engine reproduces P&L from.
func (s *Store) ListTrades(ctx context.Context) ([]models.Trade, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, side, ticker, price, shares, broker_order_id, filled_at, filled_price, created_at
		 FROM trades ORDER BY created_at ASC, id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("ledger.ListTrades: %w", err)
	}
	defer rows.Close()

	var trades []models.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, *t)
	}
	return trades, rows.Err()
}

// --- Recommendations ---

// SaveRecommendation upserts the authoritative pick for a day.
func (s *Store) SaveRecommendation(ctx context.Context, r *models.Recommendation) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO recommendations (ticker, price, at, day) VALUES (?, ?, ?, ?)
		 ON CONFLICT(day) DO UPDATE SET ticker = excluded.ticker, price = excluded.price, at = excluded.at`,
		r.Ticker, r.Price.String(), r.At.UTC(), r.Day,
	); err != nil {
		return fmt.Errorf("ledger.SaveRecommendation: %w", err)
	}
	return nil
}

// RecommendationForDay returns the pick stored for the given day key.
func (s *Store) RecommendationForDay(ctx context.Context, day string) (*models.Recommendation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, ticker, price, at, day FROM recommendations WHERE day = ?`, day,
	)
	var r models.Recommendation
	var price string
	var at time.Time
	if err := row.Scan(&r.ID, &r.Ticker, &price, &at, &r.Day); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ledger.RecommendationForDay: %w", err)
	}
	var err error
	if r.Price, err = decimal.NewFromString(price); err != nil {
		return nil, fmt.Errorf("ledger.RecommendationForDay: price %q: %w", price, err)
	}
	r.At = at
	return &r, nil
}

// --- scan helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPosition(row rowScanner) (*models.Position, error) {
	var p models.Position
	var entry, shares string
	var open int
	var exitPrice sql.NullString
	var exitAt sql.NullTime
	var createdAt time.Time

	err := row.Scan(&p.ID, &p.Ticker, &entry, &shares, &open, &exitPrice, &exitAt, &p.BrokerOrderID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: scan position: %w", err)
	}

	if p.EntryPrice, err = decimal.NewFromString(entry); err != nil {
		return nil, fmt.Errorf("ledger: position entry_price %q: %w", entry, err)
	}
	if p.Shares, err = decimal.NewFromString(shares); err != nil {
		return nil, fmt.Errorf("ledger: position shares %q: %w", shares, err)
	}
	p.Open = open == 1
	if exitPrice.Valid {
		if p.ExitPrice, err = decimal.NewFromString(exitPrice.String); err != nil {
			return nil, fmt.Errorf("ledger: position exit_price %q: %w", exitPrice.String, err)
		}
	}
	if exitAt.Valid {
		t := exitAt.Time
		p.ExitAt = &t
	}
	p.CreatedAt = createdAt
	return &p, nil
}

func scanTrade(row rowScanner) (*models.Trade, error) {
	var t models.Trade
	var price, shares string
	var filledAt sql.NullTime
	var filledPrice sql.NullString
	var createdAt time.Time

	err := row.Scan(&t.ID, &t.Side, &t.Ticker, &price, &shares, &t.BrokerOrderID, &filledAt, &filledPrice, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: scan trade: %w", err)
	}

	if t.Price, err = decimal.NewFromString(price); err != nil {
		return nil, fmt.Errorf("ledger: trade price %q: %w", price, err)
	}
	if t.Shares, err = decimal.NewFromString(shares); err != nil {
		return nil, fmt.Errorf("ledger: trade shares %q: %w", shares, err)
	}
	if filledAt.Valid {
		ts := filledAt.Time
		t.FilledAt = &ts
	}
	if filledPrice.Valid {
		if t.FilledPrice, err = decimal.NewFromString(filledPrice.String); err != nil {
			return nil, fmt.Errorf("ledger: trade filled_price %q: %w", filledPrice.String, err)
		}
	}
	t.CreatedAt = createdAt
	return &t, nil
}
