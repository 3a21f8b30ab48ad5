package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// BotState is the singleton ledger row tracking money across the whole system.
// LastRunDay doubles as the daily intent claim: while it holds today's key,
// no other instance may attempt an entry.
type BotState struct {
	Cash       decimal.Decimal `json:"cash"`
	PnL        decimal.Decimal `json:"pnl"`    // cumulative realized
	Equity     decimal.Decimal `json:"equity"` // cash + mark-to-market of open position
	LastRunDay *string         `json:"last_run_day"`
}

// Position is a single position row. At most one row is open system-wide.
type Position struct {
	ID            int64           `json:"id"`
	Ticker        string          `json:"ticker"`
	EntryPrice    decimal.Decimal `json:"entry_price"`
	Shares        decimal.Decimal `json:"shares"`
	Open          bool            `json:"open"`
	ExitPrice     decimal.Decimal `json:"exit_price"`
	ExitAt        *time.Time      `json:"exit_at,omitempty"`
	BrokerOrderID string          `json:"broker_order_id"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Trade sides.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Trade is one executed (or submitted and not yet filled) order leg.
// BrokerOrderID is the idempotency key: reconciliation never inserts a
// second row for the same id, and FilledAt being set marks the row as
// already stamped so cash corrections are applied at most once.
type Trade struct {
	ID            int64           `json:"id"`
	Side          string          `json:"side"`
	Ticker        string          `json:"ticker"`
	Price         decimal.Decimal `json:"price"`
	Shares        decimal.Decimal `json:"shares"`
	BrokerOrderID string          `json:"broker_order_id"`
	FilledAt      *time.Time      `json:"filled_at,omitempty"`
	FilledPrice   decimal.Decimal `json:"filled_price"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Stamped reports whether the trade has been confirmed by a broker fill.
func (t *Trade) Stamped() bool {
	return t.FilledAt != nil
}

// Recommendation is the advisor's pick for one exchange-local day.
type Recommendation struct {
	ID     int64           `json:"id"`
	Ticker string          `json:"ticker"`
	Price  decimal.Decimal `json:"price"`
	At     time.Time       `json:"at"`
	Day    string          `json:"day"`
}
