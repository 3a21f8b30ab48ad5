package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Order represents a generic order as reported by any broker.
// Reconciliation consumes this one canonical shape regardless of whether the
// event arrived via the order poll or the push webhook.
type Order struct {
	ID             string          `json:"id"`
	ClientOrderID  string          `json:"client_order_id"`
	Symbol         string          `json:"symbol"`
	Qty            decimal.Decimal `json:"qty"`
	FilledQty      decimal.Decimal `json:"filled_qty"`
	Type           string          `json:"type"`   // market, limit, stop, etc.
	Side           string          `json:"side"`   // buy, sell
	Status         string          `json:"status"` // new, filled, canceled, expired, rejected
	LimitPrice     decimal.Decimal `json:"limit_price"`
	FilledAvgPrice decimal.Decimal `json:"filled_avg_price"`
	CreatedAt      time.Time       `json:"created_at"`
	FilledAt       *time.Time      `json:"filled_at,omitempty"`
}

// Filled reports whether the order carries an executed quantity worth
// reconciling.
func (o *Order) Filled() bool {
	return (o.Status == "filled" || o.Status == "partially_filled") && o.FilledQty.IsPositive()
}

// Quote represents a generic bid/ask quote.
type Quote struct {
	Symbol    string          `json:"symbol"`
	BidPrice  decimal.Decimal `json:"bid_price"`
	AskPrice  decimal.Decimal `json:"ask_price"`
	Timestamp time.Time       `json:"timestamp"`
}

// Mid returns the bid/ask midpoint, or whichever side is present.
func (q *Quote) Mid() decimal.Decimal {
	if q.BidPrice.IsPositive() && q.AskPrice.IsPositive() {
		return q.BidPrice.Add(q.AskPrice).Div(decimal.NewFromInt(2))
	}
	if q.AskPrice.IsPositive() {
		return q.AskPrice
	}
	return q.BidPrice
}

// Account represents the generic brokerage account state.
type Account struct {
	ID          string
	Currency    string
	Equity      decimal.Decimal
	BuyingPower decimal.Decimal
	Cash        decimal.Decimal
}

// Clock represents the venue's market status.
type Clock struct {
	Timestamp time.Time
	IsOpen    bool
	NextOpen  time.Time
	NextClose time.Time
}

// Asset represents a tradable instrument.
type Asset struct {
	ID       string
	Symbol   string
	Name     string
	Class    string
	Exchange string
	Tradable bool
}

// Mover is one entry of the top-movers snapshot. Its price is reused as the
// reference-price snapshot for sizing, so staleness matters less than
// availability.
type Mover struct {
	Symbol        string          `json:"symbol"`
	Price         decimal.Decimal `json:"price"`
	ChangePercent decimal.Decimal `json:"change_percent"`
}

// Bar represents a candlestick for one timeframe bucket.
type Bar struct {
	Time   time.Time
	Open   decimal.Decimal
	High   decimal.Decimal
	Low    decimal.Decimal
	Close  decimal.Decimal
	Volume int64
}

// BrokerPosition represents a position held at the broker, as the broker
// reports it. Used by the panic endpoint and defensive reconciliation.
type BrokerPosition struct {
	Symbol        string          `json:"symbol"`
	Qty           decimal.Decimal `json:"qty"`
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price"`
	CurrentPrice  decimal.Decimal `json:"current_price"`
	MarketValue   decimal.Decimal `json:"market_value"`
}
