package engine

import (
	"github.com/shopspring/decimal"

	"daytrader/internal/models"
)

// Lot is one still-open parcel of shares. Quantity is signed: positive for a
// long lot, negative for a short one.
type Lot struct {
	Quantity  decimal.Decimal
	CostBasis decimal.Decimal
}

// TradePnL is one trade annotated with its realized-P&L increment and the
// running cumulative total up to and including it.
type TradePnL struct {
	Trade      models.Trade    `json:"trade"`
	Realized   decimal.Decimal `json:"realized"`
	Cumulative decimal.Decimal `json:"cumulative"`
}

// ComputeFIFO replays the trade history in chronological order, matching
// closing trades against the oldest open lots first. It returns the per-trade
// P&L rows and the lots still open per ticker, which together reproduce both
// the trade log and the open-position view without consulting broker state.
func ComputeFIFO(trades []models.Trade) ([]TradePnL, map[string][]Lot) {
	lots := make(map[string][]Lot)
	cumulative := decimal.Zero
	out := make([]TradePnL, 0, len(trades))

	for _, t := range trades {
		price := t.Price
		if !t.FilledPrice.IsZero() {
			price = t.FilledPrice
		}
		qty := t.Shares
		if t.Side == models.SideSell {
			qty = qty.Neg()
		}

		realized, rest := matchFIFO(lots[t.Ticker], qty, price)
		lots[t.Ticker] = rest
		cumulative = cumulative.Add(realized)

		out = append(out, TradePnL{Trade: t, Realized: realized, Cumulative: cumulative})
	}
	return out, lots
}

// matchFIFO applies one signed trade to a lot queue. Opposite-direction lots
// are consumed oldest-first; any unmatched remainder opens a new lot in the
// trade's own direction.
func matchFIFO(queue []Lot, qty, price decimal.Decimal) (decimal.Decimal, []Lot) {
	realized := decimal.Zero
	remaining := qty

	for len(queue) > 0 && !remaining.IsZero() && opposite(queue[0].Quantity, remaining) {
		lot := queue[0]
		matched := decimal.Min(remaining.Abs(), lot.Quantity.Abs())

		if lot.Quantity.IsPositive() {
			// closing a long lot: gain when exit price above cost
			realized = realized.Add(price.Sub(lot.CostBasis).Mul(matched))
		} else {
			// closing a short lot: sign flipped
			realized = realized.Add(lot.CostBasis.Sub(price).Mul(matched))
		}

		if lot.Quantity.Abs().GreaterThan(matched) {
			if lot.Quantity.IsPositive() {
				queue[0].Quantity = lot.Quantity.Sub(matched)
			} else {
				queue[0].Quantity = lot.Quantity.Add(matched)
			}
		} else {
			queue = queue[1:]
		}

		if remaining.IsPositive() {
			remaining = remaining.Sub(matched)
		} else {
			remaining = remaining.Add(matched)
		}
	}

	if !remaining.IsZero() {
		queue = append(queue, Lot{Quantity: remaining, CostBasis: price})
	}
	return realized, queue
}

func opposite(a, b decimal.Decimal) bool {
	return (a.IsPositive() && b.IsNegative()) || (a.IsNegative() && b.IsPositive())
}
