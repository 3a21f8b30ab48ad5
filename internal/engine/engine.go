// Package engine is the core of the bot: the once-a-day entry decision, the
// adaptive bracket submission, and the merge of broker fills into the ledger.
// All cross-instance coordination happens through the ledger's conditional
// writes; the engine itself holds only non-authoritative caches.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"daytrader/internal/advisor"
	"daytrader/internal/clock"
	"daytrader/internal/config"
	"daytrader/internal/ledger"
	"daytrader/internal/market"
	"daytrader/internal/metrics"
	"daytrader/internal/models"
)

// Engine wires the collaborators together.
type Engine struct {
	cfg     *config.Config
	clk     *clock.Clock
	store   *ledger.Store
	broker  market.Provider
	advisor advisor.Advisor
	notify  func(string)

	flight *flight

	// Last good top-movers snapshot. Per-instance reference-price cache
	// only; never used for claims or idempotency.
	mu     sync.RWMutex
	movers []models.Mover
}

// New builds an Engine. notify may be nil.
func New(cfg *config.Config, clk *clock.Clock, store *ledger.Store, broker market.Provider, adv advisor.Advisor, notify func(string)) *Engine {
	if notify == nil {
		notify = func(string) {}
	}
	return &Engine{
		cfg:     cfg,
		clk:     clk,
		store:   store,
		broker:  broker,
		advisor: adv,
		notify:  notify,
		flight:  newFlight(time.Duration(cfg.TickMinIntervalSec) * time.Second),
	}
}

// snapshotPrice returns the cached movers price for ticker, or zero.
func (e *Engine) snapshotPrice(ticker string) decimal.Decimal {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, m := range e.movers {
		if m.Symbol == ticker {
			return m.Price
		}
	}
	return decimal.Zero
}

func (e *Engine) setMovers(movers []models.Mover) {
	e.mu.Lock()
	e.movers = movers
	e.mu.Unlock()
}

// markEquity recomputes st.Equity from cash plus the open position marked at
// the given price, and pushes the gauges.
func markEquity(st *models.BotState, pos *models.Position, mark decimal.Decimal) {
	if pos != nil && pos.Open && !mark.IsZero() {
		st.Equity = st.Cash.Add(pos.Shares.Mul(mark))
	} else {
		st.Equity = st.Cash
	}
	metrics.SetMoney(st.Equity, st.PnL)
}

// PnLSummary reproduces realized P&L from the trade history via FIFO
// matching. Used for diagnostics; the authoritative running total lives in
// bot_state and the two must agree for fully stamped histories.
func (e *Engine) PnLSummary(ctx context.Context) (realized decimal.Decimal, tradeCount int, err error) {
	trades, err := e.store.ListTrades(ctx)
	if err != nil {
		return decimal.Zero, 0, err
	}
	rows, _ := ComputeFIFO(trades)
	if len(rows) > 0 {
		realized = rows[len(rows)-1].Cumulative
	}
	return realized, len(rows), nil
}

// openPosition is a nil-on-not-found wrapper around the ledger lookup.
func (e *Engine) openPosition(ctx context.Context) (*models.Position, error) {
	pos, err := e.store.GetOpenPosition(ctx)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, nil
	}
	return pos, err
}
