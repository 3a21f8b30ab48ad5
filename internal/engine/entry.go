package engine

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"daytrader/internal/market"
	"daytrader/internal/metrics"
	"daytrader/internal/models"
)

// referencePrice resolves the sizing reference for ticker, first match wins:
// movers snapshot, the day's stored recommendation, then a live quote.
func (e *Engine) referencePrice(ctx context.Context, ticker, day string) (decimal.Decimal, error) {
	if p := e.snapshotPrice(ticker); p.IsPositive() {
		return p, nil
	}
	if reco, err := e.store.RecommendationForDay(ctx, day); err == nil && reco.Ticker == ticker && reco.Price.IsPositive() {
		return reco.Price, nil
	}
	if q, err := e.broker.GetQuote(ticker); err == nil {
		if mid := q.Mid(); mid.IsPositive() {
			return mid, nil
		}
	}
	return decimal.Zero, ErrNoPrice
}

// enterPosition sizes and submits the protected entry order, walking the
// slippage ladder until the venue accepts. On success the ledger gains an
// open Position, an unfilled BUY Trade keyed by the broker order id, and the
// cash debit at the optimistic entry limit; reconciliation corrects the
// price once the true fill arrives.
func (e *Engine) enterPosition(ctx context.Context, ticker, day string) (*models.Position, error) {
	refPrice, err := e.referencePrice(ctx, ticker, day)
	if err != nil {
		return nil, err
	}

	st, err := e.store.GetBotState(ctx)
	if err != nil {
		return nil, fmt.Errorf("engine.enterPosition: %w", err)
	}

	budget := decimal.Min(st.Cash, decimal.NewFromFloat(e.cfg.BudgetCap))
	shares := budget.Div(refPrice).Floor()
	if !shares.IsPositive() {
		return nil, ErrInsufficientFunds
	}

	var order *models.Order
	var entryLimit decimal.Decimal
	var lastErr error

	for _, step := range e.cfg.SlippageSteps {
		// Refresh the quote before each attempt so a retry never reuses a
		// stale reference.
		if q, qerr := e.broker.GetQuote(ticker); qerr == nil {
			if mid := q.Mid(); mid.IsPositive() {
				refPrice = mid
			}
		}

		entryLimit = refPrice.Mul(decimal.NewFromFloat(1 + step)).Round(2)
		target := entryLimit.Mul(decimal.NewFromFloat(1 + e.cfg.TargetPct)).Round(2)
		stop := entryLimit.Mul(decimal.NewFromFloat(1 + e.cfg.StopPct)).Round(2)

		o, perr := e.broker.PlaceOrder(market.OrderRequest{
			Symbol:        ticker,
			Qty:           shares,
			Side:          "buy",
			Type:          "limit",
			LimitPrice:    entryLimit,
			TakeProfit:    target,
			StopLoss:      stop,
			ClientOrderID: uuid.NewString(),
		})
		if perr == nil {
			order = o
			metrics.OrdersSubmitted.WithLabelValues("buy", "accepted").Inc()
			break
		}
		lastErr = perr
		metrics.OrdersSubmitted.WithLabelValues("buy", "rejected").Inc()
		log.Printf("Entry rejected for %s at limit $%s (slippage %.1f%%): %v",
			ticker, entryLimit.StringFixed(2), step*100, perr)
	}

	if order == nil {
		// Every slippage step rejected: cash and pnl untouched, the reason
		// travels up for diagnostics.
		return nil, fmt.Errorf("%w: %v", ErrOrderRejected, lastErr)
	}

	now := time.Now()
	pos := &models.Position{
		Ticker:        ticker,
		EntryPrice:    entryLimit,
		Shares:        shares,
		BrokerOrderID: order.ID,
		CreatedAt:     now,
	}
	if err := e.store.OpenPosition(ctx, pos); err != nil {
		return nil, fmt.Errorf("engine.enterPosition: record position: %w", err)
	}

	trade := &models.Trade{
		Side:          models.SideBuy,
		Ticker:        ticker,
		Price:         entryLimit,
		Shares:        shares,
		BrokerOrderID: order.ID,
		CreatedAt:     now,
	}
	if err := e.store.InsertTrade(ctx, trade); err != nil {
		return nil, fmt.Errorf("engine.enterPosition: record trade: %w", err)
	}

	st.Cash = st.Cash.Sub(shares.Mul(entryLimit))
	markEquity(st, pos, entryLimit)
	if err := e.store.SaveBotState(ctx, st); err != nil {
		return nil, fmt.Errorf("engine.enterPosition: save state: %w", err)
	}

	log.Printf("Entered %s: %s shares, limit $%s, order %s",
		ticker, shares.String(), entryLimit.StringFixed(2), order.ID)
	e.notify(fmt.Sprintf("📈 *ENTRY*: %s × %s @ $%s (bracket %+.0f%%/%+.0f%%)",
		ticker, shares.String(), entryLimit.StringFixed(2), e.cfg.TargetPct*100, e.cfg.StopPct*100))

	return pos, nil
}
