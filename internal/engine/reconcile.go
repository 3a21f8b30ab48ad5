package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"daytrader/internal/ledger"
	"daytrader/internal/metrics"
	"daytrader/internal/models"
)

// Fill delivery sources, for logging and metrics.
const (
	SourcePoll          = "poll"
	SourceWebhook       = "webhook"
	SourceMandatoryExit = "mandatory_exit"
)

// ApplyFill routes one broker order event to the side-specific handler.
// Events that cannot be applied are dropped with a logged reason; the
// handlers never propagate an error for a merely-unexpected event, only for
// ledger failures.
func (e *Engine) ApplyFill(ctx context.Context, order *models.Order, source string) error {
	if order == nil || !order.Filled() {
		return nil
	}
	switch strings.ToLower(order.Side) {
	case "buy":
		return e.ApplyBuyFill(ctx, order, source)
	case "sell":
		return e.ApplySellFill(ctx, order, source)
	default:
		log.Printf("Reconcile: dropping order %s with unknown side %q", order.ID, order.Side)
		return nil
	}
}

// ApplyBuyFill merges an entry fill into the ledger. Idempotent: the
// one-time cash correction is guarded by the trade's "already stamped"
// check, so replaying the same event is a no-op.
func (e *Engine) ApplyBuyFill(ctx context.Context, order *models.Order, source string) error {
	pos, err := e.resolveBuyPosition(ctx, order)
	if err != nil {
		return err
	}
	if pos == nil {
		log.Printf("Reconcile: BUY fill %s (%s) matches no position and carries too little data; dropped", order.ID, order.Symbol)
		return nil
	}

	assumedEntry := pos.EntryPrice
	trueFill := order.FilledAvgPrice
	if !trueFill.IsPositive() {
		trueFill = assumedEntry
	}
	filledAt := time.Now()
	if order.FilledAt != nil {
		filledAt = *order.FilledAt
	}

	st, err := e.store.GetBotState(ctx)
	if err != nil {
		return fmt.Errorf("engine.ApplyBuyFill: %w", err)
	}

	trade, terr := e.store.GetTradeByOrderID(ctx, order.ID)
	switch {
	case terr == nil && !trade.Stamped():
		// First confirmation of an optimistic entry: correct the cash debit
		// from the assumed limit to the true weighted fill, exactly once.
		correction := pos.Shares.Mul(assumedEntry.Sub(trueFill))
		st.Cash = st.Cash.Add(correction)
		if err := e.store.StampTradeFill(ctx, order.ID, filledAt, trueFill); err != nil {
			return err
		}
		log.Printf("Reconcile: BUY %s filled @ $%s (assumed $%s), cash correction %s",
			pos.Ticker, trueFill.StringFixed(2), assumedEntry.StringFixed(2), correction.StringFixed(2))

	case errors.Is(terr, ledger.ErrNotFound):
		// Fill for an order the ledger never saw (e.g. submitted by another
		// instance that died): record it directly, already stamped.
		shares := order.FilledQty
		if !shares.IsPositive() {
			shares = pos.Shares
		}
		t := &models.Trade{
			Side:          models.SideBuy,
			Ticker:        pos.Ticker,
			Price:         trueFill,
			Shares:        shares,
			BrokerOrderID: order.ID,
			FilledAt:      &filledAt,
			FilledPrice:   trueFill,
			CreatedAt:     filledAt,
		}
		if err := e.store.InsertTrade(ctx, t); err != nil {
			return err
		}

	case terr == nil:
		// Already stamped: replay from the other delivery channel. No money
		// moves a second time.

	default:
		return fmt.Errorf("engine.ApplyBuyFill: %w", terr)
	}

	pos.EntryPrice = trueFill
	if err := e.store.UpdatePosition(ctx, pos); err != nil {
		return err
	}

	markEquity(st, pos, trueFill)
	if err := e.store.SaveBotState(ctx, st); err != nil {
		return err
	}
	metrics.FillsApplied.WithLabelValues("buy", source).Inc()
	return nil
}

// ApplySellFill merges an exit fill, supporting partial exits. Idempotent:
// the SELL trade row keyed by broker order id is the guard, and money only
// moves when that row is created or stamped for the first time.
func (e *Engine) ApplySellFill(ctx context.Context, order *models.Order, source string) error {
	trade, terr := e.store.GetTradeByOrderID(ctx, order.ID)
	if terr == nil && trade.Stamped() {
		return nil // replay of an already-applied exit
	}
	if terr != nil && !errors.Is(terr, ledger.ErrNotFound) {
		return fmt.Errorf("engine.ApplySellFill: %w", terr)
	}

	pos, err := e.resolveSellPosition(ctx, order)
	if err != nil {
		return err
	}
	if pos == nil {
		log.Printf("Reconcile: SELL fill %s (%s) references no open position; dropped", order.ID, order.Symbol)
		return nil
	}

	fillPrice := order.FilledAvgPrice
	if !fillPrice.IsPositive() {
		fillPrice = order.LimitPrice
	}
	if !fillPrice.IsPositive() {
		fillPrice = pos.EntryPrice
	}
	filledQty := decimal.Min(order.FilledQty, pos.Shares)
	filledAt := time.Now()
	if order.FilledAt != nil {
		filledAt = *order.FilledAt
	}

	realized := fillPrice.Sub(pos.EntryPrice).Mul(filledQty)

	if terr == nil {
		if err := e.store.StampTradeFill(ctx, order.ID, filledAt, fillPrice); err != nil {
			return err
		}
	} else {
		t := &models.Trade{
			Side:          models.SideSell,
			Ticker:        pos.Ticker,
			Price:         fillPrice,
			Shares:        filledQty,
			BrokerOrderID: order.ID,
			FilledAt:      &filledAt,
			FilledPrice:   fillPrice,
			CreatedAt:     filledAt,
		}
		if err := e.store.InsertTrade(ctx, t); err != nil {
			return err
		}
	}

	st, err := e.store.GetBotState(ctx)
	if err != nil {
		return fmt.Errorf("engine.ApplySellFill: %w", err)
	}
	st.Cash = st.Cash.Add(filledQty.Mul(fillPrice))
	st.PnL = st.PnL.Add(realized)

	if filledQty.GreaterThanOrEqual(pos.Shares) {
		if err := e.store.ClosePosition(ctx, pos.ID, fillPrice, filledAt); err != nil {
			return err
		}
		markEquity(st, nil, decimal.Zero)
		log.Printf("Reconcile: %s closed @ $%s, realized %s", pos.Ticker, fillPrice.StringFixed(2), realized.StringFixed(2))
		e.notify(fmt.Sprintf("📉 *EXIT*: %s × %s @ $%s → realized $%s",
			pos.Ticker, filledQty.String(), fillPrice.StringFixed(2), realized.StringFixed(2)))
	} else {
		pos.Shares = pos.Shares.Sub(filledQty)
		if err := e.store.UpdatePosition(ctx, pos); err != nil {
			return err
		}
		markEquity(st, pos, fillPrice)
		log.Printf("Reconcile: %s partial exit %s @ $%s, %s shares remain",
			pos.Ticker, filledQty.String(), fillPrice.StringFixed(2), pos.Shares.String())
	}

	if err := e.store.SaveBotState(ctx, st); err != nil {
		return err
	}
	metrics.FillsApplied.WithLabelValues("sell", source).Inc()
	return nil
}

// resolveBuyPosition finds the position a BUY fill belongs to: by broker
// order id first, then the open position for the ticker, else it creates one
// defensively when the fill carries enough information.
func (e *Engine) resolveBuyPosition(ctx context.Context, order *models.Order) (*models.Position, error) {
	pos, err := e.store.FindPositionByOrderID(ctx, order.ID)
	if err == nil {
		return pos, nil
	}
	if !errors.Is(err, ledger.ErrNotFound) {
		return nil, fmt.Errorf("engine.resolveBuyPosition: %w", err)
	}

	open, err := e.openPosition(ctx)
	if err != nil {
		return nil, err
	}
	if open != nil && (order.Symbol == "" || open.Ticker == order.Symbol) {
		return open, nil
	}
	if open != nil {
		// A different ticker is open; the single-open-position invariant
		// forbids creating a second one.
		return nil, nil
	}

	if order.Symbol == "" || !order.FilledQty.IsPositive() || !order.FilledAvgPrice.IsPositive() {
		return nil, nil
	}
	created := &models.Position{
		Ticker:        order.Symbol,
		EntryPrice:    order.FilledAvgPrice,
		Shares:        order.FilledQty,
		BrokerOrderID: order.ID,
		CreatedAt:     time.Now(),
	}
	if err := e.store.OpenPosition(ctx, created); err != nil {
		return nil, fmt.Errorf("engine.resolveBuyPosition: defensive create: %w", err)
	}
	log.Printf("Reconcile: created position %s × %s from orphan BUY fill %s",
		created.Ticker, created.Shares.String(), order.ID)
	return created, nil
}

// resolveSellPosition finds the open position a SELL fill closes: by broker
// order id, else by ticker.
func (e *Engine) resolveSellPosition(ctx context.Context, order *models.Order) (*models.Position, error) {
	pos, err := e.store.FindPositionByOrderID(ctx, order.ID)
	if err == nil && pos.Open {
		return pos, nil
	}
	if err != nil && !errors.Is(err, ledger.ErrNotFound) {
		return nil, fmt.Errorf("engine.resolveSellPosition: %w", err)
	}

	open, err := e.openPosition(ctx)
	if err != nil {
		return nil, err
	}
	if open != nil && order.Symbol != "" && open.Ticker != order.Symbol {
		return nil, nil
	}
	return open, nil
}

// SyncFills pulls orders updated after since (bracket legs included) and
// routes every filled one through the idempotent handlers. Per-event errors
// are logged and skipped so one bad event cannot wedge the poll.
func (e *Engine) SyncFills(ctx context.Context, since time.Time) (applied int, err error) {
	orders, err := e.broker.ListOrders(since)
	if err != nil {
		return 0, fmt.Errorf("engine.SyncFills: %w", err)
	}

	for i := range orders {
		o := &orders[i]
		if !o.Filled() {
			continue
		}
		if aerr := e.ApplyFill(ctx, o, SourcePoll); aerr != nil {
			log.Printf("SyncFills: order %s: %v", o.ID, aerr)
			continue
		}
		applied++
	}
	return applied, nil
}

// MandatoryExit flattens the open position at market and applies the SELL
// accounting synchronously with the best available price, live quote first,
// entry price as the last resort. Runs independent of the poll cadence.
func (e *Engine) MandatoryExit(ctx context.Context) error {
	pos, err := e.openPosition(ctx)
	if err != nil {
		return err
	}
	if pos == nil {
		return nil
	}

	order, err := e.broker.ClosePositionAtMarket(pos.Ticker)
	if err != nil {
		return fmt.Errorf("engine.MandatoryExit: flatten %s: %w", pos.Ticker, err)
	}

	price := pos.EntryPrice
	if q, qerr := e.broker.GetQuote(pos.Ticker); qerr == nil {
		if mid := q.Mid(); mid.IsPositive() {
			price = mid
		}
	}

	now := time.Now()
	ev := &models.Order{
		ID:             order.ID,
		Symbol:         pos.Ticker,
		Side:           "sell",
		Status:         "filled",
		FilledQty:      pos.Shares,
		FilledAvgPrice: price,
		FilledAt:       &now,
	}
	if order.FilledAvgPrice.IsPositive() {
		ev.FilledAvgPrice = order.FilledAvgPrice
	}

	e.notify(fmt.Sprintf("⏰ *MANDATORY EXIT*: flattening %s × %s", pos.Ticker, pos.Shares.String()))
	return e.ApplySellFill(ctx, ev, SourceMandatoryExit)
}
