package alpaca

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"daytrader/internal/market"
	"daytrader/internal/models"
)

// moverUniverse is the liquid-symbol universe scanned for the top-movers
// snapshot. Curated rather than screened: the advisor only needs a plausible
// candidate pool, and a fixed list keeps the data request bounded.
var moverUniverse = []string{
	"AAPL", "MSFT", "NVDA", "AMZN", "GOOGL", "META", "TSLA", "AMD", "AVGO", "NFLX",
	"JPM", "BAC", "XOM", "CVX", "UNH", "LLY", "V", "MA", "COST", "WMT",
	"CRM", "ORCL", "INTC", "MU", "QCOM", "PLTR", "COIN", "SHOP", "UBER", "ABNB",
}

// Market-data rate limit, kept well under Alpaca's free-tier 200 req/min.
const (
	mdRatePerSec = 2
	mdBurst      = 5
)

// Provider implements the generic market.Provider interface for Alpaca.
type Provider struct {
	mdClient    *marketdata.Client
	tradeClient *alpaca.Client
	mdLimiter   *rate.Limiter
}

// Ensure Provider implements the interface.
var _ market.Provider = (*Provider)(nil)

// NewProvider returns a new Alpaca provider. The SDK clients pick up the
// APCA_* credentials validated by config at startup.
func NewProvider() *Provider {
	return &Provider{
		mdClient:    marketdata.NewClient(marketdata.ClientOpts{}),
		tradeClient: alpaca.NewClient(alpaca.ClientOpts{}),
		mdLimiter:   rate.NewLimiter(mdRatePerSec, mdBurst),
	}
}

// --- Market data ---

func (p *Provider) GetPrice(ticker string) (decimal.Decimal, error) {
	p.mdLimiter.Wait(context.Background())
	trade, err := p.mdClient.GetLatestTrade(ticker, marketdata.GetLatestTradeRequest{})
	if err != nil {
		return decimal.Zero, fmt.Errorf("alpaca.GetPrice %s: %w", ticker, err)
	}
	if trade == nil {
		return decimal.Zero, fmt.Errorf("alpaca.GetPrice %s: no trade", ticker)
	}
	return decimal.NewFromFloat(trade.Price), nil
}

func (p *Provider) GetQuote(ticker string) (*models.Quote, error) {
	p.mdLimiter.Wait(context.Background())
	q, err := p.mdClient.GetLatestQuote(ticker, marketdata.GetLatestQuoteRequest{})
	if err != nil {
		return nil, fmt.Errorf("alpaca.GetQuote %s: %w", ticker, err)
	}
	if q == nil {
		return nil, fmt.Errorf("alpaca.GetQuote %s: no quote", ticker)
	}
	return &models.Quote{
		Symbol:    ticker,
		BidPrice:  decimal.NewFromFloat(q.BidPrice),
		AskPrice:  decimal.NewFromFloat(q.AskPrice),
		Timestamp: q.Timestamp,
	}, nil
}

// GetTopMovers snapshots the fixed universe and ranks by absolute percent
// change against the previous daily close.
func (p *Provider) GetTopMovers(limit int) ([]models.Mover, error) {
	p.mdLimiter.Wait(context.Background())
	snaps, err := p.mdClient.GetSnapshots(moverUniverse, marketdata.GetSnapshotRequest{})
	if err != nil {
		return nil, fmt.Errorf("alpaca.GetTopMovers: %w", err)
	}

	var movers []models.Mover
	for symbol, snap := range snaps {
		if snap == nil || snap.LatestTrade == nil || snap.PrevDailyBar == nil || snap.PrevDailyBar.Close == 0 {
			continue
		}
		last := snap.LatestTrade.Price
		prev := snap.PrevDailyBar.Close
		changePct := (last - prev) / prev * 100
		movers = append(movers, models.Mover{
			Symbol:        symbol,
			Price:         decimal.NewFromFloat(last),
			ChangePercent: decimal.NewFromFloat(changePct),
		})
	}

	sort.Slice(movers, func(i, j int) bool {
		return movers[i].ChangePercent.Abs().GreaterThan(movers[j].ChangePercent.Abs())
	})
	if limit > 0 && len(movers) > limit {
		movers = movers[:limit]
	}
	return movers, nil
}

func (p *Provider) GetIntradayBars(ticker string, lookback time.Duration) ([]models.Bar, error) {
	p.mdLimiter.Wait(context.Background())
	bars, err := p.mdClient.GetBars(ticker, marketdata.GetBarsRequest{
		TimeFrame: marketdata.OneMin,
		Start:     time.Now().Add(-lookback),
	})
	if err != nil {
		return nil, fmt.Errorf("alpaca.GetIntradayBars %s: %w", ticker, err)
	}

	result := make([]models.Bar, 0, len(bars))
	for _, b := range bars {
		result = append(result, models.Bar{
			Time:   b.Timestamp,
			Open:   decimal.NewFromFloat(b.Open),
			High:   decimal.NewFromFloat(b.High),
			Low:    decimal.NewFromFloat(b.Low),
			Close:  decimal.NewFromFloat(b.Close),
			Volume: int64(b.Volume),
		})
	}
	return result, nil
}

// --- Account / venue state ---

func (p *Provider) GetClock() (*models.Clock, error) {
	c, err := p.tradeClient.GetClock()
	if err != nil {
		return nil, fmt.Errorf("alpaca.GetClock: %w", err)
	}
	return &models.Clock{
		Timestamp: c.Timestamp,
		IsOpen:    c.IsOpen,
		NextOpen:  c.NextOpen,
		NextClose: c.NextClose,
	}, nil
}

func (p *Provider) GetAccount() (*models.Account, error) {
	a, err := p.tradeClient.GetAccount()
	if err != nil {
		return nil, fmt.Errorf("alpaca.GetAccount: %w", err)
	}
	return &models.Account{
		ID:          a.ID,
		Currency:    a.Currency,
		Equity:      a.Equity,
		BuyingPower: a.BuyingPower,
		Cash:        a.Cash,
	}, nil
}

func (p *Provider) GetAsset(symbol string) (*models.Asset, error) {
	a, err := p.tradeClient.GetAsset(symbol)
	if err != nil {
		return nil, fmt.Errorf("alpaca.GetAsset %s: %w", symbol, err)
	}
	return &models.Asset{
		ID:       a.ID,
		Symbol:   a.Symbol,
		Name:     a.Name,
		Class:    string(a.Class),
		Exchange: a.Exchange,
		Tradable: a.Tradable,
	}, nil
}

func (p *Provider) ListPositions() ([]models.BrokerPosition, error) {
	alpacaPositions, err := p.tradeClient.GetPositions()
	if err != nil {
		return nil, fmt.Errorf("alpaca.ListPositions: %w", err)
	}

	var result []models.BrokerPosition
	for _, x := range alpacaPositions {
		current := decimal.Zero
		if x.CurrentPrice != nil {
			current = *x.CurrentPrice
		}
		marketValue := decimal.Zero
		if x.MarketValue != nil {
			marketValue = *x.MarketValue
		}
		result = append(result, models.BrokerPosition{
			Symbol:        x.Symbol,
			Qty:           x.Qty,
			AvgEntryPrice: x.AvgEntryPrice,
			CurrentPrice:  current,
			MarketValue:   marketValue,
		})
	}
	return result, nil
}

// --- Execution ---

func (p *Provider) PlaceOrder(req market.OrderRequest) (*models.Order, error) {
	qty := req.Qty
	areq := alpaca.PlaceOrderRequest{
		Symbol:        req.Symbol,
		Qty:           &qty,
		Side:          alpaca.Side(req.Side),
		Type:          alpaca.Market,
		TimeInForce:   alpaca.Day,
		ClientOrderID: req.ClientOrderID,
	}

	if req.Type == "limit" && !req.LimitPrice.IsZero() {
		lp := req.LimitPrice
		areq.Type = alpaca.Limit
		areq.LimitPrice = &lp
	}

	if req.Side == "buy" && (!req.TakeProfit.IsZero() || !req.StopLoss.IsZero()) {
		areq.OrderClass = alpaca.Bracket
		if !req.TakeProfit.IsZero() {
			tp := req.TakeProfit
			areq.TakeProfit = &alpaca.TakeProfit{LimitPrice: &tp}
		}
		if !req.StopLoss.IsZero() {
			sl := req.StopLoss
			areq.StopLoss = &alpaca.StopLoss{StopPrice: &sl}
		}
	}

	o, err := p.tradeClient.PlaceOrder(areq)
	if err != nil {
		return nil, fmt.Errorf("alpaca.PlaceOrder %s %s: %w", req.Side, req.Symbol, err)
	}
	return mapOrder(o), nil
}

// ListOrders fetches all orders updated after since, bracket legs included
// and flattened so reconciliation sees one event per leg.
func (p *Provider) ListOrders(since time.Time) ([]models.Order, error) {
	orders, err := p.tradeClient.GetOrders(alpaca.GetOrdersRequest{
		Status: "all",
		After:  since,
		Nested: true,
		Limit:  500,
	})
	if err != nil {
		return nil, fmt.Errorf("alpaca.ListOrders: %w", err)
	}

	var result []models.Order
	for i := range orders {
		o := &orders[i]
		result = append(result, *mapOrder(o))
		for j := range o.Legs {
			result = append(result, *mapOrder(&o.Legs[j]))
		}
	}
	return result, nil
}

func (p *Provider) CancelAllOrders() error {
	if err := p.tradeClient.CancelAllOrders(); err != nil {
		return fmt.Errorf("alpaca.CancelAllOrders: %w", err)
	}
	return nil
}

func (p *Provider) ClosePositionAtMarket(symbol string) (*models.Order, error) {
	o, err := p.tradeClient.ClosePosition(symbol, alpaca.ClosePositionRequest{})
	if err != nil {
		return nil, fmt.Errorf("alpaca.ClosePositionAtMarket %s: %w", symbol, err)
	}
	return mapOrder(o), nil
}

// --- Helpers ---

// mapOrder normalizes the SDK order into the canonical internal shape,
// dereferencing the SDK's decimal pointers safely.
func mapOrder(o *alpaca.Order) *models.Order {
	if o == nil {
		return nil
	}

	qty := decimal.Zero
	if o.Qty != nil {
		qty = *o.Qty
	}
	var limitPrice decimal.Decimal
	if o.LimitPrice != nil {
		limitPrice = *o.LimitPrice
	}
	var filledAvgPrice decimal.Decimal
	if o.FilledAvgPrice != nil {
		filledAvgPrice = *o.FilledAvgPrice
	}

	res := &models.Order{
		ID:             o.ID,
		ClientOrderID:  o.ClientOrderID,
		Symbol:         o.Symbol,
		Qty:            qty,
		FilledQty:      o.FilledQty,
		Type:           string(o.Type),
		Side:           string(o.Side),
		Status:         o.Status,
		LimitPrice:     limitPrice,
		FilledAvgPrice: filledAvgPrice,
		CreatedAt:      o.CreatedAt,
	}
	if o.FilledAt != nil {
		res.FilledAt = o.FilledAt
	}
	return res
}
