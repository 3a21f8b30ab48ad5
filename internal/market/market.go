package market

import (
	"time"

	"github.com/shopspring/decimal"

	"daytrader/internal/models"
)

// OrderRequest is a broker-agnostic order submission. A zero TakeProfit or
// StopLoss omits that bracket leg.
type OrderRequest struct {
	Symbol        string
	Qty           decimal.Decimal
	Side          string // "buy" or "sell"
	Type          string // "market" or "limit"
	LimitPrice    decimal.Decimal
	TakeProfit    decimal.Decimal
	StopLoss      decimal.Decimal
	ClientOrderID string
}

// Provider is the brokerage + market-data collaborator boundary. Anything
// that satisfies it can back the engine, which is how tests run without a
// live venue.
type Provider interface {
	// Market data
	GetPrice(ticker string) (decimal.Decimal, error)
	GetQuote(ticker string) (*models.Quote, error)
	GetTopMovers(limit int) ([]models.Mover, error)
	GetIntradayBars(ticker string, lookback time.Duration) ([]models.Bar, error)

	// Account / venue state
	GetClock() (*models.Clock, error)
	GetAccount() (*models.Account, error)
	GetAsset(symbol string) (*models.Asset, error)
	ListPositions() ([]models.BrokerPosition, error)

	// Execution
	PlaceOrder(req OrderRequest) (*models.Order, error)
	ListOrders(since time.Time) ([]models.Order, error)
	CancelAllOrders() error
	ClosePositionAtMarket(symbol string) (*models.Order, error)
}
