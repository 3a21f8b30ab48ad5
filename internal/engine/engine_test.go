package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"daytrader/internal/advisor"
	"daytrader/internal/clock"
	"daytrader/internal/config"
	"daytrader/internal/ledger"
	"daytrader/internal/market"
	"daytrader/internal/models"
)

// fakeBroker is a scriptable market.Provider. Zero value answers empty data;
// tests override the fields and funcs they care about.
type fakeBroker struct {
	mu sync.Mutex

	quotes     map[string]*models.Quote
	movers     []models.Mover
	orders     []models.Order
	positions  []models.BrokerPosition
	placeFn    func(req market.OrderRequest) (*models.Order, error)
	closeFn    func(symbol string) (*models.Order, error)
	placed     []market.OrderRequest
	cancelled  bool
	closedSyms []string
}

func (f *fakeBroker) GetPrice(ticker string) (decimal.Decimal, error) {
	q, err := f.GetQuote(ticker)
	if err != nil {
		return decimal.Zero, err
	}
	return q.Mid(), nil
}

func (f *fakeBroker) GetQuote(ticker string) (*models.Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if q, ok := f.quotes[ticker]; ok {
		return q, nil
	}
	return nil, fmt.Errorf("no quote for %s", ticker)
}

func (f *fakeBroker) GetTopMovers(limit int) ([]models.Mover, error) {
	if len(f.movers) > limit {
		return f.movers[:limit], nil
	}
	return f.movers, nil
}

func (f *fakeBroker) GetIntradayBars(string, time.Duration) ([]models.Bar, error) {
	return nil, nil
}

func (f *fakeBroker) GetClock() (*models.Clock, error) {
	return &models.Clock{IsOpen: true}, nil
}

func (f *fakeBroker) GetAccount() (*models.Account, error) {
	return &models.Account{}, nil
}

func (f *fakeBroker) GetAsset(symbol string) (*models.Asset, error) {
	return &models.Asset{Symbol: symbol, Tradable: true}, nil
}

func (f *fakeBroker) ListPositions() ([]models.BrokerPosition, error) {
	return f.positions, nil
}

func (f *fakeBroker) PlaceOrder(req market.OrderRequest) (*models.Order, error) {
	f.mu.Lock()
	f.placed = append(f.placed, req)
	f.mu.Unlock()
	if f.placeFn != nil {
		return f.placeFn(req)
	}
	return &models.Order{
		ID:         fmt.Sprintf("order-%d", len(f.placed)),
		Symbol:     req.Symbol,
		Side:       req.Side,
		Status:     "accepted",
		Qty:        req.Qty,
		LimitPrice: req.LimitPrice,
	}, nil
}

func (f *fakeBroker) ListOrders(time.Time) ([]models.Order, error) {
	return f.orders, nil
}

func (f *fakeBroker) CancelAllOrders() error {
	f.cancelled = true
	return nil
}

func (f *fakeBroker) ClosePositionAtMarket(symbol string) (*models.Order, error) {
	f.mu.Lock()
	f.closedSyms = append(f.closedSyms, symbol)
	f.mu.Unlock()
	if f.closeFn != nil {
		return f.closeFn(symbol)
	}
	return &models.Order{ID: "close-" + symbol, Symbol: symbol, Side: "sell", Status: "accepted"}, nil
}

// fakeAdvisor returns a scripted pick, or errors for the first failures.
type fakeAdvisor struct {
	pick     *advisor.Pick
	err      error
	failures int
	calls    int
}

func (f *fakeAdvisor) Pick(context.Context, []models.Mover) (*advisor.Pick, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if f.calls <= f.failures {
		return nil, fmt.Errorf("advisor unavailable")
	}
	return f.pick, nil
}

func testConfig() *config.Config {
	return &config.Config{
		InitialCash:          4000,
		BudgetCap:            4000,
		TargetPct:            0.10,
		StopPct:              -0.05,
		SlippageSteps:        []float64{0.003, 0.006, 0.010},
		EntryWindowStart:     "09:35",
		EntryWindowMinutes:   2,
		PrewarmMinutes:       3,
		MandatoryExitTime:    "15:55",
		FailsafeMinutes:      2,
		TickIntervalSec:      30,
		FillWindowMinutes:    90,
		AdvisorMaxAttempts:   3,
		AdvisorCandidates:    10,
		AdvisorRetryDelaySec: 0,
	}
}

type testRig struct {
	eng    *Engine
	store  *ledger.Store
	broker *fakeBroker
	adv    *fakeAdvisor
	clk    *clock.Clock
	notes  []string
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	cfg := testConfig()

	store, err := ledger.Open(":memory:", decimal.NewFromFloat(cfg.InitialCash))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clk, err := clock.New(clock.Windows{
		EntryStart:      cfg.EntryWindowStart,
		EntryMinutes:    cfg.EntryWindowMinutes,
		PrewarmMinutes:  cfg.PrewarmMinutes,
		MandatoryExit:   cfg.MandatoryExitTime,
		FailsafeMinutes: cfg.FailsafeMinutes,
	})
	require.NoError(t, err)

	broker := &fakeBroker{quotes: map[string]*models.Quote{}}
	adv := &fakeAdvisor{pick: &advisor.Pick{Ticker: "AAPL"}}

	rig := &testRig{store: store, broker: broker, adv: adv, clk: clk}
	rig.eng = New(cfg, clk, store, broker, adv, func(msg string) {
		rig.notes = append(rig.notes, msg)
	})
	return rig
}

// at pins the rig's clock to hour:min exchange-local on Tuesday 2025-06-03.
func (r *testRig) at(t *testing.T, hour, min int) {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	fixed := time.Date(2025, 6, 3, hour, min, 0, 0, loc)
	r.clk.NowFunc = func() time.Time { return fixed }
}

func (r *testRig) quote(symbol string, bid, ask float64) {
	r.broker.mu.Lock()
	defer r.broker.mu.Unlock()
	r.broker.quotes[symbol] = &models.Quote{
		Symbol:   symbol,
		BidPrice: decimal.NewFromFloat(bid),
		AskPrice: decimal.NewFromFloat(ask),
	}
}

func (r *testRig) openPos(t *testing.T, ticker string, entry float64, shares int64, orderID string) *models.Position {
	t.Helper()
	pos := &models.Position{
		Ticker:        ticker,
		EntryPrice:    decimal.NewFromFloat(entry),
		Shares:        decimal.NewFromInt(shares),
		BrokerOrderID: orderID,
		CreatedAt:     time.Now(),
	}
	require.NoError(t, r.store.OpenPosition(context.Background(), pos))
	return pos
}

func (r *testRig) cash(t *testing.T) decimal.Decimal {
	t.Helper()
	st, err := r.store.GetBotState(context.Background())
	require.NoError(t, err)
	return st.Cash
}
