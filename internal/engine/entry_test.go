package engine

import (
	"context"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"daytrader/internal/market"
	"daytrader/internal/models"
)

func TestEnterPositionHappyPath(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	rig.eng.cfg.BudgetCap = 1000
	rig.quote("XYZ", 19.90, 20.10) // mid 20.00

	pos, err := rig.eng.enterPosition(ctx, "XYZ", "2025-06-03")
	require.NoError(t, err)
	require.NotNil(t, pos)

	// floor(1000 / 20.00) = 50 shares at the first-step limit 20.00 × 1.003.
	assert.Equal(t, "50", pos.Shares.String())
	assert.True(t, pos.EntryPrice.Equal(decimal.RequireFromString("20.06")))

	require.Len(t, rig.broker.placed, 1)
	req := rig.broker.placed[0]
	assert.Equal(t, "limit", req.Type)
	assert.NotEmpty(t, req.ClientOrderID)
	assert.True(t, req.TakeProfit.Equal(decimal.RequireFromString("22.07")), "take profit +10%% of limit, got %s", req.TakeProfit)
	assert.True(t, req.StopLoss.Equal(decimal.RequireFromString("19.06")), "stop −5%% of limit, got %s", req.StopLoss)

	// Cash debited optimistically at the limit: 1000 − 50 × 20.06.
	assert.True(t, rig.cash(t).Equal(decimal.RequireFromString("2997")))

	// Unfilled trade keyed by the broker order id, waiting for its stamp.
	tr, err := rig.store.GetTradeByOrderID(ctx, pos.BrokerOrderID)
	require.NoError(t, err)
	assert.False(t, tr.Stamped())
	assert.Equal(t, models.SideBuy, tr.Side)
}

func TestEnterPositionInsufficientFunds(t *testing.T) {
	rig := newTestRig(t)
	rig.setCash(t, 5)
	rig.quote("XYZ", 19.90, 20.10)

	_, err := rig.eng.enterPosition(context.Background(), "XYZ", "2025-06-03")
	assert.ErrorIs(t, err, ErrInsufficientFunds)
	assert.Empty(t, rig.broker.placed, "no order may reach the broker")
}

func TestEnterPositionNoPrice(t *testing.T) {
	rig := newTestRig(t)

	_, err := rig.eng.enterPosition(context.Background(), "GHOST", "2025-06-03")
	assert.ErrorIs(t, err, ErrNoPrice)
}

func TestEnterPositionWalksSlippageLadder(t *testing.T) {
	rig := newTestRig(t)
	rig.eng.cfg.BudgetCap = 1000
	rig.quote("XYZ", 19.90, 20.10)

	attempts := 0
	rig.broker.placeFn = func(req market.OrderRequest) (*models.Order, error) {
		attempts++
		if attempts < 3 {
			return nil, fmt.Errorf("limit too marketable")
		}
		return &models.Order{ID: "ord-ok", Symbol: req.Symbol, Side: req.Side, Status: "accepted", LimitPrice: req.LimitPrice}, nil
	}

	pos, err := rig.eng.enterPosition(context.Background(), "XYZ", "2025-06-03")
	require.NoError(t, err)

	require.Len(t, rig.broker.placed, 3)
	assert.True(t, rig.broker.placed[0].LimitPrice.Equal(decimal.RequireFromString("20.06")))
	assert.True(t, rig.broker.placed[1].LimitPrice.Equal(decimal.RequireFromString("20.12")))
	assert.True(t, rig.broker.placed[2].LimitPrice.Equal(decimal.RequireFromString("20.2")))

	// Position carries the limit that was finally accepted.
	assert.True(t, pos.EntryPrice.Equal(decimal.RequireFromString("20.2")))
}

func TestEnterPositionAllStepsRejected(t *testing.T) {
	rig := newTestRig(t)
	rig.quote("XYZ", 19.90, 20.10)
	rig.broker.placeFn = func(market.OrderRequest) (*models.Order, error) {
		return nil, fmt.Errorf("rejected")
	}

	_, err := rig.eng.enterPosition(context.Background(), "XYZ", "2025-06-03")
	assert.ErrorIs(t, err, ErrOrderRejected)
	assert.Len(t, rig.broker.placed, 3, "every ladder step must be tried")

	// Money and ledger untouched.
	assert.Equal(t, "4000", rig.cash(t).String())
	_, err = rig.store.GetOpenPosition(context.Background())
	assert.Error(t, err)
}

func TestRetryPolicyStopsAfterMaxAttempts(t *testing.T) {
	calls := 0
	p := RetryPolicy{MaxAttempts: 3}
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return fmt.Errorf("attempt %d", calls)
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Contains(t, err.Error(), "attempt 3", "last error wins")
}

func TestRetryPolicySucceedsMidBurst(t *testing.T) {
	calls := 0
	p := RetryPolicy{MaxAttempts: 5}
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 2 {
			return fmt.Errorf("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}
