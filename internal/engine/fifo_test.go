package engine

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"daytrader/internal/models"
)

func trade(side, ticker string, shares int64, price string, at time.Time) models.Trade {
	p := decimal.RequireFromString(price)
	return models.Trade{
		Side:        side,
		Ticker:      ticker,
		Price:       p,
		Shares:      decimal.NewFromInt(shares),
		FilledPrice: p,
		FilledAt:    &at,
		CreatedAt:   at,
	}
}

func TestFIFOPartialEntriesOneExit(t *testing.T) {
	base := time.Date(2025, 6, 3, 13, 36, 0, 0, time.UTC)
	trades := []models.Trade{
		trade(models.SideBuy, "XYZ", 120, "20.05", base),
		trade(models.SideBuy, "XYZ", 80, "20.10", base.Add(time.Minute)),
		trade(models.SideSell, "XYZ", 200, "22.00", base.Add(2*time.Hour)),
	}

	rows, lots := ComputeFIFO(trades)
	require.Len(t, rows, 3)

	assert.True(t, rows[0].Realized.IsZero())
	assert.True(t, rows[1].Realized.IsZero())

	// 120 × (22.00 − 20.05) + 80 × (22.00 − 20.10) = 234 + 152 = 386
	assert.Equal(t, "386", rows[2].Realized.String())
	assert.Equal(t, "386", rows[2].Cumulative.String())
	assert.Empty(t, lots["XYZ"])
}

func TestFIFOMatchesOldestLotFirst(t *testing.T) {
	base := time.Date(2025, 6, 3, 13, 36, 0, 0, time.UTC)
	trades := []models.Trade{
		trade(models.SideBuy, "XYZ", 100, "10.00", base),
		trade(models.SideBuy, "XYZ", 100, "12.00", base.Add(time.Minute)),
		trade(models.SideSell, "XYZ", 100, "11.00", base.Add(time.Hour)),
	}

	rows, lots := ComputeFIFO(trades)
	require.Len(t, rows, 3)

	// The $10 lot closes first: +1.00 × 100.
	assert.Equal(t, "100", rows[2].Realized.String())

	require.Len(t, lots["XYZ"], 1)
	assert.Equal(t, "100", lots["XYZ"][0].Quantity.String())
	assert.Equal(t, "12", lots["XYZ"][0].CostBasis.String())
}

func TestFIFOPartialExitSplitsLot(t *testing.T) {
	base := time.Date(2025, 6, 3, 13, 36, 0, 0, time.UTC)
	trades := []models.Trade{
		trade(models.SideBuy, "XYZ", 200, "20.00", base),
		trade(models.SideSell, "XYZ", 50, "21.00", base.Add(time.Hour)),
	}

	rows, lots := ComputeFIFO(trades)
	require.Len(t, rows, 2)
	assert.Equal(t, "50", rows[1].Realized.String())

	require.Len(t, lots["XYZ"], 1)
	assert.Equal(t, "150", lots["XYZ"][0].Quantity.String())
}

func TestFIFOOversellOpensShortLot(t *testing.T) {
	base := time.Date(2025, 6, 3, 13, 36, 0, 0, time.UTC)
	trades := []models.Trade{
		trade(models.SideBuy, "XYZ", 100, "20.00", base),
		trade(models.SideSell, "XYZ", 150, "21.00", base.Add(time.Hour)),
	}

	rows, lots := ComputeFIFO(trades)
	require.Len(t, rows, 2)
	assert.Equal(t, "100", rows[1].Realized.String())

	require.Len(t, lots["XYZ"], 1)
	assert.Equal(t, "-50", lots["XYZ"][0].Quantity.String())
	assert.Equal(t, "21", lots["XYZ"][0].CostBasis.String())
}

func TestFIFOPrefersFilledPrice(t *testing.T) {
	base := time.Date(2025, 6, 3, 13, 36, 0, 0, time.UTC)
	buy := trade(models.SideBuy, "XYZ", 100, "20.00", base)
	buy.FilledPrice = decimal.RequireFromString("19.90") // true fill beats the assumed limit
	sell := trade(models.SideSell, "XYZ", 100, "21.00", base.Add(time.Hour))

	rows, _ := ComputeFIFO([]models.Trade{buy, sell})
	require.Len(t, rows, 2)
	assert.Equal(t, "110", rows[1].Realized.String())
}

func TestFIFOTracksTickersIndependently(t *testing.T) {
	base := time.Date(2025, 6, 3, 13, 36, 0, 0, time.UTC)
	trades := []models.Trade{
		trade(models.SideBuy, "AAA", 10, "5.00", base),
		trade(models.SideBuy, "BBB", 10, "7.00", base.Add(time.Minute)),
		trade(models.SideSell, "AAA", 10, "6.00", base.Add(time.Hour)),
	}

	rows, lots := ComputeFIFO(trades)
	require.Len(t, rows, 3)
	assert.Equal(t, "10", rows[2].Realized.String())
	assert.Empty(t, lots["AAA"])
	assert.Len(t, lots["BBB"], 1)
}
