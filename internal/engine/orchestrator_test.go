package engine

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"daytrader/internal/models"
)

const testDay = "2025-06-03"

func (r *testRig) moversWith(symbol string, price float64) {
	r.broker.movers = []models.Mover{{
		Symbol:        symbol,
		Price:         decimal.NewFromFloat(price),
		ChangePercent: decimal.NewFromFloat(4.2),
	}}
}

func TestTickWeekendIsIdle(t *testing.T) {
	rig := newTestRig(t)
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	saturday := time.Date(2025, 6, 7, 10, 0, 0, 0, loc)
	rig.clk.NowFunc = func() time.Time { return saturday }

	res := rig.eng.RunTick(context.Background())
	assert.Equal(t, StateIdle, res.State)
	assert.Equal(t, "not a trading day", res.Reason)
}

func TestTickOutsideSessionIsIdle(t *testing.T) {
	rig := newTestRig(t)
	rig.at(t, 8, 0)

	res := rig.eng.RunTick(context.Background())
	assert.Equal(t, StateIdle, res.State)
	assert.Equal(t, "session closed", res.Reason)
}

func TestTickOutsideEntryWindowIsIdle(t *testing.T) {
	rig := newTestRig(t)
	rig.at(t, 11, 0)

	res := rig.eng.RunTick(context.Background())
	assert.Equal(t, StateIdle, res.State)
	assert.Equal(t, "outside entry window", res.Reason)
}

func TestTickPrewarmFetchesRecommendation(t *testing.T) {
	rig := newTestRig(t)
	rig.at(t, 9, 33)
	rig.moversWith("AAPL", 200)
	rig.quote("AAPL", 199.5, 200.5)

	res := rig.eng.RunTick(context.Background())
	assert.Equal(t, StatePrewarm, res.State)

	reco, err := rig.store.RecommendationForDay(context.Background(), testDay)
	require.NoError(t, err)
	assert.Equal(t, "AAPL", reco.Ticker)
	assert.Equal(t, "200", reco.Price.String())

	// The prewarm never claims the day.
	st, err := rig.store.GetBotState(context.Background())
	require.NoError(t, err)
	assert.Nil(t, st.LastRunDay)
}

func TestTickEntryWindowOpensPosition(t *testing.T) {
	rig := newTestRig(t)
	rig.at(t, 9, 35)
	rig.moversWith("AAPL", 200)
	rig.quote("AAPL", 199.5, 200.5)

	res := rig.eng.RunTick(context.Background())
	require.Equal(t, StateOpen, res.State)
	require.NotNil(t, res.OpenPosition)
	assert.Equal(t, "AAPL", res.OpenPosition.Ticker)
	assert.NotNil(t, res.LiveQuote)

	// Claim stays taken after a successful entry.
	st, err := rig.store.GetBotState(context.Background())
	require.NoError(t, err)
	require.NotNil(t, st.LastRunDay)
	assert.Equal(t, testDay, *st.LastRunDay)

	// A second tick simply reports the open position.
	res = rig.eng.RunTick(context.Background())
	assert.Equal(t, StateOpen, res.State)
	assert.Len(t, rig.broker.placed, 1, "no second entry order")
}

func TestTickClaimConflictIsIdleNoOp(t *testing.T) {
	rig := newTestRig(t)
	rig.at(t, 9, 35)

	// Another instance already holds today's claim.
	granted, err := rig.store.TryClaim(context.Background(), testDay)
	require.NoError(t, err)
	require.True(t, granted)

	res := rig.eng.RunTick(context.Background())
	assert.Equal(t, StateIdle, res.State)
	assert.Equal(t, "daily claim already taken", res.Reason)
	assert.Empty(t, rig.broker.placed)
}

func TestTickReleasesClaimWhenAdvisorFails(t *testing.T) {
	rig := newTestRig(t)
	rig.at(t, 9, 35)
	rig.moversWith("AAPL", 200)
	rig.adv.failures = 99 // exhaust every burst attempt

	res := rig.eng.RunTick(context.Background())
	assert.Equal(t, StateIdle, res.State)
	assert.Contains(t, res.Reason, "no recommendation")

	// Claim released: the next tick inside the window may retry.
	st, err := rig.store.GetBotState(context.Background())
	require.NoError(t, err)
	assert.Nil(t, st.LastRunDay)
}

func TestTickReleasesClaimWhenEntryRejected(t *testing.T) {
	rig := newTestRig(t)
	rig.at(t, 9, 35)
	rig.moversWith("GHOST", 0) // no usable reference price anywhere

	res := rig.eng.RunTick(context.Background())
	assert.Equal(t, StateIdle, res.State)
	assert.Contains(t, res.Reason, "entry failed")

	st, err := rig.store.GetBotState(context.Background())
	require.NoError(t, err)
	assert.Nil(t, st.LastRunDay)
	assert.Equal(t, "4000", rig.cash(t).String())
}

func TestTickFailsafeClearsStuckClaim(t *testing.T) {
	rig := newTestRig(t)
	rig.at(t, 9, 38) // just past the entry window

	granted, err := rig.store.TryClaim(context.Background(), testDay)
	require.NoError(t, err)
	require.True(t, granted)

	res := rig.eng.RunTick(context.Background())
	assert.Equal(t, StateIdle, res.State)
	assert.Contains(t, res.Diagnostics, "failsafe released stuck claim")

	st, err := rig.store.GetBotState(context.Background())
	require.NoError(t, err)
	assert.Nil(t, st.LastRunDay)
}

func TestTickFailsafeLeavesForeignDayAlone(t *testing.T) {
	rig := newTestRig(t)
	rig.at(t, 9, 38)

	granted, err := rig.store.TryClaim(context.Background(), "2025-06-02")
	require.NoError(t, err)
	require.True(t, granted)

	rig.eng.RunTick(context.Background())

	st, err := rig.store.GetBotState(context.Background())
	require.NoError(t, err)
	require.NotNil(t, st.LastRunDay)
	assert.Equal(t, "2025-06-02", *st.LastRunDay)
}

func TestTickMandatoryExitBeatsEverything(t *testing.T) {
	rig := newTestRig(t)
	rig.at(t, 15, 56)
	rig.openPos(t, "XYZ", 20.00, 200, "ord-1")
	rig.setCash(t, 0)
	rig.quote("XYZ", 21.90, 22.10)

	res := rig.eng.RunTick(context.Background())
	assert.Equal(t, StateMandatoryExit, res.State)
	assert.Equal(t, []string{"XYZ"}, rig.broker.closedSyms)

	_, err := rig.store.GetOpenPosition(context.Background())
	assert.Error(t, err)
}

func TestTickOpenPositionReportsQuote(t *testing.T) {
	rig := newTestRig(t)
	rig.at(t, 11, 0)
	rig.openPos(t, "XYZ", 20.00, 200, "ord-1")
	rig.quote("XYZ", 20.40, 20.60)

	res := rig.eng.RunTick(context.Background())
	assert.Equal(t, StateOpen, res.State)
	require.NotNil(t, res.OpenPosition)
	assert.Equal(t, "XYZ", res.OpenPosition.Ticker)
	require.NotNil(t, res.LiveQuote)
	assert.Equal(t, "XYZ", res.LiveQuote.Symbol)
}

func TestTickReusesStoredRecommendation(t *testing.T) {
	rig := newTestRig(t)
	rig.at(t, 9, 35)
	rig.quote("MSFT", 419.5, 420.5)

	reco := &models.Recommendation{Ticker: "MSFT", Price: decimal.NewFromInt(420), At: time.Now(), Day: testDay}
	require.NoError(t, rig.store.SaveRecommendation(context.Background(), reco))

	res := rig.eng.RunTick(context.Background())
	require.Equal(t, StateOpen, res.State)
	assert.Equal(t, "MSFT", res.OpenPosition.Ticker)
	assert.Equal(t, 0, rig.adv.calls, "stored pick is authoritative, advisor not consulted")
}
