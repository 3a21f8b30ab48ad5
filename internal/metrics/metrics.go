// Package metrics exposes the Prometheus metrics the bot updates during
// operation:
//   - bot_ticks_total{state}            – orchestrator outcomes per tick
//   - bot_orders_submitted_total{side,result} – submission attempts
//   - bot_fills_applied_total{side,source}    – fills merged into the ledger
//   - bot_claim_conflicts_total         – daily claims lost to a concurrent caller
//   - bot_equity_usd / bot_realized_pnl_usd   – ledger snapshots (gauges)
//
// Registered in init() and served at /metrics in Prometheus text format.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

var (
	Ticks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_ticks_total",
			Help: "Orchestrator ticks by resulting state",
		},
		[]string{"state"},
	)

	OrdersSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_orders_submitted_total",
			Help: "Order submission attempts by side and result",
		},
		[]string{"side", "result"}, // result: accepted|rejected
	)

	FillsApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_fills_applied_total",
			Help: "Broker fills merged into the ledger, by side and delivery source",
		},
		[]string{"side", "source"}, // source: poll|webhook|mandatory_exit
	)

	ClaimConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bot_claim_conflicts_total",
			Help: "Daily intent claims lost to a concurrent caller",
		},
	)

	Equity = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bot_equity_usd",
			Help: "Ledger equity in USD",
		},
	)

	RealizedPnL = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bot_realized_pnl_usd",
			Help: "Cumulative realized P&L in USD",
		},
	)
)

func init() {
	prometheus.MustRegister(
		Ticks,
		OrdersSubmitted,
		FillsApplied,
		ClaimConflicts,
		Equity,
		RealizedPnL,
	)
}

// SetMoney updates the equity and realized P&L gauges from ledger values.
func SetMoney(equity, pnl decimal.Decimal) {
	Equity.Set(equity.InexactFloat64())
	RealizedPnL.Set(pnl.InexactFloat64())
}
