package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"daytrader/internal/ledger"
	"daytrader/internal/metrics"
	"daytrader/internal/models"
)

// Orchestrator states. A tick reports the state it ended in.
const (
	StateIdle          = "IDLE"
	StatePrewarm       = "PREWARM"
	StateClaiming      = "CLAIMING"
	StateEntering      = "ENTERING"
	StateOpen          = "OPEN"
	StateMandatoryExit = "MANDATORY_EXIT"
)

// TickResult is the structured outcome of one orchestrator invocation,
// returned verbatim by the tick endpoint.
type TickResult struct {
	State              string                 `json:"state"`
	Reason             string                 `json:"reason,omitempty"`
	LastRecommendation *models.Recommendation `json:"last_recommendation,omitempty"`
	OpenPosition       *models.Position       `json:"open_position,omitempty"`
	LiveQuote          *models.Quote          `json:"live_quote,omitempty"`
	ServerTime         string                 `json:"server_time_exchange_local"`
	Diagnostics        []string               `json:"diagnostics,omitempty"`
}

// RunTick is the periodic entry point. Overlapping callers in this process
// coalesce onto one computation; instances in other processes coordinate
// through the ledger's conditional writes.
func (e *Engine) RunTick(ctx context.Context) *TickResult {
	res := e.flight.Do(func() *TickResult {
		return e.tick(ctx)
	})
	metrics.Ticks.WithLabelValues(res.State).Inc()
	return res
}

// tick runs the state machine once.
func (e *Engine) tick(ctx context.Context) *TickResult {
	now := e.clk.Now()
	day := e.clk.TodayKey(now)
	res := &TickResult{
		State:      StateIdle,
		ServerTime: now.Format("2006-01-02 15:04:05 MST"),
	}

	if !e.clk.IsTradingDay(now) {
		res.Reason = "not a trading day"
		return e.decorate(ctx, day, res)
	}

	pos, err := e.openPosition(ctx)
	if err != nil {
		res.Reason = fmt.Sprintf("ledger unavailable: %v", err)
		return res
	}

	// Cutoff beats everything: an open position past the mandatory exit
	// time is flattened before any further entry logic can run today.
	if pos != nil && e.clk.IsMandatoryExitTime(now) {
		if err := e.MandatoryExit(ctx); err != nil {
			log.Printf("Tick: mandatory exit failed, will retry next tick: %v", err)
			res.State = StateMandatoryExit
			res.Reason = err.Error()
			return e.decorate(ctx, day, res)
		}
		res.State = StateMandatoryExit
		return e.decorate(ctx, day, res)
	}

	if pos != nil {
		res.State = StateOpen
		return e.decorate(ctx, day, res)
	}

	// No position. Clear a claim that was taken this day but never turned
	// into a position before the entry window closed.
	if e.clk.InEndOfWindowFailsafe(now) {
		st, serr := e.store.GetBotState(ctx)
		if serr == nil && st.LastRunDay != nil && *st.LastRunDay == day {
			if rerr := e.store.ReleaseClaim(ctx); rerr != nil {
				log.Printf("Tick: failsafe release failed: %v", rerr)
			} else {
				log.Printf("Tick: failsafe released stuck claim for %s", day)
				res.Diagnostics = append(res.Diagnostics, "failsafe released stuck claim")
			}
		}
	}

	if !e.clk.IsSessionOpen(now) {
		res.Reason = "session closed"
		return e.decorate(ctx, day, res)
	}

	if e.clk.InPrewarmWindow(now) {
		res.State = StatePrewarm
		if _, err := e.ensureRecommendation(ctx, day); err != nil {
			// Best-effort this early; the entry window retries.
			res.Diagnostics = append(res.Diagnostics, fmt.Sprintf("prewarm: %v", err))
		}
		return e.decorate(ctx, day, res)
	}

	if !e.clk.InEntryWindow(now) {
		res.Reason = "outside entry window"
		return e.decorate(ctx, day, res)
	}

	// CLAIMING: exactly one concurrent caller per day proceeds past here.
	res.State = StateClaiming
	granted, err := e.store.TryClaim(ctx, day)
	if err != nil {
		res.State = StateIdle
		res.Reason = fmt.Sprintf("claim failed: %v", err)
		return e.decorate(ctx, day, res)
	}
	if !granted {
		// Normal no-op outcome, not an error.
		metrics.ClaimConflicts.Inc()
		res.State = StateIdle
		res.Reason = "daily claim already taken"
		return e.decorate(ctx, day, res)
	}

	// Re-check after the claim: a fill may have landed concurrently via
	// reconciliation while we were claiming.
	if pos, err = e.openPosition(ctx); err == nil && pos != nil {
		res.State = StateOpen
		res.Reason = "position appeared during claim"
		return e.decorate(ctx, day, res)
	}

	res.State = StateEntering
	reco, err := e.ensureRecommendation(ctx, day)
	if err != nil {
		e.releaseAfterFailure(ctx, res, fmt.Sprintf("no recommendation: %v", err))
		return e.decorate(ctx, day, res)
	}

	opened, err := e.enterPosition(ctx, reco.Ticker, day)
	if err != nil {
		e.releaseAfterFailure(ctx, res, fmt.Sprintf("entry failed: %v", err))
		return e.decorate(ctx, day, res)
	}

	res.State = StateOpen
	res.OpenPosition = opened
	return e.decorate(ctx, day, res)
}

// releaseAfterFailure releases the claim on a post-claim failure path and
// records the diagnostic reason.
func (e *Engine) releaseAfterFailure(ctx context.Context, res *TickResult, reason string) {
	res.State = StateIdle
	res.Reason = reason
	if err := e.store.ReleaseClaim(ctx); err != nil {
		log.Printf("Tick: release claim after failure: %v", err)
		res.Diagnostics = append(res.Diagnostics, fmt.Sprintf("release claim: %v", err))
	}
}

// ensureRecommendation returns the day's authoritative pick, fetching one
// via the advisor if the ledger has none yet. The advisor call bursts a few
// bounded retries within this invocation because the entry window is short.
func (e *Engine) ensureRecommendation(ctx context.Context, day string) (*models.Recommendation, error) {
	if reco, err := e.store.RecommendationForDay(ctx, day); err == nil {
		return reco, nil
	} else if !errors.Is(err, ledger.ErrNotFound) {
		return nil, err
	}

	movers, err := e.broker.GetTopMovers(e.cfg.AdvisorCandidates)
	if err != nil {
		return nil, fmt.Errorf("top movers: %w", err)
	}
	e.setMovers(movers)

	policy := RetryPolicy{
		MaxAttempts: e.cfg.AdvisorMaxAttempts,
		Delay:       time.Duration(e.cfg.AdvisorRetryDelaySec) * time.Second,
		Timeout:     20 * time.Second,
	}

	var ticker string
	err = policy.Do(ctx, func(actx context.Context) error {
		pick, perr := e.advisor.Pick(actx, movers)
		if perr != nil {
			return perr
		}
		if pick.Ticker == "" {
			return fmt.Errorf("advisor declined to pick")
		}
		ticker = pick.Ticker
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoRecommendation, err)
	}

	price := e.snapshotPrice(ticker)
	if !price.IsPositive() {
		if q, qerr := e.broker.GetQuote(ticker); qerr == nil {
			price = q.Mid()
		}
	}

	reco := &models.Recommendation{
		Ticker: ticker,
		Price:  price,
		At:     time.Now(),
		Day:    day,
	}
	if err := e.store.SaveRecommendation(ctx, reco); err != nil {
		return nil, err
	}
	log.Printf("Recommendation for %s: %s @ $%s", day, ticker, price.StringFixed(2))

	if bars, berr := e.broker.GetIntradayBars(ticker, 30*time.Minute); berr == nil && len(bars) > 0 {
		lo, hi := bars[0].Low, bars[0].High
		for _, b := range bars[1:] {
			if b.Low.LessThan(lo) {
				lo = b.Low
			}
			if b.High.GreaterThan(hi) {
				hi = b.High
			}
		}
		log.Printf("Early session range for %s: low $%s high $%s", ticker, lo.StringFixed(2), hi.StringFixed(2))
	}
	return reco, nil
}

// decorate attaches the day's recommendation, the open position and a live
// quote to the result for the tick endpoint's consumers.
func (e *Engine) decorate(ctx context.Context, day string, res *TickResult) *TickResult {
	if reco, err := e.store.RecommendationForDay(ctx, day); err == nil {
		res.LastRecommendation = reco
	}
	if res.OpenPosition == nil {
		if pos, err := e.openPosition(ctx); err == nil && pos != nil {
			res.OpenPosition = pos
		}
	}
	if res.OpenPosition != nil {
		if q, err := e.broker.GetQuote(res.OpenPosition.Ticker); err == nil {
			res.LiveQuote = q
		}
	} else if res.LastRecommendation != nil {
		if q, err := e.broker.GetQuote(res.LastRecommendation.Ticker); err == nil {
			res.LiveQuote = q
		}
	}
	if realized, n, err := e.PnLSummary(ctx); err == nil && n > 0 {
		res.Diagnostics = append(res.Diagnostics, fmt.Sprintf("fifo realized $%s over %d trades", realized.StringFixed(2), n))
	}
	return res
}
