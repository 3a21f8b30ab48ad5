// Package clock is a pure predicate library over exchange-local time.
// It owns no state besides the configured windows: every method is a
// function of the time it is given, which keeps the orchestrator's gating
// logic trivially testable.
package clock

import (
	"fmt"
	"time"
)

// Windows configures the named trading windows, all in exchange-local
// wall-clock terms.
type Windows struct {
	EntryStart      string // "HH:MM", start of the entry window
	EntryMinutes    int    // entry window duration
	PrewarmMinutes  int    // pre-warm window immediately before the entry window
	MandatoryExit   string // "HH:MM", open positions are flattened at or after this
	FailsafeMinutes int    // tail after the entry window in which a stuck claim is cleared
}

// Regular NYSE session, exchange-local.
const (
	sessionOpen  = "09:30"
	sessionClose = "16:00"
)

// Clock evaluates session and window predicates in the exchange timezone.
// NowFunc is swappable for tests; everything else is pure.
type Clock struct {
	loc     *time.Location
	w       Windows
	NowFunc func() time.Time
}

// New builds a Clock for the given windows. The exchange timezone is
// America/New_York; if tzdata is unavailable we fall back to a fixed EST
// offset, which is wrong for half the year but keeps the bot limping rather
// than dead.
func New(w Windows) (*Clock, error) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		loc = time.FixedZone("EST", -5*3600)
	}
	if _, err := parseHHMM(w.EntryStart); err != nil {
		return nil, fmt.Errorf("clock.New: entry window start: %w", err)
	}
	if _, err := parseHHMM(w.MandatoryExit); err != nil {
		return nil, fmt.Errorf("clock.New: mandatory exit time: %w", err)
	}
	return &Clock{loc: loc, w: w, NowFunc: time.Now}, nil
}

// Now returns the current exchange-local time.
func (c *Clock) Now() time.Time {
	return c.NowFunc().In(c.loc)
}

// TodayKey returns the exchange-local calendar day string used as the daily
// claim key.
func (c *Clock) TodayKey(t time.Time) string {
	return t.In(c.loc).Format("2006-01-02")
}

// IsTradingDay reports whether t falls on a weekday. Exchange holidays are
// handled upstream: the broker clock says the session never opens, so all
// session-dependent predicates stay false.
func (c *Clock) IsTradingDay(t time.Time) bool {
	wd := t.In(c.loc).Weekday()
	return wd != time.Saturday && wd != time.Sunday
}

// IsSessionOpen reports whether t is inside the regular session.
func (c *Clock) IsSessionOpen(t time.Time) bool {
	if !c.IsTradingDay(t) {
		return false
	}
	lt := t.In(c.loc)
	return !lt.Before(c.at(lt, sessionOpen)) && lt.Before(c.at(lt, sessionClose))
}

// InPrewarmWindow reports whether t is in the window immediately before the
// entry window, where the recommendation is fetched best-effort.
func (c *Clock) InPrewarmWindow(t time.Time) bool {
	lt := t.In(c.loc)
	start := c.entryStart(lt).Add(-time.Duration(c.w.PrewarmMinutes) * time.Minute)
	return !lt.Before(start) && lt.Before(c.entryStart(lt))
}

// InEntryWindow reports whether t is inside the entry window.
func (c *Clock) InEntryWindow(t time.Time) bool {
	lt := t.In(c.loc)
	return !lt.Before(c.entryStart(lt)) && lt.Before(c.entryEnd(lt))
}

// InEndOfWindowFailsafe reports whether t is in the short tail right after
// the entry window. A claim still held here without a position is stuck and
// gets cleared.
func (c *Clock) InEndOfWindowFailsafe(t time.Time) bool {
	lt := t.In(c.loc)
	end := c.entryEnd(lt)
	return !lt.Before(end) && lt.Before(end.Add(time.Duration(c.w.FailsafeMinutes)*time.Minute))
}

// IsMandatoryExitTime reports whether any open position must be flattened.
func (c *Clock) IsMandatoryExitTime(t time.Time) bool {
	if !c.IsTradingDay(t) {
		return false
	}
	lt := t.In(c.loc)
	return !lt.Before(c.at(lt, c.w.MandatoryExit)) && lt.Before(c.at(lt, sessionClose))
}

func (c *Clock) entryStart(lt time.Time) time.Time {
	return c.at(lt, c.w.EntryStart)
}

func (c *Clock) entryEnd(lt time.Time) time.Time {
	return c.entryStart(lt).Add(time.Duration(c.w.EntryMinutes) * time.Minute)
}

// at anchors an "HH:MM" wall-clock string onto lt's calendar day.
func (c *Clock) at(lt time.Time, hhmm string) time.Time {
	m, _ := parseHHMM(hhmm)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), m/60, m%60, 0, 0, c.loc)
}

func parseHHMM(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("invalid HH:MM %q: %w", s, err)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid HH:MM %q", s)
	}
	return h*60 + m, nil
}
