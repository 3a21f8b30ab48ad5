package engine

import (
	"sync"
	"time"
)

// flight coalesces overlapping tick computations within one process: callers
// arriving while a tick is in flight wait for and share its result, and
// callers arriving within minInterval of the last completed tick get that
// result served straight back, bounding upstream call volume.
//
// This is a per-instance optimization only. Claims and idempotency are
// enforced in the ledger, never here; a second process instance simply runs
// its own flights against the same database.
type flight struct {
	mu          sync.Mutex
	current     *call
	last        *TickResult
	lastAt      time.Time
	minInterval time.Duration
}

type call struct {
	done chan struct{}
	res  *TickResult
}

func newFlight(minInterval time.Duration) *flight {
	return &flight{minInterval: minInterval}
}

// Do returns the coalesced result of fn.
func (f *flight) Do(fn func() *TickResult) *TickResult {
	f.mu.Lock()
	if f.last != nil && time.Since(f.lastAt) < f.minInterval {
		res := f.last
		f.mu.Unlock()
		return res
	}
	if c := f.current; c != nil {
		f.mu.Unlock()
		<-c.done
		return c.res
	}
	c := &call{done: make(chan struct{})}
	f.current = c
	f.mu.Unlock()

	c.res = fn()
	close(c.done)

	f.mu.Lock()
	f.current = nil
	f.last = c.res
	f.lastAt = time.Now()
	f.mu.Unlock()

	return c.res
}
