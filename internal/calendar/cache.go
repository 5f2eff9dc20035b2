package calendar

import (
	"sort"
	"sync"
)

// cachedCalendar is the in-process, RWMutex-guarded sorted list of open
// trading days for one exchange. Grounded on the teacher's
// InMemoryRateLimiter RWMutex-guarded registry shape, with no background
// ticker: a refresh happens lazily when a lookup passes the cached horizon.
// Reads take the read
// lock and never block each other; a refresh takes the write lock and
// swaps the whole slice (copy-on-refresh, no partial mutation visible to
// readers).
type cachedCalendar struct {
	mu       sync.RWMutex
	days     []int // ascending, open trading days only
	maxKnown int    // greatest date seen in the raw entry set, open or closed
}

func newCachedCalendar() *cachedCalendar {
	return &cachedCalendar{}
}

// covers reports whether the cache has already loaded data reaching at
// least horizon.
func (c *cachedCalendar) covers(horizon int) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.maxKnown >= horizon
}

// replace swaps in a freshly loaded entry set.
func (c *cachedCalendar) replace(entries []Entry) {
	days := make([]int, 0, len(entries))

	maxKnown := 0

	for _, e := range entries {
		if e.Date > maxKnown {
			maxKnown = e.Date
		}

		if e.IsOpen {
			days = append(days, e.Date)
		}
	}

	sort.Ints(days)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.days = days
	c.maxKnown = maxKnown
}

// floor returns the greatest open trading day <= d.
func (c *cachedCalendar) floor(d int) (int, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	idx := sort.SearchInts(c.days, d+1) - 1
	if idx < 0 {
		return 0, false
	}

	return c.days[idx], true
}

// floorBefore returns the greatest open trading day strictly less than d.
func (c *cachedCalendar) floorBefore(d int) (int, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	idx := sort.SearchInts(c.days, d) - 1
	if idx < 0 {
		return 0, false
	}

	return c.days[idx], true
}

// ceilingAfter returns the smallest open trading day strictly greater than
// d.
func (c *cachedCalendar) ceilingAfter(d int) (int, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	idx := sort.SearchInts(c.days, d+1)
	if idx >= len(c.days) {
		return 0, false
	}

	return c.days[idx], true
}

// between returns every open trading day in [a, b], ascending.
func (c *cachedCalendar) between(a, b int) []int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	lo := sort.SearchInts(c.days, a)
	hi := sort.SearchInts(c.days, b+1)

	if lo >= hi {
		return []int{}
	}

	out := make([]int, hi-lo)
	copy(out, c.days[lo:hi])

	return out
}
