// Package calendar provides trading-day arithmetic over the A-share exchange
// calendar: today-cap resolution, next/previous trading day lookup, and
// trading-day range enumeration. Dates are represented as 8-digit integers
// YYYYMMDD throughout, per Design Note "Dynamic-typing legacy" — comparisons
// are plain integer comparisons, never string or time.Time comparisons.
package calendar

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNoCalendarData is returned when TodayCap cannot resolve a trading day
// because the calendar cache is empty for the requested exchange. Callers
// must treat this as a hard error and must not proceed with a speculative
// date (spec failure mode for Clock & Calendar).
var ErrNoCalendarData = errors.New("calendar: no trading-day data available")

// ErrDateNotFound is returned when NextTradingDay/PreviousTradingDay is asked
// to step from a date beyond the cached horizon and a refresh still does not
// produce an answer.
var ErrDateNotFound = errors.New("calendar: date outside known calendar horizon")

// Entry is one row of the trade calendar: a single exchange-date with its
// open/closed flag and a precomputed link to the previous trading day.
type Entry struct {
	Exchange        string
	Date            int // YYYYMMDD
	IsOpen          bool
	PrevTradingDate int // YYYYMMDD, 0 if none
}

// Store abstracts calendar-row persistence (PersistentCalendarStore is the
// Postgres-backed production implementation; tests use an in-memory fake).
type Store interface {
	// LoadEntries returns every known calendar row for exchange, ordered by
	// ascending date.
	LoadEntries(ctx context.Context, exchange string) ([]Entry, error)
}

// ToDate converts a wall-clock time (already in the desired location) to the
// YYYYMMDD integer representation.
func ToDate(t time.Time) int {
	return t.Year()*10000 + int(t.Month())*100 + t.Day()
}

// ParseDate converts a YYYYMMDD integer into a time.Time at midnight in loc.
func ParseDate(date int, loc *time.Location) time.Time {
	year := date / 10000
	month := (date / 100) % 100
	day := date % 100

	return time.Date(year, time.Month(month), day, 0, 0, 0, 0, loc)
}

// Calendar resolves trading-day arithmetic for one exchange, backed by a
// cache refreshed from Store. The cache is an in-process sorted list of open
// trading days guarded by a RWMutex, the same read-mostly / copy-on-refresh
// shape as the teacher's rate limiter bucket registry, refreshed when a
// lookup requests a date beyond the cached horizon.
type Calendar struct {
	store    Store
	exchange string
	loc      *time.Location

	cache *cachedCalendar
}

// New constructs a Calendar for one exchange. loc is a constructor parameter
// (e.g. Asia/Shanghai), never a package-level global, per Design Note
// "Global mutable state."
func New(store Store, exchange string, loc *time.Location) *Calendar {
	return &Calendar{
		store:    store,
		exchange: exchange,
		loc:      loc,
		cache:    newCachedCalendar(),
	}
}

// TodayCap returns the greatest trading day <= wall-clock today in the
// calendar's configured location. Returns ErrNoCalendarData if the cache has
// no entries at or before today.
func (c *Calendar) TodayCap(ctx context.Context) (int, error) {
	wallToday := ToDate(time.Now().In(c.loc))

	if err := c.ensureHorizon(ctx, wallToday); err != nil {
		return 0, err
	}

	day, ok := c.cache.floor(wallToday)
	if !ok {
		return 0, fmt.Errorf("%w: exchange=%s asOf=%d", ErrNoCalendarData, c.exchange, wallToday)
	}

	return day, nil
}

// NextTradingDay returns the smallest open trading day strictly greater than
// d.
func (c *Calendar) NextTradingDay(ctx context.Context, d int) (int, error) {
	if err := c.ensureHorizon(ctx, d); err != nil {
		return 0, err
	}

	day, ok := c.cache.ceilingAfter(d)
	if !ok {
		return 0, fmt.Errorf("%w: exchange=%s after=%d", ErrDateNotFound, c.exchange, d)
	}

	return day, nil
}

// PreviousTradingDay returns the greatest open trading day strictly less
// than d.
func (c *Calendar) PreviousTradingDay(ctx context.Context, d int) (int, error) {
	if err := c.ensureHorizon(ctx, d); err != nil {
		return 0, err
	}

	day, ok := c.cache.floorBefore(d)
	if !ok {
		return 0, fmt.Errorf("%w: exchange=%s before=%d", ErrDateNotFound, c.exchange, d)
	}

	return day, nil
}

// TradingDaysBetween returns every open trading day in [a, b], ascending.
// An empty (or inverted) range returns an empty, non-nil slice.
func (c *Calendar) TradingDaysBetween(ctx context.Context, a, b int) ([]int, error) {
	if a > b {
		return []int{}, nil
	}

	if err := c.ensureHorizon(ctx, b); err != nil {
		return nil, err
	}

	return c.cache.between(a, b), nil
}

// ensureHorizon triggers a refresh from Store if horizon is beyond what the
// cache currently knows about.
func (c *Calendar) ensureHorizon(ctx context.Context, horizon int) error {
	if c.cache.covers(horizon) {
		return nil
	}

	entries, err := c.store.LoadEntries(ctx, c.exchange)
	if err != nil {
		return fmt.Errorf("calendar: load entries for %s: %w", c.exchange, err)
	}

	c.cache.replace(entries)

	return nil
}
