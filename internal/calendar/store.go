package calendar

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ashare-etl/etl/internal/storage"
)

// PersistentCalendarStore loads calendar rows from meta_trade_calendar,
// grounded on the teacher's PersistentKeyStore read/cache shape: one
// connection, parameterized queries, context-scoped calls.
type PersistentCalendarStore struct {
	conn *storage.Connection
}

// NewPersistentCalendarStore constructs a Store backed by conn.
func NewPersistentCalendarStore(conn *storage.Connection) *PersistentCalendarStore {
	return &PersistentCalendarStore{conn: conn}
}

// LoadEntries implements Store.
func (s *PersistentCalendarStore) LoadEntries(ctx context.Context, exchange string) ([]Entry, error) {
	const query = `
		SELECT calendar_date, is_open, prev_trading_date
		FROM meta_trade_calendar
		WHERE exchange = $1
		ORDER BY calendar_date ASC`

	rows, err := s.conn.QueryContext(ctx, query, exchange)
	if err != nil {
		return nil, fmt.Errorf("calendar store: query entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry

	for rows.Next() {
		var (
			e        Entry
			prevDate sql.NullInt64
		)

		e.Exchange = exchange

		if err := rows.Scan(&e.Date, &e.IsOpen, &prevDate); err != nil {
			return nil, fmt.Errorf("calendar store: scan entry: %w", err)
		}

		if prevDate.Valid {
			e.PrevTradingDate = int(prevDate.Int64)
		}

		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("calendar store: iterate entries: %w", err)
	}

	return entries, nil
}

// Upsert writes (or replaces) one calendar row. Used by the calendar-ingest
// stage function to populate meta_trade_calendar from the vendor.
func (s *PersistentCalendarStore) Upsert(ctx context.Context, e Entry) error {
	const stmt = `
		INSERT INTO meta_trade_calendar (exchange, calendar_date, is_open, prev_trading_date)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (exchange, calendar_date) DO UPDATE SET
			is_open = EXCLUDED.is_open,
			prev_trading_date = EXCLUDED.prev_trading_date`

	var prevDate sql.NullInt64
	if e.PrevTradingDate != 0 {
		prevDate = sql.NullInt64{Int64: int64(e.PrevTradingDate), Valid: true}
	}

	if _, err := s.conn.ExecContext(ctx, stmt, e.Exchange, e.Date, e.IsOpen, prevDate); err != nil {
		return fmt.Errorf("calendar store: upsert entry: %w", err)
	}

	return nil
}
