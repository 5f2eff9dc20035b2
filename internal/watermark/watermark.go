// Package watermark implements the Watermark Store: a persistent per-API
// cursor with monotonic advancement rules. Advance reads the current row,
// enforces the monotonic and no-future-watermark invariants in Go, then
// writes with a single INSERT ... ON CONFLICT upsert; the read and the
// write do not share a transaction.
package watermark

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ashare-etl/etl/internal/calendar"
	"github.com/ashare-etl/etl/internal/etlerr"
	"github.com/ashare-etl/etl/internal/storage"
)

// Status is a watermark's last-run outcome.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
	StatusRunning Status = "RUNNING"
)

// ErrNotMonotonic is returned by Advance when new <= current.
var ErrNotMonotonic = errors.New("watermark: new value is not greater than current")

// ErrBeyondTodayCap is returned by Advance when new > today_cap(); this is
// the documented fix for "watermark runs into the future".
var ErrBeyondTodayCap = errors.New("watermark: new value exceeds today's trading-day cap")

// State is one API's watermark row.
type State struct {
	APIName   string
	Value     int // YYYYMMDD, 0 if never advanced
	Status    Status
	LastError string
}

// WatermarkError wraps a failed Store operation.
type WatermarkError struct {
	APIName string
	Cause   error
}

func (e *WatermarkError) Error() string {
	return fmt.Sprintf("watermark: %s: %v", e.APIName, e.Cause)
}

func (e *WatermarkError) Unwrap() error {
	return e.Cause
}

// Classify maps a WatermarkError to the shared error taxonomy.
func Classify(err error) etlerr.Kind {
	var we *WatermarkError
	if !errors.As(err, &we) {
		return etlerr.Unknown
	}

	if errors.Is(we.Cause, ErrNotMonotonic) || errors.Is(we.Cause, ErrBeyondTodayCap) {
		return etlerr.PreconditionFailed
	}

	return etlerr.StoreWrite
}

// Store persists watermark state in meta_etl_watermark, one row per
// (pipeline_name, stage_name, api_name).
type Store struct {
	conn     *storage.Connection
	cal      *calendar.Calendar
	pipeline string
	stage    string
}

// New constructs a Store scoped to one (pipeline, stage) pair. cal supplies
// today_cap() for Advance's no-future-watermark check.
func New(conn *storage.Connection, cal *calendar.Calendar, pipeline, stage string) *Store {
	return &Store{conn: conn, cal: cal, pipeline: pipeline, stage: stage}
}

// Read returns the current watermark state for apiName. A never-seen
// api-name returns a zero State with no error.
func (s *Store) Read(ctx context.Context, apiName string) (State, error) {
	const query = `
		SELECT watermark_date, status, last_error
		FROM meta_etl_watermark
		WHERE pipeline_name = $1 AND stage_name = $2 AND api_name = $3`

	state := State{APIName: apiName}

	var (
		value     sql.NullInt64
		status    string
		lastError sql.NullString
	)

	err := s.conn.QueryRowContext(ctx, query, s.pipeline, s.stage, apiName).Scan(&value, &status, &lastError)
	if errors.Is(err, sql.ErrNoRows) {
		return state, nil
	}

	if err != nil {
		return State{}, &WatermarkError{APIName: apiName, Cause: fmt.Errorf("read: %w", err)}
	}

	if value.Valid {
		state.Value = int(value.Int64)
	}

	state.Status = Status(status)
	state.LastError = lastError.String

	return state, nil
}

// Advance moves apiName's watermark forward to newValue. Refuses any value
// that is not strictly greater than the current value, and any value
// greater than today_cap() — the fix for the documented "watermark runs
// into the future" defect.
func (s *Store) Advance(ctx context.Context, apiName string, newValue int) error {
	current, err := s.Read(ctx, apiName)
	if err != nil {
		return err
	}

	if newValue <= current.Value {
		return &WatermarkError{APIName: apiName, Cause: fmt.Errorf("%w: current=%d new=%d", ErrNotMonotonic, current.Value, newValue)}
	}

	todayCap, err := s.cal.TodayCap(ctx)
	if err != nil {
		return &WatermarkError{APIName: apiName, Cause: fmt.Errorf("resolve today cap: %w", err)}
	}

	if newValue > todayCap {
		return &WatermarkError{APIName: apiName, Cause: fmt.Errorf("%w: new=%d cap=%d", ErrBeyondTodayCap, newValue, todayCap)}
	}

	return s.upsertWithStatus(ctx, apiName, newValue, StatusSuccess, "")
}

// MarkFailed records a failed run without moving the watermark.
func (s *Store) MarkFailed(ctx context.Context, apiName string, cause error) error {
	current, err := s.Read(ctx, apiName)
	if err != nil {
		return err
	}

	errText := ""
	if cause != nil {
		errText = cause.Error()
	}

	return s.upsertWithStatus(ctx, apiName, current.Value, StatusFailed, errText)
}

// MarkRunning records that a run has started, without moving the
// watermark.
func (s *Store) MarkRunning(ctx context.Context, apiName string) error {
	current, err := s.Read(ctx, apiName)
	if err != nil {
		return err
	}

	return s.upsertWithStatus(ctx, apiName, current.Value, StatusRunning, "")
}

func (s *Store) upsertWithStatus(ctx context.Context, apiName string, value int, status Status, errText string) error {
	const stmt = `
		INSERT INTO meta_etl_watermark (pipeline_name, stage_name, api_name, watermark_date, status, last_error, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (pipeline_name, stage_name, api_name) DO UPDATE SET
			watermark_date = EXCLUDED.watermark_date,
			status = EXCLUDED.status,
			last_error = EXCLUDED.last_error,
			updated_at = now()`

	var dbValue sql.NullInt64
	if value != 0 {
		dbValue = sql.NullInt64{Int64: int64(value), Valid: true}
	}

	var dbError sql.NullString
	if errText != "" {
		dbError = sql.NullString{String: errText, Valid: true}
	}

	if _, err := s.conn.ExecContext(ctx, stmt, s.pipeline, s.stage, apiName, dbValue, string(status), dbError); err != nil {
		return &WatermarkError{APIName: apiName, Cause: fmt.Errorf("write: %w", err)}
	}

	return nil
}
