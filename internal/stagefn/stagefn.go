// Package stagefn supplies the concrete stage.Func implementations the
// pipeline descriptors reference by name: a vendor ingest stage (fetch.
// Fetcher -> write.Writer), two in-database transform stages (point-in-time
// standardization and a composite score), and a check stage that wraps
// internal/quality.Checker. Each constructor closes over its collaborators
// and returns a stage.Func, grounded on the teacher's handler-closure
// pattern (api/handlers construct an http.HandlerFunc over a store
// reference) applied here to stage dispatch instead of HTTP routes.
package stagefn

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/ashare-etl/etl/internal/calendar"
	"github.com/ashare-etl/etl/internal/etlerr"
	"github.com/ashare-etl/etl/internal/fetch"
	"github.com/ashare-etl/etl/internal/pipeline"
	"github.com/ashare-etl/etl/internal/quality"
	"github.com/ashare-etl/etl/internal/stage"
	"github.com/ashare-etl/etl/internal/storage"
	"github.com/ashare-etl/etl/internal/write"
)

// ErrTodayGapLenient re-exports pipeline.ErrTodayGapLenient: a missing
// "today" row from a feature API whose upstream readiness lag exceeds now -
// market-close. A lenient-policy stage downgrades this to a warning rather
// than aborting the pipeline (spec.md §4.8 "today-only lenience", Scenario D).
var ErrTodayGapLenient = pipeline.ErrTodayGapLenient

// DailyIngest builds the daily market-data ingest stage.Func: fetch one
// trading date's OHLCV + turnover page from the vendor and upsert it into
// descriptor's TargetTable.
func DailyIngest(fetcher *fetch.Fetcher, descriptor fetch.Descriptor, writer *write.Writer, cal *calendar.Calendar) stage.Func {
	return func(ctx context.Context, date int) (stage.Result, error) {
		params := fetch.Params{"trade_date": strconv.Itoa(date)}

		page, err := fetcher.Fetch(ctx, descriptor, params, requestID(descriptor.Name, date))
		if err != nil {
			return stage.Result{}, err
		}

		if page.RowCount() == 0 {
			if gap, gapErr := todayReadinessGap(ctx, cal, descriptor, date); gap {
				return stage.Result{}, gapErr
			}

			return stage.Result{Warning: fmt.Sprintf("no rows returned for %d", date)}, nil
		}

		written, err := writer.Upsert(ctx, descriptor.TargetTable, page, descriptor.PrimaryKey)
		if err != nil {
			return stage.Result{}, err
		}

		return stage.Result{RowsWritten: written}, nil
	}
}

// todayReadinessGap reports whether date is today and descriptor's
// readiness lag has not yet elapsed since market close (15:00 Asia/
// Shanghai, the exchange's regular session close); if so it returns
// ErrTodayGapLenient rather than treating the empty page as a genuine gap.
func todayReadinessGap(ctx context.Context, cal *calendar.Calendar, descriptor fetch.Descriptor, date int) (bool, error) {
	todayCap, err := cal.TodayCap(ctx)
	if err != nil || todayCap != date {
		return false, nil
	}

	loc, err := time.LoadLocation("Asia/Shanghai")
	if err != nil {
		return false, nil
	}

	marketClose := calendar.ParseDate(date, loc).Add(15 * time.Hour)
	deadline := marketClose.Add(time.Duration(descriptor.ReadinessLagHours) * time.Hour)

	if time.Now().In(loc).Before(deadline) {
		return true, fmt.Errorf("%w: %s readiness lag %dh not yet elapsed for %d", ErrTodayGapLenient, descriptor.Name, descriptor.ReadinessLagHours, date)
	}

	return false, nil
}

// Standardize builds the point-in-time standardization transform: for each
// entity quoted on date, take its close (stored as adj_close_price; no
// adjustment factor is applied) and day-over-day return
// against the previous trading day's close (looked up through
// calendar.PreviousTradingDay, so the join never reaches past date itself —
// the PIT-safety invariant), and upsert into fact_daily_standardized.
func Standardize(conn *storage.Connection, writer *write.Writer, cal *calendar.Calendar) stage.Func {
	return func(ctx context.Context, date int) (stage.Result, error) {
		prevDate, err := cal.PreviousTradingDay(ctx, date)
		if err != nil && !errors.Is(err, calendar.ErrDateNotFound) {
			return stage.Result{}, fmt.Errorf("stagefn: standardize: resolve previous trading day: %w", err)
		}

		rows, err := loadCloses(ctx, conn, date)
		if err != nil {
			return stage.Result{}, err
		}

		if len(rows) == 0 {
			return stage.Result{Warning: fmt.Sprintf("no quotes to standardize for %d", date)}, nil
		}

		prevCloses := map[string]float64{}

		if prevDate != 0 {
			prevCloses, err = loadCloses(ctx, conn, prevDate)
			if err != nil {
				return stage.Result{}, err
			}
		}

		page, err := buildStandardizedPage(date, rows, prevCloses)
		if err != nil {
			return stage.Result{}, err
		}

		written, err := writer.Upsert(ctx, "fact_daily_standardized", page, []string{"trade_date", "entity_code"})
		if err != nil {
			return stage.Result{}, err
		}

		return stage.Result{RowsWritten: written}, nil
	}
}

func loadCloses(ctx context.Context, conn *storage.Connection, date int) (map[string]float64, error) {
	const query = `SELECT entity_code, close_price FROM fact_daily_quote WHERE trade_date = $1`

	rows, err := conn.QueryContext(ctx, query, date)
	if err != nil {
		return nil, fmt.Errorf("stagefn: load closes for %d: %w", date, err)
	}
	defer rows.Close()

	closes := map[string]float64{}

	for rows.Next() {
		var (
			entityCode string
			close      sql.NullFloat64
		)

		if err := rows.Scan(&entityCode, &close); err != nil {
			return nil, fmt.Errorf("stagefn: scan close row: %w", err)
		}

		if close.Valid {
			closes[entityCode] = close.Float64
		}
	}

	return closes, rows.Err()
}

func buildStandardizedPage(date int, closes, prevCloses map[string]float64) (storage.Page, error) {
	entities := make([]string, 0, len(closes))
	for code := range closes {
		entities = append(entities, code)
	}

	dateCol := storage.Column{Name: "trade_date"}
	codeCol := storage.Column{Name: "entity_code"}
	adjCol := storage.Column{Name: "adj_close_price"}
	retCol := storage.Column{Name: "return_pct"}
	tradingCol := storage.Column{Name: "is_trading_day"}

	for _, code := range entities {
		close := closes[code]

		dateCol.Values = append(dateCol.Values, storage.CellValue{Number: float64(date)})
		codeCol.Values = append(codeCol.Values, storage.CellValue{IsText: true, Text: code})
		adjCol.Values = append(adjCol.Values, storage.CellValue{Number: close})
		tradingCol.Values = append(tradingCol.Values, storage.CellValue{Number: 1})

		prev, ok := prevCloses[code]
		if !ok || prev == 0 {
			retCol.Values = append(retCol.Values, storage.CellValue{Null: true})
			continue
		}

		retCol.Values = append(retCol.Values, storage.CellValue{Number: (close - prev) / prev})
	}

	return storage.NewPage([]storage.Column{dateCol, codeCol, adjCol, retCol, tradingCol})
}

// CompositeScore builds the composite-score transform: a cross-sectional
// z-score of return_pct across every entity standardized for date, upserted
// into fact_composite_score. A toy single-factor weighting, standing in for
// the original system's multi-factor composite.
func CompositeScore(conn *storage.Connection, writer *write.Writer) stage.Func {
	return func(ctx context.Context, date int) (stage.Result, error) {
		const query = `SELECT entity_code, return_pct FROM fact_daily_standardized WHERE trade_date = $1`

		rows, err := conn.QueryContext(ctx, query, date)
		if err != nil {
			return stage.Result{}, fmt.Errorf("stagefn: composite-score: load returns for %d: %w", date, err)
		}

		codes := make([]string, 0)
		returns := make([]float64, 0)

		for rows.Next() {
			var (
				code string
				ret  sql.NullFloat64
			)

			if err := rows.Scan(&code, &ret); err != nil {
				rows.Close()
				return stage.Result{}, fmt.Errorf("stagefn: composite-score: scan row: %w", err)
			}

			if !ret.Valid {
				continue
			}

			codes = append(codes, code)
			returns = append(returns, ret.Float64)
		}

		if err := rows.Err(); err != nil {
			rows.Close()
			return stage.Result{}, fmt.Errorf("stagefn: composite-score: iterate rows: %w", err)
		}

		rows.Close()

		if len(returns) == 0 {
			return stage.Result{Warning: fmt.Sprintf("no standardized rows to score for %d", date)}, nil
		}

		mean, stddev := meanStddev(returns)

		dateCol := storage.Column{Name: "trade_date"}
		codeCol := storage.Column{Name: "entity_code"}
		scoreCol := storage.Column{Name: "composite_score"}

		for i, code := range codes {
			z := 0.0
			if stddev > 0 {
				z = (returns[i] - mean) / stddev
			}

			dateCol.Values = append(dateCol.Values, storage.CellValue{Number: float64(date)})
			codeCol.Values = append(codeCol.Values, storage.CellValue{IsText: true, Text: code})
			scoreCol.Values = append(scoreCol.Values, storage.CellValue{Number: z})
		}

		page, err := storage.NewPage([]storage.Column{dateCol, codeCol, scoreCol})
		if err != nil {
			return stage.Result{}, fmt.Errorf("stagefn: composite-score: %w", err)
		}

		written, err := writer.Upsert(ctx, "fact_composite_score", page, []string{"trade_date", "entity_code"})
		if err != nil {
			return stage.Result{}, err
		}

		return stage.Result{RowsWritten: written}, nil
	}
}

func meanStddev(values []float64) (float64, float64) {
	sum := 0.0
	for _, v := range values {
		sum += v
	}

	mean := sum / float64(len(values))

	variance := 0.0
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}

	variance /= float64(len(values))

	return mean, math.Sqrt(variance)
}

// ErrQualityAssertionFailed marks a check stage's result when the highest
// severity among its assertions is quality.SeverityError.
var ErrQualityAssertionFailed = errors.New("stagefn: quality assertion failed")

// CheckError wraps a failed check stage, carrying every finding for
// operator-facing diagnostics (the adminapi quality-log endpoint surfaces
// the same findings from the persisted log, this is the in-process copy).
type CheckError struct {
	Findings []quality.Finding
	Cause    error
}

func (e *CheckError) Error() string {
	return fmt.Sprintf("stagefn: check: %v (%d findings)", e.Cause, len(e.Findings))
}

func (e *CheckError) Unwrap() error {
	return e.Cause
}

// Classify maps a CheckError to the shared error taxonomy.
func Classify(err error) etlerr.Kind {
	var ce *CheckError
	if !errors.As(err, &ce) {
		return etlerr.Unknown
	}

	if errors.Is(ce.Cause, ErrQualityAssertionFailed) {
		return etlerr.QualityAssertion
	}

	return etlerr.Unknown
}

// Check builds the quality-check stage.Func: run every assertion through
// checker for pipeline/stageName and date, and fail the stage only when the
// highest severity found is quality.SeverityError — leaving the strict/
// lenient decision to the stage.Definition.Lenient flag and the Pipeline
// Coordinator, not to this function.
func Check(checker *quality.Checker, pipelineName, stageName string, assertions []quality.Assertion) stage.Func {
	return func(ctx context.Context, date int) (stage.Result, error) {
		findings, err := checker.Run(ctx, pipelineName, stageName, date, assertions)
		if err != nil {
			return stage.Result{}, fmt.Errorf("stagefn: check: run assertions: %w", err)
		}

		highest := quality.HighestSeverity(findings)
		if highest != quality.SeverityError {
			warning := ""
			if highest == quality.SeverityWarn {
				warning = warnSummary(findings)
			}

			return stage.Result{Warning: warning}, nil
		}

		return stage.Result{}, &CheckError{Findings: findings, Cause: ErrQualityAssertionFailed}
	}
}

func warnSummary(findings []quality.Finding) string {
	for _, f := range findings {
		if f.Severity == quality.SeverityWarn {
			return fmt.Sprintf("%s: %s", f.CheckName, f.Detail)
		}
	}

	return ""
}

// requestID builds a stable, human-traceable identifier for one fetch
// attempt, echoed back in the X-Request-Id header for upstream-side
// correlation with this run's structured logs.
func requestID(stageName string, date int) string {
	return fmt.Sprintf("%s-%d", stageName, date)
}
