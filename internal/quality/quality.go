// Package quality implements the Quality Checker: an assertion library run
// against the store after a stage completes. Each assertion evaluates one
// (table, date) rule — row-count floor, null-ratio ceiling, max-date
// freshness, join-coverage — and every evaluation writes one row to
// meta_quality_check_log, grounded on the same Connection/transaction
// discipline as internal/write. The Checker never fails a pipeline itself:
// it returns the severity list and leaves the strict/lenient decision to
// internal/pipeline, per spec.md §4.9.
package quality

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/ashare-etl/etl/internal/storage"
)

// Severity is one finding's urgency, matching the CHECK constraint on
// meta_quality_check_log.severity.
type Severity string

const (
	SeverityInfo  Severity = "INFO"
	SeverityWarn  Severity = "WARN"
	SeverityError Severity = "ERROR"
)

func (s Severity) rank() int {
	switch s {
	case SeverityError:
		return 2
	case SeverityWarn:
		return 1
	default:
		return 0
	}
}

// Finding is one assertion's result for one (check-date, check-name).
type Finding struct {
	CheckName string
	Severity  Severity
	Detail    string
}

// Assertion is one pluggable quality rule, evaluated for a single run date.
type Assertion interface {
	Name() string
	Evaluate(ctx context.Context, conn *storage.Connection, date int) (Finding, error)
}

// RowCountFloor asserts table has at least Floor rows for date.
type RowCountFloor struct {
	Table      string
	DateColumn string
	Floor      int
}

// Name implements Assertion.
func (a RowCountFloor) Name() string { return fmt.Sprintf("row-count-floor:%s", a.Table) }

// Evaluate implements Assertion.
func (a RowCountFloor) Evaluate(ctx context.Context, conn *storage.Connection, date int) (Finding, error) {
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s = $1", a.Table, a.DateColumn)

	var count int

	if err := conn.QueryRowContext(ctx, query, date).Scan(&count); err != nil {
		return Finding{}, fmt.Errorf("quality: %s: %w", a.Name(), err)
	}

	if count < a.Floor {
		return Finding{
			CheckName: a.Name(),
			Severity:  SeverityError,
			Detail:    fmt.Sprintf("row count %d below floor %d", count, a.Floor),
		}, nil
	}

	return Finding{CheckName: a.Name(), Severity: SeverityInfo, Detail: fmt.Sprintf("row count %d", count)}, nil
}

// NullRatioCeiling asserts column's null ratio in table for date does not
// exceed Ceiling.
type NullRatioCeiling struct {
	Table      string
	DateColumn string
	Column     string
	Ceiling    float64
}

// Name implements Assertion.
func (a NullRatioCeiling) Name() string {
	return fmt.Sprintf("null-ratio-ceiling:%s.%s", a.Table, a.Column)
}

// Evaluate implements Assertion.
func (a NullRatioCeiling) Evaluate(ctx context.Context, conn *storage.Connection, date int) (Finding, error) {
	query := fmt.Sprintf(
		"SELECT COUNT(*), COUNT(*) FILTER (WHERE %s IS NULL) FROM %s WHERE %s = $1",
		a.Column, a.Table, a.DateColumn,
	)

	var total, nulls int

	if err := conn.QueryRowContext(ctx, query, date).Scan(&total, &nulls); err != nil {
		return Finding{}, fmt.Errorf("quality: %s: %w", a.Name(), err)
	}

	if total == 0 {
		return Finding{CheckName: a.Name(), Severity: SeverityWarn, Detail: "no rows to evaluate"}, nil
	}

	ratio := float64(nulls) / float64(total)
	if ratio > a.Ceiling {
		return Finding{
			CheckName: a.Name(),
			Severity:  SeverityError,
			Detail:    fmt.Sprintf("null ratio %.4f exceeds ceiling %.4f", ratio, a.Ceiling),
		}, nil
	}

	return Finding{CheckName: a.Name(), Severity: SeverityInfo, Detail: fmt.Sprintf("null ratio %.4f", ratio)}, nil
}

// MaxDateAtLeast asserts table's max DateColumn value is >= the expected run
// date — the freshness assertion.
type MaxDateAtLeast struct {
	Table      string
	DateColumn string
}

// Name implements Assertion.
func (a MaxDateAtLeast) Name() string { return fmt.Sprintf("max-date-at-least:%s", a.Table) }

// Evaluate implements Assertion.
func (a MaxDateAtLeast) Evaluate(ctx context.Context, conn *storage.Connection, date int) (Finding, error) {
	query := fmt.Sprintf("SELECT MAX(%s) FROM %s", a.DateColumn, a.Table)

	var maxDate sql.NullInt64

	if err := conn.QueryRowContext(ctx, query).Scan(&maxDate); err != nil {
		return Finding{}, fmt.Errorf("quality: %s: %w", a.Name(), err)
	}

	got := 0
	if maxDate.Valid {
		got = int(maxDate.Int64)
	}

	if got < date {
		return Finding{
			CheckName: a.Name(),
			Severity:  SeverityError,
			Detail:    fmt.Sprintf("max date %d below expected %d", got, date),
		}, nil
	}

	return Finding{CheckName: a.Name(), Severity: SeverityInfo, Detail: fmt.Sprintf("max date %d", got)}, nil
}

// JoinCoverage asserts the fraction of LeftTable rows for date that have a
// matching RightTable row (joined on JoinColumns) meets Threshold — the
// point-in-time join-coverage assertion.
type JoinCoverage struct {
	LeftTable   string
	RightTable  string
	DateColumn  string
	JoinColumns []string
	Threshold   float64
}

// Name implements Assertion.
func (a JoinCoverage) Name() string {
	return fmt.Sprintf("join-coverage:%s->%s", a.LeftTable, a.RightTable)
}

// Evaluate implements Assertion.
func (a JoinCoverage) Evaluate(ctx context.Context, conn *storage.Connection, date int) (Finding, error) {
	query := fmt.Sprintf(
		"SELECT COUNT(*), COUNT(r.*) FROM %s l LEFT JOIN %s r ON %s WHERE l.%s = $1",
		a.LeftTable, a.RightTable, joinOnClause("l", "r", a.JoinColumns), a.DateColumn,
	)

	var total, matched int

	if err := conn.QueryRowContext(ctx, query, date).Scan(&total, &matched); err != nil {
		return Finding{}, fmt.Errorf("quality: %s: %w", a.Name(), err)
	}

	if total == 0 {
		return Finding{CheckName: a.Name(), Severity: SeverityWarn, Detail: "no rows to evaluate"}, nil
	}

	ratio := float64(matched) / float64(total)
	if ratio < a.Threshold {
		return Finding{
			CheckName: a.Name(),
			Severity:  SeverityError,
			Detail:    fmt.Sprintf("coverage %.4f below threshold %.4f", ratio, a.Threshold),
		}, nil
	}

	return Finding{CheckName: a.Name(), Severity: SeverityInfo, Detail: fmt.Sprintf("coverage %.4f", ratio)}, nil
}

func joinOnClause(leftAlias, rightAlias string, cols []string) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = fmt.Sprintf("%s.%s = %s.%s", leftAlias, c, rightAlias, c)
	}

	return strings.Join(parts, " AND ")
}

// Checker evaluates a set of Assertions for one (pipeline, stage, date) and
// logs every finding to meta_quality_check_log.
type Checker struct {
	conn *storage.Connection
}

// New constructs a Checker.
func New(conn *storage.Connection) *Checker {
	return &Checker{conn: conn}
}

// Run evaluates every assertion, logs each finding, and returns the full
// finding list. It stops and returns an error only if an assertion's
// underlying query fails — a failed query is an operator-visible defect,
// distinct from an assertion that ran and simply failed its threshold.
func (c *Checker) Run(ctx context.Context, pipeline, stage string, date int, assertions []Assertion) ([]Finding, error) {
	findings := make([]Finding, 0, len(assertions))

	for _, a := range assertions {
		f, err := a.Evaluate(ctx, c.conn, date)
		if err != nil {
			return findings, err
		}

		findings = append(findings, f)

		if err := c.log(ctx, pipeline, stage, date, f); err != nil {
			return findings, err
		}
	}

	return findings, nil
}

func (c *Checker) log(ctx context.Context, pipeline, stage string, date int, f Finding) error {
	const stmt = `
		INSERT INTO meta_quality_check_log (pipeline_name, stage_name, run_date, check_name, severity, detail, checked_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())`

	if _, err := c.conn.ExecContext(ctx, stmt, pipeline, stage, date, f.CheckName, string(f.Severity), f.Detail); err != nil {
		return fmt.Errorf("quality: log finding %s: %w", f.CheckName, err)
	}

	return nil
}

// HighestSeverity returns the most severe Severity among findings, or
// SeverityInfo for an empty list.
func HighestSeverity(findings []Finding) Severity {
	highest := SeverityInfo

	for _, f := range findings {
		if f.Severity.rank() > highest.rank() {
			highest = f.Severity
		}
	}

	return highest
}
