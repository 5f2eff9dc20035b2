// Package write implements the Writer: a single idempotent upsert
// operation against the relational store. Grounded on the teacher's
// PersistentKeyStore/LineageStore discipline of one *sql.Tx per write
// operation and parameterized ON CONFLICT statements.
package write

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ashare-etl/etl/internal/etlerr"
	"github.com/ashare-etl/etl/internal/storage"
)

const (
	minBatchSize     = 1
	maxBatchSize     = 5000
	defaultBatchSize = 1000
)

// ErrConstraintViolation is returned (wrapped) when a batch hits a
// constraint violation other than the declared primary-key conflict
// (e.g. a foreign key). The whole batch transaction is rolled back.
var ErrConstraintViolation = errors.New("write: constraint violation")

// ErrEmptyPrimaryKey is returned when pk is empty; an upsert needs at least
// one conflict-target column.
var ErrEmptyPrimaryKey = errors.New("write: primary key must have at least one column")

// WriteError wraps a failed Upsert with enough context for the Stage Runner
// to log and classify it.
type WriteError struct {
	Table string
	Cause error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write: upsert into %s: %v", e.Table, e.Cause)
}

func (e *WriteError) Unwrap() error {
	return e.Cause
}

// Classify maps a WriteError to the shared error taxonomy.
func Classify(err error) etlerr.Kind {
	var we *WriteError
	if !errors.As(err, &we) {
		return etlerr.Unknown
	}

	return etlerr.StoreWrite
}

// Writer batches page rows into idempotent INSERT ... ON CONFLICT DO UPDATE
// statements against the shared connection.
type Writer struct {
	conn      *storage.Connection
	batchSize int
}

// New constructs a Writer. batchSize is clamped to [1, 5000]; zero uses the
// default of 1000.
func New(conn *storage.Connection, batchSize int) *Writer {
	if batchSize == 0 {
		batchSize = defaultBatchSize
	}

	if batchSize < minBatchSize {
		batchSize = minBatchSize
	}

	if batchSize > maxBatchSize {
		batchSize = maxBatchSize
	}

	return &Writer{conn: conn, batchSize: batchSize}
}

// Upsert writes page into table, keyed by pk, in batches of up to
// w.batchSize rows per statement. Returns the number of distinct primary
// keys written. Any constraint violation other than the declared PK
// conflict rolls back the whole batch; callers must not assume a partial
// page was committed.
func (w *Writer) Upsert(ctx context.Context, table string, page storage.Page, pk []string) (int, error) {
	if len(pk) == 0 {
		return 0, &WriteError{Table: table, Cause: ErrEmptyPrimaryKey}
	}

	rowCount := page.RowCount()
	if rowCount == 0 {
		return 0, nil
	}

	columnNames := make([]string, len(page.Columns))
	for i, c := range page.Columns {
		columnNames[i] = c.Name
	}

	stmt := buildUpsertStatement(table, columnNames, pk)

	for start := 0; start < rowCount; start += w.batchSize {
		end := start + w.batchSize
		if end > rowCount {
			end = rowCount
		}

		if _, err := w.writeBatch(ctx, table, stmt, page, columnNames, start, end); err != nil {
			return 0, err
		}
	}

	return distinctPKCount(page, pk), nil
}

// distinctPKCount counts distinct primary-key tuples across page, since a
// page may carry more than one row for the same key (the later row wins
// under ON CONFLICT) and the contract is "distinct PKs written", not "rows
// executed".
func distinctPKCount(page storage.Page, pk []string) int {
	seen := make(map[string]struct{}, page.RowCount())

	for i := 0; i < page.RowCount(); i++ {
		seen[pkKey(page.Row(i), pk)] = struct{}{}
	}

	return len(seen)
}

func pkKey(row map[string]storage.CellValue, pk []string) string {
	parts := make([]string, len(pk))

	for i, k := range pk {
		parts[i] = cellKey(row[k])
	}

	return strings.Join(parts, "\x1f")
}

func cellKey(v storage.CellValue) string {
	if v.Null {
		return "\x00"
	}

	if v.IsText {
		return v.Text
	}

	return strconv.FormatFloat(v.Number, 'f', -1, 64)
}

func (w *Writer) writeBatch(ctx context.Context, table, stmtTemplate string, page storage.Page, columnNames []string, start, end int) (int, error) {
	tx, err := w.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, &WriteError{Table: table, Cause: fmt.Errorf("begin transaction: %w", err)}
	}

	defer func() { _ = tx.Rollback() }()

	rowsInBatch := end - start
	written := 0

	stmt, err := tx.PrepareContext(ctx, stmtTemplate)
	if err != nil {
		return 0, &WriteError{Table: table, Cause: fmt.Errorf("prepare statement: %w", err)}
	}
	defer stmt.Close()

	for i := start; i < start+rowsInBatch; i++ {
		args := make([]any, len(columnNames))

		for j, c := range page.Columns {
			args[j] = cellArg(c.Values[i])
		}

		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return 0, &WriteError{Table: table, Cause: classifyDBError(err)}
		}

		written++
	}

	if err := tx.Commit(); err != nil {
		return 0, &WriteError{Table: table, Cause: fmt.Errorf("commit: %w", err)}
	}

	return written, nil
}

func cellArg(v storage.CellValue) any {
	if v.Null {
		return sql.NullString{}
	}

	if v.IsText {
		return v.Text
	}

	return v.Number
}

// buildUpsertStatement produces an INSERT ... ON CONFLICT (pk...) DO UPDATE
// statement, parameterized $1..$n in column order, and sets updated_at to
// the current transaction time on conflict.
func buildUpsertStatement(table string, columnNames, pk []string) string {
	placeholders := make([]string, len(columnNames))
	for i := range columnNames {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	pkSet := make(map[string]bool, len(pk))
	for _, k := range pk {
		pkSet[k] = true
	}

	var updateCols []string

	for _, c := range columnNames {
		if pkSet[c] {
			continue
		}

		updateCols = append(updateCols, fmt.Sprintf("%s = EXCLUDED.%s", c, c))
	}

	updateCols = append(updateCols, "updated_at = now()")

	return fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
		table,
		strings.Join(columnNames, ", "),
		strings.Join(placeholders, ", "),
		strings.Join(pk, ", "),
		strings.Join(updateCols, ", "),
	)
}

// classifyDBError wraps every statement error as ErrConstraintViolation,
// failing the batch. A primary-key conflict is absorbed by the ON CONFLICT
// clause and does not reach here.
func classifyDBError(err error) error {
	return fmt.Errorf("%w: %v", ErrConstraintViolation, err)
}
