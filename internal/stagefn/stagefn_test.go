package stagefn

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/ashare-etl/etl/internal/calendar"
	"github.com/ashare-etl/etl/internal/etlerr"
	"github.com/ashare-etl/etl/internal/fetch"
	"github.com/ashare-etl/etl/internal/quality"
	"github.com/ashare-etl/etl/internal/ratelimit"
	"github.com/ashare-etl/etl/internal/storage"
	"github.com/ashare-etl/etl/internal/write"
)

func mustShanghai(t *testing.T) *time.Location {
	t.Helper()

	loc, err := time.LoadLocation("Asia/Shanghai")
	if err != nil {
		t.Fatalf("LoadLocation: %v", err)
	}

	return loc
}

type fakeCalStore struct {
	entries []calendar.Entry
}

func (f *fakeCalStore) LoadEntries(_ context.Context, _ string) ([]calendar.Entry, error) {
	return f.entries, nil
}

func rangeEntries(t *testing.T, from, to int) []calendar.Entry {
	t.Helper()

	loc := mustShanghai(t)

	var entries []calendar.Entry

	for d := calendar.ParseDate(from, loc); calendar.ToDate(d) <= to; d = d.AddDate(0, 0, 1) {
		entries = append(entries, calendar.Entry{Exchange: "XSHG", Date: calendar.ToDate(d), IsOpen: true})
	}

	return entries
}

func testLimiter(t *testing.T) *ratelimit.Limiter {
	t.Helper()

	l := ratelimit.New(ratelimit.Config{
		DefaultBucket: ratelimit.BucketConfig{TokensPerMinute: 6000, Burst: 100},
	})
	t.Cleanup(l.Close)

	return l
}

func fastRetry() fetch.RetryPolicy {
	return fetch.RetryPolicy{
		MaxAttempts:     2,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		MaxElapsedTime:  time.Second,
		AttemptTimeout:  time.Second,
	}
}

func quoteDescriptor() fetch.Descriptor {
	return fetch.Descriptor{
		Name:              "daily-quote",
		Cursor:            fetch.CursorByTradeDate,
		RateBucket:        "daily-quote",
		PageSize:          1000,
		TargetTable:       "fact_daily_quote",
		PrimaryKey:        []string{"trade_date", "entity_code"},
		ReadinessLagHours: 2,
		Core:              true,
		Path:              "/quotes",
	}
}

func newMockConn(t *testing.T) (*storage.Connection, sqlmock.Sqlmock, func()) {
	t.Helper()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}

	return storage.TestConnection(db), mock, func() { db.Close() }
}

func TestDailyIngest_FetchesAndWritesPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"columns": map[string][]any{
				"trade_date":  {20260105.0},
				"close_price": {12.5},
			},
			"strings": map[string][]*string{
				"entity_code": {strPtr("600000.SH")},
			},
		})
	}))
	defer srv.Close()

	fetcher := fetch.New(srv.Client(), testLimiter(t), srv.URL, "secret", fastRetry())

	conn, mock, closeDB := newMockConn(t)
	defer closeDB()

	writer := write.New(conn, 0)

	cal := calendar.New(&fakeCalStore{entries: rangeEntries(t, 20260101, 20260106)}, "XSHG", mustShanghai(t))

	mock.ExpectBegin()
	mock.ExpectPrepare(regexp.QuoteMeta("INSERT INTO fact_daily_quote"))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO fact_daily_quote")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	fn := DailyIngest(fetcher, quoteDescriptor(), writer, cal)

	result, err := fn(context.Background(), 20260105)
	if err != nil {
		t.Fatalf("DailyIngest: %v", err)
	}

	if result.RowsWritten != 1 {
		t.Fatalf("RowsWritten = %d, want 1", result.RowsWritten)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDailyIngest_EmptyPageForPastDateIsWarning(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"columns": map[string][]any{}})
	}))
	defer srv.Close()

	fetcher := fetch.New(srv.Client(), testLimiter(t), srv.URL, "secret", fastRetry())

	conn, _, closeDB := newMockConn(t)
	defer closeDB()

	writer := write.New(conn, 0)

	// todayCap resolves to 20260103; the fetched date 20260101 is in the
	// past, so an empty page is a genuine gap, not today-lenience.
	cal := calendar.New(&fakeCalStore{entries: rangeEntries(t, 20260101, 20260103)}, "XSHG", mustShanghai(t))

	fn := DailyIngest(fetcher, quoteDescriptor(), writer, cal)

	result, err := fn(context.Background(), 20260101)
	if err != nil {
		t.Fatalf("DailyIngest: %v", err)
	}

	if result.Warning == "" {
		t.Fatal("Warning = \"\", want a non-empty gap warning")
	}
}

func TestDailyIngest_EmptyPageForTodayBeforeReadinessLagIsLenientError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"columns": map[string][]any{}})
	}))
	defer srv.Close()

	fetcher := fetch.New(srv.Client(), testLimiter(t), srv.URL, "secret", fastRetry())

	conn, _, closeDB := newMockConn(t)
	defer closeDB()

	writer := write.New(conn, 0)

	loc := mustShanghai(t)
	today := calendar.ToDate(time.Now().In(loc))

	cal := calendar.New(&fakeCalStore{entries: rangeEntries(t, today-2, today)}, "XSHG", loc)

	descriptor := quoteDescriptor()
	descriptor.ReadinessLagHours = 999999 // deadline never elapses within the test run

	fn := DailyIngest(fetcher, descriptor, writer, cal)

	_, err := fn(context.Background(), today)
	if !errors.Is(err, ErrTodayGapLenient) {
		t.Fatalf("DailyIngest error = %v, want ErrTodayGapLenient", err)
	}
}

func TestStandardize_ComputesReturnAgainstPreviousClose(t *testing.T) {
	conn, mock, closeDB := newMockConn(t)
	defer closeDB()

	writer := write.New(conn, 0)
	cal := calendar.New(&fakeCalStore{entries: rangeEntries(t, 20260101, 20260106)}, "XSHG", mustShanghai(t))

	mock.ExpectQuery(regexp.QuoteMeta("SELECT entity_code, close_price FROM fact_daily_quote")).
		WithArgs(20260106).
		WillReturnRows(sqlmock.NewRows([]string{"entity_code", "close_price"}).
			AddRow("600000.SH", 11.0))

	mock.ExpectQuery(regexp.QuoteMeta("SELECT entity_code, close_price FROM fact_daily_quote")).
		WithArgs(20260105).
		WillReturnRows(sqlmock.NewRows([]string{"entity_code", "close_price"}).
			AddRow("600000.SH", 10.0))

	mock.ExpectBegin()
	mock.ExpectPrepare(regexp.QuoteMeta("INSERT INTO fact_daily_standardized"))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO fact_daily_standardized")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	fn := Standardize(conn, writer, cal)

	result, err := fn(context.Background(), 20260106)
	if err != nil {
		t.Fatalf("Standardize: %v", err)
	}

	if result.RowsWritten != 1 {
		t.Fatalf("RowsWritten = %d, want 1", result.RowsWritten)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestStandardize_NoQuotesIsWarning(t *testing.T) {
	conn, mock, closeDB := newMockConn(t)
	defer closeDB()

	writer := write.New(conn, 0)
	cal := calendar.New(&fakeCalStore{entries: rangeEntries(t, 20260101, 20260106)}, "XSHG", mustShanghai(t))

	mock.ExpectQuery(regexp.QuoteMeta("SELECT entity_code, close_price FROM fact_daily_quote")).
		WithArgs(20260106).
		WillReturnRows(sqlmock.NewRows([]string{"entity_code", "close_price"}))

	fn := Standardize(conn, writer, cal)

	result, err := fn(context.Background(), 20260106)
	if err != nil {
		t.Fatalf("Standardize: %v", err)
	}

	if result.Warning == "" {
		t.Fatal("Warning = \"\", want a non-empty no-rows warning")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCompositeScore_WritesZScoreAcrossEntities(t *testing.T) {
	conn, mock, closeDB := newMockConn(t)
	defer closeDB()

	writer := write.New(conn, 0)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT entity_code, return_pct FROM fact_daily_standardized")).
		WithArgs(20260106).
		WillReturnRows(sqlmock.NewRows([]string{"entity_code", "return_pct"}).
			AddRow("600000.SH", 0.02).
			AddRow("600001.SH", -0.02))

	mock.ExpectBegin()
	mock.ExpectPrepare(regexp.QuoteMeta("INSERT INTO fact_composite_score"))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO fact_composite_score")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO fact_composite_score")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	fn := CompositeScore(conn, writer)

	result, err := fn(context.Background(), 20260106)
	if err != nil {
		t.Fatalf("CompositeScore: %v", err)
	}

	if result.RowsWritten != 2 {
		t.Fatalf("RowsWritten = %d, want 2", result.RowsWritten)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCheck_PassesThroughBelowErrorSeverity(t *testing.T) {
	conn, mock, closeDB := newMockConn(t)
	defer closeDB()

	checker := quality.New(conn)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM fact_daily_quote")).
		WithArgs(20260106).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(500))

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO meta_quality_check_log")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	assertions := []quality.Assertion{
		quality.RowCountFloor{Table: "fact_daily_quote", DateColumn: "trade_date", Floor: 100},
	}

	fn := Check(checker, "daily-pipeline", "check-daily-quote", assertions)

	result, err := fn(context.Background(), 20260106)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}

	if result.Warning != "" {
		t.Fatalf("Warning = %q, want empty", result.Warning)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCheck_ErrorSeverityFailsStage(t *testing.T) {
	conn, mock, closeDB := newMockConn(t)
	defer closeDB()

	checker := quality.New(conn)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM fact_daily_quote")).
		WithArgs(20260106).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(5))

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO meta_quality_check_log")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	assertions := []quality.Assertion{
		quality.RowCountFloor{Table: "fact_daily_quote", DateColumn: "trade_date", Floor: 100},
	}

	fn := Check(checker, "daily-pipeline", "check-daily-quote", assertions)

	_, err := fn(context.Background(), 20260106)

	var ce *CheckError
	if !errors.As(err, &ce) {
		t.Fatalf("Check error = %v, want *CheckError", err)
	}

	if len(ce.Findings) != 1 {
		t.Fatalf("Findings = %v, want 1 entry", ce.Findings)
	}

	if got := Classify(err); got != etlerr.QualityAssertion {
		t.Fatalf("Classify(err) = %v, want QualityAssertion", got)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func strPtr(s string) *string { return &s }
