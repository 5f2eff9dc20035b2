package pipeline

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/ashare-etl/etl/internal/calendar"
	"github.com/ashare-etl/etl/internal/runlog"
	"github.com/ashare-etl/etl/internal/stage"
	"github.com/ashare-etl/etl/internal/storage"
	"github.com/ashare-etl/etl/internal/watermark"
)

type fakeCalStore struct {
	entries []calendar.Entry
}

func (f *fakeCalStore) LoadEntries(_ context.Context, _ string) ([]calendar.Entry, error) {
	return f.entries, nil
}

func rangeEntries(from, to int) []calendar.Entry {
	loc := mustShanghai()

	var entries []calendar.Entry

	for d := calendar.ParseDate(from, loc); calendar.ToDate(d) <= to; d = d.AddDate(0, 0, 1) {
		entries = append(entries, calendar.Entry{Exchange: "XSHG", Date: calendar.ToDate(d), IsOpen: true})
	}

	return entries
}

func mustShanghai() *time.Location {
	loc, err := time.LoadLocation("Asia/Shanghai")
	if err != nil {
		panic(err)
	}

	return loc
}

// harness wires a Coordinator over sqlmock-backed collaborators. Every
// stage Runner and the Guard share one underlying sqlmock DB so expectation
// ordering is simple to reason about in test bodies.
type harness struct {
	coord    *Coordinator
	mock     sqlmock.Sqlmock
	closeAll func()
}

func newHarness(t *testing.T, todayCap int, registry *stage.Registry, runners map[string]*stage.Runner, watermarks map[string]*watermark.Store) *harness {
	t.Helper()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}

	conn := storage.TestConnection(db)
	log := runlog.New(conn)
	guard := runlog.NewGuard(conn, log, 0)

	cal := calendar.New(&fakeCalStore{entries: rangeEntries(20260101, todayCap)}, "XSHG", mustShanghai())

	coord := New(registry, runners, cal, watermarks, guard, nil, nil)

	return &harness{coord: coord, mock: mock, closeAll: func() { db.Close() }}
}

// expectAcquireAndClose sets up the sqlmock expectations for a
// Guard.Acquire (no idempotency key) followed by a Guard.Close to
// finalState, in that call order.
func expectAcquireAndClose(mock sqlmock.Sqlmock, finalState runlog.State) {
	mock.ExpectExec(regexp.QuoteMeta("UPDATE meta_etl_run_log")).
		WillReturnResult(sqlmock.NewResult(0, 0)) // reclaimZombies: none reclaimed

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM meta_etl_run_log")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0)) // hasLiveRun: false

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO meta_etl_run_log")).
		WillReturnResult(sqlmock.NewResult(0, 1)) // log.Open for the pipeline-level row

	mock.ExpectQuery(regexp.QuoteMeta("SELECT state, pipeline_name, stage_name")).
		WillReturnRows(sqlmock.NewRows([]string{"state", "pipeline_name", "stage_name"}).
			AddRow("RUNNING", "afternoon-core", pipelineGuardStage))

	mock.ExpectExec(regexp.QuoteMeta("UPDATE meta_etl_run_log")).
		WillReturnResult(sqlmock.NewResult(0, 1)) // log.Close to finalState
}

func newNoopRegistryRunner(t *testing.T, name string, fn stage.Func) (*stage.Registry, map[string]*stage.Runner, sqlmock.Sqlmock, func()) {
	t.Helper()

	reg := stage.NewRegistry()
	reg.Register(stage.Definition{Name: name, Kind: stage.KindTransform, APIName: name, Fn: fn, WorkerPool: 1})

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}

	conn := storage.TestConnection(db)
	cal := calendar.New(&fakeCalStore{entries: rangeEntries(20260101, 20260110)}, "XSHG", mustShanghai())
	wm := watermark.New(conn, cal, "afternoon-core", name)
	log := runlog.New(conn)

	runner := stage.New(cal, wm, log)

	return reg, map[string]*stage.Runner{name: runner}, mock, func() { db.Close() }
}

func TestValidateNoCycles_DetectsCycle(t *testing.T) {
	reg := stage.NewRegistry()
	reg.Register(stage.Definition{Name: "a", DependsOn: []string{"b"}})
	reg.Register(stage.Definition{Name: "b", DependsOn: []string{"a"}})

	err := ValidateNoCycles(reg, []string{"a", "b"})
	if !errors.Is(err, ErrCyclicDependency) {
		t.Fatalf("ValidateNoCycles() = %v, want ErrCyclicDependency", err)
	}
}

func TestValidateNoCycles_AcyclicGraphPasses(t *testing.T) {
	reg := stage.NewRegistry()
	reg.Register(stage.Definition{Name: "ingest"})
	reg.Register(stage.Definition{Name: "transform", DependsOn: []string{"ingest"}})

	if err := ValidateNoCycles(reg, []string{"ingest", "transform"}); err != nil {
		t.Fatalf("ValidateNoCycles() = %v, want nil", err)
	}
}

func TestDefinition_Validate_UnknownStage(t *testing.T) {
	reg := stage.NewRegistry()

	def := Definition{Name: "afternoon-core", Stages: []StageRef{{StageName: "missing"}}}

	if err := def.Validate(reg); !errors.Is(err, ErrUnknownStage) {
		t.Fatalf("Validate() = %v, want ErrUnknownStage", err)
	}
}

func TestDescriptor_Lookup(t *testing.T) {
	d := Descriptor{Pipelines: []Definition{{Name: "afternoon-core"}, {Name: "evening-margin"}}}

	got, ok := d.Lookup("evening-margin")
	if !ok || got.Name != "evening-margin" {
		t.Fatalf("Lookup() = %+v, %v, want evening-margin, true", got, ok)
	}

	if _, ok := d.Lookup("missing"); ok {
		t.Fatal("Lookup() ok = true for unregistered name, want false")
	}
}

func TestCoordinator_Run_SkipsWhenIdempotencyKeyAlreadySatisfied(t *testing.T) {
	reg, runners, _, closeRunner := newNoopRegistryRunner(t, "daily-ingest", func(context.Context, int) (stage.Result, error) {
		t.Fatal("stage Fn should not run when idempotency key is already satisfied")
		return stage.Result{}, nil
	})
	defer closeRunner()

	h := newHarness(t, 20260110, reg, runners, nil)
	defer h.closeAll()

	h.mock.ExpectExec(regexp.QuoteMeta("UPDATE meta_etl_run_log")).
		WillReturnResult(sqlmock.NewResult(0, 0)) // reclaimZombies

	h.mock.ExpectQuery(regexp.QuoteMeta("SELECT state FROM meta_retry_guard")).
		WithArgs("daily_pipeline:20260110").
		WillReturnRows(sqlmock.NewRows([]string{"state"}).AddRow("SUCCESS"))

	def := Definition{Name: "afternoon-core", Stages: []StageRef{{StageName: "daily-ingest", Policy: PolicyStrict}}}

	summary, err := h.coord.Run(context.Background(), def, 0, 0, "daily_pipeline:20260110")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !summary.Skipped {
		t.Fatalf("Run() summary = %+v, want Skipped=true", summary)
	}

	if err := h.mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCoordinator_Run_LenientStageFailureDoesNotAbortPipeline(t *testing.T) {
	failCalled := false
	okCalled := false

	failFn := func(_ context.Context, _ int) (stage.Result, error) {
		failCalled = true
		return stage.Result{}, errors.New("upstream 500")
	}
	okFn := func(_ context.Context, _ int) (stage.Result, error) {
		okCalled = true
		return stage.Result{RowsWritten: 10}, nil
	}

	_, runnersFail, mockFail, closeFail := newNoopRegistryRunner(t, "feature-margin", failFn)
	defer closeFail()

	_, runnersOK, mockOK, closeOK := newNoopRegistryRunner(t, "core-ingest", okFn)
	defer closeOK()

	reg := stage.NewRegistry()
	reg.Register(stage.Definition{Name: "feature-margin", Kind: stage.KindTransform, APIName: "feature-margin", WorkerPool: 1, Fn: failFn})
	reg.Register(stage.Definition{Name: "core-ingest", Kind: stage.KindTransform, APIName: "core-ingest", WorkerPool: 1, Fn: okFn})

	runners := map[string]*stage.Runner{
		"feature-margin": runnersFail["feature-margin"],
		"core-ingest":    runnersOK["core-ingest"],
	}

	h := newHarness(t, 20260105, reg, runners, nil)
	defer h.closeAll()

	expectAcquireAndClose(h.mock, runlog.StateSuccess)

	// feature-margin: DateRange watermark read, run-log open, Fn fails,
	// watermark.Advance(0) short-circuited (lastProcessed==0, no Advance
	// call), run-log Close(FAILED), watermark.MarkFailed read+upsert.
	mockFail.ExpectQuery(regexp.QuoteMeta("SELECT watermark_date, status, last_error")).
		WillReturnRows(sqlmock.NewRows([]string{"watermark_date", "status", "last_error"}).
			AddRow(20260104, "SUCCESS", nil))

	mockFail.ExpectExec(regexp.QuoteMeta("INSERT INTO meta_etl_run_log")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	mockFail.ExpectQuery(regexp.QuoteMeta("SELECT state, pipeline_name, stage_name")).
		WillReturnRows(sqlmock.NewRows([]string{"state", "pipeline_name", "stage_name"}).
			AddRow("RUNNING", "afternoon-core", "feature-margin"))

	mockFail.ExpectExec(regexp.QuoteMeta("UPDATE meta_etl_run_log")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	mockFail.ExpectQuery(regexp.QuoteMeta("SELECT watermark_date, status, last_error")).
		WillReturnRows(sqlmock.NewRows([]string{"watermark_date", "status", "last_error"}).
			AddRow(20260104, "SUCCESS", nil))

	mockFail.ExpectExec(regexp.QuoteMeta("INSERT INTO meta_etl_watermark")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	// core-ingest: succeeds end to end.
	mockOK.ExpectQuery(regexp.QuoteMeta("SELECT watermark_date, status, last_error")).
		WillReturnRows(sqlmock.NewRows([]string{"watermark_date", "status", "last_error"}).
			AddRow(20260104, "SUCCESS", nil)) // DateRange's watermark read

	mockOK.ExpectExec(regexp.QuoteMeta("INSERT INTO meta_etl_run_log")).
		WillReturnResult(sqlmock.NewResult(0, 1)) // runLog.Open

	mockOK.ExpectQuery(regexp.QuoteMeta("SELECT watermark_date, status, last_error")).
		WillReturnRows(sqlmock.NewRows([]string{"watermark_date", "status", "last_error"}).
			AddRow(20260104, "SUCCESS", nil)) // Advance's internal read

	mockOK.ExpectExec(regexp.QuoteMeta("INSERT INTO meta_etl_watermark")).
		WillReturnResult(sqlmock.NewResult(0, 1)) // Advance's upsert

	mockOK.ExpectQuery(regexp.QuoteMeta("SELECT state, pipeline_name, stage_name")).
		WillReturnRows(sqlmock.NewRows([]string{"state", "pipeline_name", "stage_name"}).
			AddRow("RUNNING", "afternoon-core", "core-ingest")) // runLog.Close's currentState

	mockOK.ExpectExec(regexp.QuoteMeta("UPDATE meta_etl_run_log")).
		WillReturnResult(sqlmock.NewResult(0, 1)) // runLog.Close to SUCCESS

	def := Definition{
		Name: "afternoon-core",
		Stages: []StageRef{
			{StageName: "feature-margin", Policy: PolicyLenient},
			{StageName: "core-ingest", Policy: PolicyStrict},
		},
	}

	summary, err := h.coord.Run(context.Background(), def, 0, 0, "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if summary.Aborted {
		t.Fatalf("Run() summary.Aborted = true, want false (lenient failure must not abort)")
	}

	if !failCalled || !okCalled {
		t.Fatalf("both stage Fns must run: failCalled=%v okCalled=%v", failCalled, okCalled)
	}

	if summary.Stages[0].Status != "warning" {
		t.Fatalf("Stages[0].Status = %q, want warning", summary.Stages[0].Status)
	}

	if summary.Stages[1].Status != "success" {
		t.Fatalf("Stages[1].Status = %q, want success", summary.Stages[1].Status)
	}
}

func TestCoordinator_Run_StrictStageFailureAbortsAndSkipsLaterStages(t *testing.T) {
	laterCalled := false

	coreFn := func(_ context.Context, _ int) (stage.Result, error) {
		return stage.Result{}, errors.New("upstream exploded")
	}

	_, runnersFail, mockFail, closeFail := newNoopRegistryRunner(t, "core-ingest", coreFn)
	defer closeFail()

	reg := stage.NewRegistry()
	reg.Register(stage.Definition{Name: "core-ingest", Kind: stage.KindTransform, APIName: "core-ingest", WorkerPool: 1, Fn: coreFn})
	reg.Register(stage.Definition{Name: "standardize", Kind: stage.KindTransform, APIName: "standardize", WorkerPool: 1,
		Fn: func(context.Context, int) (stage.Result, error) {
			laterCalled = true
			return stage.Result{}, nil
		}})

	runners := map[string]*stage.Runner{"core-ingest": runnersFail["core-ingest"]}

	h := newHarness(t, 20260105, reg, runners, nil)
	defer h.closeAll()

	expectAcquireAndClose(h.mock, runlog.StateFailed)

	mockFail.ExpectQuery(regexp.QuoteMeta("SELECT watermark_date, status, last_error")).
		WillReturnRows(sqlmock.NewRows([]string{"watermark_date", "status", "last_error"}).
			AddRow(20260104, "SUCCESS", nil))

	mockFail.ExpectExec(regexp.QuoteMeta("INSERT INTO meta_etl_run_log")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	mockFail.ExpectQuery(regexp.QuoteMeta("SELECT state, pipeline_name, stage_name")).
		WillReturnRows(sqlmock.NewRows([]string{"state", "pipeline_name", "stage_name"}).
			AddRow("RUNNING", "afternoon-core", "core-ingest"))

	mockFail.ExpectExec(regexp.QuoteMeta("UPDATE meta_etl_run_log")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	mockFail.ExpectQuery(regexp.QuoteMeta("SELECT watermark_date, status, last_error")).
		WillReturnRows(sqlmock.NewRows([]string{"watermark_date", "status", "last_error"}).
			AddRow(20260104, "SUCCESS", nil))

	mockFail.ExpectExec(regexp.QuoteMeta("INSERT INTO meta_etl_watermark")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	// "standardize" has no runner configured in the test's runners map, so
	// once core-ingest aborts it is reported as skipped without ever
	// reaching the missing-runner branch.
	def := Definition{
		Name: "afternoon-core",
		Stages: []StageRef{
			{StageName: "core-ingest", Policy: PolicyStrict},
			{StageName: "standardize", Policy: PolicyStrict},
		},
	}

	_, err := h.coord.Run(context.Background(), def, 0, 0, "")
	if !errors.Is(err, ErrAborted) {
		t.Fatalf("Run() error = %v, want ErrAborted", err)
	}

	if laterCalled {
		t.Fatal("standardize Fn should not run after core-ingest aborts strictly")
	}
}

func TestCoordinator_Run_ReadinessCheckBlocksUnreadyDependency(t *testing.T) {
	reg, runners, mock, closeRunner := newNoopRegistryRunner(t, "standardize", func(context.Context, int) (stage.Result, error) {
		t.Fatal("standardize Fn should not run before its dependency is ready")
		return stage.Result{}, nil
	})
	defer closeRunner()

	wmDB, wmMock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer wmDB.Close()

	cal := calendar.New(&fakeCalStore{entries: rangeEntries(20260101, 20260110)}, "XSHG", mustShanghai())
	depStore := watermark.New(storage.TestConnection(wmDB), cal, "afternoon-core", "core-ingest")

	h := newHarness(t, 20260105, reg, runners, map[string]*watermark.Store{"daily-quote": depStore})
	defer h.closeAll()

	h.mock.ExpectExec(regexp.QuoteMeta("UPDATE meta_etl_run_log")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	h.mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM meta_etl_run_log")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	h.mock.ExpectExec(regexp.QuoteMeta("INSERT INTO meta_etl_run_log")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	wmMock.ExpectQuery(regexp.QuoteMeta("SELECT watermark_date, status, last_error")).
		WillReturnRows(sqlmock.NewRows([]string{"watermark_date", "status", "last_error"}).
			AddRow(20260103, "SUCCESS", nil)) // behind targetEnd 20260105: not ready

	h.mock.ExpectQuery(regexp.QuoteMeta("SELECT state, pipeline_name, stage_name")).
		WillReturnRows(sqlmock.NewRows([]string{"state", "pipeline_name", "stage_name"}).
			AddRow("RUNNING", "afternoon-core", pipelineGuardStage))

	h.mock.ExpectExec(regexp.QuoteMeta("UPDATE meta_etl_run_log")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	def := Definition{
		Name:   "afternoon-core",
		Stages: []StageRef{{StageName: "standardize", Policy: PolicyLenient, DependsOn: []string{"daily-quote"}}},
	}

	summary, err := h.coord.Run(context.Background(), def, 0, 0, "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if summary.Stages[0].Status != "skipped" {
		t.Fatalf("Stages[0].Status = %q, want skipped", summary.Stages[0].Status)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet runner-db expectations (should be none): %v", err)
	}
}
