// Package stage implements the Stage Runner: resolves a stage's effective
// date range, opens and closes its Run Log entry, invokes the stage
// function over ascending dates with bounded worker-pool concurrency, and
// advances the watermark on success. Stage kind is a tagged variant with a
// name-keyed registry, grounded on the teacher's internal/api handler
// registration pattern (map of name -> function, no subclass hierarchy),
// per Design Note "dynamic dispatch".
package stage

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/ashare-etl/etl/internal/calendar"
	"github.com/ashare-etl/etl/internal/etlerr"
	"github.com/ashare-etl/etl/internal/runlog"
	"github.com/ashare-etl/etl/internal/watermark"
)

// Kind is a stage's tagged variant: ingest, transform, or check.
type Kind string

const (
	KindIngest    Kind = "ingest"
	KindTransform Kind = "transform"
	KindCheck     Kind = "check"
)

const defaultWorkerPoolSize = 4

// Func is one stage's execution body: process a single ascending date
// within ctx, returning the result of processing it (rows written,
// warnings) or an error. Called once per date in the resolved range, in
// strictly ascending order for the dates that execute sequentially within
// the worker pool's fan-out.
type Func func(ctx context.Context, date int) (Result, error)

// Result is what a stage function reports for one processed date.
type Result struct {
	RowsWritten int
	Warning     string
}

// Definition is one named stage: its kind, execution function, and
// lenience flag (feature stages default to lenient-allowed per the API
// Descriptor's core/feature attribute).
type Definition struct {
	Name       string
	Kind       Kind
	APIName    string // watermark/run-log key
	Fn         Func
	Lenient    bool
	WorkerPool int // 0 = defaultWorkerPoolSize

	// DependsOn names other registered stage Definitions this one reads
	// from (e.g. a transform depends on the ingest stage below it). The
	// Pipeline Coordinator rejects cycles in this graph at
	// pipeline-definition time, per Design Note "Cyclic dependencies
	// between layers".
	DependsOn []string
}

// Registry maps stage name to Definition, the dynamic-dispatch
// "map of name -> function" the teacher uses for HTTP route registration,
// applied here to stage kinds instead of HTTP verbs.
type Registry struct {
	defs map[string]Definition
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]Definition)}
}

// Register adds a stage Definition, keyed by its Name.
func (r *Registry) Register(def Definition) {
	r.defs[def.Name] = def
}

// Lookup returns the named stage Definition.
func (r *Registry) Lookup(name string) (Definition, bool) {
	def, ok := r.defs[name]
	return def, ok
}

// ErrEmptyRange names an empty resolved date range. Runner.Run does not
// return it: an empty range is a nil-error, zero-work run.
var ErrEmptyRange = errors.New("stage: resolved date range is empty")

// StageError wraps a failed stage invocation.
type StageError struct {
	Stage string
	Date  int
	Cause error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: date %d: %v", e.Stage, e.Date, e.Cause)
}

func (e *StageError) Unwrap() error {
	return e.Cause
}

// Classify maps a StageError to the shared error taxonomy. Stage errors are
// transparent wrappers: the Kind comes from whatever the stage function's
// underlying cause classifies as in its own package, falling back to
// Unknown when the cause isn't recognized by any producing package.
func Classify(err error, delegates ...func(error) etlerr.Kind) etlerr.Kind {
	var se *StageError
	if !errors.As(err, &se) {
		return etlerr.Unknown
	}

	for _, classify := range delegates {
		if k := classify(se.Cause); k != etlerr.Unknown {
			return k
		}
	}

	return etlerr.Unknown
}

// Runner executes one Definition over a resolved date range.
type Runner struct {
	cal       *calendar.Calendar
	watermark *watermark.Store
	runLog    *runlog.Log
}

// New constructs a Runner.
func New(cal *calendar.Calendar, wm *watermark.Store, log *runlog.Log) *Runner {
	return &Runner{cal: cal, watermark: wm, runLog: log}
}

// DateRange resolves the effective date range for def: (explicit args ∪
// watermark current+1) ∩ (-∞, today_cap()]. An explicit start/end of 0
// means "unset", deferring to the watermark/today-cap default.
func (r *Runner) DateRange(ctx context.Context, def Definition, explicitStart, explicitEnd int) ([]int, error) {
	todayCap, err := r.cal.TodayCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("stage %s: resolve today cap: %w", def.Name, err)
	}

	start := explicitStart

	if start == 0 {
		current, err := r.watermark.Read(ctx, def.APIName)
		if err != nil {
			return nil, fmt.Errorf("stage %s: read watermark: %w", def.Name, err)
		}

		if current.Value == 0 {
			start = current.Value // 0: caller's Fn must treat as "from the beginning"
		} else {
			next, err := r.cal.NextTradingDay(ctx, current.Value)
			if err != nil {
				return nil, fmt.Errorf("stage %s: resolve next trading day: %w", def.Name, err)
			}

			start = next
		}
	}

	end := explicitEnd
	if end == 0 || end > todayCap {
		end = todayCap
	}

	if start == 0 || start > end {
		return []int{}, nil
	}

	return r.cal.TradingDaysBetween(ctx, start, end)
}

// Run resolves def's date range, opens a Run Log entry, invokes Fn over
// every date in the range with bounded worker-pool concurrency, and on
// success advances the watermark to the last processed date and closes the
// Run Log SUCCESS. On failure the watermark advances only to the last date
// before the first failed date (unchanged when there is none), the Run Log
// is closed FAILED, and the watermark row is marked FAILED.
func (r *Runner) Run(ctx context.Context, pipeline string, def Definition, explicitStart, explicitEnd int) error {
	dates, err := r.DateRange(ctx, def, explicitStart, explicitEnd)
	if err != nil {
		return err
	}

	if len(dates) == 0 {
		return nil
	}

	sort.Ints(dates)

	runID, err := r.runLog.Open(ctx, pipeline, def.Name, dates[len(dates)-1])
	if err != nil {
		return err
	}

	lastProcessed, requestCount, failCount, runErr := r.runDates(ctx, def, dates)

	// Freeze-on-failure: a failure on date D advances the watermark only
	// as far as the highest contiguous date that completed before D, then
	// leaves it there. "Unchanged" in the no-progress case (lastProcessed
	// == 0) and "frozen at D-1" in the partial-progress case are the same
	// code path.
	if def.APIName != "" && lastProcessed != 0 {
		if advErr := r.watermark.Advance(ctx, def.APIName, lastProcessed); advErr != nil {
			return advErr
		}
	}

	if runErr != nil {
		errText := runErr.Error()
		if len(errText) > 2000 {
			errText = errText[:2000]
		}

		if closeErr := r.runLog.Close(ctx, runID, runlog.StateFailed, errText, requestCount, failCount); closeErr != nil {
			return closeErr
		}

		if def.APIName != "" {
			_ = r.watermark.MarkFailed(ctx, def.APIName, runErr)
		}

		return &StageError{Stage: def.Name, Date: lastProcessed, Cause: runErr}
	}

	if err := r.runLog.Close(ctx, runID, runlog.StateSuccess, "", requestCount, failCount); err != nil {
		return err
	}

	return nil
}

// runDates fans per-date work out to a bounded worker pool (ingest stages
// only; transform/check stages run single-tasked), but the watermark
// commit point is an ordered-commit buffer: results are collected per
// index and then walked in ascending date order, so the returned
// lastProcessed is always the highest date with no failure at or before
// it, regardless of which goroutine happened to finish first. A failure on
// date D therefore freezes the watermark at D-1 even though D+1's fetch may
// already have completed concurrently. requestCount sums RowsWritten over
// every date that succeeded and failCount counts every date that errored, across the whole
// fan-out, for the Run Log Entry's (request-count, fail-count) fields.
func (r *Runner) runDates(ctx context.Context, def Definition, dates []int) (lastProcessed, requestCount, failCount int, err error) {
	poolSize := def.WorkerPool
	if poolSize == 0 {
		poolSize = defaultWorkerPoolSize
	}

	if def.Kind != KindIngest {
		poolSize = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(poolSize)

	errs := make([]error, len(dates))
	results := make([]Result, len(dates))

	for i, d := range dates {
		i, d := i, d

		g.Go(func() error {
			res, fnErr := def.Fn(gctx, d)
			if fnErr != nil {
				errs[i] = &StageError{Stage: def.Name, Date: d, Cause: fnErr}
				return nil
			}

			results[i] = res

			return nil
		})
	}

	_ = g.Wait() // per-date errors are captured in errs, not the group error

	for i := range dates {
		if errs[i] != nil {
			failCount++
			continue
		}

		requestCount += results[i].RowsWritten
	}

	for i, d := range dates {
		if errs[i] != nil {
			return lastProcessed, requestCount, failCount, errs[i]
		}

		lastProcessed = d
	}

	return lastProcessed, requestCount, failCount, nil
}
