// Package runlog implements the Run Log and its Guard: append-only
// execution records per (pipeline, stage, run date), single-flight
// enforcement, idempotency-key skip, and zombie-run reclamation. The
// RUNNING -> SUCCESS|FAILED state machine is expressed as an explicit
// transition validator, grounded directly on the teacher's
// ingestion.ValidateStateTransition / ApplyEventTransitions shape:
// terminal states are immutable and each invalid transition has its own
// sentinel error.
package runlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashare-etl/etl/internal/etlerr"
	"github.com/ashare-etl/etl/internal/storage"
)

// State is a run's position in the RUNNING -> SUCCESS|FAILED state machine.
type State string

const (
	StateRunning State = "RUNNING"
	StateSuccess State = "SUCCESS"
	StateFailed  State = "FAILED"
)

// IsTerminal reports whether a run in this state can no longer transition.
func (s State) IsTerminal() bool {
	return s == StateSuccess || s == StateFailed
}

// ErrInvalidTransition indicates a transition not permitted by the state
// machine.
var ErrInvalidTransition = errors.New("runlog: invalid state transition")

// ErrTerminalStateImmutable indicates an attempt to transition a run out of
// a terminal state.
var ErrTerminalStateImmutable = errors.New("runlog: terminal state is immutable")

// ValidateStateTransition validates one RUNNING -> SUCCESS|FAILED
// transition. Only RUNNING may transition (to SUCCESS or FAILED); SUCCESS
// and FAILED are terminal and permit only the identity transition
// (idempotent Close retries).
func ValidateStateTransition(from, to State) error {
	if from.IsTerminal() {
		if from != to {
			return fmt.Errorf("%w: %s -> %s", ErrTerminalStateImmutable, from, to)
		}

		return nil
	}

	if from == StateRunning && (to == StateSuccess || to == StateFailed) {
		return nil
	}

	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// ErrConcurrentRun is returned by Guard.Acquire when a live RUNNING row
// already exists for this (pipeline, stage, date).
var ErrConcurrentRun = errors.New("runlog: run already in progress")

// ErrAlreadySatisfied is returned by Guard.Acquire when a SUCCESS row
// already exists for the given idempotency key; the caller should skip the
// run and report it as already-satisfied.
var ErrAlreadySatisfied = errors.New("runlog: idempotency key already satisfied")

const defaultZombieThreshold = 2 * time.Hour

// RunLogError wraps a failed Run Log operation.
type RunLogError struct {
	Pipeline string
	Stage    string
	Cause    error
}

func (e *RunLogError) Error() string {
	return fmt.Sprintf("runlog: %s/%s: %v", e.Pipeline, e.Stage, e.Cause)
}

func (e *RunLogError) Unwrap() error {
	return e.Cause
}

// Classify maps a RunLogError to the shared error taxonomy.
func Classify(err error) etlerr.Kind {
	var re *RunLogError
	if !errors.As(err, &re) {
		return etlerr.Unknown
	}

	if errors.Is(re.Cause, ErrConcurrentRun) {
		return etlerr.ConcurrentRun
	}

	return etlerr.StoreWrite
}

// Log records run-level RUNNING/SUCCESS/FAILED rows in meta_etl_run_log.
type Log struct {
	conn *storage.Connection
}

// New constructs a Log.
func New(conn *storage.Connection) *Log {
	return &Log{conn: conn}
}

// Open writes a RUNNING row and returns its run id. Two separate persisted
// events (Open, Close) means a crash between them leaves a zombie RUNNING
// row for the Guard to reconcile.
func (l *Log) Open(ctx context.Context, pipeline, stage string, runDate int) (uuid.UUID, error) {
	const stmt = `
		INSERT INTO meta_etl_run_log (run_id, pipeline_name, stage_name, run_date, state, started_at)
		VALUES ($1, $2, $3, $4, $5, now())`

	runID := uuid.New()

	if _, err := l.conn.ExecContext(ctx, stmt, runID, pipeline, stage, runDate, string(StateRunning)); err != nil {
		return uuid.Nil, &RunLogError{Pipeline: pipeline, Stage: stage, Cause: fmt.Errorf("open: %w", err)}
	}

	return runID, nil
}

// Close transitions runID to a terminal state, recording errDetail when
// state is StateFailed. requestCount and failCount are the run's aggregate
// per-date request and failure counts (spec.md §3 Run Log Entry), persisted
// as the system-of-record tally for this run.
func (l *Log) Close(ctx context.Context, runID uuid.UUID, state State, errDetail string, requestCount, failCount int) error {
	if state != StateSuccess && state != StateFailed {
		return &RunLogError{Cause: fmt.Errorf("%w: close to %s", ErrInvalidTransition, state)}
	}

	current, pipeline, stage, err := l.currentState(ctx, runID)
	if err != nil {
		return err
	}

	if err := ValidateStateTransition(current, state); err != nil {
		return &RunLogError{Pipeline: pipeline, Stage: stage, Cause: err}
	}

	const stmt = `
		UPDATE meta_etl_run_log
		SET state = $1, ended_at = now(), request_count = $2, fail_count = $3, error_detail = $4
		WHERE run_id = $5`

	var detail sql.NullString
	if errDetail != "" {
		detail = sql.NullString{String: errDetail, Valid: true}
	}

	if _, err := l.conn.ExecContext(ctx, stmt, string(state), requestCount, failCount, detail, runID); err != nil {
		return &RunLogError{Pipeline: pipeline, Stage: stage, Cause: fmt.Errorf("close: %w", err)}
	}

	return nil
}

func (l *Log) currentState(ctx context.Context, runID uuid.UUID) (State, string, string, error) {
	const query = `SELECT state, pipeline_name, stage_name FROM meta_etl_run_log WHERE run_id = $1`

	var (
		state            string
		pipeline, stage string
	)

	if err := l.conn.QueryRowContext(ctx, query, runID).Scan(&state, &pipeline, &stage); err != nil {
		return "", "", "", &RunLogError{Cause: fmt.Errorf("lookup run %s: %w", runID, err)}
	}

	return State(state), pipeline, stage, nil
}

// Guard enforces single-flight execution and idempotency-key skip ahead of
// Log.Open, and reclaims zombie RUNNING rows.
type Guard struct {
	conn      *storage.Connection
	log       *Log
	threshold time.Duration
}

// NewGuard constructs a Guard. threshold is the zombie-reclamation age;
// zero uses the default of 2 hours.
func NewGuard(conn *storage.Connection, log *Log, threshold time.Duration) *Guard {
	if threshold == 0 {
		threshold = defaultZombieThreshold
	}

	return &Guard{conn: conn, log: log, threshold: threshold}
}

// Acquire reclaims any zombie RUNNING row for (pipeline, stage, runDate),
// checks the idempotency key against the Retry Guard table, and refuses
// with ErrConcurrentRun if a live RUNNING row remains. On success it opens
// a new Run Log entry and returns its run id.
func (g *Guard) Acquire(ctx context.Context, pipeline, stage string, runDate int, idempotencyKey string) (uuid.UUID, error) {
	if err := g.reclaimZombies(ctx, pipeline, stage, runDate); err != nil {
		return uuid.Nil, err
	}

	satisfied, err := g.idempotencyKeySatisfied(ctx, idempotencyKey)
	if err != nil {
		return uuid.Nil, err
	}

	if satisfied {
		return uuid.Nil, &RunLogError{Pipeline: pipeline, Stage: stage, Cause: ErrAlreadySatisfied}
	}

	live, err := g.hasLiveRun(ctx, pipeline, stage, runDate)
	if err != nil {
		return uuid.Nil, err
	}

	if live {
		return uuid.Nil, &RunLogError{Pipeline: pipeline, Stage: stage, Cause: ErrConcurrentRun}
	}

	if err := g.openRetryGuard(ctx, idempotencyKey, pipeline, stage, runDate); err != nil {
		return uuid.Nil, err
	}

	return g.log.Open(ctx, pipeline, stage, runDate)
}

// Close delegates to the underlying Log's Close, so callers that only hold
// a Guard (the Pipeline Coordinator) don't also need a *Log reference.
func (g *Guard) Close(ctx context.Context, runID uuid.UUID, state State, errDetail string, requestCount, failCount int) error {
	return g.log.Close(ctx, runID, state, errDetail, requestCount, failCount)
}

// Release records the Retry Guard row's terminal state, mirroring the Run
// Log's Close.
func (g *Guard) Release(ctx context.Context, idempotencyKey string, state State) error {
	const stmt = `
		UPDATE meta_retry_guard
		SET state = $1, resolved_at = now()
		WHERE idempotency_key = $2`

	if _, err := g.conn.ExecContext(ctx, stmt, string(state), idempotencyKey); err != nil {
		return &RunLogError{Cause: fmt.Errorf("release retry guard %s: %w", idempotencyKey, err)}
	}

	return nil
}

func (g *Guard) reclaimZombies(ctx context.Context, pipeline, stage string, runDate int) error {
	const stmt = `
		UPDATE meta_etl_run_log
		SET state = 'FAILED', ended_at = now(), error_detail = 'zombie-reclaimed'
		WHERE pipeline_name = $1 AND stage_name = $2 AND run_date = $3
		  AND state = 'RUNNING' AND started_at < $4`

	cutoff := time.Now().Add(-g.threshold)

	if _, err := g.conn.ExecContext(ctx, stmt, pipeline, stage, runDate, cutoff); err != nil {
		return &RunLogError{Pipeline: pipeline, Stage: stage, Cause: fmt.Errorf("reclaim zombies: %w", err)}
	}

	return nil
}

func (g *Guard) hasLiveRun(ctx context.Context, pipeline, stage string, runDate int) (bool, error) {
	const query = `
		SELECT COUNT(*) FROM meta_etl_run_log
		WHERE pipeline_name = $1 AND stage_name = $2 AND run_date = $3 AND state = 'RUNNING'`

	var count int

	if err := g.conn.QueryRowContext(ctx, query, pipeline, stage, runDate).Scan(&count); err != nil {
		return false, &RunLogError{Pipeline: pipeline, Stage: stage, Cause: fmt.Errorf("check live run: %w", err)}
	}

	return count > 0, nil
}

func (g *Guard) idempotencyKeySatisfied(ctx context.Context, idempotencyKey string) (bool, error) {
	if idempotencyKey == "" {
		return false, nil
	}

	const query = `SELECT state FROM meta_retry_guard WHERE idempotency_key = $1`

	var state string

	err := g.conn.QueryRowContext(ctx, query, idempotencyKey).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}

	if err != nil {
		return false, &RunLogError{Cause: fmt.Errorf("check retry guard %s: %w", idempotencyKey, err)}
	}

	return state == string(StateSuccess), nil
}

// openRetryGuard upserts a RUNNING retry-guard row keyed by the table's
// PRIMARY KEY(idempotency_key): a row left by an earlier run (for example
// FAILED) is reset to RUNNING rather than rejected.
func (g *Guard) openRetryGuard(ctx context.Context, idempotencyKey, pipeline, stage string, runDate int) error {
	if idempotencyKey == "" {
		return nil
	}

	const stmt = `
		INSERT INTO meta_retry_guard (idempotency_key, pipeline_name, stage_name, run_date, state, created_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (idempotency_key) DO UPDATE SET
			state = EXCLUDED.state, created_at = now(), resolved_at = NULL`

	if _, err := g.conn.ExecContext(ctx, stmt, idempotencyKey, pipeline, stage, runDate, string(StateRunning)); err != nil {
		return &RunLogError{Pipeline: pipeline, Stage: stage, Cause: fmt.Errorf("open retry guard: %w", err)}
	}

	return nil
}
