// Package pipeline implements the Pipeline Coordinator: it composes
// registered stages into a named, ordered pipeline, executes them
// sequentially with a declared strict/lenient failure policy per stage,
// performs the inter-stage readiness check, and publishes one terminal
// summary event. Sequential dispatch is grounded on cmd/migrator's
// command-dispatch executeCommand switch plus the teacher's terminal
// structured-summary-log style; pipeline descriptors are parsed from YAML
// (gopkg.in/yaml.v3, the teacher's otherwise-unused direct dependency).
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"gopkg.in/yaml.v3"

	"github.com/ashare-etl/etl/internal/calendar"
	"github.com/ashare-etl/etl/internal/runlog"
	"github.com/ashare-etl/etl/internal/stage"
	"github.com/ashare-etl/etl/internal/watermark"
)

// FailurePolicy governs whether a stage's failure aborts the pipeline
// (strict) or is downgraded to a logged warning (lenient).
type FailurePolicy string

const (
	PolicyStrict  FailurePolicy = "strict"
	PolicyLenient FailurePolicy = "lenient"
)

// pipelineGuardStage is the sentinel stage name used for the pipeline-level
// Run Log / Retry Guard row that single-flights the whole pipeline
// invocation, distinct from each stage's own Run Log rows (which are keyed
// by their real stage name inside stage.Runner.Run).
const pipelineGuardStage = "__pipeline__"

// ErrTodayGapLenient marks a missing "today" row from a feature API whose
// upstream readiness lag exceeds now - market-close; a stage function
// returns this (wrapped) when it finds zero rows for a not-yet-ready
// "today" date. Under a lenient stage policy this downgrades the stage's
// result to a warning instead of aborting the pipeline (spec.md §4.8
// "today-only lenience", Scenario D).
var ErrTodayGapLenient = errors.New("pipeline: feature data not yet available for today")

// ErrCyclicDependency is returned when a pipeline's stage dependency graph
// contains a cycle, rejected at pipeline-definition time per Design Note
// "Cyclic dependencies between layers".
var ErrCyclicDependency = errors.New("pipeline: cyclic stage dependency")

// ErrUnknownStage is returned when a StageRef or a stage.Definition's
// DependsOn entry names a stage absent from the Registry.
var ErrUnknownStage = errors.New("pipeline: unknown stage")

// ErrAborted is returned by Coordinator.Run when a strict-policy stage (or
// readiness check) failed and later stages were skipped.
var ErrAborted = errors.New("pipeline: aborted")

// StageRef is one pipeline's reference to a registered stage.Definition:
// its failure policy and the watermark-backed api-names that must have
// caught up before it may run (the inter-stage readiness check).
type StageRef struct {
	StageName string        `yaml:"stage"`
	Policy    FailurePolicy `yaml:"policy"`
	DependsOn []string      `yaml:"depends_on"` // api-names read by this stage
}

// Definition is one named pipeline: an ordered sequence of StageRefs.
type Definition struct {
	Name   string     `yaml:"name"`
	Stages []StageRef `yaml:"stages"`
}

// Descriptor is the top-level YAML document holding every named pipeline,
// loaded once at startup (no hot reload, per spec.md §6).
type Descriptor struct {
	Pipelines []Definition `yaml:"pipelines"`
}

// LoadDescriptor reads and parses a pipeline descriptor file.
func LoadDescriptor(path string) (Descriptor, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Descriptor{}, fmt.Errorf("pipeline: read descriptor %s: %w", path, err)
	}

	var d Descriptor
	if err := yaml.Unmarshal(raw, &d); err != nil {
		return Descriptor{}, fmt.Errorf("pipeline: parse descriptor %s: %w", path, err)
	}

	return d, nil
}

// Lookup returns the named pipeline Definition from the descriptor.
func (d Descriptor) Lookup(name string) (Definition, bool) {
	for _, p := range d.Pipelines {
		if p.Name == name {
			return p, true
		}
	}

	return Definition{}, false
}

// Validate checks that every StageRef resolves in registry and that the
// referenced stages' declared dependency graph (stage.Definition.DependsOn)
// contains no cycle.
func (def Definition) Validate(registry *stage.Registry) error {
	names := make([]string, len(def.Stages))

	for i, ref := range def.Stages {
		if _, ok := registry.Lookup(ref.StageName); !ok {
			return fmt.Errorf("%w: %s", ErrUnknownStage, ref.StageName)
		}

		names[i] = ref.StageName
	}

	return ValidateNoCycles(registry, names)
}

// ValidateNoCycles runs a DFS over each named stage's DependsOn graph and
// rejects any cycle, per Design Note "Cyclic dependencies between layers".
func ValidateNoCycles(registry *stage.Registry, stageNames []string) error {
	const (
		white = 0
		gray  = 1
		black = 2
	)

	color := make(map[string]int, len(stageNames))

	var visit func(name string, path []string) error

	visit = func(name string, path []string) error {
		switch color[name] {
		case black:
			return nil
		case gray:
			return fmt.Errorf("%w: %s", ErrCyclicDependency, strings.Join(append(path, name), " -> "))
		}

		color[name] = gray

		def, ok := registry.Lookup(name)
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownStage, name)
		}

		for _, dep := range def.DependsOn {
			if err := visit(dep, append(path, name)); err != nil {
				return err
			}
		}

		color[name] = black

		return nil
	}

	for _, name := range stageNames {
		if err := visit(name, nil); err != nil {
			return err
		}
	}

	return nil
}

// StageSummary is one stage's recorded outcome in the terminal summary.
type StageSummary struct {
	StageName string        `json:"stage_name"`
	Status    string        `json:"status"` // success | warning | skipped | failed
	Duration  time.Duration `json:"duration"`
	Detail    string        `json:"detail,omitempty"`
}

// Summary is the Coordinator's one terminal structured event per pipeline
// invocation, published to the notification collaborator.
type Summary struct {
	Pipeline string         `json:"pipeline"`
	Skipped  bool           `json:"skipped"` // idempotency-guard hit; no stages ran
	Aborted  bool           `json:"aborted"`
	Started  time.Time      `json:"started_at"`
	Ended    time.Time      `json:"ended_at"`
	Stages   []StageSummary `json:"stages"`
}

// Notifier publishes a pipeline's terminal summary event. The notification
// transport is a pluggable collaborator (spec.md §1); Kafka is this
// realization's production choice.
type Notifier interface {
	Publish(ctx context.Context, summary Summary) error
}

// NoopNotifier discards summary events; used when ETL_KAFKA_BROKERS is
// unset.
type NoopNotifier struct{}

// Publish implements Notifier.
func (NoopNotifier) Publish(context.Context, Summary) error { return nil }

// KafkaNotifier publishes summary events as JSON to one Kafka topic,
// grounded on the teacher's direct segmentio/kafka-go dependency, which
// otherwise had no domain component to exercise it.
type KafkaNotifier struct {
	writer *kafka.Writer
}

// NewKafkaNotifier constructs a KafkaNotifier. Close must be called when
// the Notifier is no longer needed.
func NewKafkaNotifier(brokers []string, topic string) *KafkaNotifier {
	return &KafkaNotifier{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafka.LeastBytes{},
		},
	}
}

// Publish implements Notifier.
func (n *KafkaNotifier) Publish(ctx context.Context, summary Summary) error {
	payload, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("pipeline: encode summary: %w", err)
	}

	if err := n.writer.WriteMessages(ctx, kafka.Message{Key: []byte(summary.Pipeline), Value: payload}); err != nil {
		return fmt.Errorf("pipeline: publish summary: %w", err)
	}

	return nil
}

// Close closes the underlying Kafka writer.
func (n *KafkaNotifier) Close() error {
	return n.writer.Close()
}

// Coordinator composes registered stages into pipelines, applying each
// stage's declared failure policy and the inter-stage readiness check.
type Coordinator struct {
	registry   *stage.Registry
	runners    map[string]*stage.Runner    // stage name -> its Runner (each scoped to its own watermark Store)
	cal        *calendar.Calendar
	watermarks map[string]*watermark.Store // api-name -> its owning Store, for readiness checks
	guard      *runlog.Guard
	notifier   Notifier
	logger     *slog.Logger
}

// New constructs a Coordinator. runners holds one stage.Runner per
// registered stage name — each Runner's watermark.Store is scoped to that
// single (pipeline, stage) pair, so a pipeline running several stages needs
// one Runner per stage rather than a shared one. watermarks maps each
// api-name a stage may declare as a readiness dependency to the
// watermark.Store that owns it (possibly a different stage's Store than
// the one consuming it, for cross-pipeline dependencies like the T+1
// margin pipeline reading the core pipeline's watermark). notifier and
// logger default to NoopNotifier and slog.Default when nil.
func New(
	registry *stage.Registry,
	runners map[string]*stage.Runner,
	cal *calendar.Calendar,
	watermarks map[string]*watermark.Store,
	guard *runlog.Guard,
	notifier Notifier,
	logger *slog.Logger,
) *Coordinator {
	if notifier == nil {
		notifier = NoopNotifier{}
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Coordinator{
		registry:   registry,
		runners:    runners,
		cal:        cal,
		watermarks: watermarks,
		guard:      guard,
		notifier:   notifier,
		logger:     logger,
	}
}

// Run executes def's stages in declared order. explicitStart/explicitEnd
// are the CLI's --start-date/--end-date override (0 = unset, deferring to
// each stage's watermark); explicitEnd is clamped to today_cap() before use
// regardless of how far in the future it names (Scenario F, Open Question
// resolution #1: the no-future-watermark invariant always wins).
// idempotencyKey, if non-empty, is checked against the Retry Guard before
// any stage runs; a prior SUCCESS for that key causes Run to return a
// Skipped summary without opening a new Run Log entry (Scenario E).
func (c *Coordinator) Run(ctx context.Context, def Definition, explicitStart, explicitEnd int, idempotencyKey string) (Summary, error) {
	if err := def.Validate(c.registry); err != nil {
		return Summary{}, err
	}

	todayCap, err := c.cal.TodayCap(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("pipeline %s: resolve today cap: %w", def.Name, err)
	}

	targetEnd := explicitEnd
	if targetEnd == 0 || targetEnd > todayCap {
		targetEnd = todayCap
	}

	runID, err := c.guard.Acquire(ctx, def.Name, pipelineGuardStage, targetEnd, idempotencyKey)
	if err != nil {
		if errors.Is(err, runlog.ErrAlreadySatisfied) {
			return Summary{Pipeline: def.Name, Skipped: true}, nil
		}

		return Summary{}, err
	}

	summary := Summary{Pipeline: def.Name, Started: time.Now()}
	aborted := false

	for _, ref := range def.Stages {
		if aborted {
			summary.Stages = append(summary.Stages, StageSummary{StageName: ref.StageName, Status: "skipped", Detail: "pipeline aborted"})
			continue
		}

		if ready, detail := c.checkReadiness(ctx, ref, targetEnd); !ready {
			if ref.Policy == PolicyStrict {
				aborted = true
				summary.Stages = append(summary.Stages, StageSummary{StageName: ref.StageName, Status: "failed", Detail: detail})
			} else {
				summary.Stages = append(summary.Stages, StageSummary{StageName: ref.StageName, Status: "skipped", Detail: detail})
			}

			continue
		}

		summary.Stages = append(summary.Stages, c.runStage(ctx, def.Name, ref, explicitStart, targetEnd, &aborted))
	}

	summary.Ended = time.Now()
	summary.Aborted = aborted

	finalState := runlog.StateSuccess
	errDetail := ""

	if aborted {
		finalState = runlog.StateFailed
		errDetail = "pipeline aborted: " + firstFailureDetail(summary.Stages)
	}

	requestCount, failCount := tallyStages(summary.Stages)

	if err := c.guard.Close(ctx, runID, finalState, errDetail, requestCount, failCount); err != nil {
		return summary, err
	}

	// Open Question resolution #2 (DESIGN.md): the watermark is
	// authoritative. The retry-guard row is only marked SUCCESS here,
	// after every stage's watermark.Advance has already committed inside
	// stage.Runner.Run; a crash before this point leaves the guard row
	// short of SUCCESS, so a re-run is allowed rather than trusting a stale "done".
	if idempotencyKey != "" {
		if err := c.guard.Release(ctx, idempotencyKey, finalState); err != nil {
			return summary, err
		}
	}

	if err := c.notifier.Publish(ctx, summary); err != nil {
		c.logger.Error("pipeline: publish summary failed", slog.String("pipeline", def.Name), slog.Any("error", err))
	}

	if aborted {
		return summary, fmt.Errorf("%w: %s", ErrAborted, def.Name)
	}

	return summary, nil
}

func (c *Coordinator) runStage(ctx context.Context, pipelineName string, ref StageRef, explicitStart, targetEnd int, aborted *bool) StageSummary {
	stageDef, _ := c.registry.Lookup(ref.StageName)

	runner, ok := c.runners[ref.StageName]
	if !ok {
		*aborted = ref.Policy == PolicyStrict || *aborted
		return StageSummary{StageName: ref.StageName, Status: "failed", Detail: fmt.Sprintf("no runner configured for stage %q", ref.StageName)}
	}

	start := time.Now()
	runErr := runner.Run(ctx, pipelineName, stageDef, explicitStart, targetEnd)

	if runErr == nil {
		return StageSummary{StageName: ref.StageName, Status: "success", Duration: time.Since(start)}
	}

	status := "failed"
	if ref.Policy == PolicyLenient {
		status = "warning"
	} else {
		*aborted = true
	}

	c.logger.Warn("pipeline: stage did not complete cleanly",
		slog.String("pipeline", pipelineName),
		slog.String("stage", ref.StageName),
		slog.String("status", status),
		slog.Any("error", runErr),
	)

	return StageSummary{StageName: ref.StageName, Status: status, Duration: time.Since(start), Detail: runErr.Error()}
}

// checkReadiness reports whether every api-name ref declares as a
// dependency has a watermark that has caught up to targetEnd.
func (c *Coordinator) checkReadiness(ctx context.Context, ref StageRef, targetEnd int) (bool, string) {
	for _, api := range ref.DependsOn {
		store, ok := c.watermarks[api]
		if !ok {
			return false, fmt.Sprintf("readiness: no watermark store registered for dependency %q", api)
		}

		state, err := store.Read(ctx, api)
		if err != nil {
			return false, fmt.Sprintf("readiness: read watermark %q: %v", api, err)
		}

		if state.Value < targetEnd {
			return false, fmt.Sprintf("readiness: dependency %q watermark %d has not caught up to %d", api, state.Value, targetEnd)
		}
	}

	return true, ""
}

func firstFailureDetail(stages []StageSummary) string {
	for _, s := range stages {
		if s.Status == "failed" {
			return fmt.Sprintf("%s: %s", s.StageName, s.Detail)
		}
	}

	return "unknown"
}

// tallyStages counts stages actually attempted (not skipped) as requests,
// and stages that ended failed, for the pipeline-level Run Log Entry's
// (request-count, fail-count) fields.
func tallyStages(stages []StageSummary) (requestCount, failCount int) {
	for _, s := range stages {
		if s.Status == "skipped" {
			continue
		}

		requestCount++

		if s.Status == "failed" {
			failCount++
		}
	}

	return requestCount, failCount
}
