package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/ashare-etl/etl/internal/pipeline"
	"github.com/ashare-etl/etl/internal/runtimecfg"
)

// runPipeline implements the `run` subcommand: --config, --pipeline,
// --start-date, --end-date, --lenient, --idempotency-key. Exit code 0 on
// all-stages-success, 1 on any strict-stage failure, 2 on configuration
// error, 3 (exitSkipped) on an idempotency-guard hit (Scenario E).
func runPipeline(ctx context.Context, logger *slog.Logger, args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)

	configPath := fs.String("config", "", "path to the pipeline descriptor YAML (default: ETL_PIPELINES_PATH)")
	pipelineName := fs.String("pipeline", "", "name of the pipeline to run, as declared in the descriptor (required)")
	startDate := fs.String("start-date", "", "YYYYMMDD override for the range start (default: watermark + 1)")
	endDate := fs.String("end-date", "", "YYYYMMDD override for the range end (default: today's trading-day cap)")
	lenient := fs.Bool("lenient", false, "downgrade every stage's failure policy to lenient")
	idempotencyKey := fs.String("idempotency-key", "", "skip the run if this key already has a SUCCESS retry-guard row")

	if err := fs.Parse(args); err != nil {
		return exitConfig
	}

	if *pipelineName == "" {
		fmt.Fprintln(fs.Output(), "run: --pipeline is required")
		return exitConfig
	}

	start, err := parseOptionalDate(*startDate)
	if err != nil {
		fmt.Fprintf(fs.Output(), "run: --start-date: %v\n", err)
		return exitConfig
	}

	end, err := parseOptionalDate(*endDate)
	if err != nil {
		fmt.Fprintf(fs.Output(), "run: --end-date: %v\n", err)
		return exitConfig
	}

	env := runtimecfg.LoadEnvConfig()
	if *configPath != "" {
		env.PipelinesPath = *configPath
	}

	rt, err := runtimecfg.Build(ctx, env, logger)
	if err != nil {
		logger.Error("run: build runtime context failed", "error", err)
		return exitConfig
	}
	defer rt.Close()

	def, ok := rt.PipelineDescriptor.Lookup(*pipelineName)
	if !ok {
		fmt.Fprintf(fs.Output(), "run: unknown pipeline %q\n", *pipelineName)
		return exitConfig
	}

	if *lenient {
		def = withLenientPolicy(def)
	}

	summary, err := rt.Coordinator.Run(ctx, def, start, end, *idempotencyKey)

	logSummary(logger, summary)

	if summary.Skipped {
		return exitSkipped
	}

	if err == nil {
		return exitSuccess
	}

	if errors.Is(err, pipeline.ErrAborted) {
		return exitFailure
	}

	logger.Error("run: pipeline failed", "error", err)

	return exitConfig
}

func withLenientPolicy(def pipeline.Definition) pipeline.Definition {
	stages := make([]pipeline.StageRef, len(def.Stages))

	for i, ref := range def.Stages {
		ref.Policy = pipeline.PolicyLenient
		stages[i] = ref
	}

	def.Stages = stages

	return def
}

func parseOptionalDate(s string) (int, error) {
	if s == "" {
		return 0, nil
	}

	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("must be YYYYMMDD: %w", err)
	}

	return v, nil
}

func logSummary(logger *slog.Logger, summary pipeline.Summary) {
	logger.Info("run: pipeline summary",
		"pipeline", summary.Pipeline,
		"skipped", summary.Skipped,
		"aborted", summary.Aborted,
		"stages", len(summary.Stages),
	)

	for _, s := range summary.Stages {
		logger.Info("run: stage result",
			"stage", s.StageName,
			"status", s.Status,
			"duration", s.Duration,
			"detail", s.Detail,
		)
	}
}
