package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashare-etl/etl/internal/runtimecfg"
)

// runCheck implements the `check` subcommand: --hours N. It considers the
// SLO breached if any watermark row is in StatusFailed, or has gone more
// than N hours since its last update without advancing — the operator's
// early warning that a stage has stopped making progress, independent of
// whether a pipeline invocation is currently RUNNING.
func runCheck(ctx context.Context, logger *slog.Logger, args []string) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	hours := fs.Int("hours", 24, "SLO window in hours; breach if any watermark is staler than this")

	if err := fs.Parse(args); err != nil {
		return exitConfig
	}

	if *hours <= 0 {
		fmt.Fprintln(fs.Output(), "check: --hours must be positive")
		return exitConfig
	}

	env := runtimecfg.LoadEnvConfig()

	rt, err := runtimecfg.Build(ctx, env, logger)
	if err != nil {
		logger.Error("check: build runtime context failed", "error", err)
		return exitConfig
	}
	defer rt.Close()

	breaches, err := queryBreaches(ctx, rt, *hours)
	if err != nil {
		logger.Error("check: query watermarks failed", "error", err)
		return exitConfig
	}

	if len(breaches) == 0 {
		logger.Info("check: SLO satisfied", "hours", *hours)
		return exitSuccess
	}

	for _, b := range breaches {
		logger.Warn("check: SLO breach",
			"pipeline", b.pipelineName, "stage", b.stageName, "api", b.apiName,
			"status", b.status, "updatedAt", b.updatedAt,
		)
	}

	return exitFailure
}

type watermarkBreach struct {
	pipelineName string
	stageName    string
	apiName      string
	status       string
	updatedAt    time.Time
}

func queryBreaches(ctx context.Context, rt *runtimecfg.Context, hours int) ([]watermarkBreach, error) {
	const query = `
		SELECT pipeline_name, stage_name, api_name, status, updated_at
		FROM meta_etl_watermark
		WHERE status = 'FAILED' OR updated_at < now() - ($1 * interval '1 hour')`

	rows, err := rt.Conn.QueryContext(ctx, query, hours)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []watermarkBreach

	for rows.Next() {
		var b watermarkBreach

		if err := rows.Scan(&b.pipelineName, &b.stageName, &b.apiName, &b.status, &b.updatedAt); err != nil {
			return nil, err
		}

		out = append(out, b)
	}

	return out, rows.Err()
}
