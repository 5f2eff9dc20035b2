package main

import (
	"context"
	"flag"
	"log/slog"

	"github.com/ashare-etl/etl/internal/adminapi"
	"github.com/ashare-etl/etl/internal/runtimecfg"
)

// runAdmin implements the `admin` subcommand: starts the read-only
// operator-inspection HTTP server (watermarks/runs/quality-checks) and
// blocks until SIGINT/SIGTERM.
func runAdmin(ctx context.Context, logger *slog.Logger, args []string) int {
	fs := flag.NewFlagSet("admin", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}

	env := runtimecfg.LoadEnvConfig()

	rt, err := runtimecfg.Build(ctx, env, logger)
	if err != nil {
		logger.Error("admin: build runtime context failed", "error", err)
		return exitConfig
	}
	defer rt.Close()

	if err := env.Admin.Validate(); err != nil {
		logger.Error("admin: invalid server config", "error", err)
		return exitConfig
	}

	limiter := runtimecfg.AdminRateLimiter()
	server := adminapi.NewServer(env.Admin, rt.Conn, limiter, logger)

	if err := server.Start(); err != nil {
		logger.Error("admin: server error", "error", err)
		return exitFailure
	}

	return exitSuccess
}
