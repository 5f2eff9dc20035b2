package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/ashare-etl/etl/internal/calendar"
	"github.com/ashare-etl/etl/internal/runlog"
	"github.com/ashare-etl/etl/internal/runtimecfg"
)

const guardStageName = "__guard__"

// runGuard implements the `guard` subcommand: --task-name,
// --idempotency-key, --retries, --retry-delay, --timeout, "--", then the
// wrapped subcommand. It single-flights the wrapped subcommand through the
// Retry Guard before running it, retries a failing subprocess up to
// --retries times, and forwards the subprocess's own exit code — except
// for an idempotency-guard hit, which short-circuits to exitSkipped
// without running the subcommand at all (Scenario E).
func runGuard(ctx context.Context, logger *slog.Logger, args []string) int {
	fs := flag.NewFlagSet("guard", flag.ContinueOnError)

	taskName := fs.String("task-name", "", "logical task name, used as the Retry Guard's pipeline scope (required)")
	idempotencyKey := fs.String("idempotency-key", "", "skip the run if this key already has a SUCCESS retry-guard row (required)")
	retries := fs.Int("retries", 0, "additional attempts after the first failure")
	retryDelay := fs.Duration("retry-delay", time.Second, "delay between retry attempts")
	timeout := fs.Duration("timeout", 0, "per-attempt timeout; 0 = no timeout")

	subArgs, err := splitGuardArgs(args)
	if err != nil {
		fmt.Fprintln(fs.Output(), "guard:", err)
		return exitConfig
	}

	if err := fs.Parse(subArgs.flags); err != nil {
		return exitConfig
	}

	if *taskName == "" || *idempotencyKey == "" {
		fmt.Fprintln(fs.Output(), "guard: --task-name and --idempotency-key are required")
		return exitConfig
	}

	if len(subArgs.command) == 0 {
		fmt.Fprintln(fs.Output(), "guard: missing subcommand after --")
		return exitConfig
	}

	env := runtimecfg.LoadEnvConfig()

	rt, err := runtimecfg.Build(ctx, env, logger)
	if err != nil {
		logger.Error("guard: build runtime context failed", "error", err)
		return exitConfig
	}
	defer rt.Close()

	loc, err := time.LoadLocation(env.TimeZone)
	if err != nil {
		logger.Error("guard: load timezone failed", "error", err)
		return exitConfig
	}

	runDate := calendar.ToDate(time.Now().In(loc))

	runID, err := rt.Guard.Acquire(ctx, *taskName, guardStageName, runDate, *idempotencyKey)
	if err != nil {
		if errors.Is(err, runlog.ErrAlreadySatisfied) {
			logger.Info("guard: idempotency key already satisfied, skipping", "key", *idempotencyKey)
			return exitSkipped
		}

		logger.Error("guard: acquire failed", "error", err)

		return exitFailure
	}

	exitCode := runWithRetries(ctx, logger, subArgs.command, *retries, *retryDelay, *timeout)

	finalState := runlog.StateSuccess
	errDetail := ""

	failCount := 0
	if exitCode != 0 {
		finalState = runlog.StateFailed
		errDetail = fmt.Sprintf("subcommand exited %d", exitCode)
		failCount = 1
	}

	if err := rt.Guard.Close(ctx, runID, finalState, errDetail, 1, failCount); err != nil {
		logger.Error("guard: close run log failed", "error", err)
	}

	if err := rt.Guard.Release(ctx, *idempotencyKey, finalState); err != nil {
		logger.Error("guard: release retry guard failed", "error", err)
	}

	return exitCode
}

type guardArgs struct {
	flags   []string
	command []string
}

// splitGuardArgs separates etlctl's own flags from the wrapped subcommand,
// delimited by a literal "--".
func splitGuardArgs(args []string) (guardArgs, error) {
	for i, a := range args {
		if a == "--" {
			return guardArgs{flags: args[:i], command: args[i+1:]}, nil
		}
	}

	return guardArgs{}, errors.New(`missing "--" delimiter before the wrapped subcommand`)
}

func runWithRetries(ctx context.Context, logger *slog.Logger, command []string, retries int, delay, timeout time.Duration) int {
	var lastCode int

	for attempt := 0; attempt <= retries; attempt++ {
		lastCode = runOnce(ctx, command, timeout)
		if lastCode == 0 {
			return 0
		}

		logger.Warn("guard: subcommand attempt failed", "attempt", attempt+1, "exitCode", lastCode)

		if attempt < retries {
			time.Sleep(delay)
		}
	}

	return lastCode
}

func runOnce(ctx context.Context, command []string, timeout time.Duration) int {
	runCtx := ctx

	if timeout > 0 {
		var cancel context.CancelFunc

		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, command[0], command[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode()
		}

		return exitFailure
	}

	return 0
}
