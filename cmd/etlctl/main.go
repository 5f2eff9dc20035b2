// Package main provides etlctl, the operator CLI for the ashare-etl core:
// running a named pipeline, checking watermark freshness against an SLO
// window, and wrapping an arbitrary subcommand with the idempotency Guard.
// Flag-parsing and subcommand dispatch is grounded on cmd/migrator's
// executeCommand switch, generalized from a fixed up/down/status/version
// set to four domain subcommands, each owning its own flag.FlagSet.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
)

const (
	name    = "etlctl"
	version = "1.0.0-dev"
)

// Exit codes, per spec.md §6.
const (
	exitSuccess = 0
	exitFailure = 1
	exitConfig  = 2
	exitSkipped = 3
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitConfig)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	ctx := context.Background()

	var code int

	switch os.Args[1] {
	case "run":
		code = runPipeline(ctx, logger, os.Args[2:])
	case "check":
		code = runCheck(ctx, logger, os.Args[2:])
	case "guard":
		code = runGuard(ctx, logger, os.Args[2:])
	case "admin":
		code = runAdmin(ctx, logger, os.Args[2:])
	case "--version", "-version":
		fmt.Printf("%s v%s\n", name, version)
		code = exitSuccess
	case "--help", "-help", "help":
		printUsage()
		code = exitSuccess
	default:
		fmt.Fprintf(os.Stderr, "%s: unknown command %q\n", name, os.Args[1])
		printUsage()
		code = exitConfig
	}

	os.Exit(code)
}

func printUsage() {
	fmt.Printf(`%s v%s - ashare-etl operator CLI

USAGE:
    %s COMMAND [OPTIONS]

COMMANDS:
    run     Run one named pipeline for a date range
    check   Check watermark freshness against an SLO window
    guard   Wrap a subcommand with the idempotency Guard, forwarding its exit code
    admin   Serve the read-only operator-inspection HTTP API

Run '%s COMMAND --help' for command-specific options.
`, name, version, name, name)
}
