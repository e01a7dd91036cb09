// Command metasim runs meta-simulation experiments: it expands a plan into
// simulation runs, dispatches them to a backend and prints the aggregated
// outputs.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/metasim/metasim/cmd/metasim/commands"
	"github.com/metasim/metasim/pkg/engine"
)

// Set via -ldflags at build time.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// Exit codes. Errors raised before any run was dispatched get their own code
// so scripts can tell a bad plan from a failed experiment.
const (
	exitFailed    = 1
	exitPlan      = 2
	exitCancelled = 130
)

func main() {
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := commands.Execute(ctx, Version, Commit, BuildDate)
	if err == nil {
		return
	}
	log.Error().Err(err).Msg("metasim failed")
	stop()
	os.Exit(exitCode(err))
}

func exitCode(err error) int {
	switch {
	case engine.IsCancelled(err), errors.Is(err, context.Canceled):
		return exitCancelled
	case engine.IsPreDispatch(err):
		return exitPlan
	default:
		return exitFailed
	}
}
