// Package main implements the meta-worker binary.
// It executes the runs of an experiment file assigned to its rank, writes one
// result file per run and view next to the experiment file and reports progress
// as JSON lines on stdout.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/metasim/metasim/pkg/backend"
	"github.com/metasim/metasim/pkg/simulator"
	"github.com/metasim/metasim/pkg/telemetry"
	"github.com/metasim/metasim/pkg/worker"
	"github.com/metasim/metasim/pkg/worker/protocol"
)

// Exit codes.
const (
	exitOK     = 0
	exitFailed = 1
	exitUsage  = 2
)

type runner struct {
	encoder *protocol.Encoder
	logger  *telemetry.Logger
}

func main() {
	var (
		experiment string
		slots      int
		rank       int
		size       int
		logLevel   string
	)

	code := exitOK
	cmd := &cobra.Command{
		Use:           "meta-worker --experiment FILE",
		Short:         "Execute the runs of a metasim experiment file",
		Version:       worker.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("rank") && !cmd.Flags().Changed("size") {
				if r, s, ok := worker.RankFromEnv(); ok {
					rank, size = r, s
				}
			}

			logger, err := telemetry.NewLogger(telemetry.WorkerLogging(logLevel))
			if err != nil {
				return err
			}

			r := &runner{
				encoder: protocol.NewEncoder(os.Stdout, rank),
				logger:  logger.WithField("rank", rank),
			}
			code = r.run(cmd.Context(), experiment, rank, size, slots)
			return nil
		},
	}
	cmd.Flags().StringVar(&experiment, "experiment", "", "experiment file written by metasim")
	cmd.Flags().IntVar(&slots, "slots", 1, "concurrent simulations in this process")
	cmd.Flags().IntVar(&rank, "rank", 0, "rank of this process (defaults to the MPI environment)")
	cmd.Flags().IntVar(&size, "size", 1, "number of worker processes (defaults to the MPI environment)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	_ = cmd.MarkFlagRequired("experiment")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitUsage)
	}
	cancel()
	os.Exit(code)
}

func (r *runner) run(ctx context.Context, path string, rank, size, slots int) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return r.fail(protocol.ErrCodeBadExperiment, fmt.Errorf("failed to read experiment file: %w", err))
	}
	file, err := backend.DecodeExperimentFile(data)
	if err != nil {
		return r.fail(protocol.ErrCodeBadExperiment, err)
	}

	w, err := worker.New(worker.Options{
		Rank:      rank,
		Size:      size,
		Slots:     slots,
		Simulator: simulator.New(),
		Files:     backend.LocalFiles{},
		Encoder:   r.encoder,
		Logger:    r.logger,
	})
	if err != nil {
		return r.fail(protocol.ErrCodeBadExperiment, err)
	}

	if _, err := w.Run(ctx, file); err != nil {
		r.logger.WithError(err).Error("experiment failed")
		if ctx.Err() != nil {
			return r.exit("interrupted", exitFailed)
		}
		return r.exit("error", exitFailed)
	}
	return r.exit("completed", exitOK)
}

// fail reports an error that happened before the worker took over.
func (r *runner) fail(code string, err error) int {
	r.logger.WithError(err).Error("cannot start worker")
	_ = r.encoder.EncodeError(&protocol.ErrorMessage{RunIndex: -1, Code: code, Message: err.Error()})
	return r.exit("error", exitFailed)
}

func (r *runner) exit(reason string, code int) int {
	_ = r.encoder.EncodeExit(&protocol.ExitMessage{Reason: reason, ExitCode: code})
	return code
}
