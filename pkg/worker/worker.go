// Package worker executes the share of an experiment file assigned to one
// worker process and writes one result file per run and view. Progress is
// reported on stdout with the JSON-lines protocol of the protocol subpackage.
package worker

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/metasim/metasim/pkg/backend"
	"github.com/metasim/metasim/pkg/engine"
	"github.com/metasim/metasim/pkg/telemetry"
	"github.com/metasim/metasim/pkg/worker/protocol"
)

// Version is reported in the READY message.
const Version = "1.0.0"

// Rank environment variables, checked in order.
var rankEnv = [][2]string{
	{"OMPI_COMM_WORLD_RANK", "OMPI_COMM_WORLD_SIZE"},
	{"PMI_RANK", "PMI_SIZE"},
}

// RankFromEnv returns the rank and world size set by an MPI launcher.
func RankFromEnv() (rank, size int, ok bool) {
	for _, pair := range rankEnv {
		r, rerr := strconv.Atoi(os.Getenv(pair[0]))
		s, serr := strconv.Atoi(os.Getenv(pair[1]))
		if rerr == nil && serr == nil && s > 0 && r >= 0 && r < s {
			return r, s, true
		}
	}
	return 0, 1, false
}

// Options configures a Worker.
type Options struct {
	// Rank and Size select the runs i with i % Size == Rank.
	Rank int
	Size int

	// Slots bounds concurrent simulations inside this process.
	Slots int

	Simulator engine.Simulator
	Files     backend.FileStore
	Encoder   *protocol.Encoder
	Logger    *telemetry.Logger
}

// Summary describes a finished execution.
type Summary struct {
	Runs     int
	Files    int
	Duration time.Duration
}

// Worker runs the runs of an experiment file assigned to its rank.
type Worker struct {
	opts Options
}

// New returns a Worker. Missing options get single-process defaults.
func New(opts Options) (*Worker, error) {
	if opts.Simulator == nil {
		return nil, fmt.Errorf("simulator is required")
	}
	if opts.Encoder == nil {
		return nil, fmt.Errorf("protocol encoder is required")
	}
	if opts.Size < 1 {
		opts.Size = 1
	}
	if opts.Rank < 0 || opts.Rank >= opts.Size {
		return nil, fmt.Errorf("rank %d out of range for size %d", opts.Rank, opts.Size)
	}
	if opts.Slots < 1 {
		opts.Slots = 1
	}
	if opts.Files == nil {
		opts.Files = backend.LocalFiles{}
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNopLogger()
	}
	return &Worker{opts: opts}, nil
}

// Assigned returns the runs of file handled by this worker's rank.
func (w *Worker) Assigned(file *backend.ExperimentFile) []engine.RunDescriptor {
	var runs []engine.RunDescriptor
	for _, run := range file.Runs {
		if run.Index%w.opts.Size == w.opts.Rank {
			runs = append(runs, run)
		}
	}
	return runs
}

// Run loads the model, simulates the assigned runs and writes their result files.
// Failures are reported as ERROR messages before being returned.
func (w *Worker) Run(ctx context.Context, file *backend.ExperimentFile) (*Summary, error) {
	start := time.Now()
	enc := w.opts.Encoder
	logger := w.opts.Logger.WithExperiment(file.Name)

	runs := w.Assigned(file)
	if err := enc.EncodeReady(&protocol.ReadyMessage{
		Version:    Version,
		Experiment: file.Name,
		PID:        os.Getpid(),
		Size:       w.opts.Size,
		Runs:       len(runs),
		Slots:      w.opts.Slots,
	}); err != nil {
		return nil, fmt.Errorf("failed to send ready: %w", err)
	}

	codec, err := backend.CodecFor(file.Format)
	if err != nil {
		return nil, w.report(-1, protocol.ErrCodeBadExperiment, err)
	}

	if len(runs) == 0 {
		logger.Debug("no runs assigned to this rank")
		summary := &Summary{Duration: time.Since(start)}
		return summary, enc.EncodeDone(&protocol.DoneMessage{Duration: summary.Duration.Seconds()})
	}

	model, err := w.opts.Simulator.Load(ctx, file.Model)
	if err != nil {
		return nil, w.report(-1, protocol.ErrCodeModelLoad, err)
	}
	defer func() {
		if cerr := engine.CloseModel(context.WithoutCancel(ctx), model); cerr != nil {
			logger.WithError(cerr).Warn("failed to close model")
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	workQueue := make(chan engine.RunDescriptor, len(runs))
	for _, run := range runs {
		workQueue <- run
	}
	close(workQueue)

	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
		done     atomic.Int32
		files    atomic.Int32
	)

	for i := 0; i < min(w.opts.Slots, len(runs)); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for run := range workQueue {
				if ctx.Err() != nil {
					return
				}
				n, err := w.execute(ctx, file, codec, model, run)
				if err != nil {
					errOnce.Do(func() {
						firstErr = err
						cancel()
					})
					return
				}
				files.Add(int32(n))
				current := int(done.Add(1))
				_ = enc.EncodeEvent(&protocol.EventMessage{
					RunIndex: run.Index,
					Level:    "debug",
					Message:  "run completed",
					Progress: &protocol.ProgressInfo{Current: current, Total: len(runs), Unit: "runs"},
				})
			}
		}()
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	if err := ctx.Err(); err != nil {
		return nil, w.report(-1, protocol.ErrCodeSimulation, err)
	}

	summary := &Summary{Runs: int(done.Load()), Files: int(files.Load()), Duration: time.Since(start)}
	logger.Infof("completed %d runs, wrote %d files in %s", summary.Runs, summary.Files, summary.Duration)
	if err := enc.EncodeDone(&protocol.DoneMessage{
		Runs:     summary.Runs,
		Files:    summary.Files,
		Duration: summary.Duration.Seconds(),
	}); err != nil {
		return nil, fmt.Errorf("failed to send done: %w", err)
	}
	return summary, nil
}

// execute simulates one run and writes one file per view. It returns the number of files written.
func (w *Worker) execute(ctx context.Context, file *backend.ExperimentFile, codec backend.Codec, model engine.Model, run engine.RunDescriptor) (int, error) {
	out, err := model.Simulate(ctx, run.Assignments)
	if err != nil {
		return 0, w.report(run.Index, protocol.ErrCodeSimulation, err)
	}

	for _, view := range file.Views {
		m, ok := out[view]
		if !ok || m == nil {
			return 0, w.report(run.Index, protocol.ErrCodeSimulation, fmt.Errorf("model produced no view %q", view))
		}
		var buf bytes.Buffer
		if err := codec.Encode(&buf, m); err != nil {
			return 0, w.report(run.Index, protocol.ErrCodeWriteResult, err)
		}
		name := backend.ResultFileName(file.WorkingDir, file.Name, run.Index, view, file.Format)
		if err := w.opts.Files.WriteFile(name, buf.Bytes()); err != nil {
			return 0, w.report(run.Index, protocol.ErrCodeWriteResult, err)
		}
	}
	return len(file.Views), nil
}

// report sends an ERROR message and returns err annotated with the run index.
func (w *Worker) report(runIndex int, code string, err error) error {
	_ = w.opts.Encoder.EncodeError(&protocol.ErrorMessage{
		RunIndex: runIndex,
		Code:     code,
		Message:  err.Error(),
	})
	if runIndex < 0 {
		return fmt.Errorf("%s: %w", code, err)
	}
	return fmt.Errorf("run %d: %s: %w", runIndex, code, err)
}
