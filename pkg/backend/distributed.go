package backend

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"time"

	"github.com/metasim/metasim/pkg/config"
	"github.com/metasim/metasim/pkg/engine"
	"github.com/metasim/metasim/pkg/spawn"
	"github.com/metasim/metasim/pkg/telemetry"
	"github.com/metasim/metasim/pkg/worker/protocol"
)

// killGrace bounds the wait for a killed worker to exit.
const killGrace = 5 * time.Second

// Distributed runs each batch by spawning the worker through the launcher, waiting for
// it to exit and reading one result file per run and view from the working directory.
type Distributed struct {
	launcher    string
	worker      string
	slots       int
	workingDir  string
	format      engine.ResultFormat
	removeFiles bool

	codec        Codec
	spawner      spawn.Spawner
	files        FileStore
	pollInterval time.Duration
	logger       *telemetry.Logger
	metrics      *telemetry.Metrics

	closers []func() error
}

// NewDistributed returns a distributed dispatcher. opts.Spawner and opts.Files are required.
func NewDistributed(settings config.Settings, opts Options) (*Distributed, error) {
	if opts.Spawner == nil || opts.Files == nil {
		return nil, fmt.Errorf("distributed backend requires a spawner and a file store")
	}
	if settings.WorkingDir == "" {
		return nil, engine.NewConfigurationError("working directory is required for the distributed backend", nil).
			WithCode(engine.ErrCodeBadKnob).
			WithDetail("key", config.KeyWorkingDir)
	}
	if settings.Worker == "" {
		return nil, engine.NewConfigurationError("worker program is required for the distributed backend", nil).
			WithCode(engine.ErrCodeBadKnob).
			WithDetail("key", config.KeyParallelWorker)
	}
	codec, err := CodecFor(settings.Format)
	if err != nil {
		return nil, engine.NewConfigurationError("invalid result format", err).
			WithCode(engine.ErrCodeBadKnob).
			WithDetail("key", config.KeyParallelFormat)
	}

	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}

	return &Distributed{
		launcher:     settings.Launcher,
		worker:       settings.Worker,
		slots:        max(settings.Slots, 1),
		workingDir:   settings.WorkingDir,
		format:       codec.Format(),
		removeFiles:  settings.RemoveFiles,
		codec:        codec,
		spawner:      opts.Spawner,
		files:        opts.Files,
		pollInterval: poll,
		logger:       logger.WithBackend(string(engine.ParallelDistributed)),
		metrics:      opts.Metrics,
	}, nil
}

// Name returns distributed.
func (d *Distributed) Name() string {
	return string(engine.ParallelDistributed)
}

// Close releases the remote connection, if any.
func (d *Distributed) Close() error {
	var firstErr error
	for _, c := range d.closers {
		if err := c(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	d.closers = nil
	return firstErr
}

// Command returns the worker invocation for an experiment file. With a launcher the
// worker runs under "<launcher> -np <slots>"; without one it runs directly with --slots.
func (d *Distributed) Command(experimentFile string) spawn.Command {
	if d.launcher == "" {
		return spawn.Command{
			Path: d.worker,
			Args: []string{"--experiment", experimentFile, "--slots", strconv.Itoa(d.slots)},
			Dir:  d.workingDir,
		}
	}
	return spawn.Command{
		Path: d.launcher,
		Args: []string{"-np", strconv.Itoa(d.slots), d.worker, "--experiment", experimentFile},
		Dir:  d.workingDir,
	}
}

// Dispatch writes the experiment file, runs the worker to completion and consumes the
// result files in run index order.
func (d *Distributed) Dispatch(ctx context.Context, batch engine.Batch, consume engine.ConsumeFunc) error {
	if len(batch.Runs) == 0 {
		return nil
	}
	logger := d.logger.WithExperiment(batch.Experiment)

	expFile := ExperimentFileName(d.workingDir, batch.Experiment)
	data, err := NewExperimentFile(batch, d.format, d.workingDir).Encode()
	if err != nil {
		return engine.NewDispatchError("failed to encode experiment file", err)
	}
	if err := d.files.WriteFile(expFile, data); err != nil {
		return engine.NewDispatchError("failed to write experiment file", err).
			WithCode(engine.ErrCodeSpawnFailed).
			WithDetail("file", expFile)
	}
	if d.removeFiles {
		defer d.remove(logger, expFile)
	}

	cmd := d.Command(expFile)
	logger.Infof("launching %s", cmd)
	proc, err := d.spawner.Start(ctx, cmd)
	if err != nil {
		d.metrics.RecordWorkerExit("spawn_failed")
		if ctx.Err() != nil {
			return cancelled("batch cancelled before launch", ctx.Err())
		}
		return engine.NewDispatchError("failed to launch worker", err).
			WithCode(engine.ErrCodeSpawnFailed).
			WithDetail("command", cmd.String())
	}

	report := &workerReport{}
	status, err := d.wait(ctx, logger, proc, report)
	if err != nil {
		d.abort(logger, proc, batch, 0)
		d.metrics.RecordWorkerExit("killed")
		return cancelled("batch cancelled", err)
	}

	if !status.Success() {
		d.metrics.RecordWorkerExit("failed")
		if d.removeFiles {
			d.cleanup(logger, batch, 0)
		}
		e := engine.NewDispatchError(
			fmt.Sprintf("worker exited with status %d", status.ExitCode), status.Err).
			WithCode(engine.ErrCodeNonZeroExit).
			WithDetail("exit_code", status.ExitCode).
			WithDetail("command", cmd.String())
		if report.err != nil {
			e = e.WithDetail("worker_error", report.err.Message).WithDetail("worker_code", report.err.Code)
			if report.err.RunIndex >= 0 {
				e = e.WithRun(report.err.RunIndex)
			}
		}
		return e
	}
	d.metrics.RecordWorkerExit("success")
	logger.Debugf("worker finished in %s", status.Duration)

	for i, run := range batch.Runs {
		if err := ctx.Err(); err != nil {
			d.cleanup(logger, batch, i)
			return cancelled("batch cancelled while reading results", err)
		}

		out, err := d.readRun(batch, run)
		if err != nil {
			if d.removeFiles {
				d.cleanup(logger, batch, i)
			}
			return err
		}
		if err := consume(run, out); err != nil {
			if d.removeFiles {
				d.cleanup(logger, batch, i)
			}
			return err
		}
		if d.removeFiles {
			for _, view := range batch.Views {
				d.remove(logger, ResultFileName(d.workingDir, batch.Experiment, run.Index, view, d.format))
			}
		}
	}
	return nil
}

// workerReport keeps what the worker said about itself on stdout.
type workerReport struct {
	done *protocol.DoneMessage
	err  *protocol.ErrorMessage
}

// wait polls proc until it exits, logging its output as it arrives. The exit
// is seen even when orphaned children keep the output streams open.
func (d *Distributed) wait(ctx context.Context, logger *telemetry.Logger, proc spawn.Process, report *workerReport) (spawn.Status, error) {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	lines := proc.Lines()
	for {
		select {
		case <-ctx.Done():
			return spawn.Status{}, ctx.Err()
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			d.handleLine(logger, line, report)
		case <-ticker.C:
			if status, exited := proc.Poll(); exited {
				d.drain(logger, lines, report)
				return status, nil
			}
		}
	}
}

// drain handles the lines already buffered when the worker exited.
func (d *Distributed) drain(logger *telemetry.Logger, lines <-chan spawn.Line, report *workerReport) {
	for lines != nil {
		select {
		case line, ok := <-lines:
			if !ok {
				return
			}
			d.handleLine(logger, line, report)
		default:
			return
		}
	}
}

// handleLine logs one line of worker output. Lines that are not protocol messages are
// launcher noise and are logged verbatim.
func (d *Distributed) handleLine(logger *telemetry.Logger, line spawn.Line, report *workerReport) {
	msg, err := protocol.ParseLine([]byte(line.Text))
	if err != nil {
		logger.WithField("stream", line.Stream.String()).Info(line.Text)
		return
	}

	wl := logger.WithField("rank", msg.Rank)
	switch msg.Type {
	case protocol.MessageTypeReady:
		var ready protocol.ReadyMessage
		if err := msg.ParseData(&ready); err == nil {
			wl.Debugf("worker ready: pid %d, %d runs, %d slots", ready.PID, ready.Runs, ready.Slots)
		}
	case protocol.MessageTypeEvent:
		var event protocol.EventMessage
		if err := msg.ParseData(&event); err == nil {
			el := wl.WithField("run", event.RunIndex)
			if event.Progress != nil {
				el = el.WithField("progress", fmt.Sprintf("%d/%d", event.Progress.Current, event.Progress.Total))
			}
			if event.Level == "warn" {
				el.Warn(event.Message)
			} else {
				el.Debug(event.Message)
			}
		}
	case protocol.MessageTypeDone:
		var done protocol.DoneMessage
		if err := msg.ParseData(&done); err == nil {
			report.done = &done
			wl.Debugf("worker done: %d runs, %d files", done.Runs, done.Files)
		}
	case protocol.MessageTypeError:
		var werr protocol.ErrorMessage
		if err := msg.ParseData(&werr); err == nil {
			if report.err == nil {
				report.err = &werr
			}
			wl.WithField("run", werr.RunIndex).WithField("code", werr.Code).Warn(werr.Message)
		}
	case protocol.MessageTypeExit:
		var exit protocol.ExitMessage
		if err := msg.ParseData(&exit); err == nil {
			wl.Debugf("worker exiting: %s (%d)", exit.Reason, exit.ExitCode)
		}
	}
}

// readRun reads the result files of one run.
func (d *Distributed) readRun(batch engine.Batch, run engine.RunDescriptor) (engine.RunOutput, error) {
	out := make(engine.RunOutput, len(batch.Views))
	for _, view := range batch.Views {
		name := ResultFileName(d.workingDir, batch.Experiment, run.Index, view, d.format)
		m, err := d.readResult(name)
		if err != nil {
			return nil, err.WithRun(run.Index).WithDetail("view", view)
		}
		out[view] = m
	}
	return out, nil
}

func (d *Distributed) readResult(name string) (*engine.Matrix, *engine.EngineError) {
	r, err := d.files.Open(name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, engine.NewResultReadError("result file not found", err).
				WithCode(engine.ErrCodeMissingFile).
				WithDetail("file", name)
		}
		return nil, engine.NewResultReadError("failed to open result file", err).
			WithDetail("file", name)
	}
	defer r.Close()

	m, err := d.codec.Decode(r)
	if err != nil {
		return nil, engine.NewResultReadError("malformed result file", err).
			WithCode(engine.ErrCodeMalformedFile).
			WithDetail("file", name)
	}
	d.metrics.RecordResultFileRead(string(d.format))
	return m, nil
}

// abort kills the worker and removes whatever result files it left behind.
func (d *Distributed) abort(logger *telemetry.Logger, proc spawn.Process, batch engine.Batch, from int) {
	if err := proc.Kill(); err != nil {
		logger.WithError(err).Warn("failed to kill worker")
	}
	waitCtx, cancel := context.WithTimeout(context.Background(), killGrace)
	defer cancel()
	if _, err := proc.Wait(waitCtx); err != nil {
		logger.Warn("worker did not exit after kill")
	}
	d.cleanup(logger, batch, from)
}

// cleanup removes the result files of batch.Runs[from:].
func (d *Distributed) cleanup(logger *telemetry.Logger, batch engine.Batch, from int) {
	for _, run := range batch.Runs[from:] {
		for _, view := range batch.Views {
			d.remove(logger, ResultFileName(d.workingDir, batch.Experiment, run.Index, view, d.format))
		}
	}
}

// remove deletes name, ignoring files that were never written.
func (d *Distributed) remove(logger *telemetry.Logger, name string) {
	if err := d.files.Remove(name); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.WithError(err).WithField("file", name).Warn("failed to remove file")
	}
}
