package backend

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/metasim/metasim/pkg/engine"
	"github.com/metasim/metasim/pkg/telemetry"
)

// Local runs a batch in-process on a bounded pool of slots.
// The whole batch is simulated before any result is consumed; results are then
// handed over in run index order.
type Local struct {
	model   engine.Model
	slots   int
	name    string
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
}

// NewLocal returns an in-process dispatcher running at most slots simulations at once.
func NewLocal(model engine.Model, slots int, opts Options) *Local {
	if slots < 1 {
		slots = 1
	}
	name := string(engine.ParallelThreads)
	if slots == 1 {
		name = string(engine.ParallelSingle)
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &Local{
		model:   model,
		slots:   slots,
		name:    name,
		logger:  logger.WithBackend(name),
		metrics: opts.Metrics,
	}
}

// Name returns single or threads.
func (l *Local) Name() string {
	return l.name
}

// Dispatch simulates every run of batch, then consumes the outputs in order.
// The first failing run cancels the runs not yet started.
func (l *Local) Dispatch(ctx context.Context, batch engine.Batch, consume engine.ConsumeFunc) error {
	if l.model == nil {
		return engine.NewDispatchError("no model loaded", nil)
	}

	n := len(batch.Runs)
	if n == 0 {
		return nil
	}
	outputs := make([]engine.RunOutput, n)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	workerCount := min(l.slots, n)

	workQueue := make(chan int, n)
	for i := range batch.Runs {
		workQueue <- i
	}
	close(workQueue)

	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)
	fail := func(err error) {
		errOnce.Do(func() {
			firstErr = err
			cancel()
		})
	}

	for w := 0; w < workerCount; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for i := range workQueue {
				if runCtx.Err() != nil {
					return
				}
				out, err := l.simulate(runCtx, batch.Runs[i])
				if err != nil {
					fail(err)
					return
				}
				outputs[i] = out
			}
		}()
	}

	wg.Wait()

	if err := ctx.Err(); err != nil {
		return cancelled("batch cancelled", err)
	}
	if firstErr != nil {
		return firstErr
	}

	for i, run := range batch.Runs {
		if err := consume(run, outputs[i]); err != nil {
			return err
		}
		outputs[i] = nil
	}
	return nil
}

// simulate executes one run and classifies its failure.
func (l *Local) simulate(ctx context.Context, run engine.RunDescriptor) (engine.RunOutput, error) {
	var out engine.RunOutput
	err := telemetry.RecordSimulation(ctx, l.metrics, l.name, run.Index, func(ctx context.Context) error {
		var err error
		out, err = l.model.Simulate(ctx, run.Assignments)
		return err
	})
	if err != nil {
		l.logger.WithRun(run.Index, run.InputIndex, run.ReplicateIndex).WithError(err).Debug("simulation failed")

		var engErr *engine.EngineError
		if errors.As(err, &engErr) {
			return nil, engErr.WithRun(run.Index)
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, cancelled("simulation cancelled", err).WithRun(run.Index)
		}
		return nil, engine.NewDispatchError(fmt.Sprintf("simulation of run %d failed", run.Index), err).
			WithRun(run.Index).
			WithDetail("input_index", run.InputIndex).
			WithDetail("replicate_index", run.ReplicateIndex)
	}
	if out == nil {
		out = engine.RunOutput{}
	}
	return out, nil
}
