package engine

import (
	"context"
	"io"
)

// Simulator loads base models. Implementations wrap a concrete simulation engine.
type Simulator interface {
	// Load prepares the model identified by ref for repeated simulation.
	Load(ctx context.Context, ref ModelRef) (Model, error)
}

// Model is a loaded base model.
type Model interface {
	// Views returns the names of the views the model observes.
	Views() []string

	// Simulate executes one run with the given parameter assignments.
	// Implementations must be safe for concurrent use.
	Simulate(ctx context.Context, assignments []Assignment) (RunOutput, error)
}

// ModelCloser is implemented by models that hold resources outside the Go heap.
type ModelCloser interface {
	Close(ctx context.Context) error
}

// CloseModel releases m if it implements ModelCloser or io.Closer.
func CloseModel(ctx context.Context, m Model) error {
	switch c := m.(type) {
	case ModelCloser:
		return c.Close(ctx)
	case io.Closer:
		return c.Close()
	}
	return nil
}

// ConsumeFunc receives one completed run. Dispatchers call it in increasing run index order.
type ConsumeFunc func(run RunDescriptor, out RunOutput) error

// Dispatcher executes a batch of runs and hands every result to consume.
type Dispatcher interface {
	// Dispatch blocks until the batch completes, fails or ctx is cancelled.
	Dispatch(ctx context.Context, batch Batch, consume ConsumeFunc) error

	// Name returns the backend name used in logs and metrics.
	Name() string
}

// Recorder persists experiment history.
type Recorder interface {
	// RecordExperiment inserts or updates an experiment record.
	RecordExperiment(ctx context.Context, rec *ExperimentRecord) error
}

// EventPublisher publishes progress events.
type EventPublisher interface {
	// Publish publishes an event.
	Publish(ctx context.Context, event *Event) error
}
