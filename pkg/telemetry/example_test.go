package telemetry_test

import (
	"context"
	"fmt"
	"os"

	"github.com/metasim/metasim/pkg/engine"
	"github.com/metasim/metasim/pkg/telemetry"
)

// Example_cliSetup builds the telemetry of a CLI invocation from the
// defaults and the METASIM_* environment.
func Example_cliSetup() {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = "1.0.0"
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		panic(err)
	}

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		panic(err)
	}
	defer tel.Shutdown(context.Background())

	ctx := tel.WithContext(context.Background())
	telemetry.FromContext(ctx).WithExperiment("sweep").Info("experiment started")
}

// Example_experimentTracing opens an experiment span with one batch child.
func Example_experimentTracing() {
	tel, _ := telemetry.NewTelemetry(telemetry.DefaultConfig())
	defer tel.Shutdown(context.Background())

	ctx, span := tel.Tracer.StartExperimentSpan(context.Background(), "exp-1", "sweep", "threads", 6)
	defer span.End()

	_, batch := tel.Tracer.StartBatchSpan(ctx, 0, 0, 6)
	telemetry.AddOutputEvent(batch, "y", "output completed")
	telemetry.RecordSuccess(batch)
	batch.End()
}

// Example_eventSink forwards manager events to a subscriber.
func Example_eventSink() {
	tel, _ := telemetry.NewTelemetry(telemetry.DefaultConfig())
	defer tel.Shutdown(context.Background())

	tel.Events.Subscribe(func(e telemetry.Event) {
		fmt.Println(e.Type, e.OutputID)
	}, telemetry.FilterByType(telemetry.EventTypeOutputCompleted))

	sink := telemetry.NewEngineSink(tel.Events)
	_ = sink.Publish(context.Background(), &engine.Event{
		Type:         engine.EventTypeOutputCompleted,
		ExperimentID: "exp-1",
		OutputID:     "y",
		Message:      "output y completed",
	})
	// Output: output.completed y
}
