// Package telemetry carries the observability of metasim: zerolog loggers
// tagged with experiment and run coordinates, OpenTelemetry spans for
// experiments, batches and runs, Prometheus collectors, and a publisher for
// progress events.
//
// A process builds one Telemetry from a Config, usually DefaultConfig with
// the METASIM_* environment applied:
//
//	cfg := telemetry.DefaultConfig()
//	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
//	    return err
//	}
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//	ctx = tel.WithContext(ctx)
//
// Every pillar is usable when disabled: a disabled tracer hands out
// unexported spans, a disabled Metrics ignores records and a disabled
// EventPublisher drops events. Code that receives a nil *Metrics may call
// it freely.
//
// In-process backends wrap each simulation with RecordSimulation, which
// opens a run span under the batch span of the context and records the run
// duration. Distributed workers only log, as json on stderr, and report
// their progress through the worker protocol instead.
//
// NewEngineSink adapts the EventPublisher to engine.EventPublisher so the
// experiment manager can publish progress events:
//
//	tel.Events.Subscribe(func(e telemetry.Event) {
//	    fmt.Println(e.Type, e.Message)
//	}, telemetry.FilterByType(telemetry.EventTypeOutputCompleted))
//	sink := telemetry.NewEngineSink(tel.Events)
package telemetry
