package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/metasim/metasim/pkg/engine"
	"github.com/metasim/metasim/pkg/meta"
	"github.com/metasim/metasim/pkg/policy"
	"github.com/metasim/metasim/pkg/stores"
	"github.com/metasim/metasim/pkg/telemetry"
)

// policyOptions are the admission flags shared by run and validate.
type policyOptions struct {
	paths    []string
	disabled []string
	maxRuns  int
	maxSlots int
	watch    bool
}

// environment holds the collaborators of one CLI invocation.
type environment struct {
	tel      *telemetry.Telemetry
	store    *stores.SQLiteStore
	policies *policy.Engine
}

// newTelemetryConfig layers METASIM_* variables, then flags, over the defaults.
func newTelemetryConfig(version string) (*telemetry.Config, error) {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = version
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}
	if traceOutput != "" {
		cfg.Tracing.Exporter = traceOutput
		cfg.Tracing.Enabled = traceOutput != "none"
	}
	if metricsAddr != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.ListenAddress = metricsAddr
	}
	return cfg, nil
}

// setup builds telemetry, the admission engine and, unless disabled, the history store.
func setup(ctx context.Context, popts policyOptions, withHistory bool) (*environment, error) {
	cfg, err := newTelemetryConfig(buildVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to read telemetry settings: %w", err)
	}
	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	env := &environment{tel: tel}

	if err := tel.StartMetricsServer(); err != nil {
		env.Close(ctx)
		return nil, fmt.Errorf("failed to start metrics server: %w", err)
	}

	if verbose {
		tel.Events.Subscribe(func(e telemetry.Event) {
			log.Info().
				Str("type", e.Type).
				Str("experiment", e.ExperimentID).
				Str("output", e.OutputID).
				Msg(e.Message)
		}, telemetry.FilterByLevel("info"))
	}

	env.policies, err = policy.NewEngine(tel.Logger.Zerolog())
	if err != nil {
		env.Close(ctx)
		return nil, fmt.Errorf("failed to initialize policy engine: %w", err)
	}
	env.policies.SetLimits(policy.Limits{MaxRuns: popts.maxRuns, MaxSlots: popts.maxSlots})
	if len(popts.paths) > 0 {
		if err := env.policies.LoadPolicies(ctx, popts.paths); err != nil {
			env.Close(ctx)
			return nil, err
		}
	}
	for _, name := range popts.disabled {
		if err := env.policies.DisablePolicy(name); err != nil {
			env.Close(ctx)
			return nil, err
		}
	}
	if len(popts.paths) > 0 {
		if popts.watch {
			if err := env.policies.Watch(ctx); err != nil {
				env.Close(ctx)
				return nil, err
			}
		}
	}

	if withHistory && !noHistory {
		env.store, err = openHistory(ctx)
		if err != nil {
			env.Close(ctx)
			return nil, err
		}
	}

	return env, nil
}

func openHistory(ctx context.Context) (*stores.SQLiteStore, error) {
	if dir := filepath.Dir(historyPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create history directory: %w", err)
		}
	}
	store, err := stores.Open(ctx, historyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open history %s: %w", historyPath, err)
	}
	return store, nil
}

// manager builds a manager wired to the environment.
func (e *environment) manager() *meta.Manager {
	sinks := fanOut{telemetry.NewEngineSink(e.tel.Events)}
	opts := []meta.Option{
		meta.WithLogger(e.tel.Logger),
		meta.WithMetrics(e.tel.Metrics),
		meta.WithTracer(e.tel.Tracer),
		meta.WithAdmission(e.policies),
	}
	if e.store != nil {
		opts = append(opts, meta.WithRecorder(e.store))
		sinks = append(sinks, e.store)
	}
	opts = append(opts, meta.WithEventPublisher(sinks))
	return meta.NewManager(opts...)
}

// Close releases everything setup acquired.
func (e *environment) Close(ctx context.Context) {
	if e.policies != nil {
		_ = e.policies.Close()
	}
	if e.store != nil {
		if err := e.store.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close history")
		}
	}
	if err := e.tel.Shutdown(context.WithoutCancel(ctx)); err != nil {
		log.Warn().Err(err).Msg("Failed to shut down telemetry")
	}
}

// fanOut publishes every event to each sink. The first error is returned after all
// sinks have been tried.
type fanOut []engine.EventPublisher

func (f fanOut) Publish(ctx context.Context, event *engine.Event) error {
	var first error
	for _, p := range f {
		if err := p.Publish(ctx, event); err != nil && first == nil {
			first = err
		}
	}
	return first
}
