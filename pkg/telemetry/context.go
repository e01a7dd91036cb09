package telemetry

import (
	"context"
	"errors"
	"fmt"
)

// Telemetry bundles the logger, tracer, metrics and events of one process.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

type telemetryKey struct{}

var nopTracer = NewNopTracer()

// NewTelemetry validates cfg and builds every pillar.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry config: %w", err)
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	tracer, err := NewTracer(cfg)
	if err != nil {
		return nil, fmt.Errorf("tracer: %w", err)
	}
	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}
	events, err := NewEventPublisher(cfg.Events)
	if err != nil {
		return nil, fmt.Errorf("events: %w", err)
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}, nil
}

// WithContext stores t and its logger in ctx.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryKey{}, t)
	return t.Logger.WithContext(ctx)
}

func fromContext(ctx context.Context) *Telemetry {
	t, _ := ctx.Value(telemetryKey{}).(*Telemetry)
	return t
}

// StartMetricsServer serves the metrics endpoint when metrics are enabled.
func (t *Telemetry) StartMetricsServer() error {
	return t.Metrics.StartMetricsServer()
}

// Shutdown drains pending events, flushes spans and stops the metrics
// endpoint. Every pillar is shut down even when an earlier one fails.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(
		t.Events.Shutdown(ctx),
		t.Tracer.Shutdown(ctx),
		t.Metrics.ShutdownServer(ctx),
	)
}

// RecordSimulation runs fn inside a run span and records its duration and
// outcome. metrics overrides the collector of the Telemetry stored in ctx;
// both may be absent.
func RecordSimulation(ctx context.Context, metrics *Metrics, backend string, runIndex int, fn func(ctx context.Context) error) error {
	tel := fromContext(ctx)
	if metrics == nil && tel != nil {
		metrics = tel.Metrics
	}
	tracer := nopTracer
	if tel != nil {
		tracer = tel.Tracer
	}

	ctx, span := tracer.StartRunSpan(ctx, backend, runIndex)
	defer span.End()

	timer := NewTimer()
	err := fn(ctx)
	if err != nil {
		RecordError(span, err)
		metrics.RecordRun(backend, "failed", timer.Duration())
		return err
	}
	RecordSuccess(span)
	metrics.RecordRun(backend, "success", timer.Duration())
	return nil
}
