package telemetry

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/metasim/metasim/pkg/engine"
)

// Span attribute keys. An experiment span has batch children, which have
// run children on the in-process backends.
var (
	AttrExperimentID   = attribute.Key("experiment.id")
	AttrExperimentName = attribute.Key("experiment.name")
	AttrBackend        = attribute.Key("experiment.backend")
	AttrNbRuns         = attribute.Key("experiment.nb_runs")

	AttrBatch   = attribute.Key("batch.index")
	AttrRunFrom = attribute.Key("batch.run_from")
	AttrRunTo   = attribute.Key("batch.run_to")

	AttrRunIndex = attribute.Key("run.index")
	AttrOutputID = attribute.Key("output.id")

	AttrErrorClass = attribute.Key("error.class")
	AttrErrorCode  = attribute.Key("error.code")
	AttrErrorRun   = attribute.Key("error.run_index")
)

// Tracer starts the spans of an experiment.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracer builds a tracer from the Tracing section of cfg. A disabled
// tracer still hands out valid, unexported spans.
func NewTracer(cfg *Config) (*Tracer, error) {
	tc := cfg.Tracing
	if !tc.Enabled || tc.Exporter == "none" {
		return NewNopTracer(), nil
	}

	attrs := []attribute.KeyValue{
		semconv.ServiceNameKey.String(cfg.ServiceName),
		semconv.ServiceVersionKey.String(cfg.ServiceVersion),
	}
	for k, v := range cfg.Attributes {
		attrs = append(attrs, attribute.String(k, v))
	}
	res, err := resource.New(context.Background(), resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace resource: %w", err)
	}

	var exporter sdktrace.SpanExporter
	switch tc.Exporter {
	case "otlp":
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(tc.Endpoint),
			otlptracegrpc.WithDialOption(grpc.WithUserAgent(cfg.ServiceName + "/" + cfg.ServiceVersion)),
		}
		if tc.Insecure {
			opts = append(opts, otlptracegrpc.WithTLSCredentials(insecure.NewCredentials()))
		}
		if len(tc.Headers) > 0 {
			opts = append(opts, otlptracegrpc.WithHeaders(tc.Headers))
		}
		exporter, err = otlptracegrpc.New(context.Background(), opts...)
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	default:
		return nil, fmt.Errorf("unsupported trace exporter %q", tc.Exporter)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s trace exporter: %w", tc.Exporter, err)
	}

	batchOpts := []sdktrace.BatchSpanProcessorOption{}
	if tc.BatchSize > 0 {
		batchOpts = append(batchOpts, sdktrace.WithMaxExportBatchSize(tc.BatchSize))
	}
	if tc.ExportTimeout > 0 {
		batchOpts = append(batchOpts, sdktrace.WithExportTimeout(tc.ExportTimeout))
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(tc.SamplingRate))),
		sdktrace.WithBatcher(exporter, batchOpts...),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Tracer{provider: provider, tracer: provider.Tracer(cfg.ServiceName)}, nil
}

// NewNopTracer returns a tracer backed by an SDK provider with no exporter.
func NewNopTracer() *Tracer {
	provider := sdktrace.NewTracerProvider()
	return &Tracer{provider: provider, tracer: provider.Tracer("metasim")}
}

// StartSpan starts a span named operation.
func (t *Tracer) StartSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, operation, trace.WithAttributes(attrs...))
}

// StartExperimentSpan starts the root span of one experiment.
func (t *Tracer) StartExperimentSpan(ctx context.Context, experimentID, name, backend string, nbRuns int) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "experiment",
		AttrExperimentID.String(experimentID),
		AttrExperimentName.String(name),
		AttrBackend.String(backend),
		AttrNbRuns.Int(nbRuns),
	)
}

// StartBatchSpan starts the span of runs [from, to) dispatched as one batch.
func (t *Tracer) StartBatchSpan(ctx context.Context, batch, from, to int) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "experiment.batch",
		AttrBatch.Int(batch),
		AttrRunFrom.Int(from),
		AttrRunTo.Int(to),
	)
}

// StartRunSpan starts the span of one in-process simulation.
func (t *Tracer) StartRunSpan(ctx context.Context, backend string, runIndex int) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "simulation.run",
		AttrBackend.String(backend),
		AttrRunIndex.Int(runIndex),
	)
}

// Shutdown flushes pending spans and stops the exporter.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// RecordError marks span as failed. Engine errors also set their class,
// code and run index as attributes.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	var ee *engine.EngineError
	if errors.As(err, &ee) {
		span.SetAttributes(AttrErrorClass.String(string(ee.Class)))
		if ee.Code != "" {
			span.SetAttributes(AttrErrorCode.String(ee.Code))
		}
		if ee.RunIndex >= 0 {
			span.SetAttributes(AttrErrorRun.Int(ee.RunIndex))
		}
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// RecordSuccess marks span as successful.
func RecordSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// AddOutputEvent records the completion of one output on span.
func AddOutputEvent(span trace.Span, outputID, message string) {
	span.AddEvent("output.completed", trace.WithAttributes(
		AttrOutputID.String(outputID),
		attribute.String("message", message),
	))
}

// SpanFromContext returns the span carried by ctx.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// TraceID returns the trace id of the span in ctx, or "" outside a sampled trace.
func TraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}
