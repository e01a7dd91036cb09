package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/metasim/metasim/pkg/engine"
)

func env(vars map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := vars[k]
		return v, ok
	}
}

func TestApplyEnv(t *testing.T) {
	cfg := DefaultConfig()
	err := cfg.ApplyEnv(env(map[string]string{
		EnvLogLevel:      "DEBUG",
		EnvLogFormat:     "json",
		EnvTraceExporter: "otlp",
		EnvTraceSampling: "0.25",
		EnvOTLPEndpoint:  "collector:4317",
		EnvOTLPHeaders:   "x-team=crops, authorization=token",
		EnvMetricsAddr:   "127.0.0.1:9464",
	}))
	if err != nil {
		t.Fatalf("ApplyEnv() error = %v", err)
	}

	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("logging = %+v", cfg.Logging)
	}
	if !cfg.Tracing.Enabled || cfg.Tracing.Exporter != "otlp" || cfg.Tracing.SamplingRate != 0.25 {
		t.Errorf("tracing = %+v", cfg.Tracing)
	}
	if diff := cmp.Diff(map[string]string{"x-team": "crops", "authorization": "token"}, cfg.Tracing.Headers); diff != "" {
		t.Errorf("headers mismatch (-want +got):\n%s", diff)
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.ListenAddress != "127.0.0.1:9464" {
		t.Errorf("metrics = %+v", cfg.Metrics)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestApplyEnvErrors(t *testing.T) {
	for name, vars := range map[string]map[string]string{
		"sampling": {EnvTraceSampling: "often"},
		"headers":  {EnvOTLPHeaders: "novalue"},
	} {
		t.Run(name, func(t *testing.T) {
			if err := DefaultConfig().ApplyEnv(env(vars)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Level = "loud"
	cfg.Logging.Format = "xml"
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "zipkin"
	cfg.Tracing.SamplingRate = 2

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"log level", "log format", "trace exporter", "sampling rate"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}

	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewFromZerolog(zerolog.New(&buf)).
		NewComponentLogger("manager").
		WithExperiment("sweep").
		WithRun(7, 2, 1).
		WithOutput("y")
	l.Info("run consumed")

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("invalid log line %q: %v", buf.String(), err)
	}
	want := map[string]interface{}{
		"level":      "info",
		"component":  "manager",
		"experiment": "sweep",
		"run":        float64(7),
		"input":      float64(2),
		"replicate":  float64(1),
		"output_id":  "y",
		"message":    "run consumed",
	}
	if diff := cmp.Diff(want, line); diff != "" {
		t.Errorf("log line mismatch (-want +got):\n%s", diff)
	}
}

func TestLoggerWithLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewFromZerolog(zerolog.New(&buf).Level(zerolog.InfoLevel))

	l.Debug("hidden")
	l.WithLevel("debug").Debug("shown")
	l.WithLevel("nonsense").Debug("hidden too")

	if got := strings.Count(buf.String(), "\n"); got != 1 || !strings.Contains(buf.String(), "shown") {
		t.Errorf("output = %q", buf.String())
	}
}

func TestFromContextWithoutLogger(t *testing.T) {
	if FromContext(context.Background()) == nil {
		t.Error("FromContext should never return nil")
	}
}

func TestRecordSimulation(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	tel := &Telemetry{
		Logger:  NewNopLogger(),
		Tracer:  &Tracer{provider: provider, tracer: provider.Tracer("test")},
		Metrics: &Metrics{},
	}
	ctx := tel.WithContext(context.Background())

	runErr := engine.NewDispatchError("model crashed", nil).WithCode(engine.ErrCodeNonZeroExit).WithRun(3)
	err := RecordSimulation(ctx, nil, "threads", 3, func(context.Context) error { return runErr })
	if !errors.Is(err, runErr) {
		t.Fatalf("RecordSimulation() error = %v", err)
	}

	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	attrs := map[string]string{}
	for _, kv := range spans[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	want := map[string]string{
		"experiment.backend": "threads",
		"run.index":          "3",
		"error.class":        string(engine.ErrorClassDispatch),
		"error.code":         engine.ErrCodeNonZeroExit,
		"error.run_index":    "3",
	}
	if diff := cmp.Diff(want, attrs); diff != "" {
		t.Errorf("span attributes mismatch (-want +got):\n%s", diff)
	}
	if spans[0].Name() != "simulation.run" {
		t.Errorf("span name = %q", spans[0].Name())
	}
}
