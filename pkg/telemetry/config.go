package telemetry

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Environment variables read by ApplyEnv.
const (
	EnvLogLevel      = "METASIM_LOG_LEVEL"
	EnvLogFormat     = "METASIM_LOG_FORMAT"
	EnvTraceExporter = "METASIM_TRACE_EXPORTER"
	EnvTraceSampling = "METASIM_TRACE_SAMPLING"
	EnvOTLPEndpoint  = "METASIM_OTLP_ENDPOINT"
	EnvOTLPHeaders   = "METASIM_OTLP_HEADERS"
	EnvMetricsAddr   = "METASIM_METRICS_ADDR"
)

// Config holds the settings of logging, tracing, metrics and events for one
// metasim process.
type Config struct {
	ServiceName    string
	ServiceVersion string

	Logging LoggingConfig
	Tracing TracingConfig
	Metrics MetricsConfig
	Events  EventsConfig

	// Attributes are attached to the trace resource, e.g. the launch host.
	Attributes map[string]string
}

// LoggingConfig configures the zerolog logger.
type LoggingConfig struct {
	// Level is a zerolog level name (trace, debug, info, warn, error, fatal).
	Level string

	// Format is console or json. Workers always log json to stderr so the
	// coordinator can keep their output apart from protocol lines.
	Format string

	// Output is stdout, stderr or a file path opened in append mode.
	Output string

	Caller bool

	// SampleBurst and SampleEvery thin per-run lines of large experiments:
	// SampleBurst lines per second pass, then one in SampleEvery.
	// Sampling is off when SampleBurst is zero.
	SampleBurst int
	SampleEvery int
}

// TracingConfig configures the OpenTelemetry tracer.
type TracingConfig struct {
	Enabled bool

	// Exporter is otlp, stdout or none.
	Exporter string

	// Endpoint is the OTLP gRPC collector address.
	Endpoint string
	Headers  map[string]string
	Insecure bool

	// SamplingRate is the ratio of experiments traced, in [0, 1].
	SamplingRate float64

	BatchSize     int
	ExportTimeout time.Duration
}

// MetricsConfig configures the Prometheus collector.
type MetricsConfig struct {
	Enabled bool

	ListenAddress string
	Path          string
	Namespace     string

	// DefaultHistogramBuckets are the duration buckets in seconds shared by
	// the run, batch and experiment histograms.
	DefaultHistogramBuckets []float64
}

// EventsConfig configures the progress event publisher.
type EventsConfig struct {
	Enabled bool

	// Async queues events on a buffer of BufferSize and delivers them from a
	// single goroutine. A full buffer drops the event.
	Async      bool
	BufferSize int
}

// DefaultConfig returns the settings of an interactive CLI run: console logs
// on stderr, no tracing, no metrics endpoint and synchronous events.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "metasim",
		ServiceVersion: "dev",
		Logging: LoggingConfig{
			Level:       "info",
			Format:      "console",
			Output:      "stderr",
			SampleEvery: 100,
		},
		Tracing: TracingConfig{
			Exporter:      "none",
			Endpoint:      "localhost:4317",
			Insecure:      true,
			SamplingRate:  1.0,
			BatchSize:     512,
			ExportTimeout: 30 * time.Second,
		},
		Metrics: MetricsConfig{
			ListenAddress: ":9090",
			Path:          "/metrics",
			Namespace:     "metasim",
			// Runs span milliseconds for toy models to hours for crop models.
			DefaultHistogramBuckets: []float64{
				0.001, 0.01, 0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600, 14400,
			},
		},
		Events: EventsConfig{
			Enabled:    true,
			BufferSize: 1024,
		},
	}
}

// WorkerLogging returns the logging settings of a distributed worker.
func WorkerLogging(level string) LoggingConfig {
	if level == "" {
		level = "info"
	}
	return LoggingConfig{
		Level:       level,
		Format:      "json",
		Output:      "stderr",
		SampleBurst: 50,
		SampleEvery: 100,
	}
}

// ApplyEnv overrides settings from METASIM_* variables. lookup is usually
// os.LookupEnv. Setting an exporter or a metrics address enables the pillar.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	get := func(key string) string {
		v, ok := lookup(key)
		if !ok {
			return ""
		}
		return strings.TrimSpace(v)
	}

	if v := get(EnvLogLevel); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	if v := get(EnvLogFormat); v != "" {
		c.Logging.Format = strings.ToLower(v)
	}
	if v := get(EnvTraceExporter); v != "" {
		c.Tracing.Exporter = strings.ToLower(v)
		c.Tracing.Enabled = c.Tracing.Exporter != "none"
	}
	if v := get(EnvTraceSampling); v != "" {
		rate, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvTraceSampling, err)
		}
		c.Tracing.SamplingRate = rate
	}
	if v := get(EnvOTLPEndpoint); v != "" {
		c.Tracing.Endpoint = v
	}
	if v := get(EnvOTLPHeaders); v != "" {
		headers, err := parseHeaders(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvOTLPHeaders, err)
		}
		c.Tracing.Headers = headers
	}
	if v := get(EnvMetricsAddr); v != "" {
		c.Metrics.Enabled = true
		c.Metrics.ListenAddress = v
	}
	return nil
}

// parseHeaders reads "k1=v1,k2=v2".
func parseHeaders(s string) (map[string]string, error) {
	headers := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		if strings.TrimSpace(pair) == "" {
			continue
		}
		k, v, ok := strings.Cut(pair, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid header %q, expected key=value", pair)
		}
		headers[k] = strings.TrimSpace(v)
	}
	return headers, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.ServiceName == "" {
		errs = append(errs, errors.New("service name is required"))
	}

	if _, err := zerolog.ParseLevel(c.Logging.Level); err != nil || c.Logging.Level == "" {
		errs = append(errs, fmt.Errorf("invalid log level %q", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("invalid log format %q, must be console or json", c.Logging.Format))
	}
	if c.Logging.SampleBurst < 0 || c.Logging.SampleEvery < 0 {
		errs = append(errs, errors.New("log sampling values must not be negative"))
	}

	if c.Tracing.Enabled {
		switch c.Tracing.Exporter {
		case "otlp", "stdout", "none":
		default:
			errs = append(errs, fmt.Errorf("invalid trace exporter %q, must be otlp, stdout or none", c.Tracing.Exporter))
		}
		if c.Tracing.Exporter == "otlp" && c.Tracing.Endpoint == "" {
			errs = append(errs, errors.New("otlp exporter requires an endpoint"))
		}
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		errs = append(errs, fmt.Errorf("trace sampling rate must be in [0, 1], got %g", c.Tracing.SamplingRate))
	}

	if c.Metrics.Enabled && c.Metrics.ListenAddress == "" {
		errs = append(errs, errors.New("metrics listen address is required when metrics are enabled"))
	}

	if c.Events.Enabled && c.Events.Async && c.Events.BufferSize <= 0 {
		errs = append(errs, fmt.Errorf("event buffer size must be positive, got %d", c.Events.BufferSize))
	}

	return errors.Join(errs...)
}
