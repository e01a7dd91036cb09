package telemetry

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is a zerolog logger that knows the fields of an experiment:
// experiment name, backend, run coordinates and output id.
// Loggers are immutable; every With* call returns a child.
type Logger struct {
	zlog zerolog.Logger
}

type loggerKey struct{}

// NewLogger builds a logger from cfg.
func NewLogger(cfg LoggingConfig) (*Logger, error) {
	w, err := openLogOutput(cfg.Output)
	if err != nil {
		return nil, err
	}
	if cfg.Format != "json" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly}
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	zctx := zerolog.New(w).Level(level).With().Timestamp()
	if cfg.Caller {
		zctx = zctx.Caller()
	}
	zlog := zctx.Logger()

	if cfg.SampleBurst > 0 {
		every := cfg.SampleEvery
		if every < 1 {
			every = 1
		}
		// Warnings and errors are never sampled out.
		zlog = zlog.Sample(zerolog.LevelSampler{
			TraceSampler: burst(cfg.SampleBurst, every),
			DebugSampler: burst(cfg.SampleBurst, every),
			InfoSampler:  burst(cfg.SampleBurst, every),
		})
	}

	return &Logger{zlog: zlog}, nil
}

func burst(n, every int) zerolog.Sampler {
	return &zerolog.BurstSampler{
		Burst:       uint32(n),
		Period:      time.Second,
		NextSampler: &zerolog.BasicSampler{N: uint32(every)},
	}
}

func openLogOutput(output string) (io.Writer, error) {
	switch output {
	case "", "stderr":
		return os.Stderr, nil
	case "stdout":
		return os.Stdout, nil
	default:
		return os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	}
}

// NewFromZerolog wraps an existing zerolog logger.
func NewFromZerolog(z zerolog.Logger) *Logger {
	return &Logger{zlog: z}
}

// NewNopLogger returns a logger that discards everything.
func NewNopLogger() *Logger {
	return &Logger{zlog: zerolog.Nop()}
}

// WithContext stores l in ctx.
func (l *Logger) WithContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, loggerKey{}, l)
}

// FromContext returns the logger stored in ctx, or a nop logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerKey{}).(*Logger); ok {
		return l
	}
	return NewNopLogger()
}

func (l *Logger) with(fn func(zerolog.Context) zerolog.Context) *Logger {
	return &Logger{zlog: fn(l.zlog.With()).Logger()}
}

// NewComponentLogger tags every line with the emitting component.
func (l *Logger) NewComponentLogger(component string) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Str("component", component) })
}

// WithField adds one field.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Interface(key, value) })
}

// WithFields adds several fields.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Fields(fields) })
}

// WithError attaches err under the "error" key.
func (l *Logger) WithError(err error) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Err(err) })
}

func (l *Logger) WithExperiment(name string) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Str("experiment", name) })
}

func (l *Logger) WithBackend(name string) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Str("backend", name) })
}

func (l *Logger) WithOutput(outputID string) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Str("output_id", outputID) })
}

// WithRun adds the run index and its position in the input x replicate grid.
func (l *Logger) WithRun(runIndex, inputIndex, replicateIndex int) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context {
		return c.Int("run", runIndex).Int("input", inputIndex).Int("replicate", replicateIndex)
	})
}

// WithLevel returns a child with a different minimum level. Unknown names keep
// the current level.
func (l *Logger) WithLevel(level string) *Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		return l
	}
	return &Logger{zlog: l.zlog.Level(lvl)}
}

// Zerolog exposes the underlying logger for libraries that take one.
func (l *Logger) Zerolog() zerolog.Logger {
	return l.zlog
}

func (l *Logger) Trace(msg string) { l.zlog.Trace().Msg(msg) }
func (l *Logger) Debug(msg string) { l.zlog.Debug().Msg(msg) }
func (l *Logger) Info(msg string)  { l.zlog.Info().Msg(msg) }
func (l *Logger) Warn(msg string)  { l.zlog.Warn().Msg(msg) }
func (l *Logger) Error(msg string) { l.zlog.Error().Msg(msg) }

func (l *Logger) Debugf(format string, args ...interface{}) { l.zlog.Debug().Msgf(format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.zlog.Info().Msgf(format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.zlog.Warn().Msgf(format, args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.zlog.Error().Msgf(format, args...) }
