// Package backend implements the dispatchers that execute batches of runs:
// an in-process worker pool for the single and threads backends, and a
// spawn-and-poll dispatcher that launches worker processes and reads their
// per-run result files for the distributed backend.
package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/metasim/metasim/pkg/config"
	"github.com/metasim/metasim/pkg/engine"
	"github.com/metasim/metasim/pkg/spawn"
	"github.com/metasim/metasim/pkg/telemetry"
	"github.com/metasim/metasim/pkg/transports/ssh"
)

// DefaultPollInterval is the sleep between two checks of a spawned worker.
const DefaultPollInterval = 50 * time.Millisecond

// Options carries the collaborators of a dispatcher. Zero values select defaults.
type Options struct {
	Logger  *telemetry.Logger
	Metrics *telemetry.Metrics

	// Spawner starts distributed workers. Defaults to a local or SSH spawner
	// depending on the host knob.
	Spawner spawn.Spawner

	// Files accesses the working directory. Defaults to the local filesystem
	// or SFTP depending on the host knob.
	Files FileStore

	// PollInterval overrides DefaultPollInterval.
	PollInterval time.Duration
}

// New returns the dispatcher selected by settings.ParallelType.
// model is required by the in-process backends and ignored by the distributed one.
func New(ctx context.Context, settings config.Settings, model engine.Model, opts Options) (engine.Dispatcher, error) {
	switch settings.ParallelType {
	case engine.ParallelSingle:
		return NewLocal(model, 1, opts), nil
	case engine.ParallelThreads:
		return NewLocal(model, settings.Slots, opts), nil
	case engine.ParallelDistributed:
		d, err := newDistributedFor(ctx, settings, opts)
		if err != nil {
			return nil, err
		}
		return d, nil
	default:
		return nil, engine.NewConfigurationError(
			fmt.Sprintf("unknown parallel type %q", settings.ParallelType), nil).
			WithCode(engine.ErrCodeBadKnob).
			WithDetail("key", config.KeyParallelType)
	}
}

// newDistributedFor fills in the spawner and file store for the host knob.
func newDistributedFor(ctx context.Context, settings config.Settings, opts Options) (*Distributed, error) {
	if opts.Spawner != nil && opts.Files != nil {
		return NewDistributed(settings, opts)
	}

	if settings.Host == "" {
		if opts.Spawner == nil {
			opts.Spawner = spawn.NewLocalSpawner()
		}
		if opts.Files == nil {
			opts.Files = LocalFiles{}
		}
		return NewDistributed(settings, opts)
	}

	sshConfig, err := ssh.ParseTarget(settings.Host)
	if err != nil {
		return nil, engine.NewConfigurationError("invalid launch host", err).
			WithCode(engine.ErrCodeBadKnob).
			WithDetail("key", config.KeyParallelHost)
	}
	client, err := ssh.Dial(ctx, sshConfig)
	if err != nil {
		return nil, engine.NewDispatchError("failed to connect to launch host", err).
			WithCode(engine.ErrCodeSpawnFailed).
			WithDetail("host", settings.Host)
	}

	var closers []func() error
	if opts.Files == nil {
		files, err := client.Files()
		if err != nil {
			_ = client.Close()
			return nil, engine.NewDispatchError("failed to open remote file access", err).
				WithCode(engine.ErrCodeSpawnFailed).
				WithDetail("host", settings.Host)
		}
		opts.Files = files
		closers = append(closers, files.Close)
	}
	if opts.Spawner == nil {
		opts.Spawner = spawn.NewSSHSpawner(client)
	}
	closers = append(closers, client.Close)

	d, err := NewDistributed(settings, opts)
	if err != nil {
		for _, c := range closers {
			_ = c()
		}
		return nil, err
	}
	d.closers = closers
	return d, nil
}

// cancelled classifies a context error, keeping timeouts apart.
func cancelled(message string, err error) *engine.EngineError {
	e := engine.NewCancelledError(message, err)
	if errors.Is(err, context.DeadlineExceeded) {
		e = e.WithCode(engine.ErrCodeTimeout)
	}
	return e
}
