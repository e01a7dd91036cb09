package spawn

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
)

// LocalSpawner starts processes on this host.
type LocalSpawner struct{}

// NewLocalSpawner returns a spawner for local processes.
func NewLocalSpawner() *LocalSpawner {
	return &LocalSpawner{}
}

// Name returns "local".
func (s *LocalSpawner) Name() string {
	return "local"
}

// Start starts cmd with stdout and stderr captured line by line.
func (s *LocalSpawner) Start(ctx context.Context, cmd Command) (Process, error) {
	if cmd.Path == "" {
		return nil, fmt.Errorf("command path is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c := exec.Command(cmd.Path, cmd.Args...)
	c.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		c.Env = append(os.Environ(), cmd.Env...)
	}

	// The read ends stay ours: exec.Cmd.Wait must not close them before the
	// scanners are done, and orphaned children may keep the write ends open.
	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		outR.Close()
		outW.Close()
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	c.Stdout = outW
	c.Stderr = errW

	startErr := c.Start()
	outW.Close()
	errW.Close()
	if startErr != nil {
		outR.Close()
		errR.Close()
		return nil, fmt.Errorf("failed to start %s: %w", cmd.Path, startErr)
	}

	wait := func() (int, error) {
		err := c.Wait()
		if err == nil {
			return 0, nil
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return -1, err
	}
	kill := func() error {
		if err := c.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return err
		}
		return nil
	}

	release := func() {
		_ = outR.Close()
		_ = errR.Close()
	}

	return newProcess(outR, errR, wait, kill, release), nil
}
