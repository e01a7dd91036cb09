// Package spawn starts external worker processes and exposes their output
// line by line together with a non-blocking exit status poll.
package spawn

import (
	"bufio"
	"context"
	"io"
	"strings"
	"sync"
	"time"
)

// maxLineSize bounds a single output line; longer lines are dropped.
const maxLineSize = 1024 * 1024

// Command describes a process to start.
type Command struct {
	// Path is the executable.
	Path string

	// Args are the arguments, not including Path.
	Args []string

	// Dir is the working directory, empty for the spawner default.
	Dir string

	// Env holds extra KEY=VALUE pairs appended to the inherited environment.
	Env []string
}

// String renders the command as a POSIX shell command line.
func (c Command) String() string {
	parts := make([]string, 0, len(c.Args)+1)
	parts = append(parts, ShellQuote(c.Path))
	for _, a := range c.Args {
		parts = append(parts, ShellQuote(a))
	}
	line := strings.Join(parts, " ")
	if len(c.Env) > 0 {
		env := make([]string, len(c.Env))
		for i, kv := range c.Env {
			if k, v, ok := strings.Cut(kv, "="); ok {
				env[i] = k + "=" + ShellQuote(v)
			} else {
				env[i] = ShellQuote(kv)
			}
		}
		line = "env " + strings.Join(env, " ") + " " + line
	}
	if c.Dir != "" {
		line = "cd " + ShellQuote(c.Dir) + " && " + line
	}
	return line
}

// ShellQuote quotes s for a POSIX shell when it contains special characters.
func ShellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./:=@,+%", r)) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Stream identifies the output a line came from.
type Stream int

const (
	Stdout Stream = iota
	Stderr
)

// String returns the stream name.
func (s Stream) String() string {
	if s == Stderr {
		return "stderr"
	}
	return "stdout"
}

// Line is one line of process output without its trailing newline.
type Line struct {
	Stream Stream
	Text   string
}

// Status is the exit status of a finished process.
type Status struct {
	// ExitCode is the process exit code, -1 when killed or unknown.
	ExitCode int

	// Err is set when the process could not be waited for.
	Err error

	// Duration is the wall time between start and exit.
	Duration time.Duration
}

// Success reports whether the process exited with code 0.
func (s Status) Success() bool {
	return s.Err == nil && s.ExitCode == 0
}

// Process is a started process.
type Process interface {
	// Lines delivers output lines. The channel is closed once both streams
	// reach EOF, or shortly after exit when orphaned children hold them open.
	Lines() <-chan Line

	// Poll returns the exit status without blocking. ok is false while the
	// process runs. An exited process is reported even when its output
	// streams are still held open by other processes.
	Poll() (status Status, ok bool)

	// Wait blocks until the process exits or ctx is done.
	Wait(ctx context.Context) (Status, error)

	// Kill terminates the process. Killing an exited process is a no-op.
	Kill() error
}

// Spawner starts processes.
type Spawner interface {
	// Start starts cmd. The process is not tied to ctx after Start returns.
	Start(ctx context.Context, cmd Command) (Process, error)

	// Name returns the spawner name used in logs.
	Name() string
}

// outputGrace is how long output is still read after the process exited.
// Orphaned children (launcher daemons, backgrounded helpers) may keep the
// pipes open; their output is dropped once it expires.
var outputGrace = 2 * time.Second

// process adapts a pair of output readers plus wait, kill and release hooks
// to Process. The process is reaped independently of its output.
type process struct {
	lines   chan Line
	done    chan struct{}
	quit    chan struct{}
	started time.Time

	wait    func() (int, error)
	kill    func() error
	release func()

	mu       sync.Mutex
	status   Status
	killOnce sync.Once
	killErr  error
}

// newProcess starts reading stdout and stderr. release must unblock pending
// reads on both; it is called once the process exited and its output is
// drained or outputGrace expired.
func newProcess(stdout, stderr io.Reader, wait func() (int, error), kill func() error, release func()) *process {
	p := &process{
		lines:   make(chan Line, 256),
		done:    make(chan struct{}),
		quit:    make(chan struct{}),
		started: time.Now(),
		wait:    wait,
		kill:    kill,
		release: release,
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go p.scan(&wg, stdout, Stdout)
	go p.scan(&wg, stderr, Stderr)

	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(p.lines)
		close(drained)
	}()

	go func() {
		code, err := p.wait()
		p.mu.Lock()
		p.status = Status{ExitCode: code, Err: err, Duration: time.Since(p.started)}
		p.mu.Unlock()

		timer := time.NewTimer(outputGrace)
		select {
		case <-drained:
			timer.Stop()
		case <-timer.C:
		}
		if p.release != nil {
			p.release()
		}
		close(p.done)
	}()

	return p
}

func (p *process) scan(wg *sync.WaitGroup, r io.Reader, stream Stream) {
	defer wg.Done()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		select {
		case p.lines <- Line{Stream: stream, Text: scanner.Text()}:
		case <-p.quit:
			_, _ = io.Copy(io.Discard, r)
			return
		}
	}
	// Drain what the scanner refused so the process never blocks on a full pipe.
	_, _ = io.Copy(io.Discard, r)
}

func (p *process) Lines() <-chan Line {
	return p.lines
}

func (p *process) Poll() (Status, bool) {
	select {
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.status, true
	default:
		return Status{}, false
	}
}

func (p *process) Wait(ctx context.Context) (Status, error) {
	select {
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.status, nil
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
}

func (p *process) Kill() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	p.killOnce.Do(func() {
		close(p.quit)
		p.killErr = p.kill()
	})
	return p.killErr
}
