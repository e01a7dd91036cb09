package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// TransportError represents an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "exec", "sftp")
	Op string

	// Err is the underlying error
	Err error

	// IsTemporary indicates if the error is temporary and can be retried
	IsTemporary bool

	// IsAuthError indicates if the error is related to authentication
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}

// Client is a connected SSH client used to launch worker commands and move result files.
type Client struct {
	config *Config
	client *ssh.Client

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// Dial connects to the host described by config.
func Dial(ctx context.Context, config *Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return nil, &TransportError{Op: "connect", Err: err}
	}

	clientConfig, release, err := config.BuildSSHClientConfig()
	if err != nil {
		return nil, &TransportError{Op: "connect", Err: err, IsAuthError: true}
	}

	address := config.Address()
	log.Debug().Str("address", address).Msg("establishing SSH connection")

	type dialResult struct {
		client *ssh.Client
		err    error
	}
	results := make(chan dialResult, 1)
	go func() {
		client, err := ssh.Dial("tcp", address, clientConfig)
		release()
		results <- dialResult{client: client, err: err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if r := <-results; r.client != nil {
				_ = r.client.Close()
			}
		}()
		return nil, &TransportError{Op: "connect", Err: ctx.Err(), IsTemporary: true}
	case r := <-results:
		if r.err != nil {
			return nil, &TransportError{Op: "connect", Err: r.err, IsTemporary: true}
		}
		c := NewClient(config, r.client)
		if config.KeepAliveInterval > 0 {
			go c.keepAlive()
		}
		log.Info().Str("address", address).Msg("SSH connection established")
		return c, nil
	}
}

// NewClient wraps an established connection.
func NewClient(config *Config, client *ssh.Client) *Client {
	return &Client{config: config, client: client, done: make(chan struct{})}
}

// Close closes the connection. Close is idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.done)
	if err := c.client.Close(); err != nil {
		return &TransportError{Op: "disconnect", Err: err}
	}
	return nil
}

// keepAlive sends periodic keep-alive requests until the client is closed.
func (c *Client) keepAlive() {
	ticker := time.NewTicker(c.config.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if _, _, err := c.client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				log.Warn().Err(err).Str("host", c.config.Host).Msg("keep-alive failed")
				return
			}
		}
	}
}

// Session is a remote command started by Start.
type Session struct {
	// Stdout is the remote standard output.
	Stdout io.Reader

	// Stderr is the remote standard error.
	Stderr io.Reader

	session *ssh.Session
}

// Start runs command on the remote host without waiting for it.
func (c *Client) Start(ctx context.Context, command string) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, &TransportError{Op: "exec", Err: err}
	}

	session, err := c.client.NewSession()
	if err != nil {
		return nil, &TransportError{Op: "exec", Err: fmt.Errorf("failed to create session: %w", err), IsTemporary: true}
	}

	stdout, err := session.StdoutPipe()
	if err != nil {
		_ = session.Close()
		return nil, &TransportError{Op: "exec", Err: fmt.Errorf("failed to create stdout pipe: %w", err)}
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		_ = session.Close()
		return nil, &TransportError{Op: "exec", Err: fmt.Errorf("failed to create stderr pipe: %w", err)}
	}

	log.Debug().Str("host", c.config.Host).Str("command", command).Msg("starting remote command")
	if err := session.Start(command); err != nil {
		_ = session.Close()
		return nil, &TransportError{Op: "exec", Err: err}
	}

	return &Session{Stdout: stdout, Stderr: stderr, session: session}, nil
}

// Wait waits for the remote command and returns its exit code.
// A command that ended without an exit status yields -1 and an error.
func (s *Session) Wait() (int, error) {
	err := s.session.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus(), nil
	}
	return -1, &TransportError{Op: "exec", Err: err}
}

// Close closes the session, ending reads on Stdout and Stderr.
func (s *Session) Close() {
	_ = s.session.Close()
}

// Kill signals the remote command and closes the session.
func (s *Session) Kill() error {
	_ = s.session.Signal(ssh.SIGKILL)
	if err := s.session.Close(); err != nil && !errors.Is(err, io.EOF) {
		return &TransportError{Op: "kill", Err: err}
	}
	return nil
}
