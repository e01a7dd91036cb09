package spawn

import (
	"context"
	"fmt"

	"github.com/metasim/metasim/pkg/transports/ssh"
)

// SSHSpawner starts processes on a remote host through an SSH connection.
type SSHSpawner struct {
	client *ssh.Client
}

// NewSSHSpawner returns a spawner using client. The caller owns the connection.
func NewSSHSpawner(client *ssh.Client) *SSHSpawner {
	return &SSHSpawner{client: client}
}

// Name returns "ssh".
func (s *SSHSpawner) Name() string {
	return "ssh"
}

// Start runs cmd rendered as a shell command line in a new session.
func (s *SSHSpawner) Start(ctx context.Context, cmd Command) (Process, error) {
	if cmd.Path == "" {
		return nil, fmt.Errorf("command path is required")
	}

	session, err := s.client.Start(ctx, cmd.String())
	if err != nil {
		return nil, err
	}
	return newProcess(session.Stdout, session.Stderr, session.Wait, session.Kill, session.Close), nil
}
