package spawn

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"strconv"
	"testing"
	"time"

	gossh "golang.org/x/crypto/ssh"

	"github.com/metasim/metasim/pkg/transports/ssh"
)

// startExecServer serves exec requests by echoing the command line and exiting with code 2.
func startExecServer(t *testing.T) *ssh.Config {
	t.Helper()

	_, hostKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate host key: %v", err)
	}
	signer, err := gossh.NewSignerFromKey(hostKey)
	if err != nil {
		t.Fatalf("failed to create signer: %v", err)
	}
	serverConfig := &gossh.ServerConfig{NoClientAuth: true}
	serverConfig.AddHostKey(signer)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	t.Cleanup(func() { _ = listener.Close() })

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go serveExec(conn, serverConfig)
		}
	}()

	host, portStr, _ := net.SplitHostPort(listener.Addr().String())
	port, _ := strconv.Atoi(portStr)

	cfg := ssh.DefaultConfig(host, "worker")
	cfg.Port = port
	cfg.AuthMethod = ssh.AuthMethodPassword
	cfg.Password = "unused"
	cfg.StrictHostKeyChecking = false
	cfg.ConnectionTimeout = 5 * time.Second
	cfg.KeepAliveInterval = 0
	return cfg
}

func serveExec(conn net.Conn, config *gossh.ServerConfig) {
	defer conn.Close()

	sshConn, chans, reqs, err := gossh.NewServerConn(conn, config)
	if err != nil {
		return
	}
	defer sshConn.Close()
	go gossh.DiscardRequests(reqs)

	for newChannel := range chans {
		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		go func() {
			defer channel.Close()
			for req := range requests {
				if req.Type != "exec" {
					_ = req.Reply(false, nil)
					continue
				}
				_ = req.Reply(true, nil)
				_, _ = channel.Write(append(req.Payload[4:], '\n'))
				_, _ = channel.SendRequest("exit-status", false, gossh.Marshal(struct{ Status uint32 }{2}))
				return
			}
		}()
	}
}

func TestSSHSpawner(t *testing.T) {
	cfg := startExecServer(t)

	client, err := ssh.Dial(context.Background(), cfg)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer client.Close()

	s := NewSSHSpawner(client)
	if s.Name() != "ssh" {
		t.Errorf("unexpected name %q", s.Name())
	}

	p, err := s.Start(context.Background(), Command{
		Path: "meta-worker",
		Args: []string{"--experiment", "/work/exp.json"},
		Dir:  "/work",
	})
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}

	lines := collect(t, p)
	status, err := p.Wait(context.Background())
	if err != nil {
		t.Fatalf("wait failed: %v", err)
	}

	if status.ExitCode != 2 {
		t.Errorf("expected exit code 2, got %d", status.ExitCode)
	}
	want := "cd /work && meta-worker --experiment /work/exp.json"
	if len(lines) != 1 || lines[0].Text != want {
		t.Errorf("unexpected remote command %v, want %q", lines, want)
	}

	if _, err := s.Start(context.Background(), Command{}); err == nil {
		t.Error("expected error for empty path")
	}
}
