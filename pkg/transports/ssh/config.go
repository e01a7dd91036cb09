package ssh

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// AuthMethod selects how the launch host authenticates us.
type AuthMethod string

const (
	AuthMethodPassword AuthMethod = "password"
	AuthMethodKey      AuthMethod = "key"
	// AuthMethodAgent signs with the keys of the agent at $SSH_AUTH_SOCK.
	AuthMethodAgent AuthMethod = "agent"
)

// Environment variables read by ParseTarget.
const (
	EnvPassword        = "METASIM_SSH_PASSWORD"
	EnvPrivateKey      = "METASIM_SSH_KEY"
	EnvKeyPassphrase   = "METASIM_SSH_KEY_PASSPHRASE"
	EnvKnownHosts      = "METASIM_SSH_KNOWN_HOSTS"
	EnvInsecureHostKey = "METASIM_SSH_INSECURE"
	EnvAgentSocket     = "SSH_AUTH_SOCK"
)

// defaultKeys are tried in order when key authentication has no explicit key.
var defaultKeys = []string{"id_ed25519", "id_ecdsa", "id_rsa"}

// Config describes the connection to the host that launches distributed workers.
type Config struct {
	Host string
	Port int
	User string

	AuthMethod           AuthMethod
	Password             string
	PrivateKeyPath       string
	PrivateKeyPassphrase string
	AgentSocket          string

	// KnownHostsPath is checked when StrictHostKeyChecking is set.
	KnownHostsPath        string
	StrictHostKeyChecking bool

	ConnectionTimeout time.Duration
	// KeepAliveInterval keeps long experiments from being cut by idle
	// timeouts. Zero disables keep-alives.
	KeepAliveInterval time.Duration
}

func sshDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ssh"
	}
	return filepath.Join(home, ".ssh")
}

// DefaultConfig returns key authentication on port 22 with host keys checked
// against ~/.ssh/known_hosts.
func DefaultConfig(host, user string) *Config {
	return &Config{
		Host:                  host,
		Port:                  22,
		User:                  user,
		AuthMethod:            AuthMethodKey,
		KnownHostsPath:        filepath.Join(sshDir(), "known_hosts"),
		StrictHostKeyChecking: true,
		ConnectionTimeout:     30 * time.Second,
		KeepAliveInterval:     30 * time.Second,
	}
}

// ParseTarget builds a Config from a "[user@]host[:port]" launch target and
// the METASIM_SSH_* environment. Authentication is chosen in this order: a
// password, an explicit key, an ssh agent, then the first default key found
// in ~/.ssh.
func ParseTarget(target string) (*Config, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return nil, errors.New("empty ssh target")
	}

	user := os.Getenv("USER")
	if at := strings.LastIndex(target, "@"); at >= 0 {
		user, target = target[:at], target[at+1:]
	}

	host, port := target, 22
	if h, p, err := net.SplitHostPort(target); err == nil {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid ssh port %q", p)
		}
		host, port = h, n
	}

	cfg := DefaultConfig(host, user)
	cfg.Port = port
	cfg.PrivateKeyPath = os.Getenv(EnvPrivateKey)
	cfg.PrivateKeyPassphrase = os.Getenv(EnvKeyPassphrase)
	cfg.AgentSocket = os.Getenv(EnvAgentSocket)

	switch {
	case os.Getenv(EnvPassword) != "":
		cfg.AuthMethod = AuthMethodPassword
		cfg.Password = os.Getenv(EnvPassword)
	case cfg.PrivateKeyPath != "":
		cfg.AuthMethod = AuthMethodKey
	case cfg.AgentSocket != "":
		cfg.AuthMethod = AuthMethodAgent
	}

	if kh := os.Getenv(EnvKnownHosts); kh != "" {
		cfg.KnownHostsPath = kh
	}
	if insecure, _ := strconv.ParseBool(os.Getenv(EnvInsecureHostKey)); insecure {
		cfg.StrictHostKeyChecking = false
	}
	return cfg, nil
}

// Validate checks the config. Key authentication without a key path picks
// the first default key present in ~/.ssh.
func (c *Config) Validate() error {
	if c.Host == "" {
		return errors.New("host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.User == "" {
		return errors.New("user is required")
	}
	if c.ConnectionTimeout <= 0 {
		return errors.New("connection timeout must be positive")
	}

	switch c.AuthMethod {
	case AuthMethodPassword:
		if c.Password == "" {
			return errors.New("password is required for password authentication")
		}
	case AuthMethodAgent:
		if c.AgentSocket == "" {
			return fmt.Errorf("agent authentication requires %s", EnvAgentSocket)
		}
	case AuthMethodKey:
		if c.PrivateKeyPath == "" {
			for _, name := range defaultKeys {
				p := filepath.Join(sshDir(), name)
				if _, err := os.Stat(p); err == nil {
					c.PrivateKeyPath = p
					break
				}
			}
		}
		if c.PrivateKeyPath == "" {
			return fmt.Errorf("no private key: set %s or add one of %s to %s",
				EnvPrivateKey, strings.Join(defaultKeys, ", "), sshDir())
		}
		if _, err := os.Stat(c.PrivateKeyPath); errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("private key file not found: %s", c.PrivateKeyPath)
		}
	default:
		return fmt.Errorf("unsupported auth method: %s", c.AuthMethod)
	}
	return nil
}

// BuildSSHClientConfig returns the client config and a release function that
// must be called once the handshake is over. Agent authentication keeps the
// agent connection open until then.
func (c *Config) BuildSSHClientConfig() (*ssh.ClientConfig, func(), error) {
	release := func() {}

	var auth ssh.AuthMethod
	switch c.AuthMethod {
	case AuthMethodPassword:
		auth = ssh.Password(c.Password)
	case AuthMethodKey:
		signer, err := c.loadKey()
		if err != nil {
			return nil, nil, err
		}
		auth = ssh.PublicKeys(signer)
	case AuthMethodAgent:
		conn, err := net.Dial("unix", c.AgentSocket)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to reach ssh agent: %w", err)
		}
		auth = ssh.PublicKeysCallback(agent.NewClient(conn).Signers)
		release = func() { _ = conn.Close() }
	default:
		return nil, nil, fmt.Errorf("unsupported auth method: %s", c.AuthMethod)
	}

	hostKey := ssh.InsecureIgnoreHostKey()
	if c.StrictHostKeyChecking && c.KnownHostsPath != "" {
		cb, err := knownhosts.New(c.KnownHostsPath)
		if err != nil {
			release()
			return nil, nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
		hostKey = cb
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            []ssh.AuthMethod{auth},
		HostKeyCallback: hostKey,
		Timeout:         c.ConnectionTimeout,
	}, release, nil
}

func (c *Config) loadKey() (ssh.Signer, error) {
	pem, err := os.ReadFile(c.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	var signer ssh.Signer
	if c.PrivateKeyPassphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(pem, []byte(c.PrivateKeyPassphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(pem)
	}
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			return nil, fmt.Errorf("private key %s is encrypted, set %s", c.PrivateKeyPath, EnvKeyPassphrase)
		}
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return signer, nil
}

// Address returns host:port.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
