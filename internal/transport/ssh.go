package transport

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	cryptossh "golang.org/x/crypto/ssh"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/testpilot/testpilot/internal/errs"
	"github.com/testpilot/testpilot/internal/model"
)

// SSH runs commands over an SSH connection, reconnecting per host on
// demand and pooling clients. Directly generalizes the teacher's
// ssh/ssh.go connection-retry loop (dial, 5s backoff, bounded retries)
// and zap logging shape, trading "provision an EC2 instance" for "run
// one curl/kubectl command".
type SSH struct {
	lg       *zap.Logger
	settings model.SSHSettings

	mu      sync.Mutex
	clients map[string]*cryptossh.Client

	hostKeysMu sync.Mutex
	hostKeys   map[string]cryptossh.PublicKey // trust-on-first-use pinning when auto_add_hosts=false
}

// NewSSH returns an SSH transport using settings for retry/timeout
// policy.
func NewSSH(lg *zap.Logger, settings model.SSHSettings) *SSH {
	if lg == nil {
		lg = zap.NewNop()
	}
	return &SSH{
		lg: lg, settings: settings,
		clients:  make(map[string]*cryptossh.Client),
		hostKeys: make(map[string]cryptossh.PublicKey),
	}
}

func (s *SSH) Execute(ctx context.Context, command string, host model.Host) (*Result, error) {
	client, err := s.clientFor(ctx, host)
	if err != nil {
		return nil, errs.NewTransportError(host.Name, err)
	}

	session, err := client.NewSession()
	if err != nil {
		// A stale pooled connection; drop it and retry once.
		s.mu.Lock()
		delete(s.clients, host.Name)
		s.mu.Unlock()
		client, err = s.clientFor(ctx, host)
		if err != nil {
			return nil, errs.NewTransportError(host.Name, err)
		}
		session, err = client.NewSession()
		if err != nil {
			return nil, errs.NewTransportError(host.Name, err)
		}
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	timeout := s.settings.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	done := make(chan error, 1)
	start := time.Now()
	go func() { done <- session.Run(command) }()

	select {
	case runErr := <-done:
		dur := time.Since(start)
		exitCode := 0
		if runErr != nil {
			if exitErr, ok := runErr.(*cryptossh.ExitError); ok {
				exitCode = exitErr.ExitStatus()
			} else {
				s.lg.Warn("ssh run failed", zap.String("host", host.Name), zap.Error(runErr))
				return nil, errs.NewTransportError(host.Name, runErr)
			}
		}
		s.lg.Debug("ssh exec complete",
			zap.String("host", host.Name),
			zap.Duration("duration", dur),
			zap.Int("exit-code", exitCode),
		)
		return &Result{Stdout: stdout.String(), Stderr: stderr.String(), Duration: dur, ExitCode: exitCode}, nil
	case <-time.After(timeout):
		session.Signal(cryptossh.SIGKILL)
		return nil, errs.NewTransportError(host.Name, fmt.Errorf("command timed out after %s", timeout))
	case <-ctx.Done():
		session.Signal(cryptossh.SIGKILL)
		return nil, errs.NewTransportError(host.Name, ctx.Err())
	}
}

// clientFor returns a pooled client for host, dialing and authenticating
// if none exists yet. Retries the initial dial up to MaxRetries times
// with RetryDelay between attempts (spec.md §4.5), matching the
// teacher's dial-retry loop in ssh/ssh.go's Connect.
func (s *SSH) clientFor(ctx context.Context, host model.Host) (*cryptossh.Client, error) {
	s.mu.Lock()
	if c, ok := s.clients[host.Name]; ok {
		s.mu.Unlock()
		return c, nil
	}
	s.mu.Unlock()

	auth, err := authMethod(host)
	if err != nil {
		return nil, err
	}

	hostKeyCallback := s.hostKeyCallbackFor(s.settings)
	cfg := &cryptossh.ClientConfig{
		User:            host.Username,
		Auth:            []cryptossh.AuthMethod{auth},
		HostKeyCallback: hostKeyCallback,
		Timeout:         15 * time.Second,
	}

	port := host.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(host.Hostname, strconv.Itoa(port))

	maxRetries := s.settings.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	retryDelay := s.settings.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 2 * time.Second
	}

	var client *cryptossh.Client
	var dialErr error
	attempt := 0
	backoff := wait.Backoff{Duration: retryDelay, Factor: 1.0, Steps: maxRetries + 1}
	pollErr := wait.ExponentialBackoff(backoff, func() (bool, error) {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		default:
		}
		client, dialErr = cryptossh.Dial("tcp", addr, cfg)
		if dialErr == nil {
			return true, nil
		}
		s.lg.Warn("ssh dial failed, retrying",
			zap.String("host", host.Name),
			zap.String("addr", addr),
			zap.Int("attempt", attempt),
			zap.Error(dialErr),
		)
		attempt++
		return false, nil
	})
	if pollErr != nil {
		if dialErr != nil {
			return nil, fmt.Errorf("dial %s: %w", addr, dialErr)
		}
		return nil, fmt.Errorf("dial %s: %w", addr, pollErr)
	}

	s.mu.Lock()
	s.clients[host.Name] = client
	s.mu.Unlock()
	return client, nil
}

// hostKeyCallbackFor implements spec.md §4.5's "host-key policy
// configurable (auto_add_hosts)": auto_add_hosts=true accepts whatever
// key the server presents (today's unconditional behavior); false pins
// the first key seen per host for the lifetime of the process and
// rejects a later mismatch, the TOFU discipline SSH clients use absent
// a maintained known_hosts file.
func (s *SSH) hostKeyCallbackFor(settings model.SSHSettings) cryptossh.HostKeyCallback {
	if settings.AutoAddHosts {
		return cryptossh.InsecureIgnoreHostKey()
	}
	return func(hostname string, remote net.Addr, key cryptossh.PublicKey) error {
		s.hostKeysMu.Lock()
		defer s.hostKeysMu.Unlock()
		if pinned, ok := s.hostKeys[hostname]; ok {
			if !bytes.Equal(pinned.Marshal(), key.Marshal()) {
				return fmt.Errorf("ssh: host key for %q changed since first connection", hostname)
			}
			return nil
		}
		s.hostKeys[hostname] = key
		return nil
	}
}

func authMethod(host model.Host) (cryptossh.AuthMethod, error) {
	switch host.Auth {
	case model.AuthPassword:
		return cryptossh.Password(host.Password), nil
	case model.AuthKey:
		data, err := os.ReadFile(host.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("read key %q: %w", host.KeyPath, err)
		}
		signer, err := cryptossh.ParsePrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("parse key %q: %w", host.KeyPath, err)
		}
		return cryptossh.PublicKeys(signer), nil
	default:
		return nil, fmt.Errorf("host %q has no usable auth method configured", host.Name)
	}
}

// Close releases every pooled connection.
func (s *SSH) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, c := range s.clients {
		if err := c.Close(); err != nil {
			s.lg.Warn("error closing ssh client", zap.String("host", name), zap.Error(err))
		}
	}
	s.clients = make(map[string]*cryptossh.Client)
}
