package router

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"time"

	"github.com/Will-Luck/Docker-Sentinel/internal/store"
	"golang.org/x/crypto/ssh"
)

// CredentialLookup resolves a host's stored shell fallback credential.
// Satisfied by *store.Store.
type CredentialLookup interface {
	GetShellCredential(hostID string) (*store.ShellCredential, bool)
}

// SSHShell implements ShellDispatcher over golang.org/x/crypto/ssh,
// the out-of-band transport named in §4.8 for hosts without a live agent
// channel.
type SSHShell struct {
	creds       CredentialLookup
	dialTimeout time.Duration
}

func NewSSHShell(creds CredentialLookup) *SSHShell {
	return &SSHShell{creds: creds, dialTimeout: 10 * time.Second}
}

func (s *SSHShell) HasCredentials(hostID string) bool {
	_, ok := s.creds.GetShellCredential(hostID)
	return ok
}

func (s *SSHShell) dial(hostID string) (*ssh.Client, error) {
	cred, ok := s.creds.GetShellCredential(hostID)
	if !ok {
		return nil, fmt.Errorf("no shell credentials for host %q", hostID)
	}
	signer, err := ssh.ParsePrivateKey([]byte(cred.PrivateKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("parse private key for host %q: %w", hostID, err)
	}
	port := cred.Port
	if port == 0 {
		port = 22
	}
	cfg := &ssh.ClientConfig{
		User:            cred.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // fleet hosts are enrolled, not browsed; TOFU pinning is future work
		Timeout:         s.dialTimeout,
	}
	addr := net.JoinHostPort(cred.Address, fmt.Sprint(port))
	return ssh.Dial("tcp", addr, cfg)
}

// Run executes command on hostID over a fresh SSH session and returns its
// combined stdout+stderr and whether it exited zero (§4.8).
func (s *SSHShell) Run(ctx context.Context, hostID, command string) (string, bool, error) {
	client, err := s.dial(hostID)
	if err != nil {
		return "", false, err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return "", false, fmt.Errorf("open session: %w", err)
	}
	defer session.Close()

	var out bytes.Buffer
	session.Stdout = &out
	session.Stderr = &out

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case err := <-done:
		return out.String(), err == nil, err
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return out.String(), false, ctx.Err()
	}
}

// RunStreaming is the progress-bearing variant: onOutput fires once per
// chunk of combined output as it arrives rather than only at the end.
func (s *SSHShell) RunStreaming(ctx context.Context, hostID, command string, onOutput func(chunk string)) (bool, error) {
	client, err := s.dial(hostID)
	if err != nil {
		return false, err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return false, fmt.Errorf("open session: %w", err)
	}
	defer session.Close()

	pipe, err := session.StdoutPipe()
	if err != nil {
		return false, fmt.Errorf("attach stdout: %w", err)
	}
	session.Stderr = session.Stdout

	if err := session.Start(command); err != nil {
		return false, fmt.Errorf("start command: %w", err)
	}

	buf := make([]byte, 4096)
	go func() {
		for {
			n, readErr := pipe.Read(buf)
			if n > 0 && onOutput != nil {
				onOutput(string(buf[:n]))
			}
			if readErr != nil {
				return
			}
		}
	}()

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	select {
	case err := <-done:
		return err == nil, err
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return false, ctx.Err()
	}
}
