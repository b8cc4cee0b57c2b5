// sshtransport.go implements Transport over golang.org/x/crypto/ssh.
//
// One multiplexed SSH connection is held per session; every command runs in
// its own exec channel on that connection, which is what lets an interrupt
// kill a hung remote process while leaving the connection itself usable.

package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/opsbridge/sshbroker/internal/profile"
)

// interruptGrace is how long Run waits for output to drain after sending
// SIGINT to a cancelled command before force-closing the exec channel.
const interruptGrace = 2 * time.Second

// SSHTransport dials real SSH connections. ConnectTimeout bounds the TCP
// dial and handshake together.
type SSHTransport struct {
	ConnectTimeout time.Duration
}

// NewSSHTransport returns a Transport speaking SSH with the given connect
// timeout.
func NewSSHTransport(connectTimeout time.Duration) *SSHTransport {
	return &SSHTransport{ConnectTimeout: connectTimeout}
}

// Dial opens an SSH connection using the profile's credentials: password
// auth when a password is set, otherwise public key auth from the private
// key file referenced by the profile.
func (t *SSHTransport) Dial(ctx context.Context, p profile.Profile) (Conn, error) {
	auth, err := authMethods(p)
	if err != nil {
		return nil, err
	}

	cfg := &ssh.ClientConfig{
		User:            p.Username,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         t.ConnectTimeout,
	}

	addr := net.JoinHostPort(p.Hostname, fmt.Sprintf("%d", p.Port))

	dialer := net.Dialer{Timeout: t.ConnectTimeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, cfg)
	if err != nil {
		netConn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}

	return &sshClientConn{client: ssh.NewClient(sshConn, chans, reqs)}, nil
}

// authMethods builds the SSH auth chain from the profile's credentials.
func authMethods(p profile.Profile) ([]ssh.AuthMethod, error) {
	if p.Password != "" {
		return []ssh.AuthMethod{ssh.Password(p.Password)}, nil
	}
	keyData, err := os.ReadFile(p.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read private key %s: %w", p.PrivateKeyPath, err)
	}
	signer, err := ssh.ParsePrivateKey(keyData)
	if err != nil {
		return nil, fmt.Errorf("parse private key %s: %w", p.PrivateKeyPath, err)
	}
	return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
}

// sshClientConn adapts *ssh.Client to the Conn interface.
type sshClientConn struct {
	client *ssh.Client

	closeOnce sync.Once
	closeErr  error
}

// syncBuffer is a bytes.Buffer safe for the write-while-snapshot pattern:
// the exec channel's copier goroutine may still be writing when an
// interrupted Run snapshots partial output.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (c *sshClientConn) Run(ctx context.Context, spec RunSpec) (RunOutput, error) {
	sess, err := c.client.NewSession()
	if err != nil {
		return RunOutput{}, fmt.Errorf("create exec session: %w", err)
	}

	var stdout, stderr syncBuffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr
	if spec.Stdin != "" {
		sess.Stdin = strings.NewReader(spec.Stdin)
	}

	if err := sess.Start(spec.Command); err != nil {
		sess.Close()
		return RunOutput{}, fmt.Errorf("start command: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- sess.Wait() }()

	select {
	case waitErr := <-done:
		sess.Close()
		out := RunOutput{Stdout: stdout.String(), Stderr: stderr.String()}
		if waitErr == nil {
			status := 0
			out.ExitStatus = &status
			return out, nil
		}
		var exitErr *ssh.ExitError
		if errors.As(waitErr, &exitErr) {
			status := exitErr.ExitStatus()
			out.ExitStatus = &status
			return out, nil
		}
		var missingErr *ssh.ExitMissingError
		if errors.As(waitErr, &missingErr) {
			// Remote process ended without reporting a status (killed).
			return out, nil
		}
		return out, waitErr

	case <-ctx.Done():
		// Interrupt the remote process but keep the connection: SIGINT on
		// the exec channel, then close only that channel.
		sess.Signal(ssh.SIGINT)
		select {
		case <-done:
		case <-time.After(interruptGrace):
		}
		sess.Close()
		return RunOutput{Stdout: stdout.String(), Stderr: stderr.String()}, ctx.Err()
	}
}

func (c *sshClientConn) Probe(ctx context.Context, marker string) error {
	sess, err := c.client.NewSession()
	if err != nil {
		return fmt.Errorf("create probe session: %w", err)
	}

	type probeResult struct {
		out []byte
		err error
	}
	done := make(chan probeResult, 1)
	go func() {
		out, err := sess.Output("echo " + marker)
		done <- probeResult{out: out, err: err}
	}()

	select {
	case res := <-done:
		sess.Close()
		if res.err != nil {
			return fmt.Errorf("probe command failed: %w", res.err)
		}
		if !strings.Contains(string(res.out), marker) {
			return fmt.Errorf("probe response missing marker")
		}
		return nil
	case <-ctx.Done():
		sess.Close()
		return fmt.Errorf("probe timed out: %w", ctx.Err())
	}
}

func (c *sshClientConn) Keepalive() error {
	_, _, err := c.client.SendRequest("keepalive@openssh.com", true, nil)
	return err
}

func (c *sshClientConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.client.Close()
	})
	return c.closeErr
}
