package session

import (
	"context"

	"github.com/opsbridge/sshbroker/internal/profile"
)

// RunSpec describes one remote command invocation.
type RunSpec struct {
	// Command is the full shell command line, working directory already
	// folded in and sudo rewriting already applied.
	Command string
	// Stdin is fed to the remote process's standard input and the stream is
	// then closed. Used to deliver sudo secrets off the command line; empty
	// means stdin is closed immediately.
	Stdin string
}

// RunOutput is what a remote command produced. ExitStatus is nil when the
// remote process was killed or its status is unknowable (interrupted during
// recovery).
type RunOutput struct {
	Stdout     string
	Stderr     string
	ExitStatus *int
}

// Conn is a live connection to one remote machine. Implementations must be
// safe for use by one command at a time plus concurrent Keepalive calls; the
// session engine enforces command serialization above this interface.
type Conn interface {
	// Run executes a command and blocks until it completes or ctx is done.
	// On ctx cancellation/deadline, implementations must interrupt the
	// in-flight remote process WITHOUT destroying the connection itself,
	// and return whatever output was captured together with ctx's error.
	Run(ctx context.Context, spec RunSpec) (RunOutput, error)

	// Probe checks end-to-end responsiveness by echoing marker through the
	// remote shell. A nil return means the connection can run commands.
	Probe(ctx context.Context, marker string) error

	// Keepalive performs a lightweight protocol-level liveness check.
	Keepalive() error

	// Close tears down the connection. Safe to call more than once.
	Close() error
}

// Transport opens connections to remote machines described by profiles.
// The production implementation speaks SSH; tests substitute stubs with
// controllable latency.
type Transport interface {
	Dial(ctx context.Context, p profile.Profile) (Conn, error)
}
