package session

import (
	"errors"
	"fmt"
)

// Sentinel errors for the connection manager. Handlers map these onto HTTP
// status codes; everything else surfaces as an internal error.
var (
	// ErrHandleInUse is returned by Connect when a live session already owns
	// the requested handle.
	ErrHandleInUse = errors.New("connection handle already in use")

	// ErrHandleNotFound is returned when no live session owns the handle.
	ErrHandleNotFound = errors.New("connection handle not found")

	// ErrSessionBusy is returned when an execute overlaps an in-flight
	// command on the same session. Commands are never queued silently:
	// queuing would hide true latency from the caller.
	ErrSessionBusy = errors.New("session busy: a command is already in flight")

	// ErrSessionLost is returned when recovery is exhausted. The session has
	// already been removed; the caller must connect again.
	ErrSessionLost = errors.New("session lost: recovery exhausted")
)

// ConnectError wraps a transport-level failure during connection
// establishment. No session is registered when it is returned.
type ConnectError struct {
	Handle  string
	Profile string
	Err     error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %q (profile %s): %v", e.Handle, e.Profile, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// TransportError wraps a mid-command I/O fault that is not attributable to a
// timeout. Phase names the operation that failed (execute, recover, probe).
type TransportError struct {
	Handle  string
	Profile string
	Phase   string
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failure during %s on %q (profile %s): %v", e.Phase, e.Handle, e.Profile, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
