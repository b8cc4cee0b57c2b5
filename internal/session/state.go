// state.go implements the session health state machine.
//
// Each session moves through Healthy, Busy, Stalled, Recovering, and Dead as
// commands execute, stall past their deadline, and recover. Transitions are
// recorded in a per-session ring buffer (50 entries) for debugging and are
// served through the connection events API.

package session

import (
	"sync"
	"time"
)

// State represents the health state of a session.
type State int

const (
	// StateHealthy means the session is idle and ready for a command.
	StateHealthy State = iota
	// StateBusy means a command is in flight.
	StateBusy
	// StateStalled means the in-flight command exceeded its deadline.
	StateStalled
	// StateRecovering means an in-place reset failed and a forced reconnect
	// is underway.
	StateRecovering
	// StateDead is terminal: the transport is closed and the session has
	// been (or is being) removed from the registry.
	StateDead
)

// String returns the wire name of the state.
func (s State) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateBusy:
		return "busy"
	case StateStalled:
		return "stalled"
	case StateRecovering:
		return "recovering"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// stateLogSize is the maximum number of state transitions kept per session.
const stateLogSize = 50

// StateTransition records one state change.
type StateTransition struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason"`
}

// stateLog is a fixed-size ring buffer of state transitions.
type stateLog struct {
	mu          sync.Mutex
	transitions [stateLogSize]StateTransition
	head        int // next write position
	count       int // total entries written (capped at buffer size for reads)
}

// record appends a transition to the ring buffer.
func (l *stateLog) record(from, to State, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.transitions[l.head] = StateTransition{
		From:      from.String(),
		To:        to.String(),
		Timestamp: time.Now(),
		Reason:    reason,
	}
	l.head = (l.head + 1) % stateLogSize
	if l.count < stateLogSize {
		l.count++
	}
}

// history returns the transitions in chronological order (oldest first).
func (l *stateLog) history() []StateTransition {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.count == 0 {
		return nil
	}
	result := make([]StateTransition, l.count)
	if l.count < stateLogSize {
		copy(result, l.transitions[:l.count])
	} else {
		// Buffer is full — head is the oldest entry.
		n := copy(result, l.transitions[l.head:])
		copy(result[n:], l.transitions[:l.head])
	}
	return result
}
