// events.go implements the per-session event log.
//
// Where state.go tracks state changes, the event log tracks individual
// actions and their outcomes (connect, command stall, interrupt, reconnect,
// keepalive failure). Events are kept in a fixed-size ring buffer (100
// entries) per session and served through the connection events API.

package session

import (
	"sync"
	"time"
)

const eventLogSize = 100

// EventType classifies a session event.
type EventType string

const (
	EventConnected        EventType = "connected"
	EventDisconnected     EventType = "disconnected"
	EventCommandStalled   EventType = "command_stalled"
	EventInterruptSent    EventType = "interrupt_sent"
	EventProbeSucceeded   EventType = "probe_succeeded"
	EventProbeFailed      EventType = "probe_failed"
	EventReconnected      EventType = "reconnected"
	EventReconnectFailed  EventType = "reconnect_failed"
	EventKeepaliveFailed  EventType = "keepalive_failed"
	EventSessionRemoved   EventType = "session_removed"
	EventRecoveryComplete EventType = "recovery_complete"
)

// Event records one session-lifecycle action.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Details   string    `json:"details"`
}

// eventLog is a fixed-size ring buffer of session events.
type eventLog struct {
	mu     sync.Mutex
	events [eventLogSize]Event
	head   int
	count  int
}

// record appends an event.
func (l *eventLog) record(t EventType, details string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events[l.head] = Event{Type: t, Timestamp: time.Now(), Details: details}
	l.head = (l.head + 1) % eventLogSize
	if l.count < eventLogSize {
		l.count++
	}
}

// history returns events in chronological order (oldest first).
func (l *eventLog) history() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.count == 0 {
		return nil
	}
	result := make([]Event, l.count)
	if l.count < eventLogSize {
		copy(result, l.events[:l.count])
	} else {
		n := copy(result, l.events[l.head:])
		copy(result[n:], l.events[:l.head])
	}
	return result
}
