package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/opsbridge/sshbroker/internal/logutil"
	"github.com/opsbridge/sshbroker/internal/profile"
)

// reconnectAttempts and reconnectBaseDelay shape the keepalive-driven
// background reconnect: 1s, 2s, 4s, 8s, 16s between attempts.
const (
	reconnectAttempts  = 5
	reconnectBaseDelay = time.Second
)

// Options configures a Manager. Zero values fall back to the defaults
// below.
type Options struct {
	ConnectTimeout    time.Duration
	DefaultTimeout    time.Duration
	KeepaliveInterval time.Duration
	ProbeTimeout      time.Duration
}

func (o *Options) applyDefaults() {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 30 * time.Second
	}
	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = 5 * time.Minute
	}
	if o.KeepaliveInterval <= 0 {
		o.KeepaliveInterval = 30 * time.Second
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = 3 * time.Second
	}
}

// Info is the secret-free view of one session returned by List.
type Info struct {
	Handle       string    `json:"handle"`
	Profile      string    `json:"profile"`
	State        string    `json:"state"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActivity time.Time `json:"last_activity"`
	IdleSeconds  float64   `json:"idle_seconds"`
}

// BatchRequest runs several commands sequentially on one session.
type BatchRequest struct {
	Commands         []string
	WorkingDirectory string
	Timeout          time.Duration
	StopOnError      bool
}

// BatchResult carries per-command results plus whether the batch was cut
// short by StopOnError.
type BatchResult struct {
	Results      []Result `json:"results"`
	StoppedEarly bool     `json:"stopped_early"`
}

// Manager owns every live session. The registry mutex guards lookups only;
// dials and command execution happen outside it so one slow host never
// blocks operations on other handles.
type Manager struct {
	transport Transport
	opts      Options

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager builds a Manager dialing through the given transport.
func NewManager(transport Transport, opts Options) *Manager {
	opts.applyDefaults()
	return &Manager{
		transport: transport,
		opts:      opts,
		sessions:  make(map[string]*Session),
	}
}

// Connect dials the profile's host and registers the session under handle.
// The handle is reserved before the dial starts, so two concurrent Connect
// calls for the same handle cannot both win. The reservation holds the busy
// latch until the dial settles: an Execute or Recover arriving during the
// dial window gets ErrSessionBusy instead of racing a half-built session.
func (m *Manager) Connect(ctx context.Context, handle string, prof profile.Profile) (*Session, error) {
	s := &Session{
		handle:         handle,
		prof:           prof,
		transport:      m.transport,
		connectTimeout: m.opts.ConnectTimeout,
		probeTimeout:   m.opts.ProbeTimeout,
		state:          StateRecovering, // reserved, not yet dialed
		inFlight:       true,
	}

	m.mu.Lock()
	if _, exists := m.sessions[handle]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("handle %q: %w", handle, ErrHandleInUse)
	}
	m.sessions[handle] = s
	m.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	conn, err := m.transport.Dial(dialCtx, prof)
	cancel()
	if err != nil {
		// Mark the reservation dead so a caller that grabbed it before the
		// removal gets ErrSessionLost rather than a half-built session.
		m.remove(handle)
		s.close("connect failed")
		return nil, &ConnectError{Handle: handle, Profile: prof.Name, Err: err}
	}

	now := time.Now()
	keepCtx, keepCancel := context.WithCancel(context.Background())

	s.mu.Lock()
	if s.state == StateDead {
		// Disconnected while the dial was in flight; the session is
		// already out of the registry, so discard the fresh connection.
		s.inFlight = false
		s.mu.Unlock()
		keepCancel()
		conn.Close()
		return nil, &ConnectError{Handle: handle, Profile: prof.Name,
			Err: errors.New("disconnected during connect")}
	}
	s.conn = conn
	s.connectedAt = now
	s.lastActivity = now
	s.keepCancel = keepCancel
	s.inFlight = false
	s.setStateLocked(StateHealthy, "connected")
	s.mu.Unlock()
	s.events.record(EventConnected, fmt.Sprintf("profile %s", prof.Name))

	go m.keepaliveLoop(keepCtx, s)

	log.Printf("[manager] session %s connected (profile %s)",
		logutil.SanitizeForLog(handle), logutil.SanitizeForLog(prof.Name))
	return s, nil
}

// Disconnect closes and removes the session. Disconnecting an unknown
// handle is a no-op, so the operation is idempotent.
func (m *Manager) Disconnect(handle string) {
	s := m.remove(handle)
	if s == nil {
		return
	}
	s.close("disconnected by request")
	log.Printf("[manager] session %s disconnected", logutil.SanitizeForLog(handle))
}

// get looks up a live session.
func (m *Manager) get(handle string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[handle]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("handle %q: %w", handle, ErrHandleNotFound)
	}
	return s, nil
}

// remove unregisters a handle and returns the session, or nil when absent.
func (m *Manager) remove(handle string) *Session {
	m.mu.Lock()
	s := m.sessions[handle]
	delete(m.sessions, handle)
	m.mu.Unlock()
	return s
}

// removeDead tears down a session that lost its connection for good.
func (m *Manager) removeDead(s *Session, reason string) {
	m.remove(s.handle)
	s.events.record(EventSessionRemoved, reason)
	s.close(reason)
	log.Printf("[manager] session %s removed: %s", logutil.SanitizeForLog(s.handle), reason)
}

// List returns a snapshot of all sessions, sorted by handle. The view
// contains no credentials or addresses.
func (m *Manager) List() []Info {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	now := time.Now()
	infos := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		s.mu.Lock()
		state := s.state
		connected := s.connectedAt
		last := s.lastActivity
		s.mu.Unlock()
		infos = append(infos, Info{
			Handle:       s.handle,
			Profile:      s.prof.Name,
			State:        state.String(),
			ConnectedAt:  connected,
			LastActivity: last,
			IdleSeconds:  now.Sub(last).Seconds(),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Handle < infos[j].Handle })
	return infos
}

// Execute runs one command on the named session. The registry lock is not
// held while the command runs.
func (m *Manager) Execute(ctx context.Context, handle string, req Request) (Result, error) {
	s, err := m.get(handle)
	if err != nil {
		return Result{}, err
	}
	res, err := s.execute(ctx, req)
	if isLost(err) {
		m.removeDead(s, "unrecoverable stall")
	}
	return res, err
}

// ExecuteBatch runs the commands in order on one session. A bare "cd"
// command updates the tracked working directory for the commands after it.
// With StopOnError set, the first command that does not finish with exit
// status zero stops the batch.
func (m *Manager) ExecuteBatch(ctx context.Context, handle string, req BatchRequest) (BatchResult, error) {
	s, err := m.get(handle)
	if err != nil {
		return BatchResult{}, err
	}

	var out BatchResult
	workdir := req.WorkingDirectory
	for i, command := range req.Commands {
		res, err := s.execute(ctx, Request{
			Command:          command,
			WorkingDirectory: workdir,
			Timeout:          req.Timeout,
		})
		if err != nil {
			if isLost(err) {
				m.removeDead(s, "unrecoverable stall")
			}
			return out, fmt.Errorf("batch command %d: %w", i+1, err)
		}
		out.Results = append(out.Results, res)

		if dir, ok := chdirTarget(command); ok && res.Ok() {
			workdir = resolveDir(workdir, dir)
		}
		if req.StopOnError && !res.Ok() {
			out.StoppedEarly = i < len(req.Commands)-1
			break
		}
	}
	return out, nil
}

// Recover forces the interrupt-probe-reconnect sequence on a session
// regardless of its apparent state. Returns the resulting state string.
func (m *Manager) Recover(handle string) (string, error) {
	s, err := m.get(handle)
	if err != nil {
		return "", err
	}
	if err := s.recover(); err != nil {
		if isLost(err) {
			m.removeDead(s, "manual recovery failed")
		}
		return StateDead.String(), err
	}
	return s.State().String(), nil
}

// Events returns the recent lifecycle events and state transitions of a
// session, newest last.
func (m *Manager) Events(handle string) ([]Event, []StateTransition, error) {
	s, err := m.get(handle)
	if err != nil {
		return nil, nil, err
	}
	return s.events.history(), s.stateLog.history(), nil
}

// CloseAll disconnects every session. Used at server shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.close("server shutdown")
	}
}

// keepaliveLoop pings the connection on an interval while the session is
// idle. A failed ping triggers a backoff reconnect when the profile allows
// recovery; otherwise the session is removed.
func (m *Manager) keepaliveLoop(ctx context.Context, s *Session) {
	ticker := time.NewTicker(m.opts.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		// The ping itself runs without the busy latch: a keepalive is a
		// multiplexed global request, so an execute landing mid-tick must
		// not be turned away with a spurious busy.
		s.mu.Lock()
		dead := s.state == StateDead
		busy := s.inFlight
		conn := s.conn
		s.mu.Unlock()
		if dead || conn == nil {
			return
		}
		if busy {
			// A command is in flight; its own path will notice a broken
			// connection.
			continue
		}

		err := conn.Keepalive()
		if err == nil {
			continue
		}

		s.events.record(EventKeepaliveFailed, err.Error())
		log.Printf("[manager] session %s: keepalive failed: %v",
			logutil.SanitizeForLog(s.handle), err)

		// Reconnecting swaps the connection out, so that part does take
		// the latch. Losing the race to an execute is fine.
		if aerr := s.acquire("keepalive reconnect"); aerr != nil {
			if isLost(aerr) {
				return
			}
			continue
		}

		if !s.prof.Recovery {
			s.release()
			m.removeDead(s, "keepalive failed, recovery disabled")
			return
		}

		if m.reconnectWithBackoff(ctx, s) {
			s.release()
			continue
		}
		s.release()
		m.removeDead(s, "reconnect attempts exhausted")
		return
	}
}

// reconnectWithBackoff redials up to reconnectAttempts times with
// exponential delays. Caller holds the session's busy latch.
func (m *Manager) reconnectWithBackoff(ctx context.Context, s *Session) bool {
	s.setState(StateRecovering, "keepalive failed")
	delay := reconnectBaseDelay
	for attempt := 1; attempt <= reconnectAttempts; attempt++ {
		dialCtx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
		conn, err := m.transport.Dial(dialCtx, s.prof)
		cancel()
		if err == nil {
			s.swapConn(conn)
			s.events.record(EventReconnected, fmt.Sprintf("keepalive reconnect, attempt %d", attempt))
			s.touch()
			s.setState(StateHealthy, "keepalive reconnect succeeded")
			log.Printf("[manager] session %s: reconnected after keepalive failure (attempt %d)",
				logutil.SanitizeForLog(s.handle), attempt)
			return true
		}
		s.events.record(EventReconnectFailed, err.Error())
		log.Printf("[manager] session %s: reconnect attempt %d failed: %v",
			logutil.SanitizeForLog(s.handle), attempt, err)

		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}
		delay *= 2
	}
	return false
}

// isLost reports whether err means the session is gone for good.
func isLost(err error) bool {
	return err != nil && errors.Is(err, ErrSessionLost)
}

// chdirTarget recognizes a bare "cd" or "cd <dir>" command with no
// pipeline or list separators and returns its target.
func chdirTarget(command string) (string, bool) {
	trimmed := strings.TrimSpace(command)
	if strings.ContainsAny(trimmed, "|&;") {
		return "", false
	}
	fields := strings.Fields(trimmed)
	switch {
	case len(fields) == 1 && fields[0] == "cd":
		return "~", true
	case len(fields) == 2 && fields[0] == "cd":
		return strings.Trim(fields[1], `'"`), true
	}
	return "", false
}

// resolveDir applies a cd target to the currently tracked directory.
func resolveDir(current, target string) string {
	if target == "~" {
		return ""
	}
	if strings.HasPrefix(target, "/") || current == "" {
		return path.Clean(target)
	}
	return path.Clean(path.Join(current, target))
}
