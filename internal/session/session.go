package session

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opsbridge/sshbroker/internal/logutil"
	"github.com/opsbridge/sshbroker/internal/profile"
	"github.com/opsbridge/sshbroker/internal/rewrite"
)

// sudoTimeoutClamp caps the deadline of rewritten sudo commands. A sudo that
// is going to fail on authorization fails within seconds; a long window here
// would just delay stall detection.
const sudoTimeoutClamp = 30 * time.Second

// Request is one command execution request. Ephemeral: it exists only for
// the duration of one Execute call.
type Request struct {
	Command          string
	WorkingDirectory string
	// Timeout overrides the profile's default command timeout when > 0.
	Timeout time.Duration
}

// Result is what one Execute call produced. ExitStatus is nil when the
// remote process was killed or its status is unknowable after recovery.
type Result struct {
	Command        string  `json:"command"`
	Stdout         string  `json:"stdout"`
	Stderr         string  `json:"stderr"`
	ExitStatus     *int    `json:"exit_status"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
	Rewritten      bool    `json:"rewritten"`
	Recovered      bool    `json:"recovered"`
}

// Ok reports whether the result counts as successful for batch sequencing:
// a known zero exit status.
func (r Result) Ok() bool {
	return r.ExitStatus != nil && *r.ExitStatus == 0
}

// Session is one live connection to a remote machine, owned exclusively by
// the Manager. A session accepts at most one in-flight command at a time;
// overlapping Execute calls fail with ErrSessionBusy instead of queuing.
type Session struct {
	handle    string
	prof      profile.Profile
	transport Transport

	connectTimeout time.Duration
	probeTimeout   time.Duration

	mu           sync.Mutex
	conn         Conn
	state        State
	inFlight     bool
	keepCancel   context.CancelFunc
	connectedAt  time.Time
	lastActivity time.Time
	failures     int // consecutive failed calls

	stateLog stateLog
	events   eventLog
}

// Handle returns the caller-chosen connection handle.
func (s *Session) Handle() string { return s.handle }

// ProfileName returns the name of the bound profile.
func (s *Session) ProfileName() string { return s.prof.Name }

// State returns the current health state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastActivity returns the time of the last successful response.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// setStateLocked transitions the state and records it. Caller holds s.mu.
func (s *Session) setStateLocked(to State, reason string) {
	from := s.state
	if from == to {
		return
	}
	s.state = to
	s.stateLog.record(from, to, reason)
}

// setState is setStateLocked with its own locking.
func (s *Session) setState(to State, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setStateLocked(to, reason)
}

// touch records a successful response on this session.
func (s *Session) touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
	s.failures = 0
}

// recordFailure counts a failed call.
func (s *Session) recordFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures++
}

// acquire takes the busy latch. Returns ErrSessionBusy when a command is
// already in flight and ErrSessionLost when the session is dead.
func (s *Session) acquire(reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDead {
		return ErrSessionLost
	}
	if s.inFlight {
		return ErrSessionBusy
	}
	s.inFlight = true
	s.setStateLocked(StateBusy, reason)
	return nil
}

// release drops the busy latch. The state has already been set by the
// execute/recovery path.
func (s *Session) release() {
	s.mu.Lock()
	s.inFlight = false
	s.mu.Unlock()
}

// currentConn returns the connection to run on.
func (s *Session) currentConn() Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// swapConn installs a freshly dialed connection, closing the old one.
func (s *Session) swapConn(c Conn) {
	s.mu.Lock()
	old := s.conn
	s.conn = c
	s.mu.Unlock()
	if old != nil {
		old.Close()
	}
}

type runResult struct {
	out RunOutput
	err error
}

// execute runs one command under deadline supervision. The caller (Manager)
// is responsible for removing the session when ErrSessionLost is returned.
func (s *Session) execute(ctx context.Context, req Request) (Result, error) {
	if err := s.acquire("execute dispatched"); err != nil {
		return Result{}, err
	}
	defer s.release()

	rw := rewrite.Rewrite(req.Command, s.prof.HasSudoPassword(), s.prof.AutoSudoFix)

	command := rw.Command
	if req.WorkingDirectory != "" {
		command = fmt.Sprintf("cd %s && (%s)", shellQuote(req.WorkingDirectory), command)
	}

	var stdin string
	if rw.SecretFeeds > 0 {
		stdin = strings.Repeat(s.prof.EffectiveSudoPassword()+"\n", rw.SecretFeeds)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = s.prof.DefaultTimeout
	}
	if rw.Rewritten && timeout > sudoTimeoutClamp {
		timeout = sudoTimeoutClamp
	}

	start := time.Now()

	// The deadline watch runs in this goroutine while the blocking I/O runs
	// in its own; a hung remote process cannot prevent the timer from
	// firing.
	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	conn := s.currentConn()
	resCh := make(chan runResult, 1)
	go func() {
		out, err := conn.Run(runCtx, RunSpec{Command: command, Stdin: stdin})
		resCh <- runResult{out: out, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-resCh:
		elapsed := time.Since(start)
		if r.err != nil {
			s.recordFailure()
			s.setState(StateHealthy, "transport fault on execute")
			return Result{}, &TransportError{Handle: s.handle, Profile: s.prof.Name, Phase: "execute", Err: r.err}
		}
		s.touch()
		s.setState(StateHealthy, "result received before deadline")
		return Result{
			Command:        req.Command,
			Stdout:         r.out.Stdout,
			Stderr:         r.out.Stderr,
			ExitStatus:     r.out.ExitStatus,
			ElapsedSeconds: elapsed.Seconds(),
			Rewritten:      rw.Rewritten,
		}, nil

	case <-ctx.Done():
		// Caller abandoned the request; interrupt and report the abort.
		cancelRun()
		select {
		case <-resCh:
		case <-time.After(interruptGrace + time.Second):
		}
		s.recordFailure()
		s.setState(StateHealthy, "caller cancelled execute")
		return Result{}, &TransportError{Handle: s.handle, Profile: s.prof.Name, Phase: "execute", Err: ctx.Err()}

	case <-timer.C:
		return s.recoverStalled(req, rw.Rewritten, cancelRun, resCh, start)
	}
}

// recoverStalled drives the Stalled → (Healthy | Recovering → Healthy |
// Dead) part of the state machine after a command overran its deadline.
func (s *Session) recoverStalled(req Request, rewritten bool, cancelRun context.CancelFunc, resCh <-chan runResult, start time.Time) (Result, error) {
	s.setState(StateStalled, "deadline exceeded")
	s.events.record(EventCommandStalled, logutil.Snippet(req.Command, 120))
	log.Printf("[session] %s: command stalled past deadline, interrupting", logutil.SanitizeForLog(s.handle))

	// Interrupt the remote process; the connection itself stays up.
	cancelRun()
	s.events.record(EventInterruptSent, "")

	var partial RunOutput
	select {
	case r := <-resCh:
		partial = r.out
	case <-time.After(interruptGrace + time.Second):
	}

	// Responsiveness probe: if the shell answers, the interrupt cleared the
	// hung process and the session is usable as-is.
	marker := "RECOVERY_" + uuid.New().String()[:8]
	probeCtx, cancelProbe := context.WithTimeout(context.Background(), s.probeTimeout)
	err := s.currentConn().Probe(probeCtx, marker)
	cancelProbe()

	if err == nil {
		s.events.record(EventProbeSucceeded, marker)
		s.events.record(EventRecoveryComplete, "session reset in place")
		s.touch()
		s.setState(StateHealthy, "recovery probe succeeded")
		log.Printf("[session] %s: recovered in place after stall", logutil.SanitizeForLog(s.handle))
		return s.recoveredResult(req, rewritten, partial, start), nil
	}
	s.events.record(EventProbeFailed, err.Error())

	// In-place reset failed: forced reconnect.
	s.setState(StateRecovering, "recovery probe failed")
	if !s.prof.Recovery {
		s.setState(StateDead, "recovery disabled for profile")
		return Result{}, fmt.Errorf("session %q (profile %s) stalled during execute: %w", s.handle, s.prof.Name, ErrSessionLost)
	}

	dialCtx, cancelDial := context.WithTimeout(context.Background(), s.connectTimeout)
	newConn, dialErr := s.transport.Dial(dialCtx, s.prof)
	cancelDial()
	if dialErr != nil {
		s.events.record(EventReconnectFailed, dialErr.Error())
		s.setState(StateDead, fmt.Sprintf("forced reconnect failed: %v", dialErr))
		log.Printf("[session] %s: forced reconnect failed: %v", logutil.SanitizeForLog(s.handle), dialErr)
		return Result{}, fmt.Errorf("session %q (profile %s) stalled during execute, reconnect failed: %w", s.handle, s.prof.Name, ErrSessionLost)
	}

	s.swapConn(newConn)
	s.events.record(EventReconnected, "forced reconnect after stall")
	s.events.record(EventRecoveryComplete, "session replaced")
	s.touch()
	s.setState(StateHealthy, "forced reconnect succeeded")
	log.Printf("[session] %s: recovered via forced reconnect", logutil.SanitizeForLog(s.handle))
	return s.recoveredResult(req, rewritten, partial, start), nil
}

// recoveredResult builds the recovery-flagged result for a stalled command.
// Pre-stall output is authoritative; the exit status is unknowable and stays
// nil.
func (s *Session) recoveredResult(req Request, rewritten bool, partial RunOutput, start time.Time) Result {
	stderr := partial.Stderr
	if stderr != "" {
		stderr += "\n"
	}
	stderr += "[command interrupted after timeout; session recovered]"
	return Result{
		Command:        req.Command,
		Stdout:         partial.Stdout,
		Stderr:         stderr,
		ExitStatus:     nil,
		ElapsedSeconds: time.Since(start).Seconds(),
		Rewritten:      rewritten,
		Recovered:      true,
	}
}

// recover drives the manual recovery path: probe, then forced reconnect.
// Returns ErrSessionLost (and leaves the session dead) when both fail.
func (s *Session) recover() error {
	if err := s.acquire("manual recovery"); err != nil {
		return err
	}
	defer s.release()

	marker := "RECOVERY_" + uuid.New().String()[:8]
	probeCtx, cancelProbe := context.WithTimeout(context.Background(), s.probeTimeout)
	err := s.currentConn().Probe(probeCtx, marker)
	cancelProbe()
	if err == nil {
		s.events.record(EventProbeSucceeded, marker)
		s.touch()
		s.setState(StateHealthy, "manual recovery probe succeeded")
		return nil
	}
	s.events.record(EventProbeFailed, err.Error())

	s.setState(StateRecovering, "manual recovery probe failed")
	dialCtx, cancelDial := context.WithTimeout(context.Background(), s.connectTimeout)
	newConn, dialErr := s.transport.Dial(dialCtx, s.prof)
	cancelDial()
	if dialErr != nil {
		s.events.record(EventReconnectFailed, dialErr.Error())
		s.setState(StateDead, fmt.Sprintf("manual recovery reconnect failed: %v", dialErr))
		return fmt.Errorf("session %q (profile %s) recovery failed: %w", s.handle, s.prof.Name, ErrSessionLost)
	}

	s.swapConn(newConn)
	s.events.record(EventReconnected, "manual recovery reconnect")
	s.touch()
	s.setState(StateHealthy, "manual recovery reconnect succeeded")
	return nil
}

// close tears the session down from any state: cancels the keepalive,
// closes the transport, and marks the session dead.
func (s *Session) close(reason string) {
	s.mu.Lock()
	cancel := s.keepCancel
	s.keepCancel = nil
	conn := s.conn
	s.conn = nil
	s.setStateLocked(StateDead, reason)
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	s.events.record(EventDisconnected, reason)
}

// shellQuote wraps s in single quotes, escaping embedded single quotes, so
// a working directory with spaces or metacharacters survives the remote
// shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
