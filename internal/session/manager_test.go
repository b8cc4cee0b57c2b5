package session

import (
	"bytes"
	"context"
	"errors"
	"log"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/opsbridge/sshbroker/internal/profile"
)

// --- test doubles ---

type fakeConn struct {
	mu       sync.Mutex
	runs     []RunSpec
	run      func(ctx context.Context, spec RunSpec) (RunOutput, error)
	keep     func() error
	probeErr error
	keepErr  error
	closed   bool
}

func (c *fakeConn) Run(ctx context.Context, spec RunSpec) (RunOutput, error) {
	c.mu.Lock()
	c.runs = append(c.runs, spec)
	fn := c.run
	c.mu.Unlock()
	if fn != nil {
		return fn(ctx, spec)
	}
	return RunOutput{Stdout: "ok", ExitStatus: intp(0)}, nil
}

func (c *fakeConn) Probe(ctx context.Context, marker string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.probeErr
}

func (c *fakeConn) Keepalive() error {
	c.mu.Lock()
	fn := c.keep
	err := c.keepErr
	c.mu.Unlock()
	if fn != nil {
		return fn()
	}
	return err
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) specs() []RunSpec {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]RunSpec(nil), c.runs...)
}

type fakeTransport struct {
	mu    sync.Mutex
	dial  func(prof profile.Profile) (Conn, error)
	dials int
}

func (t *fakeTransport) Dial(ctx context.Context, prof profile.Profile) (Conn, error) {
	t.mu.Lock()
	t.dials++
	fn := t.dial
	t.mu.Unlock()
	if fn != nil {
		return fn(prof)
	}
	return &fakeConn{}, nil
}

func (t *fakeTransport) dialCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

func intp(n int) *int { return &n }

func testProfile() profile.Profile {
	return profile.Profile{
		Name:           "web-prod",
		Hostname:       "10.0.0.10",
		Username:       "deploy",
		Password:       "login-pw",
		SudoPassword:   "root-pw",
		Port:           22,
		AutoSudoFix:    true,
		Recovery:       true,
		DefaultTimeout: 2 * time.Second,
	}
}

func newTestManager(tr Transport) *Manager {
	return NewManager(tr, Options{
		ConnectTimeout:    time.Second,
		DefaultTimeout:    2 * time.Second,
		KeepaliveInterval: time.Hour, // keep the background loop quiet
		ProbeTimeout:      time.Second,
	})
}

// --- connect / disconnect ---

func TestConnectAndList(t *testing.T) {
	tr := &fakeTransport{}
	m := newTestManager(tr)
	defer m.CloseAll()

	s, err := m.Connect(context.Background(), "deploy-1", testProfile())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if s.State() != StateHealthy {
		t.Errorf("expected healthy, got %v", s.State())
	}

	infos := m.List()
	if len(infos) != 1 {
		t.Fatalf("expected 1 session, got %d", len(infos))
	}
	if infos[0].Handle != "deploy-1" || infos[0].Profile != "web-prod" || infos[0].State != "healthy" {
		t.Errorf("unexpected info: %+v", infos[0])
	}
}

func TestConnectHandleInUse(t *testing.T) {
	m := newTestManager(&fakeTransport{})
	defer m.CloseAll()

	if _, err := m.Connect(context.Background(), "h", testProfile()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	_, err := m.Connect(context.Background(), "h", testProfile())
	if !errors.Is(err, ErrHandleInUse) {
		t.Fatalf("expected ErrHandleInUse, got %v", err)
	}
}

func TestConnectDialFailureFreesHandle(t *testing.T) {
	tr := &fakeTransport{dial: func(profile.Profile) (Conn, error) {
		return nil, errors.New("connection refused")
	}}
	m := newTestManager(tr)
	defer m.CloseAll()

	_, err := m.Connect(context.Background(), "h", testProfile())
	var connErr *ConnectError
	if !errors.As(err, &connErr) {
		t.Fatalf("expected ConnectError, got %v", err)
	}

	// A failed dial must not poison the handle.
	tr.mu.Lock()
	tr.dial = nil
	tr.mu.Unlock()
	if _, err := m.Connect(context.Background(), "h", testProfile()); err != nil {
		t.Fatalf("reconnect after failed dial: %v", err)
	}
}

func TestDisconnectIdempotent(t *testing.T) {
	m := newTestManager(&fakeTransport{})
	defer m.CloseAll()

	if _, err := m.Connect(context.Background(), "h", testProfile()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	m.Disconnect("h")
	m.Disconnect("h")
	m.Disconnect("never-existed")

	if len(m.List()) != 0 {
		t.Errorf("expected empty registry, got %d sessions", len(m.List()))
	}
}

func TestExecuteDuringDialIsBusy(t *testing.T) {
	dialStarted := make(chan struct{})
	releaseDial := make(chan struct{})
	tr := &fakeTransport{dial: func(profile.Profile) (Conn, error) {
		close(dialStarted)
		<-releaseDial
		return &fakeConn{}, nil
	}}
	m := newTestManager(tr)
	defer m.CloseAll()

	connErr := make(chan error, 1)
	go func() {
		_, err := m.Connect(context.Background(), "h", testProfile())
		connErr <- err
	}()
	<-dialStarted

	// The handle is reserved but the dial has not finished; an execute in
	// this window must be turned away, not run on a half-built session.
	_, err := m.Execute(context.Background(), "h", Request{Command: "ls"})
	if !errors.Is(err, ErrSessionBusy) {
		t.Fatalf("expected ErrSessionBusy during dial, got %v", err)
	}

	close(releaseDial)
	if err := <-connErr; err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if _, err := m.Execute(context.Background(), "h", Request{Command: "ls"}); err != nil {
		t.Fatalf("execute after dial finished: %v", err)
	}
}

func TestDisconnectDuringDialDiscardsConnection(t *testing.T) {
	fc := &fakeConn{}
	dialStarted := make(chan struct{})
	releaseDial := make(chan struct{})
	tr := &fakeTransport{dial: func(profile.Profile) (Conn, error) {
		close(dialStarted)
		<-releaseDial
		return fc, nil
	}}
	m := newTestManager(tr)
	defer m.CloseAll()

	connErr := make(chan error, 1)
	go func() {
		_, err := m.Connect(context.Background(), "h", testProfile())
		connErr <- err
	}()
	<-dialStarted
	m.Disconnect("h")
	close(releaseDial)

	var ce *ConnectError
	if err := <-connErr; !errors.As(err, &ce) {
		t.Fatalf("expected ConnectError after disconnect during dial, got %v", err)
	}
	if !fc.isClosed() {
		t.Error("connection dialed into a disconnected handle should be closed")
	}
	if len(m.List()) != 0 {
		t.Errorf("expected empty registry, got %d sessions", len(m.List()))
	}

	// The handle must be free again.
	tr.mu.Lock()
	tr.dial = nil
	tr.mu.Unlock()
	if _, err := m.Connect(context.Background(), "h", testProfile()); err != nil {
		t.Fatalf("reconnect after disconnect-during-dial: %v", err)
	}
}

// --- execute ---

func TestExecuteUnknownHandle(t *testing.T) {
	m := newTestManager(&fakeTransport{})
	defer m.CloseAll()

	_, err := m.Execute(context.Background(), "ghost", Request{Command: "ls"})
	if !errors.Is(err, ErrHandleNotFound) {
		t.Fatalf("expected ErrHandleNotFound, got %v", err)
	}
}

func TestExecuteSimple(t *testing.T) {
	conn := &fakeConn{run: func(ctx context.Context, spec RunSpec) (RunOutput, error) {
		return RunOutput{Stdout: "file-a\nfile-b\n", ExitStatus: intp(0)}, nil
	}}
	tr := &fakeTransport{dial: func(profile.Profile) (Conn, error) { return conn, nil }}
	m := newTestManager(tr)
	defer m.CloseAll()

	if _, err := m.Connect(context.Background(), "h", testProfile()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	res, err := m.Execute(context.Background(), "h", Request{Command: "ls"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Stdout != "file-a\nfile-b\n" {
		t.Errorf("unexpected stdout %q", res.Stdout)
	}
	if res.ExitStatus == nil || *res.ExitStatus != 0 {
		t.Errorf("unexpected exit status %v", res.ExitStatus)
	}
	if res.Rewritten || res.Recovered {
		t.Errorf("plain command flagged: %+v", res)
	}
	if res.Command != "ls" {
		t.Errorf("result should echo the caller's command, got %q", res.Command)
	}
}

func TestExecuteBusy(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	conn := &fakeConn{run: func(ctx context.Context, spec RunSpec) (RunOutput, error) {
		close(started)
		<-release
		return RunOutput{ExitStatus: intp(0)}, nil
	}}
	tr := &fakeTransport{dial: func(profile.Profile) (Conn, error) { return conn, nil }}
	m := newTestManager(tr)
	defer m.CloseAll()

	if _, err := m.Connect(context.Background(), "h", testProfile()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := m.Execute(context.Background(), "h", Request{Command: "sleep"})
		errCh <- err
	}()
	<-started

	_, err := m.Execute(context.Background(), "h", Request{Command: "ls"})
	if !errors.Is(err, ErrSessionBusy) {
		t.Fatalf("expected ErrSessionBusy, got %v", err)
	}

	close(release)
	if err := <-errCh; err != nil {
		t.Fatalf("first execute: %v", err)
	}
}

func TestNoCrossHandleContention(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	slow := &fakeConn{run: func(ctx context.Context, spec RunSpec) (RunOutput, error) {
		close(started)
		<-release
		return RunOutput{ExitStatus: intp(0)}, nil
	}}
	fast := &fakeConn{}
	conns := []Conn{slow, fast}
	tr := &fakeTransport{}
	tr.dial = func(profile.Profile) (Conn, error) {
		c := conns[0]
		conns = conns[1:]
		return c, nil
	}
	m := newTestManager(tr)
	defer m.CloseAll()

	if _, err := m.Connect(context.Background(), "slow", testProfile()); err != nil {
		t.Fatalf("Connect slow: %v", err)
	}
	if _, err := m.Connect(context.Background(), "fast", testProfile()); err != nil {
		t.Fatalf("Connect fast: %v", err)
	}

	go m.Execute(context.Background(), "slow", Request{Command: "sleep"})
	<-started

	// A busy session must not delay another handle.
	done := make(chan struct{})
	go func() {
		if _, err := m.Execute(context.Background(), "fast", Request{Command: "ls"}); err != nil {
			t.Errorf("fast execute: %v", err)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("execute on an idle handle blocked behind a busy one")
	}
	close(release)
}

func TestExecuteSudoFeedsSecretOnStdin(t *testing.T) {
	conn := &fakeConn{}
	tr := &fakeTransport{dial: func(profile.Profile) (Conn, error) { return conn, nil }}
	m := newTestManager(tr)
	defer m.CloseAll()

	if _, err := m.Connect(context.Background(), "h", testProfile()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	res, err := m.Execute(context.Background(), "h", Request{Command: "sudo systemctl restart nginx"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Rewritten {
		t.Error("expected rewritten result")
	}

	specs := conn.specs()
	if len(specs) != 1 {
		t.Fatalf("expected 1 run, got %d", len(specs))
	}
	if !strings.Contains(specs[0].Command, "sudo -S -p ''") {
		t.Errorf("command not rewritten: %q", specs[0].Command)
	}
	if strings.Contains(specs[0].Command, "root-pw") {
		t.Errorf("secret leaked into command line: %q", specs[0].Command)
	}
	if specs[0].Stdin != "root-pw\n" {
		t.Errorf("secret not fed on stdin: %q", specs[0].Stdin)
	}
	if strings.Contains(res.Command, "root-pw") || strings.Contains(res.Stdout, "root-pw") {
		t.Errorf("secret leaked into result: %+v", res)
	}
}

func TestExecuteWorkingDirectory(t *testing.T) {
	conn := &fakeConn{}
	tr := &fakeTransport{dial: func(profile.Profile) (Conn, error) { return conn, nil }}
	m := newTestManager(tr)
	defer m.CloseAll()

	if _, err := m.Connect(context.Background(), "h", testProfile()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if _, err := m.Execute(context.Background(), "h", Request{Command: "ls", WorkingDirectory: "/srv/app"}); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	specs := conn.specs()
	if specs[0].Command != "cd '/srv/app' && (ls)" {
		t.Errorf("unexpected folded command: %q", specs[0].Command)
	}
}

func TestExecuteTransportFault(t *testing.T) {
	conn := &fakeConn{run: func(ctx context.Context, spec RunSpec) (RunOutput, error) {
		return RunOutput{}, errors.New("broken pipe")
	}}
	tr := &fakeTransport{dial: func(profile.Profile) (Conn, error) { return conn, nil }}
	m := newTestManager(tr)
	defer m.CloseAll()

	if _, err := m.Connect(context.Background(), "h", testProfile()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	_, err := m.Execute(context.Background(), "h", Request{Command: "ls"})
	var transErr *TransportError
	if !errors.As(err, &transErr) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	// The session survives a single transport fault.
	if len(m.List()) != 1 {
		t.Error("session should remain registered after a transport fault")
	}
}

// --- stall and recovery ---

// blockUntilCancelled simulates a hung remote process: it returns partial
// output only once the run context is cancelled by the interrupt.
func blockUntilCancelled(ctx context.Context, spec RunSpec) (RunOutput, error) {
	<-ctx.Done()
	return RunOutput{Stdout: "partial output"}, ctx.Err()
}

func TestStallRecoversInPlace(t *testing.T) {
	conn := &fakeConn{run: blockUntilCancelled}
	tr := &fakeTransport{dial: func(profile.Profile) (Conn, error) { return conn, nil }}
	m := newTestManager(tr)
	defer m.CloseAll()

	if _, err := m.Connect(context.Background(), "h", testProfile()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	res, err := m.Execute(context.Background(), "h", Request{Command: "cat", Timeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Recovered {
		t.Error("expected recovered result")
	}
	if res.ExitStatus != nil {
		t.Errorf("recovered result must carry no exit status, got %v", *res.ExitStatus)
	}
	if res.Stdout != "partial output" {
		t.Errorf("pre-stall output lost: %q", res.Stdout)
	}
	if !strings.Contains(res.Stderr, "interrupted") {
		t.Errorf("stderr should note the interruption: %q", res.Stderr)
	}

	if m.List()[0].State != "healthy" {
		t.Errorf("session should be healthy after in-place recovery, got %s", m.List()[0].State)
	}
	if tr.dialCount() != 1 {
		t.Errorf("in-place recovery must not redial, dials=%d", tr.dialCount())
	}
}

func TestStallForcesReconnect(t *testing.T) {
	dead := &fakeConn{run: blockUntilCancelled, probeErr: errors.New("no response")}
	fresh := &fakeConn{}
	conns := []Conn{dead, fresh}
	tr := &fakeTransport{}
	tr.dial = func(profile.Profile) (Conn, error) {
		c := conns[0]
		conns = conns[1:]
		return c, nil
	}
	m := newTestManager(tr)
	defer m.CloseAll()

	if _, err := m.Connect(context.Background(), "h", testProfile()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	res, err := m.Execute(context.Background(), "h", Request{Command: "cat", Timeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Recovered {
		t.Error("expected recovered result")
	}
	if tr.dialCount() != 2 {
		t.Errorf("expected forced reconnect, dials=%d", tr.dialCount())
	}

	dead.mu.Lock()
	closed := dead.closed
	dead.mu.Unlock()
	if !closed {
		t.Error("stalled connection should be closed after replacement")
	}

	// Subsequent commands run on the fresh connection.
	if _, err := m.Execute(context.Background(), "h", Request{Command: "ls"}); err != nil {
		t.Fatalf("Execute after reconnect: %v", err)
	}
	if len(fresh.specs()) != 1 {
		t.Error("follow-up command did not use the fresh connection")
	}
}

func TestStallUnrecoverableRemovesSession(t *testing.T) {
	dead := &fakeConn{run: blockUntilCancelled, probeErr: errors.New("no response")}
	first := true
	tr := &fakeTransport{}
	tr.dial = func(profile.Profile) (Conn, error) {
		if first {
			first = false
			return dead, nil
		}
		return nil, errors.New("host unreachable")
	}
	m := newTestManager(tr)
	defer m.CloseAll()

	if _, err := m.Connect(context.Background(), "h", testProfile()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	_, err := m.Execute(context.Background(), "h", Request{Command: "cat", Timeout: 50 * time.Millisecond})
	if !errors.Is(err, ErrSessionLost) {
		t.Fatalf("expected ErrSessionLost, got %v", err)
	}

	// The dead session must be gone from the registry.
	_, err = m.Execute(context.Background(), "h", Request{Command: "ls"})
	if !errors.Is(err, ErrHandleNotFound) {
		t.Fatalf("expected ErrHandleNotFound after removal, got %v", err)
	}
}

func TestRecoveryDisabledGoesDead(t *testing.T) {
	dead := &fakeConn{run: blockUntilCancelled, probeErr: errors.New("no response")}
	tr := &fakeTransport{dial: func(profile.Profile) (Conn, error) { return dead, nil }}
	m := newTestManager(tr)
	defer m.CloseAll()

	prof := testProfile()
	prof.Recovery = false
	if _, err := m.Connect(context.Background(), "h", prof); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	_, err := m.Execute(context.Background(), "h", Request{Command: "cat", Timeout: 50 * time.Millisecond})
	if !errors.Is(err, ErrSessionLost) {
		t.Fatalf("expected ErrSessionLost with recovery disabled, got %v", err)
	}
	if tr.dialCount() != 1 {
		t.Errorf("recovery disabled must not redial, dials=%d", tr.dialCount())
	}
}

// --- batch ---

func batchConn(exits map[string]int) *fakeConn {
	return &fakeConn{run: func(ctx context.Context, spec RunSpec) (RunOutput, error) {
		for cmd, code := range exits {
			if strings.Contains(spec.Command, cmd) {
				return RunOutput{Stdout: cmd, ExitStatus: intp(code)}, nil
			}
		}
		return RunOutput{ExitStatus: intp(0)}, nil
	}}
}

func TestExecuteBatch(t *testing.T) {
	conn := batchConn(nil)
	tr := &fakeTransport{dial: func(profile.Profile) (Conn, error) { return conn, nil }}
	m := newTestManager(tr)
	defer m.CloseAll()

	if _, err := m.Connect(context.Background(), "h", testProfile()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	out, err := m.ExecuteBatch(context.Background(), "h", BatchRequest{
		Commands: []string{"a", "b", "c"},
	})
	if err != nil {
		t.Fatalf("ExecuteBatch: %v", err)
	}
	if len(out.Results) != 3 || out.StoppedEarly {
		t.Errorf("unexpected batch outcome: %+v", out)
	}
}

func TestExecuteBatchStopOnError(t *testing.T) {
	conn := batchConn(map[string]int{"bad": 1})
	tr := &fakeTransport{dial: func(profile.Profile) (Conn, error) { return conn, nil }}
	m := newTestManager(tr)
	defer m.CloseAll()

	if _, err := m.Connect(context.Background(), "h", testProfile()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	out, err := m.ExecuteBatch(context.Background(), "h", BatchRequest{
		Commands:    []string{"good-1", "bad", "good-2", "good-3"},
		StopOnError: true,
	})
	if err != nil {
		t.Fatalf("ExecuteBatch: %v", err)
	}
	if len(out.Results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(out.Results))
	}
	if !out.StoppedEarly {
		t.Error("expected stopped_early")
	}
	if *out.Results[1].ExitStatus != 1 {
		t.Errorf("failing result should be included: %+v", out.Results[1])
	}
}

func TestExecuteBatchTracksWorkingDirectory(t *testing.T) {
	conn := &fakeConn{}
	tr := &fakeTransport{dial: func(profile.Profile) (Conn, error) { return conn, nil }}
	m := newTestManager(tr)
	defer m.CloseAll()

	if _, err := m.Connect(context.Background(), "h", testProfile()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	_, err := m.ExecuteBatch(context.Background(), "h", BatchRequest{
		Commands:         []string{"cd app", "ls", "cd /var/log", "ls"},
		WorkingDirectory: "/srv",
	})
	if err != nil {
		t.Fatalf("ExecuteBatch: %v", err)
	}

	specs := conn.specs()
	if len(specs) != 4 {
		t.Fatalf("expected 4 runs, got %d", len(specs))
	}
	if specs[1].Command != "cd '/srv/app' && (ls)" {
		t.Errorf("relative cd not tracked: %q", specs[1].Command)
	}
	if specs[3].Command != "cd '/var/log' && (ls)" {
		t.Errorf("absolute cd not tracked: %q", specs[3].Command)
	}
}

// --- manual recovery and events ---

func TestRecoverHealthyProbe(t *testing.T) {
	m := newTestManager(&fakeTransport{})
	defer m.CloseAll()

	if _, err := m.Connect(context.Background(), "h", testProfile()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	state, err := m.Recover("h")
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if state != "healthy" {
		t.Errorf("expected healthy, got %s", state)
	}
}

func TestRecoverUnknownHandle(t *testing.T) {
	m := newTestManager(&fakeTransport{})
	defer m.CloseAll()

	if _, err := m.Recover("ghost"); !errors.Is(err, ErrHandleNotFound) {
		t.Fatal("expected ErrHandleNotFound")
	}
}

func TestSessionEvents(t *testing.T) {
	conn := &fakeConn{run: blockUntilCancelled}
	tr := &fakeTransport{dial: func(profile.Profile) (Conn, error) { return conn, nil }}
	m := newTestManager(tr)
	defer m.CloseAll()

	if _, err := m.Connect(context.Background(), "h", testProfile()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if _, err := m.Execute(context.Background(), "h", Request{Command: "cat", Timeout: 50 * time.Millisecond}); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	events, transitions, err := m.Events("h")
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	var types []string
	for _, e := range events {
		types = append(types, string(e.Type))
	}
	joined := strings.Join(types, ",")
	for _, want := range []EventType{EventConnected, EventCommandStalled, EventInterruptSent, EventProbeSucceeded} {
		if !strings.Contains(joined, string(want)) {
			t.Errorf("missing event %s in %s", want, joined)
		}
	}
	if len(transitions) == 0 {
		t.Error("expected recorded state transitions")
	}
	sawStalled := false
	for _, st := range transitions {
		if st.To == "stalled" {
			sawStalled = true
		}
	}
	if !sawStalled {
		t.Error("expected a transition into stalled")
	}
}

// --- sudo probing ---

func TestTestSudoNopasswd(t *testing.T) {
	conn := &fakeConn{run: func(ctx context.Context, spec RunSpec) (RunOutput, error) {
		if strings.Contains(spec.Command, "sudo -n true") {
			return RunOutput{ExitStatus: intp(0)}, nil
		}
		return RunOutput{ExitStatus: intp(1)}, nil
	}}
	tr := &fakeTransport{dial: func(profile.Profile) (Conn, error) { return conn, nil }}
	m := newTestManager(tr)
	defer m.CloseAll()

	if _, err := m.Connect(context.Background(), "h", testProfile()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	report, err := m.TestSudo(context.Background(), "h")
	if err != nil {
		t.Fatalf("TestSudo: %v", err)
	}
	if !report.Works {
		t.Error("expected sudo to work")
	}
	if len(report.Checks) != 1 {
		t.Errorf("nopasswd success should short-circuit, got %d checks", len(report.Checks))
	}
}

func TestTestSudoWithPassword(t *testing.T) {
	conn := &fakeConn{run: func(ctx context.Context, spec RunSpec) (RunOutput, error) {
		if strings.Contains(spec.Command, "sudo -n true") {
			return RunOutput{Stderr: "sudo: a password is required", ExitStatus: intp(1)}, nil
		}
		if spec.Stdin == "root-pw\n" {
			return RunOutput{Stdout: "sudo-check-ok", ExitStatus: intp(0)}, nil
		}
		return RunOutput{ExitStatus: intp(1)}, nil
	}}
	tr := &fakeTransport{dial: func(profile.Profile) (Conn, error) { return conn, nil }}
	m := newTestManager(tr)
	defer m.CloseAll()

	if _, err := m.Connect(context.Background(), "h", testProfile()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	report, err := m.TestSudo(context.Background(), "h")
	if err != nil {
		t.Fatalf("TestSudo: %v", err)
	}
	if !report.Works {
		t.Errorf("expected sudo to work via stdin password: %+v", report)
	}
	if len(report.Checks) != 2 {
		t.Fatalf("expected 2 checks, got %d", len(report.Checks))
	}
	for _, c := range report.Checks {
		if strings.Contains(c.Command, "root-pw") || strings.Contains(c.Stderr, "root-pw") {
			t.Errorf("sudo report leaked the secret: %+v", c)
		}
	}
}

// --- keepalive ---

func TestKeepaliveReconnects(t *testing.T) {
	flaky := &fakeConn{keepErr: errors.New("connection reset")}
	fresh := &fakeConn{}
	conns := []Conn{flaky, fresh}
	tr := &fakeTransport{}
	tr.dial = func(profile.Profile) (Conn, error) {
		c := conns[0]
		if len(conns) > 1 {
			conns = conns[1:]
		}
		return c, nil
	}

	m := NewManager(tr, Options{
		ConnectTimeout:    time.Second,
		DefaultTimeout:    time.Second,
		KeepaliveInterval: 20 * time.Millisecond,
		ProbeTimeout:      time.Second,
	})
	defer m.CloseAll()

	if _, err := m.Connect(context.Background(), "h", testProfile()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	deadline := time.After(3 * time.Second)
	for tr.dialCount() < 2 {
		select {
		case <-deadline:
			t.Fatal("keepalive never triggered a reconnect")
		case <-time.After(10 * time.Millisecond):
		}
	}

	// The session must still be usable.
	waitHealthy := time.After(time.Second)
	for {
		if _, err := m.Execute(context.Background(), "h", Request{Command: "ls"}); err == nil {
			break
		}
		select {
		case <-waitHealthy:
			t.Fatal("session unusable after keepalive reconnect")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestKeepaliveDoesNotContendWithExecute(t *testing.T) {
	// Slow keepalive pings on a short interval: executes landing mid-ping
	// must never be refused as busy.
	conn := &fakeConn{keep: func() error {
		time.Sleep(30 * time.Millisecond)
		return nil
	}}
	tr := &fakeTransport{dial: func(profile.Profile) (Conn, error) { return conn, nil }}
	m := NewManager(tr, Options{
		ConnectTimeout:    time.Second,
		DefaultTimeout:    time.Second,
		KeepaliveInterval: 5 * time.Millisecond,
		ProbeTimeout:      time.Second,
	})
	defer m.CloseAll()

	if _, err := m.Connect(context.Background(), "h", testProfile()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		if _, err := m.Execute(context.Background(), "h", Request{Command: "ls"}); err != nil {
			t.Fatalf("execute refused during keepalive tick: %v", err)
		}
	}
}

func TestLogsSanitizeHandle(t *testing.T) {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	m := newTestManager(&fakeTransport{})
	defer m.CloseAll()

	handle := "web-1\nFAKE LOG LINE"
	if _, err := m.Connect(context.Background(), handle, testProfile()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	m.Disconnect(handle)

	out := buf.String()
	if strings.Contains(out, "\nFAKE LOG LINE") {
		t.Errorf("caller-controlled handle injected a log line:\n%s", out)
	}
	if !strings.Contains(out, "web-1 FAKE LOG LINE") {
		t.Errorf("sanitized handle missing from log output:\n%s", out)
	}
}

func TestChdirTarget(t *testing.T) {
	cases := []struct {
		cmd string
		dir string
		ok  bool
	}{
		{"cd /srv", "/srv", true},
		{"cd app", "app", true},
		{"cd 'My Dir'", "", false}, // quoted path splits into two fields
		{"cd", "~", true},
		{"cd /a && ls", "", false},
		{"ls", "", false},
		{"cdx /a", "", false},
	}
	for _, c := range cases {
		dir, ok := chdirTarget(c.cmd)
		if ok != c.ok || (ok && dir != c.dir) {
			t.Errorf("chdirTarget(%q) = %q,%v want %q,%v", c.cmd, dir, ok, c.dir, c.ok)
		}
	}
}

func TestResolveDir(t *testing.T) {
	cases := []struct{ cur, target, want string }{
		{"/srv", "app", "/srv/app"},
		{"/srv", "/var/log", "/var/log"},
		{"", "app", "app"},
		{"/srv/app", "..", "/srv"},
		{"/srv", "~", ""},
	}
	for _, c := range cases {
		if got := resolveDir(c.cur, c.target); got != c.want {
			t.Errorf("resolveDir(%q,%q) = %q want %q", c.cur, c.target, got, c.want)
		}
	}
}

func TestStateStrings(t *testing.T) {
	want := map[State]string{
		StateHealthy:    "healthy",
		StateBusy:       "busy",
		StateStalled:    "stalled",
		StateRecovering: "recovering",
		StateDead:       "dead",
	}
	for s, str := range want {
		if s.String() != str {
			t.Errorf("State(%d).String() = %q want %q", s, s.String(), str)
		}
	}
}

func TestShellQuote(t *testing.T) {
	cases := map[string]string{
		"/srv/app":  "'/srv/app'",
		"a b":       "'a b'",
		"it's":      `'it'\''s'`,
		"$(reboot)": "'$(reboot)'",
	}
	for in, want := range cases {
		if got := shellQuote(in); got != want {
			t.Errorf("shellQuote(%q) = %q want %q", in, got, want)
		}
	}
}
