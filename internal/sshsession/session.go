// Package sshsession holds the per-connection Session entity and the
// process-wide Registry that maps transports and session ids to Sessions
// (spec §3, §4.2).
package sshsession

import (
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// State is the lifecycle state of a Session's connection (spec §4.4 state
// machine), grounded on the teacher's ConnectionState in sshmanager/state.go.
type State string

const (
	StateNew            State = "new"
	StateDialing         State = "dialing"
	StateAuthenticating State = "authenticating"
	StateReady          State = "ready"
	StateShellOpen       State = "shell_open"
	StateTeardown        State = "teardown"
)

// Transition records a single state change for debugging, grounded on
// sshmanager/state.go's StateTransition.
type Transition struct {
	From      State
	To        State
	Timestamp time.Time
}

const maxStoredTransitions = 50

// Session is the per-SSH-connection entity described in spec §3. Its mutable
// fields are touched from exactly one logical task at a time: the
// orchestrator's connection goroutine, or the command queue's dispatcher —
// both of which serialize through the mutex below for the fields that are
// genuinely shared (lastActivity, runningBackground, dims, transport
// binding). sshClient is set once after a successful dial; shellChannel is
// replaced each time the Shell Streamer opens or restarts the shell.
type Session struct {
	ID string

	Host     string
	Port     int
	Username string

	mu             sync.Mutex
	transportID    string
	sshClient      *ssh.Client
	shellChannel   *ssh.Session
	shellStdin     io.Writer
	cols           uint16
	rows           uint16
	authenticated  bool
	runningBackground bool
	createdAt      time.Time
	lastActivity   time.Time
	lastCommandAt  time.Time
	state          State
	transitions    []Transition
	destroyed      bool

	// timers owns every scoped timer armed for this session so Destroy can
	// stop them all from one place (spec §3 invariants).
	timers []*time.Timer
	tickers []*time.Ticker

	cancelFuncs []func()
}

// New creates a fresh, unauthenticated Session in StateNew. New does not
// register it anywhere; the Orchestrator inserts it into the Registry
// before dialing.
func New(id, host string, port int, username string) *Session {
	now := time.Now()
	return &Session{
		ID:           id,
		Host:         host,
		Port:         port,
		Username:     username,
		cols:         80,
		rows:         24,
		createdAt:    now,
		lastActivity: now,
		state:        StateNew,
	}
}

// SetTransport rebinds the session to a new client-transport id, returning
// the previous one (empty if none).
func (s *Session) SetTransport(transportID string) (previous string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	previous = s.transportID
	s.transportID = transportID
	return previous
}

// TransportID returns the currently bound client-transport id, or "" if none.
func (s *Session) TransportID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transportID
}

// ClearTransport unbinds the session from its transport (e.g. on transport
// disconnect, the session survives per spec §4.3).
func (s *Session) ClearTransport() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transportID = ""
}

// SetSSHClient installs the session's SSH client handle. Called once, from
// the orchestrator, after a successful dial.
func (s *Session) SetSSHClient(c *ssh.Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sshClient = c
}

// SSHClient returns the session's SSH client handle, or nil before it is set.
func (s *Session) SSHClient() *ssh.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sshClient
}

// SetShellChannel installs the interactive PTY channel.
func (s *Session) SetShellChannel(ch *ssh.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shellChannel = ch
}

// ShellChannel returns the interactive PTY channel, or nil if absent.
func (s *Session) ShellChannel() *ssh.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shellChannel
}

// SetShellStdin installs the writer for the interactive PTY's stdin.
// ssh.Session has no Write method of its own; callers relaying terminal
// input get the pipe obtained from StdinPipe at shell-open time instead.
func (s *Session) SetShellStdin(w io.Writer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shellStdin = w
}

// ShellStdin returns the interactive PTY's stdin writer, or nil if no shell
// is open.
func (s *Session) ShellStdin() io.Writer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shellStdin
}

// Dimensions returns the current terminal size.
func (s *Session) Dimensions() (cols, rows uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cols, s.rows
}

// Resize updates the stored terminal dimensions. It does not itself signal
// the PTY; callers use the returned dimensions to issue WindowChange.
func (s *Session) Resize(cols, rows uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cols = cols
	s.rows = rows
}

// MarkAuthenticated flips the session to authenticated. Command execution,
// check-connection and memory-pressure eviction all gate on this flag.
func (s *Session) MarkAuthenticated() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authenticated = true
}

// Authenticated reports whether the SSH ready event has fired.
func (s *Session) Authenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticated
}

// Touch updates lastActivity to now. Called on every input, output, and
// successful command (spec §3).
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
}

// LastActivity returns the time of the last recorded activity.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// CreatedAt returns the session's creation time.
func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

// TouchCommand records the monotonic time a command was accepted, used as a
// throttling hint by callers (spec §3 lastCommandAt).
func (s *Session) TouchCommand() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastCommandAt = time.Now()
}

// LastCommandAt returns the last time a command was accepted for this session.
func (s *Session) LastCommandAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCommandAt
}

// SetRunningBackground toggles the flag used by the Shell Streamer to
// suppress PTY output while a background queue entry owns the terminal's
// attention (spec §4.5).
func (s *Session) SetRunningBackground(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runningBackground = v
}

// RunningBackground reports whether a background command is currently running.
func (s *Session) RunningBackground() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runningBackground
}

// SetState transitions the session to a new state, recording the transition
// (spec §4.4, grounded on sshmanager/state.go's ConnectionStateTracker).
// TEARDOWN is terminal: once reached, further transitions are no-ops.
func (s *Session) SetState(newState State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateTeardown {
		return
	}
	old := s.state
	s.state = newState
	s.transitions = append(s.transitions, Transition{From: old, To: newState, Timestamp: time.Now()})
	if len(s.transitions) > maxStoredTransitions {
		s.transitions = s.transitions[len(s.transitions)-maxStoredTransitions:]
	}
}

// CurrentState returns the session's current lifecycle state.
func (s *Session) CurrentState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RecentTransitions returns up to n most recent state transitions.
func (s *Session) RecentTransitions(n int) []Transition {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.transitions) <= n {
		out := make([]Transition, len(s.transitions))
		copy(out, s.transitions)
		return out
	}
	out := make([]Transition, n)
	copy(out, s.transitions[len(s.transitions)-n:])
	return out
}

// TrackTimer registers a timer to be stopped when the session is destroyed.
func (s *Session) TrackTimer(t *time.Timer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		t.Stop()
		return
	}
	s.timers = append(s.timers, t)
}

// TrackTicker registers a ticker to be stopped when the session is destroyed.
func (s *Session) TrackTicker(t *time.Ticker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		t.Stop()
		return
	}
	s.tickers = append(s.tickers, t)
}

// OnDestroy registers a cleanup function invoked exactly once when Destroy
// runs, in registration order. Used by callers that need to cancel a
// goroutine's context (e.g. the monitoring loop) without the Session needing
// to know about contexts directly.
func (s *Session) OnDestroy(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		fn()
		return
	}
	s.cancelFuncs = append(s.cancelFuncs, fn)
}

// Destroy idempotently tears the session down: stops all tracked timers and
// tickers, runs destroy callbacks, closes the shell channel before the SSH
// client (spec §3 invariant), and marks the session as torn down. Calling
// Destroy twice is a no-op on the second call.
func (s *Session) Destroy() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	s.state = StateTeardown
	timers := s.timers
	tickers := s.tickers
	cbs := s.cancelFuncs
	shell := s.shellChannel
	client := s.sshClient
	s.timers = nil
	s.tickers = nil
	s.cancelFuncs = nil
	s.shellChannel = nil
	s.sshClient = nil
	s.mu.Unlock()

	for _, t := range timers {
		t.Stop()
	}
	for _, t := range tickers {
		t.Stop()
	}
	for _, cb := range cbs {
		cb()
	}

	if shell != nil {
		shell.Close()
	}
	if client != nil {
		client.Close()
	}
}

// Destroyed reports whether Destroy has already run.
func (s *Session) Destroyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroyed
}
