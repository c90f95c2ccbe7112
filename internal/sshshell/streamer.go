// Package sshshell implements the Shell Streamer (spec §4.5): it opens the
// interactive PTY for a ready Session, coalesces its output for delivery to
// the client transport, and drives the post-open background diagnostics
// (system info, periodic monitoring). Grounded on the teacher's
// sshterminal/terminal.go for the PTY-open shape and sshterminal/scrollback.go
// + sshterminal/recording.go for the buffering helpers in this package.
package sshshell

import (
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/gluk-w/sshgate/internal/logutil"
	"github.com/gluk-w/sshgate/internal/sshqueue"
	"github.com/gluk-w/sshgate/internal/sshsession"
	"github.com/gluk-w/sshgate/internal/transport"
)

// Config bundles the Shell Streamer's timing knobs (spec §4.5).
type Config struct {
	OpenTimeout         time.Duration // default 5s
	OutputCoalesceDelay time.Duration // default 50ms
	MonitoringDelay     time.Duration // default 2s, delay before the loop starts
	MonitoringInterval  time.Duration // default 1s
	RecordingEnabled    bool
}

// DefaultConfig returns the spec §4.5 default timing values.
func DefaultConfig() Config {
	return Config{
		OpenTimeout:         5 * time.Second,
		OutputCoalesceDelay: 50 * time.Millisecond,
		MonitoringDelay:     2 * time.Second,
		MonitoringInterval:  1 * time.Second,
	}
}

// attachment is the live transport-facing state for one session's shell:
// which transport currently receives its output, the replay buffer, and the
// optional recording. Reattach swaps the transport pointer without
// disturbing the buffer or the read goroutines (spec §4.3).
type attachment struct {
	mu         sync.Mutex
	transport  transport.Transport
	scrollback *scrollbackBuffer
	recording  *recording
}

func (a *attachment) currentTransport() transport.Transport {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.transport
}

// Streamer implements sshconn.ShellOpener. It is constructed once per
// process and handles every session's shell.
type Streamer struct {
	Queue    *sshqueue.Queue
	Registry *sshsession.Registry
	Cfg      Config

	mu          sync.Mutex
	attachments map[string]*attachment

	// generation counts how many times Open has been called for a given
	// session id. awaitClose captures the generation current at its own
	// Open call and compares it once the shell channel's Wait returns: a
	// mismatch means a newer shell has since been opened for the same
	// session (a restart-shell), so this awaitClose's channel close was
	// intentional and must not tear the session down.
	generation map[string]int64
}

// New creates a Streamer backed by queue for its background diagnostic
// commands (spec §9 Open Question decision: the monitoring loop is routed
// through the Command Queue rather than opening exec channels directly).
// registry is used only to drop the session's entry once its shell closes,
// mirroring how the Orchestrator removes a session on auth failure.
func New(queue *sshqueue.Queue, registry *sshsession.Registry, cfg Config) *Streamer {
	return &Streamer{
		Queue:       queue,
		Registry:    registry,
		Cfg:         cfg,
		attachments: make(map[string]*attachment),
		generation:  make(map[string]int64),
	}
}

// Open opens the interactive PTY for session and starts streaming its
// output to t (spec §4.5). It is the Connection Orchestrator's ShellOpener
// handoff point and runs synchronously with respect to the caller: it
// returns once the PTY is open or the open has failed/timed out.
func (s *Streamer) Open(session *sshsession.Session, t transport.Transport) {
	client := session.SSHClient()
	if client == nil {
		emit(t, transport.EventError, transport.ErrorPayload{Message: "no SSH client for session"})
		return
	}

	att := &attachment{transport: t, scrollback: newScrollbackBuffer(0)}
	if s.Cfg.RecordingEnabled {
		att.recording = newRecording(0)
	}
	s.mu.Lock()
	s.attachments[session.ID] = att
	s.generation[session.ID]++
	gen := s.generation[session.ID]
	s.mu.Unlock()
	session.OnDestroy(func() {
		s.mu.Lock()
		delete(s.attachments, session.ID)
		delete(s.generation, session.ID)
		s.mu.Unlock()
	})

	type openResult struct {
		sess *ssh.Session
		err  error
	}
	resultCh := make(chan openResult, 1)
	go func() {
		cols, rows := session.Dimensions()
		sess, err := openPTY(client, cols, rows)
		resultCh <- openResult{sess, err}
	}()

	var sess *ssh.Session
	select {
	case r := <-resultCh:
		if r.err != nil {
			emit(t, transport.EventError, transport.ErrorPayload{Message: fmt.Sprintf("open shell: %v", r.err)})
			return
		}
		sess = r.sess
	case <-time.After(s.Cfg.OpenTimeout):
		emit(t, transport.EventError, transport.ErrorPayload{Message: "open shell: timed out"})
		return
	}

	session.SetShellChannel(sess)
	session.SetState(sshsession.StateShellOpen)

	stdin, err := sess.StdinPipe()
	if err != nil {
		emit(t, transport.EventError, transport.ErrorPayload{Message: fmt.Sprintf("stdin pipe: %v", err)})
		return
	}
	session.SetShellStdin(stdin)

	stdout, err := sess.StdoutPipe()
	if err != nil {
		emit(t, transport.EventError, transport.ErrorPayload{Message: fmt.Sprintf("stdout pipe: %v", err)})
		return
	}
	stderr, err := sess.StderrPipe()
	if err != nil {
		emit(t, transport.EventError, transport.ErrorPayload{Message: fmt.Sprintf("stderr pipe: %v", err)})
		return
	}
	if err := sess.Shell(); err != nil {
		sess.Close()
		emit(t, transport.EventError, transport.ErrorPayload{Message: fmt.Sprintf("start shell: %v", err)})
		return
	}

	var streams sync.WaitGroup
	streams.Add(2)
	go func() { defer streams.Done(); s.streamStdout(session, att, stdout) }()
	go func() { defer streams.Done(); s.streamStderr(session, att, stderr) }()
	go s.awaitClose(session, att, sess, gen, &streams)

	s.enqueueSystemInfo(session, att)
	time.AfterFunc(s.Cfg.MonitoringDelay, func() {
		s.startMonitoring(session, att)
	})
}

// openPTY creates a session channel and requests a PTY on it, mirroring
// sshterminal.CreateInteractiveSession but with the session's live
// dimensions and xterm-256color, per spec §4.5. It does not start the
// shell: Open does that once the stdin/stdout/stderr pipes are attached,
// since ssh.Session refuses new pipes after the shell has started.
func openPTY(client *ssh.Client, cols, rows uint16) (*ssh.Session, error) {
	sess, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("create ssh session: %w", err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := sess.RequestPty("xterm-256color", int(rows), int(cols), modes); err != nil {
		sess.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}
	return sess, nil
}

// Resize applies new dimensions to the session's live PTY, if one is open
// (spec §8 scenario 6).
func Resize(session *sshsession.Session, cols, rows uint16) {
	session.Resize(cols, rows)
	if ch := session.ShellChannel(); ch != nil {
		ch.WindowChange(int(rows), int(cols))
	}
}

// Restart closes session's current shell channel and opens a fresh one in
// its place, without tearing the session itself down (spec §6 restart-shell).
// The generation counter is bumped before the old channel is closed, so the
// old channel's awaitClose goroutine — unblocked by that very close — sees a
// newer generation already current and knows the close was this restart, not
// a terminal exit, and skips session teardown.
func (s *Streamer) Restart(session *sshsession.Session, t transport.Transport) {
	s.mu.Lock()
	s.generation[session.ID]++
	s.mu.Unlock()

	if ch := session.ShellChannel(); ch != nil {
		ch.Close()
	}
	s.Open(session, t)
}

// RecordInput appends data to session's recording as an input entry, if
// recording is enabled for it (SPEC_FULL §Supplemented features "Command
// recording"). It is a no-op for sessions with no attachment or no recording.
func (s *Streamer) RecordInput(session *sshsession.Session, data []byte) {
	s.mu.Lock()
	att, ok := s.attachments[session.ID]
	s.mu.Unlock()
	if !ok || att.recording == nil {
		return
	}
	att.recording.recordInput(data)
}

// Reattach swaps the transport currently receiving session's output,
// first replaying the scrollback: every chunk flushed since the session's
// previous Reattach (or since Open), up to the scrollback limit, including
// output the previous transport already received. Live streaming to t
// resumes after the replay (spec §4.3, SPEC_FULL §Supplemented features
// "Scrollback buffer").
func (s *Streamer) Reattach(session *sshsession.Session, t transport.Transport) {
	s.mu.Lock()
	att, ok := s.attachments[session.ID]
	s.mu.Unlock()
	if !ok {
		return
	}

	backlog := att.scrollback.Drain()
	if len(backlog) > 0 {
		emit(t, transport.EventData, string(backlog))
	}

	att.mu.Lock()
	att.transport = t
	att.mu.Unlock()
}

// streamStdout reads the shell's stdout, coalescing bytes for
// OutputCoalesceDelay before flushing them as one data event, and
// discarding everything while a background command owns the terminal's
// attention (spec §4.5 "Output path").
func (s *Streamer) streamStdout(session *sshsession.Session, att *attachment, stdout interface {
	Read([]byte) (int, error)
}) {
	var buf []byte
	var mu sync.Mutex
	var timer *time.Timer

	flush := func() {
		mu.Lock()
		chunk := buf
		buf = nil
		mu.Unlock()
		if len(chunk) == 0 {
			return
		}
		att.scrollback.Write(chunk)
		if att.recording != nil {
			att.recording.recordOutput(chunk)
		}
		emit(att.currentTransport(), transport.EventData, string(chunk))
	}

	readBuf := make([]byte, 4096)
	for {
		n, err := stdout.Read(readBuf)
		if n > 0 {
			session.Touch()
			if !session.RunningBackground() {
				mu.Lock()
				buf = append(buf, readBuf[:n]...)
				if timer == nil {
					timer = time.AfterFunc(s.Cfg.OutputCoalesceDelay, func() {
						flush()
						mu.Lock()
						timer = nil
						mu.Unlock()
					})
				}
				mu.Unlock()
			}
		}
		if err != nil {
			flush()
			return
		}
	}
}

// streamStderr emits every stderr chunk immediately, unbatched (spec §4.5
// "Stderr path").
func (s *Streamer) streamStderr(session *sshsession.Session, att *attachment, stderr interface {
	Read([]byte) (int, error)
}) {
	buf := make([]byte, 4096)
	for {
		n, err := stderr.Read(buf)
		if n > 0 {
			emit(att.currentTransport(), transport.EventErrorData, string(buf[:n]))
		}
		if err != nil {
			return
		}
	}
}

// awaitClose waits for the shell channel to exit, then emits closed with
// the exit code/signal and tears the session down (spec §4.5 "Close"). gen
// is the generation Open captured when it started this particular shell;
// streams is the stdout/stderr goroutines' completion barrier.
func (s *Streamer) awaitClose(session *sshsession.Session, att *attachment, sess *ssh.Session, gen int64, streams *sync.WaitGroup) {
	waitErr := sess.Wait()

	// Let stdout/stderr finish draining and flushing before announcing
	// closed, so a client never sees closed ahead of the last data event
	// (spec §4.5 "Flush any remaining buffered output, then emit closed").
	streams.Wait()

	s.mu.Lock()
	current := s.generation[session.ID]
	s.mu.Unlock()
	if current != gen {
		// A restart-shell superseded this channel; the new shell's own
		// awaitClose owns the closed emit and teardown decision, not this one.
		return
	}

	message := "Shell exited"
	if waitErr != nil {
		if exitErr, ok := waitErr.(*ssh.ExitError); ok {
			if exitErr.Signal() != "" {
				message = fmt.Sprintf("Shell terminated by signal %s", exitErr.Signal())
			} else {
				message = fmt.Sprintf("Shell exited with code %d", exitErr.ExitStatus())
			}
		} else {
			message = fmt.Sprintf("Shell closed: %v", waitErr)
		}
	}

	emit(att.currentTransport(), transport.EventClosed, transport.ClosedPayload{Message: message})
	if s.Registry != nil {
		s.Registry.Remove(session.ID)
	}
	session.Destroy()
}

// enqueueSystemInfo submits uname -a and uptime as background queue entries
// and reports their results via a system-info event rather than the
// terminal (spec §4.5).
func (s *Streamer) enqueueSystemInfo(session *sshsession.Session, att *attachment) {
	for _, cmd := range []string{"uname -a", "uptime"} {
		command := cmd
		s.Queue.Enqueue(&sshqueue.Entry{
			Session:    session,
			Command:    command,
			Background: true,
			Quiet:      true,
			Callback: func(r sshqueue.Result) {
				if r.Error != nil {
					return
				}
				emit(att.currentTransport(), transport.EventSystemInfo, transport.SystemInfoPayload{
					Type: command,
					Data: strings.TrimSpace(r.Output),
				})
			},
		})
	}
}

// diagnosticCPU and diagnosticMemory are the two short diagnostic commands
// run by the monitoring loop (spec §4.5), chosen for portability across the
// minimal shells a gateway target is likely to expose.
const (
	diagnosticCPU    = `top -bn1 | awk '/Cpu\(s\)/{print $2}'`
	diagnosticMemory = `free -m | awk '/Mem:/{printf "%.1f", ($3/$2)*100}'`
)

// startMonitoring installs the 1s monitoring loop (spec §4.5, §9 Open
// Question decision: routed through the Command Queue as background
// entries rather than opening exec channels directly). It aborts the
// moment the session is destroyed.
func (s *Streamer) startMonitoring(session *sshsession.Session, att *attachment) {
	if session.Destroyed() {
		return
	}
	ticker := time.NewTicker(s.Cfg.MonitoringInterval)
	session.TrackTicker(ticker)

	go func() {
		for range ticker.C {
			if session.Destroyed() {
				return
			}
			s.runDiagnostic(session, att, diagnosticCPU, diagnosticMemory)
		}
	}()
}

// runDiagnostic runs the CPU probe then the memory probe sequentially
// through the Command Queue and emits their combined result as
// monitoring-data once both complete (spec §4.5: "run two short diagnostic
// commands sequentially... emit a monitoring-data event").
func (s *Streamer) runDiagnostic(session *sshsession.Session, att *attachment, cpuCmd, memCmd string) {
	cpuCh := make(chan sshqueue.Result, 1)
	if err := s.Queue.Enqueue(&sshqueue.Entry{
		Session: session, Command: cpuCmd, Background: true, Quiet: true,
		Callback: func(r sshqueue.Result) { cpuCh <- r },
	}); err != nil {
		log.Printf("[shell] session %s: monitoring cpu probe not enqueued: %v", logutil.SanitizeForLog(session.ID), err)
		return
	}
	cpuResult := <-cpuCh

	memCh := make(chan sshqueue.Result, 1)
	if err := s.Queue.Enqueue(&sshqueue.Entry{
		Session: session, Command: memCmd, Background: true, Quiet: true,
		Callback: func(r sshqueue.Result) { memCh <- r },
	}); err != nil {
		log.Printf("[shell] session %s: monitoring memory probe not enqueued: %v", logutil.SanitizeForLog(session.ID), err)
		return
	}
	memResult := <-memCh

	if cpuResult.Error != nil || memResult.Error != nil {
		return
	}

	cpuVal, err1 := strconv.ParseFloat(strings.TrimSpace(cpuResult.Output), 64)
	memVal, err2 := strconv.ParseFloat(strings.TrimSpace(memResult.Output), 64)
	if err1 != nil || err2 != nil {
		return
	}

	emit(att.currentTransport(), transport.EventMonitoringData, transport.MonitoringDataPayload{
		Type: "system-stats",
		Stats: transport.MonitoringStats{
			CPU:    transport.MonitoringStat{Value: cpuVal},
			Memory: transport.MonitoringStat{Value: memVal},
		},
	})
}

// emit wraps t.Emit so a nil transport (shouldn't happen in practice, but a
// detached session mid-teardown is possible) never panics a streaming
// goroutine (spec §7 "a failing emit never aborts the SSH side").
func emit(t transport.Transport, event string, payload any) {
	if t == nil {
		return
	}
	if err := t.Emit(event, payload); err != nil {
		log.Printf("[shell] emit %s failed: %v", event, err)
	}
}
