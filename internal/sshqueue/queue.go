// Package sshqueue implements the process-wide Command Queue (spec §4.1): it
// bounds the number of concurrently open SSH exec channels and serializes
// dispatch with a configurable inter-command delay, to avoid tripping a
// remote sshd's CHANNEL_OPEN_FAILURE under load. Grounded on the single-mutex
// dispatch pattern in the teacher's sshmanager/manager.go and the
// sliding-window bookkeeping style of sshmanager/ratelimit.go.
package sshqueue

import (
	"fmt"
	"log"
	"regexp"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/gluk-w/sshgate/internal/logutil"
	"github.com/gluk-w/sshgate/internal/sshsession"
)

// DefaultMaxConcurrent is the default cap on concurrently running exec
// channels across the whole process (spec §4.1).
const DefaultMaxConcurrent = 3

// DefaultCommandDelay is the default pause between one command's completion
// and the next same-slot command's start.
const DefaultCommandDelay = 300 * time.Millisecond

// DefaultMaxPendingPerSession bounds the queue per session (SPEC_FULL §Open
// Question decisions: "Unbounded queue").
const DefaultMaxPendingPerSession = 50

// Result is delivered to an entry's Callback exactly once, whether the
// command ran to completion, failed to open a channel, or errored mid-flight
// (spec §4.1 step 2 and 4, §7 propagation policy).
type Result struct {
	Error       error
	Output      string
	ErrorOutput string
	Background  bool
}

// PartialStreamer receives intermediate output chunks for entries that asked
// to stream partial output (spec §4.1 step 3, §6 command-output-stream).
type PartialStreamer interface {
	StreamPartial(executionID, chunk string)
}

// Entry is one command-queue entry (spec §3 "Command-queue entry").
type Entry struct {
	Session       *sshsession.Session
	Command       string
	Background    bool
	StreamPartial bool
	ExecutionID   string
	Callback      func(Result)
	Streamer      PartialStreamer // nil if StreamPartial is false

	// Quiet marks an entry as gateway-internal plumbing (system-info probes,
	// the monitoring loop) rather than something the user asked the terminal
	// to run: it still executes as an exec channel background command, but it
	// does not toggle Session.RunningBackground, so it never suppresses live
	// PTY output the way a user-requested background command does (spec
	// §4.5's suppression rule is for output "that does not flow through the
	// shell channel" at the user's own request, not for the gateway's own
	// recurring diagnostics).
	Quiet bool
}

// Queue is the single process-wide FIFO command queue described in spec
// §4.1. All synchronization is through one mutex guarding the pending slice
// and the running counter; dispatch and completion are the only critical
// sections, and neither ever blocks on SSH I/O while holding it (spec §5).
type Queue struct {
	mu      sync.Mutex
	pending []*Entry
	running int

	// outstanding counts entries per session that are pending or running,
	// i.e. not yet completed. It is what the per-session bound is checked
	// against, not len(pending) alone, so a session can't grow an unbounded
	// backlog just because its earlier commands are already executing.
	outstanding map[string]int

	maxConcurrent int
	commandDelay  time.Duration
	maxPerSession int

	// testExec overrides the real SSH exec path in tests so the queue cap,
	// FIFO, and session-isolation properties (spec §8) can be verified
	// without a live SSH server.
	testExec func(*Entry) Result
}

// New creates a Queue with the given concurrency cap, inter-command delay,
// and per-session bound on outstanding (pending plus running) entries. A
// maxPerSession of 0 or less disables the per-session bound.
func New(maxConcurrent int, commandDelay time.Duration, maxPerSession int) *Queue {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	return &Queue{
		outstanding:   make(map[string]int),
		maxConcurrent: maxConcurrent,
		commandDelay:  commandDelay,
		maxPerSession: maxPerSession,
	}
}

// State is an atomic snapshot of the queue depth, used by the health
// endpoint (spec §4.1 contract).
type State struct {
	Pending int
	Running int
}

// State returns the current pending/running counts.
func (q *Queue) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return State{Pending: len(q.pending), Running: q.running}
}

// Enqueue appends entry to the FIFO and triggers dispatch. It never blocks
// the caller on SSH I/O. If the session's outstanding (pending plus running)
// count is already at the per-session bound,
// Enqueue returns an error synchronously instead of growing the queue
// (SPEC_FULL §Open Question decisions).
func (q *Queue) Enqueue(entry *Entry) error {
	q.mu.Lock()
	if q.maxPerSession > 0 && q.outstanding[entry.Session.ID] >= q.maxPerSession {
		count := q.outstanding[entry.Session.ID]
		q.mu.Unlock()
		return fmt.Errorf("queue: session %s has %d outstanding commands (max %d)",
			logutil.SanitizeForLog(entry.Session.ID), count, q.maxPerSession)
	}
	q.outstanding[entry.Session.ID]++
	q.pending = append(q.pending, entry)
	q.mu.Unlock()

	q.dispatch()
	return nil
}

// ClearSession removes every pending entry belonging to sessionID, leaving
// all other entries untouched and in their original relative order.
// Currently-running entries are not cancelled (spec §4.1).
func (q *Queue) ClearSession(sessionID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.pending[:0:0]
	for _, e := range q.pending {
		if e.Session.ID != sessionID {
			kept = append(kept, e)
		} else {
			q.outstanding[sessionID]--
		}
	}
	if q.outstanding[sessionID] <= 0 {
		delete(q.outstanding, sessionID)
	}
	q.pending = kept
}

// dispatch pops entries off the head of the queue while there is spare
// concurrency, starting each on its own goroutine. It re-enters itself on
// every enqueue and every completion (spec §4.1 "Algorithm").
func (q *Queue) dispatch() {
	for {
		q.mu.Lock()
		if q.running >= q.maxConcurrent || len(q.pending) == 0 {
			q.mu.Unlock()
			return
		}
		entry := q.pending[0]
		q.pending = q.pending[1:]
		q.running++
		q.mu.Unlock()

		go q.run(entry)
	}
}

// finish decrements the running counter after the configured inter-command
// delay and re-triggers dispatch (spec §4.1 steps 2/4/5). The entry has
// already completed by the time finish runs, so its session's outstanding
// count drops here too.
func (q *Queue) finish(sessionID string) {
	if q.commandDelay > 0 {
		time.Sleep(q.commandDelay)
	}
	q.mu.Lock()
	q.running--
	q.outstanding[sessionID]--
	if q.outstanding[sessionID] <= 0 {
		delete(q.outstanding, sessionID)
	}
	q.mu.Unlock()
	q.dispatch()
}

// killPattern matches "kill -N PID" and "sudo kill -N PID", used by the
// Command Executor (spec §4.6) through IsKillCommand. It is compiled once at
// package init rather than per call.
var killPattern = regexp.MustCompile(`^(sudo\s+)?kill\s+-\d+\s+\d+$`)

// IsKillCommand reports whether cmd matches the kill-process pattern used to
// trigger the Command Executor's kill workflow (spec §4.6).
func IsKillCommand(cmd string) bool {
	return killPattern.MatchString(cmd)
}

// run opens an exec channel for entry.Command and drives it to completion,
// invoking entry.Callback exactly once (spec §4.1, §7).
func (q *Queue) run(entry *Entry) {
	if !entry.Quiet {
		entry.Session.SetRunningBackground(entry.Background)
	}
	defer func() {
		if !entry.Quiet {
			entry.Session.SetRunningBackground(false)
		}
		q.finish(entry.Session.ID)
	}()

	if q.testExec != nil {
		entry.Callback(q.testExec(entry))
		return
	}

	client := entry.Session.SSHClient()
	if client == nil {
		entry.Callback(Result{Error: fmt.Errorf("queue: session %s has no SSH client", entry.Session.ID), Background: entry.Background})
		return
	}

	sess, err := client.NewSession()
	if err != nil {
		log.Printf("[queue] exec channel open failed for session %s: %v", logutil.SanitizeForLog(entry.Session.ID), err)
		entry.Callback(Result{Error: fmt.Errorf("open exec channel: %w", err), Background: entry.Background})
		return
	}
	defer sess.Close()

	stdout, err := sess.StdoutPipe()
	if err != nil {
		entry.Callback(Result{Error: fmt.Errorf("stdout pipe: %w", err), Background: entry.Background})
		return
	}
	stderr, err := sess.StderrPipe()
	if err != nil {
		entry.Callback(Result{Error: fmt.Errorf("stderr pipe: %w", err), Background: entry.Background})
		return
	}

	if err := sess.Start(entry.Command); err != nil {
		entry.Callback(Result{Error: fmt.Errorf("start command: %w", err), Background: entry.Background})
		return
	}

	var outBuf, errBuf []byte
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		buf := make([]byte, 4096)
		for {
			n, rerr := stdout.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				outBuf = append(outBuf, chunk...)
				if entry.StreamPartial && !entry.Background && entry.Streamer != nil {
					entry.Streamer.StreamPartial(entry.ExecutionID, string(chunk))
				}
			}
			if rerr != nil {
				return
			}
		}
	}()

	go func() {
		defer wg.Done()
		buf := make([]byte, 4096)
		for {
			n, rerr := stderr.Read(buf)
			if n > 0 {
				errBuf = append(errBuf, buf[:n]...)
			}
			if rerr != nil {
				return
			}
		}
	}()

	wg.Wait()
	waitErr := sess.Wait()

	entry.Session.Touch()

	result := Result{Output: string(outBuf), ErrorOutput: string(errBuf), Background: entry.Background}
	if waitErr != nil {
		if exitErr, ok := waitErr.(*ssh.ExitError); ok {
			result.Error = fmt.Errorf("exited with code %d", exitErr.ExitStatus())
		} else {
			result.Error = waitErr
		}
	}
	entry.Callback(result)
}
