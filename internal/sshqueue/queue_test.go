package sshqueue

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gluk-w/sshgate/internal/sshsession"
)

func noopSession(id string) *sshsession.Session {
	return sshsession.New(id, "h", 22, "u")
}

// TestQueueCapNeverExceedsMax verifies the queue-cap property of spec §8: for
// any sequence of enqueues, the count of concurrently running commands never
// exceeds max.
func TestQueueCapNeverExceedsMax(t *testing.T) {
	q := New(3, 0, 0)

	var current int32
	var maxSeen int32
	q.testExec = func(e *Entry) Result {
		n := atomic.AddInt32(&current, 1)
		for {
			old := atomic.LoadInt32(&maxSeen)
			if n <= old || atomic.CompareAndSwapInt32(&maxSeen, old, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&current, -1)
		return Result{}
	}

	var wg sync.WaitGroup
	var done sync.WaitGroup
	done.Add(10)
	wg.Add(10)
	for i := 0; i < 10; i++ {
		go func() {
			defer wg.Done()
			q.Enqueue(&Entry{
				Session:  noopSession("s"),
				Command:  "true",
				Callback: func(Result) { done.Done() },
			})
		}()
	}
	wg.Wait()
	done.Wait()

	if maxSeen > 3 {
		t.Errorf("expected at most 3 concurrent commands, observed %d", maxSeen)
	}
}

// TestQueueFIFOWithMaxOne verifies that with max=1, A's completion strictly
// precedes B's start (spec §8 FIFO property).
func TestQueueFIFOWithMaxOne(t *testing.T) {
	q := New(1, 0, 0)

	var order []string
	var mu sync.Mutex
	q.testExec = func(e *Entry) Result {
		mu.Lock()
		order = append(order, "start:"+e.Command)
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		order = append(order, "end:"+e.Command)
		mu.Unlock()
		return Result{}
	}

	var wg sync.WaitGroup
	wg.Add(2)
	q.Enqueue(&Entry{Session: noopSession("s"), Command: "A", Callback: func(Result) { wg.Done() }})
	q.Enqueue(&Entry{Session: noopSession("s"), Command: "B", Callback: func(Result) { wg.Done() }})
	wg.Wait()

	want := []string{"start:A", "end:A", "start:B", "end:B"}
	if len(order) != len(want) {
		t.Fatalf("unexpected order: %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("unexpected order: %v", order)
		}
	}
}

// TestClearSessionRemovesOnlyMatchingPending verifies the session-isolation
// property of spec §8.
func TestClearSessionRemovesOnlyMatchingPending(t *testing.T) {
	q := New(1, 0, 0)

	block := make(chan struct{})
	q.testExec = func(e *Entry) Result {
		<-block
		return Result{}
	}

	var ran []string
	var mu sync.Mutex
	cb := func(cmd string) func(Result) {
		return func(Result) {
			mu.Lock()
			ran = append(ran, cmd)
			mu.Unlock()
		}
	}

	// First entry occupies the single running slot.
	q.Enqueue(&Entry{Session: noopSession("s-block"), Command: "blocker", Callback: cb("blocker")})

	q.Enqueue(&Entry{Session: noopSession("s-a"), Command: "a1", Callback: cb("a1")})
	q.Enqueue(&Entry{Session: noopSession("s-b"), Command: "b1", Callback: cb("b1")})
	q.Enqueue(&Entry{Session: noopSession("s-a"), Command: "a2", Callback: cb("a2")})

	q.ClearSession("s-a")

	state := q.State()
	if state.Pending != 1 {
		t.Fatalf("expected 1 pending entry (b1) after clearing s-a, got %d", state.Pending)
	}

	close(block)

	// Allow the rest to drain.
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for _, c := range ran {
		if c == "a1" || c == "a2" {
			t.Errorf("expected s-a's entries to be removed, but %s ran", c)
		}
	}
	found := false
	for _, c := range ran {
		if c == "b1" {
			found = true
		}
	}
	if !found {
		t.Error("expected b1 (different session) to still run")
	}
}

func TestIsKillCommand(t *testing.T) {
	cases := map[string]bool{
		"kill -9 1234":      true,
		"sudo kill -9 1234": true,
		"kill -SIGKILL 1":   false,
		"kill 1234":         false,
		"rm -rf /":          false,
	}
	for cmd, want := range cases {
		if got := IsKillCommand(cmd); got != want {
			t.Errorf("IsKillCommand(%q) = %v, want %v", cmd, got, want)
		}
	}
}

// TestQuietEntryDoesNotToggleRunningBackground verifies the
// monitoring-suppression fix: a Quiet background entry must not set
// Session.RunningBackground while it runs, unlike an ordinary background
// entry, so it never suppresses live PTY output via the Shell Streamer's
// §4.5 suppression rule.
func TestQuietEntryDoesNotToggleRunningBackground(t *testing.T) {
	q := New(1, 0, 0)

	var sawDuringQuiet, sawDuringLoud bool
	q.testExec = func(e *Entry) Result {
		time.Sleep(10 * time.Millisecond)
		if e.Command == "quiet" {
			sawDuringQuiet = e.Session.RunningBackground()
		} else {
			sawDuringLoud = e.Session.RunningBackground()
		}
		return Result{}
	}

	quiet := noopSession("s-quiet")
	loud := noopSession("s-loud")

	var wg sync.WaitGroup
	wg.Add(2)
	q.Enqueue(&Entry{Session: quiet, Command: "quiet", Background: true, Quiet: true, Callback: func(Result) { wg.Done() }})
	q.Enqueue(&Entry{Session: loud, Command: "loud", Background: true, Callback: func(Result) { wg.Done() }})
	wg.Wait()

	if sawDuringQuiet {
		t.Error("a Quiet entry must not set RunningBackground while it runs")
	}
	if !sawDuringLoud {
		t.Error("an ordinary background entry must set RunningBackground while it runs")
	}
	if quiet.RunningBackground() || loud.RunningBackground() {
		t.Error("RunningBackground must be cleared once the entry completes")
	}
}

func TestEnqueueRejectsOverPerSessionBound(t *testing.T) {
	q := New(1, 0, 2)
	block := make(chan struct{})
	defer close(block)
	q.testExec = func(e *Entry) Result {
		<-block
		return Result{}
	}

	s := noopSession("s")
	if err := q.Enqueue(&Entry{Session: s, Command: "1", Callback: func(Result) {}}); err != nil {
		t.Fatalf("first enqueue should not be rejected: %v", err)
	}
	if err := q.Enqueue(&Entry{Session: s, Command: "2", Callback: func(Result) {}}); err != nil {
		t.Fatalf("second enqueue should not be rejected: %v", err)
	}
	if err := q.Enqueue(&Entry{Session: s, Command: "3", Callback: func(Result) {}}); err == nil {
		t.Fatal("third enqueue should be rejected once per-session bound of 2 is reached")
	}
}
