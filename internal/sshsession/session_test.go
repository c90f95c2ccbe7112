package sshsession

import (
	"testing"
	"time"
)

func TestNewSessionDefaults(t *testing.T) {
	s := New("sess-1", "example.com", 22, "root")
	if s.ID != "sess-1" {
		t.Errorf("unexpected id: %s", s.ID)
	}
	cols, rows := s.Dimensions()
	if cols != 80 || rows != 24 {
		t.Errorf("expected default 80x24, got %dx%d", cols, rows)
	}
	if s.Authenticated() {
		t.Error("new session should not be authenticated")
	}
	if s.CurrentState() != StateNew {
		t.Errorf("expected StateNew, got %s", s.CurrentState())
	}
}

func TestResize(t *testing.T) {
	s := New("sess-1", "h", 22, "u")
	s.Resize(120, 40)
	cols, rows := s.Dimensions()
	if cols != 120 || rows != 40 {
		t.Errorf("resize did not take effect: %dx%d", cols, rows)
	}
}

func TestSetStateTerminalIsSticky(t *testing.T) {
	s := New("sess-1", "h", 22, "u")
	s.SetState(StateDialing)
	s.SetState(StateAuthenticating)
	s.SetState(StateReady)
	s.SetState(StateTeardown)
	s.SetState(StateShellOpen) // no-op after teardown

	if got := s.CurrentState(); got != StateTeardown {
		t.Errorf("expected state to stay TEARDOWN, got %s", got)
	}

	transitions := s.RecentTransitions(10)
	if len(transitions) != 4 {
		t.Errorf("expected 4 recorded transitions, got %d", len(transitions))
	}
	last := transitions[len(transitions)-1]
	if last.To != StateTeardown {
		t.Errorf("expected last transition to TEARDOWN, got %s", last.To)
	}
}

func TestDestroyIsIdempotent(t *testing.T) {
	s := New("sess-1", "h", 22, "u")

	fired := 0
	s.OnDestroy(func() { fired++ })

	timerFired := false
	timer := time.AfterFunc(10*time.Millisecond, func() { timerFired = true })
	s.TrackTimer(timer)

	s.Destroy()
	s.Destroy() // must not panic or double-fire callbacks

	if fired != 1 {
		t.Errorf("expected OnDestroy callback to fire exactly once, got %d", fired)
	}
	if !s.Destroyed() {
		t.Error("expected session to report destroyed")
	}

	time.Sleep(20 * time.Millisecond)
	if timerFired {
		t.Error("timer should have been stopped by Destroy before it could fire")
	}
}

func TestOnDestroyAfterDestroyFiresImmediately(t *testing.T) {
	s := New("sess-1", "h", 22, "u")
	s.Destroy()

	fired := false
	s.OnDestroy(func() { fired = true })
	if !fired {
		t.Error("OnDestroy registered after Destroy should fire immediately")
	}
}

func TestTouchUpdatesLastActivity(t *testing.T) {
	s := New("sess-1", "h", 22, "u")
	before := s.LastActivity()
	time.Sleep(2 * time.Millisecond)
	s.Touch()
	if !s.LastActivity().After(before) {
		t.Error("Touch did not advance lastActivity")
	}
}

func TestRunningBackgroundFlag(t *testing.T) {
	s := New("sess-1", "h", 22, "u")
	if s.RunningBackground() {
		t.Error("expected runningBackground to start false")
	}
	s.SetRunningBackground(true)
	if !s.RunningBackground() {
		t.Error("expected runningBackground true after SetRunningBackground(true)")
	}
}
