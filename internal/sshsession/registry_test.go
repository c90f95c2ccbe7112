package sshsession

import "testing"

func TestRegistryInsertAndGet(t *testing.T) {
	r := NewRegistry()
	s := New("sess-1", "h", 22, "u")
	r.Insert(s)

	if got := r.Get("sess-1"); got != s {
		t.Error("Get did not return inserted session")
	}
	if got := r.Get("missing"); got != nil {
		t.Error("Get on unknown id should return nil")
	}
}

func TestRegistryBindAndLookup(t *testing.T) {
	r := NewRegistry()
	s := New("sess-1", "h", 22, "u")
	r.Insert(s)
	r.Bind("t-1", "sess-1")

	if got := r.Lookup("t-1"); got != s {
		t.Error("Lookup did not resolve transport to session")
	}
	if s.TransportID() != "t-1" {
		t.Error("Bind did not update the session's own transport pointer")
	}
}

func TestRegistryReconnectRebindsTransport(t *testing.T) {
	r := NewRegistry()
	s := New("sess-1", "h", 22, "u")
	r.Insert(s)
	r.Bind("t-1", "sess-1")
	r.Bind("t-2", "sess-1") // reconnect from a new transport

	if got := r.Lookup("t-1"); got != nil {
		t.Error("old transport mapping should be gone after rebinding to a new transport")
	}
	if got := r.Lookup("t-2"); got != s {
		t.Error("new transport should resolve to the same session")
	}
}

func TestRegistryUnbindLeavesSessionIntact(t *testing.T) {
	r := NewRegistry()
	s := New("sess-1", "h", 22, "u")
	r.Insert(s)
	r.Bind("t-1", "sess-1")
	r.Unbind("t-1")

	if got := r.Lookup("t-1"); got != nil {
		t.Error("expected no lookup after unbind")
	}
	if got := r.Get("sess-1"); got != s {
		t.Error("session should still exist in registry after transport unbind")
	}
}

func TestRegistryRemoveClearsReverseEntries(t *testing.T) {
	r := NewRegistry()
	s := New("sess-1", "h", 22, "u")
	r.Insert(s)
	r.Bind("t-1", "sess-1")
	r.Remove("sess-1")

	if got := r.Get("sess-1"); got != nil {
		t.Error("expected session removed")
	}
	if got := r.Lookup("t-1"); got != nil {
		t.Error("expected reverse transport mapping cleared on Remove")
	}
}

func TestRegistryListSnapshot(t *testing.T) {
	r := NewRegistry()
	r.Insert(New("a", "h", 22, "u"))
	r.Insert(New("b", "h", 22, "u"))

	list := r.List()
	if len(list) != 2 {
		t.Errorf("expected 2 sessions, got %d", len(list))
	}
	if r.Count() != 2 {
		t.Errorf("expected count 2, got %d", r.Count())
	}
}
