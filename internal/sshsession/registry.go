package sshsession

import "sync"

// Registry maps session ids to Sessions and client-transport ids to session
// ids, with a single read/write lock guarding both maps (spec §4.2, §5).
type Registry struct {
	mu          sync.RWMutex
	byID        map[string]*Session
	byTransport map[string]string
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:        make(map[string]*Session),
		byTransport: make(map[string]string),
	}
}

// Insert adds a session to the registry, keyed by its ID. It does not check
// authentication: the Orchestrator inserts each Session before dialing, so
// the Registry also holds sessions that are still authenticating, and
// callers that need a ready session check Session.Authenticated.
func (r *Registry) Insert(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[s.ID] = s
}

// Get returns the session with the given id, or nil.
func (r *Registry) Get(sessionID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[sessionID]
}

// Bind associates a client-transport id with a session id, rebinding the
// session's own transport pointer as well (spec §4.3 reconnection).
func (r *Registry) Bind(transportID, sessionID string) {
	r.mu.Lock()
	s, ok := r.byID[sessionID]
	if ok {
		// A session has at most one bound transport at a time (spec §3); drop
		// any other transport id that was previously pointing at this session,
		// e.g. the stale transport left behind by a reconnect.
		for tid, sid := range r.byTransport {
			if sid == sessionID && tid != transportID {
				delete(r.byTransport, tid)
			}
		}
		r.byTransport[transportID] = sessionID
	}
	r.mu.Unlock()

	if ok {
		s.SetTransport(transportID)
	}
}

// Unbind removes the transport→session mapping for transportID. The Session
// itself is not touched here; callers that also want to clear the Session's
// own transport pointer should call Session.ClearTransport.
func (r *Registry) Unbind(transportID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byTransport, transportID)
}

// Lookup resolves a client-transport id to its bound Session, or nil.
func (r *Registry) Lookup(transportID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.byTransport[transportID]
	if !ok {
		return nil
	}
	return r.byID[sid]
}

// Remove deletes the session and unbinds every transport that pointed to it
// (spec §4.2: Remove "also unbinds all reverse entries for that session").
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, sessionID)
	for tid, sid := range r.byTransport {
		if sid == sessionID {
			delete(r.byTransport, tid)
		}
	}
}

// List returns a snapshot slice of all registered sessions, for the Janitor
// to iterate outside the registry lock (spec §5).
func (r *Registry) List() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.byID))
	for _, s := range r.byID {
		out = append(out, s)
	}
	return out
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
