package server

import "sync"

// Registry maps an authenticated user id to its live connection. One
// entry per user: a new AUTH from the same identity replaces any prior
// entry (last-writer-wins); multi-device fan-out is not supported.
//
// The map is local to one server process. A multi-instance deployment
// loses cross-instance delivery and would need a shared registry; that
// is a documented limitation, not solved here.
type Registry struct {
	mu    sync.Mutex
	conns map[string]*session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*session)}
}

// Register binds userID to sess, returning the displaced session if a
// different connection held the entry.
func (r *Registry) Register(userID string, sess *session) *session {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.conns[userID]
	r.conns[userID] = sess

	if prev == sess {
		return nil
	}

	return prev
}

// Unregister removes userID's entry, but only while sess still owns it,
// so a stale connection's teardown cannot evict its replacement.
func (r *Registry) Unregister(userID string, sess *session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conns[userID] != sess {
		return false
	}

	delete(r.conns, userID)

	return true
}

// Get returns the live session for userID, if registered.
func (r *Registry) Get(userID string) (*session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.conns[userID]

	return sess, ok
}

// Count reports how many users are currently registered.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.conns)
}
