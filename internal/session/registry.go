// Package session keeps per-session state: the listeners registered for a
// session and the cursor used to put its events back in emission order.
package session

import (
	"sort"
	"sync"
)

// Session is the state of a single test session.
type Session struct {
	id string

	mu        sync.RWMutex
	listeners []*Subscription

	seqMu  sync.Mutex
	cursor Cursor
}

func newSession(id string) *Session {
	return &Session{
		id:     id,
		cursor: newCursor(),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Subscribe registers a listener and returns the handle that removes it.
func (s *Session) Subscribe(l Listener) *Subscription {
	sub := &Subscription{session: s, listener: l}

	s.mu.Lock()
	s.listeners = append(s.listeners, sub)
	s.mu.Unlock()

	return sub
}

// Listeners returns a snapshot of the registered listeners.
func (s *Session) Listeners() []Listener {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Listener, len(s.listeners))
	for i, sub := range s.listeners {
		out[i] = sub.listener
	}
	return out
}

// Sequence runs fn with exclusive access to the session's cursor.
func (s *Session) Sequence(fn func(c *Cursor)) {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	fn(&s.cursor)
}

func (s *Session) remove(sub *Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, candidate := range s.listeners {
		if candidate == sub {
			s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
			return
		}
	}
}

// Subscription is a listener registration.
type Subscription struct {
	session  *Session
	listener Listener
	once     sync.Once
}

// Close removes the registration. Calling it more than once is a no-op.
func (sub *Subscription) Close() {
	sub.once.Do(func() {
		sub.session.remove(sub)
	})
}

// Registry holds every session seen by the process. Sessions are never
// removed; their number is bounded by the number of test runs.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	onCreate func(*Session)
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
	}
}

// SetOnCreate sets a hook that runs once for every new session, before the
// session is visible to other callers. The hook must not call back into the
// registry.
func (r *Registry) SetOnCreate(fn func(*Session)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onCreate = fn
}

// GetOrCreate returns the session for id, creating it on first reference.
func (r *Registry) GetOrCreate(id string) *Session {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if ok {
		return s
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[id]; ok {
		return s
	}

	s = newSession(id)
	if r.onCreate != nil {
		r.onCreate(s)
	}
	r.sessions[id] = s
	return s
}

// Get returns the session for id if it exists.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Subscribe registers l against the session id, creating the session if needed.
func (r *Registry) Subscribe(id string, l Listener) *Subscription {
	return r.GetOrCreate(id).Subscribe(l)
}

// Len returns the number of known sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// IDs returns the known session ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Strings(ids)
	return ids
}
