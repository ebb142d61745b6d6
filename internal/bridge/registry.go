package bridge

import (
	"errors"
	"sync"
)

// Sentinel errors for session lookup and registration.
var (
	ErrDuplicateSession = errors.New("bridge: session already registered for call")
	ErrSessionNotFound  = errors.New("bridge: session not found")
)

// Registry tracks the live sessions by call ID. It is safe for concurrent
// use.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Register adds a session. A second registration under the same call ID
// fails with ErrDuplicateSession while the first is still live.
func (r *Registry) Register(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.CallID]; ok {
		return ErrDuplicateSession
	}
	r.sessions[s.CallID] = s
	return nil
}

// Lookup returns the session for callID, or ErrSessionNotFound.
func (r *Registry) Lookup(callID string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[callID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Remove deletes the session for callID. Removing an unknown ID is a no-op.
func (r *Registry) Remove(callID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, callID)
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseAll force-closes every registered session with the given end reason.
// Used during server shutdown.
func (r *Registry) CloseAll(reason string) {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	for _, s := range sessions {
		s.closeNow(reason)
	}
}
