package avatarsession

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Registry is the in-process index of running sessions, keyed by provider
// session id. It is owned by a Manager instance rather than being a package
// global, so independent managers (tests, per-shard deployments) never share
// state.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*ActiveSession
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*ActiveSession)}
}

// Register publishes a session. A second registration for the same provider
// session id fails with ErrDuplicateSession.
func (r *Registry) Register(s *ActiveSession) error {
	if s == nil || s.ProviderSessionID == "" {
		return ErrInvalidParams
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[s.ProviderSessionID]; exists {
		return ErrDuplicateSession
	}
	r.sessions[s.ProviderSessionID] = s
	return nil
}

// Get returns the session for a provider session id.
func (r *Registry) Get(providerSessionID string) (*ActiveSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, exists := r.sessions[providerSessionID]
	if !exists {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Deregister removes a session and disarms its timer, so a pending fire
// cannot outlive the registration.
func (r *Registry) Deregister(providerSessionID string) (*ActiveSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, exists := r.sessions[providerSessionID]
	if !exists {
		return nil, ErrSessionNotFound
	}
	delete(r.sessions, providerSessionID)
	s.stopTimer()
	return s, nil
}

// ListByUser returns all running sessions for a user.
func (r *Registry) ListByUser(userID uuid.UUID) []*ActiveSession {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*ActiveSession
	for _, s := range r.sessions {
		if s.UserID == userID {
			out = append(out, s)
		}
	}
	return out
}

// ListStartedBefore returns sessions that began before the cutoff. The
// cleanup pass uses it to catch sessions whose timer never fired.
func (r *Registry) ListStartedBefore(cutoff time.Time) []*ActiveSession {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*ActiveSession
	for _, s := range r.sessions {
		if s.StartedAt.Before(cutoff) {
			out = append(out, s)
		}
	}
	return out
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Clear removes every session, disarming all timers, and returns the removed
// sessions. Used on shutdown; the durable records stay active for the next
// start's reconciliation.
func (r *Registry) Clear() []*ActiveSession {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*ActiveSession, 0, len(r.sessions))
	for id, s := range r.sessions {
		s.stopTimer()
		out = append(out, s)
		delete(r.sessions, id)
	}
	return out
}
