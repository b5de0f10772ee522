package session

import (
	"sync"

	enginerr "github.com/lucid-vigil/decoygate/pkg/errors"
	"github.com/rs/zerolog"
)

// Registry is the concurrency-safe table of in-flight sessions. The
// registry lock guards only the map; per-session state lives behind
// each session's own lock, so work on session A never blocks session B.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	capacity int
	logger   zerolog.Logger
}

// NewRegistry creates a registry holding at most capacity sessions.
func NewRegistry(capacity int, logger zerolog.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		capacity: capacity,
		logger:   logger.With().Str("component", "session_registry").Logger(),
	}
}

// Register inserts a new session. At capacity it rejects fail-fast with
// ErrRegistryFull rather than queueing, protecting the classification
// loop from unbounded memory growth.
func (r *Registry) Register(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.sessions) >= r.capacity {
		r.logger.Warn().Str("session_id", s.ID).Str("peer", s.PeerAddr).
			Int("capacity", r.capacity).Msg("Registry at capacity, rejecting connection")
		return enginerr.ErrRegistryFull
	}
	if _, exists := r.sessions[s.ID]; exists {
		return enginerr.Wrap(nil, "session_registry", "duplicate_session",
			"session id already registered", enginerr.SeverityHigh, true)
	}

	r.sessions[s.ID] = s
	return nil
}

// Get looks up a session by id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove evicts a session from the registry. The session record itself
// stays valid for any caller still holding it.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// Len reports the number of in-flight sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Capacity returns the configured session cap.
func (r *Registry) Capacity() int {
	return r.capacity
}

// ForEach calls fn for every in-flight session. The snapshot is taken
// under the read lock; fn runs outside it.
func (r *Registry) ForEach(fn func(*Session)) {
	r.mu.RLock()
	snapshot := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		snapshot = append(snapshot, s)
	}
	r.mu.RUnlock()

	for _, s := range snapshot {
		fn(s)
	}
}
