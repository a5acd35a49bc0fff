package state

import (
	"log/slog"
	"sort"
	"sync"
)

// SessionRegistry tracks live bridge sessions process-wide for the
// management API. It plays no part in event routing.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	logger   *slog.Logger
}

func NewSessionRegistry(logger *slog.Logger) *SessionRegistry {
	return &SessionRegistry{
		sessions: make(map[string]*Session),
		logger:   logger,
	}
}

func (r *SessionRegistry) Add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID()] = s
	r.logger.Debug("session registered", "session_id", s.ID(), "remote_addr", s.RemoteAddr())
}

func (r *SessionRegistry) Remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, s.ID())
	r.logger.Debug("session removed", "session_id", s.ID())
}

// All snapshots the live sessions ordered by session ID.
func (r *SessionRegistry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}
