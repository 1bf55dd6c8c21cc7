// ABOUTME: Connection registry tracking the single live session per agent.
// ABOUTME: All session mutations are serialized through one mutex.

package agent

import (
	"log/slog"
	"sync"
	"time"
)

// Registry owns the set of currently connected agent sessions. At most one
// session exists per agent ID at any instant: registering a second session for
// the same ID closes and replaces the first.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*registration
	logger   *slog.Logger
}

type registration struct {
	session     Session
	connectedAt time.Time
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*registration),
		logger:   logger,
	}
}

// Register stores the session as the live connection for its agent ID.
// If a session for the same ID already exists, the newer connection wins: the
// older session is closed and returned so the caller can fail anything still
// bound to it. Returns nil when no session was evicted.
func (r *Registry) Register(s Session) (evicted Session) {
	id := s.AgentID()

	r.mu.Lock()
	old, exists := r.sessions[id]
	r.sessions[id] = &registration{session: s, connectedAt: time.Now()}
	total := len(r.sessions)
	r.mu.Unlock()

	if exists {
		// Close outside the lock; a slow transport must not block the map.
		_ = old.session.Close()
		evicted = old.session
		r.logger.Warn("evicted duplicate agent session", "agent_id", id)
	}

	r.logger.Info("=== AGENT CONNECTED ===",
		"agent_id", id,
		"evicted_previous", exists,
		"total_agents", total,
	)
	return evicted
}

// Lookup returns the live session for the agent, if any.
func (r *Registry) Lookup(agentID string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.sessions[agentID]
	if !ok {
		return nil, false
	}
	return reg.session, true
}

// Remove deletes the agent's session only if the stored handle still matches s.
// A late removal from a just-evicted session must not delete the replacement
// that won the race, so callers always pass the handle they own.
func (r *Registry) Remove(agentID string, s Session) (removed bool) {
	r.mu.Lock()
	reg, ok := r.sessions[agentID]
	if ok && reg.session == s {
		delete(r.sessions, agentID)
		removed = true
	}
	total := len(r.sessions)
	r.mu.Unlock()

	if removed {
		r.logger.Info("=== AGENT DISCONNECTED ===",
			"agent_id", agentID,
			"total_agents", total,
		)
	}
	return removed
}

// List returns a snapshot of all registered sessions.
func (r *Registry) List() []SessionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]SessionInfo, 0, len(r.sessions))
	for id, reg := range r.sessions {
		infos = append(infos, SessionInfo{
			AgentID:     id,
			ConnectedAt: reg.connectedAt,
		})
	}
	return infos
}

// IsConnected reports whether the agent currently has a live session.
func (r *Registry) IsConnected(agentID string) bool {
	_, ok := r.Lookup(agentID)
	return ok
}
