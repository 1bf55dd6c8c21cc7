// ABOUTME: Liveness monitor deriving per-agent online/offline status from
// ABOUTME: heartbeats via a periodic sweep against the liveness window.

package agent

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Status is the derived liveness state of an agent.
type Status string

const (
	StatusOnline      Status = "online"
	StatusOffline     Status = "offline"
	StatusError       Status = "error"
	StatusMaintenance Status = "maintenance"
)

// OfflineFunc is invoked, outside the monitor lock, when an agent transitions
// to offline. Used to fail in-flight commands and pause installation jobs.
type OfflineFunc func(agentID string)

type agentState struct {
	status        Status
	lastHeartbeat time.Time
}

// Monitor tracks last-heartbeat times and flips agents between online and
// offline. A single periodic sweep compares now against every tracked agent
// rather than running one timer per agent, to stay cheap under large fleets.
type Monitor struct {
	window   time.Duration
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu        sync.Mutex
	agents    map[string]*agentState
	onOffline []OfflineFunc
}

// NewMonitor creates a Monitor with the given liveness window and sweep
// interval. Run must be called for offline detection to happen.
func NewMonitor(window, interval time.Duration, logger *slog.Logger) *Monitor {
	return &Monitor{
		window:   window,
		interval: interval,
		logger:   logger,
		now:      time.Now,
		agents:   make(map[string]*agentState),
	}
}

// OnOffline registers a callback for offline transitions. Not safe to call
// after Run has started.
func (m *Monitor) OnOffline(fn OfflineFunc) {
	m.onOffline = append(m.onOffline, fn)
}

// MarkOnline records a successful registration or reconnection.
func (m *Monitor) MarkOnline(agentID string) {
	m.transition(agentID, StatusOnline)
}

// MarkOffline records a disconnect. Offline callbacks fire if the agent was
// not already offline.
func (m *Monitor) MarkOffline(agentID string) {
	m.transition(agentID, StatusOffline)
}

// MarkError records a protocol-level failure for the agent.
func (m *Monitor) MarkError(agentID string) {
	m.transition(agentID, StatusError)
}

// SetMaintenance places the agent in (or lifts it out of) maintenance.
// While in maintenance, heartbeats are recorded but do not flip the status.
func (m *Monitor) SetMaintenance(agentID string, enabled bool) {
	if enabled {
		m.transition(agentID, StatusMaintenance)
		return
	}
	m.transition(agentID, StatusOffline)
}

// Heartbeat records a heartbeat observation. An offline agent flips back to
// online; a maintenance agent stays in maintenance.
func (m *Monitor) Heartbeat(agentID string) {
	m.mu.Lock()
	st, ok := m.agents[agentID]
	if !ok {
		st = &agentState{status: StatusOffline}
		m.agents[agentID] = st
	}
	st.lastHeartbeat = m.now()
	flipped := false
	if st.status != StatusMaintenance && st.status != StatusOnline {
		st.status = StatusOnline
		flipped = true
	}
	m.mu.Unlock()

	if flipped {
		m.logger.Info("agent back online", "agent_id", agentID)
	}
}

// Status returns the agent's current liveness status. Agents never seen are
// offline.
func (m *Monitor) Status(agentID string) Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	if st, ok := m.agents[agentID]; ok {
		return st.status
	}
	return StatusOffline
}

// LastHeartbeat returns the most recent heartbeat time for the agent.
func (m *Monitor) LastHeartbeat(agentID string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.agents[agentID]
	if !ok || st.lastHeartbeat.IsZero() {
		return time.Time{}, false
	}
	return st.lastHeartbeat, true
}

// Run sweeps on the configured interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Info("liveness monitor started",
		"window", m.window,
		"sweep_interval", m.interval,
	)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Sweep flips every online agent whose last heartbeat is older than the
// liveness window to offline. Candidates are snapshotted under the lock and
// callbacks run outside it, so a fleet-wide sweep never blocks registration
// or dispatch, and an agent reconnecting mid-sweep is tolerated.
func (m *Monitor) Sweep() {
	cutoff := m.now().Add(-m.window)

	m.mu.Lock()
	var expired []string
	for id, st := range m.agents {
		if st.status == StatusOnline && st.lastHeartbeat.Before(cutoff) {
			st.status = StatusOffline
			expired = append(expired, id)
		}
	}
	m.mu.Unlock()

	for _, id := range expired {
		m.logger.Warn("agent missed liveness window", "agent_id", id, "window", m.window)
		for _, fn := range m.onOffline {
			fn(id)
		}
	}
}

// transition applies the new status and fires offline callbacks when the
// agent moves into offline from some other state.
func (m *Monitor) transition(agentID string, to Status) {
	m.mu.Lock()
	st, ok := m.agents[agentID]
	if !ok {
		st = &agentState{}
		m.agents[agentID] = st
	}
	from := st.status
	st.status = to
	if to == StatusOnline {
		st.lastHeartbeat = m.now()
	}
	m.mu.Unlock()

	if from == to {
		return
	}
	m.logger.Info("agent status changed", "agent_id", agentID, "from", string(from), "to", string(to))
	if to == StatusOffline {
		for _, fn := range m.onOffline {
			fn(agentID)
		}
	}
}
