package session

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rewired-gh/powermatcher/internal/logger"
	"github.com/rewired-gh/powermatcher/internal/models"
	"github.com/rewired-gh/powermatcher/internal/observer"
)

// Manager is the topology registry of a process. It owns the registered matchers and
// the potential sessions of registered agents, and connects them whenever both ends
// of a declared parent link are present. Every registry mutation happens under one
// lock so readers see a registration either fully applied or not at all.
type Manager struct {
	observer.Hub

	mu       sync.Mutex
	matchers map[string]MatcherEndpoint
	agents   map[string]*PotentialSession
	byParent map[string]map[string]*PotentialSession
}

// SessionInfo is a snapshot of one potential session.
type SessionInfo struct {
	SessionID       string `json:"session_id,omitempty"`
	AgentID         string `json:"agent_id"`
	DesiredParentID string `json:"desired_parent_id"`
	ClusterID       string `json:"cluster_id,omitempty"`
	State           string `json:"state"`
}

// NewManager creates an empty topology registry.
func NewManager() *Manager {
	return &Manager{
		matchers: make(map[string]MatcherEndpoint),
		agents:   make(map[string]*PotentialSession),
		byParent: make(map[string]map[string]*PotentialSession),
	}
}

// RegisterMatcher adds a matcher under its agent id and connects any agents waiting for it.
func (m *Manager) RegisterMatcher(matcher MatcherEndpoint) error {
	id := matcher.AgentID()

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.matchers[id]; ok {
		logger.Warn("Matcher %s is already registered, ignoring new registration", id)
		return fmt.Errorf("matcher %s: %w", id, models.ErrDuplicateRegistration)
	}
	m.matchers[id] = matcher
	for _, ps := range m.byParent[id] {
		ps.setMatcher(matcher)
	}
	logger.Info("Registered matcher %s", id)

	m.reconcileLocked()
	return nil
}

// DeregisterMatcher removes a matcher and disconnects every session bound to it.
// Agents waiting for it stay registered and reconnect if it comes back.
func (m *Manager) DeregisterMatcher(matcherID string) {
	m.mu.Lock()
	if _, ok := m.matchers[matcherID]; !ok {
		m.mu.Unlock()
		logger.Debug("Matcher %s is not registered", matcherID)
		return
	}
	delete(m.matchers, matcherID)

	var live []*session
	for _, ps := range m.byParent[matcherID] {
		if s := ps.detachMatcher(); s != nil {
			live = append(live, s)
		}
	}
	m.mu.Unlock()

	logger.Info("Deregistered matcher %s, disconnecting %d sessions", matcherID, len(live))
	for _, s := range live {
		s.Disconnect()
	}
}

// RegisterAgent records an agent's wish to connect to its desired parent and connects
// it when possible. Agent ids are unique across the registry.
func (m *Manager) RegisterAgent(agent AgentEndpoint) error {
	id, parent := agent.AgentID(), agent.DesiredParentID()

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.agents[id]; ok {
		logger.Warn("Agent %s is already registered under %s, ignoring new registration", id, existing.desiredParentID)
		return fmt.Errorf("agent %s: %w", id, models.ErrDuplicateRegistration)
	}
	if err := m.checkCycleLocked(id, parent); err != nil {
		logger.Error("Refusing to register agent %s: %v", id, err)
		return err
	}

	ps := newPotentialSession(agent)
	ps.matcher = m.matchers[parent]
	m.agents[id] = ps
	if m.byParent[parent] == nil {
		m.byParent[parent] = make(map[string]*PotentialSession)
	}
	m.byParent[parent][id] = ps
	logger.Info("Registered agent %s with desired parent %s", id, parent)

	m.reconcileLocked()
	return nil
}

// DeregisterAgent forgets an agent and disconnects its session if it has one.
func (m *Manager) DeregisterAgent(agentID, desiredParentID string) {
	m.mu.Lock()
	ps, ok := m.byParent[desiredParentID][agentID]
	if !ok {
		m.mu.Unlock()
		logger.Debug("Agent %s is not registered under %s", agentID, desiredParentID)
		return
	}
	delete(m.agents, agentID)
	delete(m.byParent[desiredParentID], agentID)
	if len(m.byParent[desiredParentID]) == 0 {
		delete(m.byParent, desiredParentID)
	}
	s := ps.liveSession()
	m.mu.Unlock()

	logger.Info("Deregistered agent %s", agentID)
	if s != nil {
		s.Disconnect()
	}
}

// Reconcile connects every potential session whose matcher can accept it and repeats
// until a pass changes nothing. It returns the number of sessions it connected.
func (m *Manager) Reconcile() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reconcileLocked()
}

func (m *Manager) reconcileLocked() int {
	ids := make([]string, 0, len(m.agents))
	for id := range m.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	connected := 0
	for {
		changed := false
		for _, id := range ids {
			s, err := m.agents[id].tryConnect(&m.Hub)
			if err != nil {
				logger.Warn("Could not connect %s: %v", id, err)
				continue
			}
			if s == nil {
				continue
			}
			changed = true
			connected++
			logger.Info("Session %s connected %s to %s in cluster %s", s.ID(), s.AgentID(), s.MatcherID(), s.ClusterID())
			m.Publish(observer.Event{
				Type:      observer.SessionConnected,
				ClusterID: s.ClusterID(),
				AgentID:   s.AgentID(),
				SessionID: s.ID(),
				Timestamp: time.Now(),
			})
		}
		if !changed {
			return connected
		}
	}
}

// checkCycleLocked walks the declared parent chain upward from parent. Reaching id
// again would make the topology a cycle instead of a forest.
func (m *Manager) checkCycleLocked(id, parent string) error {
	seen := map[string]bool{id: true}
	for cur := parent; cur != ""; {
		if seen[cur] {
			return fmt.Errorf("agent %s with parent %s closes a loop at %s: %w", id, parent, cur, models.ErrTopologyCycle)
		}
		seen[cur] = true
		ps, ok := m.agents[cur]
		if !ok {
			return nil
		}
		cur = ps.desiredParentID
	}
	return nil
}

// Sessions returns a snapshot of all potential sessions, ordered by agent id.
func (m *Manager) Sessions() []SessionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	infos := make([]SessionInfo, 0, len(m.agents))
	for id, ps := range m.agents {
		info := SessionInfo{AgentID: id, DesiredParentID: ps.desiredParentID, State: Potential.String()}
		if s := ps.liveSession(); s != nil && s.State() == Connected {
			info.SessionID = s.ID()
			info.ClusterID = s.ClusterID()
			info.State = Connected.String()
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].AgentID < infos[j].AgentID })
	return infos
}

// MatcherIDs returns the registered matcher ids in order.
func (m *Manager) MatcherIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.matchers))
	for id := range m.matchers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
