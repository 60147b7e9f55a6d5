package session

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rewired-gh/powermatcher/internal/models"
	"github.com/rewired-gh/powermatcher/internal/observer"
)

// PotentialSession records an agent's wish to be connected to a matcher. It outlives
// the Sessions created from it: when a Session ends the PotentialSession goes back to
// waiting and the next reconcile pass creates a fresh Session.
type PotentialSession struct {
	agent           AgentEndpoint
	desiredParentID string

	mu      sync.Mutex
	matcher MatcherEndpoint
	session *session
}

func newPotentialSession(agent AgentEndpoint) *PotentialSession {
	return &PotentialSession{agent: agent, desiredParentID: agent.DesiredParentID()}
}

// State is Connected while a live Session exists and Potential otherwise.
func (ps *PotentialSession) State() State {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.session != nil {
		return Connected
	}
	return Potential
}

func (ps *PotentialSession) setMatcher(m MatcherEndpoint) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.matcher = m
}

// detachMatcher forgets the matcher and returns the live session, if any, for the
// caller to disconnect.
func (ps *PotentialSession) detachMatcher() *session {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.matcher = nil
	return ps.session
}

func (ps *PotentialSession) liveSession() *session {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.session
}

// tryConnect binds agent and matcher when both are present and no session is live.
// It returns the new session, or nil when nothing was connected.
func (ps *PotentialSession) tryConnect(hub *observer.Hub) (*session, error) {
	ps.mu.Lock()
	if ps.session != nil || ps.matcher == nil {
		ps.mu.Unlock()
		return nil, nil
	}
	s := newSession(ps, ps.matcher, hub)
	ps.session = s
	ps.mu.Unlock()

	if err := s.matcher.ConnectToAgent(s); err != nil {
		ps.release(s)
		if errors.Is(err, models.ErrMatcherNotReady) {
			return nil, nil
		}
		return nil, fmt.Errorf("matcher %s refused agent %s: %w", s.MatcherID(), s.AgentID(), err)
	}

	s.setState(Connected)
	if err := s.agent.ConnectToMatcher(s); err != nil {
		s.setState(Disconnected)
		s.matcher.AgentEndpointDisconnected(s)
		ps.release(s)
		return nil, fmt.Errorf("agent %s refused matcher %s: %w", s.AgentID(), s.MatcherID(), err)
	}
	return s, nil
}

func (ps *PotentialSession) release(s *session) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.session == s {
		ps.session = nil
	}
}

func (ps *PotentialSession) sessionEnded(s *session) {
	ps.release(s)
}
