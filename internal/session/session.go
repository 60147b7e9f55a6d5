// Package session binds agents to matchers. An agent declares the identifier of the
// matcher it wants as parent; the Manager keeps a PotentialSession for every such
// declaration and turns it into a connected Session once both ends are registered.
// Sessions carry bids upward and prices downward between exactly one agent and one matcher.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rewired-gh/powermatcher/internal/logger"
	"github.com/rewired-gh/powermatcher/internal/models"
	"github.com/rewired-gh/powermatcher/internal/observer"
)

// State is the lifecycle state of a session.
type State int

const (
	// Potential means the agent is registered but not bound to its matcher.
	Potential State = iota
	// Connected means bids and prices flow.
	Connected
	// Disconnected is terminal. A new Session is created on reconnection.
	Disconnected
)

func (s State) String() string {
	switch s {
	case Potential:
		return "POTENTIAL"
	case Connected:
		return "CONNECTED"
	case Disconnected:
		return "DISCONNECTED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// AgentEndpoint is the agent side of a session. It produces bids and consumes prices.
type AgentEndpoint interface {
	AgentID() string
	DesiredParentID() string
	// ConnectToMatcher is called once the matcher accepted the session. The session's
	// market basis and cluster id are set by then.
	ConnectToMatcher(s Session) error
	MatcherEndpointDisconnected(s Session)
	HandlePriceUpdate(pu models.PriceUpdate)
}

// MatcherEndpoint is the matcher side of a session. It consumes bids and produces prices.
type MatcherEndpoint interface {
	AgentID() string
	// ConnectToAgent accepts a new child session and stamps it with the cluster's market
	// basis and id. It returns models.ErrMatcherNotReady while it cannot accept agents.
	ConnectToAgent(s Session) error
	AgentEndpointDisconnected(s Session)
	HandleBidUpdate(s Session, bid models.Bid) error
}

// Session is a live binding between one agent and one matcher.
type Session interface {
	ID() string
	AgentID() string
	MatcherID() string
	ClusterID() string
	MarketBasis() models.MarketBasis
	SetClusterID(id string)
	SetMarketBasis(mb models.MarketBasis)
	State() State
	// UpdateBid sends a bid from the agent to the matcher.
	UpdateBid(bid models.Bid) error
	// UpdatePrice sends a price update from the matcher to the agent.
	UpdatePrice(pu models.PriceUpdate) error
	// Disconnect ends the session and notifies both ends. Idempotent.
	Disconnect()
}

type session struct {
	id      string
	agent   AgentEndpoint
	matcher MatcherEndpoint
	owner   *PotentialSession
	hub     *observer.Hub

	mu          sync.RWMutex
	state       State
	clusterID   string
	marketBasis models.MarketBasis
}

func newSession(owner *PotentialSession, matcher MatcherEndpoint, hub *observer.Hub) *session {
	return &session{
		id:      uuid.NewString(),
		agent:   owner.agent,
		matcher: matcher,
		owner:   owner,
		hub:     hub,
		state:   Potential,
	}
}

func (s *session) ID() string        { return s.id }
func (s *session) AgentID() string   { return s.agent.AgentID() }
func (s *session) MatcherID() string { return s.matcher.AgentID() }

func (s *session) ClusterID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clusterID
}

func (s *session) MarketBasis() models.MarketBasis {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.marketBasis
}

func (s *session) SetClusterID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clusterID = id
}

func (s *session) SetMarketBasis(mb models.MarketBasis) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marketBasis = mb
}

func (s *session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *session) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

func (s *session) UpdateBid(bid models.Bid) error {
	if s.State() != Connected {
		s.dropped(fmt.Sprintf("bid #%d on %s session", bid.BidNumber, s.State()))
		return fmt.Errorf("bid from %s to %s: %w", s.AgentID(), s.MatcherID(), models.ErrSessionNotConnected)
	}

	err := s.matcher.HandleBidUpdate(s, bid)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, models.ErrStaleBid):
		logger.Debug("Ignoring stale bid #%d from %s", bid.BidNumber, s.AgentID())
		return nil
	case errors.Is(err, models.ErrSessionNotConnected):
		s.dropped(fmt.Sprintf("bid #%d after matcher released session", bid.BidNumber))
		return err
	default:
		logger.Warn("Matcher %s rejected bid #%d from %s: %v", s.MatcherID(), bid.BidNumber, s.AgentID(), err)
		return err
	}
}

func (s *session) UpdatePrice(pu models.PriceUpdate) error {
	if s.State() != Connected {
		s.dropped(fmt.Sprintf("price for bid #%d on %s session", pu.BidNumber, s.State()))
		return fmt.Errorf("price from %s to %s: %w", s.MatcherID(), s.AgentID(), models.ErrSessionNotConnected)
	}
	s.agent.HandlePriceUpdate(pu)
	return nil
}

func (s *session) Disconnect() {
	s.mu.Lock()
	if s.state != Connected {
		s.state = Disconnected
		s.mu.Unlock()
		return
	}
	s.state = Disconnected
	s.mu.Unlock()

	s.matcher.AgentEndpointDisconnected(s)
	s.agent.MatcherEndpointDisconnected(s)
	s.owner.sessionEnded(s)

	logger.Info("Session %s between %s and %s disconnected", s.id, s.AgentID(), s.MatcherID())
	s.publish(observer.SessionDisconnected, "")
}

func (s *session) dropped(reason string) {
	logger.Debug("Dropping message on session %s: %s", s.id, reason)
	s.publish(observer.MessageDropped, reason)
}

func (s *session) publish(t observer.EventType, reason string) {
	if s.hub == nil {
		return
	}
	s.hub.Publish(observer.Event{
		Type:      t,
		ClusterID: s.ClusterID(),
		AgentID:   s.AgentID(),
		SessionID: s.id,
		Timestamp: time.Now(),
		Reason:    reason,
	})
}
