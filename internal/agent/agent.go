// Package agent implements the two roles of a cluster node. BaseAgent is the agent
// role: it numbers and sends bids to its matcher and receives prices. BaseMatcher is
// the matcher role: it aggregates the bids of its children. The Auctioneer is a root
// matcher that turns the aggregate into a price; the Concentrator plays both roles
// and forwards aggregates upward and prices downward.
package agent

import (
	"fmt"
	"sync"

	"github.com/rewired-gh/powermatcher/internal/logger"
	"github.com/rewired-gh/powermatcher/internal/models"
	"github.com/rewired-gh/powermatcher/internal/observer"
	"github.com/rewired-gh/powermatcher/internal/scheduler"
	"github.com/rewired-gh/powermatcher/internal/session"
)

// Status describes an agent's connection. MarketBasis and ClusterID are only set while connected.
type Status struct {
	Connected   bool               `json:"connected"`
	SessionID   string             `json:"session_id,omitempty"`
	ClusterID   string             `json:"cluster_id,omitempty"`
	MarketBasis models.MarketBasis `json:"market_basis"`
}

// BaseAgent implements session.AgentEndpoint. Device agents embed it and call
// PublishBid whenever their demand changes.
type BaseAgent struct {
	observer.Hub

	agentID         string
	desiredParentID string
	sched           scheduler.Scheduler

	// sendMu orders numbering and sending. It is never taken on the price path, so a
	// price delivered synchronously while a bid is in flight cannot deadlock.
	sendMu sync.Mutex

	mu                sync.RWMutex
	session           session.Session
	bidCounter        int64
	lastSentBidNumber int64
	lastBid           *models.Bid
	lastPrice         *models.PriceUpdate
}

// NewBaseAgent creates an agent that asks to be connected to desiredParentID.
func NewBaseAgent(agentID, desiredParentID string, sched scheduler.Scheduler) *BaseAgent {
	return &BaseAgent{agentID: agentID, desiredParentID: desiredParentID, sched: sched}
}

func (a *BaseAgent) AgentID() string         { return a.agentID }
func (a *BaseAgent) DesiredParentID() string { return a.desiredParentID }

// ConnectToMatcher accepts the session the manager created for this agent.
func (a *BaseAgent) ConnectToMatcher(s session.Session) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session != nil {
		return fmt.Errorf("agent %s is already connected through session %s", a.agentID, a.session.ID())
	}
	a.session = s
	logger.Debug("Agent %s connected to %s (%s)", a.agentID, s.MatcherID(), s.MarketBasis())
	return nil
}

// MatcherEndpointDisconnected forgets the session and the last price received on it.
func (a *BaseAgent) MatcherEndpointDisconnected(s session.Session) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session != nil && a.session.ID() == s.ID() {
		a.session = nil
		a.lastPrice = nil
		logger.Debug("Agent %s lost matcher %s", a.agentID, s.MatcherID())
	}
}

// HandlePriceUpdate records a price from the matcher.
func (a *BaseAgent) HandlePriceUpdate(pu models.PriceUpdate) {
	a.acceptPrice(pu)
}

// acceptPrice records pu unless it claims to answer a bid this agent never sent.
func (a *BaseAgent) acceptPrice(pu models.PriceUpdate) bool {
	a.mu.Lock()
	if pu.BidNumber > a.lastSentBidNumber {
		a.mu.Unlock()
		logger.Warn("Agent %s dropped price for bid #%d, last bid sent was #%d", a.agentID, pu.BidNumber, a.lastSentBidNumber)
		a.publish(observer.MessageDropped, nil, nil, fmt.Sprintf("price references unsent bid #%d", pu.BidNumber))
		return false
	}
	a.lastPrice = &pu
	a.mu.Unlock()

	a.publish(observer.IncomingPrice, nil, &pu, "")
	return true
}

// PublishBid stamps bid with the agent's next bid number and sends it to the matcher.
func (a *BaseAgent) PublishBid(bid models.Bid) error {
	a.sendMu.Lock()
	defer a.sendMu.Unlock()

	a.mu.Lock()
	if a.bidCounter < a.lastSentBidNumber {
		a.bidCounter = a.lastSentBidNumber
	}
	a.bidCounter++
	n := a.bidCounter
	a.mu.Unlock()

	return a.sendLocked(bid.WithBidNumber(n))
}

// sendBid sends a bid that already carries its number. Numbers must increase.
func (a *BaseAgent) sendBid(bid models.Bid) error {
	a.sendMu.Lock()
	defer a.sendMu.Unlock()
	return a.sendLocked(bid)
}

func (a *BaseAgent) sendLocked(bid models.Bid) error {
	a.mu.Lock()
	s := a.session
	if s == nil {
		a.mu.Unlock()
		a.publish(observer.MessageDropped, &bid, nil, "bid while not connected")
		return fmt.Errorf("agent %s bid #%d: %w", a.agentID, bid.BidNumber, models.ErrSessionNotConnected)
	}
	if bid.BidNumber <= a.lastSentBidNumber {
		a.mu.Unlock()
		return fmt.Errorf("agent %s bid #%d after #%d: %w", a.agentID, bid.BidNumber, a.lastSentBidNumber, models.ErrStaleBid)
	}
	if mb := s.MarketBasis(); !bid.MarketBasis.Equal(mb) {
		a.mu.Unlock()
		return fmt.Errorf("agent %s bid on %s, cluster uses %s: %w", a.agentID, bid.MarketBasis, mb, models.ErrMarketBasisMismatch)
	}
	if err := bid.Validate(); err != nil {
		a.mu.Unlock()
		return fmt.Errorf("agent %s bid #%d: %w", a.agentID, bid.BidNumber, err)
	}
	a.lastSentBidNumber = bid.BidNumber
	a.lastBid = &bid
	a.mu.Unlock()

	a.publish(observer.OutgoingBid, &bid, nil, "")
	return s.UpdateBid(bid)
}

// Status reports the current connection.
func (a *BaseAgent) Status() Status {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.session == nil {
		return Status{}
	}
	return Status{
		Connected:   true,
		SessionID:   a.session.ID(),
		ClusterID:   a.session.ClusterID(),
		MarketBasis: a.session.MarketBasis(),
	}
}

// LastPriceUpdate returns the last accepted price, if any.
func (a *BaseAgent) LastPriceUpdate() (models.PriceUpdate, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.lastPrice == nil {
		return models.PriceUpdate{}, false
	}
	return *a.lastPrice, true
}

// LastBid returns the last bid sent, if any.
func (a *BaseAgent) LastBid() (models.Bid, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.lastBid == nil {
		return models.Bid{}, false
	}
	return *a.lastBid, true
}

func (a *BaseAgent) publish(t observer.EventType, bid *models.Bid, pu *models.PriceUpdate, reason string) {
	if !a.HasObservers() {
		return
	}
	st := a.Status()
	a.Publish(observer.Event{
		Type:        t,
		ClusterID:   st.ClusterID,
		AgentID:     a.agentID,
		SessionID:   st.SessionID,
		Timestamp:   a.sched.Now(),
		Bid:         bid,
		PriceUpdate: pu,
		Reason:      reason,
	})
}
