package agent

import (
	"errors"
	"time"

	"github.com/rewired-gh/powermatcher/internal/logger"
	"github.com/rewired-gh/powermatcher/internal/models"
	"github.com/rewired-gh/powermatcher/internal/observer"
	"github.com/rewired-gh/powermatcher/internal/scheduler"
	"github.com/rewired-gh/powermatcher/internal/session"
)

// ConcentratorConfig configures an intermediate node.
type ConcentratorConfig struct {
	AgentID         string
	DesiredParentID string
	BidTimeout      time.Duration
	// MinTimeBetweenBidUpdates rate limits the aggregates sent to the parent.
	MinTimeBetweenBidUpdates time.Duration
}

// Concentrator is both an agent of its parent and a matcher of its children. It
// forwards the aggregate of its children upward as its own bid and hands every
// price it receives down to each child, tagged with that child's last bid number.
// It accepts children only while it is connected upward.
type Concentrator struct {
	agent   *BaseAgent
	matcher *BaseMatcher
}

var (
	_ session.AgentEndpoint   = (*Concentrator)(nil)
	_ session.MatcherEndpoint = (*Concentrator)(nil)
)

// NewConcentrator creates a concentrator. Register it with the manager as both a
// matcher and an agent.
func NewConcentrator(cfg ConcentratorConfig, sched scheduler.Scheduler) (*Concentrator, error) {
	if cfg.AgentID == "" {
		return nil, errors.New("concentrator agent id must not be empty")
	}
	if cfg.DesiredParentID == "" {
		return nil, errors.New("concentrator desired parent id must not be empty")
	}
	c := &Concentrator{agent: NewBaseAgent(cfg.AgentID, cfg.DesiredParentID, sched)}
	c.matcher = newBaseMatcher(MatcherConfig{
		AgentID:               cfg.AgentID,
		BidTimeout:            cfg.BidTimeout,
		MinTimeBetweenUpdates: cfg.MinTimeBetweenBidUpdates,
	}, sched, c.forwardAggregate)
	return c, nil
}

func (c *Concentrator) AgentID() string         { return c.agent.AgentID() }
func (c *Concentrator) DesiredParentID() string { return c.agent.DesiredParentID() }

// ConnectToMatcher connects upward and adopts the parent's market for its children.
func (c *Concentrator) ConnectToMatcher(s session.Session) error {
	if err := c.agent.ConnectToMatcher(s); err != nil {
		return err
	}
	c.matcher.configure(s.MarketBasis(), s.ClusterID())
	return nil
}

// MatcherEndpointDisconnected disconnects every child, since there is no market left to match in.
func (c *Concentrator) MatcherEndpointDisconnected(s session.Session) {
	c.agent.MatcherEndpointDisconnected(s)
	children := c.matcher.reset()
	if len(children) > 0 {
		logger.Info("Concentrator %s lost its parent, disconnecting %d children", c.AgentID(), len(children))
	}
	for _, child := range children {
		child.Disconnect()
	}
}

// HandlePriceUpdate passes an accepted price on to the children.
func (c *Concentrator) HandlePriceUpdate(pu models.PriceUpdate) {
	if c.agent.acceptPrice(pu) {
		c.matcher.distributePrice(pu.Price)
	}
}

// ConnectToAgent accepts a child while the concentrator is connected upward.
func (c *Concentrator) ConnectToAgent(s session.Session) error {
	return c.matcher.ConnectToAgent(s)
}

func (c *Concentrator) AgentEndpointDisconnected(s session.Session) {
	c.matcher.AgentEndpointDisconnected(s)
}

func (c *Concentrator) HandleBidUpdate(s session.Session, bid models.Bid) error {
	return c.matcher.HandleBidUpdate(s, bid)
}

func (c *Concentrator) forwardAggregate(aggregate models.Bid) {
	if err := c.agent.sendBid(aggregate); err != nil {
		logger.Debug("Concentrator %s could not forward aggregate #%d: %v", c.AgentID(), aggregate.BidNumber, err)
	}
}

// AddObserver subscribes o to both roles.
func (c *Concentrator) AddObserver(o observer.Observer) {
	c.agent.AddObserver(o)
	c.matcher.AddObserver(o)
}

// RemoveObserver unsubscribes o from both roles.
func (c *Concentrator) RemoveObserver(o observer.Observer) {
	c.agent.RemoveObserver(o)
	c.matcher.RemoveObserver(o)
}

// Status reports the upward connection.
func (c *Concentrator) Status() Status { return c.agent.Status() }

// LastAggregate returns the last aggregate forwarded upward.
func (c *Concentrator) LastAggregate() (models.Bid, bool) { return c.matcher.LastAggregate() }

// LastPriceUpdate returns the last price received from the parent.
func (c *Concentrator) LastPriceUpdate() (models.PriceUpdate, bool) { return c.agent.LastPriceUpdate() }

// ChildCount returns the number of connected children.
func (c *Concentrator) ChildCount() int { return c.matcher.ChildCount() }

// Close cancels scheduled work.
func (c *Concentrator) Close() { c.matcher.Close() }
