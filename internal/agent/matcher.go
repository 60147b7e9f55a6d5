package agent

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rewired-gh/powermatcher/internal/logger"
	"github.com/rewired-gh/powermatcher/internal/models"
	"github.com/rewired-gh/powermatcher/internal/observer"
	"github.com/rewired-gh/powermatcher/internal/scheduler"
	"github.com/rewired-gh/powermatcher/internal/session"
)

var errNoMarket = errors.New("no market basis")

// MatcherConfig holds the timing parameters of the matcher role.
type MatcherConfig struct {
	AgentID string
	// BidTimeout after which a child's bid counts as zero demand. Zero disables expiry.
	BidTimeout time.Duration
	// MinTimeBetweenUpdates rate limits outward publication. Zero publishes on every change.
	MinTimeBetweenUpdates time.Duration
}

type child struct {
	session       session.Session
	bid           *models.Bid
	lastBidNumber int64
	expiry        scheduler.Task
}

// BaseMatcher aggregates the bids of its children and hands every new aggregate to a
// publish function. Children without a bid, or whose bid timed out, contribute zero.
type BaseMatcher struct {
	observer.Hub

	cfg     MatcherConfig
	sched   scheduler.Scheduler
	publish func(aggregate models.Bid)

	mu            sync.Mutex
	marketBasis   models.MarketBasis
	clusterID     string
	children      map[string]*child
	lastAggregate *models.Bid

	// aggMu serializes aggregation and publication so aggregates leave in number order.
	aggMu           sync.Mutex
	aggregateNumber int64

	rateMu        sync.Mutex
	lastPublished time.Time
	pending       scheduler.Task
}

func newBaseMatcher(cfg MatcherConfig, sched scheduler.Scheduler, publish func(models.Bid)) *BaseMatcher {
	return &BaseMatcher{
		cfg:      cfg,
		sched:    sched,
		publish:  publish,
		children: make(map[string]*child),
	}
}

func (m *BaseMatcher) AgentID() string { return m.cfg.AgentID }

// configure sets the market the matcher aggregates in. Until then it refuses children.
func (m *BaseMatcher) configure(mb models.MarketBasis, clusterID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marketBasis = mb
	m.clusterID = clusterID
}

// reset forgets the market and all children and returns the sessions that were live.
func (m *BaseMatcher) reset() []session.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	sessions := make([]session.Session, 0, len(m.children))
	for id, c := range m.children {
		if c.expiry != nil {
			c.expiry.Cancel()
		}
		sessions = append(sessions, c.session)
		delete(m.children, id)
	}
	m.marketBasis = models.MarketBasis{}
	m.clusterID = ""
	return sessions
}

// ConnectToAgent accepts a child and stamps the session with the cluster's market.
func (m *BaseMatcher) ConnectToAgent(s session.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.marketBasis.IsZero() {
		return fmt.Errorf("%s has no market basis yet: %w", m.cfg.AgentID, models.ErrMatcherNotReady)
	}
	s.SetMarketBasis(m.marketBasis)
	s.SetClusterID(m.clusterID)
	m.children[s.ID()] = &child{session: s}
	logger.Debug("Matcher %s accepted %s", m.cfg.AgentID, s.AgentID())
	return nil
}

// AgentEndpointDisconnected drops the child's contribution and re-aggregates.
func (m *BaseMatcher) AgentEndpointDisconnected(s session.Session) {
	m.mu.Lock()
	c, ok := m.children[s.ID()]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.children, s.ID())
	if c.expiry != nil {
		c.expiry.Cancel()
	}
	hadBid := c.bid != nil
	m.mu.Unlock()

	logger.Debug("Matcher %s released %s", m.cfg.AgentID, s.AgentID())
	if hadBid {
		m.requestUpdate()
	}
}

// HandleBidUpdate stores a child's bid and requests re-aggregation.
func (m *BaseMatcher) HandleBidUpdate(s session.Session, bid models.Bid) error {
	m.mu.Lock()
	c, ok := m.children[s.ID()]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("matcher %s has no session %s: %w", m.cfg.AgentID, s.ID(), models.ErrSessionNotConnected)
	}
	if !bid.MarketBasis.Equal(m.marketBasis) {
		mb := m.marketBasis
		m.mu.Unlock()
		logger.Warn("Matcher %s rejected bid #%d from %s: %s differs from %s",
			m.cfg.AgentID, bid.BidNumber, s.AgentID(), bid.MarketBasis, mb)
		return fmt.Errorf("bid #%d from %s: %w", bid.BidNumber, s.AgentID(), models.ErrMarketBasisMismatch)
	}
	if err := bid.Validate(); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("bid #%d from %s: %w", bid.BidNumber, s.AgentID(), err)
	}
	if bid.BidNumber <= c.lastBidNumber {
		last := c.lastBidNumber
		m.mu.Unlock()
		return fmt.Errorf("bid #%d from %s, last was #%d: %w", bid.BidNumber, s.AgentID(), last, models.ErrStaleBid)
	}

	c.bid = &bid
	c.lastBidNumber = bid.BidNumber
	if c.expiry != nil {
		c.expiry.Cancel()
		c.expiry = nil
	}
	if m.cfg.BidTimeout > 0 {
		id, n := s.ID(), bid.BidNumber
		c.expiry = m.sched.Schedule(m.cfg.BidTimeout, func() { m.expire(id, n) })
	}
	clusterID := m.clusterID
	m.mu.Unlock()

	m.publishEvent(observer.Event{
		Type:      observer.IncomingBid,
		ClusterID: clusterID,
		AgentID:   s.AgentID(),
		SessionID: s.ID(),
		Bid:       &bid,
	})
	m.requestUpdate()
	return nil
}

func (m *BaseMatcher) expire(sessionID string, bidNumber int64) {
	m.mu.Lock()
	c, ok := m.children[sessionID]
	if !ok || c.bid == nil || c.lastBidNumber != bidNumber {
		m.mu.Unlock()
		return
	}
	c.bid = nil
	c.expiry = nil
	agentID, clusterID := c.session.AgentID(), m.clusterID
	m.mu.Unlock()

	err := fmt.Errorf("bid #%d from %s: %w", bidNumber, agentID, models.ErrBidTimeout)
	logger.Warn("Matcher %s: %v", m.cfg.AgentID, err)
	m.publishEvent(observer.Event{
		Type:      observer.MessageDropped,
		ClusterID: clusterID,
		AgentID:   agentID,
		SessionID: sessionID,
		Reason:    err.Error(),
	})
	m.requestUpdate()
}

// requestUpdate publishes a new aggregate now, or schedules one for the end of the
// rate limit window. Requests inside the window coalesce into the scheduled update.
func (m *BaseMatcher) requestUpdate() {
	m.rateMu.Lock()
	if m.pending != nil {
		m.rateMu.Unlock()
		return
	}
	if m.cfg.MinTimeBetweenUpdates > 0 && !m.lastPublished.IsZero() {
		wait := m.lastPublished.Add(m.cfg.MinTimeBetweenUpdates).Sub(m.sched.Now())
		if wait > 0 {
			m.pending = m.sched.Schedule(wait, m.runPending)
			m.rateMu.Unlock()
			return
		}
	}
	m.rateMu.Unlock()

	m.aggregateAndPublish()
}

func (m *BaseMatcher) runPending() {
	m.rateMu.Lock()
	m.pending = nil
	m.rateMu.Unlock()

	m.aggregateAndPublish()
}

func (m *BaseMatcher) aggregateAndPublish() {
	m.aggMu.Lock()
	defer m.aggMu.Unlock()

	agg, clusterID, err := m.aggregate()
	if errors.Is(err, errNoMarket) {
		return
	}
	if err != nil {
		logger.Error("Matcher %s: %v", m.cfg.AgentID, err)
		m.publishEvent(observer.Event{
			Type:      observer.MessageDropped,
			ClusterID: clusterID,
			AgentID:   m.cfg.AgentID,
			Reason:    err.Error(),
		})
		return
	}
	m.aggregateNumber++
	agg = agg.WithBidNumber(m.aggregateNumber)

	m.mu.Lock()
	m.lastAggregate = &agg
	m.mu.Unlock()

	m.rateMu.Lock()
	m.lastPublished = m.sched.Now()
	m.rateMu.Unlock()

	m.publishEvent(observer.Event{
		Type:      observer.AggregatedBid,
		ClusterID: clusterID,
		AgentID:   m.cfg.AgentID,
		Bid:       &agg,
	})
	m.publish(agg)
}

// aggregate sums the children's demand per price step in session id order, so the
// result does not depend on the order bids arrived in.
// It returns errNoMarket while the matcher has no market basis.
func (m *BaseMatcher) aggregate() (models.Bid, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.marketBasis.IsZero() {
		return models.Bid{}, "", errNoMarket
	}

	ids := make([]string, 0, len(m.children))
	for id := range m.children {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	sum := make([]float64, m.marketBasis.PriceSteps)
	for _, id := range ids {
		bid := m.children[id].bid
		if bid == nil {
			continue
		}
		for i := range sum {
			sum[i] = clampDemand(sum[i] + bid.DemandAt(i))
		}
	}

	agg, err := models.NewBid(m.marketBasis, sum, 0)
	if err != nil {
		return models.Bid{}, m.clusterID, fmt.Errorf("invalid aggregate: %w", err)
	}
	return agg, m.clusterID, nil
}

// clampDemand keeps a summed demand finite. Clamping is monotone, so a sum of
// non-increasing curves stays non-increasing.
func clampDemand(d float64) float64 {
	switch {
	case d > math.MaxFloat64:
		return math.MaxFloat64
	case d < -math.MaxFloat64:
		return -math.MaxFloat64
	}
	return d
}

// distributePrice sends price to every child, tagged with that child's last bid number.
func (m *BaseMatcher) distributePrice(price models.Price) {
	m.mu.Lock()
	type target struct {
		s session.Session
		n int64
	}
	targets := make([]target, 0, len(m.children))
	for _, c := range m.children {
		targets = append(targets, target{s: c.session, n: c.lastBidNumber})
	}
	clusterID := m.clusterID
	m.mu.Unlock()
	sort.Slice(targets, func(i, j int) bool { return targets[i].s.ID() < targets[j].s.ID() })

	for _, t := range targets {
		pu := models.PriceUpdate{Price: price, BidNumber: t.n}
		if err := t.s.UpdatePrice(pu); err != nil {
			logger.Debug("Matcher %s could not send price to %s: %v", m.cfg.AgentID, t.s.AgentID(), err)
			continue
		}
		m.publishEvent(observer.Event{
			Type:        observer.OutgoingPrice,
			ClusterID:   clusterID,
			AgentID:     t.s.AgentID(),
			SessionID:   t.s.ID(),
			PriceUpdate: &pu,
		})
	}
}

// LastAggregate returns the most recent aggregate, if one was published.
func (m *BaseMatcher) LastAggregate() (models.Bid, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastAggregate == nil {
		return models.Bid{}, false
	}
	return *m.lastAggregate, true
}

// ChildCount returns the number of connected children.
func (m *BaseMatcher) ChildCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.children)
}

// Close cancels scheduled work.
func (m *BaseMatcher) Close() {
	m.rateMu.Lock()
	if m.pending != nil {
		m.pending.Cancel()
		m.pending = nil
	}
	m.rateMu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.children {
		if c.expiry != nil {
			c.expiry.Cancel()
			c.expiry = nil
		}
	}
}

func (m *BaseMatcher) publishEvent(e observer.Event) {
	if !m.HasObservers() {
		return
	}
	e.Timestamp = m.sched.Now()
	m.Publish(e)
}
