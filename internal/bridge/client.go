package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rewired-gh/powermatcher/internal/logger"
	"github.com/rewired-gh/powermatcher/internal/models"
	"github.com/rewired-gh/powermatcher/internal/session"
)

// ErrRefused is returned by Client.Run when the remote side rejected the agent.
var ErrRefused = errors.New("refused by remote matcher")

// ClientConfig describes the link from one local agent to a remote matcher.
type ClientConfig struct {
	URL             string
	RemoteMatcherID string
	AgentID         string
	MaxRetries      int
	RetryDelayBase  time.Duration
}

// Client connects one local agent to a matcher in another process.
type Client struct {
	cfg    ClientConfig
	mgr    *session.Manager
	dialer *websocket.Dialer
}

// NewClient creates a bridge client. The local agent must declare cfg.RemoteMatcherID
// as its desired parent.
func NewClient(cfg ClientConfig, mgr *session.Manager) *Client {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelayBase <= 0 {
		cfg.RetryDelayBase = time.Second
	}
	return &Client{
		cfg:    cfg,
		mgr:    mgr,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

// Run keeps the bridge up until ctx is cancelled. A lost connection is redialled;
// Run gives up when dialling fails MaxRetries times in a row or the remote side
// refuses the agent.
func (c *Client) Run(ctx context.Context) error {
	for {
		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		err = c.serve(ctx, conn)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrRefused) {
			return err
		}
		logger.Warn("Bridge to %s lost: %v, reconnecting", c.cfg.URL, err)
	}
}

// dial performs the websocket handshake with retry logic
func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	var lastErr error
	for i := 0; i < c.cfg.MaxRetries; i++ {
		conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		logger.Warn("Dialling bridge %s failed (attempt %d/%d): %v", c.cfg.URL, i+1, c.cfg.MaxRetries, err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.cfg.RetryDelayBase * time.Duration(i+1)):
		}
	}
	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (c *Client) serve(ctx context.Context, conn *websocket.Conn) error {
	l := newLink(conn)
	defer l.wait()
	stop := context.AfterFunc(ctx, l.close)
	defer stop()

	proxy := &MatcherProxy{id: c.cfg.RemoteMatcherID, agentID: c.cfg.AgentID, link: l}
	if err := l.send(Frame{Type: FrameHello, AgentID: c.cfg.AgentID}); err != nil {
		return err
	}

	registered, accepted := false, false
	err := l.readLoop(func(f Frame) error {
		switch f.Type {
		case FrameConnected:
			if f.MarketBasis == nil {
				return errors.New("connected frame without market basis")
			}
			accepted = true
			proxy.configure(*f.MarketBasis, f.ClusterID)
			if registered {
				c.mgr.Reconcile()
				return nil
			}
			if err := c.mgr.RegisterMatcher(proxy); err != nil {
				return fmt.Errorf("%w: %v", ErrRefused, err)
			}
			registered = true
			logger.Info("Bridge to %s connected agent %s to remote matcher %s", c.cfg.URL, c.cfg.AgentID, proxy.id)
		case FrameDisconnected:
			if registered {
				proxy.detach()
				c.mgr.DeregisterMatcher(proxy.id)
				registered = false
			}
		case FramePrice:
			if f.PriceUpdate == nil {
				return errors.New("price frame without price")
			}
			proxy.deliverPrice(*f.PriceUpdate)
		case FrameError:
			if !accepted {
				return fmt.Errorf("%w: %s", ErrRefused, f.Reason)
			}
			logger.Warn("Remote matcher %s: %s", proxy.id, f.Reason)
		default:
			return fmt.Errorf("unexpected %s frame from %s", f.Type, c.cfg.URL)
		}
		return nil
	})

	if registered {
		proxy.detach()
		c.mgr.DeregisterMatcher(proxy.id)
	}
	return err
}

// MatcherProxy stands in for a remote matcher on the agent's side. It carries a
// single local agent.
type MatcherProxy struct {
	id      string
	agentID string
	link    *link

	mu            sync.Mutex
	marketBasis   models.MarketBasis
	clusterID     string
	session       session.Session
	lastBidNumber int64
}

func (p *MatcherProxy) AgentID() string { return p.id }

func (p *MatcherProxy) configure(mb models.MarketBasis, clusterID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.marketBasis = mb
	p.clusterID = clusterID
}

// ConnectToAgent accepts the configured local agent and stamps the remote cluster on its session.
func (p *MatcherProxy) ConnectToAgent(s session.Session) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.marketBasis.IsZero() {
		return fmt.Errorf("remote matcher %s: %w", p.id, models.ErrMatcherNotReady)
	}
	if s.AgentID() != p.agentID {
		return fmt.Errorf("remote matcher %s only carries agent %s, not %s", p.id, p.agentID, s.AgentID())
	}
	if p.session != nil {
		return fmt.Errorf("remote matcher %s: %w", p.id, models.ErrDuplicateRegistration)
	}
	s.SetMarketBasis(p.marketBasis)
	s.SetClusterID(p.clusterID)
	p.session = s
	p.lastBidNumber = 0
	return nil
}

// AgentEndpointDisconnected withdraws the agent's bid on the remote side.
func (p *MatcherProxy) AgentEndpointDisconnected(s session.Session) {
	p.mu.Lock()
	if p.session != s {
		p.mu.Unlock()
		return
	}
	p.session = nil
	p.mu.Unlock()
	p.link.send(Frame{Type: FrameDisconnected, AgentID: p.agentID})
}

// HandleBidUpdate forwards a bid to the remote matcher.
func (p *MatcherProxy) HandleBidUpdate(s session.Session, bid models.Bid) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.session != s {
		return fmt.Errorf("remote matcher %s has no session %s: %w", p.id, s.ID(), models.ErrSessionNotConnected)
	}
	if !bid.MarketBasis.Equal(p.marketBasis) {
		return fmt.Errorf("bid #%d from %s: %w", bid.BidNumber, s.AgentID(), models.ErrMarketBasisMismatch)
	}
	if err := bid.Validate(); err != nil {
		return fmt.Errorf("bid #%d from %s: %w", bid.BidNumber, s.AgentID(), err)
	}
	if bid.BidNumber <= p.lastBidNumber {
		return fmt.Errorf("bid #%d from %s, last was #%d: %w", bid.BidNumber, s.AgentID(), p.lastBidNumber, models.ErrStaleBid)
	}
	if err := p.link.send(Frame{Type: FrameBid, AgentID: p.agentID, Bid: &bid}); err != nil {
		return fmt.Errorf("bid #%d to remote matcher %s: %w", bid.BidNumber, p.id, models.ErrSessionNotConnected)
	}
	p.lastBidNumber = bid.BidNumber
	return nil
}

// detach forgets the local session without telling the remote side.
func (p *MatcherProxy) detach() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.session = nil
}

func (p *MatcherProxy) deliverPrice(pu models.PriceUpdate) {
	p.mu.Lock()
	s := p.session
	p.mu.Unlock()
	if s == nil {
		logger.Debug("Dropping price for bid #%d from remote matcher %s, no local agent", pu.BidNumber, p.id)
		return
	}
	if err := s.UpdatePrice(pu); err != nil {
		logger.Debug("Remote price not delivered: %v", err)
	}
}
