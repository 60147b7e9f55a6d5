package bridge

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rewired-gh/powermatcher/internal/logger"
	"github.com/rewired-gh/powermatcher/internal/models"
	"github.com/rewired-gh/powermatcher/internal/session"
)

const helloWait = 10 * time.Second

// Server accepts remote agents and registers each of them with the manager as a
// child of desiredParentID.
type Server struct {
	mgr             *session.Manager
	desiredParentID string
	upgrader        websocket.Upgrader
}

// NewServer creates a websocket handler for remote agents.
func NewServer(mgr *session.Manager, desiredParentID string) *Server {
	return &Server{
		mgr:             mgr,
		desiredParentID: desiredParentID,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the connection and serves one remote agent until it leaves.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("Bridge upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}
	l := newLink(conn)
	defer l.wait()

	hello, err := readHello(conn)
	if err != nil {
		logger.Warn("Bridge peer %s: %v", r.RemoteAddr, err)
		l.send(Frame{Type: FrameError, Reason: err.Error()})
		l.close()
		return
	}

	proxy := &AgentProxy{id: hello.AgentID, desiredParentID: s.desiredParentID, link: l}
	if err := s.mgr.RegisterAgent(proxy); err != nil {
		l.send(Frame{Type: FrameError, AgentID: hello.AgentID, Reason: err.Error()})
		l.close()
		return
	}
	logger.Info("Remote agent %s joined from %s", proxy.id, r.RemoteAddr)

	err = l.readLoop(func(f Frame) error { return s.handleFrame(proxy, f) })
	s.mgr.DeregisterAgent(proxy.id, proxy.desiredParentID)
	if err != nil {
		logger.Warn("Remote agent %s left: %v", proxy.id, err)
		return
	}
	logger.Info("Remote agent %s left", proxy.id)
}

func readHello(conn *websocket.Conn) (Frame, error) {
	conn.SetReadDeadline(time.Now().Add(helloWait))
	var f Frame
	if err := conn.ReadJSON(&f); err != nil {
		return Frame{}, fmt.Errorf("no hello: %w", err)
	}
	if f.Type != FrameHello || f.AgentID == "" {
		return Frame{}, fmt.Errorf("expected hello with agent id, got %s frame", f.Type)
	}
	return f, nil
}

func (s *Server) handleFrame(p *AgentProxy, f Frame) error {
	switch f.Type {
	case FrameBid:
		if f.Bid == nil {
			return errors.New("bid frame without bid")
		}
		sess := p.currentSession()
		if sess == nil {
			logger.Debug("Dropping bid #%d from remote agent %s, not connected", f.Bid.BidNumber, p.id)
			return nil
		}
		if err := sess.UpdateBid(*f.Bid); err != nil {
			p.link.send(Frame{Type: FrameError, AgentID: p.id, Reason: err.Error()})
		}
		return nil
	case FrameDisconnected:
		// the remote agent left its side; withdraw its bid and offer a fresh session
		if sess := p.currentSession(); sess != nil {
			sess.Disconnect()
		}
		s.mgr.Reconcile()
		return nil
	default:
		return fmt.Errorf("unexpected %s frame from agent %s", f.Type, p.id)
	}
}

// AgentProxy stands in for a remote agent on the matcher's side.
type AgentProxy struct {
	id              string
	desiredParentID string
	link            *link

	mu      sync.Mutex
	session session.Session
}

func (p *AgentProxy) AgentID() string         { return p.id }
func (p *AgentProxy) DesiredParentID() string { return p.desiredParentID }

// ConnectToMatcher tells the remote agent its session is up.
func (p *AgentProxy) ConnectToMatcher(s session.Session) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.session != nil {
		return fmt.Errorf("remote agent %s: %w", p.id, models.ErrDuplicateRegistration)
	}
	mb := s.MarketBasis()
	if err := p.link.send(Frame{Type: FrameConnected, AgentID: p.id, ClusterID: s.ClusterID(), MarketBasis: &mb}); err != nil {
		return fmt.Errorf("remote agent %s: %w", p.id, err)
	}
	p.session = s
	return nil
}

// MatcherEndpointDisconnected tells the remote agent its session ended.
func (p *AgentProxy) MatcherEndpointDisconnected(s session.Session) {
	p.mu.Lock()
	if p.session != s {
		p.mu.Unlock()
		return
	}
	p.session = nil
	p.mu.Unlock()
	p.link.send(Frame{Type: FrameDisconnected, AgentID: p.id})
}

// HandlePriceUpdate forwards a price to the remote agent.
func (p *AgentProxy) HandlePriceUpdate(pu models.PriceUpdate) {
	if err := p.link.send(Frame{Type: FramePrice, AgentID: p.id, PriceUpdate: &pu}); err != nil {
		logger.Debug("Dropping price for remote agent %s: %v", p.id, err)
	}
}

func (p *AgentProxy) currentSession() session.Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session
}
