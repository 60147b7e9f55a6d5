// Package bridge connects agents and matchers that live in different processes over a
// websocket. The server side accepts remote agents into a local matcher through an
// AgentProxy; the client side presents the remote matcher to one local agent through a
// MatcherProxy. Both ends exchange JSON frames.
//
// A connection starts with a hello frame from the client naming its agent. The server
// answers with connected once the proxy session is up, after which bids travel to the
// server and prices back to the client. Either side sends disconnected when its end of
// the session goes away.
package bridge

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rewired-gh/powermatcher/internal/logger"
	"github.com/rewired-gh/powermatcher/internal/models"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
	maxFrameSize = 1 << 20
	sendBuffer   = 64
)

// FrameType names a bridge message.
type FrameType string

const (
	FrameHello        FrameType = "hello"
	FrameConnected    FrameType = "connected"
	FrameDisconnected FrameType = "disconnected"
	FrameBid          FrameType = "bid"
	FramePrice        FrameType = "price"
	FrameError        FrameType = "error"
)

// Frame is the unit of the wire protocol.
type Frame struct {
	Type        FrameType           `json:"type"`
	AgentID     string              `json:"agent_id,omitempty"`
	ClusterID   string              `json:"cluster_id,omitempty"`
	MarketBasis *models.MarketBasis `json:"market_basis,omitempty"`
	Bid         *models.Bid         `json:"bid,omitempty"`
	PriceUpdate *models.PriceUpdate `json:"price_update,omitempty"`
	Reason      string              `json:"reason,omitempty"`
}

var errLinkClosed = errors.New("bridge link closed")

// link owns a websocket connection. Frames are written by a single pump goroutine so
// callers never block on the network.
type link struct {
	conn *websocket.Conn
	out  chan Frame
	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

func newLink(conn *websocket.Conn) *link {
	l := &link{
		conn: conn,
		out:  make(chan Frame, sendBuffer),
		done: make(chan struct{}),
	}
	l.wg.Add(1)
	go l.writePump()
	return l
}

// send queues f. A peer that lets the queue fill up is disconnected.
func (l *link) send(f Frame) error {
	select {
	case <-l.done:
		return errLinkClosed
	default:
	}
	select {
	case l.out <- f:
		return nil
	case <-l.done:
		return errLinkClosed
	default:
		logger.Warn("Bridge peer %s is not reading, closing link", l.conn.RemoteAddr())
		l.close()
		return errLinkClosed
	}
}

// close stops the link after the queued frames are written.
func (l *link) close() {
	l.once.Do(func() { close(l.done) })
}

// wait blocks until the connection is closed.
func (l *link) wait() {
	l.wg.Wait()
}

func (l *link) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		l.conn.Close()
		l.wg.Done()
	}()

	for {
		select {
		case f := <-l.out:
			if err := l.write(f); err != nil {
				logger.Debug("Bridge write to %s failed: %v", l.conn.RemoteAddr(), err)
				l.close()
				return
			}
		case <-ticker.C:
			l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				l.close()
				return
			}
		case <-l.done:
			l.flush()
			l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			l.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (l *link) flush() {
	for {
		select {
		case f := <-l.out:
			if err := l.write(f); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (l *link) write(f Frame) error {
	l.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return l.conn.WriteJSON(f)
}

// readLoop hands every incoming frame to handle until the connection fails, the peer
// closes it or handle returns an error. The link is closed on return.
func (l *link) readLoop(handle func(Frame) error) error {
	defer l.close()

	l.conn.SetReadLimit(maxFrameSize)
	l.conn.SetReadDeadline(time.Now().Add(pongWait))
	l.conn.SetPongHandler(func(string) error {
		return l.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var f Frame
		if err := l.conn.ReadJSON(&f); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read from %s: %w", l.conn.RemoteAddr(), err)
		}
		l.conn.SetReadDeadline(time.Now().Add(pongWait))
		if err := handle(f); err != nil {
			return err
		}
	}
}
