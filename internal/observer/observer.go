// Package observer carries the side channel of a cluster: agents, matchers and the
// topology manager publish events about bids, prices and sessions to any number of
// subscribed observers. Observers only watch; nothing on the protocol path waits for them.
package observer

import (
	"sync"
	"time"

	"github.com/rewired-gh/powermatcher/internal/logger"
	"github.com/rewired-gh/powermatcher/internal/models"
)

// EventType identifies what an Event reports.
type EventType string

const (
	IncomingBid         EventType = "incoming_bid"
	OutgoingBid         EventType = "outgoing_bid"
	AggregatedBid       EventType = "aggregated_bid"
	IncomingPrice       EventType = "incoming_price"
	OutgoingPrice       EventType = "outgoing_price"
	ClearingPrice       EventType = "clearing_price"
	SessionConnected    EventType = "session_connected"
	SessionDisconnected EventType = "session_disconnected"
	MessageDropped      EventType = "message_dropped"
)

// Event is a single observation. Bid is set for bid events, PriceUpdate for price
// events, and Reason for dropped messages. ClearingPrice is published once per price
// determination by the auctioneer and carries the aggregate bid number.
type Event struct {
	Type        EventType
	ClusterID   string
	AgentID     string
	SessionID   string
	Timestamp   time.Time
	Bid         *models.Bid
	PriceUpdate *models.PriceUpdate
	Reason      string
}

// Observer receives events. Implementations must return quickly and must not call back
// into the publisher synchronously; events can be published while protocol locks are held.
type Observer interface {
	HandleEvent(e Event)
}

// Hub fans events out to its subscribers. The zero value is ready to use.
type Hub struct {
	mu        sync.RWMutex
	observers []Observer
}

// AddObserver subscribes o. Adding the same observer twice is a no-op.
func (h *Hub) AddObserver(o Observer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, existing := range h.observers {
		if existing == o {
			return
		}
	}
	h.observers = append(h.observers, o)
}

// RemoveObserver unsubscribes o.
func (h *Hub) RemoveObserver(o Observer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, existing := range h.observers {
		if existing == o {
			h.observers = append(h.observers[:i:i], h.observers[i+1:]...)
			return
		}
	}
}

// HasObservers reports whether anyone is subscribed.
func (h *Hub) HasObservers() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.observers) > 0
}

// Publish delivers e to every subscriber. A panicking observer does not stop delivery.
func (h *Hub) Publish(e Event) {
	h.mu.RLock()
	observers := h.observers
	h.mu.RUnlock()

	for _, o := range observers {
		deliver(o, e)
	}
}

func deliver(o Observer, e Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("observer %T panicked on %s event: %v", o, e.Type, r)
		}
	}()
	o.HandleEvent(e)
}

// Observable is implemented by anything that owns a Hub.
type Observable interface {
	AddObserver(o Observer)
	RemoveObserver(o Observer)
}
