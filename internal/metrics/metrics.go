// Package metrics exports cluster activity as Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/rewired-gh/powermatcher/internal/observer"
)

// Metrics is an observer that turns events into Prometheus series.
type Metrics struct {
	Bids              *prometheus.CounterVec
	Prices            *prometheus.CounterVec
	Dropped           *prometheus.CounterVec
	ClearingPrice     *prometheus.GaugeVec
	AggregateDemand   *prometheus.GaugeVec
	ConnectedSessions prometheus.Gauge
}

// New creates the metrics and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Bids: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "powermatcher",
			Name:      "bids_total",
			Help:      "Number of bids handled, by agent and event type",
		}, []string{"agent", "event"}),

		Prices: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "powermatcher",
			Name:      "prices_total",
			Help:      "Number of price updates handled, by agent and event type",
		}, []string{"agent", "event"}),

		Dropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "powermatcher",
			Name:      "messages_dropped_total",
			Help:      "Number of bids and prices dropped, by agent",
		}, []string{"agent"}),

		ClearingPrice: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "powermatcher",
			Name:      "clearing_price",
			Help:      "Last price determined by the auctioneer of a cluster",
		}, []string{"cluster", "commodity"}),

		AggregateDemand: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "powermatcher",
			Name:      "aggregate_demand",
			Help:      "Demand of the last aggregated bid of a matcher at the minimum and maximum price",
		}, []string{"agent", "bound"}),

		ConnectedSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "powermatcher",
			Name:      "connected_sessions",
			Help:      "Number of sessions currently connected",
		}),
	}
}

// HandleEvent records e.
func (m *Metrics) HandleEvent(e observer.Event) {
	switch e.Type {
	case observer.IncomingBid, observer.OutgoingBid:
		m.Bids.WithLabelValues(e.AgentID, string(e.Type)).Inc()
	case observer.AggregatedBid:
		m.Bids.WithLabelValues(e.AgentID, string(e.Type)).Inc()
		if e.Bid != nil {
			m.AggregateDemand.WithLabelValues(e.AgentID, "max").Set(e.Bid.MaximumDemand())
			m.AggregateDemand.WithLabelValues(e.AgentID, "min").Set(e.Bid.MinimumDemand())
		}
	case observer.IncomingPrice, observer.OutgoingPrice:
		m.Prices.WithLabelValues(e.AgentID, string(e.Type)).Inc()
	case observer.ClearingPrice:
		m.Prices.WithLabelValues(e.AgentID, string(e.Type)).Inc()
		if e.PriceUpdate != nil {
			m.ClearingPrice.WithLabelValues(e.ClusterID, e.PriceUpdate.Price.MarketBasis.Commodity).Set(e.PriceUpdate.Price.Value)
		}
	case observer.SessionConnected:
		m.ConnectedSessions.Inc()
	case observer.SessionDisconnected:
		m.ConnectedSessions.Dec()
	case observer.MessageDropped:
		m.Dropped.WithLabelValues(e.AgentID).Inc()
	}
}
