package agent

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rewired-gh/powermatcher/internal/logger"
	"github.com/rewired-gh/powermatcher/internal/models"
	"github.com/rewired-gh/powermatcher/internal/observer"
	"github.com/rewired-gh/powermatcher/internal/scheduler"
)

// AuctioneerConfig configures the root matcher of a cluster.
type AuctioneerConfig struct {
	AgentID     string
	ClusterID   string
	MarketBasis models.MarketBasis
	BidTimeout  time.Duration
	// MinTimeBetweenPriceUpdates rate limits price determination.
	MinTimeBetweenPriceUpdates time.Duration
	// PriceUpdateRate re-determines and re-broadcasts the price periodically. Zero disables it.
	PriceUpdateRate time.Duration
}

// Auctioneer is the root of a cluster. It owns the market basis, aggregates its
// children's bids and broadcasts the resulting clearing price.
type Auctioneer struct {
	*BaseMatcher

	mu        sync.RWMutex
	lastPrice *models.PriceUpdate
	periodic  scheduler.Task
}

// NewAuctioneer creates an auctioneer ready to accept children.
func NewAuctioneer(cfg AuctioneerConfig, sched scheduler.Scheduler) (*Auctioneer, error) {
	if cfg.AgentID == "" {
		return nil, errors.New("auctioneer agent id must not be empty")
	}
	if cfg.ClusterID == "" {
		return nil, errors.New("auctioneer cluster id must not be empty")
	}
	if err := cfg.MarketBasis.Validate(); err != nil {
		return nil, fmt.Errorf("auctioneer %s: %w", cfg.AgentID, err)
	}

	a := &Auctioneer{}
	a.BaseMatcher = newBaseMatcher(MatcherConfig{
		AgentID:               cfg.AgentID,
		BidTimeout:            cfg.BidTimeout,
		MinTimeBetweenUpdates: cfg.MinTimeBetweenPriceUpdates,
	}, sched, a.publishPrice)
	a.configure(cfg.MarketBasis, cfg.ClusterID)

	if cfg.PriceUpdateRate > 0 {
		a.periodic = sched.ScheduleAtFixedRate(cfg.PriceUpdateRate, cfg.PriceUpdateRate, a.requestUpdate)
	}
	logger.Info("Auctioneer %s started for cluster %s on %s", cfg.AgentID, cfg.ClusterID, cfg.MarketBasis)
	return a, nil
}

// DeterminePrice returns the price at the lowest step where demand is no longer
// positive. When demand stays positive over the whole range the maximum price is returned.
func DeterminePrice(bid models.Bid) models.Price {
	mb := bid.MarketBasis
	for step := 0; step < mb.PriceSteps; step++ {
		if bid.DemandAt(step) <= 0 {
			return models.Price{MarketBasis: mb, Value: mb.PriceOfStep(step)}
		}
	}
	return models.Price{MarketBasis: mb, Value: mb.MaximumPrice}
}

func (a *Auctioneer) publishPrice(aggregate models.Bid) {
	price := DeterminePrice(aggregate)
	pu := models.PriceUpdate{Price: price, BidNumber: aggregate.BidNumber}

	a.mu.Lock()
	a.lastPrice = &pu
	a.mu.Unlock()

	logger.Debug("Auctioneer %s determined price %v for aggregate #%d", a.AgentID(), price.Value, aggregate.BidNumber)
	a.publishEvent(observer.Event{
		Type:        observer.ClearingPrice,
		ClusterID:   a.clusterIDSnapshot(),
		AgentID:     a.AgentID(),
		PriceUpdate: &pu,
	})
	a.distributePrice(price)
}

func (a *Auctioneer) clusterIDSnapshot() string {
	a.BaseMatcher.mu.Lock()
	defer a.BaseMatcher.mu.Unlock()
	return a.clusterID
}

// LastPrice returns the last clearing price, tagged with the aggregate bid number.
func (a *Auctioneer) LastPrice() (models.PriceUpdate, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.lastPrice == nil {
		return models.PriceUpdate{}, false
	}
	return *a.lastPrice, true
}

// Close stops periodic price publication and pending updates.
func (a *Auctioneer) Close() {
	if a.periodic != nil {
		a.periodic.Cancel()
	}
	a.BaseMatcher.Close()
}
