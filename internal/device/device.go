// Package device contains example agents that simulate flexible appliances. Each
// device draws a demand at a fixed rate and publishes it as a bid while connected.
package device

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rewired-gh/powermatcher/internal/agent"
	"github.com/rewired-gh/powermatcher/internal/logger"
	"github.com/rewired-gh/powermatcher/internal/models"
	"github.com/rewired-gh/powermatcher/internal/scheduler"
)

// Config configures a simulated device.
type Config struct {
	AgentID         string
	DesiredParentID string
	BidUpdateRate   time.Duration
	MinimumDemand   float64
	MaximumDemand   float64
}

// Validate checks that the device can be started.
func (c Config) Validate() error {
	if c.AgentID == "" {
		return errors.New("device agent id must not be empty")
	}
	if c.DesiredParentID == "" {
		return fmt.Errorf("device %s: desired parent id must not be empty", c.AgentID)
	}
	if c.BidUpdateRate <= 0 {
		return fmt.Errorf("device %s: bid update rate must be positive", c.AgentID)
	}
	if c.MinimumDemand > c.MaximumDemand {
		return fmt.Errorf("device %s: minimum demand %v exceeds maximum demand %v", c.AgentID, c.MinimumDemand, c.MaximumDemand)
	}
	return nil
}

// bidFunc turns a drawn demand into a bid for the connected market.
type bidFunc func(mb models.MarketBasis, demand float64) (models.Bid, error)

// Device is a BaseAgent that periodically publishes a bid built from a random demand.
type Device struct {
	*agent.BaseAgent

	cfg   Config
	sched scheduler.Scheduler
	build bidFunc

	mu   sync.Mutex
	rng  *rand.Rand
	task scheduler.Task
}

func newDevice(cfg Config, sched scheduler.Scheduler, seed uint64, build bidFunc) (*Device, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Device{
		BaseAgent: agent.NewBaseAgent(cfg.AgentID, cfg.DesiredParentID, sched),
		cfg:       cfg,
		sched:     sched,
		build:     build,
		rng:       rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}, nil
}

// Start begins periodic bidding.
func (d *Device) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.task != nil {
		return
	}
	d.task = d.sched.ScheduleAtFixedRate(0, d.cfg.BidUpdateRate, d.doBidUpdate)
}

// Stop ends periodic bidding.
func (d *Device) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.task != nil {
		d.task.Cancel()
		d.task = nil
	}
}

func (d *Device) drawDemand() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg.MinimumDemand + d.rng.Float64()*(d.cfg.MaximumDemand-d.cfg.MinimumDemand)
}

func (d *Device) doBidUpdate() {
	st := d.Status()
	if !st.Connected {
		return
	}
	bid, err := d.build(st.MarketBasis, d.drawDemand())
	if err != nil {
		logger.Error("Device %s could not build a bid: %v", d.AgentID(), err)
		return
	}
	if err := d.PublishBid(bid); err != nil {
		logger.Debug("Device %s could not publish: %v", d.AgentID(), err)
	}
}

// NewFreezer creates a freezer. It wants to run at any price up to the maximum, so it
// bids its drawn demand at the minimum price falling to MinimumDemand at the maximum price.
func NewFreezer(cfg Config, sched scheduler.Scheduler, seed uint64) (*Device, error) {
	return newDevice(cfg, sched, seed, func(mb models.MarketBasis, demand float64) (models.Bid, error) {
		return models.NewPointBidBuilder(mb).
			Add(mb.MinimumPrice, demand).
			Add(mb.MaximumPrice, cfg.MinimumDemand).
			Build()
	})
}

// NewPVPanel creates a solar panel. Its production does not depend on price, so the
// drawn demand (normally negative) is bid flat.
func NewPVPanel(cfg Config, sched scheduler.Scheduler, seed uint64) (*Device, error) {
	return newDevice(cfg, sched, seed, func(mb models.MarketBasis, demand float64) (models.Bid, error) {
		return models.FlatDemand(mb, demand), nil
	})
}
