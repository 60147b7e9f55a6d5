// Package monitor detects large swings of clearing prices.
//
// The monitor subscribes to auctioneers and records every clearing price per cluster.
// A periodic check compares the oldest and newest price inside the window; when the
// difference relative to the width of the market basis reaches the threshold, a
// PriceChange is handed to the notifier. Clusters that were notified recently are
// suppressed for a cooldown period unless the swing reversed direction.
package monitor

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rewired-gh/powermatcher/internal/logger"
	"github.com/rewired-gh/powermatcher/internal/models"
	"github.com/rewired-gh/powermatcher/internal/observer"
	"github.com/rewired-gh/powermatcher/internal/scheduler"
)

// Notifier delivers detected changes, typically to a chat.
type Notifier interface {
	Notify(ctx context.Context, changes []models.PriceChange) error
}

// Config tunes change detection.
type Config struct {
	Threshold     float64
	Window        time.Duration
	CheckInterval time.Duration
	Cooldown      time.Duration
}

// Validate checks the detection parameters
func (c Config) Validate() error {
	if c.Threshold <= 0 || c.Threshold > 1 {
		return fmt.Errorf("threshold must be in (0, 1], got %v", c.Threshold)
	}
	if c.Window <= 0 {
		return fmt.Errorf("invalid window %v: must be positive", c.Window)
	}
	if c.CheckInterval <= 0 {
		return fmt.Errorf("invalid check interval %v: must be positive", c.CheckInterval)
	}
	if c.Cooldown < 0 {
		return fmt.Errorf("invalid cooldown %v: must not be negative", c.Cooldown)
	}
	return nil
}

type snapshot struct {
	price       float64
	marketBasis models.MarketBasis
	at          time.Time
}

// notifiedRecord tracks a previously sent notification for cooldown deduplication.
type notifiedRecord struct {
	direction string
	sentAt    time.Time
}

// Monitor handles price recording and change detection
type Monitor struct {
	cfg      Config
	sched    scheduler.Scheduler
	notifier Notifier

	mu        sync.Mutex
	snapshots map[string][]snapshot // key = cluster id
	notified  map[string]notifiedRecord
	task      scheduler.Task
}

// New creates a new Monitor. notifier may be nil, in which case changes are only logged.
func New(cfg Config, sched scheduler.Scheduler, notifier Notifier) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Monitor{
		cfg:       cfg,
		sched:     sched,
		notifier:  notifier,
		snapshots: make(map[string][]snapshot),
		notified:  make(map[string]notifiedRecord),
	}, nil
}

// HandleEvent records clearing prices.
func (m *Monitor) HandleEvent(e observer.Event) {
	if e.Type != observer.ClearingPrice || e.PriceUpdate == nil {
		return
	}
	at := e.Timestamp
	if at.IsZero() {
		at = m.sched.Now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[e.ClusterID] = append(m.snapshots[e.ClusterID], snapshot{
		price:       e.PriceUpdate.Price.Value,
		marketBasis: e.PriceUpdate.Price.MarketBasis,
		at:          at,
	})
}

// Start schedules the periodic check.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.task != nil {
		return
	}
	m.task = m.sched.ScheduleAtFixedRate(m.cfg.CheckInterval, m.cfg.CheckInterval, m.check)
}

// Stop cancels the periodic check.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.task != nil {
		m.task.Cancel()
		m.task = nil
	}
}

// DetectChanges drops snapshots that fell out of the window and returns one change
// per cluster whose price moved by at least the threshold. Clusters are visited in
// id order.
func (m *Monitor) DetectChanges(now time.Time) []models.PriceChange {
	m.mu.Lock()
	defer m.mu.Unlock()

	clusters := make([]string, 0, len(m.snapshots))
	for id := range m.snapshots {
		clusters = append(clusters, id)
	}
	sort.Strings(clusters)

	var changes []models.PriceChange
	belowThreshold := 0
	for _, id := range clusters {
		snaps := m.trimLocked(id, now)
		if len(snaps) < 2 {
			continue
		}

		oldest := snaps[0]
		current := snaps[len(snaps)-1]
		if !oldest.marketBasis.Equal(current.marketBasis) {
			// the price axis changed, older prices are not comparable
			m.snapshots[id] = snaps[len(snaps)-1:]
			continue
		}

		priceRange := current.marketBasis.MaximumPrice - current.marketBasis.MinimumPrice
		magnitude := math.Abs(current.price-oldest.price) / priceRange
		if magnitude < m.cfg.Threshold {
			belowThreshold++
			continue
		}

		direction := "increase"
		if current.price < oldest.price {
			direction = "decrease"
		}
		changes = append(changes, models.PriceChange{
			ClusterID:  id,
			Commodity:  current.marketBasis.Commodity,
			Currency:   current.marketBasis.Currency,
			Magnitude:  magnitude,
			Direction:  direction,
			OldPrice:   oldest.price,
			NewPrice:   current.price,
			PriceRange: priceRange,
			TimeWindow: m.cfg.Window,
			DetectedAt: now,
		})
	}

	logger.Debug("DetectChanges: clusters=%d, changes=%d, below threshold=%d", len(clusters), len(changes), belowThreshold)
	return changes
}

func (m *Monitor) trimLocked(clusterID string, now time.Time) []snapshot {
	snaps := m.snapshots[clusterID]
	cutoff := now.Add(-m.cfg.Window)
	i := 0
	for i < len(snaps) && snaps[i].at.Before(cutoff) {
		i++
	}
	if i == len(snaps) {
		delete(m.snapshots, clusterID)
		return nil
	}
	snaps = snaps[i:]
	m.snapshots[clusterID] = snaps
	return snaps
}

// FilterRecentlySent removes changes for clusters notified within the cooldown in the
// same direction.
func (m *Monitor) FilterRecentlySent(changes []models.PriceChange, now time.Time) []models.PriceChange {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := []models.PriceChange{}
	for _, change := range changes {
		rec, exists := m.notified[change.ClusterID]
		if exists && now.Sub(rec.sentAt) < m.cfg.Cooldown && rec.direction == change.Direction {
			continue
		}
		result = append(result, change)
	}
	return result
}

// RecordNotified marks the clusters of changes as notified at now.
func (m *Monitor) RecordNotified(changes []models.PriceChange, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, change := range changes {
		m.notified[change.ClusterID] = notifiedRecord{direction: change.Direction, sentAt: now}
	}
}

func (m *Monitor) check() {
	now := m.sched.Now()
	changes := m.FilterRecentlySent(m.DetectChanges(now), now)
	if len(changes) == 0 {
		return
	}
	for _, c := range changes {
		logger.Info("Price of %s in cluster %s moved %.1f%% (%.4f -> %.4f %s)",
			c.Commodity, c.ClusterID, c.Magnitude*100, c.OldPrice, c.NewPrice, c.Currency)
	}
	if m.notifier == nil {
		m.RecordNotified(changes, now)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.CheckInterval)
	defer cancel()
	if err := m.notifier.Notify(ctx, changes); err != nil {
		logger.Error("Failed to send price change notification: %v", err)
		return
	}
	m.RecordNotified(changes, now)
}
