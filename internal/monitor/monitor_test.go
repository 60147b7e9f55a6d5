package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rewired-gh/powermatcher/internal/models"
	"github.com/rewired-gh/powermatcher/internal/observer"
	"github.com/rewired-gh/powermatcher/internal/scheduler"
)

var (
	epoch       = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	electricity = models.MarketBasis{Commodity: "electricity", Currency: "EUR", PriceSteps: 100, MinimumPrice: 0, MaximumPrice: 2}
)

type fakeNotifier struct {
	calls [][]models.PriceChange
	err   error
}

func (f *fakeNotifier) Notify(_ context.Context, changes []models.PriceChange) error {
	f.calls = append(f.calls, changes)
	return f.err
}

func testConfig() Config {
	return Config{Threshold: 0.25, Window: time.Hour, CheckInterval: time.Minute, Cooldown: 30 * time.Minute}
}

func clearing(cluster string, at time.Time, value float64) observer.Event {
	return observer.Event{
		Type:        observer.ClearingPrice,
		ClusterID:   cluster,
		AgentID:     "auctioneer",
		Timestamp:   at,
		PriceUpdate: &models.PriceUpdate{Price: models.Price{MarketBasis: electricity, Value: value}, BidNumber: 1},
	}
}

func mustMonitor(t *testing.T, sched scheduler.Scheduler, n Notifier) *Monitor {
	t.Helper()
	m, err := New(testConfig(), sched, n)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return m
}

func TestDetectChanges(t *testing.T) {
	m := mustMonitor(t, scheduler.NewManual(epoch), nil)

	m.HandleEvent(clearing("a", epoch, 0.4))
	m.HandleEvent(clearing("a", epoch.Add(10*time.Minute), 0.6))
	m.HandleEvent(clearing("a", epoch.Add(20*time.Minute), 1.2))
	m.HandleEvent(clearing("b", epoch, 1.0))
	m.HandleEvent(clearing("b", epoch.Add(20*time.Minute), 0.9))

	changes := m.DetectChanges(epoch.Add(30 * time.Minute))
	if len(changes) != 1 {
		t.Fatalf("Expected 1 change, got %d", len(changes))
	}
	c := changes[0]
	if c.ClusterID != "a" || c.Direction != "increase" {
		t.Errorf("Unexpected change: %+v", c)
	}
	if c.Magnitude < 0.399 || c.Magnitude > 0.401 {
		t.Errorf("Expected magnitude 0.4, got %v", c.Magnitude)
	}
	if c.PriceRange != 2 || c.TimeWindow != time.Hour {
		t.Errorf("Unexpected range or window: %+v", c)
	}
	if err := c.Validate(); err != nil {
		t.Errorf("Change should validate: %v", err)
	}
}

func TestDetectChangesIgnoresSnapshotsOutsideWindow(t *testing.T) {
	m := mustMonitor(t, scheduler.NewManual(epoch), nil)

	m.HandleEvent(clearing("a", epoch, 0.0))
	m.HandleEvent(clearing("a", epoch.Add(90*time.Minute), 1.5))
	m.HandleEvent(clearing("a", epoch.Add(100*time.Minute), 1.6))

	changes := m.DetectChanges(epoch.Add(2 * time.Hour))
	if len(changes) != 0 {
		t.Errorf("Expected the old snapshot to fall out of the window, got %+v", changes)
	}

	if changes := m.DetectChanges(epoch.Add(5 * time.Hour)); len(changes) != 0 {
		t.Errorf("Expected no changes once every snapshot expired, got %d", len(changes))
	}
	if len(m.snapshots) != 0 {
		t.Errorf("Expected expired clusters to be forgotten, got %d", len(m.snapshots))
	}
}

func TestDecreaseDirection(t *testing.T) {
	m := mustMonitor(t, scheduler.NewManual(epoch), nil)
	m.HandleEvent(clearing("a", epoch, 2.0))
	m.HandleEvent(clearing("a", epoch.Add(time.Minute), 0.0))

	changes := m.DetectChanges(epoch.Add(2 * time.Minute))
	if len(changes) != 1 || changes[0].Direction != "decrease" || changes[0].Magnitude != 1.0 {
		t.Fatalf("Unexpected changes: %+v", changes)
	}
}

func TestFilterRecentlySent(t *testing.T) {
	m := mustMonitor(t, scheduler.NewManual(epoch), nil)
	up := models.PriceChange{ClusterID: "a", Direction: "increase"}
	down := models.PriceChange{ClusterID: "a", Direction: "decrease"}

	m.RecordNotified([]models.PriceChange{up}, epoch)

	if got := m.FilterRecentlySent([]models.PriceChange{up}, epoch.Add(10*time.Minute)); len(got) != 0 {
		t.Errorf("Same direction within cooldown should be suppressed, got %+v", got)
	}
	if got := m.FilterRecentlySent([]models.PriceChange{down}, epoch.Add(10*time.Minute)); len(got) != 1 {
		t.Errorf("Reversal should pass, got %+v", got)
	}
	if got := m.FilterRecentlySent([]models.PriceChange{up}, epoch.Add(31*time.Minute)); len(got) != 1 {
		t.Errorf("Change after cooldown should pass, got %+v", got)
	}
	if got := m.FilterRecentlySent(nil, epoch); got == nil {
		t.Error("Expected non-nil empty slice")
	}
}

func TestPeriodicCheckNotifies(t *testing.T) {
	sched := scheduler.NewManual(epoch)
	n := &fakeNotifier{}
	m := mustMonitor(t, sched, n)
	m.Start()
	defer m.Stop()

	m.HandleEvent(clearing("a", epoch, 0.2))
	sched.Advance(30 * time.Second)
	m.HandleEvent(clearing("a", sched.Now(), 1.8))

	sched.Advance(30 * time.Second)
	if len(n.calls) != 1 {
		t.Fatalf("Expected 1 notification, got %d", len(n.calls))
	}
	if n.calls[0][0].NewPrice != 1.8 {
		t.Errorf("Unexpected notified change: %+v", n.calls[0][0])
	}

	// still inside the window and the cooldown
	sched.Advance(5 * time.Minute)
	if len(n.calls) != 1 {
		t.Errorf("Expected cooldown to suppress repeats, got %d notifications", len(n.calls))
	}

	m.Stop()
	m.HandleEvent(clearing("a", sched.Now(), 0.0))
	sched.Advance(time.Hour)
	if len(n.calls) != 1 {
		t.Errorf("Expected no checks after Stop, got %d notifications", len(n.calls))
	}
}

func TestFailedNotificationIsRetried(t *testing.T) {
	sched := scheduler.NewManual(epoch)
	n := &fakeNotifier{err: errors.New("telegram unavailable")}
	m := mustMonitor(t, sched, n)
	m.Start()
	defer m.Stop()

	m.HandleEvent(clearing("a", epoch, 0.0))
	m.HandleEvent(clearing("a", epoch.Add(time.Second), 2.0))

	sched.Advance(time.Minute)
	n.err = nil
	sched.Advance(time.Minute)
	if len(n.calls) != 2 {
		t.Fatalf("Expected the change to be sent again after a failure, got %d calls", len(n.calls))
	}
	sched.Advance(time.Minute)
	if len(n.calls) != 2 {
		t.Errorf("Expected cooldown after a successful send, got %d calls", len(n.calls))
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"zero threshold", func(c *Config) { c.Threshold = 0 }},
		{"threshold above one", func(c *Config) { c.Threshold = 1.5 }},
		{"zero window", func(c *Config) { c.Window = 0 }},
		{"zero interval", func(c *Config) { c.CheckInterval = 0 }},
		{"negative cooldown", func(c *Config) { c.Cooldown = -time.Second }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := testConfig()
			tt.mutate(&c)
			if _, err := New(c, scheduler.NewManual(epoch), nil); err == nil {
				t.Error("Expected validation error")
			}
		})
	}
}
