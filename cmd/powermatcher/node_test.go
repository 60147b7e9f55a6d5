package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewired-gh/powermatcher/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Cluster: config.ClusterConfig{ID: "DefaultCluster"},
		Auctioneer: config.AuctioneerConfig{
			Enabled: true,
			AgentID: "auctioneer",
			MarketBasis: config.MarketBasisConfig{
				Commodity: "electricity", Currency: "EUR", PriceSteps: 100, MinimumPrice: 0, MaximumPrice: 1,
			},
		},
		Concentrators: []config.ConcentratorConfig{
			{AgentID: "concentrator", DesiredParentID: "auctioneer"},
		},
		Devices: []config.DeviceConfig{
			{Type: "freezer", AgentID: "freezer", DesiredParentID: "concentrator", BidUpdateRate: time.Minute, MinimumDemand: 1000, MaximumDemand: 1210},
			{Type: "pvpanel", AgentID: "pvpanel", DesiredParentID: "concentrator", BidUpdateRate: time.Minute, MinimumDemand: -700, MaximumDemand: -600},
			{Type: "objective", AgentID: "objective", DesiredParentID: "auctioneer", WatchMatcherID: "auctioneer", ObjectiveDemand: 500},
		},
		Storage: config.StorageConfig{
			Enabled:       true,
			DBPath:        filepath.Join(t.TempDir(), "events.db"),
			MaxRows:       100,
			PruneInterval: time.Hour,
		},
		Logging: config.LoggingConfig{Level: "info", Format: "text"},
	}
}

func TestNodeConnectsConfiguredTopology(t *testing.T) {
	n, err := newNode(testConfig(t))
	require.NoError(t, err)
	defer n.close()

	require.NoError(t, n.register())
	assert.Equal(t, []string{"auctioneer", "concentrator"}, n.mgr.MatcherIDs())

	sessions := n.mgr.Sessions()
	require.Len(t, sessions, 4)
	for _, s := range sessions {
		assert.Equal(t, "CONNECTED", s.State, "agent %s", s.AgentID)
		assert.Equal(t, "DefaultCluster", s.ClusterID, "agent %s", s.AgentID)
	}
	assert.Nil(t, n.http, "no listener without bridge server or metrics")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	n.shutdown(ctx)
	assert.Empty(t, n.mgr.Sessions())
	assert.Empty(t, n.mgr.MatcherIDs())
}

func TestObjectiveNeedsKnownMatcher(t *testing.T) {
	cfg := testConfig(t)
	cfg.Devices[2].WatchMatcherID = "elsewhere"

	_, err := newNode(cfg)
	assert.ErrorContains(t, err, "unknown matcher elsewhere")
}

func TestDuplicateAgentIsRejected(t *testing.T) {
	cfg := testConfig(t)
	cfg.Devices[1].AgentID = "freezer"

	n, err := newNode(cfg)
	require.NoError(t, err)
	defer n.close()
	assert.Error(t, n.register())
}
