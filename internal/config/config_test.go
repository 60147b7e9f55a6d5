package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

const clusterYAML = `
cluster:
  id: "HomeCluster"

auctioneer:
  agent_id: "auctioneer"
  market_basis:
    commodity: "electricity"
    currency: "EUR"
    price_steps: 100
    minimum_price: 0
    maximum_price: 1
  bid_timeout: 10m
  min_time_between_price_updates: 2s
  price_update_rate: 30s

concentrators:
  - agent_id: "concentrator"
    desired_parent_id: "auctioneer"
    bid_timeout: 5m
    min_time_between_bid_updates: 1s

devices:
  - type: freezer
    agent_id: "freezer"
    desired_parent_id: "concentrator"
    bid_update_rate: 30s
    minimum_demand: 1000
    maximum_demand: 1210
  - type: pvpanel
    agent_id: "pvpanel"
    desired_parent_id: "concentrator"
    bid_update_rate: 30s
    minimum_demand: -700
    maximum_demand: -600
  - type: objective
    agent_id: "objective"
    desired_parent_id: "auctioneer"
    watch_matcher_id: "auctioneer"
    threshold: 1000
    objective_demand: 1000

bridge:
  server:
    enabled: true
    desired_parent_id: "concentrator"

monitor:
  enabled: true
  threshold: 0.5

telegram:
  bot_token: "test_token"
  chat_id: "test_chat_id"
  enabled: true

logging:
  level: "info"
  format: "json"
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	tmpfile, err := os.CreateTemp("", "config-*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Remove(tmpfile.Name()) })

	if _, err := tmpfile.Write([]byte(content)); err != nil {
		t.Fatal(err)
	}
	if err := tmpfile.Close(); err != nil {
		t.Fatal(err)
	}
	return tmpfile.Name()
}

func TestLoadAndValidate(t *testing.T) {
	cfg, err := Load(writeConfig(t, clusterYAML))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Cluster.ID != "HomeCluster" {
		t.Errorf("Unexpected cluster id: %s", cfg.Cluster.ID)
	}
	if !cfg.Auctioneer.Enabled {
		t.Error("Auctioneer should be enabled by default")
	}
	if cfg.Auctioneer.MinTimeBetweenPriceUpdates != 2*time.Second {
		t.Errorf("Unexpected min time between price updates: %v", cfg.Auctioneer.MinTimeBetweenPriceUpdates)
	}
	mb, err := cfg.Auctioneer.MarketBasis.ToModel()
	if err != nil {
		t.Fatalf("ToModel failed: %v", err)
	}
	if mb.PriceSteps != 100 || mb.MaximumPrice != 1 {
		t.Errorf("Unexpected market basis: %s", mb)
	}
	if len(cfg.Concentrators) != 1 || cfg.Concentrators[0].MinTimeBetweenBidUpdates != time.Second {
		t.Errorf("Unexpected concentrators: %+v", cfg.Concentrators)
	}
	if len(cfg.Devices) != 3 {
		t.Fatalf("Expected 3 devices, got %d", len(cfg.Devices))
	}
	if cfg.Devices[1].MinimumDemand != -700 {
		t.Errorf("Unexpected pv minimum demand: %v", cfg.Devices[1].MinimumDemand)
	}
	if cfg.Bridge.Server.Path != "/powermatcher/websocket" {
		t.Errorf("Unexpected bridge path default: %s", cfg.Bridge.Server.Path)
	}
	if cfg.Monitor.Window != time.Hour {
		t.Errorf("Unexpected monitor window default: %v", cfg.Monitor.Window)
	}
	if cfg.Redis.KeyPrefix != "powermatcher:price:" {
		t.Errorf("Unexpected redis key prefix default: %s", cfg.Redis.KeyPrefix)
	}

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	parents := cfg.ParentIDs()
	if !parents["auctioneer"] || !parents["concentrator"] || parents["freezer"] {
		t.Errorf("Unexpected parent ids: %v", parents)
	}
}

func TestEnvironmentOverride(t *testing.T) {
	t.Setenv("POWERMATCHER_TELEGRAM_BOT_TOKEN", "from-env")
	t.Setenv("POWERMATCHER_CLUSTER_ID", "EnvCluster")

	cfg, err := Load(writeConfig(t, clusterYAML))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Telegram.BotToken != "from-env" {
		t.Errorf("Expected bot token from env, got %s", cfg.Telegram.BotToken)
	}
	if cfg.Cluster.ID != "EnvCluster" {
		t.Errorf("Expected cluster id from env, got %s", cfg.Cluster.ID)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/powermatcher.yaml"); err == nil {
		t.Error("Expected error for missing config file")
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"empty cluster id", func(c *Config) { c.Cluster.ID = "" }, "cluster.id"},
		{"bad market basis", func(c *Config) { c.Auctioneer.MarketBasis.PriceSteps = 1 }, "auctioneer.market_basis"},
		{"duplicate id", func(c *Config) { c.Devices[0].AgentID = "concentrator" }, "already used"},
		{"concentrator without parent", func(c *Config) { c.Concentrators[0].DesiredParentID = "" }, "desired_parent_id"},
		{"unknown device type", func(c *Config) { c.Devices[0].Type = "heatpump" }, "type must be one of"},
		{"fast bid rate", func(c *Config) { c.Devices[0].BidUpdateRate = time.Millisecond }, "bid_update_rate"},
		{"inverted demand", func(c *Config) { c.Devices[1].MinimumDemand = 0 }, "minimum_demand"},
		{"objective without matcher", func(c *Config) { c.Devices[2].WatchMatcherID = "" }, "watch_matcher_id"},
		{"bridge without parent", func(c *Config) { c.Bridge.Server.DesiredParentID = "" }, "bridge.server.desired_parent_id"},
		{"bridge client url", func(c *Config) {
			c.Bridge.Client = BridgeClientConfig{Enabled: true, URL: "http://x", RemoteMatcherID: "r", AgentID: "a"}
		}, "bridge.client.url"},
		{"telegram without token", func(c *Config) { c.Telegram.BotToken = "" }, "telegram.bot_token"},
		{"telegram without monitor", func(c *Config) { c.Monitor.Enabled = false }, "telegram requires monitor"},
		{"monitor threshold", func(c *Config) { c.Monitor.Threshold = 1.5 }, "monitor.threshold"},
		{"redis ttl", func(c *Config) {
			c.Redis.Enabled = true
			c.Redis.TTL = 0
		}, "redis.ttl"},
		{"log level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
		{"log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, clusterYAML))
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			tt.mutate(cfg)
			err = cfg.Validate()
			if err == nil {
				t.Fatalf("Expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}
