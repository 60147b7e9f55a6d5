package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rewired-gh/powermatcher/internal/models"
)

// Config represents the complete application configuration
type Config struct {
	Cluster       ClusterConfig        `mapstructure:"cluster"`
	Auctioneer    AuctioneerConfig     `mapstructure:"auctioneer"`
	Concentrators []ConcentratorConfig `mapstructure:"concentrators"`
	Devices       []DeviceConfig       `mapstructure:"devices"`
	Bridge        BridgeConfig         `mapstructure:"bridge"`
	HTTP          HTTPConfig           `mapstructure:"http"`
	Storage       StorageConfig        `mapstructure:"storage"`
	Monitor       MonitorConfig        `mapstructure:"monitor"`
	Telegram      TelegramConfig       `mapstructure:"telegram"`
	Redis         RedisConfig          `mapstructure:"redis"`
	Metrics       MetricsConfig        `mapstructure:"metrics"`
	Logging       LoggingConfig        `mapstructure:"logging"`
}

// ClusterConfig identifies the cluster this process belongs to
type ClusterConfig struct {
	ID string `mapstructure:"id"`
}

// MarketBasisConfig describes the price axis of the cluster
type MarketBasisConfig struct {
	Commodity    string  `mapstructure:"commodity"`
	Currency     string  `mapstructure:"currency"`
	PriceSteps   int     `mapstructure:"price_steps"`
	MinimumPrice float64 `mapstructure:"minimum_price"`
	MaximumPrice float64 `mapstructure:"maximum_price"`
}

// ToModel converts the configuration into a validated market basis
func (m MarketBasisConfig) ToModel() (models.MarketBasis, error) {
	return models.NewMarketBasis(m.Commodity, m.Currency, m.PriceSteps, m.MinimumPrice, m.MaximumPrice)
}

// AuctioneerConfig holds the root matcher configuration
type AuctioneerConfig struct {
	Enabled                    bool              `mapstructure:"enabled"`
	AgentID                    string            `mapstructure:"agent_id"`
	MarketBasis                MarketBasisConfig `mapstructure:"market_basis"`
	BidTimeout                 time.Duration     `mapstructure:"bid_timeout"`
	MinTimeBetweenPriceUpdates time.Duration     `mapstructure:"min_time_between_price_updates"`
	PriceUpdateRate            time.Duration     `mapstructure:"price_update_rate"`
}

// ConcentratorConfig holds the configuration of one concentrator
type ConcentratorConfig struct {
	AgentID                  string        `mapstructure:"agent_id"`
	DesiredParentID          string        `mapstructure:"desired_parent_id"`
	BidTimeout               time.Duration `mapstructure:"bid_timeout"`
	MinTimeBetweenBidUpdates time.Duration `mapstructure:"min_time_between_bid_updates"`
}

// DeviceConfig holds the configuration of one simulated device
type DeviceConfig struct {
	Type            string        `mapstructure:"type"` // "freezer", "pvpanel" or "objective"
	AgentID         string        `mapstructure:"agent_id"`
	DesiredParentID string        `mapstructure:"desired_parent_id"`
	BidUpdateRate   time.Duration `mapstructure:"bid_update_rate"`
	MinimumDemand   float64       `mapstructure:"minimum_demand"`
	MaximumDemand   float64       `mapstructure:"maximum_demand"`
	// Objective agent only
	WatchMatcherID  string  `mapstructure:"watch_matcher_id"`
	Threshold       float64 `mapstructure:"threshold"`
	ObjectiveDemand float64 `mapstructure:"objective_demand"`
}

// BridgeConfig holds the websocket bridge configuration
type BridgeConfig struct {
	Server BridgeServerConfig `mapstructure:"server"`
	Client BridgeClientConfig `mapstructure:"client"`
}

// BridgeServerConfig accepts remote agents into a local matcher
type BridgeServerConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	Path            string `mapstructure:"path"`
	DesiredParentID string `mapstructure:"desired_parent_id"`
}

// BridgeClientConfig connects a local agent to a remote matcher
type BridgeClientConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	URL             string        `mapstructure:"url"`
	RemoteMatcherID string        `mapstructure:"remote_matcher_id"`
	AgentID         string        `mapstructure:"agent_id"`
	MaxRetries      int           `mapstructure:"max_retries"`
	RetryDelayBase  time.Duration `mapstructure:"retry_delay_base"`
}

// HTTPConfig holds the HTTP listener configuration
type HTTPConfig struct {
	ListenAddr      string        `mapstructure:"listen_addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// StorageConfig holds the event log configuration
type StorageConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	DBPath        string        `mapstructure:"db_path"`
	MaxRows       int           `mapstructure:"max_rows"`
	PruneInterval time.Duration `mapstructure:"prune_interval"`
}

// MonitorConfig holds price swing detection configuration
type MonitorConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Threshold     float64       `mapstructure:"threshold"`
	Window        time.Duration `mapstructure:"window"`
	CheckInterval time.Duration `mapstructure:"check_interval"`
	Cooldown      time.Duration `mapstructure:"cooldown"`
}

// TelegramConfig holds Telegram notification configuration
type TelegramConfig struct {
	BotToken       string        `mapstructure:"bot_token"`
	ChatID         string        `mapstructure:"chat_id"`
	Enabled        bool          `mapstructure:"enabled"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
}

// RedisConfig holds the latest price cache configuration
type RedisConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	TTL       time.Duration `mapstructure:"ttl"`
}

// MetricsConfig holds Prometheus configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from file and environment variables
func Load(path string) (*Config, error) {
	v := viper.New()

	// Set config file
	v.SetConfigFile(path)

	// Set defaults
	setDefaults(v)

	// Enable environment variable override, e.g. POWERMATCHER_TELEGRAM_BOT_TOKEN
	v.SetEnvPrefix("POWERMATCHER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Unmarshal into Config struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	v.SetDefault("cluster.id", "DefaultCluster")

	// Auctioneer defaults
	v.SetDefault("auctioneer.enabled", true)
	v.SetDefault("auctioneer.agent_id", "auctioneer")
	v.SetDefault("auctioneer.market_basis.commodity", "electricity")
	v.SetDefault("auctioneer.market_basis.currency", "EUR")
	v.SetDefault("auctioneer.market_basis.price_steps", 100)
	v.SetDefault("auctioneer.market_basis.minimum_price", 0.0)
	v.SetDefault("auctioneer.market_basis.maximum_price", 1.0)
	v.SetDefault("auctioneer.bid_timeout", "10m")
	v.SetDefault("auctioneer.min_time_between_price_updates", "1s")
	v.SetDefault("auctioneer.price_update_rate", "30s")

	// Bridge defaults
	v.SetDefault("bridge.server.enabled", false)
	v.SetDefault("bridge.server.path", "/powermatcher/websocket")
	v.SetDefault("bridge.client.enabled", false)
	v.SetDefault("bridge.client.max_retries", 5)
	v.SetDefault("bridge.client.retry_delay_base", "1s")

	// HTTP defaults
	v.SetDefault("http.listen_addr", ":8080")
	v.SetDefault("http.shutdown_timeout", "10s")

	// Storage defaults
	v.SetDefault("storage.enabled", false)
	v.SetDefault("storage.db_path", "./data/powermatcher.db")
	v.SetDefault("storage.max_rows", 100000)
	v.SetDefault("storage.prune_interval", "10m")

	// Monitor defaults
	v.SetDefault("monitor.enabled", false)
	v.SetDefault("monitor.threshold", 0.25)
	v.SetDefault("monitor.window", "1h")
	v.SetDefault("monitor.check_interval", "1m")
	v.SetDefault("monitor.cooldown", "30m")

	// Telegram defaults
	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.chat_id", "")
	v.SetDefault("telegram.max_retries", 3)
	v.SetDefault("telegram.retry_delay_base", "2s")

	// Redis defaults
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "powermatcher:price:")
	v.SetDefault("redis.ttl", "5m")

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	ids := make(map[string]string)
	claim := func(id, owner string) error {
		if id == "" {
			return fmt.Errorf("%s.agent_id is required", owner)
		}
		if other, ok := ids[id]; ok {
			return fmt.Errorf("%s.agent_id %q is already used by %s", owner, id, other)
		}
		ids[id] = owner
		return nil
	}

	// Validate Auctioneer config
	if c.Auctioneer.Enabled {
		if c.Cluster.ID == "" {
			return fmt.Errorf("cluster.id is required when the auctioneer is enabled")
		}
		if err := claim(c.Auctioneer.AgentID, "auctioneer"); err != nil {
			return err
		}
		if _, err := c.Auctioneer.MarketBasis.ToModel(); err != nil {
			return fmt.Errorf("auctioneer.market_basis: %w", err)
		}
		if c.Auctioneer.BidTimeout < 0 || c.Auctioneer.MinTimeBetweenPriceUpdates < 0 || c.Auctioneer.PriceUpdateRate < 0 {
			return fmt.Errorf("auctioneer durations must not be negative")
		}
	}

	// Validate Concentrator config
	for i, cc := range c.Concentrators {
		owner := fmt.Sprintf("concentrators[%d]", i)
		if err := claim(cc.AgentID, owner); err != nil {
			return err
		}
		if cc.DesiredParentID == "" {
			return fmt.Errorf("%s.desired_parent_id is required", owner)
		}
		if cc.BidTimeout < 0 || cc.MinTimeBetweenBidUpdates < 0 {
			return fmt.Errorf("%s durations must not be negative", owner)
		}
	}

	// Validate Device config
	validDeviceTypes := map[string]bool{"freezer": true, "pvpanel": true, "objective": true}
	for i, d := range c.Devices {
		owner := fmt.Sprintf("devices[%d]", i)
		if !validDeviceTypes[d.Type] {
			return fmt.Errorf("%s.type must be one of: freezer, pvpanel, objective", owner)
		}
		if err := claim(d.AgentID, owner); err != nil {
			return err
		}
		if d.DesiredParentID == "" {
			return fmt.Errorf("%s.desired_parent_id is required", owner)
		}
		if d.Type == "objective" {
			if d.WatchMatcherID == "" {
				return fmt.Errorf("%s.watch_matcher_id is required for objective agents", owner)
			}
			continue
		}
		if d.BidUpdateRate < 1*time.Second {
			return fmt.Errorf("%s.bid_update_rate must be at least 1 second", owner)
		}
		if d.MinimumDemand > d.MaximumDemand {
			return fmt.Errorf("%s.minimum_demand must not exceed maximum_demand", owner)
		}
	}

	// Validate Bridge config
	if c.Bridge.Server.Enabled {
		if c.Bridge.Server.Path == "" || !strings.HasPrefix(c.Bridge.Server.Path, "/") {
			return fmt.Errorf("bridge.server.path must start with /")
		}
		if c.Bridge.Server.DesiredParentID == "" {
			return fmt.Errorf("bridge.server.desired_parent_id is required when the bridge server is enabled")
		}
	}
	if c.Bridge.Client.Enabled {
		if !strings.HasPrefix(c.Bridge.Client.URL, "ws://") && !strings.HasPrefix(c.Bridge.Client.URL, "wss://") {
			return fmt.Errorf("bridge.client.url must be a ws:// or wss:// URL")
		}
		if c.Bridge.Client.RemoteMatcherID == "" {
			return fmt.Errorf("bridge.client.remote_matcher_id is required when the bridge client is enabled")
		}
		if c.Bridge.Client.AgentID == "" {
			return fmt.Errorf("bridge.client.agent_id is required when the bridge client is enabled")
		}
		if c.Bridge.Client.MaxRetries < 0 {
			return fmt.Errorf("bridge.client.max_retries must not be negative")
		}
	}

	// Validate HTTP config
	if c.HTTP.ListenAddr == "" && (c.Bridge.Server.Enabled || c.Metrics.Enabled) {
		return fmt.Errorf("http.listen_addr is required when the bridge server or metrics are enabled")
	}

	// Validate Storage config
	if c.Storage.Enabled {
		if c.Storage.DBPath == "" {
			return fmt.Errorf("storage.db_path is required when storage is enabled")
		}
		if c.Storage.MaxRows < 1 {
			return fmt.Errorf("storage.max_rows must be at least 1")
		}
		if c.Storage.PruneInterval < 1*time.Minute {
			return fmt.Errorf("storage.prune_interval must be at least 1 minute")
		}
	}

	// Validate Monitor config
	if c.Monitor.Enabled {
		if c.Monitor.Threshold <= 0.0 || c.Monitor.Threshold > 1.0 {
			return fmt.Errorf("monitor.threshold must be between 0.0 and 1.0")
		}
		if c.Monitor.Window < 1*time.Minute {
			return fmt.Errorf("monitor.window must be at least 1 minute")
		}
		if c.Monitor.CheckInterval < 1*time.Second {
			return fmt.Errorf("monitor.check_interval must be at least 1 second")
		}
		if !c.Auctioneer.Enabled {
			return fmt.Errorf("monitor requires the auctioneer to be enabled")
		}
	}

	// Validate Telegram config
	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == "" {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
		if !c.Monitor.Enabled {
			return fmt.Errorf("telegram requires monitor to be enabled")
		}
	}

	// Validate Redis config
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required when redis is enabled")
		}
		if c.Redis.TTL < 1*time.Second {
			return fmt.Errorf("redis.ttl must be at least 1 second")
		}
	}

	// Validate Logging config
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}

// ParentIDs returns every matcher id declared in this process.
func (c *Config) ParentIDs() map[string]bool {
	out := make(map[string]bool)
	if c.Auctioneer.Enabled {
		out[c.Auctioneer.AgentID] = true
	}
	for _, cc := range c.Concentrators {
		out[cc.AgentID] = true
	}
	if c.Bridge.Client.Enabled {
		out[c.Bridge.Client.RemoteMatcherID] = true
	}
	return out
}
