package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rewired-gh/powermatcher/internal/agent"
	"github.com/rewired-gh/powermatcher/internal/bridge"
	"github.com/rewired-gh/powermatcher/internal/cache"
	"github.com/rewired-gh/powermatcher/internal/config"
	"github.com/rewired-gh/powermatcher/internal/device"
	"github.com/rewired-gh/powermatcher/internal/logger"
	"github.com/rewired-gh/powermatcher/internal/metrics"
	"github.com/rewired-gh/powermatcher/internal/monitor"
	"github.com/rewired-gh/powermatcher/internal/observer"
	"github.com/rewired-gh/powermatcher/internal/scheduler"
	"github.com/rewired-gh/powermatcher/internal/server"
	"github.com/rewired-gh/powermatcher/internal/session"
	"github.com/rewired-gh/powermatcher/internal/storage"
	"github.com/rewired-gh/powermatcher/internal/telegram"
)

const storageQueueSize = 1024

type closer interface {
	Close()
}

// node holds everything one process runs.
type node struct {
	cfg   *config.Config
	sched scheduler.Scheduler
	mgr   *session.Manager

	sinks       []observer.Observer
	observables map[string]observer.Observable

	auctioneer *agent.Auctioneer
	matchers   []session.MatcherEndpoint
	agents     []session.AgentEndpoint
	closers    []closer
	devices    []*device.Device

	store     *storage.Storage
	pruneTask scheduler.Task
	cache     *cache.Publisher
	monitor   *monitor.Monitor

	http         *server.Server
	bridgeClient *bridge.Client
}

func newNode(cfg *config.Config) (*node, error) {
	n := &node{
		cfg:         cfg,
		sched:       scheduler.NewRealtime(),
		mgr:         session.NewManager(),
		observables: make(map[string]observer.Observable),
	}

	if err := n.buildSinks(); err != nil {
		n.close()
		return nil, err
	}
	if err := n.buildAgents(); err != nil {
		n.close()
		return nil, err
	}
	n.buildHTTP()

	if cfg.Bridge.Client.Enabled {
		n.bridgeClient = bridge.NewClient(bridge.ClientConfig{
			URL:             cfg.Bridge.Client.URL,
			RemoteMatcherID: cfg.Bridge.Client.RemoteMatcherID,
			AgentID:         cfg.Bridge.Client.AgentID,
			MaxRetries:      cfg.Bridge.Client.MaxRetries,
			RetryDelayBase:  cfg.Bridge.Client.RetryDelayBase,
		}, n.mgr)
	}
	return n, nil
}

// buildSinks creates the observers every agent and the manager report to.
func (n *node) buildSinks() error {
	cfg := n.cfg

	if cfg.Logging.Level == "debug" {
		n.sinks = append(n.sinks, observer.Console{})
	}

	if cfg.Metrics.Enabled {
		n.sinks = append(n.sinks, metrics.New(prometheus.DefaultRegisterer))
	}

	if cfg.Storage.Enabled {
		store, err := storage.New(cfg.Storage.DBPath, storageQueueSize)
		if err != nil {
			return fmt.Errorf("failed to initialize storage: %w", err)
		}
		n.store = store
		n.sinks = append(n.sinks, store)
		logger.Info("Event log at %s", cfg.Storage.DBPath)
	}

	if cfg.Redis.Enabled {
		pub, err := cache.NewPublisher(cache.Options{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
			TTL:       cfg.Redis.TTL,
		})
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		n.cache = pub
		n.sinks = append(n.sinks, pub)
	}

	if cfg.Monitor.Enabled {
		var notifier monitor.Notifier
		if cfg.Telegram.Enabled {
			tg, err := telegram.NewClient(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.MaxRetries, cfg.Telegram.RetryDelayBase)
			if err != nil {
				return fmt.Errorf("failed to initialize telegram client: %w", err)
			}
			notifier = tg
		}
		mon, err := monitor.New(monitor.Config{
			Threshold:     cfg.Monitor.Threshold,
			Window:        cfg.Monitor.Window,
			CheckInterval: cfg.Monitor.CheckInterval,
			Cooldown:      cfg.Monitor.Cooldown,
		}, n.sched, notifier)
		if err != nil {
			return fmt.Errorf("failed to initialize monitor: %w", err)
		}
		n.monitor = mon
		n.sinks = append(n.sinks, mon)
	}

	for _, s := range n.sinks {
		n.mgr.AddObserver(s)
	}
	return nil
}

func (n *node) observe(id string, o observer.Observable) {
	for _, s := range n.sinks {
		o.AddObserver(s)
	}
	n.observables[id] = o
}

func (n *node) buildAgents() error {
	cfg := n.cfg

	if cfg.Auctioneer.Enabled {
		mb, err := cfg.Auctioneer.MarketBasis.ToModel()
		if err != nil {
			return err
		}
		auc, err := agent.NewAuctioneer(agent.AuctioneerConfig{
			AgentID:                    cfg.Auctioneer.AgentID,
			ClusterID:                  cfg.Cluster.ID,
			MarketBasis:                mb,
			BidTimeout:                 cfg.Auctioneer.BidTimeout,
			MinTimeBetweenPriceUpdates: cfg.Auctioneer.MinTimeBetweenPriceUpdates,
			PriceUpdateRate:            cfg.Auctioneer.PriceUpdateRate,
		}, n.sched)
		if err != nil {
			return err
		}
		n.auctioneer = auc
		n.observe(auc.AgentID(), auc)
		n.matchers = append(n.matchers, auc)
		n.closers = append(n.closers, auc)
	}

	for _, cc := range cfg.Concentrators {
		c, err := agent.NewConcentrator(agent.ConcentratorConfig{
			AgentID:                  cc.AgentID,
			DesiredParentID:          cc.DesiredParentID,
			BidTimeout:               cc.BidTimeout,
			MinTimeBetweenBidUpdates: cc.MinTimeBetweenBidUpdates,
		}, n.sched)
		if err != nil {
			return err
		}
		n.observe(c.AgentID(), c)
		n.matchers = append(n.matchers, c)
		n.agents = append(n.agents, c)
		n.closers = append(n.closers, c)
	}

	watchers := make(map[*device.ObjectiveAgent]string)
	seed := uint64(time.Now().UnixNano())
	for i, dc := range cfg.Devices {
		dcfg := device.Config{
			AgentID:         dc.AgentID,
			DesiredParentID: dc.DesiredParentID,
			BidUpdateRate:   dc.BidUpdateRate,
			MinimumDemand:   dc.MinimumDemand,
			MaximumDemand:   dc.MaximumDemand,
		}
		var (
			d   *device.Device
			err error
		)
		switch dc.Type {
		case "freezer":
			d, err = device.NewFreezer(dcfg, n.sched, seed+uint64(i))
		case "pvpanel":
			d, err = device.NewPVPanel(dcfg, n.sched, seed+uint64(i))
		case "objective":
			o := device.NewObjectiveAgent(dc.AgentID, dc.DesiredParentID, dc.WatchMatcherID, dc.Threshold, dc.ObjectiveDemand, n.sched)
			n.observe(o.AgentID(), o)
			n.agents = append(n.agents, o)
			watchers[o] = dc.WatchMatcherID
			continue
		default:
			err = fmt.Errorf("unknown device type %q", dc.Type)
		}
		if err != nil {
			return err
		}
		n.observe(d.AgentID(), d)
		n.agents = append(n.agents, d)
		n.devices = append(n.devices, d)
	}

	for o, watched := range watchers {
		src, ok := n.observables[watched]
		if !ok {
			return fmt.Errorf("objective agent %s watches unknown matcher %s", o.AgentID(), watched)
		}
		src.AddObserver(o)
	}

	parents := cfg.ParentIDs()
	for _, a := range n.agents {
		parent := a.DesiredParentID()
		if !parents[parent] && !(cfg.Bridge.Client.Enabled && parent == cfg.Bridge.Client.RemoteMatcherID) {
			logger.Warn("Agent %s waits for matcher %s which is not run by this process", a.AgentID(), parent)
		}
	}
	return nil
}

func (n *node) buildHTTP() {
	cfg := n.cfg
	if !cfg.Bridge.Server.Enabled && !cfg.Metrics.Enabled {
		return
	}

	opts := server.Options{
		ListenAddr: cfg.HTTP.ListenAddr,
		ClusterID:  cfg.Cluster.ID,
		Manager:    n.mgr,
	}
	if n.auctioneer != nil {
		opts.Prices = n.auctioneer
	}
	if cfg.Bridge.Server.Enabled {
		opts.BridgePath = cfg.Bridge.Server.Path
		opts.Bridge = bridge.NewServer(n.mgr, cfg.Bridge.Server.DesiredParentID)
	}
	if cfg.Metrics.Enabled {
		opts.MetricsPath = cfg.Metrics.Path
		opts.Metrics = promhttp.Handler()
	}
	n.http = server.New(opts)
}

// register hands every matcher and agent to the manager. The order does not matter;
// sessions connect as soon as both ends are present.
func (n *node) register() error {
	for _, m := range n.matchers {
		if err := n.mgr.RegisterMatcher(m); err != nil {
			return fmt.Errorf("matcher %s: %w", m.AgentID(), err)
		}
	}
	for _, a := range n.agents {
		if err := n.mgr.RegisterAgent(a); err != nil {
			return fmt.Errorf("agent %s: %w", a.AgentID(), err)
		}
	}
	logger.Info("Registered %d matchers and %d agents", len(n.matchers), len(n.agents))
	return nil
}

// start begins device simulation and the periodic jobs.
func (n *node) start() {
	for _, d := range n.devices {
		d.Start()
	}
	if n.monitor != nil {
		n.monitor.Start()
	}
	if n.store != nil {
		interval := n.cfg.Storage.PruneInterval
		n.pruneTask = n.sched.ScheduleAtFixedRate(interval, interval, n.prune)
	}
}

func (n *node) prune() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	removed, err := n.store.Prune(ctx, n.cfg.Storage.MaxRows)
	if err != nil {
		logger.Error("Failed to prune event log: %v", err)
		return
	}
	if removed > 0 {
		logger.Info("Pruned %d rows from the event log", removed)
	}
}

// shutdown withdraws every agent and matcher, then stops the HTTP listener.
func (n *node) shutdown(ctx context.Context) {
	for _, d := range n.devices {
		d.Stop()
	}
	if n.monitor != nil {
		n.monitor.Stop()
	}
	if n.pruneTask != nil {
		n.pruneTask.Cancel()
	}

	for i := len(n.agents) - 1; i >= 0; i-- {
		a := n.agents[i]
		n.mgr.DeregisterAgent(a.AgentID(), a.DesiredParentID())
	}
	for i := len(n.matchers) - 1; i >= 0; i-- {
		n.mgr.DeregisterMatcher(n.matchers[i].AgentID())
	}

	if n.http != nil {
		if err := n.http.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Failed to shut down HTTP server: %v", err)
		}
	}
}

// close releases timers and flushes the sinks. It is safe to call on a partly built node.
func (n *node) close() {
	for _, c := range n.closers {
		c.Close()
	}
	n.closers = nil
	if n.store != nil {
		if err := n.store.Close(); err != nil {
			logger.Error("Failed to close storage: %v", err)
		}
	}
	if n.cache != nil {
		if err := n.cache.Close(); err != nil {
			logger.Error("Failed to close redis: %v", err)
		}
	}
}
