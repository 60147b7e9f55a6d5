package bridge

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewired-gh/powermatcher/internal/agent"
	"github.com/rewired-gh/powermatcher/internal/models"
	"github.com/rewired-gh/powermatcher/internal/scheduler"
	"github.com/rewired-gh/powermatcher/internal/session"
)

var (
	epoch       = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	electricity = models.MarketBasis{Commodity: "electricity", Currency: "EUR", PriceSteps: 100, MinimumPrice: 0, MaximumPrice: 1}
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

type remoteCluster struct {
	sched *scheduler.Manual
	mgr   *session.Manager
	auc   *agent.Auctioneer
	ts    *httptest.Server
}

func newRemoteCluster(t *testing.T) *remoteCluster {
	t.Helper()
	rc := &remoteCluster{sched: scheduler.NewManual(epoch), mgr: session.NewManager()}
	rc.auc = rc.newAuctioneer(t)
	rc.ts = httptest.NewServer(NewServer(rc.mgr, "auctioneer"))
	t.Cleanup(rc.ts.Close)
	return rc
}

func (rc *remoteCluster) newAuctioneer(t *testing.T) *agent.Auctioneer {
	t.Helper()
	auc, err := agent.NewAuctioneer(agent.AuctioneerConfig{
		AgentID: "auctioneer", ClusterID: "DefaultCluster", MarketBasis: electricity,
	}, rc.sched)
	require.NoError(t, err)
	require.NoError(t, rc.mgr.RegisterMatcher(auc))
	t.Cleanup(auc.Close)
	return auc
}

func (rc *remoteCluster) url() string {
	return "ws" + strings.TrimPrefix(rc.ts.URL, "http")
}

func (rc *remoteCluster) aggregateIs(demand float64) func() bool {
	return func() bool {
		agg, ok := rc.auc.LastAggregate()
		return ok && agg.MaximumDemand() == demand
	}
}

type localSide struct {
	mgr  *session.Manager
	pv   *agent.BaseAgent
	done chan error
	stop context.CancelFunc
}

func startClient(t *testing.T, url, agentID string) *localSide {
	t.Helper()
	ls := &localSide{mgr: session.NewManager(), done: make(chan error, 1)}
	ls.pv = agent.NewBaseAgent(agentID, "auctioneer", scheduler.NewManual(epoch))
	require.NoError(t, ls.mgr.RegisterAgent(ls.pv))

	client := NewClient(ClientConfig{
		URL: url, RemoteMatcherID: "auctioneer", AgentID: agentID,
		MaxRetries: 3, RetryDelayBase: 10 * time.Millisecond,
	}, ls.mgr)

	ctx, cancel := context.WithCancel(context.Background())
	ls.stop = cancel
	go func() { ls.done <- client.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-ls.done
	})
	return ls
}

func (ls *localSide) connected() bool {
	return ls.pv.Status().Connected
}

func TestRemoteAgentJoinsCluster(t *testing.T) {
	rc := newRemoteCluster(t)
	freezer := agent.NewBaseAgent("freezer", "auctioneer", rc.sched)
	require.NoError(t, rc.mgr.RegisterAgent(freezer))
	require.NoError(t, freezer.PublishBid(models.FlatDemand(electricity, 1000)))

	ls := startClient(t, rc.url(), "remote-pv")
	require.Eventually(t, ls.connected, waitFor, tick)

	st := ls.pv.Status()
	assert.Equal(t, "DefaultCluster", st.ClusterID)
	assert.True(t, st.MarketBasis.Equal(electricity))

	require.NoError(t, ls.pv.PublishBid(models.FlatDemand(electricity, -600)))
	require.Eventually(t, rc.aggregateIs(400), waitFor, tick)

	require.Eventually(t, func() bool {
		pu, ok := ls.pv.LastPriceUpdate()
		return ok && pu.Price.Value == 1 && pu.BidNumber == 1
	}, waitFor, tick)

	price, ok := rc.auc.LastPrice()
	require.True(t, ok)
	assert.Equal(t, 1.0, price.Price.Value)
}

func TestLocalDeregisterWithdrawsRemoteBid(t *testing.T) {
	rc := newRemoteCluster(t)
	freezer := agent.NewBaseAgent("freezer", "auctioneer", rc.sched)
	require.NoError(t, rc.mgr.RegisterAgent(freezer))
	require.NoError(t, freezer.PublishBid(models.FlatDemand(electricity, 1000)))

	ls := startClient(t, rc.url(), "remote-pv")
	require.Eventually(t, ls.connected, waitFor, tick)
	require.NoError(t, ls.pv.PublishBid(models.FlatDemand(electricity, -600)))
	require.Eventually(t, rc.aggregateIs(400), waitFor, tick)

	ls.mgr.DeregisterAgent("remote-pv", "auctioneer")
	require.Eventually(t, rc.aggregateIs(1000), waitFor, tick)
}

func TestConnectionLossDeregistersRemoteAgent(t *testing.T) {
	rc := newRemoteCluster(t)
	ls := startClient(t, rc.url(), "remote-pv")
	require.Eventually(t, ls.connected, waitFor, tick)
	require.NoError(t, ls.pv.PublishBid(models.FlatDemand(electricity, -600)))
	require.Eventually(t, rc.aggregateIs(-600), waitFor, tick)

	ls.stop()
	require.NoError(t, <-ls.done)
	ls.done <- nil

	require.Eventually(t, func() bool { return len(rc.mgr.Sessions()) == 0 }, waitFor, tick)
	require.Eventually(t, rc.aggregateIs(0), waitFor, tick)
	assert.False(t, ls.connected())
}

func TestRemoteMatcherLossDisconnectsLocalAgent(t *testing.T) {
	rc := newRemoteCluster(t)
	ls := startClient(t, rc.url(), "remote-pv")
	require.Eventually(t, ls.connected, waitFor, tick)

	rc.mgr.DeregisterMatcher("auctioneer")
	rc.auc.Close()
	require.Eventually(t, func() bool { return !ls.connected() }, waitFor, tick)
	assert.Empty(t, ls.mgr.MatcherIDs())

	rc.auc = rc.newAuctioneer(t)
	require.Eventually(t, ls.connected, waitFor, tick)
	require.NoError(t, ls.pv.PublishBid(models.FlatDemand(electricity, 250)))
	require.Eventually(t, rc.aggregateIs(250), waitFor, tick)
}

func TestDuplicateRemoteAgentIsRefused(t *testing.T) {
	rc := newRemoteCluster(t)
	require.NoError(t, rc.mgr.RegisterAgent(agent.NewBaseAgent("freezer", "auctioneer", rc.sched)))

	client := NewClient(ClientConfig{URL: rc.url(), RemoteMatcherID: "auctioneer", AgentID: "freezer"}, session.NewManager())
	done := make(chan error, 1)
	go func() { done <- client.Run(context.Background()) }()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrRefused)
		assert.ErrorContains(t, err, "duplicate")
	case <-time.After(waitFor):
		t.Fatal("client was not refused")
	}
}

func TestHelloIsRequired(t *testing.T) {
	rc := newRemoteCluster(t)
	conn, _, err := websocket.DefaultDialer.Dial(rc.url(), nil)
	require.NoError(t, err)
	defer conn.Close()

	bid := models.FlatDemand(electricity, 10).WithBidNumber(1)
	require.NoError(t, conn.WriteJSON(Frame{Type: FrameBid, Bid: &bid}))

	var reply Frame
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, FrameError, reply.Type)
	assert.Contains(t, reply.Reason, "expected hello")
	assert.Empty(t, rc.mgr.Sessions())
}

func TestDialGivesUp(t *testing.T) {
	ts := httptest.NewServer(nil)
	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	ts.Close()

	client := NewClient(ClientConfig{URL: url, RemoteMatcherID: "auctioneer", AgentID: "pv", MaxRetries: 2, RetryDelayBase: time.Millisecond}, session.NewManager())
	err := client.Run(context.Background())
	assert.ErrorContains(t, err, "max retries exceeded")
}

func TestMatcherProxyCarriesOneAgent(t *testing.T) {
	p := &MatcherProxy{id: "auctioneer", agentID: "pv"}
	mgr := session.NewManager()
	require.NoError(t, mgr.RegisterMatcher(p))

	pv := agent.NewBaseAgent("pv", "auctioneer", scheduler.NewManual(epoch))
	require.NoError(t, mgr.RegisterAgent(pv))
	assert.False(t, pv.Status().Connected, "no market basis before the remote side connected")

	p.configure(electricity, "DefaultCluster")
	assert.Equal(t, 1, mgr.Reconcile())
	st := pv.Status()
	assert.True(t, st.Connected)
	assert.Equal(t, "DefaultCluster", st.ClusterID)

	intruder := agent.NewBaseAgent("intruder", "auctioneer", scheduler.NewManual(epoch))
	require.NoError(t, mgr.RegisterAgent(intruder))
	assert.False(t, intruder.Status().Connected)
}
