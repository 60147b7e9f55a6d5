package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewired-gh/powermatcher/internal/agent"
	"github.com/rewired-gh/powermatcher/internal/bridge"
	"github.com/rewired-gh/powermatcher/internal/metrics"
	"github.com/rewired-gh/powermatcher/internal/models"
	"github.com/rewired-gh/powermatcher/internal/scheduler"
	"github.com/rewired-gh/powermatcher/internal/session"
)

var electricity = models.MarketBasis{Commodity: "electricity", Currency: "EUR", PriceSteps: 100, MinimumPrice: 0, MaximumPrice: 1}

type node struct {
	mgr *session.Manager
	auc *agent.Auctioneer
	ts  *httptest.Server
}

func newNode(t *testing.T) *node {
	t.Helper()
	sched := scheduler.NewManual(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	mgr := session.NewManager()
	auc, err := agent.NewAuctioneer(agent.AuctioneerConfig{AgentID: "auctioneer", ClusterID: "DefaultCluster", MarketBasis: electricity}, sched)
	require.NoError(t, err)
	t.Cleanup(auc.Close)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	auc.AddObserver(m)
	mgr.AddObserver(m)
	require.NoError(t, mgr.RegisterMatcher(auc))

	s := New(Options{
		ClusterID:   "DefaultCluster",
		Manager:     mgr,
		Prices:      auc,
		BridgePath:  "/powermatcher/websocket",
		Bridge:      bridge.NewServer(mgr, "auctioneer"),
		MetricsPath: "/metrics",
		Metrics:     promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return &node{mgr: mgr, auc: auc, ts: ts}
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestHealth(t *testing.T) {
	n := newNode(t)
	code, body := get(t, n.ts.URL+"/health")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"status":"healthy"}`, body)
}

func TestStatusAndPrice(t *testing.T) {
	n := newNode(t)

	code, _ := get(t, n.ts.URL+"/price")
	assert.Equal(t, http.StatusNotFound, code)

	pv := agent.NewBaseAgent("pv", "auctioneer", scheduler.NewManual(time.Now()))
	require.NoError(t, n.mgr.RegisterAgent(pv))
	require.NoError(t, pv.PublishBid(models.FlatDemand(electricity, 300)))

	code, body := get(t, n.ts.URL+"/status")
	require.Equal(t, http.StatusOK, code)
	var status statusResponse
	require.NoError(t, json.Unmarshal([]byte(body), &status))
	assert.Equal(t, "DefaultCluster", status.ClusterID)
	assert.Equal(t, []string{"auctioneer"}, status.Matchers)
	require.Len(t, status.Sessions, 1)
	assert.Equal(t, "pv", status.Sessions[0].AgentID)
	assert.Equal(t, "CONNECTED", status.Sessions[0].State)

	code, body = get(t, n.ts.URL+"/price")
	require.Equal(t, http.StatusOK, code)
	var pu models.PriceUpdate
	require.NoError(t, json.Unmarshal([]byte(body), &pu))
	assert.Equal(t, 1.0, pu.Price.Value)
}

func TestMetricsEndpoint(t *testing.T) {
	n := newNode(t)
	pv := agent.NewBaseAgent("pv", "auctioneer", scheduler.NewManual(time.Now()))
	require.NoError(t, n.mgr.RegisterAgent(pv))
	require.NoError(t, pv.PublishBid(models.FlatDemand(electricity, -300)))

	code, body := get(t, n.ts.URL+"/metrics")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `powermatcher_clearing_price{cluster="DefaultCluster",commodity="electricity"} 0`)
	assert.Contains(t, body, "powermatcher_connected_sessions 1")
}

func TestBridgeIsMounted(t *testing.T) {
	n := newNode(t)
	url := "ws" + strings.TrimPrefix(n.ts.URL, "http") + "/powermatcher/websocket"

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(bridge.Frame{Type: bridge.FrameHello, AgentID: "remote"}))
	var reply bridge.Frame
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, bridge.FrameConnected, reply.Type)
	assert.Equal(t, "DefaultCluster", reply.ClusterID)
	require.NotNil(t, reply.MarketBasis)
	assert.True(t, reply.MarketBasis.Equal(electricity))
}
