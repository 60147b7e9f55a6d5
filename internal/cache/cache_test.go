package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewired-gh/powermatcher/internal/models"
	"github.com/rewired-gh/powermatcher/internal/observer"
)

var electricity = models.MarketBasis{Commodity: "electricity", Currency: "EUR", PriceSteps: 100, MinimumPrice: 0, MaximumPrice: 1}

type entry struct {
	value []byte
	ttl   time.Duration
}

type fakeRedis struct {
	mu   sync.Mutex
	data map[string]entry
	err  error
}

func (f *fakeRedis) Set(_ context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewStatusResult("", f.err)
	}
	if f.data == nil {
		f.data = make(map[string]entry)
	}
	f.data[key] = entry{value: value.([]byte), ttl: expiration}
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) get(key string) (entry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.data[key]
	return e, ok
}

func clearing(cluster string, number int64, value float64) observer.Event {
	return observer.Event{
		Type:        observer.ClearingPrice,
		ClusterID:   cluster,
		AgentID:     "auctioneer",
		Timestamp:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		PriceUpdate: &models.PriceUpdate{Price: models.Price{MarketBasis: electricity, Value: value}, BidNumber: number},
	}
}

func TestClearingPricesAreCached(t *testing.T) {
	fake := &fakeRedis{}
	closed := false
	closer := func() error {
		closed = true
		return nil
	}
	p := newPublisher(fake, closer, "powermatcher:price:", 5*time.Minute)

	p.HandleEvent(clearing("DefaultCluster", 1, 0.25))
	p.HandleEvent(clearing("DefaultCluster", 2, 0.75))
	p.HandleEvent(observer.Event{Type: observer.OutgoingPrice, ClusterID: "Ignored"})
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	assert.True(t, closed)

	e, ok := fake.get("powermatcher:price:DefaultCluster")
	require.True(t, ok)
	assert.Equal(t, 5*time.Minute, e.ttl)

	var lp LatestPrice
	require.NoError(t, json.Unmarshal(e.value, &lp))
	assert.Equal(t, 0.75, lp.Price)
	assert.Equal(t, int64(2), lp.BidNumber)
	assert.Equal(t, "electricity", lp.Commodity)
	assert.Equal(t, "EUR", lp.Currency)

	_, ok = fake.get("powermatcher:price:Ignored")
	assert.False(t, ok)
}

func TestPublishReportsRedisErrors(t *testing.T) {
	fake := &fakeRedis{err: errors.New("connection refused")}
	p := newPublisher(fake, nil, "k:", time.Minute)
	defer p.Close()

	err := p.Publish(context.Background(), LatestPrice{ClusterID: "c", Price: 1})
	assert.ErrorContains(t, err, "redis SET failed")
}

func TestSlowWorkerKeepsLatestPrice(t *testing.T) {
	fake := &fakeRedis{}
	p := newPublisher(fake, nil, "k:", time.Minute)

	for i := int64(1); i <= 100; i++ {
		p.HandleEvent(clearing("c", i, float64(i)/100))
	}
	require.NoError(t, p.Close())

	e, ok := fake.get("k:c")
	require.True(t, ok)
	var lp LatestPrice
	require.NoError(t, json.Unmarshal(e.value, &lp))
	assert.Equal(t, int64(100), lp.BidNumber)
}

func TestKey(t *testing.T) {
	p := newPublisher(&fakeRedis{}, nil, "powermatcher:price:", time.Minute)
	defer p.Close()
	assert.Equal(t, "powermatcher:price:home", p.Key("home"))
}
