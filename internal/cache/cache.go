// Package cache publishes the latest clearing price of each cluster to Redis so other
// services can read it without joining the cluster.
//
// Cache keys are {prefix}{cluster id}; values are JSON encoded LatestPrice documents
// stored with a TTL, so a stalled cluster eventually disappears from the cache.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rewired-gh/powermatcher/internal/logger"
	"github.com/rewired-gh/powermatcher/internal/observer"
)

// LatestPrice is the cached document.
type LatestPrice struct {
	ClusterID    string    `json:"cluster_id"`
	Commodity    string    `json:"commodity"`
	Currency     string    `json:"currency"`
	Price        float64   `json:"price"`
	BidNumber    int64     `json:"bid_number"`
	DeterminedAt time.Time `json:"determined_at"`
}

// setter is the part of the Redis client the publisher uses
type setter interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// Publisher writes clearing prices to Redis from a background worker.
type Publisher struct {
	client    setter
	closer    func() error
	keyPrefix string
	ttl       time.Duration

	queue   chan LatestPrice
	done    chan struct{}
	wg      sync.WaitGroup
	closing sync.Once
}

// Options configures a Publisher.
type Options struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	TTL       time.Duration
}

// NewPublisher connects to Redis and starts the writer.
func NewPublisher(opts Options) (*Publisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return newPublisher(client, client.Close, opts.KeyPrefix, opts.TTL), nil
}

func newPublisher(client setter, closer func() error, keyPrefix string, ttl time.Duration) *Publisher {
	p := &Publisher{
		client:    client,
		closer:    closer,
		keyPrefix: keyPrefix,
		ttl:       ttl,
		queue:     make(chan LatestPrice, 16),
		done:      make(chan struct{}),
	}
	p.wg.Add(1)
	go p.run()
	return p
}

// Key returns the cache key of a cluster.
func (p *Publisher) Key(clusterID string) string {
	return p.keyPrefix + clusterID
}

// HandleEvent queues clearing prices. When the worker falls behind the oldest
// queued price is replaced, since only the latest one matters.
func (p *Publisher) HandleEvent(e observer.Event) {
	if e.Type != observer.ClearingPrice || e.PriceUpdate == nil {
		return
	}
	lp := LatestPrice{
		ClusterID:    e.ClusterID,
		Commodity:    e.PriceUpdate.Price.MarketBasis.Commodity,
		Currency:     e.PriceUpdate.Price.MarketBasis.Currency,
		Price:        e.PriceUpdate.Price.Value,
		BidNumber:    e.PriceUpdate.BidNumber,
		DeterminedAt: e.Timestamp,
	}
	for {
		select {
		case p.queue <- lp:
			return
		default:
		}
		select {
		case <-p.queue:
		default:
		}
	}
}

func (p *Publisher) run() {
	defer p.wg.Done()
	for {
		select {
		case lp := <-p.queue:
			p.write(lp)
		case <-p.done:
			for {
				select {
				case lp := <-p.queue:
					p.write(lp)
				default:
					return
				}
			}
		}
	}
}

func (p *Publisher) write(lp LatestPrice) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Publish(ctx, lp); err != nil {
		logger.Warn("Failed to cache price of cluster %s: %v", lp.ClusterID, err)
	}
}

// Publish stores lp under its cluster key with the configured TTL.
func (p *Publisher) Publish(ctx context.Context, lp LatestPrice) error {
	jsonBytes, err := json.Marshal(lp)
	if err != nil {
		return fmt.Errorf("json marshal failed: %w", err)
	}
	if err := p.client.Set(ctx, p.Key(lp.ClusterID), jsonBytes, p.ttl).Err(); err != nil {
		return fmt.Errorf("redis SET failed: %w", err)
	}
	logger.Debug("Cached price %.4f of cluster %s", lp.Price, lp.ClusterID)
	return nil
}

// Close writes the queued prices and closes the connection.
func (p *Publisher) Close() error {
	var err error
	p.closing.Do(func() {
		close(p.done)
		p.wg.Wait()
		if p.closer != nil {
			err = p.closer()
		}
	})
	return err
}
