// Package storage keeps an event log of bids and prices in SQLite.
// Storage subscribes to agents and matchers as an observer; events are queued and
// written by a background worker so logging never slows the protocol down. When the
// queue is full new events are dropped and counted.
//
// Rows are rotated by Prune to keep the database from growing without bound.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rewired-gh/powermatcher/internal/logger"
	"github.com/rewired-gh/powermatcher/internal/observer"
)

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("not found")

const schema = `
CREATE TABLE IF NOT EXISTS bids (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	log_time       INTEGER NOT NULL,
	event_type     TEXT    NOT NULL,
	cluster_id     TEXT    NOT NULL,
	agent_id       TEXT    NOT NULL,
	session_id     TEXT    NOT NULL,
	bid_number     INTEGER NOT NULL,
	commodity      TEXT    NOT NULL,
	currency       TEXT    NOT NULL,
	minimum_price  REAL    NOT NULL,
	maximum_price  REAL    NOT NULL,
	minimum_demand REAL    NOT NULL,
	maximum_demand REAL    NOT NULL,
	demand         TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS bids_agent ON bids (agent_id, id);
CREATE TABLE IF NOT EXISTS prices (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	log_time   INTEGER NOT NULL,
	event_type TEXT    NOT NULL,
	cluster_id TEXT    NOT NULL,
	agent_id   TEXT    NOT NULL,
	session_id TEXT    NOT NULL,
	bid_number INTEGER NOT NULL,
	price      REAL    NOT NULL
);
CREATE INDEX IF NOT EXISTS prices_cluster ON prices (cluster_id, event_type, id);
`

// BidRecord is one logged bid.
type BidRecord struct {
	LogTime       time.Time
	EventType     observer.EventType
	ClusterID     string
	AgentID       string
	SessionID     string
	BidNumber     int64
	Commodity     string
	Currency      string
	MinimumPrice  float64
	MaximumPrice  float64
	MinimumDemand float64
	MaximumDemand float64
	Demand        []float64
}

// PriceRecord is one logged price.
type PriceRecord struct {
	LogTime   time.Time
	EventType observer.EventType
	ClusterID string
	AgentID   string
	SessionID string
	BidNumber int64
	Price     float64
}

// Storage is an SQLite backed event log
type Storage struct {
	db *sql.DB

	queue   chan observer.Event
	flush   chan chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
	closing sync.Once
	dropped atomic.Int64
}

// New opens (or creates) the database at dbPath and starts the writer. Use ":memory:" for tests.
func New(dbPath string, queueSize int) (*Storage, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory for %s: %w", dbPath, err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open event log %s: %w", dbPath, err)
	}
	// one connection: an in-memory database exists per connection, and SQLite allows one writer
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create event log schema: %w", err)
	}
	if queueSize < 1 {
		queueSize = 1
	}

	s := &Storage{
		db:    db,
		queue: make(chan observer.Event, queueSize),
		flush: make(chan chan struct{}),
		done:  make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run()
	return s, nil
}

// HandleEvent queues bid and price events for writing.
func (s *Storage) HandleEvent(e observer.Event) {
	if e.Bid == nil && e.PriceUpdate == nil {
		return
	}
	select {
	case s.queue <- e:
	default:
		if n := s.dropped.Add(1); n%1000 == 1 {
			logger.Warn("Event log queue full, %d events dropped so far", n)
		}
	}
}

// Dropped returns how many events were discarded because the queue was full.
func (s *Storage) Dropped() int64 {
	return s.dropped.Load()
}

func (s *Storage) run() {
	defer s.wg.Done()
	for {
		select {
		case e := <-s.queue:
			s.write(e)
		case ack := <-s.flush:
			s.drain()
			close(ack)
		case <-s.done:
			s.drain()
			return
		}
	}
}

func (s *Storage) drain() {
	for {
		select {
		case e := <-s.queue:
			s.write(e)
		default:
			return
		}
	}
}

func (s *Storage) write(e observer.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var err error
	switch {
	case e.Bid != nil:
		err = s.RecordBid(ctx, BidRecord{
			LogTime:       e.Timestamp,
			EventType:     e.Type,
			ClusterID:     e.ClusterID,
			AgentID:       e.AgentID,
			SessionID:     e.SessionID,
			BidNumber:     e.Bid.BidNumber,
			Commodity:     e.Bid.MarketBasis.Commodity,
			Currency:      e.Bid.MarketBasis.Currency,
			MinimumPrice:  e.Bid.MarketBasis.MinimumPrice,
			MaximumPrice:  e.Bid.MarketBasis.MaximumPrice,
			MinimumDemand: e.Bid.MinimumDemand(),
			MaximumDemand: e.Bid.MaximumDemand(),
			Demand:        e.Bid.Demand(),
		})
	case e.PriceUpdate != nil:
		err = s.RecordPrice(ctx, PriceRecord{
			LogTime:   e.Timestamp,
			EventType: e.Type,
			ClusterID: e.ClusterID,
			AgentID:   e.AgentID,
			SessionID: e.SessionID,
			BidNumber: e.PriceUpdate.BidNumber,
			Price:     e.PriceUpdate.Price.Value,
		})
	}
	if err != nil {
		logger.Error("Failed to write %s event for %s: %v", e.Type, e.AgentID, err)
	}
}

// Flush blocks until every queued event is written.
func (s *Storage) Flush() {
	ack := make(chan struct{})
	select {
	case s.flush <- ack:
		<-ack
	case <-s.done:
	}
}

// Close writes the remaining events and closes the database.
func (s *Storage) Close() error {
	var err error
	s.closing.Do(func() {
		close(s.done)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// RecordBid inserts a bid row.
func (s *Storage) RecordBid(ctx context.Context, r BidRecord) error {
	demand, err := json.Marshal(r.Demand)
	if err != nil {
		return fmt.Errorf("failed to encode demand: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO bids
		(log_time, event_type, cluster_id, agent_id, session_id, bid_number, commodity, currency,
		 minimum_price, maximum_price, minimum_demand, maximum_demand, demand)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.LogTime.UnixNano(), string(r.EventType), r.ClusterID, r.AgentID, r.SessionID, r.BidNumber,
		r.Commodity, r.Currency, r.MinimumPrice, r.MaximumPrice, r.MinimumDemand, r.MaximumDemand, string(demand))
	if err != nil {
		return fmt.Errorf("failed to insert bid: %w", err)
	}
	return nil
}

// RecordPrice inserts a price row.
func (s *Storage) RecordPrice(ctx context.Context, r PriceRecord) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO prices
		(log_time, event_type, cluster_id, agent_id, session_id, bid_number, price)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.LogTime.UnixNano(), string(r.EventType), r.ClusterID, r.AgentID, r.SessionID, r.BidNumber, r.Price)
	if err != nil {
		return fmt.Errorf("failed to insert price: %w", err)
	}
	return nil
}

// RecentBids returns up to limit bids logged for agentID, newest first.
func (s *Storage) RecentBids(ctx context.Context, agentID string, limit int) ([]BidRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT log_time, event_type, cluster_id, agent_id, session_id, bid_number,
		commodity, currency, minimum_price, maximum_price, minimum_demand, maximum_demand, demand
		FROM bids WHERE agent_id = ? ORDER BY id DESC LIMIT ?`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query bids: %w", err)
	}
	defer rows.Close()

	var out []BidRecord
	for rows.Next() {
		var (
			r        BidRecord
			logTime  int64
			kind     string
			demandJS string
		)
		if err := rows.Scan(&logTime, &kind, &r.ClusterID, &r.AgentID, &r.SessionID, &r.BidNumber,
			&r.Commodity, &r.Currency, &r.MinimumPrice, &r.MaximumPrice, &r.MinimumDemand, &r.MaximumDemand, &demandJS); err != nil {
			return nil, fmt.Errorf("failed to scan bid: %w", err)
		}
		if err := json.Unmarshal([]byte(demandJS), &r.Demand); err != nil {
			return nil, fmt.Errorf("failed to decode demand: %w", err)
		}
		r.LogTime = time.Unix(0, logTime).UTC()
		r.EventType = observer.EventType(kind)
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecentPrices returns up to limit prices of a given event type in a cluster, newest first.
func (s *Storage) RecentPrices(ctx context.Context, clusterID string, eventType observer.EventType, limit int) ([]PriceRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT log_time, event_type, cluster_id, agent_id, session_id, bid_number, price
		FROM prices WHERE cluster_id = ? AND event_type = ? ORDER BY id DESC LIMIT ?`, clusterID, string(eventType), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query prices: %w", err)
	}
	defer rows.Close()

	var out []PriceRecord
	for rows.Next() {
		var (
			r       PriceRecord
			logTime int64
			kind    string
		)
		if err := rows.Scan(&logTime, &kind, &r.ClusterID, &r.AgentID, &r.SessionID, &r.BidNumber, &r.Price); err != nil {
			return nil, fmt.Errorf("failed to scan price: %w", err)
		}
		r.LogTime = time.Unix(0, logTime).UTC()
		r.EventType = observer.EventType(kind)
		out = append(out, r)
	}
	return out, rows.Err()
}

// LatestPrice returns the last clearing price logged for a cluster.
func (s *Storage) LatestPrice(ctx context.Context, clusterID string) (PriceRecord, error) {
	prices, err := s.RecentPrices(ctx, clusterID, observer.ClearingPrice, 1)
	if err != nil {
		return PriceRecord{}, err
	}
	if len(prices) == 0 {
		return PriceRecord{}, fmt.Errorf("price for cluster %s: %w", clusterID, ErrNotFound)
	}
	return prices[0], nil
}

// Prune keeps only the newest maxRows rows of each table and returns how many rows were removed.
func (s *Storage) Prune(ctx context.Context, maxRows int) (int64, error) {
	var removed int64
	for _, table := range []string{"bids", "prices"} {
		res, err := s.db.ExecContext(ctx, fmt.Sprintf(
			`DELETE FROM %s WHERE id NOT IN (SELECT id FROM %s ORDER BY id DESC LIMIT ?)`, table, table), maxRows)
		if err != nil {
			return removed, fmt.Errorf("failed to prune %s: %w", table, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return removed, fmt.Errorf("failed to count pruned %s: %w", table, err)
		}
		removed += n
	}
	return removed, nil
}
