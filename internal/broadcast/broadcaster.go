// Package broadcast fans order status events out to the live subscribers
// of each order.
//
// Subscribers are kept in a registry sharded by order id. Publishing and
// subscribing for one order take the same shard lock, so every subscriber
// sees an order's events in publish order and a new subscriber's snapshot
// is never older than the next event it receives.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/ismaiel54/limit-order-pipeline/internal/observability"
	"github.com/ismaiel54/limit-order-pipeline/internal/order"
	"go.uber.org/zap"
)

// ErrConnClosed is returned by Conn.Send on a closed connection
var ErrConnClosed = errors.New("connection closed")

// Conn is one subscriber connection. Send must not block; implementations
// buffer and report a full buffer as an error. Conn values are used as map
// keys and must be comparable (pointer types are).
type Conn interface {
	Send(ev order.StatusEvent) error
	Close() error
	IsOpen() bool
}

// OrderReader looks up persisted orders for snapshots
type OrderReader interface {
	Get(ctx context.Context, id string) (order.Order, error)
}

// Options tunes the broadcaster
type Options struct {
	Shards int
	// CacheSize bounds how many orders' last events are remembered
	CacheSize int
}

// DefaultOptions returns 16 shards and a 10000 order cache
func DefaultOptions() Options {
	return Options{Shards: 16, CacheSize: 10000}
}

type shard struct {
	mu   sync.Mutex
	subs map[string]map[Conn]struct{}
}

// Broadcaster is the per-order subscriber registry
type Broadcaster struct {
	shards []*shard
	last   *lru.Cache[string, order.StatusEvent]
	orders OrderReader
	logger *zap.Logger
}

// New creates a broadcaster. orders may be nil, in which case orders
// without a published event snapshot as pending.
func New(orders OrderReader, opts Options, logger *zap.Logger) (*Broadcaster, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultOptions()
	if opts.Shards <= 0 {
		opts.Shards = def.Shards
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = def.CacheSize
	}

	cache, err := lru.New[string, order.StatusEvent](opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot cache: %w", err)
	}

	b := &Broadcaster{
		shards: make([]*shard, opts.Shards),
		last:   cache,
		orders: orders,
		logger: logger.With(zap.String("component", "broadcaster")),
	}
	for i := range b.shards {
		b.shards[i] = &shard{subs: make(map[string]map[Conn]struct{})}
	}
	return b, nil
}

func (b *Broadcaster) shardFor(orderID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(orderID))
	return b.shards[h.Sum32()%uint32(len(b.shards))]
}

// Subscribe registers conn for orderID and sends it the order's current
// status: the last published event, else the stored order, else pending.
// If the snapshot cannot be delivered the connection is not registered.
func (b *Broadcaster) Subscribe(ctx context.Context, orderID string, conn Conn) error {
	fallback := b.storedSnapshot(ctx, orderID)

	s := b.shardFor(orderID)
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot, ok := b.last.Get(orderID)
	if !ok {
		snapshot = fallback
	}

	if err := conn.Send(snapshot); err != nil {
		return fmt.Errorf("failed to send snapshot: %w", err)
	}

	conns, ok := s.subs[orderID]
	if !ok {
		conns = make(map[Conn]struct{})
		s.subs[orderID] = conns
	}
	if _, dup := conns[conn]; !dup {
		conns[conn] = struct{}{}
		observability.Subscribers.Inc()
	}

	b.logger.Debug("subscribed",
		zap.String("order_id", orderID),
		zap.String("snapshot_status", string(snapshot.Status)),
		zap.Int("connections", len(conns)),
	)
	return nil
}

// storedSnapshot is read outside the shard lock; Subscribe prefers the
// cache, which Publish updates under the lock.
func (b *Broadcaster) storedSnapshot(ctx context.Context, orderID string) order.StatusEvent {
	if b.orders != nil {
		o, err := b.orders.Get(ctx, orderID)
		if err == nil {
			return order.SnapshotEvent(o)
		}
		if !errors.Is(err, order.ErrNotFound) {
			b.logger.Warn("failed to load order for snapshot",
				zap.String("order_id", orderID),
				zap.Error(err),
			)
		}
	}
	return order.NewStatusEvent(orderID, order.StatusPending, 0, nil)
}

// Publish sends ev to every subscriber of ev.OrderID. Connections that are
// closed or fail to accept the event are dropped.
func (b *Broadcaster) Publish(ev order.StatusEvent) {
	s := b.shardFor(ev.OrderID)
	s.mu.Lock()
	defer s.mu.Unlock()

	b.last.Add(ev.OrderID, ev)
	observability.EventsPublished.Inc()

	conns, ok := s.subs[ev.OrderID]
	if !ok {
		return
	}

	for conn := range conns {
		if !conn.IsOpen() {
			delete(conns, conn)
			observability.Subscribers.Dec()
			continue
		}
		if err := conn.Send(ev); err != nil {
			b.logger.Warn("dropping subscriber after failed send",
				zap.String("order_id", ev.OrderID),
				zap.String("status", string(ev.Status)),
				zap.Error(err),
			)
			delete(conns, conn)
			observability.Subscribers.Dec()
			observability.SendFailures.Inc()
			conn.Close()
		}
	}

	if len(conns) == 0 {
		delete(s.subs, ev.OrderID)
	}
}

// Unsubscribe removes conn without closing it
func (b *Broadcaster) Unsubscribe(orderID string, conn Conn) {
	s := b.shardFor(orderID)
	s.mu.Lock()
	defer s.mu.Unlock()

	conns, ok := s.subs[orderID]
	if !ok {
		return
	}
	if _, ok := conns[conn]; ok {
		delete(conns, conn)
		observability.Subscribers.Dec()
	}
	if len(conns) == 0 {
		delete(s.subs, orderID)
	}
}

// CloseAll closes and removes every subscriber of orderID
func (b *Broadcaster) CloseAll(orderID string) {
	s := b.shardFor(orderID)
	s.mu.Lock()
	conns := s.subs[orderID]
	delete(s.subs, orderID)
	s.mu.Unlock()

	for conn := range conns {
		observability.Subscribers.Dec()
		if err := conn.Close(); err != nil {
			b.logger.Debug("close failed", zap.String("order_id", orderID), zap.Error(err))
		}
	}
}

// ConnectionCount returns the number of registered subscribers for orderID
func (b *Broadcaster) ConnectionCount(orderID string) int {
	s := b.shardFor(orderID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs[orderID])
}

// Shutdown closes every subscriber of every order
func (b *Broadcaster) Shutdown() {
	for _, s := range b.shards {
		s.mu.Lock()
		subs := s.subs
		s.subs = make(map[string]map[Conn]struct{})
		s.mu.Unlock()

		for _, conns := range subs {
			for conn := range conns {
				observability.Subscribers.Dec()
				conn.Close()
			}
		}
	}
}
