package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/ismaiel54/limit-order-pipeline/internal/order"
)

var _ order.Store = (*MemoryStore)(nil)

// MemoryStore keeps orders in a map. It has no outbox.
type MemoryStore struct {
	mu     sync.RWMutex
	orders map[string]order.Order
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{orders: make(map[string]order.Order)}
}

func (m *MemoryStore) Create(ctx context.Context, o order.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.orders[o.ID]; ok {
		return fmt.Errorf("order %s: %w", o.ID, order.ErrAlreadyExists)
	}
	m.orders[o.ID] = o
	return nil
}

func (m *MemoryStore) Update(ctx context.Context, id string, u order.Update) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return fmt.Errorf("order %s: %w", id, order.ErrNotFound)
	}
	o.Apply(u)
	m.orders[id] = o
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (order.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orders[id]
	if !ok {
		return order.Order{}, fmt.Errorf("order %s: %w", id, order.ErrNotFound)
	}
	return o, nil
}
