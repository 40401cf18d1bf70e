// Package store provides Repository implementations.
package store

import (
	"context"
	"sync"

	"github.com/warp/overtime-engine/generic"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory is a versioned in-memory repository for any aggregate type.
// Values are cloned on the way in and out, so callers can mutate what Get
// returns without touching stored state until they Save.
type Memory[T generic.Aggregate[T]] struct {
	mu    sync.RWMutex
	kind  string
	items map[string]T
	order []string
}

// NewMemory creates an empty store. kind names the aggregate in NotFound errors.
func NewMemory[T generic.Aggregate[T]](kind string) *Memory[T] {
	return &Memory[T]{
		kind:  kind,
		items: make(map[string]T),
	}
}

func (m *Memory[T]) Get(_ context.Context, id string) (T, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	item, ok := m.items[id]
	if !ok {
		var zero T
		return zero, generic.NotFound(m.kind, id)
	}
	return item.Clone(), nil
}

func (m *Memory[T]) Save(_ context.Context, item T) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := item.AggregateID()
	existing, ok := m.items[id]

	switch {
	case !ok && item.AggregateVersion() != 0:
		// Saving a loaded aggregate that vanished underneath us
		return generic.ErrConcurrentModification
	case !ok:
		m.order = append(m.order, id)
	case item.AggregateVersion() == 0:
		return generic.ErrDuplicate
	case existing.AggregateVersion() != item.AggregateVersion():
		return generic.ErrConcurrentModification
	}

	item.SetAggregateVersion(item.AggregateVersion() + 1)
	m.items[id] = item.Clone()
	return nil
}

func (m *Memory[T]) List(_ context.Context) ([]T, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]T, 0, len(m.order))
	for _, id := range m.order {
		result = append(result, m.items[id].Clone())
	}
	return result, nil
}

// Len reports how many aggregates are stored.
func (m *Memory[T]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}
