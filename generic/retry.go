package generic

import (
	"context"
	"fmt"
	"sync"
)

// DefaultMaxRetries bounds the read-mutate-save loop.
const DefaultMaxRetries = 3

// WithRetry loads the aggregate, applies mutate, and saves it under optimistic
// locking. A version conflict reloads and reapplies mutate; any other error
// (including one returned by mutate) is returned as-is. Because mutate runs
// on a fresh copy each attempt, a failed attempt leaves nothing behind.
func WithRetry[T Aggregate[T]](
	ctx context.Context,
	repo Repository[T],
	id string,
	maxRetries int,
	mutate func(T) error,
) (T, error) {
	var zero T
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	for attempt := 0; attempt < maxRetries; attempt++ {
		current, err := repo.Get(ctx, id)
		if err != nil {
			return zero, err
		}
		if err := mutate(current); err != nil {
			return zero, err
		}
		err = repo.Save(ctx, current)
		if err == nil {
			return current, nil
		}
		if !IsRetryable(err) {
			return zero, err
		}
		// someone else saved first; retry on the fresh state
	}
	return zero, fmt.Errorf("too much contention updating %q: %w", id, ErrConcurrentModification)
}

// =============================================================================
// KEYED MUTEX - Per-aggregate serialization inside one process
// =============================================================================

// KeyedMutex hands out one mutex per aggregate id so mutations on the same
// account, window or request run one at a time while different aggregates
// proceed in parallel.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedEntry)}
}

// Lock acquires the mutex for key and returns its unlock func.
func (k *KeyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
