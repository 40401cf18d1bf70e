/*
store.go - Persistence contract for aggregates

PURPOSE:
  Defines the interface between the engine and storage. Each aggregate
  (comp-time account, on-call window, approval request) is loaded by id,
  mutated in memory by a domain service, and saved back whole.

OPTIMISTIC CONCURRENCY:
  Save compares the aggregate's version with the stored version:
  - new aggregate (version 0): inserted, fails with ErrDuplicate if the id exists
  - existing aggregate: written only if the stored version is unchanged,
    otherwise ErrConcurrentModification; on success the version is bumped
    and written back onto the caller's value

ORDERING CONTRACT:
  Sub-logs (accrual entries, call-outs, approval levels, audit comments) are
  persisted as ordered lists. FIFO redemption and sequence-based level
  advancement depend on the order surviving a save/load cycle.

IMPLEMENTATIONS:
  - generic/store/memory.go: In-memory, for tests and dev
  - store/sqlite/sqlite.go:  SQLite

SEE ALSO:
  - retry.go: Read-mutate-save loop on top of Repository
*/
package generic

import "context"

// Repository persists one aggregate type.
type Repository[T Aggregate[T]] interface {
	// Get returns a private copy. Missing ids yield a NotFoundError.
	Get(ctx context.Context, id string) (T, error)

	// Save inserts or updates with the optimistic-version contract above.
	Save(ctx context.Context, item T) error

	// List returns every aggregate in creation order.
	List(ctx context.Context) ([]T, error)
}
