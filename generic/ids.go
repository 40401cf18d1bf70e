package generic

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// IDGenerator mints identifiers for ledger entries, call-outs, levels and
// aggregates. It is injected at the boundary; domain code never builds ids
// from timestamps.
type IDGenerator interface {
	NewID(prefix string) string
}

// UUIDGenerator produces "<prefix>-<uuidv4>".
type UUIDGenerator struct{}

func (UUIDGenerator) NewID(prefix string) string {
	if prefix == "" {
		return uuid.NewString()
	}
	return prefix + "-" + uuid.NewString()
}

// SequenceIDs produces predictable ids ("acc-1", "acc-2", ...) per prefix.
// Used by tests and demo scenarios.
type SequenceIDs struct {
	mu   sync.Mutex
	next map[string]int
}

func NewSequenceIDs() *SequenceIDs {
	return &SequenceIDs{next: make(map[string]int)}
}

func (s *SequenceIDs) NewID(prefix string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next[prefix]++
	return fmt.Sprintf("%s-%d", prefix, s.next[prefix])
}
