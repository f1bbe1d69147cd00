package capacity

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryGuard is a process-local guard for single-node deployments and tests.
type MemoryGuard struct {
	mu     sync.Mutex
	counts map[uuid.UUID]int
}

// NewMemoryGuard constructs an empty in-memory guard.
func NewMemoryGuard() *MemoryGuard {
	return &MemoryGuard{counts: make(map[uuid.UUID]int)}
}

// Acquire reserves a slot if the trunk is below its limit.
func (g *MemoryGuard) Acquire(ctx context.Context, trunkID uuid.UUID, limit int) (bool, error) {
	if limit <= 0 {
		return false, nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.counts[trunkID] >= limit {
		return false, nil
	}
	g.counts[trunkID]++
	return true, nil
}

// Release frees a previously acquired slot.
func (g *MemoryGuard) Release(ctx context.Context, trunkID uuid.UUID) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.counts[trunkID] <= 0 {
		delete(g.counts, trunkID)
		return nil
	}
	g.counts[trunkID]--
	return nil
}

// InUse reports the number of reserved slots for a trunk.
func (g *MemoryGuard) InUse(ctx context.Context, trunkID uuid.UUID) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.counts[trunkID], nil
}
