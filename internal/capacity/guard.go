package capacity

import (
	"context"

	"github.com/google/uuid"
)

// Guard reserves channel slots per trunk. Acquire is a compare-and-increment:
// it either reserves a slot below the limit atomically or reports saturation.
// A plain read-then-write would race with concurrent requests against the
// same trunk.
type Guard interface {
	Acquire(ctx context.Context, trunkID uuid.UUID, limit int) (bool, error)
	Release(ctx context.Context, trunkID uuid.UUID) error
	InUse(ctx context.Context, trunkID uuid.UUID) (int, error)
}
