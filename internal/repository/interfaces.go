package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/acme/trunk-fallback-gateway/internal/domain"
	apperrors "github.com/acme/trunk-fallback-gateway/pkg/errors"
)

var (
	// ErrNotFound indicates the entity was not located.
	ErrNotFound = apperrors.ErrNotFound
	// ErrConflict indicates a unique constraint violation.
	ErrConflict = apperrors.ErrConflict
)

// TrunkRepository manages trunk records. The core mutates only counters and
// failure metadata; trunk CRUD belongs to an external collaborator.
type TrunkRepository interface {
	Get(ctx context.Context, id uuid.UUID) (*domain.Trunk, error)
	// ListActiveOrdered returns active trunks with primaries first, then by
	// descending priority — the fallback candidate order.
	ListActiveOrdered(ctx context.Context) ([]domain.Trunk, error)
	RecordSuccess(ctx context.Context, id uuid.UUID) error
	RecordFailure(ctx context.Context, id uuid.UUID, reason string) error
	ReleaseCall(ctx context.Context, id uuid.UUID) error
	Stats(ctx context.Context) ([]domain.TrunkStats, error)
	ListFailures(ctx context.Context, id uuid.UUID, limit int) ([]domain.TrunkFailure, error)
}

// ProviderRepository resolves tariff data for cost estimation.
type ProviderRepository interface {
	GetByName(ctx context.Context, name string) (*domain.Provider, error)
}

// FinalCallRecord is the terminal call record persisted by the sink.
type FinalCallRecord struct {
	ExternalID      string
	TrunkID         uuid.UUID
	State           domain.CallState
	DurationSeconds int64
	Cause           int
	Cost            float64
	OccurredAt      time.Time
}

// CallRecordStore is the append-only sink for attempts and finished calls.
type CallRecordStore interface {
	RecordAttempt(ctx context.Context, attempt domain.OriginationAttempt) error
	RecordFinal(ctx context.Context, record FinalCallRecord) error
}
