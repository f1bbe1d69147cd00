package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/trunk-fallback-gateway/internal/domain"
	"github.com/acme/trunk-fallback-gateway/internal/repository"
)

// ProviderRepository implements repository.ProviderRepository using
// PostgreSQL.
type ProviderRepository struct {
	db *sqlx.DB
}

// NewProviderRepository constructs a new repository.
func NewProviderRepository(db *sqlx.DB) *ProviderRepository {
	return &ProviderRepository{db: db}
}

// GetByName fetches an active provider by name.
func (r *ProviderRepository) GetByName(ctx context.Context, name string) (*domain.Provider, error) {
	q := `SELECT id, name, tariff_fixed, tariff_mobile, is_active
	  FROM providers WHERE name = $1 AND is_active = TRUE`

	var record struct {
		ID           uuid.UUID `db:"id"`
		Name         string    `db:"name"`
		TariffFixed  float64   `db:"tariff_fixed"`
		TariffMobile float64   `db:"tariff_mobile"`
		IsActive     bool      `db:"is_active"`
	}
	if err := r.db.QueryRowxContext(ctx, q, name).StructScan(&record); err != nil {
		if err == sql.ErrNoRows {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("provider repo: get by name: %w", err)
	}

	return &domain.Provider{
		ID:           record.ID,
		Name:         record.Name,
		TariffFixed:  record.TariffFixed,
		TariffMobile: record.TariffMobile,
		IsActive:     record.IsActive,
	}, nil
}
